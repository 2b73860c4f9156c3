package model

import "time"

// DeviceStatus is the operational state of a network element
type DeviceStatus string

const (
	DeviceActive      DeviceStatus = "active"
	DeviceInactive    DeviceStatus = "inactive"
	DeviceMaintenance DeviceStatus = "maintenance"
)

// Device is a registered network element (BRAS, router, OLT) that hosts
// subnets and terminates customer services.
type Device struct {
	ID                string       `json:"id"`
	Name              string       `json:"name"`
	Vendor            string       `json:"vendor"` // driver tag, e.g. "routeros", "restapi", "memory"
	Host              string       `json:"host"`
	Port              int          `json:"port"`
	Username          string       `json:"username,omitempty"`
	Secret            string       `json:"-"`
	HostKey           string       `json:"host_key,omitempty"` // authorized_keys format, SSH vendors only
	SNMPCommunity     string       `json:"-"`
	Location          string       `json:"location"`
	Status            DeviceStatus `json:"status"`
	MaxSubscribers    int          `json:"max_subscribers"` // 0 means unlimited
	ActiveSubscribers int          `json:"active_subscribers"`
	LastCheckedAt     *time.Time   `json:"last_checked_at,omitempty"`
	LastCheckResult   string       `json:"last_check_result,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// HasCapacity reports whether the device can take another subscriber
func (d *Device) HasCapacity() bool {
	return d.MaxSubscribers <= 0 || d.ActiveSubscribers < d.MaxSubscribers
}

// DeviceAvailability pairs a device with its count of available addresses
// across active subnets.
type DeviceAvailability struct {
	Device        Device `json:"device"`
	Available     int    `json:"available"`
	ActiveSubnets int    `json:"active_subnets"`
}

// DeviceFilter holds filter criteria for listing devices
type DeviceFilter struct {
	Status   DeviceStatus
	Location string
}
