package model

import "time"

// SubnetStatus is the operational state of a subnet
type SubnetStatus string

const (
	SubnetActive   SubnetStatus = "active"
	SubnetInactive SubnetStatus = "inactive"
)

// Subnet is a CIDR block owned by exactly one device
type Subnet struct {
	ID             string       `json:"id"`
	DeviceID       string       `json:"device_id"`
	CIDR           string       `json:"cidr"` // e.g. "100.64.0.0/24"
	Gateway        string       `json:"gateway"`
	DNS            []string     `json:"dns"`
	VLAN           int          `json:"vlan,omitempty"`
	Status         SubnetStatus `json:"status"`
	TotalAddresses int          `json:"total_addresses"`
	UsedAddresses  int          `json:"used_addresses"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// Available returns the number of addresses still free in the subnet
func (s *Subnet) Available() int {
	return s.TotalAddresses - s.UsedAddresses
}

// AddressStatus is the allocation state of a single address
type AddressStatus string

const (
	AddressAvailable AddressStatus = "available"
	AddressAssigned  AddressStatus = "assigned"
	AddressReserved  AddressStatus = "reserved" // network, broadcast, gateway
	AddressBlocked   AddressStatus = "blocked"  // administratively withheld
)

// Address is one slot in a subnet's arena. Seq is its index in the block,
// so the lowest available address is the one with the lowest Seq.
type Address struct {
	ID         string        `json:"id"`
	SubnetID   string        `json:"subnet_id"`
	IP         string        `json:"ip"`
	Seq        int           `json:"seq"`
	Status     AddressStatus `json:"status"`
	ServiceID  string        `json:"service_id,omitempty"`
	CustomerID string        `json:"customer_id,omitempty"`
	AssignedAt *time.Time    `json:"assigned_at,omitempty"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// AddressOwner identifies the service claiming an address
type AddressOwner struct {
	ServiceID  string
	CustomerID string
}

// Utilization summarizes address usage for one subnet
type Utilization struct {
	SubnetID  string  `json:"subnet_id"`
	CIDR      string  `json:"cidr"`
	Total     int     `json:"total"`
	Assigned  int     `json:"assigned"`
	Reserved  int     `json:"reserved"`
	Blocked   int     `json:"blocked"`
	Available int     `json:"available"`
	Percent   float64 `json:"percent"`
}
