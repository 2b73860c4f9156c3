package model

import (
	"encoding/json"
	"time"
)

// ServicePlan is a subscription plan supplied by billing
type ServicePlan struct {
	ID                string    `json:"id" validate:"required"`
	Name              string    `json:"name" validate:"required"`
	DownloadKbps      int       `json:"download_kbps" validate:"gt=0"`
	UploadKbps        int       `json:"upload_kbps" validate:"gt=0"`
	BurstDownloadKbps int       `json:"burst_download_kbps,omitempty" validate:"gte=0"`
	BurstUploadKbps   int       `json:"burst_upload_kbps,omitempty" validate:"gte=0"`
	Priority          int       `json:"priority,omitempty" validate:"gte=0,lte=8"`
	Active            bool      `json:"active"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Profile derives the bandwidth profile a device enforces for this plan
func (p *ServicePlan) Profile(name string) BandwidthProfile {
	return BandwidthProfile{
		Name:              name,
		DownloadKbps:      p.DownloadKbps,
		UploadKbps:        p.UploadKbps,
		BurstDownloadKbps: p.BurstDownloadKbps,
		BurstUploadKbps:   p.BurstUploadKbps,
		Priority:          p.Priority,
	}
}

// BandwidthProfile is the QoS policy pushed to a device for one subscriber
type BandwidthProfile struct {
	Name              string `json:"name"`
	DownloadKbps      int    `json:"download_kbps"`
	UploadKbps        int    `json:"upload_kbps"`
	BurstDownloadKbps int    `json:"burst_download_kbps,omitempty"`
	BurstUploadKbps   int    `json:"burst_upload_kbps,omitempty"`
	Priority          int    `json:"priority,omitempty"`
}

// ServiceStatus is the lifecycle state of a customer service
type ServiceStatus string

const (
	ServicePending    ServiceStatus = "pending"
	ServiceActive     ServiceStatus = "active"
	ServiceSuspended  ServiceStatus = "suspended"
	ServiceTerminated ServiceStatus = "terminated"
)

// CustomerService is a customer's subscription instance. Address and device
// references are weak: they do not keep an address reserved past release.
type CustomerService struct {
	ID           string          `json:"id"`
	CustomerID   string          `json:"customer_id"`
	PlanID       string          `json:"plan_id"`
	Location     string          `json:"location,omitempty"`
	Status       ServiceStatus   `json:"status"`
	AddressID    string          `json:"address_id,omitempty"`
	DeviceID     string          `json:"device_id,omitempty"`
	Username     string          `json:"username,omitempty"`
	Secret       string          `json:"-"`
	Profile      json.RawMessage `json:"profile,omitempty"`
	SavedProfile json.RawMessage `json:"saved_profile,omitempty"`
	ActivatedAt  *time.Time      `json:"activated_at,omitempty"`
	SuspendedAt  *time.Time      `json:"suspended_at,omitempty"`
	TerminatedAt *time.Time      `json:"terminated_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// BandwidthProfile decodes the stored profile. A service that was never
// configured returns the zero profile.
func (s *CustomerService) BandwidthProfile() (BandwidthProfile, error) {
	var p BandwidthProfile
	if len(s.Profile) == 0 {
		return p, nil
	}
	err := json.Unmarshal(s.Profile, &p)
	return p, err
}

// ServiceFilter holds filter criteria for listing services
type ServiceFilter struct {
	CustomerID string
	DeviceID   string
	Status     ServiceStatus
}
