package model

import (
	"encoding/json"
	"time"
)

// Event kinds written to the audit log
const (
	EventAddressAllocated    = "address.allocated"
	EventAddressReleased     = "address.released"
	EventAddressBlocked      = "address.blocked"
	EventAddressUnblocked    = "address.unblocked"
	EventActivationStep      = "activation.step"
	EventActivationCompleted = "activation.completed"
	EventActivationFailed    = "activation.failed"
	EventDeviceCommand       = "device.command"
	EventDeviceHealth        = "device.health"
	EventRetryEnqueued       = "retry.enqueued"
	EventRetrySucceeded      = "retry.succeeded"
	EventRetryFailed         = "retry.failed"
)

// Event is an append-only audit record
type Event struct {
	ID           string          `json:"id"`
	Kind         string          `json:"kind"`
	DeviceID     string          `json:"device_id,omitempty"`
	ServiceID    string          `json:"service_id,omitempty"`
	ActivationID string          `json:"activation_id,omitempty"`
	Message      string          `json:"message"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// EventFilter holds filter criteria for listing events
type EventFilter struct {
	Kind         string
	DeviceID     string
	ServiceID    string
	ActivationID string
	Limit        int
}
