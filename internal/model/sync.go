package model

import (
	"encoding/json"
	"time"
)

// SyncState tracks whether a device's live configuration matches intent
type SyncState string

const (
	SyncSynced    SyncState = "synced"
	SyncPending   SyncState = "pending"
	SyncOutOfSync SyncState = "out_of_sync"
	SyncReleased  SyncState = "released"
)

// SyncStatus is keyed by (DeviceID, ServiceID)
type SyncStatus struct {
	DeviceID      string    `json:"device_id"`
	ServiceID     string    `json:"service_id"`
	AddressID     string    `json:"address_id,omitempty"`
	State         SyncState `json:"state"`
	LastOperation string    `json:"last_operation,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	LastCheckedAt time.Time `json:"last_checked_at"`
}

// RetryStatus is the lifecycle of a durable retry operation
type RetryStatus string

const (
	RetryPending   RetryStatus = "pending"
	RetrySucceeded RetryStatus = "succeeded"
	RetryFailed    RetryStatus = "failed"
)

// RetryableOperation is a device command queued for replay after a failure
type RetryableOperation struct {
	ID            string          `json:"id"`
	DeviceID      string          `json:"device_id"`
	ServiceID     string          `json:"service_id,omitempty"`
	Verb          string          `json:"verb"`
	Params        json.RawMessage `json:"params"`
	DedupKey      string          `json:"dedup_key"`
	Attempts      int             `json:"attempts"`
	MaxAttempts   int             `json:"max_attempts"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	Status        RetryStatus     `json:"status"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}
