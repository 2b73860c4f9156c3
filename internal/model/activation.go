package model

import (
	"encoding/json"
	"time"
)

// ActivationType selects the ordered step plan a saga executes
type ActivationType string

const (
	ActivationNew       ActivationType = "new"
	ActivationUpgrade   ActivationType = "upgrade"
	ActivationDowngrade ActivationType = "downgrade"
	ActivationSuspend   ActivationType = "suspend"
	ActivationResume    ActivationType = "resume"
)

// Valid reports whether t names a known activation type
func (t ActivationType) Valid() bool {
	switch t {
	case ActivationNew, ActivationUpgrade, ActivationDowngrade, ActivationSuspend, ActivationResume:
		return true
	}
	return false
}

// ActivationStatus is the saga state
type ActivationStatus string

const (
	ActivationInProgress ActivationStatus = "in_progress"
	ActivationCompleted  ActivationStatus = "completed"
	ActivationFailed     ActivationStatus = "failed"
)

// Failure codes recorded alongside the verbatim failure reason
const (
	FailureNoCapacity        = "no_capacity"
	FailureNoAvailableSubnet = "no_available_subnet"
	FailureUnreachable       = "unreachable"
	FailureInvalidPlan       = "invalid_plan"
	FailureInvalidState      = "invalid_state"
	FailureTimeout           = "timeout"
	FailureStepFailed        = "step_failed"
)

// Overrides are optional per-request configuration overrides
type Overrides struct {
	Location          string `json:"location,omitempty"`
	DeviceID          string `json:"device_id,omitempty"`
	Username          string `json:"username,omitempty"`
	Secret            string `json:"secret,omitempty"`
	DownloadKbps      int    `json:"download_kbps,omitempty" validate:"gte=0"`
	UploadKbps        int    `json:"upload_kbps,omitempty" validate:"gte=0"`
	BurstDownloadKbps int    `json:"burst_download_kbps,omitempty" validate:"gte=0"`
	BurstUploadKbps   int    `json:"burst_upload_kbps,omitempty" validate:"gte=0"`
}

// Activation is one saga instance against a customer service
type Activation struct {
	ID            string           `json:"id"`
	ServiceID     string           `json:"service_id"`
	CustomerID    string           `json:"customer_id"`
	PlanID        string           `json:"plan_id"`
	Type          ActivationType   `json:"type"`
	Status        ActivationStatus `json:"status"`
	CurrentStep   int              `json:"current_step"`
	FailedStep    string           `json:"failed_step,omitempty"`
	FailureCode   string           `json:"failure_code,omitempty"`
	FailureReason string           `json:"failure_reason,omitempty"`
	Overrides     Overrides        `json:"overrides"`
	StartedAt     time.Time        `json:"started_at"`
	CompletedAt   *time.Time       `json:"completed_at,omitempty"`
	Steps         []StepLog        `json:"steps,omitempty"`
}

// StepPhase distinguishes forward execution from compensation
type StepPhase string

const (
	PhaseExecute  StepPhase = "execute"
	PhaseRollback StepPhase = "rollback"
)

// StepStatus is the outcome of one step attempt
type StepStatus string

const (
	StepStarted   StepStatus = "started"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// StepLog is an append-only record of one step or rollback attempt
type StepLog struct {
	ID           string          `json:"id"`
	ActivationID string          `json:"activation_id"`
	Step         string          `json:"step"`
	Phase        StepPhase       `json:"phase"`
	Status       StepStatus      `json:"status"`
	DurationMS   int64           `json:"duration_ms"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}
