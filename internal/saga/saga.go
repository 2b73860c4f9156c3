// Package saga runs activation sagas: a fixed, ordered list of steps per
// activation type, each optionally carrying a compensation that undoes it
// when a later step fails.
package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/martinsuchenak/netprov/internal/audit"
	"github.com/martinsuchenak/netprov/internal/driver"
	"github.com/martinsuchenak/netprov/internal/ipam"
	"github.com/martinsuchenak/netprov/internal/log"
	"github.com/martinsuchenak/netprov/internal/metrics"
	"github.com/martinsuchenak/netprov/internal/model"
)

var (
	// ErrInvalidPlan means the requested plan does not exist, is retired or
	// does not fit the activation type
	ErrInvalidPlan = errors.New("invalid plan")
	// ErrInvalidState means the service cannot take this activation type
	// in its current lifecycle state
	ErrInvalidState = errors.New("invalid service state")
)

// Store is the persistence the engine needs
type Store interface {
	GetPlan(ctx context.Context, id string) (*model.ServicePlan, error)
	GetService(ctx context.Context, id string) (*model.CustomerService, error)
	UpdateService(ctx context.Context, svc *model.CustomerService) error
	GetDevice(ctx context.Context, id string) (*model.Device, error)
	GetAddress(ctx context.Context, id string) (*model.Address, error)
	GetSubnet(ctx context.Context, id string) (*model.Subnet, error)
	CreateActivation(ctx context.Context, a *model.Activation) error
	UpdateActivation(ctx context.Context, a *model.Activation) error
	AppendStepLog(ctx context.Context, entry *model.StepLog) error
	UpsertSyncStatus(ctx context.Context, status *model.SyncStatus) error
}

// Pool allocates and releases addresses
type Pool interface {
	AllocateForService(ctx context.Context, location, hint string, owner model.AddressOwner) (*ipam.Allocation, error)
	Release(ctx context.Context, addressID, reason string) error
}

// Commander opens device sessions and runs durable commands
type Commander interface {
	Open(ctx context.Context, device *model.Device) (*driver.Session, error)
	ExecuteDurable(ctx context.Context, device *model.Device, cmd driver.Command) (bool, error)
}

// Config tunes step execution
type Config struct {
	StepTimeout time.Duration
}

// Request starts one saga
type Request struct {
	ServiceID  string
	CustomerID string
	PlanID     string
	Type       model.ActivationType
	Overrides  model.Overrides
}

// Engine executes activation sagas. It holds no per-saga state; every run
// gets its own.
type Engine struct {
	store     Store
	pool      Pool
	commander Commander
	audit     *audit.Log
	cfg       Config
}

// NewEngine creates an engine
func NewEngine(store Store, pool Pool, commander Commander, auditLog *audit.Log, cfg Config) *Engine {
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 30 * time.Second
	}
	return &Engine{store: store, pool: pool, commander: commander, audit: auditLog, cfg: cfg}
}

// Run executes the saga for req and returns the terminal activation. The
// error is non-nil only when the saga could not be recorded at all; a
// failed saga is reported through the activation's status.
func (e *Engine) Run(ctx context.Context, req Request) (*model.Activation, error) {
	steps, err := planFor(req.Type)
	if err != nil {
		return nil, err
	}

	svc, err := e.store.GetService(ctx, req.ServiceID)
	if err != nil {
		return nil, fmt.Errorf("loading service %s: %w", req.ServiceID, err)
	}

	act := &model.Activation{
		ServiceID:  req.ServiceID,
		CustomerID: req.CustomerID,
		PlanID:     req.PlanID,
		Type:       req.Type,
		Status:     model.ActivationInProgress,
		Overrides:  req.Overrides,
		StartedAt:  time.Now().UTC(),
	}
	if act.CustomerID == "" {
		act.CustomerID = svc.CustomerID
	}
	if act.PlanID == "" {
		act.PlanID = svc.PlanID
	}
	if err := e.store.CreateActivation(ctx, act); err != nil {
		return nil, err
	}

	r := &run{activation: act, service: svc}
	defer r.close()

	logger := log.With("activation_id", act.ID).With("service_id", act.ServiceID)
	logger.Info("Activation started", "type", act.Type, "steps", len(steps))

	var completed []step
	for i, s := range steps {
		act.CurrentStep = i
		if err := e.store.UpdateActivation(ctx, act); err != nil {
			logger.Error("Failed to persist activation progress", "step", s.name, "error", err)
		}

		if err := e.runStep(ctx, r, s); err != nil {
			e.rollback(ctx, r, s, completed)
			return e.finish(ctx, r, s.name, err), nil
		}
		completed = append(completed, s)
	}

	act.CurrentStep = len(steps)
	return e.finish(ctx, r, "", nil), nil
}

// runStep executes one step under the step timeout and logs the attempt
// before and after.
func (e *Engine) runStep(ctx context.Context, r *run, s step) error {
	e.appendLog(ctx, r, s.name, model.PhaseExecute, model.StepStarted, 0, nil, nil)

	stepCtx, cancel := context.WithTimeout(ctx, e.cfg.StepTimeout)
	defer cancel()

	start := time.Now()
	result, err := s.do(e, stepCtx, r)
	if err == nil && stepCtx.Err() != nil {
		err = stepCtx.Err()
	}
	elapsed := time.Since(start)
	metrics.StepDuration.WithLabelValues(s.name, string(model.PhaseExecute)).Observe(elapsed.Seconds())

	status := model.StepCompleted
	if err != nil {
		status = model.StepFailed
	}
	e.appendLog(ctx, r, s.name, model.PhaseExecute, status, elapsed, result, err)
	return err
}

// rollback compensates the failed step, which may have been partially
// applied, then every completed step in reverse completion order.
// Compensation failures are logged and never stop the chain.
func (e *Engine) rollback(ctx context.Context, r *run, failed step, completed []step) {
	ctx = context.WithoutCancel(ctx)
	logger := log.With("activation_id", r.activation.ID).With("service_id", r.activation.ServiceID)

	if failed.undo != nil {
		e.compensate(ctx, r, failed)
	}
	for i := len(completed) - 1; i >= 0; i-- {
		e.compensate(ctx, r, completed[i])
	}
	logger.Info("Rollback finished", "failed_step", failed.name, "compensated", len(completed))
}

func (e *Engine) compensate(ctx context.Context, r *run, s step) {
	if s.undo == nil {
		e.appendLog(ctx, r, s.name, model.PhaseRollback, model.StepCompleted, 0, map[string]string{"compensation": "none"}, nil)
		return
	}

	e.appendLog(ctx, r, s.name, model.PhaseRollback, model.StepStarted, 0, nil, nil)

	// each device command of the undo gets its own StepTimeout, so one slow
	// command cannot starve the ones after it
	start := time.Now()
	err := s.undo(e, ctx, r)
	elapsed := time.Since(start)
	metrics.StepDuration.WithLabelValues(s.name, string(model.PhaseRollback)).Observe(elapsed.Seconds())

	status := model.StepCompleted
	if err != nil {
		status = model.StepFailed
		log.Error("Rollback step failed", "activation_id", r.activation.ID, "step", s.name, "error", err)
	}
	e.appendLog(ctx, r, s.name, model.PhaseRollback, status, elapsed, nil, err)
}

func (e *Engine) finish(ctx context.Context, r *run, failedStep string, cause error) *model.Activation {
	act := r.activation
	done := time.Now().UTC()
	act.CompletedAt = &done

	if cause == nil {
		act.Status = model.ActivationCompleted
	} else {
		act.Status = model.ActivationFailed
		act.FailedStep = failedStep
		act.FailureCode = failureCode(cause)
		act.FailureReason = cause.Error()
	}

	if err := e.store.UpdateActivation(context.WithoutCancel(ctx), act); err != nil {
		log.Error("Failed to persist activation outcome", "activation_id", act.ID, "error", err)
	}
	metrics.Activations.WithLabelValues(string(act.Type), string(act.Status)).Inc()

	kind := model.EventActivationCompleted
	msg := fmt.Sprintf("%s activation completed", act.Type)
	if cause != nil {
		kind = model.EventActivationFailed
		msg = fmt.Sprintf("%s activation failed at %s: %v", act.Type, failedStep, cause)
		log.Warn("Activation failed", "activation_id", act.ID, "service_id", act.ServiceID,
			"step", failedStep, "code", act.FailureCode, "error", cause)
	} else {
		log.Info("Activation completed", "activation_id", act.ID, "service_id", act.ServiceID, "type", act.Type)
	}
	e.audit.Record(context.WithoutCancel(ctx), model.Event{
		Kind:         kind,
		ServiceID:    act.ServiceID,
		ActivationID: act.ID,
		DeviceID:     r.deviceID(),
		Message:      msg,
		Payload:      audit.Payload(map[string]any{"type": act.Type, "failure_code": act.FailureCode}),
	})
	return act
}

func (e *Engine) appendLog(ctx context.Context, r *run, name string, phase model.StepPhase, status model.StepStatus, elapsed time.Duration, result any, stepErr error) {
	entry := &model.StepLog{
		ActivationID: r.activation.ID,
		Step:         name,
		Phase:        phase,
		Status:       status,
		DurationMS:   elapsed.Milliseconds(),
	}
	if result != nil {
		entry.Result = audit.Payload(result)
	}
	if stepErr != nil {
		entry.Error = stepErr.Error()
	}

	if err := e.store.AppendStepLog(context.WithoutCancel(ctx), entry); err != nil {
		log.Error("Failed to append step log", "activation_id", r.activation.ID, "step", name, "error", err)
	}
	if status != model.StepStarted {
		e.audit.Record(context.WithoutCancel(ctx), model.Event{
			Kind:         model.EventActivationStep,
			ServiceID:    r.activation.ServiceID,
			ActivationID: r.activation.ID,
			DeviceID:     r.deviceID(),
			Message:      fmt.Sprintf("%s %s %s", name, phase, status),
		})
	}
}

// failureCode classifies a step error for callers that branch on it
func failureCode(err error) string {
	switch {
	case errors.Is(err, ipam.ErrNoCapacity):
		return model.FailureNoCapacity
	case errors.Is(err, ipam.ErrNoAvailableSubnet):
		return model.FailureNoAvailableSubnet
	case errors.Is(err, ErrInvalidPlan):
		return model.FailureInvalidPlan
	case errors.Is(err, ErrInvalidState):
		return model.FailureInvalidState
	case errors.Is(err, driver.ErrUnreachable):
		return model.FailureUnreachable
	case errors.Is(err, context.DeadlineExceeded):
		return model.FailureTimeout
	}
	return model.FailureStepFailed
}
