// Package retry is the durable queue of device commands that failed after
// their caller gave up, and the drainer that replays them on a schedule.
package retry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/martinsuchenak/netprov/internal/audit"
	"github.com/martinsuchenak/netprov/internal/driver"
	"github.com/martinsuchenak/netprov/internal/log"
	"github.com/martinsuchenak/netprov/internal/metrics"
	"github.com/martinsuchenak/netprov/internal/model"
)

// Store is the persistence the queue and drainer need
type Store interface {
	GetDevice(ctx context.Context, id string) (*model.Device, error)
	GetService(ctx context.Context, id string) (*model.CustomerService, error)
	UpsertRetryOperation(ctx context.Context, op *model.RetryableOperation) (bool, error)
	ListDueRetryOperations(ctx context.Context, now time.Time, limit int) ([]model.RetryableOperation, error)
	ListRetryOperations(ctx context.Context, status model.RetryStatus, limit int) ([]model.RetryableOperation, error)
	UpdateRetryOperation(ctx context.Context, op *model.RetryableOperation) error
	UpsertSyncStatus(ctx context.Context, status *model.SyncStatus) error
}

// Executor replays one command against a device
type Executor interface {
	Execute(ctx context.Context, device *model.Device, cmd driver.Command) (driver.Response, error)
}

// Config bounds replay attempts and their spacing
type Config struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Concurrency    int
	AttemptTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 30 * time.Second
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = time.Hour
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 30 * time.Second
	}
	return c
}

// Backoff returns the delay before the next attempt after the given
// number of failed attempts: base * 2^(attempts-1), capped at max.
func (c Config) Backoff(attempts int) time.Duration {
	c = c.withDefaults()
	delay := c.BaseDelay
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= c.MaxDelay {
			return c.MaxDelay
		}
	}
	return delay
}

// Queue accepts failed device commands
type Queue struct {
	store Store
	audit *audit.Log
	cfg   Config
	now   func() time.Time
}

var _ driver.Enqueuer = (*Queue)(nil)

// NewQueue creates a queue
func NewQueue(store Store, auditLog *audit.Log, cfg Config) *Queue {
	return &Queue{store: store, audit: auditLog, cfg: cfg.withDefaults(), now: time.Now}
}

// Enqueue records cmd for replay against device. A pending operation on
// the same device, verb and subject is updated instead of duplicated.
// New operations are due on the next drain.
func (q *Queue) Enqueue(ctx context.Context, device *model.Device, cmd driver.Command, cause error) error {
	params, err := json.Marshal(cmd.Params)
	if err != nil {
		return fmt.Errorf("encoding %s params: %w", cmd.Verb, err)
	}

	op := &model.RetryableOperation{
		DeviceID:      device.ID,
		ServiceID:     cmd.Params.ServiceID,
		Verb:          cmd.Verb,
		Params:        params,
		DedupKey:      cmd.DedupKey(device.ID),
		MaxAttempts:   q.cfg.MaxAttempts,
		NextAttemptAt: q.now().UTC(),
		Status:        model.RetryPending,
	}
	if cause != nil {
		op.LastError = cause.Error()
	}

	created, err := q.store.UpsertRetryOperation(ctx, op)
	if err != nil {
		return err
	}
	if !created {
		log.Debug("Merged into pending retry operation", "retry_id", op.ID, "device_id", device.ID, "verb", cmd.Verb)
		return nil
	}

	metrics.RetryOperations.WithLabelValues("enqueued").Inc()
	q.audit.Record(ctx, model.Event{
		Kind:      model.EventRetryEnqueued,
		DeviceID:  device.ID,
		ServiceID: cmd.Params.ServiceID,
		Message:   fmt.Sprintf("%s on %s queued for retry", cmd.Verb, device.Name),
		Payload:   audit.Payload(map[string]any{"retry_id": op.ID, "verb": cmd.Verb, "error": op.LastError}),
	})
	return nil
}

// List returns queued operations, newest first. An empty status lists all.
func (q *Queue) List(ctx context.Context, status model.RetryStatus, limit int) ([]model.RetryableOperation, error) {
	return q.store.ListRetryOperations(ctx, status, limit)
}

// DrainResult summarizes one drain pass
type DrainResult struct {
	Attempted   int `json:"attempted"`
	Succeeded   int `json:"succeeded"`
	Rescheduled int `json:"rescheduled"`
	Failed      int `json:"failed"`
}

// Drainer replays due operations
type Drainer struct {
	store Store
	exec  Executor
	audit *audit.Log
	cfg   Config
	now   func() time.Time

	running sync.Mutex
}

// NewDrainer creates a drainer
func NewDrainer(store Store, exec Executor, auditLog *audit.Log, cfg Config) *Drainer {
	return &Drainer{store: store, exec: exec, audit: auditLog, cfg: cfg.withDefaults(), now: time.Now}
}

// Drain replays up to batchSize due operations with bounded concurrency.
// One service's operations replay one after another in the order they were
// queued. Drains never overlap; a second caller waits for the first to finish.
func (d *Drainer) Drain(ctx context.Context, batchSize int) (DrainResult, error) {
	d.running.Lock()
	defer d.running.Unlock()

	var res DrainResult
	ops, err := d.store.ListDueRetryOperations(ctx, d.now().UTC(), batchSize)
	if err != nil {
		return res, fmt.Errorf("listing due operations: %w", err)
	}
	if len(ops) == 0 {
		return res, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Concurrency)
	for _, group := range byService(ops) {
		g.Go(func() error {
			for _, op := range group {
				outcome, err := d.replay(gctx, op)
				if err != nil {
					return err
				}
				mu.Lock()
				res.Attempted++
				switch outcome {
				case model.RetrySucceeded:
					res.Succeeded++
				case model.RetryFailed:
					res.Failed++
				default:
					res.Rescheduled++
				}
				mu.Unlock()
			}
			return nil
		})
	}
	err = g.Wait()

	log.Info("Retry drain finished", "attempted", res.Attempted, "succeeded", res.Succeeded,
		"rescheduled", res.Rescheduled, "failed", res.Failed)
	return res, err
}

// byService groups operations by device and service, each group in creation
// order. Groups replay concurrently; operations within a group never do.
func byService(ops []model.RetryableOperation) [][]*model.RetryableOperation {
	index := make(map[string]int)
	var groups [][]*model.RetryableOperation
	for i := range ops {
		op := &ops[i]
		key := op.ID
		if op.ServiceID != "" {
			key = op.DeviceID + "|" + op.ServiceID
		}
		n, ok := index[key]
		if !ok {
			n = len(groups)
			index[key] = n
			groups = append(groups, nil)
		}
		groups[n] = append(groups[n], op)
	}
	for _, group := range groups {
		sort.SliceStable(group, func(i, j int) bool {
			if !group[i].CreatedAt.Equal(group[j].CreatedAt) {
				return group[i].CreatedAt.Before(group[j].CreatedAt)
			}
			return group[i].ID < group[j].ID
		})
	}
	return groups
}

// replay runs one operation and records its outcome. Only storage
// failures are returned; device failures become the operation's state.
func (d *Drainer) replay(ctx context.Context, op *model.RetryableOperation) (model.RetryStatus, error) {
	cmd, err := driver.DecodeCommand(op.Verb, op.Params)
	if err != nil {
		op.Attempts = op.MaxAttempts
		return d.fail(ctx, op, nil, err)
	}

	device, err := d.store.GetDevice(ctx, op.DeviceID)
	if err == nil {
		attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
		_, err = d.exec.Execute(attemptCtx, device, cmd)
		cancel()
	}
	if err != nil {
		return d.fail(ctx, op, device, err)
	}

	op.Attempts++
	op.Status = model.RetrySucceeded
	op.LastError = ""
	if err := d.store.UpdateRetryOperation(ctx, op); err != nil {
		return "", err
	}

	d.setSync(ctx, op, d.settledState(ctx, op, cmd.Verb), "")

	metrics.RetryOperations.WithLabelValues("succeeded").Inc()
	d.audit.Record(ctx, model.Event{
		Kind:      model.EventRetrySucceeded,
		DeviceID:  op.DeviceID,
		ServiceID: op.ServiceID,
		Message:   fmt.Sprintf("%s succeeded on attempt %d", op.Verb, op.Attempts),
		Payload:   audit.Payload(map[string]any{"retry_id": op.ID, "attempts": op.Attempts}),
	})
	log.Info("Retried device command succeeded", "retry_id", op.ID, "device_id", op.DeviceID, "verb", op.Verb, "attempts", op.Attempts)
	return model.RetrySucceeded, nil
}

func (d *Drainer) fail(ctx context.Context, op *model.RetryableOperation, device *model.Device, cause error) (model.RetryStatus, error) {
	if op.Attempts < op.MaxAttempts {
		op.Attempts++
	}
	op.LastError = cause.Error()

	if op.Attempts >= op.MaxAttempts {
		op.Status = model.RetryFailed
	} else {
		op.NextAttemptAt = d.now().UTC().Add(d.cfg.Backoff(op.Attempts))
	}
	if err := d.store.UpdateRetryOperation(ctx, op); err != nil {
		return "", err
	}
	d.setSync(ctx, op, model.SyncOutOfSync, op.LastError)

	name := op.DeviceID
	if device != nil {
		name = device.Name
	}
	if op.Status == model.RetryFailed {
		metrics.RetryOperations.WithLabelValues("failed").Inc()
		d.audit.Record(ctx, model.Event{
			Kind:      model.EventRetryFailed,
			DeviceID:  op.DeviceID,
			ServiceID: op.ServiceID,
			Message:   fmt.Sprintf("%s on %s gave up after %d attempts", op.Verb, name, op.Attempts),
			Payload:   audit.Payload(map[string]any{"retry_id": op.ID, "error": op.LastError}),
		})
		log.Error("Retry operation exhausted", "retry_id", op.ID, "device_id", op.DeviceID, "verb", op.Verb, "error", cause)
		return model.RetryFailed, nil
	}

	metrics.RetryOperations.WithLabelValues("rescheduled").Inc()
	log.Warn("Retry attempt failed", "retry_id", op.ID, "device_id", op.DeviceID, "verb", op.Verb,
		"attempts", op.Attempts, "next_attempt_at", op.NextAttemptAt, "error", cause)
	return model.RetryPending, nil
}

// settledState is the sync state a pair reaches once a replayed command
// lands: released when the service no longer lives on the device.
func (d *Drainer) settledState(ctx context.Context, op *model.RetryableOperation, verb string) model.SyncState {
	if verb == driver.VerbReleaseAddress {
		return model.SyncReleased
	}
	if op.ServiceID == "" {
		return model.SyncSynced
	}
	svc, err := d.store.GetService(ctx, op.ServiceID)
	if err != nil {
		return model.SyncSynced
	}
	if svc.Status == model.ServiceTerminated || svc.DeviceID != op.DeviceID {
		return model.SyncReleased
	}
	return model.SyncSynced
}

func (d *Drainer) setSync(ctx context.Context, op *model.RetryableOperation, state model.SyncState, lastErr string) {
	if op.ServiceID == "" {
		return
	}
	if err := d.store.UpsertSyncStatus(ctx, &model.SyncStatus{
		DeviceID:      op.DeviceID,
		ServiceID:     op.ServiceID,
		State:         state,
		LastOperation: op.Verb,
		LastError:     lastErr,
	}); err != nil {
		log.Error("Failed to update sync status", "device_id", op.DeviceID, "service_id", op.ServiceID, "error", err)
	}
}
