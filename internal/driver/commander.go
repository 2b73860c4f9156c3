package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"golang.org/x/time/rate"

	"github.com/martinsuchenak/netprov/internal/audit"
	"github.com/martinsuchenak/netprov/internal/log"
	"github.com/martinsuchenak/netprov/internal/metrics"
	"github.com/martinsuchenak/netprov/internal/model"
)

// Enqueuer persists a command that could not be applied so it is replayed later
type Enqueuer interface {
	Enqueue(ctx context.Context, device *model.Device, cmd Command, cause error) error
}

// SyncRecorder tracks whether a device's configuration matches intent
type SyncRecorder interface {
	UpsertSyncStatus(ctx context.Context, status *model.SyncStatus) error
}

// CommanderConfig tunes command pacing and local retry
type CommanderConfig struct {
	Rate          float64 // commands per second per device, <= 0 disables the limit
	Burst         int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	Clock         clock.Clock
}

// Commander runs driver commands with per-device rate limiting, local retry
// of transient errors, auditing and, in durable mode, hand-off to the retry
// queue.
type Commander struct {
	registry *Registry
	audit    *audit.Log
	sync     SyncRecorder
	cfg      CommanderConfig

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	queue    Enqueuer
}

// NewCommander creates a commander. The retry queue is attached later with
// SetEnqueuer because the queue itself replays through the commander.
func NewCommander(registry *Registry, auditLog *audit.Log, syncRec SyncRecorder, cfg CommanderConfig) *Commander {
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = 8 * cfg.RetryDelay
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &Commander{
		registry: registry,
		audit:    auditLog,
		sync:     syncRec,
		cfg:      cfg,
		limiters: make(map[string]*rate.Limiter),
	}
}

// SetEnqueuer attaches the durable retry queue
func (c *Commander) SetEnqueuer(q Enqueuer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = q
}

// Registry returns the vendor registry the commander opens drivers from
func (c *Commander) Registry() *Registry {
	return c.registry
}

// Open performs the liveness handshake and returns a session bound to device
func (c *Commander) Open(ctx context.Context, device *model.Device) (*Session, error) {
	drv, err := c.registry.Driver(ctx, device)
	if err != nil {
		return nil, err
	}
	return &Session{c: c, device: device, drv: drv}, nil
}

// Execute opens a session and runs cmd once, with local retry only
func (c *Commander) Execute(ctx context.Context, device *model.Device, cmd Command) (Response, error) {
	s, err := c.Open(ctx, device)
	if err != nil {
		return Response{}, err
	}
	defer s.Close()
	return s.Execute(ctx, cmd)
}

// ExecuteDurable opens a session and runs cmd in durable mode. queued
// reports that the command failed and was handed to the retry queue.
func (c *Commander) ExecuteDurable(ctx context.Context, device *model.Device, cmd Command) (queued bool, err error) {
	s, err := c.Open(ctx, device)
	if err != nil {
		return true, c.deferCommand(ctx, device, cmd, err)
	}
	defer s.Close()
	return s.ExecuteDurable(ctx, cmd)
}

func (c *Commander) limiter(deviceID string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.limiters[deviceID]
	if !ok {
		limit := rate.Inf
		if c.cfg.Rate > 0 {
			limit = rate.Limit(c.cfg.Rate)
		}
		l = rate.NewLimiter(limit, c.cfg.Burst)
		c.limiters[deviceID] = l
	}
	return l
}

func (c *Commander) enqueuer() Enqueuer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue
}

// deferCommand queues cmd and marks the (device, service) pair out of sync.
// It outlives ctx so a step that hit its deadline still records the work.
func (c *Commander) deferCommand(ctx context.Context, device *model.Device, cmd Command, cause error) error {
	ctx = context.WithoutCancel(ctx)

	q := c.enqueuer()
	if q == nil {
		return fmt.Errorf("%s on %s: %w", cmd.Verb, device.Name, cause)
	}
	if err := q.Enqueue(ctx, device, cmd, cause); err != nil {
		return fmt.Errorf("queueing %s on %s: %w", cmd.Verb, device.Name, err)
	}

	if cmd.Params.ServiceID != "" && c.sync != nil {
		if err := c.sync.UpsertSyncStatus(ctx, &model.SyncStatus{
			DeviceID:      device.ID,
			ServiceID:     cmd.Params.ServiceID,
			State:         model.SyncOutOfSync,
			LastOperation: cmd.Verb,
			LastError:     cause.Error(),
		}); err != nil {
			log.Error("Failed to mark service out of sync", "device_id", device.ID, "service_id", cmd.Params.ServiceID, "error", err)
		}
	}

	log.Warn("Device command deferred to retry queue", "device_id", device.ID, "verb", cmd.Verb,
		"service_id", cmd.Params.ServiceID, "error", cause)
	return nil
}

// Session is an open connection to one device
type Session struct {
	c      *Commander
	device *model.Device
	drv    Driver
}

// Device returns the device the session is bound to
func (s *Session) Device() *model.Device {
	return s.device
}

// Execute runs cmd, retrying transient errors until ctx expires
func (s *Session) Execute(ctx context.Context, cmd Command) (Response, error) {
	if err := s.c.limiter(s.device.ID).Wait(ctx); err != nil {
		return Response{}, fmt.Errorf("%s on %s: rate limit: %w", cmd.Verb, s.device.Name, err)
	}

	var (
		resp Response
		last error
	)
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			resp, last = Execute(ctx, s.drv, cmd)
			return last
		},
		IsFatalError: func(err error) bool {
			return !errors.Is(err, ErrTransient)
		},
		NotifyFunc: func(err error, attempt int) {
			log.Debug("Transient device error, retrying", "device_id", s.device.ID, "verb", cmd.Verb, "attempt", attempt, "error", err)
		},
		Attempts:    -1,
		Delay:       s.c.cfg.RetryDelay,
		MaxDelay:    s.c.cfg.MaxRetryDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       s.c.cfg.Clock,
		Stop:        ctx.Done(),
	})
	// report the driver's own error rather than the retry wrapper
	switch {
	case err == nil:
	case retry.IsRetryStopped(err) && last != nil:
		err = fmt.Errorf("%w (%w)", last, ctx.Err())
	case retry.IsRetryStopped(err):
		err = ctx.Err()
	case last != nil:
		err = last
	}

	s.record(ctx, cmd, resp, err)
	if err != nil {
		return resp, fmt.Errorf("%s on %s: %w", cmd.Verb, s.device.Name, err)
	}
	return resp, nil
}

// ExecuteDurable runs cmd and, if it still fails, queues it for replay.
// The returned error is non-nil only when queueing itself failed.
func (s *Session) ExecuteDurable(ctx context.Context, cmd Command) (queued bool, err error) {
	if _, err := s.Execute(ctx, cmd); err != nil {
		return true, s.c.deferCommand(ctx, s.device, cmd, err)
	}
	return false, nil
}

// Close releases the underlying driver
func (s *Session) Close() {
	if err := s.drv.Close(); err != nil {
		log.Debug("Closing driver", "device_id", s.device.ID, "error", err)
	}
}

func (s *Session) record(ctx context.Context, cmd Command, resp Response, err error) {
	result := "ok"
	switch {
	case err != nil:
		result = "error"
	case !resp.Changed:
		result = "noop"
	}
	metrics.DeviceCommands.WithLabelValues(s.drv.Vendor(), cmd.Verb, result).Inc()

	payload := map[string]any{"verb": cmd.Verb, "changed": resp.Changed}
	if err != nil {
		payload["error"] = err.Error()
	}
	s.c.audit.Record(context.WithoutCancel(ctx), model.Event{
		Kind:      model.EventDeviceCommand,
		DeviceID:  s.device.ID,
		ServiceID: cmd.Params.ServiceID,
		Message:   fmt.Sprintf("%s %s on %s", cmd.Verb, result, s.device.Name),
		Payload:   audit.Payload(payload),
	})

	if err == nil && cmd.Params.ServiceID != "" && s.c.sync != nil {
		state := model.SyncSynced
		if cmd.Verb == VerbReleaseAddress {
			state = model.SyncReleased
		}
		if serr := s.c.sync.UpsertSyncStatus(context.WithoutCancel(ctx), &model.SyncStatus{
			DeviceID:      s.device.ID,
			ServiceID:     cmd.Params.ServiceID,
			State:         state,
			LastOperation: cmd.Verb,
		}); serr != nil {
			log.Error("Failed to record sync status", "device_id", s.device.ID, "service_id", cmd.Params.ServiceID, "error", serr)
		}
	}
}
