package driver_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/martinsuchenak/netprov/internal/audit"
	"github.com/martinsuchenak/netprov/internal/driver"
	"github.com/martinsuchenak/netprov/internal/driver/memory"
	"github.com/martinsuchenak/netprov/internal/model"
)

type eventStore struct {
	mu     sync.Mutex
	events []model.Event
}

func (s *eventStore) AppendEvent(_ context.Context, e *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *e)
	return nil
}

func (s *eventStore) ListEvents(context.Context, *model.EventFilter) ([]model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Event(nil), s.events...), nil
}

type syncRecorder struct {
	mu   sync.Mutex
	rows map[string]model.SyncStatus
}

func (r *syncRecorder) UpsertSyncStatus(_ context.Context, s *model.SyncStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rows == nil {
		r.rows = make(map[string]model.SyncStatus)
	}
	r.rows[s.DeviceID+"|"+s.ServiceID] = *s
	return nil
}

func (r *syncRecorder) get(deviceID, serviceID string) model.SyncStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rows[deviceID+"|"+serviceID]
}

type queued struct {
	deviceID string
	cmd      driver.Command
	cause    error
}

type fakeQueue struct {
	mu    sync.Mutex
	items []queued
}

func (q *fakeQueue) Enqueue(_ context.Context, device *model.Device, cmd driver.Command, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, queued{device.ID, cmd, cause})
	return nil
}

type fixture struct {
	fleet     *memory.Fleet
	commander *driver.Commander
	events    *eventStore
	sync      *syncRecorder
	queue     *fakeQueue
	device    *model.Device
}

func setupCommander(t *testing.T) *fixture {
	t.Helper()

	fleet := memory.NewFleet()
	reg := driver.NewRegistry(time.Second)
	reg.Register(memory.Vendor, fleet.Factory())

	events := &eventStore{}
	syncRec := &syncRecorder{}
	queue := &fakeQueue{}
	c := driver.NewCommander(reg, audit.New(events, nil), syncRec, driver.CommanderConfig{
		RetryDelay: time.Millisecond,
		Burst:      100,
	})
	c.SetEnqueuer(queue)

	return &fixture{
		fleet:     fleet,
		commander: c,
		events:    events,
		sync:      syncRec,
		queue:     queue,
		device:    &model.Device{ID: "dev-1", Name: "bras-1", Vendor: memory.Vendor, Status: model.DeviceActive},
	}
}

func TestRegistry_Driver(t *testing.T) {
	f := setupCommander(t)
	ctx := context.Background()
	reg := f.commander.Registry()

	if _, err := reg.Driver(ctx, &model.Device{Name: "x", Vendor: "cisco"}); !errors.Is(err, driver.ErrUnknownVendor) {
		t.Errorf("Driver(unknown vendor) error = %v, want ErrUnknownVendor", err)
	}

	f.fleet.Device(f.device.ID).SetUnreachable(true)
	if _, err := reg.Driver(ctx, f.device); !errors.Is(err, driver.ErrUnreachable) {
		t.Errorf("Driver(unreachable) error = %v, want ErrUnreachable", err)
	}

	f.fleet.Device(f.device.ID).SetUnreachable(false)
	drv, err := reg.Driver(ctx, f.device)
	if err != nil {
		t.Fatalf("Driver() error = %v", err)
	}
	drv.Close()

	if got := reg.Vendors(); len(got) != 1 || got[0] != memory.Vendor {
		t.Errorf("Vendors() = %v", got)
	}
}

func TestSession_RetriesTransientErrors(t *testing.T) {
	f := setupCommander(t)
	ctx := context.Background()
	f.fleet.Device(f.device.ID).FailNext(driver.VerbAssignAddress, driver.ErrTransient, driver.ErrTransient)

	s, err := f.commander.Open(ctx, f.device)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	resp, err := s.Execute(ctx, driver.Command{Verb: driver.VerbAssignAddress, Params: driver.Params{ServiceID: "svc", Address: "10.0.0.2"}})
	if err != nil || !resp.Changed {
		t.Fatalf("Execute() = %+v, %v", resp, err)
	}

	calls := f.fleet.Device(f.device.ID).Calls()
	if len(calls) != 3 {
		t.Errorf("calls = %v, want 3 attempts", calls)
	}
	if st := f.sync.get(f.device.ID, "svc"); st.State != model.SyncSynced {
		t.Errorf("sync state = %q, want synced", st.State)
	}
	if len(f.events.events) != 1 || f.events.events[0].Kind != model.EventDeviceCommand {
		t.Errorf("events = %+v", f.events.events)
	}
}

func TestSession_PermanentErrorFailsFast(t *testing.T) {
	f := setupCommander(t)
	ctx := context.Background()
	boom := errors.New("invalid profile")
	f.fleet.Device(f.device.ID).FailNext(driver.VerbApplyBandwidthProfile, boom)

	s, _ := f.commander.Open(ctx, f.device)
	defer s.Close()

	_, err := s.Execute(ctx, driver.Command{Verb: driver.VerbApplyBandwidthProfile, Params: driver.Params{ServiceID: "svc"}})
	if !errors.Is(err, boom) {
		t.Errorf("Execute() error = %v, want %v", err, boom)
	}
	if calls := f.fleet.Device(f.device.ID).Calls(); len(calls) != 1 {
		t.Errorf("calls = %v, want a single attempt", calls)
	}
}

func TestSession_TransientUntilDeadline(t *testing.T) {
	f := setupCommander(t)
	f.fleet.Device(f.device.ID).Fail(driver.VerbCreateCredential, driver.ErrTransient)

	s, _ := f.commander.Open(context.Background(), f.device)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.Execute(ctx, driver.Command{Verb: driver.VerbCreateCredential, Params: driver.Params{Username: "u"}})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Execute() error = %v, want DeadlineExceeded", err)
	}
	if calls := f.fleet.Device(f.device.ID).Calls(); len(calls) < 2 {
		t.Errorf("calls = %v, want repeated attempts", calls)
	}
}

func TestCommander_ExecuteDurableQueuesFailures(t *testing.T) {
	f := setupCommander(t)
	ctx := context.Background()
	cmd := driver.Command{Verb: driver.VerbReleaseAddress, Params: driver.Params{ServiceID: "svc", Address: "10.0.0.2"}}

	f.fleet.Device(f.device.ID).Fail(driver.VerbReleaseAddress, errors.New("device busy"))
	wasQueued, err := f.commander.ExecuteDurable(ctx, f.device, cmd)
	if err != nil || !wasQueued {
		t.Fatalf("ExecuteDurable() = %v, %v; want queued", wasQueued, err)
	}
	if st := f.sync.get(f.device.ID, "svc"); st.State != model.SyncOutOfSync || st.LastError == "" {
		t.Errorf("sync = %+v, want out_of_sync with error", st)
	}

	// An unreachable device is queued without a driver
	f.fleet.Device(f.device.ID).SetUnreachable(true)
	wasQueued, err = f.commander.ExecuteDurable(ctx, f.device, cmd)
	if err != nil || !wasQueued {
		t.Fatalf("ExecuteDurable(unreachable) = %v, %v; want queued", wasQueued, err)
	}
	if len(f.queue.items) != 2 || !errors.Is(f.queue.items[1].cause, driver.ErrUnreachable) {
		t.Errorf("queue = %+v", f.queue.items)
	}

	f.fleet.Device(f.device.ID).SetUnreachable(false)
	f.fleet.Device(f.device.ID).Heal(driver.VerbReleaseAddress)
	wasQueued, err = f.commander.ExecuteDurable(ctx, f.device, cmd)
	if err != nil || wasQueued {
		t.Errorf("ExecuteDurable(healthy) = %v, %v; want applied", wasQueued, err)
	}
}

func TestCommander_DurableWithoutQueue(t *testing.T) {
	fleet := memory.NewFleet()
	reg := driver.NewRegistry(time.Second)
	reg.Register(memory.Vendor, fleet.Factory())
	c := driver.NewCommander(reg, audit.New(&eventStore{}, nil), nil, driver.CommanderConfig{RetryDelay: time.Millisecond})

	device := &model.Device{ID: "dev", Name: "dev", Vendor: memory.Vendor}
	fleet.Device("dev").SetUnreachable(true)
	if _, err := c.ExecuteDurable(context.Background(), device, driver.Command{Verb: driver.VerbReleaseAddress}); !errors.Is(err, driver.ErrUnreachable) {
		t.Errorf("ExecuteDurable() error = %v, want ErrUnreachable", err)
	}
}

func TestCommand_DedupKey(t *testing.T) {
	tests := []struct {
		name string
		cmd  driver.Command
		want string
	}{
		{"service subject", driver.Command{Verb: driver.VerbReleaseAddress, Params: driver.Params{ServiceID: "svc", Username: "u"}}, "dev|address|svc"},
		{"assign shares release key", driver.Command{Verb: driver.VerbAssignAddress, Params: driver.Params{ServiceID: "svc"}}, "dev|address|svc"},
		{"username subject", driver.Command{Verb: driver.VerbDisableCredential, Params: driver.Params{Username: "u"}}, "dev|credential|u"},
		{"address subject", driver.Command{Verb: driver.VerbReleaseAddress, Params: driver.Params{Address: "10.0.0.1"}}, "dev|address|10.0.0.1"},
		{"filter family", driver.Command{Verb: driver.VerbAddTrafficFilter, Params: driver.Params{ServiceID: "svc"}}, "dev|filter|svc"},
		{"profile family", driver.Command{Verb: driver.VerbRemoveBandwidthProfile, Params: driver.Params{ServiceID: "svc"}}, "dev|profile|svc"},
		{"verb without family", driver.Command{Verb: driver.VerbVerifyAddress, Params: driver.Params{ServiceID: "svc"}}, "dev|verify_address|svc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cmd.DedupKey("dev"); got != tt.want {
				t.Errorf("DedupKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExecute_UnknownVerb(t *testing.T) {
	fleet := memory.NewFleet()
	drv, _ := fleet.Factory()(&model.Device{ID: "d"})
	if _, err := driver.Execute(context.Background(), drv, driver.Command{Verb: "reboot"}); !errors.Is(err, driver.ErrUnsupported) {
		t.Errorf("Execute(reboot) error = %v, want ErrUnsupported", err)
	}
}

func TestDecodeCommand(t *testing.T) {
	cmd, err := driver.DecodeCommand(driver.VerbAssignAddress, []byte(`{"service_id":"svc","address":"10.0.0.9"}`))
	if err != nil {
		t.Fatalf("DecodeCommand() error = %v", err)
	}
	if cmd.Params.ServiceID != "svc" || cmd.Params.Address != "10.0.0.9" {
		t.Errorf("DecodeCommand() = %+v", cmd)
	}
	if _, err := driver.DecodeCommand("x", []byte(`{`)); err == nil {
		t.Error("expected error for malformed params")
	}
}
