package provision

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/martinsuchenak/netprov/internal/audit"
	"github.com/martinsuchenak/netprov/internal/driver"
	"github.com/martinsuchenak/netprov/internal/driver/memory"
	"github.com/martinsuchenak/netprov/internal/ipam"
	"github.com/martinsuchenak/netprov/internal/model"
	"github.com/martinsuchenak/netprov/internal/retry"
	"github.com/martinsuchenak/netprov/internal/saga"
	"github.com/martinsuchenak/netprov/internal/scanner"
	"github.com/martinsuchenak/netprov/internal/storage"
)

type fixture struct {
	svc    *Service
	store  *storage.SQLiteStorage
	fleet  *memory.Fleet
	device *model.Device
	subnet *model.Subnet
}

func setupService(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	ss, err := storage.NewSQLiteStorage(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create test storage: %v", err)
	}
	t.Cleanup(func() { ss.Close() })

	fleet := memory.NewFleet()
	reg := driver.NewRegistry(time.Second)
	reg.Register(memory.Vendor, fleet.Factory())

	auditLog := audit.New(ss, nil)
	pool := ipam.New(ss, auditLog)
	commander := driver.NewCommander(reg, auditLog, ss, driver.CommanderConfig{RetryDelay: time.Millisecond})
	queue := retry.NewQueue(ss, auditLog, retry.Config{})
	commander.SetEnqueuer(queue)

	svc := New(Deps{
		Store:     ss,
		Pool:      pool,
		Engine:    saga.NewEngine(ss, pool, commander, auditLog, saga.Config{StepTimeout: 2 * time.Second}),
		Commander: commander,
		Queue:     queue,
		Drainer:   retry.NewDrainer(ss, commander, auditLog, retry.Config{Concurrency: 1}),
		Prober:    scanner.NewProber(ss, reg, auditLog, time.Second),
		Audit:     auditLog,
	})

	device := &model.Device{Name: "bras-1", Vendor: memory.Vendor, Host: "127.0.0.1", Location: "north"}
	if err := svc.RegisterDevice(ctx, device); err != nil {
		t.Fatalf("RegisterDevice() error = %v", err)
	}
	subnet, err := svc.CreateSubnet(ctx, ipam.SubnetRequest{DeviceID: device.ID, CIDR: "100.64.0.0/29"})
	if err != nil {
		t.Fatalf("CreateSubnet() error = %v", err)
	}
	if err := svc.SavePlan(ctx, &model.ServicePlan{ID: "basic", Name: "Basic", DownloadKbps: 10000, UploadKbps: 2000, Active: true}); err != nil {
		t.Fatalf("SavePlan() error = %v", err)
	}

	return &fixture{svc: svc, store: ss, fleet: fleet, device: device, subnet: subnet}
}

func (f *fixture) activate(t *testing.T, serviceID, customerID string) {
	t.Helper()
	res := f.svc.RequestActivation(context.Background(), Request{
		ServiceID: serviceID, CustomerID: customerID, PlanID: "basic", Type: model.ActivationNew,
	})
	if !res.Success {
		t.Fatalf("RequestActivation(%s) = %+v", serviceID, res)
	}
}

func TestRequestActivation_CreatesService(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	res := f.svc.RequestActivation(ctx, Request{
		ServiceID: "svc-1", CustomerID: "cust-1", PlanID: "basic", Type: model.ActivationNew,
		Overrides: model.Overrides{Location: "north"},
	})
	if !res.Success || res.ActivationID == "" || res.Code != "" {
		t.Fatalf("RequestActivation() = %+v", res)
	}

	st, err := f.svc.ServiceStatus(ctx, "svc-1")
	if err != nil {
		t.Fatalf("ServiceStatus() error = %v", err)
	}
	if st.Service.Status != model.ServiceActive || st.Service.CustomerID != "cust-1" {
		t.Errorf("service = %+v", st.Service)
	}
	if st.Address == nil || st.Address.Status != model.AddressAssigned || st.Device == nil {
		t.Errorf("binding = %+v / %+v", st.Address, st.Device)
	}
	if len(st.Sync) != 1 || st.Sync[0].State != model.SyncSynced {
		t.Errorf("sync = %+v", st.Sync)
	}

	act, err := f.svc.Activation(ctx, res.ActivationID)
	if err != nil || act.Status != model.ActivationCompleted || len(act.Steps) == 0 {
		t.Errorf("Activation() = %+v, %v", act, err)
	}

	events, _ := f.svc.Events(ctx, &model.EventFilter{ActivationID: res.ActivationID, Kind: model.EventActivationCompleted})
	if len(events) != 1 {
		t.Errorf("activation.completed events = %d, want 1", len(events))
	}
}

func TestRequestActivation_Rejects(t *testing.T) {
	f := setupService(t)
	f.activate(t, "svc-1", "cust-1")

	tests := []struct {
		name string
		req  Request
		code string
	}{
		{"missing service", Request{Type: model.ActivationNew, CustomerID: "c", PlanID: "basic"}, CodeInvalidRequest},
		{"unknown type", Request{ServiceID: "svc-2", Type: "teleport"}, CodeInvalidRequest},
		{"new without plan", Request{ServiceID: "svc-2", CustomerID: "c", Type: model.ActivationNew}, CodeInvalidRequest},
		{"upgrade without plan", Request{ServiceID: "svc-1", Type: model.ActivationUpgrade}, CodeInvalidRequest},
		{"unknown service", Request{ServiceID: "svc-9", Type: model.ActivationSuspend}, CodeNotFound},
		{"other customer", Request{ServiceID: "svc-1", CustomerID: "cust-2", Type: model.ActivationSuspend}, CodeInvalidRequest},
		{"already active", Request{ServiceID: "svc-1", CustomerID: "cust-1", PlanID: "basic", Type: model.ActivationNew}, model.FailureInvalidState},
		{"negative override", Request{ServiceID: "svc-1", Type: model.ActivationUpgrade, PlanID: "basic",
			Overrides: model.Overrides{DownloadKbps: -1}}, CodeInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := f.svc.RequestActivation(context.Background(), tt.req)
			if res.Success || res.Code != tt.code || res.Error == "" {
				t.Errorf("RequestActivation() = %+v, want code %q", res, tt.code)
			}
		})
	}
}

// Concurrent requests on one service run one after the other, so only the
// first new activation finds the service pending.
func TestRequestActivation_SerializesPerService(t *testing.T) {
	f := setupService(t)

	results := make([]Result, 4)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = f.svc.RequestActivation(context.Background(), Request{
				ServiceID: "svc-1", CustomerID: "cust-1", PlanID: "basic", Type: model.ActivationNew,
			})
		}()
	}
	wg.Wait()

	var ok int
	for _, res := range results {
		if res.Success {
			ok++
		} else if res.Code != model.FailureInvalidState {
			t.Errorf("loser result = %+v, want invalid_state", res)
		}
	}
	if ok != 1 {
		t.Errorf("successful activations = %d, want 1", ok)
	}

	used, _ := f.store.ListAddresses(context.Background(), f.subnet.ID, model.AddressAssigned)
	if len(used) != 1 {
		t.Errorf("assigned addresses = %d, want 1", len(used))
	}
}

func TestReleaseAllForCustomer(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()
	f.activate(t, "svc-1", "cust-1")
	f.activate(t, "svc-2", "cust-1")
	f.activate(t, "svc-3", "cust-2")
	if res := f.svc.RequestActivation(ctx, Request{ServiceID: "svc-2", Type: model.ActivationSuspend}); !res.Success {
		t.Fatalf("suspend = %+v", res)
	}

	res, err := f.svc.ReleaseAllForCustomer(ctx, "cust-1")
	if err != nil {
		t.Fatalf("ReleaseAllForCustomer() error = %v", err)
	}
	if res.ReleasedCount != 2 || len(res.Errors) != 0 {
		t.Errorf("ReleaseAllForCustomer() = %+v", res)
	}

	dev := f.fleet.Device(f.device.ID)
	for _, id := range []string{"svc-1", "svc-2"} {
		st, err := f.svc.ServiceStatus(ctx, id)
		if err != nil {
			t.Fatalf("ServiceStatus(%s) error = %v", id, err)
		}
		if st.Service.Status != model.ServiceTerminated || st.Service.TerminatedAt == nil {
			t.Errorf("%s status = %q", id, st.Service.Status)
		}
		if st.Address.Status != model.AddressAvailable {
			t.Errorf("%s address = %q, want available", id, st.Address.Status)
		}
		if len(st.Sync) != 1 || st.Sync[0].State != model.SyncReleased {
			t.Errorf("%s sync = %+v, want released", id, st.Sync)
		}
		if _, ok := dev.Address(id); ok {
			t.Errorf("%s still configured on device", id)
		}
		if _, ok := dev.Filter(id); ok {
			t.Errorf("%s still filtered on device", id)
		}
	}
	if _, ok := dev.Address("svc-3"); !ok {
		t.Errorf("other customer's service was touched")
	}

	// a second release finds nothing left to do
	res, _ = f.svc.ReleaseAllForCustomer(ctx, "cust-1")
	if res.ReleasedCount != 0 {
		t.Errorf("second release = %+v", res)
	}

	if _, err := f.svc.ReleaseAllForCustomer(ctx, " "); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("blank customer error = %v", err)
	}
}

func TestReleaseAllForCustomer_UnreachableDeviceQueues(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()
	f.activate(t, "svc-1", "cust-1")
	f.fleet.Device(f.device.ID).SetUnreachable(true)

	res, err := f.svc.ReleaseAllForCustomer(ctx, "cust-1")
	if err != nil || res.ReleasedCount != 1 {
		t.Fatalf("ReleaseAllForCustomer() = %+v, %v", res, err)
	}

	st, _ := f.svc.ServiceStatus(ctx, "svc-1")
	if st.Address.Status != model.AddressAvailable {
		t.Errorf("address = %q, want available", st.Address.Status)
	}
	if len(st.Sync) != 1 || st.Sync[0].State != model.SyncOutOfSync {
		t.Errorf("sync = %+v, want out_of_sync", st.Sync)
	}

	ops, _ := f.svc.RetryOperations(ctx, model.RetryPending, 10)
	if len(ops) != 4 {
		t.Errorf("queued operations = %d, want 4", len(ops))
	}

	f.fleet.Device(f.device.ID).SetUnreachable(false)
	drained, err := f.svc.DrainRetries(ctx, 10)
	if err != nil || drained.Succeeded != 4 {
		t.Errorf("DrainRetries() = %+v, %v", drained, err)
	}
	st, _ = f.svc.ServiceStatus(ctx, "svc-1")
	if st.Sync[0].State != model.SyncReleased {
		t.Errorf("sync after drain = %q, want released", st.Sync[0].State)
	}
}

func TestResync_RepairsDrift(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()
	f.activate(t, "svc-1", "cust-1")

	// drift: someone removed the address on the box
	drv, _ := f.fleet.Factory()(f.device)
	if _, err := drv.ReleaseAddress(ctx, driver.Params{ServiceID: "svc-1"}); err != nil {
		t.Fatalf("ReleaseAddress() error = %v", err)
	}

	queued, err := f.svc.Resync(ctx, "svc-1")
	if err != nil || queued {
		t.Fatalf("Resync() = %v, %v", queued, err)
	}
	if addr, ok := f.fleet.Device(f.device.ID).Address("svc-1"); !ok || addr == "" {
		t.Errorf("address not restored on device")
	}

	if _, err := f.svc.Resync(ctx, "svc-9"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Resync(unknown) error = %v", err)
	}
}

func TestAdmin_Validation(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	if err := f.svc.RegisterDevice(ctx, &model.Device{Name: "olt-1", Vendor: "acme"}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("RegisterDevice(unknown vendor) error = %v", err)
	}
	if err := f.svc.RegisterDevice(ctx, &model.Device{Vendor: memory.Vendor}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("RegisterDevice(no name) error = %v", err)
	}
	if err := f.svc.SavePlan(ctx, &model.ServicePlan{ID: "bad", Name: "Bad", DownloadKbps: 0, UploadKbps: 1}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("SavePlan(zero download) error = %v", err)
	}

	device, err := f.svc.DeactivateDevice(ctx, f.device.ID)
	if err != nil || device.Status != model.DeviceInactive {
		t.Fatalf("DeactivateDevice() = %+v, %v", device, err)
	}
	res := f.svc.RequestActivation(ctx, Request{ServiceID: "svc-1", CustomerID: "cust-1", PlanID: "basic", Type: model.ActivationNew})
	if res.Success || res.Code != model.FailureNoCapacity {
		t.Errorf("activation on inactive fleet = %+v, want no_capacity", res)
	}

	probe, err := f.svc.ProbeDevice(ctx, f.device.ID)
	if err != nil || !probe.Reachable || probe.Status != model.DeviceActive {
		t.Errorf("ProbeDevice() = %+v, %v", probe, err)
	}
}
