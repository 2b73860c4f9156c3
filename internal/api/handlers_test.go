package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/martinsuchenak/netprov/internal/audit"
	"github.com/martinsuchenak/netprov/internal/driver"
	"github.com/martinsuchenak/netprov/internal/driver/memory"
	"github.com/martinsuchenak/netprov/internal/ipam"
	"github.com/martinsuchenak/netprov/internal/model"
	"github.com/martinsuchenak/netprov/internal/provision"
	"github.com/martinsuchenak/netprov/internal/retry"
	"github.com/martinsuchenak/netprov/internal/saga"
	"github.com/martinsuchenak/netprov/internal/scanner"
	"github.com/martinsuchenak/netprov/internal/storage"
)

type testServer struct {
	*httptest.Server
	pool *ipam.Manager
}

// setupTestServer serves the API over a fresh SQLite store and an
// in-memory device fleet
func setupTestServer(t *testing.T) *testServer {
	t.Helper()

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

	svc := provision.New(provision.Deps{
		Store:     ss,
		Pool:      pool,
		Engine:    saga.NewEngine(ss, pool, commander, auditLog, saga.Config{StepTimeout: 2 * time.Second}),
		Commander: commander,
		Queue:     queue,
		Drainer:   retry.NewDrainer(ss, commander, auditLog, retry.Config{Concurrency: 1}),
		Prober:    scanner.NewProber(ss, reg, auditLog, time.Second),
		Audit:     auditLog,
	})

	mux := http.NewServeMux()
	NewHandler(svc).RegisterRoutes(mux)
	server := httptest.NewServer(SecurityHeadersMiddleware(mux))
	t.Cleanup(server.Close)

	return &testServer{Server: server, pool: pool}
}

func (s *testServer) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = bytes.NewReader([]byte(body))
	}
	req, err := http.NewRequest(method, s.URL+path, r)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (s *testServer) expect(t *testing.T, method, path, body string, status int, out any) {
	t.Helper()
	resp := s.do(t, method, path, body)
	if resp.StatusCode != status {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("%s %s: expected status %d, got %d: %s", method, path, status, resp.StatusCode, raw)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
	}
}

// seed registers a plan, a device and a /29 on it
func (s *testServer) seed(t *testing.T) (model.Device, model.Subnet) {
	t.Helper()
	s.expect(t, "PUT", "/api/plans/basic",
		`{"name":"Basic","download_kbps":10000,"upload_kbps":2000,"active":true}`, http.StatusOK, nil)

	var device model.Device
	s.expect(t, "POST", "/api/devices",
		`{"name":"bras-1","vendor":"memory","host":"127.0.0.1","location":"north","secret":"s3cret"}`,
		http.StatusCreated, &device)

	var subnet model.Subnet
	s.expect(t, "POST", "/api/devices/"+device.ID+"/subnets", `{"cidr":"100.64.0.0/29"}`, http.StatusCreated, &subnet)
	return device, subnet
}

func TestHandler_ActivationLifecycle(t *testing.T) {
	s := setupTestServer(t)
	device, _ := s.seed(t)

	var res provision.Result
	s.expect(t, "POST", "/api/activations",
		`{"service_id":"svc-1","customer_id":"cust-1","plan_id":"basic","type":"new","overrides":{"location":"north"}}`,
		http.StatusCreated, &res)
	if !res.Success || res.ActivationID == "" {
		t.Fatalf("result = %+v", res)
	}

	var act model.Activation
	s.expect(t, "GET", "/api/activations/"+res.ActivationID, "", http.StatusOK, &act)
	if act.Status != model.ActivationCompleted || len(act.Steps) == 0 {
		t.Errorf("activation = %+v", act)
	}

	var st provision.ServiceState
	s.expect(t, "GET", "/api/services/svc-1/status", "", http.StatusOK, &st)
	if st.Service.Status != model.ServiceActive || st.Device == nil || st.Device.ID != device.ID || st.Address == nil {
		t.Errorf("status = %+v", st)
	}

	var resync map[string]any
	s.expect(t, "POST", "/api/services/svc-1/resync", "", http.StatusOK, &resync)
	if resync["queued"] != false {
		t.Errorf("resync = %v", resync)
	}

	var events []model.Event
	s.expect(t, "GET", "/api/events?service_id=svc-1&limit=50", "", http.StatusOK, &events)
	if len(events) == 0 {
		t.Error("expected events for the service")
	}

	var released provision.ReleaseResult
	s.expect(t, "POST", "/api/customers/cust-1/release", "", http.StatusOK, &released)
	if released.ReleasedCount != 1 || len(released.Errors) != 0 {
		t.Errorf("release = %+v", released)
	}

	s.expect(t, "GET", "/api/services/svc-1/status", "", http.StatusOK, &st)
	if st.Service.Status != model.ServiceTerminated {
		t.Errorf("service status = %s, want terminated", st.Service.Status)
	}
}

func TestHandler_ActivationErrors(t *testing.T) {
	s := setupTestServer(t)
	s.seed(t)

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"missing service", `{"type":"new","customer_id":"c","plan_id":"basic"}`, http.StatusBadRequest, provision.CodeInvalidRequest},
		{"unknown type", `{"service_id":"s","type":"migrate"}`, http.StatusBadRequest, provision.CodeInvalidRequest},
		{"unknown plan", `{"service_id":"s-2","customer_id":"c","plan_id":"ghost","type":"new"}`, http.StatusUnprocessableEntity, model.FailureInvalidPlan},
		{"unknown service", `{"service_id":"nope","plan_id":"basic","type":"upgrade"}`, http.StatusNotFound, provision.CodeNotFound},
		{"suspend pending", `{"service_id":"s-2","type":"suspend"}`, http.StatusConflict, model.FailureInvalidState},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var res provision.Result
			s.expect(t, "POST", "/api/activations", tt.body, tt.status, &res)
			if res.Success || res.Code != tt.code {
				t.Errorf("result = %+v, want code %s", res, tt.code)
			}
		})
	}

	s.expect(t, "POST", "/api/activations", `{not json`, http.StatusBadRequest, nil)
}

func TestHandler_NotFound(t *testing.T) {
	s := setupTestServer(t)

	for _, path := range []string{
		"/api/activations/missing",
		"/api/services/missing/status",
		"/api/devices/missing",
		"/api/devices/missing/subnets",
		"/api/devices/missing/utilization",
	} {
		t.Run(path, func(t *testing.T) {
			s.expect(t, "GET", path, "", http.StatusNotFound, nil)
		})
	}
	s.expect(t, "POST", "/api/devices/missing/deactivate", "", http.StatusNotFound, nil)
	s.expect(t, "POST", "/api/addresses/missing/block", "", http.StatusNotFound, nil)
}

func TestHandler_Devices(t *testing.T) {
	s := setupTestServer(t)
	device, _ := s.seed(t)

	if device.Status != model.DeviceActive || device.ID == "" {
		t.Errorf("device = %+v", device)
	}

	s.expect(t, "POST", "/api/devices", `{"name":"bras-1","vendor":"memory"}`, http.StatusConflict, nil)
	s.expect(t, "POST", "/api/devices", `{"name":"olt-1","vendor":"telnet-box"}`, http.StatusBadRequest, nil)
	s.expect(t, "POST", "/api/devices", `{"name":"olt-1"}`, http.StatusBadRequest, nil)
	s.expect(t, "POST", "/api/devices/"+device.ID+"/subnets", `{"cidr":"not-a-cidr"}`, http.StatusUnprocessableEntity, nil)
	s.expect(t, "POST", "/api/devices/"+device.ID+"/subnets", `{}`, http.StatusBadRequest, nil)

	var devices []model.Device
	s.expect(t, "GET", "/api/devices?location=north", "", http.StatusOK, &devices)
	if len(devices) != 1 {
		t.Errorf("Expected 1 device, got %d", len(devices))
	}

	var usage []model.Utilization
	s.expect(t, "GET", "/api/devices/"+device.ID+"/utilization", "", http.StatusOK, &usage)
	if len(usage) != 1 {
		t.Errorf("utilization = %+v", usage)
	}

	var probed scanner.Result
	s.expect(t, "POST", "/api/devices/"+device.ID+"/probe", "", http.StatusOK, &probed)
	if !probed.Reachable {
		t.Errorf("probe = %+v", probed)
	}

	var deactivated model.Device
	s.expect(t, "POST", "/api/devices/"+device.ID+"/deactivate", "", http.StatusOK, &deactivated)
	if deactivated.Status != model.DeviceInactive {
		t.Errorf("status = %s, want inactive", deactivated.Status)
	}
}

func TestHandler_BlockAddress(t *testing.T) {
	s := setupTestServer(t)
	_, subnet := s.seed(t)

	addrs, err := s.pool.Addresses(context.Background(), subnet.ID, model.AddressAvailable)
	if err != nil || len(addrs) == 0 {
		t.Fatalf("Addresses() = %v, %v", addrs, err)
	}
	id := addrs[0].ID

	s.expect(t, "POST", "/api/addresses/"+id+"/block", `{"reason":"abuse report"}`, http.StatusNoContent, nil)
	s.expect(t, "POST", "/api/addresses/"+id+"/block", "", http.StatusNoContent, nil)

	addr, err := s.pool.Address(context.Background(), id)
	if err != nil || addr.Status != model.AddressBlocked {
		t.Fatalf("address = %+v, %v", addr, err)
	}

	s.expect(t, "POST", "/api/addresses/"+id+"/unblock", "", http.StatusNoContent, nil)
	addr, _ = s.pool.Address(context.Background(), id)
	if addr.Status != model.AddressAvailable {
		t.Errorf("status = %s, want available", addr.Status)
	}
}

func TestHandler_PlansAndRetry(t *testing.T) {
	s := setupTestServer(t)

	s.expect(t, "PUT", "/api/plans/broken", `{"name":"Broken","download_kbps":0,"upload_kbps":1}`, http.StatusBadRequest, nil)
	s.expect(t, "PUT", "/api/plans/pro", `{"name":"Pro","download_kbps":50000,"upload_kbps":10000,"active":true}`, http.StatusOK, nil)

	var plans []model.ServicePlan
	s.expect(t, "GET", "/api/plans", "", http.StatusOK, &plans)
	if len(plans) != 1 || plans[0].ID != "pro" {
		t.Errorf("plans = %+v", plans)
	}

	var ops []model.RetryableOperation
	s.expect(t, "GET", "/api/retry?status=pending", "", http.StatusOK, &ops)
	if len(ops) != 0 {
		t.Errorf("Expected empty retry queue, got %d", len(ops))
	}
	s.expect(t, "GET", "/api/retry?status=bogus", "", http.StatusBadRequest, nil)
	s.expect(t, "GET", "/api/retry?limit=-1", "", http.StatusBadRequest, nil)

	var drained retry.DrainResult
	s.expect(t, "POST", "/api/retry/drain", "", http.StatusOK, &drained)
	if drained.Attempted != 0 {
		t.Errorf("drain = %+v", drained)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{storage.ErrDeviceNotFound, http.StatusNotFound},
		{provision.ErrInvalidRequest, http.StatusBadRequest},
		{storage.ErrAlreadyExists, http.StatusConflict},
		{ipam.ErrNoCapacity, http.StatusConflict},
		{ipam.ErrInvalidSubnet, http.StatusUnprocessableEntity},
		{driver.ErrUnreachable, http.StatusServiceUnavailable},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
