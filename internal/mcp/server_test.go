package mcp

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/martinsuchenak/netprov/internal/model"
	"github.com/martinsuchenak/netprov/internal/provision"
)

func TestHandleRequest_Auth(t *testing.T) {
	s := NewServer(nil, "mcp-token")

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"wrong scheme", "Basic mcp-token"},
		{"wrong token", "Bearer nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/mcp", strings.NewReader(`{}`))
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			s.HandleRequest(w, req)
			if w.Code != http.StatusUnauthorized {
				t.Errorf("Expected status 401, got %d", w.Code)
			}
		})
	}
}

func TestFormatActivation(t *testing.T) {
	out := formatActivation(&model.Activation{
		ID:            "act-1",
		ServiceID:     "svc-1",
		CustomerID:    "cust-1",
		Type:          model.ActivationNew,
		Status:        model.ActivationFailed,
		FailedStep:    "deploy_configuration",
		FailureCode:   model.FailureStepFailed,
		FailureReason: "credential rejected",
		Steps: []model.StepLog{
			{Step: "deploy_configuration", Phase: model.PhaseExecute, Status: model.StepFailed, Error: "credential rejected"},
		},
	})

	for _, want := range []string{"act-1", "svc-1", "deploy_configuration", "credential rejected", "step_failed"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
}

func TestFormatServiceState(t *testing.T) {
	out := formatServiceState(&provision.ServiceState{
		Service: &model.CustomerService{ID: "svc-1", CustomerID: "cust-1", PlanID: "basic", Status: model.ServiceActive},
		Device:  &model.Device{Name: "bras-1", Status: model.DeviceActive},
		Address: &model.Address{IP: "100.64.0.2"},
		Sync:    []model.SyncStatus{{State: model.SyncOutOfSync, LastOperation: "apply_bandwidth_profile", LastError: "timeout"}},
	})

	for _, want := range []string{"svc-1", "bras-1", "100.64.0.2", "out_of_sync", "timeout"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
}

func TestMaxLabel(t *testing.T) {
	if got := maxLabel(0); got != "unlimited" {
		t.Errorf("maxLabel(0) = %q", got)
	}
	if got := maxLabel(250); got != "250" {
		t.Errorf("maxLabel(250) = %q", got)
	}
}
