package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/martinsuchenak/netprov/internal/model"
	"github.com/martinsuchenak/netprov/internal/provision"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestClient_SendsTokenAndDecodes(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/plans", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		writeJSON(w, http.StatusOK, []model.ServicePlan{{ID: "basic", Name: "Basic"}})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	plans, err := New(server.URL, "tok").Plans(context.Background())
	if err != nil {
		t.Fatalf("Plans() error = %v", err)
	}
	if len(plans) != 1 || plans[0].ID != "basic" {
		t.Errorf("plans = %+v", plans)
	}

	_, err = New(server.URL, "").Plans(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized || apiErr.Message != "unauthorized" {
		t.Errorf("Plans() without token error = %v", err)
	}
}

func TestClient_ActivationFailureIsAResult(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/activations", func(w http.ResponseWriter, r *http.Request) {
		var req provision.Request
		json.NewDecoder(r.Body).Decode(&req)
		if req.ServiceID == "svc-ok" {
			writeJSON(w, http.StatusCreated, provision.Result{Success: true, ActivationID: "act-1"})
			return
		}
		writeJSON(w, http.StatusConflict, provision.Result{ActivationID: "act-2", Code: model.FailureNoCapacity, Error: "no capacity"})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	c := New(server.URL, "")
	res, err := c.RequestActivation(context.Background(), provision.Request{ServiceID: "svc-ok", Type: model.ActivationNew})
	if err != nil || !res.Success || res.ActivationID != "act-1" {
		t.Errorf("RequestActivation() = %+v, %v", res, err)
	}

	res, err = c.RequestActivation(context.Background(), provision.Request{ServiceID: "svc-full", Type: model.ActivationNew})
	if err != nil {
		t.Fatalf("RequestActivation() error = %v", err)
	}
	if res.Success || res.Code != model.FailureNoCapacity || res.ActivationID != "act-2" {
		t.Errorf("RequestActivation() = %+v", res)
	}
}

func TestClient_PathAndQueryParams(t *testing.T) {
	var gotPath, gotQuery string
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotQuery = r.URL.Path, r.URL.RawQuery
		writeJSON(w, http.StatusOK, []any{})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	c := New(server.URL, "")
	if _, err := c.RetryOperations(context.Background(), model.RetryPending, 10); err != nil {
		t.Fatalf("RetryOperations() error = %v", err)
	}
	if gotPath != "/api/retry" || gotQuery != "limit=10&status=pending" {
		t.Errorf("request = %s?%s", gotPath, gotQuery)
	}

	if _, err := c.Utilization(context.Background(), "bras-1"); err != nil {
		t.Fatalf("Utilization() error = %v", err)
	}
	if gotPath != "/api/devices/bras-1/utilization" {
		t.Errorf("path = %s", gotPath)
	}
}

func TestClient_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "activation not found"})
	}))
	defer server.Close()

	_, err := New(server.URL, "").Activation(context.Background(), "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound {
		t.Errorf("Activation() error = %v", err)
	}
}
