package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/martinsuchenak/netprov/internal/config"
	"github.com/martinsuchenak/netprov/internal/driver"
	"github.com/martinsuchenak/netprov/internal/driver/memory"
)

func TestBuild_WiresServer(t *testing.T) {
	cfg := config.Defaults()
	cfg.DataDir = t.TempDir()
	cfg.APIAuthToken = "tok"

	c, err := Build(cfg, func(r *driver.Registry) {
		r.Register(memory.Vendor, memory.NewFleet().Factory())
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	t.Cleanup(c.Close)

	for _, vendor := range []string{"routeros", "restapi", memory.Vendor} {
		if !c.Registry.Supports(vendor) {
			t.Errorf("vendor %s not registered", vendor)
		}
	}
	if tasks := c.Scheduler.Tasks(); len(tasks) != 2 {
		t.Errorf("Expected 2 scheduled tasks, got %d", len(tasks))
	}

	server := httptest.NewServer(c.Handler(cfg))
	defer server.Close()

	get := func(path, token string) *http.Response {
		t.Helper()
		req, _ := http.NewRequest("GET", server.URL+path, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("Failed to make request: %v", err)
		}
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	if resp := get("/healthz", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("healthz: expected status 200, got %d", resp.StatusCode)
	}
	if resp := get("/api/plans", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("plans without token: expected status 401, got %d", resp.StatusCode)
	}
	if resp := get("/api/plans", "tok"); resp.StatusCode != http.StatusOK {
		t.Errorf("plans: expected status 200, got %d", resp.StatusCode)
	}

	resp := get("/metrics", "tok")
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "go_goroutines") {
		t.Errorf("metrics: status %d", resp.StatusCode)
	}
}

func TestRunServer_RejectsInvalidConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.DataDir = t.TempDir()
	cfg.RetryBatchSize = 0

	if err := RunServer(t.Context(), cfg); err == nil || !strings.Contains(err.Error(), "retry batch size") {
		t.Errorf("RunServer() error = %v", err)
	}
}

func TestComponents_WaitForInflightRequests(t *testing.T) {
	cfg := config.Defaults()
	cfg.DataDir = t.TempDir()

	c, err := Build(cfg)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	t.Cleanup(c.Close)

	entered := make(chan struct{})
	release := make(chan struct{})
	server := httptest.NewServer(c.track(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		if _, err := c.Store.ListPlans(context.Background()); err != nil {
			t.Errorf("ListPlans() after release error = %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	})))
	defer server.Close()

	done := make(chan error, 1)
	go func() {
		resp, err := http.Get(server.URL)
		if err == nil {
			resp.Body.Close()
		}
		done <- err
	}()
	<-entered

	short, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := c.Wait(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() with a request running = %v, want deadline exceeded", err)
	}

	close(release)
	if err := c.Wait(context.Background()); err != nil {
		t.Errorf("Wait() after the request finished = %v", err)
	}
	if err := <-done; err != nil {
		t.Errorf("request error = %v", err)
	}
}
