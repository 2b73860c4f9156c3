package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/paularlott/cli"

	"github.com/martinsuchenak/netprov/internal/api"
	"github.com/martinsuchenak/netprov/internal/audit"
	"github.com/martinsuchenak/netprov/internal/config"
	"github.com/martinsuchenak/netprov/internal/driver"
	"github.com/martinsuchenak/netprov/internal/driver/restapi"
	"github.com/martinsuchenak/netprov/internal/driver/routeros"
	"github.com/martinsuchenak/netprov/internal/ipam"
	"github.com/martinsuchenak/netprov/internal/log"
	"github.com/martinsuchenak/netprov/internal/mcp"
	"github.com/martinsuchenak/netprov/internal/metrics"
	"github.com/martinsuchenak/netprov/internal/provision"
	"github.com/martinsuchenak/netprov/internal/retry"
	"github.com/martinsuchenak/netprov/internal/saga"
	"github.com/martinsuchenak/netprov/internal/scanner"
	"github.com/martinsuchenak/netprov/internal/storage"
	"github.com/martinsuchenak/netprov/internal/worker"
)

const shutdownTimeout = 15 * time.Second

// Components holds the wired application
type Components struct {
	Store     *storage.SQLiteStorage
	Registry  *driver.Registry
	Service   *provision.Service
	Scheduler *worker.Scheduler
	MCP       *mcp.Server
	API       *api.Handler

	publisher *audit.MQTTPublisher
	inflight  sync.WaitGroup
}

// Build opens storage and wires every component. extra registers
// additional driver factories after the built-in vendors.
func Build(cfg *config.Config, extra ...func(*driver.Registry)) (*Components, error) {
	store, err := storage.NewSQLiteStorage(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	log.Info("Storage initialized", "backend", "SQLite", "path", cfg.DataDir)

	c := &Components{Store: store}

	var auditLog *audit.Log
	if cfg.IsMQTTEnabled() {
		c.publisher, err = audit.NewMQTTPublisher(audit.MQTTConfig{
			Broker:   cfg.MQTTBroker,
			ClientID: cfg.MQTTClientID,
			Username: cfg.MQTTUsername,
			Password: cfg.MQTTPassword,
			Topic:    cfg.MQTTTopic,
		})
		if err != nil {
			store.Close()
			return nil, err
		}
		auditLog = audit.New(store, c.publisher)
	} else {
		auditLog = audit.New(store, nil)
	}

	c.Registry = driver.NewRegistry(cfg.DriverTimeout)
	c.Registry.Register(routeros.Vendor, routeros.Factory(cfg.DriverTimeout))
	c.Registry.Register(restapi.Vendor, restapi.Factory(cfg.DriverTimeout))
	for _, register := range extra {
		register(c.Registry)
	}

	retryCfg := retry.Config{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    cfg.RetryMaxDelay,
		Concurrency: cfg.RetryConcurrency,
	}

	pool := ipam.New(store, auditLog)
	commander := driver.NewCommander(c.Registry, auditLog, store, driver.CommanderConfig{
		Rate:       cfg.CommandRate,
		Burst:      cfg.CommandBurst,
		RetryDelay: cfg.StepRetryDelay,
	})
	queue := retry.NewQueue(store, auditLog, retryCfg)
	commander.SetEnqueuer(queue)

	c.Service = provision.New(provision.Deps{
		Store:     store,
		Pool:      pool,
		Engine:    saga.NewEngine(store, pool, commander, auditLog, saga.Config{StepTimeout: cfg.StepTimeout}),
		Commander: commander,
		Queue:     queue,
		Drainer:   retry.NewDrainer(store, commander, auditLog, retryCfg),
		Prober:    scanner.NewProber(store, c.Registry, auditLog, cfg.DriverTimeout),
		Audit:     auditLog,
	})

	c.Scheduler = worker.NewScheduler()
	if err := c.Scheduler.Register("retry-drain", "Retry queue drain", cfg.RetrySchedule, func(ctx context.Context, _ string) error {
		res, err := c.Service.DrainRetries(ctx, cfg.RetryBatchSize)
		if res.Attempted > 0 {
			log.Info("Retry drain finished", "attempted", res.Attempted, "succeeded", res.Succeeded,
				"rescheduled", res.Rescheduled, "failed", res.Failed)
		}
		return err
	}); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.Scheduler.Register("device-health", "Device health check", cfg.HealthSchedule, func(ctx context.Context, _ string) error {
		_, err := c.Service.CheckDevices(ctx)
		return err
	}); err != nil {
		c.Close()
		return nil, err
	}

	c.API = api.NewHandler(c.Service)
	c.MCP = mcp.NewServer(c.Service, cfg.MCPAuthToken)
	return c, nil
}

// Handler builds the HTTP handler with routes and middleware
func (c *Components) Handler(cfg *config.Config) http.Handler {
	mux := http.NewServeMux()
	c.API.RegisterRoutes(mux)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("/mcp", c.MCP.GetHTTPHandler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	})

	var handler http.Handler = mux
	if cfg.IsAPIAuthEnabled() {
		handler = api.AuthMiddleware(cfg.APIAuthToken, handler)
	}
	handler = api.SecurityHeadersMiddleware(handler)
	return api.RequestLogMiddleware(c.track(handler))
}

// track counts requests still being served, including any saga they run
func (c *Components) track(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.inflight.Add(1)
		defer c.inflight.Done()
		next.ServeHTTP(w, r)
	})
}

// Wait blocks until every tracked request has returned or ctx ends
func (c *Components) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops background work and releases resources
func (c *Components) Close() {
	if c.Scheduler != nil {
		c.Scheduler.Stop()
	}
	if c.publisher != nil {
		c.publisher.Close()
	}
	if err := c.Store.Close(); err != nil {
		log.Warn("Failed to close storage", "error", err)
	}
}

// RunServer starts the netprov server and blocks until ctx is cancelled or
// the process receives SIGINT/SIGTERM
func RunServer(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	c, err := Build(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           c.Handler(cfg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	c.Scheduler.Start()

	shutdown := make(chan struct{})
	go func() {
		defer close(shutdown)
		<-ctx.Done()
		log.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("Graceful shutdown failed", "error", err)
		}
	}()

	log.Info("Starting netprov server", "addr", cfg.ListenAddr)
	log.Info("API available", "url", "http://localhost"+cfg.ListenAddr+"/api/")
	log.Info("MCP available", "url", "http://localhost"+cfg.ListenAddr+"/mcp")
	log.Info("Vendors registered", "vendors", c.Registry.Vendors())
	if cfg.IsAPIAuthEnabled() {
		log.Info("API authentication enabled")
	}
	c.MCP.LogStartup()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("Server error", "error", err)
		return err
	}
	<-shutdown

	// handlers that outlived Shutdown may still be writing to storage
	waitCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := c.Wait(waitCtx); err != nil {
		log.Warn("Requests still running at shutdown, closing storage anyway", "error", err)
	}

	log.Info("Server stopped")
	return nil
}

func Command() *cli.Command {
	return &cli.Command{
		Name:        "server",
		Usage:       "Start the netprov server",
		Description: "Start the HTTP server with the provisioning API, metrics and MCP endpoints",
		Flags:       config.GetFlags(),
		Run: func(ctx context.Context, cmd *cli.Command) error {
			cfg := config.Load(cmd)
			log.Info("Configuration loaded", "data_dir", cfg.DataDir, "listen_addr", cfg.ListenAddr)
			return RunServer(ctx, cfg)
		},
	}
}
