package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/martinsuchenak/netprov/internal/log"
	"github.com/paularlott/cli"
)

// Config holds the application configuration
type Config struct {
	DataDir      string
	ListenAddr   string
	APIAuthToken string
	MCPAuthToken string

	// Saga and driver timing
	StepTimeout    time.Duration
	StepRetryDelay time.Duration
	DriverTimeout  time.Duration
	CommandRate    float64
	CommandBurst   int

	// Retry/recovery
	RetrySchedule    string
	RetryBatchSize   int
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	RetryConcurrency int

	// Device health checks
	HealthSchedule string

	// Optional MQTT fan-out of audit events
	MQTTBroker   string
	MQTTTopic    string
	MQTTClientID string
	MQTTUsername string
	MQTTPassword string
}

// Defaults returns a configuration populated with default values
func Defaults() *Config {
	return &Config{
		DataDir:          "./data",
		ListenAddr:       ":8080",
		StepTimeout:      30 * time.Second,
		StepRetryDelay:   500 * time.Millisecond,
		DriverTimeout:    10 * time.Second,
		CommandRate:      20,
		CommandBurst:     5,
		RetrySchedule:    "@every 30s",
		RetryBatchSize:   50,
		RetryMaxAttempts: 5,
		RetryBaseDelay:   30 * time.Second,
		RetryMaxDelay:    time.Hour,
		RetryConcurrency: 4,
		HealthSchedule:   "@every 1m",
		MQTTTopic:        "netprov/events",
		MQTTClientID:     "netprov",
	}
}

// GetFlags returns the server flags. Every flag can also be set through
// its environment variable or a .env file.
func GetFlags() []cli.Flag {
	d := Defaults()
	return []cli.Flag{
		&cli.StringFlag{Name: "data-dir", Usage: "Data directory path", DefaultValue: d.DataDir, EnvVars: []string{"NETPROV_DATA_DIR"}},
		&cli.StringFlag{Name: "addr", Usage: "Server listen address (e.g., :8080)", DefaultValue: d.ListenAddr, EnvVars: []string{"NETPROV_LISTEN_ADDR"}},
		&cli.StringFlag{Name: "api-token", Usage: "API bearer token for authentication", EnvVars: []string{"NETPROV_API_TOKEN"}},
		&cli.StringFlag{Name: "mcp-token", Usage: "MCP bearer token for authentication", EnvVars: []string{"NETPROV_MCP_TOKEN"}},
		&cli.StringFlag{Name: "step-timeout", Usage: "Per-step saga timeout", DefaultValue: d.StepTimeout.String(), EnvVars: []string{"NETPROV_STEP_TIMEOUT"}},
		&cli.StringFlag{Name: "step-retry-delay", Usage: "Delay between local retries of a transient device error", DefaultValue: d.StepRetryDelay.String(), EnvVars: []string{"NETPROV_STEP_RETRY_DELAY"}},
		&cli.StringFlag{Name: "driver-timeout", Usage: "Device liveness handshake timeout", DefaultValue: d.DriverTimeout.String(), EnvVars: []string{"NETPROV_DRIVER_TIMEOUT"}},
		&cli.IntFlag{Name: "command-rate", Usage: "Device commands per second per device", DefaultValue: int(d.CommandRate), EnvVars: []string{"NETPROV_COMMAND_RATE"}},
		&cli.IntFlag{Name: "command-burst", Usage: "Device command burst per device", DefaultValue: d.CommandBurst, EnvVars: []string{"NETPROV_COMMAND_BURST"}},
		&cli.StringFlag{Name: "retry-schedule", Usage: "Cron schedule for the retry drain", DefaultValue: d.RetrySchedule, EnvVars: []string{"NETPROV_RETRY_SCHEDULE"}},
		&cli.IntFlag{Name: "retry-batch", Usage: "Operations replayed per drain cycle", DefaultValue: d.RetryBatchSize, EnvVars: []string{"NETPROV_RETRY_BATCH"}},
		&cli.IntFlag{Name: "retry-max-attempts", Usage: "Attempts before an operation is marked failed", DefaultValue: d.RetryMaxAttempts, EnvVars: []string{"NETPROV_RETRY_MAX_ATTEMPTS"}},
		&cli.StringFlag{Name: "retry-base-delay", Usage: "Backoff after the first failed attempt", DefaultValue: d.RetryBaseDelay.String(), EnvVars: []string{"NETPROV_RETRY_BASE_DELAY"}},
		&cli.StringFlag{Name: "retry-max-delay", Usage: "Backoff ceiling", DefaultValue: d.RetryMaxDelay.String(), EnvVars: []string{"NETPROV_RETRY_MAX_DELAY"}},
		&cli.IntFlag{Name: "retry-concurrency", Usage: "Concurrent replays per drain cycle", DefaultValue: d.RetryConcurrency, EnvVars: []string{"NETPROV_RETRY_CONCURRENCY"}},
		&cli.StringFlag{Name: "health-schedule", Usage: "Cron schedule for device health checks", DefaultValue: d.HealthSchedule, EnvVars: []string{"NETPROV_HEALTH_SCHEDULE"}},
		&cli.StringFlag{Name: "mqtt-broker", Usage: "MQTT broker URL for audit events (disabled when empty)", EnvVars: []string{"NETPROV_MQTT_BROKER"}},
		&cli.StringFlag{Name: "mqtt-topic", Usage: "MQTT topic prefix for audit events", DefaultValue: d.MQTTTopic, EnvVars: []string{"NETPROV_MQTT_TOPIC"}},
		&cli.StringFlag{Name: "mqtt-client-id", Usage: "MQTT client ID", DefaultValue: d.MQTTClientID, EnvVars: []string{"NETPROV_MQTT_CLIENT_ID"}},
		&cli.StringFlag{Name: "mqtt-username", Usage: "MQTT username", EnvVars: []string{"NETPROV_MQTT_USERNAME"}},
		&cli.StringFlag{Name: "mqtt-password", Usage: "MQTT password", EnvVars: []string{"NETPROV_MQTT_PASSWORD"}},
	}
}

// Getter is the subset of *cli.Command used to read flag values
type Getter interface {
	GetString(name string) string
	GetInt(name string) int
}

// Load builds the configuration from parsed command flags
func Load(cmd Getter) *Config {
	cfg := Defaults()

	cfg.DataDir = coalesce(cmd.GetString("data-dir"), cfg.DataDir)
	cfg.ListenAddr = coalesce(cmd.GetString("addr"), cfg.ListenAddr)
	cfg.APIAuthToken = cmd.GetString("api-token")
	cfg.MCPAuthToken = cmd.GetString("mcp-token")

	cfg.StepTimeout = duration("step-timeout", cmd.GetString("step-timeout"), cfg.StepTimeout)
	cfg.StepRetryDelay = duration("step-retry-delay", cmd.GetString("step-retry-delay"), cfg.StepRetryDelay)
	cfg.DriverTimeout = duration("driver-timeout", cmd.GetString("driver-timeout"), cfg.DriverTimeout)
	if v := cmd.GetInt("command-rate"); v > 0 {
		cfg.CommandRate = float64(v)
	}
	if v := cmd.GetInt("command-burst"); v > 0 {
		cfg.CommandBurst = v
	}

	cfg.RetrySchedule = coalesce(cmd.GetString("retry-schedule"), cfg.RetrySchedule)
	if v := cmd.GetInt("retry-batch"); v != 0 {
		cfg.RetryBatchSize = v
	}
	if v := cmd.GetInt("retry-max-attempts"); v != 0 {
		cfg.RetryMaxAttempts = v
	}
	cfg.RetryBaseDelay = duration("retry-base-delay", cmd.GetString("retry-base-delay"), cfg.RetryBaseDelay)
	cfg.RetryMaxDelay = duration("retry-max-delay", cmd.GetString("retry-max-delay"), cfg.RetryMaxDelay)
	if v := cmd.GetInt("retry-concurrency"); v > 0 {
		cfg.RetryConcurrency = v
	}

	cfg.HealthSchedule = coalesce(cmd.GetString("health-schedule"), cfg.HealthSchedule)

	cfg.MQTTBroker = cmd.GetString("mqtt-broker")
	cfg.MQTTTopic = coalesce(cmd.GetString("mqtt-topic"), cfg.MQTTTopic)
	cfg.MQTTClientID = coalesce(cmd.GetString("mqtt-client-id"), cfg.MQTTClientID)
	cfg.MQTTUsername = cmd.GetString("mqtt-username")
	cfg.MQTTPassword = cmd.GetString("mqtt-password")

	return cfg
}

// Validate rejects settings the services cannot run with
func (c *Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("data directory is required"))
	}
	if c.RetryBatchSize <= 0 {
		errs = append(errs, fmt.Errorf("retry batch size must be positive, got %d", c.RetryBatchSize))
	}
	if c.RetryMaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("retry max attempts must be positive, got %d", c.RetryMaxAttempts))
	}
	if c.StepTimeout <= 0 {
		errs = append(errs, errors.New("step timeout must be positive"))
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		errs = append(errs, errors.New("retry max delay must not be below the base delay"))
	}
	return errors.Join(errs...)
}

// IsAPIAuthEnabled checks if API authentication is configured
func (c *Config) IsAPIAuthEnabled() bool {
	return c.APIAuthToken != ""
}

// IsMQTTEnabled checks if audit events are fanned out to MQTT
func (c *Config) IsMQTTEnabled() bool {
	return c.MQTTBroker != ""
}

func duration(name, value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		log.Warn("Invalid duration, using default", "flag", name, "value", value, "default", fallback)
		return fallback
	}
	return d
}

// coalesce returns the first non-empty string value
func coalesce(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
