package config

import (
	"strings"
	"testing"
	"time"
)

type flags struct {
	strings map[string]string
	ints    map[string]int
}

func (f flags) GetString(name string) string { return f.strings[name] }
func (f flags) GetInt(name string) int       { return f.ints[name] }

func TestLoad_Defaults(t *testing.T) {
	cfg := Load(flags{})
	want := Defaults()

	if cfg.DataDir != want.DataDir || cfg.ListenAddr != want.ListenAddr {
		t.Errorf("paths = %q %q", cfg.DataDir, cfg.ListenAddr)
	}
	if cfg.StepTimeout != 30*time.Second || cfg.RetryMaxDelay != time.Hour {
		t.Errorf("durations = %v %v", cfg.StepTimeout, cfg.RetryMaxDelay)
	}
	if cfg.RetryBatchSize != 50 || cfg.CommandRate != 20 {
		t.Errorf("batch = %d rate = %v", cfg.RetryBatchSize, cfg.CommandRate)
	}
	if cfg.IsAPIAuthEnabled() || cfg.IsMQTTEnabled() {
		t.Error("auth and MQTT should be disabled by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoad_Overrides(t *testing.T) {
	cfg := Load(flags{
		strings: map[string]string{
			"data-dir":         "/var/lib/netprov",
			"api-token":        "tok",
			"step-timeout":     "5s",
			"retry-base-delay": "not-a-duration",
			"mqtt-broker":      "tcp://broker:1883",
		},
		ints: map[string]int{
			"retry-batch":  10,
			"command-rate": 2,
		},
	})

	if cfg.DataDir != "/var/lib/netprov" || !cfg.IsAPIAuthEnabled() || !cfg.IsMQTTEnabled() {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.StepTimeout != 5*time.Second {
		t.Errorf("StepTimeout = %v", cfg.StepTimeout)
	}
	if cfg.RetryBaseDelay != 30*time.Second {
		t.Errorf("invalid duration should fall back, got %v", cfg.RetryBaseDelay)
	}
	if cfg.RetryBatchSize != 10 || cfg.CommandRate != 2 {
		t.Errorf("batch = %d rate = %v", cfg.RetryBatchSize, cfg.CommandRate)
	}
	if cfg.MQTTTopic != "netprov/events" {
		t.Errorf("MQTTTopic = %q", cfg.MQTTTopic)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{"no data dir", func(c *Config) { c.DataDir = "" }, "data directory"},
		{"zero batch", func(c *Config) { c.RetryBatchSize = 0 }, "retry batch size"},
		{"negative attempts", func(c *Config) { c.RetryMaxAttempts = -1 }, "retry max attempts"},
		{"zero step timeout", func(c *Config) { c.StepTimeout = 0 }, "step timeout"},
		{"inverted backoff", func(c *Config) { c.RetryMaxDelay = time.Second }, "max delay"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.modify(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() error = %v, want %q", err, tt.want)
			}
		})
	}
}
