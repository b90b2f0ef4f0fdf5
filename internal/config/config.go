// Package config holds runtime configuration for the lunar CLI and
// embedders that prefer file-driven setup.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LimitsConfig holds per-executor resource budgets.
type LimitsConfig struct {
	MaxMemory  string        `json:"max_memory" yaml:"max_memory"`   // e.g. "2MiB", "256KiB"
	MaxRuntime time.Duration `json:"max_runtime" yaml:"max_runtime"` // e.g. 1s
	HookHz     int           `json:"hook_hz" yaml:"hook_hz"`
	MaxDepth   int           `json:"max_depth" yaml:"max_depth"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // text, json
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Namespace string `json:"namespace" yaml:"namespace"`
	Addr      string `json:"addr" yaml:"addr"` // e.g. :9100; empty disables the endpoint
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Exporter    string  `json:"exporter" yaml:"exporter"` // otlp-http, stdout
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`
	ServiceName string  `json:"service_name" yaml:"service_name"`
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`
}

// Config is the top-level configuration.
type Config struct {
	Limits  LimitsConfig  `json:"limits" yaml:"limits"`
	Logging LoggingConfig `json:"logging" yaml:"logging"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
	Tracing TracingConfig `json:"tracing" yaml:"tracing"`
}

// DefaultConfig returns the defaults: 2MiB of script memory, a one second
// runtime budget, and observability off.
func DefaultConfig() *Config {
	return &Config{
		Limits: LimitsConfig{
			MaxMemory:  "2MiB",
			MaxRuntime: time.Second,
			HookHz:     500000,
			MaxDepth:   10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled:   false,
			Namespace: "lunar",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Exporter:    "otlp-http",
			Endpoint:    "localhost:4318",
			ServiceName: "lunar",
			SampleRate:  1.0,
		},
	}
}

// LoadFromFile reads a config file, YAML or JSON by extension, over the
// defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	return cfg, nil
}

// LoadFromEnv applies LUNAR_* environment overrides on top of cfg.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("LUNAR_MAX_MEMORY"); v != "" {
		cfg.Limits.MaxMemory = v
	}
	if v := os.Getenv("LUNAR_MAX_RUNTIME"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Limits.MaxRuntime = d
		}
	}
	if v := os.Getenv("LUNAR_HOOK_HZ"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Limits.HookHz = n
		}
	}
	if v := os.Getenv("LUNAR_MAX_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Limits.MaxDepth = n
		}
	}
	if v := os.Getenv("LUNAR_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LUNAR_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("LUNAR_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = parseBool(v)
	}
	if v := os.Getenv("LUNAR_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
	if v := os.Getenv("LUNAR_TRACING_ENABLED"); v != "" {
		cfg.Tracing.Enabled = parseBool(v)
	}
	if v := os.Getenv("LUNAR_TRACING_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = v
	}
	if v := os.Getenv("LUNAR_TRACING_EXPORTER"); v != "" {
		cfg.Tracing.Exporter = v
	}
	if v := os.Getenv("LUNAR_TRACING_SAMPLE_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Tracing.SampleRate = f
		}
	}
}

// MaxMemoryBytes parses the configured memory ceiling.
func (c *Config) MaxMemoryBytes() (int64, error) {
	return ParseSize(c.Limits.MaxMemory)
}

// ParseSize parses a human-readable byte size such as "256KiB", "2MiB",
// "1GB" or a bare byte count.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	units := []struct {
		suffix string
		mult   int64
	}{
		{"GiB", 1 << 30}, {"MiB", 1 << 20}, {"KiB", 1 << 10},
		{"GB", 1e9}, {"MB", 1e6}, {"KB", 1e3},
		{"G", 1 << 30}, {"M", 1 << 20}, {"K", 1 << 10},
		{"B", 1},
	}
	for _, u := range units {
		if strings.HasSuffix(s, u.suffix) {
			n, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(s, u.suffix)), 64)
			if err != nil {
				return 0, fmt.Errorf("invalid size %q: %w", s, err)
			}
			return int64(n * float64(u.mult)), nil
		}
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return n, nil
}

func parseBool(s string) bool {
	switch strings.ToLower(s) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
