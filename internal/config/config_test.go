package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Limits.MaxMemory != "2MiB" {
		t.Fatalf("MaxMemory default = %q", cfg.Limits.MaxMemory)
	}
	if cfg.Limits.MaxRuntime != time.Second {
		t.Fatalf("MaxRuntime default = %v", cfg.Limits.MaxRuntime)
	}
	n, err := cfg.MaxMemoryBytes()
	if err != nil {
		t.Fatalf("MaxMemoryBytes: %v", err)
	}
	if n != 2<<20 {
		t.Fatalf("MaxMemoryBytes = %d, want %d", n, 2<<20)
	}
}

func TestParseSize(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"256KiB", 256 << 10},
		{"2MiB", 2 << 20},
		{"1GiB", 1 << 30},
		{"1MB", 1e6},
		{"512", 512},
		{"64K", 64 << 10},
		{"", 0},
	}
	for _, c := range cases {
		got, err := ParseSize(c.in)
		if err != nil {
			t.Fatalf("ParseSize(%q): %v", c.in, err)
		}
		if got != c.want {
			t.Fatalf("ParseSize(%q) = %d, want %d", c.in, got, c.want)
		}
	}

	if _, err := ParseSize("lots"); err == nil {
		t.Fatal("ParseSize accepted garbage")
	}
}

func TestLoadFromFile_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lunar.yaml")
	body := []byte("limits:\n  max_memory: 512KiB\n  hook_hz: 1000\nlogging:\n  level: debug\n")
	if err := os.WriteFile(path, body, 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.Limits.MaxMemory != "512KiB" {
		t.Fatalf("MaxMemory = %q", cfg.Limits.MaxMemory)
	}
	if cfg.Limits.HookHz != 1000 {
		t.Fatalf("HookHz = %d", cfg.Limits.HookHz)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("Level = %q", cfg.Logging.Level)
	}
	// untouched fields keep their defaults
	if cfg.Limits.MaxDepth != 10 {
		t.Fatalf("MaxDepth = %d, want default", cfg.Limits.MaxDepth)
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lunar.json")
	body := []byte(`{"limits": {"max_memory": "1MiB"}, "metrics": {"enabled": true, "addr": ":9100"}}`)
	if err := os.WriteFile(path, body, 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.Limits.MaxMemory != "1MiB" {
		t.Fatalf("MaxMemory = %q", cfg.Limits.MaxMemory)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Addr != ":9100" {
		t.Fatalf("Metrics = %+v", cfg.Metrics)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("LUNAR_MAX_MEMORY", "128KiB")
	t.Setenv("LUNAR_MAX_RUNTIME", "250ms")
	t.Setenv("LUNAR_LOG_LEVEL", "warn")
	t.Setenv("LUNAR_METRICS_ENABLED", "true")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	if cfg.Limits.MaxMemory != "128KiB" {
		t.Fatalf("MaxMemory = %q", cfg.Limits.MaxMemory)
	}
	if cfg.Limits.MaxRuntime != 250*time.Millisecond {
		t.Fatalf("MaxRuntime = %v", cfg.Limits.MaxRuntime)
	}
	if cfg.Logging.Level != "warn" {
		t.Fatalf("Level = %q", cfg.Logging.Level)
	}
	if !cfg.Metrics.Enabled {
		t.Fatal("Metrics.Enabled not set from env")
	}
}
