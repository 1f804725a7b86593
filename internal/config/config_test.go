package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
}

func TestDefaultValues(t *testing.T) {
	cfg := Default()

	if cfg.SyncBudget != 30*time.Second {
		t.Errorf("SyncBudget = %v, want 30s", cfg.SyncBudget)
	}
	if cfg.SyncPollInterval != 2*time.Second || cfg.PollInterval != 10*time.Second {
		t.Errorf("poll intervals = %v/%v, want 2s/10s", cfg.SyncPollInterval, cfg.PollInterval)
	}
	if cfg.DefaultWaitHours != 8 {
		t.Errorf("DefaultWaitHours = %d, want 8", cfg.DefaultWaitHours)
	}
	if cfg.MaxConcurrent != 3 || cfg.QueueDepth != 10 {
		t.Errorf("capacity = %d/%d, want 3/10", cfg.MaxConcurrent, cfg.QueueDepth)
	}
	if cfg.OverflowPolicy != OverflowQueue {
		t.Errorf("OverflowPolicy = %q, want queue", cfg.OverflowPolicy)
	}
	if cfg.APIKey != "" {
		t.Error("Default() must not carry a credential")
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deepscout.yaml")
	content := []byte("sync_budget: 5s\nmax_concurrent: 7\noverflow_policy: reject\n")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.SyncBudget)
	assert.Equal(t, 7, cfg.MaxConcurrent)
	assert.Equal(t, OverflowReject, cfg.OverflowPolicy)
	// Untouched keys keep their defaults.
	assert.Equal(t, 10*time.Second, cfg.PollInterval)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("DEEPSCOUT_DEFAULT_WAIT_HOURS", "12")
	t.Setenv("DEEPSCOUT_DATABASE_PATH", filepath.Join(t.TempDir(), "env.db"))

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if cfg.DefaultWaitHours != 12 {
		t.Errorf("DefaultWaitHours = %d, want env override 12", cfg.DefaultWaitHours)
	}
}

func TestLoadAPIKeyFromEnvOnly(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "  test-key  ")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if cfg.APIKey != "test-key" {
		t.Errorf("APIKey = %q, want trimmed env value", cfg.APIKey)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load() with a missing explicit config file should fail")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty database path", func(c *Config) { c.DatabasePath = "" }},
		{"empty output dir", func(c *Config) { c.OutputDir = "" }},
		{"zero sync budget", func(c *Config) { c.SyncBudget = 0 }},
		{"negative poll interval", func(c *Config) { c.PollInterval = -time.Second }},
		{"zero sync poll interval", func(c *Config) { c.SyncPollInterval = 0 }},
		{"wait hours too low", func(c *Config) { c.DefaultWaitHours = 0 }},
		{"wait hours too high", func(c *Config) { c.DefaultWaitHours = 25 }},
		{"zero concurrency", func(c *Config) { c.MaxConcurrent = 0 }},
		{"negative queue depth", func(c *Config) { c.QueueDepth = -1 }},
		{"unknown overflow policy", func(c *Config) { c.OverflowPolicy = "drop" }},
		{"empty model", func(c *Config) { c.DefaultModel = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestValidateAcceptsWaitHourBounds(t *testing.T) {
	for _, hours := range []int{1, 24} {
		cfg := Default()
		cfg.DefaultWaitHours = hours
		if err := cfg.Validate(); err != nil {
			t.Errorf("Validate() with %d wait hours = %v", hours, err)
		}
	}
}
