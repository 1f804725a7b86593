// Package config loads and validates server configuration from an optional
// deepscout.yaml file plus DEEPSCOUT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Overflow policies for the background executor when all slots are busy.
const (
	OverflowQueue  = "queue"
	OverflowReject = "reject"
)

// Config is the fully resolved server configuration.
type Config struct {
	// Storage
	DatabasePath string `mapstructure:"database_path"`
	OutputDir    string `mapstructure:"output_dir"`

	// Lifecycle timing
	SyncBudget       time.Duration `mapstructure:"sync_budget"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	SyncPollInterval time.Duration `mapstructure:"sync_poll_interval"`
	DefaultWaitHours int           `mapstructure:"default_wait_hours"`

	// Executor
	MaxConcurrent  int    `mapstructure:"max_concurrent"`
	QueueDepth     int    `mapstructure:"queue_depth"`
	OverflowPolicy string `mapstructure:"overflow_policy"`

	// Provider
	ProviderBaseURL string `mapstructure:"provider_base_url"`
	DefaultModel    string `mapstructure:"default_model"`
	APIKey          string `mapstructure:"-"`

	// Notifications
	NotificationsEnabled bool `mapstructure:"notifications_enabled"`

	// Observability; empty disables the scrape endpoint.
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// Default returns the baseline configuration before file and env overrides.
func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		DatabasePath:         "deep_research.db",
		OutputDir:            home,
		SyncBudget:           30 * time.Second,
		PollInterval:         10 * time.Second,
		SyncPollInterval:     2 * time.Second,
		DefaultWaitHours:     8,
		MaxConcurrent:        3,
		QueueDepth:           10,
		OverflowPolicy:       OverflowQueue,
		ProviderBaseURL:      "https://generativelanguage.googleapis.com",
		DefaultModel:         "deep-research-pro-preview-12-2025",
		NotificationsEnabled: true,
	}
}

// Load resolves configuration from defaults, an optional config file, and the
// environment. The provider credential comes only from GEMINI_API_KEY and is
// never written back anywhere.
func Load(configFile string) (Config, error) {
	v := viper.New()

	defaults := Default()
	v.SetDefault("database_path", defaults.DatabasePath)
	v.SetDefault("output_dir", defaults.OutputDir)
	v.SetDefault("sync_budget", defaults.SyncBudget)
	v.SetDefault("poll_interval", defaults.PollInterval)
	v.SetDefault("sync_poll_interval", defaults.SyncPollInterval)
	v.SetDefault("default_wait_hours", defaults.DefaultWaitHours)
	v.SetDefault("max_concurrent", defaults.MaxConcurrent)
	v.SetDefault("queue_depth", defaults.QueueDepth)
	v.SetDefault("overflow_policy", defaults.OverflowPolicy)
	v.SetDefault("provider_base_url", defaults.ProviderBaseURL)
	v.SetDefault("default_model", defaults.DefaultModel)
	v.SetDefault("notifications_enabled", defaults.NotificationsEnabled)
	v.SetDefault("metrics_addr", defaults.MetricsAddr)

	v.SetEnvPrefix("DEEPSCOUT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", configFile, err)
		}
	} else {
		v.SetConfigName("deepscout")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.APIKey = strings.TrimSpace(os.Getenv("GEMINI_API_KEY"))

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks invariants the rest of the server relies on.
func (c Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("database_path must not be empty")
	}
	if c.OutputDir == "" {
		return fmt.Errorf("output_dir must not be empty")
	}
	if c.SyncBudget <= 0 {
		return fmt.Errorf("sync_budget must be positive, got %v", c.SyncBudget)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %v", c.PollInterval)
	}
	if c.SyncPollInterval <= 0 {
		return fmt.Errorf("sync_poll_interval must be positive, got %v", c.SyncPollInterval)
	}
	if c.DefaultWaitHours < 1 || c.DefaultWaitHours > 24 {
		return fmt.Errorf("default_wait_hours must be in [1, 24], got %d", c.DefaultWaitHours)
	}
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", c.MaxConcurrent)
	}
	if c.QueueDepth < 0 {
		return fmt.Errorf("queue_depth must not be negative, got %d", c.QueueDepth)
	}
	switch c.OverflowPolicy {
	case OverflowQueue, OverflowReject:
	default:
		return fmt.Errorf("overflow_policy must be %q or %q, got %q",
			OverflowQueue, OverflowReject, c.OverflowPolicy)
	}
	if c.DefaultModel == "" {
		return fmt.Errorf("default_model must not be empty")
	}
	return nil
}
