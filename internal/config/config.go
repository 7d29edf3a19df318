// Package config defines the engines' configuration surface. Loading is
// abstracted behind the Loader interface; engines receive the resolved
// Config by injection and never read files or environment themselves.
package config

import "time"

// VendorConfig holds the endpoint-management tenant settings.
type VendorConfig struct {
	// RootURL is the tenant's API base, e.g. https://defense.example.com.
	RootURL string `yaml:"root_url" mapstructure:"root_url"`

	// APIKey and ConnectorID are joined into the API auth token.
	APIKey      string `yaml:"api_key" mapstructure:"api_key"`
	ConnectorID string `yaml:"connector_id" mapstructure:"connector_id"`

	// MaxSessions is the tenant's concurrent live response session
	// allowance; it sizes the worker pool.
	MaxSessions int `yaml:"max_sessions" mapstructure:"max_sessions"`

	// MinCheckInHours gates sweep work to hosts seen within this window.
	MinCheckInHours int `yaml:"min_check_in_hours" mapstructure:"min_check_in_hours"`

	// RequestsPerSecond and Burst bound the API call rate.
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int     `yaml:"burst" mapstructure:"burst"`
}

// RetryConfig bounds per-host retries.
type RetryConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval" mapstructure:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval" mapstructure:"max_interval"`
	Multiplier      float64       `yaml:"multiplier" mapstructure:"multiplier"`
	MaxAttempts     int           `yaml:"max_attempts" mapstructure:"max_attempts"`
}

// Config is the top-level engine configuration.
type Config struct {
	Vendor VendorConfig `yaml:"vendor" mapstructure:"vendor"`

	// DatabaseDSN is the PostgreSQL connection string.
	DatabaseDSN string `yaml:"database_dsn" mapstructure:"database_dsn"`

	// OutputDir is the local root collected files are written under.
	OutputDir string `yaml:"output_dir" mapstructure:"output_dir"`

	// WaitingPeriod bounds each vendor polling loop in wall-clock time;
	// PollInterval is the sleep between polls.
	WaitingPeriod time.Duration `yaml:"waiting_period" mapstructure:"waiting_period"`
	PollInterval  time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`

	// ErrorThreshold is the run-wide error budget before a run stops.
	ErrorThreshold int `yaml:"error_threshold" mapstructure:"error_threshold"`

	Retry RetryConfig `yaml:"retry" mapstructure:"retry"`
}

// Defaults mirror the tool's long-standing operational settings.
const (
	DefaultWaitingPeriod   = 200 * time.Second
	DefaultPollInterval    = 5 * time.Second
	DefaultErrorThreshold  = 100
	DefaultInitialInterval = 5 * time.Second
	DefaultMaxInterval     = 2 * time.Minute
	DefaultMultiplier      = 2.0
	DefaultMaxAttempts     = 10
)

// ApplyDefaults fills unset tunables with their defaults.
func (c *Config) ApplyDefaults() {
	if c.WaitingPeriod <= 0 {
		c.WaitingPeriod = DefaultWaitingPeriod
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = DefaultErrorThreshold
	}
	if c.Retry.InitialInterval <= 0 {
		c.Retry.InitialInterval = DefaultInitialInterval
	}
	if c.Retry.MaxInterval <= 0 {
		c.Retry.MaxInterval = DefaultMaxInterval
	}
	if c.Retry.Multiplier <= 0 {
		c.Retry.Multiplier = DefaultMultiplier
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = DefaultMaxAttempts
	}
	if c.Vendor.RequestsPerSecond <= 0 {
		c.Vendor.RequestsPerSecond = 5
	}
	if c.Vendor.Burst <= 0 {
		c.Vendor.Burst = 10
	}
	if c.Vendor.MaxSessions <= 0 {
		c.Vendor.MaxSessions = 1
	}
}
