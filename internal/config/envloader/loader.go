// Package envloader loads configuration through viper, layering
// CBSWEEP_-prefixed environment variables over an optional yaml file so
// deployments can override individual settings without editing the file.
package envloader

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/varlogsec/cbsweep/internal/config"
)

// envPrefix namespaces the environment variables, e.g.
// CBSWEEP_VENDOR_MAX_SESSIONS overrides vendor.max_sessions.
const envPrefix = "CBSWEEP"

// EnvLoader loads configuration from the environment with an optional yaml
// file as the base layer.
type EnvLoader struct {
	// path is the optional base configuration file; empty means
	// environment only.
	path string
}

// NewEnvLoader creates an EnvLoader. path may be empty.
func NewEnvLoader(path string) *EnvLoader {
	return &EnvLoader{path: path}
}

// Load resolves the configuration: file values first, then environment
// overrides. A missing file is only an error when a path was given.
func (l *EnvLoader) Load(ctx context.Context) (*config.Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Keys must be registered for AutomaticEnv to consider them.
	for _, key := range []string{
		"vendor.root_url", "vendor.api_key", "vendor.connector_id",
		"vendor.max_sessions", "vendor.min_check_in_hours",
		"vendor.requests_per_second", "vendor.burst",
		"database_dsn", "output_dir",
		"waiting_period", "poll_interval", "error_threshold",
		"retry.initial_interval", "retry.max_interval",
		"retry.multiplier", "retry.max_attempts",
	} {
		v.SetDefault(key, nil)
	}

	if l.path != "" {
		v.SetConfigFile(l.path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg config.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}
