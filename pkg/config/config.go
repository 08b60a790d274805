// Package config loads engine configuration from YAML files and
// SYNCENGINE_* environment variables via viper.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/revlens/syncengine/pkg/clients"
	"github.com/revlens/syncengine/pkg/errors"
	"github.com/revlens/syncengine/pkg/logger"
	"github.com/revlens/syncengine/pkg/paginate"
	"github.com/revlens/syncengine/pkg/upsert"
)

// Config is the root engine configuration.
type Config struct {
	Logger   logger.Config       `mapstructure:"logger" yaml:"logger" json:"logger"`
	HTTP     clients.HTTPConfig  `mapstructure:"http" yaml:"http" json:"http"`
	Retry    clients.RetryPolicy `mapstructure:"retry" yaml:"retry" json:"retry"`
	Paginate paginate.Config     `mapstructure:"paginate" yaml:"paginate" json:"paginate"`
	Upsert   upsert.Config       `mapstructure:"upsert" yaml:"upsert" json:"upsert"`
	Storage  StorageConfig       `mapstructure:"storage" yaml:"storage" json:"storage"`
	Cache    CacheConfig         `mapstructure:"cache" yaml:"cache" json:"cache"`
	Tracing  TracingConfig       `mapstructure:"tracing" yaml:"tracing" json:"tracing"`

	// RateLimits overrides the built-in vendor rate limit profiles,
	// keyed by connector name.
	RateLimits map[string]clients.RateLimiterConfig `mapstructure:"rate_limits" yaml:"rate_limits" json:"rate_limits"`
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	// Backend is "postgres" or "memory".
	Backend string `mapstructure:"backend" yaml:"backend" json:"backend"`
	// PostgresDSN is the pgx connection string when Backend is postgres.
	PostgresDSN string `mapstructure:"postgres_dsn" yaml:"postgres_dsn" json:"postgres_dsn"`
	// Migrate applies the schema on startup.
	Migrate bool `mapstructure:"migrate" yaml:"migrate" json:"migrate"`
}

// CacheConfig controls the dedup-config TTL cache.
type CacheConfig struct {
	TTL time.Duration `mapstructure:"ttl" yaml:"ttl" json:"ttl"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	SampleRatio float64 `mapstructure:"sample_ratio" yaml:"sample_ratio" json:"sample_ratio"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Logger: logger.Config{
			Level:    "info",
			Encoding: "json",
		},
		HTTP:     *clients.DefaultHTTPConfig(),
		Retry:    clients.DefaultRetryPolicy(),
		Paginate: paginate.DefaultConfig(),
		Upsert:   upsert.DefaultConfig(),
		Storage: StorageConfig{
			Backend: "memory",
			Migrate: true,
		},
		Cache: CacheConfig{
			TTL: 15 * time.Minute,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			SampleRatio: 0.1,
		},
	}
}

// Load reads configuration from the given file path, layering it over
// defaults. An empty path loads defaults plus environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SYNCENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "reading config file")
		}
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "unmarshaling config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants configuration files commonly get wrong.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return errors.New(errors.ErrorTypeConfig, "storage.postgres_dsn is required for the postgres backend")
		}
	case "memory":
	default:
		return errors.Newf(errors.ErrorTypeConfig, "unknown storage backend %q", c.Storage.Backend)
	}

	if c.Retry.MaxAttempts < 1 {
		return errors.New(errors.ErrorTypeConfig, "retry.max_attempts must be at least 1")
	}
	if c.Retry.BackoffFactor < 1 {
		return errors.New(errors.ErrorTypeConfig, "retry.backoff_factor must be at least 1")
	}
	if c.Paginate.MaxPages < 1 {
		return errors.New(errors.ErrorTypeConfig, "paginate.max_pages must be at least 1")
	}
	if c.Upsert.ChunkSize < 1 {
		return errors.New(errors.ErrorTypeConfig, "upsert.chunk_size must be at least 1")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return errors.New(errors.ErrorTypeConfig, "tracing.sample_ratio must be within [0, 1]")
	}

	for name, rl := range c.RateLimits {
		if rl.MaxRequests < 1 || rl.Window <= 0 {
			return errors.Newf(errors.ErrorTypeConfig, "rate_limits.%s requires max_requests >= 1 and a positive window", name)
		}
	}

	return nil
}

// RateLimitFor returns the configured override for a connector, or the
// built-in profile fallback.
func (c *Config) RateLimitFor(connector string, fallback clients.RateLimiterConfig) clients.RateLimiterConfig {
	if rl, ok := c.RateLimits[connector]; ok {
		return rl
	}
	return fallback
}
