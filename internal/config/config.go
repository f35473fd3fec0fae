// Package config loads binderkit settings from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration.
type Config struct {
	Buffer  BufferConfig
	Spam    SpamConfig
	Freeze  FreezeConfig
	Logging LogConfig
	Metrics MetricsConfig
}

// BufferConfig sizes each process's transaction buffer.
type BufferConfig struct {
	Size     int `envconfig:"BINDER_BUFFER_SIZE" default:"1048576"`
	PageSize int `envconfig:"BINDER_PAGE_SIZE" default:"4096"`
}

// SpamConfig holds the oneway spam detection thresholds.
type SpamConfig struct {
	MaxBuffers      int `envconfig:"BINDER_SPAM_MAX_BUFFERS" default:"50"`
	BytesDivisor    int `envconfig:"BINDER_SPAM_BYTES_DIVISOR" default:"4"`
	LowSpaceDivisor int `envconfig:"BINDER_SPAM_LOW_SPACE_DIVISOR" default:"10"`
}

// FreezeConfig holds process freezing settings.
type FreezeConfig struct {
	Timeout time.Duration `envconfig:"BINDER_FREEZE_TIMEOUT" default:"100ms"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// MetricsConfig holds the Prometheus listener address. Empty disables it.
type MetricsConfig struct {
	Addr string `envconfig:"METRICS_ADDR" default:""`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Buffer: BufferConfig{
			Size:     1 << 20,
			PageSize: 4096,
		},
		Spam: SpamConfig{
			MaxBuffers:      50,
			BytesDivisor:    4,
			LowSpaceDivisor: 10,
		},
		Freeze: FreezeConfig{
			Timeout: 100 * time.Millisecond,
		},
		Logging: LogConfig{
			Level: "info",
		},
	}
}

// Validate rejects settings the core cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Buffer.Size <= 0:
		return fmt.Errorf("config: buffer size must be positive, got %d", c.Buffer.Size)
	case c.Buffer.PageSize <= 0 || c.Buffer.PageSize&(c.Buffer.PageSize-1) != 0:
		return fmt.Errorf("config: page size must be a power of two, got %d", c.Buffer.PageSize)
	case c.Spam.MaxBuffers <= 0 || c.Spam.BytesDivisor <= 0 || c.Spam.LowSpaceDivisor <= 0:
		return fmt.Errorf("config: spam thresholds must be positive")
	case c.Freeze.Timeout < 0:
		return fmt.Errorf("config: freeze timeout must not be negative")
	}
	return nil
}
