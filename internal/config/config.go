// Package config loads the engine configuration from a YAML file with
// sensible defaults for every knob.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	DataDir string        `yaml:"data_dir"`
	Logging LoggingConfig `yaml:"logging"`
	Remote  RemoteConfig  `yaml:"remote"`
	Network NetworkConfig `yaml:"network"`
	Sync    SyncConfig    `yaml:"sync"`
	Server  ServerConfig  `yaml:"server"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level string `yaml:"level"` // DEBUG, INFO, WARN, ERROR
}

// RemoteConfig points at the remote authority.
type RemoteConfig struct {
	BaseURL   string `yaml:"base_url"`
	AuthToken string `yaml:"auth_token"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

// NetworkConfig controls the connectivity monitor.
type NetworkConfig struct {
	ProbeIntervalMs int `yaml:"probe_interval_ms"`
	ProbeTimeoutMs  int `yaml:"probe_timeout_ms"`
}

// SyncConfig controls queue, backoff, conflict and scheduling behavior.
type SyncConfig struct {
	BatchSize            int     `yaml:"batch_size"`
	SlowBatchSize        int     `yaml:"slow_batch_size"`
	FanOut               int     `yaml:"fan_out"`
	MaxRetries           int     `yaml:"max_retries"`
	BaseRetryDelayMs     int     `yaml:"base_retry_delay_ms"`
	BackoffMultiplier    float64 `yaml:"backoff_multiplier"`
	MaxRetryDelayMs      int     `yaml:"max_retry_delay_ms"`
	RateLimitDelayMs     int     `yaml:"rate_limit_delay_ms"`
	ConflictWindowMs     int     `yaml:"conflict_window_ms"`
	DeletedRemotely      string  `yaml:"deleted_remotely"` // "", "recreate", "discard"
	PeriodicIntervalMs   int     `yaml:"periodic_interval_ms"`
	CompactionIntervalMs int     `yaml:"compaction_interval_ms"`
	SweepIntervalMs      int     `yaml:"sweep_interval_ms"`
	StaleBoundMs         int     `yaml:"stale_bound_ms"`
	OpTimeoutMs          int     `yaml:"op_timeout_ms"`
}

// ServerConfig controls the local status endpoint.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the configuration used when no file overrides it.
func Default() *Config {
	return &Config{
		DataDir: "./data",
		Logging: LoggingConfig{Level: "INFO"},
		Remote: RemoteConfig{
			BaseURL:   "http://localhost:8080",
			TimeoutMs: 30000,
		},
		Network: NetworkConfig{
			ProbeIntervalMs: 30000,
			ProbeTimeoutMs:  8000,
		},
		Sync: SyncConfig{
			BatchSize:            10,
			SlowBatchSize:        3,
			FanOut:               2,
			MaxRetries:           3,
			BaseRetryDelayMs:     1000,
			BackoffMultiplier:    2,
			MaxRetryDelayMs:      30000,
			RateLimitDelayMs:     60000,
			ConflictWindowMs:     300000,
			PeriodicIntervalMs:   30000,
			CompactionIntervalMs: 300000,
			SweepIntervalMs:      60000,
			StaleBoundMs:         600000,
			OpTimeoutMs:          30000,
		},
		Server: ServerConfig{Addr: "localhost:8090"},
	}
}

// Load reads a YAML config file layered over the defaults. A missing
// path returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot honor.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.Remote.BaseURL == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	if c.Sync.BackoffMultiplier < 1 {
		return fmt.Errorf("sync.backoff_multiplier must be >= 1")
	}
	switch c.Sync.DeletedRemotely {
	case "", "recreate", "discard":
	default:
		return fmt.Errorf("sync.deleted_remotely must be empty, %q or %q", "recreate", "discard")
	}
	return nil
}

// Durations converts the millisecond knobs callers use most.

func (c *RemoteConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

func (c *NetworkConfig) ProbeInterval() time.Duration {
	return time.Duration(c.ProbeIntervalMs) * time.Millisecond
}

func (c *NetworkConfig) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutMs) * time.Millisecond
}

func (c *SyncConfig) BaseRetryDelay() time.Duration {
	return time.Duration(c.BaseRetryDelayMs) * time.Millisecond
}

func (c *SyncConfig) MaxRetryDelay() time.Duration {
	return time.Duration(c.MaxRetryDelayMs) * time.Millisecond
}

func (c *SyncConfig) RateLimitDelay() time.Duration {
	return time.Duration(c.RateLimitDelayMs) * time.Millisecond
}

func (c *SyncConfig) ConflictWindow() time.Duration {
	return time.Duration(c.ConflictWindowMs) * time.Millisecond
}

func (c *SyncConfig) PeriodicInterval() time.Duration {
	return time.Duration(c.PeriodicIntervalMs) * time.Millisecond
}

func (c *SyncConfig) CompactionInterval() time.Duration {
	return time.Duration(c.CompactionIntervalMs) * time.Millisecond
}

func (c *SyncConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMs) * time.Millisecond
}

func (c *SyncConfig) StaleBound() time.Duration {
	return time.Duration(c.StaleBoundMs) * time.Millisecond
}

func (c *SyncConfig) OpTimeout() time.Duration {
	return time.Duration(c.OpTimeoutMs) * time.Millisecond
}
