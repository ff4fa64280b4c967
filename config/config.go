// Package config provides configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Counters   CountersConfig   `yaml:"counters"`
	Redis      RedisConfig      `yaml:"redis"`
	Database   DatabaseConfig   `yaml:"database"`
	Stream     StreamConfig     `yaml:"stream"`
	Aggregator AggregatorConfig `yaml:"aggregator"`
	Retention  RetentionConfig  `yaml:"retention"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// CountersConfig selects the real-time counter store backend.
// Use "redis" for a shared deployment or "memory" for single-process runs.
type CountersConfig struct {
	Mode string `yaml:"mode"` // "redis" or "memory"
}

// RedisConfig configures the Redis counter store.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password,omitempty"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DatabaseConfig configures the durable rollup store.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite"
	DSN    string `yaml:"dsn"`
}

// StreamConfig configures the partitioned event stream.
type StreamConfig struct {
	Partitions  int           `yaml:"partitions"`
	BufferSize  int           `yaml:"buffer_size"`
	BatchSize   int           `yaml:"batch_size"`
	MaxWait     time.Duration `yaml:"max_wait"`
	MaxAttempts int           `yaml:"max_attempts"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
}

// AggregatorConfig bounds store retries during batch processing.
type AggregatorConfig struct {
	MaxRetries  int           `yaml:"max_retries"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	JitterDelay time.Duration `yaml:"jitter_delay"`
}

// RetentionConfig configures the rollup janitor.
type RetentionConfig struct {
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "console"
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"` // Enable /metrics endpoint
	Path    string `yaml:"path"`    // Custom path (default: /metrics)
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(&cfg)

	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// LoadFromEnv creates configuration entirely from environment variables.
// This is useful for Docker deployments where no config file is needed.
//
// Environment variables:
//
//	METERD_SERVER_HOST       - Server host (default: 0.0.0.0)
//	METERD_SERVER_PORT       - Server port (default: 8080)
//	METERD_COUNTERS_MODE     - Counter store: redis or memory (default: memory)
//	METERD_REDIS_ADDR        - Redis address (default: localhost:6379)
//	METERD_REDIS_PASSWORD    - Redis password
//	METERD_REDIS_DB          - Redis database number (default: 0)
//	METERD_DATABASE_DSN      - SQLite path (default: meterd.db)
//	METERD_STREAM_PARTITIONS - Stream partition count (default: 4)
//	METERD_STREAM_BATCH_SIZE - Records per delivered batch (default: 100)
//	METERD_LOG_LEVEL         - Log level: debug, info, warn, error (default: info)
//	METERD_LOG_FORMAT        - Log format: json or console (default: json)
//	METERD_METRICS_ENABLED   - Enable /metrics endpoint (default: true)
func LoadFromEnv() (*Config, error) {
	cfg := Config{Metrics: MetricsConfig{Enabled: true}}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// LoadWithFallback tries to load from file, falls back to environment
// variables. Every setting has a default, so env-only startup always works.
func LoadWithFallback(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	return LoadFromEnv()
}

// applyEnvOverrides applies METERD_* environment variables to the config.
// Environment variables always override file-based configuration.
func applyEnvOverrides(cfg *Config) {
	// Server configuration
	if v := os.Getenv("METERD_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("METERD_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("METERD_SERVER_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ReadTimeout = d
		}
	}
	if v := os.Getenv("METERD_SERVER_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.WriteTimeout = d
		}
	}

	// Counter store configuration
	if v := os.Getenv("METERD_COUNTERS_MODE"); v != "" {
		cfg.Counters.Mode = v
	}
	if v := os.Getenv("METERD_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("METERD_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("METERD_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = n
		}
	}

	// Database configuration
	if v := os.Getenv("METERD_DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("METERD_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}

	// Stream configuration
	if v := os.Getenv("METERD_STREAM_PARTITIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Stream.Partitions = n
		}
	}
	if v := os.Getenv("METERD_STREAM_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Stream.BatchSize = n
		}
	}
	if v := os.Getenv("METERD_STREAM_MAX_WAIT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Stream.MaxWait = d
		}
	}
	if v := os.Getenv("METERD_STREAM_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Stream.MaxAttempts = n
		}
	}

	// Aggregator retry configuration
	if v := os.Getenv("METERD_AGGREGATOR_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Aggregator.MaxRetries = n
		}
	}
	if v := os.Getenv("METERD_AGGREGATOR_RETRY_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Aggregator.RetryDelay = d
		}
	}

	// Retention configuration
	if v := os.Getenv("METERD_RETENTION_CLEANUP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Retention.CleanupInterval = d
		}
	}

	// Logging configuration
	if v := os.Getenv("METERD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("METERD_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	// Metrics configuration
	if v := os.Getenv("METERD_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = parseBool(v)
	}
	if v := os.Getenv("METERD_METRICS_PATH"); v != "" {
		cfg.Metrics.Path = v
	}
}

// parseBool parses a boolean from common string values.
func parseBool(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "true" || v == "1" || v == "yes" || v == "on"
}

func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 60 * time.Second
	}

	if cfg.Counters.Mode == "" {
		cfg.Counters.Mode = "memory"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Redis.DialTimeout == 0 {
		cfg.Redis.DialTimeout = 5 * time.Second
	}
	if cfg.Redis.ReadTimeout == 0 {
		cfg.Redis.ReadTimeout = 2 * time.Second
	}
	if cfg.Redis.WriteTimeout == 0 {
		cfg.Redis.WriteTimeout = 2 * time.Second
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = "meterd.db"
	}

	if cfg.Stream.Partitions == 0 {
		cfg.Stream.Partitions = 4
	}
	if cfg.Stream.BufferSize == 0 {
		cfg.Stream.BufferSize = 4096
	}
	if cfg.Stream.BatchSize == 0 {
		cfg.Stream.BatchSize = 100
	}
	if cfg.Stream.MaxWait == 0 {
		cfg.Stream.MaxWait = time.Second
	}
	if cfg.Stream.MaxAttempts == 0 {
		cfg.Stream.MaxAttempts = 5
	}
	if cfg.Stream.RetryDelay == 0 {
		cfg.Stream.RetryDelay = 250 * time.Millisecond
	}

	if cfg.Aggregator.MaxRetries == 0 {
		cfg.Aggregator.MaxRetries = 2
	}
	if cfg.Aggregator.RetryDelay == 0 {
		cfg.Aggregator.RetryDelay = 50 * time.Millisecond
	}
	if cfg.Aggregator.MaxDelay == 0 {
		cfg.Aggregator.MaxDelay = 2 * time.Second
	}
	if cfg.Aggregator.JitterDelay == 0 {
		cfg.Aggregator.JitterDelay = 25 * time.Millisecond
	}

	if cfg.Retention.CleanupInterval == 0 {
		cfg.Retention.CleanupInterval = time.Hour
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", cfg.Server.Port)
	}

	validCounterModes := map[string]bool{"redis": true, "memory": true}
	if !validCounterModes[cfg.Counters.Mode] {
		return fmt.Errorf("counters.mode must be 'redis' or 'memory', got %q", cfg.Counters.Mode)
	}
	if cfg.Counters.Mode == "redis" && cfg.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when counters.mode is 'redis'")
	}

	if cfg.Database.Driver != "sqlite" {
		return fmt.Errorf("database.driver must be 'sqlite', got %q", cfg.Database.Driver)
	}
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	if cfg.Stream.Partitions < 1 {
		return fmt.Errorf("stream.partitions must be positive, got %d", cfg.Stream.Partitions)
	}
	if cfg.Stream.BatchSize < 1 {
		return fmt.Errorf("stream.batch_size must be positive, got %d", cfg.Stream.BatchSize)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error, got %q", cfg.Logging.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[cfg.Logging.Format] {
		return fmt.Errorf("logging.format must be 'json' or 'console', got %q", cfg.Logging.Format)
	}

	return nil
}
