// Package config provides configuration loading and management for taskgraph.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/taskgraph/backoff"
	"github.com/c360studio/taskgraph/graph"
)

// Config represents the complete taskgraph configuration
type Config struct {
	Storage   StorageConfig        `yaml:"storage"`
	NATS      NATSConfig           `yaml:"nats"`
	Logging   LoggingConfig        `yaml:"logging"`
	Execution ExecutionConfig      `yaml:"execution"`
	Backoff   backoff.Config       `yaml:"backoff"`
	Graph     graph.AnalysisConfig `yaml:"graph"`
	Health    HealthConfig         `yaml:"health"`
}

// StorageConfig configures the persistence backend
type StorageConfig struct {
	// Driver selects the backend: "memory" or "postgres"
	Driver string `yaml:"driver"`
	// DSN is the Postgres connection string (required when driver is postgres)
	DSN string `yaml:"dsn"`
	// MaxOpenConns caps the connection pool size
	MaxOpenConns int `yaml:"max_open_conns"`
	// MaxIdleConns is the number of idle connections kept in the pool
	MaxIdleConns int `yaml:"max_idle_conns"`
	// ConnMaxLifetime is how long a pooled connection may be reused
	ConnMaxLifetime string `yaml:"conn_max_lifetime"`
}

// NATSConfig configures the NATS connection for the job queue and events
type NATSConfig struct {
	// URL is the NATS server URL (empty = in-process queue and events)
	URL string `yaml:"url"`
	// SubjectPrefix namespaces every subject this instance uses
	SubjectPrefix string `yaml:"subject_prefix"`
	// StreamName is the JetStream stream holding jobs and events
	StreamName string `yaml:"stream_name"`
}

// LoggingConfig configures structured logging
type LoggingConfig struct {
	// Level is the minimum level: debug, info, warn, error
	Level string `yaml:"level"`
	// Format selects the slog handler: text or json
	Format string `yaml:"format"`
}

// ExecutionConfig configures the execution pipeline
type ExecutionConfig struct {
	// WorkerCount is the number of queue consumers
	WorkerCount int `yaml:"worker_count"`
	// MinConcurrentSteps floors the per-task step parallelism
	MinConcurrentSteps int `yaml:"min_concurrent_steps"`
	// MaxConcurrentStepsLimit caps the per-task step parallelism
	MaxConcurrentStepsLimit int `yaml:"max_concurrent_steps_limit"`
	// ConcurrencyCacheDuration is how long a computed concurrency value is reused
	ConcurrencyCacheDuration string `yaml:"concurrency_cache_duration"`
	// PerStepTimeout bounds a single handler invocation
	PerStepTimeout string `yaml:"per_step_timeout"`
	// DedupWindow is how far back identical submissions are deduplicated
	DedupWindow string `yaml:"dedup_window"`
	// MaxCoordinatorIterations bounds dependency waves per queue delivery
	MaxCoordinatorIterations int `yaml:"max_coordinator_iterations"`
}

// HealthConfig configures the health snapshot endpoint
type HealthConfig struct {
	// CacheDuration is how long a computed snapshot is served before recomputing
	CacheDuration string `yaml:"cache_duration"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Driver:          "memory",
			DSN:             "",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: "30m",
		},
		NATS: NATSConfig{
			URL:           "",
			SubjectPrefix: "taskgraph",
			StreamName:    "TASKGRAPH",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Execution: ExecutionConfig{
			WorkerCount:              4,
			MinConcurrentSteps:       3,
			MaxConcurrentStepsLimit:  12,
			ConcurrencyCacheDuration: "30s",
			PerStepTimeout:           "30s",
			DedupWindow:              "60s",
			MaxCoordinatorIterations: 10,
		},
		Backoff: backoff.DefaultConfig(),
		Graph:   graph.DefaultAnalysisConfig(),
		Health: HealthConfig{
			CacheDuration: "15s",
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required when storage.driver is postgres")
		}
	default:
		return fmt.Errorf("storage.driver must be memory or postgres, got %q", c.Storage.Driver)
	}
	if c.Storage.MaxOpenConns < 1 {
		return fmt.Errorf("storage.max_open_conns must be at least 1")
	}
	if c.Storage.MaxIdleConns < 0 {
		return fmt.Errorf("storage.max_idle_conns must not be negative")
	}
	if c.Storage.ConnMaxLifetime != "" {
		if _, err := time.ParseDuration(c.Storage.ConnMaxLifetime); err != nil {
			return fmt.Errorf("invalid storage.conn_max_lifetime: %w", err)
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	if c.Execution.WorkerCount < 1 {
		return fmt.Errorf("execution.worker_count must be at least 1")
	}
	if c.Execution.MinConcurrentSteps < 1 {
		return fmt.Errorf("execution.min_concurrent_steps must be at least 1")
	}
	if c.Execution.MaxConcurrentStepsLimit < c.Execution.MinConcurrentSteps {
		return fmt.Errorf("execution.max_concurrent_steps_limit must be at least min_concurrent_steps")
	}
	if c.Execution.MaxCoordinatorIterations < 1 {
		return fmt.Errorf("execution.max_coordinator_iterations must be at least 1")
	}
	for name, value := range map[string]string{
		"execution.concurrency_cache_duration": c.Execution.ConcurrencyCacheDuration,
		"execution.per_step_timeout":           c.Execution.PerStepTimeout,
		"execution.dedup_window":               c.Execution.DedupWindow,
		"health.cache_duration":                c.Health.CacheDuration,
	} {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}

	if err := c.Backoff.Validate(); err != nil {
		return fmt.Errorf("backoff: %w", err)
	}

	return nil
}

// GetConnMaxLifetime returns the pooled connection lifetime.
// Returns default 30m if parsing fails.
func (s *StorageConfig) GetConnMaxLifetime() time.Duration {
	if s.ConnMaxLifetime == "" {
		return 30 * time.Minute
	}
	d, err := time.ParseDuration(s.ConnMaxLifetime)
	if err != nil || d <= 0 {
		return 30 * time.Minute
	}
	return d
}

// GetConcurrencyCacheDuration returns the concurrency cache duration.
// Returns default 30s if parsing fails.
func (e *ExecutionConfig) GetConcurrencyCacheDuration() time.Duration {
	if e.ConcurrencyCacheDuration == "" {
		return 30 * time.Second
	}
	d, err := time.ParseDuration(e.ConcurrencyCacheDuration)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// GetPerStepTimeout returns the per-handler timeout.
// Returns default 30s if parsing fails.
func (e *ExecutionConfig) GetPerStepTimeout() time.Duration {
	if e.PerStepTimeout == "" {
		return 30 * time.Second
	}
	d, err := time.ParseDuration(e.PerStepTimeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// GetDedupWindow returns the submission deduplication window.
// Returns default 60s if parsing fails.
func (e *ExecutionConfig) GetDedupWindow() time.Duration {
	if e.DedupWindow == "" {
		return 60 * time.Second
	}
	d, err := time.ParseDuration(e.DedupWindow)
	if err != nil || d <= 0 {
		return 60 * time.Second
	}
	return d
}

// GetCacheDuration returns the health snapshot cache duration.
// Returns default 15s if parsing fails.
func (h *HealthConfig) GetCacheDuration() time.Duration {
	if h.CacheDuration == "" {
		return 15 * time.Second
	}
	d, err := time.ParseDuration(h.CacheDuration)
	if err != nil || d <= 0 {
		return 15 * time.Second
	}
	return d
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Storage
	if other.Storage.Driver != "" {
		c.Storage.Driver = other.Storage.Driver
	}
	if other.Storage.DSN != "" {
		c.Storage.DSN = other.Storage.DSN
	}
	if other.Storage.MaxOpenConns != 0 {
		c.Storage.MaxOpenConns = other.Storage.MaxOpenConns
	}
	if other.Storage.MaxIdleConns != 0 {
		c.Storage.MaxIdleConns = other.Storage.MaxIdleConns
	}
	if other.Storage.ConnMaxLifetime != "" {
		c.Storage.ConnMaxLifetime = other.Storage.ConnMaxLifetime
	}

	// NATS
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}
	if other.NATS.SubjectPrefix != "" {
		c.NATS.SubjectPrefix = other.NATS.SubjectPrefix
	}
	if other.NATS.StreamName != "" {
		c.NATS.StreamName = other.NATS.StreamName
	}

	// Logging
	if other.Logging.Level != "" {
		c.Logging.Level = other.Logging.Level
	}
	if other.Logging.Format != "" {
		c.Logging.Format = other.Logging.Format
	}

	// Execution
	if other.Execution.WorkerCount != 0 {
		c.Execution.WorkerCount = other.Execution.WorkerCount
	}
	if other.Execution.MinConcurrentSteps != 0 {
		c.Execution.MinConcurrentSteps = other.Execution.MinConcurrentSteps
	}
	if other.Execution.MaxConcurrentStepsLimit != 0 {
		c.Execution.MaxConcurrentStepsLimit = other.Execution.MaxConcurrentStepsLimit
	}
	if other.Execution.ConcurrencyCacheDuration != "" {
		c.Execution.ConcurrencyCacheDuration = other.Execution.ConcurrencyCacheDuration
	}
	if other.Execution.PerStepTimeout != "" {
		c.Execution.PerStepTimeout = other.Execution.PerStepTimeout
	}
	if other.Execution.DedupWindow != "" {
		c.Execution.DedupWindow = other.Execution.DedupWindow
	}
	if other.Execution.MaxCoordinatorIterations != 0 {
		c.Execution.MaxCoordinatorIterations = other.Execution.MaxCoordinatorIterations
	}

	// Backoff
	if len(other.Backoff.DefaultBackoffSeconds) > 0 {
		c.Backoff.DefaultBackoffSeconds = other.Backoff.DefaultBackoffSeconds
	}
	if other.Backoff.MaxBackoffSeconds != 0 {
		c.Backoff.MaxBackoffSeconds = other.Backoff.MaxBackoffSeconds
	}
	if other.Backoff.JitterFactor != 0 {
		c.Backoff.JitterFactor = other.Backoff.JitterFactor
	}
	if other.Backoff.FailureBackoffCapSeconds != 0 {
		c.Backoff.FailureBackoffCapSeconds = other.Backoff.FailureBackoffCapSeconds
	}
	if other.Backoff.ReenqueueDelays.Processing != 0 {
		c.Backoff.ReenqueueDelays.Processing = other.Backoff.ReenqueueDelays.Processing
	}
	if other.Backoff.ReenqueueDelays.WaitingForDependencies != 0 {
		c.Backoff.ReenqueueDelays.WaitingForDependencies = other.Backoff.ReenqueueDelays.WaitingForDependencies
	}
	if other.Backoff.ReenqueueDelays.BlockedByFailures != 0 {
		c.Backoff.ReenqueueDelays.BlockedByFailures = other.Backoff.ReenqueueDelays.BlockedByFailures
	}
	if other.Backoff.ReenqueueDelays.HasReadySteps != 0 {
		c.Backoff.ReenqueueDelays.HasReadySteps = other.Backoff.ReenqueueDelays.HasReadySteps
	}

	// Graph
	if other.Graph.PathLengthWeight != 0 {
		c.Graph.PathLengthWeight = other.Graph.PathLengthWeight
	}
	if other.Graph.FanoutWeight != 0 {
		c.Graph.FanoutWeight = other.Graph.FanoutWeight
	}
	if other.Graph.BottleneckThreshold != 0 {
		c.Graph.BottleneckThreshold = other.Graph.BottleneckThreshold
	}

	// Health
	if other.Health.CacheDuration != "" {
		c.Health.CacheDuration = other.Health.CacheDuration
	}
}
