// Package backoff computes retry delays for failed workflow steps:
// a configurable base sequence with uniform jitter, a hard ceiling, and
// precedence for server-requested delays such as HTTP Retry-After.
package backoff

import (
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// Config is the externally configurable backoff policy.
type Config struct {
	// DefaultBackoffSeconds is the base delay sequence indexed by attempt
	// number (clamped to the last entry).
	DefaultBackoffSeconds []int `yaml:"default_backoff_seconds" json:"default_backoff_seconds"`

	// MaxBackoffSeconds is a hard ceiling on any computed delay, including
	// server-requested ones.
	MaxBackoffSeconds int `yaml:"max_backoff_seconds" json:"max_backoff_seconds"`

	// JitterFactor spreads each delay by ±factor×base, uniformly.
	JitterFactor float64 `yaml:"jitter_factor" json:"jitter_factor"`

	// FailureBackoffCapSeconds caps the exponential window the readiness
	// evaluation applies to failed steps (min(2^attempts, cap)). It is
	// intentionally separate from MaxBackoffSeconds: the cap is baked into
	// the readiness computation at the persistence layer.
	FailureBackoffCapSeconds int `yaml:"failure_backoff_cap_seconds" json:"failure_backoff_cap_seconds"`

	// ReenqueueDelays are the per-status delays the reenqueuer hands to the
	// job queue.
	ReenqueueDelays ReenqueueDelays `yaml:"reenqueue_delays" json:"reenqueue_delays"`
}

// ReenqueueDelays configures the delay, in seconds, for each execution
// status that leads to a reenqueue. BlockedByFailures acts as the maximum:
// the actual delay is min(earliest next retry − now, BlockedByFailures).
type ReenqueueDelays struct {
	HasReadySteps          int `yaml:"has_ready_steps" json:"has_ready_steps"`
	Processing             int `yaml:"processing" json:"processing"`
	WaitingForDependencies int `yaml:"waiting_for_dependencies" json:"waiting_for_dependencies"`
	BlockedByFailures      int `yaml:"blocked_by_failures" json:"blocked_by_failures"`
}

// DefaultConfig returns the default backoff policy.
func DefaultConfig() Config {
	return Config{
		DefaultBackoffSeconds:    []int{1, 2, 4, 8, 16, 32},
		MaxBackoffSeconds:        300,
		JitterFactor:             0.1,
		FailureBackoffCapSeconds: 30,
		ReenqueueDelays: ReenqueueDelays{
			HasReadySteps:          0,
			Processing:             10,
			WaitingForDependencies: 45,
			BlockedByFailures:      300,
		},
	}
}

// Validate checks the policy. The sequence must be positive and
// non-decreasing so delays stay monotonic in the attempt count.
func (c Config) Validate() error {
	if len(c.DefaultBackoffSeconds) == 0 {
		return fmt.Errorf("default_backoff_seconds must not be empty")
	}
	prev := 0
	for i, s := range c.DefaultBackoffSeconds {
		if s <= 0 {
			return fmt.Errorf("default_backoff_seconds[%d] must be positive", i)
		}
		if s < prev {
			return fmt.Errorf("default_backoff_seconds must be non-decreasing (entry %d)", i)
		}
		prev = s
	}
	if c.MaxBackoffSeconds <= 0 {
		return fmt.Errorf("max_backoff_seconds must be positive")
	}
	if c.JitterFactor < 0 || c.JitterFactor >= 1 {
		return fmt.Errorf("jitter_factor must be in [0, 1)")
	}
	if c.FailureBackoffCapSeconds <= 0 {
		return fmt.Errorf("failure_backoff_cap_seconds must be positive")
	}
	if c.ReenqueueDelays.HasReadySteps < 0 ||
		c.ReenqueueDelays.Processing < 0 ||
		c.ReenqueueDelays.WaitingForDependencies < 0 ||
		c.ReenqueueDelays.BlockedByFailures < 0 {
		return fmt.Errorf("reenqueue_delays must not be negative")
	}
	return nil
}

// Calculator computes retry delays under one Config. Safe for concurrent
// use.
type Calculator struct {
	cfg Config

	mu  sync.Mutex
	rng *rand.Rand
}

// New creates a Calculator with a time-seeded jitter source.
func New(cfg Config) *Calculator {
	return NewWithSource(cfg, rand.NewSource(time.Now().UnixNano()))
}

// NewWithSource creates a Calculator with the given jitter source, used by
// tests that need deterministic delays.
func NewWithSource(cfg Config, src rand.Source) *Calculator {
	return &Calculator{cfg: cfg, rng: rand.New(src)}
}

// BaseDelay returns the un-jittered delay for the given post-increment
// attempt count: sequence entry attempts−1, clamped to the last entry and to
// MaxBackoffSeconds.
func (c *Calculator) BaseDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	idx := attempts - 1
	if idx >= len(c.cfg.DefaultBackoffSeconds) {
		idx = len(c.cfg.DefaultBackoffSeconds) - 1
	}
	seconds := c.cfg.DefaultBackoffSeconds[idx]
	if seconds > c.cfg.MaxBackoffSeconds {
		seconds = c.cfg.MaxBackoffSeconds
	}
	return time.Duration(seconds) * time.Second
}

// Delay returns the jittered delay for the given attempt count, clamped to
// [0, MaxBackoffSeconds].
func (c *Calculator) Delay(attempts int) time.Duration {
	base := c.BaseDelay(attempts)
	if c.cfg.JitterFactor == 0 {
		return base
	}

	c.mu.Lock()
	offset := (c.rng.Float64()*2 - 1) * c.cfg.JitterFactor
	c.mu.Unlock()

	jittered := time.Duration(float64(base) * (1 + offset))
	if jittered < 0 {
		jittered = 0
	}
	if max := time.Duration(c.cfg.MaxBackoffSeconds) * time.Second; jittered > max {
		jittered = max
	}
	return jittered
}

// NextRetryAt computes when a step that failed at failedAt becomes eligible
// again. A server-requested hint takes precedence over the sequence and is
// applied without jitter, capped by MaxBackoffSeconds.
func (c *Calculator) NextRetryAt(attempts int, failedAt time.Time, serverHint *int) time.Time {
	if serverHint != nil {
		seconds := *serverHint
		if seconds < 0 {
			seconds = 0
		}
		if seconds > c.cfg.MaxBackoffSeconds {
			seconds = c.cfg.MaxBackoffSeconds
		}
		return failedAt.Add(time.Duration(seconds) * time.Second)
	}
	return failedAt.Add(c.Delay(attempts))
}

// Config returns the policy the calculator was built with.
func (c *Calculator) Config() Config {
	return c.cfg
}
