package backoff

import (
	"math/rand"
	"testing"
	"time"
)

func TestDefaultConfig_Valid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config failed validation: %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty sequence", func(c *Config) { c.DefaultBackoffSeconds = nil }},
		{"non-positive entry", func(c *Config) { c.DefaultBackoffSeconds = []int{1, 0, 4} }},
		{"decreasing sequence", func(c *Config) { c.DefaultBackoffSeconds = []int{4, 2, 1} }},
		{"zero max", func(c *Config) { c.MaxBackoffSeconds = 0 }},
		{"negative jitter", func(c *Config) { c.JitterFactor = -0.1 }},
		{"jitter too large", func(c *Config) { c.JitterFactor = 1.0 }},
		{"zero failure cap", func(c *Config) { c.FailureBackoffCapSeconds = 0 }},
		{"negative reenqueue delay", func(c *Config) { c.ReenqueueDelays.Processing = -1 }},
	}

	for _, tc := range cases {
		cfg := DefaultConfig()
		tc.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestCalculator_BaseDelaySequence(t *testing.T) {
	calc := New(DefaultConfig())

	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second,
		8 * time.Second, 16 * time.Second, 32 * time.Second,
	}
	for attempts := 1; attempts <= len(want); attempts++ {
		if got := calc.BaseDelay(attempts); got != want[attempts-1] {
			t.Errorf("BaseDelay(%d) = %v, want %v", attempts, got, want[attempts-1])
		}
	}

	// Past the end of the sequence the delay clamps to the last entry.
	if got := calc.BaseDelay(50); got != 32*time.Second {
		t.Errorf("BaseDelay(50) = %v, want 32s", got)
	}

	// Attempt counts below one behave like the first attempt.
	if got := calc.BaseDelay(0); got != 1*time.Second {
		t.Errorf("BaseDelay(0) = %v, want 1s", got)
	}
}

func TestCalculator_MonotonicBaseDelay(t *testing.T) {
	calc := New(DefaultConfig())

	prev := time.Duration(0)
	for attempts := 1; attempts <= 20; attempts++ {
		d := calc.BaseDelay(attempts)
		if d < prev {
			t.Fatalf("BaseDelay(%d) = %v decreased from %v", attempts, d, prev)
		}
		prev = d
	}
}

func TestCalculator_JitterBounds(t *testing.T) {
	calc := NewWithSource(DefaultConfig(), rand.NewSource(1))

	for attempts := 1; attempts <= 8; attempts++ {
		base := calc.BaseDelay(attempts)
		lo := time.Duration(float64(base) * 0.9)
		hi := time.Duration(float64(base) * 1.1)
		for i := 0; i < 200; i++ {
			d := calc.Delay(attempts)
			if d < lo || d > hi {
				t.Fatalf("Delay(%d) = %v outside [%v, %v]", attempts, d, lo, hi)
			}
		}
	}
}

func TestCalculator_ZeroJitterIsExact(t *testing.T) {
	cfg := DefaultConfig()
	cfg.JitterFactor = 0
	calc := New(cfg)

	for attempts := 1; attempts <= 6; attempts++ {
		if calc.Delay(attempts) != calc.BaseDelay(attempts) {
			t.Errorf("Delay(%d) with zero jitter deviated from base", attempts)
		}
	}
}

func TestCalculator_MaxBackoffCeiling(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultBackoffSeconds = []int{1, 500, 1000}
	calc := New(cfg)

	for attempts := 1; attempts <= 10; attempts++ {
		if d := calc.Delay(attempts); d > 300*time.Second {
			t.Fatalf("Delay(%d) = %v exceeds max_backoff_seconds", attempts, d)
		}
	}
}

func TestCalculator_NextRetryAtServerHint(t *testing.T) {
	calc := New(DefaultConfig())
	failedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	hint := 60
	got := calc.NextRetryAt(1, failedAt, &hint)
	if want := failedAt.Add(60 * time.Second); !got.Equal(want) {
		t.Errorf("NextRetryAt with hint = %v, want %v", got, want)
	}

	// The hint wins even when the sequence would say otherwise, but is
	// still capped.
	hint = 9000
	got = calc.NextRetryAt(1, failedAt, &hint)
	if want := failedAt.Add(300 * time.Second); !got.Equal(want) {
		t.Errorf("NextRetryAt with oversized hint = %v, want %v", got, want)
	}

	hint = -5
	got = calc.NextRetryAt(1, failedAt, &hint)
	if !got.Equal(failedAt) {
		t.Errorf("NextRetryAt with negative hint = %v, want %v", got, failedAt)
	}
}

func TestCalculator_NextRetryAtWithoutHint(t *testing.T) {
	cfg := DefaultConfig()
	cfg.JitterFactor = 0
	calc := New(cfg)
	failedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	got := calc.NextRetryAt(3, failedAt, nil)
	if want := failedAt.Add(4 * time.Second); !got.Equal(want) {
		t.Errorf("NextRetryAt(3) = %v, want %v", got, want)
	}
}
