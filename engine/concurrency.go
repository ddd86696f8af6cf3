package engine

import (
	"sync"
	"time"

	"github.com/c360studio/taskgraph/storage"
)

// connectionReserve is the number of pool connections kept free for
// transitions and readiness queries while steps execute.
const connectionReserve = 2

// concurrencyCalculator derives the per-iteration step concurrency bound
// from database pool headroom, clamped to the configured interval. The
// result is cached so a hot coordinator loop does not hammer pool stats.
type concurrencyCalculator struct {
	stats    func() storage.PoolStats
	min      int
	max      int
	cacheFor time.Duration
	now      func() time.Time

	mu       sync.Mutex
	cached   int
	cachedAt time.Time
}

func newConcurrencyCalculator(stats func() storage.PoolStats, min, max int, cacheFor time.Duration, now func() time.Time) *concurrencyCalculator {
	if min < 1 {
		min = 1
	}
	if max < min {
		max = min
	}
	return &concurrencyCalculator{
		stats:    stats,
		min:      min,
		max:      max,
		cacheFor: cacheFor,
		now:      now,
	}
}

// Limit returns the current concurrency bound.
func (c *concurrencyCalculator) Limit() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.cached > 0 && now.Sub(c.cachedAt) < c.cacheFor {
		return c.cached
	}

	limit := c.compute()
	c.cached = limit
	c.cachedAt = now
	return limit
}

func (c *concurrencyCalculator) compute() int {
	stats := c.stats()
	if stats.MaxOpen <= 0 {
		// Unbounded pool (memory store); the configured ceiling governs.
		return c.max
	}
	headroom := stats.MaxOpen - stats.InUse - connectionReserve
	if headroom < c.min {
		return c.min
	}
	if headroom > c.max {
		return c.max
	}
	return headroom
}
