package engine

import (
	"context"
	"sync"
	"time"

	"github.com/c360studio/taskgraph/storage"
)

// HealthSnapshot reports the engine's view of its own dependencies.
type HealthSnapshot struct {
	Status             string            `json:"status"`
	StoreReachable     bool              `json:"store_reachable"`
	RegisteredHandlers int               `json:"registered_handlers"`
	Pool               storage.PoolStats `json:"pool"`
	CheckedAt          time.Time         `json:"checked_at"`
}

// healthCache computes snapshots lazily and serves the cached copy until it
// expires, so health probes cannot hammer the store.
type healthCache struct {
	engine   *Engine
	cacheFor time.Duration

	mu       sync.Mutex
	cached   HealthSnapshot
	cachedAt time.Time
}

func newHealthCache(e *Engine, cacheFor time.Duration) *healthCache {
	return &healthCache{engine: e, cacheFor: cacheFor}
}

// Health returns the current snapshot, recomputing it when the cached one
// has expired.
func (e *Engine) Health(ctx context.Context) HealthSnapshot {
	return e.health.snapshot(ctx)
}

func (h *healthCache) snapshot(ctx context.Context) HealthSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.engine.now()
	if !h.cachedAt.IsZero() && now.Sub(h.cachedAt) < h.cacheFor {
		return h.cached
	}

	h.cached = h.compute(ctx, now)
	h.cachedAt = now
	return h.cached
}

func (h *healthCache) compute(ctx context.Context, now time.Time) HealthSnapshot {
	snap := HealthSnapshot{
		Pool:      h.engine.store.PoolStats(),
		CheckedAt: now,
	}

	// A cheap bounded query doubles as the liveness probe.
	_, err := h.engine.store.ListTasks(ctx, storage.TaskFilter{Limit: 1})
	snap.StoreReachable = err == nil

	if infos, listErr := h.engine.registry.List(""); listErr == nil {
		snap.RegisteredHandlers = len(infos)
	}

	if snap.StoreReachable {
		snap.Status = "ok"
	} else {
		snap.Status = "degraded"
	}
	return snap
}
