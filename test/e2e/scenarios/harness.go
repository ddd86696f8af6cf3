package scenarios

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/c360studio/taskgraph/config"
	"github.com/c360studio/taskgraph/engine"
	"github.com/c360studio/taskgraph/events"
	"github.com/c360studio/taskgraph/queue"
	"github.com/c360studio/taskgraph/registry"
	"github.com/c360studio/taskgraph/storage"
	"github.com/c360studio/taskgraph/storage/memory"
	"github.com/c360studio/taskgraph/storage/postgres"
	"github.com/c360studio/taskgraph/workflow"
)

// pollInterval is how often state waits re-read the store.
const pollInterval = 25 * time.Millisecond

// harness runs one engine for the duration of a scenario: the configured
// store, an in-process queue, a fanout event feed with a recorder on it,
// and the worker pool.
type harness struct {
	opts Options

	store       storage.Store
	queue       *queue.Memory
	fanout      *events.Fanout
	recorder    *eventRecorder
	unsubscribe func()
	registry    *registry.Registry
	engine      *engine.Engine

	cancelRun context.CancelFunc
	runDone   chan error
}

func newHarness(opts Options) *harness {
	return &harness{opts: opts}
}

// start builds the backends and the engine, registers the scenario's
// workflow, and launches the worker pool.
func (h *harness) start(ctx context.Context, register func(*registry.Registry) error) error {
	logger := h.opts.logger()

	store, err := h.openStore(ctx)
	if err != nil {
		return err
	}
	h.store = store

	h.queue = queue.NewMemory(0, logger)
	h.fanout = events.NewFanout(256, logger)

	feed, unsubscribe := h.fanout.Subscribe()
	h.unsubscribe = unsubscribe
	h.recorder = newEventRecorder()
	go h.recorder.consume(feed)

	h.registry = registry.New(logger)
	if err := register(h.registry); err != nil {
		return fmt.Errorf("register workflow: %w", err)
	}

	eng, err := engine.New(engine.Options{
		Store:     h.store,
		Queue:     h.queue,
		Registry:  h.registry,
		Publisher: h.fanout,
		Config:    config.DefaultConfig(),
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	h.engine = eng

	runCtx, cancel := context.WithCancel(context.Background())
	h.cancelRun = cancel
	h.runDone = make(chan error, 1)
	go func() {
		h.runDone <- eng.Run(runCtx)
	}()

	return nil
}

// stop tears the harness down in reverse order of start.
func (h *harness) stop() error {
	if h.cancelRun != nil {
		h.cancelRun()
		<-h.runDone
	}
	if h.queue != nil {
		if err := h.queue.Close(); err != nil {
			return fmt.Errorf("close queue: %w", err)
		}
	}
	if h.unsubscribe != nil {
		h.unsubscribe()
	}
	if h.fanout != nil {
		h.fanout.Close()
	}
	if h.store != nil {
		return h.store.Close()
	}
	return nil
}

func (h *harness) openStore(ctx context.Context) (storage.Store, error) {
	switch h.opts.Backend {
	case "", "memory":
		return memory.New(), nil
	case "postgres":
		if h.opts.DSN == "" {
			return nil, fmt.Errorf("postgres backend requires a DSN")
		}
		if err := migrateDatabase(ctx, h.opts.DSN); err != nil {
			return nil, err
		}
		return postgres.Open(ctx, h.opts.DSN, postgres.DefaultPoolConfig(),
			postgres.WithLogger(h.opts.logger()))
	default:
		return nil, fmt.Errorf("unknown backend %q", h.opts.Backend)
	}
}

// migrateDatabase brings the schema up to date on a throwaway connection.
func migrateDatabase(ctx context.Context, dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	if err := postgres.Migrate(ctx, db); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// waitTaskState polls until the task reaches the wanted state or the
// context expires.
func (h *harness) waitTaskState(ctx context.Context, taskID string, want workflow.TaskState) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var last workflow.TaskState
	for {
		state, err := h.store.TaskState(ctx, taskID)
		if err == nil {
			if state == want {
				return nil
			}
			last = state
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("task %s did not reach %s (last seen %s): %w", taskID, want, last, ctx.Err())
		case <-ticker.C:
		}
	}
}

// readinessByName indexes the current readiness snapshot by step name.
func (h *harness) readinessByName(ctx context.Context, taskID string) (map[string]*storage.StepReadiness, error) {
	snapshot, err := h.store.StepReadiness(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("load step readiness: %w", err)
	}
	rows := make(map[string]*storage.StepReadiness, len(snapshot))
	for _, row := range snapshot {
		rows[row.Name] = row
	}
	return rows, nil
}

// eventRecorder counts lifecycle events by name as the fanout delivers
// them.
type eventRecorder struct {
	mu     sync.Mutex
	counts map[string]int
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{counts: make(map[string]int)}
}

func (r *eventRecorder) consume(feed <-chan events.Envelope) {
	for evt := range feed {
		r.mu.Lock()
		r.counts[evt.Name]++
		r.mu.Unlock()
	}
}

func (r *eventRecorder) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[name]
}

// waitCount blocks until at least n events with the given name arrived.
// Publication is asynchronous relative to state writes, so assertions on
// the feed go through here rather than reading counts directly.
func (r *eventRecorder) waitCount(ctx context.Context, name string, n int) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if r.count(name) >= n {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("saw %d %s events, want %d: %w", r.count(name), name, n, ctx.Err())
		case <-ticker.C:
		}
	}
}
