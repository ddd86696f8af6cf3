// Package engine orchestrates durable task execution: it accepts
// submissions, instantiates workflow templates into persistent step DAGs,
// executes ready steps with bounded concurrency, and drives every task to a
// terminal state through guarded transitions. All authoritative state lives
// in the storage layer; the engine itself can be restarted at any point and
// redelivered jobs are harmless.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/c360studio/taskgraph/backoff"
	"github.com/c360studio/taskgraph/config"
	"github.com/c360studio/taskgraph/events"
	"github.com/c360studio/taskgraph/graph"
	"github.com/c360studio/taskgraph/queue"
	"github.com/c360studio/taskgraph/registry"
	"github.com/c360studio/taskgraph/storage"
	"github.com/c360studio/taskgraph/workflow"
)

// redeliveryDelay is how long a job is parked when its handling fails with
// an infrastructure error.
const redeliveryDelay = 5 * time.Second

// Options wires an Engine. Store and Queue are required; everything else
// has a working default.
type Options struct {
	Store      storage.Store
	Queue      queue.Queue
	Registry   *registry.Registry
	Publisher  events.Publisher
	Config     *config.Config
	Logger     *slog.Logger
	Registerer prometheus.Registerer
	Clock      func() time.Time
}

// Engine is the orchestration facade: submission, introspection,
// cancellation, and the coordinator loop that job deliveries invoke.
type Engine struct {
	store      storage.Store
	queue      queue.Queue
	registry   *registry.Registry
	publisher  events.Publisher
	logger     *slog.Logger
	metrics    *Metrics
	calculator *backoff.Calculator

	execCfg    config.ExecutionConfig
	backoffCfg backoff.Config
	graphCfg   graph.AnalysisConfig

	concurrency *concurrencyCalculator
	health      *healthCache
	taskMachine workflow.TaskStateMachine

	now func() time.Time
}

// New validates the options and builds an engine.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("engine: store is required")
	}
	if opts.Queue == nil {
		return nil, fmt.Errorf("engine: queue is required")
	}

	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reg := opts.Registry
	if reg == nil {
		reg = registry.New(logger)
	}
	publisher := opts.Publisher
	if publisher == nil {
		publisher = events.Noop{}
	}
	now := opts.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	e := &Engine{
		store:      opts.Store,
		queue:      opts.Queue,
		registry:   reg,
		publisher:  publisher,
		logger:     logger,
		metrics:    NewMetrics(opts.Registerer),
		calculator: backoff.New(cfg.Backoff),
		execCfg:    cfg.Execution,
		backoffCfg: cfg.Backoff,
		graphCfg:   cfg.Graph,
		now:        now,
	}
	e.concurrency = newConcurrencyCalculator(
		opts.Store.PoolStats,
		cfg.Execution.MinConcurrentSteps,
		cfg.Execution.MaxConcurrentStepsLimit,
		cfg.Execution.GetConcurrencyCacheDuration(),
		now,
	)
	e.health = newHealthCache(e, cfg.Health.GetCacheDuration())
	return e, nil
}

// Registry exposes the handler registry so applications can register
// workflows before calling Run.
func (e *Engine) Registry() *registry.Registry {
	return e.registry
}

// TaskDetails is the introspection view of one task.
type TaskDetails struct {
	Task                 *workflow.Task           `json:"task"`
	Steps                []*workflow.WorkflowStep `json:"workflow_steps"`
	State                workflow.TaskState       `json:"state"`
	Status               ExecutionStatus          `json:"status"`
	Health               HealthStatus             `json:"health"`
	CompletionPercentage float64                  `json:"completion_percentage"`
}

// GetTask returns the task, its steps, and the derived execution summary.
func (e *Engine) GetTask(ctx context.Context, taskID string) (*TaskDetails, error) {
	task, err := e.store.TaskByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	state, err := e.store.TaskState(ctx, taskID)
	if err != nil {
		return nil, err
	}
	steps, err := e.store.StepsByTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	snapshot, err := e.store.StepReadiness(ctx, taskID)
	if err != nil {
		return nil, err
	}
	ec := NewExecutionContext(taskID, snapshot)

	return &TaskDetails{
		Task:                 task,
		Steps:                steps,
		State:                state,
		Status:               ec.Status,
		Health:               ec.Health,
		CompletionPercentage: ec.CompletionPercentage,
	}, nil
}

// CancelTask cancels a pending or in-progress task. Cancelling a task that
// is already cancelled is a no-op; in-flight steps are not interrupted, the
// coordinator observes the terminal state at its next loop boundary.
func (e *Engine) CancelTask(ctx context.Context, taskID, reason string) error {
	state, err := e.store.TaskState(ctx, taskID)
	if err != nil {
		return err
	}

	meta := &workflow.TransitionMetadata{Reason: reason}
	err = e.store.TransitionTask(ctx, taskID, state, workflow.TaskStateCancelled, meta)
	if err != nil {
		if errors.Is(err, workflow.ErrSameState) {
			return nil
		}
		return err
	}

	e.metrics.TasksCompleted.WithLabelValues(string(workflow.TaskStateCancelled)).Inc()
	e.logger.Info("Task cancelled", "task_id", taskID, "reason", reason)
	e.publish(ctx, events.TaskCancelled, taskID, events.TaskCancelledPayload{Reason: reason})
	return nil
}

// ResolveStep marks a blocked step as manually resolved so its dependents
// can proceed, then schedules another execution pass.
func (e *Engine) ResolveStep(ctx context.Context, stepID, reason string) error {
	step, err := e.store.StepByID(ctx, stepID)
	if err != nil {
		return err
	}
	if err := e.store.ResolveStepManually(ctx, stepID, reason); err != nil {
		if errors.Is(err, workflow.ErrSameState) {
			return nil
		}
		return err
	}
	return e.queue.Enqueue(ctx, step.TaskID, 0)
}

// ListHandlers enumerates registered workflows matching the glob pattern;
// an empty pattern lists everything.
func (e *Engine) ListHandlers(pattern string) ([]registry.Info, error) {
	return e.registry.List(pattern)
}

// GraphNode is one step template in a dependency-graph view.
type GraphNode struct {
	Name            string `json:"name"`
	DependentSystem string `json:"dependent_system,omitempty"`
	Skippable       bool   `json:"skippable,omitempty"`
	Level           int    `json:"level"`
}

// GraphEdge is one dependency in a dependency-graph view.
type GraphEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// GraphView is the introspection form of a registered workflow's DAG.
type GraphView struct {
	Nodes          []GraphNode    `json:"nodes"`
	Edges          []GraphEdge    `json:"edges"`
	ExecutionOrder []string       `json:"execution_order"`
	Analysis       graph.Analysis `json:"analysis"`
}

// DependencyGraph returns the DAG of a registered workflow.
func (e *Engine) DependencyGraph(namespace, name, version string) (*GraphView, error) {
	desc, err := e.registry.Get(namespace, name, version)
	if err != nil {
		return nil, err
	}
	g := desc.Graph()
	levels := g.Levels()

	view := &GraphView{
		ExecutionOrder: g.TopologicalOrder(),
		Analysis:       g.Analyze(e.graphCfg),
	}
	for _, stepName := range view.ExecutionOrder {
		tpl, _ := g.Template(stepName)
		view.Nodes = append(view.Nodes, GraphNode{
			Name:            tpl.Name,
			DependentSystem: tpl.DependentSystem,
			Skippable:       tpl.Skippable,
			Level:           levels[stepName],
		})
		for _, parent := range g.ParentsOf(stepName) {
			view.Edges = append(view.Edges, GraphEdge{From: parent, To: stepName})
		}
	}
	return view, nil
}

// Run consumes job deliveries with a pool of workers until ctx is cancelled
// or the queue closes. Failed handling naks the delivery for redelivery;
// everything else acks.
func (e *Engine) Run(ctx context.Context) error {
	workers := e.execCfg.WorkerCount
	if workers <= 0 {
		workers = 4
	}
	e.logger.Info("Engine running", "workers", workers)

	group, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		group.Go(func() error {
			return e.worker(ctx)
		})
	}
	err := group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (e *Engine) worker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-e.queue.Deliveries():
			if !ok {
				return nil
			}
			e.handleDelivery(ctx, delivery)
		}
	}
}

func (e *Engine) handleDelivery(ctx context.Context, delivery queue.Delivery) {
	taskID := delivery.Job.TaskID
	if err := e.HandleTask(ctx, taskID); err != nil {
		e.logger.Error("Task handling failed; job will be redelivered",
			"task_id", taskID, "error", err)
		delivery.Nak(redeliveryDelay)
		return
	}
	delivery.Ack()
}

// publish emits a task-scoped event; failures are logged, never fatal.
func (e *Engine) publish(ctx context.Context, name, taskID string, payload any) {
	evt, err := events.New(name, taskID, e.now(), payload)
	if err != nil {
		e.logger.Warn("Event build failed", "event", name, "task_id", taskID, "error", err)
		return
	}
	if err := e.publisher.Publish(ctx, evt); err != nil {
		e.logger.Warn("Event publish failed", "event", name, "task_id", taskID, "error", err)
	}
}

// publishStep emits a step-scoped event; failures are logged, never fatal.
func (e *Engine) publishStep(ctx context.Context, name, taskID, stepID string, payload any) {
	evt, err := events.NewStep(name, taskID, stepID, e.now(), payload)
	if err != nil {
		e.logger.Warn("Event build failed", "event", name, "step_id", stepID, "error", err)
		return
	}
	if err := e.publisher.Publish(ctx, evt); err != nil {
		e.logger.Warn("Event publish failed", "event", name, "step_id", stepID, "error", err)
	}
}
