// Package storage defines the persistence contract for taskgraph.
//
// A Store keeps tasks, workflow steps, dependency edges, and the
// append-only transition history that is the source of truth for
// current state. Every task and step carries at least one transition
// (the initial move to pending, written by CreateTask), and exactly one
// transition per subject has MostRecent set.
package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/c360studio/taskgraph/workflow"
)

// PoolStats reports connection-pool capacity for the dynamic
// concurrency calculator. In-memory stores report synthetic values.
type PoolStats struct {
	MaxOpen int
	InUse   int
}

// TaskFilter narrows ListTasks results. Zero values match everything.
type TaskFilter struct {
	Namespace string
	Name      string
	State     workflow.TaskState
	Limit     int
}

// TaskSummary pairs a task with its current state so listings do not
// need a follow-up state lookup per row.
type TaskSummary struct {
	Task  *workflow.Task
	State workflow.TaskState
}

// StepReadiness is one row of the readiness view: everything the
// engine needs to decide whether a step may execute right now, fetched
// for all steps of a task in a single query.
type StepReadiness struct {
	StepID                string
	TaskID                string
	Name                  string
	CurrentState          workflow.StepState
	DependenciesSatisfied bool
	RetryEligible         bool
	ReadyForExecution     bool
	NextRetryAt           *time.Time
	LastFailureAt         *time.Time
	LastAttemptedAt       *time.Time
	TotalParents          int
	CompletedParents      int
	Attempts              int
	RetryLimit            int
	Retryable             bool
	BackoffRequestSeconds *int
	InProcess             bool
	Processed             bool
}

// Derive computes the readiness verdict from the raw facts already set on r.
// backoffUntil is the earliest permissible next attempt implied by either an
// explicit server-requested backoff or the failure window; nil means no
// backoff applies. Both store backends delegate here so the formula cannot
// drift between them.
func (r *StepReadiness) Derive(now time.Time, backoffUntil *time.Time) {
	r.DependenciesSatisfied = r.TotalParents == 0 || r.CompletedParents == r.TotalParents
	r.RetryEligible = r.Attempts < r.RetryLimit && (r.Attempts == 0 || r.Retryable)
	r.NextRetryAt = nil
	if r.RetryEligible && backoffUntil != nil {
		t := *backoffUntil
		r.NextRetryAt = &t
		if now.Before(t) {
			r.RetryEligible = false
		}
	}
	r.ReadyForExecution = (r.CurrentState == workflow.StepStatePending || r.CurrentState == workflow.StepStateError) &&
		!r.Processed && !r.InProcess && r.DependenciesSatisfied && r.RetryEligible
}

// ReadinessConfig tunes the backoff window used by the readiness
// computation. The failure backoff doubles per attempt and is capped
// so a step never waits longer than the cap without an explicit
// server-requested delay.
type ReadinessConfig struct {
	FailureBackoffCapSeconds int `json:"failure_backoff_cap_seconds" yaml:"failure_backoff_cap_seconds"`
}

// DefaultReadinessConfig returns the standard readiness window.
func DefaultReadinessConfig() ReadinessConfig {
	return ReadinessConfig{FailureBackoffCapSeconds: 30}
}

// FailureWindow returns the exponential re-check window after a failure:
// min(2^max(attempts,1), cap) seconds.
func (c ReadinessConfig) FailureWindow(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	capSeconds := c.FailureBackoffCapSeconds
	if capSeconds <= 0 {
		capSeconds = DefaultReadinessConfig().FailureBackoffCapSeconds
	}
	seconds := 1
	for i := 0; i < attempts; i++ {
		seconds *= 2
		if seconds >= capSeconds {
			return time.Duration(capSeconds) * time.Second
		}
	}
	return time.Duration(seconds) * time.Second
}

// BackoffGate returns the time before which a failed step may not retry, or
// nil when no backoff window applies. An explicit server-requested backoff
// measured from the last attempt takes precedence over the exponential window
// measured from the last failure. Both store backends delegate here.
func (c ReadinessConfig) BackoffGate(attempts int, lastAttemptedAt *time.Time, backoffHint *int, lastFailureAt *time.Time) *time.Time {
	if backoffHint != nil && lastAttemptedAt != nil {
		gate := lastAttemptedAt.Add(time.Duration(*backoffHint) * time.Second)
		return &gate
	}
	if lastFailureAt != nil {
		gate := lastFailureAt.Add(c.FailureWindow(attempts))
		return &gate
	}
	return nil
}

// Store is the persistence boundary. Implementations must make every
// state-changing method atomic: a crash between the writes of a single
// method must not be observable.
//
// Guarded transitions: TransitionTask, TransitionStep, ClaimStep,
// CompleteStep, and FailStep append a transition only when the
// subject's current most-recent state equals the expected from-state.
// A stale guard returns workflow.ErrConcurrencyConflict; callers that
// lost a claim race treat it as benign.
type Store interface {
	// Reference data. Ensure* methods upsert and return the canonical row.
	EnsureNamespace(ctx context.Context, name string) (*workflow.TaskNamespace, error)
	EnsureNamedTask(ctx context.Context, namespaceID, name, version string) (*workflow.NamedTask, error)
	EnsureNamedStep(ctx context.Context, name, dependentSystem string) (*workflow.NamedStep, error)

	// CreateTask persists the task, its steps, and its edges as one unit
	// and appends the initial pending transitions for the task and every
	// step. Steps and edges are never added to an existing task.
	CreateTask(ctx context.Context, task *workflow.Task, steps []*workflow.WorkflowStep, edges []workflow.StepEdge) error

	TaskByID(ctx context.Context, taskID string) (*workflow.Task, error)
	// TaskByIdentityHash returns the newest task with the given identity
	// hash created within the window, or ErrNotFound.
	TaskByIdentityHash(ctx context.Context, hash string, window time.Duration) (*workflow.Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]TaskSummary, error)
	TaskState(ctx context.Context, taskID string) (workflow.TaskState, error)

	// TransitionTask appends a guarded task transition and maintains the
	// denormalized tasks.complete flag.
	TransitionTask(ctx context.Context, taskID string, from, to workflow.TaskState, meta *workflow.TransitionMetadata) error

	StepsByTask(ctx context.Context, taskID string) ([]*workflow.WorkflowStep, error)
	StepByID(ctx context.Context, stepID string) (*workflow.WorkflowStep, error)
	EdgesByTask(ctx context.Context, taskID string) ([]workflow.StepEdge, error)

	// TransitionStep appends a guarded step transition without touching
	// execution bookkeeping. Lifecycle methods below are preferred for
	// executor writes because they update flags in the same unit.
	TransitionStep(ctx context.Context, stepID string, from, to workflow.StepState, meta *workflow.TransitionMetadata) error

	// ClaimStep is the claim unit: transition pending|error → in_progress,
	// set in_process, stamp last_attempted_at, increment attempts, all in
	// one write. Losing a race returns workflow.ErrConcurrencyConflict.
	ClaimStep(ctx context.Context, stepID string) (*workflow.WorkflowStep, error)

	// CompleteStep records success: in_progress → complete, results saved,
	// in_process cleared, processed set.
	CompleteStep(ctx context.Context, stepID string, results json.RawMessage) error

	// FailStep records failure: in_progress → error with metadata,
	// in_process cleared, backoff hint recorded when present. The step is
	// marked processed (terminally failed) when permanent is true, the
	// step is not retryable, or attempts have reached the retry limit.
	FailStep(ctx context.Context, stepID string, meta *workflow.TransitionMetadata, backoffHint *int, permanent bool) error

	// ResolveStepManually moves a pending or errored step to
	// resolved_manually so dependents may proceed.
	ResolveStepManually(ctx context.Context, stepID string, reason string) error

	// CancelStep cancels a step that has not completed.
	CancelStep(ctx context.Context, stepID string, reason string) error

	// StepReadiness evaluates the readiness view for the task's steps in
	// one query. With stepIDs it restricts the result to those steps.
	StepReadiness(ctx context.Context, taskID string, stepIDs ...string) ([]*StepReadiness, error)

	TaskTransitions(ctx context.Context, taskID string) ([]*workflow.TaskTransition, error)
	StepTransitions(ctx context.Context, stepID string) ([]*workflow.StepTransition, error)

	PoolStats() PoolStats
	Close() error
}
