// Package memory provides an in-memory Store for tests, local development,
// and single-process deployments. All state lives behind one RWMutex; every
// state-changing method applies its writes under a single lock acquisition,
// which gives the same atomicity the relational store gets from transactions.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/taskgraph/storage"
	"github.com/c360studio/taskgraph/workflow"
)

// Option configures a Store.
type Option func(*Store)

// WithClock replaces the time source. Tests use a controllable clock to
// exercise backoff windows without sleeping.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithReadinessConfig overrides the readiness backoff window.
func WithReadinessConfig(cfg storage.ReadinessConfig) Option {
	return func(s *Store) {
		s.readiness = cfg
	}
}

type taskRecord struct {
	task  workflow.Task
	state workflow.TaskState
}

type stepRecord struct {
	step          workflow.WorkflowStep
	state         workflow.StepState
	lastFailureAt *time.Time
}

// Store is the in-memory implementation of storage.Store.
type Store struct {
	mu        sync.RWMutex
	now       func() time.Time
	readiness storage.ReadinessConfig

	taskMachine workflow.TaskStateMachine
	stepMachine workflow.StepStateMachine

	namespaces map[string]*workflow.TaskNamespace // keyed by name
	namedTasks map[string]*workflow.NamedTask     // keyed by namespaceID/name/version
	namedSteps map[string]*workflow.NamedStep     // keyed by name/dependent_system

	tasks     map[string]*taskRecord
	steps     map[string]*stepRecord
	taskSteps map[string][]string // task ID → step IDs in creation order
	edges     map[string][]workflow.StepEdge
	parents   map[string][]string // step ID → parent step IDs

	taskTransitions map[string][]*workflow.TaskTransition
	stepTransitions map[string][]*workflow.StepTransition
}

var _ storage.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New(opts ...Option) *Store {
	s := &Store{
		now:             func() time.Time { return time.Now().UTC() },
		readiness:       storage.DefaultReadinessConfig(),
		namespaces:      make(map[string]*workflow.TaskNamespace),
		namedTasks:      make(map[string]*workflow.NamedTask),
		namedSteps:      make(map[string]*workflow.NamedStep),
		tasks:           make(map[string]*taskRecord),
		steps:           make(map[string]*stepRecord),
		taskSteps:       make(map[string][]string),
		edges:           make(map[string][]workflow.StepEdge),
		parents:         make(map[string][]string),
		taskTransitions: make(map[string][]*workflow.TaskTransition),
		stepTransitions: make(map[string][]*workflow.StepTransition),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsureNamespace returns the namespace with the given name, creating it on
// first reference.
func (s *Store) EnsureNamespace(_ context.Context, name string) (*workflow.TaskNamespace, error) {
	if name == "" {
		name = workflow.DefaultNamespace
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if ns, ok := s.namespaces[name]; ok {
		out := *ns
		return &out, nil
	}
	ns := &workflow.TaskNamespace{
		ID:        uuid.New().String(),
		Name:      name,
		CreatedAt: s.now(),
	}
	s.namespaces[name] = ns
	out := *ns
	return &out, nil
}

// EnsureNamedTask returns the named task for (namespaceID, name, version),
// creating it on first reference.
func (s *Store) EnsureNamedTask(_ context.Context, namespaceID, name, version string) (*workflow.NamedTask, error) {
	if name == "" {
		return nil, &workflow.ValidationError{Field: "name", Message: "named task name is required"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := namespaceID + "/" + name + "/" + version
	if nt, ok := s.namedTasks[key]; ok {
		out := *nt
		return &out, nil
	}

	namespace := ""
	for _, ns := range s.namespaces {
		if ns.ID == namespaceID {
			namespace = ns.Name
			break
		}
	}

	nt := &workflow.NamedTask{
		ID:          uuid.New().String(),
		NamespaceID: namespaceID,
		Namespace:   namespace,
		Name:        name,
		Version:     version,
		CreatedAt:   s.now(),
	}
	s.namedTasks[key] = nt
	out := *nt
	return &out, nil
}

// EnsureNamedStep returns the named step for (name, dependentSystem),
// creating it on first reference.
func (s *Store) EnsureNamedStep(_ context.Context, name, dependentSystem string) (*workflow.NamedStep, error) {
	if name == "" {
		return nil, &workflow.ValidationError{Field: "name", Message: "named step name is required"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := name + "/" + dependentSystem
	if ns, ok := s.namedSteps[key]; ok {
		out := *ns
		return &out, nil
	}
	ns := &workflow.NamedStep{
		ID:              uuid.New().String(),
		Name:            name,
		DependentSystem: dependentSystem,
		CreatedAt:       s.now(),
	}
	s.namedSteps[key] = ns
	out := *ns
	return &out, nil
}

// CreateTask persists the task, steps, and edges as one unit and appends the
// initial pending transitions.
func (s *Store) CreateTask(_ context.Context, task *workflow.Task, steps []*workflow.WorkflowStep, edges []workflow.StepEdge) error {
	if task == nil || task.ID == "" {
		return &workflow.ValidationError{Field: "task", Message: "task with ID is required"}
	}
	for _, step := range steps {
		if step.ID == "" {
			return &workflow.ValidationError{Field: "steps", Message: "every step needs an ID"}
		}
		if step.TaskID != task.ID {
			return &workflow.ValidationError{Field: "steps", Message: "step does not belong to task"}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.ID]; exists {
		return &workflow.PersistenceError{Op: "create_task", Err: fmt.Errorf("task %s already exists", task.ID)}
	}

	now := s.now()
	t := cloneTask(task)
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	s.tasks[task.ID] = &taskRecord{task: *t, state: s.taskMachine.InitialState()}
	s.appendTaskTransitionLocked(task.ID, "", s.taskMachine.InitialState(), nil, now)

	ids := make([]string, 0, len(steps))
	for _, step := range steps {
		st := cloneStep(step)
		if st.CreatedAt.IsZero() {
			st.CreatedAt = now
		}
		st.UpdatedAt = st.CreatedAt
		s.steps[st.ID] = &stepRecord{step: *st, state: s.stepMachine.InitialState()}
		s.appendStepTransitionLocked(st.ID, "", s.stepMachine.InitialState(), nil, now)
		ids = append(ids, st.ID)
	}
	s.taskSteps[task.ID] = ids

	s.edges[task.ID] = append([]workflow.StepEdge(nil), edges...)
	for _, e := range edges {
		s.parents[e.ToStepID] = append(s.parents[e.ToStepID], e.FromStepID)
	}
	return nil
}

// TaskByID returns a copy of the task.
func (s *Store) TaskByID(_ context.Context, taskID string) (*workflow.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.tasks[taskID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneTask(&rec.task), nil
}

// TaskByIdentityHash returns the newest task with the given identity hash.
// A non-positive window disables the age cutoff.
func (s *Store) TaskByIdentityHash(_ context.Context, hash string, window time.Duration) (*workflow.Task, error) {
	if hash == "" {
		return nil, storage.ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var newest *workflow.Task
	var cutoff time.Time
	if window > 0 {
		cutoff = s.now().Add(-window)
	}
	for _, rec := range s.tasks {
		if rec.task.IdentityHash != hash {
			continue
		}
		if window > 0 && rec.task.CreatedAt.Before(cutoff) {
			continue
		}
		if newest == nil || rec.task.CreatedAt.After(newest.CreatedAt) {
			newest = cloneTask(&rec.task)
		}
	}
	if newest == nil {
		return nil, storage.ErrNotFound
	}
	return newest, nil
}

// ListTasks returns tasks matching the filter, newest first.
func (s *Store) ListTasks(_ context.Context, filter storage.TaskFilter) ([]storage.TaskSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]storage.TaskSummary, 0)
	for _, rec := range s.tasks {
		if filter.Namespace != "" && rec.task.Namespace != filter.Namespace {
			continue
		}
		if filter.Name != "" && rec.task.Name != filter.Name {
			continue
		}
		if filter.State != "" && rec.state != filter.State {
			continue
		}
		out = append(out, storage.TaskSummary{Task: cloneTask(&rec.task), State: rec.state})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Task.CreatedAt.Equal(out[j].Task.CreatedAt) {
			return out[i].Task.CreatedAt.After(out[j].Task.CreatedAt)
		}
		return out[i].Task.ID < out[j].Task.ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// TaskState returns the task's current state.
func (s *Store) TaskState(_ context.Context, taskID string) (workflow.TaskState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.tasks[taskID]
	if !ok {
		return "", storage.ErrNotFound
	}
	return rec.state, nil
}

// TransitionTask appends a guarded task transition.
func (s *Store) TransitionTask(_ context.Context, taskID string, from, to workflow.TaskState, meta *workflow.TransitionMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tasks[taskID]
	if !ok {
		return storage.ErrNotFound
	}
	if rec.state != from {
		return fmt.Errorf("task %s is %s, not %s: %w", taskID, rec.state, from, workflow.ErrConcurrencyConflict)
	}
	if err := s.taskMachine.GuardTransition(from, to); err != nil {
		return err
	}

	now := s.now()
	s.appendTaskTransitionLocked(taskID, from, to, meta.Encode(), now)
	rec.state = to
	if s.taskMachine.IsSuccessful(to) {
		rec.task.Complete = true
	}
	return nil
}

// StepsByTask returns copies of the task's steps in creation order.
func (s *Store) StepsByTask(_ context.Context, taskID string) ([]*workflow.WorkflowStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.tasks[taskID]; !ok {
		return nil, storage.ErrNotFound
	}
	ids := s.taskSteps[taskID]
	out := make([]*workflow.WorkflowStep, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneStep(&s.steps[id].step))
	}
	return out, nil
}

// StepByID returns a copy of the step.
func (s *Store) StepByID(_ context.Context, stepID string) (*workflow.WorkflowStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.steps[stepID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneStep(&rec.step), nil
}

// EdgesByTask returns copies of the task's dependency edges.
func (s *Store) EdgesByTask(_ context.Context, taskID string) ([]workflow.StepEdge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.tasks[taskID]; !ok {
		return nil, storage.ErrNotFound
	}
	return append([]workflow.StepEdge(nil), s.edges[taskID]...), nil
}

// TransitionStep appends a guarded step transition without touching the
// execution flags.
func (s *Store) TransitionStep(_ context.Context, stepID string, from, to workflow.StepState, meta *workflow.TransitionMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.steps[stepID]
	if !ok {
		return storage.ErrNotFound
	}
	if rec.state != from {
		return fmt.Errorf("step %s is %s, not %s: %w", stepID, rec.state, from, workflow.ErrConcurrencyConflict)
	}
	if err := s.stepMachine.GuardTransition(from, to); err != nil {
		return err
	}

	now := s.now()
	s.appendStepTransitionLocked(stepID, from, to, meta.Encode(), now)
	rec.state = to
	rec.step.UpdatedAt = now
	return nil
}

// ClaimStep atomically claims a ready step for execution. The guard is the
// concurrency gate: the step must be pending or error, unclaimed, and not
// processed. Dependency and backoff checks belong to the readiness view and
// cannot regress between that read and the claim.
func (s *Store) ClaimStep(_ context.Context, stepID string) (*workflow.WorkflowStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.steps[stepID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if rec.step.InProcess || rec.step.Processed {
		return nil, fmt.Errorf("step %s already claimed or processed: %w", stepID, workflow.ErrConcurrencyConflict)
	}
	if err := s.stepMachine.GuardTransition(rec.state, workflow.StepStateInProgress); err != nil {
		return nil, fmt.Errorf("step %s is %s: %w", stepID, rec.state, workflow.ErrConcurrencyConflict)
	}

	now := s.now()
	s.appendStepTransitionLocked(stepID, rec.state, workflow.StepStateInProgress, nil, now)
	rec.state = workflow.StepStateInProgress
	rec.step.InProcess = true
	rec.step.Attempts++
	attemptedAt := now
	rec.step.LastAttemptedAt = &attemptedAt
	rec.step.UpdatedAt = now
	return cloneStep(&rec.step), nil
}

// CompleteStep records a successful execution.
func (s *Store) CompleteStep(_ context.Context, stepID string, results json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.steps[stepID]
	if !ok {
		return storage.ErrNotFound
	}
	if err := s.stepMachine.GuardTransition(rec.state, workflow.StepStateComplete); err != nil {
		return fmt.Errorf("step %s is %s, not in_progress: %w", stepID, rec.state, workflow.ErrConcurrencyConflict)
	}

	now := s.now()
	s.appendStepTransitionLocked(stepID, rec.state, workflow.StepStateComplete, nil, now)
	rec.state = workflow.StepStateComplete
	rec.step.Results = append(json.RawMessage(nil), results...)
	rec.step.InProcess = false
	rec.step.Processed = true
	rec.step.UpdatedAt = now
	return nil
}

// FailStep records a failed execution. The backoff hint replaces any previous
// hint; a failure without a hint clears it so a stale hint cannot delay the
// next retry. The step is marked processed when the failure is permanent, the
// step is not retryable, or attempts have reached the retry limit.
func (s *Store) FailStep(_ context.Context, stepID string, meta *workflow.TransitionMetadata, backoffHint *int, permanent bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.steps[stepID]
	if !ok {
		return storage.ErrNotFound
	}
	if err := s.stepMachine.GuardTransition(rec.state, workflow.StepStateError); err != nil {
		return fmt.Errorf("step %s is %s, not in_progress: %w", stepID, rec.state, workflow.ErrConcurrencyConflict)
	}

	now := s.now()
	s.appendStepTransitionLocked(stepID, rec.state, workflow.StepStateError, meta.Encode(), now)
	rec.state = workflow.StepStateError
	rec.step.InProcess = false
	failedAt := now
	rec.lastFailureAt = &failedAt
	if backoffHint != nil {
		hint := *backoffHint
		rec.step.BackoffRequestSeconds = &hint
	} else {
		rec.step.BackoffRequestSeconds = nil
	}
	if permanent || !rec.step.Retryable || rec.step.Attempts >= rec.step.RetryLimit {
		rec.step.Processed = true
	}
	rec.step.UpdatedAt = now
	return nil
}

// ResolveStepManually marks a pending or errored step as manually resolved so
// its dependents may proceed.
func (s *Store) ResolveStepManually(_ context.Context, stepID string, reason string) error {
	return s.administrativeTransition(stepID, workflow.StepStateResolvedManually, reason)
}

// CancelStep cancels a step that has not started or is blocked in error.
func (s *Store) CancelStep(_ context.Context, stepID string, reason string) error {
	return s.administrativeTransition(stepID, workflow.StepStateCancelled, reason)
}

func (s *Store) administrativeTransition(stepID string, to workflow.StepState, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.steps[stepID]
	if !ok {
		return storage.ErrNotFound
	}
	if err := s.stepMachine.GuardTransition(rec.state, to); err != nil {
		return err
	}

	now := s.now()
	meta := &workflow.TransitionMetadata{Reason: reason}
	s.appendStepTransitionLocked(stepID, rec.state, to, meta.Encode(), now)
	rec.state = to
	rec.step.InProcess = false
	rec.step.Processed = true
	rec.step.UpdatedAt = now
	return nil
}

// StepReadiness evaluates the readiness view for the task's steps in one
// locked pass.
func (s *Store) StepReadiness(_ context.Context, taskID string, stepIDs ...string) ([]*storage.StepReadiness, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.tasks[taskID]; !ok {
		return nil, storage.ErrNotFound
	}

	ids := s.taskSteps[taskID]
	if len(stepIDs) > 0 {
		want := make(map[string]bool, len(stepIDs))
		for _, id := range stepIDs {
			want[id] = true
		}
		filtered := make([]string, 0, len(stepIDs))
		for _, id := range ids {
			if want[id] {
				filtered = append(filtered, id)
			}
		}
		ids = filtered
	}

	now := s.now()
	out := make([]*storage.StepReadiness, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.readinessLocked(id, now))
	}
	return out, nil
}

func (s *Store) readinessLocked(stepID string, now time.Time) *storage.StepReadiness {
	rec := s.steps[stepID]
	st := &rec.step

	total := len(s.parents[stepID])
	completed := 0
	for _, parentID := range s.parents[stepID] {
		if s.stepMachine.SatisfiesDependency(s.steps[parentID].state) {
			completed++
		}
	}

	r := &storage.StepReadiness{
		StepID:           st.ID,
		TaskID:           st.TaskID,
		Name:             st.Name,
		CurrentState:     rec.state,
		TotalParents:     total,
		CompletedParents: completed,
		Attempts:         st.Attempts,
		RetryLimit:       st.RetryLimit,
		Retryable:        st.Retryable,
		InProcess:        st.InProcess,
		Processed:        st.Processed,
	}
	if rec.lastFailureAt != nil {
		t := *rec.lastFailureAt
		r.LastFailureAt = &t
	}
	if st.LastAttemptedAt != nil {
		t := *st.LastAttemptedAt
		r.LastAttemptedAt = &t
	}
	if st.BackoffRequestSeconds != nil {
		h := *st.BackoffRequestSeconds
		r.BackoffRequestSeconds = &h
	}
	r.Derive(now, s.backoffGateLocked(rec))
	return r
}

// backoffGateLocked returns the time before which the step may not retry, or
// nil when no backoff window applies.
func (s *Store) backoffGateLocked(rec *stepRecord) *time.Time {
	st := &rec.step
	return s.readiness.BackoffGate(st.Attempts, st.LastAttemptedAt, st.BackoffRequestSeconds, rec.lastFailureAt)
}

// TaskTransitions returns the task's transition history in order.
func (s *Store) TaskTransitions(_ context.Context, taskID string) ([]*workflow.TaskTransition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.tasks[taskID]; !ok {
		return nil, storage.ErrNotFound
	}
	list := s.taskTransitions[taskID]
	out := make([]*workflow.TaskTransition, 0, len(list))
	for _, tr := range list {
		cp := *tr
		out = append(out, &cp)
	}
	return out, nil
}

// StepTransitions returns the step's transition history in order.
func (s *Store) StepTransitions(_ context.Context, stepID string) ([]*workflow.StepTransition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.steps[stepID]; !ok {
		return nil, storage.ErrNotFound
	}
	list := s.stepTransitions[stepID]
	out := make([]*workflow.StepTransition, 0, len(list))
	for _, tr := range list {
		cp := *tr
		out = append(out, &cp)
	}
	return out, nil
}

// PoolStats reports no pool limit; the concurrency calculator falls back to
// its configured maximum.
func (s *Store) PoolStats() storage.PoolStats {
	return storage.PoolStats{}
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}

func (s *Store) appendTaskTransitionLocked(taskID string, from, to workflow.TaskState, meta json.RawMessage, now time.Time) {
	list := s.taskTransitions[taskID]
	for _, tr := range list {
		tr.MostRecent = false
	}
	s.taskTransitions[taskID] = append(list, &workflow.TaskTransition{
		ID:         uuid.New().String(),
		TaskID:     taskID,
		FromState:  from,
		ToState:    to,
		Metadata:   meta,
		SortKey:    len(list) + 1,
		MostRecent: true,
		CreatedAt:  now,
	})
}

func (s *Store) appendStepTransitionLocked(stepID string, from, to workflow.StepState, meta json.RawMessage, now time.Time) {
	list := s.stepTransitions[stepID]
	for _, tr := range list {
		tr.MostRecent = false
	}
	s.stepTransitions[stepID] = append(list, &workflow.StepTransition{
		ID:         uuid.New().String(),
		StepID:     stepID,
		FromState:  from,
		ToState:    to,
		Metadata:   meta,
		SortKey:    len(list) + 1,
		MostRecent: true,
		CreatedAt:  now,
	})
}

func cloneTask(t *workflow.Task) *workflow.Task {
	cp := *t
	cp.Context = append(json.RawMessage(nil), t.Context...)
	cp.Tags = append([]string(nil), t.Tags...)
	return &cp
}

func cloneStep(st *workflow.WorkflowStep) *workflow.WorkflowStep {
	cp := *st
	cp.Inputs = append(json.RawMessage(nil), st.Inputs...)
	cp.Results = append(json.RawMessage(nil), st.Results...)
	if st.LastAttemptedAt != nil {
		t := *st.LastAttemptedAt
		cp.LastAttemptedAt = &t
	}
	if st.BackoffRequestSeconds != nil {
		h := *st.BackoffRequestSeconds
		cp.BackoffRequestSeconds = &h
	}
	return &cp
}
