// Package postgres implements the storage.Store contract on PostgreSQL.
//
// Guarded transitions run inside a transaction that locks the subject row
// (SELECT ... FOR UPDATE), so two workers racing for the same step serialize
// on the row lock and the loser observes the winner's write. The readiness
// view is a single query per task; the verdict itself is derived by the
// shared storage formula so the two backends cannot drift.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/c360studio/taskgraph/storage"
	"github.com/c360studio/taskgraph/workflow"
)

// PoolConfig sizes the connection pool.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultPoolConfig returns the standard pool sizing.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
	}
}

// Option configures the store.
type Option func(*Store)

// WithClock overrides the store clock, used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithReadinessConfig overrides the backoff window configuration.
func WithReadinessConfig(cfg storage.ReadinessConfig) Option {
	return func(s *Store) {
		s.readiness = cfg
	}
}

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// Store is the PostgreSQL persistence backend.
type Store struct {
	db        *sql.DB
	logger    *slog.Logger
	readiness storage.ReadinessConfig

	taskMachine workflow.TaskStateMachine
	stepMachine workflow.StepStateMachine

	now func() time.Time
}

var _ storage.Store = (*Store)(nil)

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, dsn string, pool PoolConfig, opts ...Option) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	defaults := DefaultPoolConfig()
	if pool.MaxOpenConns <= 0 {
		pool.MaxOpenConns = defaults.MaxOpenConns
	}
	if pool.MaxIdleConns < 0 {
		pool.MaxIdleConns = defaults.MaxIdleConns
	}
	if pool.ConnMaxLifetime <= 0 {
		pool.ConnMaxLifetime = defaults.ConnMaxLifetime
	}
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	s := NewWithDB(db, opts...)
	s.logger.Info("Connected to Postgres",
		"max_open_conns", pool.MaxOpenConns)
	return s, nil
}

// NewWithDB wraps an existing connection, used by tests.
func NewWithDB(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:        db,
		logger:    slog.Default(),
		readiness: storage.DefaultReadinessConfig(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsureNamespace returns the namespace with the given name, creating it on
// first reference.
func (s *Store) EnsureNamespace(ctx context.Context, name string) (*workflow.TaskNamespace, error) {
	if name == "" {
		name = workflow.DefaultNamespace
	}

	const q = `
INSERT INTO task_namespaces (id, name, created_at)
VALUES ($1, $2, $3)
ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
RETURNING id, name, created_at`

	ns := &workflow.TaskNamespace{}
	err := s.db.QueryRowContext(ctx, q, uuid.New().String(), name, s.now()).
		Scan(&ns.ID, &ns.Name, &ns.CreatedAt)
	if err != nil {
		return nil, &workflow.PersistenceError{Op: "ensure_namespace", Err: err}
	}
	return ns, nil
}

// EnsureNamedTask returns the named task for (namespaceID, name, version),
// creating it on first reference.
func (s *Store) EnsureNamedTask(ctx context.Context, namespaceID, name, version string) (*workflow.NamedTask, error) {
	if name == "" {
		return nil, &workflow.ValidationError{Field: "name", Message: "named task name is required"}
	}

	const q = `
WITH upsert AS (
    INSERT INTO named_tasks (id, namespace_id, name, version, created_at)
    VALUES ($1, $2, $3, $4, $5)
    ON CONFLICT (namespace_id, name, version) DO UPDATE SET name = EXCLUDED.name
    RETURNING id, namespace_id, name, version, created_at
)
SELECT u.id, u.namespace_id, ns.name, u.name, u.version, u.created_at
FROM upsert u
JOIN task_namespaces ns ON ns.id = u.namespace_id`

	nt := &workflow.NamedTask{}
	err := s.db.QueryRowContext(ctx, q, uuid.New().String(), namespaceID, name, version, s.now()).
		Scan(&nt.ID, &nt.NamespaceID, &nt.Namespace, &nt.Name, &nt.Version, &nt.CreatedAt)
	if err != nil {
		return nil, &workflow.PersistenceError{Op: "ensure_named_task", Err: err}
	}
	return nt, nil
}

// EnsureNamedStep returns the named step for (name, dependentSystem),
// creating it on first reference.
func (s *Store) EnsureNamedStep(ctx context.Context, name, dependentSystem string) (*workflow.NamedStep, error) {
	if name == "" {
		return nil, &workflow.ValidationError{Field: "name", Message: "named step name is required"}
	}

	const q = `
INSERT INTO named_steps (id, name, dependent_system, created_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (name, dependent_system) DO UPDATE SET name = EXCLUDED.name
RETURNING id, name, dependent_system, created_at`

	ns := &workflow.NamedStep{}
	err := s.db.QueryRowContext(ctx, q, uuid.New().String(), name, dependentSystem, s.now()).
		Scan(&ns.ID, &ns.Name, &ns.DependentSystem, &ns.CreatedAt)
	if err != nil {
		return nil, &workflow.PersistenceError{Op: "ensure_named_step", Err: err}
	}
	return ns, nil
}

// CreateTask persists the task, steps, and edges as one transaction and
// appends the initial pending transitions.
func (s *Store) CreateTask(ctx context.Context, task *workflow.Task, steps []*workflow.WorkflowStep, edges []workflow.StepEdge) error {
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &workflow.PersistenceError{Op: "create_task", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now()
	createdAt := task.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO tasks (id, named_task_id, context, initiator, source_system, reason,
                   tags, identity_hash, complete, requested_at, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE, $9, $10)`,
		task.ID, task.NamedTaskID, jsonArg(task.Context), task.Initiator,
		task.SourceSystem, task.Reason, pq.Array(task.Tags), task.IdentityHash,
		task.RequestedAt, createdAt)
	if err != nil {
		if isUniqueViolation(err) {
			return &workflow.PersistenceError{Op: "create_task", Err: fmt.Errorf("task %s already exists", task.ID)}
		}
		return &workflow.PersistenceError{Op: "create_task", Err: err}
	}

	if err := s.appendTaskTransitionTx(ctx, tx, task.ID, "", s.taskMachine.InitialState(), nil, now); err != nil {
		return &workflow.PersistenceError{Op: "create_task", Err: err}
	}

	for _, step := range steps {
		stepCreated := step.CreatedAt
		if stepCreated.IsZero() {
			stepCreated = now
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO workflow_steps (id, task_id, named_step_id, inputs, results,
                            attempts, retry_limit, retryable, skippable,
                            in_process, processed, created_at, updated_at)
VALUES ($1, $2, $3, $4, NULL, $5, $6, $7, $8, FALSE, FALSE, $9, $9)`,
			step.ID, step.TaskID, step.NamedStepID, jsonArg(step.Inputs),
			step.Attempts, step.RetryLimit, step.Retryable, step.Skippable,
			stepCreated)
		if err != nil {
			return &workflow.PersistenceError{Op: "create_task", Err: err}
		}
		if err := s.appendStepTransitionTx(ctx, tx, step.ID, "", s.stepMachine.InitialState(), nil, now); err != nil {
			return &workflow.PersistenceError{Op: "create_task", Err: err}
		}
	}

	for _, edge := range edges {
		_, err = tx.ExecContext(ctx, `
INSERT INTO workflow_step_edges (task_id, from_step_id, to_step_id, name)
VALUES ($1, $2, $3, $4)`,
			edge.TaskID, edge.FromStepID, edge.ToStepID, edge.Name)
		if err != nil {
			return &workflow.PersistenceError{Op: "create_task", Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &workflow.PersistenceError{Op: "create_task", Err: err}
	}
	return nil
}

// taskSelect is the shared task projection: identity coordinates come from
// the reference tables, everything else from the tasks row.
const taskSelect = `
SELECT t.id, t.named_task_id, ns.name, nt.name, nt.version,
       t.context, t.initiator, t.source_system, t.reason, t.tags,
       t.identity_hash, t.complete, t.requested_at, t.created_at
FROM tasks t
JOIN named_tasks nt ON nt.id = t.named_task_id
JOIN task_namespaces ns ON ns.id = nt.namespace_id`

// TaskByID returns the task.
func (s *Store) TaskByID(ctx context.Context, taskID string) (*workflow.Task, error) {
	row := s.db.QueryRowContext(ctx, taskSelect+` WHERE t.id = $1`, taskID)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, &workflow.PersistenceError{Op: "task_by_id", Err: err}
	}
	return task, nil
}

// TaskByIdentityHash returns the newest task with the given identity hash.
// A non-positive window disables the age cutoff.
func (s *Store) TaskByIdentityHash(ctx context.Context, hash string, window time.Duration) (*workflow.Task, error) {
	if hash == "" {
		return nil, storage.ErrNotFound
	}

	query := taskSelect + ` WHERE t.identity_hash = $1`
	args := []any{hash}
	if window > 0 {
		query += ` AND t.created_at >= $2`
		args = append(args, s.now().Add(-window))
	}
	query += ` ORDER BY t.created_at DESC, t.id LIMIT 1`

	row := s.db.QueryRowContext(ctx, query, args...)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, &workflow.PersistenceError{Op: "task_by_identity_hash", Err: err}
	}
	return task, nil
}

// ListTasks returns tasks matching the filter, newest first.
func (s *Store) ListTasks(ctx context.Context, filter storage.TaskFilter) ([]storage.TaskSummary, error) {
	query := `
SELECT t.id, t.named_task_id, ns.name, nt.name, nt.version,
       t.context, t.initiator, t.source_system, t.reason, t.tags,
       t.identity_hash, t.complete, t.requested_at, t.created_at,
       COALESCE(tt.to_state, 'pending')
FROM tasks t
JOIN named_tasks nt ON nt.id = t.named_task_id
JOIN task_namespaces ns ON ns.id = nt.namespace_id
LEFT JOIN task_transitions tt ON tt.task_id = t.id AND tt.most_recent`

	var conds []string
	var args []any
	if filter.Namespace != "" {
		args = append(args, filter.Namespace)
		conds = append(conds, fmt.Sprintf("ns.name = $%d", len(args)))
	}
	if filter.Name != "" {
		args = append(args, filter.Name)
		conds = append(conds, fmt.Sprintf("nt.name = $%d", len(args)))
	}
	if filter.State != "" {
		args = append(args, string(filter.State))
		conds = append(conds, fmt.Sprintf("COALESCE(tt.to_state, 'pending') = $%d", len(args)))
	}
	for i, cond := range conds {
		if i == 0 {
			query += " WHERE " + cond
		} else {
			query += " AND " + cond
		}
	}
	query += " ORDER BY t.created_at DESC, t.id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &workflow.PersistenceError{Op: "list_tasks", Err: err}
	}
	defer rows.Close()

	out := make([]storage.TaskSummary, 0)
	for rows.Next() {
		var t workflow.Task
		var contextJSON []byte
		var tags pq.StringArray
		var state string
		err := rows.Scan(&t.ID, &t.NamedTaskID, &t.Namespace, &t.Name, &t.Version,
			&contextJSON, &t.Initiator, &t.SourceSystem, &t.Reason, &tags,
			&t.IdentityHash, &t.Complete, &t.RequestedAt, &t.CreatedAt, &state)
		if err != nil {
			return nil, &workflow.PersistenceError{Op: "list_tasks", Err: err}
		}
		if len(contextJSON) > 0 {
			t.Context = json.RawMessage(contextJSON)
		}
		if len(tags) > 0 {
			t.Tags = []string(tags)
		}
		out = append(out, storage.TaskSummary{Task: &t, State: workflow.TaskState(state)})
	}
	if err := rows.Err(); err != nil {
		return nil, &workflow.PersistenceError{Op: "list_tasks", Err: err}
	}
	return out, nil
}

// TaskState returns the task's current state.
func (s *Store) TaskState(ctx context.Context, taskID string) (workflow.TaskState, error) {
	const q = `
SELECT COALESCE(tt.to_state, 'pending')
FROM tasks t
LEFT JOIN task_transitions tt ON tt.task_id = t.id AND tt.most_recent
WHERE t.id = $1`

	var state string
	err := s.db.QueryRowContext(ctx, q, taskID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", &workflow.PersistenceError{Op: "task_state", Err: err}
	}
	return workflow.TaskState(state), nil
}

// TransitionTask appends a guarded task transition and maintains the
// denormalized complete flag.
func (s *Store) TransitionTask(ctx context.Context, taskID string, from, to workflow.TaskState, meta *workflow.TransitionMetadata) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &workflow.PersistenceError{Op: "transition_task", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	const lockQ = `
SELECT COALESCE(tt.to_state, 'pending')
FROM tasks t
LEFT JOIN task_transitions tt ON tt.task_id = t.id AND tt.most_recent
WHERE t.id = $1
FOR UPDATE OF t`

	var current string
	err = tx.QueryRowContext(ctx, lockQ, taskID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return &workflow.PersistenceError{Op: "transition_task", Err: err}
	}

	if workflow.TaskState(current) != from {
		return fmt.Errorf("task %s is %s, not %s: %w", taskID, current, from, workflow.ErrConcurrencyConflict)
	}
	if err := s.taskMachine.GuardTransition(from, to); err != nil {
		return err
	}

	now := s.now()
	if err := s.appendTaskTransitionTx(ctx, tx, taskID, from, to, meta.Encode(), now); err != nil {
		return &workflow.PersistenceError{Op: "transition_task", Err: err}
	}
	if s.taskMachine.IsSuccessful(to) {
		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET complete = TRUE WHERE id = $1`, taskID); err != nil {
			return &workflow.PersistenceError{Op: "transition_task", Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &workflow.PersistenceError{Op: "transition_task", Err: err}
	}
	return nil
}

// stepSelect is the shared step projection.
const stepSelect = `
SELECT s.id, s.task_id, s.named_step_id, ns.name,
       s.inputs, s.results, s.attempts, s.retry_limit, s.retryable, s.skippable,
       s.in_process, s.processed, s.last_attempted_at, s.backoff_request_seconds,
       s.created_at, s.updated_at
FROM workflow_steps s
JOIN named_steps ns ON ns.id = s.named_step_id`

// StepsByTask returns the task's steps in creation order.
func (s *Store) StepsByTask(ctx context.Context, taskID string) ([]*workflow.WorkflowStep, error) {
	if err := s.requireTask(ctx, taskID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, stepSelect+` WHERE s.task_id = $1 ORDER BY s.created_at, s.id`, taskID)
	if err != nil {
		return nil, &workflow.PersistenceError{Op: "steps_by_task", Err: err}
	}
	defer rows.Close()

	out := make([]*workflow.WorkflowStep, 0)
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, &workflow.PersistenceError{Op: "steps_by_task", Err: err}
		}
		out = append(out, step)
	}
	if err := rows.Err(); err != nil {
		return nil, &workflow.PersistenceError{Op: "steps_by_task", Err: err}
	}
	return out, nil
}

// StepByID returns the step.
func (s *Store) StepByID(ctx context.Context, stepID string) (*workflow.WorkflowStep, error) {
	row := s.db.QueryRowContext(ctx, stepSelect+` WHERE s.id = $1`, stepID)
	step, err := scanStep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, &workflow.PersistenceError{Op: "step_by_id", Err: err}
	}
	return step, nil
}

// EdgesByTask returns the task's dependency edges.
func (s *Store) EdgesByTask(ctx context.Context, taskID string) ([]workflow.StepEdge, error) {
	if err := s.requireTask(ctx, taskID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT task_id, from_step_id, to_step_id, name
FROM workflow_step_edges
WHERE task_id = $1
ORDER BY from_step_id, to_step_id`, taskID)
	if err != nil {
		return nil, &workflow.PersistenceError{Op: "edges_by_task", Err: err}
	}
	defer rows.Close()

	out := make([]workflow.StepEdge, 0)
	for rows.Next() {
		var e workflow.StepEdge
		if err := rows.Scan(&e.TaskID, &e.FromStepID, &e.ToStepID, &e.Name); err != nil {
			return nil, &workflow.PersistenceError{Op: "edges_by_task", Err: err}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, &workflow.PersistenceError{Op: "edges_by_task", Err: err}
	}
	return out, nil
}

// TransitionStep appends a guarded step transition without touching the
// execution bookkeeping flags.
func (s *Store) TransitionStep(ctx context.Context, stepID string, from, to workflow.StepState, meta *workflow.TransitionMetadata) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &workflow.PersistenceError{Op: "transition_step", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	current, err := s.lockStepState(ctx, tx, stepID)
	if err != nil {
		return err
	}

	if current != from {
		return fmt.Errorf("step %s is %s, not %s: %w", stepID, current, from, workflow.ErrConcurrencyConflict)
	}
	if err := s.stepMachine.GuardTransition(from, to); err != nil {
		return err
	}

	now := s.now()
	if err := s.appendStepTransitionTx(ctx, tx, stepID, from, to, meta.Encode(), now); err != nil {
		return &workflow.PersistenceError{Op: "transition_step", Err: err}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE workflow_steps SET updated_at = $2 WHERE id = $1`, stepID, now); err != nil {
		return &workflow.PersistenceError{Op: "transition_step", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &workflow.PersistenceError{Op: "transition_step", Err: err}
	}
	return nil
}

// ClaimStep atomically claims a ready step: transition to in_progress, set
// in_process, stamp the attempt, increment attempts. The row lock serializes
// racing claimers; the loser gets workflow.ErrConcurrencyConflict.
func (s *Store) ClaimStep(ctx context.Context, stepID string) (*workflow.WorkflowStep, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &workflow.PersistenceError{Op: "claim_step", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	step, current, err := s.lockStep(ctx, tx, stepID)
	if err != nil {
		return nil, err
	}

	if step.InProcess || step.Processed {
		return nil, fmt.Errorf("step %s already claimed or processed: %w", stepID, workflow.ErrConcurrencyConflict)
	}
	if err := s.stepMachine.GuardTransition(current, workflow.StepStateInProgress); err != nil {
		return nil, fmt.Errorf("step %s is %s: %w", stepID, current, workflow.ErrConcurrencyConflict)
	}

	now := s.now()
	_, err = tx.ExecContext(ctx, `
UPDATE workflow_steps
SET in_process = TRUE, attempts = attempts + 1, last_attempted_at = $2, updated_at = $2
WHERE id = $1`, stepID, now)
	if err != nil {
		return nil, &workflow.PersistenceError{Op: "claim_step", Err: err}
	}
	if err := s.appendStepTransitionTx(ctx, tx, stepID, current, workflow.StepStateInProgress, nil, now); err != nil {
		return nil, &workflow.PersistenceError{Op: "claim_step", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return nil, &workflow.PersistenceError{Op: "claim_step", Err: err}
	}

	step.InProcess = true
	step.Attempts++
	attemptedAt := now
	step.LastAttemptedAt = &attemptedAt
	step.UpdatedAt = now
	return step, nil
}

// CompleteStep records a successful execution.
func (s *Store) CompleteStep(ctx context.Context, stepID string, results json.RawMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &workflow.PersistenceError{Op: "complete_step", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	current, err := s.lockStepState(ctx, tx, stepID)
	if err != nil {
		return err
	}
	if err := s.stepMachine.GuardTransition(current, workflow.StepStateComplete); err != nil {
		return fmt.Errorf("step %s is %s, not in_progress: %w", stepID, current, workflow.ErrConcurrencyConflict)
	}

	now := s.now()
	_, err = tx.ExecContext(ctx, `
UPDATE workflow_steps
SET results = $2, in_process = FALSE, processed = TRUE, updated_at = $3
WHERE id = $1`, stepID, jsonArg(results), now)
	if err != nil {
		return &workflow.PersistenceError{Op: "complete_step", Err: err}
	}
	if err := s.appendStepTransitionTx(ctx, tx, stepID, current, workflow.StepStateComplete, nil, now); err != nil {
		return &workflow.PersistenceError{Op: "complete_step", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &workflow.PersistenceError{Op: "complete_step", Err: err}
	}
	return nil
}

// FailStep records a failed execution. The backoff hint replaces any
// previous hint; a failure without a hint clears it. The step is marked
// processed when the failure is permanent, the step is not retryable, or
// attempts have reached the retry limit.
func (s *Store) FailStep(ctx context.Context, stepID string, meta *workflow.TransitionMetadata, backoffHint *int, permanent bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &workflow.PersistenceError{Op: "fail_step", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	step, current, err := s.lockStep(ctx, tx, stepID)
	if err != nil {
		return err
	}
	if err := s.stepMachine.GuardTransition(current, workflow.StepStateError); err != nil {
		return fmt.Errorf("step %s is %s, not in_progress: %w", stepID, current, workflow.ErrConcurrencyConflict)
	}

	now := s.now()
	processed := permanent || !step.Retryable || step.Attempts >= step.RetryLimit

	var hint sql.NullInt64
	if backoffHint != nil {
		hint = sql.NullInt64{Int64: int64(*backoffHint), Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
UPDATE workflow_steps
SET in_process = FALSE, processed = $2, last_failure_at = $3,
    backoff_request_seconds = $4, updated_at = $3
WHERE id = $1`, stepID, processed, now, hint)
	if err != nil {
		return &workflow.PersistenceError{Op: "fail_step", Err: err}
	}
	if err := s.appendStepTransitionTx(ctx, tx, stepID, current, workflow.StepStateError, meta.Encode(), now); err != nil {
		return &workflow.PersistenceError{Op: "fail_step", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &workflow.PersistenceError{Op: "fail_step", Err: err}
	}
	return nil
}

// ResolveStepManually marks a pending or errored step as manually resolved
// so its dependents may proceed.
func (s *Store) ResolveStepManually(ctx context.Context, stepID string, reason string) error {
	return s.administrativeTransition(ctx, stepID, workflow.StepStateResolvedManually, reason)
}

// CancelStep cancels a step that has not started or is blocked in error.
func (s *Store) CancelStep(ctx context.Context, stepID string, reason string) error {
	return s.administrativeTransition(ctx, stepID, workflow.StepStateCancelled, reason)
}

func (s *Store) administrativeTransition(ctx context.Context, stepID string, to workflow.StepState, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &workflow.PersistenceError{Op: "administrative_transition", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	current, err := s.lockStepState(ctx, tx, stepID)
	if err != nil {
		return err
	}
	if err := s.stepMachine.GuardTransition(current, to); err != nil {
		return err
	}

	now := s.now()
	meta := &workflow.TransitionMetadata{Reason: reason}

	_, err = tx.ExecContext(ctx, `
UPDATE workflow_steps
SET in_process = FALSE, processed = TRUE, updated_at = $2
WHERE id = $1`, stepID, now)
	if err != nil {
		return &workflow.PersistenceError{Op: "administrative_transition", Err: err}
	}
	if err := s.appendStepTransitionTx(ctx, tx, stepID, current, to, meta.Encode(), now); err != nil {
		return &workflow.PersistenceError{Op: "administrative_transition", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &workflow.PersistenceError{Op: "administrative_transition", Err: err}
	}
	return nil
}

// readinessQuery gathers the raw readiness facts for every step of a task
// in one round trip: current state from the most-recent transition, parent
// counts from the edge table, and the step's own bookkeeping columns.
const readinessQuery = `
WITH current_states AS (
    SELECT tr.workflow_step_id, tr.to_state
    FROM workflow_step_transitions tr
    JOIN workflow_steps ws ON ws.id = tr.workflow_step_id
    WHERE tr.most_recent AND ws.task_id = $1
),
parent_counts AS (
    SELECT e.to_step_id,
           COUNT(*) AS total,
           COUNT(*) FILTER (WHERE cs.to_state IN ('complete', 'resolved_manually')) AS satisfied
    FROM workflow_step_edges e
    LEFT JOIN current_states cs ON cs.workflow_step_id = e.from_step_id
    WHERE e.task_id = $1
    GROUP BY e.to_step_id
)
SELECT s.id, s.task_id, ns.name,
       COALESCE(cs.to_state, 'pending'),
       COALESCE(pc.total, 0), COALESCE(pc.satisfied, 0),
       s.attempts, s.retry_limit, s.retryable,
       s.backoff_request_seconds, s.in_process, s.processed,
       s.last_attempted_at, s.last_failure_at
FROM workflow_steps s
JOIN named_steps ns ON ns.id = s.named_step_id
LEFT JOIN current_states cs ON cs.workflow_step_id = s.id
LEFT JOIN parent_counts pc ON pc.to_step_id = s.id
WHERE s.task_id = $1`

// StepReadiness evaluates the readiness view for the task's steps in one
// query. With stepIDs it restricts the result to those steps.
func (s *Store) StepReadiness(ctx context.Context, taskID string, stepIDs ...string) ([]*storage.StepReadiness, error) {
	if err := s.requireTask(ctx, taskID); err != nil {
		return nil, err
	}

	query := readinessQuery
	args := []any{taskID}
	if len(stepIDs) > 0 {
		args = append(args, pq.Array(stepIDs))
		query += fmt.Sprintf(" AND s.id = ANY($%d)", len(args))
	}
	query += " ORDER BY s.created_at, s.id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &workflow.PersistenceError{Op: "step_readiness", Err: err}
	}
	defer rows.Close()

	now := s.now()
	out := make([]*storage.StepReadiness, 0)
	for rows.Next() {
		r := &storage.StepReadiness{}
		var state string
		var hint sql.NullInt64
		var lastAttempted, lastFailure sql.NullTime
		err := rows.Scan(&r.StepID, &r.TaskID, &r.Name,
			&state,
			&r.TotalParents, &r.CompletedParents,
			&r.Attempts, &r.RetryLimit, &r.Retryable,
			&hint, &r.InProcess, &r.Processed,
			&lastAttempted, &lastFailure)
		if err != nil {
			return nil, &workflow.PersistenceError{Op: "step_readiness", Err: err}
		}
		r.CurrentState = workflow.StepState(state)
		if hint.Valid {
			h := int(hint.Int64)
			r.BackoffRequestSeconds = &h
		}
		if lastAttempted.Valid {
			t := lastAttempted.Time
			r.LastAttemptedAt = &t
		}
		if lastFailure.Valid {
			t := lastFailure.Time
			r.LastFailureAt = &t
		}

		gate := s.readiness.BackoffGate(r.Attempts, r.LastAttemptedAt, r.BackoffRequestSeconds, r.LastFailureAt)
		r.Derive(now, gate)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, &workflow.PersistenceError{Op: "step_readiness", Err: err}
	}
	return out, nil
}

// TaskTransitions returns the task's transition history in order.
func (s *Store) TaskTransitions(ctx context.Context, taskID string) ([]*workflow.TaskTransition, error) {
	if err := s.requireTask(ctx, taskID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, task_id, from_state, to_state, metadata, sort_key, most_recent, created_at
FROM task_transitions
WHERE task_id = $1
ORDER BY sort_key`, taskID)
	if err != nil {
		return nil, &workflow.PersistenceError{Op: "task_transitions", Err: err}
	}
	defer rows.Close()

	out := make([]*workflow.TaskTransition, 0)
	for rows.Next() {
		tr := &workflow.TaskTransition{}
		var meta []byte
		err := rows.Scan(&tr.ID, &tr.TaskID, &tr.FromState, &tr.ToState, &meta,
			&tr.SortKey, &tr.MostRecent, &tr.CreatedAt)
		if err != nil {
			return nil, &workflow.PersistenceError{Op: "task_transitions", Err: err}
		}
		if len(meta) > 0 {
			tr.Metadata = json.RawMessage(meta)
		}
		out = append(out, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, &workflow.PersistenceError{Op: "task_transitions", Err: err}
	}
	return out, nil
}

// StepTransitions returns the step's transition history in order.
func (s *Store) StepTransitions(ctx context.Context, stepID string) ([]*workflow.StepTransition, error) {
	if err := s.requireStep(ctx, stepID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, workflow_step_id, from_state, to_state, metadata, sort_key, most_recent, created_at
FROM workflow_step_transitions
WHERE workflow_step_id = $1
ORDER BY sort_key`, stepID)
	if err != nil {
		return nil, &workflow.PersistenceError{Op: "step_transitions", Err: err}
	}
	defer rows.Close()

	out := make([]*workflow.StepTransition, 0)
	for rows.Next() {
		tr := &workflow.StepTransition{}
		var meta []byte
		err := rows.Scan(&tr.ID, &tr.StepID, &tr.FromState, &tr.ToState, &meta,
			&tr.SortKey, &tr.MostRecent, &tr.CreatedAt)
		if err != nil {
			return nil, &workflow.PersistenceError{Op: "step_transitions", Err: err}
		}
		if len(meta) > 0 {
			tr.Metadata = json.RawMessage(meta)
		}
		out = append(out, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, &workflow.PersistenceError{Op: "step_transitions", Err: err}
	}
	return out, nil
}

// PoolStats reports connection pool capacity for the concurrency calculator.
func (s *Store) PoolStats() storage.PoolStats {
	stats := s.db.Stats()
	return storage.PoolStats{
		MaxOpen: stats.MaxOpenConnections,
		InUse:   stats.InUse,
	}
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// requireTask returns ErrNotFound when the task does not exist.
func (s *Store) requireTask(ctx context.Context, taskID string) error {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM tasks WHERE id = $1)`, taskID).Scan(&exists)
	if err != nil {
		return &workflow.PersistenceError{Op: "require_task", Err: err}
	}
	if !exists {
		return storage.ErrNotFound
	}
	return nil
}

// requireStep returns ErrNotFound when the step does not exist.
func (s *Store) requireStep(ctx context.Context, stepID string) error {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM workflow_steps WHERE id = $1)`, stepID).Scan(&exists)
	if err != nil {
		return &workflow.PersistenceError{Op: "require_step", Err: err}
	}
	if !exists {
		return storage.ErrNotFound
	}
	return nil
}

// lockStepState locks the step row and returns its current state.
func (s *Store) lockStepState(ctx context.Context, tx *sql.Tx, stepID string) (workflow.StepState, error) {
	const q = `
SELECT COALESCE(tr.to_state, 'pending')
FROM workflow_steps s
LEFT JOIN workflow_step_transitions tr ON tr.workflow_step_id = s.id AND tr.most_recent
WHERE s.id = $1
FOR UPDATE OF s`

	var state string
	err := tx.QueryRowContext(ctx, q, stepID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", &workflow.PersistenceError{Op: "lock_step", Err: err}
	}
	return workflow.StepState(state), nil
}

// lockStep locks the step row and returns the full step plus its state.
func (s *Store) lockStep(ctx context.Context, tx *sql.Tx, stepID string) (*workflow.WorkflowStep, workflow.StepState, error) {
	const q = `
SELECT s.id, s.task_id, s.named_step_id, ns.name,
       s.inputs, s.results, s.attempts, s.retry_limit, s.retryable, s.skippable,
       s.in_process, s.processed, s.last_attempted_at, s.backoff_request_seconds,
       s.created_at, s.updated_at,
       COALESCE(tr.to_state, 'pending')
FROM workflow_steps s
JOIN named_steps ns ON ns.id = s.named_step_id
LEFT JOIN workflow_step_transitions tr ON tr.workflow_step_id = s.id AND tr.most_recent
WHERE s.id = $1
FOR UPDATE OF s`

	step := &workflow.WorkflowStep{}
	var inputs, results []byte
	var lastAttempted sql.NullTime
	var hint sql.NullInt64
	var state string

	err := tx.QueryRowContext(ctx, q, stepID).Scan(
		&step.ID, &step.TaskID, &step.NamedStepID, &step.Name,
		&inputs, &results, &step.Attempts, &step.RetryLimit, &step.Retryable, &step.Skippable,
		&step.InProcess, &step.Processed, &lastAttempted, &hint,
		&step.CreatedAt, &step.UpdatedAt, &state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", storage.ErrNotFound
	}
	if err != nil {
		return nil, "", &workflow.PersistenceError{Op: "lock_step", Err: err}
	}

	if len(inputs) > 0 {
		step.Inputs = json.RawMessage(inputs)
	}
	if len(results) > 0 {
		step.Results = json.RawMessage(results)
	}
	if lastAttempted.Valid {
		t := lastAttempted.Time
		step.LastAttemptedAt = &t
	}
	if hint.Valid {
		h := int(hint.Int64)
		step.BackoffRequestSeconds = &h
	}
	return step, workflow.StepState(state), nil
}

// appendTaskTransitionTx demotes the previous most-recent row and inserts the
// new one with the next sort key.
func (s *Store) appendTaskTransitionTx(ctx context.Context, tx *sql.Tx, taskID string, from, to workflow.TaskState, meta json.RawMessage, now time.Time) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE task_transitions SET most_recent = FALSE WHERE task_id = $1 AND most_recent`, taskID); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `
INSERT INTO task_transitions (id, task_id, from_state, to_state, metadata, sort_key, most_recent, created_at)
VALUES ($1, $2, $3, $4, $5,
        COALESCE((SELECT MAX(sort_key) FROM task_transitions WHERE task_id = $2), 0) + 1,
        TRUE, $6)`,
		uuid.New().String(), taskID, string(from), string(to), jsonArg(meta), now)
	return err
}

// appendStepTransitionTx is the step-side twin of appendTaskTransitionTx.
func (s *Store) appendStepTransitionTx(ctx context.Context, tx *sql.Tx, stepID string, from, to workflow.StepState, meta json.RawMessage, now time.Time) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE workflow_step_transitions SET most_recent = FALSE WHERE workflow_step_id = $1 AND most_recent`, stepID); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `
INSERT INTO workflow_step_transitions (id, workflow_step_id, from_state, to_state, metadata, sort_key, most_recent, created_at)
VALUES ($1, $2, $3, $4, $5,
        COALESCE((SELECT MAX(sort_key) FROM workflow_step_transitions WHERE workflow_step_id = $2), 0) + 1,
        TRUE, $6)`,
		uuid.New().String(), stepID, string(from), string(to), jsonArg(meta), now)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*workflow.Task, error) {
	var t workflow.Task
	var contextJSON []byte
	var tags pq.StringArray
	err := row.Scan(&t.ID, &t.NamedTaskID, &t.Namespace, &t.Name, &t.Version,
		&contextJSON, &t.Initiator, &t.SourceSystem, &t.Reason, &tags,
		&t.IdentityHash, &t.Complete, &t.RequestedAt, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(contextJSON) > 0 {
		t.Context = json.RawMessage(contextJSON)
	}
	if len(tags) > 0 {
		t.Tags = []string(tags)
	}
	return &t, nil
}

func scanStep(row rowScanner) (*workflow.WorkflowStep, error) {
	step := &workflow.WorkflowStep{}
	var inputs, results []byte
	var lastAttempted sql.NullTime
	var hint sql.NullInt64

	err := row.Scan(&step.ID, &step.TaskID, &step.NamedStepID, &step.Name,
		&inputs, &results, &step.Attempts, &step.RetryLimit, &step.Retryable, &step.Skippable,
		&step.InProcess, &step.Processed, &lastAttempted, &hint,
		&step.CreatedAt, &step.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if len(inputs) > 0 {
		step.Inputs = json.RawMessage(inputs)
	}
	if len(results) > 0 {
		step.Results = json.RawMessage(results)
	}
	if lastAttempted.Valid {
		t := lastAttempted.Time
		step.LastAttemptedAt = &t
	}
	if hint.Valid {
		h := int(hint.Int64)
		step.BackoffRequestSeconds = &h
	}
	return step, nil
}

// jsonArg converts a raw JSON value to a driver argument: NULL for empty,
// text otherwise so the jsonb column parses it server-side.
func jsonArg(data json.RawMessage) any {
	if len(data) == 0 {
		return nil
	}
	return string(data)
}

// isUniqueViolation reports whether the error is a Postgres unique_violation.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
