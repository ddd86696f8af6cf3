package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/taskgraph/storage"
	"github.com/c360studio/taskgraph/workflow"
)

// openIntegrationStore connects to the database named by
// TASKGRAPH_TEST_DATABASE_URL and runs migrations. Tests that need a real
// database skip when the variable is unset or the server is unreachable.
func openIntegrationStore(t *testing.T) *Store {
	t.Helper()

	dsn := os.Getenv("TASKGRAPH_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TASKGRAPH_TEST_DATABASE_URL not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		t.Skipf("postgres unreachable: %v", err)
	}
	if err := Migrate(ctx, db); err != nil {
		db.Close()
		t.Fatalf("migrate: %v", err)
	}

	store := NewWithDB(db)
	t.Cleanup(func() { store.Close() })
	return store
}

// seedIntegrationTask builds a two-step task (a → b) through the real
// reference tables and returns the task ID and step IDs.
func seedIntegrationTask(t *testing.T, store *Store) (string, []string) {
	t.Helper()
	ctx := context.Background()

	ns, err := store.EnsureNamespace(ctx, "it-"+uuid.New().String()[:8])
	if err != nil {
		t.Fatalf("EnsureNamespace: %v", err)
	}
	nt, err := store.EnsureNamedTask(ctx, ns.ID, "process_order", "1.0.0")
	if err != nil {
		t.Fatalf("EnsureNamedTask: %v", err)
	}

	taskID := uuid.New().String()
	task := &workflow.Task{
		ID:           taskID,
		NamedTaskID:  nt.ID,
		IdentityHash: uuid.New().String(),
		Context:      json.RawMessage(`{"order_id": 42}`),
		Initiator:    "integration-test",
		RequestedAt:  time.Now().UTC(),
		Tags:         []string{"integration"},
	}

	names := []string{"fetch", "transform"}
	steps := make([]*workflow.WorkflowStep, 0, len(names))
	ids := make([]string, 0, len(names))
	for _, name := range names {
		named, err := store.EnsureNamedStep(ctx, name, "test-system")
		if err != nil {
			t.Fatalf("EnsureNamedStep(%s): %v", name, err)
		}
		id := uuid.New().String()
		ids = append(ids, id)
		steps = append(steps, &workflow.WorkflowStep{
			ID:          id,
			TaskID:      taskID,
			NamedStepID: named.ID,
			Name:        name,
			RetryLimit:  3,
			Retryable:   true,
		})
	}
	edges := []workflow.StepEdge{
		{TaskID: taskID, FromStepID: ids[0], ToStepID: ids[1]},
	}

	if err := store.CreateTask(ctx, task, steps, edges); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return taskID, ids
}

func TestIntegration_TaskLifecycle(t *testing.T) {
	store := openIntegrationStore(t)
	ctx := context.Background()
	taskID, ids := seedIntegrationTask(t, store)

	state, err := store.TaskState(ctx, taskID)
	if err != nil {
		t.Fatalf("TaskState: %v", err)
	}
	if state != workflow.TaskStatePending {
		t.Fatalf("expected pending, got %s", state)
	}

	readiness, err := store.StepReadiness(ctx, taskID)
	if err != nil {
		t.Fatalf("StepReadiness: %v", err)
	}
	byID := make(map[string]*storage.StepReadiness, len(readiness))
	for _, r := range readiness {
		byID[r.StepID] = r
	}
	if !byID[ids[0]].ReadyForExecution {
		t.Error("root step should be ready")
	}
	if byID[ids[1]].ReadyForExecution {
		t.Error("dependent step should be blocked")
	}

	if err := store.TransitionTask(ctx, taskID, workflow.TaskStatePending, workflow.TaskStateInProgress, nil); err != nil {
		t.Fatalf("TransitionTask: %v", err)
	}

	claimed, err := store.ClaimStep(ctx, ids[0])
	if err != nil {
		t.Fatalf("ClaimStep: %v", err)
	}
	if claimed.Attempts != 1 || !claimed.InProcess {
		t.Fatalf("claim bookkeeping wrong: attempts=%d in_process=%v", claimed.Attempts, claimed.InProcess)
	}

	// A second claim of the same step must lose.
	if _, err := store.ClaimStep(ctx, ids[0]); !errors.Is(err, workflow.ErrConcurrencyConflict) {
		t.Fatalf("expected concurrency conflict on double claim, got %v", err)
	}

	if err := store.CompleteStep(ctx, ids[0], json.RawMessage(`{"rows": 10}`)); err != nil {
		t.Fatalf("CompleteStep: %v", err)
	}

	readiness, err = store.StepReadiness(ctx, taskID, ids[1])
	if err != nil {
		t.Fatalf("StepReadiness: %v", err)
	}
	if len(readiness) != 1 || !readiness[0].ReadyForExecution {
		t.Fatal("dependent step should be ready after parent completes")
	}

	if _, err := store.ClaimStep(ctx, ids[1]); err != nil {
		t.Fatalf("ClaimStep: %v", err)
	}
	if err := store.CompleteStep(ctx, ids[1], nil); err != nil {
		t.Fatalf("CompleteStep: %v", err)
	}

	if err := store.TransitionTask(ctx, taskID, workflow.TaskStateInProgress, workflow.TaskStateComplete, nil); err != nil {
		t.Fatalf("TransitionTask: %v", err)
	}
	task, err := store.TaskByID(ctx, taskID)
	if err != nil {
		t.Fatalf("TaskByID: %v", err)
	}
	if !task.Complete {
		t.Error("complete flag should mirror the terminal transition")
	}

	transitions, err := store.TaskTransitions(ctx, taskID)
	if err != nil {
		t.Fatalf("TaskTransitions: %v", err)
	}
	if len(transitions) != 3 {
		t.Fatalf("expected 3 task transitions, got %d", len(transitions))
	}
	if !transitions[len(transitions)-1].MostRecent {
		t.Error("last transition should be most recent")
	}
	for _, tr := range transitions[:len(transitions)-1] {
		if tr.MostRecent {
			t.Errorf("transition %d should have been demoted", tr.SortKey)
		}
	}
}

func TestIntegration_FailureAndManualResolve(t *testing.T) {
	store := openIntegrationStore(t)
	ctx := context.Background()
	taskID, ids := seedIntegrationTask(t, store)

	if _, err := store.ClaimStep(ctx, ids[0]); err != nil {
		t.Fatalf("ClaimStep: %v", err)
	}
	meta := &workflow.TransitionMetadata{ErrorKind: "handler_error", ErrorMessage: "boom", Attempt: 1}
	if err := store.FailStep(ctx, ids[0], meta, nil, true); err != nil {
		t.Fatalf("FailStep: %v", err)
	}

	step, err := store.StepByID(ctx, ids[0])
	if err != nil {
		t.Fatalf("StepByID: %v", err)
	}
	if !step.Processed {
		t.Error("permanent failure should mark the step processed")
	}

	readiness, err := store.StepReadiness(ctx, taskID, ids[0], ids[1])
	if err != nil {
		t.Fatalf("StepReadiness: %v", err)
	}
	for _, r := range readiness {
		if r.ReadyForExecution {
			t.Errorf("step %s should not be ready after permanent failure", r.Name)
		}
	}

	if err := store.ResolveStepManually(ctx, ids[0], "operator fixed upstream"); err != nil {
		t.Fatalf("ResolveStepManually: %v", err)
	}

	readiness, err = store.StepReadiness(ctx, taskID, ids[1])
	if err != nil {
		t.Fatalf("StepReadiness: %v", err)
	}
	if len(readiness) != 1 || !readiness[0].ReadyForExecution {
		t.Fatal("dependent should be ready after manual resolution of parent")
	}

	history, err := store.StepTransitions(ctx, ids[0])
	if err != nil {
		t.Fatalf("StepTransitions: %v", err)
	}
	last := history[len(history)-1]
	if last.ToState != workflow.StepStateResolvedManually {
		t.Fatalf("expected resolved_manually, got %s", last.ToState)
	}
	var decoded workflow.TransitionMetadata
	if err := json.Unmarshal(last.Metadata, &decoded); err != nil {
		t.Fatalf("decode metadata: %v", err)
	}
	if decoded.Reason != "operator fixed upstream" {
		t.Errorf("unexpected reason %q", decoded.Reason)
	}
}

func TestIntegration_IdentityHashDedup(t *testing.T) {
	store := openIntegrationStore(t)
	ctx := context.Background()
	taskID, _ := seedIntegrationTask(t, store)

	task, err := store.TaskByID(ctx, taskID)
	if err != nil {
		t.Fatalf("TaskByID: %v", err)
	}

	found, err := store.TaskByIdentityHash(ctx, task.IdentityHash, time.Hour)
	if err != nil {
		t.Fatalf("TaskByIdentityHash: %v", err)
	}
	if found.ID != taskID {
		t.Fatalf("expected %s, got %s", taskID, found.ID)
	}

	if _, err := store.TaskByIdentityHash(ctx, uuid.New().String(), time.Hour); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for absent hash, got %v", err)
	}
}
