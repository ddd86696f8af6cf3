package scenarios

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/c360studio/taskgraph/events"
	"github.com/c360studio/taskgraph/registry"
	"github.com/c360studio/taskgraph/workflow"
)

// PermanentFailureScenario proves the failure and recovery path: a step
// that fails permanently parks the task in the error state without
// retries, and a manual resolution unblocks the dependent step and
// completes the task.
type PermanentFailureScenario struct {
	name        string
	description string
	opts        Options

	h            *harness
	taskID       string
	failedStepID string
}

// NewPermanentFailureScenario creates the permanent-failure scenario.
func NewPermanentFailureScenario(opts Options) *PermanentFailureScenario {
	return &PermanentFailureScenario{
		name:        "permanent-failure",
		description: "A permanent failure parks the task without retries until manual resolution completes it",
		opts:        opts,
	}
}

// Name returns the scenario name.
func (s *PermanentFailureScenario) Name() string { return s.name }

// Description returns the scenario description.
func (s *PermanentFailureScenario) Description() string { return s.description }

// Setup brings up the engine with the rejected-import workflow.
func (s *PermanentFailureScenario) Setup(ctx context.Context) error {
	s.h = newHarness(s.opts)
	return s.h.start(ctx, func(reg *registry.Registry) error {
		return reg.Register("e2e", "rejected_import", "1.0.0", rejectedImportWorkflow())
	})
}

// Execute runs the permanent-failure scenario.
func (s *PermanentFailureScenario) Execute(ctx context.Context) (*Result, error) {
	result := NewResult(s.name)
	defer result.Complete()

	runStages(ctx, result, s.opts.stageTimeout(), []stage{
		{"submit", s.stageSubmit},
		{"await-failure", s.stageAwaitFailure},
		{"verify-blocked", s.stageVerifyBlocked},
		{"resolve", s.stageResolve},
		{"await-recovery", s.stageAwaitRecovery},
		{"verify-recovered", s.stageVerifyRecovered},
	})
	return result, nil
}

// Teardown stops the engine.
func (s *PermanentFailureScenario) Teardown(ctx context.Context) error {
	return s.h.stop()
}

func (s *PermanentFailureScenario) stageSubmit(ctx context.Context, result *Result) error {
	taskContext := fmt.Sprintf(`{"run_id": %q, "schema_version": 99}`, uuid.NewString())
	taskID, err := s.h.engine.SubmitTask(ctx, workflow.TaskRequest{
		Namespace:    "e2e",
		Name:         "rejected_import",
		Version:      "1.0.0",
		Context:      json.RawMessage(taskContext),
		Initiator:    "e2e-harness",
		SourceSystem: "e2e",
		Reason:       "permanent failure scenario",
	})
	if err != nil {
		return fmt.Errorf("submit task: %w", err)
	}
	s.taskID = taskID
	result.SetDetail("task_id", taskID)
	return nil
}

func (s *PermanentFailureScenario) stageAwaitFailure(ctx context.Context, result *Result) error {
	if err := s.h.waitTaskState(ctx, s.taskID, workflow.TaskStateError); err != nil {
		return err
	}
	return s.h.recorder.waitCount(ctx, events.TaskFailed, 1)
}

func (s *PermanentFailureScenario) stageVerifyBlocked(ctx context.Context, result *Result) error {
	rows, err := s.h.readinessByName(ctx, s.taskID)
	if err != nil {
		return err
	}

	failed, ok := rows["validate_input"]
	if !ok {
		return fmt.Errorf("validate_input step not found")
	}
	if failed.CurrentState != workflow.StepStateError {
		return fmt.Errorf("validate_input in state %s, want error", failed.CurrentState)
	}
	if !failed.Processed {
		return fmt.Errorf("permanently failed step not marked processed")
	}
	if failed.Attempts != 1 {
		return fmt.Errorf("permanent failure was attempted %d times, want 1", failed.Attempts)
	}
	if failed.RetryEligible {
		return fmt.Errorf("permanently failed step must not be retry eligible")
	}
	s.failedStepID = failed.StepID

	blocked, ok := rows["load_records"]
	if !ok {
		return fmt.Errorf("load_records step not found")
	}
	if blocked.CurrentState != workflow.StepStatePending {
		return fmt.Errorf("load_records in state %s, want pending", blocked.CurrentState)
	}
	if blocked.DependenciesSatisfied || blocked.ReadyForExecution {
		return fmt.Errorf("load_records should be blocked behind the failed parent")
	}

	if got := s.h.recorder.count(events.StepRetryScheduled); got != 0 {
		return fmt.Errorf("permanent failure scheduled %d retries", got)
	}
	if got := s.h.recorder.count(events.StepFailed); got != 1 {
		return fmt.Errorf("saw %d %s events, want 1", got, events.StepFailed)
	}
	return nil
}

func (s *PermanentFailureScenario) stageResolve(ctx context.Context, result *Result) error {
	if err := s.h.engine.ResolveStep(ctx, s.failedStepID, "operator accepted legacy schema"); err != nil {
		return fmt.Errorf("resolve step: %w", err)
	}
	result.SetDetail("resolved_step_id", s.failedStepID)
	return nil
}

func (s *PermanentFailureScenario) stageAwaitRecovery(ctx context.Context, result *Result) error {
	if err := s.h.waitTaskState(ctx, s.taskID, workflow.TaskStateComplete); err != nil {
		return err
	}
	return s.h.recorder.waitCount(ctx, events.TaskCompleted, 1)
}

func (s *PermanentFailureScenario) stageVerifyRecovered(ctx context.Context, result *Result) error {
	rows, err := s.h.readinessByName(ctx, s.taskID)
	if err != nil {
		return err
	}

	if state := rows["validate_input"].CurrentState; state != workflow.StepStateResolvedManually {
		return fmt.Errorf("validate_input in state %s, want resolved_manually", state)
	}
	recovered := rows["load_records"]
	if recovered.CurrentState != workflow.StepStateComplete {
		return fmt.Errorf("load_records in state %s, want complete", recovered.CurrentState)
	}
	if recovered.Attempts != 1 {
		return fmt.Errorf("load_records took %d attempts, want 1", recovered.Attempts)
	}

	task, err := s.h.store.TaskByID(ctx, s.taskID)
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}
	if !task.Complete {
		return fmt.Errorf("task complete flag not set after recovery")
	}
	return nil
}
