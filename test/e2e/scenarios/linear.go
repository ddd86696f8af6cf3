package scenarios

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/c360studio/taskgraph/events"
	"github.com/c360studio/taskgraph/registry"
	"github.com/c360studio/taskgraph/workflow"
)

// LinearScenario proves the happy path: a three-step chain executes in
// dependency order, completes, and stays settled when the finished task
// is delivered again.
type LinearScenario struct {
	name        string
	description string
	opts        Options

	h      *harness
	trace  *stepTrace
	taskID string
}

// NewLinearScenario creates the linear pipeline scenario.
func NewLinearScenario(opts Options) *LinearScenario {
	return &LinearScenario{
		name:        "linear",
		description: "Three chained steps execute in order and the finished task survives redelivery",
		opts:        opts,
	}
}

// Name returns the scenario name.
func (s *LinearScenario) Name() string { return s.name }

// Description returns the scenario description.
func (s *LinearScenario) Description() string { return s.description }

// Setup brings up the engine with the linear workflow registered.
func (s *LinearScenario) Setup(ctx context.Context) error {
	s.trace = &stepTrace{}
	s.h = newHarness(s.opts)
	return s.h.start(ctx, func(reg *registry.Registry) error {
		return reg.Register("e2e", "linear_pipeline", "1.0.0", linearWorkflow(s.trace))
	})
}

// Execute runs the linear scenario.
func (s *LinearScenario) Execute(ctx context.Context) (*Result, error) {
	result := NewResult(s.name)
	defer result.Complete()

	runStages(ctx, result, s.opts.stageTimeout(), []stage{
		{"submit", s.stageSubmit},
		{"await-completion", s.stageAwaitCompletion},
		{"verify-steps", s.stageVerifySteps},
		{"verify-events", s.stageVerifyEvents},
		{"redeliver", s.stageRedeliver},
	})
	return result, nil
}

// Teardown stops the engine.
func (s *LinearScenario) Teardown(ctx context.Context) error {
	return s.h.stop()
}

func (s *LinearScenario) stageSubmit(ctx context.Context, result *Result) error {
	taskContext := fmt.Sprintf(`{"run_id": %q, "source": "s3://exports/batch-7"}`, uuid.NewString())
	taskID, err := s.h.engine.SubmitTask(ctx, workflow.TaskRequest{
		Namespace:    "e2e",
		Name:         "linear_pipeline",
		Version:      "1.0.0",
		Context:      json.RawMessage(taskContext),
		Initiator:    "e2e-harness",
		SourceSystem: "e2e",
		Reason:       "linear scenario",
	})
	if err != nil {
		return fmt.Errorf("submit task: %w", err)
	}
	s.taskID = taskID
	result.SetDetail("task_id", taskID)
	return nil
}

func (s *LinearScenario) stageAwaitCompletion(ctx context.Context, result *Result) error {
	return s.h.waitTaskState(ctx, s.taskID, workflow.TaskStateComplete)
}

func (s *LinearScenario) stageVerifySteps(ctx context.Context, result *Result) error {
	rows, err := s.h.readinessByName(ctx, s.taskID)
	if err != nil {
		return err
	}
	if len(rows) != 3 {
		return fmt.Errorf("expected 3 steps, got %d", len(rows))
	}
	for name, row := range rows {
		if row.CurrentState != workflow.StepStateComplete {
			return fmt.Errorf("step %s in state %s, want complete", name, row.CurrentState)
		}
		if row.Attempts != 1 {
			return fmt.Errorf("step %s took %d attempts, want 1", name, row.Attempts)
		}
	}

	order := s.trace.names()
	want := []string{"ingest", "transform", "publish_result"}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		return fmt.Errorf("execution order %v, want %v", order, want)
	}
	result.SetDetail("execution_order", order)

	steps, err := s.h.store.StepsByTask(ctx, s.taskID)
	if err != nil {
		return fmt.Errorf("load steps: %w", err)
	}
	for _, step := range steps {
		if len(step.Results) == 0 {
			return fmt.Errorf("step %s has no results", step.Name)
		}
	}
	return nil
}

func (s *LinearScenario) stageVerifyEvents(ctx context.Context, result *Result) error {
	// The feed is ordered per subscriber, so once task.completed is in,
	// everything published before it is too.
	if err := s.h.recorder.waitCount(ctx, events.TaskCompleted, 1); err != nil {
		return err
	}

	for name, want := range map[string]int{
		events.TaskStarted:     1,
		events.TaskCompleted:   1,
		events.StepsDiscovered: 1,
		events.StepStarted:     3,
		events.StepCompleted:   3,
	} {
		if got := s.h.recorder.count(name); got != want {
			return fmt.Errorf("saw %d %s events, want %d", got, name, want)
		}
	}
	if got := s.h.recorder.count(events.StepFailed); got != 0 {
		return fmt.Errorf("saw %d %s events, want 0", got, events.StepFailed)
	}
	if dropped := s.h.fanout.DroppedEvents(); dropped != 0 {
		return fmt.Errorf("event feed dropped %d events", dropped)
	}
	return nil
}

func (s *LinearScenario) stageRedeliver(ctx context.Context, result *Result) error {
	before, err := s.h.store.TaskTransitions(ctx, s.taskID)
	if err != nil {
		return fmt.Errorf("load transitions: %w", err)
	}

	if err := s.h.engine.HandleTask(ctx, s.taskID); err != nil {
		return fmt.Errorf("redelivery of a finished task should settle cleanly: %w", err)
	}

	after, err := s.h.store.TaskTransitions(ctx, s.taskID)
	if err != nil {
		return fmt.Errorf("reload transitions: %w", err)
	}
	if len(after) != len(before) {
		return fmt.Errorf("redelivery appended %d transitions", len(after)-len(before))
	}
	if got := s.h.recorder.count(events.TaskCompleted); got != 1 {
		return fmt.Errorf("redelivery duplicated task.completed: saw %d", got)
	}
	result.SetDetail("redelivery_safe", true)
	return nil
}
