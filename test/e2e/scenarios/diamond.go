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

// DiamondRetryScenario proves fan-out, fan-in, and the retry path: two
// independent steps run off one parent, one of them fails transiently,
// and the join step still completes once the retry lands.
type DiamondRetryScenario struct {
	name        string
	description string
	opts        Options

	h      *harness
	gate   *flakyGate
	taskID string
}

// NewDiamondRetryScenario creates the diamond-with-retry scenario.
func NewDiamondRetryScenario(opts Options) *DiamondRetryScenario {
	return &DiamondRetryScenario{
		name:        "diamond-retry",
		description: "A fan-out/fan-in graph completes after a transient failure is retried with backoff",
		opts:        opts,
	}
}

// Name returns the scenario name.
func (s *DiamondRetryScenario) Name() string { return s.name }

// Description returns the scenario description.
func (s *DiamondRetryScenario) Description() string { return s.description }

// Setup brings up the engine with the diamond workflow registered, its
// enrich step primed to fail once.
func (s *DiamondRetryScenario) Setup(ctx context.Context) error {
	s.gate = &flakyGate{remaining: 1}
	s.h = newHarness(s.opts)
	return s.h.start(ctx, func(reg *registry.Registry) error {
		return reg.Register("e2e", "diamond_enrichment", "1.0.0", diamondWorkflow(s.gate))
	})
}

// Execute runs the diamond scenario.
func (s *DiamondRetryScenario) Execute(ctx context.Context) (*Result, error) {
	result := NewResult(s.name)
	defer result.Complete()

	runStages(ctx, result, s.opts.stageTimeout(), []stage{
		{"submit", s.stageSubmit},
		{"await-completion", s.stageAwaitCompletion},
		{"verify-retry", s.stageVerifyRetry},
		{"verify-results", s.stageVerifyResults},
	})
	return result, nil
}

// Teardown stops the engine.
func (s *DiamondRetryScenario) Teardown(ctx context.Context) error {
	return s.h.stop()
}

func (s *DiamondRetryScenario) stageSubmit(ctx context.Context, result *Result) error {
	taskContext := fmt.Sprintf(`{"run_id": %q, "entity": "acct-9"}`, uuid.NewString())
	taskID, err := s.h.engine.SubmitTask(ctx, workflow.TaskRequest{
		Namespace:    "e2e",
		Name:         "diamond_enrichment",
		Version:      "1.0.0",
		Context:      json.RawMessage(taskContext),
		Initiator:    "e2e-harness",
		SourceSystem: "e2e",
		Reason:       "diamond retry scenario",
	})
	if err != nil {
		return fmt.Errorf("submit task: %w", err)
	}
	s.taskID = taskID
	result.SetDetail("task_id", taskID)
	return nil
}

// stageAwaitCompletion covers the full retry round trip: enrich fails,
// the task parks behind the backoff window, the reenqueued job retries
// enrich, and publish joins the branches.
func (s *DiamondRetryScenario) stageAwaitCompletion(ctx context.Context, result *Result) error {
	return s.h.waitTaskState(ctx, s.taskID, workflow.TaskStateComplete)
}

func (s *DiamondRetryScenario) stageVerifyRetry(ctx context.Context, result *Result) error {
	if err := s.h.recorder.waitCount(ctx, events.TaskCompleted, 1); err != nil {
		return err
	}

	rows, err := s.h.readinessByName(ctx, s.taskID)
	if err != nil {
		return err
	}
	if len(rows) != 4 {
		return fmt.Errorf("expected 4 steps, got %d", len(rows))
	}
	for name, row := range rows {
		if row.CurrentState != workflow.StepStateComplete {
			return fmt.Errorf("step %s in state %s, want complete", name, row.CurrentState)
		}
		wantAttempts := 1
		if name == "enrich" {
			wantAttempts = 2
		}
		if row.Attempts != wantAttempts {
			return fmt.Errorf("step %s took %d attempts, want %d", name, row.Attempts, wantAttempts)
		}
	}
	result.SetMetric("enrich_attempts", rows["enrich"].Attempts)

	for name, want := range map[string]int{
		events.StepFailed:         1,
		events.StepRetryScheduled: 1,
		events.StepCompleted:      4,
		events.TaskCompleted:      1,
	} {
		if got := s.h.recorder.count(name); got != want {
			return fmt.Errorf("saw %d %s events, want %d", got, name, want)
		}
	}
	if got := s.h.recorder.count(events.TaskReenqueueRequested); got < 1 {
		return fmt.Errorf("expected at least one %s event, saw %d", events.TaskReenqueueRequested, got)
	}
	return nil
}

func (s *DiamondRetryScenario) stageVerifyResults(ctx context.Context, result *Result) error {
	task, err := s.h.store.TaskByID(ctx, s.taskID)
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}
	if !task.Complete {
		return fmt.Errorf("task complete flag not set")
	}

	steps, err := s.h.store.StepsByTask(ctx, s.taskID)
	if err != nil {
		return fmt.Errorf("load steps: %w", err)
	}
	for _, step := range steps {
		if step.Name != "publish" {
			continue
		}
		var published struct {
			Enriched bool    `json:"enriched"`
			Score    float64 `json:"score"`
		}
		if err := json.Unmarshal(step.Results, &published); err != nil {
			return fmt.Errorf("decode publish results: %w", err)
		}
		if !published.Enriched || published.Score != 0.87 {
			return fmt.Errorf("publish did not join both branches: %+v", published)
		}
		result.SetDetail("published", published)
		return nil
	}
	return fmt.Errorf("publish step not found")
}
