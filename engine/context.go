package engine

import (
	"time"

	"github.com/c360studio/taskgraph/storage"
	"github.com/c360studio/taskgraph/workflow"
)

// ExecutionStatus summarizes where a task's steps stand as a whole.
type ExecutionStatus string

const (
	StatusHasReadySteps          ExecutionStatus = "has_ready_steps"
	StatusProcessing             ExecutionStatus = "processing"
	StatusBlockedByFailures      ExecutionStatus = "blocked_by_failures"
	StatusAllComplete            ExecutionStatus = "all_complete"
	StatusWaitingForDependencies ExecutionStatus = "waiting_for_dependencies"
)

// RecommendedAction is what the coordinator should do next.
type RecommendedAction string

const (
	ActionExecuteReadySteps   RecommendedAction = "execute_ready_steps"
	ActionWaitForCompletion   RecommendedAction = "wait_for_completion"
	ActionHandleFailures      RecommendedAction = "handle_failures"
	ActionFinalizeTask        RecommendedAction = "finalize_task"
	ActionWaitForDependencies RecommendedAction = "wait_for_dependencies"
)

// HealthStatus is a coarse task health signal for operators.
type HealthStatus string

const (
	HealthHealthy    HealthStatus = "healthy"
	HealthRecovering HealthStatus = "recovering"
	HealthBlocked    HealthStatus = "blocked"
	HealthUnknown    HealthStatus = "unknown"
)

// ExecutionContext aggregates one readiness snapshot into the counts and
// verdicts the coordinator and finalizer act on. It is derived purely from
// the snapshot; building one has no side effects.
type ExecutionContext struct {
	TaskID string

	TotalSteps      int
	PendingSteps    int
	InProgressSteps int
	CompletedSteps  int
	FailedSteps     int
	ReadySteps      int

	// ExhaustedFailures counts failed steps with no retry remaining.
	ExhaustedFailures int

	// EarliestNextRetry is the soonest a currently-gated failed step can
	// run again; nil when no failed step has a pending retry window.
	EarliestNextRetry *time.Time

	// FailedStepNames lists the steps currently in the error state.
	FailedStepNames []string

	Status               ExecutionStatus
	Action               RecommendedAction
	CompletionPercentage float64
	Health               HealthStatus

	// Ready holds the snapshot rows that may execute right now, in the
	// order the store returned them.
	Ready []*storage.StepReadiness
}

// NewExecutionContext evaluates a readiness snapshot.
//
// Status precedence: ready work beats everything, then in-flight work, then
// full completion, then failures, then waiting on dependencies. A failed
// step that is retry-eligible right now shows up as ready, so
// blocked_by_failures only covers failures that cannot run yet (or ever).
func NewExecutionContext(taskID string, snapshot []*storage.StepReadiness) *ExecutionContext {
	ec := &ExecutionContext{
		TaskID:     taskID,
		TotalSteps: len(snapshot),
	}

	resolved := 0 // steps whose terminal state permits task completion
	for _, r := range snapshot {
		switch r.CurrentState {
		case workflow.StepStatePending:
			ec.PendingSteps++
		case workflow.StepStateInProgress:
			ec.InProgressSteps++
		case workflow.StepStateComplete, workflow.StepStateResolvedManually:
			ec.CompletedSteps++
			resolved++
		case workflow.StepStateSkipped:
			resolved++
		case workflow.StepStateError:
			ec.FailedSteps++
			ec.FailedStepNames = append(ec.FailedStepNames, r.Name)
			if r.Processed {
				ec.ExhaustedFailures++
			} else if !r.ReadyForExecution && r.NextRetryAt != nil {
				if ec.EarliestNextRetry == nil || r.NextRetryAt.Before(*ec.EarliestNextRetry) {
					t := *r.NextRetryAt
					ec.EarliestNextRetry = &t
				}
			}
		}
		if r.ReadyForExecution {
			ec.ReadySteps++
			ec.Ready = append(ec.Ready, r)
		}
	}

	switch {
	case ec.ReadySteps > 0:
		ec.Status = StatusHasReadySteps
		ec.Action = ActionExecuteReadySteps
	case ec.InProgressSteps > 0:
		ec.Status = StatusProcessing
		ec.Action = ActionWaitForCompletion
	case ec.TotalSteps > 0 && resolved == ec.TotalSteps:
		ec.Status = StatusAllComplete
		ec.Action = ActionFinalizeTask
	case ec.FailedSteps > 0:
		ec.Status = StatusBlockedByFailures
		ec.Action = ActionHandleFailures
	default:
		ec.Status = StatusWaitingForDependencies
		ec.Action = ActionWaitForDependencies
	}

	if ec.TotalSteps > 0 {
		ec.CompletionPercentage = float64(ec.CompletedSteps) / float64(ec.TotalSteps) * 100
	}

	switch {
	case ec.TotalSteps == 0:
		ec.Health = HealthUnknown
	case ec.FailedSteps == 0:
		ec.Health = HealthHealthy
	case ec.ExhaustedFailures == ec.FailedSteps && ec.ReadySteps == 0:
		ec.Health = HealthBlocked
	default:
		ec.Health = HealthRecovering
	}

	return ec
}

// AllFailuresExhausted reports whether every failed step is out of retries.
// The finalizer uses it to pick task error over a reenqueue.
func (ec *ExecutionContext) AllFailuresExhausted() bool {
	return ec.FailedSteps > 0 && ec.ExhaustedFailures == ec.FailedSteps
}
