// Package workflow defines the domain model for durable task orchestration:
// tasks, workflow steps, dependency edges, transition history, handler
// contracts, and the state machines that guard every lifecycle change.
package workflow

import "errors"

// TaskState is the lifecycle state of a Task.
type TaskState string

// Task lifecycle states.
const (
	TaskStatePending          TaskState = "pending"
	TaskStateInProgress       TaskState = "in_progress"
	TaskStateComplete         TaskState = "complete"
	TaskStateError            TaskState = "error"
	TaskStateCancelled        TaskState = "cancelled"
	TaskStateResolvedManually TaskState = "resolved_manually"
)

// StepState is the lifecycle state of a WorkflowStep.
type StepState string

// Step lifecycle states.
const (
	StepStatePending          StepState = "pending"
	StepStateInProgress       StepState = "in_progress"
	StepStateComplete         StepState = "complete"
	StepStateError            StepState = "error"
	StepStateCancelled        StepState = "cancelled"
	StepStateResolvedManually StepState = "resolved_manually"
	StepStateSkipped          StepState = "skipped"
)

// ErrSameState is returned by transition guards when the requested target
// state equals the current state. Callers treat it as idempotent success and
// must not write a new transition row.
var ErrSameState = errors.New("already in requested state")

// taskTransitions enumerates the legal task state changes.
var taskTransitions = map[TaskState][]TaskState{
	TaskStatePending:    {TaskStateInProgress, TaskStateCancelled, TaskStateResolvedManually},
	TaskStateInProgress: {TaskStateComplete, TaskStateError, TaskStateCancelled},
	TaskStateError:      {TaskStateInProgress, TaskStateResolvedManually},
}

// stepTransitions enumerates the legal step state changes. A step is claimed
// directly from pending or error into in_progress; error → pending is the
// administrative retry activation.
var stepTransitions = map[StepState][]StepState{
	StepStatePending: {
		StepStateInProgress,
		StepStateCancelled,
		StepStateResolvedManually,
		StepStateSkipped,
	},
	StepStateInProgress: {StepStateComplete, StepStateError},
	StepStateError: {
		StepStateInProgress,
		StepStatePending,
		StepStateCancelled,
		StepStateResolvedManually,
	},
}

// TaskStateMachine validates task transitions. It is stateless; persistence
// of the resulting transition row is the storage layer's responsibility.
type TaskStateMachine struct{}

// InitialState returns the implicit state of a task with no transition rows.
func (TaskStateMachine) InitialState() TaskState {
	return TaskStatePending
}

// CanTransition reports whether from → to is a legal task transition.
func (TaskStateMachine) CanTransition(from, to TaskState) bool {
	for _, allowed := range taskTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// GuardTransition validates a requested transition. It returns nil when the
// transition is legal, ErrSameState when it is an idempotent no-op, and an
// *InvalidTransitionError otherwise.
func (m TaskStateMachine) GuardTransition(from, to TaskState) error {
	if from == to {
		return ErrSameState
	}
	if !m.CanTransition(from, to) {
		return &InvalidTransitionError{Subject: "task", From: string(from), To: string(to)}
	}
	return nil
}

// IsTerminal reports whether a task in this state can never transition again.
// Note that error is not terminal: a task recovers to in_progress when a
// blocked step becomes retry-eligible.
func (TaskStateMachine) IsTerminal(s TaskState) bool {
	switch s {
	case TaskStateComplete, TaskStateCancelled, TaskStateResolvedManually:
		return true
	}
	return false
}

// IsSuccessful reports whether the state counts as a successful outcome for
// the task's complete flag.
func (TaskStateMachine) IsSuccessful(s TaskState) bool {
	return s == TaskStateComplete || s == TaskStateResolvedManually
}

// StepStateMachine validates step transitions.
type StepStateMachine struct{}

// InitialState returns the implicit state of a step with no transition rows.
func (StepStateMachine) InitialState() StepState {
	return StepStatePending
}

// CanTransition reports whether from → to is a legal step transition.
func (StepStateMachine) CanTransition(from, to StepState) bool {
	for _, allowed := range stepTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// GuardTransition validates a requested transition with the same contract as
// TaskStateMachine.GuardTransition.
func (m StepStateMachine) GuardTransition(from, to StepState) error {
	if from == to {
		return ErrSameState
	}
	if !m.CanTransition(from, to) {
		return &InvalidTransitionError{Subject: "step", From: string(from), To: string(to)}
	}
	return nil
}

// IsTerminal reports whether a step in this state can never transition again.
// Error is only terminal in combination with the processed flag, which the
// state machine does not track.
func (StepStateMachine) IsTerminal(s StepState) bool {
	switch s {
	case StepStateComplete, StepStateCancelled, StepStateResolvedManually, StepStateSkipped:
		return true
	}
	return false
}

// SatisfiesDependency reports whether a parent step in this state unblocks
// its children. Manual resolution counts the same as completion.
func (StepStateMachine) SatisfiesDependency(s StepState) bool {
	return s == StepStateComplete || s == StepStateResolvedManually
}
