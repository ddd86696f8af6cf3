package workflow

import (
	"errors"
	"testing"
)

func TestTaskStateMachine_LegalTransitions(t *testing.T) {
	m := TaskStateMachine{}

	legal := []struct {
		from, to TaskState
	}{
		{TaskStatePending, TaskStateInProgress},
		{TaskStatePending, TaskStateCancelled},
		{TaskStatePending, TaskStateResolvedManually},
		{TaskStateInProgress, TaskStateComplete},
		{TaskStateInProgress, TaskStateError},
		{TaskStateInProgress, TaskStateCancelled},
		{TaskStateError, TaskStateInProgress},
		{TaskStateError, TaskStateResolvedManually},
	}

	for _, tc := range legal {
		if !m.CanTransition(tc.from, tc.to) {
			t.Errorf("expected %s → %s to be legal", tc.from, tc.to)
		}
		if err := m.GuardTransition(tc.from, tc.to); err != nil {
			t.Errorf("GuardTransition(%s, %s) returned %v, want nil", tc.from, tc.to, err)
		}
	}
}

func TestTaskStateMachine_IllegalTransitions(t *testing.T) {
	m := TaskStateMachine{}

	illegal := []struct {
		from, to TaskState
	}{
		{TaskStatePending, TaskStateComplete},
		{TaskStatePending, TaskStateError},
		{TaskStateComplete, TaskStateInProgress},
		{TaskStateComplete, TaskStateError},
		{TaskStateCancelled, TaskStateInProgress},
		{TaskStateResolvedManually, TaskStateInProgress},
		{TaskStateError, TaskStateComplete},
		{TaskStateError, TaskStateCancelled},
	}

	for _, tc := range illegal {
		err := m.GuardTransition(tc.from, tc.to)
		if err == nil {
			t.Errorf("expected %s → %s to be rejected", tc.from, tc.to)
			continue
		}
		var invalid *InvalidTransitionError
		if !errors.As(err, &invalid) {
			t.Errorf("GuardTransition(%s, %s) returned %T, want *InvalidTransitionError", tc.from, tc.to, err)
		}
	}
}

func TestTaskStateMachine_SameStateIsNoop(t *testing.T) {
	m := TaskStateMachine{}

	for _, state := range []TaskState{
		TaskStatePending, TaskStateInProgress, TaskStateComplete,
		TaskStateError, TaskStateCancelled, TaskStateResolvedManually,
	} {
		err := m.GuardTransition(state, state)
		if !errors.Is(err, ErrSameState) {
			t.Errorf("GuardTransition(%s, %s) = %v, want ErrSameState", state, state, err)
		}
	}
}

func TestTaskStateMachine_TerminalStates(t *testing.T) {
	m := TaskStateMachine{}

	if !m.IsTerminal(TaskStateComplete) || !m.IsTerminal(TaskStateCancelled) || !m.IsTerminal(TaskStateResolvedManually) {
		t.Error("complete, cancelled, and resolved_manually must be terminal")
	}
	// error is recoverable: a blocked step can become retry-eligible again.
	if m.IsTerminal(TaskStateError) {
		t.Error("error must not be terminal for tasks")
	}
	if m.IsTerminal(TaskStatePending) || m.IsTerminal(TaskStateInProgress) {
		t.Error("pending and in_progress must not be terminal")
	}
}

func TestStepStateMachine_ClaimTransitions(t *testing.T) {
	m := StepStateMachine{}

	// A step is claimed from pending on its first attempt and directly from
	// error on retries.
	if !m.CanTransition(StepStatePending, StepStateInProgress) {
		t.Error("pending → in_progress must be legal")
	}
	if !m.CanTransition(StepStateError, StepStateInProgress) {
		t.Error("error → in_progress must be legal")
	}
	if !m.CanTransition(StepStateError, StepStatePending) {
		t.Error("error → pending (retry activation) must be legal")
	}
}

func TestStepStateMachine_IllegalTransitions(t *testing.T) {
	m := StepStateMachine{}

	illegal := []struct {
		from, to StepState
	}{
		{StepStatePending, StepStateComplete},
		{StepStateComplete, StepStateInProgress},
		{StepStateComplete, StepStateError},
		{StepStateSkipped, StepStateInProgress},
		{StepStateCancelled, StepStatePending},
		{StepStateInProgress, StepStateSkipped},
		{StepStateInProgress, StepStateCancelled},
	}

	for _, tc := range illegal {
		if m.CanTransition(tc.from, tc.to) {
			t.Errorf("expected %s → %s to be illegal", tc.from, tc.to)
		}
	}
}

func TestStepStateMachine_SameStateIsNoop(t *testing.T) {
	m := StepStateMachine{}

	err := m.GuardTransition(StepStateInProgress, StepStateInProgress)
	if !errors.Is(err, ErrSameState) {
		t.Fatalf("GuardTransition returned %v, want ErrSameState", err)
	}
}

func TestStepStateMachine_DependencySatisfaction(t *testing.T) {
	m := StepStateMachine{}

	if !m.SatisfiesDependency(StepStateComplete) {
		t.Error("complete must satisfy dependencies")
	}
	if !m.SatisfiesDependency(StepStateResolvedManually) {
		t.Error("resolved_manually must satisfy dependencies")
	}
	for _, s := range []StepState{StepStatePending, StepStateInProgress, StepStateError, StepStateCancelled, StepStateSkipped} {
		if m.SatisfiesDependency(s) {
			t.Errorf("%s must not satisfy dependencies", s)
		}
	}
}
