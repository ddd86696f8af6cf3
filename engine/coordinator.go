package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/c360studio/taskgraph/events"
	"github.com/c360studio/taskgraph/storage"
	"github.com/c360studio/taskgraph/workflow"
)

// HandleTask drives one dequeued job for one task: evaluate readiness,
// execute what is ready, and keep looping while execution makes progress.
// Anything that cannot be settled in this invocation is handed to the
// finalizer, whose reenqueue gives the task another pass later.
//
// The loop is bounded and every write inside it is guarded, so redelivered
// or duplicate jobs for the same task are harmless.
func (e *Engine) HandleTask(ctx context.Context, taskID string) error {
	task, err := e.store.TaskByID(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load task %s: %w", taskID, err)
	}
	desc, err := e.registry.Get(task.Namespace, task.Name, task.Version)
	if err != nil {
		return fmt.Errorf("task %s: %w", taskID, err)
	}

	maxIterations := e.execCfg.MaxCoordinatorIterations
	if maxIterations <= 0 {
		maxIterations = 10
	}

	var lastFingerprint string
	for i := 0; i < maxIterations; i++ {
		state, err := e.store.TaskState(ctx, taskID)
		if err != nil {
			return err
		}
		if e.taskMachine.IsTerminal(state) {
			e.logger.Debug("Task already terminal",
				"task_id", taskID, "state", string(state))
			return nil
		}

		snapshot, err := e.readinessSnapshot(ctx, taskID)
		if err != nil {
			return err
		}
		ec := NewExecutionContext(taskID, snapshot)

		fp := readinessFingerprint(snapshot)
		if i > 0 && fp == lastFingerprint {
			// Nothing changed since the previous pass; stop spinning and
			// let the reenqueuer pick the cadence.
			return e.finalize(ctx, task, state, ec)
		}
		lastFingerprint = fp

		state, err = e.activateTask(ctx, task, state, ec)
		if err != nil {
			return err
		}

		if ec.Action != ActionExecuteReadySteps {
			return e.finalize(ctx, task, state, ec)
		}

		sequence, err := e.store.StepsByTask(ctx, taskID)
		if err != nil {
			return err
		}
		settled := e.executeReadySteps(ctx, task, desc, sequence, ec.Ready)
		if settled == 0 {
			// Every claim lost; a parallel worker owns this batch. Take a
			// fresh snapshot so the finalizer sees their progress.
			snapshot, err := e.readinessSnapshot(ctx, taskID)
			if err != nil {
				return err
			}
			return e.finalize(ctx, task, state, NewExecutionContext(taskID, snapshot))
		}
	}

	// Iteration budget spent. Evaluate once more and hand off.
	state, err := e.store.TaskState(ctx, taskID)
	if err != nil {
		return err
	}
	if e.taskMachine.IsTerminal(state) {
		return nil
	}
	snapshot, err := e.readinessSnapshot(ctx, taskID)
	if err != nil {
		return err
	}
	return e.finalize(ctx, task, state, NewExecutionContext(taskID, snapshot))
}

// activateTask applies the start and recovery transitions: pending →
// in_progress on first activity (publishing task.started), error →
// in_progress when blocked work became eligible again. Races with parallel
// workers are benign.
func (e *Engine) activateTask(ctx context.Context, task *workflow.Task, state workflow.TaskState, ec *ExecutionContext) (workflow.TaskState, error) {
	switch state {
	case workflow.TaskStatePending:
		err := e.store.TransitionTask(ctx, task.ID, workflow.TaskStatePending, workflow.TaskStateInProgress, nil)
		if err != nil {
			if benignTransitionError(err) {
				return e.store.TaskState(ctx, task.ID)
			}
			return state, err
		}
		e.logger.Info("Task started",
			"task_id", task.ID,
			"namespace", task.Namespace,
			"name", task.Name,
			"version", task.Version)
		e.publish(ctx, events.TaskStarted, task.ID, events.TaskStartedPayload{
			Namespace: task.Namespace,
			Name:      task.Name,
			Version:   task.Version,
			StepCount: ec.TotalSteps,
		})
		return workflow.TaskStateInProgress, nil

	case workflow.TaskStateError:
		if ec.ReadySteps == 0 {
			return state, nil
		}
		err := e.store.TransitionTask(ctx, task.ID, workflow.TaskStateError, workflow.TaskStateInProgress, nil)
		if err != nil {
			if benignTransitionError(err) {
				return e.store.TaskState(ctx, task.ID)
			}
			return state, err
		}
		e.logger.Info("Task recovered from error state",
			"task_id", task.ID, "ready_steps", ec.ReadySteps)
		return workflow.TaskStateInProgress, nil

	default:
		return state, nil
	}
}

// readinessSnapshot fetches the readiness view and records its latency.
func (e *Engine) readinessSnapshot(ctx context.Context, taskID string) ([]*storage.StepReadiness, error) {
	start := time.Now()
	snapshot, err := e.store.StepReadiness(ctx, taskID)
	e.metrics.ReadinessSeconds.Observe(time.Since(start).Seconds())
	return snapshot, err
}

// readinessFingerprint summarizes a snapshot for progress detection: two
// identical fingerprints in a row mean the loop is no longer changing
// anything.
func readinessFingerprint(snapshot []*storage.StepReadiness) string {
	var b strings.Builder
	for _, r := range snapshot {
		b.WriteString(r.StepID)
		b.WriteByte(':')
		b.WriteString(string(r.CurrentState))
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(r.Attempts))
		b.WriteByte(':')
		if r.InProcess {
			b.WriteByte('p')
		}
		if r.ReadyForExecution {
			b.WriteByte('r')
		}
		b.WriteByte(';')
	}
	return b.String()
}
