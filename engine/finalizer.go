package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/c360studio/taskgraph/events"
	"github.com/c360studio/taskgraph/workflow"
)

// finalize settles one coordinator invocation: finish the task when its
// steps allow it, fail it when every failure is exhausted, otherwise hand
// the task back to the job queue with a status-appropriate delay.
func (e *Engine) finalize(ctx context.Context, task *workflow.Task, state workflow.TaskState, ec *ExecutionContext) error {
	switch ec.Status {
	case StatusAllComplete:
		return e.completeTask(ctx, task, state, ec)

	case StatusBlockedByFailures:
		if ec.AllFailuresExhausted() && ec.EarliestNextRetry == nil {
			return e.failTask(ctx, task, state, ec)
		}
		delay := e.retryDelay(ec)
		return e.reenqueue(ctx, task.ID, ec.Status, delay)

	case StatusHasReadySteps:
		return e.reenqueue(ctx, task.ID, ec.Status, e.delayFor(e.backoffCfg.ReenqueueDelays.HasReadySteps))

	case StatusProcessing:
		return e.reenqueue(ctx, task.ID, ec.Status, e.delayFor(e.backoffCfg.ReenqueueDelays.Processing))

	default:
		return e.reenqueue(ctx, task.ID, ec.Status, e.delayFor(e.backoffCfg.ReenqueueDelays.WaitingForDependencies))
	}
}

// retryDelay computes the reenqueue delay while a failed step waits out its
// backoff window: min(earliest next retry − now, configured maximum),
// floored at zero.
func (e *Engine) retryDelay(ec *ExecutionContext) time.Duration {
	ceiling := e.delayFor(e.backoffCfg.ReenqueueDelays.BlockedByFailures)
	if ec.EarliestNextRetry == nil {
		return 0
	}
	delay := ec.EarliestNextRetry.Sub(e.now())
	if delay < 0 {
		return 0
	}
	if delay > ceiling {
		return ceiling
	}
	return delay
}

func (e *Engine) delayFor(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}

// completeTask moves the task to complete and publishes task.completed.
// Losing the transition race to another worker is benign.
func (e *Engine) completeTask(ctx context.Context, task *workflow.Task, state workflow.TaskState, ec *ExecutionContext) error {
	state, err := e.ensureInProgress(ctx, task.ID, state)
	if err != nil {
		return err
	}

	err = e.store.TransitionTask(ctx, task.ID, state, workflow.TaskStateComplete, nil)
	if err != nil {
		if benignTransitionError(err) {
			return nil
		}
		return err
	}

	e.metrics.TasksCompleted.WithLabelValues(string(workflow.TaskStateComplete)).Inc()
	e.logger.Info("Task complete",
		"task_id", task.ID,
		"namespace", task.Namespace,
		"name", task.Name,
		"steps", ec.TotalSteps)
	e.publish(ctx, events.TaskCompleted, task.ID, events.TaskCompletedPayload{
		FinalState:     string(workflow.TaskStateComplete),
		StepCount:      ec.TotalSteps,
		ResolvedSteps:  ec.CompletedSteps,
		DurationMillis: e.now().Sub(task.CreatedAt).Milliseconds(),
	})
	return nil
}

// failTask moves the task to error once every failed step is out of retries.
func (e *Engine) failTask(ctx context.Context, task *workflow.Task, state workflow.TaskState, ec *ExecutionContext) error {
	state, err := e.ensureInProgress(ctx, task.ID, state)
	if err != nil {
		return err
	}

	meta := &workflow.TransitionMetadata{
		Reason: fmt.Sprintf("%d of %d steps failed terminally", ec.ExhaustedFailures, ec.TotalSteps),
	}
	err = e.store.TransitionTask(ctx, task.ID, state, workflow.TaskStateError, meta)
	if err != nil {
		if benignTransitionError(err) {
			return nil
		}
		return err
	}

	e.metrics.TasksCompleted.WithLabelValues(string(workflow.TaskStateError)).Inc()
	e.logger.Warn("Task blocked by exhausted failures",
		"task_id", task.ID,
		"namespace", task.Namespace,
		"name", task.Name,
		"failed_steps", ec.FailedStepNames)
	e.publish(ctx, events.TaskFailed, task.ID, events.TaskFailedPayload{
		Reason:      meta.Reason,
		FailedSteps: ec.FailedStepNames,
	})
	return nil
}

// ensureInProgress walks a pending task into in_progress so a terminal
// transition is legal. Steps can finish while the task is still pending when
// every step was resolved administratively before the first execution pass.
func (e *Engine) ensureInProgress(ctx context.Context, taskID string, state workflow.TaskState) (workflow.TaskState, error) {
	if state != workflow.TaskStatePending {
		return state, nil
	}
	err := e.store.TransitionTask(ctx, taskID, workflow.TaskStatePending, workflow.TaskStateInProgress, nil)
	if err != nil && !benignTransitionError(err) {
		return state, err
	}
	return e.store.TaskState(ctx, taskID)
}

// reenqueue asks the job queue for another execution pass after delay.
func (e *Engine) reenqueue(ctx context.Context, taskID string, status ExecutionStatus, delay time.Duration) error {
	if err := e.queue.Enqueue(ctx, taskID, delay); err != nil {
		return fmt.Errorf("reenqueue task %s: %w", taskID, err)
	}
	e.metrics.Reenqueues.WithLabelValues(string(status)).Inc()
	e.logger.Debug("Task reenqueued",
		"task_id", taskID, "status", string(status), "delay", delay)
	e.publish(ctx, events.TaskReenqueueRequested, taskID, events.ReenqueuePayload{
		Status:       string(status),
		DelaySeconds: int(delay / time.Second),
	})
	return nil
}

// benignTransitionError reports whether a task transition failure means
// another worker already applied an equivalent change.
func benignTransitionError(err error) bool {
	return errors.Is(err, workflow.ErrSameState) || errors.Is(err, workflow.ErrConcurrencyConflict)
}
