package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/c360studio/taskgraph/events"
	"github.com/c360studio/taskgraph/registry"
	"github.com/c360studio/taskgraph/storage"
	"github.com/c360studio/taskgraph/workflow"
)

// executeReadySteps fans the ready set out across a bounded set of
// goroutines and waits for the batch to settle. It returns the number of
// steps whose execution reached a terminal write (complete or error);
// lost claim races do not count as progress.
func (e *Engine) executeReadySteps(ctx context.Context, task *workflow.Task, desc *registry.Descriptor, sequence []*workflow.WorkflowStep, ready []*storage.StepReadiness) int {
	limit := e.concurrency.Limit()
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	var mu sync.Mutex
	settled := 0

	for _, row := range ready {
		wg.Add(1)
		go func(row *storage.StepReadiness) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			e.metrics.ActiveWorkers.Inc()
			defer e.metrics.ActiveWorkers.Dec()

			if e.executeStep(ctx, task, desc, sequence, row.StepID) {
				mu.Lock()
				settled++
				mu.Unlock()
			}
		}(row)
	}
	wg.Wait()
	return settled
}

// executeStep drives one attempt of one step: claim, run the handler under
// the per-step timeout, then persist the outcome. Returns true when the
// attempt reached a terminal write.
func (e *Engine) executeStep(ctx context.Context, task *workflow.Task, desc *registry.Descriptor, sequence []*workflow.WorkflowStep, stepID string) bool {
	claimed, err := e.store.ClaimStep(ctx, stepID)
	if err != nil {
		if errors.Is(err, workflow.ErrConcurrencyConflict) {
			e.metrics.ClaimConflicts.Inc()
			e.logger.Debug("Step claim lost to another worker",
				"task_id", task.ID, "step_id", stepID)
			return false
		}
		e.logger.Error("Step claim failed",
			"task_id", task.ID, "step_id", stepID, "error", err)
		return false
	}

	e.publishStep(ctx, events.StepStarted, task.ID, claimed.ID, events.StepStartedPayload{
		Name:    claimed.Name,
		Attempt: claimed.Attempts,
	})

	started := e.now()
	results, handlerErr := e.invokeHandler(ctx, task, desc, sequence, claimed)
	elapsed := e.now().Sub(started)

	if handlerErr == nil {
		if len(results) == 0 && len(claimed.Results) > 0 {
			// Handler mutated step.Results in place instead of returning.
			results = claimed.Results
		}
		if err := e.store.CompleteStep(ctx, claimed.ID, results); err != nil {
			e.logger.Error("Step completion write failed",
				"task_id", task.ID, "step_id", claimed.ID, "error", err)
			return false
		}
		e.metrics.StepsExecuted.WithLabelValues("complete").Inc()
		e.publishStep(ctx, events.StepCompleted, task.ID, claimed.ID, events.StepCompletedPayload{
			Name:           claimed.Name,
			Attempt:        claimed.Attempts,
			DurationMillis: elapsed.Milliseconds(),
		})
		return true
	}

	permanent := workflow.IsPermanent(handlerErr)
	kind := errorKind(handlerErr)
	var hintPtr *int
	if hint, ok := workflow.BackoffHint(handlerErr); ok {
		hintPtr = &hint
	}

	meta := &workflow.TransitionMetadata{
		ErrorKind:    kind,
		ErrorMessage: handlerErr.Error(),
		Attempt:      claimed.Attempts,
		BackoffHint:  hintPtr,
	}
	if err := e.store.FailStep(ctx, claimed.ID, meta, hintPtr, permanent); err != nil {
		e.logger.Error("Step failure write failed",
			"task_id", task.ID, "step_id", claimed.ID, "error", err)
		return false
	}

	terminal := permanent || !claimed.Retryable || claimed.Attempts >= claimed.RetryLimit
	e.metrics.StepsExecuted.WithLabelValues("error").Inc()
	e.logger.Warn("Step failed",
		"task_id", task.ID,
		"step_id", claimed.ID,
		"step", claimed.Name,
		"attempt", claimed.Attempts,
		"kind", kind,
		"terminal", terminal,
		"error", handlerErr)
	e.publishStep(ctx, events.StepFailed, task.ID, claimed.ID, events.StepFailedPayload{
		Name:         claimed.Name,
		Attempt:      claimed.Attempts,
		ErrorKind:    kind,
		ErrorMessage: handlerErr.Error(),
		Permanent:    terminal,
	})

	if !terminal {
		nextRetry := e.calculator.NextRetryAt(claimed.Attempts, e.now(), hintPtr)
		e.metrics.StepRetries.Inc()
		e.publishStep(ctx, events.StepRetryScheduled, task.ID, claimed.ID, events.StepRetryScheduledPayload{
			Name:           claimed.Name,
			Attempt:        claimed.Attempts,
			NextRetryAt:    nextRetry,
			BackoffSeconds: int(nextRetry.Sub(e.now()).Seconds()),
		})
	}
	return true
}

// invokeHandler resolves and runs the step's handler under the per-step
// timeout. The handler runs in its own goroutine so an uncooperative one
// cannot hold the worker past the deadline; a stray late result is
// discarded, which is safe under at-least-once semantics.
func (e *Engine) invokeHandler(ctx context.Context, task *workflow.Task, desc *registry.Descriptor, sequence []*workflow.WorkflowStep, step *workflow.WorkflowStep) (json.RawMessage, error) {
	handler, err := desc.Handler().StepHandler(step.Name)
	if err != nil {
		return nil, &workflow.PermanentError{Message: "no handler for step " + step.Name, Err: err}
	}

	timeout := e.stepTimeout(desc, step.Name)
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		results json.RawMessage
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: workflow.NewRetryableError(fmt.Sprintf("handler panicked: %v", r))}
			}
		}()
		results, err := handler.Process(hctx, task, sequence, step)
		done <- outcome{results: results, err: err}
	}()

	select {
	case out := <-done:
		return out.results, out.err
	case <-hctx.Done():
		return nil, &workflow.RetryableError{
			Message: fmt.Sprintf("handler exceeded %s timeout", timeout),
			Err:     hctx.Err(),
		}
	}
}

// stepTimeout resolves the per-step timeout: template override first, then
// the execution config default.
func (e *Engine) stepTimeout(desc *registry.Descriptor, stepName string) time.Duration {
	if tpl, ok := desc.Graph().Template(stepName); ok && tpl.Timeout != "" {
		if d, err := time.ParseDuration(tpl.Timeout); err == nil && d > 0 {
			return d
		}
	}
	return e.execCfg.GetPerStepTimeout()
}

// errorKind labels a handler error for transition metadata and events.
func errorKind(err error) string {
	var retryable *workflow.RetryableError
	switch {
	case workflow.IsPermanent(err):
		return "permanent"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &retryable):
		return "retryable"
	default:
		return "unknown"
	}
}
