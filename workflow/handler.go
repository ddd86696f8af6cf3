package workflow

import (
	"context"
	"encoding/json"
)

// StepHandler executes the business logic of one step. The sequence argument
// is the task's full step list in dependency order so a handler can read the
// results of its parents. A handler returns the step's results, or an error
// classified with RetryableError / PermanentError; any other error is
// treated as retryable.
//
// Handlers must be idempotent: the engine guarantees at-least-once
// execution, not exactly-once.
type StepHandler interface {
	Process(ctx context.Context, task *Task, sequence []*WorkflowStep, step *WorkflowStep) (json.RawMessage, error)
}

// StepHandlerFunc adapts a function to the StepHandler interface.
type StepHandlerFunc func(ctx context.Context, task *Task, sequence []*WorkflowStep, step *WorkflowStep) (json.RawMessage, error)

// Process calls f.
func (f StepHandlerFunc) Process(ctx context.Context, task *Task, sequence []*WorkflowStep, step *WorkflowStep) (json.RawMessage, error) {
	return f(ctx, task, sequence, step)
}

// TaskHandler describes one workflow template: the step templates that make
// up its DAG and the handler for each step.
type TaskHandler interface {
	// StepTemplates returns the template set. The engine validates it into
	// a DAG at registration and instantiates it at task creation.
	StepTemplates() []StepTemplate

	// StepHandler resolves the handler for a step by template name.
	StepHandler(stepName string) (StepHandler, error)
}

// ContextValidator is an optional TaskHandler capability: validate the
// submitted task context before a task is created. Returning an error
// (conventionally a *ValidationError) rejects the submission with nothing
// persisted.
type ContextValidator interface {
	ValidateContext(context json.RawMessage) error
}
