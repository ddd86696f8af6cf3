package workflow

import (
	"encoding/json"
	"time"
)

// DefaultRetryLimit is the per-step retry limit applied when a template does
// not declare one.
const DefaultRetryLimit = 3

// NamedStep is a step template identity within a dependent system.
// Immutable reference data shared by many workflow steps.
type NamedStep struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	DependentSystem string    `json:"dependent_system"`
	CreatedAt       time.Time `json:"created_at"`
}

// WorkflowStep is a single unit of work inside one task.
type WorkflowStep struct {
	ID          string          `json:"id"`
	TaskID      string          `json:"task_id"`
	NamedStepID string          `json:"named_step_id"`
	Name        string          `json:"name"`
	Inputs      json.RawMessage `json:"inputs,omitempty"`
	Results     json.RawMessage `json:"results,omitempty"`

	Attempts   int  `json:"attempts"`
	RetryLimit int  `json:"retry_limit"`
	Retryable  bool `json:"retryable"`
	Skippable  bool `json:"skippable"`

	// InProcess is true while a worker holds the step; Processed is true
	// once the step reached a terminal outcome for this task run.
	InProcess bool `json:"in_process"`
	Processed bool `json:"processed"`

	LastAttemptedAt       *time.Time `json:"last_attempted_at,omitempty"`
	BackoffRequestSeconds *int       `json:"backoff_request_seconds,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AttemptsExhausted reports whether the step has used up its retry budget.
func (s *WorkflowStep) AttemptsExhausted() bool {
	return s.Attempts >= s.RetryLimit
}

// StepEdge is a directed dependency edge between two steps of one task:
// ToStep may not start until FromStep satisfies the dependency.
type StepEdge struct {
	TaskID     string `json:"task_id"`
	FromStepID string `json:"from_step_id"`
	ToStepID   string `json:"to_step_id"`
	Name       string `json:"name,omitempty"`
}

// StepTemplate is a TaskHandler's declaration of one step: its identity, its
// dependencies by step name, and its retry defaults.
type StepTemplate struct {
	Name              string          `json:"name"`
	Description       string          `json:"description,omitempty"`
	DependentSystem   string          `json:"dependent_system,omitempty"`
	DependsOnStep     string          `json:"depends_on_step,omitempty"`
	DependsOnSteps    []string        `json:"depends_on_steps,omitempty"`
	DefaultRetryable  bool            `json:"default_retryable"`
	DefaultRetryLimit int             `json:"default_retry_limit"`
	Skippable         bool            `json:"skippable,omitempty"`
	Timeout           string          `json:"timeout,omitempty"`
	Inputs            json.RawMessage `json:"inputs,omitempty"`
}

// Dependencies collapses the single and plural dependency declarations into
// one de-duplicated list.
func (t *StepTemplate) Dependencies() []string {
	seen := make(map[string]bool, len(t.DependsOnSteps)+1)
	deps := make([]string, 0, len(t.DependsOnSteps)+1)
	if t.DependsOnStep != "" {
		seen[t.DependsOnStep] = true
		deps = append(deps, t.DependsOnStep)
	}
	for _, d := range t.DependsOnSteps {
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		deps = append(deps, d)
	}
	return deps
}

// GetTimeout parses the per-step timeout override, returning fallback when
// the template does not declare one or declares it badly.
func (t *StepTemplate) GetTimeout(fallback time.Duration) time.Duration {
	if t.Timeout == "" {
		return fallback
	}
	d, err := time.ParseDuration(t.Timeout)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// Validate checks the template's own fields. Cross-template checks (cycles,
// unknown dependencies) belong to the graph package.
func (t *StepTemplate) Validate() error {
	if t.Name == "" {
		return &ValidationError{Field: "name", Message: "step template name is required"}
	}
	if t.DefaultRetryLimit < 0 {
		return &ValidationError{Field: "default_retry_limit", Message: "retry limit cannot be negative"}
	}
	for _, d := range t.Dependencies() {
		if d == t.Name {
			return &ValidationError{Field: "depends_on_steps", Message: "step cannot depend on itself"}
		}
	}
	if len(t.Inputs) > 0 && !json.Valid(t.Inputs) {
		return &ValidationError{Field: "inputs", Message: "inputs must be valid JSON"}
	}
	return nil
}
