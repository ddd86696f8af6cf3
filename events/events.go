// Package events defines the lifecycle events emitted by the engine and the
// publishers that deliver them.
//
// Every event travels in an Envelope on a per-event-type subject under
// "<prefix>.events.<domain>.<action>", enabling subject-based routing and
// type-safe decoding on the consumer side.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event names, one per lifecycle transition worth observing.
const (
	TaskStarted            = "task.started"
	TaskCompleted          = "task.completed"
	TaskFailed             = "task.failed"
	TaskCancelled          = "task.cancelled"
	TaskReenqueueRequested = "task.reenqueue_requested"

	StepStarted        = "step.started"
	StepCompleted      = "step.completed"
	StepFailed         = "step.failed"
	StepRetryScheduled = "step.retry_scheduled"

	StepsDiscovered      = "workflow.steps_discovered"
	DependenciesResolved = "workflow.dependencies_resolved"
)

// Envelope is the wire form of every event.
type Envelope struct {
	// ID is a unique event ID, usable as a message dedup key.
	ID string `json:"id"`
	// Name is one of the event name constants.
	Name string `json:"name"`
	// TaskID is the task the event belongs to.
	TaskID string `json:"task_id"`
	// StepID is set for step-scoped events.
	StepID string `json:"step_id,omitempty"`
	// OccurredAt is when the transition happened, not when it was published.
	OccurredAt time.Time `json:"occurred_at"`
	// Payload is the event-specific body, one of the payload types below.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate checks the envelope carries the required fields.
func (e *Envelope) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("event name is required")
	}
	if e.TaskID == "" {
		return fmt.Errorf("event task_id is required")
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("event occurred_at is required")
	}
	return nil
}

// Subject returns the NATS subject for the event under the given prefix,
// e.g. "taskgraph.events.task.completed".
func (e *Envelope) Subject(prefix string) string {
	if prefix == "" {
		return "events." + e.Name
	}
	return prefix + ".events." + e.Name
}

// New builds an envelope for a task-scoped event.
func New(name, taskID string, occurredAt time.Time, payload any) (Envelope, error) {
	return newEnvelope(name, taskID, "", occurredAt, payload)
}

// NewStep builds an envelope for a step-scoped event.
func NewStep(name, taskID, stepID string, occurredAt time.Time, payload any) (Envelope, error) {
	return newEnvelope(name, taskID, stepID, occurredAt, payload)
}

func newEnvelope(name, taskID, stepID string, occurredAt time.Time, payload any) (Envelope, error) {
	env := Envelope{
		ID:         uuid.New().String(),
		Name:       name,
		TaskID:     taskID,
		StepID:     stepID,
		OccurredAt: occurredAt,
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", name, err)
		}
		env.Payload = data
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Task lifecycle payloads

// TaskStartedPayload is published when a task leaves pending.
type TaskStartedPayload struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
	Version   string `json:"version"`
	StepCount int    `json:"step_count"`
}

// TaskCompletedPayload is published when every step reached a successful
// terminal state.
type TaskCompletedPayload struct {
	FinalState     string `json:"final_state"`
	StepCount      int    `json:"step_count"`
	ResolvedSteps  int    `json:"resolved_steps,omitempty"`
	DurationMillis int64  `json:"duration_ms,omitempty"`
}

// TaskFailedPayload is published when a task fails with exhausted retries.
type TaskFailedPayload struct {
	Reason      string   `json:"reason"`
	FailedSteps []string `json:"failed_steps,omitempty"`
}

// TaskCancelledPayload is published when a task is cancelled.
type TaskCancelledPayload struct {
	Reason string `json:"reason,omitempty"`
}

// ReenqueuePayload is published when the finalizer schedules another
// execution pass instead of finishing the task.
type ReenqueuePayload struct {
	Status       string `json:"status"`
	DelaySeconds int    `json:"delay_seconds"`
}

// Step lifecycle payloads

// StepStartedPayload is published when a step is claimed for execution.
type StepStartedPayload struct {
	Name    string `json:"name"`
	Attempt int    `json:"attempt"`
}

// StepCompletedPayload is published when a handler finishes successfully.
type StepCompletedPayload struct {
	Name           string `json:"name"`
	Attempt        int    `json:"attempt"`
	DurationMillis int64  `json:"duration_ms,omitempty"`
}

// StepFailedPayload is published when a handler returns an error.
type StepFailedPayload struct {
	Name         string `json:"name"`
	Attempt      int    `json:"attempt"`
	ErrorKind    string `json:"error_kind,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	Permanent    bool   `json:"permanent,omitempty"`
}

// StepRetryScheduledPayload is published when a failed step stays eligible
// for another attempt.
type StepRetryScheduledPayload struct {
	Name           string    `json:"name"`
	Attempt        int       `json:"attempt"`
	NextRetryAt    time.Time `json:"next_retry_at"`
	BackoffSeconds int       `json:"backoff_seconds"`
}

// Workflow structure payloads

// StepsDiscoveredPayload is published after a submission materializes its
// step rows. Levels carries the dependency depth of each step, the same
// ordering metadata the dependency-graph view exposes.
type StepsDiscoveredPayload struct {
	StepCount int            `json:"step_count"`
	StepNames []string       `json:"step_names,omitempty"`
	Levels    map[string]int `json:"levels,omitempty"`
}

// DependenciesResolvedPayload is published after a submission materializes
// its dependency edges.
type DependenciesResolvedPayload struct {
	EdgeCount int      `json:"edge_count"`
	Roots     []string `json:"roots,omitempty"`
}
