package workflow

import (
	"encoding/json"
	"time"
)

// TaskTransition is one row of a task's append-only state history. Exactly
// one row per task has MostRecent set; a task with zero rows is implicitly
// pending.
type TaskTransition struct {
	ID         string          `json:"id"`
	TaskID     string          `json:"task_id"`
	FromState  TaskState       `json:"from_state"`
	ToState    TaskState       `json:"to_state"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	SortKey    int             `json:"sort_key"`
	MostRecent bool            `json:"most_recent"`
	CreatedAt  time.Time       `json:"created_at"`
}

// StepTransition is one row of a step's append-only state history, with the
// same most-recent contract as TaskTransition.
type StepTransition struct {
	ID         string          `json:"id"`
	StepID     string          `json:"workflow_step_id"`
	FromState  StepState       `json:"from_state"`
	ToState    StepState       `json:"to_state"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	SortKey    int             `json:"sort_key"`
	MostRecent bool            `json:"most_recent"`
	CreatedAt  time.Time       `json:"created_at"`
}

// TransitionMetadata is the conventional metadata payload recorded alongside
// failure transitions so introspection can show the last error without
// replaying handler output.
type TransitionMetadata struct {
	ErrorKind    string `json:"error_kind,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	Attempt      int    `json:"attempt,omitempty"`
	BackoffHint  *int   `json:"backoff_hint_seconds,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// Encode marshals the metadata, returning nil for an empty value so the
// store writes NULL instead of an empty object.
func (m *TransitionMetadata) Encode() json.RawMessage {
	if m == nil {
		return nil
	}
	if *m == (TransitionMetadata{}) {
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return data
}
