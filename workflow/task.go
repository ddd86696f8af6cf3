package workflow

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// Default coordinates applied when a submission omits them.
const (
	DefaultNamespace = "default"
	DefaultVersion   = "0.1.0"
)

// TaskNamespace is a logical grouping of named tasks (e.g. "payments").
// Created on first reference, never mutated.
type TaskNamespace struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// NamedTask is a workflow template identity: (namespace, name, version).
// Immutable once created.
type NamedTask struct {
	ID          string    `json:"id"`
	NamespaceID string    `json:"namespace_id"`
	Namespace   string    `json:"namespace"`
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
}

// Task is a running (or finished) instance of a NamedTask. Mutated only via
// state transitions; never deleted by the engine.
type Task struct {
	ID           string          `json:"id"`
	NamedTaskID  string          `json:"named_task_id"`
	Namespace    string          `json:"namespace"`
	Name         string          `json:"name"`
	Version      string          `json:"version"`
	Context      json.RawMessage `json:"context,omitempty"`
	Initiator    string          `json:"initiator,omitempty"`
	SourceSystem string          `json:"source_system,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	Tags         []string        `json:"tags,omitempty"`
	IdentityHash string          `json:"identity_hash"`
	RequestedAt  time.Time       `json:"requested_at"`
	CreatedAt    time.Time       `json:"created_at"`

	// Complete mirrors the terminal-success condition: true iff the most
	// recent task state is complete or resolved_manually.
	Complete bool `json:"complete"`
}

// TaskRequest is a client submission for a new task.
type TaskRequest struct {
	Namespace    string          `json:"namespace,omitempty"`
	Name         string          `json:"name"`
	Version      string          `json:"version,omitempty"`
	Context      json.RawMessage `json:"context,omitempty"`
	Initiator    string          `json:"initiator,omitempty"`
	SourceSystem string          `json:"source_system,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	Tags         []string        `json:"tags,omitempty"`
	RequestedAt  time.Time       `json:"requested_at,omitempty"`
}

// Defaults fills the namespace and version coordinates when omitted and
// stamps RequestedAt if the caller left it zero.
func (r *TaskRequest) Defaults() {
	if r.Namespace == "" {
		r.Namespace = DefaultNamespace
	}
	if r.Version == "" {
		r.Version = DefaultVersion
	}
	if r.RequestedAt.IsZero() {
		r.RequestedAt = time.Now().UTC()
	}
}

// Validate checks the request fields that do not require a registry lookup.
func (r *TaskRequest) Validate() error {
	if r.Name == "" {
		return &ValidationError{Field: "name", Message: "name is required"}
	}
	if len(r.Context) > 0 && !json.Valid(r.Context) {
		return &ValidationError{Field: "context", Message: "context must be valid JSON"}
	}
	return nil
}

// IdentityHash computes the duplicate-detection hash for the request:
// a sha256 over the identity coordinates, the request metadata, and the
// canonicalized context. Two requests with the same hash inside the dedup
// window are considered the same task.
func (r *TaskRequest) IdentityHash() string {
	h := sha256.New()
	h.Write([]byte(r.Namespace))
	h.Write([]byte{0})
	h.Write([]byte(r.Name))
	h.Write([]byte{0})
	h.Write([]byte(r.Version))
	h.Write([]byte{0})
	h.Write([]byte(r.Initiator))
	h.Write([]byte{0})
	h.Write([]byte(r.SourceSystem))
	h.Write([]byte{0})
	h.Write([]byte(r.Reason))
	h.Write([]byte{0})

	tags := append([]string(nil), r.Tags...)
	sort.Strings(tags)
	h.Write([]byte(strings.Join(tags, ",")))
	h.Write([]byte{0})

	if len(r.Context) > 0 {
		var compact bytes.Buffer
		if err := json.Compact(&compact, r.Context); err == nil {
			h.Write(compact.Bytes())
		} else {
			h.Write(r.Context)
		}
	}

	return hex.EncodeToString(h.Sum(nil))
}

// MarshalJSON marshals the task to JSON.
func (t *Task) MarshalJSON() ([]byte, error) {
	type Alias Task
	return json.Marshal((*Alias)(t))
}

// UnmarshalJSON unmarshals the task from JSON.
func (t *Task) UnmarshalJSON(data []byte) error {
	type Alias Task
	return json.Unmarshal(data, (*Alias)(t))
}
