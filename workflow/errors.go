package workflow

import (
	"errors"
	"fmt"
)

// ErrConcurrencyConflict is returned when a guarded write loses a race with
// another worker, most commonly a step claim. It is benign: the loser logs it
// and moves on, the step is still executed exactly once per successful claim.
var ErrConcurrencyConflict = errors.New("lost claim race to another worker")

// ValidationError reports a bad submission or payload field. It is surfaced
// to the caller; nothing is persisted when one is returned.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Message)
}

// InvalidTransitionError reports an illegal state change request.
type InvalidTransitionError struct {
	Subject string // "task" or "step"
	ID      string
	From    string
	To      string
}

func (e *InvalidTransitionError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("invalid %s transition for %s: %s → %s", e.Subject, e.ID, e.From, e.To)
	}
	return fmt.Sprintf("invalid %s transition: %s → %s", e.Subject, e.From, e.To)
}

// InvalidWorkflowError reports a template set that cannot form a runnable
// workflow: a dependency cycle or an edge to an undeclared step.
type InvalidWorkflowError struct {
	Reason string // "cycle" or "unknown_dependency"
	Detail string
}

func (e *InvalidWorkflowError) Error() string {
	return fmt.Sprintf("invalid workflow (%s): %s", e.Reason, e.Detail)
}

// NewCycleError builds an InvalidWorkflowError for a dependency cycle.
func NewCycleError(detail string) *InvalidWorkflowError {
	return &InvalidWorkflowError{Reason: "cycle", Detail: detail}
}

// NewUnknownDependencyError builds an InvalidWorkflowError for a step that
// depends on a step name not present in the template set.
func NewUnknownDependencyError(step, dependency string) *InvalidWorkflowError {
	return &InvalidWorkflowError{
		Reason: "unknown_dependency",
		Detail: fmt.Sprintf("step %s depends on non-existent step %s", step, dependency),
	}
}

// HandlerNotFoundError reports a failed registry lookup. Scope names the
// first coordinate that missed so callers can tell an unknown namespace from
// an unknown task or version.
type HandlerNotFoundError struct {
	Namespace string
	Name      string
	Version   string
	Scope     string // "namespace", "name", or "version"
}

func (e *HandlerNotFoundError) Error() string {
	switch e.Scope {
	case "namespace":
		return fmt.Sprintf("handler not found: unknown namespace %s", e.Namespace)
	case "name":
		return fmt.Sprintf("handler not found: no task named %s in namespace %s", e.Name, e.Namespace)
	default:
		return fmt.Sprintf("handler not found: %s/%s has no version %s", e.Namespace, e.Name, e.Version)
	}
}

// DuplicateTaskError reports a submission whose identity hash matches an
// existing task inside the configured dedup window.
type DuplicateTaskError struct {
	ExistingID string
}

func (e *DuplicateTaskError) Error() string {
	return fmt.Sprintf("duplicate task: matches existing task %s within dedup window", e.ExistingID)
}

// PersistenceError wraps a storage failure. The current loop iteration
// aborts and the job queue redelivers; transactional transitions guarantee
// no partial state was written.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// ConfigurationError reports invalid configuration at startup or an invalid
// handler declaration at registration. Fail fast: do not start, do not
// register.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s", e.Message)
}

// RetryableError is a transient handler failure. The step stays eligible for
// another attempt once its backoff window elapses, up to its retry limit.
// BackoffSeconds optionally carries a server-requested delay (for example an
// HTTP Retry-After) that takes precedence over the exponential formula.
type RetryableError struct {
	Message        string
	BackoffSeconds *int
	Err            error
}

func (e *RetryableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("retryable: %s: %v", e.Message, e.Err)
	}
	return "retryable: " + e.Message
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// PermanentError is a handler failure that must not be retried. The step is
// marked processed on the attempt that produced it.
type PermanentError struct {
	Message string
	Err     error
}

func (e *PermanentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("permanent: %s: %v", e.Message, e.Err)
	}
	return "permanent: " + e.Message
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// NewRetryableError builds a RetryableError with a plain message.
func NewRetryableError(message string) *RetryableError {
	return &RetryableError{Message: message}
}

// NewRetryableErrorWithBackoff builds a RetryableError carrying a
// server-requested backoff in seconds.
func NewRetryableErrorWithBackoff(message string, seconds int) *RetryableError {
	return &RetryableError{Message: message, BackoffSeconds: &seconds}
}

// NewPermanentError builds a PermanentError with a plain message.
func NewPermanentError(message string) *PermanentError {
	return &PermanentError{Message: message}
}

// IsPermanent reports whether err classifies as a permanent handler failure.
// Anything else, including errors that are not RetryableError at all, is
// treated as retryable.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// BackoffHint extracts a server-requested backoff from a handler error, if
// one was signalled.
func BackoffHint(err error) (int, bool) {
	var r *RetryableError
	if errors.As(err, &r) && r.BackoffSeconds != nil {
		return *r.BackoffSeconds, true
	}
	return 0, false
}
