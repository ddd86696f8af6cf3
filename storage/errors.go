package storage

import "errors"

// Common storage errors.
var (
	// ErrNotFound is returned when a task, step, or reference row is not found.
	ErrNotFound = errors.New("record not found")
)
