// Package queue provides the job queue that drives task execution. Each job
// names a task due for an execution pass; delivery is at-least-once and
// consumers must tolerate duplicates.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by Enqueue after the queue was closed.
var ErrClosed = errors.New("queue closed")

// Job is a single execution request for a task.
type Job struct {
	// ID is unique per enqueue, not per task.
	ID string `json:"id"`
	// TaskID names the task due for an execution pass.
	TaskID string `json:"task_id"`
	// EnqueuedAt is when the job was accepted.
	EnqueuedAt time.Time `json:"enqueued_at"`
	// NotBefore is the earliest time the job should be delivered.
	NotBefore time.Time `json:"not_before"`
}

// Delivery is a job handed to a worker, with acknowledgement hooks.
type Delivery struct {
	Job Job

	ackFn func()
	nakFn func(delay time.Duration)
}

// Ack confirms the job was processed. No-op for backends without acks.
func (d Delivery) Ack() {
	if d.ackFn != nil {
		d.ackFn()
	}
}

// Nak asks for redelivery after the delay, used when a worker gives up
// mid-job. No-op for backends without acks unless they reimplement it.
func (d Delivery) Nak(delay time.Duration) {
	if d.nakFn != nil {
		d.nakFn(delay)
	}
}

// Queue hands task execution jobs to workers.
type Queue interface {
	// Enqueue schedules an execution pass for the task after the delay.
	// A zero delay delivers as soon as a worker is free. Enqueueing the
	// same task multiple times is allowed; execution is idempotent.
	Enqueue(ctx context.Context, taskID string, delay time.Duration) error

	// Deliveries returns the channel workers consume from. The channel is
	// closed when the queue shuts down.
	Deliveries() <-chan Delivery

	// Close stops delivery and closes the deliveries channel.
	Close() error
}
