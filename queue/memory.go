package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// deliveryBuffer is the default size of the deliveries channel.
const deliveryBuffer = 256

// Memory is an in-process Queue backed by timers. Jobs live only as long as
// the process; it serves tests and single-node deployments where the
// persistence layer alone provides durability.
type Memory struct {
	logger *slog.Logger

	deliveries chan Delivery
	pending    chan Job
	done       chan struct{}

	mu     sync.Mutex
	timers map[*time.Timer]struct{}
	closed bool

	wg sync.WaitGroup

	now func() time.Time
}

// MemoryOption configures a Memory queue.
type MemoryOption func(*Memory)

// WithClock overrides the queue clock, used by tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.now = now
	}
}

// NewMemory creates an in-process queue. A non-positive buffer falls back to
// the default.
func NewMemory(buffer int, logger *slog.Logger, opts ...MemoryOption) *Memory {
	if buffer <= 0 {
		buffer = deliveryBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Memory{
		logger:     logger,
		deliveries: make(chan Delivery, buffer),
		pending:    make(chan Job, buffer),
		done:       make(chan struct{}),
		timers:     make(map[*time.Timer]struct{}),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	m.wg.Add(1)
	go m.dispatch()

	return m
}

// Enqueue schedules an execution pass for the task after the delay.
func (m *Memory) Enqueue(_ context.Context, taskID string, delay time.Duration) error {
	if taskID == "" {
		return errors.New("queue: task id is empty")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}

	now := m.now()
	job := Job{
		ID:         uuid.New().String(),
		TaskID:     taskID,
		EnqueuedAt: now,
		NotBefore:  now.Add(delay),
	}

	if delay <= 0 {
		m.mu.Unlock()
		m.submit(job)
		return nil
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		delete(m.timers, timer)
		m.mu.Unlock()
		m.submit(job)
	})
	m.timers[timer] = struct{}{}
	m.mu.Unlock()

	m.logger.Debug("Scheduled delayed job",
		"task_id", taskID,
		"delay", delay)
	return nil
}

// Deliveries returns the channel workers consume from.
func (m *Memory) Deliveries() <-chan Delivery {
	return m.deliveries
}

// Close stops delivery. Pending delayed jobs are discarded.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for timer := range m.timers {
		timer.Stop()
		delete(m.timers, timer)
	}
	m.mu.Unlock()

	close(m.done)
	m.wg.Wait()
	return nil
}

// submit hands a due job to the dispatcher without racing Close.
func (m *Memory) submit(job Job) {
	select {
	case m.pending <- job:
	case <-m.done:
	}
}

// dispatch owns the deliveries channel: it is the only sender and closes it
// on shutdown.
func (m *Memory) dispatch() {
	defer m.wg.Done()
	defer close(m.deliveries)

	for {
		select {
		case <-m.done:
			return
		case job := <-m.pending:
			d := Delivery{
				Job: job,
				nakFn: func(delay time.Duration) {
					// Redelivery keeps the original job ID so consumers can
					// spot the retry
					m.redeliver(job, delay)
				},
			}
			select {
			case m.deliveries <- d:
			case <-m.done:
				return
			}
		}
	}
}

// redeliver schedules the same job again after the delay.
func (m *Memory) redeliver(job Job, delay time.Duration) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if delay <= 0 {
		m.mu.Unlock()
		m.submit(job)
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		delete(m.timers, timer)
		m.mu.Unlock()
		m.submit(job)
	})
	m.timers[timer] = struct{}{}
	m.mu.Unlock()
}
