package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// subscriberBuffer is the default per-subscriber channel size.
const subscriberBuffer = 500

// Publisher delivers lifecycle events. Publishing must never block task
// execution: implementations drop or buffer rather than stall.
type Publisher interface {
	Publish(ctx context.Context, event Envelope) error
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(ctx context.Context, event Envelope) error

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, event Envelope) error {
	return f(ctx, event)
}

// Noop discards every event.
type Noop struct{}

// Publish discards the event.
func (Noop) Publish(context.Context, Envelope) error { return nil }

// Fanout delivers each event to every subscriber over a buffered channel.
// A subscriber that stops draining loses events rather than blocking the
// engine; drops are counted.
type Fanout struct {
	logger *slog.Logger
	buffer int

	mu     sync.RWMutex
	subs   map[int]chan Envelope
	nextID int
	closed bool

	// Metrics
	droppedEvents atomic.Int64
}

// NewFanout creates a fanout publisher. A non-positive buffer falls back to
// the default.
func NewFanout(buffer int, logger *slog.Logger) *Fanout {
	if buffer <= 0 {
		buffer = subscriberBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{
		logger: logger,
		buffer: buffer,
		subs:   make(map[int]chan Envelope),
	}
}

// Subscribe registers a new subscriber and returns its channel plus a cancel
// function. Cancel closes the channel and stops delivery.
func (f *Fanout) Subscribe() (<-chan Envelope, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		ch := make(chan Envelope)
		close(ch)
		return ch, func() {}
	}

	id := f.nextID
	f.nextID++
	ch := make(chan Envelope, f.buffer)
	f.subs[id] = ch

	cancel := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if sub, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish sends the event to every subscriber without blocking.
func (f *Fanout) Publish(_ context.Context, event Envelope) error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil
	}

	for _, ch := range f.subs {
		select {
		case ch <- event:
		default:
			dropped := f.droppedEvents.Add(1)
			f.logger.Warn("Subscriber channel full, dropping event",
				"event", event.Name,
				"task_id", event.TaskID,
				"total_dropped", dropped)
		}
	}
	return nil
}

// DroppedEvents returns the number of events dropped due to slow subscribers.
func (f *Fanout) DroppedEvents() int64 {
	return f.droppedEvents.Load()
}

// Close closes all subscriber channels. Publish becomes a no-op.
func (f *Fanout) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	f.closed = true
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
}

// Multi publishes each event to every wrapped publisher in order. The first
// error is returned after all publishers were attempted.
type Multi []Publisher

// Publish fans the event out to every publisher.
func (m Multi) Publish(ctx context.Context, event Envelope) error {
	var firstErr error
	for _, p := range m {
		if err := p.Publish(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
