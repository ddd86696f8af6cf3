package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSOptions configures the JetStream-backed queue.
type NATSOptions struct {
	// Stream is the JetStream stream holding jobs.
	Stream string
	// Prefix namespaces the job subject: "<prefix>.jobs.execute".
	Prefix string
	// Durable is the consumer name shared by every worker of one deployment.
	Durable string
	// AckWait is how long a delivered job may stay unacked before the server
	// redelivers it. Must exceed the longest coordination pass.
	AckWait time.Duration
	// FetchTimeout bounds a single fetch call.
	FetchTimeout time.Duration
	// Buffer is the deliveries channel size.
	Buffer int
}

func (o *NATSOptions) defaults() {
	if o.Stream == "" {
		o.Stream = "TASKGRAPH"
	}
	if o.Prefix == "" {
		o.Prefix = "taskgraph"
	}
	if o.Durable == "" {
		o.Durable = "taskgraph-workers"
	}
	if o.AckWait <= 0 {
		o.AckWait = 2 * time.Minute
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = 5 * time.Second
	}
	if o.Buffer <= 0 {
		o.Buffer = deliveryBuffer
	}
}

// NATS is a Queue backed by a JetStream work queue. Jobs survive restarts;
// delayed jobs are published immediately and parked with NakWithDelay until
// they come due.
type NATS struct {
	js       jetstream.JetStream
	consumer jetstream.Consumer
	subject  string
	opts     NATSOptions
	logger   *slog.Logger

	deliveries chan Delivery

	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeMu sync.Mutex
	closed  bool
}

// NewNATS creates the queue on an existing connection, ensures the stream
// and durable consumer exist, and starts consuming.
func NewNATS(ctx context.Context, nc *nats.Conn, opts NATSOptions, logger *slog.Logger) (*NATS, error) {
	opts.defaults()
	if logger == nil {
		logger = slog.Default()
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("get jetstream: %w", err)
	}

	// WorkQueuePolicy removes each job once a consumer acks it
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      opts.Stream,
		Subjects:  []string{opts.Prefix + ".jobs.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.WorkQueuePolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", opts.Stream, err)
	}

	subject := opts.Prefix + ".jobs.execute"
	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       opts.Durable,
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       opts.AckWait,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	q := &NATS{
		js:         js,
		consumer:   consumer,
		subject:    subject,
		opts:       opts,
		logger:     logger,
		deliveries: make(chan Delivery, opts.Buffer),
		cancel:     cancel,
	}

	q.wg.Add(1)
	go q.consumeLoop(loopCtx)

	logger.Info("Job queue started",
		"stream", opts.Stream,
		"consumer", opts.Durable,
		"subject", subject)

	return q, nil
}

// Enqueue publishes a job. Delay is carried in the payload and enforced by
// the consume loop, since JetStream has no native delayed delivery.
func (q *NATS) Enqueue(ctx context.Context, taskID string, delay time.Duration) error {
	if taskID == "" {
		return fmt.Errorf("task ID is required")
	}
	q.closeMu.Lock()
	if q.closed {
		q.closeMu.Unlock()
		return ErrClosed
	}
	q.closeMu.Unlock()

	now := time.Now()
	job := Job{
		ID:         uuid.New().String(),
		TaskID:     taskID,
		EnqueuedAt: now,
		NotBefore:  now.Add(delay),
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	if _, err := q.js.Publish(ctx, q.subject, data); err != nil {
		return fmt.Errorf("publish job for task %s: %w", taskID, err)
	}

	q.logger.Debug("Enqueued job",
		"task_id", taskID,
		"delay", delay)
	return nil
}

// Deliveries returns the channel workers consume from.
func (q *NATS) Deliveries() <-chan Delivery {
	return q.deliveries
}

// Close stops consuming and closes the deliveries channel. Unacked jobs are
// redelivered by the server after AckWait.
func (q *NATS) Close() error {
	q.closeMu.Lock()
	if q.closed {
		q.closeMu.Unlock()
		return nil
	}
	q.closed = true
	q.closeMu.Unlock()

	q.cancel()
	q.wg.Wait()
	return nil
}

// consumeLoop continuously fetches jobs from the durable consumer.
func (q *NATS) consumeLoop(ctx context.Context) {
	defer q.wg.Done()
	defer close(q.deliveries)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := q.consumer.Fetch(1, jetstream.FetchMaxWait(q.opts.FetchTimeout))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.logger.Debug("Fetch timeout or error", "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			q.handleMessage(ctx, msg)
		}

		if msgs.Error() != nil && msgs.Error() != context.DeadlineExceeded {
			q.logger.Warn("Message fetch error", "error", msgs.Error())
		}
	}
}

// handleMessage parks not-yet-due jobs and hands due ones to a worker.
func (q *NATS) handleMessage(ctx context.Context, msg jetstream.Msg) {
	var job Job
	if err := json.Unmarshal(msg.Data(), &job); err != nil {
		// Malformed jobs are acked away rather than poisoning the queue
		q.logger.Error("Dropping malformed job", "error", err)
		if err := msg.Ack(); err != nil {
			q.logger.Warn("Failed to ack malformed job", "error", err)
		}
		return
	}

	if wait := time.Until(job.NotBefore); wait > 0 {
		if err := msg.NakWithDelay(wait); err != nil {
			q.logger.Warn("Failed to park delayed job",
				"task_id", job.TaskID,
				"error", err)
		}
		return
	}

	d := Delivery{
		Job: job,
		ackFn: func() {
			if err := msg.Ack(); err != nil {
				q.logger.Warn("Failed to ack job",
					"task_id", job.TaskID,
					"error", err)
			}
		},
		nakFn: func(delay time.Duration) {
			if err := msg.NakWithDelay(delay); err != nil {
				q.logger.Warn("Failed to nak job",
					"task_id", job.TaskID,
					"error", err)
			}
		},
	}

	select {
	case q.deliveries <- d:
	case <-ctx.Done():
		// Undelivered; the server redelivers after AckWait
	}
}
