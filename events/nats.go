package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSPublisher publishes events to JetStream, one subject per event type
// under "<prefix>.events.>". Consumers subscribe by subject to receive only
// the event types they care about.
type NATSPublisher struct {
	js     jetstream.JetStream
	prefix string
	stream string
	logger *slog.Logger
}

// NewNATSPublisher creates a publisher on an existing connection and ensures
// the event stream exists. Creation is idempotent across restarts and
// instances.
func NewNATSPublisher(ctx context.Context, nc *nats.Conn, stream, prefix string, logger *slog.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if stream == "" {
		return nil, fmt.Errorf("stream name is required")
	}
	if prefix == "" {
		return nil, fmt.Errorf("subject prefix is required")
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("get jetstream: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     stream,
		Subjects: []string{prefix + ".events.>"},
		Storage:  jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", stream, err)
	}

	return &NATSPublisher{
		js:     js,
		prefix: prefix,
		stream: stream,
		logger: logger,
	}, nil
}

// Publish sends the event to its subject. The envelope ID doubles as the
// JetStream message ID so redelivered publishes collapse server-side.
func (p *NATSPublisher) Publish(ctx context.Context, event Envelope) error {
	if err := event.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := event.Subject(p.prefix)
	if _, err := p.js.Publish(ctx, subject, data, jetstream.WithMsgID(event.ID)); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	p.logger.Debug("Published event",
		"subject", subject,
		"task_id", event.TaskID)
	return nil
}
