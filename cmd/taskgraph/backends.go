package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360studio/taskgraph/config"
	"github.com/c360studio/taskgraph/events"
	"github.com/c360studio/taskgraph/queue"
	"github.com/c360studio/taskgraph/storage"
	"github.com/c360studio/taskgraph/storage/memory"
	"github.com/c360studio/taskgraph/storage/postgres"
)

// backends holds the infrastructure a command wired up, with one
// shutdown path for every combination.
type backends struct {
	store     storage.Store
	queue     queue.Queue
	publisher events.Publisher
	nc        *nats.Conn
	fanout    *events.Fanout
}

// openBackends builds the store, queue, and publisher the configuration
// selects. Without a NATS URL the queue and the event feed are in-process.
func openBackends(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backends, error) {
	b := &backends{}

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	b.store = store

	if cfg.NATS.URL == "" {
		b.queue = queue.NewMemory(0, logger)
		b.fanout = events.NewFanout(0, logger)
		b.publisher = b.fanout
		return b, nil
	}

	nc, err := connectNATS(cfg.NATS.URL, logger)
	if err != nil {
		b.Close()
		return nil, err
	}
	b.nc = nc

	q, err := queue.NewNATS(ctx, nc, queue.NATSOptions{
		Stream: cfg.NATS.StreamName,
		Prefix: cfg.NATS.SubjectPrefix,
	}, logger)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("create NATS queue: %w", err)
	}
	b.queue = q

	pub, err := events.NewNATSPublisher(ctx, nc, cfg.NATS.StreamName, cfg.NATS.SubjectPrefix, logger)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("create NATS publisher: %w", err)
	}
	b.publisher = pub

	return b, nil
}

// openStore builds the persistence backend for the configured driver.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		store, err := postgres.Open(ctx, cfg.Storage.DSN, postgres.PoolConfig{
			MaxOpenConns:    cfg.Storage.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MaxIdleConns,
			ConnMaxLifetime: cfg.Storage.GetConnMaxLifetime(),
		}, postgres.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf(`connect to Postgres: %w

If the schema is missing or outdated, run:
  %s migrate -c <config>`, err, appName)
		}
		return store, nil
	case "memory":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

// connectNATS dials the queue and event broker.
func connectNATS(url string, logger *slog.Logger) (*nats.Conn, error) {
	logger.Info("Connecting to NATS", "url", url)

	nc, err := nats.Connect(url,
		nats.Name(appName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(10*time.Second),
	)
	if err != nil {
		return nil, wrapNATSError(err, url)
	}

	logger.Info("Connected to NATS", "url", nc.ConnectedUrl())
	return nc, nil
}

// wrapNATSError provides helpful guidance when NATS connection fails.
func wrapNATSError(err error, url string) error {
	errStr := err.Error()

	// Check for common connection errors
	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no servers available") ||
		strings.Contains(errStr, "timeout") {
		return fmt.Errorf(`NATS connection failed: %w

NATS is not running at %s.

To start NATS:
  docker compose up -d nats

Or clear nats.url in the config to run fully in-process.`, err, url)
	}

	return fmt.Errorf("NATS connection failed: %w", err)
}

// Close shuts the backends down in dependency order: queue consumers
// first, then the event feed, then the broker connection and the store.
func (b *backends) Close() {
	if b.queue != nil {
		if err := b.queue.Close(); err != nil {
			slog.Warn("Failed to close queue", "error", err)
		}
	}
	if b.fanout != nil {
		b.fanout.Close()
	}
	if b.nc != nil {
		if err := b.nc.Drain(); err != nil {
			b.nc.Close()
		}
	}
	if b.store != nil {
		if err := b.store.Close(); err != nil {
			slog.Warn("Failed to close store", "error", err)
		}
	}
}
