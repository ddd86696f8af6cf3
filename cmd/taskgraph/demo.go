package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/c360studio/taskgraph/config"
	"github.com/c360studio/taskgraph/engine"
	"github.com/c360studio/taskgraph/events"
	"github.com/c360studio/taskgraph/registry"
	"github.com/c360studio/taskgraph/workflow"
)

const healthLogInterval = 30 * time.Second

func demoCmd(flags *rootFlags) *cobra.Command {
	var submit int

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a worker with the built-in example workflows",
		Long: `Demo runs the engine as a queue-consuming worker with two example
workflows registered: orders/process_order (a five-step diamond) and
reports/daily_digest (a three-step chain).

With the default configuration everything is in-process: memory storage,
memory queue, and an event feed logged to stderr. Point storage.driver at
postgres and nats.url at a broker to run against a real deployment.

When --config names a file, edits to it are picked up while running and
the engine is rebuilt with the new execution settings. Storage and NATS
changes still require a restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(flags, submit)
		},
	}

	cmd.Flags().IntVar(&submit, "submit", 1, "Example order tasks to submit at startup")

	return cmd
}

func runDemo(flags *rootFlags, submit int) error {
	printBanner()

	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	logger := buildLogger(cfg.Logging)

	ctx := context.Background()
	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	// In-process mode has no broker to deliver events, so log the feed.
	if b.fanout != nil {
		feed, unsubscribe := b.fanout.Subscribe()
		defer unsubscribe()
		go logEventFeed(logger, feed)
	}

	reg := registry.New(logger)
	if err := registerExampleWorkflows(reg); err != nil {
		return err
	}
	workflows, err := reg.List("")
	if err != nil {
		return fmt.Errorf("list workflows: %w", err)
	}
	for _, info := range workflows {
		logger.Info("Workflow registered",
			"workflow", info.Namespace+"/"+info.Name,
			"versions", info.Versions,
			"steps", len(info.StepTemplates))
	}

	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	// Config edits arrive here; the engine is rebuilt between runs.
	reload := make(chan *config.Config, 1)
	if flags.configPath != "" {
		watcher, err := config.NewWatcher(flags.configPath, cfg, func(next *config.Config) {
			select {
			case reload <- next:
			default:
			}
		}, logger)
		if err != nil {
			return fmt.Errorf("create config watcher: %w", err)
		}
		if err := watcher.Start(signalCtx); err != nil {
			return fmt.Errorf("start config watcher: %w", err)
		}
		defer watcher.Stop()
	}

	healthTicker := time.NewTicker(healthLogInterval)
	defer healthTicker.Stop()

	submitted := false
	for {
		eng, err := engine.New(engine.Options{
			Store:      b.store,
			Queue:      b.queue,
			Registry:   reg,
			Publisher:  b.publisher,
			Config:     cfg,
			Logger:     logger,
			Registerer: prometheus.NewRegistry(),
		})
		if err != nil {
			return fmt.Errorf("build engine: %w", err)
		}

		runCtx, cancelRun := context.WithCancel(signalCtx)
		done := make(chan error, 1)
		go func() {
			done <- eng.Run(runCtx)
		}()

		logger.Info("Engine running",
			"version", Version,
			"workers", cfg.Execution.WorkerCount,
			"storage", cfg.Storage.Driver)

		if !submitted {
			submitExampleTasks(signalCtx, eng, submit, logger)
			submitted = true
		}

	running:
		for {
			select {
			case <-signalCtx.Done():
				logger.Info("Received shutdown signal")
				cancelRun()
				<-done
				logger.Info("Taskgraph shutdown complete")
				return nil

			case next := <-reload:
				cancelRun()
				<-done
				// Connections are built once; only engine settings
				// follow the file.
				next.Storage = cfg.Storage
				next.NATS = cfg.NATS
				cfg = next
				logger.Info("Rebuilding engine after config reload")
				break running

			case err := <-done:
				cancelRun()
				if err != nil {
					return fmt.Errorf("engine stopped: %w", err)
				}
				return fmt.Errorf("engine stopped: queue closed")

			case <-healthTicker.C:
				snap := eng.Health(signalCtx)
				logger.Info("Health",
					"status", snap.Status,
					"store_reachable", snap.StoreReachable,
					"workflows", snap.RegisteredHandlers,
					"pool_in_use", snap.Pool.InUse)
			}
		}
	}
}

// submitExampleTasks seeds the demo with work: n order tasks plus one
// digest task. Failures are logged, not fatal.
func submitExampleTasks(ctx context.Context, eng *engine.Engine, n int, logger *slog.Logger) {
	for i := 0; i < n; i++ {
		taskContext := fmt.Sprintf(`{"order_id": %d, "amount_cents": 2499}`, 1001+i)
		req := workflow.TaskRequest{
			Namespace:    "orders",
			Name:         "process_order",
			Version:      "1.0.0",
			Context:      json.RawMessage(taskContext),
			Initiator:    "taskgraph-demo",
			SourceSystem: "cli",
			Reason:       "demo submission",
		}
		taskID, err := eng.SubmitTask(ctx, req)
		if err != nil {
			logger.Error("Failed to submit example task", "workflow", "orders/process_order", "error", err)
			continue
		}
		logger.Info("Submitted example task", "task_id", taskID, "workflow", "orders/process_order")
	}

	if n <= 0 {
		return
	}
	digestContext := fmt.Sprintf(`{"date": %q}`, time.Now().UTC().Format("2006-01-02"))
	req := workflow.TaskRequest{
		Namespace:    "reports",
		Name:         "daily_digest",
		Version:      "1.0.0",
		Context:      json.RawMessage(digestContext),
		Initiator:    "taskgraph-demo",
		SourceSystem: "cli",
		Reason:       "demo submission",
	}
	taskID, err := eng.SubmitTask(ctx, req)
	if err != nil {
		logger.Error("Failed to submit example task", "workflow", "reports/daily_digest", "error", err)
		return
	}
	logger.Info("Submitted example task", "task_id", taskID, "workflow", "reports/daily_digest")
}

// logEventFeed mirrors the lifecycle event stream to the logger.
func logEventFeed(logger *slog.Logger, feed <-chan events.Envelope) {
	for evt := range feed {
		if evt.StepID != "" {
			logger.Info("Event", "name", evt.Name, "task_id", evt.TaskID, "step_id", evt.StepID)
			continue
		}
		logger.Info("Event", "name", evt.Name, "task_id", evt.TaskID)
	}
}

func printBanner() {
	fmt.Println("╔═══════════════════════════════════════════════╗")
	fmt.Println("║            TaskGraph v" + Version + "                   ║")
	fmt.Println("║      Durable Workflow Orchestration           ║")
	fmt.Println("╚═══════════════════════════════════════════════╝")
}
