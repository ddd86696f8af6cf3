package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360studio/taskgraph/engine"
	"github.com/c360studio/taskgraph/registry"
	"github.com/c360studio/taskgraph/storage"
	"github.com/c360studio/taskgraph/workflow"
)

// opsTimeout bounds a single CLI operation against the deployment.
const opsTimeout = 30 * time.Second

func statusCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status <task-id>",
		Short: "Show a task with its steps and readiness",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(flags, args[0])
		},
	}
}

func runStatus(flags *rootFlags, taskID string) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	logger := buildLogger(cfg.Logging)

	ctx, cancel := context.WithTimeout(context.Background(), opsTimeout)
	defer cancel()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	task, err := store.TaskByID(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}
	state, err := store.TaskState(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load task state: %w", err)
	}
	snapshot, err := store.StepReadiness(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load step readiness: %w", err)
	}
	ec := engine.NewExecutionContext(taskID, snapshot)

	fmt.Printf("Task:      %s\n", task.ID)
	fmt.Printf("Workflow:  %s/%s@%s\n", task.Namespace, task.Name, task.Version)
	fmt.Printf("State:     %s (%s, %s)\n", state, ec.Status, ec.Health)
	fmt.Printf("Progress:  %.1f%% (%d/%d steps complete)\n",
		ec.CompletionPercentage, ec.CompletedSteps, ec.TotalSteps)
	fmt.Printf("Requested: %s by %s\n", task.RequestedAt.Format(time.RFC3339), task.Initiator)
	if task.Reason != "" {
		fmt.Printf("Reason:    %s\n", task.Reason)
	}
	if next := ec.EarliestNextRetry; next != nil {
		fmt.Printf("Next retry: %s\n", next.Format(time.RFC3339))
	}
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STEP\tSTATE\tATTEMPTS\tDEPS\tREADY\tNEXT RETRY")
	for _, row := range snapshot {
		ready := ""
		if row.ReadyForExecution {
			ready = "yes"
		}
		nextRetry := ""
		if row.NextRetryAt != nil {
			nextRetry = row.NextRetryAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%d/%d\t%d/%d\t%s\t%s\n",
			row.Name, row.CurrentState,
			row.Attempts, row.RetryLimit,
			row.CompletedParents, row.TotalParents,
			ready, nextRetry)
	}
	return w.Flush()
}

func tasksCmd(flags *rootFlags) *cobra.Command {
	var (
		namespace string
		name      string
		state     string
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List recent tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := storage.TaskFilter{
				Namespace: namespace,
				Name:      name,
				State:     workflow.TaskState(state),
				Limit:     limit,
			}
			return runTasks(flags, filter)
		},
	}

	cmd.Flags().StringVar(&namespace, "namespace", "", "Filter by namespace")
	cmd.Flags().StringVar(&name, "name", "", "Filter by workflow name")
	cmd.Flags().StringVar(&state, "state", "", "Filter by task state")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum rows")

	return cmd
}

func runTasks(flags *rootFlags, filter storage.TaskFilter) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	logger := buildLogger(cfg.Logging)

	ctx, cancel := context.WithTimeout(context.Background(), opsTimeout)
	defer cancel()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	summaries, err := store.ListTasks(ctx, filter)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	if len(summaries) == 0 {
		fmt.Println("No tasks found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tWORKFLOW\tREQUESTED\tINITIATOR")
	for _, s := range summaries {
		fmt.Fprintf(w, "%s\t%s\t%s/%s@%s\t%s\t%s\n",
			s.Task.ID, s.State,
			s.Task.Namespace, s.Task.Name, s.Task.Version,
			s.Task.RequestedAt.Format(time.RFC3339),
			s.Task.Initiator)
	}
	return w.Flush()
}

func cancelCmd(flags *rootFlags) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCancel(flags, args[0], reason)
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "cancelled via cli", "Reason recorded in the audit trail")

	return cmd
}

func runCancel(flags *rootFlags, taskID, reason string) error {
	return withEngine(flags, func(ctx context.Context, eng *engine.Engine) error {
		if err := eng.CancelTask(ctx, taskID, reason); err != nil {
			return err
		}
		fmt.Printf("Task %s cancelled.\n", taskID)
		return nil
	})
}

func resolveCmd(flags *rootFlags) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "resolve <step-id>",
		Short: "Resolve a step manually so dependents may proceed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResolve(flags, args[0], reason)
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "resolved via cli", "Reason recorded in the audit trail")

	return cmd
}

func runResolve(flags *rootFlags, stepID, reason string) error {
	return withEngine(flags, func(ctx context.Context, eng *engine.Engine) error {
		if err := eng.ResolveStep(ctx, stepID, reason); err != nil {
			return err
		}
		fmt.Printf("Step %s resolved; task re-coordination enqueued.\n", stepID)
		return nil
	})
}

// withEngine wires a short-lived engine over the configured backends for
// commands whose side effects must reach the deployment (queue jobs,
// lifecycle events).
func withEngine(flags *rootFlags, fn func(context.Context, *engine.Engine) error) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	logger := buildLogger(cfg.Logging)

	ctx, cancel := context.WithTimeout(context.Background(), opsTimeout)
	defer cancel()

	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	eng, err := engine.New(engine.Options{
		Store:     b.store,
		Queue:     b.queue,
		Registry:  registry.New(logger),
		Publisher: b.publisher,
		Config:    cfg,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	return fn(ctx, eng)
}
