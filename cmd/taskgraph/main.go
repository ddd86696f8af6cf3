// Package main provides the taskgraph binary entry point.
// Taskgraph is a durable workflow orchestration engine: tasks are DAGs of
// steps executed in dependency order with retries, backoff, and an audit
// trail, backed by Postgres and NATS or fully in-process.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/c360studio/taskgraph/config"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "taskgraph"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// rootFlags are shared by every subcommand.
type rootFlags struct {
	configPath string
	logLevel   string
}

func rootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:   "taskgraph",
		Short: "Durable workflow orchestration engine",
		Long: `Taskgraph runs workflows as dependency graphs of steps.

Each task is instantiated from a registered workflow template, persisted,
and driven to completion by queue-consuming workers: independent steps run
concurrently, failed steps retry with exponential backoff, and every state
change is recorded in an audit trail.

The demo subcommand runs a worker with built-in example workflows; the
remaining subcommands operate on a deployment (Postgres storage, NATS
queue) or inspect configuration.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Override logging.level (debug, info, warn, error)")

	// Version command
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	cmd.AddCommand(demoCmd(flags))
	cmd.AddCommand(migrateCmd(flags))
	cmd.AddCommand(statusCmd(flags))
	cmd.AddCommand(tasksCmd(flags))
	cmd.AddCommand(cancelCmd(flags))
	cmd.AddCommand(resolveCmd(flags))
	cmd.AddCommand(configCmd(flags))

	return cmd
}

// loadConfig resolves the effective configuration: the file when given,
// defaults otherwise, with the --log-level flag applied on top.
func loadConfig(flags *rootFlags) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if flags.configPath != "" {
		loaded, err := config.LoadFromFile(flags.configPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}

	if flags.logLevel != "" {
		cfg.Logging.Level = strings.ToLower(flags.logLevel)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// buildLogger constructs the process logger from the logging config and
// installs it as the slog default.
func buildLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
