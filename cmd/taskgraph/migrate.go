package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"

	"github.com/c360studio/taskgraph/storage/postgres"
)

func migrateCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(flags)
		},
	}
}

func runMigrate(flags *rootFlags) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	logger := buildLogger(cfg.Logging)

	if cfg.Storage.Driver != "postgres" {
		return fmt.Errorf("migrate requires storage.driver postgres, got %q", cfg.Storage.Driver)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, err := sql.Open("postgres", cfg.Storage.DSN)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}

	logger.Info("Applying migrations")
	if err := postgres.Migrate(ctx, db); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	version, err := postgres.MigrationStatus(ctx, db)
	if err != nil {
		return fmt.Errorf("read migration status: %w", err)
	}

	fmt.Printf("Database schema at version %d.\n", version)
	return nil
}
