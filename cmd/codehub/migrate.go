package main

import (
	"database/sql"

	"github.com/spf13/cobra"

	"github.com/codehub-dev/codehub/pkg/config"
	"github.com/codehub-dev/codehub/pkg/storage"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the database schema",
}

func init() {
	migrateCmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withDB(storage.MigrateUp)
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the most recent migration",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withDB(storage.MigrateDown)
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show migration status",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withDB(storage.MigrationStatus)
			},
		},
	)
}

func withDB(fn func(*sql.DB) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	store, err := storage.NewPostgresStore(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store.DB())
}
