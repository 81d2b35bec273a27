package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/goodtune/talktime/internal/config"
	"github.com/goodtune/talktime/internal/storage/postgres"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:       "migrate up|down",
	Short:     "Apply or roll back PostgreSQL schema migrations",
	Example:   `  talktime -c config.yaml migrate up`,
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "down"},
	RunE:      runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg.Storage.Type != "postgres" {
		return fmt.Errorf("migrations only apply to postgres storage (configured: %s)", cfg.Storage.Type)
	}

	err = postgres.Migrate(cfg.Storage.Postgres.DSN, args[0])
	switch {
	case errors.Is(err, postgres.ErrNoChange):
		_, _ = color.New(color.FgYellow).Fprintln(os.Stdout, "No migrations to apply")
	case err != nil:
		return fmt.Errorf("migration failed: %w", err)
	default:
		_, _ = color.New(color.FgGreen, color.Bold).Fprintf(os.Stdout, "Migrations applied (%s)\n", args[0])
	}
	return nil
}
