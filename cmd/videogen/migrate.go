package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/maauso/videogen-api/internal/config"
	"github.com/maauso/videogen-api/internal/store"
)

// ErrDatabaseRequired is returned when migrate runs without DATABASE_URL.
var ErrDatabaseRequired = errors.New("migrate: DATABASE_URL is required")

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending Postgres schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if !cfg.DatabaseEnabled() {
				return ErrDatabaseRequired
			}
			logger := cfg.NewLogger()
			if err := store.RunMigrations(cfg.DatabaseURL); err != nil {
				return err
			}
			logger.Info("migrations applied")
			return nil
		},
	}
}
