package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/paychecklabs/paycheck/internal/config"
	"github.com/paychecklabs/paycheck/internal/server"
	"github.com/paychecklabs/paycheck/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	Long: `Opens the operational database, applies any pending schema
migrations and exits. The server does the same on startup; this command
exists for deployments that migrate as a separate release step.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMigrate(cmd)
	},
}

func runMigrate(cmd *cobra.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("%w: %w", server.ErrConfig, err)
	}

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("%w: %w", server.ErrStorage, err)
	}
	defer st.Close()

	fmt.Fprintf(cmd.OutOrStdout(), "Database %s is up to date\n", cfg.DatabasePath)
	return nil
}
