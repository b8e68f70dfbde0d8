package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/paychecklabs/paycheck/internal/server"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var osExit = os.Exit

var rootCmd = &cobra.Command{
	Use:     "paycheck",
	Short:   "Paycheck - software licensing service",
	Long:    `Paycheck issues, verifies and meters software licenses: license keys, device activations, signed license tokens and payment-provider reconciliation behind one HTTP API.`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(rotateKeyCmd)
	rootCmd.AddCommand(versionCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the licensing server (default)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Paycheck %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(exitCode(err))
	}
}

// exitCode maps a failure to the documented process exit codes: 1 for
// configuration problems, 2 for storage problems.
func exitCode(err error) int {
	if errors.Is(err, server.ErrStorage) {
		return 2
	}
	return 1
}

func runServe() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return server.Run(ctx, Version)
}
