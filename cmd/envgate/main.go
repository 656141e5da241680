// Package main is the entry point for the envgate CLI tool.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/envgate/envgate/internal/telemetry"
)

// Version information set at build time.
var version = "0.1.0"

// Global flags.
var (
	configFile    string
	verbose       bool
	jsonLogs      bool
	correlationID string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "envgate",
		Short: "Simulation environment gateway and pairing layer",
		Long: `Envgate wraps heterogeneous simulators behind one uniform
make/reset/step surface, exposes it to a remote training process over a
direct address, reverse tunnel, or persistent channel, and reconciles the
resulting endpoints into the registry the training job consumes.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Missing .env is fine; environment variables still apply.
			_ = godotenv.Load()
		},
	}

	root.PersistentFlags().StringVar(&configFile, "config", "envgate.yaml", "Path to configuration file")
	root.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable verbose output")
	root.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "Emit JSON logs instead of terminal output")
	root.PersistentFlags().StringVar(&correlationID, "correlation-id", "", "Set explicit correlation ID")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newServeCmd())
	root.AddCommand(newSimulatorsCmd())
	root.AddCommand(newSubmitCmd())

	return root
}

// newCLILogger builds the logger all subcommands share.
func newCLILogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	if jsonLogs {
		return telemetry.NewLogger(os.Stdout, level)
	}
	return telemetry.NewInteractiveLogger(os.Stderr, level)
}

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
