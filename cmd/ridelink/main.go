package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// newRootCmd builds the command tree. Each call returns fresh flag state.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ridelink",
		Short: "BLE telemetry peripheral for bike computers",
		Long: `Bluetooth Low Energy peripheral that receives ride telemetry from a bike computer:

- Advertise the telemetry service and accept connections
- Reassemble chunked writes, decode (optionally gzip-compressed) JSON batches
- Persist rides and samples in SQLite and derive ride statistics
- Inspect, export and delete stored rides

Payloads can be replayed from a file through the same path with the ingest command.`,
		Version:       formatVersion(version),
		SilenceErrors: true, // main() prints clean errors
	}
	rootCmd.SetVersionTemplate(fmt.Sprintf("ridelink %s (commit %s, built %s)\n", formatVersion(version), commit, date))

	// Global flags
	rootCmd.PersistentFlags().String("config", "", "Path to YAML configuration file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("db", "", "SQLite database path (overrides database.path)")

	// Add -v as a short flag for --version
	rootCmd.Flags().BoolP("version", "v", false, "Show version information")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newIngestCmd())
	rootCmd.AddCommand(newRidesCmd())

	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}
