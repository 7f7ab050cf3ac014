package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "vhm",
		Short: "OpenVHM - Virtualization Host Manager",
		Long: `OpenVHM is a management server for virtualization hosts. All state lives
in a versioned object store and every change runs as an optimistic
transaction with automatic conflict retries.

Features:
  - Transactional object model with a single well-known root
  - Pluggable store backends (memory, file, redis)
  - Bounded worker pool, one store connection per worker
  - Read-only snapshots that never block writers
  - Broadcast integrity validation across live snapshots
  - Prometheus metrics and OpenTelemetry tracing`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newServeCommand(version))
	rootCmd.AddCommand(newCheckCommand())
	rootCmd.AddCommand(newBenchCommand())

	return rootCmd
}
