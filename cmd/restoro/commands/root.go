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
		Use:   "restoro",
		Short: "OpenRestore - EC2 instance restore engine",
		Long: `OpenRestore restores EC2 instances from their AMI backups.

Two restore workflows are supported:
  - Volume restore: swap selected block devices in place from AMI snapshots
  - Full restore: terminate the instance and relaunch it from an AMI,
    preserving its network interfaces and identity

Every restore snapshots the volumes it replaces, records its progress in a
local run journal, and rolls back automatically when a step fails.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newRestoreCommand())
	rootCmd.AddCommand(newRunsCommand())

	return rootCmd
}
