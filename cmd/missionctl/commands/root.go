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
		Use:   "missionctl",
		Short: "missionctl - Mission orchestration engine",
		Long: `missionctl plans and executes missions: sets of components deployed
through layer adapters in dependency order.

Features:
  - Dependency resolution into staged execution plans
  - Retries, failure classification and automatic rollback
  - Multi-region rollouts (sequential, parallel, canary, blue-green)
  - Append-only mission journal with replay and tamper detection
  - Rego admission policies`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newRolloutCommand())
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newJournalCommand())

	return rootCmd
}
