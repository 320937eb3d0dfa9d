package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath   string
	databasePath string
	providerName string
	verbose      bool
	jsonOutput   bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "wsm",
		Short: "wsm - workspace resource manager",
		Long: `wsm provisions cloud resources for workspaces through durable workflows.

Every create, update, delete and clone runs as a saga: each step is
journaled, retried under its policy and undone in reverse order when a
later step fails. Runs interrupted by a crash are resumed by "wsm serve".

Supported resource types:
  - BUCKET    object storage (S3)
  - VM        compute instances (EC2)
  - IDENTITY  service identities (IAM)
  - NOTEBOOK  notebook containers (Docker)
  - FLEXIBLE  opaque metadata records`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&databasePath, "db", "", "database path (overrides config)")
	rootCmd.PersistentFlags().StringVar(&providerName, "provider", "", "cloud provider: aws, docker or fake (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newCreateCommand())
	rootCmd.AddCommand(newUpdateCommand())
	rootCmd.AddCommand(newDeleteCommand())
	rootCmd.AddCommand(newCloneCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newEventsCommand())
	rootCmd.AddCommand(newCancelCommand())
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newMigrateCommand())

	return rootCmd
}
