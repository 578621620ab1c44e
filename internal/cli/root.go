package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

type ExitCode int

const (
	exitCodeSuccess = 0
	exitCodeError   = 1
)

func Run() ExitCode {
	rootCmd := &cobra.Command{
		Use:          "fleetsync",
		Short:        "Sync fleet datasets from the warehouse and reconstruct vehicle maintenance timelines.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := cmd.Help()
			if err != nil {
				return fmt.Errorf("failed to show help: %w", err)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringP("config", "c", "fleetsync.yaml", "Path to the YAML config file")
	rootCmd.PersistentFlags().String("env-file", ".env", "Path to an env file loaded before the config")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "set debug logging level")

	rootCmd.AddCommand(
		NewRunCmd().Command(),
		NewTimelineCmd().Command(),
		NewValidateCmd().Command(),
		NewCleanupCmd().Command(),
		NewManifestCmd().Command(),
	)

	if err := rootCmd.Execute(); err != nil {
		return exitCodeError
	}

	return exitCodeSuccess
}
