package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/malbeclabs/fleetsync/pkg/publish"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

type CleanupCmd struct{}

func NewCleanupCmd() *CleanupCmd {
	return &CleanupCmd{}
}

func (c *CleanupCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete orphan parts, or whole dataset prefixes, from object storage",
		RunE: func(cmd *cobra.Command, args []string) error {
			datasets, err := cmd.Flags().GetStringSlice("dataset")
			if err != nil {
				return fmt.Errorf("failed to get dataset flag: %w", err)
			}
			dryRun, err := cmd.Flags().GetBool("dry-run")
			if err != nil {
				return fmt.Errorf("failed to get dry-run flag: %w", err)
			}
			purge, err := cmd.Flags().GetBool("purge")
			if err != nil {
				return fmt.Errorf("failed to get purge flag: %w", err)
			}
			if purge && len(datasets) == 0 {
				return fmt.Errorf("--purge requires at least one --dataset")
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			descs, err := a.registry.Select(datasets)
			if err != nil {
				return err
			}
			store, err := a.objectStore(ctx)
			if err != nil {
				return err
			}
			cleaner := publish.NewCleaner(a.log, store, a.cfg.Publish.Prefix)

			table := tablewriter.NewWriter(os.Stdout)
			table.SetAutoFormatHeaders(false)
			table.SetHeader([]string{"Dataset", "Deleted", "Dry run"})
			for _, desc := range descs {
				var report *publish.CleanupReport
				if purge {
					report, err = cleaner.Purge(ctx, desc.Name, dryRun)
				} else {
					report, err = cleaner.CleanOrphans(ctx, desc.Name, dryRun)
				}
				if err != nil {
					return fmt.Errorf("failed to clean %s: %w", desc.Name, err)
				}
				table.Append([]string{report.Dataset, strconv.Itoa(len(report.Deleted)), strconv.FormatBool(report.DryRun)})
				for _, key := range report.Deleted {
					a.log.Debug("cli: deleted object", "dataset", desc.Name, "key", key, "dry_run", dryRun)
				}
			}
			table.Render()
			return nil
		},
	}

	cmd.Flags().StringSlice("dataset", nil, "Datasets to clean (default all)")
	cmd.Flags().Bool("dry-run", false, "List what would be deleted without deleting")
	cmd.Flags().Bool("purge", false, "Delete every object of the dataset, manifest included")

	return cmd
}
