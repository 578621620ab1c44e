package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/malbeclabs/fleetsync/pkg/config"
	"github.com/malbeclabs/fleetsync/pkg/metrics"
	"github.com/spf13/cobra"
)

type RunCmd struct{}

func NewRunCmd() *RunCmd {
	return &RunCmd{}
}

func (c *RunCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Extract, transform, load and publish datasets, then rebuild the timeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			datasets, err := cmd.Flags().GetStringSlice("dataset")
			if err != nil {
				return fmt.Errorf("failed to get dataset flag: %w", err)
			}
			skipLoad, err := cmd.Flags().GetBool("skip-load")
			if err != nil {
				return fmt.Errorf("failed to get skip-load flag: %w", err)
			}
			skipPublish, err := cmd.Flags().GetBool("skip-publish")
			if err != nil {
				return fmt.Errorf("failed to get skip-publish flag: %w", err)
			}
			skipTimeline, err := cmd.Flags().GetBool("skip-timeline")
			if err != nil {
				return fmt.Errorf("failed to get skip-timeline flag: %w", err)
			}
			filters, err := cmd.Flags().GetStringArray("filter")
			if err != nil {
				return fmt.Errorf("failed to get filter flag: %w", err)
			}
			orders, err := cmd.Flags().GetStringArray("order")
			if err != nil {
				return fmt.Errorf("failed to get order flag: %w", err)
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			params, err := a.cfg.RunParams(filters, orders)
			if err != nil {
				return err
			}

			p, err := a.pipeline(ctx, stages{
				skipLoad:    skipLoad,
				skipPublish: skipPublish,
				// Reading events from the store needs the load stage.
				timeline: a.cfg.Timeline.Enabled && !skipTimeline && !(skipLoad && a.cfg.Timeline.From != config.TimelineFromPublished),
			})
			if err != nil {
				return err
			}

			sum, err := p.Run(ctx, datasets, params)
			if err != nil {
				return err
			}
			sum.Render(os.Stdout)

			if url := a.cfg.Metrics.PushgatewayURL; url != "" {
				if err := metrics.Push(url, a.cfg.Metrics.Job); err != nil {
					a.log.Warn("cli: failed to push metrics", "error", err)
				}
			}

			if !sum.OK() {
				return fmt.Errorf("run %s: %d of %d datasets failed", sum.RunID, sum.Failed, len(sum.Datasets))
			}
			return nil
		},
	}

	cmd.Flags().StringSlice("dataset", nil, "Datasets to sync (default all)")
	cmd.Flags().Bool("skip-load", false, "Do not load the destination store")
	cmd.Flags().Bool("skip-publish", false, "Do not publish to object storage")
	cmd.Flags().Bool("skip-timeline", false, "Do not rebuild the maintenance timeline")
	cmd.Flags().StringArray("filter", nil, "Equality filter as dataset.column=value (repeatable)")
	cmd.Flags().StringArray("order", nil, "Sort as dataset.column[:desc] (repeatable)")

	return cmd
}
