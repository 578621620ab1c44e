package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/malbeclabs/fleetsync/pkg/pipeline"
	"github.com/malbeclabs/fleetsync/pkg/timeline"
	"github.com/spf13/cobra"
)

type TimelineCmd struct{}

func NewTimelineCmd() *TimelineCmd {
	return &TimelineCmd{}
}

func (c *TimelineCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "timeline",
		Short: "Reconstruct maintenance intervals from synced events",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			tc := a.cfg.Timeline
			if cmd.Flags().Changed("from") {
				if tc.From, err = cmd.Flags().GetString("from"); err != nil {
					return fmt.Errorf("failed to get from flag: %w", err)
				}
			}
			if cmd.Flags().Changed("pairing") {
				pairing, err := cmd.Flags().GetString("pairing")
				if err != nil {
					return fmt.Errorf("failed to get pairing flag: %w", err)
				}
				tc.Pairing = timeline.PairingMode(pairing)
			}
			if cmd.Flags().Changed("direct-rule") {
				rule, err := cmd.Flags().GetString("direct-rule")
				if err != nil {
					return fmt.Errorf("failed to get direct-rule flag: %w", err)
				}
				tc.DirectRule = timeline.DirectRule(rule)
			}
			if cmd.Flags().Changed("persist") {
				if tc.Persist, err = cmd.Flags().GetBool("persist"); err != nil {
					return fmt.Errorf("failed to get persist flag: %w", err)
				}
			}

			job, _, err := a.timelineJob(ctx, tc)
			if err != nil {
				return err
			}
			out, err := job.Run(ctx, "")
			if err != nil {
				return err
			}
			pipeline.RenderTimeline(os.Stdout, out.Result, out.Summaries)
			if out.Persisted != nil {
				fmt.Printf("Persisted %d intervals to %s\n", out.Persisted.Rows, out.Persisted.Table)
			}
			return nil
		},
	}

	cmd.Flags().String("from", "store", "Where to read events from (store, published)")
	cmd.Flags().String("pairing", string(timeline.PairingExclusive), "Arrival/departure pairing (exclusive, shared)")
	cmd.Flags().String("direct-rule", string(timeline.DirectRuleEndOrNoStage), "When explicit start dates become intervals (end_or_no_stage, no_stage_only)")
	cmd.Flags().Bool("persist", false, "Write intervals to the destination store")

	return cmd
}
