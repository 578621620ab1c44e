package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/malbeclabs/fleetsync/pkg/validator"
	"github.com/spf13/cobra"
)

type ValidateCmd struct{}

func NewValidateCmd() *ValidateCmd {
	return &ValidateCmd{}
}

func (c *ValidateCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Compare vehicle dimension statuses with the reconstructed timeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			failOnDiff, err := cmd.Flags().GetBool("fail-on-diff")
			if err != nil {
				return fmt.Errorf("failed to get fail-on-diff flag: %w", err)
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			tc := a.cfg.Timeline
			tc.Persist = false
			job, store, err := a.timelineJob(ctx, tc)
			if err != nil {
				return err
			}
			out, err := job.Run(ctx, "")
			if err != nil {
				return err
			}

			dims, err := store.Dimensions(ctx)
			if err != nil {
				return err
			}

			v, err := validator.New(validator.Config{Logger: a.log, StatusAliases: a.cfg.Validator.StatusAliases})
			if err != nil {
				return err
			}
			report := v.Compare(validator.FromDimensions(dims), validator.FromSummaries(out.Summaries))
			report.Render(os.Stdout)

			if failOnDiff && !report.OK() {
				return fmt.Errorf("dimension and timeline disagree on %d vehicles",
					len(report.DimensionOnly)+len(report.TimelineOnly)+len(report.Mismatches))
			}
			return nil
		},
	}

	cmd.Flags().Bool("fail-on-diff", false, "Exit non-zero when the dimension and the timeline disagree")

	return cmd
}
