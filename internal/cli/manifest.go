package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

type ManifestCmd struct{}

func NewManifestCmd() *ManifestCmd {
	return &ManifestCmd{}
}

func (c *ManifestCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manifest <dataset>",
		Short: "Print the published manifest of a dataset and check its parts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			desc, err := a.registry.Get(args[0])
			if err != nil {
				return err
			}
			reader, err := a.reader(ctx)
			if err != nil {
				return err
			}
			check, err := reader.Check(ctx, desc.Name)
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(check.Manifest, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to encode manifest: %w", err)
			}
			fmt.Println(string(out))
			fmt.Printf("Parts missing: %d\n", len(check.Missing))
			for _, key := range check.Missing {
				fmt.Println("  -", key)
			}
			fmt.Printf("Orphan parts: %d\n", len(check.Orphans))
			if !check.Complete() {
				return fmt.Errorf("%s: publication is incomplete", desc.Name)
			}
			return nil
		},
	}

	return cmd
}
