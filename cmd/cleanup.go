package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/rewardcrawl/internal/diagnostics"
)

func newCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete screenshot and diagnostic directories older than their retention",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			j := diagnostics.NewJanitor(appLogger(), newFs(), cfg.Artifacts)
			n, err := j.Run()
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d directories\n", n)
			return err
		},
	}
}
