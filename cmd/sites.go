package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/rewardcrawl/internal/observability"
)

func appLogger() *zap.Logger {
	return observability.GetLogger()
}

func newSitesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sites",
		Short: "List configured sites",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSCHEDULE\tACTIONS\tSTART URL")
			for _, s := range cfg.Sites {
				schedule := s.Schedule
				if schedule == "" {
					schedule = cfg.Schedule.Cron
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", s.Name, schedule, len(s.Actions), s.StartURL)
			}
			return w.Flush()
		},
	}
}
