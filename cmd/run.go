package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/rewardcrawl/internal/crawler"
)

func newRunCmd() *cobra.Command {
	var (
		action   string
		headless bool
	)
	cmd := &cobra.Command{
		Use:   "run [sites...]",
		Short: "Run the crawl for the given sites, or for every configured site",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("headless") {
				cfg.Browser.Headless = headless
			}
			if action != "" && len(args) != 1 {
				return errors.New("--action needs exactly one site")
			}

			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.close()

			names, err := a.resolveSites(args)
			if err != nil {
				return err
			}
			return runSites(cmd.Context(), a, names, action)
		},
	}
	cmd.Flags().StringVar(&action, "action", "", "run only this named action of the site")
	cmd.Flags().BoolVar(&headless, "headless", false, "run Chrome headless (overrides config)")
	return cmd
}

// runSites crawls names one after another. Only failures to start a browser
// are reported; crawl errors are logged by the runner.
func runSites(ctx context.Context, a *app, names []string, action string) error {
	var errs []error
	for _, name := range names {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r, site, err := a.runner(name)
		if err != nil {
			return err
		}

		var target crawler.Target
		if action != "" {
			if target, err = crawler.ActionTarget(site, action); err != nil {
				return err
			}
		}

		a.logger.Info("Starting crawl.", zap.String("site", name), zap.String("action", action))
		if err := r.Run(ctx, target); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
