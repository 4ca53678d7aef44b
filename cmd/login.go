package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login <site>",
		Short: "Open a visible browser and sign in to a site's persistent profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			// Manual sign-in needs a window.
			cfg.Browser.Headless = false

			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.close()

			r, _, err := a.runner(args[0])
			if err != nil {
				return err
			}
			if err := r.LoginOnly(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: signed in\n", args[0])
			return nil
		},
	}
}
