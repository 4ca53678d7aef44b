package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/rewardcrawl/internal/diagnostics"
)

func newInspectCmd() *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "inspect <snapshot.json.gz>",
		Short: "Summarize a diagnostic snapshot",
		Args:  cobra.ExactArgs(1),
		// Reading a snapshot needs no configuration.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := diagnostics.ReadSnapshot(newFs(), args[0])
			if err != nil {
				return err
			}
			if raw {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(snap)
			}
			return printSnapshot(cmd.OutOrStdout(), snap)
		},
	}
	cmd.Flags().BoolVar(&raw, "json", false, "print the full snapshot as JSON")
	return cmd
}

func printSnapshot(out io.Writer, snap *diagnostics.Snapshot) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Crawler:\t%s\n", snap.Crawler)
	fmt.Fprintf(w, "Method:\t%s\n", snap.MethodName)
	fmt.Fprintf(w, "Time:\t%s\n", snap.Timestamp)
	fmt.Fprintf(w, "Elapsed:\t%dms\n", snap.ExecutionTime)
	fmt.Fprintf(w, "Error:\t%s: %s\n", snap.Error.Name, snap.Error.Message)
	fmt.Fprintf(w, "Page:\t%s (%s)\n", snap.MainPage.URL, snap.MainPage.Title)
	fmt.Fprintf(w, "Other tabs:\t%d\n", len(snap.OtherPages))
	fmt.Fprintf(w, "Console:\t%d entries\n", len(snap.Console))
	fmt.Fprintf(w, "Network:\t%d entries\n", len(snap.Network))
	for _, s := range snap.Screenshots {
		if s != "" {
			fmt.Fprintf(w, "Screenshot:\t%s\n", s)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}

	failed := 0
	for _, n := range snap.Network {
		if n.Failed {
			failed++
			fmt.Fprintf(out, "  failed %s %s: %s\n", n.Method, n.URL, n.ErrorText)
		}
	}
	for _, c := range snap.Console {
		if c.Type == "error" || c.Type == "pageerror" {
			fmt.Fprintf(out, "  console %s: %s\n", c.Type, c.Text)
		}
	}
	return nil
}
