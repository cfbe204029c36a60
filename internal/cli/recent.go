package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/cpd/internal/recent"
)

func newRecentCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recent",
		Short: "Show or clear the recently opened projects",
	}
	cmd.AddCommand(newRecentListCmd(a), newRecentClearCmd(a))
	return cmd
}

func newRecentListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List recently opened projects, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			entries := a.recent.Load()
			if a.flags.jsonMode {
				if entries == nil {
					entries = []recent.Entry{}
				}
				return writeJSON(cmd.OutOrStdout(), entries)
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no recent projects")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "LAST OPENED\tPATH")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\n", e.LastOpened.Local().Format(time.DateTime), e.Path)
			}
			return tw.Flush()
		},
	}
}

func newRecentClearCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Forget all recently opened projects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.recent.Clear(); err != nil {
				return err
			}
			if !a.flags.jsonMode {
				fmt.Fprintln(cmd.OutOrStdout(), "recent projects cleared")
			}
			return nil
		},
	}
}
