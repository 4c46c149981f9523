package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// newSubagentsCmd creates the "aihub subagents" subcommand.
func newSubagentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "subagents <project>",
		Short: "List a project's subagents and their status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			summaries, err := a.orch.ListSubagents(args[0])
			if err != nil {
				return err
			}
			if len(summaries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no subagents")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SLUG\tSTATUS\tMODE\tCLI\tTOOL CALLS\tLAST ACTIVE\tERROR")
			for _, s := range summaries {
				lastActive := "-"
				if !s.LastActive.IsZero() {
					lastActive = s.LastActive.Local().Format(time.TimeOnly)
				}
				errMsg := s.LastError
				if len(errMsg) > 40 {
					errMsg = errMsg[:37] + "..."
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
					s.Slug, s.Status, s.RunMode, s.CLI, s.ToolCalls, lastActive, errMsg)
			}
			return w.Flush()
		},
	}
}
