package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newArchiveCmd creates the "aihub archive" subcommand.
func newArchiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive <project> <slug>",
		Short: "Archive a stopped subagent's workspace",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.orch.Archive(args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "archived %s\n", args[1])
			return nil
		},
	}
}
