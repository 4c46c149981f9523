package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newBranchesCmd creates the "aihub branches" subcommand.
func newBranchesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "branches <project>",
		Short: "List the project repository's branches",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			branches, err := a.orch.Branches(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, b := range branches {
				fmt.Fprintln(cmd.OutOrStdout(), b)
			}
			return nil
		},
	}
}
