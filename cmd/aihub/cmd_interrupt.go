package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newInterruptCmd creates the "aihub interrupt" subcommand.
func newInterruptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "interrupt <project> <slug>",
		Short: "Signal a running subagent to stop",
		Long: `Sends a termination signal to the slug's process group and records
the interrupt immediately. The process may take a moment to die;
poll "aihub subagents" to observe actual termination.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.orch.Interrupt(args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "interrupt sent to %s/%s\n", args[0], args[1])
			return nil
		},
	}
}
