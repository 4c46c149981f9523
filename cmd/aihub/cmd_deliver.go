package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// deliverConfig holds flags for the deliver command.
type deliverConfig struct {
	start string
	end   string
}

// newDeliverCmd creates the "aihub deliver" subcommand.
func newDeliverCmd() *cobra.Command {
	var cfg deliverConfig

	cmd := &cobra.Command{
		Use:   "deliver <project> <slug>",
		Short: "Report a subagent's finished commits to the project space",
		Long: `Queues the slug's commit range for integration onto the space branch.
Without --start the range is taken from the current space head; without
--end the tip of the worker's checkout is used.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			entry, err := a.orch.Deliver(cmd.Context(), args[0], args[1], cfg.start, cfg.end)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "entry %s: %s (%d commits)\n", entry.ID, entry.Status, len(entry.Shas))
			if entry.Error != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "  error: %s\n", entry.Error)
			}
			if entry.StaleAgainstSha != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "  stale against: %s\n", entry.StaleAgainstSha)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&cfg.start, "start", "", "base sha the worker started from")
	cmd.Flags().StringVar(&cfg.end, "end", "", "tip sha of the delivered work")
	return cmd
}
