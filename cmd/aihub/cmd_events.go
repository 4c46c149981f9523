package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"aihub/pkg/eventindex"
)

// newEventsCmd creates the "aihub events" subcommand.
func newEventsCmd() *cobra.Command {
	var (
		projectID string
		slug      string
		kind      string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Query the mirrored event index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			if a.index == nil {
				return fmt.Errorf("event index unavailable")
			}
			events, err := a.index.Query(cmd.Context(), eventindex.QueryOpts{
				Project: projectID,
				Slug:    slug,
				Kind:    kind,
				Limit:   limit,
			})
			if err != nil {
				return err
			}
			if len(events) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no events")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tPROJECT\tSLUG\tKIND\tRUN")
			for _, e := range events {
				runID := e.RunID
				if len(runID) > 8 {
					runID = runID[:8]
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					e.CreatedAt.Local().Format(time.RFC3339),
					e.Project, e.Slug, e.Kind, runID)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "filter to a project")
	cmd.Flags().StringVar(&slug, "slug", "", "filter to a worker slug")
	cmd.Flags().StringVar(&kind, "kind", "", "filter to an event kind")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum events to print")
	return cmd
}
