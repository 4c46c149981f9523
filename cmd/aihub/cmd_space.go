package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"aihub/pkg/space"
)

// newSpaceCmd creates the "aihub space" subcommand group.
func newSpaceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "space",
		Short: "Inspect and drive the project integration space",
	}

	cmd.AddCommand(
		newSpaceEnsureCmd(),
		newSpaceStatusCmd(),
		newSpaceIntegrateCmd(),
		newSpaceLogCmd(),
		newSpaceShowCmd(),
		newSpaceConflictsCmd(),
		newSpaceFixCmd(),
	)
	return cmd
}

// newSpaceEnsureCmd creates "aihub space ensure".
func newSpaceEnsureCmd() *cobra.Command {
	var base string
	cmd := &cobra.Command{
		Use:   "ensure <project>",
		Short: "Create the space branch and worktree if absent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			st, err := a.spaces.Ensure(cmd.Context(), args[0], base)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "space %s on %s (base %s) at %s\n",
				st.ProjectID, st.Branch, st.BaseBranch, st.WorktreePath)
			return nil
		},
	}
	cmd.Flags().StringVar(&base, "base", "", "base branch when creating the space (default main)")
	return cmd
}

// newSpaceStatusCmd creates "aihub space status".
func newSpaceStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <project>",
		Short: "Show space branch state and the integration queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			st, err := a.spaces.Get(args[0])
			if err != nil {
				return err
			}
			head, err := a.spaces.Head(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "branch:  %s (base %s)\n", st.Branch, st.BaseBranch)
			fmt.Fprintf(out, "head:    %s\n", head)
			fmt.Fprintf(out, "blocked: %v\n", st.IntegrationBlocked)
			if len(st.Queue) == 0 {
				fmt.Fprintln(out, "queue:   empty")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSLUG\tSTATUS\tCOMMITS\tCREATED\tERROR")
			for _, e := range st.Queue {
				errMsg := e.Error
				if len(errMsg) > 40 {
					errMsg = errMsg[:37] + "..."
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
					e.ID, e.WorkerSlug, e.Status, len(e.Shas),
					e.CreatedAt.Local().Format(time.DateTime), errMsg)
			}
			return w.Flush()
		},
	}
}

// newSpaceIntegrateCmd creates "aihub space integrate".
func newSpaceIntegrateCmd() *cobra.Command {
	var resume bool
	cmd := &cobra.Command{
		Use:   "integrate <project>",
		Short: "Run the integration pass over the queue",
		Long: `Walks pending entries in delivery order and cherry-picks them onto
the space branch. A blocked queue stays blocked unless --resume is set.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			st, err := a.spaces.IntegrateQueue(cmd.Context(), args[0], resume)
			if err != nil {
				return err
			}
			pending := 0
			for _, e := range st.Queue {
				if e.Status == space.EntryPending {
					pending++
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "blocked=%v pending=%d queue=%d\n",
				st.IntegrationBlocked, pending, len(st.Queue))
			return nil
		},
	}
	cmd.Flags().BoolVar(&resume, "resume", false, "clear a conflict block and continue")
	return cmd
}

// newSpaceLogCmd creates "aihub space log".
func newSpaceLogCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "log <project>",
		Short: "Show the space branch commit log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			commits, err := a.spaces.GetSpaceCommitLog(cmd.Context(), args[0], n)
			if err != nil {
				return err
			}
			for _, c := range commits {
				fmt.Fprintf(cmd.OutOrStdout(), "%.10s %s %s %s\n", c.SHA, c.Date, c.Author, c.Subject)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&n, "number", "n", 20, "number of commits to show")
	return cmd
}

// newSpaceShowCmd creates "aihub space show".
func newSpaceShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <project> <entry-id>",
		Short: "Show a queue entry and its patch",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			entry, patch, err := a.spaces.GetContribution(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "entry:  %s\nslug:   %s\nstatus: %s\nrange:  %s..%s\n",
				entry.ID, entry.WorkerSlug, entry.Status, entry.StartSha, entry.EndSha)
			if entry.Error != "" {
				fmt.Fprintf(out, "error:  %s\n", entry.Error)
			}
			fmt.Fprintln(out)
			fmt.Fprint(out, patch)
			return nil
		},
	}
}

// newSpaceFixCmd creates "aihub space fix".
func newSpaceFixCmd() *cobra.Command {
	var cli string
	cmd := &cobra.Command{
		Use:   "fix <project> <slug>",
		Short: "Spawn a conflict-fixer subagent in the space worktree",
		Long: `Launches a subagent scoped to the blocking entry's conflict: the agent
runs inside the space worktree with the conflicted files named in its
prompt. After it finishes, run "aihub space integrate --resume".`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			st, err := a.orch.SpawnConflictFixer(cmd.Context(), args[0], args[1], cli)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "fixer %s/%s spawned (pid %d) in %s\n",
				args[0], args[1], st.SupervisorPID, st.WorktreePath)
			return superviseForeground(cmd, a, args[0], args[1], st.RunID)
		},
	}
	cmd.Flags().StringVar(&cli, "cli", "", "agent backend binary (default from config)")
	return cmd
}

// newSpaceConflictsCmd creates "aihub space conflicts".
func newSpaceConflictsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "conflicts <project>",
		Short: "Show the blocking entry and its conflicted files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			cc, err := a.spaces.GetConflictContext(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "blocking entry %s (slug %s)\n", cc.Entry.ID, cc.Entry.WorkerSlug)
			fmt.Fprintf(out, "worktree: %s\n", cc.WorktreePath)
			if cc.Entry.Error != "" {
				fmt.Fprintf(out, "error: %s\n", cc.Entry.Error)
			}
			for _, f := range cc.ConflictedFiles {
				fmt.Fprintf(out, "  %s\n", f)
			}
			for _, s := range cc.StagedStat {
				fmt.Fprintf(out, "  staged +%d -%d %s\n", s.Added, s.Deleted, s.Path)
			}
			return nil
		},
	}
}
