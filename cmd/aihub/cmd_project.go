package main

import (
	"fmt"
	"path/filepath"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// newProjectCmd creates the "aihub project" command group.
func newProjectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Manage the project registry",
	}
	cmd.AddCommand(newProjectAddCmd(), newProjectListCmd())
	return cmd
}

func newProjectAddCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "add <id> <repo>",
		Short: "Register a project repository",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			repo, err := filepath.Abs(args[1])
			if err != nil {
				return fmt.Errorf("resolve repo path: %w", err)
			}
			if err := a.registry.Register(args[0], repo, dir); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered %s -> %s\n", args[0], repo)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "project data directory (defaults under the data root)")
	return cmd
}

func newProjectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered projects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			ids, err := a.registry.List()
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no projects registered")
				return nil
			}
			sort.Strings(ids)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PROJECT\tREPO\tDIR")
			for _, id := range ids {
				proj, err := a.registry.Resolve(id)
				if err != nil {
					fmt.Fprintf(w, "%s\t(%v)\t\n", id, err)
					continue
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", proj.ID, proj.RepoPath, proj.Dir)
			}
			return w.Flush()
		},
	}
}
