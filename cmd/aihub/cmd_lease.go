package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// newLeaseCmd creates the "aihub lease" subcommand group.
func newLeaseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lease",
		Short: "Manage the write lease over a project's space worktree",
		Long: `The write lease is a cooperative exclusive lock over direct writes to
the space worktree. It is feature-flagged: enable space_lease in the
config file to use these commands.`,
	}

	cmd.AddCommand(
		newLeaseAcquireCmd(),
		newLeaseReleaseCmd(),
		newLeaseStatusCmd(),
	)
	return cmd
}

// defaultHolder derives a holder name from the environment.
func defaultHolder() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s/%d", host, os.Getpid())
}

// newLeaseAcquireCmd creates "aihub lease acquire".
func newLeaseAcquireCmd() *cobra.Command {
	var (
		holder string
		ttl    time.Duration
		force  bool
	)
	cmd := &cobra.Command{
		Use:   "acquire <project>",
		Short: "Acquire the write lease",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			mgr, err := a.leaseManager(args[0])
			if err != nil {
				return err
			}
			if holder == "" {
				holder = defaultHolder()
			}
			if ttl == 0 {
				ttl = a.cfg.LeaseTTL.Std()
			}

			l, err := mgr.Acquire(holder, ttl, force)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "lease held by %s until %s\n",
				l.Holder, l.ExpiresAt.Local().Format(time.DateTime))
			return nil
		},
	}
	cmd.Flags().StringVar(&holder, "holder", "", "lease holder name (default host/pid)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "lease duration (default from config)")
	cmd.Flags().BoolVar(&force, "force", false, "take the lease even if someone else holds it")
	return cmd
}

// newLeaseReleaseCmd creates "aihub lease release".
func newLeaseReleaseCmd() *cobra.Command {
	var holder string
	cmd := &cobra.Command{
		Use:   "release <project>",
		Short: "Release the write lease",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			mgr, err := a.leaseManager(args[0])
			if err != nil {
				return err
			}
			if holder == "" {
				holder = defaultHolder()
			}
			if err := mgr.Release(holder); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "lease released")
			return nil
		},
	}
	cmd.Flags().StringVar(&holder, "holder", "", "lease holder name (default host/pid)")
	return cmd
}

// newLeaseStatusCmd creates "aihub lease status".
func newLeaseStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <project>",
		Short: "Show the current write lease",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			mgr, err := a.leaseManager(args[0])
			if err != nil {
				return err
			}
			l, err := mgr.Get()
			if err != nil {
				return err
			}
			if l == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "no lease held")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "held by %s until %s\n",
				l.Holder, l.ExpiresAt.Local().Format(time.DateTime))
			return nil
		},
	}
}
