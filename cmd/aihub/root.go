package main

import (
	"fmt"

	"aihub/internal/buildinfo"

	"github.com/spf13/cobra"
)

// newRootCmd creates the root aihub command with all subcommands attached.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "aihub",
		Short:         "Subagent orchestrator and project space coordinator",
		Long:          "aihub runs AI-agent subprocesses against a shared git repository\nand merges their output into one consistent line of history.",
		Version:       fmt.Sprintf("aihub %s", buildinfo.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.AddCommand(
		newSpawnCmd(),
		newInterruptCmd(),
		newSubagentsCmd(),
		newLogsCmd(),
		newDeliverCmd(),
		newSpaceCmd(),
		newLeaseCmd(),
		newBranchesCmd(),
		newEventsCmd(),
		newArchiveCmd(),
		newProjectCmd(),
	)

	return cmd
}
