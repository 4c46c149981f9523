package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"aihub/pkg/orchestrator"
	"aihub/pkg/protocol"
)

// spawnConfig holds flags for the spawn command.
type spawnConfig struct {
	cli      string
	mode     string
	base     string
	worktree string
	resume   bool
	detach   bool
}

// newSpawnCmd creates the "aihub spawn" subcommand.
func newSpawnCmd() *cobra.Command {
	var cfg spawnConfig

	cmd := &cobra.Command{
		Use:   "spawn <project> <slug> <prompt>...",
		Short: "Spawn or resume a subagent",
		Long: `Launches an agent subprocess for (project, slug) and supervises it in
the foreground until it exits: output streaming, session persistence,
and the terminal history event all happen in this process. Ctrl-C
interrupts the agent, not just the CLI. With --detach a background
supervisor process is started instead and spawn returns immediately.
With --resume the existing session continues; otherwise a fresh session
starts even when the slug directory is reused.`,
		Args: cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.detach {
				return spawnDetached(cmd, args, &cfg)
			}

			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			st, err := a.orch.Spawn(cmd.Context(), orchestrator.SpawnRequest{
				ProjectID:    args[0],
				Slug:         args[1],
				Prompt:       strings.Join(args[2:], " "),
				CLI:          cfg.cli,
				Mode:         protocol.RunMode(cfg.mode),
				BaseBranch:   cfg.base,
				WorktreePath: cfg.worktree,
				Resume:       cfg.resume,
			})
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "spawned %s/%s (pid %d, mode %s, run %s)\n",
				args[0], args[1], st.SupervisorPID, st.RunMode, st.RunID)
			return superviseForeground(cmd, a, args[0], args[1], st.RunID)
		},
	}

	cmd.Flags().StringVar(&cfg.cli, "cli", "", "agent backend binary (default from config)")
	cmd.Flags().StringVar(&cfg.mode, "mode", "", "run mode: main-run, worktree, or clone (default worktree)")
	cmd.Flags().StringVar(&cfg.base, "base", "", "base branch for worktree mode (default from config)")
	cmd.Flags().StringVar(&cfg.worktree, "worktree", "", "checkout path (required for clone mode)")
	cmd.Flags().BoolVar(&cfg.resume, "resume", false, "continue the slug's existing session")
	cmd.Flags().BoolVar(&cfg.detach, "detach", false, "supervise in a background process and return immediately")
	return cmd
}

// superviseForeground blocks until the worker exits, translating Ctrl-C
// into an interrupt of the agent's process group, then reports the
// run's terminal outcome.
func superviseForeground(cmd *cobra.Command, a *app, projectID, slug, runID string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.orch.Wait(ctx, projectID, slug); err != nil {
		if ctx.Err() == nil {
			return err
		}
		stop()
		fmt.Fprintf(cmd.OutOrStdout(), "interrupting %s/%s\n", projectID, slug)
		if err := a.orch.Interrupt(projectID, slug); err != nil {
			// Exited on its own between the signal and the call.
			var nr *protocol.NotRunningError
			if !errors.As(err, &nr) {
				return err
			}
		}
		if err := a.orch.Wait(context.Background(), projectID, slug); err != nil {
			return err
		}
	}

	events, _, err := a.orch.ReadHistory(projectID, slug, 0)
	if err != nil {
		return err
	}
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		if ev.Kind != protocol.EventWorkerFinished || ev.RunID != runID {
			continue
		}
		if ev.Error != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "worker finished: %s (%s)\n", ev.Outcome, ev.Error)
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "worker finished: %s\n", ev.Outcome)
		}
		break
	}
	return nil
}

// spawnDetached re-execs this binary as a session-leader spawn that
// supervises the worker to completion, then returns without waiting.
func spawnDetached(cmd *cobra.Command, args []string, cfg *spawnConfig) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}

	childArgs := append([]string{"spawn"}, args...)
	if cfg.cli != "" {
		childArgs = append(childArgs, "--cli", cfg.cli)
	}
	if cfg.mode != "" {
		childArgs = append(childArgs, "--mode", cfg.mode)
	}
	if cfg.base != "" {
		childArgs = append(childArgs, "--base", cfg.base)
	}
	if cfg.worktree != "" {
		childArgs = append(childArgs, "--worktree", cfg.worktree)
	}
	if cfg.resume {
		childArgs = append(childArgs, "--resume")
	}

	child := exec.Command(exe, childArgs...) //nolint:gosec // re-exec of our own binary
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := child.Start(); err != nil {
		return fmt.Errorf("start detached supervisor: %w", err)
	}
	pid := child.Process.Pid
	_ = child.Process.Release()
	fmt.Fprintf(cmd.OutOrStdout(), "detached supervisor %d for %s/%s\n", pid, args[0], args[1])
	return nil
}
