package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
)

// followFallbackInterval is the safety-net poll interval while following
// logs; fsnotify events normally wake the loop much sooner.
const followFallbackInterval = 2 * time.Second

// logsConfig holds flags for the logs command.
type logsConfig struct {
	history bool
	since   int64
	follow  bool
}

// newLogsCmd creates the "aihub logs" subcommand.
func newLogsCmd() *cobra.Command {
	var cfg logsConfig

	cmd := &cobra.Command{
		Use:   "logs <project> <slug>",
		Short: "Read a subagent's raw logs or history events",
		Long: `Prints records after --since (a cursor from a previous invocation;
0 means from the beginning). The new cursor is printed on stderr so
pollers can continue exactly where they left off.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			projectID, slug := args[0], args[1]

			if cfg.history {
				events, cursor, err := a.orch.ReadHistory(projectID, slug, cfg.since)
				if err != nil {
					return err
				}
				for _, ev := range events {
					detail := ev.Outcome
					if detail == "" {
						detail = ev.ThreadID
					}
					if ev.Error != "" {
						detail += " " + ev.Error
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n",
						ev.Time.Local().Format(time.TimeOnly), ev.Kind, detail)
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "cursor: %d\n", cursor)
				return nil
			}

			cursor, err := printLogs(cmd.OutOrStdout(), a, projectID, slug, cfg.since)
			if err != nil {
				return err
			}
			if !cfg.follow {
				fmt.Fprintf(cmd.ErrOrStderr(), "cursor: %d\n", cursor)
				return nil
			}
			return followLogs(cmd.Context(), cmd.OutOrStdout(), a, projectID, slug, cursor)
		},
	}

	cmd.Flags().BoolVar(&cfg.history, "history", false, "show lifecycle history events instead of raw logs")
	cmd.Flags().Int64Var(&cfg.since, "since", 0, "cursor to read from")
	cmd.Flags().BoolVarP(&cfg.follow, "follow", "f", false, "keep printing new log lines as they appear")
	return cmd
}

// printLogs prints raw log records after cursor and returns the new cursor.
func printLogs(w io.Writer, a *app, projectID, slug string, cursor int64) (int64, error) {
	recs, newCursor, err := a.orch.ReadLogs(projectID, slug, cursor)
	if err != nil {
		return cursor, err
	}
	for _, rec := range recs {
		fmt.Fprintf(w, "%s [%s] %s\n", rec.Time.Local().Format(time.TimeOnly), rec.Stream, rec.Line)
	}
	return newCursor, nil
}

// followLogs tails the log stream: an fsnotify watcher on the workspace
// directory wakes the loop on appends, with a ticker as the fallback for
// missed events. Cursor reads make re-delivery impossible regardless of
// how often the loop wakes.
func followLogs(ctx context.Context, w io.Writer, a *app, projectID, slug string, cursor int64) error {
	logsPath, err := a.store.LogsPath(projectID, slug)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory, not the file: the file may not exist yet and
	// appends via rename would drop a file-level watch.
	if err := watcher.Add(filepath.Dir(logsPath)); err != nil {
		return fmt.Errorf("watch workspace dir: %w", err)
	}

	ticker := time.NewTicker(followFallbackInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-watcher.Events:
		case <-watcher.Errors:
		case <-ticker.C:
		}
		cursor, err = printLogs(w, a, projectID, slug, cursor)
		if err != nil {
			return err
		}
	}
}
