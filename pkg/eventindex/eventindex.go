// Package eventindex mirrors workspace history events into a SQLite
// database so observers can query across workers and projects without
// scanning every history file. The mirror is best-effort: the JSONL
// history files remain the source of truth and the index can be rebuilt
// by replaying them.
package eventindex

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"aihub/pkg/protocol"
)

// schemaDDL defines the event index schema.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY,
    project TEXT NOT NULL,
    slug TEXT NOT NULL,
    kind TEXT NOT NULL,
    run_id TEXT,
    payload TEXT,
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS events_project_slug ON events(project, slug);
CREATE INDEX IF NOT EXISTS events_kind ON events(kind);
`

// Event is one indexed history event.
type Event struct {
	ID        int64
	Project   string
	Slug      string
	Kind      string
	RunID     string
	Payload   string
	CreatedAt time.Time
}

// Index is the SQLite-backed event mirror.
type Index struct {
	db *sql.DB
}

// Open opens (or creates) the index at path with WAL journaling and a
// busy timeout, and applies the schema.
func Open(path string) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode on %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout on %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Index{db: db}, nil
}

// Close releases the database connection. Safe to call multiple times.
func (ix *Index) Close() error {
	if ix.db != nil {
		return ix.db.Close()
	}
	return nil
}

// Mirror records one history event for (projectID, slug).
func (ix *Index) Mirror(projectID, slug string, ev protocol.Event) error {
	_, err := ix.db.Exec(
		"INSERT INTO events (project, slug, kind, run_id, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		projectID, slug, string(ev.Kind), ev.RunID, string(ev.Payload), ev.Time.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// QueryOpts specifies filter criteria for querying events.
type QueryOpts struct {
	Project string // filter to a project (optional)
	Slug    string // filter to a slug (optional)
	Kind    string // filter to an event kind (optional)
	Limit   int    // 0 = no limit
}

// Query returns matching events, newest first.
func (ix *Index) Query(ctx context.Context, opts QueryOpts) ([]Event, error) {
	var conds []string
	var args []any
	if opts.Project != "" {
		conds = append(conds, "project = ?")
		args = append(args, opts.Project)
	}
	if opts.Slug != "" {
		conds = append(conds, "slug = ?")
		args = append(args, opts.Slug)
	}
	if opts.Kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, opts.Kind)
	}

	q := "SELECT id, project, slug, kind, run_id, payload, created_at FROM events"
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY id DESC"
	if opts.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}

	rows, err := ix.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var runID, payload, created sql.NullString
		if err := rows.Scan(&e.ID, &e.Project, &e.Slug, &e.Kind, &runID, &payload, &created); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.RunID = runID.String
		e.Payload = payload.String
		if created.Valid {
			if t, err := time.Parse(time.RFC3339Nano, created.String); err == nil {
				e.CreatedAt = t
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}
