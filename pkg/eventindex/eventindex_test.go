package eventindex_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"aihub/pkg/eventindex"
	"aihub/pkg/protocol"
)

func openTestIndex(t *testing.T) *eventindex.Index {
	t.Helper()
	ix, err := eventindex.Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = ix.Close() })
	return ix
}

func TestMirrorAndQuery(t *testing.T) {
	t.Parallel()
	ix := openTestIndex(t)
	ctx := context.Background()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	mirror := func(project, slug string, kind protocol.EventKind) {
		t.Helper()
		if err := ix.Mirror(project, slug, protocol.Event{Kind: kind, Time: now, RunID: "run-1"}); err != nil {
			t.Fatalf("Mirror: %v", err)
		}
	}
	mirror("proj", "alpha", protocol.EventWorkerStarted)
	mirror("proj", "alpha", protocol.EventWorkerFinished)
	mirror("proj", "beta", protocol.EventWorkerStarted)
	mirror("other", "alpha", protocol.EventWorkerStarted)

	all, err := ix.Query(ctx, eventindex.QueryOpts{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("got %d events, want 4", len(all))
	}
	// Newest first.
	if all[0].Project != "other" {
		t.Errorf("first event project = %q, want other (most recent)", all[0].Project)
	}
	if !all[0].CreatedAt.Equal(now) {
		t.Errorf("created at = %v, want %v", all[0].CreatedAt, now)
	}

	byProject, err := ix.Query(ctx, eventindex.QueryOpts{Project: "proj"})
	if err != nil {
		t.Fatalf("Query by project: %v", err)
	}
	if len(byProject) != 3 {
		t.Errorf("got %d events for proj, want 3", len(byProject))
	}

	bySlug, err := ix.Query(ctx, eventindex.QueryOpts{Project: "proj", Slug: "beta"})
	if err != nil {
		t.Fatalf("Query by slug: %v", err)
	}
	if len(bySlug) != 1 || bySlug[0].Slug != "beta" {
		t.Errorf("slug query = %+v", bySlug)
	}

	byKind, err := ix.Query(ctx, eventindex.QueryOpts{Kind: string(protocol.EventWorkerFinished)})
	if err != nil {
		t.Fatalf("Query by kind: %v", err)
	}
	if len(byKind) != 1 {
		t.Errorf("kind query = %+v", byKind)
	}

	limited, err := ix.Query(ctx, eventindex.QueryOpts{Limit: 2})
	if err != nil {
		t.Fatalf("Query limited: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("limited query returned %d", len(limited))
	}
}

func TestOpen_Reopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "events.db")

	ix, err := eventindex.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := ix.Mirror("proj", "w", protocol.Event{Kind: protocol.EventWorkerStarted, Time: time.Now()}); err != nil {
		t.Fatalf("Mirror: %v", err)
	}
	if err := ix.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := eventindex.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	events, err := reopened.Query(context.Background(), eventindex.QueryOpts{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("got %d events after reopen, want 1", len(events))
	}
}
