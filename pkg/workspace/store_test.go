package workspace_test

import (
	"errors"
	"testing"
	"time"

	"aihub/pkg/protocol"
	"aihub/pkg/workspace"
)

func TestStateRoundTrip(t *testing.T) {
	t.Parallel()
	s := workspace.NewStore(t.TempDir())

	in := &protocol.WorkerState{
		SessionID:  "sess-1",
		StartedAt:  time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
		CLI:        "codex",
		RunMode:    protocol.RunModeWorktree,
		BaseBranch: "main",
		RunID:      "run-1",
	}
	if err := s.SaveState("proj", "fix-auth", in); err != nil {
		t.Fatalf("SaveState: %v", err)
	}
	out, err := s.LoadState("proj", "fix-auth")
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if out.SessionID != "sess-1" || out.CLI != "codex" || out.RunMode != protocol.RunModeWorktree {
		t.Errorf("round trip mismatch: %+v", out)
	}
	if !out.StartedAt.Equal(in.StartedAt) {
		t.Errorf("started at = %v, want %v", out.StartedAt, in.StartedAt)
	}
}

func TestUpdateState_PreservesConcurrentFields(t *testing.T) {
	t.Parallel()
	s := workspace.NewStore(t.TempDir())

	if err := s.SaveState("proj", "w", &protocol.WorkerState{CLI: "codex", RunID: "run-1"}); err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	// Two writers mutate disjoint fields, as the supervisor stream
	// goroutine and the orchestrator do; neither write may clobber the
	// other's.
	if _, err := s.UpdateState("proj", "w", func(st *protocol.WorkerState) {
		st.SessionID = "sess-9"
	}); err != nil {
		t.Fatalf("UpdateState: %v", err)
	}
	out, err := s.UpdateState("proj", "w", func(st *protocol.WorkerState) {
		st.SupervisorPID = 4242
	})
	if err != nil {
		t.Fatalf("UpdateState: %v", err)
	}
	if out.SessionID != "sess-9" || out.SupervisorPID != 4242 || out.RunID != "run-1" {
		t.Errorf("state = %+v, want all fields intact", out)
	}
}

func TestUpdateState_NeverSpawned(t *testing.T) {
	t.Parallel()
	s := workspace.NewStore(t.TempDir())

	_, err := s.UpdateState("proj", "ghost", func(*protocol.WorkerState) {})
	var nf *protocol.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected *NotFoundError, got %v", err)
	}
}

func TestLoadState_NeverSpawned(t *testing.T) {
	t.Parallel()
	s := workspace.NewStore(t.TempDir())

	_, err := s.LoadState("proj", "ghost")
	var nf *protocol.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected *NotFoundError, got %v", err)
	}
	if nf.ID != "ghost" {
		t.Errorf("id = %q", nf.ID)
	}
}

func TestDir_RejectsTraversal(t *testing.T) {
	t.Parallel()
	s := workspace.NewStore(t.TempDir())

	if _, err := s.Dir("proj", "../escape"); err == nil {
		t.Error("expected error for slug with path separator")
	}
	if _, err := s.Dir("..", "slug"); err == nil {
		t.Error("expected error for reserved project id")
	}
}

func TestHistoryCursor_ExactlyOnce(t *testing.T) {
	t.Parallel()
	s := workspace.NewStore(t.TempDir())

	now := time.Now().UTC()
	for _, kind := range []protocol.EventKind{protocol.EventWorkerStarted, protocol.EventRaw, protocol.EventItemCompleted} {
		if err := s.AppendHistory("proj", "w", protocol.Event{Kind: kind, Time: now}); err != nil {
			t.Fatalf("AppendHistory: %v", err)
		}
	}

	first, cursor, err := s.ReadHistorySince("proj", "w", 0)
	if err != nil {
		t.Fatalf("ReadHistorySince: %v", err)
	}
	if len(first) != 3 || cursor != 3 {
		t.Fatalf("got %d events cursor %d, want 3/3", len(first), cursor)
	}

	// No new records: same cursor, nothing re-delivered.
	again, cursor2, err := s.ReadHistorySince("proj", "w", cursor)
	if err != nil {
		t.Fatalf("ReadHistorySince: %v", err)
	}
	if len(again) != 0 || cursor2 != cursor {
		t.Fatalf("re-read delivered %d events cursor %d", len(again), cursor2)
	}

	// Append one more, read from the old cursor: exactly the new record.
	if err := s.AppendHistory("proj", "w", protocol.Event{Kind: protocol.EventWorkerFinished, Time: now}); err != nil {
		t.Fatalf("AppendHistory: %v", err)
	}
	tail, cursor3, err := s.ReadHistorySince("proj", "w", cursor)
	if err != nil {
		t.Fatalf("ReadHistorySince: %v", err)
	}
	if len(tail) != 1 || tail[0].Kind != protocol.EventWorkerFinished || cursor3 != 4 {
		t.Fatalf("tail = %+v cursor %d", tail, cursor3)
	}
}

func TestReadLogsSince_MissingFileIsEmpty(t *testing.T) {
	t.Parallel()
	s := workspace.NewStore(t.TempDir())

	recs, cursor, err := s.ReadLogsSince("proj", "w", 0)
	if err != nil {
		t.Fatalf("ReadLogsSince: %v", err)
	}
	if len(recs) != 0 || cursor != 0 {
		t.Errorf("recs = %v cursor = %d", recs, cursor)
	}
}

func TestTouch_AccumulatesToolCalls(t *testing.T) {
	t.Parallel()
	s := workspace.NewStore(t.TempDir())

	if err := s.Touch("proj", "w", 1); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	if err := s.Touch("proj", "w", 2); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	p, err := s.LoadProgress("proj", "w")
	if err != nil {
		t.Fatalf("LoadProgress: %v", err)
	}
	if p.ToolCalls != 3 {
		t.Errorf("tool calls = %d, want 3", p.ToolCalls)
	}
	if p.LastActive.IsZero() {
		t.Error("last active not set")
	}
}

func TestListSlugs_SortedAndSkipsArchive(t *testing.T) {
	t.Parallel()
	s := workspace.NewStore(t.TempDir())

	for _, slug := range []string{"zeta", "alpha"} {
		if err := s.SaveState("proj", slug, &protocol.WorkerState{CLI: "codex"}); err != nil {
			t.Fatalf("SaveState: %v", err)
		}
	}
	if err := s.Archive("proj", "zeta"); err != nil {
		t.Fatalf("Archive: %v", err)
	}

	slugs, err := s.ListSlugs("proj")
	if err != nil {
		t.Fatalf("ListSlugs: %v", err)
	}
	if len(slugs) != 1 || slugs[0] != "alpha" {
		t.Errorf("slugs = %v, want [alpha]", slugs)
	}
}

func TestArchive_MissingSlug(t *testing.T) {
	t.Parallel()
	s := workspace.NewStore(t.TempDir())

	err := s.Archive("proj", "ghost")
	var nf *protocol.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected *NotFoundError, got %v", err)
	}
}

func TestArchive_PreservesHistory(t *testing.T) {
	t.Parallel()
	s := workspace.NewStore(t.TempDir())

	if err := s.AppendHistory("proj", "w", protocol.Event{Kind: protocol.EventWorkerStarted, Time: time.Now()}); err != nil {
		t.Fatalf("AppendHistory: %v", err)
	}
	if err := s.Archive("proj", "w"); err != nil {
		t.Fatalf("Archive: %v", err)
	}

	// Slug gone from active listing; a fresh spawn can reuse the name.
	if _, err := s.LoadState("proj", "w"); err == nil {
		t.Error("expected state gone after archive")
	}
	if err := s.SaveState("proj", "w", &protocol.WorkerState{CLI: "codex"}); err != nil {
		t.Fatalf("SaveState after archive: %v", err)
	}
	evs, _, err := s.ReadHistorySince("proj", "w", 0)
	if err != nil {
		t.Fatalf("ReadHistorySince: %v", err)
	}
	if len(evs) != 0 {
		t.Errorf("fresh workspace inherited %d archived events", len(evs))
	}
}
