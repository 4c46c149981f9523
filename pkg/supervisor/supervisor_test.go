package supervisor_test

import (
	"os/exec"
	"sync"
	"syscall"
	"testing"
	"time"

	"aihub/pkg/protocol"
	"aihub/pkg/supervisor"
	"aihub/pkg/workspace"
)

// scriptBuilder runs a shell script instead of a real agent CLI.
type scriptBuilder struct {
	script string
}

func (b scriptBuilder) Build(supervisor.SpawnSpec) (*exec.Cmd, error) {
	return exec.Command("/bin/sh", "-c", b.script), nil
}

// memorySink collects mirrored events.
type memorySink struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (s *memorySink) Mirror(_, _ string, ev protocol.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *memorySink) kinds() []protocol.EventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.EventKind, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Kind
	}
	return out
}

func waitDone(t *testing.T, h *supervisor.Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(15 * time.Second):
		t.Fatal("subprocess did not finish in time")
	}
}

func historyKinds(t *testing.T, store *workspace.Store, project, slug string) []protocol.EventKind {
	t.Helper()
	events, _, err := store.ReadHistorySince(project, slug, 0)
	if err != nil {
		t.Fatalf("ReadHistorySince: %v", err)
	}
	kinds := make([]protocol.EventKind, len(events))
	for i, ev := range events {
		kinds[i] = ev.Kind
	}
	return kinds
}

func TestSpawn_StreamsEventsAndFinishesReplied(t *testing.T) {
	store := workspace.NewStore(t.TempDir())
	script := `echo '{"type":"thread.started","thread_id":"sess-42"}'
echo '{"type":"item.completed","item":{"kind":"tool_call"}}'
echo 'plain progress text'`
	sup := supervisor.New(store, scriptBuilder{script: script}, nil)

	spec := supervisor.SpawnSpec{ProjectID: "proj", Slug: "w", CLI: "test", RunID: "run-1", Dir: t.TempDir()}
	if err := store.SaveState("proj", "w", &protocol.WorkerState{CLI: "test", RunID: "run-1"}); err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	h, err := sup.Spawn(spec)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if h.PID == 0 {
		t.Error("handle has no pid")
	}
	waitDone(t, h)

	if h.Alive() {
		t.Error("handle still alive after done")
	}

	kinds := historyKinds(t, store, "proj", "w")
	want := []protocol.EventKind{
		protocol.EventWorkerStarted,
		protocol.EventThreadStarted,
		protocol.EventItemCompleted,
		protocol.EventWorkerFinished,
	}
	if len(kinds) != len(want) {
		t.Fatalf("history kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("history[%d] = %q, want %q", i, kinds[i], want[i])
		}
	}

	events, _, err := store.ReadHistorySince("proj", "w", 0)
	if err != nil {
		t.Fatalf("ReadHistorySince: %v", err)
	}
	final := events[len(events)-1]
	if final.Outcome != protocol.OutcomeReplied {
		t.Errorf("outcome = %q, want replied", final.Outcome)
	}

	// Every stdout line, structured or not, lands in the raw log.
	logs, _, err := store.ReadLogsSince("proj", "w", 0)
	if err != nil {
		t.Fatalf("ReadLogsSince: %v", err)
	}
	if len(logs) != 3 {
		t.Errorf("raw log has %d lines, want 3", len(logs))
	}

	// The announced session id is persisted for later resume.
	st, err := store.LoadState("proj", "w")
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if st.SessionID != "sess-42" {
		t.Errorf("session id = %q, want sess-42", st.SessionID)
	}

	// item.completed bumps the tool call counter.
	p, err := store.LoadProgress("proj", "w")
	if err != nil {
		t.Fatalf("LoadProgress: %v", err)
	}
	if p.ToolCalls != 1 {
		t.Errorf("tool calls = %d, want 1", p.ToolCalls)
	}
}

func TestSpawn_NonzeroExitRecordsError(t *testing.T) {
	store := workspace.NewStore(t.TempDir())
	sup := supervisor.New(store, scriptBuilder{script: "echo boom >&2; exit 3"}, nil)

	if err := store.SaveState("proj", "w", &protocol.WorkerState{CLI: "test"}); err != nil {
		t.Fatalf("SaveState: %v", err)
	}
	h, err := sup.Spawn(supervisor.SpawnSpec{ProjectID: "proj", Slug: "w", CLI: "test", Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	waitDone(t, h)

	events, _, err := store.ReadHistorySince("proj", "w", 0)
	if err != nil {
		t.Fatalf("ReadHistorySince: %v", err)
	}
	final := events[len(events)-1]
	if final.Kind != protocol.EventWorkerFinished || final.Outcome != protocol.OutcomeError {
		t.Fatalf("final event = %+v", final)
	}
	if final.Error == "" {
		t.Error("finished event carries no error")
	}

	st, err := store.LoadState("proj", "w")
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if st.LastError == "" {
		t.Error("last error not persisted to state")
	}

	// Stderr output is captured in the raw log.
	logs, _, err := store.ReadLogsSince("proj", "w", 0)
	if err != nil {
		t.Fatalf("ReadLogsSince: %v", err)
	}
	var sawStderr bool
	for _, rec := range logs {
		if rec.Stream == "stderr" && rec.Line == "boom" {
			sawStderr = true
		}
	}
	if !sawStderr {
		t.Errorf("stderr line missing from raw log: %v", logs)
	}
}

func TestExternalSigtermRecordsInterrupted(t *testing.T) {
	store := workspace.NewStore(t.TempDir())
	sup := supervisor.New(store, scriptBuilder{script: "sleep 30"}, nil)

	if err := store.SaveState("proj", "w", &protocol.WorkerState{CLI: "test"}); err != nil {
		t.Fatalf("SaveState: %v", err)
	}
	h, err := sup.Spawn(supervisor.SpawnSpec{ProjectID: "proj", Slug: "w", CLI: "test", Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	// A SIGTERM from another process (aihub interrupt in a separate
	// invocation) never sets the handle flag; the reaper still
	// classifies the death as an interrupt, not an error.
	if err := syscall.Kill(-h.PID, syscall.SIGTERM); err != nil {
		t.Fatalf("kill: %v", err)
	}
	waitDone(t, h)

	events, _, err := store.ReadHistorySince("proj", "w", 0)
	if err != nil {
		t.Fatalf("ReadHistorySince: %v", err)
	}
	final := events[len(events)-1]
	if final.Kind != protocol.EventWorkerFinished || final.Outcome != protocol.OutcomeInterrupted {
		t.Errorf("final event = %+v, want worker.finished interrupted", final)
	}
}

func TestInterrupt_RecordsIntentThenTerminates(t *testing.T) {
	store := workspace.NewStore(t.TempDir())
	sup := supervisor.New(store, scriptBuilder{script: "sleep 30"}, nil)

	if err := store.SaveState("proj", "w", &protocol.WorkerState{CLI: "test"}); err != nil {
		t.Fatalf("SaveState: %v", err)
	}
	h, err := sup.Spawn(supervisor.SpawnSpec{ProjectID: "proj", Slug: "w", CLI: "test", Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if !h.Alive() {
		t.Fatal("subprocess not alive after spawn")
	}

	if err := h.Interrupt(); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
	waitDone(t, h)

	kinds := historyKinds(t, store, "proj", "w")
	// worker.interrupt is recorded before the signal lands, so it must
	// precede worker.finished.
	var interruptIdx, finishedIdx int
	for i, k := range kinds {
		switch k {
		case protocol.EventWorkerInterrupt:
			interruptIdx = i
		case protocol.EventWorkerFinished:
			finishedIdx = i
		}
	}
	if interruptIdx == 0 || finishedIdx == 0 || interruptIdx > finishedIdx {
		t.Fatalf("event order = %v", kinds)
	}

	events, _, err := store.ReadHistorySince("proj", "w", 0)
	if err != nil {
		t.Fatalf("ReadHistorySince: %v", err)
	}
	if got := events[finishedIdx].Outcome; got != protocol.OutcomeInterrupted {
		t.Errorf("outcome = %q, want interrupted", got)
	}
}

func TestEventSink_MirrorsHistory(t *testing.T) {
	store := workspace.NewStore(t.TempDir())
	sup := supervisor.New(store, scriptBuilder{script: "true"}, nil)
	sink := &memorySink{}
	sup.SetEventSink(sink)

	if err := store.SaveState("proj", "w", &protocol.WorkerState{CLI: "test"}); err != nil {
		t.Fatalf("SaveState: %v", err)
	}
	h, err := sup.Spawn(supervisor.SpawnSpec{ProjectID: "proj", Slug: "w", CLI: "test", Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	waitDone(t, h)

	kinds := sink.kinds()
	if len(kinds) != 2 || kinds[0] != protocol.EventWorkerStarted || kinds[1] != protocol.EventWorkerFinished {
		t.Errorf("mirrored kinds = %v", kinds)
	}
}

func TestAgentBuilder_Args(t *testing.T) {
	t.Parallel()

	// sh exists everywhere this runs; the builder only needs a resolvable
	// binary name.
	cmd, err := supervisor.AgentBuilder{}.Build(supervisor.SpawnSpec{
		CLI:    "sh",
		Prompt: "do the thing",
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	want := []string{"-p", "do the thing", "--output-format", "stream-json"}
	got := cmd.Args[1:]
	if len(got) != len(want) {
		t.Fatalf("args = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("args[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	resumed, err := supervisor.AgentBuilder{}.Build(supervisor.SpawnSpec{
		CLI:             "sh",
		Prompt:          "continue",
		ResumeSessionID: "sess-42",
	})
	if err != nil {
		t.Fatalf("Build resume: %v", err)
	}
	args := resumed.Args
	if args[len(args)-2] != "--resume" || args[len(args)-1] != "sess-42" {
		t.Errorf("resume args = %v", args)
	}
}

func TestResolveBinary_Missing(t *testing.T) {
	t.Parallel()

	if _, err := supervisor.ResolveBinary("definitely-not-a-real-cli-binary"); err == nil {
		t.Fatal("expected error for missing binary")
	}
}
