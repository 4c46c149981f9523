// Package supervisor spawns and tracks one agent subprocess per
// (project, slug). It normalizes the subprocess's heterogeneous stdout
// protocol into the canonical event stream: every line lands verbatim in
// the workspace raw log, recognized structured lines additionally become
// history events, and the first session/thread id seen is persisted into
// the worker's state record.
package supervisor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"aihub/pkg/protocol"
	"aihub/pkg/workspace"
)

// killGracePeriod is how long Interrupt waits after SIGTERM before
// escalating to SIGKILL on the process group.
const killGracePeriod = 3 * time.Second

// SpawnSpec describes one subprocess launch.
type SpawnSpec struct {
	ProjectID       string
	Slug            string
	CLI             string // agent backend binary name, e.g. "codex"
	Prompt          string
	ResumeSessionID string // continue this conversation when non-empty
	Dir             string // working directory (repo, worktree, or clone)
	RunID           string // identifies this lifecycle segment in history
}

// CommandBuilder turns a SpawnSpec into a runnable command. The
// production implementation resolves the CLI binary and assembles its
// argument protocol; tests inject scripts.
type CommandBuilder interface {
	Build(spec SpawnSpec) (*exec.Cmd, error)
}

// EventSink receives a best-effort copy of every history event, e.g.
// the SQLite event index. Sink failures are logged and ignored; the
// JSONL history file remains the source of truth.
type EventSink interface {
	Mirror(projectID, slug string, ev protocol.Event) error
}

// Supervisor spawns agent subprocesses and wires their output into the
// workspace store.
type Supervisor struct {
	store   *workspace.Store
	builder CommandBuilder
	logger  *zap.Logger
	sink    EventSink
}

// New creates a Supervisor. A nil logger means no logging.
func New(store *workspace.Store, builder CommandBuilder, logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{store: store, builder: builder, logger: logger}
}

// SetEventSink installs an optional mirror for history events.
func (s *Supervisor) SetEventSink(sink EventSink) { s.sink = sink }

// recordHistory appends ev to the workspace history and mirrors it into
// the sink when one is installed.
func (s *Supervisor) recordHistory(projectID, slug string, ev protocol.Event) error {
	if err := s.store.AppendHistory(projectID, slug, ev); err != nil {
		return err
	}
	if s.sink != nil {
		if err := s.sink.Mirror(projectID, slug, ev); err != nil {
			s.logger.Warn("event mirror failed", zap.String("slug", slug), zap.Error(err))
		}
	}
	return nil
}

// Handle tracks one running subprocess.
type Handle struct {
	ProjectID string
	Slug      string
	PID       int

	proc        *os.Process
	interrupted atomic.Bool
	done        chan struct{}
	sup         *Supervisor
}

// Alive reports whether the subprocess is still running.
func (h *Handle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Done returns a channel closed when the subprocess has exited and its
// final history event has been recorded.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Spawn launches the subprocess described by spec. Each subprocess gets
// its own process group so Interrupt can terminate the whole tree, not
// just the leader.
func (s *Supervisor) Spawn(spec SpawnSpec) (*Handle, error) {
	cmd, err := s.builder.Build(spec)
	if err != nil {
		return nil, err
	}
	cmd.Dir = spec.Dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, &protocol.SubprocessError{Slug: spec.Slug, Reason: fmt.Sprintf("start %s: %v", spec.CLI, err)}
	}

	h := &Handle{
		ProjectID: spec.ProjectID,
		Slug:      spec.Slug,
		PID:       cmd.Process.Pid,
		proc:      cmd.Process,
		done:      make(chan struct{}),
		sup:       s,
	}

	if err := s.recordHistory(spec.ProjectID, spec.Slug, protocol.Event{
		Kind:  protocol.EventWorkerStarted,
		Time:  time.Now().UTC(),
		RunID: spec.RunID,
	}); err != nil {
		s.logger.Warn("append worker.started failed", zap.String("slug", spec.Slug), zap.Error(err))
	}

	var wg sync.WaitGroup
	var streamErr atomic.Value
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := s.consumeStdout(spec, stdout); err != nil {
			streamErr.Store(err)
		}
	}()
	go func() {
		defer wg.Done()
		s.consumeStderr(spec, stderr)
	}()

	// Reaper: wait for the streams to drain and the process to exit,
	// then record the terminal history event and last error.
	go func() {
		wg.Wait()
		waitErr := cmd.Wait()
		s.finish(spec, h, waitErr, streamErr.Load())
		close(h.done)
	}()

	s.logger.Info("worker spawned",
		zap.String("project", spec.ProjectID),
		zap.String("slug", spec.Slug),
		zap.String("cli", spec.CLI),
		zap.Int("pid", h.PID))
	return h, nil
}

// Interrupt records intent immediately, then signals the process group.
// It does not wait for the process to die: SIGTERM is sent now and a
// background goroutine escalates to SIGKILL after the grace period.
// Observers poll state/history to see actual termination.
func (h *Handle) Interrupt() error {
	h.interrupted.Store(true)

	if err := h.sup.recordHistory(h.ProjectID, h.Slug, protocol.Event{
		Kind: protocol.EventWorkerInterrupt,
		Time: time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("record interrupt: %w", err)
	}

	// Negative PID targets the whole process group (worker plus any
	// children it spawned).
	pgid := h.PID
	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
		// Process already gone; the reaper records the outcome.
		return nil //nolint:nilerr // SIGTERM failure means already exited
	}

	go func() {
		select {
		case <-h.done:
		case <-time.After(killGracePeriod):
			_ = syscall.Kill(-pgid, syscall.SIGKILL)
		}
	}()
	return nil
}

// consumeStdout appends every line to the raw log, mirrors recognized
// structured lines into history, bumps progress, and persists the first
// session id it sees.
func (s *Supervisor) consumeStdout(spec SpawnSpec, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	sessionSaved := false
	for scanner.Scan() {
		line := scanner.Bytes()
		now := time.Now().UTC()

		if err := s.store.AppendLog(spec.ProjectID, spec.Slug, workspace.LogRecord{
			Time: now, Stream: "stdout", Line: string(line),
		}); err != nil {
			s.logger.Warn("append log failed", zap.String("slug", spec.Slug), zap.Error(err))
		}

		ev := protocol.ParseAgentLine(line, now)
		if ev.Kind == protocol.EventRaw {
			continue
		}
		ev.RunID = spec.RunID
		if err := s.recordHistory(spec.ProjectID, spec.Slug, ev); err != nil {
			s.logger.Warn("append history failed", zap.String("slug", spec.Slug), zap.Error(err))
		}

		toolCalls := 0
		if ev.Kind == protocol.EventItemCompleted {
			toolCalls = 1
		}
		if err := s.store.Touch(spec.ProjectID, spec.Slug, toolCalls); err != nil {
			s.logger.Warn("touch progress failed", zap.String("slug", spec.Slug), zap.Error(err))
		}

		if ev.Kind == protocol.EventThreadStarted && !sessionSaved {
			sessionSaved = true
			s.persistSession(spec, ev.ThreadID)
		}
	}
	if err := scanner.Err(); err != nil {
		return &protocol.SubprocessError{Slug: spec.Slug, Reason: "stdout stream: " + err.Error()}
	}
	return nil
}

// consumeStderr appends stderr lines to the raw log verbatim.
func (s *Supervisor) consumeStderr(spec SpawnSpec, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if err := s.store.AppendLog(spec.ProjectID, spec.Slug, workspace.LogRecord{
			Time: time.Now().UTC(), Stream: "stderr", Line: scanner.Text(),
		}); err != nil {
			s.logger.Warn("append log failed", zap.String("slug", spec.Slug), zap.Error(err))
		}
	}
}

// persistSession stores the session id into WorkerState the first time
// the subprocess announces it.
func (s *Supervisor) persistSession(spec SpawnSpec, sessionID string) {
	_, err := s.store.UpdateState(spec.ProjectID, spec.Slug, func(st *protocol.WorkerState) {
		st.SessionID = sessionID
	})
	if err != nil {
		s.logger.Warn("save session id failed", zap.String("slug", spec.Slug), zap.Error(err))
	}
}

// finish records the terminal worker.finished event and, on failure,
// writes lastError into WorkerState. Errors are recorded before anything
// is surfaced so later pollers discover them even if the caller never
// checks.
func (s *Supervisor) finish(spec SpawnSpec, h *Handle, waitErr error, streamErr any) {
	outcome := protocol.OutcomeReplied
	errMsg := ""
	switch {
	case h.interrupted.Load() || terminatedBySigterm(waitErr):
		// The flag covers this process's Interrupt; the SIGTERM check
		// covers an interrupt delivered by another aihub invocation.
		outcome = protocol.OutcomeInterrupted
	case streamErr != nil:
		outcome = protocol.OutcomeError
		errMsg = streamErr.(error).Error()
	case waitErr != nil:
		outcome = protocol.OutcomeError
		errMsg = waitErr.Error()
	}

	if errMsg != "" {
		if _, err := s.store.UpdateState(spec.ProjectID, spec.Slug, func(st *protocol.WorkerState) {
			st.LastError = errMsg
		}); err != nil {
			s.logger.Warn("save last error failed", zap.String("slug", spec.Slug), zap.Error(err))
		}
	}

	if err := s.recordHistory(spec.ProjectID, spec.Slug, protocol.Event{
		Kind:    protocol.EventWorkerFinished,
		Time:    time.Now().UTC(),
		RunID:   spec.RunID,
		Outcome: outcome,
		Error:   errMsg,
	}); err != nil {
		s.logger.Warn("append worker.finished failed", zap.String("slug", spec.Slug), zap.Error(err))
	}

	s.logger.Info("worker finished",
		zap.String("project", spec.ProjectID),
		zap.String("slug", spec.Slug),
		zap.String("outcome", outcome))
}

// terminatedBySigterm reports whether waitErr is a subprocess death by
// SIGTERM, the stop signal every interrupt path sends.
func terminatedBySigterm(waitErr error) bool {
	var exitErr *exec.ExitError
	if !errors.As(waitErr, &exitErr) {
		return false
	}
	ws, ok := exitErr.Sys().(syscall.WaitStatus)
	return ok && ws.Signaled() && ws.Signal() == syscall.SIGTERM
}

// --- production command builder ---

// wellKnownDirs are searched for the agent CLI binary before PATH, so
// spawning works even when the invoking environment has a minimal PATH.
var wellKnownDirs = []string{
	"/usr/local/bin",
	"/opt/homebrew/bin",
	"/usr/bin",
}

// homeDirs are searched under $HOME before the system dirs.
var homeDirs = []string{
	".local/bin",
	"bin",
	".npm-global/bin",
}

// ResolveBinary locates the CLI binary, preferring well-known install
// locations over PATH.
func ResolveBinary(cli string) (string, error) {
	if home, err := os.UserHomeDir(); err == nil {
		for _, d := range homeDirs {
			candidate := filepath.Join(home, d, cli)
			if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
				return candidate, nil
			}
		}
	}
	for _, d := range wellKnownDirs {
		candidate := filepath.Join(d, cli)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	path, err := exec.LookPath(cli)
	if err != nil {
		return "", &protocol.PreconditionError{Reason: fmt.Sprintf("agent CLI %q not found", cli)}
	}
	return path, nil
}

// AgentBuilder is the production CommandBuilder. It invokes the agent
// CLI in non-interactive mode with JSON-lines output on stdout.
type AgentBuilder struct{}

// Build assembles the subprocess command for spec.
func (AgentBuilder) Build(spec SpawnSpec) (*exec.Cmd, error) {
	bin, err := ResolveBinary(spec.CLI)
	if err != nil {
		return nil, err
	}
	args := []string{"-p", spec.Prompt, "--output-format", "stream-json"}
	if spec.ResumeSessionID != "" {
		args = append(args, "--resume", spec.ResumeSessionID)
	}
	//nolint:gosec // binary path resolved from a fixed allowlist plus PATH
	return exec.Command(bin, args...), nil
}
