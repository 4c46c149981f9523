// Package orchestrator exposes the public subagent operations: spawn,
// resume, interrupt, list, log reads, and delivery into the project
// space. It owns the mapping from logical worker identity (project,
// slug) to supervisor handles and workspace records, and prepares the
// git checkout for each run mode.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"aihub/pkg/config"
	"aihub/pkg/gitx"
	"aihub/pkg/project"
	"aihub/pkg/protocol"
	"aihub/pkg/space"
	"aihub/pkg/supervisor"
	"aihub/pkg/workspace"
)

// ProjectResolver resolves a project id to its repo path and data dir.
type ProjectResolver interface {
	Resolve(projectID string) (*project.Project, error)
}

// Orchestrator supervises all subagents across projects.
type Orchestrator struct {
	store    *workspace.Store
	sup      *supervisor.Supervisor
	git      *gitx.Git
	projects ProjectResolver
	spaces   *space.Manager
	cfg      *config.Config
	logger   *zap.Logger

	// mu guards handles and inflight. Operations on different slugs
	// proceed fully in parallel; only the identity maps are shared.
	mu       sync.Mutex
	handles  map[string]*supervisor.Handle
	inflight map[string]struct{}

	nowFunc func() time.Time
}

// New creates an Orchestrator. A nil logger means no logging.
func New(store *workspace.Store, sup *supervisor.Supervisor, git *gitx.Git,
	projects ProjectResolver, spaces *space.Manager, cfg *config.Config, logger *zap.Logger,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		store:    store,
		sup:      sup,
		git:      git,
		projects: projects,
		spaces:   spaces,
		cfg:      cfg,
		logger:   logger,
		handles:  make(map[string]*supervisor.Handle),
		inflight: make(map[string]struct{}),
		nowFunc:  time.Now,
	}
}

func key(projectID, slug string) string { return projectID + "/" + slug }

// SpawnRequest describes one spawn or resume.
type SpawnRequest struct {
	ProjectID    string
	Slug         string
	CLI          string           // defaults to config DefaultCLI
	Prompt       string
	Mode         protocol.RunMode // defaults to worktree
	BaseBranch   string           // defaults to config DefaultBaseBranch
	WorktreePath string           // required for clone mode: the clone's path
	Resume       bool
}

// Spawn launches a subagent. With Resume set, the existing session id is
// passed to the subprocess so the underlying conversation continues;
// otherwise a fresh session (and history segment) starts even when the
// slug directory is reused. Spawning a slug that already has a live
// process is a conflict, never a silent kill — this includes races
// between a resume=true and a resume=false call for the same slug.
func (o *Orchestrator) Spawn(ctx context.Context, req SpawnRequest) (*protocol.WorkerState, error) {
	if err := protocol.ValidateSlug(req.Slug); err != nil {
		return nil, &protocol.PreconditionError{Reason: err.Error()}
	}
	proj, err := o.projects.Resolve(req.ProjectID)
	if err != nil {
		return nil, err
	}

	k := key(req.ProjectID, req.Slug)
	o.mu.Lock()
	if h, ok := o.handles[k]; ok && h.Alive() {
		o.mu.Unlock()
		return nil, &protocol.ConflictError{Slug: req.Slug, Reason: "worker already running"}
	}
	if _, ok := o.inflight[k]; ok {
		o.mu.Unlock()
		return nil, &protocol.ConflictError{Slug: req.Slug, Reason: "spawn already in flight"}
	}
	o.inflight[k] = struct{}{}
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		delete(o.inflight, k)
		o.mu.Unlock()
	}()

	st, err := o.prepareState(ctx, proj, req)
	if err != nil {
		return nil, err
	}

	dir, err := o.prepareCheckout(ctx, proj, st, req.Slug)
	if err != nil {
		return nil, err
	}

	// Persist before the subprocess exists: its first stdout line can
	// announce a session id before sup.Spawn returns, and the stream
	// goroutine must find a state file to write it into. All later
	// mutations go through UpdateState so concurrent writers never
	// clobber each other's fields.
	if err := o.store.SaveState(req.ProjectID, req.Slug, st); err != nil {
		return nil, err
	}

	resumeSession := ""
	if req.Resume {
		resumeSession = st.SessionID
	}

	handle, err := o.sup.Spawn(supervisor.SpawnSpec{
		ProjectID:       req.ProjectID,
		Slug:            req.Slug,
		CLI:             st.CLI,
		Prompt:          req.Prompt,
		ResumeSessionID: resumeSession,
		Dir:             dir,
		RunID:           st.RunID,
	})
	if err != nil {
		if _, saveErr := o.store.UpdateState(req.ProjectID, req.Slug, func(cur *protocol.WorkerState) {
			cur.LastError = err.Error()
		}); saveErr != nil {
			o.logger.Warn("save spawn error failed", zap.String("slug", req.Slug), zap.Error(saveErr))
		}
		return nil, err
	}

	st, err = o.store.UpdateState(req.ProjectID, req.Slug, func(cur *protocol.WorkerState) {
		cur.SupervisorPID = handle.PID
	})
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	o.handles[k] = handle
	o.mu.Unlock()

	return st, nil
}

// prepareState builds the WorkerState for this run. A resume keeps the
// prior session and checkout; a new run overwrites the record with a
// fresh run id so the history segments stay distinguishable.
func (o *Orchestrator) prepareState(_ context.Context, _ *project.Project, req SpawnRequest) (*protocol.WorkerState, error) {
	prior, err := o.store.LoadState(req.ProjectID, req.Slug)
	if err != nil {
		var nf *protocol.NotFoundError
		if !errors.As(err, &nf) {
			return nil, err
		}
		prior = nil
	}

	if req.Resume {
		if prior == nil {
			return nil, &protocol.NotFoundError{Kind: "slug", ID: req.Slug}
		}
		st := *prior
		st.RunID = uuid.NewString()
		st.StartedAt = o.nowFunc().UTC()
		st.LastError = ""
		return &st, nil
	}

	mode := req.Mode
	if mode == "" {
		mode = protocol.RunModeWorktree
	}
	if !mode.Valid() {
		return nil, &protocol.PreconditionError{Reason: fmt.Sprintf("unknown run mode %q", mode)}
	}
	cli := req.CLI
	if cli == "" {
		cli = o.cfg.DefaultCLI
	}
	base := req.BaseBranch
	if base == "" {
		base = o.cfg.DefaultBaseBranch
	}

	st := &protocol.WorkerState{
		CLI:          cli,
		RunMode:      mode,
		BaseBranch:   base,
		WorktreePath: req.WorktreePath,
		StartedAt:    o.nowFunc().UTC(),
		RunID:        uuid.NewString(),
	}
	return st, nil
}

// prepareCheckout materializes the run mode's working copy and returns
// the directory the subprocess runs in.
func (o *Orchestrator) prepareCheckout(ctx context.Context, proj *project.Project, st *protocol.WorkerState, slug string) (string, error) {
	switch st.RunMode {
	case protocol.RunModeMain:
		// No isolation: concurrent main-run workers can collide; that
		// tradeoff is the caller's.
		if !o.git.IsRepo(ctx, proj.RepoPath) {
			return "", &protocol.PreconditionError{Reason: fmt.Sprintf("%s is not a git repository", proj.RepoPath)}
		}
		st.WorktreePath = proj.RepoPath
		return proj.RepoPath, nil

	case protocol.RunModeWorktree:
		path := st.WorktreePath
		if path == "" {
			path = filepath.Join(proj.RepoPath, protocol.WorktreesDir, slug)
		}
		if !o.git.IsRepo(ctx, path) {
			branch := protocol.BranchPrefix + slug
			if err := o.git.WorktreeAdd(ctx, proj.RepoPath, path, branch, st.BaseBranch); err != nil {
				return "", err
			}
		}
		st.WorktreePath = path
		return path, nil

	case protocol.RunModeClone:
		if st.WorktreePath == "" {
			return "", &protocol.PreconditionError{Reason: "clone mode requires a worktree path"}
		}
		if !o.git.IsRepo(ctx, st.WorktreePath) {
			return "", &protocol.PreconditionError{Reason: fmt.Sprintf("%s is not a git repository", st.WorktreePath)}
		}
		return st.WorktreePath, nil

	default:
		return "", &protocol.PreconditionError{Reason: fmt.Sprintf("unknown run mode %q", st.RunMode)}
	}
}

// SpawnConflictFixer launches a subagent inside the space worktree,
// prompted with the blocking entry and its conflicted files. The fixer
// resolves the files and finishes the cherry-pick in place; the caller
// resumes integration afterwards. Fails when the queue is not blocked.
func (o *Orchestrator) SpawnConflictFixer(ctx context.Context, projectID, slug, cli string) (*protocol.WorkerState, error) {
	cc, err := o.spaces.GetConflictContext(ctx, projectID)
	if err != nil {
		return nil, err
	}
	prompt := fmt.Sprintf(
		"Integration of worker %q (entry %s) stopped on a cherry-pick conflict. "+
			"Resolve the conflicted files (%s) in this checkout, then finish the cherry-pick and commit.",
		cc.Entry.WorkerSlug, cc.Entry.ID, strings.Join(cc.ConflictedFiles, ", "))

	// The space worktree is an existing checkout the fixer must run in,
	// which is exactly what clone-mode preparation provides.
	return o.Spawn(ctx, SpawnRequest{
		ProjectID:    projectID,
		Slug:         slug,
		CLI:          cli,
		Prompt:       prompt,
		Mode:         protocol.RunModeClone,
		WorktreePath: cc.WorktreePath,
	})
}

// Interrupt signals the slug's running subprocess. A live in-memory
// handle is signaled directly; otherwise the supervisor belongs to the
// invocation that spawned the worker, and the persisted pid is used to
// signal its process group after a liveness check. Fails with
// *protocol.NotRunningError when neither path finds a live process; in
// that case no history event is appended.
func (o *Orchestrator) Interrupt(projectID, slug string) error {
	o.mu.Lock()
	h, ok := o.handles[key(projectID, slug)]
	o.mu.Unlock()

	if ok && h.Alive() {
		return h.Interrupt()
	}

	st, err := o.store.LoadState(projectID, slug)
	if err != nil {
		var nf *protocol.NotFoundError
		if errors.As(err, &nf) {
			return &protocol.NotRunningError{Slug: slug}
		}
		return err
	}
	// Signal 0 probes liveness without delivering anything.
	if st.SupervisorPID == 0 || syscall.Kill(st.SupervisorPID, 0) != nil {
		return &protocol.NotRunningError{Slug: slug}
	}

	// Record intent first, the way Handle.Interrupt does; the spawning
	// process's reaper records the terminal outcome when the group dies.
	if err := o.store.AppendHistory(projectID, slug, protocol.Event{
		Kind: protocol.EventWorkerInterrupt,
		Time: o.nowFunc().UTC(),
	}); err != nil {
		return fmt.Errorf("record interrupt: %w", err)
	}
	if err := syscall.Kill(-st.SupervisorPID, syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal process group %d: %w", st.SupervisorPID, err)
	}
	return nil
}

// Wait blocks until the slug's supervised subprocess exits and its
// terminal history event is recorded, or ctx is canceled. Only the
// process that spawned the worker holds its handle.
func (o *Orchestrator) Wait(ctx context.Context, projectID, slug string) error {
	o.mu.Lock()
	h, ok := o.handles[key(projectID, slug)]
	o.mu.Unlock()

	if !ok {
		return &protocol.NotRunningError{Slug: slug}
	}
	select {
	case <-h.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Deliver reports the slug's finished commits to the project space and
// returns the queued integration entry.
func (o *Orchestrator) Deliver(ctx context.Context, projectID, slug, startSha, endSha string) (*space.IntegrationEntry, error) {
	st, err := o.store.LoadState(projectID, slug)
	if err != nil {
		return nil, err
	}

	// Uncommitted work never travels with a delivery; make that loss
	// visible before the commits are queued.
	if st.WorktreePath != "" && o.git.IsRepo(ctx, st.WorktreePath) {
		if entries, err := o.git.StatusPorcelain(ctx, st.WorktreePath); err == nil && len(entries) > 0 {
			o.logger.Warn("worker checkout has uncommitted changes",
				zap.String("slug", slug), zap.Int("files", len(entries)))
		}
	}

	return o.spaces.RecordWorkerDelivery(ctx, projectID, space.Delivery{
		WorkerSlug:   slug,
		RunMode:      st.RunMode,
		WorktreePath: st.WorktreePath,
		StartSha:     startSha,
		EndSha:       endSha,
	})
}

// ReadLogs returns raw log records after cursor plus the new cursor.
func (o *Orchestrator) ReadLogs(projectID, slug string, cursor int64) ([]workspace.LogRecord, int64, error) {
	return o.store.ReadLogsSince(projectID, slug, cursor)
}

// ReadHistory returns history events after cursor plus the new cursor.
func (o *Orchestrator) ReadHistory(projectID, slug string, cursor int64) ([]protocol.Event, int64, error) {
	return o.store.ReadHistorySince(projectID, slug, cursor)
}

// Archive moves a slug's workspace aside. Refused while the worker runs.
func (o *Orchestrator) Archive(projectID, slug string) error {
	o.mu.Lock()
	h, ok := o.handles[key(projectID, slug)]
	o.mu.Unlock()
	if ok && h.Alive() {
		return &protocol.ConflictError{Slug: slug, Reason: "worker is running"}
	}
	return o.store.Archive(projectID, slug)
}

// Branches lists the project repository's local branches.
func (o *Orchestrator) Branches(ctx context.Context, projectID string) ([]string, error) {
	proj, err := o.projects.Resolve(projectID)
	if err != nil {
		return nil, err
	}
	return o.git.Branches(ctx, proj.RepoPath)
}

// Summary is the derived status view for one worker.
type Summary struct {
	Slug       string                `json:"slug"`
	Status     protocol.WorkerStatus `json:"status"`
	CLI        string                `json:"cli"`
	RunMode    protocol.RunMode      `json:"run_mode"`
	SessionID  string                `json:"session_id,omitempty"`
	StartedAt  time.Time             `json:"started_at"`
	LastActive time.Time             `json:"last_active,omitempty"`
	ToolCalls  int                   `json:"tool_calls"`
	LastError  string                `json:"last_error,omitempty"`
}

// ListSubagents combines state, progress, and the last history event
// into a status summary per slug. Workers in an error state are listed,
// not rejected: error is a field of the view, never an exceptional path.
// Running workers sort first, then most recently started.
func (o *Orchestrator) ListSubagents(projectID string) ([]Summary, error) {
	if _, err := o.projects.Resolve(projectID); err != nil {
		return nil, err
	}
	slugs, err := o.store.ListSlugs(projectID)
	if err != nil {
		return nil, err
	}

	summaries := make([]Summary, 0, len(slugs))
	for _, slug := range slugs {
		st, err := o.store.LoadState(projectID, slug)
		if err != nil {
			// A directory without a state file is a half-created
			// workspace; show it as idle rather than failing the list.
			summaries = append(summaries, Summary{Slug: slug, Status: protocol.StatusIdle})
			continue
		}
		s := Summary{
			Slug:      slug,
			CLI:       st.CLI,
			RunMode:   st.RunMode,
			SessionID: st.SessionID,
			StartedAt: st.StartedAt,
			LastError: st.LastError,
		}
		if p, err := o.store.LoadProgress(projectID, slug); err == nil {
			s.LastActive = p.LastActive
			s.ToolCalls = p.ToolCalls
		}
		s.Status = o.deriveStatus(projectID, slug, s.LastActive)
		summaries = append(summaries, s)
	}

	sort.SliceStable(summaries, func(i, j int) bool {
		ri, rj := summaries[i].Status == protocol.StatusRunning, summaries[j].Status == protocol.StatusRunning
		if ri != rj {
			return ri
		}
		return summaries[i].StartedAt.After(summaries[j].StartedAt)
	})
	return summaries, nil
}

// deriveStatus decides the one-word status for a slug. A live handle
// wins; otherwise the last history event decides, with progress
// freshness distinguishing a crashed-but-recorded-running worker from an
// idle one.
func (o *Orchestrator) deriveStatus(projectID, slug string, lastActive time.Time) protocol.WorkerStatus {
	o.mu.Lock()
	h, ok := o.handles[key(projectID, slug)]
	o.mu.Unlock()
	if ok && h.Alive() {
		return protocol.StatusRunning
	}

	events, _, err := o.store.ReadHistorySince(projectID, slug, 0)
	if err != nil || len(events) == 0 {
		return protocol.StatusIdle
	}

	// Walk backwards to the last lifecycle event; pass-through events
	// (item.completed etc.) don't change the status.
	for i := len(events) - 1; i >= 0; i-- {
		switch events[i].Kind {
		case protocol.EventWorkerFinished:
			switch events[i].Outcome {
			case protocol.OutcomeReplied:
				return protocol.StatusReplied
			case protocol.OutcomeInterrupted:
				return protocol.StatusInterrupted
			default:
				return protocol.StatusErrored
			}
		case protocol.EventWorkerInterrupt:
			return protocol.StatusInterrupted
		case protocol.EventWorkerStarted:
			// Started with no finish recorded: either another process
			// still supervises it, or it crashed. Progress freshness
			// decides.
			if o.nowFunc().Sub(lastActive) < o.cfg.ProgressStaleAfter.Std() {
				return protocol.StatusRunning
			}
			return protocol.StatusIdle
		}
	}
	return protocol.StatusIdle
}
