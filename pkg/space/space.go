// Package space implements the per-project integration coordinator: a
// single shared branch materialized as a long-lived git worktree, plus a
// durable FIFO queue of worker deliveries cherry-picked onto it. All
// mutation of the space worktree funnels through RecordWorkerDelivery
// and IntegrateQueue, which process one entry at a time; a conflict
// halts all subsequent integration until a caller explicitly resumes.
package space

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"aihub/pkg/gitx"
	"aihub/pkg/project"
	"aihub/pkg/protocol"
)

// EntryStatus is the lifecycle state of one queued delivery.
type EntryStatus string

// Entry status constants.
const (
	EntryPending     EntryStatus = "pending"
	EntryIntegrated  EntryStatus = "integrated"
	EntryConflict    EntryStatus = "conflict"
	EntrySkipped     EntryStatus = "skipped"
	EntryStaleWorker EntryStatus = "stale_worker"
)

// IntegrationEntry is one queued unit of delivered work. Entries are
// never deleted; the queue is the audit trail of every delivery.
type IntegrationEntry struct {
	ID              string           `json:"id"`
	WorkerSlug      string           `json:"worker_slug"`
	RunMode         protocol.RunMode `json:"run_mode"`
	WorktreePath    string           `json:"worktree_path,omitempty"`
	StartSha        string           `json:"start_sha,omitempty"`
	EndSha          string           `json:"end_sha,omitempty"`
	Shas            []string         `json:"shas,omitempty"` // oldest first
	Status          EntryStatus      `json:"status"`
	CreatedAt       time.Time        `json:"created_at"`
	IntegratedAt    *time.Time       `json:"integrated_at,omitempty"`
	Error           string           `json:"error,omitempty"`
	StaleAgainstSha string           `json:"stale_against_sha,omitempty"`
}

// State is the persisted project space: branch identity plus the queue.
type State struct {
	ProjectID          string             `json:"project_id"`
	Branch             string             `json:"branch"`
	BaseBranch         string             `json:"base_branch"`
	WorktreePath       string             `json:"worktree_path"`
	IntegrationBlocked bool               `json:"integration_blocked"`
	Queue              []IntegrationEntry `json:"queue"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// entry returns a pointer into the queue by id, or nil.
func (s *State) entry(id string) *IntegrationEntry {
	for i := range s.Queue {
		if s.Queue[i].ID == id {
			return &s.Queue[i]
		}
	}
	return nil
}

// ProjectResolver resolves a project id to its repo path and data dir.
// Satisfied by *project.Registry.
type ProjectResolver interface {
	Resolve(projectID string) (*project.Project, error)
}

// worktreeDirName is the space worktree directory inside the project dir.
const worktreeDirName = "space-worktree"

// Manager coordinates all space operations for any project. One Manager
// per process; it serializes mutation so the shared worktree has a
// single writer.
type Manager struct {
	git      *gitx.Git
	projects ProjectResolver
	logger   *zap.Logger

	// mu guards read-modify-write cycles over space.json and all
	// mutation of space worktrees. The worktree has one HEAD and cannot
	// be cherry-picked onto concurrently.
	mu sync.Mutex

	nowFunc func() time.Time
	newID   func() string
}

// NewManager creates a Manager. A nil logger means no logging.
func NewManager(git *gitx.Git, projects ProjectResolver, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		git:      git,
		projects: projects,
		logger:   logger,
		nowFunc:  time.Now,
		newID:    newEntryID,
	}
}

// Ensure idempotently creates the project space: the space branch forked
// from baseBranch, materialized as a worktree under the project dir. If
// the space already exists its recorded branch and base are reused and
// baseBranch is ignored.
func (m *Manager) Ensure(ctx context.Context, projectID, baseBranch string) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureLocked(ctx, projectID, baseBranch)
}

func (m *Manager) ensureLocked(ctx context.Context, projectID, baseBranch string) (*State, error) {
	proj, err := m.projects.Resolve(projectID)
	if err != nil {
		return nil, err
	}
	if !m.git.IsRepo(ctx, proj.RepoPath) {
		return nil, &protocol.PreconditionError{Reason: fmt.Sprintf("%s is not a git repository", proj.RepoPath)}
	}

	st, err := m.loadState(proj)
	if err != nil {
		return nil, err
	}
	if st == nil {
		if baseBranch == "" {
			baseBranch = "main"
		}
		st = &State{
			ProjectID:    projectID,
			Branch:       protocol.SpaceBranchPrefix + projectID,
			BaseBranch:   baseBranch,
			WorktreePath: filepath.Join(proj.Dir, worktreeDirName),
		}
	}

	// The worktree may have been pruned since the state was written;
	// on-disk git state is the source of truth, so re-check every call.
	if !m.git.IsRepo(ctx, st.WorktreePath) {
		if err := m.git.WorktreeAdd(ctx, proj.RepoPath, st.WorktreePath, st.Branch, st.BaseBranch); err != nil {
			return nil, err
		}
	}

	if err := m.saveState(proj, st); err != nil {
		return nil, err
	}
	return st, nil
}

// Head returns the current space head SHA for projectID.
func (m *Manager) Head(ctx context.Context, projectID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, err := m.ensureLocked(ctx, projectID, "")
	if err != nil {
		return "", err
	}
	return m.git.RevParse(ctx, st.WorktreePath, "HEAD")
}

// Get returns the current space state without creating anything.
// Returns *protocol.NotFoundError when no space exists yet.
func (m *Manager) Get(projectID string) (*State, error) {
	proj, err := m.projects.Resolve(projectID)
	if err != nil {
		return nil, err
	}
	st, err := m.loadState(proj)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, &protocol.NotFoundError{Kind: "space", ID: projectID}
	}
	return st, nil
}

// --- persistence ---

func (m *Manager) loadState(proj *project.Project) (*State, error) {
	data, err := os.ReadFile(filepath.Join(proj.Dir, protocol.SpaceFile)) //nolint:gosec // fixed file name under the project dir
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read space state: %w", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse space state: %w", err)
	}
	return &st, nil
}

func (m *Manager) saveState(proj *project.Project, st *State) error {
	st.UpdatedAt = m.nowFunc().UTC()
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal space state: %w", err)
	}
	tmp, err := os.CreateTemp(proj.Dir, protocol.SpaceFile+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp space state: %w", err)
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write space state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close space state: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(proj.Dir, protocol.SpaceFile)); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("rename space state: %w", err)
	}
	return nil
}
