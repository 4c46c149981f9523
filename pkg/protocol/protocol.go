// Package protocol defines the shared domain types for aihub: run modes,
// worker lifecycle state, the event stream tagged union, and the typed
// errors every other package reports through. It has no dependencies on
// the rest of the module.
package protocol

import (
	"fmt"
	"regexp"
	"time"
)

// Directory and path constants used throughout aihub.
const (
	// WorkspacesDir holds per-(project, slug) workspace directories
	// under the data root.
	WorkspacesDir = ".workspaces"

	// WorktreesDir is the directory inside a project repository where
	// worker worktrees are created.
	WorktreesDir = ".worktrees"

	// BranchPrefix is the git branch prefix for worker worktrees.
	BranchPrefix = "agent/"

	// SpaceBranchPrefix is the git branch prefix for project spaces.
	SpaceBranchPrefix = "space/"

	// RemotePrefix names the git remote a clone-mode worker delivers
	// through: worker-<slug>.
	RemotePrefix = "worker-"

	// SpaceFile is the project space state file inside the project dir.
	SpaceFile = "space.json"

	// LeaseFile is the write lease file inside the project dir. It only
	// exists while a lease is held.
	LeaseFile = "space-lease.json"
)

// RunMode is the isolation strategy for a worker checkout.
type RunMode string

// Run mode constants.
const (
	RunModeMain     RunMode = "main-run" // shared checkout, no isolation
	RunModeWorktree RunMode = "worktree" // linked git worktree
	RunModeClone    RunMode = "clone"    // separate clone, integrated via fetch
)

// Valid reports whether m is a known run mode.
func (m RunMode) Valid() bool {
	switch m {
	case RunModeMain, RunModeWorktree, RunModeClone:
		return true
	default:
		return false
	}
}

// WorkerStatus is the derived status shown by list/status views.
type WorkerStatus string

// Worker status constants.
const (
	StatusRunning     WorkerStatus = "running"
	StatusReplied     WorkerStatus = "replied"
	StatusErrored     WorkerStatus = "errored"
	StatusInterrupted WorkerStatus = "interrupted"
	StatusIdle        WorkerStatus = "idle"
)

// WorkerState is the persisted record for one (project, slug) worker.
// Created on first spawn, overwritten on resume, removed only by archive.
type WorkerState struct {
	SessionID     string    `json:"session_id,omitempty"`
	SupervisorPID int       `json:"supervisor_pid,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	LastError     string    `json:"last_error,omitempty"`
	CLI           string    `json:"cli"`
	RunMode       RunMode   `json:"run_mode"`
	WorktreePath  string    `json:"worktree_path,omitempty"`
	BaseBranch    string    `json:"base_branch,omitempty"`
	RunID         string    `json:"run_id,omitempty"`
}

// Progress tracks worker liveness. Updated continuously while the worker
// runs; observers compare LastActive against the clock to decide
// running-vs-hung.
type Progress struct {
	LastActive time.Time `json:"last_active"`
	ToolCalls  int       `json:"tool_calls"`
}

// slugPattern validates slugs and project IDs before they are used in
// filepath operations, to prevent directory traversal.
var slugPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// ValidateSlug rejects slugs containing path separators or other illegal
// characters. Also used for project IDs, which share the same discipline.
func ValidateSlug(slug string) error {
	if slug == "" {
		return fmt.Errorf("slug must not be empty")
	}
	if slug == "." || slug == ".." {
		return fmt.Errorf("slug %q is reserved", slug)
	}
	if !slugPattern.MatchString(slug) {
		return fmt.Errorf("slug %q contains illegal characters", slug)
	}
	return nil
}
