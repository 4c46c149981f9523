package protocol

import (
	"fmt"
	"strings"
)

// NotFoundError reports a missing project, slug, or queue entry.
type NotFoundError struct {
	Kind string // "project", "slug", "entry"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// ConflictError reports a git integration conflict or a concurrent spawn
// of an already-running slug. Files is populated for git conflicts.
type ConflictError struct {
	Slug   string
	Files  []string
	Reason string
}

func (e *ConflictError) Error() string {
	if len(e.Files) > 0 {
		return fmt.Sprintf("conflict on %s: conflicting files: %s", e.Slug, strings.Join(e.Files, ", "))
	}
	return fmt.Sprintf("conflict on %s: %s", e.Slug, e.Reason)
}

// StaleError reports a delivery against an outdated base that could not
// be auto-reconciled.
type StaleError struct {
	Slug       string
	StartSha   string
	AgainstSha string
}

func (e *StaleError) Error() string {
	return fmt.Sprintf("worker %s is stale: base %s does not match space head %s",
		e.Slug, e.StartSha, e.AgainstSha)
}

// SubprocessError reports a nonzero exit or a malformed stream from an
// agent subprocess.
type SubprocessError struct {
	Slug   string
	Reason string
}

func (e *SubprocessError) Error() string {
	return fmt.Sprintf("subprocess failure for %s: %s", e.Slug, e.Reason)
}

// PreconditionError reports a structurally invalid request, e.g. a path
// that is not a git repository or a project with no configured repo.
type PreconditionError struct {
	Reason string
}

func (e *PreconditionError) Error() string {
	return "precondition failed: " + e.Reason
}

// NotRunningError reports an interrupt against a slug with no active
// process.
type NotRunningError struct {
	Slug string
}

func (e *NotRunningError) Error() string {
	return fmt.Sprintf("worker %s is not running", e.Slug)
}
