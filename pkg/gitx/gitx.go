// Package gitx is a thin synchronous wrapper around git subprocess calls.
// It is stateless: every operation takes the repository (or worktree)
// path explicitly and parses git's output into typed results. Mutating
// operations all have a paired abort or prune so callers can retry after
// recording an error without corrupting the repository.
package gitx

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Runner abstracts git command execution for testability.
type Runner interface {
	Run(ctx context.Context, dir string, args ...string) (stdout string, stderr string, err error)
}

// Git issues typed git operations through a Runner.
type Git struct {
	runner Runner
}

// New returns a Git adapter backed by the given Runner.
func New(runner Runner) *Git {
	return &Git{runner: runner}
}

// IsRepo reports whether path is inside a git work tree.
func (g *Git) IsRepo(ctx context.Context, path string) bool {
	out, _, err := g.runner.Run(ctx, path, "rev-parse", "--is-inside-work-tree")
	return err == nil && strings.TrimSpace(out) == "true"
}

// StatusEntry is one line of porcelain status output.
type StatusEntry struct {
	Staged   byte // index status code, ' ' if clean
	Unstaged byte // worktree status code, ' ' if clean
	Path     string
}

// StatusPorcelain runs `git status --porcelain` and parses each entry.
func (g *Git) StatusPorcelain(ctx context.Context, path string) ([]StatusEntry, error) {
	out, stderr, err := g.runner.Run(ctx, path, "status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("git status: %s: %w", strings.TrimSpace(stderr), err)
	}
	var entries []StatusEntry
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		entries = append(entries, StatusEntry{
			Staged:   line[0],
			Unstaged: line[1],
			Path:     strings.TrimSpace(line[3:]),
		})
	}
	return entries, nil
}

// NumstatEntry is one file's line counts from `git diff --numstat`.
type NumstatEntry struct {
	Added   int
	Deleted int
	Path    string
}

// DiffNumstat runs `git diff --numstat` (with --cached when staged is
// set) and parses per-file added/deleted counts. Binary files report
// zero counts.
func (g *Git) DiffNumstat(ctx context.Context, path string, staged bool) ([]NumstatEntry, error) {
	args := []string{"diff", "--numstat"}
	if staged {
		args = append(args, "--cached")
	}
	out, stderr, err := g.runner.Run(ctx, path, args...)
	if err != nil {
		return nil, fmt.Errorf("git diff --numstat: %s: %w", strings.TrimSpace(stderr), err)
	}
	var entries []NumstatEntry
	for _, line := range strings.Split(out, "\n") {
		fields := strings.SplitN(line, "\t", 3)
		if len(fields) != 3 {
			continue
		}
		// "-" marks binary files.
		added, _ := strconv.Atoi(fields[0])
		deleted, _ := strconv.Atoi(fields[1])
		entries = append(entries, NumstatEntry{Added: added, Deleted: deleted, Path: fields[2]})
	}
	return entries, nil
}

// WorktreeAdd creates a worktree at path on a new branch off base. If
// branch creation fails (the branch already exists from a prior run), it
// falls back to attaching the worktree to the existing branch.
func (g *Git) WorktreeAdd(ctx context.Context, repo, path, branch, base string) error {
	_, stderr, err := g.runner.Run(ctx, repo, "worktree", "add", path, "-b", branch, base)
	if err == nil {
		return nil
	}
	_, stderr2, err2 := g.runner.Run(ctx, repo, "worktree", "add", path, branch)
	if err2 != nil {
		return fmt.Errorf("worktree add %s: %s: %s: %w", path,
			strings.TrimSpace(stderr), strings.TrimSpace(stderr2), err2)
	}
	return nil
}

// WorktreeRemove runs `git worktree remove <path> --force`.
func (g *Git) WorktreeRemove(ctx context.Context, repo, path string) error {
	_, stderr, err := g.runner.Run(ctx, repo, "worktree", "remove", path, "--force")
	if err != nil {
		return fmt.Errorf("worktree remove %s: %s: %w", path, strings.TrimSpace(stderr), err)
	}
	return nil
}

// WorktreePrune cleans up git's internal bookkeeping for worktrees whose
// directories are gone. Best-effort: errors are returned but callers
// typically ignore them.
func (g *Git) WorktreePrune(ctx context.Context, repo string) error {
	_, stderr, err := g.runner.Run(ctx, repo, "worktree", "prune")
	if err != nil {
		return fmt.Errorf("worktree prune: %s: %w", strings.TrimSpace(stderr), err)
	}
	return nil
}

// RevParse resolves a revision expression to a full SHA.
func (g *Git) RevParse(ctx context.Context, path, rev string) (string, error) {
	out, stderr, err := g.runner.Run(ctx, path, "rev-parse", rev)
	if err != nil {
		return "", fmt.Errorf("rev-parse %s: %s: %w", rev, strings.TrimSpace(stderr), err)
	}
	return strings.TrimSpace(out), nil
}

// RevList resolves a range expression to the list of commit SHAs it
// contains, oldest first.
func (g *Git) RevList(ctx context.Context, path, rangeExpr string) ([]string, error) {
	out, stderr, err := g.runner.Run(ctx, path, "rev-list", "--reverse", rangeExpr)
	if err != nil {
		return nil, fmt.Errorf("rev-list %s: %s: %w", rangeExpr, strings.TrimSpace(stderr), err)
	}
	var shas []string
	for _, line := range strings.Split(out, "\n") {
		if s := strings.TrimSpace(line); s != "" {
			shas = append(shas, s)
		}
	}
	return shas, nil
}

// CherryPick applies shas (oldest first) onto HEAD of path. With
// recordOrigin each new commit gets a "(cherry picked from ...)" trailer
// pointing back to its source. On failure the caller should run
// CherryPickAbort before retrying.
func (g *Git) CherryPick(ctx context.Context, path string, shas []string, recordOrigin bool) error {
	if len(shas) == 0 {
		return nil
	}
	args := []string{"cherry-pick"}
	if recordOrigin {
		args = append(args, "-x")
	}
	args = append(args, shas...)
	_, stderr, err := g.runner.Run(ctx, path, args...)
	if err != nil {
		return &OpError{Op: "cherry-pick", Stderr: stderr, Files: parseConflictFiles(stderr), Err: err}
	}
	return nil
}

// CherryPickAbort best-effort aborts an in-progress cherry-pick.
func (g *Git) CherryPickAbort(ctx context.Context, path string) {
	_, _, _ = g.runner.Run(ctx, path, "cherry-pick", "--abort")
}

// RebaseOnto runs `git rebase --onto <newBase> <oldBase>` in path,
// replaying everything after oldBase onto newBase. On failure the caller
// should run RebaseAbort before retrying.
func (g *Git) RebaseOnto(ctx context.Context, path, newBase, oldBase string) error {
	_, stderr, err := g.runner.Run(ctx, path, "rebase", "--onto", newBase, oldBase)
	if err != nil {
		return &OpError{Op: "rebase", Stderr: stderr, Files: parseConflictFiles(stderr), Err: err}
	}
	return nil
}

// RebaseAbort best-effort aborts an in-progress rebase.
func (g *Git) RebaseAbort(ctx context.Context, path string) {
	_, _, _ = g.runner.Run(ctx, path, "rebase", "--abort")
}

// Fetch fetches refs (SHAs or ref names) from the named remote into repo.
func (g *Git) Fetch(ctx context.Context, repo, remote string, refs ...string) error {
	args := append([]string{"fetch", remote}, refs...)
	_, stderr, err := g.runner.Run(ctx, repo, args...)
	if err != nil {
		return &OpError{Op: "fetch", Stderr: stderr, Err: err}
	}
	return nil
}

// Branches lists local branch names in path.
func (g *Git) Branches(ctx context.Context, path string) ([]string, error) {
	out, stderr, err := g.runner.Run(ctx, path, "branch", "--format=%(refname:short)")
	if err != nil {
		return nil, fmt.Errorf("git branch: %s: %w", strings.TrimSpace(stderr), err)
	}
	var branches []string
	for _, line := range strings.Split(out, "\n") {
		if b := strings.TrimSpace(line); b != "" {
			branches = append(branches, b)
		}
	}
	return branches, nil
}

// Commit is one entry of a commit log.
type Commit struct {
	SHA     string
	Author  string
	Date    string
	Subject string
}

// logFormat uses \x1f as the field separator to survive subjects
// containing arbitrary punctuation.
const logFormat = "%H%x1f%an%x1f%aI%x1f%s"

// CommitLog returns the most recent n commits of rev (HEAD if empty).
func (g *Git) CommitLog(ctx context.Context, path, rev string, n int) ([]Commit, error) {
	args := []string{"log", "--format=" + logFormat}
	if n > 0 {
		args = append(args, fmt.Sprintf("-n%d", n))
	}
	if rev != "" {
		args = append(args, rev)
	}
	out, stderr, err := g.runner.Run(ctx, path, args...)
	if err != nil {
		return nil, fmt.Errorf("git log: %s: %w", strings.TrimSpace(stderr), err)
	}
	var commits []Commit
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Split(line, "\x1f")
		if len(fields) != 4 {
			continue
		}
		commits = append(commits, Commit{SHA: fields[0], Author: fields[1], Date: fields[2], Subject: fields[3]})
	}
	return commits, nil
}

// ShowPatch renders the full patch for a single commit.
func (g *Git) ShowPatch(ctx context.Context, path, sha string) (string, error) {
	out, stderr, err := g.runner.Run(ctx, path, "show", "--patch", sha)
	if err != nil {
		return "", fmt.Errorf("git show %s: %s: %w", sha, strings.TrimSpace(stderr), err)
	}
	return out, nil
}

// ConflictedFiles lists paths with unresolved merge conflicts in path.
func (g *Git) ConflictedFiles(ctx context.Context, path string) ([]string, error) {
	out, stderr, err := g.runner.Run(ctx, path, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, fmt.Errorf("git diff --diff-filter=U: %s: %w", strings.TrimSpace(stderr), err)
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if f := strings.TrimSpace(line); f != "" {
			files = append(files, f)
		}
	}
	return files, nil
}

// OpError is returned by mutating operations (cherry-pick, rebase,
// fetch). Files holds conflicting paths parsed from stderr when git
// reported them.
type OpError struct {
	Op     string
	Stderr string
	Files  []string
	Err    error
}

func (e *OpError) Error() string {
	if len(e.Files) > 0 {
		return fmt.Sprintf("git %s: conflicting files: %s", e.Op, strings.Join(e.Files, ", "))
	}
	return fmt.Sprintf("git %s: %s", e.Op, strings.TrimSpace(e.Stderr))
}

func (e *OpError) Unwrap() error { return e.Err }

// conflictPattern matches git's CONFLICT output lines.
// Example: CONFLICT (content): Merge conflict in src/main.go
var conflictPattern = regexp.MustCompile(`CONFLICT \([^)]+\): Merge conflict in (.+)`)

// parseConflictFiles extracts file paths from git stderr output.
func parseConflictFiles(stderr string) []string {
	matches := conflictPattern.FindAllStringSubmatch(stderr, -1)
	if len(matches) == 0 {
		return nil
	}
	files := make([]string, 0, len(matches))
	for _, m := range matches {
		files = append(files, strings.TrimSpace(m[1]))
	}
	return files
}
