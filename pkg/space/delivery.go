package space

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"aihub/pkg/protocol"
)

// newEntryID generates an integration entry id.
func newEntryID() string {
	return uuid.NewString()
}

// Delivery describes a worker's "commits X..Y are ready" report.
type Delivery struct {
	WorkerSlug   string
	RunMode      protocol.RunMode
	WorktreePath string // worker checkout; empty for clone mode
	StartSha     string // base the worker started from; defaults to space head
	EndSha       string // tip of the delivered work; defaults to worker HEAD
}

// RecordWorkerDelivery is the critical entry point, called when a worker
// finishes. It reconciles the delivery against the current space head
// (auto-rebase for worktree mode, stale marking for clone mode), resolves
// the concrete commit list, appends the entry to the queue, persists,
// and — unless the queue is blocked or the entry is stale or empty —
// immediately runs the integration pass.
func (m *Manager) RecordWorkerDelivery(ctx context.Context, projectID string, d Delivery) (*IntegrationEntry, error) {
	if !d.RunMode.Valid() {
		return nil, &protocol.PreconditionError{Reason: fmt.Sprintf("unknown run mode %q", d.RunMode)}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.ensureLocked(ctx, projectID, "")
	if err != nil {
		return nil, err
	}
	proj, err := m.projects.Resolve(projectID)
	if err != nil {
		return nil, err
	}

	head, err := m.git.RevParse(ctx, st.WorktreePath, "HEAD")
	if err != nil {
		return nil, err
	}

	entry := IntegrationEntry{
		ID:           m.newID(),
		WorkerSlug:   d.WorkerSlug,
		RunMode:      d.RunMode,
		WorktreePath: d.WorktreePath,
		StartSha:     d.StartSha,
		EndSha:       d.EndSha,
		Status:       EntryPending,
		CreatedAt:    m.nowFunc().UTC(),
	}

	if entry.StartSha == "" {
		// No recorded base means the worker built directly on the
		// current head.
		entry.StartSha = head
	}
	if entry.EndSha == "" && entry.WorktreePath != "" {
		tip, err := m.git.RevParse(ctx, entry.WorktreePath, "HEAD")
		if err != nil {
			return nil, err
		}
		entry.EndSha = tip
	}
	if entry.EndSha == "" {
		return nil, &protocol.PreconditionError{Reason: "delivery has no end sha and no worktree to resolve one from"}
	}

	m.reconcile(ctx, st, &entry, head)

	if entry.Status == EntryPending {
		m.resolveShas(ctx, st, &entry)
	}

	st.Queue = append(st.Queue, entry)
	if err := m.saveState(proj, st); err != nil {
		return nil, err
	}

	m.logger.Info("delivery recorded",
		zap.String("project", projectID),
		zap.String("slug", d.WorkerSlug),
		zap.String("entry", entry.ID),
		zap.String("status", string(entry.Status)))

	if entry.Status == EntryPending && !st.IntegrationBlocked {
		if err := m.integrateLocked(ctx, proj, st); err != nil {
			return nil, err
		}
	}

	// Worker worktrees accumulate as deliveries land; prune the ones
	// whose directories are gone. Best-effort.
	if err := m.git.WorktreePrune(ctx, proj.RepoPath); err != nil {
		m.logger.Warn("worktree prune failed", zap.String("project", projectID), zap.Error(err))
	}

	return st.entry(entry.ID), nil
}

// reconcile compares the delivery base against the space head and
// applies the per-run-mode staleness policy.
func (m *Manager) reconcile(ctx context.Context, st *State, entry *IntegrationEntry, head string) {
	if entry.StartSha == head {
		return
	}

	switch entry.RunMode {
	case protocol.RunModeWorktree:
		// The worker's checkout is local: replay its commits onto the
		// current head in its own worktree, then treat the rebased tip
		// as the delivery.
		if err := m.git.RebaseOnto(ctx, entry.WorktreePath, head, entry.StartSha); err != nil {
			m.git.RebaseAbort(ctx, entry.WorktreePath)
			entry.Status = EntryStaleWorker
			entry.StaleAgainstSha = head
			entry.Error = "auto-rebase failed: " + err.Error()
			m.logger.Warn("auto-rebase failed",
				zap.String("slug", entry.WorkerSlug), zap.Error(err))
			return
		}
		tip, err := m.git.RevParse(ctx, entry.WorktreePath, "HEAD")
		if err != nil {
			entry.Status = EntryStaleWorker
			entry.StaleAgainstSha = head
			entry.Error = "resolve rebased tip: " + err.Error()
			return
		}
		entry.EndSha = tip
		entry.StartSha = head

	case protocol.RunModeClone:
		// The worker's filesystem is not reachable; it must rebase
		// itself before a future delivery. This blocks nothing else.
		entry.Status = EntryStaleWorker
		entry.StaleAgainstSha = head

	case protocol.RunModeMain:
		// Main-run workers commit straight onto the shared checkout;
		// a mismatched base still cherry-picks from the local repo.
	}
}

// resolveShas fills entry.Shas from rev-list. Clone-mode commits may not
// be fetchable yet; those entries keep Shas empty and are resolved after
// the fetch during integration. An empty range for a local checkout is
// immediately skipped.
func (m *Manager) resolveShas(ctx context.Context, st *State, entry *IntegrationEntry) {
	checkout := entry.WorktreePath
	if checkout == "" || !m.git.IsRepo(ctx, checkout) {
		checkout = st.WorktreePath
	}

	shas, err := m.git.RevList(ctx, checkout, entry.StartSha+".."+entry.EndSha)
	if err != nil {
		if entry.RunMode == protocol.RunModeClone {
			// Unknown commits are expected pre-fetch.
			return
		}
		entry.Status = EntryStaleWorker
		entry.StaleAgainstSha = entry.StartSha
		entry.Error = "resolve commit range: " + err.Error()
		return
	}
	entry.Shas = shas

	if len(shas) == 0 {
		now := m.nowFunc().UTC()
		entry.Status = EntrySkipped
		entry.IntegratedAt = &now
	}
}
