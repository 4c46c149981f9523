package space

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"aihub/pkg/gitx"
	"aihub/pkg/project"
	"aihub/pkg/protocol"
)

// IntegrateQueue runs the integration pass for projectID. If the queue
// is blocked and resume is false it returns immediately unchanged — the
// queue never self-unblocks. With resume set, the block is cleared first
// and the walk continues from the oldest pending entry.
func (m *Manager) IntegrateQueue(ctx context.Context, projectID string, resume bool) (*State, error) {
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

	if st.IntegrationBlocked {
		if !resume {
			return st, nil
		}
		st.IntegrationBlocked = false
		if err := m.saveState(proj, st); err != nil {
			return nil, err
		}
		m.logger.Info("integration resumed", zap.String("project", projectID))
	}

	if err := m.integrateLocked(ctx, proj, st); err != nil {
		return nil, err
	}
	return st, nil
}

// integrateLocked walks the queue in FIFO order and cherry-picks each
// pending entry onto the space worktree. Processed entries are never
// revisited: integration order is delivery order, not completion order.
// The first fetch or cherry-pick failure marks its entry conflict, sets
// the sticky block, and stops the walk — later entries stay pending.
//
// State is persisted after every entry mutation so a crash mid-walk
// leaves an accurate queue behind.
func (m *Manager) integrateLocked(ctx context.Context, proj *project.Project, st *State) error {
	for i := range st.Queue {
		if st.IntegrationBlocked {
			break
		}
		entry := &st.Queue[i]
		if entry.Status != EntryPending {
			continue
		}

		m.integrateEntry(ctx, st, entry)
		if err := m.saveState(proj, st); err != nil {
			return err
		}

		m.logger.Info("entry processed",
			zap.String("project", st.ProjectID),
			zap.String("entry", entry.ID),
			zap.String("slug", entry.WorkerSlug),
			zap.String("status", string(entry.Status)))
	}
	return nil
}

// integrateEntry processes a single pending entry against the space
// worktree, mutating its status in place and setting the block flag on
// conflict.
func (m *Manager) integrateEntry(ctx context.Context, st *State, entry *IntegrationEntry) {
	now := m.nowFunc().UTC()

	// Clone-mode commits live in the worker's dedicated remote; fetch
	// them into the shared object store before anything can resolve.
	if entry.RunMode == protocol.RunModeClone {
		remote := protocol.RemotePrefix + entry.WorkerSlug
		if err := m.git.Fetch(ctx, st.WorktreePath, remote, entry.EndSha); err != nil {
			entry.Status = EntryConflict
			entry.Error = "fetch from " + remote + ": " + err.Error()
			st.IntegrationBlocked = true
			return
		}
		if entry.Shas == nil {
			shas, err := m.git.RevList(ctx, st.WorktreePath, entry.StartSha+".."+entry.EndSha)
			if err != nil {
				entry.Status = EntryConflict
				entry.Error = "resolve fetched range: " + err.Error()
				st.IntegrationBlocked = true
				return
			}
			entry.Shas = shas
		}
	}

	if len(entry.Shas) == 0 {
		entry.Status = EntrySkipped
		entry.IntegratedAt = &now
		return
	}

	// Origin-recording (-x) leaves a trailer on every integrated commit
	// pointing back to its source sha.
	if err := m.git.CherryPick(ctx, st.WorktreePath, entry.Shas, true); err != nil {
		m.git.CherryPickAbort(ctx, st.WorktreePath)
		entry.Status = EntryConflict
		entry.Error = err.Error()
		st.IntegrationBlocked = true
		return
	}

	entry.Status = EntryIntegrated
	entry.IntegratedAt = &now
	entry.Error = ""
}

// ConflictContext is what a conflict-fixer needs: the blocking entry,
// the currently conflicted files in the space worktree, and the
// diffstat of what the interrupted cherry-pick already staged.
type ConflictContext struct {
	Entry           IntegrationEntry
	WorktreePath    string
	ConflictedFiles []string
	StagedStat      []gitx.NumstatEntry
}

// GetConflictContext returns the context of the entry blocking the
// queue. Fails with *protocol.NotFoundError when the queue is not
// blocked.
func (m *Manager) GetConflictContext(ctx context.Context, projectID string) (*ConflictContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.Get(projectID)
	if err != nil {
		return nil, err
	}
	if !st.IntegrationBlocked {
		return nil, &protocol.NotFoundError{Kind: "conflict", ID: projectID}
	}

	// The blocking entry is the most recent conflict.
	var blocking *IntegrationEntry
	for i := range st.Queue {
		if st.Queue[i].Status == EntryConflict {
			blocking = &st.Queue[i]
		}
	}
	if blocking == nil {
		return nil, &protocol.NotFoundError{Kind: "conflict", ID: projectID}
	}

	files, err := m.git.ConflictedFiles(ctx, st.WorktreePath)
	if err != nil {
		return nil, err
	}
	stat, err := m.git.DiffNumstat(ctx, st.WorktreePath, true)
	if err != nil {
		return nil, err
	}
	return &ConflictContext{
		Entry:           *blocking,
		WorktreePath:    st.WorktreePath,
		ConflictedFiles: files,
		StagedStat:      stat,
	}, nil
}

// GetSpaceCommitLog returns the most recent n commits on the space
// branch.
func (m *Manager) GetSpaceCommitLog(ctx context.Context, projectID string, n int) ([]gitx.Commit, error) {
	st, err := m.Get(projectID)
	if err != nil {
		return nil, err
	}
	return m.git.CommitLog(ctx, st.WorktreePath, "", n)
}

// GetContribution renders the patch for one queue entry. Worker
// worktrees may have been pruned after integration, so the patch is
// resolved against whichever checkout is still valid: entry worktree,
// then space worktree, then the origin repo.
func (m *Manager) GetContribution(ctx context.Context, projectID, entryID string) (*IntegrationEntry, string, error) {
	st, err := m.Get(projectID)
	if err != nil {
		return nil, "", err
	}
	entry := st.entry(entryID)
	if entry == nil {
		return nil, "", &protocol.NotFoundError{Kind: "entry", ID: entryID}
	}

	proj, err := m.projects.Resolve(projectID)
	if err != nil {
		return nil, "", err
	}

	var checkout string
	for _, candidate := range []string{entry.WorktreePath, st.WorktreePath, proj.RepoPath} {
		if candidate != "" && m.git.IsRepo(ctx, candidate) {
			checkout = candidate
			break
		}
	}
	if checkout == "" {
		return entry, "", &protocol.PreconditionError{Reason: "no valid checkout to render the patch from"}
	}

	var b strings.Builder
	var firstErr error
	for _, sha := range entry.Shas {
		patch, err := m.git.ShowPatch(ctx, checkout, sha)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		b.WriteString(patch)
	}
	if b.Len() == 0 && firstErr != nil {
		return entry, "", firstErr
	}
	return entry, b.String(), nil
}
