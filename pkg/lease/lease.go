// Package lease implements the optional write lease over a project's
// space worktree: a short-lived exclusive lock persisted as a JSON file.
// It is a cooperative convention, not an OS-level lock — writers that
// bypass it can still write. Expiry is lazy: reads that observe an
// expired lease delete the file before reporting "no lease held".
package lease

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"aihub/pkg/protocol"
)

// Lease is the persisted lease record.
type Lease struct {
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the lease has passed its expiry at time now.
func (l *Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// Manager reads and writes the lease file for one project directory.
type Manager struct {
	projectDir string
	nowFunc    func() time.Time
}

// NewManager creates a Manager over projectDir.
func NewManager(projectDir string) *Manager {
	return &Manager{projectDir: projectDir, nowFunc: time.Now}
}

func (m *Manager) path() string {
	return filepath.Join(m.projectDir, protocol.LeaseFile)
}

// Get returns the current valid lease, or nil when none is held. An
// expired lease file is deleted on the spot.
func (m *Manager) Get() (*Lease, error) {
	data, err := os.ReadFile(m.path()) //nolint:gosec // fixed file name under the project dir
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read lease: %w", err)
	}
	var l Lease
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("parse lease: %w", err)
	}
	if l.Expired(m.nowFunc()) {
		_ = os.Remove(m.path())
		return nil, nil
	}
	return &l, nil
}

// Acquire takes the lease for holder with the given ttl. It fails with
// *protocol.ConflictError if a non-expired lease is held by someone else,
// unless force is set. Re-acquiring one's own lease extends it.
func (m *Manager) Acquire(holder string, ttl time.Duration, force bool) (*Lease, error) {
	if holder == "" {
		return nil, &protocol.PreconditionError{Reason: "lease holder must not be empty"}
	}
	cur, err := m.Get()
	if err != nil {
		return nil, err
	}
	if cur != nil && cur.Holder != holder && !force {
		return nil, &protocol.ConflictError{
			Slug:   holder,
			Reason: fmt.Sprintf("lease held by %s until %s", cur.Holder, cur.ExpiresAt.Format(time.RFC3339)),
		}
	}

	now := m.nowFunc().UTC()
	l := &Lease{Holder: holder, AcquiredAt: now, ExpiresAt: now.Add(ttl)}
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal lease: %w", err)
	}
	if err := os.MkdirAll(m.projectDir, 0o700); err != nil {
		return nil, fmt.Errorf("create project dir: %w", err)
	}
	if err := os.WriteFile(m.path(), data, 0o600); err != nil {
		return nil, fmt.Errorf("write lease: %w", err)
	}
	return l, nil
}

// Release drops holder's lease. Releasing an absent or expired lease is
// a no-op; releasing someone else's lease is a conflict.
func (m *Manager) Release(holder string) error {
	cur, err := m.Get()
	if err != nil {
		return err
	}
	if cur == nil {
		return nil
	}
	if cur.Holder != holder {
		return &protocol.ConflictError{
			Slug:   holder,
			Reason: fmt.Sprintf("lease held by %s, not %s", cur.Holder, holder),
		}
	}
	if err := os.Remove(m.path()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove lease: %w", err)
	}
	return nil
}
