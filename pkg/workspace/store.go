// Package workspace implements the per-(project, slug) workspace store:
// two small JSON state files plus two append-only JSONL streams. Every
// operation re-reads the files on disk — nothing is cached across calls,
// so concurrent processes and restarts always observe the durable truth.
package workspace

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"aihub/pkg/protocol"
)

// File names inside one workspace directory.
const (
	stateFile    = "state.json"
	progressFile = "progress.json"
	historyFile  = "history.jsonl"
	logsFile     = "logs.jsonl"

	archiveDir = ".archive"
)

// LogRecord is one raw subprocess output line.
type LogRecord struct {
	Time   time.Time `json:"time"`
	Stream string    `json:"stream"` // "stdout" or "stderr"
	Line   string    `json:"line"`
}

// Store is the workspace store rooted at <root>/.workspaces.
type Store struct {
	root string

	// mu serializes appends so concurrent writers within this process
	// cannot interleave partial lines. Cross-process appends rely on
	// O_APPEND line-at-a-time writes.
	mu sync.Mutex
}

// NewStore creates a Store rooted at dataRoot.
func NewStore(dataRoot string) *Store {
	return &Store{root: filepath.Join(dataRoot, protocol.WorkspacesDir)}
}

// Dir returns the workspace directory for (projectID, slug), validating
// both against path traversal.
func (s *Store) Dir(projectID, slug string) (string, error) {
	if err := protocol.ValidateSlug(projectID); err != nil {
		return "", fmt.Errorf("invalid project id: %w", err)
	}
	if err := protocol.ValidateSlug(slug); err != nil {
		return "", fmt.Errorf("invalid slug: %w", err)
	}
	return filepath.Join(s.root, projectID, slug), nil
}

// LogsPath returns the raw log file path for (projectID, slug). Used by
// callers that tail the file directly (logs --follow).
func (s *Store) LogsPath(projectID, slug string) (string, error) {
	dir, err := s.Dir(projectID, slug)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, logsFile), nil
}

// SaveState writes WorkerState via temp-file rename so readers never see
// a partial file.
func (s *Store) SaveState(projectID, slug string, st *protocol.WorkerState) error {
	return s.writeJSON(projectID, slug, stateFile, st)
}

// LoadState reads WorkerState. Returns *protocol.NotFoundError if the
// slug has never been spawned.
func (s *Store) LoadState(projectID, slug string) (*protocol.WorkerState, error) {
	var st protocol.WorkerState
	if err := s.readJSON(projectID, slug, stateFile, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// UpdateState applies mut to the current WorkerState under the store
// mutex and writes the result back, so concurrent in-process writers
// (supervisor stream goroutines, orchestrator bookkeeping) never clobber
// each other's fields. Returns the updated state.
func (s *Store) UpdateState(projectID, slug string, mut func(*protocol.WorkerState)) (*protocol.WorkerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.LoadState(projectID, slug)
	if err != nil {
		return nil, err
	}
	mut(st)
	if err := s.SaveState(projectID, slug, st); err != nil {
		return nil, err
	}
	return st, nil
}

// SaveProgress writes the Progress record.
func (s *Store) SaveProgress(projectID, slug string, p *protocol.Progress) error {
	return s.writeJSON(projectID, slug, progressFile, p)
}

// LoadProgress reads the Progress record.
func (s *Store) LoadProgress(projectID, slug string) (*protocol.Progress, error) {
	var p protocol.Progress
	if err := s.readJSON(projectID, slug, progressFile, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Touch updates Progress.LastActive to now and adds toolCalls to the
// counter, reading the current record first so concurrent restarts don't
// reset the count.
func (s *Store) Touch(projectID, slug string, toolCalls int) error {
	p, err := s.LoadProgress(projectID, slug)
	if err != nil {
		var nf *protocol.NotFoundError
		if !errors.As(err, &nf) {
			return err
		}
		p = &protocol.Progress{}
	}
	p.LastActive = time.Now().UTC()
	p.ToolCalls += toolCalls
	return s.SaveProgress(projectID, slug, p)
}

// AppendHistory appends one lifecycle event to history.jsonl.
func (s *Store) AppendHistory(projectID, slug string, ev protocol.Event) error {
	return s.appendJSONL(projectID, slug, historyFile, ev)
}

// AppendLog appends one raw output line to logs.jsonl.
func (s *Store) AppendLog(projectID, slug string, rec LogRecord) error {
	return s.appendJSONL(projectID, slug, logsFile, rec)
}

// ReadHistorySince returns history events after cursor plus the new
// cursor. Cursors are record ordinals, monotonically increasing and
// stable across reads: polling with the returned cursor never re-delivers
// already-seen events.
func (s *Store) ReadHistorySince(projectID, slug string, cursor int64) ([]protocol.Event, int64, error) {
	var events []protocol.Event
	n, err := s.readJSONLSince(projectID, slug, historyFile, cursor, func(line []byte) {
		var ev protocol.Event
		if json.Unmarshal(line, &ev) == nil {
			events = append(events, ev)
		}
	})
	return events, n, err
}

// ReadLogsSince returns raw log records after cursor plus the new cursor.
func (s *Store) ReadLogsSince(projectID, slug string, cursor int64) ([]LogRecord, int64, error) {
	var recs []LogRecord
	n, err := s.readJSONLSince(projectID, slug, logsFile, cursor, func(line []byte) {
		var rec LogRecord
		if json.Unmarshal(line, &rec) == nil {
			recs = append(recs, rec)
		}
	})
	return recs, n, err
}

// ListSlugs returns the slugs with a workspace directory for projectID,
// sorted lexically. A project with no workspaces yields an empty list,
// not an error.
func (s *Store) ListSlugs(projectID string) ([]string, error) {
	if err := protocol.ValidateSlug(projectID); err != nil {
		return nil, fmt.Errorf("invalid project id: %w", err)
	}
	entries, err := os.ReadDir(filepath.Join(s.root, projectID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read workspaces dir: %w", err)
	}
	var slugs []string
	for _, e := range entries {
		if e.IsDir() && e.Name() != archiveDir {
			slugs = append(slugs, e.Name())
		}
	}
	sort.Strings(slugs)
	return slugs, nil
}

// Archive moves a slug's workspace directory under .archive/, suffixed
// with a timestamp. This is the only operation that removes a workspace
// from the active listing; the files themselves are preserved.
func (s *Store) Archive(projectID, slug string) error {
	dir, err := s.Dir(projectID, slug)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &protocol.NotFoundError{Kind: "slug", ID: slug}
		}
		return fmt.Errorf("stat workspace: %w", err)
	}
	dest := filepath.Join(s.root, projectID, archiveDir,
		fmt.Sprintf("%s.%d", slug, time.Now().UTC().UnixNano()))
	if err := os.MkdirAll(filepath.Dir(dest), 0o700); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}
	if err := os.Rename(dir, dest); err != nil {
		return fmt.Errorf("archive workspace %s: %w", slug, err)
	}
	return nil
}

// --- file plumbing ---

func (s *Store) writeJSON(projectID, slug, name string, v any) error {
	dir, err := s.Dir(projectID, slug)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create workspace dir: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	tmp, err := os.CreateTemp(dir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, name)); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("rename %s: %w", name, err)
	}
	return nil
}

func (s *Store) readJSON(projectID, slug, name string, v any) error {
	dir, err := s.Dir(projectID, slug)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(filepath.Join(dir, name)) //nolint:gosec // path components are validated
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &protocol.NotFoundError{Kind: "slug", ID: slug}
		}
		return fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	return nil
}

func (s *Store) appendJSONL(projectID, slug, name string, v any) error {
	dir, err := s.Dir(projectID, slug)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create workspace dir: %w", err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s record: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) //nolint:gosec // path components are validated
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append %s: %w", name, err)
	}
	return nil
}

// readJSONLSince scans the named JSONL file, invoking fn for each record
// after cursor, and returns the new cursor (total record count).
func (s *Store) readJSONLSince(projectID, slug, name string, cursor int64, fn func(line []byte)) (int64, error) {
	dir, err := s.Dir(projectID, slug)
	if err != nil {
		return cursor, err
	}
	f, err := os.Open(filepath.Join(dir, name)) //nolint:gosec // path components are validated
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cursor, nil
		}
		return cursor, fmt.Errorf("open %s: %w", name, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var n int64
	for scanner.Scan() {
		n++
		if n <= cursor {
			continue
		}
		fn(scanner.Bytes())
	}
	if err := scanner.Err(); err != nil {
		return cursor, fmt.Errorf("scan %s: %w", name, err)
	}
	if n < cursor {
		// File shorter than the cursor (should not happen on append-only
		// streams); report the real count so callers resynchronize.
		return n, nil
	}
	return n, nil
}
