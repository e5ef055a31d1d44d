package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileStore keeps one directory per issue:
//
//	<base>/<id>/issue.json
//	<base>/<id>/stages/<stage>/attempt-<n>/run.json
//
// Compare-and-swap is serialized within the process; FileStore is for
// single-process deployments.
type FileStore struct {
	baseDir string
	mu      sync.Mutex
}

// NewFileStore creates a FileStore rooted at baseDir.
func NewFileStore(baseDir string) *FileStore {
	return &FileStore{baseDir: baseDir}
}

// DefaultFileStore returns a FileStore at ~/.debugfactory/issues, creating the directory if needed.
func DefaultFileStore() (*FileStore, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("get home dir: %w", err)
	}
	dir := filepath.Join(home, ".debugfactory", "issues")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return &FileStore{baseDir: dir}, nil
}

// BaseDir returns the store's root directory.
func (s *FileStore) BaseDir() string {
	return s.baseDir
}

func (s *FileStore) issueDir(id string) string {
	return filepath.Join(s.baseDir, id)
}

func (s *FileStore) issuePath(id string) string {
	return filepath.Join(s.issueDir(id), "issue.json")
}

func (s *FileStore) runPath(run WorkflowRun) string {
	return filepath.Join(s.issueDir(run.IssueID), "stages", string(run.Stage),
		fmt.Sprintf("attempt-%d", run.AttemptNumber), "run.json")
}

func (s *FileStore) read(id string) (*Issue, error) {
	if err := ValidateID(id); err != nil {
		return nil, fmt.Errorf("issue %s: %w", id, ErrNotFound)
	}
	var iss Issue
	if err := ReadJSON(s.issuePath(id), &iss); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("issue %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &iss, nil
}

// Get reads an issue from disk.
func (s *FileStore) Get(_ context.Context, id string) (*Issue, error) {
	return s.read(id)
}

// Create writes a new issue directory.
func (s *FileStore) Create(_ context.Context, iss *Issue) (*Issue, error) {
	c, err := PrepareNew(iss, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(s.issuePath(c.ID)); err == nil {
		return nil, fmt.Errorf("issue %s: %w", c.ID, ErrExists)
	}
	if err := os.MkdirAll(filepath.Join(s.issueDir(c.ID), "stages"), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir stages: %w", err)
	}
	if err := WriteJSON(s.issuePath(c.ID), c); err != nil {
		return nil, fmt.Errorf("write issue.json: %w", err)
	}
	return c, nil
}

// CompareAndSwap rewrites issue.json if the on-disk version matches.
func (s *FileStore) CompareAndSwap(_ context.Context, id string, expectedVersion int64, next *Issue) (*Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, err := s.read(id)
	if err != nil {
		return nil, err
	}
	if cur.Version != expectedVersion {
		return nil, fmt.Errorf("issue %s at version %d, expected %d: %w", id, cur.Version, expectedVersion, ErrConflict)
	}
	c := next.Clone()
	c.ID = id
	c.CreatedAt = cur.CreatedAt
	c.Version = expectedVersion + 1
	c.UpdatedAt = time.Now().UTC()
	if err := WriteJSON(s.issuePath(id), c); err != nil {
		return nil, fmt.Errorf("write issue.json: %w", err)
	}
	return c, nil
}

// List returns all issues matching opts. Unreadable directories are skipped.
func (s *FileStore) List(_ context.Context, opts ListOpts) ([]*Issue, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", s.baseDir, err)
	}

	var out []*Issue
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		iss, err := s.read(entry.Name())
		if err != nil {
			continue
		}
		if opts.Match(iss) {
			out = append(out, iss)
		}
	}
	SortIssues(out)
	return out, nil
}

// Delete removes all data for an issue.
func (s *FileStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.read(id); err != nil {
		return err
	}
	return os.RemoveAll(s.issueDir(id))
}

// AppendRun writes a run record. An existing record is never overwritten.
func (s *FileStore) AppendRun(_ context.Context, run WorkflowRun) error {
	if err := ValidateID(run.IssueID); err != nil {
		return err
	}
	path := s.runPath(run)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("run %s/%s attempt %d already recorded", run.IssueID, run.Stage, run.AttemptNumber)
	}
	return WriteJSON(path, run)
}

// ListRuns returns all runs for an issue ordered by start time.
func (s *FileStore) ListRuns(_ context.Context, issueID string) ([]WorkflowRun, error) {
	if err := ValidateID(issueID); err != nil {
		return nil, err
	}
	return s.globRuns(filepath.Join(s.issueDir(issueID), "stages", "*", "attempt-*", "run.json"))
}

// AllRuns returns every run across issues ordered by start time.
func (s *FileStore) AllRuns(_ context.Context) ([]WorkflowRun, error) {
	return s.globRuns(filepath.Join(s.baseDir, "*", "stages", "*", "attempt-*", "run.json"))
}

func (s *FileStore) globRuns(pattern string) ([]WorkflowRun, error) {
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("glob runs: %w", err)
	}
	runs := make([]WorkflowRun, 0, len(paths))
	for _, p := range paths {
		var r WorkflowRun
		if err := ReadJSON(p, &r); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	sortRuns(runs)
	return runs, nil
}
