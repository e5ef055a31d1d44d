package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned when an issue id is unknown to the store.
	ErrNotFound = errors.New("issue not found")
	// ErrConflict is returned when a compare-and-swap sees a different version.
	ErrConflict = errors.New("version conflict")
	// ErrExists is returned when creating an issue whose id is taken.
	ErrExists = errors.New("issue already exists")
)

// Store persists issues. CompareAndSwap is the only way to change a stored
// issue; it succeeds only when the stored version equals expectedVersion and
// returns the stored copy with its new version.
type Store interface {
	Get(ctx context.Context, id string) (*Issue, error)
	Create(ctx context.Context, iss *Issue) (*Issue, error)
	CompareAndSwap(ctx context.Context, id string, expectedVersion int64, next *Issue) (*Issue, error)
	List(ctx context.Context, opts ListOpts) ([]*Issue, error)
	Delete(ctx context.Context, id string) error
}

// RunLog is the append-only audit trail of stage attempts.
type RunLog interface {
	AppendRun(ctx context.Context, run WorkflowRun) error
	ListRuns(ctx context.Context, issueID string) ([]WorkflowRun, error)
}

// RunHistory reads every recorded run across issues.
type RunHistory interface {
	AllRuns(ctx context.Context) ([]WorkflowRun, error)
}

// ListOpts filters List. Zero values match everything.
type ListOpts struct {
	States     []State
	Repository string
}

// Match reports whether iss passes the filter.
func (o ListOpts) Match(iss *Issue) bool {
	if o.Repository != "" && iss.Repository != o.Repository {
		return false
	}
	if len(o.States) == 0 {
		return true
	}
	for _, s := range o.States {
		if iss.State == s {
			return true
		}
	}
	return false
}

// PrepareNew validates an issue for insertion and fills bookkeeping fields.
func PrepareNew(iss *Issue, now time.Time) (*Issue, error) {
	if err := ValidateID(iss.ID); err != nil {
		return nil, err
	}
	c := iss.Clone()
	if c.State == "" {
		c.State = StatePending
	}
	if !c.State.Valid() {
		return nil, fmt.Errorf("invalid state %q", c.State)
	}
	if c.StageResults == nil {
		c.StageResults = map[Stage]*StageResult{}
	}
	if c.AttemptCounts == nil {
		c.AttemptCounts = map[Stage]int{}
	}
	if c.StageRuns == nil {
		c.StageRuns = map[Stage]int{}
	}
	c.Version = 1
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	return c, nil
}

// SortIssues orders issues by creation time, then id.
func SortIssues(list []*Issue) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
}

// MemoryStore is an in-process Store and RunLog.
type MemoryStore struct {
	mu     sync.RWMutex
	issues map[string]*Issue
	runs   map[string][]WorkflowRun
	now    func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		issues: make(map[string]*Issue),
		runs:   make(map[string][]WorkflowRun),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Get returns a copy of the stored issue.
func (m *MemoryStore) Get(_ context.Context, id string) (*Issue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	iss, ok := m.issues[id]
	if !ok {
		return nil, fmt.Errorf("issue %s: %w", id, ErrNotFound)
	}
	return iss.Clone(), nil
}

// Create inserts a new issue at version 1.
func (m *MemoryStore) Create(_ context.Context, iss *Issue) (*Issue, error) {
	c, err := PrepareNew(iss, m.now())
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.issues[c.ID]; ok {
		return nil, fmt.Errorf("issue %s: %w", c.ID, ErrExists)
	}
	m.issues[c.ID] = c
	return c.Clone(), nil
}

// CompareAndSwap replaces the issue if its version still matches.
func (m *MemoryStore) CompareAndSwap(_ context.Context, id string, expectedVersion int64, next *Issue) (*Issue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.issues[id]
	if !ok {
		return nil, fmt.Errorf("issue %s: %w", id, ErrNotFound)
	}
	if cur.Version != expectedVersion {
		return nil, fmt.Errorf("issue %s at version %d, expected %d: %w", id, cur.Version, expectedVersion, ErrConflict)
	}
	c := next.Clone()
	c.ID = id
	c.CreatedAt = cur.CreatedAt
	c.Version = expectedVersion + 1
	c.UpdatedAt = m.now()
	m.issues[id] = c
	return c.Clone(), nil
}

// List returns matching issues ordered by creation time.
func (m *MemoryStore) List(_ context.Context, opts ListOpts) ([]*Issue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Issue
	for _, iss := range m.issues {
		if opts.Match(iss) {
			out = append(out, iss.Clone())
		}
	}
	SortIssues(out)
	return out, nil
}

// Delete removes an issue and its runs.
func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.issues[id]; !ok {
		return fmt.Errorf("issue %s: %w", id, ErrNotFound)
	}
	delete(m.issues, id)
	delete(m.runs, id)
	return nil
}

// AppendRun records a stage attempt.
func (m *MemoryStore) AppendRun(_ context.Context, run WorkflowRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.IssueID] = append(m.runs[run.IssueID], run)
	return nil
}

// ListRuns returns the runs for an issue in the order they were recorded.
func (m *MemoryStore) ListRuns(_ context.Context, issueID string) ([]WorkflowRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]WorkflowRun(nil), m.runs[issueID]...), nil
}

// AllRuns returns every recorded run ordered by start time.
func (m *MemoryStore) AllRuns(_ context.Context) ([]WorkflowRun, error) {
	m.mu.RLock()
	var out []WorkflowRun
	for _, runs := range m.runs {
		out = append(out, runs...)
	}
	m.mu.RUnlock()
	sortRuns(out)
	return out, nil
}

func sortRuns(runs []WorkflowRun) {
	sort.SliceStable(runs, func(i, j int) bool {
		if !runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].StartedAt.Before(runs[j].StartedAt)
		}
		return runs[i].AttemptNumber < runs[j].AttemptNumber
	})
}
