package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"github.com/lucasnoah/debugfactory/internal/pipeline"
)

var (
	// ErrConcurrentRun matches any ConcurrentRunError.
	ErrConcurrentRun = errors.New("stage run already in flight")
	// ErrLockLost is returned when a run's lock was taken over before it
	// could commit. The run's result is discarded.
	ErrLockLost = errors.New("lock lost")
	// ErrInvalidState is returned when an operation is not allowed from the
	// issue's current state.
	ErrInvalidState = errors.New("invalid state")
)

// ConcurrentRunError is returned when an issue is already locked by another
// run. Callers should back off rather than retry immediately.
type ConcurrentRunError struct {
	IssueID  string
	State    pipeline.State
	LockedAt time.Time
}

func (e *ConcurrentRunError) Error() string {
	if e.LockedAt.IsZero() {
		return fmt.Sprintf("issue %s is %s: %v", e.IssueID, e.State, ErrConcurrentRun)
	}
	return fmt.Sprintf("issue %s is %s since %s: %v", e.IssueID, e.State, e.LockedAt.Format(time.RFC3339), ErrConcurrentRun)
}

// Is reports whether target is ErrConcurrentRun.
func (e *ConcurrentRunError) Is(target error) bool { return target == ErrConcurrentRun }

func concurrentRun(iss *pipeline.Issue) *ConcurrentRunError {
	e := &ConcurrentRunError{IssueID: iss.ID, State: iss.State}
	if iss.LockedAt != nil {
		e.LockedAt = *iss.LockedAt
	}
	return e
}

// InputError reports an invalid caller-supplied field.
type InputError struct {
	Field   string
	Message string
}

func (e InputError) Error() string { return e.Field + " " + e.Message }
