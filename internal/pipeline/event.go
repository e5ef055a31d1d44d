package pipeline

import "time"

// EventKind identifies what an Event reports.
type EventKind string

const (
	// EventCreated is emitted when an issue is seeded in its initial state.
	EventCreated EventKind = "created"
	// EventTransition is emitted for every state change, including lock
	// acquisition (resting -> running) and release (running -> resting).
	EventTransition EventKind = "transition"
	// EventRun is emitted once per stage attempt with the recorded WorkflowRun.
	EventRun EventKind = "run"
	// EventRetry is emitted when a retryable failure schedules another attempt.
	EventRetry EventKind = "retry"
	// EventDeleted is emitted when an issue is removed from the store.
	EventDeleted EventKind = "deleted"
)

// Event is an observable change to an issue.
type Event struct {
	Kind    EventKind    `json:"kind"`
	IssueID string       `json:"issue_id"`
	Stage   Stage        `json:"stage,omitempty"`
	From    State        `json:"from,omitempty"`
	To      State        `json:"to,omitempty"`
	Run     *WorkflowRun `json:"run,omitempty"`
	Detail  string       `json:"detail,omitempty"`
	At      time.Time    `json:"at"`
}
