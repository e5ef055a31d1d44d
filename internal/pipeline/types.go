package pipeline

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// State is the workflow state of an issue.
type State string

const (
	StatePending        State = "pending"
	StateDiagnosing     State = "diagnosing"
	StateDiagnosed      State = "diagnosed"
	StatePatching       State = "patching"
	StatePatched        State = "patched"
	StateValidating     State = "validating"
	StateValidated      State = "validated"
	StateCreatingPR     State = "creating_pr"
	StateCompleted      State = "completed"
	StateNeedsAttention State = "needs_attention"
	StateFailed         State = "failed"
)

// AllStates lists every state in workflow order.
var AllStates = []State{
	StatePending, StateDiagnosing, StateDiagnosed, StatePatching, StatePatched,
	StateValidating, StateValidated, StateCreatingPR, StateCompleted,
	StateNeedsAttention, StateFailed,
}

// Terminal reports whether automatic advancement stops at this state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateNeedsAttention || s == StateFailed
}

// Running reports whether a stage is executing in this state.
func (s State) Running() bool {
	return s == StateDiagnosing || s == StatePatching || s == StateValidating || s == StateCreatingPR
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	for _, st := range AllStates {
		if st == s {
			return true
		}
	}
	return false
}

// Stage is one step of the workflow.
type Stage string

const (
	StageDiagnose Stage = "diagnose"
	StagePatch    Stage = "patch"
	StageQA       Stage = "qa"
	StagePR       Stage = "pr"
)

// AllStages lists the stages in execution order.
var AllStages = []Stage{StageDiagnose, StagePatch, StageQA, StagePR}

// Outcome classifies a single stage attempt.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeRetryable Outcome = "retryable_failure"
	OutcomeFatal     Outcome = "fatal_failure"
)

// Issue is a unit of work tracked through the workflow.
type Issue struct {
	ID            string                 `json:"issue_id"`
	Title         string                 `json:"title"`
	Description   string                 `json:"description"`
	ErrorMessage  string                 `json:"error_message"`
	Logs          string                 `json:"logs"`
	RelevantFiles []string               `json:"relevant_files"`
	Repository    string                 `json:"repository"`
	State         State                  `json:"state"`
	// StageResults holds the latest successful result per stage.
	StageResults map[Stage]*StageResult `json:"stage_results"`
	// StageFailures holds the latest failed attempt per stage. A success
	// clears the stage's entry.
	StageFailures map[Stage]*StageResult `json:"stage_failures,omitempty"`
	AttemptCounts map[Stage]int          `json:"attempt_counts"`
	// PatchRounds counts re-entries into the patch stage after a failed QA verdict.
	PatchRounds int `json:"patch_rounds"`
	// StageRuns is the total number of attempts ever made per stage. Never reset.
	StageRuns map[Stage]int `json:"stage_runs"`
	LockToken string        `json:"lock_token,omitempty"`
	LockedAt  *time.Time    `json:"locked_at,omitempty"`
	Version   int64         `json:"version"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Locked reports whether a stage run currently holds the issue.
func (i *Issue) Locked() bool {
	return i.LockToken != ""
}

// Result returns the latest result for a stage, or nil.
func (i *Issue) Result(st Stage) *StageResult {
	if i.StageResults == nil {
		return nil
	}
	return i.StageResults[st]
}

// Failure returns the latest failed attempt for a stage, or nil.
func (i *Issue) Failure(st Stage) *StageResult {
	if i.StageFailures == nil {
		return nil
	}
	return i.StageFailures[st]
}

// Clone returns a deep copy of the issue.
func (i *Issue) Clone() *Issue {
	if i == nil {
		return nil
	}
	c := *i
	if i.RelevantFiles != nil {
		c.RelevantFiles = append([]string(nil), i.RelevantFiles...)
	}
	c.StageResults = cloneResults(i.StageResults)
	c.StageFailures = cloneResults(i.StageFailures)
	c.AttemptCounts = cloneCounts(i.AttemptCounts)
	c.StageRuns = cloneCounts(i.StageRuns)
	if i.LockedAt != nil {
		t := *i.LockedAt
		c.LockedAt = &t
	}
	return &c
}

func cloneResults(m map[Stage]*StageResult) map[Stage]*StageResult {
	if m == nil {
		return nil
	}
	out := make(map[Stage]*StageResult, len(m))
	for k, v := range m {
		out[k] = v.Clone()
	}
	return out
}

func cloneCounts(m map[Stage]int) map[Stage]int {
	if m == nil {
		return nil
	}
	out := make(map[Stage]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// StageResult is the normalized output of one stage.
type StageResult struct {
	Stage     Stage           `json:"stage"`
	Succeeded bool            `json:"succeeded"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
	// ErrorKind is "retryable" or "fatal" when Succeeded is false.
	ErrorKind   string        `json:"error_kind,omitempty"`
	Duration    time.Duration `json:"duration"`
	CompletedAt time.Time     `json:"completed_at"`
}

// Clone returns a deep copy of the result.
func (r *StageResult) Clone() *StageResult {
	if r == nil {
		return nil
	}
	c := *r
	if r.Payload != nil {
		c.Payload = append(json.RawMessage(nil), r.Payload...)
	}
	return &c
}

// Decode unmarshals the payload into v.
func (r *StageResult) Decode(v interface{}) error {
	if r == nil || len(r.Payload) == 0 {
		return fmt.Errorf("empty payload")
	}
	if err := json.Unmarshal(r.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", r.Stage, err)
	}
	return nil
}

// WorkflowRun records one attempt to run a stage. Runs are append-only.
type WorkflowRun struct {
	ID            string    `json:"id"`
	IssueID       string    `json:"issue_id"`
	Stage         Stage     `json:"stage"`
	AttemptNumber int       `json:"attempt_number"`
	StartedAt     time.Time `json:"started_at"`
	CompletedAt   time.Time `json:"completed_at"`
	Outcome       Outcome   `json:"outcome"`
	Error         string    `json:"error,omitempty"`
}

// Duration is the wall time of the attempt.
func (r WorkflowRun) Duration() time.Duration {
	return r.CompletedAt.Sub(r.StartedAt)
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateID checks that an issue id is safe to use as a key and a path segment.
func ValidateID(id string) error {
	if !idPattern.MatchString(id) {
		return fmt.Errorf("invalid issue id %q", id)
	}
	return nil
}

// NewResult builds a successful result carrying payload.
func NewResult(st Stage, payload any, at time.Time) (*StageResult, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", st, err)
	}
	return &StageResult{Stage: st, Succeeded: true, Payload: data, CompletedAt: at}, nil
}
