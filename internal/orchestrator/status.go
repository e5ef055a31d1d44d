package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/lucasnoah/debugfactory/internal/pipeline"
)

// StatusInfo is the read-only view of one issue.
type StatusInfo struct {
	IssueID       string                 `json:"issue_id"`
	Title         string                 `json:"title"`
	Repository    string                 `json:"repository"`
	State         pipeline.State         `json:"state"`
	NextStage     pipeline.Stage         `json:"next_stage,omitempty"`
	Locked        bool                   `json:"locked"`
	LockedAt      *time.Time             `json:"locked_at,omitempty"`
	StaleLock     bool                   `json:"stale_lock,omitempty"`
	AttemptCounts map[pipeline.Stage]int `json:"attempt_counts"`
	PatchRounds   int                    `json:"patch_rounds"`
	UpdatedAt     time.Time              `json:"updated_at"`
	// Issue and Runs are populated by Status only.
	Issue *pipeline.Issue        `json:"issue,omitempty"`
	Runs  []pipeline.WorkflowRun `json:"runs,omitempty"`
}

// Get returns a copy of the stored issue.
func (o *Orchestrator) Get(ctx context.Context, id string) (*pipeline.Issue, error) {
	iss, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get issue: %w", err)
	}
	return iss, nil
}

// CheckAvailable returns a *ConcurrentRunError when another run holds a
// live lock on id. A stale lock does not count; Advance takes it over.
func (o *Orchestrator) CheckAvailable(ctx context.Context, id string) error {
	iss, err := o.Get(ctx, id)
	if err != nil {
		return err
	}
	if iss.Locked() && !o.stale(iss) {
		return concurrentRun(iss)
	}
	return nil
}

// Status returns the issue with its run history.
func (o *Orchestrator) Status(ctx context.Context, id string) (*StatusInfo, error) {
	iss, err := o.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	info := o.summarize(iss)
	info.Issue = iss
	if o.runs != nil {
		runs, err := o.runs.ListRuns(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		info.Runs = runs
	}
	return &info, nil
}

// StatusAll returns summaries of the matching issues.
func (o *Orchestrator) StatusAll(ctx context.Context, opts pipeline.ListOpts) ([]StatusInfo, error) {
	list, err := o.store.List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}
	result := make([]StatusInfo, 0, len(list))
	for _, iss := range list {
		result = append(result, o.summarize(iss))
	}
	return result, nil
}

// Inbox returns issues waiting for their first stage.
func (o *Orchestrator) Inbox(ctx context.Context) ([]*pipeline.Issue, error) {
	list, err := o.store.List(ctx, pipeline.ListOpts{States: []pipeline.State{pipeline.StatePending}})
	if err != nil {
		return nil, fmt.Errorf("list inbox: %w", err)
	}
	return list, nil
}

// Attention returns issues that stopped short of completion and need a human.
func (o *Orchestrator) Attention(ctx context.Context) ([]*pipeline.Issue, error) {
	list, err := o.store.List(ctx, pipeline.ListOpts{States: []pipeline.State{pipeline.StateNeedsAttention, pipeline.StateFailed}})
	if err != nil {
		return nil, fmt.Errorf("list attention: %w", err)
	}
	return list, nil
}

// Runs returns the workflow runs recorded for an issue.
func (o *Orchestrator) Runs(ctx context.Context, id string) ([]pipeline.WorkflowRun, error) {
	if o.runs == nil {
		return nil, nil
	}
	runs, err := o.runs.ListRuns(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// --- Helpers ---

func (o *Orchestrator) summarize(iss *pipeline.Issue) StatusInfo {
	info := StatusInfo{
		IssueID:       iss.ID,
		Title:         iss.Title,
		Repository:    iss.Repository,
		State:         iss.State,
		Locked:        iss.Locked(),
		LockedAt:      iss.LockedAt,
		StaleLock:     o.stale(iss),
		AttemptCounts: iss.AttemptCounts,
		PatchRounds:   iss.PatchRounds,
		UpdatedAt:     iss.UpdatedAt,
	}
	if iss.Locked() {
		if step, ok := pipeline.InFlightStep(iss); ok {
			info.NextStage = step.Stage
		}
	} else if !iss.State.Terminal() {
		if step, err := pipeline.NextStep(iss); err == nil {
			info.NextStage = step.Stage
		}
	}
	return info
}
