package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lucasnoah/debugfactory/internal/pipeline"
	"github.com/lucasnoah/debugfactory/internal/stage"
)

// Advance actions.
const (
	ActionAdvanced  = "advanced"
	ActionCompleted = "completed"
	ActionEscalated = "escalated"
	ActionTerminal  = "terminal"
)

// AdvanceResult describes what happened during an advance.
type AdvanceResult struct {
	IssueID string           `json:"issue_id"`
	Action  string           `json:"action"`
	Stage   pipeline.Stage   `json:"stage,omitempty"`
	From    pipeline.State   `json:"from"`
	State   pipeline.State   `json:"state"`
	Outcome pipeline.Outcome `json:"outcome,omitempty"`
	// Attempts is the number of attempts made in this advance.
	Attempts   int             `json:"attempts,omitempty"`
	PatchRound int             `json:"patch_round,omitempty"`
	Message    string          `json:"message,omitempty"`
	Issue      *pipeline.Issue `json:"-"`
}

// acquisition is the outcome of trying to lock an issue for one step.
type acquisition struct {
	iss       *pipeline.Issue
	step      pipeline.Step
	from      pipeline.State
	prevCount int
	// action is set when no stage will run.
	action  string
	message string
}

// Advance moves one issue forward by exactly one stage. Retryable stage
// failures are retried with backoff while the lock is held; exhausted and
// fatal failures are reported only through the resulting state. The
// returned error is non-nil for unknown issues, concurrent runs, lost locks,
// store failures and cancellation.
func (o *Orchestrator) Advance(ctx context.Context, id string) (*AdvanceResult, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.advance", trace.WithAttributes(attribute.String("issue.id", id)))
	defer span.End()

	a, err := o.acquire(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("advance %s: %w", id, err)
	}
	if a.action != "" {
		return &AdvanceResult{IssueID: id, Action: a.action, From: a.from, State: a.iss.State, Message: a.message, Issue: a.iss}, nil
	}

	st := a.step.Stage
	span.SetAttributes(attribute.String("stage", string(st)))
	log := o.log.With(zap.String("issue_id", id), zap.String("stage", string(st)))
	iss := a.iss
	token := iss.LockToken
	retries := 0

	for {
		attempt := iss.StageRuns[st]
		started := o.now()
		res, runErr := o.runner.Run(ctx, iss, st)
		run := pipeline.WorkflowRun{
			ID:            uuid.NewString(),
			IssueID:       id,
			Stage:         st,
			AttemptNumber: attempt,
			StartedAt:     started,
			CompletedAt:   o.now(),
			Outcome:       outcomeOf(runErr),
		}
		if runErr != nil {
			run.Error = runErr.Error()
		}
		o.recordRun(ctx, run)
		if res == nil {
			res = &pipeline.StageResult{Stage: st, Error: run.Error, ErrorKind: string(stage.Retryable), CompletedAt: run.CompletedAt}
		}

		log := log.With(zap.Int("attempt", attempt), zap.String("outcome", string(run.Outcome)))
		if runErr != nil && ctx.Err() != nil {
			log.Info("advance cancelled")
			return nil, o.abandon(ctx, a, token, attempt, res, ctx.Err())
		}
		if runErr == nil || run.Outcome == pipeline.OutcomeFatal || retries >= o.cfg.MaxRetries {
			result, err := o.finish(ctx, a, token, res, runErr, attempt, retries)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return nil, err
			}
			span.SetAttributes(attribute.String("outcome", string(result.Outcome)), attribute.Int("attempts", result.Attempts))
			return result, nil
		}

		retries++
		delay := o.cfg.Backoff.Delay(retries)
		iss, err = o.mutateLocked(context.WithoutCancel(ctx), id, token, func(n *pipeline.Issue) {
			n.AttemptCounts[st] = retries
			n.StageRuns[st] = attempt + 1
			n.StageFailures[st] = res
			now := o.now()
			n.LockedAt = &now
		})
		if err != nil {
			return nil, fmt.Errorf("advance %s: record retry: %w", id, err)
		}
		log.Warn("stage failed, retrying", zap.Int("retry", retries), zap.Duration("backoff", delay), zap.Error(runErr))
		o.audit(ctx, id, "retry", string(st), attempt+1, run.Error)
		o.emit(pipeline.Event{Kind: pipeline.EventRetry, IssueID: id, Stage: st, From: a.step.Running, To: a.step.Running, Detail: run.Error})

		if err := o.sleep(ctx, delay); err != nil {
			return nil, o.abandon(ctx, a, token, attempt, res, err)
		}
	}
}

// acquire locks id for its next step in a single compare-and-swap. A lock
// older than LockTTL is taken over and its step restarted.
func (o *Orchestrator) acquire(ctx context.Context, id string) (*acquisition, error) {
	for i := 0; i < maxCASAttempts; i++ {
		cur, err := o.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		base, recovered := cur, false
		if cur.Locked() {
			if !o.stale(cur) {
				return nil, concurrentRun(cur)
			}
			base, recovered = recoverStale(cur), true
		}
		if base.State.Terminal() {
			return &acquisition{iss: cur, from: cur.State, action: ActionTerminal, message: fmt.Sprintf("issue is %s", cur.State)}, nil
		}
		step, err := pipeline.NextStep(base)
		if err != nil {
			return nil, err
		}

		next := base.Clone()
		if next.StageResults == nil {
			next.StageResults = map[pipeline.Stage]*pipeline.StageResult{}
		}
		if next.AttemptCounts == nil {
			next.AttemptCounts = map[pipeline.Stage]int{}
		}
		if next.StageRuns == nil {
			next.StageRuns = map[pipeline.Stage]int{}
		}
		a := &acquisition{step: step, from: cur.State, prevCount: next.AttemptCounts[step.Stage]}

		if step.Reentry && base.PatchRounds >= o.cfg.MaxPatchRounds {
			next.State = pipeline.StateNeedsAttention
			next.LockToken, next.LockedAt = "", nil
			saved, err := o.store.CompareAndSwap(ctx, id, cur.Version, next)
			if errors.Is(err, pipeline.ErrConflict) {
				continue
			}
			if err != nil {
				return nil, err
			}
			a.iss, a.action = saved, ActionEscalated
			a.message = fmt.Sprintf("qa loop cap of %d patch re-entries reached", o.cfg.MaxPatchRounds)
			o.audit(ctx, id, "escalated", string(pipeline.StageQA), 0, a.message)
			o.emit(pipeline.Event{Kind: pipeline.EventTransition, IssueID: id, From: cur.State, To: saved.State, Detail: a.message})
			return a, nil
		}

		if step.Reentry {
			next.PatchRounds++
		}
		next.State = step.Running
		next.AttemptCounts[step.Stage] = 0
		// The first attempt number is reserved with the lock so a run that
		// loses its lock never shares a number with the next one.
		next.StageRuns[step.Stage]++
		now := o.now()
		next.LockToken = uuid.NewString()
		next.LockedAt = &now

		saved, err := o.store.CompareAndSwap(ctx, id, cur.Version, next)
		if errors.Is(err, pipeline.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if recovered {
			o.log.Warn("took over stale lock", zap.String("issue_id", id), zap.String("state", string(cur.State)), zap.Timep("locked_at", cur.LockedAt))
			o.audit(ctx, id, "lock_recovered", string(step.Stage), 0, string(cur.State))
		}
		o.audit(ctx, id, "stage_started", string(step.Stage), saved.StageRuns[step.Stage], "")
		o.emit(pipeline.Event{Kind: pipeline.EventTransition, IssueID: id, Stage: step.Stage, From: cur.State, To: saved.State})
		a.iss = saved
		return a, nil
	}
	return nil, fmt.Errorf("acquire lock: %w", pipeline.ErrConflict)
}

// recoverStale returns iss as it was before its abandoned step started.
func recoverStale(iss *pipeline.Issue) *pipeline.Issue {
	c := iss.Clone()
	if step, ok := pipeline.InFlightStep(iss); ok {
		c.State = step.From
		if step.Reentry && c.PatchRounds > 0 {
			c.PatchRounds--
		}
	}
	c.LockToken, c.LockedAt = "", nil
	return c
}

// finish applies the last attempt's outcome and releases the lock in one
// compare-and-swap.
func (o *Orchestrator) finish(ctx context.Context, a *acquisition, token string, res *pipeline.StageResult, runErr error, attempt, retries int) (*AdvanceResult, error) {
	step, id := a.step, a.iss.ID
	out := &AdvanceResult{
		IssueID:  id,
		Action:   ActionAdvanced,
		Stage:    step.Stage,
		From:     a.from,
		Outcome:  outcomeOf(runErr),
		Attempts: retries + 1,
	}
	if step.Stage == pipeline.StagePatch || step.Stage == pipeline.StageQA {
		out.PatchRound = a.iss.PatchRounds + 1
	}

	target := step.Success
	switch {
	case runErr != nil:
		target = step.Exhausted
		out.Action = ActionEscalated
		if out.Outcome == pipeline.OutcomeFatal {
			out.Message = fmt.Sprintf("%s failed: %v", step.Stage, runErr)
		} else {
			out.Message = fmt.Sprintf("%s failed after %d attempts: %v", step.Stage, retries+1, runErr)
		}
	case step.Stage == pipeline.StageQA:
		var v pipeline.QAVerdict
		if err := res.Decode(&v); err == nil && !v.Passed() {
			out.Message = "qa verdict: fail"
			if a.iss.PatchRounds >= o.cfg.MaxPatchRounds {
				target = pipeline.StateNeedsAttention
				out.Action = ActionEscalated
				out.Message = fmt.Sprintf("qa failed on patch round %d; cap of %d re-entries reached", a.iss.PatchRounds+1, o.cfg.MaxPatchRounds)
			}
		}
	}
	if target == pipeline.StateCompleted {
		out.Action = ActionCompleted
	}
	if !pipeline.CanTransition(step.Running, target) {
		return nil, fmt.Errorf("advance %s: transition %s -> %s not allowed", id, step.Running, target)
	}

	saved, err := o.mutateLocked(context.WithoutCancel(ctx), id, token, func(n *pipeline.Issue) {
		n.State = target
		if runErr != nil {
			n.StageFailures[step.Stage] = res
		} else {
			n.StageResults[step.Stage] = res
			delete(n.StageFailures, step.Stage)
		}
		n.AttemptCounts[step.Stage] = retries
		n.StageRuns[step.Stage] = attempt
		n.LockToken, n.LockedAt = "", nil
	})
	if err != nil {
		return nil, fmt.Errorf("advance %s: commit %s: %w", id, step.Stage, err)
	}
	out.State = saved.State
	out.Issue = saved

	o.emit(pipeline.Event{Kind: pipeline.EventTransition, IssueID: id, Stage: step.Stage, From: step.Running, To: saved.State, Detail: out.Message})
	o.audit(ctx, id, eventName(out), string(step.Stage), attempt, out.Message)
	log := o.log.With(zap.String("issue_id", id), zap.String("stage", string(step.Stage)), zap.String("state", string(saved.State)), zap.Int("retries", retries))
	if out.Action == ActionEscalated {
		log.Warn("issue escalated", zap.String("reason", out.Message))
	} else {
		log.Info("stage committed")
	}
	return out, nil
}

// abandon reverts a cancelled run to the state it started from and releases
// the lock.
func (o *Orchestrator) abandon(ctx context.Context, a *acquisition, token string, attempt int, res *pipeline.StageResult, cause error) error {
	step, id := a.step, a.iss.ID
	_, err := o.mutateLocked(context.WithoutCancel(ctx), id, token, func(n *pipeline.Issue) {
		n.State = step.From
		if step.Reentry && n.PatchRounds > 0 {
			n.PatchRounds--
		}
		n.AttemptCounts[step.Stage] = a.prevCount
		// a reservation made for a retry that never ran is released
		n.StageRuns[step.Stage] = attempt
		n.StageFailures[step.Stage] = res
		n.LockToken, n.LockedAt = "", nil
	})
	if err != nil {
		return fmt.Errorf("advance %s: %w (release: %v)", id, cause, err)
	}
	o.audit(ctx, id, "cancelled", string(step.Stage), attempt, cause.Error())
	o.emit(pipeline.Event{Kind: pipeline.EventTransition, IssueID: id, Stage: step.Stage, From: step.Running, To: step.From, Detail: "cancelled"})
	return fmt.Errorf("advance %s: %w", id, cause)
}

func (o *Orchestrator) recordRun(ctx context.Context, run pipeline.WorkflowRun) {
	if o.runs != nil {
		if err := o.runs.AppendRun(context.WithoutCancel(ctx), run); err != nil {
			o.log.Error("record workflow run", zap.String("issue_id", run.IssueID), zap.String("stage", string(run.Stage)), zap.Error(err))
		}
	}
	r := run
	o.emit(pipeline.Event{Kind: pipeline.EventRun, IssueID: run.IssueID, Stage: run.Stage, Run: &r, At: run.CompletedAt})
}

func outcomeOf(err error) pipeline.Outcome {
	switch {
	case err == nil:
		return pipeline.OutcomeSuccess
	case stage.IsFatal(err):
		return pipeline.OutcomeFatal
	default:
		return pipeline.OutcomeRetryable
	}
}

func eventName(r *AdvanceResult) string {
	switch r.Action {
	case ActionCompleted:
		return "completed"
	case ActionEscalated:
		return "escalated"
	default:
		return "stage_advanced"
	}
}
