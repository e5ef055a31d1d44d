// Package orchestrator drives issues through the diagnose, patch, qa and pr
// stages. It owns every mutation of an issue's workflow fields and
// serializes them per issue with a lock token held in the store.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lucasnoah/debugfactory/internal/pipeline"
)

// StageRunner executes one stage for one issue without touching the store.
type StageRunner interface {
	Run(ctx context.Context, iss *pipeline.Issue, st pipeline.Stage) (*pipeline.StageResult, error)
}

// Observer receives every event the orchestrator emits. Observe is called
// synchronously and must not block.
type Observer interface {
	Observe(ev pipeline.Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ev pipeline.Event)

// Observe calls f(ev).
func (f ObserverFunc) Observe(ev pipeline.Event) { f(ev) }

// EventLog is the optional audit log of orchestrator actions.
type EventLog interface {
	LogPipelineEvent(ctx context.Context, issueID, event, stage string, attempt int, detail string) error
}

// Config holds the workflow policy.
type Config struct {
	// MaxRetries is the number of retries after the first attempt of a stage.
	MaxRetries int
	Backoff    Backoff
	// MaxPatchRounds caps re-entries into patch after failed QA verdicts.
	MaxPatchRounds int
	// LockTTL is the age after which a lock is considered abandoned. Zero
	// disables takeover.
	LockTTL time.Duration
}

// DefaultConfig returns the default workflow policy.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     2,
		Backoff:        DefaultBackoff(),
		MaxPatchRounds: 2,
		LockTTL:        30 * time.Minute,
	}
}

// Orchestrator composes issue lifecycle operations.
type Orchestrator struct {
	store  pipeline.Store
	runs   pipeline.RunLog
	runner StageRunner
	cfg    Config

	events EventLog
	log    *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error

	mu        sync.RWMutex
	observers []Observer
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(store pipeline.Store, runs pipeline.RunLog, runner StageRunner, cfg Config) *Orchestrator {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.MaxPatchRounds < 0 {
		cfg.MaxPatchRounds = 0
	}
	return &Orchestrator{
		store:  store,
		runs:   runs,
		runner: runner,
		cfg:    cfg,
		log:    zap.NewNop(),
		tracer: otel.Tracer("github.com/lucasnoah/debugfactory/internal/orchestrator"),
		now:    func() time.Time { return time.Now().UTC() },
		sleep:  sleepCtx,
	}
}

// Config returns the workflow policy in effect.
func (o *Orchestrator) Config() Config { return o.cfg }

// SetLogger sets the structured logger.
func (o *Orchestrator) SetLogger(l *zap.Logger) {
	if l != nil {
		o.log = l
	}
}

// SetEventLog enables the audit log.
func (o *Orchestrator) SetEventLog(l EventLog) { o.events = l }

// SetTracer overrides the tracer (for testing).
func (o *Orchestrator) SetTracer(t trace.Tracer) { o.tracer = t }

// SetClock overrides the clock (for testing).
func (o *Orchestrator) SetClock(now func() time.Time) { o.now = now }

// SetSleep overrides the backoff sleep (for testing).
func (o *Orchestrator) SetSleep(sleep func(ctx context.Context, d time.Duration) error) { o.sleep = sleep }

// AddObserver registers an observer for all future events.
func (o *Orchestrator) AddObserver(obs Observer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.observers = append(o.observers, obs)
}

// SeedOpts holds the reported fields of a new issue.
type SeedOpts struct {
	ID            string   `json:"issue_id,omitempty"`
	Title         string   `json:"title"`
	Description   string   `json:"description"`
	ErrorMessage  string   `json:"error_message"`
	Logs          string   `json:"logs"`
	RelevantFiles []string `json:"relevant_files"`
	Repository    string   `json:"repository"`
}

// Seed creates a new issue in pending. An empty ID is assigned.
func (o *Orchestrator) Seed(ctx context.Context, opts SeedOpts) (*pipeline.Issue, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return nil, fmt.Errorf("seed issue: %w", InputError{Field: "title", Message: "is required"})
	}
	id := strings.TrimSpace(opts.ID)
	if id == "" {
		id = NewIssueID()
	}
	iss, err := o.store.Create(ctx, &pipeline.Issue{
		ID:            id,
		Title:         strings.TrimSpace(opts.Title),
		Description:   opts.Description,
		ErrorMessage:  opts.ErrorMessage,
		Logs:          opts.Logs,
		RelevantFiles: opts.RelevantFiles,
		Repository:    strings.TrimSpace(opts.Repository),
		State:         pipeline.StatePending,
	})
	if err != nil {
		return nil, fmt.Errorf("seed issue: %w", err)
	}
	o.audit(ctx, iss.ID, "created", "", 0, iss.Title)
	o.emit(pipeline.Event{Kind: pipeline.EventCreated, IssueID: iss.ID, To: iss.State})
	o.log.Info("issue seeded", zap.String("issue_id", iss.ID), zap.String("repository", iss.Repository))
	return iss, nil
}

// NewIssueID returns a system-assigned issue id.
func NewIssueID() string {
	return "ISSUE-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

// RetriageOpts holds options for an administrative re-triage.
type RetriageOpts struct {
	// Force takes over a lock held by an in-flight run; that run's result is
	// discarded when it tries to commit.
	Force  bool
	Reason string
	// Fields replaces the reported fields when set.
	Fields *SeedOpts
}

// Retriage resets an issue to pending. Attempt counts and the patch round
// counter are cleared; stage results are retained for audit.
func (o *Orchestrator) Retriage(ctx context.Context, id string, opts RetriageOpts) (*pipeline.Issue, error) {
	var from pipeline.State
	saved, err := o.mutate(ctx, id, func(cur *pipeline.Issue) (*pipeline.Issue, error) {
		if cur.Locked() && !opts.Force && !o.stale(cur) {
			return nil, concurrentRun(cur)
		}
		from = cur.State
		next := cur.Clone()
		next.State = pipeline.StatePending
		next.AttemptCounts = map[pipeline.Stage]int{}
		next.PatchRounds = 0
		next.LockToken = ""
		next.LockedAt = nil
		if f := opts.Fields; f != nil {
			if strings.TrimSpace(f.Title) != "" {
				next.Title = strings.TrimSpace(f.Title)
			}
			next.Description = f.Description
			next.ErrorMessage = f.ErrorMessage
			next.Logs = f.Logs
			next.RelevantFiles = append([]string(nil), f.RelevantFiles...)
			if f.Repository != "" {
				next.Repository = f.Repository
			}
		}
		return next, nil
	})
	if err != nil {
		return nil, fmt.Errorf("retriage %s: %w", id, err)
	}
	detail := "manual"
	if opts.Reason != "" {
		detail = "manual: " + opts.Reason
	}
	o.audit(ctx, id, "retriaged", "", 0, detail)
	if from != saved.State {
		o.emit(pipeline.Event{Kind: pipeline.EventTransition, IssueID: id, From: from, To: saved.State, Detail: "retriage"})
	}
	o.log.Info("issue retriaged", zap.String("issue_id", id), zap.String("from", string(from)), zap.Bool("force", opts.Force))
	return saved, nil
}

// Promote stores an externally produced diagnosis as the issue's diagnose
// result and moves it to diagnosed. Only pending or diagnosed issues that
// are not locked accept a promotion.
func (o *Orchestrator) Promote(ctx context.Context, id string, d pipeline.Diagnosis, source string) (*pipeline.Issue, error) {
	if strings.TrimSpace(d.RootCause) == "" {
		return nil, fmt.Errorf("promote %s: %w", id, InputError{Field: "root_cause", Message: "is required"})
	}
	res, err := pipeline.NewResult(pipeline.StageDiagnose, d, o.now())
	if err != nil {
		return nil, fmt.Errorf("promote %s: %w", id, err)
	}
	var from pipeline.State
	saved, err := o.mutate(ctx, id, func(cur *pipeline.Issue) (*pipeline.Issue, error) {
		if cur.Locked() {
			return nil, concurrentRun(cur)
		}
		if cur.State != pipeline.StatePending && cur.State != pipeline.StateDiagnosed {
			return nil, fmt.Errorf("%w: cannot promote a diagnosis into a %s issue", ErrInvalidState, cur.State)
		}
		from = cur.State
		next := cur.Clone()
		next.State = pipeline.StateDiagnosed
		if next.StageResults == nil {
			next.StageResults = map[pipeline.Stage]*pipeline.StageResult{}
		}
		next.StageResults[pipeline.StageDiagnose] = res
		return next, nil
	})
	if err != nil {
		return nil, fmt.Errorf("promote %s: %w", id, err)
	}
	o.audit(ctx, id, "promoted", string(pipeline.StageDiagnose), 0, source)
	if from != saved.State {
		o.emit(pipeline.Event{Kind: pipeline.EventTransition, IssueID: id, Stage: pipeline.StageDiagnose, From: from, To: saved.State, Detail: "promoted from " + source})
	}
	return saved, nil
}

// Delete removes an issue that is not locked.
func (o *Orchestrator) Delete(ctx context.Context, id string) error {
	iss, err := o.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	if iss.Locked() && !o.stale(iss) {
		return fmt.Errorf("delete %s: %w", id, concurrentRun(iss))
	}
	if err := o.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	o.emit(pipeline.Event{Kind: pipeline.EventDeleted, IssueID: id, From: iss.State})
	return nil
}

// --- Helpers ---

const maxCASAttempts = 8

// mutate applies fn to the latest stored copy of id and writes the result
// with compare-and-swap, re-reading on version conflicts.
func (o *Orchestrator) mutate(ctx context.Context, id string, fn func(cur *pipeline.Issue) (*pipeline.Issue, error)) (*pipeline.Issue, error) {
	for i := 0; i < maxCASAttempts; i++ {
		cur, err := o.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		next, err := fn(cur)
		if err != nil {
			return nil, err
		}
		saved, err := o.store.CompareAndSwap(ctx, id, cur.Version, next)
		if errors.Is(err, pipeline.ErrConflict) {
			continue
		}
		return saved, err
	}
	return nil, fmt.Errorf("issue %s: gave up after %d attempts: %w", id, maxCASAttempts, pipeline.ErrConflict)
}

// mutateLocked is mutate for the holder of token. It fails with ErrLockLost
// once the lock has been taken over.
func (o *Orchestrator) mutateLocked(ctx context.Context, id, token string, fn func(next *pipeline.Issue)) (*pipeline.Issue, error) {
	return o.mutate(ctx, id, func(cur *pipeline.Issue) (*pipeline.Issue, error) {
		if cur.LockToken != token {
			return nil, ErrLockLost
		}
		next := cur.Clone()
		if next.StageResults == nil {
			next.StageResults = map[pipeline.Stage]*pipeline.StageResult{}
		}
		if next.AttemptCounts == nil {
			next.AttemptCounts = map[pipeline.Stage]int{}
		}
		if next.StageRuns == nil {
			next.StageRuns = map[pipeline.Stage]int{}
		}
		if next.StageFailures == nil {
			next.StageFailures = map[pipeline.Stage]*pipeline.StageResult{}
		}
		fn(next)
		return next, nil
	})
}

// stale reports whether iss holds a lock older than the configured TTL.
func (o *Orchestrator) stale(iss *pipeline.Issue) bool {
	if !iss.Locked() || o.cfg.LockTTL <= 0 || iss.LockedAt == nil {
		return false
	}
	return o.now().Sub(*iss.LockedAt) > o.cfg.LockTTL
}

func (o *Orchestrator) emit(ev pipeline.Event) {
	if ev.At.IsZero() {
		ev.At = o.now()
	}
	o.mu.RLock()
	obs := o.observers
	o.mu.RUnlock()
	for _, ob := range obs {
		ob.Observe(ev)
	}
}

func (o *Orchestrator) audit(ctx context.Context, issueID, event, stage string, attempt int, detail string) {
	if o.events == nil {
		return
	}
	if err := o.events.LogPipelineEvent(context.WithoutCancel(ctx), issueID, event, stage, attempt, detail); err != nil {
		o.log.Warn("audit log write failed", zap.String("issue_id", issueID), zap.String("event", event), zap.Error(err))
	}
}
