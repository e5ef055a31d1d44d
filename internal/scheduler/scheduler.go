// Package scheduler admits advance requests for issues, bounding how many
// issues are processed at once and serving them in submission order.
package scheduler

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/lucasnoah/debugfactory/internal/orchestrator"
)

var (
	// ErrCapacityExceeded is returned when a submission cannot be admitted.
	// The caller should resubmit later.
	ErrCapacityExceeded = errors.New("scheduler capacity exceeded")
	// ErrClosed is returned for submissions after Close and for queued
	// requests dropped by Close.
	ErrClosed = errors.New("scheduler closed")
)

// Advancer moves one issue forward by one stage.
type Advancer interface {
	Advance(ctx context.Context, id string) (*orchestrator.AdvanceResult, error)
}

// LockChecker is implemented by advancers that can tell whether an issue is
// already held by a run the scheduler did not start.
type LockChecker interface {
	CheckAvailable(ctx context.Context, id string) error
}

// Config holds scheduler limits.
type Config struct {
	MaxConcurrentIssues int
	// QueueSize bounds waiting submissions. Zero means unbounded.
	QueueSize int
	// AutoContinue requeues an issue after each successful non-terminal
	// advance until it reaches a terminal state.
	AutoContinue bool
}

// Completion reports the outcome of one advance.
type Completion struct {
	IssueID string
	Result  *orchestrator.AdvanceResult
	Err     error
}

// Future resolves when a submission finishes. With AutoContinue it resolves
// at the last advance of the chain.
type Future struct {
	id     string
	done   chan struct{}
	result *orchestrator.AdvanceResult
	err    error
}

// IssueID returns the submitted issue.
func (f *Future) IssueID() string { return f.id }

// Done is closed when the submission finishes.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the submission finishes or ctx is done.
func (f *Future) Wait(ctx context.Context) (*orchestrator.AdvanceResult, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *Future) resolve(res *orchestrator.AdvanceResult, err error) {
	f.result, f.err = res, err
	close(f.done)
}

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	Queued   int `json:"queued"`
	Running  int `json:"running"`
	Capacity int `json:"capacity"`
}

// Scheduler runs advances with bounded concurrency. Submit never blocks.
type Scheduler struct {
	adv     Advancer
	cfg     Config
	slots   *semaphore.Weighted
	limiter *AgentLimiter
	log     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	queue      *list.List // of *Future, FIFO
	active     map[string]*Future
	running    int
	closed     bool
	wg         sync.WaitGroup
	onComplete []func(Completion)
}

// New creates a Scheduler. limiter may be nil; it is only consulted by
// TrySubmit.
func New(adv Advancer, cfg Config, limiter *AgentLimiter, log *zap.Logger) *Scheduler {
	if cfg.MaxConcurrentIssues < 1 {
		cfg.MaxConcurrentIssues = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		adv:     adv,
		cfg:     cfg,
		slots:   semaphore.NewWeighted(int64(cfg.MaxConcurrentIssues)),
		limiter: limiter,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		queue:   list.New(),
		active:  make(map[string]*Future),
	}
}

// OnComplete registers fn to be called after every advance. fn runs on the
// worker goroutine and must not block.
func (s *Scheduler) OnComplete(fn func(Completion)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onComplete = append(s.onComplete, fn)
}

// Submit enqueues an advance for id. A submission for an issue that is
// already queued or running here returns the existing Future; one locked by
// a run started elsewhere is rejected with that run's error.
func (s *Scheduler) Submit(id string) (*Future, error) {
	if f, err := s.admissible(id); f != nil || err != nil {
		return f, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if f, ok := s.active[id]; ok {
		return f, nil
	}
	if s.cfg.QueueSize > 0 && s.queue.Len() >= s.cfg.QueueSize {
		return nil, fmt.Errorf("queue full (%d waiting): %w", s.queue.Len(), ErrCapacityExceeded)
	}
	f := &Future{id: id, done: make(chan struct{})}
	s.active[id] = f
	s.queue.PushBack(f)
	s.dispatchLocked()
	return f, nil
}

// TrySubmit admits id only if it can start immediately: an issue slot and
// an agent slot are both free.
func (s *Scheduler) TrySubmit(id string) (*Future, error) {
	if f, err := s.admissible(id); f != nil || err != nil {
		return f, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if f, ok := s.active[id]; ok {
		return f, nil
	}
	if s.queue.Len() > 0 || (s.limiter != nil && s.limiter.Saturated()) || !s.slots.TryAcquire(1) {
		return nil, ErrCapacityExceeded
	}
	f := &Future{id: id, done: make(chan struct{})}
	s.active[id] = f
	s.startLocked(f)
	return f, nil
}

// Stats returns queue and slot usage.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Queued: s.queue.Len(), Running: s.running, Capacity: s.cfg.MaxConcurrentIssues}
}

// Close stops admission, fails queued submissions with ErrClosed and waits
// for running advances. If ctx ends first, running advances are cancelled
// and Close still waits for them to return.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var dropped []*Future
	for e := s.queue.Front(); e != nil; e = e.Next() {
		f := e.Value.(*Future)
		delete(s.active, f.id)
		dropped = append(dropped, f)
	}
	s.queue.Init()
	s.mu.Unlock()

	for _, f := range dropped {
		f.resolve(nil, ErrClosed)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}

// --- Helpers ---

// admissible returns the existing Future for id, or the error from the
// advancer's lock check. The check runs without s.mu held; a lock taken
// after it is still rejected by Advance itself.
func (s *Scheduler) admissible(id string) (*Future, error) {
	s.mu.Lock()
	f, ok := s.active[id]
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if ok {
		return f, nil
	}
	lc, ok := s.adv.(LockChecker)
	if !ok {
		return nil, nil
	}
	if err := lc.CheckAvailable(s.ctx, id); err != nil {
		return nil, fmt.Errorf("submit %s: %w", id, err)
	}
	return nil, nil
}

// dispatchLocked starts queued submissions in order while slots are free.
func (s *Scheduler) dispatchLocked() {
	for s.queue.Len() > 0 && !s.closed {
		if !s.slots.TryAcquire(1) {
			return
		}
		f := s.queue.Remove(s.queue.Front()).(*Future)
		s.startLocked(f)
	}
}

// startLocked runs f on a held slot.
func (s *Scheduler) startLocked(f *Future) {
	s.running++
	s.wg.Add(1)
	go s.work(f)
}

func (s *Scheduler) work(f *Future) {
	defer s.wg.Done()
	res, err := s.adv.Advance(s.ctx, f.id)
	log := s.log.With(zap.String("issue_id", f.id))
	if err != nil {
		log.Warn("advance failed", zap.Error(err))
	} else {
		log.Debug("advance finished", zap.String("action", res.Action), zap.String("state", string(res.State)))
	}

	s.mu.Lock()
	callbacks := s.onComplete
	s.mu.Unlock()
	for _, fn := range callbacks {
		fn(Completion{IssueID: f.id, Result: res, Err: err})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.running--
	s.slots.Release(1)
	if err == nil && s.cfg.AutoContinue && !s.closed && res.Action == orchestrator.ActionAdvanced && !res.State.Terminal() {
		s.queue.PushBack(f)
	} else {
		delete(s.active, f.id)
		f.resolve(res, err)
	}
	s.dispatchLocked()
}
