// Package metrics aggregates workflow events into point-in-time snapshots and
// exports them to Prometheus.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/lucasnoah/debugfactory/internal/analytics"
	"github.com/lucasnoah/debugfactory/internal/pipeline"
)

// DefaultWindow is the number of recent durations kept per stage.
const DefaultWindow = 200

// StageStats holds counters and rolling durations for one stage.
type StageStats struct {
	Success   int `json:"success"`
	Retryable int `json:"retryable_failures"`
	Fatal     int `json:"fatal_failures"`
	// Duration is in seconds over the rolling window.
	Duration analytics.Summary `json:"duration_seconds"`
}

// AgentStats counts agent invocations for one task.
type AgentStats struct {
	Calls    int `json:"calls"`
	Failures int `json:"failures"`
}

// Snapshot is an immutable view of the aggregate. Callers must not modify
// its maps.
type Snapshot struct {
	States        map[pipeline.State]int        `json:"states"`
	TotalIssues   int                           `json:"total_issues"`
	InFlightLocks int                           `json:"in_flight_locks"`
	Stages        map[pipeline.Stage]StageStats `json:"stages"`
	TotalRetries  int                           `json:"total_retries"`
	AgentCalls    map[string]AgentStats         `json:"agent_calls"`
	TakenAt       time.Time                     `json:"taken_at"`
}

func (s *Snapshot) clone() *Snapshot {
	c := *s
	c.States = make(map[pipeline.State]int, len(s.States))
	for k, v := range s.States {
		c.States[k] = v
	}
	c.Stages = make(map[pipeline.Stage]StageStats, len(s.Stages))
	for k, v := range s.Stages {
		c.Stages[k] = v
	}
	c.AgentCalls = make(map[string]AgentStats, len(s.AgentCalls))
	for k, v := range s.AgentCalls {
		c.AgentCalls[k] = v
	}
	return &c
}

// Aggregator consumes workflow events. Writers are serialized and publish a
// fresh Snapshot after every update; readers load the latest one without
// taking a lock.
type Aggregator struct {
	mu        sync.Mutex
	cur       atomic.Pointer[Snapshot]
	window    int
	durations map[pipeline.Stage]*ring
	prom      *promMetrics
	now       func() time.Time
}

// NewAggregator creates an Aggregator keeping window durations per stage.
// window <= 0 uses DefaultWindow.
func NewAggregator(window int) *Aggregator {
	if window <= 0 {
		window = DefaultWindow
	}
	a := &Aggregator{
		window:    window,
		durations: make(map[pipeline.Stage]*ring),
		now:       func() time.Time { return time.Now().UTC() },
	}
	a.cur.Store(&Snapshot{
		States:     map[pipeline.State]int{},
		Stages:     map[pipeline.Stage]StageStats{},
		AgentCalls: map[string]AgentStats{},
	})
	return a
}

// SetClock overrides the snapshot timestamp source.
func (a *Aggregator) SetClock(now func() time.Time) { a.now = now }

// Snapshot returns the latest aggregate.
func (a *Aggregator) Snapshot() *Snapshot {
	return a.cur.Load()
}

// Prime replaces the per-state counts with the states of issues, typically
// the full store contents at startup.
func (a *Aggregator) Prime(issues []*pipeline.Issue) {
	a.update(func(s *Snapshot) {
		s.States = make(map[pipeline.State]int)
		for _, iss := range issues {
			s.States[iss.State]++
		}
	})
}

// Observe records ev. It satisfies the orchestrator's observer contract.
func (a *Aggregator) Observe(ev pipeline.Event) { a.Record(ev) }

// Record folds one event into the aggregate.
func (a *Aggregator) Record(ev pipeline.Event) {
	a.update(func(s *Snapshot) {
		switch ev.Kind {
		case pipeline.EventCreated:
			s.States[ev.To]++
		case pipeline.EventTransition:
			if ev.From == ev.To {
				return
			}
			decrement(s.States, ev.From)
			s.States[ev.To]++
		case pipeline.EventDeleted:
			decrement(s.States, ev.From)
		case pipeline.EventRetry:
			s.TotalRetries++
		case pipeline.EventRun:
			if ev.Run != nil {
				a.recordRun(s, *ev.Run)
			}
		}
	})
	if a.prom != nil {
		a.prom.observe(ev)
	}
}

// RecordAgentCall counts one agent invocation for task.
func (a *Aggregator) RecordAgentCall(task string, took time.Duration, err error) {
	a.update(func(s *Snapshot) {
		st := s.AgentCalls[task]
		st.Calls++
		if err != nil {
			st.Failures++
		}
		s.AgentCalls[task] = st
	})
	if a.prom != nil {
		a.prom.observeAgent(task, took, err)
	}
}

// --- Helpers ---

func (a *Aggregator) update(fn func(s *Snapshot)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	next := a.cur.Load().clone()
	fn(next)
	next.TotalIssues, next.InFlightLocks = 0, 0
	for st, n := range next.States {
		next.TotalIssues += n
		if st.Running() {
			next.InFlightLocks += n
		}
	}
	next.TakenAt = a.now()
	a.cur.Store(next)
}

// recordRun runs with a.mu held.
func (a *Aggregator) recordRun(s *Snapshot, run pipeline.WorkflowRun) {
	st := s.Stages[run.Stage]
	switch run.Outcome {
	case pipeline.OutcomeSuccess:
		st.Success++
	case pipeline.OutcomeRetryable:
		st.Retryable++
	case pipeline.OutcomeFatal:
		st.Fatal++
	}
	r, ok := a.durations[run.Stage]
	if !ok {
		r = newRing(a.window)
		a.durations[run.Stage] = r
	}
	r.add(run.Duration().Seconds())
	st.Duration = analytics.Summarize(r.values())
	s.Stages[run.Stage] = st
}

func decrement(m map[pipeline.State]int, st pipeline.State) {
	if st == "" {
		return
	}
	if m[st] <= 1 {
		delete(m, st)
		return
	}
	m[st]--
}

// ring keeps the last len(buf) samples.
type ring struct {
	buf  []float64
	next int
	full bool
}

func newRing(n int) *ring { return &ring{buf: make([]float64, n)} }

func (r *ring) add(v float64) {
	r.buf[r.next] = v
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

func (r *ring) values() []float64 {
	if r.full {
		return r.buf
	}
	return r.buf[:r.next]
}
