package scheduler

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/lucasnoah/debugfactory/internal/agent"
)

// AgentLimiter bounds outstanding agent invocations across every issue and
// voice session, and optionally their start rate.
type AgentLimiter struct {
	sem      *semaphore.Weighted
	rate     *rate.Limiter
	max      int64
	inFlight atomic.Int64
}

// NewAgentLimiter allows maxConcurrent outstanding calls. ratePerSec <= 0
// disables rate limiting.
func NewAgentLimiter(maxConcurrent int, ratePerSec float64, burst int) *AgentLimiter {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	l := &AgentLimiter{sem: semaphore.NewWeighted(int64(maxConcurrent)), max: int64(maxConcurrent)}
	if ratePerSec > 0 {
		if burst < 1 {
			burst = 1
		}
		l.rate = rate.NewLimiter(rate.Limit(ratePerSec), burst)
	}
	return l
}

// Acquire blocks until a slot is free or ctx is done. The returned release
// is idempotent.
func (l *AgentLimiter) Acquire(ctx context.Context) (release func(), err error) {
	if l.rate != nil {
		if err := l.rate.Wait(ctx); err != nil {
			return nil, err
		}
	}
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	l.inFlight.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			l.inFlight.Add(-1)
			l.sem.Release(1)
		})
	}, nil
}

// InFlight returns the number of held slots.
func (l *AgentLimiter) InFlight() int { return int(l.inFlight.Load()) }

// Capacity returns the concurrent call ceiling.
func (l *AgentLimiter) Capacity() int { return int(l.max) }

// Saturated reports whether every slot is held.
func (l *AgentLimiter) Saturated() bool { return l.inFlight.Load() >= l.max }

// Limit wraps g so every invocation holds a limiter slot. The slot is freed
// as soon as the call returns or its context ends, even if the provider
// keeps running.
func Limit(g agent.Gateway, l *AgentLimiter) agent.Gateway {
	return &limitedGateway{next: g, limiter: l}
}

type limitedGateway struct {
	next    agent.Gateway
	limiter *AgentLimiter
}

func (g *limitedGateway) Invoke(ctx context.Context, req agent.Request) (*agent.Response, error) {
	release, err := g.limiter.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	type result struct {
		resp *agent.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := g.next.Invoke(ctx, req)
		done <- result{resp, err}
	}()
	select {
	case r := <-done:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
