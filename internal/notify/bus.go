// Package notify fans issue updates out to in-process subscribers and,
// optionally, to Redis pub/sub for other processes.
package notify

import (
	"sync"
	"sync/atomic"

	"github.com/lucasnoah/debugfactory/internal/pipeline"
)

const defaultBufferSize = 64

// Subscription receives events for one issue, or for every issue when its
// issue id is empty.
type Subscription struct {
	id      int
	issueID string
	ch      chan pipeline.Event
}

// C returns the channel to receive events on. It is closed by Unsubscribe.
func (s *Subscription) C() <-chan pipeline.Event { return s.ch }

// Bus is an in-process pub/sub for pipeline events. Delivery never blocks
// the publisher: a subscriber whose buffer is full misses the event.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*Subscription
	nextID  int
	dropped atomic.Int64
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*Subscription)}
}

// Subscribe registers for events on issueID. An empty issueID matches all.
func (b *Bus) Subscribe(issueID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{id: b.nextID, issueID: issueID, ch: make(chan pipeline.Event, defaultBufferSize)}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes sub and closes its channel. It is safe to call twice.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish delivers ev to every matching subscriber.
func (b *Bus) Publish(ev pipeline.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.issueID != "" && sub.issueID != ev.IssueID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Observe publishes ev. It satisfies the orchestrator's observer contract.
func (b *Bus) Observe(ev pipeline.Event) { b.Publish(ev) }

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber
// was full.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }
