package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lucasnoah/debugfactory/internal/pipeline"
)

// DefaultChannelPrefix is prepended to the issue id to form the Redis
// channel for that issue's updates.
const DefaultChannelPrefix = "debugfactory:issue_updates:"

// Redis publishes pipeline events on per-issue Redis channels. Observe only
// enqueues; a background goroutine performs the PUBLISH calls so the
// orchestrator never waits on the network.
type Redis struct {
	client *redis.Client
	prefix string
	log    *zap.Logger

	mu      sync.RWMutex
	closed  bool
	queue   chan pipeline.Event
	dropped atomic.Int64
	done    chan struct{}
}

// NewRedis creates a publisher on client. prefix "" uses DefaultChannelPrefix.
func NewRedis(client *redis.Client, prefix string, log *zap.Logger) *Redis {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	if log == nil {
		log = zap.NewNop()
	}
	r := &Redis{
		client: client,
		prefix: prefix,
		log:    log,
		queue:  make(chan pipeline.Event, 256),
		done:   make(chan struct{}),
	}
	go r.loop()
	return r
}

// Dial parses a redis:// URL and returns a publisher after checking the
// server answers PING.
func Dial(ctx context.Context, url, prefix string, log *zap.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedis(client, prefix, log), nil
}

// Channel returns the Redis channel for issueID.
func (r *Redis) Channel(issueID string) string { return r.prefix + issueID }

// Observe queues ev for publishing, dropping it if the queue is full.
func (r *Redis) Observe(ev pipeline.Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.dropped.Add(1)
		return
	}
	select {
	case r.queue <- ev:
	default:
		r.dropped.Add(1)
	}
}

// Publish sends ev synchronously.
func (r *Redis) Publish(ctx context.Context, ev pipeline.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := r.client.Publish(ctx, r.Channel(ev.IssueID), data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", r.Channel(ev.IssueID), err)
	}
	return nil
}

// Watch subscribes to issueID's channel. Events are delivered on the returned
// channel until ctx is done; the channel is then closed.
func (r *Redis) Watch(ctx context.Context, issueID string) (<-chan pipeline.Event, error) {
	ps := r.client.Subscribe(ctx, r.Channel(issueID))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", r.Channel(issueID), err)
	}
	out := make(chan pipeline.Event, defaultBufferSize)
	go func() {
		defer close(out)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev pipeline.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					r.log.Warn("discarding malformed update", zap.String("channel", msg.Channel), zap.Error(err))
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Dropped returns how many events were discarded because the publish queue
// was full.
func (r *Redis) Dropped() int64 { return r.dropped.Load() }

// Close flushes queued events and closes the client.
func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	<-r.done
	return r.client.Close()
}

func (r *Redis) loop() {
	defer close(r.done)
	for ev := range r.queue {
		if err := r.Publish(context.Background(), ev); err != nil {
			r.log.Warn("publish update failed", zap.String("issue_id", ev.IssueID), zap.Error(err))
		}
	}
}
