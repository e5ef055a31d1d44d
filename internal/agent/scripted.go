package agent

import (
	"context"
	"sync"
)

// Reply is one scripted response or error.
type Reply struct {
	Content string
	Err     error
	// Hang blocks the call until ctx is done.
	Hang bool
}

// Scripted is a Gateway that replays canned replies per task. When a task's
// script is exhausted the last reply repeats. It backs the "static" provider
// used for local runs and tests.
type Scripted struct {
	mu      sync.Mutex
	replies map[string][]Reply
	calls   []Request
	pos     map[string]int
}

// NewScripted creates an empty Scripted gateway.
func NewScripted() *Scripted {
	return &Scripted{replies: make(map[string][]Reply), pos: make(map[string]int)}
}

// On appends replies for a task and returns s for chaining.
func (s *Scripted) On(task string, replies ...Reply) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies[task] = append(s.replies[task], replies...)
	return s
}

// Invoke returns the next reply for req.Task.
func (s *Scripted) Invoke(ctx context.Context, req Request) (*Response, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	script := s.replies[req.Task]
	var r Reply
	if len(script) > 0 {
		i := s.pos[req.Task]
		if i >= len(script) {
			i = len(script) - 1
		} else {
			s.pos[req.Task] = i + 1
		}
		r = script[i]
	}
	s.mu.Unlock()

	if r.Hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if r.Err != nil {
		return nil, r.Err
	}
	return &Response{Content: r.Content, Model: "scripted"}, nil
}

// Calls returns a copy of the requests received so far.
func (s *Scripted) Calls() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.calls...)
}

// CallCount returns how many requests were made for task.
func (s *Scripted) CallCount(task string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Task == task {
			n++
		}
	}
	return n
}
