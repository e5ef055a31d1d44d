// Package agent defines the uniform contract for invoking AI agents and the
// provider adapters behind it.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Tasks an agent can be invoked for. Workflow stages use their stage name.
const (
	TaskDiagnose = "diagnose"
	TaskPatch    = "patch"
	TaskQA       = "qa"
	TaskPRBody   = "pr_body"
	TaskTriage   = "triage"
	TaskVoice    = "voice"
)

// Request is one agent invocation.
type Request struct {
	Task      string
	System    string
	Prompt    string
	MaxTokens int
}

// Response is the raw agent output. The caller validates and normalizes it.
type Response struct {
	Content          string
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// Gateway invokes an agent. Implementations honour ctx cancellation when the
// provider supports it.
type Gateway interface {
	Invoke(ctx context.Context, req Request) (*Response, error)
}

// ErrTimeout is returned when an invocation exceeds its deadline.
var ErrTimeout = errors.New("agent timeout")

// ProviderError is a failure reported by an agent provider.
type ProviderError struct {
	Provider   string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// RetryableStatus reports whether an HTTP status from a provider is transient.
func RetryableStatus(code int) bool {
	return code == 408 || code == 429 || code >= 500
}

// IsRetryable reports whether err is worth retrying: timeouts, rate limits,
// server errors and network failures.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTimeout) {
		return true
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// Call invokes g with a bounded timeout. If the provider ignores cancellation
// the call is abandoned at the deadline and its result discarded.
func Call(ctx context.Context, g Gateway, req Request, timeout time.Duration) (*Response, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type result struct {
		resp *Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := g.Invoke(ctx, req)
		done <- result{resp, err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s: %w", req.Task, ErrTimeout)
		}
		return r.resp, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s after %s: %w", req.Task, timeout, ErrTimeout)
		}
		return nil, ctx.Err()
	}
}
