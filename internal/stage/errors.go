package stage

import (
	"errors"
	"fmt"

	"github.com/lucasnoah/debugfactory/internal/agent"
	"github.com/lucasnoah/debugfactory/internal/pipeline"
)

// Kind classifies a stage failure.
type Kind string

const (
	// Retryable failures are transient: timeouts, rate limits, network errors.
	Retryable Kind = "retryable"
	// Fatal failures skip retries: unfixable issues, unusable output, invalid input.
	Fatal Kind = "fatal"
)

// Error is a classified stage failure.
type Error struct {
	Stage pipeline.Stage
	Kind  Kind
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Stage, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a retryable stage failure.
func IsRetryable(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == Retryable
}

// IsFatal reports whether err is a fatal stage failure.
func IsFatal(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == Fatal
}

func fatal(st pipeline.Stage, format string, args ...any) *Error {
	return &Error{Stage: st, Kind: Fatal, Err: fmt.Errorf(format, args...)}
}

// fataler is implemented by collaborator errors that know whether they are
// permanent, such as version control host failures.
type fataler interface {
	Fatal() bool
}

// classify maps a collaborator error onto a stage failure. Anything not
// known to be permanent is retried.
func classify(st pipeline.Stage, err error) *Error {
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	var f fataler
	if errors.As(err, &f) {
		if f.Fatal() {
			return &Error{Stage: st, Kind: Fatal, Err: err}
		}
		return &Error{Stage: st, Kind: Retryable, Err: err}
	}
	var pe *agent.ProviderError
	if errors.As(err, &pe) && !pe.Retryable {
		return &Error{Stage: st, Kind: Fatal, Err: err}
	}
	return &Error{Stage: st, Kind: Retryable, Err: err}
}
