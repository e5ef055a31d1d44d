package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/lucasnoah/debugfactory/internal/agent"
	"github.com/lucasnoah/debugfactory/internal/orchestrator"
	"github.com/lucasnoah/debugfactory/internal/pipeline"
	"github.com/lucasnoah/debugfactory/internal/scheduler"
	"github.com/lucasnoah/debugfactory/internal/triage"
	"github.com/lucasnoah/debugfactory/internal/voice"
)

// errorBody is the JSON error response.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// badRequest marks request decoding and validation failures.
type badRequest struct{ msg string }

func (e badRequest) Error() string { return e.msg }

func badRequestf(format string, args ...any) error {
	return badRequest{msg: fmt.Sprintf(format, args...)}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequestf("invalid request body: %v", err)
	}
	return nil
}

// statusFor maps an error to its HTTP status and code.
func statusFor(err error) (int, string) {
	var (
		oie orchestrator.InputError
		tie triage.InputError
		br  badRequest
		pe  *agent.ProviderError
	)
	switch {
	case errors.Is(err, pipeline.ErrNotFound), errors.Is(err, voice.ErrSessionNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, orchestrator.ErrConcurrentRun):
		return http.StatusConflict, "concurrent_run"
	case errors.Is(err, orchestrator.ErrInvalidState):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, pipeline.ErrExists):
		return http.StatusConflict, "exists"
	case errors.Is(err, pipeline.ErrConflict), errors.Is(err, orchestrator.ErrLockLost):
		return http.StatusConflict, "conflict"
	case errors.Is(err, scheduler.ErrCapacityExceeded), errors.Is(err, voice.ErrTooManySessions):
		return http.StatusTooManyRequests, "capacity_exceeded"
	case errors.Is(err, scheduler.ErrClosed):
		return http.StatusServiceUnavailable, "shutting_down"
	case errors.As(err, &oie), errors.As(err, &tie), errors.As(err, &br):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, agent.ErrTimeout):
		return http.StatusGatewayTimeout, "agent_timeout"
	case errors.As(err, &pe):
		if pe.Retryable {
			return http.StatusServiceUnavailable, "agent_unavailable"
		}
		return http.StatusBadGateway, "agent_error"
	}
	return http.StatusInternalServerError, "internal"
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", strconv.Itoa(int(s.retryAfter.Seconds())))
	}
	if status >= 500 {
		s.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Code: code})
}
