package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/lucasnoah/debugfactory/internal/pipeline"
)

// handleIssueStream serves a Server-Sent Events stream of one issue's
// updates. It opens with a "status" event holding the current StatusInfo,
// then sends one event per pipeline event, named by its kind. When the
// issue reaches a terminal state or is deleted it sends a "done" event and
// ends.
func (s *Server) handleIssueStream(w http.ResponseWriter, r *http.Request) {
	if s.deps.Bus == nil {
		notEnabled(w, "update streaming")
		return
	}
	id := r.PathValue("id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	// Subscribe before reading status so no update in between is missed.
	sub := s.deps.Bus.Subscribe(id)
	defer s.deps.Bus.Unsubscribe(sub)

	info, err := s.deps.Issues.Status(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering if present
	w.WriteHeader(http.StatusOK)

	send := func(event string, v any) bool {
		data, err := json.Marshal(v)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}
	sendDone := func(reason string) {
		fmt.Fprintf(w, "event: done\ndata: %s\n\n", reason)
		flusher.Flush()
	}

	if !send("status", info) {
		return
	}
	if info.State.Terminal() && !info.Locked {
		sendDone(string(info.State))
		return
	}

	tick := time.NewTicker(s.keepAlive)
	defer tick.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-tick.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-sub.C():
			if !ok {
				sendDone("unsubscribed")
				return
			}
			if !send(string(ev.Kind), ev) {
				return
			}
			switch {
			case ev.Kind == pipeline.EventDeleted:
				sendDone("deleted")
				return
			case ev.Kind == pipeline.EventTransition && ev.To.Terminal():
				sendDone(string(ev.To))
				return
			}
		}
	}
}
