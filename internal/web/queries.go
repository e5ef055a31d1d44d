package web

import (
	"fmt"
	"net/http"
	"time"

	"github.com/lucasnoah/debugfactory/internal/db"
)

// ActivityRow is one audit log entry as served by the API.
type ActivityRow struct {
	Event     string `json:"event"`
	Stage     string `json:"stage,omitempty"`
	Attempt   int    `json:"attempt,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Timestamp string `json:"timestamp"`
	Ago       string `json:"ago"`
}

func (s *Server) handleIssueEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		notEnabled(w, "event history")
		return
	}
	id := r.PathValue("id")
	if _, err := s.deps.Issues.Status(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	events, err := s.deps.Events.GetPipelineHistory(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, activityRows(events, time.Now()))
}

func activityRows(events []db.PipelineEvent, now time.Time) []ActivityRow {
	rows := make([]ActivityRow, 0, len(events))
	for _, e := range events {
		rows = append(rows, ActivityRow{
			Event:     e.Event,
			Stage:     e.Stage,
			Attempt:   e.Attempt,
			Detail:    e.Detail,
			Timestamp: e.Timestamp,
			Ago:       relTime(e.Timestamp, now),
		})
	}
	return rows
}

// relTime renders a stored timestamp relative to now. Unparseable values
// are returned unchanged.
func relTime(ts string, now time.Time) string {
	formats := []string{
		time.RFC3339,
		"2006-01-02T15:04:05Z",
		"2006-01-02 15:04:05",
	}
	var t time.Time
	for _, f := range formats {
		if parsed, err := time.Parse(f, ts); err == nil {
			t = parsed
			break
		}
	}
	if t.IsZero() {
		return ts
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
