package web

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/lucasnoah/debugfactory/internal/triage"
)

// handleTriage ingests a raw report. A new issue is 201; a duplicate of an
// open issue is 200 with duplicate=true.
func (s *Server) handleTriage(w http.ResponseWriter, r *http.Request) {
	if s.deps.Triage == nil {
		notEnabled(w, "triage")
		return
	}
	var report triage.RawReport
	if err := decodeJSON(w, r, &report); err != nil {
		s.writeError(w, r, err)
		return
	}
	if report.Source == "" {
		report.Source = "api"
	}
	res, err := s.deps.Triage.Ingest(r.Context(), report)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	s.log.Info("report ingested", zap.String("issue_id", res.Issue.ID), zap.Bool("duplicate", res.Duplicate))
	writeJSON(w, status, res)
}
