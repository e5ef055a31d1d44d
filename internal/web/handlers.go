package web

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lucasnoah/debugfactory/internal/analytics"
	"github.com/lucasnoah/debugfactory/internal/orchestrator"
	"github.com/lucasnoah/debugfactory/internal/pipeline"
)

// defaultAnalyticsWindow applies when /api/analytics has no since param.
const defaultAnalyticsWindow = 7 * 24 * time.Hour

// ---- issues ----

func (s *Server) handleListIssues(w http.ResponseWriter, r *http.Request) {
	opts := pipeline.ListOpts{Repository: r.URL.Query().Get("repository")}
	if raw := r.URL.Query().Get("state"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st := pipeline.State(strings.TrimSpace(part))
			if !st.Valid() {
				s.writeError(w, r, badRequestf("unknown state %q", part))
				return
			}
			opts.States = append(opts.States, st)
		}
	}
	infos, err := s.deps.Issues.StatusAll(r.Context(), opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if infos == nil {
		infos = []orchestrator.StatusInfo{}
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleCreateIssue(w http.ResponseWriter, r *http.Request) {
	var opts orchestrator.SeedOpts
	if err := decodeJSON(w, r, &opts); err != nil {
		s.writeError(w, r, err)
		return
	}
	iss, err := s.deps.Issues.Seed(r.Context(), opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.Info("issue seeded", zap.String("issue_id", iss.ID))
	writeJSON(w, http.StatusCreated, iss)
}

func (s *Server) handleIssueStatus(w http.ResponseWriter, r *http.Request) {
	info, err := s.deps.Issues.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleDeleteIssue(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Issues.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleIssueRuns(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.deps.Issues.Status(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	runs, err := s.deps.Issues.Runs(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if runs == nil {
		runs = []pipeline.WorkflowRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	issues, err := s.deps.Issues.Inbox(r.Context())
	s.writeIssues(w, r, issues, err)
}

func (s *Server) handleAttention(w http.ResponseWriter, r *http.Request) {
	issues, err := s.deps.Issues.Attention(r.Context())
	s.writeIssues(w, r, issues, err)
}

func (s *Server) writeIssues(w http.ResponseWriter, r *http.Request, issues []*pipeline.Issue, err error) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if issues == nil {
		issues = []*pipeline.Issue{}
	}
	writeJSON(w, http.StatusOK, issues)
}

// ---- workflow actions ----

type queuedResponse struct {
	IssueID string `json:"issue_id"`
	Queued  bool   `json:"queued"`
}

// handleAdvance queues the issue's next stage. With ?wait=true it blocks
// until that advance finishes and returns its result.
func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.deps.Issues.Status(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	f, err := s.deps.Scheduler.TrySubmit(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	if !wait {
		writeJSON(w, http.StatusAccepted, queuedResponse{IssueID: id, Queued: true})
		return
	}
	res, err := f.Wait(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type retriageRequest struct {
	Force  bool                   `json:"force"`
	Reason string                 `json:"reason"`
	Fields *orchestrator.SeedOpts `json:"fields,omitempty"`
}

func (s *Server) handleRetriage(w http.ResponseWriter, r *http.Request) {
	var req retriageRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	iss, err := s.deps.Issues.Retriage(r.Context(), r.PathValue("id"), orchestrator.RetriageOpts{
		Force:  req.Force,
		Reason: req.Reason,
		Fields: req.Fields,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, iss)
}

type promoteRequest struct {
	Diagnosis pipeline.Diagnosis `json:"diagnosis"`
	Source    string             `json:"source"`
}

func (s *Server) handlePromote(w http.ResponseWriter, r *http.Request) {
	var req promoteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Diagnosis.RootCause) == "" {
		s.writeError(w, r, badRequestf("diagnosis.root_cause is required"))
		return
	}
	source := req.Source
	if source == "" {
		source = "api"
	}
	iss, err := s.deps.Issues.Promote(r.Context(), r.PathValue("id"), req.Diagnosis, source)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, iss)
}

// ---- metrics ----

func (s *Server) handleSchedulerStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Scheduler.Stats())
}

func (s *Server) handleMetricsSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.deps.Metrics == nil {
		notEnabled(w, "metrics")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Metrics.Snapshot())
}

// handleAnalytics reports historical stage statistics. since is a Go
// duration ("24h") or "all".
func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		notEnabled(w, "analytics")
		return
	}
	since := time.Now().Add(-defaultAnalyticsWindow)
	switch raw := r.URL.Query().Get("since"); raw {
	case "":
	case "all":
		since = time.Time{}
	default:
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			s.writeError(w, r, badRequestf("invalid since %q", raw))
			return
		}
		since = time.Now().Add(-d)
	}
	report, err := analytics.Query(r.Context(), s.deps.History, since)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func notEnabled(w http.ResponseWriter, what string) {
	writeJSON(w, http.StatusNotImplemented, errorBody{Error: what + " is not enabled", Code: "not_enabled"})
}
