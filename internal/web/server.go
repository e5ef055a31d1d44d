// Package web serves the JSON API, per-issue update streams, the voice
// WebSocket and the Prometheus scrape endpoint.
package web

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lucasnoah/debugfactory/internal/db"
	"github.com/lucasnoah/debugfactory/internal/metrics"
	"github.com/lucasnoah/debugfactory/internal/notify"
	"github.com/lucasnoah/debugfactory/internal/orchestrator"
	"github.com/lucasnoah/debugfactory/internal/pipeline"
	"github.com/lucasnoah/debugfactory/internal/scheduler"
	"github.com/lucasnoah/debugfactory/internal/triage"
	"github.com/lucasnoah/debugfactory/internal/voice"
)

// Issues is the orchestrator surface the API exposes.
type Issues interface {
	Seed(ctx context.Context, opts orchestrator.SeedOpts) (*pipeline.Issue, error)
	Status(ctx context.Context, id string) (*orchestrator.StatusInfo, error)
	StatusAll(ctx context.Context, opts pipeline.ListOpts) ([]orchestrator.StatusInfo, error)
	Inbox(ctx context.Context) ([]*pipeline.Issue, error)
	Attention(ctx context.Context) ([]*pipeline.Issue, error)
	Runs(ctx context.Context, id string) ([]pipeline.WorkflowRun, error)
	Retriage(ctx context.Context, id string, opts orchestrator.RetriageOpts) (*pipeline.Issue, error)
	Promote(ctx context.Context, id string, d pipeline.Diagnosis, source string) (*pipeline.Issue, error)
	Delete(ctx context.Context, id string) error
}

// Submitter queues advances without blocking.
type Submitter interface {
	TrySubmit(id string) (*scheduler.Future, error)
	Stats() scheduler.Stats
}

// Ingester structures raw reports into issues.
type Ingester interface {
	Ingest(ctx context.Context, r triage.RawReport) (*triage.Result, error)
}

// EventHistory reads the audit log of an issue.
type EventHistory interface {
	GetPipelineHistory(ctx context.Context, issueID string) ([]db.PipelineEvent, error)
}

// Deps are the components behind the API. Issues and Scheduler are
// required; a nil optional dependency disables its routes with 501.
type Deps struct {
	Issues    Issues
	Scheduler Submitter
	Triage    Ingester
	Bus       *notify.Bus
	Voice     *voice.Manager
	Metrics   *metrics.Aggregator
	Gatherer  prometheus.Gatherer
	History   pipeline.RunHistory
	Events    EventHistory
}

// Server is the HTTP API server.
type Server struct {
	deps   Deps
	mux    *http.ServeMux
	log    *zap.Logger
	tracer trace.Tracer

	// keepAlive is the SSE comment interval.
	keepAlive  time.Duration
	retryAfter time.Duration
}

// NewServer creates a Server and registers its routes.
func NewServer(deps Deps, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		deps:       deps,
		mux:        http.NewServeMux(),
		log:        log,
		tracer:     otel.Tracer("github.com/lucasnoah/debugfactory/internal/web"),
		keepAlive:  15 * time.Second,
		retryAfter: 5 * time.Second,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)

	s.mux.HandleFunc("GET /api/issues", s.handleListIssues)
	s.mux.HandleFunc("POST /api/issues", s.handleCreateIssue)
	s.mux.HandleFunc("GET /api/issues/{id}", s.handleIssueStatus)
	s.mux.HandleFunc("DELETE /api/issues/{id}", s.handleDeleteIssue)
	s.mux.HandleFunc("GET /api/issues/{id}/runs", s.handleIssueRuns)
	s.mux.HandleFunc("GET /api/issues/{id}/events", s.handleIssueEvents)
	s.mux.HandleFunc("GET /api/issues/{id}/stream", s.handleIssueStream)
	s.mux.HandleFunc("POST /api/issues/{id}/advance", s.handleAdvance)
	s.mux.HandleFunc("POST /api/issues/{id}/retriage", s.handleRetriage)
	s.mux.HandleFunc("POST /api/issues/{id}/promote", s.handlePromote)
	s.mux.HandleFunc("GET /api/inbox", s.handleInbox)
	s.mux.HandleFunc("GET /api/attention", s.handleAttention)
	s.mux.HandleFunc("POST /api/triage", s.handleTriage)

	s.mux.HandleFunc("GET /api/scheduler", s.handleSchedulerStats)
	s.mux.HandleFunc("GET /api/metrics", s.handleMetricsSnapshot)
	s.mux.HandleFunc("GET /api/analytics", s.handleAnalytics)
	if s.deps.Gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}

	s.mux.HandleFunc("GET /voice/ping", s.handleVoicePing)
	s.mux.HandleFunc("GET /voice/ws", s.handleVoiceWS)
	s.mux.HandleFunc("GET /api/voice/sessions", s.handleVoiceSessions)
	s.mux.HandleFunc("GET /api/voice/sessions/{id}", s.handleVoiceSession)
}

// Handler returns the root handler with tracing and request logging.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, pattern := s.mux.Handler(r)
		if pattern == "" {
			pattern = "unmatched"
		}
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := s.tracer.Start(ctx, pattern, trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attribute.String("http.method", r.Method), attribute.String("http.target", r.URL.Path)))
		defer span.End()

		start := time.Now()
		s.mux.ServeHTTP(w, r.WithContext(ctx))
		s.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("pattern", pattern),
			zap.Duration("duration", time.Since(start)))
	})
}

// Start serves on addr until ctx is cancelled, then shuts down within
// shutdownTimeout. Request contexts are cancelled on shutdown so streams
// end promptly.
func (s *Server) Start(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	g, gctx := errgroup.WithContext(ctx)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return gctx },
	}
	g.Go(func() error {
		s.log.Info("web server listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
