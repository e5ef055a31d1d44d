// Package triage turns raw bug reports into structured issues. An agent
// extracts the issue fields; exact duplicates of an open issue are
// returned instead of creating a new one.
package triage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lucasnoah/debugfactory/internal/agent"
	"github.com/lucasnoah/debugfactory/internal/orchestrator"
	"github.com/lucasnoah/debugfactory/internal/pipeline"
	"github.com/lucasnoah/debugfactory/internal/prompt"
	"github.com/lucasnoah/debugfactory/internal/stage"
)

// maxTitleLen bounds derived titles.
const maxTitleLen = 80

// RawReport is an unstructured bug report: a crash message, log excerpt or
// monitoring alert.
type RawReport struct {
	Text       string `json:"text"`
	Repository string `json:"repository"`
	// Source names where the report came from, e.g. "api" or "cli".
	Source string `json:"source,omitempty"`
	// Logs are attached verbatim when the agent extracts none.
	Logs string `json:"logs,omitempty"`
}

// Result is the outcome of an ingest.
type Result struct {
	Issue *pipeline.Issue `json:"issue"`
	// Duplicate is true when Issue is an existing open issue.
	Duplicate bool `json:"duplicate"`
	// Structured is false when the agent output could not be parsed and
	// the raw text was used instead.
	Structured bool `json:"structured"`
}

// Seeder creates pending issues.
type Seeder interface {
	Seed(ctx context.Context, opts orchestrator.SeedOpts) (*pipeline.Issue, error)
}

// Lister lists stored issues for duplicate detection.
type Lister interface {
	List(ctx context.Context, opts pipeline.ListOpts) ([]*pipeline.Issue, error)
}

// InputError reports an unusable report.
type InputError struct {
	Field   string
	Message string
}

func (e InputError) Error() string { return e.Field + " " + e.Message }

// Ingester structures and seeds reports.
type Ingester struct {
	agent    agent.Gateway
	prompts  *prompt.Library
	seeder   Seeder
	issues   Lister
	timeout  time.Duration
	log      *zap.Logger
	tracer   trace.Tracer
	progress io.Writer
}

// NewIngester creates an Ingester. prompts may be nil for the builtin
// templates.
func NewIngester(gw agent.Gateway, prompts *prompt.Library, seeder Seeder, issues Lister) *Ingester {
	if prompts == nil {
		prompts = prompt.NewLibrary("")
	}
	return &Ingester{
		agent:   gw,
		prompts: prompts,
		seeder:  seeder,
		issues:  issues,
		timeout: stage.DefaultTimeout,
		log:     zap.NewNop(),
		tracer:  otel.Tracer("github.com/lucasnoah/debugfactory/internal/triage"),
	}
}

// SetTimeout overrides the agent timeout.
func (in *Ingester) SetTimeout(d time.Duration) {
	if d > 0 {
		in.timeout = d
	}
}

// SetLogger sets the structured logger.
func (in *Ingester) SetLogger(l *zap.Logger) {
	if l != nil {
		in.log = l
	}
}

// SetTracer overrides the tracer (for testing).
func (in *Ingester) SetTracer(t trace.Tracer) { in.tracer = t }

// SetProgress sets a writer for live progress output.
func (in *Ingester) SetProgress(w io.Writer) { in.progress = w }

func (in *Ingester) logf(format string, args ...interface{}) {
	if in.progress != nil {
		fmt.Fprintf(in.progress, "  → "+format+"\n", args...)
	}
}

// Ingest structures r with the agent and seeds it, unless an open issue in
// the same repository already has the same title and error message. Agent
// failures are returned; unparsable agent output is not.
func (in *Ingester) Ingest(ctx context.Context, r RawReport) (*Result, error) {
	text := strings.TrimSpace(r.Text)
	if text == "" {
		return nil, fmt.Errorf("ingest report: %w", InputError{Field: "text", Message: "is required"})
	}
	ctx, span := in.tracer.Start(ctx, "triage.ingest", trace.WithAttributes(
		attribute.String("repository", r.Repository),
		attribute.String("source", r.Source),
	))
	defer span.End()

	in.logf("triaging report (%d bytes)", len(text))
	rendered, err := in.prompts.Render(prompt.Triage, map[string]string{
		"report":     text,
		"repository": r.Repository,
	})
	if err != nil {
		return nil, fmt.Errorf("build triage prompt: %w", err)
	}
	resp, err := agent.Call(ctx, in.agent, agent.Request{
		Task:   agent.TaskTriage,
		System: prompt.TriageSystem,
		Prompt: rendered,
	}, in.timeout)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("triage agent: %w", err)
	}

	opts, structured := parseReport(resp.Content, text)
	opts.Repository = r.Repository
	if opts.Logs == "" {
		opts.Logs = r.Logs
	}
	span.SetAttributes(attribute.Bool("structured", structured))
	if !structured {
		in.log.Warn("triage output not structured; using raw report", zap.String("source", r.Source))
		in.logf("agent output was not structured; using raw report")
	}

	dup, err := in.findDuplicate(ctx, opts)
	if err != nil {
		return nil, err
	}
	if dup != nil {
		in.log.Info("duplicate report", zap.String("issue_id", dup.ID), zap.String("source", r.Source))
		in.logf("duplicate of %s", dup.ID)
		span.SetAttributes(attribute.String("issue.id", dup.ID), attribute.Bool("duplicate", true))
		return &Result{Issue: dup, Duplicate: true, Structured: structured}, nil
	}

	iss, err := in.seeder.Seed(ctx, opts)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.String("issue.id", iss.ID))
	in.log.Info("report triaged", zap.String("issue_id", iss.ID), zap.String("source", r.Source), zap.Bool("structured", structured))
	in.logf("created %s: %s", iss.ID, iss.Title)
	return &Result{Issue: iss, Structured: structured}, nil
}

// findDuplicate returns an open issue in the same repository with the same
// title and error message, or nil.
func (in *Ingester) findDuplicate(ctx context.Context, opts orchestrator.SeedOpts) (*pipeline.Issue, error) {
	if in.issues == nil {
		return nil, nil
	}
	all, err := in.issues.List(ctx, pipeline.ListOpts{Repository: opts.Repository})
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}
	title := normalize(opts.Title)
	errMsg := normalize(opts.ErrorMessage)
	for _, iss := range all {
		if iss.State.Terminal() {
			continue
		}
		if normalize(iss.Title) == title && normalize(iss.ErrorMessage) == errMsg {
			return iss, nil
		}
	}
	return nil, nil
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

type triageResponse struct {
	Title         string   `json:"title"`
	Description   string   `json:"description"`
	ErrorMessage  string   `json:"error_message"`
	Logs          string   `json:"logs"`
	RelevantFiles []string `json:"relevant_files"`
}

// parseReport decodes the agent's JSON. When the output has no usable
// JSON or no title, the raw report becomes the description and the title
// is its first line.
func parseReport(content, raw string) (orchestrator.SeedOpts, bool) {
	if js, ok := stage.ExtractJSON(content); ok {
		var tr triageResponse
		if err := json.Unmarshal([]byte(js), &tr); err == nil && strings.TrimSpace(tr.Title) != "" {
			desc := strings.TrimSpace(tr.Description)
			if desc == "" {
				desc = raw
			}
			return orchestrator.SeedOpts{
				Title:         truncate(strings.TrimSpace(tr.Title), maxTitleLen),
				Description:   desc,
				ErrorMessage:  strings.TrimSpace(tr.ErrorMessage),
				Logs:          strings.TrimSpace(tr.Logs),
				RelevantFiles: tr.RelevantFiles,
			}, true
		}
	}
	return orchestrator.SeedOpts{
		Title:       deriveTitle(raw),
		Description: raw,
	}, false
}

func deriveTitle(raw string) string {
	line := raw
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	if line == "" {
		line = "Untriaged report"
	}
	return truncate(line, maxTitleLen)
}

// truncate cuts s to at most n runes, ending in "..." when cut.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-3]) + "..."
}
