// Package stage executes one workflow stage for one issue: it builds the
// stage input from earlier results, invokes the agent with a bounded
// timeout and normalizes the response into a StageResult. It never writes
// to the issue store.
package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lucasnoah/debugfactory/internal/agent"
	"github.com/lucasnoah/debugfactory/internal/github"
	"github.com/lucasnoah/debugfactory/internal/pipeline"
	"github.com/lucasnoah/debugfactory/internal/prompt"
	"github.com/lucasnoah/debugfactory/internal/qa"
)

// VersionControlHost opens pull requests. Errors that implement
// Fatal() bool are classified accordingly; all others are retried.
type VersionControlHost interface {
	CreatePullRequest(ctx context.Context, pr github.PullRequest) (*pipeline.PRReference, error)
}

// PatchChecker runs repository checks against a candidate diff.
type PatchChecker interface {
	Check(ctx context.Context, issueID, repository, diff string) ([]pipeline.Finding, error)
}

// SourceProvider gathers code excerpts for the files a prompt mentions.
type SourceProvider interface {
	Gather(ctx context.Context, repository string, files []string) (string, error)
}

// DefaultTimeout bounds each agent invocation when none is configured.
const DefaultTimeout = 5 * time.Minute

// Runner executes stages.
type Runner struct {
	agent    agent.Gateway
	prompts  *prompt.Library
	host     VersionControlHost
	checker  PatchChecker
	source   SourceProvider
	timeout  time.Duration
	log      *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
	progress io.Writer
}

// NewRunner creates a stage runner. host may be nil when pull requests are
// not needed; the pr stage then fails fatally.
func NewRunner(gw agent.Gateway, prompts *prompt.Library, host VersionControlHost) *Runner {
	if prompts == nil {
		prompts = prompt.NewLibrary("")
	}
	return &Runner{
		agent:   gw,
		prompts: prompts,
		host:    host,
		timeout: DefaultTimeout,
		log:     zap.NewNop(),
		tracer:  otel.Tracer("github.com/lucasnoah/debugfactory/internal/stage"),
		now:     time.Now,
	}
}

// SetTimeout overrides the per-invocation agent timeout.
func (r *Runner) SetTimeout(d time.Duration) {
	if d > 0 {
		r.timeout = d
	}
}

// SetChecker enables repository checks during QA.
func (r *Runner) SetChecker(c PatchChecker) { r.checker = c }

// SetSource adds source excerpts to diagnose and patch prompts.
func (r *Runner) SetSource(s SourceProvider) { r.source = s }

// SetLogger sets the structured logger.
func (r *Runner) SetLogger(l *zap.Logger) {
	if l != nil {
		r.log = l
	}
}

// SetTracer overrides the tracer (for testing).
func (r *Runner) SetTracer(t trace.Tracer) { r.tracer = t }

// SetClock overrides time.Now (for testing).
func (r *Runner) SetClock(now func() time.Time) { r.now = now }

// SetProgress sets a writer for live progress output (e.g. os.Stderr).
func (r *Runner) SetProgress(w io.Writer) { r.progress = w }

// logf prints a progress line if a progress writer is configured.
func (r *Runner) logf(format string, args ...interface{}) {
	if r.progress != nil {
		fmt.Fprintf(r.progress, "  → "+format+"\n", args...)
	}
}

// Run executes st for iss. The result is always non-nil; on failure err is
// a *Error whose Kind decides whether the orchestrator retries.
func (r *Runner) Run(ctx context.Context, iss *pipeline.Issue, st pipeline.Stage) (*pipeline.StageResult, error) {
	start := r.now()
	ctx, span := r.tracer.Start(ctx, "stage."+string(st), trace.WithAttributes(
		attribute.String("issue.id", iss.ID),
		attribute.String("stage", string(st)),
	))
	defer span.End()

	r.logf("issue %s: running stage %q", iss.ID, st)
	payload, serr := r.run(ctx, iss, st)

	res := &pipeline.StageResult{Stage: st, CompletedAt: r.now()}
	res.Duration = res.CompletedAt.Sub(start)
	log := r.log.With(zap.String("issue_id", iss.ID), zap.String("stage", string(st)), zap.Duration("duration", res.Duration))

	if serr == nil {
		data, err := json.Marshal(payload)
		if err != nil {
			serr = fatal(st, "encode payload: %v", err)
		} else {
			res.Succeeded = true
			res.Payload = data
			span.SetStatus(codes.Ok, "")
			log.Info("stage succeeded")
			r.logf("stage %q succeeded (%s)", st, res.Duration.Round(time.Millisecond))
			return res, nil
		}
	}

	res.Error = serr.Err.Error()
	res.ErrorKind = string(serr.Kind)
	span.RecordError(serr)
	span.SetStatus(codes.Error, serr.Error())
	span.SetAttributes(attribute.String("error.kind", string(serr.Kind)))
	log.Warn("stage failed", zap.String("kind", string(serr.Kind)), zap.Error(serr.Err))
	r.logf("stage %q failed (%s): %v", st, serr.Kind, serr.Err)
	return res, serr
}

func (r *Runner) run(ctx context.Context, iss *pipeline.Issue, st pipeline.Stage) (any, *Error) {
	in, serr := loadInputs(iss, st)
	if serr != nil {
		return nil, serr
	}
	switch st {
	case pipeline.StageDiagnose:
		return r.diagnose(ctx, iss)
	case pipeline.StagePatch:
		return r.patch(ctx, iss, in)
	case pipeline.StageQA:
		return r.validate(ctx, iss, in)
	case pipeline.StagePR:
		return r.pullRequest(ctx, iss, in)
	default:
		return nil, fatal(st, "unknown stage %q", st)
	}
}

// invoke renders tmpl and calls the agent with the runner's timeout.
func (r *Runner) invoke(ctx context.Context, st pipeline.Stage, task, system, tmpl string, vars map[string]string) (string, *Error) {
	rendered, err := r.prompts.Render(tmpl, vars)
	if err != nil {
		return "", fatal(st, "build prompt: %v", err)
	}
	resp, err := agent.Call(ctx, r.agent, agent.Request{Task: task, System: system, Prompt: rendered}, r.timeout)
	if err != nil {
		return "", classify(st, err)
	}
	return resp.Content, nil
}

// withSource sets source_context on vars. A failed lookup only loses the
// excerpts.
func (r *Runner) withSource(ctx context.Context, iss *pipeline.Issue, files []string, vars map[string]string) map[string]string {
	if r.source == nil || len(files) == 0 {
		return vars
	}
	src, err := r.source.Gather(ctx, iss.Repository, files)
	if err != nil {
		r.log.Warn("gather source context", zap.String("issue_id", iss.ID), zap.Error(err))
		return vars
	}
	vars["source_context"] = src
	return vars
}

func (r *Runner) diagnose(ctx context.Context, iss *pipeline.Issue) (any, *Error) {
	vars := r.withSource(ctx, iss, iss.RelevantFiles, diagnoseVars(iss))
	content, serr := r.invoke(ctx, pipeline.StageDiagnose, agent.TaskDiagnose, prompt.DiagnoseSystem, prompt.Diagnose, vars)
	if serr != nil {
		return nil, serr
	}
	return parseDiagnosis(content, iss)
}

// Explore runs a one-off diagnosis of iss on behalf of task without
// touching workflow state. Errors are classified like stage errors.
func (r *Runner) Explore(ctx context.Context, iss *pipeline.Issue, task string) (*pipeline.Diagnosis, error) {
	ctx, span := r.tracer.Start(ctx, "stage.explore", trace.WithAttributes(
		attribute.String("issue.id", iss.ID),
		attribute.String("task", task),
	))
	defer span.End()

	vars := r.withSource(ctx, iss, iss.RelevantFiles, diagnoseVars(iss))
	content, serr := r.invoke(ctx, pipeline.StageDiagnose, task, prompt.DiagnoseSystem, prompt.Diagnose, vars)
	if serr != nil {
		span.RecordError(serr)
		return nil, serr
	}
	d, serr := parseDiagnosis(content, iss)
	if serr != nil {
		span.RecordError(serr)
		return nil, serr
	}
	return d, nil
}

// Ask answers a free-form question about iss. iss may be nil.
func (r *Runner) Ask(ctx context.Context, iss *pipeline.Issue, question, task string) (string, error) {
	vars := map[string]string{"utterance": question}
	if iss != nil {
		vars["issue_context"] = issueContext(iss)
	}
	content, serr := r.invoke(ctx, pipeline.StageDiagnose, task, prompt.VoiceSystem, prompt.Voice, vars)
	if serr != nil {
		return "", serr
	}
	return strings.TrimSpace(content), nil
}

func (r *Runner) patch(ctx context.Context, iss *pipeline.Issue, in *inputs) (any, *Error) {
	vars := r.withSource(ctx, iss, in.diagnosis.RelevantFiles, patchVars(iss, in))
	content, serr := r.invoke(ctx, pipeline.StagePatch, agent.TaskPatch, prompt.PatchSystem, prompt.Patch, vars)
	if serr != nil {
		return nil, serr
	}
	return parsePatch(content, patchRound(iss))
}

// validate runs structural checks, optional repository checks and the
// agent review. A structurally broken patch fails without consulting the
// agent. Error findings always force a fail verdict.
func (r *Runner) validate(ctx context.Context, iss *pipeline.Issue, in *inputs) (any, *Error) {
	verdict := &pipeline.QAVerdict{PatchRound: in.patch.Round}
	findings := qa.Inspect(in.patch.Diff, *in.diagnosis)

	if qa.HasErrors(findings) {
		verdict.Verdict = pipeline.VerdictFail
		verdict.Summary = "patch failed structural validation"
		verdict.Findings = findings
		return verdict, nil
	}

	if r.checker != nil {
		r.logf("running repository checks for %s", iss.ID)
		extra, err := r.checker.Check(ctx, iss.ID, iss.Repository, in.patch.Diff)
		if err != nil {
			return nil, &Error{Stage: pipeline.StageQA, Kind: Retryable, Err: fmt.Errorf("repository checks: %w", err)}
		}
		findings = append(findings, extra...)
	}

	content, serr := r.invoke(ctx, pipeline.StageQA, agent.TaskQA, prompt.QASystem, prompt.QAReview, reviewVars(iss, in, findings))
	if serr != nil {
		return nil, serr
	}
	review, serr := parseReview(content)
	if serr != nil {
		return nil, serr
	}
	severity := qa.SeverityError
	if review.Verdict == pipeline.VerdictPass {
		severity = qa.SeverityWarning
	}
	for _, issue := range review.Issues {
		if strings.TrimSpace(issue) != "" {
			findings = append(findings, pipeline.Finding{Check: "review", Severity: severity, Message: issue})
		}
	}

	verdict.Verdict = review.Verdict
	verdict.Summary = review.Summary
	verdict.Findings = findings
	if verdict.Passed() && qa.HasErrors(findings) {
		verdict.Verdict = pipeline.VerdictFail
		verdict.Summary = strings.TrimSpace(verdict.Summary + " (overridden: repository checks failed)")
	}
	return verdict, nil
}

func (r *Runner) pullRequest(ctx context.Context, iss *pipeline.Issue, in *inputs) (any, *Error) {
	if !in.verdict.Passed() {
		return nil, fatal(pipeline.StagePR, "qa verdict is %q", in.verdict.Verdict)
	}
	if r.host == nil {
		return nil, fatal(pipeline.StagePR, "no version control host configured")
	}
	if strings.TrimSpace(iss.Repository) == "" {
		return nil, fatal(pipeline.StagePR, "issue has no repository")
	}

	vars := prVars(iss, in)
	body, serr := r.invoke(ctx, pipeline.StagePR, agent.TaskPRBody, prompt.PRSystem, prompt.PRBody, vars)
	if serr != nil || strings.TrimSpace(body) == "" {
		if ctx.Err() != nil {
			return nil, classify(pipeline.StagePR, ctx.Err())
		}
		r.log.Info("pr body agent unavailable, using template", zap.String("issue_id", iss.ID))
		var err error
		body, err = r.prompts.Render(prompt.PRBodyStatic, vars)
		if err != nil {
			return nil, fatal(pipeline.StagePR, "render pr body: %v", err)
		}
	}

	ref, err := r.host.CreatePullRequest(ctx, github.PullRequest{
		Repository: iss.Repository,
		IssueID:    iss.ID,
		Title:      prTitle(*in.diagnosis),
		Body:       strings.TrimSpace(body),
		Patch:      *in.patch,
	})
	if err != nil {
		return nil, classify(pipeline.StagePR, err)
	}
	if ref.URL == "" {
		return nil, fatal(pipeline.StagePR, "host returned no pull request URL")
	}
	return ref, nil
}
