package stage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/lucasnoah/debugfactory/internal/agent"
	"github.com/lucasnoah/debugfactory/internal/github"
	"github.com/lucasnoah/debugfactory/internal/pipeline"
)

// --- Fakes ---

type fakeHost struct {
	got github.PullRequest
	ref *pipeline.PRReference
	err error
}

func (h *fakeHost) CreatePullRequest(ctx context.Context, pr github.PullRequest) (*pipeline.PRReference, error) {
	h.got = pr
	if h.err != nil {
		return nil, h.err
	}
	if h.ref != nil {
		return h.ref, nil
	}
	return &pipeline.PRReference{URL: "https://github.com/acme/api/pull/1", Number: 1, Branch: "fix/issue-001"}, nil
}

type hostErr struct{ fatal bool }

func (e hostErr) Error() string { return fmt.Sprintf("host error (fatal=%v)", e.fatal) }
func (e hostErr) Fatal() bool   { return e.fatal }

type fakeChecker struct {
	findings []pipeline.Finding
	err      error
	calls    int
}

func (c *fakeChecker) Check(ctx context.Context, issueID, repository, diff string) ([]pipeline.Finding, error) {
	c.calls++
	return c.findings, c.err
}

type fakeSource struct {
	out   string
	err   error
	files [][]string
}

func (s *fakeSource) Gather(ctx context.Context, repository string, files []string) (string, error) {
	s.files = append(s.files, files)
	return s.out, s.err
}

// --- Fixtures ---

const diagnosisJSON = `{"summary":"logout dereferences a nil session","root_cause":"Logout calls Clear on a nil session","relevant_files":["internal/auth/session.go"],"suggested_fix_areas":["Logout"],"confidence":0.8}`

const patchResponse = "### Diff:\n```diff\n--- a/internal/auth/session.go\n+++ b/internal/auth/session.go\n@@ -1 +1,3 @@\n-s.Clear()\n+if s != nil {\n+\ts.Clear()\n+}\n```\n\n### Explanation:\nGuard the nil session.\n"

const passReview = `{"verdict":"pass","summary":"fix is minimal and correct","issues":[]}`
const failReview = `{"verdict":"fail","summary":"does not handle expired sessions","issues":["expired sessions still crash"]}`

func newIssue() *pipeline.Issue {
	return &pipeline.Issue{
		ID:            "ISSUE-001",
		Title:         "Crash on logout",
		Description:   "Logging out twice panics.",
		ErrorMessage:  "panic: runtime error: invalid memory address",
		Logs:          "goroutine 1 [running]:",
		RelevantFiles: []string{"internal/auth/session.go"},
		Repository:    "acme/api",
		State:         pipeline.StatePending,
		StageResults:  map[pipeline.Stage]*pipeline.StageResult{},
		AttemptCounts: map[pipeline.Stage]int{},
	}
}

func withResult(t *testing.T, iss *pipeline.Issue, st pipeline.Stage, payload any) *pipeline.Issue {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	iss.StageResults[st] = &pipeline.StageResult{Stage: st, Succeeded: true, Payload: data}
	return iss
}

func diagnosed(t *testing.T) *pipeline.Issue {
	var d pipeline.Diagnosis
	if err := json.Unmarshal([]byte(diagnosisJSON), &d); err != nil {
		t.Fatal(err)
	}
	return withResult(t, newIssue(), pipeline.StageDiagnose, d)
}

func patched(t *testing.T) *pipeline.Issue {
	p, serr := parsePatch(patchResponse, 1)
	if serr != nil {
		t.Fatal(serr)
	}
	return withResult(t, diagnosed(t), pipeline.StagePatch, p)
}

func validated(t *testing.T, verdict string) *pipeline.Issue {
	return withResult(t, patched(t), pipeline.StageQA, pipeline.QAVerdict{Verdict: verdict, Summary: "reviewed", PatchRound: 1})
}

func decode[T any](t *testing.T, res *pipeline.StageResult) T {
	t.Helper()
	var v T
	if err := res.Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func assertKind(t *testing.T, res *pipeline.StageResult, err error, want Kind) {
	t.Helper()
	var se *Error
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *stage.Error", err)
	}
	if se.Kind != want {
		t.Errorf("kind = %s, want %s (%v)", se.Kind, want, se.Err)
	}
	if res == nil || res.Succeeded || res.Error == "" || res.ErrorKind != string(want) {
		t.Errorf("result = %+v", res)
	}
}

// --- Diagnose ---

func TestDiagnose_Success(t *testing.T) {
	gw := agent.NewScripted().On(agent.TaskDiagnose, agent.Reply{Content: "Here you go:\n```json\n" + diagnosisJSON + "\n```"})
	r := NewRunner(gw, nil, nil)

	res, err := r.Run(context.Background(), newIssue(), pipeline.StageDiagnose)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Succeeded || res.Stage != pipeline.StageDiagnose {
		t.Fatalf("res = %+v", res)
	}
	d := decode[pipeline.Diagnosis](t, res)
	if d.RootCause != "Logout calls Clear on a nil session" || d.Confidence != 0.8 {
		t.Errorf("diagnosis = %+v", d)
	}

	call := gw.Calls()[0]
	for _, want := range []string{"ISSUE-001", "invalid memory address", "goroutine 1", "internal/auth/session.go"} {
		if !strings.Contains(call.Prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
	if call.System == "" {
		t.Error("expected a system prompt")
	}
}

func TestDiagnose_Normalizes(t *testing.T) {
	gw := agent.NewScripted().On(agent.TaskDiagnose, agent.Reply{Content: `{"root_cause":"off by one","confidence":7}`})
	res, err := NewRunner(gw, nil, nil).Run(context.Background(), newIssue(), pipeline.StageDiagnose)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	d := decode[pipeline.Diagnosis](t, res)
	if d.Summary != "off by one" || d.Confidence != 1 || len(d.RelevantFiles) != 1 {
		t.Errorf("diagnosis = %+v", d)
	}
}

func TestDiagnose_Failures(t *testing.T) {
	tests := []struct {
		name  string
		reply agent.Reply
		want  Kind
	}{
		{"empty", agent.Reply{Content: "   "}, Fatal},
		{"prose only", agent.Reply{Content: "I could not figure it out."}, Fatal},
		{"broken json", agent.Reply{Content: `{"root_cause": "x",`}, Fatal},
		{"no root cause", agent.Reply{Content: `{"summary":"hm"}`}, Fatal},
		{"unfixable", agent.Reply{Content: `{"unfixable":true,"reason":"report is spam"}`}, Fatal},
		{"timeout", agent.Reply{Err: agent.ErrTimeout}, Retryable},
		{"rate limited", agent.Reply{Err: &agent.ProviderError{Provider: "openai", StatusCode: 429, Retryable: true, Err: errors.New("slow down")}}, Retryable},
		{"unauthorized", agent.Reply{Err: &agent.ProviderError{Provider: "openai", StatusCode: 401, Err: errors.New("bad key")}}, Fatal},
		{"unknown error", agent.Reply{Err: errors.New("connection reset")}, Retryable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := agent.NewScripted().On(agent.TaskDiagnose, tt.reply)
			res, err := NewRunner(gw, nil, nil).Run(context.Background(), newIssue(), pipeline.StageDiagnose)
			assertKind(t, res, err, tt.want)
		})
	}
}

func TestDiagnose_AgentTimeoutIsRetryable(t *testing.T) {
	gw := agent.NewScripted().On(agent.TaskDiagnose, agent.Reply{Hang: true})
	r := NewRunner(gw, nil, nil)
	r.SetTimeout(10 * time.Millisecond)

	res, err := r.Run(context.Background(), newIssue(), pipeline.StageDiagnose)
	assertKind(t, res, err, Retryable)
	if !errors.Is(err, agent.ErrTimeout) {
		t.Errorf("err = %v, want wrapped ErrTimeout", err)
	}
}

// --- Patch ---

func TestPatch_Success(t *testing.T) {
	gw := agent.NewScripted().On(agent.TaskPatch, agent.Reply{Content: patchResponse})
	res, err := NewRunner(gw, nil, nil).Run(context.Background(), diagnosed(t), pipeline.StagePatch)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	p := decode[pipeline.Patch](t, res)
	if !strings.HasPrefix(p.Diff, "--- a/internal/auth/session.go\n") || !strings.HasSuffix(p.Diff, "+}\n") {
		t.Errorf("diff = %q", p.Diff)
	}
	if p.Explanation != "Guard the nil session." || p.Round != 1 {
		t.Errorf("patch = %+v", p)
	}
	if len(p.FilesChanged) != 1 || p.FilesChanged[0] != "internal/auth/session.go" {
		t.Errorf("files = %v", p.FilesChanged)
	}

	prompt := gw.Calls()[0].Prompt
	if !strings.Contains(prompt, "Logout calls Clear on a nil session") {
		t.Error("patch prompt should carry the root cause")
	}
	if strings.Contains(prompt, "goroutine 1") || strings.Contains(prompt, "invalid memory address") {
		t.Error("patch prompt must not re-derive from raw logs")
	}
	if strings.Contains(prompt, "Previous Attempt Rejected") {
		t.Error("first round should carry no QA feedback")
	}
}

func TestSourceContext(t *testing.T) {
	src := &fakeSource{out: "### internal/auth/session.go\nfunc (s *Session) Clear() {}"}
	gw := agent.NewScripted().
		On(agent.TaskDiagnose, agent.Reply{Content: diagnosisJSON}).
		On(agent.TaskPatch, agent.Reply{Content: patchResponse})
	r := NewRunner(gw, nil, nil)
	r.SetSource(src)

	if _, err := r.Run(context.Background(), newIssue(), pipeline.StageDiagnose); err != nil {
		t.Fatalf("diagnose: %v", err)
	}
	if _, err := r.Run(context.Background(), diagnosed(t), pipeline.StagePatch); err != nil {
		t.Fatalf("patch: %v", err)
	}
	for i, call := range gw.Calls() {
		if !strings.Contains(call.Prompt, "func (s *Session) Clear()") {
			t.Errorf("call %d prompt missing source excerpt", i)
		}
	}
	if len(src.files) != 2 || src.files[1][0] != "internal/auth/session.go" {
		t.Errorf("gathered files = %v", src.files)
	}
}

func TestSourceContext_ErrorDoesNotFailStage(t *testing.T) {
	gw := agent.NewScripted().On(agent.TaskDiagnose, agent.Reply{Content: diagnosisJSON})
	r := NewRunner(gw, nil, nil)
	r.SetSource(&fakeSource{err: errors.New("clone missing")})

	res, err := r.Run(context.Background(), newIssue(), pipeline.StageDiagnose)
	if err != nil || !res.Succeeded {
		t.Fatalf("Run = %+v, %v", res, err)
	}
	if strings.Contains(gw.Calls()[0].Prompt, "## Source") {
		t.Error("prompt should omit the source section when gathering fails")
	}
}

func TestPatch_ReentryCarriesFeedback(t *testing.T) {
	iss := withResult(t, patched(t), pipeline.StageQA, pipeline.QAVerdict{
		Verdict: pipeline.VerdictFail, Summary: "expired sessions still crash", PatchRound: 1,
		Findings: []pipeline.Finding{{Check: "review", Severity: "error", Message: "handle expiry"}},
	})
	iss.PatchRounds = 1

	gw := agent.NewScripted().On(agent.TaskPatch, agent.Reply{Content: patchResponse})
	res, err := NewRunner(gw, nil, nil).Run(context.Background(), iss, pipeline.StagePatch)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if p := decode[pipeline.Patch](t, res); p.Round != 2 {
		t.Errorf("round = %d, want 2", p.Round)
	}
	prompt := gw.Calls()[0].Prompt
	for _, want := range []string{"Patch round 2", "expired sessions still crash", "handle expiry", "+if s != nil {"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestPatch_Failures(t *testing.T) {
	tests := []struct {
		name  string
		iss   func(t *testing.T) *pipeline.Issue
		reply string
		want  Kind
	}{
		{"missing diagnosis", func(t *testing.T) *pipeline.Issue { return newIssue() }, patchResponse, Fatal},
		{"unfixable", diagnosed, "UNFIXABLE: the bug is in a vendored binary", Fatal},
		{"no diff", diagnosed, "### Diff:\nI would change the session code.\n", Fatal},
		{"empty", diagnosed, "", Fatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := agent.NewScripted().On(agent.TaskPatch, agent.Reply{Content: tt.reply})
			res, err := NewRunner(gw, nil, nil).Run(context.Background(), tt.iss(t), pipeline.StagePatch)
			assertKind(t, res, err, tt.want)
		})
	}
}

// --- QA ---

func TestQA_Pass(t *testing.T) {
	gw := agent.NewScripted().On(agent.TaskQA, agent.Reply{Content: passReview})
	checker := &fakeChecker{}
	r := NewRunner(gw, nil, nil)
	r.SetChecker(checker)

	res, err := r.Run(context.Background(), patched(t), pipeline.StageQA)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	v := decode[pipeline.QAVerdict](t, res)
	if !v.Passed() || v.PatchRound != 1 || v.Summary != "fix is minimal and correct" {
		t.Errorf("verdict = %+v", v)
	}
	if checker.calls != 1 {
		t.Errorf("checker calls = %d", checker.calls)
	}
	if !strings.Contains(gw.Calls()[0].Prompt, "+if s != nil {") {
		t.Error("review prompt should contain the diff")
	}
}

func TestQA_FailVerdictIsSuccessfulStage(t *testing.T) {
	gw := agent.NewScripted().On(agent.TaskQA, agent.Reply{Content: failReview})
	res, err := NewRunner(gw, nil, nil).Run(context.Background(), patched(t), pipeline.StageQA)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	v := decode[pipeline.QAVerdict](t, res)
	if v.Passed() || len(v.Findings) != 1 || v.Findings[0].Message != "expired sessions still crash" {
		t.Errorf("verdict = %+v", v)
	}
}

func TestQA_StructuralFailureSkipsAgent(t *testing.T) {
	iss := withResult(t, diagnosed(t), pipeline.StagePatch, pipeline.Patch{Diff: "--- a/x.go\n+++ b/x.go\n@@ -1,5 +1,5 @@\n-a\n+b\n", Round: 1})
	gw := agent.NewScripted().On(agent.TaskQA, agent.Reply{Content: passReview})

	res, err := NewRunner(gw, nil, nil).Run(context.Background(), iss, pipeline.StageQA)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if v := decode[pipeline.QAVerdict](t, res); v.Passed() {
		t.Errorf("verdict = %+v", v)
	}
	if gw.CallCount(agent.TaskQA) != 0 {
		t.Error("agent should not review a structurally broken patch")
	}
}

func TestQA_CheckFailureOverridesPass(t *testing.T) {
	gw := agent.NewScripted().On(agent.TaskQA, agent.Reply{Content: passReview})
	r := NewRunner(gw, nil, nil)
	r.SetChecker(&fakeChecker{findings: []pipeline.Finding{{Check: "test", Severity: "error", Message: "TestLogout failed"}}})

	res, err := r.Run(context.Background(), patched(t), pipeline.StageQA)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	v := decode[pipeline.QAVerdict](t, res)
	if v.Passed() || !strings.Contains(v.Summary, "overridden") {
		t.Errorf("verdict = %+v", v)
	}
	if !strings.Contains(gw.Calls()[0].Prompt, "TestLogout failed") {
		t.Error("review prompt should include check findings")
	}
}

func TestQA_Failures(t *testing.T) {
	t.Run("invalid verdict", func(t *testing.T) {
		gw := agent.NewScripted().On(agent.TaskQA, agent.Reply{Content: `{"verdict":"maybe"}`})
		res, err := NewRunner(gw, nil, nil).Run(context.Background(), patched(t), pipeline.StageQA)
		assertKind(t, res, err, Fatal)
	})
	t.Run("checker infrastructure error", func(t *testing.T) {
		r := NewRunner(agent.NewScripted(), nil, nil)
		r.SetChecker(&fakeChecker{err: errors.New("git fetch failed")})
		res, err := r.Run(context.Background(), patched(t), pipeline.StageQA)
		assertKind(t, res, err, Retryable)
	})
	t.Run("missing patch", func(t *testing.T) {
		res, err := NewRunner(agent.NewScripted(), nil, nil).Run(context.Background(), diagnosed(t), pipeline.StageQA)
		assertKind(t, res, err, Fatal)
	})
}

// --- PR ---

func TestPR_Success(t *testing.T) {
	gw := agent.NewScripted().On(agent.TaskPRBody, agent.Reply{Content: "## Summary\nGuards logout."})
	host := &fakeHost{}
	res, err := NewRunner(gw, nil, host).Run(context.Background(), validated(t, pipeline.VerdictPass), pipeline.StagePR)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	ref := decode[pipeline.PRReference](t, res)
	if ref.URL != "https://github.com/acme/api/pull/1" {
		t.Errorf("ref = %+v", ref)
	}
	if host.got.Title != "Fix: Logout calls Clear on a nil session" || host.got.Body != "## Summary\nGuards logout." {
		t.Errorf("pr = %+v", host.got)
	}
	if host.got.Repository != "acme/api" || host.got.IssueID != "ISSUE-001" || host.got.Patch.Diff == "" {
		t.Errorf("pr = %+v", host.got)
	}
}

func TestPR_BodyFallsBackToTemplate(t *testing.T) {
	gw := agent.NewScripted().On(agent.TaskPRBody, agent.Reply{Err: agent.ErrTimeout})
	host := &fakeHost{}
	if _, err := NewRunner(gw, nil, host).Run(context.Background(), validated(t, pipeline.VerdictPass), pipeline.StagePR); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(host.got.Body, "## Root Cause") || !strings.Contains(host.got.Body, "Guard the nil session.") {
		t.Errorf("body = %q", host.got.Body)
	}
}

func TestPR_Failures(t *testing.T) {
	tests := []struct {
		name string
		host VersionControlHost
		iss  func(t *testing.T) *pipeline.Issue
		want Kind
	}{
		{"no host", nil, func(t *testing.T) *pipeline.Issue { return validated(t, pipeline.VerdictPass) }, Fatal},
		{"qa failed", &fakeHost{}, func(t *testing.T) *pipeline.Issue { return validated(t, pipeline.VerdictFail) }, Fatal},
		{"authorization", &fakeHost{err: hostErr{fatal: true}}, func(t *testing.T) *pipeline.Issue { return validated(t, pipeline.VerdictPass) }, Fatal},
		{"network", &fakeHost{err: hostErr{fatal: false}}, func(t *testing.T) *pipeline.Issue { return validated(t, pipeline.VerdictPass) }, Retryable},
		{"no url", &fakeHost{ref: &pipeline.PRReference{}}, func(t *testing.T) *pipeline.Issue { return validated(t, pipeline.VerdictPass) }, Fatal},
		{"no repository", &fakeHost{}, func(t *testing.T) *pipeline.Issue {
			iss := validated(t, pipeline.VerdictPass)
			iss.Repository = ""
			return iss
		}, Fatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := agent.NewScripted().On(agent.TaskPRBody, agent.Reply{Content: "body"})
			res, err := NewRunner(gw, nil, tt.host).Run(context.Background(), tt.iss(t), pipeline.StagePR)
			assertKind(t, res, err, tt.want)
		})
	}
}

// --- Runner ---

func TestRunRecordsSpanAndDuration(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	gw := agent.NewScripted().On(agent.TaskDiagnose, agent.Reply{Content: diagnosisJSON}, agent.Reply{Err: agent.ErrTimeout})

	r := NewRunner(gw, nil, nil)
	r.SetTracer(tp.Tracer("test"))
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	r.SetClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	})

	res, _ := r.Run(context.Background(), newIssue(), pipeline.StageDiagnose)
	if res.Duration != time.Second {
		t.Errorf("duration = %s", res.Duration)
	}
	_, _ = r.Run(context.Background(), newIssue(), pipeline.StageDiagnose)

	spans := rec.Ended()
	if len(spans) != 2 || spans[0].Name() != "stage.diagnose" {
		t.Fatalf("spans = %v", spans)
	}
	var kind string
	for _, a := range spans[1].Attributes() {
		if a.Key == "error.kind" {
			kind = a.Value.AsString()
		}
	}
	if kind != "retryable" {
		t.Errorf("error.kind = %q", kind)
	}
}

func TestUnknownStage(t *testing.T) {
	res, err := NewRunner(agent.NewScripted(), nil, nil).Run(context.Background(), newIssue(), pipeline.Stage("deploy"))
	assertKind(t, res, err, Fatal)
}

// --- Explore / Ask ---

func TestExplore(t *testing.T) {
	gw := agent.NewScripted().On(agent.TaskVoice, agent.Reply{Content: "```json\n" + diagnosisJSON + "\n```"})
	r := NewRunner(gw, nil, nil)
	iss := newIssue()

	d, err := r.Explore(context.Background(), iss, agent.TaskVoice)
	if err != nil {
		t.Fatalf("Explore: %v", err)
	}
	if d.RootCause != "Logout calls Clear on a nil session" {
		t.Errorf("root cause = %q", d.RootCause)
	}
	if iss.Result(pipeline.StageDiagnose) != nil || iss.State != pipeline.StatePending {
		t.Error("Explore must not modify the issue")
	}
	if gw.CallCount(agent.TaskVoice) != 1 || gw.CallCount(agent.TaskDiagnose) != 0 {
		t.Errorf("calls = %+v", gw.Calls())
	}
}

func TestExplore_Unfixable(t *testing.T) {
	gw := agent.NewScripted().On(agent.TaskVoice, agent.Reply{Content: `{"unfixable":true,"reason":"config issue"}`})
	_, err := NewRunner(gw, nil, nil).Explore(context.Background(), newIssue(), agent.TaskVoice)
	if !IsFatal(err) || !strings.Contains(err.Error(), "config issue") {
		t.Errorf("err = %v", err)
	}
}

func TestAsk(t *testing.T) {
	gw := agent.NewScripted().On(agent.TaskVoice, agent.Reply{Content: "  It is waiting for a patch.\n"})
	r := NewRunner(gw, nil, nil)
	iss := withResult(t, newIssue(), pipeline.StageDiagnose, pipeline.Diagnosis{RootCause: "nil session"})

	answer, err := r.Ask(context.Background(), iss, "what is left?", agent.TaskVoice)
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if answer != "It is waiting for a patch." {
		t.Errorf("answer = %q", answer)
	}
	p := gw.Calls()[0].Prompt
	if !strings.Contains(p, "what is left?") || !strings.Contains(p, "Root cause: nil session") || !strings.Contains(p, "Issue ISSUE-001") {
		t.Errorf("prompt = %q", p)
	}

	if _, err := r.Ask(context.Background(), nil, "hello", agent.TaskVoice); err != nil {
		t.Fatalf("Ask without issue: %v", err)
	}
	if strings.Contains(gw.Calls()[1].Prompt, "Issue Context") {
		t.Error("no issue context expected")
	}
}
