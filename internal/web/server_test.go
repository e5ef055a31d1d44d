package web

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lucasnoah/debugfactory/internal/agent"
	"github.com/lucasnoah/debugfactory/internal/analytics"
	"github.com/lucasnoah/debugfactory/internal/db"
	"github.com/lucasnoah/debugfactory/internal/github"
	"github.com/lucasnoah/debugfactory/internal/metrics"
	"github.com/lucasnoah/debugfactory/internal/notify"
	"github.com/lucasnoah/debugfactory/internal/orchestrator"
	"github.com/lucasnoah/debugfactory/internal/pipeline"
	"github.com/lucasnoah/debugfactory/internal/scheduler"
	"github.com/lucasnoah/debugfactory/internal/stage"
	"github.com/lucasnoah/debugfactory/internal/triage"
	"github.com/lucasnoah/debugfactory/internal/voice"
)

// --- Fixtures ---

const (
	diagnosisReply = `{"summary":"logout panics","root_cause":"Logout calls Clear on a nil session","relevant_files":["auth/session.go"],"confidence":0.9}`
	patchReply     = "### Diff:\n```diff\n--- a/auth/session.go\n+++ b/auth/session.go\n@@ -1 +1,3 @@\n-s.Clear()\n+if s != nil {\n+\ts.Clear()\n+}\n```\n### Explanation:\nGuard nil.\n"
	passReply      = `{"verdict":"pass","summary":"ok","issues":[]}`
	triageReply    = `{"title":"Logout panics","description":"nil session on logout","error_message":"nil pointer dereference"}`
)

type okHost struct{}

func (okHost) CreatePullRequest(ctx context.Context, pr github.PullRequest) (*pipeline.PRReference, error) {
	return &pipeline.PRReference{URL: "https://github.com/acme/api/pull/9", Number: 9}, nil
}

func happyAgent() *agent.Scripted {
	return agent.NewScripted().
		On(agent.TaskDiagnose, agent.Reply{Content: diagnosisReply}).
		On(agent.TaskPatch, agent.Reply{Content: patchReply}).
		On(agent.TaskQA, agent.Reply{Content: passReply}).
		On(agent.TaskPRBody, agent.Reply{Content: "body"}).
		On(agent.TaskTriage, agent.Reply{Content: triageReply}).
		On(agent.TaskVoice, agent.Reply{Content: diagnosisReply})
}

type env struct {
	srv   *httptest.Server
	orch  *orchestrator.Orchestrator
	db    *db.DB
	sched *scheduler.Scheduler
	bus   *notify.Bus
	agg   *metrics.Aggregator
}

type envOpts struct {
	gw           agent.Gateway
	maxIssues    int
	autoContinue bool
}

func newEnv(t *testing.T, o envOpts) *env {
	t.Helper()
	if o.gw == nil {
		o.gw = happyAgent()
	}
	if o.maxIssues == 0 {
		o.maxIssues = 2
	}
	log := zaptest.NewLogger(t)

	d, err := db.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, d.Migrate())
	t.Cleanup(func() { d.Close() })

	agg := metrics.NewAggregator(0)
	reg := prometheus.NewRegistry()
	agg.Register(reg)
	bus := notify.NewBus()

	limiter := scheduler.NewAgentLimiter(4, 0, 0)
	gw := metrics.InstrumentGateway(scheduler.Limit(o.gw, limiter), agg)
	runner := stage.NewRunner(gw, nil, okHost{})
	cfg := orchestrator.DefaultConfig()
	cfg.Backoff = orchestrator.Backoff{}
	orch := orchestrator.NewOrchestrator(d, d, runner, cfg)
	orch.SetEventLog(d)
	orch.AddObserver(bus)
	orch.AddObserver(agg)

	sched := scheduler.New(orch, scheduler.Config{MaxConcurrentIssues: o.maxIssues, AutoContinue: o.autoContinue}, limiter, log)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		sched.Close(ctx)
	})

	vm := voice.NewManager(orch, runner, voice.Config{})
	vm.SetSubmitter(sched)
	t.Cleanup(vm.Shutdown)

	srv := NewServer(Deps{
		Issues:    orch,
		Scheduler: sched,
		Triage:    triage.NewIngester(gw, nil, orch, d),
		Bus:       bus,
		Voice:     vm,
		Metrics:   agg,
		Gatherer:  reg,
		History:   d,
		Events:    d,
	}, log)
	srv.keepAlive = 20 * time.Millisecond
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &env{srv: ts, orch: orch, db: d, sched: sched, bus: bus, agg: agg}
}

func (e *env) seed(t *testing.T, title string) *pipeline.Issue {
	t.Helper()
	iss, err := e.orch.Seed(context.Background(), orchestrator.SeedOpts{Title: title, Repository: "acme/api"})
	require.NoError(t, err)
	return iss
}

func (e *env) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, r)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

// --- Issues ---

func TestCreateAndGetIssue(t *testing.T) {
	e := newEnv(t, envOpts{})

	resp, body := e.do(t, http.MethodPost, "/api/issues", orchestrator.SeedOpts{Title: "Logout panics", Repository: "acme/api"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var iss pipeline.Issue
	require.NoError(t, json.Unmarshal(body, &iss))
	assert.Equal(t, pipeline.StatePending, iss.State)

	resp, body = e.do(t, http.MethodGet, "/api/issues/"+iss.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var info orchestrator.StatusInfo
	require.NoError(t, json.Unmarshal(body, &info))
	assert.Equal(t, iss.ID, info.IssueID)
	assert.Equal(t, pipeline.StageDiagnose, info.NextStage)
}

func TestCreateIssueValidation(t *testing.T) {
	e := newEnv(t, envOpts{})

	resp, body := e.do(t, http.MethodPost, "/api/issues", orchestrator.SeedOpts{Description: "no title"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "invalid_request")

	resp, _ = e.do(t, http.MethodPost, "/api/issues", map[string]string{"unknown_field": "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestIssueNotFound(t *testing.T) {
	e := newEnv(t, envOpts{})
	for _, path := range []string{"/api/issues/NOPE", "/api/issues/NOPE/runs", "/api/issues/NOPE/events"} {
		resp, body := e.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
		assert.Contains(t, string(body), "not_found")
	}
	resp, _ := e.do(t, http.MethodPost, "/api/issues/NOPE/advance", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListIssuesByState(t *testing.T) {
	e := newEnv(t, envOpts{})
	e.seed(t, "a")
	e.seed(t, "b")

	resp, body := e.do(t, http.MethodGet, "/api/issues?state=pending", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var infos []orchestrator.StatusInfo
	require.NoError(t, json.Unmarshal(body, &infos))
	assert.Len(t, infos, 2)

	resp, body = e.do(t, http.MethodGet, "/api/issues?state=completed", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, "[]", string(body))

	resp, _ = e.do(t, http.MethodGet, "/api/issues?state=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAdvanceWaitAndRuns(t *testing.T) {
	e := newEnv(t, envOpts{})
	iss := e.seed(t, "bug")

	resp, body := e.do(t, http.MethodPost, "/api/issues/"+iss.ID+"/advance?wait=true", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var res orchestrator.AdvanceResult
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Equal(t, pipeline.StateDiagnosed, res.State)

	resp, body = e.do(t, http.MethodGet, "/api/issues/"+iss.ID+"/runs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var runs []pipeline.WorkflowRun
	require.NoError(t, json.Unmarshal(body, &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, pipeline.StageDiagnose, runs[0].Stage)

	resp, body = e.do(t, http.MethodGet, "/api/issues/"+iss.ID+"/events", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var events []ActivityRow
	require.NoError(t, json.Unmarshal(body, &events))
	assert.NotEmpty(t, events)
}

func TestAdvanceLockedElsewhereIs409(t *testing.T) {
	e := newEnv(t, envOpts{})
	now := time.Now().UTC()
	_, err := e.db.Create(context.Background(), &pipeline.Issue{
		ID: "ISSUE-CLI", Title: "advanced from the cli", State: pipeline.StateDiagnosing, LockToken: "cli", LockedAt: &now,
	})
	require.NoError(t, err)

	resp, body := e.do(t, http.MethodPost, "/api/issues/ISSUE-CLI/advance", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, string(body))
	assert.Contains(t, string(body), "concurrent_run")
	assert.Equal(t, 0, e.sched.Stats().Running)
}

func TestAdvanceAtCapacityIs429(t *testing.T) {
	gw := agent.NewScripted().On(agent.TaskDiagnose, agent.Reply{Hang: true})
	e := newEnv(t, envOpts{gw: gw, maxIssues: 1})
	first := e.seed(t, "first")
	second := e.seed(t, "second")

	resp, _ := e.do(t, http.MethodPost, "/api/issues/"+first.ID+"/advance", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, body := e.do(t, http.MethodPost, "/api/issues/"+second.ID+"/advance", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "5", resp.Header.Get("Retry-After"))
	assert.Contains(t, string(body), "capacity_exceeded")
}

func TestRetriageAndDelete(t *testing.T) {
	e := newEnv(t, envOpts{})
	iss := e.seed(t, "bug")

	resp, body := e.do(t, http.MethodPost, "/api/issues/"+iss.ID+"/retriage", map[string]any{"reason": "new logs"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, _ = e.do(t, http.MethodDelete, "/api/issues/"+iss.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = e.do(t, http.MethodGet, "/api/issues/"+iss.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPromote(t *testing.T) {
	e := newEnv(t, envOpts{})
	iss := e.seed(t, "bug")

	resp, _ := e.do(t, http.MethodPost, "/api/issues/"+iss.ID+"/promote", promoteRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	d := pipeline.Diagnosis{Summary: "s", RootCause: "nil session"}
	resp, body := e.do(t, http.MethodPost, "/api/issues/"+iss.ID+"/promote", promoteRequest{Diagnosis: d})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var got pipeline.Issue
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, pipeline.StateDiagnosed, got.State)
}

func TestInboxAndAttention(t *testing.T) {
	gw := agent.NewScripted().On(agent.TaskDiagnose, agent.Reply{Content: `{"unfixable": true, "reason": "config"}`})
	e := newEnv(t, envOpts{gw: gw})
	pending := e.seed(t, "waiting")
	broken := e.seed(t, "broken")
	_, err := e.orch.Advance(context.Background(), broken.ID)
	require.NoError(t, err)

	_, body := e.do(t, http.MethodGet, "/api/inbox", nil)
	var inbox []pipeline.Issue
	require.NoError(t, json.Unmarshal(body, &inbox))
	require.Len(t, inbox, 1)
	assert.Equal(t, pending.ID, inbox[0].ID)

	_, body = e.do(t, http.MethodGet, "/api/attention", nil)
	var attention []pipeline.Issue
	require.NoError(t, json.Unmarshal(body, &attention))
	require.Len(t, attention, 1)
	assert.Equal(t, broken.ID, attention[0].ID)
}

// --- Triage ---

func TestTriage(t *testing.T) {
	e := newEnv(t, envOpts{})

	resp, body := e.do(t, http.MethodPost, "/api/triage", triage.RawReport{Text: "panic: nil pointer in logout", Repository: "acme/api"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var first triage.Result
	require.NoError(t, json.Unmarshal(body, &first))
	assert.Equal(t, "Logout panics", first.Issue.Title)

	resp, body = e.do(t, http.MethodPost, "/api/triage", triage.RawReport{Text: "panic again", Repository: "acme/api"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var dup triage.Result
	require.NoError(t, json.Unmarshal(body, &dup))
	assert.True(t, dup.Duplicate)
	assert.Equal(t, first.Issue.ID, dup.Issue.ID)

	resp, _ = e.do(t, http.MethodPost, "/api/triage", triage.RawReport{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTriageAgentUnavailable(t *testing.T) {
	gw := agent.NewScripted().On(agent.TaskTriage, agent.Reply{Err: &agent.ProviderError{Provider: "openai", StatusCode: 503, Retryable: true, Err: io.ErrUnexpectedEOF}})
	e := newEnv(t, envOpts{gw: gw})

	resp, _ := e.do(t, http.MethodPost, "/api/triage", triage.RawReport{Text: "boom"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

// --- Metrics ---

func TestMetricsEndpoints(t *testing.T) {
	e := newEnv(t, envOpts{})
	iss := e.seed(t, "bug")
	_, err := e.orch.Advance(context.Background(), iss.ID)
	require.NoError(t, err)

	resp, body := e.do(t, http.MethodGet, "/api/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap metrics.Snapshot
	require.NoError(t, json.Unmarshal(body, &snap))
	assert.Equal(t, 1, snap.States[pipeline.StateDiagnosed])
	assert.Equal(t, 1, snap.Stages[pipeline.StageDiagnose].Success)

	resp, body = e.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "debugfactory_stage_runs_total")
	assert.Contains(t, string(body), "debugfactory_agent_calls_total")

	resp, body = e.do(t, http.MethodGet, "/api/scheduler", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats scheduler.Stats
	require.NoError(t, json.Unmarshal(body, &stats))
	assert.Equal(t, 2, stats.Capacity)
}

func TestAnalytics(t *testing.T) {
	e := newEnv(t, envOpts{})
	iss := e.seed(t, "bug")
	_, err := e.orch.Advance(context.Background(), iss.ID)
	require.NoError(t, err)

	resp, body := e.do(t, http.MethodGet, "/api/analytics?since=all", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var report analytics.Report
	require.NoError(t, json.Unmarshal(body, &report))
	require.Len(t, report.Durations, 1)
	assert.Equal(t, string(pipeline.StageDiagnose), report.Durations[0].Stage)

	resp, _ = e.do(t, http.MethodGet, "/api/analytics?since=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// --- Streaming ---

func TestIssueStreamToCompletion(t *testing.T) {
	e := newEnv(t, envOpts{autoContinue: true})
	iss := e.seed(t, "bug")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.srv.URL+"/api/issues/"+iss.ID+"/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := make(chan string, 256)
	go func() {
		defer close(events)
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			if name, ok := strings.CutPrefix(sc.Text(), "event: "); ok {
				events <- name
			}
		}
	}()

	require.Equal(t, "status", <-events)
	_, err = e.sched.Submit(iss.ID)
	require.NoError(t, err)

	var seen []string
	for name := range events {
		seen = append(seen, name)
	}
	require.NotEmpty(t, seen)
	assert.Equal(t, "done", seen[len(seen)-1])
	assert.Contains(t, seen, string(pipeline.EventRun))
	assert.Contains(t, seen, string(pipeline.EventTransition))
	assert.Equal(t, 0, e.bus.SubscriberCount())
}

func TestIssueStreamNotFound(t *testing.T) {
	e := newEnv(t, envOpts{})
	resp, _ := e.do(t, http.MethodGet, "/api/issues/NOPE/stream", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, 0, e.bus.SubscriberCount())
}

// --- Voice ---

func dialVoice(t *testing.T, e *env) (*websocket.Conn, string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(e.srv.URL, "http")+"/voice/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "test done") })

	var hello voiceSessionStarted
	require.NoError(t, wsjson.Read(ctx, conn, &hello))
	require.Equal(t, "session_started", hello.Type)
	return conn, hello.SessionID
}

// readTurn reads messages until the turn's final message.
func readTurn(t *testing.T, conn *websocket.Conn) []voice.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var msgs []voice.Message
	for {
		var m voice.Message
		require.NoError(t, wsjson.Read(ctx, conn, &m))
		msgs = append(msgs, m)
		switch m.Type {
		case voice.MsgResult, voice.MsgUnknown, voice.MsgError:
			return msgs
		}
	}
}

func TestVoiceWebSocket(t *testing.T) {
	e := newEnv(t, envOpts{})
	iss := e.seed(t, "Logout panics")
	conn, sessionID := dialVoice(t, e)
	ctx := context.Background()

	require.NoError(t, wsjson.Write(ctx, conn, voiceClientMessage{Type: msgTextInput, Text: "status " + iss.ID}))
	msgs := readTurn(t, conn)
	require.Len(t, msgs, 2)
	assert.Equal(t, voice.MsgIntent, msgs[0].Type)
	assert.Equal(t, voice.MsgResult, msgs[1].Type)
	assert.Contains(t, msgs[1].Text, iss.ID)

	require.NoError(t, wsjson.Write(ctx, conn, voiceClientMessage{Type: msgTextInput, Text: "sing me a song"}))
	msgs = readTurn(t, conn)
	assert.Equal(t, voice.MsgUnknown, msgs[len(msgs)-1].Type)

	require.NoError(t, wsjson.Write(ctx, conn, voiceClientMessage{Type: "video_input"}))
	msgs = readTurn(t, conn)
	assert.Equal(t, voice.MsgError, msgs[0].Type)

	// No transcriber is configured.
	require.NoError(t, wsjson.Write(ctx, conn, voiceClientMessage{Type: msgVoiceInput, AudioBase64: "aGVsbG8="}))
	msgs = readTurn(t, conn)
	assert.Equal(t, voice.MsgError, msgs[0].Type)

	resp, body := e.do(t, http.MethodGet, "/api/voice/sessions/"+sessionID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sess voice.Session
	require.NoError(t, json.Unmarshal(body, &sess))
	assert.Equal(t, iss.ID, sess.IssueID)

	resp, body = e.do(t, http.MethodGet, "/voice/ping", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"sessions":1`)
}

func TestVoiceSessionClosesWithConnection(t *testing.T) {
	e := newEnv(t, envOpts{})
	conn, sessionID := dialVoice(t, e)
	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "bye"))

	assert.Eventually(t, func() bool {
		resp, _ := e.do(t, http.MethodGet, "/api/voice/sessions/"+sessionID, nil)
		return resp.StatusCode == http.StatusNotFound
	}, 2*time.Second, 10*time.Millisecond)
}

// --- Helpers ---

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{pipeline.ErrNotFound, http.StatusNotFound},
		{&orchestrator.ConcurrentRunError{IssueID: "X"}, http.StatusConflict},
		{orchestrator.ErrInvalidState, http.StatusConflict},
		{scheduler.ErrCapacityExceeded, http.StatusTooManyRequests},
		{scheduler.ErrClosed, http.StatusServiceUnavailable},
		{orchestrator.InputError{Field: "title", Message: "is required"}, http.StatusBadRequest},
		{agent.ErrTimeout, http.StatusGatewayTimeout},
		{&agent.ProviderError{Provider: "openai", StatusCode: 400}, http.StatusBadGateway},
		{io.EOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		got, _ := statusFor(tt.err)
		assert.Equal(t, tt.want, got, "%v", tt.err)
	}
}

func TestRelTime(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, "just now", relTime("2026-06-01 11:59:30", now))
	assert.Equal(t, "5m ago", relTime("2026-06-01T11:55:00Z", now))
	assert.Equal(t, "3h ago", relTime("2026-06-01 09:00:00", now))
	assert.Equal(t, "2d ago", relTime("2026-05-30 12:00:00", now))
	assert.Equal(t, "garbage", relTime("garbage", now))
}
