package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/debugfactory/internal/agent"
	"github.com/lucasnoah/debugfactory/internal/github"
	"github.com/lucasnoah/debugfactory/internal/orchestrator"
	"github.com/lucasnoah/debugfactory/internal/pipeline"
	"github.com/lucasnoah/debugfactory/internal/stage"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func transition(id string, from, to pipeline.State) pipeline.Event {
	return pipeline.Event{Kind: pipeline.EventTransition, IssueID: id, From: from, To: to}
}

func runEvent(id string, st pipeline.Stage, out pipeline.Outcome, took time.Duration) pipeline.Event {
	r := pipeline.WorkflowRun{IssueID: id, Stage: st, AttemptNumber: 1, StartedAt: t0, CompletedAt: t0.Add(took), Outcome: out}
	return pipeline.Event{Kind: pipeline.EventRun, IssueID: id, Stage: st, Run: &r}
}

func TestRecordStateCounts(t *testing.T) {
	a := NewAggregator(0)
	a.Record(pipeline.Event{Kind: pipeline.EventCreated, IssueID: "A", To: pipeline.StatePending})
	a.Record(pipeline.Event{Kind: pipeline.EventCreated, IssueID: "B", To: pipeline.StatePending})
	a.Record(transition("A", pipeline.StatePending, pipeline.StateDiagnosing))

	snap := a.Snapshot()
	assert.Equal(t, 1, snap.States[pipeline.StatePending])
	assert.Equal(t, 1, snap.States[pipeline.StateDiagnosing])
	assert.Equal(t, 2, snap.TotalIssues)
	assert.Equal(t, 1, snap.InFlightLocks)

	a.Record(transition("A", pipeline.StateDiagnosing, pipeline.StateDiagnosed))
	a.Record(pipeline.Event{Kind: pipeline.EventDeleted, IssueID: "B", From: pipeline.StatePending})

	snap = a.Snapshot()
	assert.Equal(t, map[pipeline.State]int{pipeline.StateDiagnosed: 1}, snap.States)
	assert.Equal(t, 0, snap.InFlightLocks)
	assert.Equal(t, 1, snap.TotalIssues)
}

func TestRecordRunsAndRetries(t *testing.T) {
	a := NewAggregator(0)
	a.Record(runEvent("A", pipeline.StageDiagnose, pipeline.OutcomeRetryable, 3*time.Second))
	a.Record(pipeline.Event{Kind: pipeline.EventRetry, IssueID: "A", Stage: pipeline.StageDiagnose})
	a.Record(runEvent("A", pipeline.StageDiagnose, pipeline.OutcomeSuccess, time.Second))
	a.Record(runEvent("A", pipeline.StagePatch, pipeline.OutcomeFatal, 2*time.Second))

	snap := a.Snapshot()
	diag := snap.Stages[pipeline.StageDiagnose]
	assert.Equal(t, 1, diag.Success)
	assert.Equal(t, 1, diag.Retryable)
	assert.Equal(t, 0, diag.Fatal)
	assert.Equal(t, 2, diag.Duration.Count)
	assert.InDelta(t, 2.0, diag.Duration.Mean, 1e-9)
	assert.Equal(t, 1, snap.Stages[pipeline.StagePatch].Fatal)
	assert.Equal(t, 1, snap.TotalRetries)
}

func TestDurationWindowIsRolling(t *testing.T) {
	a := NewAggregator(3)
	for _, s := range []int{100, 100, 1, 1, 1} {
		a.Record(runEvent("A", pipeline.StageQA, pipeline.OutcomeSuccess, time.Duration(s)*time.Second))
	}
	d := a.Snapshot().Stages[pipeline.StageQA].Duration
	assert.Equal(t, 3, d.Count)
	assert.InDelta(t, 1.0, d.Mean, 1e-9)
	assert.Equal(t, 5, a.Snapshot().Stages[pipeline.StageQA].Success)
}

func TestSnapshotIsImmutable(t *testing.T) {
	a := NewAggregator(0)
	a.Record(pipeline.Event{Kind: pipeline.EventCreated, IssueID: "A", To: pipeline.StatePending})
	before := a.Snapshot()
	a.Record(transition("A", pipeline.StatePending, pipeline.StateDiagnosing))

	assert.Equal(t, 1, before.States[pipeline.StatePending], "earlier snapshot must not change")
	assert.Equal(t, 0, a.Snapshot().States[pipeline.StatePending])
}

func TestPrime(t *testing.T) {
	a := NewAggregator(0)
	a.Prime([]*pipeline.Issue{
		{ID: "A", State: pipeline.StateCompleted},
		{ID: "B", State: pipeline.StateCompleted},
		{ID: "C", State: pipeline.StatePatching, LockToken: "t"},
	})
	snap := a.Snapshot()
	assert.Equal(t, 2, snap.States[pipeline.StateCompleted])
	assert.Equal(t, 1, snap.InFlightLocks)
	assert.Equal(t, 3, snap.TotalIssues)
}

func TestConcurrentWritersAndReaders(t *testing.T) {
	a := NewAggregator(16)
	var wg sync.WaitGroup
	stop := make(chan struct{})

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap := a.Snapshot()
				total := 0
				for _, n := range snap.States {
					total += n
				}
				if total != snap.TotalIssues {
					t.Errorf("torn snapshot: states sum %d, total %d", total, snap.TotalIssues)
					return
				}
			}
		}()
	}

	var writers sync.WaitGroup
	for w := 0; w < 8; w++ {
		writers.Add(1)
		go func() {
			defer writers.Done()
			for i := 0; i < 200; i++ {
				a.Record(pipeline.Event{Kind: pipeline.EventCreated, To: pipeline.StatePending})
				a.Record(runEvent("x", pipeline.StageDiagnose, pipeline.OutcomeSuccess, time.Millisecond))
			}
		}()
	}
	writers.Wait()
	close(stop)
	wg.Wait()

	snap := a.Snapshot()
	assert.Equal(t, 1600, snap.States[pipeline.StatePending])
	assert.Equal(t, 1600, snap.Stages[pipeline.StageDiagnose].Success)
}

func TestPrometheusExport(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := NewAggregator(0)
	a.Register(reg)

	a.Record(pipeline.Event{Kind: pipeline.EventCreated, IssueID: "A", To: pipeline.StatePending})
	a.Record(transition("A", pipeline.StatePending, pipeline.StateDiagnosing))
	a.Record(runEvent("A", pipeline.StageDiagnose, pipeline.OutcomeRetryable, time.Second))
	a.Record(pipeline.Event{Kind: pipeline.EventRetry, IssueID: "A"})
	a.Record(runEvent("A", pipeline.StageDiagnose, pipeline.OutcomeSuccess, time.Second))

	assert.Equal(t, 1.0, testutil.ToFloat64(a.prom.stageRuns.WithLabelValues("diagnose", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.prom.stageRuns.WithLabelValues("diagnose", "retryable_failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.prom.retries))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.prom.transitions.WithLabelValues("diagnosing")))

	expected := `
# HELP debugfactory_in_flight_locks Issues with a stage run in progress.
# TYPE debugfactory_in_flight_locks gauge
debugfactory_in_flight_locks 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "debugfactory_in_flight_locks"))
	assert.Equal(t, len(pipeline.AllStates), testutil.CollectAndCount(&snapshotCollector{agg: a}, "debugfactory_issues"))
}

func TestInstrumentGateway(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := NewAggregator(0)
	a.Register(reg)

	gw := InstrumentGateway(agent.NewScripted().
		On(agent.TaskDiagnose, agent.Reply{Content: "ok"}).
		On(agent.TaskVoice, agent.Reply{Err: &agent.ProviderError{Provider: "openai", StatusCode: 503, Retryable: true, Err: errors.New("unavailable")}}), a)

	ctx := context.Background()
	_, err := gw.Invoke(ctx, agent.Request{Task: agent.TaskDiagnose})
	require.NoError(t, err)
	_, err = gw.Invoke(ctx, agent.Request{Task: agent.TaskDiagnose})
	require.NoError(t, err)
	_, err = gw.Invoke(ctx, agent.Request{Task: agent.TaskVoice})
	require.Error(t, err)

	snap := a.Snapshot()
	assert.Equal(t, AgentStats{Calls: 2}, snap.AgentCalls[agent.TaskDiagnose])
	assert.Equal(t, AgentStats{Calls: 1, Failures: 1}, snap.AgentCalls[agent.TaskVoice])
	assert.Equal(t, 2.0, testutil.ToFloat64(a.prom.agentCalls.WithLabelValues("diagnose", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.prom.agentCalls.WithLabelValues("voice", "retryable_error")))
}

type prHost struct{}

func (prHost) CreatePullRequest(ctx context.Context, pr github.PullRequest) (*pipeline.PRReference, error) {
	return &pipeline.PRReference{URL: "https://github.com/acme/api/pull/7", Number: 7}, nil
}

func TestConsistentAfterIssuesComplete(t *testing.T) {
	gw := agent.NewScripted().
		On(agent.TaskDiagnose, agent.Reply{Content: `{"root_cause":"off by one","relevant_files":["a.go"]}`}).
		On(agent.TaskPatch, agent.Reply{Content: "```diff\n--- a/a.go\n+++ b/a.go\n@@ -1 +1 @@\n-i <= n\n+i < n\n```"}).
		On(agent.TaskQA, agent.Reply{Content: `{"verdict":"pass","summary":"ok"}`}).
		On(agent.TaskPRBody, agent.Reply{Content: "body"})
	agg := NewAggregator(0)
	store := pipeline.NewMemoryStore()
	o := orchestrator.NewOrchestrator(store, store, stage.NewRunner(InstrumentGateway(gw, agg), nil, prHost{}), orchestrator.DefaultConfig())
	o.AddObserver(agg)

	ctx := context.Background()
	const n = 5
	for i := 0; i < n; i++ {
		iss, err := o.Seed(ctx, orchestrator.SeedOpts{Title: "off by one", Repository: "acme/api"})
		require.NoError(t, err)
		for {
			res, err := o.Advance(ctx, iss.ID)
			require.NoError(t, err)
			if res.State.Terminal() {
				require.Equal(t, pipeline.StateCompleted, res.State)
				break
			}
		}
	}

	snap := agg.Snapshot()
	assert.Equal(t, n, snap.States[pipeline.StateCompleted])
	assert.Equal(t, n, snap.TotalIssues)
	assert.Equal(t, 0, snap.InFlightLocks)
	for _, st := range pipeline.AllStages {
		assert.Equal(t, n, snap.Stages[st].Success, "stage %s", st)
	}
	assert.Equal(t, n, snap.AgentCalls[agent.TaskDiagnose].Calls)
	assert.Equal(t, n, snap.AgentCalls[agent.TaskPRBody].Calls)
}
