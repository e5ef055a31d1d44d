package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/lucasnoah/debugfactory/internal/agent"
	"github.com/lucasnoah/debugfactory/internal/pipeline"
)

const namespace = "debugfactory"

type promMetrics struct {
	stageRuns     *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	retries       prometheus.Counter
	transitions   *prometheus.CounterVec
	agentCalls    *prometheus.CounterVec
	agentDuration *prometheus.HistogramVec
}

// Register exports the aggregate on reg. Call it once, before the
// Aggregator receives events.
//
// Metrics:
//   - debugfactory_stage_runs_total{stage,outcome}
//   - debugfactory_stage_duration_seconds{stage}
//   - debugfactory_retries_total
//   - debugfactory_transitions_total{to}
//   - debugfactory_agent_calls_total{task,result}
//   - debugfactory_agent_call_duration_seconds{task}
//   - debugfactory_issues{state} (from the latest snapshot)
//   - debugfactory_in_flight_locks (from the latest snapshot)
func (a *Aggregator) Register(reg prometheus.Registerer) {
	f := promauto.With(reg)
	a.prom = &promMetrics{
		stageRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_runs_total",
			Help:      "Stage attempts by outcome.",
		}, []string{"stage", "outcome"}),
		stageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall time of stage attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s to ~17m
		}, []string{"stage"}),
		retries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Retries scheduled after retryable stage failures.",
		}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Issue state transitions by target state.",
		}, []string{"to"}),
		agentCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_calls_total",
			Help:      "Agent invocations by task and result.",
		}, []string{"task", "result"}),
		agentDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_call_duration_seconds",
			Help:      "Agent invocation latency.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 12),
		}, []string{"task"}),
	}
	reg.MustRegister(&snapshotCollector{agg: a})
}

func (p *promMetrics) observe(ev pipeline.Event) {
	switch ev.Kind {
	case pipeline.EventRetry:
		p.retries.Inc()
	case pipeline.EventTransition, pipeline.EventCreated:
		if ev.From != ev.To {
			p.transitions.WithLabelValues(string(ev.To)).Inc()
		}
	case pipeline.EventRun:
		if ev.Run != nil {
			p.stageRuns.WithLabelValues(string(ev.Run.Stage), string(ev.Run.Outcome)).Inc()
			p.stageDuration.WithLabelValues(string(ev.Run.Stage)).Observe(ev.Run.Duration().Seconds())
		}
	}
}

func (p *promMetrics) observeAgent(task string, took time.Duration, err error) {
	result := "ok"
	switch {
	case err == nil:
	case agent.IsRetryable(err):
		result = "retryable_error"
	default:
		result = "error"
	}
	p.agentCalls.WithLabelValues(task, result).Inc()
	p.agentDuration.WithLabelValues(task).Observe(took.Seconds())
}

var (
	issuesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "issues"),
		"Issues currently in each state.",
		[]string{"state"}, nil,
	)
	locksDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "in_flight_locks"),
		"Issues with a stage run in progress.",
		nil, nil,
	)
)

// snapshotCollector exposes snapshot gauges at scrape time.
type snapshotCollector struct {
	agg *Aggregator
}

func (c *snapshotCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- issuesDesc
	ch <- locksDesc
}

func (c *snapshotCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.agg.Snapshot()
	for _, st := range pipeline.AllStates {
		ch <- prometheus.MustNewConstMetric(issuesDesc, prometheus.GaugeValue, float64(snap.States[st]), string(st))
	}
	ch <- prometheus.MustNewConstMetric(locksDesc, prometheus.GaugeValue, float64(snap.InFlightLocks))
}

// InstrumentGateway wraps g so every invocation is counted on a.
func InstrumentGateway(g agent.Gateway, a *Aggregator) agent.Gateway {
	return &instrumentedGateway{next: g, agg: a}
}

type instrumentedGateway struct {
	next agent.Gateway
	agg  *Aggregator
}

func (g *instrumentedGateway) Invoke(ctx context.Context, req agent.Request) (*agent.Response, error) {
	start := time.Now()
	resp, err := g.next.Invoke(ctx, req)
	g.agg.RecordAgentCall(req.Task, time.Since(start), err)
	return resp, err
}
