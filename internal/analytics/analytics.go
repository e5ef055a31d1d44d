package analytics

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/lucasnoah/debugfactory/internal/pipeline"
)

// Summary holds distribution stats over a set of samples.
type Summary struct {
	Count int     `json:"count"`
	Mean  float64 `json:"mean"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
}

// Summarize computes count, mean and percentiles. values need not be sorted
// and are not modified.
func Summarize(values []float64) Summary {
	if len(values) == 0 {
		return Summary{}
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	return Summary{
		Count: len(sorted),
		Mean:  avg(sorted),
		P50:   percentile(sorted, 50),
		P95:   percentile(sorted, 95),
	}
}

// StageDuration holds duration stats for a stage.
type StageDuration struct {
	Stage string  `json:"stage"`
	Count int     `json:"count"`
	Avg   float64 `json:"avg_seconds"`
	P50   float64 `json:"p50_seconds"`
	P95   float64 `json:"p95_seconds"`
}

// StageDurations returns average and percentile durations per stage over
// every attempt that started at or after since. A zero since includes all.
func StageDurations(runs []pipeline.WorkflowRun, since time.Time) []StageDuration {
	byStage := make(map[pipeline.Stage][]float64)
	for _, r := range runs {
		if r.StartedAt.Before(since) {
			continue
		}
		if d := r.Duration().Seconds(); d >= 0 {
			byStage[r.Stage] = append(byStage[r.Stage], d)
		}
	}

	var results []StageDuration
	for stage, durations := range byStage {
		s := Summarize(durations)
		results = append(results, StageDuration{
			Stage: string(stage),
			Count: s.Count,
			Avg:   round1(s.Mean),
			P50:   round1(s.P50),
			P95:   round1(s.P95),
		})
	}
	sortByStage(results, func(i int) string { return results[i].Stage })
	return results
}

// StageOutcomes holds attempt outcome rates for a stage.
type StageOutcomes struct {
	Stage     string  `json:"stage"`
	Total     int     `json:"total"`
	Success   float64 `json:"success_pct"`
	Retryable float64 `json:"retryable_pct"`
	Fatal     float64 `json:"fatal_pct"`
	// FirstPass is the share of issues whose first attempt at the stage
	// succeeded.
	FirstPass float64 `json:"first_pass_pct"`
}

// OutcomeRates returns per-stage outcome percentages. All percentages use
// the attempt total as denominator except FirstPass, which counts issues.
func OutcomeRates(runs []pipeline.WorkflowRun, since time.Time) []StageOutcomes {
	type counts struct {
		total, success, retryable, fatal int
		firstTried, firstPassed           int
	}
	byStage := make(map[pipeline.Stage]*counts)
	for _, r := range runs {
		if r.StartedAt.Before(since) {
			continue
		}
		c, ok := byStage[r.Stage]
		if !ok {
			c = &counts{}
			byStage[r.Stage] = c
		}
		c.total++
		switch r.Outcome {
		case pipeline.OutcomeSuccess:
			c.success++
		case pipeline.OutcomeRetryable:
			c.retryable++
		case pipeline.OutcomeFatal:
			c.fatal++
		}
		if r.AttemptNumber == 1 {
			c.firstTried++
			if r.Outcome == pipeline.OutcomeSuccess {
				c.firstPassed++
			}
		}
	}

	var results []StageOutcomes
	for stage, c := range byStage {
		results = append(results, StageOutcomes{
			Stage:     string(stage),
			Total:     c.total,
			Success:   pct(c.success, c.total),
			Retryable: pct(c.retryable, c.total),
			Fatal:     pct(c.fatal, c.total),
			FirstPass: pct(c.firstPassed, c.firstTried),
		})
	}
	sortByStage(results, func(i int) string { return results[i].Stage })
	return results
}

// PipelineThroughput holds pipeline throughput for one ISO week.
type PipelineThroughput struct {
	Period    string `json:"period"`
	Started   int    `json:"started"`
	Completed int    `json:"completed"`
	// AvgDuration is the mean hours from first diagnose attempt to a
	// successful pr run, over issues completed in the period.
	AvgDuration float64 `json:"avg_duration_hours"`
}

// Throughput groups runs by ISO week, newest first, limited to the last 10
// weeks that saw activity.
func Throughput(runs []pipeline.WorkflowRun) []PipelineThroughput {
	firstStart := make(map[string]time.Time)
	for _, r := range runs {
		if t, ok := firstStart[r.IssueID]; !ok || r.StartedAt.Before(t) {
			firstStart[r.IssueID] = r.StartedAt
		}
	}

	type bucket struct {
		started, completed int
		hours              []float64
	}
	buckets := make(map[string]*bucket)
	get := func(t time.Time) *bucket {
		y, w := t.ISOWeek()
		key := fmt.Sprintf("%d-W%02d", y, w)
		b, ok := buckets[key]
		if !ok {
			b = &bucket{}
			buckets[key] = b
		}
		return b
	}
	for _, t := range firstStart {
		get(t).started++
	}
	for _, r := range runs {
		if r.Stage != pipeline.StagePR || r.Outcome != pipeline.OutcomeSuccess {
			continue
		}
		b := get(r.CompletedAt)
		b.completed++
		b.hours = append(b.hours, r.CompletedAt.Sub(firstStart[r.IssueID]).Hours())
	}

	var results []PipelineThroughput
	for period, b := range buckets {
		results = append(results, PipelineThroughput{
			Period:      period,
			Started:     b.started,
			Completed:   b.completed,
			AvgDuration: round1(avg(b.hours)),
		})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Period > results[j].Period })
	if len(results) > 10 {
		results = results[:10]
	}
	return results
}

// Report bundles the historical views served by the metrics command.
type Report struct {
	Durations  []StageDuration      `json:"durations"`
	Outcomes   []StageOutcomes      `json:"outcomes"`
	Throughput []PipelineThroughput `json:"throughput"`
}

// Query loads every run from src and builds a Report over runs started at
// or after since.
func Query(ctx context.Context, src pipeline.RunHistory, since time.Time) (*Report, error) {
	runs, err := src.AllRuns(ctx)
	if err != nil {
		return nil, fmt.Errorf("load runs: %w", err)
	}
	var recent []pipeline.WorkflowRun
	for _, r := range runs {
		if !r.StartedAt.Before(since) {
			recent = append(recent, r)
		}
	}
	return &Report{
		Durations:  StageDurations(recent, time.Time{}),
		Outcomes:   OutcomeRates(recent, time.Time{}),
		Throughput: Throughput(recent),
	}, nil
}

// --- helpers ---

// sortByStage orders rows by workflow stage order, unknown stages last.
func sortByStage[T any](rows []T, stageOf func(i int) string) {
	order := make(map[string]int, len(pipeline.AllStages))
	for i, st := range pipeline.AllStages {
		order[string(st)] = i
	}
	rank := func(s string) int {
		if r, ok := order[s]; ok {
			return r
		}
		return len(order)
	}
	keys := make([]string, len(rows))
	for i := range rows {
		keys[i] = stageOf(i)
	}
	idx := make([]int, len(rows))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		ra, rb := rank(keys[idx[a]]), rank(keys[idx[b]])
		if ra != rb {
			return ra < rb
		}
		return keys[idx[a]] < keys[idx[b]]
	})
	sorted := make([]T, len(rows))
	for i, j := range idx {
		sorted[i] = rows[j]
	}
	copy(rows, sorted)
}

func avg(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper || upper >= len(sorted) {
		return sorted[lower]
	}
	weight := rank - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(n)/float64(total)*1000) / 10
}
