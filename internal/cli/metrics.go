package cli

import (
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/lucasnoah/debugfactory/internal/analytics"
	"github.com/lucasnoah/debugfactory/internal/metrics"
	"github.com/lucasnoah/debugfactory/internal/pipeline"
	"github.com/spf13/cobra"
)

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Show workflow metrics",
	Long: `Prints issue counts per state and per-stage attempt outcomes rebuilt from the
store. With --history, prints stage durations, outcome rates and weekly
throughput over --since (a duration such as 168h, or "all").`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer a.Close()

		if history, _ := cmd.Flags().GetBool("history"); history {
			raw, _ := cmd.Flags().GetString("since")
			since, err := parseSince(raw, time.Now())
			if err != nil {
				return err
			}
			report, err := analytics.Query(cmd.Context(), a.history, since)
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return writeJSON(cmd, report)
			}
			return printReport(cmd, report)
		}

		snap, err := rebuildSnapshot(cmd, a)
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return writeJSON(cmd, snap)
		}
		return printSnapshot(cmd, snap)
	},
}

// rebuildSnapshot folds the stored issues and runs into a fresh aggregate.
func rebuildSnapshot(cmd *cobra.Command, a *app) (*metrics.Snapshot, error) {
	issues, err := a.store.List(cmd.Context(), pipeline.ListOpts{})
	if err != nil {
		return nil, err
	}
	runs, err := a.history.AllRuns(cmd.Context())
	if err != nil {
		return nil, err
	}
	agg := metrics.NewAggregator(0)
	agg.Prime(issues)
	for i := range runs {
		agg.Record(pipeline.Event{Kind: pipeline.EventRun, IssueID: runs[i].IssueID, Stage: runs[i].Stage, Run: &runs[i]})
	}
	return agg.Snapshot(), nil
}

func parseSince(raw string, now time.Time) (time.Time, error) {
	if raw == "all" {
		return time.Time{}, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return time.Time{}, fmt.Errorf("invalid --since %q: use a duration like 168h or \"all\"", raw)
	}
	return now.Add(-d), nil
}

func printSnapshot(cmd *cobra.Command, snap *metrics.Snapshot) error {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Issues: %d (%d running)\n\n", snap.TotalIssues, snap.InFlightLocks)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STATE\tCOUNT")
	for _, st := range pipeline.AllStates {
		if n := snap.States[st]; n > 0 {
			fmt.Fprintf(tw, "%s\t%d\n", st, n)
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(snap.Stages) == 0 {
		return nil
	}
	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tOK\tRETRYABLE\tFATAL\tP50\tP95")
	stages := make([]pipeline.Stage, 0, len(snap.Stages))
	for st := range snap.Stages {
		stages = append(stages, st)
	}
	sort.Slice(stages, func(i, j int) bool { return stageIndex(stages[i]) < stageIndex(stages[j]) })
	for _, st := range stages {
		s := snap.Stages[st]
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%.1fs\t%.1fs\n", st, s.Success, s.Retryable, s.Fatal, s.Duration.P50, s.Duration.P95)
	}
	return tw.Flush()
}

func printReport(cmd *cobra.Command, r *analytics.Report) error {
	w := cmd.OutOrStdout()
	if len(r.Durations) == 0 {
		fmt.Fprintln(w, "No runs in range.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tRUNS\tAVG\tP50\tP95")
	for _, d := range r.Durations {
		fmt.Fprintf(tw, "%s\t%d\t%.1fs\t%.1fs\t%.1fs\n", d.Stage, d.Count, d.Avg, d.P50, d.P95)
	}
	tw.Flush()

	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tATTEMPTS\tSUCCESS\tRETRYABLE\tFATAL\tFIRST PASS")
	for _, o := range r.Outcomes {
		fmt.Fprintf(tw, "%s\t%d\t%.1f%%\t%.1f%%\t%.1f%%\t%.1f%%\n", o.Stage, o.Total, o.Success, o.Retryable, o.Fatal, o.FirstPass)
	}
	tw.Flush()

	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WEEK\tSTARTED\tCOMPLETED\tAVG HOURS")
	for _, t := range r.Throughput {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%.1f\n", t.Period, t.Started, t.Completed, t.AvgDuration)
	}
	return tw.Flush()
}

func stageIndex(st pipeline.Stage) int {
	for i, s := range pipeline.AllStages {
		if s == st {
			return i
		}
	}
	return len(pipeline.AllStages)
}

func init() {
	metricsCmd.Flags().Bool("history", false, "Show historical analytics instead of current counts")
	metricsCmd.Flags().String("since", "168h", "History window: a duration or \"all\"")
	metricsCmd.Flags().String("format", "text", "Output format: text or json")
}
