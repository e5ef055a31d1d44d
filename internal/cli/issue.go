package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/lucasnoah/debugfactory/internal/notify"
	"github.com/lucasnoah/debugfactory/internal/orchestrator"
	"github.com/lucasnoah/debugfactory/internal/pipeline"
	"github.com/spf13/cobra"
)

var issueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Create, inspect and advance issues",
}

var issueCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Seed a new issue in pending",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := seedOptsFromFlags(cmd)
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer a.Close()

		iss, err := a.orch.Seed(cmd.Context(), opts)
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return writeJSON(cmd, iss)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created %s (%s)\n", iss.ID, iss.State)
		return nil
	},
}

var issueStatusCmd = &cobra.Command{
	Use:   "status <issue-id>",
	Short: "Show detailed issue status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer a.Close()

		info, err := a.orch.Status(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return writeJSON(cmd, info)
		}
		printStatus(cmd, info)
		return nil
	},
}

var issueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List issues",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := listOptsFromFlags(cmd)
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer a.Close()

		infos, err := a.orch.StatusAll(cmd.Context(), opts)
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return writeJSON(cmd, infos)
		}
		if len(infos) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No issues found.")
			return nil
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ISSUE\tSTATE\tNEXT\tROUNDS\tREPOSITORY\tTITLE")
		for _, info := range infos {
			state := string(info.State)
			if info.Locked {
				state += "*"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
				info.IssueID, state, info.NextStage, info.PatchRounds, info.Repository, truncate(info.Title, 40))
		}
		return tw.Flush()
	},
}

var issueAdvanceCmd = &cobra.Command{
	Use:   "advance <issue-id>",
	Short: "Run the issue's next stage",
	Long: `Runs exactly one stage in this process, retrying retryable failures with
backoff. With --until-done, keeps advancing until the issue stops in a terminal
state or needs attention.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer a.Close()

		untilDone, _ := cmd.Flags().GetBool("until-done")
		var results []*orchestrator.AdvanceResult
		for {
			res, err := a.orch.Advance(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			results = append(results, res)
			if !jsonOutput(cmd) {
				printAdvance(cmd, res)
			}
			if !untilDone || res.Action != orchestrator.ActionAdvanced || res.State.Terminal() {
				break
			}
		}
		if jsonOutput(cmd) {
			return writeJSON(cmd, results)
		}
		return nil
	},
}

var issueRetriageCmd = &cobra.Command{
	Use:   "retriage <issue-id>",
	Short: "Send an issue back to pending, clearing its results",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		reason, _ := cmd.Flags().GetString("reason")
		a, err := newApp(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer a.Close()

		iss, err := a.orch.Retriage(cmd.Context(), args[0], orchestrator.RetriageOpts{Force: force, Reason: reason})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s is %s\n", iss.ID, iss.State)
		return nil
	},
}

var issuePromoteCmd = &cobra.Command{
	Use:   "promote <issue-id>",
	Short: "Record a diagnosis found outside the workflow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var d pipeline.Diagnosis
		d.RootCause, _ = cmd.Flags().GetString("root-cause")
		d.Summary, _ = cmd.Flags().GetString("summary")
		d.RelevantFiles, _ = cmd.Flags().GetStringSlice("file")
		d.Confidence, _ = cmd.Flags().GetFloat64("confidence")
		if strings.TrimSpace(d.RootCause) == "" {
			return fmt.Errorf("--root-cause is required")
		}
		if d.Summary == "" {
			d.Summary = d.RootCause
		}
		a, err := newApp(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer a.Close()

		iss, err := a.orch.Promote(cmd.Context(), args[0], d, "cli")
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s is %s\n", iss.ID, iss.State)
		return nil
	},
}

var issueDeleteCmd = &cobra.Command{
	Use:   "delete <issue-id>",
	Short: "Delete an issue and its runs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.orch.Delete(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
		return nil
	},
}

var issueInboxCmd = &cobra.Command{
	Use:   "inbox",
	Short: "List issues waiting for their first stage",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer a.Close()
		issues, err := a.orch.Inbox(cmd.Context())
		if err != nil {
			return err
		}
		return printIssues(cmd, issues)
	},
}

var issueAttentionCmd = &cobra.Command{
	Use:   "attention",
	Short: "List issues that stopped and need a human",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer a.Close()
		issues, err := a.orch.Attention(cmd.Context())
		if err != nil {
			return err
		}
		return printIssues(cmd, issues)
	},
}

var issueEventsCmd = &cobra.Command{
	Use:   "events <issue-id>",
	Short: "Show the audit log of an issue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer a.Close()
		if a.db == nil {
			return fmt.Errorf("the audit log needs the sqlite store")
		}
		events, err := a.db.GetPipelineHistory(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return writeJSON(cmd, events)
		}
		if len(events) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No events.")
			return nil
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TIME\tEVENT\tSTAGE\tATTEMPT\tDETAIL")
		for _, e := range events {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", e.Timestamp, e.Event, e.Stage, e.Attempt, truncate(e.Detail, 60))
		}
		return tw.Flush()
	},
}

var issueWatchCmd = &cobra.Command{
	Use:   "watch <issue-id>",
	Short: "Follow an issue's updates published by a running server",
	Long: `Subscribes to the issue's Redis channel and prints each event until the
issue reaches a terminal state or the command is interrupted. Needs
notify.redis_url.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Notify.RedisURL == "" {
			return fmt.Errorf("notify.redis_url is not configured")
		}
		r, err := notify.Dial(cmd.Context(), cfg.Notify.RedisURL, cfg.Notify.ChannelPrefix, nil)
		if err != nil {
			return err
		}
		defer r.Close()

		events, err := r.Watch(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		for ev := range events {
			if jsonOutput(cmd) {
				data, _ := json.Marshal(ev)
				fmt.Fprintln(w, string(data))
			} else {
				fmt.Fprintln(w, describeEvent(ev))
			}
			if ev.Kind == pipeline.EventDeleted || (ev.Kind == pipeline.EventTransition && ev.To.Terminal()) {
				return nil
			}
		}
		return cmd.Context().Err()
	},
}

// --- Helpers ---

func seedOptsFromFlags(cmd *cobra.Command) (orchestrator.SeedOpts, error) {
	var o orchestrator.SeedOpts
	o.Title, _ = cmd.Flags().GetString("title")
	o.Description, _ = cmd.Flags().GetString("description")
	o.ErrorMessage, _ = cmd.Flags().GetString("error")
	o.Repository, _ = cmd.Flags().GetString("repo")
	o.RelevantFiles, _ = cmd.Flags().GetStringSlice("file")
	if path, _ := cmd.Flags().GetString("logs-file"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return o, fmt.Errorf("read logs: %w", err)
		}
		o.Logs = string(data)
	}
	return o, nil
}

func listOptsFromFlags(cmd *cobra.Command) (pipeline.ListOpts, error) {
	var opts pipeline.ListOpts
	opts.Repository, _ = cmd.Flags().GetString("repo")
	states, _ := cmd.Flags().GetStringSlice("state")
	for _, s := range states {
		st := pipeline.State(strings.TrimSpace(s))
		if !st.Valid() {
			return opts, fmt.Errorf("unknown state %q", s)
		}
		opts.States = append(opts.States, st)
	}
	return opts, nil
}

func printStatus(cmd *cobra.Command, info *orchestrator.StatusInfo) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Issue %s: %s\n", info.IssueID, info.Title)
	fmt.Fprintf(w, "  State:        %s\n", info.State)
	if info.Repository != "" {
		fmt.Fprintf(w, "  Repository:   %s\n", info.Repository)
	}
	if info.NextStage != "" {
		fmt.Fprintf(w, "  Next Stage:   %s\n", info.NextStage)
	}
	if info.Locked && info.LockedAt != nil {
		stale := ""
		if info.StaleLock {
			stale = " (stale)"
		}
		fmt.Fprintf(w, "  Locked:       since %s%s\n", info.LockedAt.Format(time.RFC3339), stale)
	}
	if info.PatchRounds > 0 {
		fmt.Fprintf(w, "  Patch Rounds: %d\n", info.PatchRounds)
	}
	fmt.Fprintf(w, "  Updated:      %s\n", info.UpdatedAt.Format(time.RFC3339))

	if info.Issue != nil {
		var lines []string
		for _, st := range pipeline.AllStages {
			if info.Issue.Result(st) != nil {
				lines = append(lines, fmt.Sprintf("    %s: ok", st))
			}
			if f := info.Issue.Failure(st); f != nil {
				lines = append(lines, fmt.Sprintf("    %s (%d retries): %s: %s", st, info.AttemptCounts[st], f.ErrorKind, truncate(f.Error, 60)))
			}
		}
		if len(lines) > 0 {
			fmt.Fprintln(w, "  Results:")
			for _, l := range lines {
				fmt.Fprintln(w, l)
			}
		}
	}
	if len(info.Runs) > 0 {
		fmt.Fprintln(w, "  Runs:")
		for _, r := range info.Runs {
			errStr := ""
			if r.Error != "" {
				errStr = " " + truncate(r.Error, 50)
			}
			fmt.Fprintf(w, "    %s attempt %d: %s (%s)%s\n", r.Stage, r.AttemptNumber, r.Outcome, r.Duration().Round(time.Millisecond), errStr)
		}
	}
}

func printAdvance(cmd *cobra.Command, res *orchestrator.AdvanceResult) {
	w := cmd.OutOrStdout()
	switch res.Action {
	case orchestrator.ActionAdvanced:
		fmt.Fprintf(w, "%s: %s %s -> %s (%s, %d attempt(s))\n", res.IssueID, res.Stage, res.From, res.State, res.Outcome, res.Attempts)
	default:
		fmt.Fprintf(w, "%s: %s, state %s\n", res.IssueID, res.Action, res.State)
	}
	if res.Message != "" {
		fmt.Fprintf(w, "  %s\n", res.Message)
	}
}

func printIssues(cmd *cobra.Command, issues []*pipeline.Issue) error {
	if jsonOutput(cmd) {
		return writeJSON(cmd, issues)
	}
	if len(issues) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No issues.")
		return nil
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ISSUE\tSTATE\tREPOSITORY\tUPDATED\tTITLE")
	for _, iss := range issues {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", iss.ID, iss.State, iss.Repository, iss.UpdatedAt.Format(time.RFC3339), truncate(iss.Title, 40))
	}
	return tw.Flush()
}

func describeEvent(ev pipeline.Event) string {
	ts := ev.At.Format(time.TimeOnly)
	switch ev.Kind {
	case pipeline.EventTransition:
		return fmt.Sprintf("%s %s %s -> %s %s", ts, ev.IssueID, ev.From, ev.To, ev.Detail)
	case pipeline.EventRun:
		if ev.Run != nil {
			return fmt.Sprintf("%s %s %s attempt %d: %s", ts, ev.IssueID, ev.Run.Stage, ev.Run.AttemptNumber, ev.Run.Outcome)
		}
	}
	return fmt.Sprintf("%s %s %s %s", ts, ev.IssueID, ev.Kind, ev.Detail)
}

func jsonOutput(cmd *cobra.Command) bool {
	format, _ := cmd.Flags().GetString("format")
	return format == "json"
}

func writeJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}

func init() {
	issueCreateCmd.Flags().String("title", "", "Short summary of the bug")
	issueCreateCmd.Flags().String("description", "", "What happens and when")
	issueCreateCmd.Flags().String("error", "", "Error message or panic text")
	issueCreateCmd.Flags().String("repo", "", "Repository (owner/name)")
	issueCreateCmd.Flags().String("logs-file", "", "File with relevant log output")
	issueCreateCmd.Flags().StringSlice("file", nil, "Relevant source file (repeatable)")
	issueCreateCmd.MarkFlagRequired("title")

	issueListCmd.Flags().StringSlice("state", nil, "Filter by state (comma-separated)")
	issueListCmd.Flags().String("repo", "", "Filter by repository")

	issueAdvanceCmd.Flags().Bool("until-done", false, "Keep advancing until the issue stops")

	issueRetriageCmd.Flags().Bool("force", false, "Take over a lock held by a running stage")
	issueRetriageCmd.Flags().String("reason", "", "Why the issue is being retriaged")

	issuePromoteCmd.Flags().String("root-cause", "", "Root cause of the bug")
	issuePromoteCmd.Flags().String("summary", "", "One-line summary (defaults to the root cause)")
	issuePromoteCmd.Flags().StringSlice("file", nil, "Relevant source file (repeatable)")
	issuePromoteCmd.Flags().Float64("confidence", 0.5, "Confidence between 0 and 1")

	for _, c := range []*cobra.Command{
		issueCreateCmd, issueStatusCmd, issueListCmd, issueAdvanceCmd,
		issueInboxCmd, issueAttentionCmd, issueEventsCmd, issueWatchCmd,
	} {
		c.Flags().String("format", "text", "Output format: text or json")
	}

	issueCmd.AddCommand(issueCreateCmd)
	issueCmd.AddCommand(issueStatusCmd)
	issueCmd.AddCommand(issueListCmd)
	issueCmd.AddCommand(issueAdvanceCmd)
	issueCmd.AddCommand(issueRetriageCmd)
	issueCmd.AddCommand(issuePromoteCmd)
	issueCmd.AddCommand(issueDeleteCmd)
	issueCmd.AddCommand(issueInboxCmd)
	issueCmd.AddCommand(issueAttentionCmd)
	issueCmd.AddCommand(issueEventsCmd)
	issueCmd.AddCommand(issueWatchCmd)
}
