package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/lucasnoah/debugfactory/internal/triage"
	"github.com/spf13/cobra"
)

var triageCmd = &cobra.Command{
	Use:   "triage [report text]",
	Short: "Turn a raw bug report into an issue",
	Long: `Asks the triage agent to structure a free-form bug report and seeds it as a
pending issue. A report matching an open issue in the same repository is not
seeded again; the existing issue is printed instead.

The report is read from the arguments, from --from-file, or from stdin when
neither is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		text, err := reportText(cmd, args)
		if err != nil {
			return err
		}
		report := triage.RawReport{Text: text, Source: "cli"}
		report.Repository, _ = cmd.Flags().GetString("repo")
		if path, _ := cmd.Flags().GetString("logs-file"); path != "" {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read logs: %w", err)
			}
			report.Logs = string(data)
		}

		a, err := newApp(cmd.Context(), cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.ingester(cmd.ErrOrStderr()).Ingest(cmd.Context(), report)
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return writeJSON(cmd, res)
		}
		w := cmd.OutOrStdout()
		if res.Duplicate {
			fmt.Fprintf(w, "Duplicate of %s (%s): %s\n", res.Issue.ID, res.Issue.State, res.Issue.Title)
			return nil
		}
		fmt.Fprintf(w, "Created %s: %s\n", res.Issue.ID, res.Issue.Title)
		if !res.Structured {
			fmt.Fprintln(w, "  (the agent did not return structured fields; the raw report was kept as the description)")
		}
		return nil
	},
}

func reportText(cmd *cobra.Command, args []string) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	var r io.Reader = cmd.InOrStdin()
	if path, _ := cmd.Flags().GetString("from-file"); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return "", fmt.Errorf("open report: %w", err)
		}
		defer f.Close()
		r = f
	}
	data, err := io.ReadAll(io.LimitReader(r, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read report: %w", err)
	}
	return string(data), nil
}

func init() {
	triageCmd.Flags().String("repo", "", "Repository the report is about (owner/name)")
	triageCmd.Flags().String("from-file", "", "Read the report from a file")
	triageCmd.Flags().String("logs-file", "", "Attach log output from a file")
	triageCmd.Flags().String("format", "text", "Output format: text or json")
}
