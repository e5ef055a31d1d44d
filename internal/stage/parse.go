package stage

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/lucasnoah/debugfactory/internal/pipeline"
	"github.com/lucasnoah/debugfactory/internal/qa"
)

var fencedBlock = regexp.MustCompile("(?s)```([a-zA-Z]*)[ \t]*\n(.*?)\n?```")

// ExtractJSON returns the JSON object in s, tolerating code fences and
// surrounding prose.
func ExtractJSON(s string) (string, bool) {
	for _, m := range fencedBlock.FindAllStringSubmatch(s, -1) {
		body := strings.TrimSpace(m[2])
		if strings.HasPrefix(body, "{") {
			return body, true
		}
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}

type diagnoseResponse struct {
	pipeline.Diagnosis
	Unfixable bool   `json:"unfixable"`
	Reason    string `json:"reason"`
}

// parseDiagnosis normalizes a diagnose response. Missing or unparsable JSON,
// a missing root cause and an explicit unfixable flag are all fatal.
func parseDiagnosis(content string, iss *pipeline.Issue) (*pipeline.Diagnosis, *Error) {
	if strings.TrimSpace(content) == "" {
		return nil, fatal(pipeline.StageDiagnose, "empty agent response")
	}
	raw, ok := ExtractJSON(content)
	if !ok {
		return nil, fatal(pipeline.StageDiagnose, "response contains no JSON object")
	}
	var resp diagnoseResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil, fatal(pipeline.StageDiagnose, "malformed diagnosis JSON: %v", err)
	}
	if resp.Unfixable {
		reason := resp.Reason
		if reason == "" {
			reason = resp.Summary
		}
		return nil, fatal(pipeline.StageDiagnose, "agent reports issue is unfixable: %s", reason)
	}
	d := resp.Diagnosis
	d.RootCause = strings.TrimSpace(d.RootCause)
	if d.RootCause == "" {
		return nil, fatal(pipeline.StageDiagnose, "diagnosis has no root_cause")
	}
	if strings.TrimSpace(d.Summary) == "" {
		d.Summary = d.RootCause
	}
	if d.Confidence < 0 {
		d.Confidence = 0
	}
	if d.Confidence > 1 {
		d.Confidence = 1
	}
	if len(d.RelevantFiles) == 0 {
		d.RelevantFiles = append([]string(nil), iss.RelevantFiles...)
	}
	return &d, nil
}

var (
	unfixableLine  = regexp.MustCompile(`(?m)^\s*UNFIXABLE:\s*(.*)$`)
	diffHeading    = regexp.MustCompile(`(?mi)^#{2,4}\s*diff:?\s*$`)
	explainHeading = regexp.MustCompile(`(?mi)^#{2,4}\s*explanation:?\s*$`)
)

// parsePatch extracts the diff and explanation sections from a patch response.
func parsePatch(content string, round int) (*pipeline.Patch, *Error) {
	if strings.TrimSpace(content) == "" {
		return nil, fatal(pipeline.StagePatch, "empty agent response")
	}
	if m := unfixableLine.FindStringSubmatch(content); m != nil {
		return nil, fatal(pipeline.StagePatch, "agent reports issue is unfixable: %s", strings.TrimSpace(m[1]))
	}

	diffSection, explanation := content, ""
	if loc := diffHeading.FindStringIndex(content); loc != nil {
		diffSection = content[loc[1]:]
	}
	if loc := explainHeading.FindStringIndex(diffSection); loc != nil {
		explanation = strings.TrimSpace(diffSection[loc[1]:])
		diffSection = diffSection[:loc[0]]
	}

	diff := ""
	for _, m := range fencedBlock.FindAllStringSubmatch(diffSection, -1) {
		if m[1] == "" || m[1] == "diff" || m[1] == "patch" {
			diff = m[2]
			break
		}
	}
	if diff == "" {
		diff = strings.TrimSpace(diffSection)
	}
	if !strings.Contains(diff, "\n+++ ") && !strings.HasPrefix(diff, "+++ ") {
		return nil, fatal(pipeline.StagePatch, "response contains no unified diff")
	}
	if !strings.HasSuffix(diff, "\n") {
		diff += "\n"
	}

	return &pipeline.Patch{
		Diff:         diff,
		Explanation:  explanation,
		FilesChanged: qa.FilesChanged(diff),
		Round:        round,
	}, nil
}

type reviewResponse struct {
	Verdict string   `json:"verdict"`
	Summary string   `json:"summary"`
	Issues  []string `json:"issues"`
}

// parseReview normalizes the QA agent's verdict.
func parseReview(content string) (*reviewResponse, *Error) {
	raw, ok := ExtractJSON(content)
	if !ok {
		return nil, fatal(pipeline.StageQA, "review contains no JSON object")
	}
	var r reviewResponse
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, fatal(pipeline.StageQA, "malformed review JSON: %v", err)
	}
	r.Verdict = strings.ToLower(strings.TrimSpace(r.Verdict))
	if r.Verdict != pipeline.VerdictPass && r.Verdict != pipeline.VerdictFail {
		return nil, fatal(pipeline.StageQA, "review verdict %q is neither pass nor fail", r.Verdict)
	}
	return &r, nil
}

// maxTitleLen is the GitHub-friendly pull request title length.
const maxTitleLen = 72

// prTitle builds "Fix: <root cause>" from the first line of the root cause.
func prTitle(d pipeline.Diagnosis) string {
	cause := strings.TrimSpace(d.RootCause)
	if i := strings.IndexByte(cause, '\n'); i >= 0 {
		cause = strings.TrimSpace(cause[:i])
	}
	cause = strings.TrimRight(cause, ".")
	title := "Fix: " + cause
	if utf8.RuneCountInString(title) <= maxTitleLen {
		return title
	}
	runes := []rune(title)
	return strings.TrimSpace(string(runes[:maxTitleLen-3])) + "..."
}

func formatFindings(findings []pipeline.Finding) string {
	var b strings.Builder
	for _, f := range findings {
		b.WriteString("- [")
		b.WriteString(f.Severity)
		b.WriteString("] ")
		if f.Check != "" {
			b.WriteString(f.Check)
			b.WriteString(": ")
		}
		if f.File != "" {
			fmt.Fprintf(&b, "%s: ", f.File)
		}
		b.WriteString(f.Message)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func bulletList(items []string) string {
	if len(items) == 0 {
		return ""
	}
	return "- " + strings.Join(items, "\n- ")
}
