package voice

import (
	"regexp"
	"strings"
)

// IntentName identifies what a turn asks for.
type IntentName string

const (
	IntentStatus   IntentName = "status"
	IntentDiagnose IntentName = "diagnose"
	IntentRun      IntentName = "run_workflow"
	IntentPromote  IntentName = "promote"
	IntentAsk      IntentName = "ask"
	IntentHelp     IntentName = "help"
	IntentUnknown  IntentName = "unknown"
)

// Intent is a parsed turn.
type Intent struct {
	Name    IntentName `json:"name"`
	IssueID string     `json:"issue_id,omitempty"`
	Text    string     `json:"text,omitempty"`
}

// needsIssue reports whether the intent acts on a specific issue.
func (i Intent) needsIssue() bool {
	switch i.Name {
	case IntentStatus, IntentDiagnose, IntentRun:
		return true
	}
	return false
}

var (
	// "ISSUE-001", "BUG-7", "ops-x1"
	issueToken = regexp.MustCompile(`\b([A-Za-z]+-[A-Za-z0-9]+)\b`)
	// "issue 42", "issue #42", "issue number 42"
	spokenIssue = regexp.MustCompile(`(?i)\bissue\s+(?:number\s+|#\s*)?(\d+)\b`)
)

// keywords are checked in order; the first group with a match wins.
var keywords = []struct {
	name  IntentName
	words []string
}{
	{IntentHelp, []string{"help", "commands"}},
	{IntentPromote, []string{"promote", "save"}},
	{IntentDiagnose, []string{"diagnose", "analyze", "analyse", "investigate"}},
	{IntentRun, []string{"run", "advance", "start", "continue", "resume"}},
	{IntentStatus, []string{"status", "state", "progress", "where"}},
	{IntentAsk, []string{"ask", "explain", "why", "what", "how"}},
}

// ParseIntent classifies a transcribed or typed turn.
func ParseIntent(text string) Intent {
	text = strings.TrimSpace(text)
	in := Intent{Name: IntentUnknown, Text: text, IssueID: extractIssueID(text)}
	words := map[string]bool{}
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	}) {
		words[w] = true
	}
	for _, k := range keywords {
		for _, w := range k.words {
			if words[w] {
				in.Name = k.name
				return in
			}
		}
	}
	if strings.HasSuffix(text, "?") {
		in.Name = IntentAsk
	}
	return in
}

func extractIssueID(text string) string {
	if m := spokenIssue.FindStringSubmatch(text); m != nil {
		return "ISSUE-" + m[1]
	}
	// Hyphenated words like "re-run" are skipped unless they carry a digit
	// or the issue prefix.
	for _, m := range issueToken.FindAllStringSubmatch(text, -1) {
		id := m[1]
		if strings.HasPrefix(strings.ToLower(id), "issue-") {
			return "ISSUE-" + id[len("issue-"):]
		}
		if strings.ContainsAny(id, "0123456789") {
			return id
		}
	}
	return ""
}

const helpText = `You can say:
  status <issue>    where an issue is in the workflow
  diagnose <issue>  a quick exploratory diagnosis
  promote           save the last diagnosis to its issue
  run <issue>       queue the issue's next stage
  ask <question>    a free-form question about the current issue`
