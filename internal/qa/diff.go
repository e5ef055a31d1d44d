// Package qa performs structural validation of proposed patches before they
// are reviewed by an agent.
package qa

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/lucasnoah/debugfactory/internal/pipeline"
)

// Severities used in findings.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// FileChange summarizes the changes a diff makes to one file.
type FileChange struct {
	OldPath   string `json:"old_path"`
	NewPath   string `json:"new_path"`
	Hunks     int    `json:"hunks"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
}

// Path returns the path the change applies to.
func (f FileChange) Path() string {
	if f.NewPath != "" && f.NewPath != "/dev/null" {
		return f.NewPath
	}
	return f.OldPath
}

// DiffStats is the parsed shape of a unified diff.
type DiffStats struct {
	Files     []FileChange `json:"files"`
	Additions int          `json:"additions"`
	Deletions int          `json:"deletions"`
	// Problems are structural defects found while parsing.
	Problems []string `json:"problems,omitempty"`
}

// hunkHeader matches "@@ -l,s +l,s @@" with optional counts.
var hunkHeader = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)

var conflictMarker = regexp.MustCompile(`^(<{7}|={7}|>{7})( |$)`)

// ParseDiff walks a unified diff, counting hunks and lines per file and
// recording structural problems.
func ParseDiff(diff string) *DiffStats {
	stats := &DiffStats{}
	lines := strings.Split(strings.TrimSuffix(strings.ReplaceAll(diff, "\r\n", "\n"), "\n"), "\n")

	var cur *FileChange
	var wantOld, wantNew, gotOld, gotNew int
	inHunk := false
	hunkLine := 0

	closeHunk := func() {
		if inHunk && (gotOld != wantOld || gotNew != wantNew) {
			stats.Problems = append(stats.Problems, fmt.Sprintf(
				"%s: hunk at line %d declares -%d/+%d lines but has -%d/+%d",
				cur.Path(), hunkLine, wantOld, wantNew, gotOld, gotNew))
		}
		inHunk = false
	}

	for i, line := range lines {
		switch {
		case strings.HasPrefix(line, "--- ") && (!inHunk || (gotOld == wantOld && gotNew == wantNew)):
			closeHunk()
			stats.Files = append(stats.Files, FileChange{OldPath: stripPrefix(line[4:])})
			cur = &stats.Files[len(stats.Files)-1]
		case strings.HasPrefix(line, "+++ ") && cur != nil && cur.NewPath == "" && !inHunk:
			cur.NewPath = stripPrefix(line[4:])
		case strings.HasPrefix(line, "@@"):
			closeHunk()
			if cur == nil || cur.NewPath == "" {
				stats.Problems = append(stats.Problems, fmt.Sprintf("hunk at line %d has no file header", i+1))
				continue
			}
			m := hunkHeader.FindStringSubmatch(line)
			if m == nil {
				stats.Problems = append(stats.Problems, fmt.Sprintf("%s: malformed hunk header at line %d", cur.Path(), i+1))
				continue
			}
			cur.Hunks++
			wantOld, wantNew = count(m[2]), count(m[4])
			gotOld, gotNew = 0, 0
			inHunk = true
			hunkLine = i + 1
		case inHunk && strings.HasPrefix(line, "+"):
			gotNew++
			cur.Additions++
			stats.Additions++
			if conflictMarker.MatchString(line[1:]) {
				stats.Problems = append(stats.Problems, fmt.Sprintf("%s: merge conflict marker added at line %d", cur.Path(), i+1))
			}
		case inHunk && strings.HasPrefix(line, "-"):
			gotOld++
			cur.Deletions++
			stats.Deletions++
		case inHunk && (strings.HasPrefix(line, " ") || (line == "" && (gotOld < wantOld || gotNew < wantNew))):
			gotOld++
			gotNew++
		case strings.HasPrefix(line, `\ No newline`):
		}
	}
	if inHunk {
		closeHunk()
	}

	for _, f := range stats.Files {
		if f.NewPath == "" {
			stats.Problems = append(stats.Problems, fmt.Sprintf("%s: missing +++ header", f.OldPath))
		} else if f.Hunks == 0 {
			stats.Problems = append(stats.Problems, fmt.Sprintf("%s: no hunks", f.Path()))
		}
		if p := f.Path(); unsafePath(p) {
			stats.Problems = append(stats.Problems, fmt.Sprintf("%s: path escapes the repository", p))
		}
	}
	return stats
}

func count(s string) int {
	if s == "" {
		return 1
	}
	n, _ := strconv.Atoi(s)
	return n
}

// stripPrefix removes the a/ or b/ prefix and any trailing timestamp.
func stripPrefix(p string) string {
	if i := strings.IndexByte(p, '\t'); i >= 0 {
		p = p[:i]
	}
	p = strings.TrimSpace(p)
	if strings.HasPrefix(p, "a/") || strings.HasPrefix(p, "b/") {
		return p[2:]
	}
	return p
}

func unsafePath(p string) bool {
	if p == "/dev/null" {
		return false
	}
	if filepath.IsAbs(p) {
		return true
	}
	clean := filepath.ToSlash(filepath.Clean(p))
	return clean == ".." || strings.HasPrefix(clean, "../")
}

// FilesChanged returns the deduplicated paths a diff touches.
func FilesChanged(diff string) []string {
	stats := ParseDiff(diff)
	paths := make([]string, 0, len(stats.Files))
	for _, f := range stats.Files {
		paths = append(paths, f.Path())
	}
	return dedupe(paths)
}

// Inspect validates a patch against its diagnosis. Errors mean the patch
// cannot be accepted as is; warnings are passed to the reviewer.
func Inspect(diff string, diag pipeline.Diagnosis) []pipeline.Finding {
	if strings.TrimSpace(diff) == "" {
		return []pipeline.Finding{{Check: "diff-structure", Severity: SeverityError, Message: "diff is empty"}}
	}
	stats := ParseDiff(diff)
	var findings []pipeline.Finding
	if len(stats.Files) == 0 {
		findings = append(findings, pipeline.Finding{Check: "diff-structure", Severity: SeverityError, Message: "no file headers found; expected --- a/<path> and +++ b/<path>"})
	}
	for _, p := range dedupe(stats.Problems) {
		findings = append(findings, pipeline.Finding{Check: "diff-structure", Severity: SeverityError, Message: p})
	}
	if len(stats.Files) > 0 && stats.Additions+stats.Deletions == 0 {
		findings = append(findings, pipeline.Finding{Check: "diff-structure", Severity: SeverityError, Message: "diff changes no lines"})
	}

	if len(diag.RelevantFiles) > 0 && len(stats.Files) > 0 {
		touched := make([]string, 0, len(stats.Files))
		for _, f := range stats.Files {
			touched = append(touched, f.Path())
		}
		if !overlaps(touched, diag.RelevantFiles) {
			findings = append(findings, pipeline.Finding{
				Check:    "diagnosis-coverage",
				Severity: SeverityWarning,
				Message: fmt.Sprintf("patch touches %s but the diagnosis points at %s",
					strings.Join(dedupe(touched), ", "), strings.Join(diag.RelevantFiles, ", ")),
			})
		}
	}
	return findings
}

// HasErrors reports whether any finding is an error.
func HasErrors(findings []pipeline.Finding) bool {
	for _, f := range findings {
		if f.Severity == SeverityError {
			return true
		}
	}
	return false
}

// overlaps matches paths by suffix so "auth/session.go" matches
// "internal/auth/session.go".
func overlaps(touched, relevant []string) bool {
	for _, t := range touched {
		t = filepath.ToSlash(t)
		for _, r := range relevant {
			r = strings.TrimPrefix(filepath.ToSlash(r), "./")
			if t == r || strings.HasSuffix(t, "/"+r) || strings.HasSuffix(r, "/"+t) {
				return true
			}
		}
	}
	return false
}

// dedupe returns a new slice with duplicates removed, preserving order.
// Always returns a non-nil slice for consistent JSON serialization.
func dedupe(items []string) []string {
	seen := make(map[string]bool)
	result := []string{}
	for _, item := range items {
		if !seen[item] {
			seen[item] = true
			result = append(result, item)
		}
	}
	return result
}
