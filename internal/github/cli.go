package github

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/lucasnoah/debugfactory/internal/pipeline"
)

// CmdRunner provides gh command execution. Interface for testing.
type CmdRunner interface {
	Run(ctx context.Context, args ...string) (string, error)
}

// ExecRunner runs gh commands via exec.
type ExecRunner struct{}

func (r *ExecRunner) Run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return strings.TrimSpace(string(out)), fmt.Errorf("gh %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// CLIOpener opens pull requests with the gh CLI, using whatever
// authentication gh already has.
type CLIOpener struct {
	cmd CmdRunner
}

// NewCLIOpener creates a CLIOpener.
func NewCLIOpener(cmd CmdRunner) *CLIOpener {
	return &CLIOpener{cmd: cmd}
}

// OpenPR creates a pull request.
func (o *CLIOpener) OpenPR(ctx context.Context, repo Repo, head, base, title, body string) (*pipeline.PRReference, error) {
	args := []string{"pr", "create", "--repo", repo.String(), "--title", title, "--body", body, "--head", head}
	if base != "" {
		args = append(args, "--base", base)
	}
	out, err := o.cmd.Run(ctx, args...)
	if err != nil {
		if strings.Contains(err.Error(), "already exists") {
			if ref, ferr := o.FindPRByBranch(ctx, repo, head); ferr == nil && ref != nil {
				return ref, nil
			}
		}
		return nil, classifyCLI("create pull request", err)
	}
	url := lastLine(out)
	return &pipeline.PRReference{URL: url, Number: prNumber(url), Branch: head, Title: title}, nil
}

// FindPRByBranch returns the open pull request for a branch, or nil.
func (o *CLIOpener) FindPRByBranch(ctx context.Context, repo Repo, branch string) (*pipeline.PRReference, error) {
	out, err := o.cmd.Run(ctx, "pr", "list", "--repo", repo.String(), "--head", branch, "--json", "url,number,title", "--limit", "1")
	if err != nil {
		return nil, classifyCLI("find pull request", err)
	}
	var prs []struct {
		URL    string `json:"url"`
		Number int    `json:"number"`
		Title  string `json:"title"`
	}
	if err := json.Unmarshal([]byte(out), &prs); err != nil {
		return nil, fmt.Errorf("parse PR list JSON: %w", err)
	}
	if len(prs) == 0 {
		return nil, nil
	}
	return &pipeline.PRReference{URL: prs[0].URL, Number: prs[0].Number, Branch: branch, Title: prs[0].Title}, nil
}

var prNumberRe = regexp.MustCompile(`/pull/(\d+)`)

func prNumber(url string) int {
	m := prNumberRe.FindStringSubmatch(url)
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndex(s, "\n"); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}

var fatalCLIMarkers = []string{
	"HTTP 401",
	"HTTP 403",
	"HTTP 404",
	"HTTP 422",
	"Bad credentials",
	"Could not resolve to a Repository",
	"not logged in",
	"gh auth login",
	"executable file not found",
}

func classifyCLI(op string, err error) error {
	msg := err.Error()
	for _, m := range fatalCLIMarkers {
		if strings.Contains(msg, m) {
			return &Error{Op: op, fatal: true, Err: err}
		}
	}
	return &Error{Op: op, Err: err}
}
