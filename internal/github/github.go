// Package github is the version control host used by the pr stage: it applies
// a validated patch in a worktree, pushes a fix branch and opens a pull request.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/lucasnoah/debugfactory/internal/pipeline"
	"github.com/lucasnoah/debugfactory/internal/worktree"
)

// PullRequest is everything needed to open a pull request for one issue.
type PullRequest struct {
	Repository string
	IssueID    string
	Title      string
	Body       string
	Patch      pipeline.Patch
}

// Repo identifies a GitHub repository.
type Repo struct {
	Owner string
	Name  string
}

func (r Repo) String() string { return r.Owner + "/" + r.Name }

// ParseRepository accepts "owner/name", "github.com/owner/name",
// https URLs and git@github.com:owner/name.git.
func ParseRepository(s string) (Repo, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return Repo{}, fmt.Errorf("empty repository")
	}
	path := raw
	switch {
	case strings.HasPrefix(raw, "git@"):
		if i := strings.Index(raw, ":"); i >= 0 {
			path = raw[i+1:]
		}
	case strings.Contains(raw, "://"):
		u, err := url.Parse(raw)
		if err != nil {
			return Repo{}, fmt.Errorf("parse repository %q: %w", s, err)
		}
		path = u.Path
	case strings.HasPrefix(raw, "github.com/"):
		path = strings.TrimPrefix(raw, "github.com/")
	}
	path = strings.TrimSuffix(strings.Trim(path, "/"), ".git")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Repo{}, fmt.Errorf("invalid repository %q: want owner/name", s)
	}
	return Repo{Owner: parts[0], Name: parts[1]}, nil
}

// Error is a host failure tagged with whether retrying can help.
type Error struct {
	Op         string
	StatusCode int
	fatal      bool
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Fatal reports whether the failure is permanent (authorization, missing
// repository, invalid request or a patch that does not apply).
func (e *Error) Fatal() bool { return e.fatal }

func fatalf(op string, format string, args ...any) error {
	return &Error{Op: op, fatal: true, Err: fmt.Errorf(format, args...)}
}

// IsFatal reports whether err carries a permanent host failure.
func IsFatal(err error) bool {
	var he *Error
	return errors.As(err, &he) && he.Fatal()
}

// Opener opens a pull request for a pushed branch.
type Opener interface {
	OpenPR(ctx context.Context, repo Repo, head, base, title, body string) (*pipeline.PRReference, error)
}

// Host implements the version control host on top of local clones.
type Host struct {
	wt     *worktree.Manager
	repos  map[string]string
	opener Opener
	log    *zap.Logger
}

// NewHost creates a Host. repos maps a repository reference to the path of
// its local clone; wt supplies the git runner and base branch.
func NewHost(wt *worktree.Manager, repos map[string]string, opener Opener, log *zap.Logger) *Host {
	if log == nil {
		log = zap.NewNop()
	}
	m := make(map[string]string, len(repos))
	for k, v := range repos {
		m[k] = v
	}
	return &Host{wt: wt, repos: m, opener: opener, log: log}
}

func (h *Host) repoDir(repository string) (string, bool) {
	if dir, ok := h.repos[repository]; ok {
		return dir, true
	}
	// Match by owner/name so URL and short forms share one clone.
	want, err := ParseRepository(repository)
	if err != nil {
		return "", false
	}
	for k, dir := range h.repos {
		if r, err := ParseRepository(k); err == nil && r == want {
			return dir, true
		}
	}
	return "", false
}

// CreatePullRequest applies the patch on a fresh fix branch, pushes it and
// opens a pull request. Retried calls reuse the branch and reset it first.
func (h *Host) CreatePullRequest(ctx context.Context, pr PullRequest) (*pipeline.PRReference, error) {
	repo, err := ParseRepository(pr.Repository)
	if err != nil {
		return nil, &Error{Op: "create pull request", fatal: true, Err: err}
	}
	dir, ok := h.repoDir(pr.Repository)
	if !ok {
		return nil, fatalf("create pull request", "no local clone configured for %s", pr.Repository)
	}
	if strings.TrimSpace(pr.Patch.Diff) == "" {
		return nil, fatalf("create pull request", "patch for %s is empty", pr.IssueID)
	}

	mgr := h.wt.WithRepoDir(dir)
	branch := worktree.BranchName(pr.IssueID)
	log := h.log.With(zap.String("issue_id", pr.IssueID), zap.String("repository", repo.String()), zap.String("branch", branch))

	wt, err := mgr.Create(ctx, worktree.CreateOpts{IssueID: pr.IssueID, Branch: branch})
	if err != nil {
		return nil, &Error{Op: "create worktree", Err: err}
	}
	defer func() {
		if err := mgr.Remove(context.WithoutCancel(ctx), pr.IssueID, true); err != nil {
			log.Warn("remove worktree", zap.Error(err))
		}
	}()

	if err := mgr.Reset(ctx, wt.Path); err != nil {
		return nil, &Error{Op: "reset worktree", Err: err}
	}
	if err := mgr.Apply(ctx, wt.Path, pr.Patch.Diff, false); err != nil {
		return nil, &Error{Op: "apply patch", fatal: true, Err: err}
	}
	if err := mgr.Commit(ctx, wt.Path, commitMessage(pr)); err != nil {
		return nil, &Error{Op: "commit", Err: err}
	}
	if err := mgr.Push(ctx, wt.Path, wt.Branch); err != nil {
		if !isRejected(err) {
			return nil, classifyGit("push", err)
		}
		log.Info("push rejected, retrying with lease")
		if err := mgr.ForcePush(ctx, wt.Path, wt.Branch); err != nil {
			return nil, classifyGit("force push", err)
		}
	}

	ref, err := h.opener.OpenPR(ctx, repo, wt.Branch, mgr.BaseBranch(), pr.Title, pr.Body)
	if err != nil {
		return nil, err
	}
	if ref.Branch == "" {
		ref.Branch = wt.Branch
	}
	if ref.Title == "" {
		ref.Title = pr.Title
	}
	log.Info("pull request ready", zap.String("url", ref.URL), zap.Int("number", ref.Number))
	return ref, nil
}

func commitMessage(pr PullRequest) string {
	var b strings.Builder
	b.WriteString(pr.Title)
	b.WriteString("\n\n")
	if pr.Patch.Explanation != "" {
		b.WriteString(pr.Patch.Explanation)
		b.WriteString("\n\n")
	}
	b.WriteString("Issue: ")
	b.WriteString(pr.IssueID)
	return b.String()
}

func isRejected(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "rejected") || strings.Contains(msg, "non-fast-forward")
}

var fatalGitMarkers = []string{
	"Permission denied",
	"Authentication failed",
	"Repository not found",
	"could not read Username",
	"403",
}

func classifyGit(op string, err error) error {
	msg := err.Error()
	for _, m := range fatalGitMarkers {
		if strings.Contains(msg, m) {
			return &Error{Op: op, fatal: true, Err: err}
		}
	}
	return &Error{Op: op, Err: err}
}

// DryRun is an Opener that records the branch without contacting GitHub.
// It backs local runs where no token is configured.
type DryRun struct{}

func (DryRun) OpenPR(ctx context.Context, repo Repo, head, base, title, body string) (*pipeline.PRReference, error) {
	return &pipeline.PRReference{
		URL:    fmt.Sprintf("https://github.com/%s/compare/%s...%s", repo, base, head),
		Branch: head,
		Title:  title,
	}, nil
}
