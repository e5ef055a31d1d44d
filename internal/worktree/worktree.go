package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
)

// GitRunner provides git commands. Interface for testing.
type GitRunner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// ExecGit implements GitRunner using exec.CommandContext.
type ExecGit struct{}

func (g *ExecGit) Run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return strings.TrimSpace(string(out)), fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Manager handles git worktree operations for one repository checkout.
type Manager struct {
	git        GitRunner
	baseDir    string // where worktrees are created
	repoDir    string // git repo root
	baseBranch string
}

// NewManager creates a worktree manager branching from origin/main.
func NewManager(git GitRunner, repoDir string, baseDir string) *Manager {
	return &Manager{git: git, repoDir: repoDir, baseDir: baseDir, baseBranch: "main"}
}

// WithRepoDir creates a new Manager for a different repo root, reusing the same GitRunner.
// The baseDir for worktrees is set to <repoDir>/.worktrees.
func (m *Manager) WithRepoDir(repoDir string) *Manager {
	return &Manager{git: m.git, repoDir: repoDir, baseDir: filepath.Join(repoDir, ".worktrees"), baseBranch: m.baseBranch}
}

// WithBaseBranch returns a copy of m that branches from origin/<branch>.
func (m *Manager) WithBaseBranch(branch string) *Manager {
	c := *m
	if branch != "" {
		c.baseBranch = branch
	}
	return &c
}

// BaseBranch returns the branch new worktrees start from.
func (m *Manager) BaseBranch() string {
	return m.baseBranch
}

// CreateOpts holds options for creating a worktree.
type CreateOpts struct {
	IssueID string
	Branch  string // override auto-generated branch name
}

// CreateResult holds the result of creating a worktree.
type CreateResult struct {
	Path   string
	Branch string
}

// Create creates a new git worktree for an issue.
func (m *Manager) Create(ctx context.Context, opts CreateOpts) (*CreateResult, error) {
	if opts.IssueID == "" {
		return nil, fmt.Errorf("issue id is required")
	}

	branch := opts.Branch
	if branch == "" {
		branch = BranchName(opts.IssueID)
	} else {
		branch = sanitizeBranch(branch)
	}
	worktreePath := m.Path(opts.IssueID)

	// Best-effort fetch so the branch starts from the current remote head.
	m.git.Run(ctx, m.repoDir, "fetch", "origin", m.baseBranch)

	_, err := m.git.Run(ctx, m.repoDir, "worktree", "add", worktreePath, "-b", branch, "origin/"+m.baseBranch)
	if err != nil {
		if strings.Contains(err.Error(), "already exists") {
			_, err = m.git.Run(ctx, m.repoDir, "worktree", "add", worktreePath, branch)
			if err != nil {
				return nil, fmt.Errorf("create worktree: %w", err)
			}
		} else {
			return nil, fmt.Errorf("create worktree: %w", err)
		}
	}

	return &CreateResult{Path: worktreePath, Branch: branch}, nil
}

// Apply writes a unified diff into the worktree with git apply. With check
// set the tree is left untouched and only applicability is verified.
func (m *Manager) Apply(ctx context.Context, dir string, diff string, check bool) error {
	f, err := os.CreateTemp("", "debugfactory-*.patch")
	if err != nil {
		return fmt.Errorf("create patch file: %w", err)
	}
	defer os.Remove(f.Name())
	if !strings.HasSuffix(diff, "\n") {
		diff += "\n"
	}
	if _, err := f.WriteString(diff); err != nil {
		f.Close()
		return fmt.Errorf("write patch file: %w", err)
	}
	f.Close()

	args := []string{"apply", "--whitespace=nowarn"}
	if check {
		args = append(args, "--check")
	}
	args = append(args, f.Name())
	if _, err := m.git.Run(ctx, dir, args...); err != nil {
		return fmt.Errorf("apply patch: %w", err)
	}
	return nil
}

// Commit stages all changes in dir and commits them.
func (m *Manager) Commit(ctx context.Context, dir string, message string) error {
	if _, err := m.git.Run(ctx, dir, "add", "-A"); err != nil {
		return fmt.Errorf("stage changes: %w", err)
	}
	if _, err := m.git.Run(ctx, dir, "commit", "-m", message); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Push pushes branch from dir to origin.
func (m *Manager) Push(ctx context.Context, dir string, branch string) error {
	if strings.HasPrefix(branch, "-") {
		return fmt.Errorf("invalid branch name %q: must not start with -", branch)
	}
	if _, err := m.git.Run(ctx, dir, "push", "-u", "origin", branch); err != nil {
		return fmt.Errorf("push branch: %w", err)
	}
	return nil
}

// ForcePush pushes branch with --force-with-lease, for branches rewritten by
// a retried attempt.
func (m *Manager) ForcePush(ctx context.Context, dir string, branch string) error {
	if strings.HasPrefix(branch, "-") {
		return fmt.Errorf("invalid branch name %q: must not start with -", branch)
	}
	if _, err := m.git.Run(ctx, dir, "push", "--force-with-lease", "-u", "origin", branch); err != nil {
		return fmt.Errorf("force push branch: %w", err)
	}
	return nil
}

// Reset discards all local changes in dir and moves it to origin/<base>.
func (m *Manager) Reset(ctx context.Context, dir string) error {
	if _, err := m.git.Run(ctx, dir, "reset", "--hard", "origin/"+m.baseBranch); err != nil {
		return fmt.Errorf("reset worktree: %w", err)
	}
	if _, err := m.git.Run(ctx, dir, "clean", "-fd"); err != nil {
		return fmt.Errorf("clean worktree: %w", err)
	}
	return nil
}

// Remove removes a git worktree. Uncommitted work is discarded when force is set.
func (m *Manager) Remove(ctx context.Context, issueID string, force bool) error {
	if issueID == "" {
		return fmt.Errorf("issue id is required")
	}
	args := []string{"worktree", "remove", m.Path(issueID)}
	if force {
		args = append(args, "--force")
	}
	if _, err := m.git.Run(ctx, m.repoDir, args...); err != nil {
		return fmt.Errorf("remove worktree: %w", err)
	}
	return nil
}

// Path returns the worktree path for an issue.
func (m *Manager) Path(issueID string) string {
	return filepath.Join(m.baseDir, "issue-"+sanitizeSegment(issueID))
}

// BranchName returns the default fix branch for an issue.
func BranchName(issueID string) string {
	return sanitizeBranch("fix/" + strings.ToLower(issueID))
}

var (
	nonAlphaNum = regexp.MustCompile(`[^a-zA-Z0-9/_-]+`)
	nonSegment  = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)
)

// sanitizeBranch cleans up a branch name.
func sanitizeBranch(name string) string {
	s := nonAlphaNum.ReplaceAllString(name, "-")
	s = strings.Trim(s, "-")
	if len(s) > 100 {
		s = s[:100]
	}
	return s
}

func sanitizeSegment(s string) string {
	return strings.Trim(nonSegment.ReplaceAllString(s, "-"), "-")
}
