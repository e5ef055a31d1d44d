package checks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lucasnoah/debugfactory/internal/pipeline"
	"github.com/lucasnoah/debugfactory/internal/worktree"
)

// PatchChecker applies a candidate diff to a throwaway worktree of the
// issue's repository and runs the configured checks against it.
type PatchChecker struct {
	runner *Runner
	wt     *worktree.Manager
	repos  map[string]string
	checks []CheckConfig
	log    *zap.Logger
}

// NewPatchChecker creates a PatchChecker. repos maps a repository reference
// to its local clone.
func NewPatchChecker(runner *Runner, wt *worktree.Manager, repos map[string]string, checks []CheckConfig, log *zap.Logger) *PatchChecker {
	if log == nil {
		log = zap.NewNop()
	}
	return &PatchChecker{runner: runner, wt: wt, repos: repos, checks: checks, log: log}
}

// Check returns the findings for diff. A repository without a configured
// clone is skipped with no findings.
func (c *PatchChecker) Check(ctx context.Context, issueID, repository, diff string) ([]pipeline.Finding, error) {
	dir, ok := c.repos[repository]
	if !ok {
		c.log.Debug("no local clone, skipping patch checks", zap.String("issue_id", issueID), zap.String("repository", repository))
		return nil, nil
	}

	mgr := c.wt.WithRepoDir(dir)
	id := "qa-" + issueID
	wt, err := mgr.Create(ctx, worktree.CreateOpts{IssueID: id, Branch: "qa/" + worktree.BranchName(issueID)})
	if err != nil {
		return nil, fmt.Errorf("create qa worktree: %w", err)
	}
	defer func() {
		if err := mgr.Remove(context.WithoutCancel(ctx), id, true); err != nil {
			c.log.Warn("remove qa worktree", zap.String("issue_id", issueID), zap.Error(err))
		}
	}()
	if err := mgr.Reset(ctx, wt.Path); err != nil {
		return nil, err
	}

	if err := mgr.Apply(ctx, wt.Path, diff, true); err != nil {
		return []pipeline.Finding{{Check: "git-apply", Severity: "error", Message: err.Error()}}, nil
	}
	if err := mgr.Apply(ctx, wt.Path, diff, false); err != nil {
		return nil, err
	}

	suite, err := c.runner.RunSuite(ctx, wt.Path, c.checks, false)
	if err != nil {
		return nil, err
	}
	c.log.Info("patch checks finished", zap.String("issue_id", issueID), zap.Bool("passed", suite.Passed), zap.Int("checks", len(suite.Checks)))
	return suite.Findings, nil
}
