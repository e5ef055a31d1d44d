package codectx

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// ExecGit implements GitRunner by calling git.
type ExecGit struct{}

// RecentCommits lists the last n commits touching path, one per line.
func (g *ExecGit) RecentCommits(ctx context.Context, dir, path string, n int) (string, error) {
	return runGit(ctx, dir, "log", "--oneline", fmt.Sprintf("-%d", n), "--", path)
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(out)), nil
}
