package checks

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/lucasnoah/debugfactory/internal/worktree"
)

type fakeGit struct {
	calls    [][]string
	applyErr error
}

func (g *fakeGit) Run(ctx context.Context, dir string, args ...string) (string, error) {
	g.calls = append(g.calls, args)
	if args[0] == "apply" && g.applyErr != nil {
		return "", g.applyErr
	}
	return "", nil
}

const sampleDiff = "--- a/x.go\n+++ b/x.go\n@@ -1 +1 @@\n-a\n+b\n"

func TestPatchChecker_RunsChecksInWorktree(t *testing.T) {
	git := &fakeGit{}
	cmd := &mockCmd{results: []mockResult{{ExitCode: 0}, {Stdout: "FAIL", ExitCode: 1}}}
	pc := NewPatchChecker(NewRunner(cmd), worktree.NewManager(git, "", ""),
		map[string]string{"acme/api": "/src/api"},
		[]CheckConfig{{Name: "build", Command: "go build ./..."}, {Name: "test", Command: "go test ./..."}}, nil)

	findings, err := pc.Check(context.Background(), "ISSUE-1", "acme/api", sampleDiff)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(findings) != 1 || findings[0].Check != "test" {
		t.Errorf("findings = %+v", findings)
	}
	if len(cmd.calls) != 2 || cmd.calls[0].Dir != "/src/api/.worktrees/issue-qa-ISSUE-1" {
		t.Errorf("checks ran in %+v", cmd.calls)
	}

	var applies, removed int
	for _, c := range git.calls {
		if c[0] == "apply" {
			applies++
		}
		if c[0] == "worktree" && c[1] == "remove" {
			removed++
		}
	}
	if applies != 2 || removed != 1 {
		t.Errorf("applies=%d removed=%d, calls=%v", applies, removed, git.calls)
	}
}

func TestPatchChecker_ApplyFailureIsFinding(t *testing.T) {
	git := &fakeGit{applyErr: fmt.Errorf("error: patch failed: x.go:1")}
	cmd := &mockCmd{}
	pc := NewPatchChecker(NewRunner(cmd), worktree.NewManager(git, "", ""),
		map[string]string{"acme/api": "/src/api"}, []CheckConfig{{Name: "test", Command: "go test ./..."}}, nil)

	findings, err := pc.Check(context.Background(), "ISSUE-1", "acme/api", sampleDiff)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(findings) != 1 || findings[0].Check != "git-apply" || !strings.Contains(findings[0].Message, "patch failed") {
		t.Errorf("findings = %+v", findings)
	}
	if len(cmd.calls) != 0 {
		t.Error("checks should not run when the patch does not apply")
	}
}

func TestPatchChecker_UnknownRepositorySkips(t *testing.T) {
	git := &fakeGit{}
	pc := NewPatchChecker(NewRunner(&mockCmd{}), worktree.NewManager(git, "", ""), nil, nil, nil)
	findings, err := pc.Check(context.Background(), "ISSUE-1", "acme/other", sampleDiff)
	if err != nil || findings != nil {
		t.Errorf("findings=%v err=%v", findings, err)
	}
	if len(git.calls) != 0 {
		t.Error("no git commands expected")
	}
}
