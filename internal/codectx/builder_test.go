package codectx

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// mockGit implements GitRunner for testing.
type mockGit struct {
	log   string
	err   error
	calls []string
}

func (m *mockGit) RecentCommits(ctx context.Context, dir, path string, n int) (string, error) {
	m.calls = append(m.calls, path)
	return m.log, m.err
}

func newRepo(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		p := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func TestGather_FullMode(t *testing.T) {
	root := newRepo(t, map[string]string{"auth/session.go": "package auth\n\nfunc Logout() {}\n"})
	git := &mockGit{log: "abc123 add logout"}
	b := NewBuilder(git, map[string]string{"acme/api": root}, Options{})

	out, err := b.Gather(context.Background(), "acme/api", []string{"auth/session.go"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{"### auth/session.go", "func Logout()", "abc123 add logout"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestGather_FilesOnlySkipsGit(t *testing.T) {
	root := newRepo(t, map[string]string{"a.go": "package a\n"})
	git := &mockGit{log: "abc123 change"}
	b := NewBuilder(git, map[string]string{"acme/api": root}, Options{Mode: ModeFilesOnly})

	out, err := b.Gather(context.Background(), "acme/api", []string{"a.go"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(git.calls) != 0 {
		t.Errorf("git called in files_only mode: %v", git.calls)
	}
	if strings.Contains(out, "abc123") {
		t.Errorf("commits included in files_only mode:\n%s", out)
	}
}

func TestGather_OffAndUnknownRepo(t *testing.T) {
	root := newRepo(t, map[string]string{"a.go": "package a\n"})
	repos := map[string]string{"acme/api": root}

	off := NewBuilder(nil, repos, Options{Mode: ModeOff})
	if out, err := off.Gather(context.Background(), "acme/api", []string{"a.go"}); err != nil || out != "" {
		t.Errorf("off mode: got %q, %v", out, err)
	}

	b := NewBuilder(nil, repos, Options{})
	if out, err := b.Gather(context.Background(), "other/repo", []string{"a.go"}); err != nil || out != "" {
		t.Errorf("unknown repo: got %q, %v", out, err)
	}
}

func TestGather_SkipsEscapesAndMissingFiles(t *testing.T) {
	root := newRepo(t, map[string]string{"a.go": "package a\n"})
	outside := filepath.Join(filepath.Dir(root), "secret.txt")
	if err := os.WriteFile(outside, []byte("secret"), 0o644); err != nil {
		t.Fatal(err)
	}
	b := NewBuilder(nil, map[string]string{"acme/api": root}, Options{})

	out, err := b.Gather(context.Background(), "acme/api", []string{"../secret.txt", outside, "missing.go", "a.go"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(out, "secret") {
		t.Errorf("read a file outside the clone:\n%s", out)
	}
	if !strings.Contains(out, "### a.go") {
		t.Errorf("expected a.go in output:\n%s", out)
	}
	if strings.Contains(out, "missing.go") {
		t.Errorf("missing file should be skipped:\n%s", out)
	}
}

func TestGather_Limits(t *testing.T) {
	files := map[string]string{}
	var names []string
	for _, n := range []string{"a.go", "b.go", "c.go"} {
		files[n] = strings.Repeat("line\n", 100)
		names = append(names, n)
	}
	root := newRepo(t, files)
	b := NewBuilder(nil, map[string]string{"acme/api": root}, Options{MaxFiles: 2, MaxFileBytes: 50})

	out, err := b.Gather(context.Background(), "acme/api", append(names, "a.go"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Count(out, "### ") != 2 {
		t.Errorf("expected 2 files, got:\n%s", out)
	}
	if !strings.Contains(out, "(truncated to 50 bytes)") {
		t.Errorf("expected truncation note:\n%s", out)
	}
}

func TestGather_GitErrorIgnored(t *testing.T) {
	root := newRepo(t, map[string]string{"a.go": "package a\n"})
	b := NewBuilder(&mockGit{err: errors.New("not a git repo")}, map[string]string{"acme/api": root}, Options{})

	out, err := b.Gather(context.Background(), "acme/api", []string{"a.go"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "package a") {
		t.Errorf("expected file content despite git error:\n%s", out)
	}
}

func TestGather_Cancelled(t *testing.T) {
	root := newRepo(t, map[string]string{"a.go": "package a\n"})
	b := NewBuilder(nil, map[string]string{"acme/api": root}, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := b.Gather(ctx, "acme/api", []string{"a.go"}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestIsValidMode(t *testing.T) {
	for _, m := range []string{"full", "files_only", "off"} {
		if !IsValidMode(m) {
			t.Errorf("IsValidMode(%q) = false", m)
		}
	}
	if IsValidMode("minimal") {
		t.Error("IsValidMode(minimal) = true")
	}
}
