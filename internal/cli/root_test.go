package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func executeCommand(args ...string) (string, error) {
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

// writeConfig points --config at a static, in-memory-free sqlite setup in a
// temp dir and returns the config path.
func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "debugfactory.yaml")
	content := `
store:
  driver: sqlite
  path: ` + filepath.Join(dir, "test.db") + `
agent:
  provider: static
github:
  mode: dry-run
workflow:
  max_retries: 0
  backoff:
    initial: 1ms
    max: 1ms
log:
  level: error
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestVersionCommand(t *testing.T) {
	SetVersion("test-version")
	out, err := executeCommand("version")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "test-version") {
		t.Errorf("expected version output to contain 'test-version', got: %s", out)
	}
}

func TestRootHelp(t *testing.T) {
	out, err := executeCommand("--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedSubcommands := []string{
		"serve", "issue", "triage", "metrics", "voice",
		"prompts", "config", "db", "version",
	}
	for _, sub := range expectedSubcommands {
		if !strings.Contains(out, sub) {
			t.Errorf("help output missing subcommand %q", sub)
		}
	}
}

func TestIssueSubcommands(t *testing.T) {
	subcmds := []string{"create", "status", "list", "advance", "retriage", "promote", "delete", "inbox", "attention", "events", "watch"}
	for _, sub := range subcmds {
		out, err := executeCommand("issue", sub, "--help")
		if err != nil {
			t.Errorf("issue %s --help failed: %v", sub, err)
		}
		if !strings.Contains(out, "Usage") {
			t.Errorf("issue %s --help missing usage, got: %s", sub, out)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	path := writeConfig(t)
	out, err := executeCommand("--config", path, "config", "validate")
	if err != nil {
		t.Fatalf("config validate: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Configuration is valid.") {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestConfigShowRedactsSecrets(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "debugfactory.yaml")
	if err := os.WriteFile(path, []byte("agent:\n  api_key: sk-secret\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err := executeCommand("--config", path, "config", "show")
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	if strings.Contains(out, "sk-secret") {
		t.Errorf("config show leaked the api key:\n%s", out)
	}
}

func TestIssueLifecycle(t *testing.T) {
	path := writeConfig(t)

	out, err := executeCommand("--config", path, "issue", "create", "--title", "Logout panics", "--repo", "acme/api", "--format", "json")
	if err != nil {
		t.Fatalf("issue create: %v\n%s", err, out)
	}
	id := between(out, `"issue_id": "`, `"`)
	if !strings.HasPrefix(id, "ISSUE-") {
		t.Fatalf("no issue id in output:\n%s", out)
	}

	out, err = executeCommand("--config", path, "issue", "inbox")
	if err != nil || !strings.Contains(out, id) {
		t.Fatalf("inbox missing %s: %v\n%s", id, err, out)
	}

	out, err = executeCommand("--config", path, "issue", "advance", id)
	if err != nil {
		t.Fatalf("issue advance: %v\n%s", err, out)
	}
	if !strings.Contains(out, "diagnosed") {
		t.Errorf("expected diagnosed after one advance, got:\n%s", out)
	}

	out, err = executeCommand("--config", path, "issue", "status", id)
	if err != nil {
		t.Fatalf("issue status: %v", err)
	}
	if !strings.Contains(out, "Next Stage:   patch") {
		t.Errorf("unexpected status:\n%s", out)
	}

	out, err = executeCommand("--config", path, "issue", "events", id)
	if err != nil || !strings.Contains(out, "diagnose") {
		t.Errorf("events: %v\n%s", err, out)
	}

	out, err = executeCommand("--config", path, "metrics")
	if err != nil || !strings.Contains(out, "diagnosed") {
		t.Errorf("metrics: %v\n%s", err, out)
	}

	if _, err := executeCommand("--config", path, "issue", "delete", id); err != nil {
		t.Fatalf("issue delete: %v", err)
	}
	if _, err := executeCommand("--config", path, "issue", "status", id); err == nil {
		t.Error("expected an error for a deleted issue")
	}
}

func TestParseSince(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	got, err := parseSince("24h", now)
	if err != nil || !got.Equal(now.Add(-24*time.Hour)) {
		t.Errorf("parseSince(24h) = %v, %v", got, err)
	}
	if got, err := parseSince("all", now); err != nil || !got.IsZero() {
		t.Errorf("parseSince(all) = %v, %v", got, err)
	}
	if _, err := parseSince("weekly", now); err == nil {
		t.Error("expected error for invalid since")
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("got %q", got)
	}
	if got := truncate("a long line\nwith a break", 10); got != "a long ..." {
		t.Errorf("got %q", got)
	}
}

func between(s, start, end string) string {
	i := strings.Index(s, start)
	if i < 0 {
		return ""
	}
	s = s[i+len(start):]
	j := strings.Index(s, end)
	if j < 0 {
		return ""
	}
	return s[:j]
}
