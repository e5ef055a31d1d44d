package checks

import (
	"context"
	"fmt"
	"testing"
	"time"
)

// mockCmd records calls and returns configured results.
type mockCmd struct {
	calls   []mockCall
	results []mockResult
	callIdx int
}

type mockCall struct {
	Dir     string
	Command string
}

type mockResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Err      error
}

func (m *mockCmd) Run(ctx context.Context, dir string, command string) (string, string, int, error) {
	m.calls = append(m.calls, mockCall{Dir: dir, Command: command})
	if m.callIdx >= len(m.results) {
		return "", "", 0, nil
	}
	r := m.results[m.callIdx]
	m.callIdx++
	return r.Stdout, r.Stderr, r.ExitCode, r.Err
}

func TestRunner_Run_HappyPath(t *testing.T) {
	mock := &mockCmd{
		results: []mockResult{
			{Stdout: "all good", ExitCode: 0},
		},
	}
	runner := NewRunner(mock)

	result, err := runner.Run(context.Background(), "/tmp/test", CheckConfig{
		Name:    "vet",
		Command: "go vet ./...",
		Parser:  "generic",
		Timeout: 30 * time.Second,
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Passed {
		t.Errorf("expected passed=true, got false")
	}
	if result.CheckName != "vet" {
		t.Errorf("expected check_name=vet, got %q", result.CheckName)
	}
	if result.ExitCode != 0 {
		t.Errorf("expected exit_code=0, got %d", result.ExitCode)
	}
	if len(mock.calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(mock.calls))
	}
	if mock.calls[0].Dir != "/tmp/test" {
		t.Errorf("expected dir=/tmp/test, got %q", mock.calls[0].Dir)
	}
	if mock.calls[0].Command != "go vet ./..." {
		t.Errorf("expected command=go vet ./..., got %q", mock.calls[0].Command)
	}
}

func TestRunner_Run_FailedCheck(t *testing.T) {
	mock := &mockCmd{
		results: []mockResult{
			{Stdout: "errors found", ExitCode: 1},
		},
	}
	runner := NewRunner(mock)

	result, err := runner.Run(context.Background(), "/tmp/test", CheckConfig{
		Name:    "vet",
		Command: "go vet ./...",
		Parser:  "generic",
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Passed {
		t.Errorf("expected passed=false, got true")
	}
	if result.ExitCode != 1 {
		t.Errorf("expected exit_code=1, got %d", result.ExitCode)
	}
}

func TestRunner_Run_AutoFix(t *testing.T) {
	mock := &mockCmd{
		results: []mockResult{
			{Stdout: "errors found", ExitCode: 1}, // initial run
			{Stdout: "fixed", ExitCode: 0},        // fix command
			{Stdout: "all good", ExitCode: 0},     // re-run
		},
	}
	runner := NewRunner(mock)

	result, err := runner.Run(context.Background(), "/tmp/test", CheckConfig{
		Name:       "vet",
		Command:    "go vet ./...",
		Parser:     "generic",
		AutoFix:    true,
		FixCommand: "gofmt -w .",
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Passed {
		t.Errorf("expected passed=true after fix, got false")
	}
	if !result.AutoFixed {
		t.Errorf("expected auto_fixed=true")
	}
	if len(mock.calls) != 3 {
		t.Fatalf("expected 3 calls (run, fix, re-run), got %d", len(mock.calls))
	}
	if mock.calls[1].Command != "gofmt -w ." {
		t.Errorf("expected fix command, got %q", mock.calls[1].Command)
	}
}

func TestRunner_Run_AutoFixStillFails(t *testing.T) {
	mock := &mockCmd{
		results: []mockResult{
			{ExitCode: 1}, // initial run
			{ExitCode: 0}, // fix command
			{ExitCode: 1}, // re-run still fails
		},
	}
	runner := NewRunner(mock)

	result, err := runner.Run(context.Background(), "/tmp/test", CheckConfig{
		Name:       "vet",
		Command:    "go vet ./...",
		Parser:     "generic",
		AutoFix:    true,
		FixCommand: "gofmt -w .",
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Passed {
		t.Errorf("expected passed=false even after fix attempt")
	}
	if !result.AutoFixed {
		t.Errorf("expected auto_fixed=true (fix was attempted)")
	}
}

func TestRunner_Run_NoAutoFixWhenPassing(t *testing.T) {
	mock := &mockCmd{
		results: []mockResult{
			{ExitCode: 0},
		},
	}
	runner := NewRunner(mock)

	result, err := runner.Run(context.Background(), "/tmp/test", CheckConfig{
		Name:       "vet",
		Command:    "go vet ./...",
		Parser:     "generic",
		AutoFix:    true,
		FixCommand: "gofmt -w .",
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Passed {
		t.Errorf("expected passed=true")
	}
	if len(mock.calls) != 1 {
		t.Errorf("expected 1 call (no fix needed), got %d", len(mock.calls))
	}
}

func TestRunner_Run_UnknownParserFallsToGeneric(t *testing.T) {
	mock := &mockCmd{
		results: []mockResult{
			{Stdout: "output", ExitCode: 0},
		},
	}
	runner := NewRunner(mock)

	result, err := runner.Run(context.Background(), "/tmp/test", CheckConfig{
		Name:    "custom",
		Command: "custom-check",
		Parser:  "unknown-parser",
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Passed {
		t.Errorf("expected passed=true")
	}
	if result.Summary != "passed (exit code 0)" {
		t.Errorf("expected generic summary, got %q", result.Summary)
	}
}

func TestRunner_Run_CommandError(t *testing.T) {
	mock := &mockCmd{
		results: []mockResult{
			{Err: fmt.Errorf("connection refused")},
		},
	}
	runner := NewRunner(mock)

	_, err := runner.Run(context.Background(), "/tmp/test", CheckConfig{
		Name:    "vet",
		Command: "go vet ./...",
		Parser:  "generic",
	})

	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestRunner_Run_DefaultTimeout(t *testing.T) {
	mock := &mockCmd{
		results: []mockResult{
			{ExitCode: 0},
		},
	}
	runner := NewRunner(mock)

	// Timeout = 0 should use default (2 minutes)
	result, err := runner.Run(context.Background(), "/tmp/test", CheckConfig{
		Name:    "vet",
		Command: "go vet ./...",
		Parser:  "generic",
		Timeout: 0,
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Passed {
		t.Errorf("expected passed=true")
	}
}

func TestRunner_Run_TimeoutBecomesFinding(t *testing.T) {
	runner := NewRunner(blockingCmd{})
	result, err := runner.Run(context.Background(), "/tmp/test", CheckConfig{
		Name:    "test",
		Command: "go test ./...",
		Timeout: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Passed || result.ExitCode != -1 {
		t.Errorf("result = %+v", result)
	}
	if len(result.Findings) != 1 || result.Findings[0].Check != "test" {
		t.Errorf("findings = %+v", result.Findings)
	}
}

func TestRunner_Run_ParentCancelIsError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewRunner(blockingCmd{}).Run(ctx, "/tmp/test", CheckConfig{Name: "test", Command: "go test ./..."})
	if err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

// blockingCmd waits for ctx like a hung process killed by CommandContext.
type blockingCmd struct{}

func (blockingCmd) Run(ctx context.Context, dir string, command string) (string, string, int, error) {
	<-ctx.Done()
	return "", "", -1, ctx.Err()
}

func TestRunSuite(t *testing.T) {
	mock := &mockCmd{
		results: []mockResult{
			{ExitCode: 0},
			{Stdout: "x_test.go:3: boom", ExitCode: 1},
			{ExitCode: 0},
		},
	}
	checks := []CheckConfig{
		{Name: "build", Command: "go build ./..."},
		{Name: "test", Command: "go test ./..."},
		{Name: "vet", Command: "go vet ./..."},
	}

	suite, err := NewRunner(mock).RunSuite(context.Background(), "/wt", checks, false)
	if err != nil {
		t.Fatalf("RunSuite: %v", err)
	}
	if suite.Passed {
		t.Error("expected suite to fail")
	}
	if len(suite.Checks) != 3 {
		t.Fatalf("expected 3 check results, got %d", len(suite.Checks))
	}
	if len(suite.Findings) != 1 || suite.Findings[0].Check != "test" {
		t.Errorf("findings = %+v", suite.Findings)
	}

	mock = &mockCmd{results: []mockResult{{ExitCode: 2}, {ExitCode: 0}}}
	suite, err = NewRunner(mock).RunSuite(context.Background(), "/wt", checks, true)
	if err != nil {
		t.Fatalf("RunSuite: %v", err)
	}
	if len(suite.Checks) != 1 || len(mock.calls) != 1 {
		t.Errorf("expected stop after first failure, ran %d", len(mock.calls))
	}
}

func TestRunSuite_Empty(t *testing.T) {
	suite, err := NewRunner(&mockCmd{}).RunSuite(context.Background(), "/wt", nil, false)
	if err != nil {
		t.Fatalf("RunSuite: %v", err)
	}
	if !suite.Passed || len(suite.Checks) != 0 {
		t.Errorf("suite = %+v", suite)
	}
}
