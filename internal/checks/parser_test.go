package checks

import (
	"strings"
	"testing"
)

func TestGenericParser_Pass(t *testing.T) {
	p := &GenericParser{}
	r := p.Parse("output text", "stderr text", 0)
	if !r.Passed {
		t.Error("expected passed=true")
	}
	if r.Summary != "passed (exit code 0)" {
		t.Errorf("unexpected summary: %q", r.Summary)
	}
	if len(r.Findings) != 0 {
		t.Errorf("expected no findings, got %+v", r.Findings)
	}
}

func TestGenericParser_Fail(t *testing.T) {
	p := &GenericParser{}
	r := p.Parse("out", "err", 1)
	if r.Passed {
		t.Error("expected passed=false")
	}
	if len(r.Findings) != 1 || r.Findings[0].Message != "out\nerr" {
		t.Errorf("findings = %+v", r.Findings)
	}
}

func TestGenericParser_TruncatesKeepingTail(t *testing.T) {
	out := strings.Repeat("a", maxOutputLen) + "TAIL"
	r := (&GenericParser{}).Parse(out, "", 1)
	msg := r.Findings[0].Message
	if !strings.HasPrefix(msg, "…(truncated)") || !strings.HasSuffix(msg, "TAIL") {
		t.Errorf("unexpected truncation: %q...", msg[:40])
	}
}

const goTestFail = `{"Action":"run","Package":"example.com/app/auth","Test":"TestLogout"}
{"Action":"output","Package":"example.com/app/auth","Test":"TestLogout","Output":"    auth_test.go:42: session is nil\n"}
{"Action":"fail","Package":"example.com/app/auth","Test":"TestLogout","Elapsed":0.01}
{"Action":"run","Package":"example.com/app/auth","Test":"TestLogin"}
{"Action":"pass","Package":"example.com/app/auth","Test":"TestLogin","Elapsed":0.01}
{"Action":"skip","Package":"example.com/app/auth","Test":"TestSlow","Elapsed":0}
{"Action":"fail","Package":"example.com/app/auth","Elapsed":0.02}
`

func TestGoTestParser_Failures(t *testing.T) {
	r := (&GoTestParser{}).Parse(goTestFail, "", 1)
	if r.Passed {
		t.Error("expected passed=false")
	}
	if r.Summary != "1 passed, 1 failed, 1 skipped" {
		t.Errorf("summary = %q", r.Summary)
	}
	if len(r.Findings) != 2 {
		t.Fatalf("expected test and package findings, got %+v", r.Findings)
	}
	f := r.Findings[0]
	if f.File != "example.com/app/auth" || !strings.Contains(f.Message, "TestLogout failed: auth_test.go:42: session is nil") {
		t.Errorf("finding = %+v", f)
	}
}

func TestGoTestParser_AllPass(t *testing.T) {
	out := `{"Action":"pass","Package":"example.com/app","Test":"TestA"}
{"Action":"pass","Package":"example.com/app"}
`
	r := (&GoTestParser{}).Parse(out, "", 0)
	if !r.Passed || len(r.Findings) != 0 {
		t.Errorf("r = %+v", r)
	}
}

func TestGoTestParser_BuildFailure(t *testing.T) {
	out := `{"Action":"fail","Package":"example.com/app","Elapsed":0}` + "\n"
	r := (&GoTestParser{}).Parse(out, "app.go:3:2: undefined: foo", 1)
	if r.Passed || len(r.Findings) != 1 {
		t.Fatalf("r = %+v", r)
	}
	if !strings.Contains(r.Findings[0].Message, "undefined: foo") {
		t.Errorf("message = %q", r.Findings[0].Message)
	}
}

func TestGoTestParser_InvalidJSON(t *testing.T) {
	r := (&GoTestParser{}).Parse("not json", "", 2)
	if r.Passed {
		t.Error("expected passed=false")
	}
	if !strings.Contains(r.Summary, "could not parse test JSON") {
		t.Errorf("summary = %q", r.Summary)
	}
}
