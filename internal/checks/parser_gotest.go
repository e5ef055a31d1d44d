package checks

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lucasnoah/debugfactory/internal/pipeline"
)

// GoTestParser parses `go test -json` output.
type GoTestParser struct{}

type goTestEvent struct {
	Action  string `json:"Action"`
	Package string `json:"Package"`
	Test    string `json:"Test"`
	Output  string `json:"Output"`
}

// maxTestOutput caps the output kept per failing test.
const maxTestOutput = 2000

func (p *GoTestParser) Parse(stdout string, stderr string, exitCode int) ParseResult {
	var (
		passed, failed, skipped int
		parsedAny               bool
		order                   []string
		failures                = map[string]bool{}
		output                  = map[string]*strings.Builder{}
		pkgOf                   = map[string]string{}
	)

	sc := bufio.NewScanner(strings.NewReader(stdout))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var ev goTestEvent
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			continue
		}
		parsedAny = true
		key := ev.Package + "." + ev.Test
		switch ev.Action {
		case "output":
			if ev.Test == "" {
				continue
			}
			b, ok := output[key]
			if !ok {
				b = &strings.Builder{}
				output[key] = b
			}
			if b.Len() < maxTestOutput {
				b.WriteString(ev.Output)
			}
		case "pass":
			if ev.Test != "" {
				passed++
			}
		case "skip":
			if ev.Test != "" {
				skipped++
			}
		case "fail":
			if ev.Test == "" {
				// Package-level failure without test events (build failure).
				if !failures[key] {
					failures[key] = true
					order = append(order, key)
					pkgOf[key] = ev.Package
				}
				continue
			}
			failed++
			failures[key] = true
			order = append(order, key)
			pkgOf[key] = ev.Package
		}
	}

	if !parsedAny {
		g := (&GenericParser{}).Parse(stdout, stderr, exitCode)
		g.Summary = fmt.Sprintf("exit code %d (could not parse test JSON)", exitCode)
		return g
	}

	var findings []pipeline.Finding
	for _, key := range order {
		name := strings.TrimPrefix(key, pkgOf[key]+".")
		msg := "package failed"
		if name != "" {
			msg = name + " failed"
		}
		if b, ok := output[key]; ok {
			msg += ": " + strings.TrimSpace(b.String())
		} else if name == "" && stderr != "" {
			msg += ": " + strings.TrimSpace(stderr)
		}
		findings = append(findings, pipeline.Finding{File: pkgOf[key], Severity: "error", Message: msg})
	}

	return ParseResult{
		Passed:   exitCode == 0 && len(findings) == 0,
		Summary:  fmt.Sprintf("%d passed, %d failed, %d skipped", passed, failed, skipped),
		Findings: findings,
	}
}
