package checks

import (
	"context"
	"fmt"

	"github.com/lucasnoah/debugfactory/internal/pipeline"
)

// SuiteCheckResult holds the result of a single check within a suite run.
type SuiteCheckResult struct {
	Check     string `json:"check"`
	Passed    bool   `json:"passed"`
	AutoFixed bool   `json:"auto_fixed,omitempty"`
	Runs      int    `json:"runs"`
	Summary   string `json:"summary,omitempty"`
}

// SuiteResult is the structured output of running every configured check.
type SuiteResult struct {
	Passed   bool               `json:"passed"`
	Checks   []SuiteCheckResult `json:"checks"`
	Findings []pipeline.Finding `json:"findings,omitempty"`
}

// RunSuite executes checks in order. With stopOnFailure the suite ends at
// the first failing check.
func (r *Runner) RunSuite(ctx context.Context, dir string, checks []CheckConfig, stopOnFailure bool) (*SuiteResult, error) {
	suite := &SuiteResult{Passed: true}

	for _, chk := range checks {
		result, err := r.Run(ctx, dir, chk)
		if err != nil {
			return suite, fmt.Errorf("run check %q: %w", chk.Name, err)
		}

		runs := 1
		if result.AutoFixed {
			runs = 2
		}
		suite.Checks = append(suite.Checks, SuiteCheckResult{
			Check:     chk.Name,
			Passed:    result.Passed,
			AutoFixed: result.AutoFixed,
			Runs:      runs,
			Summary:   result.Summary,
		})

		if !result.Passed {
			suite.Passed = false
			suite.Findings = append(suite.Findings, result.Findings...)
			if len(result.Findings) == 0 {
				suite.Findings = append(suite.Findings, pipeline.Finding{Check: chk.Name, Severity: "error", Message: result.Summary})
			}
			if stopOnFailure {
				break
			}
		}
	}

	return suite, nil
}
