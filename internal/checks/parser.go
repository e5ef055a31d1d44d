package checks

import "github.com/lucasnoah/debugfactory/internal/pipeline"

// ParseResult holds the normalized output from a parser.
type ParseResult struct {
	Passed   bool               `json:"passed"`
	Summary  string             `json:"summary"`
	Findings []pipeline.Finding `json:"findings"`
}

// Parser converts raw command output into a structured ParseResult.
type Parser interface {
	Parse(stdout string, stderr string, exitCode int) ParseResult
}
