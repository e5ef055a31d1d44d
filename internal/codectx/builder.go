// Package codectx gathers source excerpts from a repository's local clone
// so diagnose and patch prompts can see the code they reason about.
package codectx

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Mode controls how much source context is gathered.
type Mode string

const (
	ModeFull      Mode = "full"       // file excerpts and recent commits
	ModeFilesOnly Mode = "files_only" // file excerpts only
	ModeOff       Mode = "off"
)

// ValidModes lists all valid modes.
var ValidModes = []Mode{ModeFull, ModeFilesOnly, ModeOff}

// IsValidMode checks whether a string is a valid mode.
func IsValidMode(s string) bool {
	for _, m := range ValidModes {
		if string(m) == s {
			return true
		}
	}
	return false
}

// GitRunner provides the git history lookups.
type GitRunner interface {
	RecentCommits(ctx context.Context, dir, path string, n int) (string, error)
}

// Options bounds what one Gather call reads.
type Options struct {
	Mode Mode
	// MaxFiles caps the number of files read. Zero means 5.
	MaxFiles int
	// MaxFileBytes truncates each file. Zero means 8000.
	MaxFileBytes int
	// Commits is the number of recent commits listed per file. Zero means 5.
	Commits int
}

// Builder reads files from the clones of known repositories.
type Builder struct {
	git   GitRunner
	repos map[string]string
	opts  Options
}

// NewBuilder creates a Builder. repos maps "owner/name" to a local clone.
func NewBuilder(git GitRunner, repos map[string]string, opts Options) *Builder {
	if opts.Mode == "" {
		opts.Mode = ModeFull
	}
	if opts.MaxFiles <= 0 {
		opts.MaxFiles = 5
	}
	if opts.MaxFileBytes <= 0 {
		opts.MaxFileBytes = 8000
	}
	if opts.Commits <= 0 {
		opts.Commits = 5
	}
	m := make(map[string]string, len(repos))
	for k, v := range repos {
		m[k] = v
	}
	return &Builder{git: git, repos: m, opts: opts}
}

// Gather returns a markdown section with an excerpt of each file and, in
// full mode, its recent commits. Files outside the clone or missing from it
// are skipped. An unknown repository yields "" and no error.
func (b *Builder) Gather(ctx context.Context, repository string, files []string) (string, error) {
	if b.opts.Mode == ModeOff || len(files) == 0 {
		return "", nil
	}
	root, ok := b.repos[repository]
	if !ok {
		return "", nil
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", root, err)
	}

	var sb strings.Builder
	read := 0
	for _, f := range dedupe(files) {
		if read == b.opts.MaxFiles {
			break
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		path, ok := within(absRoot, f)
		if !ok {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		read++

		fmt.Fprintf(&sb, "### %s\n", f)
		if b.opts.Mode == ModeFull && b.git != nil {
			if log, err := b.git.RecentCommits(ctx, absRoot, f, b.opts.Commits); err == nil && log != "" {
				fmt.Fprintf(&sb, "Recent commits:\n%s\n\n", log)
			}
		}
		excerpt, truncated := clip(string(data), b.opts.MaxFileBytes)
		fmt.Fprintf(&sb, "```\n%s\n```\n", excerpt)
		if truncated {
			fmt.Fprintf(&sb, "(truncated to %d bytes)\n", b.opts.MaxFileBytes)
		}
		sb.WriteString("\n")
	}
	return strings.TrimSpace(sb.String()), nil
}

// within resolves rel under root, rejecting absolute paths and escapes.
func within(root, rel string) (string, bool) {
	rel = strings.TrimSpace(rel)
	if rel == "" || filepath.IsAbs(rel) {
		return "", false
	}
	p := filepath.Join(root, filepath.Clean(rel))
	if !strings.HasPrefix(p, root+string(filepath.Separator)) {
		return "", false
	}
	return p, true
}

// clip cuts s to at most n bytes on a line boundary when one exists.
func clip(s string, n int) (string, bool) {
	s = strings.TrimRight(s, "\n")
	if len(s) <= n {
		return s, false
	}
	cut := s[:n]
	if i := strings.LastIndexByte(cut, '\n'); i > 0 {
		cut = cut[:i]
	}
	return cut, true
}

func dedupe(items []string) []string {
	seen := make(map[string]bool, len(items))
	var out []string
	for _, it := range items {
		if it == "" || seen[it] {
			continue
		}
		seen[it] = true
		out = append(out, it)
	}
	return out
}
