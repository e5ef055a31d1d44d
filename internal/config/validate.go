package config

import (
	"fmt"
	"sort"

	"github.com/lucasnoah/debugfactory/internal/agent"
	"github.com/lucasnoah/debugfactory/internal/codectx"
	"github.com/lucasnoah/debugfactory/internal/github"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// recognizedParsers is the set of valid parser names for checks.
var recognizedParsers = map[string]bool{
	"generic": true,
	"go-test": true,
}

var (
	storeDrivers   = map[string]bool{"sqlite": true, "postgres": true, "file": true, "memory": true}
	agentProviders = map[string]bool{"openai": true, "static": true}
	githubModes    = map[string]bool{"api": true, "cli": true, "dry-run": true}
	logLevels      = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	logFormats     = map[string]bool{"json": true, "console": true}
	agentTasks     = map[string]bool{
		agent.TaskDiagnose: true, agent.TaskPatch: true, agent.TaskQA: true,
		agent.TaskPRBody: true, agent.TaskTriage: true, agent.TaskVoice: true,
	}
)

// Validate checks a Config for structural and semantic errors.
// It returns a slice of all validation errors found (empty if valid).
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	w := cfg.Workflow
	if w.MaxRetries != nil && *w.MaxRetries < 0 {
		add("workflow.max_retries", "must not be negative")
	}
	if w.MaxPatchRounds != nil && *w.MaxPatchRounds < 0 {
		add("workflow.max_patch_rounds", "must not be negative")
	}
	if w.Backoff.Initial < 0 {
		add("workflow.backoff.initial", "must not be negative")
	}
	if w.Backoff.Max < w.Backoff.Initial {
		add("workflow.backoff.max", "must be at least backoff.initial (%s)", w.Backoff.Initial)
	}
	if w.Backoff.Multiplier < 1 {
		add("workflow.backoff.multiplier", "must be at least 1")
	}
	if w.Backoff.Jitter < 0 || w.Backoff.Jitter >= 1 {
		add("workflow.backoff.jitter", "must be in [0, 1)")
	}
	if w.StageTimeout <= 0 {
		add("workflow.stage_timeout", "must be positive")
	}
	if w.LockTTL < 0 {
		add("workflow.lock_ttl", "must not be negative")
	}

	s := cfg.Scheduler
	if s.MaxConcurrentIssues < 1 {
		add("scheduler.max_concurrent_issues", "must be at least 1")
	}
	if s.MaxConcurrentAgentCalls < 1 {
		add("scheduler.max_concurrent_agent_calls", "must be at least 1")
	}
	if s.QueueSize < 0 {
		add("scheduler.queue_size", "must not be negative")
	}
	if s.AgentRatePerSec < 0 {
		add("scheduler.agent_rate_per_sec", "must not be negative")
	}

	switch {
	case !storeDrivers[cfg.Store.Driver]:
		add("store.driver", "unrecognized driver %q", cfg.Store.Driver)
	case cfg.Store.Driver == "postgres" && cfg.Store.DSN == "":
		add("store.dsn", "is required for the postgres driver")
	}

	if !agentProviders[cfg.Agent.Provider] {
		add("agent.provider", "unrecognized provider %q", cfg.Agent.Provider)
	}
	if cfg.Agent.Provider == "openai" {
		if cfg.Agent.APIKey == "" {
			add("agent.api_key", "is required for the openai provider")
		}
	}
	for _, task := range sortedKeys(cfg.Agent.Tasks) {
		if !agentTasks[task] {
			add("agent.tasks."+task, "unrecognized task")
		}
	}
	if cfg.Voice.Transcription && cfg.Agent.Provider != "openai" {
		add("voice.transcription", "requires the openai provider")
	}

	if !githubModes[cfg.GitHub.Mode] {
		add("github.mode", "unrecognized mode %q", cfg.GitHub.Mode)
	}
	if cfg.GitHub.Mode == "api" && cfg.GitHub.Token == "" {
		add("github.token", "is required for api mode")
	}
	for _, repo := range sortedKeys(cfg.Repos) {
		if _, err := github.ParseRepository(repo); err != nil {
			add("repos."+repo, "%v", err)
		}
		if cfg.Repos[repo] == "" {
			add("repos."+repo, "local checkout path is required")
		}
	}

	names := make(map[string]bool)
	for i, c := range cfg.Checks {
		prefix := fmt.Sprintf("checks[%d]", i)
		if c.Name == "" {
			add(prefix+".name", "is required")
		} else if names[c.Name] {
			add(prefix+".name", "duplicate check name %q", c.Name)
		}
		names[c.Name] = true
		if c.Command == "" {
			add(prefix+".command", "is required")
		}
		if c.Parser != "" && !recognizedParsers[c.Parser] {
			add(prefix+".parser", "unrecognized parser %q", c.Parser)
		}
		if c.AutoFix && c.FixCommand == "" {
			add(prefix+".fix_command", "is required when auto_fix is set")
		}
	}
	if len(cfg.Checks) > 0 && len(cfg.Repos) == 0 {
		add("repos", "checks need at least one repository checkout")
	}

	if !codectx.IsValidMode(cfg.Source.Mode) {
		add("source_context.mode", "unrecognized mode %q", cfg.Source.Mode)
	}
	if cfg.Source.MaxFiles < 0 || cfg.Source.MaxFileBytes < 0 || cfg.Source.Commits < 0 {
		add("source_context", "limits must not be negative")
	}

	if cfg.Voice.MaxSessions < 0 {
		add("voice.max_sessions", "must not be negative")
	}
	if !logLevels[cfg.Log.Level] {
		add("log.level", "unrecognized level %q", cfg.Log.Level)
	}
	if !logFormats[cfg.Log.Format] {
		add("log.format", "unrecognized format %q", cfg.Log.Format)
	}
	if r := cfg.Telemetry.SampleRatio; r < 0 || r > 1 {
		add("telemetry.sample_ratio", "must be in [0, 1]")
	}

	return errs
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
