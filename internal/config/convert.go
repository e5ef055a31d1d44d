package config

import (
	"github.com/lucasnoah/debugfactory/internal/agent"
	"github.com/lucasnoah/debugfactory/internal/checks"
	"github.com/lucasnoah/debugfactory/internal/codectx"
	"github.com/lucasnoah/debugfactory/internal/orchestrator"
	"github.com/lucasnoah/debugfactory/internal/scheduler"
	"github.com/lucasnoah/debugfactory/internal/voice"
)

// OrchestratorConfig returns the workflow policy.
func (c *Config) OrchestratorConfig() orchestrator.Config {
	oc := orchestrator.DefaultConfig()
	if c.Workflow.MaxRetries != nil {
		oc.MaxRetries = *c.Workflow.MaxRetries
	}
	if c.Workflow.MaxPatchRounds != nil {
		oc.MaxPatchRounds = *c.Workflow.MaxPatchRounds
	}
	b := c.Workflow.Backoff
	oc.Backoff = orchestrator.Backoff{Initial: b.Initial, Max: b.Max, Multiplier: b.Multiplier, Jitter: b.Jitter}
	oc.LockTTL = c.Workflow.LockTTL
	return oc
}

// SchedulerConfig returns the scheduler limits.
func (c *Config) SchedulerConfig() scheduler.Config {
	return scheduler.Config{
		MaxConcurrentIssues: c.Scheduler.MaxConcurrentIssues,
		QueueSize:           c.Scheduler.QueueSize,
		AutoContinue:        c.Scheduler.AutoContinue,
	}
}

// VoiceConfig returns the session limits.
func (c *Config) VoiceConfig() voice.Config {
	return voice.Config{
		TurnTimeout:   c.Voice.TurnTimeout,
		MaxTranscript: c.Voice.MaxTranscript,
		MaxSessions:   c.Voice.MaxSessions,
	}
}

// CheckConfigs returns the configured patch checks.
func (c *Config) CheckConfigs() []checks.CheckConfig {
	out := make([]checks.CheckConfig, 0, len(c.Checks))
	for _, ch := range c.Checks {
		out = append(out, checks.CheckConfig{
			Name:       ch.Name,
			Command:    ch.Command,
			Parser:     ch.Parser,
			Timeout:    ch.Timeout,
			AutoFix:    ch.AutoFix,
			FixCommand: ch.FixCommand,
		})
	}
	return out
}

// OpenAIConfig returns the provider config for task, with any per-task
// override applied. task "" returns the top-level config.
func (c *Config) OpenAIConfig(task string) agent.OpenAIConfig {
	oc := agent.OpenAIConfig{
		Name:      "openai",
		APIKey:    c.Agent.APIKey,
		BaseURL:   c.Agent.BaseURL,
		Model:     c.Agent.Model,
		MaxTokens: c.Agent.MaxTokens,
	}
	o, ok := c.Agent.Tasks[task]
	if !ok {
		return oc
	}
	oc.Name = "openai/" + task
	if o.APIKey != "" {
		oc.APIKey = o.APIKey
	}
	if o.BaseURL != "" {
		oc.BaseURL = o.BaseURL
	}
	if o.Model != "" {
		oc.Model = o.Model
	}
	if o.MaxTokens != 0 {
		oc.MaxTokens = o.MaxTokens
	}
	return oc
}

// SourceOptions returns the source context limits.
func (c *Config) SourceOptions() codectx.Options {
	return codectx.Options{
		Mode:         codectx.Mode(c.Source.Mode),
		MaxFiles:     c.Source.MaxFiles,
		MaxFileBytes: c.Source.MaxFileBytes,
		Commits:      c.Source.Commits,
	}
}
