package config

import "time"

// Config is the top-level configuration parsed from debugfactory.yaml.
type Config struct {
	Workflow  Workflow          `yaml:"workflow"`
	Scheduler Scheduler         `yaml:"scheduler"`
	Store     Store             `yaml:"store"`
	Agent     Agent             `yaml:"agent"`
	GitHub    GitHub            `yaml:"github"`
	Repos     map[string]string `yaml:"repos"` // "owner/name" -> local checkout
	Worktrees string            `yaml:"worktree_dir"`
	Checks    []Check           `yaml:"checks"`
	Source    SourceContext     `yaml:"source_context"`
	Notify    Notify            `yaml:"notify"`
	Voice     Voice             `yaml:"voice"`
	Server    Server            `yaml:"server"`
	Log       Log               `yaml:"log"`
	Telemetry Telemetry         `yaml:"telemetry"`
	Prompts   string            `yaml:"prompts_dir"`

	// Path is the file the config was loaded from, empty for defaults.
	Path string `yaml:"-"`
}

// Workflow is the orchestrator's retry and QA policy.
type Workflow struct {
	// MaxRetries and MaxPatchRounds are pointers so an explicit 0 survives
	// defaulting.
	MaxRetries     *int          `yaml:"max_retries"`
	MaxPatchRounds *int          `yaml:"max_patch_rounds"`
	Backoff        Backoff       `yaml:"backoff"`
	StageTimeout   time.Duration `yaml:"stage_timeout"`
	LockTTL        time.Duration `yaml:"lock_ttl"`
}

// Backoff is the delay between stage retries.
type Backoff struct {
	Initial    time.Duration `yaml:"initial"`
	Max        time.Duration `yaml:"max"`
	Multiplier float64       `yaml:"multiplier"`
	Jitter     float64       `yaml:"jitter"`
}

// Scheduler bounds concurrent work.
type Scheduler struct {
	MaxConcurrentIssues     int     `yaml:"max_concurrent_issues"`
	MaxConcurrentAgentCalls int     `yaml:"max_concurrent_agent_calls"`
	QueueSize               int     `yaml:"queue_size"`
	AgentRatePerSec         float64 `yaml:"agent_rate_per_sec"` // 0 is unlimited
	AgentBurst              int     `yaml:"agent_burst"`
	AutoContinue            bool    `yaml:"auto_continue"`
}

// Store selects the issue store.
type Store struct {
	Driver   string `yaml:"driver"` // sqlite, postgres, file, memory
	Path     string `yaml:"path"`   // sqlite database file
	Dir      string `yaml:"dir"`    // file store base directory
	DSN      string `yaml:"dsn"`    // postgres
	MaxConns int32  `yaml:"max_conns"`
}

// Agent configures the model provider.
type Agent struct {
	Provider  string `yaml:"provider"` // openai or static
	APIKey    string `yaml:"api_key"`
	BaseURL   string `yaml:"base_url"`
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
	// Tasks overrides the provider per task (diagnose, patch, qa, pr_body,
	// triage, voice). Empty fields inherit from the top level.
	Tasks map[string]AgentOverride `yaml:"tasks"`
}

// AgentOverride replaces parts of the agent config for one task.
type AgentOverride struct {
	APIKey    string `yaml:"api_key"`
	BaseURL   string `yaml:"base_url"`
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
}

// GitHub configures pull request creation.
type GitHub struct {
	Mode       string `yaml:"mode"` // api, cli or dry-run
	Token      string `yaml:"token"`
	BaseBranch string `yaml:"base_branch"`
}

// Check is a shell command run against a candidate patch in a worktree.
type Check struct {
	Name       string        `yaml:"name"`
	Command    string        `yaml:"command"`
	Parser     string        `yaml:"parser"`
	Timeout    time.Duration `yaml:"timeout"`
	AutoFix    bool          `yaml:"auto_fix"`
	FixCommand string        `yaml:"fix_command"`
}

// SourceContext bounds the code excerpts added to diagnose and patch
// prompts.
type SourceContext struct {
	Mode         string `yaml:"mode"` // full, files_only or off
	MaxFiles     int    `yaml:"max_files"`
	MaxFileBytes int    `yaml:"max_file_bytes"`
	Commits      int    `yaml:"commits"`
}

// Notify configures external update publishing.
type Notify struct {
	RedisURL      string `yaml:"redis_url"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

// Voice configures interactive sessions.
type Voice struct {
	TurnTimeout        time.Duration `yaml:"turn_timeout"`
	MaxSessions        int           `yaml:"max_sessions"`
	MaxTranscript      int           `yaml:"max_transcript"`
	Transcription      bool          `yaml:"transcription"`
	TranscriptionModel string        `yaml:"transcription_model"`
}

// Server configures the HTTP API.
type Server struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Log configures the structured logger.
type Log struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or console
}

// Telemetry configures tracing. An empty endpoint disables export.
type Telemetry struct {
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}
