package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// FileName is the config file looked up by LoadDefault.
const FileName = "debugfactory.yaml"

// Load reads a configuration file. A .env file next to it is loaded first
// (existing environment variables win), then ${VAR} references in the file
// are expanded and defaults applied.
func Load(path string) (*Config, error) {
	loadDotEnv(filepath.Join(filepath.Dir(path), ".env"))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.Path = path
	return cfg, nil
}

// Parse decodes YAML config data with environment expansion and defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadDefault searches ./debugfactory.yaml then ~/.debugfactory/config.yaml
// and loads the first one found. With no file it returns the defaults, after
// loading ./.env.
func LoadDefault() (*Config, error) {
	candidates := []string{FileName}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".debugfactory", "config.yaml"))
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	loadDotEnv(".env")
	return Default(), nil
}

// Default returns a config with every default applied.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

func loadDotEnv(path string) {
	// A missing or unreadable .env is not an error.
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: %s: %v\n", path, err)
	}
}

func intPtr(n int) *int { return &n }

// applyDefaults fills every unset field.
func applyDefaults(cfg *Config) {
	w := &cfg.Workflow
	if w.MaxRetries == nil {
		w.MaxRetries = intPtr(2)
	}
	if w.MaxPatchRounds == nil {
		w.MaxPatchRounds = intPtr(2)
	}
	if w.Backoff.Initial == 0 {
		w.Backoff.Initial = 2 * time.Second
	}
	if w.Backoff.Max == 0 {
		w.Backoff.Max = 60 * time.Second
	}
	if w.Backoff.Multiplier == 0 {
		w.Backoff.Multiplier = 2
	}
	if w.StageTimeout == 0 {
		w.StageTimeout = 5 * time.Minute
	}
	if w.LockTTL == 0 {
		w.LockTTL = 30 * time.Minute
	}

	s := &cfg.Scheduler
	if s.MaxConcurrentIssues == 0 {
		s.MaxConcurrentIssues = 4
	}
	if s.MaxConcurrentAgentCalls == 0 {
		s.MaxConcurrentAgentCalls = 2
	}
	if s.QueueSize == 0 {
		s.QueueSize = 256
	}
	if s.AgentBurst == 0 {
		s.AgentBurst = 1
	}

	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "sqlite"
	}
	if cfg.Agent.Provider == "" {
		cfg.Agent.Provider = "openai"
	}
	if cfg.GitHub.Mode == "" {
		cfg.GitHub.Mode = "api"
	}
	if cfg.GitHub.BaseBranch == "" {
		cfg.GitHub.BaseBranch = "main"
	}
	for i := range cfg.Checks {
		if cfg.Checks[i].Parser == "" {
			cfg.Checks[i].Parser = "generic"
		}
		if cfg.Checks[i].Timeout == 0 {
			cfg.Checks[i].Timeout = 2 * time.Minute
		}
	}
	if cfg.Source.Mode == "" {
		cfg.Source.Mode = "full"
	}
	if cfg.Notify.ChannelPrefix == "" {
		cfg.Notify.ChannelPrefix = "debugfactory:issue_updates:"
	}
	if cfg.Voice.TurnTimeout == 0 {
		cfg.Voice.TurnTimeout = 2 * time.Minute
	}
	if cfg.Voice.MaxTranscript == 0 {
		cfg.Voice.MaxTranscript = 200
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "debugfactory"
	}
	if cfg.Telemetry.SampleRatio == 0 {
		cfg.Telemetry.SampleRatio = 1
	}
}
