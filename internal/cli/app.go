package cli

import (
	"context"
	"fmt"
	"io"
	"sort"

	"go.uber.org/zap"

	"github.com/lucasnoah/debugfactory/internal/agent"
	"github.com/lucasnoah/debugfactory/internal/checks"
	"github.com/lucasnoah/debugfactory/internal/codectx"
	"github.com/lucasnoah/debugfactory/internal/config"
	"github.com/lucasnoah/debugfactory/internal/db"
	"github.com/lucasnoah/debugfactory/internal/github"
	"github.com/lucasnoah/debugfactory/internal/logging"
	"github.com/lucasnoah/debugfactory/internal/metrics"
	"github.com/lucasnoah/debugfactory/internal/orchestrator"
	"github.com/lucasnoah/debugfactory/internal/pgstore"
	"github.com/lucasnoah/debugfactory/internal/pipeline"
	"github.com/lucasnoah/debugfactory/internal/prompt"
	"github.com/lucasnoah/debugfactory/internal/scheduler"
	"github.com/lucasnoah/debugfactory/internal/stage"
	"github.com/lucasnoah/debugfactory/internal/triage"
	"github.com/lucasnoah/debugfactory/internal/worktree"
)

// app holds the components shared by commands.
type app struct {
	cfg     *config.Config
	log     *zap.Logger
	store   pipeline.Store
	runs    pipeline.RunLog
	history pipeline.RunHistory
	// db is set for the sqlite driver only; it also keeps the audit log.
	db      *db.DB
	gw      agent.Gateway
	limiter *scheduler.AgentLimiter
	agg     *metrics.Aggregator
	prompts *prompt.Library
	runner  *stage.Runner
	orch    *orchestrator.Orchestrator

	closers []func()
}

// newApp loads the configuration and wires the store, agents and
// orchestrator. Progress lines from stage runs go to progress when it is
// non-nil.
func newApp(ctx context.Context, progress io.Writer) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		return nil, fmt.Errorf("invalid config: %s (run \"debugfactory config validate\")", errs[0])
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log, closers: []func(){func() { _ = log.Sync() }}}
	if err := a.openStore(ctx); err != nil {
		a.Close()
		return nil, err
	}

	gw, err := buildGateway(cfg, log)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.agg = metrics.NewAggregator(0)
	a.limiter = scheduler.NewAgentLimiter(cfg.Scheduler.MaxConcurrentAgentCalls, cfg.Scheduler.AgentRatePerSec, cfg.Scheduler.AgentBurst)
	a.gw = metrics.InstrumentGateway(scheduler.Limit(gw, a.limiter), a.agg)
	a.prompts = prompt.NewLibrary(cfg.Prompts)

	host, wt, err := buildHost(ctx, cfg, log)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.runner = stage.NewRunner(a.gw, a.prompts, host)
	a.runner.SetTimeout(cfg.Workflow.StageTimeout)
	a.runner.SetLogger(log)
	if progress != nil {
		a.runner.SetProgress(progress)
	}
	if len(cfg.Repos) > 0 && cfg.Source.Mode != string(codectx.ModeOff) {
		a.runner.SetSource(codectx.NewBuilder(&codectx.ExecGit{}, cfg.Repos, cfg.SourceOptions()))
	}
	if len(cfg.Checks) > 0 {
		a.runner.SetChecker(checks.NewPatchChecker(checks.NewRunner(&checks.ExecRunner{}), wt, cfg.Repos, cfg.CheckConfigs(), log))
	}

	a.orch = orchestrator.NewOrchestrator(a.store, a.runs, a.runner, cfg.OrchestratorConfig())
	a.orch.SetLogger(log)
	if a.db != nil {
		a.orch.SetEventLog(a.db)
	}
	a.orch.AddObserver(a.agg)
	return a, nil
}

// ingester returns a triage ingester seeding through the orchestrator.
func (a *app) ingester(progress io.Writer) *triage.Ingester {
	in := triage.NewIngester(a.gw, a.prompts, a.orch, a.store)
	in.SetTimeout(a.cfg.Workflow.StageTimeout)
	in.SetLogger(a.log)
	if progress != nil {
		in.SetProgress(progress)
	}
	return in
}

// Close releases everything newApp opened, newest first.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *app) openStore(ctx context.Context) error {
	sc := a.cfg.Store
	switch sc.Driver {
	case "postgres":
		s, err := pgstore.New(ctx, pgstore.Config{DSN: sc.DSN, MaxConns: sc.MaxConns})
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		a.closers = append(a.closers, s.Close)
		if err := s.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate postgres: %w", err)
		}
		a.store, a.runs, a.history = s, s, s
	case "file":
		var fs *pipeline.FileStore
		if sc.Dir != "" {
			fs = pipeline.NewFileStore(sc.Dir)
		} else {
			var err error
			if fs, err = pipeline.DefaultFileStore(); err != nil {
				return fmt.Errorf("open file store: %w", err)
			}
		}
		a.store, a.runs, a.history = fs, fs, fs
	case "memory":
		m := pipeline.NewMemoryStore()
		a.store, a.runs, a.history = m, m, m
	default:
		d, err := openDB(sc.Path)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() { d.Close() })
		a.db = d
		a.store, a.runs, a.history = d, d, d
	}
	a.log.Debug("store opened", zap.String("driver", sc.Driver))
	return nil
}

// openDB opens and migrates the SQLite database at path, or at the default
// location when path is empty.
func openDB(path string) (*db.DB, error) {
	if path == "" {
		var err error
		if path, err = db.DefaultDBPath(); err != nil {
			return nil, err
		}
	}
	d, err := db.Open(path)
	if err != nil {
		return nil, err
	}
	if err := d.Migrate(); err != nil {
		d.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

// buildGateway returns the agent gateway for the configured provider.
// Per-task overrides get their own client behind a Router.
func buildGateway(cfg *config.Config, log *zap.Logger) (agent.Gateway, error) {
	if cfg.Agent.Provider == "static" {
		return staticGateway(), nil
	}
	def, err := agent.NewOpenAI(cfg.OpenAIConfig(""), log)
	if err != nil {
		return nil, fmt.Errorf("agent: %w", err)
	}
	if len(cfg.Agent.Tasks) == 0 {
		return def, nil
	}
	router := agent.NewRouter(def)
	tasks := make([]string, 0, len(cfg.Agent.Tasks))
	for task := range cfg.Agent.Tasks {
		tasks = append(tasks, task)
	}
	sort.Strings(tasks)
	for _, task := range tasks {
		g, err := agent.NewOpenAI(cfg.OpenAIConfig(task), log)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", task, err)
		}
		router.Route(task, g)
	}
	return router, nil
}

// staticGateway answers every task with a fixed reply. It lets the whole
// workflow run offline against dry-run pull requests.
func staticGateway() *agent.Scripted {
	return agent.NewScripted().
		On(agent.TaskDiagnose, agent.Reply{Content: `{"summary":"static diagnosis","root_cause":"static provider does not inspect code","relevant_files":[],"confidence":0.1}`}).
		On(agent.TaskPatch, agent.Reply{Content: "UNFIXABLE: the static provider does not write patches"}).
		On(agent.TaskQA, agent.Reply{Content: `{"verdict":"pass","summary":"static provider","issues":[]}`}).
		On(agent.TaskPRBody, agent.Reply{Content: "Opened by the static provider."}).
		On(agent.TaskTriage, agent.Reply{Content: "{}"}).
		On(agent.TaskVoice, agent.Reply{Content: "The static provider cannot answer questions."})
}

// buildHost returns the pull request host for the configured mode.
func buildHost(ctx context.Context, cfg *config.Config, log *zap.Logger) (*github.Host, *worktree.Manager, error) {
	wt := worktree.NewManager(&worktree.ExecGit{}, "", cfg.Worktrees).WithBaseBranch(cfg.GitHub.BaseBranch)
	var opener github.Opener
	switch cfg.GitHub.Mode {
	case "cli":
		opener = github.NewCLIOpener(&github.ExecRunner{})
	case "dry-run":
		opener = github.DryRun{}
	default:
		api, err := github.NewAPIOpener(ctx, cfg.GitHub.Token)
		if err != nil {
			return nil, nil, fmt.Errorf("github: %w", err)
		}
		opener = api
	}
	return github.NewHost(wt, cfg.Repos, opener, log), wt, nil
}
