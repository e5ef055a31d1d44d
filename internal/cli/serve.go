package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lucasnoah/debugfactory/internal/notify"
	"github.com/lucasnoah/debugfactory/internal/pipeline"
	"github.com/lucasnoah/debugfactory/internal/scheduler"
	"github.com/lucasnoah/debugfactory/internal/telemetry"
	"github.com/lucasnoah/debugfactory/internal/voice"
	"github.com/lucasnoah/debugfactory/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server and the workflow scheduler",
	Long: `Serves the JSON API, per-issue update streams, the voice WebSocket and
/metrics, and runs submitted advances on the scheduler's bounded worker slots.

With --resume, every issue not yet in a terminal state is queued on startup.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, nil)
		if err != nil {
			return err
		}
		defer a.Close()
		cfg, log := a.cfg, a.log

		tp, err := telemetry.Setup(ctx, cfg.Telemetry, version)
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := tp.Shutdown(sctx); err != nil {
				log.Warn("telemetry shutdown", zap.Error(err))
			}
		}()
		a.orch.SetTracer(tp.Tracer)
		a.runner.SetTracer(tp.Tracer)

		bus := notify.NewBus()
		a.orch.AddObserver(bus)
		if cfg.Notify.RedisURL != "" {
			r, err := notify.Dial(ctx, cfg.Notify.RedisURL, cfg.Notify.ChannelPrefix, log)
			if err != nil {
				return err
			}
			defer r.Close()
			a.orch.AddObserver(r)
			log.Info("publishing issue updates to redis", zap.String("prefix", cfg.Notify.ChannelPrefix))
		}

		existing, err := a.store.List(ctx, pipeline.ListOpts{})
		if err != nil {
			return fmt.Errorf("load issues: %w", err)
		}
		a.agg.Prime(existing)
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		a.agg.Register(reg)

		sched := scheduler.New(a.orch, cfg.SchedulerConfig(), a.limiter, log)
		sched.OnComplete(func(c scheduler.Completion) {
			if c.Err == nil && c.Result.State.Terminal() {
				log.Info("issue finished", zap.String("issue_id", c.IssueID), zap.String("state", string(c.Result.State)))
			}
		})

		vm := voice.NewManager(a.orch, a.runner, cfg.VoiceConfig())
		vm.SetSubmitter(sched)
		vm.SetLogger(log)
		if a.db != nil {
			vm.SetEventLog(a.db)
		}
		if cfg.Voice.Transcription {
			t, err := voice.NewOpenAITranscriber(cfg.Agent.APIKey, cfg.Agent.BaseURL, cfg.Voice.TranscriptionModel)
			if err != nil {
				return fmt.Errorf("voice transcription: %w", err)
			}
			vm.SetTranscriber(t)
		}
		defer vm.Shutdown()

		ingester := a.ingester(nil)
		ingester.SetTracer(tp.Tracer)

		deps := web.Deps{
			Issues:    a.orch,
			Scheduler: sched,
			Triage:    ingester,
			Bus:       bus,
			Voice:     vm,
			Metrics:   a.agg,
			Gatherer:  reg,
			History:   a.history,
		}
		if a.db != nil {
			deps.Events = a.db
		}

		if resume, _ := cmd.Flags().GetBool("resume"); resume {
			resumeIssues(sched, existing, log)
		}

		addr := cfg.Server.Addr
		if cmd.Flags().Changed("addr") {
			addr, _ = cmd.Flags().GetString("addr")
		}
		serveErr := web.NewServer(deps, log).Start(ctx, addr, cfg.Server.ShutdownTimeout)

		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := sched.Close(cctx); err != nil {
			log.Warn("scheduler shutdown cancelled running stages", zap.Error(err))
		}
		return serveErr
	},
}

// resumeIssues queues issues that can make progress without a human.
func resumeIssues(sched *scheduler.Scheduler, issues []*pipeline.Issue, log *zap.Logger) {
	n := 0
	for _, iss := range issues {
		if iss.State.Terminal() {
			continue
		}
		if _, err := sched.Submit(iss.ID); err != nil {
			log.Warn("resume: submit failed", zap.String("issue_id", iss.ID), zap.Error(err))
			continue
		}
		n++
	}
	log.Info("resumed issues", zap.Int("count", n))
}

func init() {
	serveCmd.Flags().String("addr", ":8080", "Listen address (overrides server.addr)")
	serveCmd.Flags().Bool("resume", false, "Queue unfinished issues on startup")
}
