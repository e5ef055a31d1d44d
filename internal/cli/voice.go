package cli

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lucasnoah/debugfactory/internal/scheduler"
	"github.com/lucasnoah/debugfactory/internal/voice"
	"github.com/spf13/cobra"
)

var voiceCmd = &cobra.Command{
	Use:   "voice",
	Short: "Talk to the workflow in a text session",
	Long: `Opens a conversational session on stdin, the same one the voice WebSocket
serves. Say "help" for the intents it understands; stages started with "run"
execute in this process.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer a.Close()

		sched := scheduler.New(a.orch, a.cfg.SchedulerConfig(), a.limiter, a.log)
		defer func() {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), 5*time.Second)
			defer cancel()
			_ = sched.Close(ctx)
		}()

		vm := voice.NewManager(a.orch, a.runner, a.cfg.VoiceConfig())
		vm.SetSubmitter(sched)
		vm.SetLogger(a.log)
		if a.db != nil {
			vm.SetEventLog(a.db)
		}
		defer vm.Shutdown()

		id, err := vm.Open(cmd.Context())
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Session %s. Type \"help\", or an empty line to quit.\n", id)

		sc := bufio.NewScanner(cmd.InOrStdin())
		for {
			fmt.Fprint(w, "> ")
			if !sc.Scan() {
				break
			}
			line := strings.TrimSpace(sc.Text())
			if line == "" {
				break
			}
			msgs, err := vm.HandleTurn(cmd.Context(), id, voice.Input{Text: line})
			if err != nil {
				return err
			}
			for _, m := range msgs {
				if m.Type == voice.MsgIntent {
					continue
				}
				fmt.Fprintln(w, m.Text)
			}
		}
		return sc.Err()
	},
}
