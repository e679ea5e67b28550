package cmd

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/gops/agent"
	"github.com/greptilebot/greptilebot/internal/bot"
	"github.com/greptilebot/greptilebot/internal/escalate"
	"github.com/greptilebot/greptilebot/internal/model"
	"github.com/greptilebot/greptilebot/internal/scheduler"
	"github.com/greptilebot/greptilebot/internal/store"
	"github.com/spf13/cobra"
)

var serveConsole bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bot daemon",
	Long: `Run the bot daemon: the reconcile loop polls indexing jobs on a
fixed interval, stalled jobs are escalated and resubmitted, and error
reports go to the configured channels.

With --console, commands can be typed on stdin as the configured
owner, one per line, using the configured bot prefix.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&serveConsole, "console", false, "Accept commands on stdin as the owner")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	// Diagnostics agent for gops inspection of the running daemon.
	if err := agent.Listen(agent.Options{}); err != nil {
		slog.Warn("failed to start diagnostics agent", slog.String("error", err.Error()))
	} else {
		defer agent.Close()
	}

	registerSenders(a)

	sched := scheduler.New(a.manager.Reconcile, a.manager.PollInterval(), slog.Default())
	sched.Start()
	defer sched.Stop()

	slog.Info("bot daemon started",
		slog.String("owner", a.cfg.Owner.ID),
		slog.Duration("poll_interval", a.manager.PollInterval()),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	if serveConsole {
		go runConsole(ctx, a, quit)
	}

	<-quit
	slog.Info("shutting down")

	return nil
}

// registerSenders wires error reports to the configured log and error
// channels. The channel IDs come from the config table; the actual
// delivery here is the daemon's log stream tagged with the channel, so
// a chat transport can be layered on without touching the core.
func registerSenders(a *app) {
	a.escalator.Register(&escalate.FuncSender{
		SenderName: "error-channel",
		Fn: func(ctx context.Context, report *escalate.Report) error {
			channel := store.StringConfig(a.store, model.KeyErrorChannel, "")

			slog.Error("escalated error report",
				slog.String("channel", channel),
				slog.String("source", report.Source),
				slog.String("repository", report.Repository),
				slog.String("summary", report.Summary),
			)

			return nil
		},
	})

	if a.cfg.Owner.ID != "" {
		a.escalator.Register(&escalate.FuncSender{
			SenderName: "owner",
			Fn: func(ctx context.Context, report *escalate.Report) error {
				slog.Warn("error report for owner",
					slog.String("owner", a.cfg.Owner.ID),
					slog.String("source", report.Source),
					slog.String("summary", report.Summary),
				)

				return nil
			},
		})
	}
}

// runConsole reads commands from stdin and executes them as the owner.
func runConsole(ctx context.Context, a *app, quit chan<- os.Signal) {
	prefix := store.StringConfig(a.store, model.KeyBotPrefix, "~")
	ownerID := a.cfg.Owner.ID

	fmt.Printf("console ready; prefix is %q, commands run as %s\n", prefix, ownerID)

	scanner := bufio.NewScanner(os.Stdin)

	for scanner.Scan() {
		line := scanner.Text()

		inv, ok := bot.Parse(ownerID, "console", line, prefix)
		if !ok {
			continue
		}

		result := a.bot.Execute(ctx, inv)
		fmt.Println(result.Text)
	}

	quit <- syscall.SIGTERM
}
