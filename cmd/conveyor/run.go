package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/alekspetrov/conveyor/internal/adapters/github"
	"github.com/alekspetrov/conveyor/internal/autopilot"
	"github.com/alekspetrov/conveyor/internal/config"
	"github.com/alekspetrov/conveyor/internal/gateway"
	"github.com/alekspetrov/conveyor/internal/logging"
	"github.com/alekspetrov/conveyor/internal/scheduler"
	"github.com/alekspetrov/conveyor/internal/webhooks"
)

const (
	jobCycle       = "cycle"
	jobSessionPoll = "session-poll"
	jobPRSweep     = "pr-sweep"
	jobNoticePurge = "notice-purge"
)

func newRunCmd() *cobra.Command {
	var noStartupSweep bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the loop: webhook gateway plus timer triggers",
		Long: `Start the gateway (GitHub webhooks, status API, event stream, metrics)
and the scheduled triggers. Runs until SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			rt, err := newRuntime(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			ctrl := rt.controller
			log := logging.WithComponent("conveyor")

			ghWebhooks := github.NewWebhookHandler(cfg.GitHub.WebhookSecret, cfg.Autopilot.WorkLabel, cfg.GitHub.Repo)
			ghWebhooks.OnTaskLabeled(func(ctx context.Context, issueNumber int) error {
				_, err := ctrl.RunCycle(ctx)
				return err
			})
			ghWebhooks.OnChecksCompleted(ctrl.OnChecksCompleted)
			ghWebhooks.OnMerged(ctrl.OnMerged)

			server := gateway.NewServer(cfg.Gateway, ctrl, ghWebhooks)

			notifier := webhooks.NewManager(cfg.Webhooks, cfg.GitHub.Repo)
			notifier.Start(ctx)
			defer notifier.Close()

			ctrl.SetEventSink(autopilot.Sinks{server.Hub(), notifier})

			sched := scheduler.New(time.Local)
			for _, job := range scheduledJobs(cfg, rt) {
				if err := sched.Add(job); err != nil {
					return err
				}
			}
			sched.Start()
			defer sched.Stop()

			if !noStartupSweep {
				// merges and check results delivered while the process was down
				if err := sched.RunNow(ctx, jobPRSweep); err != nil {
					log.Warn("Startup sweep failed", slog.Any("error", err))
				}
				if err := sched.RunNow(ctx, jobCycle); err != nil {
					log.Warn("Startup cycle failed", slog.Any("error", err))
				}
			}

			fmt.Printf("🚚 Conveyor %s watching %s\n", version, cfg.GitHub.Repo)
			fmt.Printf("   Gateway: http://%s:%d\n", cfg.Gateway.Host, cfg.Gateway.Port)

			if err := server.Start(ctx); err != nil {
				return fmt.Errorf("gateway error: %w", err)
			}
			log.Info("Conveyor stopped")
			return nil
		},
	}

	cmd.Flags().BoolVar(&noStartupSweep, "no-startup-sweep", false, "skip the PR sweep and cycle run at startup")
	return cmd
}

// scheduledJobs maps the schedule section to scheduler jobs. Empty specs
// register jobs that only run on demand.
func scheduledJobs(cfg *config.Config, rt *runtime) []scheduler.Job {
	ctrl := rt.controller
	return []scheduler.Job{
		{
			Name:     jobCycle,
			Schedule: cfg.Schedule.Cycle,
			Timeout:  5 * time.Minute,
			Run: func(ctx context.Context) error {
				_, err := ctrl.RunCycle(ctx)
				return err
			},
		},
		{
			Name:     jobSessionPoll,
			Schedule: cfg.Schedule.SessionPoll,
			Timeout:  5 * time.Minute,
			Run: func(ctx context.Context) error {
				_, err := ctrl.PollSessions(ctx)
				return err
			},
		},
		{
			Name:     jobPRSweep,
			Schedule: cfg.Schedule.PRSweep,
			Timeout:  5 * time.Minute,
			Run:      ctrl.SweepPullRequests,
		},
		{
			Name:     jobNoticePurge,
			Schedule: cfg.Schedule.NoticePurge,
			Timeout:  time.Minute,
			Run: func(ctx context.Context) error {
				n, err := rt.ledger.PurgeNotices(cfg.Schedule.NoticeRetention)
				if err != nil {
					return err
				}
				if n > 0 {
					logging.WithContext(ctx).Info("Purged old notices", slog.Int64("count", n))
				}
				return nil
			},
		},
	}
}

// cycleSummary renders a one-line description of a cycle result.
func cycleSummary(res *autopilot.CycleResult) string {
	switch res.Outcome {
	case autopilot.CycleEmpty:
		return "queue is empty"
	case autopilot.CycleQueued:
		return fmt.Sprintf("#%d queued behind %s", res.Task.Number, res.Gate.Blocker())
	case autopilot.CycleDispatched:
		return fmt.Sprintf("#%d dispatched (session %s)", res.Task.Number, res.Session.ID)
	case autopilot.CycleAlreadyActive:
		return fmt.Sprintf("#%d already has an active session", res.Task.Number)
	}
	return string(res.Outcome)
}
