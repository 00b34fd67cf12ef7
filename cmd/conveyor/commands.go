package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/alekspetrov/conveyor/internal/autopilot"
	"github.com/alekspetrov/conveyor/internal/config"
	"github.com/alekspetrov/conveyor/internal/dashboard"
	"github.com/alekspetrov/conveyor/internal/gateway"
	"github.com/alekspetrov/conveyor/internal/logging"
)

// withRuntime loads the config, assembles the loop, runs fn and tears it down.
func withRuntime(fn func(ctx context.Context, rt *runtime) error) error {
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
	return fn(ctx, rt)
}

func newCycleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cycle",
		Short: "Run one dispatch cycle (select, gate, dispatch)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(ctx context.Context, rt *runtime) error {
				res, err := rt.controller.RunCycle(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), cycleSummary(res))
				return nil
			})
		},
	}
}

func newPollCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "poll",
		Short: "Check every active agent session once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(ctx context.Context, rt *runtime) error {
				results, err := rt.controller.PollSessions(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(results) == 0 {
					fmt.Fprintln(out, "no active sessions")
				}
				for _, r := range results {
					line := fmt.Sprintf("#%d %s: %s", r.Session.TaskNumber, r.Session.ID, r.Outcome)
					if r.PR != nil {
						line += fmt.Sprintf(" (PR #%d)", r.PR.Number)
					}
					fmt.Fprintln(out, line)
				}
				return nil
			})
		},
	}
}

func newEvaluateCmd() *cobra.Command {
	var prNumber int

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate one agent-authored pull request (CI rollup, merge)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(ctx context.Context, rt *runtime) error {
				d, err := rt.controller.EvaluatePR(ctx, prNumber)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "PR #%d: %s\n", prNumber, d.Outcome)
				for _, f := range d.Failing {
					fmt.Fprintf(out, "   ✗ %s (%s)\n", f.Name, f.Outcome)
				}
				for _, p := range d.Pending {
					fmt.Fprintf(out, "   … %s\n", p)
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&prNumber, "pr", 0, "pull request number")
	_ = cmd.MarkFlagRequired("pr")
	return cmd
}

func newReconcileCmd() *cobra.Command {
	var prNumber int

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Close the loop for a merged pull request",
		Long: `Close the linked task, update the tracking document and start the next
cycle. Safe to repeat: a pull request is reconciled at most once.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(ctx context.Context, rt *runtime) error {
				if err := rt.controller.Reconcile(ctx, prNumber); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "PR #%d reconciled\n", prNumber)
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&prNumber, "pr", 0, "merged pull request number")
	_ = cmd.MarkFlagRequired("pr")
	return cmd
}

var (
	headingStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7eb8da"))
	busyStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#d4a054"))
	idleStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#7ec699"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#8b949e"))
)

func newStatusCmd() *cobra.Command {
	var (
		jsonOutput bool
		addr       string
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the queue, the task in flight and loop counters",
		Long: `Show the loop status. With --addr the status is read from a running
gateway; otherwise it is derived directly from GitHub and the local ledger.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				st  *autopilot.Status
				err error
			)
			if addr != "" {
				cfg, cerr := config.Load(configPath())
				if cerr != nil {
					return fmt.Errorf("failed to load config: %w", cerr)
				}
				st, err = gateway.NewClient(addr, cfg.Gateway.APIToken).Status(cmd.Context())
			} else {
				err = withRuntime(func(ctx context.Context, rt *runtime) error {
					var serr error
					st, serr = rt.controller.Status(ctx)
					return serr
				})
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput || !isTerminal(out) {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}
			printStatus(out, st)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON (default when stdout is not a terminal)")
	cmd.Flags().StringVar(&addr, "addr", "", "gateway base URL, e.g. http://127.0.0.1:9090")
	return cmd
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}

func printStatus(w io.Writer, st *autopilot.Status) {
	fmt.Fprintln(w, headingStyle.Render("📊 Conveyor Status"))
	fmt.Fprintln(w, mutedStyle.Render(strings.Repeat("─", 30)))
	if st.Busy {
		fmt.Fprintf(w, "State:   %s (blocked by %s)\n", busyStyle.Render("busy"), st.Blocker)
	} else {
		fmt.Fprintf(w, "State:   %s\n", idleStyle.Render("idle"))
	}

	section := func(title string, tasks []autopilot.TaskStatus) {
		fmt.Fprintf(w, "\n%s (%d)\n", headingStyle.Render(title), len(tasks))
		if len(tasks) == 0 {
			fmt.Fprintln(w, mutedStyle.Render("   none"))
			return
		}
		for _, t := range tasks {
			line := fmt.Sprintf("   #%-5d %-15s %s", t.Number, t.Stage, t.Title)
			if t.PR > 0 {
				line += mutedStyle.Render(fmt.Sprintf("  PR #%d", t.PR))
			}
			fmt.Fprintln(w, line)
		}
	}
	section("Active", st.Active)
	section("Queue", st.Queue)
	if len(st.Blocked) > 0 {
		section("Blocked", st.Blocked)
	}

	m := st.Metrics
	fmt.Fprintf(w, "\n%s\n", headingStyle.Render("Counters"))
	fmt.Fprintf(w, "   cycles %d  dispatches %d  merges %d  check failures %d  escalations %d\n",
		m.Cycles, m.Dispatches, m.Merges, m.CheckFailures, m.Escalations)
}

func newWatchCmd() *cobra.Command {
	var (
		addr  string
		local bool
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Live dashboard of the loop",
		Long: `Open a terminal dashboard. By default it follows the gateway of a running
"conveyor run" (status polling plus the event stream). With --local it reads
GitHub and the ledger directly and shows no events.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if local {
				return withRuntime(func(ctx context.Context, rt *runtime) error {
					logging.Suppress()
					return dashboard.Run(ctx, version, rt.controller,
						dashboard.WithRefreshInterval(rt.cfg.Dashboard.RefreshInterval))
				})
			}

			cfg, err := config.Load(configPath())
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if addr == "" {
				addr = fmt.Sprintf("http://%s:%d", cfg.Gateway.Host, cfg.Gateway.Port)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			client := gateway.NewClient(addr, cfg.Gateway.APIToken)
			opts := []dashboard.Option{dashboard.WithRefreshInterval(cfg.Dashboard.RefreshInterval)}
			if events, err := client.Events(ctx); err == nil {
				opts = append(opts, dashboard.WithEvents(events))
			} else {
				fmt.Fprintf(os.Stderr, "⚠️  event stream unavailable: %v\n", err)
			}

			logging.Suppress()
			return dashboard.Run(ctx, version, client, opts...)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "gateway base URL (default from gateway config)")
	cmd.Flags().BoolVar(&local, "local", false, "read GitHub and the ledger directly instead of a gateway")
	return cmd
}
