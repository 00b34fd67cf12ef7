package dashboard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/alekspetrov/conveyor/internal/autopilot"
)

const (
	defaultRefresh = 2 * time.Second
	fetchTimeout   = 10 * time.Second
	maxLogLines    = 100
	shownLogLines  = 10
)

// Source provides loop snapshots. Both the in-process controller and the
// gateway client satisfy it.
type Source interface {
	Status(ctx context.Context) (*autopilot.Status, error)
}

// Option configures a Model.
type Option func(*Model)

// WithEvents streams loop events into the log panel.
func WithEvents(events <-chan autopilot.Event) Option {
	return func(m *Model) { m.events = events }
}

// WithRefreshInterval sets how often the status is re-fetched.
func WithRefreshInterval(d time.Duration) Option {
	return func(m *Model) {
		if d > 0 {
			m.refresh = d
		}
	}
}

// Model is the watch TUI.
type Model struct {
	version string
	source  Source
	events  <-chan autopilot.Event
	refresh time.Duration

	spinner   spinner.Model
	loading   bool
	status    *autopilot.Status
	err       error
	updatedAt time.Time

	logs     []string
	showLogs bool

	width    int
	height   int
	quitting bool
}

type tickMsg time.Time

type statusMsg struct {
	status *autopilot.Status
	err    error
	at     time.Time
}

type eventMsg autopilot.Event

type eventsClosedMsg struct{}

// NewModel creates a watch model reading from source.
func NewModel(version string, source Source, opts ...Option) Model {
	sp := spinner.New()
	sp.Spinner = spinner.MiniDot
	sp.Style = statusRunningStyle

	m := Model{
		version:  version,
		source:   source,
		refresh:  defaultRefresh,
		spinner:  sp,
		loading:  true,
		showLogs: true,
	}
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

// Init starts the first fetch, the refresh ticker and the event reader.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tea.EnterAltScreen,
		m.spinner.Tick,
		m.fetchStatus(),
		m.tickCmd(),
		m.waitForEvent(),
	)
}

func (m Model) tickCmd() tea.Cmd {
	return tea.Tick(m.refresh, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) fetchStatus() tea.Cmd {
	source := m.source
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()
		st, err := source.Status(ctx)
		return statusMsg{status: st, err: err, at: time.Now()}
	}
}

func (m Model) waitForEvent() tea.Cmd {
	if m.events == nil {
		return nil
	}
	events := m.events
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return eventsClosedMsg{}
		}
		return eventMsg(ev)
	}
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			if !m.loading {
				m.loading = true
				return m, tea.Batch(m.spinner.Tick, m.fetchStatus())
			}
		case "l":
			m.showLogs = !m.showLogs
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		if m.loading {
			return m, m.tickCmd()
		}
		m.loading = true
		return m, tea.Batch(m.tickCmd(), m.spinner.Tick, m.fetchStatus())

	case statusMsg:
		m.loading = false
		m.updatedAt = msg.at
		m.err = msg.err
		if msg.err == nil {
			m.status = msg.status
		}

	case eventMsg:
		m.appendLog(formatEvent(autopilot.Event(msg)))
		return m, m.waitForEvent()

	case eventsClosedMsg:
		m.appendLog("event stream closed")
		m.events = nil

	case spinner.TickMsg:
		if !m.loading {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m *Model) appendLog(line string) {
	m.logs = append(m.logs, line)
	if len(m.logs) > maxLogLines {
		m.logs = m.logs[len(m.logs)-maxLogLines:]
	}
}

// View renders the TUI
func (m Model) View() string {
	if m.quitting {
		return "Conveyor watch stopped.\n"
	}

	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(titleStyle.Render(fmt.Sprintf("  Conveyor %s", m.version)))
	if m.loading {
		b.WriteString("  " + m.spinner.View())
	}
	b.WriteString("\n\n")

	b.WriteString(m.renderLoop())
	b.WriteString("\n")

	if m.status != nil {
		b.WriteString(renderTasks("ACTIVE", m.status.Active, "No task in flight"))
		b.WriteString("\n")
		b.WriteString(renderTasks("QUEUE", m.status.Queue, "Queue is empty"))
		b.WriteString("\n")
		if len(m.status.Blocked) > 0 {
			b.WriteString(renderTasks("BLOCKED", m.status.Blocked, ""))
			b.WriteString("\n")
		}
		b.WriteString(renderMetrics(m.status.Metrics))
		b.WriteString("\n")
	}

	if m.showLogs {
		b.WriteString(m.renderLogs())
		b.WriteString("\n")
	}

	b.WriteString(helpStyle.Render("q: quit  r: refresh  l: events"))
	return b.String()
}

func (m Model) renderLoop() string {
	w := panelInnerWidth
	var lines []string

	switch {
	case m.status == nil && m.err == nil:
		lines = append(lines, dotLeaderStyled("State", "connecting", statusPendingStyle, w))
	case m.status == nil:
		lines = append(lines, dotLeaderStyled("State", "unavailable", statusFailedStyle, w))
	case m.status.Busy:
		lines = append(lines, dotLeaderStyled("State", "busy", statusRunningStyle, w))
		lines = append(lines, dotLeader("Blocking PR", m.status.Blocker, w))
	default:
		lines = append(lines, dotLeaderStyled("State", "idle", statusCompletedStyle, w))
	}

	if !m.updatedAt.IsZero() {
		lines = append(lines, dotLeader("Refreshed", humanize.Time(m.updatedAt), w))
	}
	if m.err != nil {
		lines = append(lines, "  "+warningStyle.Render(truncateVisual(m.err.Error(), w-2)))
	}
	return renderPanel("LOOP", strings.Join(lines, "\n"))
}

func renderTasks(title string, tasks []autopilot.TaskStatus, empty string) string {
	if len(tasks) == 0 {
		return renderPanel(title, "  "+dimStyle.Render(empty))
	}

	lines := make([]string, 0, len(tasks))
	for _, t := range tasks {
		icon, style := stageIcon(t.Stage)
		detail := string(t.Stage)
		if t.PR > 0 {
			detail += fmt.Sprintf(" PR #%d", t.PR)
		}
		if t.Session != "" {
			detail += " " + t.Session
		}
		label := truncateVisual(fmt.Sprintf("#%d %s", t.Number, t.Title), panelInnerWidth/2)
		lines = append(lines, dotLeader(style.Render(icon)+" "+label, detail, panelInnerWidth))
	}
	return renderPanel(title, strings.Join(lines, "\n"))
}

func renderMetrics(s autopilot.MetricsSnapshot) string {
	w := panelInnerWidth
	lines := []string{
		dotLeader("Cycles", humanize.Comma(s.Cycles), w),
		dotLeader("Dispatches", humanize.Comma(s.Dispatches), w),
		dotLeader("Merged", humanize.Comma(s.Merges), w),
		dotLeader("Check failures", humanize.Comma(s.CheckFailures), w),
		dotLeader("Conflicts", humanize.Comma(s.Conflicts), w),
	}
	if s.Escalations > 0 {
		lines = append(lines, dotLeaderStyled("Escalations", humanize.Comma(s.Escalations), warningStyle, w))
	}
	if s.AvgSessionDuration > 0 {
		lines = append(lines, dotLeader("Avg session", s.AvgSessionDuration.Round(time.Second).String(), w))
	}
	if !s.LastCycleAt.IsZero() {
		lines = append(lines, dotLeader("Last cycle", humanize.Time(s.LastCycleAt), w))
	}
	return renderPanel("METRICS", strings.Join(lines, "\n"))
}

func (m Model) renderLogs() string {
	if len(m.logs) == 0 {
		return renderPanel("EVENTS", "  "+dimStyle.Render("No events yet"))
	}
	start := len(m.logs) - shownLogLines
	if start < 0 {
		start = 0
	}
	lines := make([]string, 0, shownLogLines)
	for _, l := range m.logs[start:] {
		lines = append(lines, "  "+truncateVisual(l, panelInnerWidth-4))
	}
	return renderPanel("EVENTS", strings.Join(lines, "\n"))
}

func formatEvent(ev autopilot.Event) string {
	var b strings.Builder
	b.WriteString(ev.Time.Local().Format("15:04:05"))
	b.WriteString(" ")
	b.WriteString(lipgloss.NewStyle().Bold(true).Render(ev.Type))
	if ev.Task > 0 {
		fmt.Fprintf(&b, " #%d", ev.Task)
	}
	if ev.PR > 0 {
		fmt.Fprintf(&b, " PR #%d", ev.PR)
	}
	if ev.Message != "" {
		b.WriteString(" " + ev.Message)
	}
	return b.String()
}

// Run starts the watch TUI and blocks until the user quits or ctx ends.
func Run(ctx context.Context, version string, source Source, opts ...Option) error {
	p := tea.NewProgram(NewModel(version, source, opts...), tea.WithContext(ctx))
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
