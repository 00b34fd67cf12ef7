package dashboard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/alekspetrov/conveyor/internal/autopilot"
)

type fakeSource struct {
	status *autopilot.Status
	err    error
	calls  int
}

func (f *fakeSource) Status(ctx context.Context) (*autopilot.Status, error) {
	f.calls++
	return f.status, f.err
}

func busyStatus() *autopilot.Status {
	return &autopilot.Status{
		Busy:    true,
		Blocker: "#11",
		Active: []autopilot.TaskStatus{
			{Number: 5, Title: "Add retries", Stage: autopilot.StagePROpen, PR: 11},
		},
		Queue: []autopilot.TaskStatus{
			{Number: 6, Title: "Fix typo", Stage: autopilot.StageQueued},
		},
		Metrics: autopilot.MetricsSnapshot{Cycles: 1200, Dispatches: 3, Merges: 2},
	}
}

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	nm, ok := next.(Model)
	if !ok {
		t.Fatalf("Update returned %T, want Model", next)
	}
	return nm, cmd
}

func TestFetchStatus(t *testing.T) {
	src := &fakeSource{status: busyStatus()}
	m := NewModel("dev", src)

	msg := m.fetchStatus()()
	sm, ok := msg.(statusMsg)
	if !ok {
		t.Fatalf("fetchStatus() msg = %T, want statusMsg", msg)
	}
	if sm.err != nil || sm.status == nil {
		t.Fatalf("statusMsg = %+v, want status", sm)
	}
	if src.calls != 1 {
		t.Errorf("calls = %d, want 1", src.calls)
	}
}

func TestModel_ViewAfterStatus(t *testing.T) {
	m := NewModel("v1.2.3", &fakeSource{})
	m, _ = update(t, m, statusMsg{status: busyStatus(), at: time.Now()})

	if m.loading {
		t.Error("loading should be false after status arrives")
	}

	view := m.View()
	for _, want := range []string{"Conveyor v1.2.3", "busy", "#11", "#5 Add retries", "pr-open PR #11", "#6 Fix typo", "1,200"} {
		if !strings.Contains(view, want) {
			t.Errorf("View() missing %q", want)
		}
	}
	if strings.Contains(view, "BLOCKED") {
		t.Error("BLOCKED panel should be hidden when nothing is blocked")
	}
}

func TestModel_ErrorKeepsLastStatus(t *testing.T) {
	m := NewModel("dev", &fakeSource{})
	m, _ = update(t, m, statusMsg{status: busyStatus(), at: time.Now()})
	m, _ = update(t, m, statusMsg{err: errors.New("gateway unreachable"), at: time.Now()})

	if m.status == nil {
		t.Fatal("status cleared on error")
	}
	view := m.View()
	if !strings.Contains(view, "gateway unreachable") {
		t.Error("View() should show the fetch error")
	}
	if !strings.Contains(view, "#5 Add retries") {
		t.Error("View() should keep the last good status")
	}
}

func TestModel_Quit(t *testing.T) {
	m := NewModel("dev", &fakeSource{})
	m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})

	if !m.quitting {
		t.Error("quitting = false, want true")
	}
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Errorf("cmd() = %T, want tea.QuitMsg", cmd())
	}
}

func TestModel_TickSkipsWhileLoading(t *testing.T) {
	src := &fakeSource{status: busyStatus()}
	m := NewModel("dev", src, WithRefreshInterval(time.Millisecond))

	// initial fetch still outstanding
	m, cmd := update(t, m, tickMsg(time.Now()))
	if cmd == nil {
		t.Fatal("tick should reschedule itself")
	}
	if !m.loading {
		t.Error("loading should stay true")
	}

	m, _ = update(t, m, statusMsg{status: busyStatus(), at: time.Now()})
	m, _ = update(t, m, tickMsg(time.Now()))
	if !m.loading {
		t.Error("tick after a completed fetch should start a new one")
	}
}

func TestModel_Events(t *testing.T) {
	events := make(chan autopilot.Event, 1)
	m := NewModel("dev", &fakeSource{}, WithEvents(events))

	events <- autopilot.Event{Type: "merged", Task: 5, PR: 11, Time: time.Now()}
	msg := m.waitForEvent()()
	m, cmd := update(t, m, msg)
	if cmd == nil {
		t.Error("event should re-arm the reader")
	}
	if len(m.logs) != 1 || !strings.Contains(m.logs[0], "merged #5 PR #11") {
		t.Errorf("logs = %v", m.logs)
	}

	close(events)
	m, _ = update(t, m, m.waitForEvent()())
	if m.events != nil {
		t.Error("events channel should be dropped after close")
	}
	if m.waitForEvent() != nil {
		t.Error("waitForEvent() should be nil without a channel")
	}
}

func TestModel_LogsBounded(t *testing.T) {
	m := NewModel("dev", &fakeSource{})
	for i := 0; i < maxLogLines+20; i++ {
		m.appendLog(fmt.Sprintf("line %d", i))
	}
	if len(m.logs) != maxLogLines {
		t.Fatalf("len(logs) = %d, want %d", len(m.logs), maxLogLines)
	}
	if m.logs[0] != "line 20" {
		t.Errorf("logs[0] = %q, want %q", m.logs[0], "line 20")
	}
}

func TestRenderPanel_FixedWidth(t *testing.T) {
	content := strings.Join([]string{
		dotLeader("Cycles", "12", panelInnerWidth),
		strings.Repeat("x", 200),
		"",
	}, "\n")
	for i, line := range strings.Split(renderPanel("queue", content), "\n") {
		if w := lipgloss.Width(line); w != panelTotalWidth {
			t.Errorf("line %d width = %d, want %d", i, w, panelTotalWidth)
		}
	}
}

func TestTruncateVisual(t *testing.T) {
	tests := []struct {
		in    string
		width int
		want  string
	}{
		{"short", 10, "short"},
		{"abcdefghij", 8, "abcde..."},
		{"abcdef", 3, "..."},
	}
	for _, tt := range tests {
		if got := truncateVisual(tt.in, tt.width); got != tt.want {
			t.Errorf("truncateVisual(%q, %d) = %q, want %q", tt.in, tt.width, got, tt.want)
		}
	}
}

func TestDotLeader(t *testing.T) {
	got := dotLeader("Merged", "3", 20)
	if lipgloss.Width(got) != 20 {
		t.Errorf("width = %d, want 20", lipgloss.Width(got))
	}
	if !strings.HasPrefix(got, "  Merged ") || !strings.HasSuffix(got, " 3") {
		t.Errorf("dotLeader() = %q", got)
	}
}
