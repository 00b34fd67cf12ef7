package dashboard

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/alekspetrov/conveyor/internal/autopilot"
)

// Panel width (all panels same width)
const (
	panelTotalWidth = 69 // Total visual width including borders
	panelInnerWidth = 65 // panelTotalWidth - 4 (2 borders + 2 padding spaces)
)

// Styles (muted terminal aesthetic)
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7eb8da")) // steel blue

	borderStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#3d4450")) // slate

	statusRunningStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#7eb8da"))

	statusPendingStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#6e7681"))

	statusFailedStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#d48a8a")) // dusty rose

	statusCompletedStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#7ec699")) // sage green

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#8b949e"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#8b949e"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#c9d1d9"))

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#d4a054")) // amber
)

// stageIcon maps a task stage to a single glyph and its style.
func stageIcon(stage autopilot.TaskStage) (string, lipgloss.Style) {
	switch stage {
	case autopilot.StageQueued, autopilot.StageLabeled, autopilot.StageOpen:
		return "○", statusPendingStyle
	case autopilot.StageDispatched, autopilot.StageSessionRunning:
		return "●", statusRunningStyle
	case autopilot.StagePROpen:
		return "◐", statusRunningStyle
	case autopilot.StageChecksFailing, autopilot.StageBlocked:
		return "✗", statusFailedStyle
	case autopilot.StageMerged, autopilot.StageClosed:
		return "✓", statusCompletedStyle
	default:
		return "·", dimStyle
	}
}

// renderPanel builds a panel manually with guaranteed width.
// Structure: ╭─ TITLE ─...─╮ / │ (space) content (space) │ / ╰─...─╯
func renderPanel(title string, content string) string {
	var lines []string
	lines = append(lines, buildTopBorder(title))
	lines = append(lines, buildEmptyLine())
	for _, line := range strings.Split(content, "\n") {
		lines = append(lines, buildContentLine(line))
	}
	lines = append(lines, buildEmptyLine())
	lines = append(lines, buildBottomBorder())
	return strings.Join(lines, "\n")
}

// buildTopBorder creates: ╭─ TITLE ─────...─────╮ with exact panelTotalWidth
func buildTopBorder(title string) string {
	titleUpper := strings.ToUpper(title)
	prefix := "╭─ "
	prefixWidth := lipgloss.Width(prefix + titleUpper + " ")

	dashCount := panelTotalWidth - prefixWidth - 1 // -1 for ╮
	if dashCount < 0 {
		dashCount = 0
	}
	return borderStyle.Render(prefix) + labelStyle.Render(titleUpper) + borderStyle.Render(" "+strings.Repeat("─", dashCount)+"╮")
}

func buildBottomBorder() string {
	return borderStyle.Render("╰" + strings.Repeat("─", panelTotalWidth-2) + "╯")
}

func buildEmptyLine() string {
	border := borderStyle.Render("│")
	return border + strings.Repeat(" ", panelTotalWidth-2) + border
}

// buildContentLine creates: │ (space) content padded/truncated (space) │
func buildContentLine(content string) string {
	adjusted := padOrTruncate(content, panelTotalWidth-4)
	border := borderStyle.Render("│")
	return border + " " + adjusted + " " + border
}

func padOrTruncate(s string, targetWidth int) string {
	visualWidth := lipgloss.Width(s)
	if visualWidth == targetWidth {
		return s
	}
	if visualWidth > targetWidth {
		return truncateVisual(s, targetWidth)
	}
	return s + strings.Repeat(" ", targetWidth-visualWidth)
}

// truncateVisual truncates string to targetWidth visual chars, adding "..." only if needed
func truncateVisual(s string, targetWidth int) string {
	if lipgloss.Width(s) <= targetWidth {
		return s
	}
	if targetWidth <= 3 {
		return strings.Repeat(".", targetWidth)
	}

	var b strings.Builder
	width := 0
	for _, r := range s {
		runeWidth := lipgloss.Width(string(r))
		if width+runeWidth > targetWidth-3 {
			break
		}
		b.WriteRune(r)
		width += runeWidth
	}
	// wide runes can leave a gap
	for width < targetWidth-3 {
		b.WriteByte(' ')
		width++
	}
	return b.String() + "..."
}

// dotLeader creates a dot-leader line: "  Label .............. Value"
func dotLeader(label string, value string, totalWidth int) string {
	prefix := "  " + label + " "
	suffix := " " + value
	dotsNeeded := totalWidth - lipgloss.Width(prefix) - lipgloss.Width(suffix)
	if dotsNeeded < 3 {
		dotsNeeded = 3
	}
	return prefix + strings.Repeat(".", dotsNeeded) + suffix
}

// dotLeaderStyled is dotLeader with the value rendered in style.
// Width is computed from the raw value.
func dotLeaderStyled(label string, value string, style lipgloss.Style, totalWidth int) string {
	prefix := "  " + label + " "
	suffix := " " + value
	dotsNeeded := totalWidth - lipgloss.Width(prefix) - lipgloss.Width(suffix)
	if dotsNeeded < 3 {
		dotsNeeded = 3
	}
	return prefix + strings.Repeat(".", dotsNeeded) + " " + style.Render(value)
}
