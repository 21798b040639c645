package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/hochfrequenz/agent-supervisor/internal/domain"
)

var (
	headerStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	runningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	queuedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244"))

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255"))

	tabActiveStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			Underline(true)

	tabInactiveStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("244"))

	selectedStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("238"))

	dimmedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))
)

// View renders the TUI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder

	// Header
	mt := m.metrics
	header := fmt.Sprintf(" Agent Supervisor │ Workers: %d/%d │ Queued: %d │ Spawned: %s │ Completed: %s │ Failed: %s │ Timed out: %s ",
		mt.ActiveWorkers, mt.MaxWorkers, mt.QueuedTasks,
		humanize.Comma(int64(mt.Spawned)), humanize.Comma(int64(mt.Completed)),
		humanize.Comma(int64(mt.Failed)), humanize.Comma(int64(mt.TimedOut)))
	b.WriteString(headerStyle.Width(m.width).Render(header))
	b.WriteString("\n")

	b.WriteString(m.renderTabs())
	b.WriteString("\n")

	var section string
	switch m.activeTab {
	case tabWorkers:
		section = m.renderWorkers()
	case tabSessions:
		section = m.renderSessions()
	case tabSchedules:
		section = m.renderSchedules()
	}
	b.WriteString(sectionStyle.Width(m.width - 2).Render(section))
	b.WriteString("\n")

	b.WriteString(m.renderStatusBar())
	return b.String()
}

func (m Model) renderTabs() string {
	names := []string{"Workers", "Sessions", "Schedules"}
	tabs := make([]string, len(names))
	for i, name := range names {
		if i == m.activeTab {
			tabs[i] = tabActiveStyle.Render(name)
		} else {
			tabs[i] = tabInactiveStyle.Render(name)
		}
	}
	return " " + strings.Join(tabs, "  ")
}

func (m Model) renderWorkers() string {
	var b strings.Builder
	b.WriteString("RUNNING\n")

	if len(m.slots) == 0 {
		b.WriteString(queuedStyle.Render("  No workers running"))
	}
	for i, s := range m.slots {
		heap := fmt.Sprintf("%5.1f%%", s.HeapUsedPct)
		switch {
		case s.HeapUsedPct >= 90:
			heap = errorStyle.Render(heap)
		case s.HeapUsedPct >= 75:
			heap = warningStyle.Render(heap)
		}

		state := m.spinner.View()
		if s.Finishing {
			state = dimmedStyle.Render("○")
		}

		line := fmt.Sprintf("%s %-8s  %-10s  %8s  heap %s  peak %-9s  %s",
			state,
			shortID(s.SessionID),
			truncate(s.AgentType, 10),
			formatDuration(time.Since(s.StartedAt)),
			heap,
			formatMB(s.PeakMemoryMB),
			truncate(s.Description, 40))
		if i == m.selectedRow {
			line = selectedStyle.Render(line)
		}
		b.WriteString(line)
		if i < len(m.slots)-1 {
			b.WriteString("\n")
		}
	}

	if m.metrics.QueuedTasks > 0 {
		b.WriteString("\n\n")
		b.WriteString(queuedStyle.Render(fmt.Sprintf("QUEUED  %d waiting for a free slot", m.metrics.QueuedTasks)))
	}
	if m.metrics.AvgExecutionMs > 0 {
		b.WriteString("\n\n")
		b.WriteString(dimmedStyle.Render("avg execution " + formatDuration(time.Duration(m.metrics.AvgExecutionMs)*time.Millisecond)))
	}
	return b.String()
}

func (m Model) renderSessions() string {
	var b strings.Builder
	if m.failedOnly {
		b.WriteString("SESSIONS (failed only)\n")
	} else {
		b.WriteString("SESSIONS\n")
	}

	if len(m.sessions) == 0 {
		b.WriteString(queuedStyle.Render("  No sessions"))
		return b.String()
	}

	limit := len(m.sessions)
	if m.height > 8 && limit > m.height-8 {
		limit = m.height - 8
	}
	for i, s := range m.sessions[:limit] {
		status := statusStyle(domain.SessionStatus(s.Status)).Render(fmt.Sprintf("%-9s", s.Status))

		detail := s.TaskDescription
		if s.Error != "" {
			detail = s.Error
		}
		dur := "-"
		if s.ExecutionTimeMs != nil {
			dur = formatDuration(time.Duration(*s.ExecutionTimeMs) * time.Millisecond)
		}

		line := fmt.Sprintf("%-8s  %s  %-10s  %8s  %-14s  %s",
			shortID(s.SessionID),
			status,
			truncate(s.AgentType, 10),
			dur,
			humanize.Time(s.CreatedAt),
			truncate(detail, 50))
		if i == m.selectedRow {
			line = selectedStyle.Render(line)
		}
		b.WriteString(line)
		if i < limit-1 {
			b.WriteString("\n")
		}
	}
	return b.String()
}

func (m Model) renderSchedules() string {
	var b strings.Builder
	b.WriteString("SCHEDULES\n")

	if len(m.schedules) == 0 {
		b.WriteString(queuedStyle.Render("  No schedules configured"))
		return b.String()
	}

	for i, s := range m.schedules {
		last := "never"
		if !s.LastRun.IsZero() {
			last = humanize.Time(s.LastRun)
		}
		line := fmt.Sprintf("%-16s  %-14s  %-10s  next %-14s  last %-14s  skipped %d",
			truncate(s.Name, 16), s.Cron, truncate(s.AgentType, 10),
			humanize.Time(s.NextRun), last, s.Skipped)
		if s.LastError != "" {
			line += "  " + errorStyle.Render(truncate(s.LastError, 40))
		}
		if i == m.selectedRow {
			line = selectedStyle.Render(line)
		}
		b.WriteString(line)
		if i < len(m.schedules)-1 {
			b.WriteString("\n")
		}
	}
	return b.String()
}

func (m Model) renderStatusBar() string {
	left := " " + keys.helpLine()
	right := ""
	switch {
	case m.err != nil:
		right = errorStyle.Render("error: " + m.err.Error())
	case m.status != "":
		right = m.status
	case !m.lastRefresh.IsZero():
		right = "updated " + m.lastRefresh.Format("15:04:05")
	}
	gap := m.width - lipgloss.Width(left) - lipgloss.Width(right) - 1
	if gap < 1 {
		gap = 1
	}
	return statusBarStyle.Width(m.width).Render(left + strings.Repeat(" ", gap) + right)
}

func statusStyle(s domain.SessionStatus) lipgloss.Style {
	switch s {
	case domain.SessionRunning:
		return warningStyle
	case domain.SessionCompleted:
		return runningStyle
	case domain.SessionFailed:
		return errorStyle
	default:
		return queuedStyle
	}
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	case d < time.Hour:
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
	}
}

func formatMB(mb float64) string {
	if mb <= 0 {
		return "-"
	}
	return humanize.IBytes(uint64(mb * 1024 * 1024))
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
