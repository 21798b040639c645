package tui

import (
	"strconv"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
)

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, keys.Refresh):
			return m, m.refreshCmd(false)
		case key.Matches(msg, keys.Down):
			if m.selectedRow < m.rowCount()-1 {
				m.selectedRow++
			}
		case key.Matches(msg, keys.Up):
			if m.selectedRow > 0 {
				m.selectedRow--
			}
		case key.Matches(msg, keys.NextTab):
			m.activeTab = (m.activeTab + 1) % tabCount
			m.selectedRow = 0
		case key.Matches(msg, keys.Failed):
			// Toggle failed-only filter on the sessions tab
			m.failedOnly = !m.failedOnly
			m.selectedRow = 0
			return m, m.refreshCmd(false)
		case key.Matches(msg, keys.Grow):
			if m.activeTab == tabWorkers && m.metrics.MaxWorkers > 0 && m.metrics.MaxWorkers < maxPoolSize {
				m.metrics.MaxWorkers++
				return m, resizeCmd(m.source, m.metrics.MaxWorkers)
			}
		case key.Matches(msg, keys.Shrink):
			if m.activeTab == tabWorkers && m.metrics.MaxWorkers > 1 {
				m.metrics.MaxWorkers--
				return m, resizeCmd(m.source, m.metrics.MaxWorkers)
			}
		case key.Matches(msg, keys.Terminate):
			// Terminate the selected worker
			if m.activeTab == tabWorkers && m.selectedRow < len(m.slots) {
				id := m.slots[m.selectedRow].SessionID
				m.status = "terminating " + shortID(id) + "..."
				return m, terminateCmd(m.source, id)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case TickMsg:
		return m, m.refreshCmd(true)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case SnapshotMsg:
		m.err = msg.Err
		if msg.Err == nil {
			m.metrics = msg.Metrics
			m.slots = msg.Slots
			m.sessions = msg.Sessions
			m.schedules = msg.Schedules
			m.lastRefresh = msg.At
			if n := m.rowCount(); m.selectedRow >= n {
				m.selectedRow = max(n-1, 0)
			}
		}
		if !msg.scheduled {
			return m, nil
		}
		return m, tickCmd(m.interval)

	case PoolResizedMsg:
		if msg.Err != nil {
			m.status = "resize failed: " + msg.Err.Error()
		} else {
			m.status = "pool size " + strconv.Itoa(msg.MaxWorkers)
		}
		return m, nil

	case TerminatedMsg:
		if msg.Err != nil {
			m.status = "terminate " + shortID(msg.SessionID) + " failed: " + msg.Err.Error()
		} else {
			m.status = "terminated " + shortID(msg.SessionID)
		}
		return m, m.refreshCmd(false)
	}

	return m, nil
}

func (m Model) rowCount() int {
	switch m.activeTab {
	case tabWorkers:
		return len(m.slots)
	case tabSessions:
		return len(m.sessions)
	case tabSchedules:
		return len(m.schedules)
	}
	return 0
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
