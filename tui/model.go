// Package tui is the live dashboard of a running supervisor.
package tui

import (
	"context"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/hochfrequenz/agent-supervisor/internal/domain"
	"github.com/hochfrequenz/agent-supervisor/internal/schedule"
	"github.com/hochfrequenz/agent-supervisor/internal/supervisor"
	"github.com/hochfrequenz/agent-supervisor/web/api"
)

// Source provides the data the dashboard shows
type Source interface {
	Metrics(ctx context.Context) (api.MetricsResponse, error)
	Slots(ctx context.Context) ([]supervisor.SlotInfo, error)
	Sessions(ctx context.Context, status domain.SessionStatus, limit int) ([]api.SessionResponse, error)
	Schedules(ctx context.Context) ([]schedule.Status, error)
	Terminate(ctx context.Context, id string) error
	SetMaxWorkers(ctx context.Context, n int) error
}

// maxPoolSize bounds the pool size adjustable from the dashboard
const maxPoolSize = 64

// Tabs
const (
	tabWorkers = iota
	tabSessions
	tabSchedules
	tabCount
)

// Model is the TUI application model
type Model struct {
	source   Source
	interval time.Duration

	// Data
	metrics   api.MetricsResponse
	slots     []supervisor.SlotInfo
	sessions  []api.SessionResponse
	schedules []schedule.Status

	// UI state
	width       int
	height      int
	activeTab   int
	selectedRow int
	failedOnly  bool
	status      string
	err         error
	spinner     spinner.Model

	// Refresh
	lastRefresh time.Time
}

// ModelConfig holds the settings of the TUI model
type ModelConfig struct {
	Source Source
	// Refresh interval, one second when zero
	Interval time.Duration
}

// NewModel creates a new TUI model
func NewModel(cfg ModelConfig) Model {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	return Model{
		source:   cfg.Source,
		interval: cfg.Interval,
		spinner:  spinner.New(spinner.WithSpinner(spinner.MiniDot), spinner.WithStyle(runningStyle)),
	}
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.refreshCmd(true), m.spinner.Tick)
}

// TickMsg triggers a refresh
type TickMsg time.Time

func tickCmd(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// SnapshotMsg carries freshly fetched data
type SnapshotMsg struct {
	Metrics   api.MetricsResponse
	Slots     []supervisor.SlotInfo
	Sessions  []api.SessionResponse
	Schedules []schedule.Status
	At        time.Time
	Err       error

	// scheduled snapshots keep the refresh tick going
	scheduled bool
}

// PoolResizedMsg reports the outcome of a pool resize
type PoolResizedMsg struct {
	MaxWorkers int
	Err        error
}

// TerminatedMsg reports the outcome of a terminate request
type TerminatedMsg struct {
	SessionID string
	Err       error
}

func (m Model) refreshCmd(scheduled bool) tea.Cmd {
	source := m.source
	status := domain.SessionStatus("")
	if m.failedOnly {
		status = domain.SessionFailed
	}
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		snap := SnapshotMsg{At: time.Now(), scheduled: scheduled}
		if snap.Metrics, snap.Err = source.Metrics(ctx); snap.Err != nil {
			return snap
		}
		if snap.Slots, snap.Err = source.Slots(ctx); snap.Err != nil {
			return snap
		}
		if snap.Sessions, snap.Err = source.Sessions(ctx, status, 50); snap.Err != nil {
			return snap
		}
		snap.Schedules, snap.Err = source.Schedules(ctx)
		return snap
	}
}

func terminateCmd(source Source, id string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return TerminatedMsg{SessionID: id, Err: source.Terminate(ctx, id)}
	}
}

func resizeCmd(source Source, n int) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return PoolResizedMsg{MaxWorkers: n, Err: source.SetMaxWorkers(ctx, n)}
	}
}
