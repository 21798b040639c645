package tui

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/hochfrequenz/agent-supervisor/internal/domain"
	"github.com/hochfrequenz/agent-supervisor/internal/schedule"
	"github.com/hochfrequenz/agent-supervisor/internal/supervisor"
	"github.com/hochfrequenz/agent-supervisor/web/api"
)

type fakeSource struct {
	mu         sync.Mutex
	metrics    api.MetricsResponse
	slots      []supervisor.SlotInfo
	sessions   []api.SessionResponse
	err        error
	terminated []string
	resized    []int
	lastStatus domain.SessionStatus
}

func (f *fakeSource) Metrics(ctx context.Context) (api.MetricsResponse, error) {
	return f.metrics, f.err
}

func (f *fakeSource) Slots(ctx context.Context) ([]supervisor.SlotInfo, error) {
	return f.slots, nil
}

func (f *fakeSource) Sessions(ctx context.Context, status domain.SessionStatus, limit int) ([]api.SessionResponse, error) {
	f.mu.Lock()
	f.lastStatus = status
	f.mu.Unlock()
	return f.sessions, nil
}

func (f *fakeSource) Schedules(ctx context.Context) ([]schedule.Status, error) {
	return []schedule.Status{{Name: "nightly", Cron: "@daily", AgentType: "echo", NextRun: time.Now().Add(time.Hour)}}, nil
}

func (f *fakeSource) Terminate(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, id)
	return nil
}

func (f *fakeSource) SetMaxWorkers(ctx context.Context, n int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resized = append(f.resized, n)
	return nil
}

func newFakeSource() *fakeSource {
	ms := int64(1500)
	return &fakeSource{
		metrics: api.MetricsResponse{Metrics: supervisor.Metrics{ActiveWorkers: 2, MaxWorkers: 3, QueuedTasks: 1, Spawned: 5}},
		slots: []supervisor.SlotInfo{
			{SessionID: "aaaaaaaa-1111", AgentType: "shell", Description: "build", StartedAt: time.Now().Add(-time.Minute), HeapUsedPct: 95},
			{SessionID: "bbbbbbbb-2222", AgentType: "echo", Description: "greet", StartedAt: time.Now()},
		},
		sessions: []api.SessionResponse{
			{SessionID: "cccccccc-3333", AgentType: "echo", Status: "completed", CreatedAt: time.Now(), ExecutionTimeMs: &ms},
			{SessionID: "dddddddd-4444", AgentType: "shell", Status: "failed", Error: "worker timed out after 10m0s", CreatedAt: time.Now()},
		},
	}
}

// loaded returns a model that has processed one snapshot
func loaded(t *testing.T, src *fakeSource) Model {
	t.Helper()
	model := NewModel(ModelConfig{Source: src})
	model.width = 140
	model.height = 40

	msg := model.refreshCmd(true)()
	newModel, cmd := model.Update(msg)
	if cmd == nil {
		t.Fatal("scheduled snapshot should schedule the next tick")
	}
	return newModel.(Model)
}

func TestNewModel(t *testing.T) {
	model := NewModel(ModelConfig{Source: newFakeSource()})

	if model.interval != time.Second {
		t.Errorf("interval = %v, want 1s", model.interval)
	}
	if model.activeTab != tabWorkers {
		t.Errorf("activeTab = %d, want %d", model.activeTab, tabWorkers)
	}
	if model.View() != "Loading..." {
		t.Errorf("View() before size = %q, want Loading...", model.View())
	}
}

func TestModel_InitStartsRefreshAndSpinner(t *testing.T) {
	model := NewModel(ModelConfig{Source: newFakeSource()})

	batch, ok := model.Init()().(tea.BatchMsg)
	if !ok {
		t.Fatal("Init should batch the first refresh with the spinner")
	}
	if len(batch) != 2 {
		t.Fatalf("batch = %d commands, want 2", len(batch))
	}

	var sawSnapshot, sawSpinner bool
	for _, cmd := range batch {
		switch msg := cmd().(type) {
		case SnapshotMsg:
			sawSnapshot = msg.scheduled
		case spinner.TickMsg:
			sawSpinner = true
			if _, next := model.Update(msg); next == nil {
				t.Error("spinner tick should schedule the next frame")
			}
		}
	}
	if !sawSnapshot || !sawSpinner {
		t.Errorf("snapshot = %v, spinner = %v, want both", sawSnapshot, sawSpinner)
	}
}

func TestModel_Snapshot(t *testing.T) {
	model := loaded(t, newFakeSource())

	if len(model.slots) != 2 {
		t.Errorf("slots = %d, want 2", len(model.slots))
	}
	if len(model.sessions) != 2 {
		t.Errorf("sessions = %d, want 2", len(model.sessions))
	}
	if model.lastRefresh.IsZero() {
		t.Error("lastRefresh should be set")
	}

	view := model.View()
	for _, want := range []string{"Workers: 2/3", "Queued: 1", "aaaaaaaa", "shell"} {
		if !strings.Contains(view, want) {
			t.Errorf("View() missing %q", want)
		}
	}
}

func TestModel_SnapshotError(t *testing.T) {
	src := newFakeSource()
	src.err = errors.New("connection refused")
	model := loaded(t, src)

	if model.err == nil {
		t.Fatal("err should be set")
	}
	if !strings.Contains(model.View(), "connection refused") {
		t.Error("View() should show the error")
	}
}

func TestModel_TabSwitching(t *testing.T) {
	model := loaded(t, newFakeSource())

	for i, want := range []int{tabSessions, tabSchedules, tabWorkers} {
		newModel, _ := model.Update(tea.KeyMsg{Type: tea.KeyTab})
		model = newModel.(Model)
		if model.activeTab != want {
			t.Errorf("after tab %d: activeTab = %d, want %d", i+1, model.activeTab, want)
		}
	}

	newModel, _ := model.Update(tea.KeyMsg{Type: tea.KeyTab})
	model = newModel.(Model)
	if !strings.Contains(model.View(), "worker timed out") {
		t.Error("sessions tab should show the failure message")
	}
}

func TestModel_ScrollNavigation(t *testing.T) {
	model := loaded(t, newFakeSource())

	for i := 0; i < 5; i++ {
		newModel, _ := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("j")})
		model = newModel.(Model)
	}
	if model.selectedRow != 1 {
		t.Errorf("selectedRow = %d, want 1 (last slot)", model.selectedRow)
	}

	for i := 0; i < 5; i++ {
		newModel, _ := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("k")})
		model = newModel.(Model)
	}
	if model.selectedRow != 0 {
		t.Errorf("selectedRow = %d, want 0", model.selectedRow)
	}
}

func TestModel_Terminate(t *testing.T) {
	src := newFakeSource()
	model := loaded(t, src)

	newModel, _ := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("j")})
	model = newModel.(Model)
	newModel, cmd := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("x")})
	model = newModel.(Model)
	if cmd == nil {
		t.Fatal("x should issue a terminate command")
	}

	msg := cmd()
	tm, ok := msg.(TerminatedMsg)
	if !ok {
		t.Fatalf("msg = %T, want TerminatedMsg", msg)
	}
	if tm.SessionID != "bbbbbbbb-2222" {
		t.Errorf("terminated %q, want bbbbbbbb-2222", tm.SessionID)
	}

	newModel, _ = model.Update(tm)
	model = newModel.(Model)
	if !strings.Contains(model.status, "terminated bbbbbbbb") {
		t.Errorf("status = %q", model.status)
	}
}

func TestModel_PoolResize(t *testing.T) {
	src := newFakeSource()
	model := loaded(t, src)

	newModel, cmd := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("+")})
	model = newModel.(Model)
	if model.metrics.MaxWorkers != 4 {
		t.Errorf("after +: MaxWorkers = %d, want 4", model.metrics.MaxWorkers)
	}
	cmd()

	newModel, cmd = model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("-")})
	model = newModel.(Model)
	cmd()

	if len(src.resized) != 2 || src.resized[0] != 4 || src.resized[1] != 3 {
		t.Errorf("resized = %v, want [4 3]", src.resized)
	}

	// lower limit
	model.metrics.MaxWorkers = 1
	_, cmd = model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("-")})
	if cmd != nil {
		t.Error("- at one worker should do nothing")
	}

	// only on the workers tab
	model.activeTab = tabSessions
	model.metrics.MaxWorkers = 3
	_, cmd = model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("+")})
	if cmd != nil {
		t.Error("+ outside the workers tab should do nothing")
	}
}

func TestModel_FailedFilter(t *testing.T) {
	src := newFakeSource()
	model := loaded(t, src)

	newModel, cmd := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("f")})
	model = newModel.(Model)
	if !model.failedOnly {
		t.Fatal("failedOnly should be set")
	}

	snap := cmd()
	if src.lastStatus != domain.SessionFailed {
		t.Errorf("sessions requested with status %q, want failed", src.lastStatus)
	}
	if _, next := model.Update(snap); next != nil {
		t.Error("manual refresh should not start another tick")
	}
}

func TestFormatHelpers(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{250 * time.Millisecond, "250ms"},
		{1500 * time.Millisecond, "1.5s"},
		{90 * time.Second, "1m30s"},
		{2*time.Hour + 5*time.Minute, "2h05m"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}

	if got := truncate("hello world", 8); got != "hello..." {
		t.Errorf("truncate = %q, want hello...", got)
	}
	if got := formatMB(0); got != "-" {
		t.Errorf("formatMB(0) = %q, want -", got)
	}
	if got := formatMB(1.5); got != "1.5 MiB" {
		t.Errorf("formatMB(1.5) = %q, want 1.5 MiB", got)
	}
	if got := shortID("abc"); got != "abc" {
		t.Errorf("shortID = %q", got)
	}
}
