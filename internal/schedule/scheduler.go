// Package schedule spawns workers on cron schedules.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hochfrequenz/agent-supervisor/internal/config"
	"github.com/hochfrequenz/agent-supervisor/internal/domain"
)

// Spawner is the part of the supervisor the scheduler drives
type Spawner interface {
	SpawnWorker(ctx context.Context, agentType, taskDescription string, payload any) (string, error)
	GetResult(ctx context.Context, sessionID string) (*domain.WorkerSession, error)
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses a cron expression
func ParseCron(expr string) (cron.Schedule, error) {
	return parser.Parse(expr)
}

type entry struct {
	cfg      config.ScheduleConfig
	schedule cron.Schedule
	id       cron.EntryID

	inFlight    bool
	lastRun     time.Time
	lastSession string
	lastErr     error
	skipped     int
}

// Status describes a schedule and its most recent occurrence
type Status struct {
	Name          string    `json:"name"`
	Cron          string    `json:"cron"`
	AgentType     string    `json:"agent_type"`
	NextRun       time.Time `json:"next_run"`
	LastRun       time.Time `json:"last_run,omitempty"`
	LastSessionID string    `json:"last_session_id,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	Skipped       int       `json:"skipped"`
}

// Scheduler spawns a worker for every occurrence of its schedules. An
// occurrence is skipped while the previous session of the same schedule is
// still queued or running.
type Scheduler struct {
	spawner Spawner
	cron    *cron.Cron
	entries map[string]*entry
	mu      sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a scheduler for configs
func New(configs []config.ScheduleConfig, spawner Spawner) (*Scheduler, error) {
	s := &Scheduler{
		spawner: spawner,
		cron:    cron.New(cron.WithParser(parser)),
		entries: make(map[string]*entry),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	for _, cfg := range configs {
		if cfg.Name == "" {
			return nil, errors.New("schedule name is required")
		}
		if _, dup := s.entries[cfg.Name]; dup {
			return nil, fmt.Errorf("schedule %q: duplicate name", cfg.Name)
		}
		if cfg.AgentType == "" {
			return nil, fmt.Errorf("schedule %q: agent type is required", cfg.Name)
		}
		sched, err := ParseCron(cfg.Cron)
		if err != nil {
			return nil, fmt.Errorf("schedule %q: invalid cron expression: %w", cfg.Name, err)
		}

		e := &entry{cfg: cfg, schedule: sched}
		name := cfg.Name
		e.id = s.cron.Schedule(sched, cron.FuncJob(func() {
			if _, err := s.Trigger(s.ctx, name); err != nil && !errors.Is(err, ErrSkipped) {
				log.Printf("[schedule] %s: %v", name, err)
			}
		}))
		s.entries[name] = e
	}

	return s, nil
}

// ErrSkipped is returned by Trigger when the previous occurrence is still live
var ErrSkipped = errors.New("previous occurrence still live")

// Trigger runs one occurrence of the named schedule now and returns the
// session it spawned. Blocks until the worker is launched.
func (s *Scheduler) Trigger(ctx context.Context, name string) (string, error) {
	s.mu.Lock()
	e, ok := s.entries[name]
	if !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("schedule %q: %w", name, domain.ErrNotFound)
	}
	if e.inFlight || s.live(ctx, e.lastSession) {
		e.skipped++
		s.mu.Unlock()
		log.Printf("[schedule] %s: skipping occurrence, session %s still live", name, e.lastSession)
		return "", ErrSkipped
	}
	e.inFlight = true
	cfg := e.cfg
	s.mu.Unlock()

	description := cfg.Description
	if description == "" {
		description = "scheduled: " + cfg.Name
	}
	var payload any
	if len(cfg.Payload) > 0 {
		payload = cfg.Payload
	}

	id, err := s.spawner.SpawnWorker(ctx, cfg.AgentType, description, payload)

	s.mu.Lock()
	e.inFlight = false
	e.lastRun = time.Now()
	e.lastErr = err
	if id != "" {
		e.lastSession = id
	}
	s.mu.Unlock()

	if err != nil {
		return id, fmt.Errorf("spawning %s worker: %w", cfg.AgentType, err)
	}
	log.Printf("[schedule] %s: spawned session %s", name, id)
	return id, nil
}

// live reports whether sessionID is still queued or running. Must hold s.mu.
func (s *Scheduler) live(ctx context.Context, sessionID string) bool {
	if sessionID == "" {
		return false
	}
	session, err := s.spawner.GetResult(ctx, sessionID)
	if err != nil {
		// An unreadable session does not block the schedule.
		log.Printf("[schedule] warning: reading session %s: %v", sessionID, err)
		return false
	}
	return !session.Status.IsTerminal()
}

// NextRun returns the next scheduled run time, or the zero time for an
// unknown schedule
func (s *Scheduler) NextRun(name string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return time.Time{}
	}
	return e.schedule.Next(time.Now())
}

// List returns the status of every schedule sorted by name
func (s *Scheduler) List() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	out := make([]Status, 0, len(s.entries))
	for _, e := range s.entries {
		st := Status{
			Name:          e.cfg.Name,
			Cron:          e.cfg.Cron,
			AgentType:     e.cfg.AgentType,
			NextRun:       e.schedule.Next(now),
			LastRun:       e.lastRun,
			LastSessionID: e.lastSession,
			Skipped:       e.skipped,
		}
		if e.lastErr != nil {
			st.LastError = e.lastErr.Error()
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Start begins firing schedules
func (s *Scheduler) Start() {
	for _, st := range s.List() {
		log.Printf("[schedule] %s (%s): next run %s", st.Name, st.Cron, st.NextRun.Format(time.RFC3339))
	}
	s.cron.Start()
}

// Stop stops firing schedules, cancels spawns still waiting for a slot and
// waits for running jobs to return
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}
