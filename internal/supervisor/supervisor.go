// Package supervisor runs agent work in isolated execution units. It keeps a
// bounded pool of live units, queues spawns beyond the pool size in FIFO
// order, enforces a wall-clock timeout per unit, and records every outcome
// in the session store.
//
// All supervisor state is owned by a single loop goroutine. Public methods
// hand closures to the loop; unit messages, unit exits and timer expiries
// arrive on channels the loop selects on.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hochfrequenz/agent-supervisor/internal/domain"
	"github.com/hochfrequenz/agent-supervisor/internal/launcher"
	"github.com/hochfrequenz/agent-supervisor/internal/workerprotocol"
)

// Defaults for Config fields left at zero
const (
	DefaultMaxWorkers           = 4
	DefaultHeapLimitMB          = 4096
	DefaultWorkerTimeout        = 10 * time.Minute
	DefaultMemoryReportInterval = 10 * time.Second
	DefaultGCHighWaterPct       = 80.0
	DefaultMemoryWarnPct        = 90.0
)

// storeTimeout bounds a single store call made from the loop
const storeTimeout = 10 * time.Second

// Config configures a Supervisor
type Config struct {
	// SupervisorID identifies this instance in session rows. Generated when empty.
	SupervisorID string
	MaxWorkers   int
	// WorkerTimeout is the wall-clock ceiling of one unit
	WorkerTimeout time.Duration
	// Limits are passed to every unit
	Limits workerprotocol.Limits

	MemoryReportInterval time.Duration
	// GCHighWaterPct is the heap-used percentage above which a unit collects
	GCHighWaterPct float64
	// MemoryWarnPct is the heap-used percentage above which reports are logged as warnings
	MemoryWarnPct float64
}

// DefaultConfig returns a Config with every default applied
func DefaultConfig() Config {
	return Config{}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.SupervisorID == "" {
		c.SupervisorID = uuid.NewString()
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = DefaultMaxWorkers
	}
	if c.WorkerTimeout <= 0 {
		c.WorkerTimeout = DefaultWorkerTimeout
	}
	if c.Limits.HeapLimitMB <= 0 {
		c.Limits.HeapLimitMB = DefaultHeapLimitMB
	}
	if c.MemoryReportInterval <= 0 {
		c.MemoryReportInterval = DefaultMemoryReportInterval
	}
	if c.GCHighWaterPct <= 0 {
		c.GCHighWaterPct = DefaultGCHighWaterPct
	}
	if c.MemoryWarnPct <= 0 {
		c.MemoryWarnPct = DefaultMemoryWarnPct
	}
	return c
}

// SessionStore is the durable ledger the supervisor records sessions in
type SessionStore interface {
	CreateSession(ctx context.Context, supervisorID, agentType, taskDescription string) (string, error)
	UpdateStatus(ctx context.Context, id string, status domain.SessionStatus, fields domain.SessionUpdate) error
	GetSession(ctx context.Context, id string) (*domain.WorkerSession, error)
	Close() error
}

// Option configures optional Supervisor behaviour
type Option func(*Supervisor)

// WithLogger sets the logger. The default is the standard logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Supervisor) {
		s.logger = l
	}
}

// WithHub publishes events on an existing hub instead of a private one
func WithHub(h *Hub) Option {
	return func(s *Supervisor) {
		s.hub = h
	}
}

// Supervisor owns the pool of live units and the spawn queue
type Supervisor struct {
	id       string
	cfg      Config
	store    SessionStore
	launcher launcher.Launcher
	logger   *log.Logger
	hub      *Hub

	ops      chan func()
	events   chan slotEvent
	timeouts chan *slot
	stop     chan struct{}
	stopped  chan struct{}

	closing   atomic.Bool
	closeOnce sync.Once
	closeErr  error

	finalMu sync.Mutex
	final   Metrics

	// Loop-owned state.
	slots       map[string]*slot
	queue       queue
	counters    counters
	maxWorkers  int
	closed      bool
	idleWaiters []chan struct{}
}

// New creates a supervisor and starts its loop
func New(cfg Config, store SessionStore, l launcher.Launcher, opts ...Option) (*Supervisor, error) {
	if store == nil {
		return nil, errors.New("supervisor: session store is required")
	}
	if l == nil {
		return nil, errors.New("supervisor: launcher is required")
	}

	cfg = cfg.withDefaults()
	s := &Supervisor{
		id:         cfg.SupervisorID,
		cfg:        cfg,
		store:      store,
		launcher:   l,
		logger:     log.Default(),
		ops:        make(chan func()),
		events:     make(chan slotEvent, 64),
		timeouts:   make(chan *slot),
		stop:       make(chan struct{}),
		stopped:    make(chan struct{}),
		slots:      make(map[string]*slot),
		maxWorkers: cfg.MaxWorkers,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.hub == nil {
		s.hub = NewHub()
	}

	go s.run()
	return s, nil
}

// ID returns the supervisor instance id recorded on its sessions
func (s *Supervisor) ID() string {
	return s.id
}

// Config returns the effective configuration
func (s *Supervisor) Config() Config {
	return s.cfg
}

// Subscribe streams supervisor events until the returned cancel function is
// called or the supervisor is cleaned up.
func (s *Supervisor) Subscribe() (<-chan Event, func()) {
	return s.hub.Subscribe(256)
}

func (s *Supervisor) run() {
	defer close(s.stopped)
	for {
		select {
		case op := <-s.ops:
			op()
		case ev := <-s.events:
			s.handleSlotEvent(ev)
		case sl := <-s.timeouts:
			s.handleTimeout(sl)
		case <-s.stop:
			s.finalMu.Lock()
			s.final = s.metricsLocked()
			s.finalMu.Unlock()
			return
		}
	}
}

// do runs fn on the loop and waits for it to finish
func (s *Supervisor) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	op := func() {
		defer close(done)
		fn()
	}

	select {
	case s.ops <- op:
	case <-s.stopped:
		return domain.ErrSupervisorClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

// Metrics returns the current counters and pool occupancy
func (s *Supervisor) Metrics() Metrics {
	var m Metrics
	if err := s.do(context.Background(), func() { m = s.metricsLocked() }); err != nil {
		s.finalMu.Lock()
		defer s.finalMu.Unlock()
		return s.final
	}
	return m
}

func (s *Supervisor) metricsLocked() Metrics {
	m := s.counters.snapshot()
	m.ActiveWorkers = len(s.slots)
	m.QueuedTasks = s.queue.len()
	m.MaxWorkers = s.maxWorkers
	return m
}

// SetMaxWorkers changes the pool size. Raising it launches queued spawns
// immediately; lowering it lets live units finish.
func (s *Supervisor) SetMaxWorkers(n int) error {
	if n < 1 {
		return fmt.Errorf("max workers must be at least 1, got %d", n)
	}
	return s.do(context.Background(), func() {
		if n == s.maxWorkers {
			return
		}
		s.logger.Printf("[supervisor] max workers %d -> %d", s.maxWorkers, n)
		s.maxWorkers = n
		s.drain()
	})
}

// GetResult reads a session from the store
func (s *Supervisor) GetResult(ctx context.Context, sessionID string) (*domain.WorkerSession, error) {
	return s.store.GetSession(ctx, sessionID)
}

// WaitOptions configures WaitForCompletion
type WaitOptions struct {
	PollInterval time.Duration
	// Timeout of zero waits until ctx is done
	Timeout time.Duration
}

// DefaultPollInterval is used when WaitOptions.PollInterval is unset
const DefaultPollInterval = 100 * time.Millisecond

// WaitForCompletion polls the store until the session is terminal
func (s *Supervisor) WaitForCompletion(ctx context.Context, sessionID string, opts WaitOptions) (*domain.WorkerSession, error) {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}

	var deadline <-chan time.Time
	if opts.Timeout > 0 {
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()

	for {
		session, err := s.store.GetSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if session.Status.IsTerminal() {
			return session, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, fmt.Errorf("session %s still %s after %v: %w", sessionID, session.Status, opts.Timeout, domain.ErrWaitTimeout)
		case <-ticker.C:
		}
	}
}

// Slots returns a snapshot of the live units, oldest first
func (s *Supervisor) Slots() []SlotInfo {
	var infos []SlotInfo
	_ = s.do(context.Background(), func() {
		infos = make([]SlotInfo, 0, len(s.slots))
		for _, sl := range s.slots {
			infos = append(infos, sl.info())
		}
	})
	sortSlotInfos(infos)
	return infos
}

// storeCtx returns the context used for store calls made from the loop
func storeCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), storeTimeout)
}

// record applies a status change for a session. It reports whether the
// outcome should be counted: false only when the session was already
// terminal. Other store errors are logged; the outcome still happened.
func (s *Supervisor) record(sessionID string, status domain.SessionStatus, fields domain.SessionUpdate) bool {
	ctx, cancel := storeCtx()
	defer cancel()

	err := s.store.UpdateStatus(ctx, sessionID, status, fields)
	switch {
	case err == nil:
		return true
	case errors.Is(err, domain.ErrSessionTerminal):
		s.logger.Printf("[supervisor] session %s already terminal, %s not recorded", sessionID, status)
		return false
	default:
		s.logger.Printf("[supervisor] warning: session %s: recording %s: %v", sessionID, status, err)
		return true
	}
}

func (s *Supervisor) publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	s.hub.Publish(ev)
}

// Cleanup stops the supervisor: queued spawns are failed, every live unit is
// terminated concurrently and waited for, then the store is closed. Calls
// after the first return the first call's result.
func (s *Supervisor) Cleanup(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		s.closeErr = s.cleanup(ctx)
	})
	return s.closeErr
}
