package supervisor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hochfrequenz/agent-supervisor/internal/domain"
	"github.com/hochfrequenz/agent-supervisor/internal/launcher"
	"github.com/hochfrequenz/agent-supervisor/internal/workerprotocol"
)

// slot is the loop's bookkeeping for one live unit
type slot struct {
	id          string
	agentType   string
	description string
	handle      launcher.Handle
	started     time.Time
	timer       *time.Timer

	// terminal is set once the session outcome has been decided, by a
	// terminal message, a timeout, or a terminate request.
	terminal bool
	// stopping is set when the supervisor killed the unit itself
	stopping bool

	peakMB      float64
	heapUsedPct float64
}

// SlotInfo is a snapshot of a live unit
type SlotInfo struct {
	SessionID    string    `json:"session_id"`
	AgentType    string    `json:"agent_type"`
	Description  string    `json:"description"`
	StartedAt    time.Time `json:"started_at"`
	PeakMemoryMB float64   `json:"peak_memory_mb"`
	HeapUsedPct  float64   `json:"heap_used_pct"`
	Finishing    bool      `json:"finishing"`
}

func (sl *slot) info() SlotInfo {
	return SlotInfo{
		SessionID:    sl.id,
		AgentType:    sl.agentType,
		Description:  sl.description,
		StartedAt:    sl.started,
		PeakMemoryMB: sl.peakMB,
		HeapUsedPct:  sl.heapUsedPct,
		Finishing:    sl.terminal,
	}
}

func sortSlotInfos(infos []SlotInfo) {
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].StartedAt.Before(infos[j].StartedAt)
	})
}

func (sl *slot) elapsed() time.Duration {
	return time.Since(sl.started)
}

// slotEvent carries either a message or the exit of a slot's unit
type slotEvent struct {
	slot   *slot
	msg    workerprotocol.Message
	exit   bool
	status launcher.ExitStatus
}

// forward relays a unit's messages to the loop in order, then its exit
func (s *Supervisor) forward(sl *slot) {
	for msg := range sl.handle.Messages() {
		select {
		case s.events <- slotEvent{slot: sl, msg: msg}:
		case <-s.stopped:
			return
		}
	}

	select {
	case <-sl.handle.Done():
	case <-s.stopped:
		return
	}

	select {
	case s.events <- slotEvent{slot: sl, exit: true, status: sl.handle.ExitStatus()}:
	case <-s.stopped:
	}
}

func (s *Supervisor) handleSlotEvent(ev slotEvent) {
	sl := ev.slot
	if s.slots[sl.id] != sl {
		return
	}
	if ev.exit {
		s.handleExit(sl, ev.status)
		return
	}

	switch m := ev.msg.(type) {
	case workerprotocol.Started:
		s.logger.Printf("[supervisor] session %s: worker started (pid %d)", sl.id, m.PID)
		s.publish(Event{Type: EventStarted, SessionID: sl.id, AgentType: sl.agentType})

	case workerprotocol.Progress:
		s.logger.Printf("[supervisor] session %s: progress: %s", sl.id, m.Message)
		s.publish(Event{Type: EventProgress, SessionID: sl.id, AgentType: sl.agentType, Message: m.Message})

	case workerprotocol.MemoryReport:
		s.handleMemoryReport(sl, m)

	case workerprotocol.Result:
		if s.ignoreAfterTerminal(sl, m) {
			return
		}
		s.handleResult(sl, m)

	case workerprotocol.Error:
		if s.ignoreAfterTerminal(sl, m) {
			return
		}
		s.handleError(sl, m)

	case workerprotocol.Terminated:
		if s.ignoreAfterTerminal(sl, m) {
			return
		}
		s.handleTerminated(sl, m)

	case workerprotocol.Unknown:
		s.logger.Printf("[supervisor] session %s: unexpected message type %q, ignoring", sl.id, m.Type)

	default:
		s.logger.Printf("[supervisor] session %s: unexpected message %T, ignoring", sl.id, m)
	}
}

// ignoreAfterTerminal drops a terminal message for a slot whose outcome is
// already decided
func (s *Supervisor) ignoreAfterTerminal(sl *slot, m workerprotocol.Message) bool {
	if !sl.terminal {
		return false
	}
	// A unit we stopped reporting terminated is expected.
	if _, ok := m.(workerprotocol.Terminated); ok && sl.stopping {
		return true
	}
	s.logger.Printf("[supervisor] warning: session %s: ignoring %s message after terminal outcome", sl.id, m.Kind())
	return true
}

func (s *Supervisor) handleMemoryReport(sl *slot, m workerprotocol.MemoryReport) {
	sl.heapUsedPct = m.HeapUsedPct
	if m.HeapUsedMB > sl.peakMB {
		sl.peakMB = m.HeapUsedMB
	}

	if m.HeapUsedPct > s.cfg.MemoryWarnPct {
		s.logger.Printf("[supervisor] warning: session %s: heap at %.1f%% (%.1f of %.1f MB)",
			sl.id, m.HeapUsedPct, m.HeapUsedMB, m.HeapTotalMB)
	} else {
		s.logger.Printf("[supervisor] session %s: heap %.1f MB (%.1f%%), rss %.1f MB",
			sl.id, m.HeapUsedMB, m.HeapUsedPct, m.RSSMB)
	}
	s.publish(Event{
		Type:        EventMemory,
		SessionID:   sl.id,
		AgentType:   sl.agentType,
		HeapUsedPct: m.HeapUsedPct,
		MemoryMB:    m.HeapUsedMB,
	})
}

func (s *Supervisor) handleResult(sl *slot, m workerprotocol.Result) {
	sl.terminal = true
	sl.timer.Stop()

	elapsed := sl.elapsed()
	peak := max(sl.peakMB, m.MemoryPeakMB)

	if s.record(sl.id, domain.SessionCompleted, domain.Completed(m.Output, time.Now(), elapsed.Milliseconds(), peak)) {
		s.counters.recordCompletion(elapsed)
	}
	s.logger.Printf("[supervisor] session %s: completed in %v", sl.id, elapsed.Round(time.Millisecond))
	s.publish(Event{
		Type:       EventCompleted,
		SessionID:  sl.id,
		AgentType:  sl.agentType,
		DurationMs: elapsed.Milliseconds(),
		MemoryMB:   peak,
	})
}

func (s *Supervisor) handleError(sl *slot, m workerprotocol.Error) {
	sl.terminal = true
	sl.timer.Stop()

	elapsed := sl.elapsed()
	peak := max(sl.peakMB, m.MemoryPeakMB)

	kind := domain.FailureTask
	msg := m.Message
	switch m.Origin {
	case workerprotocol.ErrorStartup:
		kind = domain.FailureStartup
		msg = "startup failure: " + m.Message
	case workerprotocol.ErrorPanic:
		kind = domain.FailurePanic
	}

	if s.record(sl.id, domain.SessionFailed, domain.Failed(msg, time.Now(), elapsed.Milliseconds(), peak)) {
		s.counters.failed++
	}
	s.logger.Printf("[supervisor] session %s: %s failure after %v: %s", sl.id, kind, elapsed.Round(time.Millisecond), m.Message)
	if m.Stack != "" {
		s.logger.Printf("[supervisor] session %s: stack:\n%s", sl.id, m.Stack)
	}
	s.publish(Event{
		Type:       EventFailed,
		SessionID:  sl.id,
		AgentType:  sl.agentType,
		Message:    msg,
		DurationMs: elapsed.Milliseconds(),
		MemoryMB:   peak,
	})
}

// handleTerminated records a unit that was stopped by a signal the
// supervisor did not send
func (s *Supervisor) handleTerminated(sl *slot, m workerprotocol.Terminated) {
	sl.terminal = true
	sl.timer.Stop()

	elapsed := sl.elapsed()
	msg := "worker terminated"
	if m.Signal != "" {
		msg = fmt.Sprintf("worker terminated: %s", m.Signal)
	}

	if s.record(sl.id, domain.SessionFailed, domain.Failed(msg, time.Now(), elapsed.Milliseconds(), sl.peakMB)) {
		s.counters.failed++
	}
	s.logger.Printf("[supervisor] session %s: %s failure: %s", sl.id, domain.FailureTerminated, msg)
	s.publish(Event{Type: EventFailed, SessionID: sl.id, AgentType: sl.agentType, Message: msg})
}

func (s *Supervisor) handleTimeout(sl *slot) {
	if s.slots[sl.id] != sl || sl.terminal {
		return
	}
	sl.terminal = true
	sl.stopping = true

	elapsed := sl.elapsed()
	msg := fmt.Sprintf("worker timed out after %v", s.cfg.WorkerTimeout)

	if s.record(sl.id, domain.SessionFailed, domain.Failed(msg, time.Now(), elapsed.Milliseconds(), sl.peakMB)) {
		s.counters.timedOut++
	}
	s.logger.Printf("[supervisor] session %s: %s failure: %s, stopping worker", sl.id, domain.FailureTimeout, msg)
	s.publish(Event{Type: EventTimedOut, SessionID: sl.id, AgentType: sl.agentType, Message: msg, DurationMs: elapsed.Milliseconds()})

	sl.handle.Kill()
}

// handleExit frees the slot of an exited unit and launches queued spawns.
// A unit that exits before its outcome was decided failed.
func (s *Supervisor) handleExit(sl *slot, status launcher.ExitStatus) {
	sl.timer.Stop()
	delete(s.slots, sl.id)

	if !sl.terminal {
		sl.terminal = true
		elapsed := sl.elapsed()
		msg := fmt.Sprintf("worker exited without reporting an outcome (%s)", status)

		if s.record(sl.id, domain.SessionFailed, domain.Failed(msg, time.Now(), elapsed.Milliseconds(), sl.peakMB)) {
			s.counters.failed++
		}
		s.logger.Printf("[supervisor] session %s: %s failure: %s", sl.id, domain.FailureCrash, msg)
		s.publish(Event{Type: EventFailed, SessionID: sl.id, AgentType: sl.agentType, Message: msg})
	}

	s.logger.Printf("[supervisor] session %s: worker exited (%s), %d/%d slots in use",
		sl.id, status, len(s.slots), s.maxWorkers)
	s.publish(Event{Type: EventExited, SessionID: sl.id, AgentType: sl.agentType, Message: status.String()})

	s.drain()
	s.notifyIdle()
}

// TerminateWorker stops a live unit and marks its session failed. A session
// still waiting in the queue is withdrawn instead. Unknown or exited
// sessions return domain.ErrNotFound. A unit whose outcome is already
// recorded is still stopped, but the call returns domain.ErrSessionTerminal
// because the session keeps that outcome.
func (s *Supervisor) TerminateWorker(ctx context.Context, sessionID string) error {
	const reason = "manually terminated"

	var err error
	doErr := s.do(ctx, func() {
		if req := s.queue.find(sessionID); req != nil {
			s.queue.remove(req)
			s.withdraw(req, reason, fmt.Errorf("session %s: %s while queued", sessionID, reason))
			s.logger.Printf("[supervisor] session %s: %s while queued", sessionID, reason)
			return
		}

		sl, ok := s.slots[sessionID]
		if !ok {
			err = fmt.Errorf("terminate %s: %w", sessionID, domain.ErrNotFound)
			return
		}

		sl.timer.Stop()
		if sl.terminal {
			err = fmt.Errorf("terminate %s: outcome already recorded: %w", sessionID, domain.ErrSessionTerminal)
		} else {
			sl.terminal = true
			elapsed := sl.elapsed()
			if s.record(sl.id, domain.SessionFailed, domain.Failed(reason, time.Now(), elapsed.Milliseconds(), sl.peakMB)) {
				s.counters.failed++
			}
			s.publish(Event{Type: EventFailed, SessionID: sl.id, AgentType: sl.agentType, Message: reason})
		}
		sl.stopping = true
		s.logger.Printf("[supervisor] session %s: %s, stopping worker", sl.id, reason)
		sl.handle.Kill()
	})
	if doErr != nil {
		return doErr
	}
	return err
}

// notifyIdle wakes Cleanup once the pool is empty. Runs on the loop.
func (s *Supervisor) notifyIdle() {
	if len(s.slots) > 0 {
		return
	}
	for _, ch := range s.idleWaiters {
		close(ch)
	}
	s.idleWaiters = nil
}
