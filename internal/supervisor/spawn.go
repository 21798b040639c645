package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hochfrequenz/agent-supervisor/internal/domain"
	"github.com/hochfrequenz/agent-supervisor/internal/workerprotocol"
)

// SpawnWorker records a new session and launches a unit for it. When the
// pool is full the spawn waits in the FIFO queue and SpawnWorker returns
// once the unit has actually launched. Cancelling ctx while queued withdraws
// the spawn and fails its session. A launch failure is returned as a
// *domain.SpawnError.
func (s *Supervisor) SpawnWorker(ctx context.Context, agentType, taskDescription string, payload any) (string, error) {
	if s.closing.Load() {
		return "", domain.ErrSupervisorClosed
	}
	if strings.TrimSpace(agentType) == "" {
		return "", errors.New("spawn worker: agent type is required")
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return "", fmt.Errorf("spawn %s worker: %w", agentType, err)
	}

	id, err := s.store.CreateSession(ctx, s.id, agentType, taskDescription)
	if err != nil {
		return "", fmt.Errorf("spawn %s worker: %w", agentType, err)
	}

	req := &spawnRequest{
		ctx:         ctx,
		sessionID:   id,
		agentType:   agentType,
		description: taskDescription,
		payload:     raw,
		submitted:   time.Now(),
		reply:       make(chan error, 1),
	}

	if err := s.do(ctx, func() { s.submit(req) }); err != nil {
		// Never reached the loop. Count it there unless the loop has stopped.
		_ = s.do(context.Background(), func() { s.counters.failed++ })
		s.failUnlaunched(id, reasonFor(err))
		return "", err
	}

	select {
	case err := <-req.reply:
		if err != nil {
			return "", err
		}
		return id, nil

	case <-ctx.Done():
		var withdrawn bool
		_ = s.do(context.Background(), func() {
			if s.queue.remove(req) {
				withdrawn = true
				s.logger.Printf("[supervisor] session %s: withdrawn from queue: %v", id, ctx.Err())
				s.withdraw(req, "cancelled while queued", ctx.Err())
			}
		})
		if withdrawn {
			return "", ctx.Err()
		}
		// Already dequeued: the launch outcome is on its way.
		if err := <-req.reply; err != nil {
			return "", err
		}
		return id, nil
	}
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, domain.ErrSupervisorClosed):
		return "supervisor shut down before launch"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled while queued"
	default:
		return err.Error()
	}
}

// withdraw fails a request that will never launch and counts it. The
// request must already be out of the queue. Runs on the loop.
func (s *Supervisor) withdraw(req *spawnRequest, reason string, err error) {
	s.counters.failed++
	s.failUnlaunched(req.sessionID, reason)
	req.resolve(err)
}

// failUnlaunched marks a session that never got a unit as failed
func (s *Supervisor) failUnlaunched(sessionID, reason string) {
	ctx, cancel := storeCtx()
	defer cancel()

	err := s.store.UpdateStatus(ctx, sessionID, domain.SessionFailed, domain.Failed(reason, time.Now(), 0, 0))
	if err != nil && !errors.Is(err, domain.ErrSessionTerminal) {
		s.logger.Printf("[supervisor] warning: session %s: recording failure: %v", sessionID, err)
	}
	s.publish(Event{Type: EventFailed, SessionID: sessionID, Message: reason})
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(p) == 0 {
			return nil, nil
		}
		if !json.Valid(p) {
			return nil, errors.New("payload is not valid JSON")
		}
		return p, nil
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("encoding payload: %w", err)
		}
		return data, nil
	}
}

// submit queues a request and launches as many queued requests as fit.
// Runs on the loop.
func (s *Supervisor) submit(req *spawnRequest) {
	if s.closed {
		s.withdraw(req, reasonFor(domain.ErrSupervisorClosed), domain.ErrSupervisorClosed)
		return
	}

	s.queue.push(req)
	s.drain()

	if s.queue.find(req.sessionID) == req {
		s.logger.Printf("[supervisor] session %s: pool full (%d/%d), queued at position %d",
			req.sessionID, len(s.slots), s.maxWorkers, s.queue.len())
		s.publish(Event{Type: EventQueued, SessionID: req.sessionID, AgentType: req.agentType})
	}
}

// drain launches queued requests while the pool has room. Runs on the loop.
func (s *Supervisor) drain() {
	for !s.closed && len(s.slots) < s.maxWorkers {
		req := s.queue.pop()
		if req == nil {
			return
		}
		if err := req.ctx.Err(); err != nil {
			s.withdraw(req, "cancelled while queued", err)
			continue
		}
		s.launch(req)
	}
}

// launch starts a unit for req and registers its slot. Runs on the loop.
func (s *Supervisor) launch(req *spawnRequest) {
	s.counters.spawned++

	desc := workerprotocol.Descriptor{
		SessionID:              req.sessionID,
		AgentType:              req.agentType,
		TaskDescription:        req.description,
		SupervisorID:           s.id,
		Payload:                req.payload,
		Limits:                 s.cfg.Limits,
		MemoryReportIntervalMs: int(s.cfg.MemoryReportInterval / time.Millisecond),
		GCHighWaterPct:         s.cfg.GCHighWaterPct,
	}

	started := time.Now()
	handle, err := s.launcher.Launch(context.Background(), desc)
	if err != nil {
		s.counters.failed++
		reason := fmt.Sprintf("%s failure: %v", domain.FailureSpawn, err)
		s.logger.Printf("[supervisor] session %s: %s", req.sessionID, reason)
		s.record(req.sessionID, domain.SessionFailed, domain.Failed(reason, time.Now(), 0, 0))
		s.publish(Event{Type: EventFailed, SessionID: req.sessionID, AgentType: req.agentType, Message: reason})
		req.resolve(&domain.SpawnError{SessionID: req.sessionID, Err: err})
		return
	}

	ctx, cancel := storeCtx()
	err = s.store.UpdateStatus(ctx, req.sessionID, domain.SessionRunning, domain.SessionUpdate{StartedAt: &started})
	cancel()
	if err != nil {
		// The unit is already running; it keeps running without the row update.
		s.logger.Printf("[supervisor] warning: session %s: recording running: %v", req.sessionID, err)
	}

	sl := &slot{
		id:          req.sessionID,
		agentType:   req.agentType,
		description: req.description,
		handle:      handle,
		started:     started,
	}
	sl.timer = time.AfterFunc(s.cfg.WorkerTimeout, func() {
		select {
		case s.timeouts <- sl:
		case <-s.stopped:
		}
	})
	s.slots[sl.id] = sl
	go s.forward(sl)

	if wait := started.Sub(req.submitted); wait > 10*time.Millisecond {
		s.logger.Printf("[supervisor] session %s: launched %s worker after %v in queue", sl.id, sl.agentType, wait.Round(time.Millisecond))
	} else {
		s.logger.Printf("[supervisor] session %s: launched %s worker", sl.id, sl.agentType)
	}
	req.resolve(nil)
}
