package domain

import (
	"encoding/json"
	"time"
)

// SessionStatus represents the lifecycle state of a worker session
type SessionStatus string

const (
	SessionQueued    SessionStatus = "queued"
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// IsTerminal returns true for completed and failed
func (s SessionStatus) IsTerminal() bool {
	return s == SessionCompleted || s == SessionFailed
}

// Valid reports whether s is one of the known statuses
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionQueued, SessionRunning, SessionCompleted, SessionFailed:
		return true
	}
	return false
}

// PriorStatuses returns the statuses a session may move to s from.
// Transitions only go forward; a session may fail straight out of the queue.
func (s SessionStatus) PriorStatuses() []SessionStatus {
	switch s {
	case SessionRunning:
		return []SessionStatus{SessionQueued}
	case SessionCompleted:
		return []SessionStatus{SessionRunning}
	case SessionFailed:
		return []SessionStatus{SessionQueued, SessionRunning}
	default:
		return nil
	}
}

// WorkerSession is the durable record of one spawn-to-terminal-outcome lifecycle
type WorkerSession struct {
	SessionID       string
	SupervisorID    string
	AgentType       string
	TaskDescription string
	Status          SessionStatus
	CreatedAt       time.Time
	StartedAt       *time.Time
	EndedAt         *time.Time
	ResultPayload   json.RawMessage
	ErrorMessage    string
	MemoryPeakMB    *float64
	ExecutionTimeMs *int64
}

// Duration returns the wall-clock time between start and end, or since start
// for a session that is still running.
func (s *WorkerSession) Duration() time.Duration {
	if s.StartedAt == nil {
		return 0
	}
	if s.EndedAt != nil {
		return s.EndedAt.Sub(*s.StartedAt)
	}
	return time.Since(*s.StartedAt)
}

// SessionUpdate carries the optional fields applied together with a status change.
// Nil fields are left untouched.
type SessionUpdate struct {
	ResultPayload   json.RawMessage
	ErrorMessage    *string
	MemoryPeakMB    *float64
	ExecutionTimeMs *int64
	StartedAt       *time.Time
	EndedAt         *time.Time
}

// Validate checks the update is consistent with the target status:
// a completed session carries no error and a failed one carries no result.
func (u SessionUpdate) Validate(status SessionStatus) error {
	switch status {
	case SessionCompleted:
		if u.ErrorMessage != nil {
			return ErrResultAndError
		}
	case SessionFailed:
		if len(u.ResultPayload) > 0 {
			return ErrResultAndError
		}
	default:
		if len(u.ResultPayload) > 0 || u.ErrorMessage != nil {
			return ErrResultAndError
		}
	}
	return nil
}

// Failed builds the update for a failed terminal transition
func Failed(msg string, endedAt time.Time, execMs int64, peakMB float64) SessionUpdate {
	return SessionUpdate{
		ErrorMessage:    &msg,
		EndedAt:         &endedAt,
		ExecutionTimeMs: &execMs,
		MemoryPeakMB:    &peakMB,
	}
}

// Completed builds the update for a completed terminal transition
func Completed(result json.RawMessage, endedAt time.Time, execMs int64, peakMB float64) SessionUpdate {
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	return SessionUpdate{
		ResultPayload:   result,
		EndedAt:         &endedAt,
		ExecutionTimeMs: &execMs,
		MemoryPeakMB:    &peakMB,
	}
}
