package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for operations on an unknown session id
	ErrNotFound = errors.New("session not found")

	// ErrStoreUnavailable wraps any storage-layer failure
	ErrStoreUnavailable = errors.New("session store unavailable")

	// ErrSessionTerminal is returned when writing to a session that already
	// reached completed or failed. The write is not applied.
	ErrSessionTerminal = errors.New("session already terminal")

	// ErrInvalidTransition is returned for a status change that would move a
	// session backwards
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrResultAndError is returned when an update would leave both a result
	// and an error message on a session
	ErrResultAndError = errors.New("result payload and error message are mutually exclusive")

	// ErrSupervisorClosed is returned once Cleanup has started
	ErrSupervisorClosed = errors.New("supervisor closed")

	// ErrWaitTimeout is returned by WaitForCompletion when the wait elapses
	ErrWaitTimeout = errors.New("timed out waiting for session")

	// ErrSpawnFailure matches any *SpawnError
	ErrSpawnFailure = errors.New("spawn failure")
)

// FailureKind classifies why a session failed. It only affects logging and
// notifications; the store records every kind as failed.
type FailureKind string

const (
	FailureSpawn      FailureKind = "spawn"
	FailureTask       FailureKind = "task"
	FailureStartup    FailureKind = "startup"
	FailurePanic      FailureKind = "panic"
	FailureTimeout    FailureKind = "timeout"
	FailureCrash      FailureKind = "crash"
	FailureTerminated FailureKind = "terminated"
	FailureCancelled  FailureKind = "cancelled"
)

// SpawnError is returned by SpawnWorker when the execution unit could not be
// launched. The session exists and has been marked failed.
type SpawnError struct {
	SessionID string
	Err       error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawning worker for session %s: %v", e.SessionID, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrSpawnFailure) match
func (e *SpawnError) Is(target error) bool { return target == ErrSpawnFailure }

// StoreError wraps a storage-layer error with the operation that failed
func StoreError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}
