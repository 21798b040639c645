// Package sessionstore persists worker sessions in SQLite. It is a passive
// ledger: every write is a single-row statement keyed by session id and the
// store never changes a status on its own.
package sessionstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hochfrequenz/agent-supervisor/internal/domain"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed session persistence
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, domain.StoreError("open", err)
	}

	// One connection: point reads and writes only, and ":memory:" databases
	// are per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, domain.StoreError("open", err)
	}
	if dbPath != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			db.Close()
			return nil, domain.StoreError("open", err)
		}
	}

	// Run migrations
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, domain.StoreError("running migrations", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateSession inserts a queued session and returns its new id
func (s *Store) CreateSession(ctx context.Context, supervisorID, agentType, taskDescription string) (string, error) {
	if supervisorID == "" {
		return "", fmt.Errorf("create session: supervisor id is required")
	}
	if strings.TrimSpace(agentType) == "" {
		return "", fmt.Errorf("create session: agent type is required")
	}

	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO worker_sessions (session_id, supervisor_id, agent_type, task_description, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		id,
		supervisorID,
		agentType,
		taskDescription,
		string(domain.SessionQueued),
		s.now().UnixMilli(),
	)
	if err != nil {
		return "", domain.StoreError("create session", err)
	}
	return id, nil
}

// UpdateStatus moves a session to status and applies the supplied fields in
// one statement. Writes to a terminal session are not applied and return
// domain.ErrSessionTerminal.
func (s *Store) UpdateStatus(ctx context.Context, id string, status domain.SessionStatus, fields domain.SessionUpdate) error {
	if !status.Valid() {
		return fmt.Errorf("update session %s: unknown status %q", id, status)
	}
	if err := fields.Validate(status); err != nil {
		return fmt.Errorf("update session %s: %w", id, err)
	}

	prior := status.PriorStatuses()
	if len(prior) == 0 {
		return fmt.Errorf("update session %s to %s: %w", id, status, domain.ErrInvalidTransition)
	}

	// A terminal session always carries exactly one of result or error.
	var result interface{}
	if len(fields.ResultPayload) > 0 {
		result = string(fields.ResultPayload)
	} else if status == domain.SessionCompleted {
		result = "null"
	}
	if status == domain.SessionFailed && fields.ErrorMessage == nil {
		msg := "worker failed"
		fields.ErrorMessage = &msg
	}

	query := `
		UPDATE worker_sessions SET
			status = ?,
			result_payload = COALESCE(?, result_payload),
			error_message = COALESCE(?, error_message),
			memory_peak_mb = COALESCE(?, memory_peak_mb),
			execution_time_ms = COALESCE(?, execution_time_ms),
			started_at = COALESCE(started_at, ?),
			ended_at = COALESCE(ended_at, ?)
		WHERE session_id = ? AND status IN (` + placeholders(len(prior)) + `)`

	args := []interface{}{
		string(status),
		result,
		nullString(fields.ErrorMessage),
		nullFloat(fields.MemoryPeakMB),
		nullInt(fields.ExecutionTimeMs),
		nullMillis(fields.StartedAt),
		nullMillis(fields.EndedAt),
		id,
	}
	for _, p := range prior {
		args = append(args, string(p))
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return domain.StoreError("update session", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.StoreError("update session", err)
	}
	if n == 1 {
		return nil
	}

	// Nothing matched: work out why for the caller.
	current, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if current.Status.IsTerminal() {
		return fmt.Errorf("update session %s to %s: %w (status %s)", id, status, domain.ErrSessionTerminal, current.Status)
	}
	return fmt.Errorf("update session %s from %s to %s: %w", id, current.Status, status, domain.ErrInvalidTransition)
}

// GetSession retrieves a session by id
func (s *Store) GetSession(ctx context.Context, id string) (*domain.WorkerSession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM worker_sessions WHERE session_id = ?`, id)

	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, domain.StoreError("get session", err)
	}
	return session, nil
}

// ListOptions specifies filters for listing sessions
type ListOptions struct {
	SupervisorID string
	Status       domain.SessionStatus
	Limit        int
}

// ListSessions returns sessions matching the given options, newest first
func (s *Store) ListSessions(ctx context.Context, opts ListOptions) ([]*domain.WorkerSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM worker_sessions WHERE 1=1`
	var args []interface{}

	if opts.SupervisorID != "" {
		query += " AND supervisor_id = ?"
		args = append(args, opts.SupervisorID)
	}
	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, string(opts.Status))
	}

	query += " ORDER BY created_at DESC, rowid DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.StoreError("list sessions", err)
	}
	defer rows.Close()

	var sessions []*domain.WorkerSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, domain.StoreError("list sessions", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.StoreError("list sessions", err)
	}
	return sessions, nil
}

// FailOrphans marks sessions left queued or running by other supervisor
// instances as failed. It returns the number of sessions changed.
func (s *Store) FailOrphans(ctx context.Context, currentSupervisorID, reason string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE worker_sessions SET
			status = ?,
			error_message = ?,
			ended_at = COALESCE(ended_at, ?)
		WHERE supervisor_id != ? AND status IN (?, ?)
	`,
		string(domain.SessionFailed),
		reason,
		s.now().UnixMilli(),
		currentSupervisorID,
		string(domain.SessionQueued),
		string(domain.SessionRunning),
	)
	if err != nil {
		return 0, domain.StoreError("fail orphans", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, domain.StoreError("fail orphans", err)
	}
	return int(n), nil
}

const sessionColumns = `session_id, supervisor_id, agent_type, task_description, status, created_at,
	started_at, ended_at, result_payload, error_message, memory_peak_mb, execution_time_ms`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row scanner) (*domain.WorkerSession, error) {
	var session domain.WorkerSession
	var status string
	var createdAt int64
	var startedAt, endedAt, execMs sql.NullInt64
	var result, errMsg sql.NullString
	var peak sql.NullFloat64

	err := row.Scan(
		&session.SessionID,
		&session.SupervisorID,
		&session.AgentType,
		&session.TaskDescription,
		&status,
		&createdAt,
		&startedAt,
		&endedAt,
		&result,
		&errMsg,
		&peak,
		&execMs,
	)
	if err != nil {
		return nil, err
	}

	session.Status = domain.SessionStatus(status)
	session.CreatedAt = time.UnixMilli(createdAt)
	if startedAt.Valid {
		t := time.UnixMilli(startedAt.Int64)
		session.StartedAt = &t
	}
	if endedAt.Valid {
		t := time.UnixMilli(endedAt.Int64)
		session.EndedAt = &t
	}
	if result.Valid {
		session.ResultPayload = json.RawMessage(result.String)
	}
	if errMsg.Valid {
		session.ErrorMessage = errMsg.String
	}
	if peak.Valid {
		v := peak.Float64
		session.MemoryPeakMB = &v
	}
	if execMs.Valid {
		v := execMs.Int64
		session.ExecutionTimeMs = &v
	}

	return &session, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func nullFloat(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}

func nullInt(i *int64) interface{} {
	if i == nil {
		return nil
	}
	return *i
}

func nullMillis(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}
