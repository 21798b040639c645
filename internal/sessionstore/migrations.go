package sessionstore

const schema = `
CREATE TABLE IF NOT EXISTS worker_sessions (
    session_id TEXT PRIMARY KEY,
    supervisor_id TEXT NOT NULL,
    agent_type TEXT NOT NULL,
    task_description TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'queued',
    created_at INTEGER NOT NULL,
    started_at INTEGER,
    ended_at INTEGER,
    result_payload TEXT,
    error_message TEXT,
    memory_peak_mb REAL,
    execution_time_ms INTEGER,
    CHECK (status IN ('queued', 'running', 'completed', 'failed')),
    CHECK (result_payload IS NULL OR error_message IS NULL)
);

CREATE INDEX IF NOT EXISTS idx_worker_sessions_supervisor ON worker_sessions(supervisor_id);
CREATE INDEX IF NOT EXISTS idx_worker_sessions_status ON worker_sessions(status);
`
