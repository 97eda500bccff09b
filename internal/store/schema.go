package store

import (
	"database/sql"
	"fmt"
)

const schemaVersion = 1

const schemaDDL = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT NOT NULL,
	command TEXT NOT NULL,
	class TEXT NOT NULL,
	priority INTEGER NOT NULL,
	status TEXT NOT NULL,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 5,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	started_at TIMESTAMP,
	ended_at TIMESTAMP,
	worker_id TEXT,
	claim_token TEXT NOT NULL DEFAULT '',
	heartbeat_at TIMESTAMP,
	last_output_tail TEXT NOT NULL DEFAULT '',
	resume_blob TEXT NOT NULL DEFAULT '',
	security_verdict TEXT NOT NULL DEFAULT 'unscanned',
	failure_kind TEXT,
	failure_detail TEXT NOT NULL DEFAULT '',
	error_fingerprint TEXT NOT NULL DEFAULT '',
	dedup_key TEXT,
	working_dir TEXT NOT NULL DEFAULT '',
	retry_after TIMESTAMP
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_dedup_key ON tasks(dedup_key) WHERE dedup_key IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_tasks_dispatch ON tasks(status, priority, created_at);
CREATE INDEX IF NOT EXISTS idx_tasks_worker ON tasks(worker_id);

CREATE TABLE IF NOT EXISTS task_events (
	event_id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	trace_id TEXT NOT NULL DEFAULT '',
	run_id TEXT NOT NULL DEFAULT '',
	event_type TEXT NOT NULL,
	state_from TEXT NOT NULL DEFAULT '',
	state_to TEXT NOT NULL DEFAULT '',
	payload_json TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, created_at);

CREATE TABLE IF NOT EXISTS workers (
	id TEXT PRIMARY KEY,
	pid INTEGER NOT NULL,
	started_at TIMESTAMP NOT NULL,
	heartbeat_at TIMESTAMP NOT NULL,
	current_task_id TEXT
);

CREATE TABLE IF NOT EXISTS rate_limit_state (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	available INTEGER NOT NULL DEFAULT 1,
	resume_at TIMESTAMP,
	reason TEXT NOT NULL DEFAULT '',
	consecutive_hits INTEGER NOT NULL DEFAULT 0,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS security_findings (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	span TEXT NOT NULL,
	severity TEXT NOT NULL,
	masked_value TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_security_findings_task ON security_findings(task_id);

CREATE TABLE IF NOT EXISTS schedules (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT NOT NULL,
	cron_expr TEXT NOT NULL,
	class TEXT NOT NULL,
	priority INTEGER NOT NULL,
	working_dir TEXT NOT NULL DEFAULT '',
	enabled INTEGER NOT NULL DEFAULT 1,
	created_at TIMESTAMP NOT NULL,
	last_run_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS audit_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL DEFAULT '',
	kind TEXT NOT NULL DEFAULT '',
	decision TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	policy_version TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS schema_meta (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	version INTEGER NOT NULL
);
`

func migrate(db *sql.DB) error {
	if _, err := db.Exec(schemaDDL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	_, err := db.Exec(`INSERT INTO schema_meta (id, version) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET version = excluded.version WHERE excluded.version > schema_meta.version`,
		schemaVersion)
	if err != nil {
		return fmt.Errorf("stamp schema version: %w", err)
	}
	return nil
}
