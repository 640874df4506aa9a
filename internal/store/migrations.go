package store

import (
	"context"
	"database/sql"
)

// schema contains the DDL for all run history tables.
// Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS workflows (
		id                TEXT PRIMARY KEY,
		name              TEXT NOT NULL DEFAULT '',
		description       TEXT NOT NULL DEFAULT '',
		default_workspace TEXT NOT NULL DEFAULT '',
		steps             TEXT NOT NULL,
		created_at        TEXT NOT NULL,
		updated_at        TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS runs (
		id              TEXT PRIMARY KEY,
		workflow_id     TEXT NOT NULL,
		workflow_name   TEXT NOT NULL DEFAULT '',
		status          TEXT NOT NULL DEFAULT 'PENDING',
		batches         INTEGER NOT NULL DEFAULT 0,
		usage           INTEGER NOT NULL DEFAULT 0,
		resumed_from    TEXT NOT NULL DEFAULT '',
		last_checkpoint TEXT NOT NULL DEFAULT '',
		abort_step      TEXT NOT NULL DEFAULT '',
		abort_cause     TEXT NOT NULL DEFAULT '',
		report          TEXT NOT NULL DEFAULT '',
		started_at      TEXT NOT NULL,
		ended_at        TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS step_events (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id     TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		step_id    TEXT NOT NULL,
		worker     TEXT NOT NULL DEFAULT '',
		attempt    INTEGER NOT NULL DEFAULT 0,
		iteration  INTEGER NOT NULL DEFAULT 0,
		action     TEXT NOT NULL,
		result     TEXT NOT NULL DEFAULT '',
		error      TEXT NOT NULL DEFAULT '',
		usage      INTEGER NOT NULL DEFAULT 0,
		started_at TEXT NOT NULL,
		ended_at   TEXT NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_runs_workflow_id ON runs(workflow_id)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
	`CREATE INDEX IF NOT EXISTS idx_step_events_run_id ON step_events(run_id)`,
}

// migrate executes all schema DDL statements.
func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
