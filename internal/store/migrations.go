package store

import (
	"context"
	"database/sql"
	"strings"
)

// schema contains the DDL for all tskmgr tables.
// Each statement uses IF NOT EXISTS for idempotency. Timestamps are stored
// as fixed-width UTC text (see timeLayout) on every backend.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id            TEXT PRIMARY KEY,
		name          TEXT NOT NULL DEFAULT '',
		change_set_id TEXT NOT NULL DEFAULT '',
		status        TEXT NOT NULL DEFAULT 'CREATED',
		created_at    TEXT NOT NULL,
		updated_at    TEXT NOT NULL,
		ended_at      TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS tasks (
		id            TEXT PRIMARY KEY,
		run_id        TEXT NOT NULL REFERENCES runs(id),
		change_set_id TEXT NOT NULL DEFAULT '',
		name          TEXT NOT NULL DEFAULT '',
		type          TEXT NOT NULL,
		command       TEXT NOT NULL,
		arguments     TEXT NOT NULL DEFAULT '[]',
		options       TEXT NOT NULL DEFAULT '{}',
		sig_key       TEXT NOT NULL,
		status        TEXT NOT NULL DEFAULT 'PENDING',
		avg_duration  {{float}},
		runner_id     TEXT NOT NULL DEFAULT '',
		runner_host   TEXT NOT NULL DEFAULT '',
		seq           {{bigint}} NOT NULL DEFAULT 0,
		created_at    TEXT NOT NULL,
		started_at    TEXT,
		ended_at      TEXT,
		duration      {{float}},
		cached        {{bool}} NOT NULL DEFAULT {{false}}
	)`,

	`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at)`,
	// Claim query: pending tasks of a run in priority order.
	`CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks(run_id, status, avg_duration, seq)`,
	// Estimates and affinity: completed tasks by signature, newest first.
	`CREATE INDEX IF NOT EXISTS idx_tasks_signature ON tasks(sig_key, status, ended_at)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_change_set ON tasks(change_set_id, sig_key, status, ended_at)`,
}

// columnTypes fills the {{...}} placeholders in schema per dialect.
var columnTypes = map[string]map[string]string{
	"sqlite": {
		"float":  "REAL",
		"bigint": "INTEGER",
		"bool":   "INTEGER",
		"false":  "0",
	},
	"postgres": {
		"float":  "DOUBLE PRECISION",
		"bigint": "BIGINT",
		"bool":   "BOOLEAN",
		"false":  "FALSE",
	},
}

// migrate executes all schema DDL statements for the dialect.
func migrate(ctx context.Context, db *sql.DB, d dialect) error {
	types := columnTypes[d.name]
	for _, stmt := range schema {
		for k, v := range types {
			stmt = strings.ReplaceAll(stmt, "{{"+k+"}}", v)
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
