package database

import (
	"context"
	"fmt"
)

// Schema creation is idempotent; migration is additive-only. New columns on
// runs are added with ALTER TABLE when missing so databases written by older
// versions keep working. Nothing is ever dropped or rewritten.

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    run_id         TEXT PRIMARY KEY,
    run_name       TEXT NOT NULL DEFAULT '',
    status         TEXT NOT NULL DEFAULT 'running',
    start_time     TEXT,
    end_time       TEXT,
    retention_days INTEGER,
    local_run      INTEGER NOT NULL DEFAULT 0,
    dut            TEXT,
    group_name     TEXT,
    group_hash     TEXT,
    abort_reason   TEXT,
    created_at     TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
    updated_at     TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_start_time ON runs(start_time);
CREATE INDEX IF NOT EXISTS idx_runs_group_hash ON runs(group_hash);

CREATE TABLE IF NOT EXISTS test_cases (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id       TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
    tc_full_name TEXT NOT NULL,
    tc_id        TEXT NOT NULL,
    status       TEXT NOT NULL DEFAULT 'running',
    start_time   TEXT,
    end_time     TEXT,
    UNIQUE(run_id, tc_full_name)
);
CREATE INDEX IF NOT EXISTS idx_test_cases_run_id ON test_cases(run_id);
CREATE INDEX IF NOT EXISTS idx_test_cases_status ON test_cases(status);

CREATE TABLE IF NOT EXISTS user_metadata (
    id     INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
    key    TEXT NOT NULL,
    value  TEXT NOT NULL DEFAULT '',
    url    TEXT,
    UNIQUE(run_id, key)
);
CREATE INDEX IF NOT EXISTS idx_user_metadata_run_id ON user_metadata(run_id);
CREATE INDEX IF NOT EXISTS idx_user_metadata_key ON user_metadata(key);

CREATE TABLE IF NOT EXISTS group_metadata (
    id     INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
    key    TEXT NOT NULL,
    value  TEXT NOT NULL DEFAULT '',
    url    TEXT,
    UNIQUE(run_id, key)
);
CREATE INDEX IF NOT EXISTS idx_group_metadata_run_id ON group_metadata(run_id);
CREATE INDEX IF NOT EXISTS idx_group_metadata_key ON group_metadata(key);
`

// runColumns are the columns newer versions may have added to runs.
// ALTER TABLE ADD COLUMN is issued for any that are missing.
var runColumns = map[string]string{
	"dut":          "TEXT",
	"group_name":   "TEXT",
	"group_hash":   "TEXT",
	"abort_reason": "TEXT",
	"local_run":    "INTEGER NOT NULL DEFAULT 0",
}

func (c *Client) migrate(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return c.addMissingRunColumns(ctx)
}

func (c *Client) addMissingRunColumns(ctx context.Context) error {
	rows, err := c.db.QueryContext(ctx, "PRAGMA table_info(runs)")
	if err != nil {
		return fmt.Errorf("inspect runs schema: %w", err)
	}
	defer rows.Close()

	present := make(map[string]bool)
	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notNull    int
			defaultVal any
			pk         int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &defaultVal, &pk); err != nil {
			return fmt.Errorf("scan runs schema: %w", err)
		}
		present[name] = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("inspect runs schema: %w", err)
	}

	for col, typ := range runColumns {
		if present[col] {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE runs ADD COLUMN %s %s", col, typ)
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("add runs column %s: %w", col, err)
		}
	}
	return nil
}
