package store

import (
	"context"
	"database/sql"
	"fmt"
)

// schema contains the DDL for all docket tables.
// Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id          TEXT PRIMARY KEY,
		job_id      TEXT NOT NULL,
		args        TEXT NOT NULL DEFAULT '{}',
		time        TEXT NOT NULL,
		rerun       TEXT NOT NULL,
		state       TEXT NOT NULL DEFAULT 'new',
		times       TEXT NOT NULL DEFAULT '{}',
		meta        TEXT NOT NULL DEFAULT '{}',
		conditions  TEXT NOT NULL DEFAULT '[]',
		program     TEXT NOT NULL DEFAULT '',
		run_state   TEXT NOT NULL DEFAULT '{}',
		message     TEXT NOT NULL DEFAULT '',
		result      TEXT
	)`,

	`CREATE INDEX IF NOT EXISTS idx_runs_job_id_time ON runs(job_id, time)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_state ON runs(state)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_rerun ON runs(rerun)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_time ON runs(time)`,

	// Ad hoc jobs live only in the database.
	`CREATE TABLE IF NOT EXISTS jobs (
		id         TEXT PRIMARY KEY,
		job        TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
}

// alterStatements are column additions that need special handling since
// SQLite doesn't support IF NOT EXISTS for ALTER TABLE ADD COLUMN.
var alterStatements = []struct {
	table    string
	column   string
	alterSQL string
	indexSQL string // Optional index to create after column is added
}{
	{
		table:    "runs",
		column:   "inst_key",
		alterSQL: "ALTER TABLE runs ADD COLUMN inst_key TEXT NOT NULL DEFAULT ''",
		indexSQL: "CREATE INDEX IF NOT EXISTS idx_runs_inst_key ON runs(inst_key)",
	},
}

// migrate executes all schema DDL statements, alter migrations, and post-migration indexes.
func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema: %w", err)
		}
	}

	for _, alter := range alterStatements {
		if err := addColumnIfNotExists(ctx, db, alter.table, alter.column, alter.alterSQL); err != nil {
			return err
		}
		if alter.indexSQL != "" {
			if _, err := db.ExecContext(ctx, alter.indexSQL); err != nil {
				return err
			}
		}
	}

	return nil
}

// addColumnIfNotExists runs alterSQL unless table already has column.
func addColumnIfNotExists(ctx context.Context, db *sql.DB, table, column, alterSQL string) error {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ? COLLATE NOCASE`, table, column).Scan(&n)
	if err != nil {
		return fmt.Errorf("inspect %s: %w", table, err)
	}
	if n > 0 {
		return nil
	}
	if _, err := db.ExecContext(ctx, alterSQL); err != nil {
		return fmt.Errorf("add %s.%s: %w", table, column, err)
	}
	return nil
}
