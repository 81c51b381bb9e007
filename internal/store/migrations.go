package store

import (
	"context"
	"database/sql"
	"strings"
)

// schema contains all DDL statements executed during migration.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id            TEXT PRIMARY KEY,
		name          TEXT NOT NULL,
		state         TEXT NOT NULL DEFAULT 'IDLE',
		priority      INTEGER NOT NULL DEFAULT 10,
		sequence_file TEXT NOT NULL DEFAULT '',
		data          TEXT NOT NULL DEFAULT '{}',
		created_at    TEXT NOT NULL,
		updated_at    TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_name ON jobs(name)`,

	// User-visible journal, newest rows have the highest id.
	`CREATE TABLE IF NOT EXISTS journal (
		id      INTEGER PRIMARY KEY AUTOINCREMENT,
		time    TEXT NOT NULL,
		level   TEXT NOT NULL,
		message TEXT NOT NULL,
		attrs   TEXT NOT NULL DEFAULT '{}'
	)`,

	// One row per job state change. Jobs may be removed from the list while
	// their history is kept, so there is no foreign key.
	`CREATE TABLE IF NOT EXISTS transitions (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id     TEXT NOT NULL,
		job_id     TEXT NOT NULL,
		from_state TEXT NOT NULL,
		to_state   TEXT NOT NULL,
		at         TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transitions_job_id ON transitions(job_id)`,
	`CREATE INDEX IF NOT EXISTS idx_transitions_run_id ON transitions(run_id)`,

	`CREATE TABLE IF NOT EXISTS captured_frames (
		job_id    TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
		signature TEXT NOT NULL,
		count     INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (job_id, signature)
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
		table:    "jobs",
		column:   "profile",
		alterSQL: "ALTER TABLE jobs ADD COLUMN profile TEXT NOT NULL DEFAULT ''",
	},
}

// migrate executes all schema DDL statements and alter migrations.
func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
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

// addColumnIfNotExists adds a column to a table if it doesn't already exist.
func addColumnIfNotExists(ctx context.Context, db *sql.DB, table, column, alterSQL string) error {
	rows, err := db.QueryContext(ctx, "PRAGMA table_info("+table+")")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue *string
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return err
		}
		if strings.EqualFold(name, column) {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	_, err = db.ExecContext(ctx, alterSQL)
	return err
}
