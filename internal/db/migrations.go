package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Migration is one schema version.
type Migration struct {
	Version int
	UpSQL   string
}

var migrations = []Migration{
	{
		Version: 1,
		UpSQL: `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL,
	name TEXT NOT NULL,
	host TEXT NOT NULL,
	script TEXT NOT NULL,
	remote_path TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	poll_count INTEGER NOT NULL DEFAULT 0,
	inferred INTEGER NOT NULL DEFAULT 0,
	submitted_at TEXT NOT NULL,
	finished_at TEXT,
	updated_at TEXT NOT NULL,
	UNIQUE(host, job_id)
);

CREATE INDEX IF NOT EXISTS jobs_submitted_at ON jobs(submitted_at);
`,
	},
	{
		Version: 2,
		UpSQL: `
ALTER TABLE jobs ADD COLUMN error_detected INTEGER NOT NULL DEFAULT 0;
ALTER TABLE jobs ADD COLUMN raw_status TEXT NOT NULL DEFAULT '';
`,
	},
}

// ApplyMigrations brings the schema up to the latest version. Each
// migration runs in its own transaction.
func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations(version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var exists int
		err := db.QueryRowContext(ctx, `SELECT 1 FROM schema_migrations WHERE version = ?`, m.Version).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES (?, datetime('now'))`, m.Version); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

// SchemaVersion returns the highest applied migration version.
func SchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&version); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return int(version.Int64), nil
}
