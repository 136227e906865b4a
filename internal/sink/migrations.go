package sink

import (
	"context"
	"database/sql"
)

// schema contains the DDL for the timing tables.
// Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS job_timings (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id       TEXT NOT NULL,
		stage        TEXT NOT NULL,
		descriptor   TEXT NOT NULL,
		executor     TEXT NOT NULL,
		external_id  TEXT NOT NULL DEFAULT '',
		attempts     INTEGER NOT NULL DEFAULT 1,
		started_at   TEXT NOT NULL,
		finished_at  TEXT NOT NULL,
		duration_ns  INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_job_timings_run_id ON job_timings(run_id)`,
	`CREATE INDEX IF NOT EXISTS idx_job_timings_stage ON job_timings(stage)`,
}

func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
