package sink

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/me/stagerun/pkg/model"

	_ "modernc.org/sqlite"
)

// SQLiteSink stores timing records in SQLite.
type SQLiteSink struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteSink opens (or creates) a SQLite database at dbPath.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteSink(dbPath string, logger *slog.Logger) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	// Every :memory: connection is its own database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}

	return &SQLiteSink{
		db:     db,
		logger: logger.With("component", "timing-sink"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteSink) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

// Record inserts one timing row.
func (s *SQLiteSink) Record(ctx context.Context, t model.Timing) error {
	s.logger.Debug("sql", "op", "insert", "table", "job_timings", "job", t.Descriptor)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_timings (run_id, stage, descriptor, executor, external_id, attempts, started_at, finished_at, duration_ns)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.RunID, t.Stage, t.Descriptor, string(t.Executor), t.ExternalID, t.Attempts,
		t.StartedAt.Format(time.RFC3339Nano), t.FinishedAt.Format(time.RFC3339Nano), int64(t.Duration),
	)
	if err != nil {
		return fmt.Errorf("record timing for %s: %w", t.Descriptor, err)
	}
	return nil
}

// List returns the records of runID in insertion order. An empty runID lists
// every run.
func (s *SQLiteSink) List(ctx context.Context, runID string) ([]model.Timing, error) {
	query := `SELECT run_id, stage, descriptor, executor, external_id, attempts, started_at, finished_at, duration_ns
		FROM job_timings`
	var args []any
	if runID != "" {
		query += ` WHERE run_id = ?`
		args = append(args, runID)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list timings: %w", err)
	}
	defer rows.Close()

	var out []model.Timing
	for rows.Next() {
		var t model.Timing
		var executor, startedAt, finishedAt string
		var duration int64
		if err := rows.Scan(&t.RunID, &t.Stage, &t.Descriptor, &executor, &t.ExternalID,
			&t.Attempts, &startedAt, &finishedAt, &duration); err != nil {
			return nil, fmt.Errorf("scan timing: %w", err)
		}
		t.Executor = model.ExecutorType(executor)
		t.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		t.FinishedAt, _ = time.Parse(time.RFC3339Nano, finishedAt)
		t.Duration = time.Duration(duration)
		out = append(out, t)
	}
	return out, rows.Err()
}
