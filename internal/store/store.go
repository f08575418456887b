package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Run states recorded in conversion_runs.status.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Store manages the PostgreSQL connection holding the conversion history.
type Store struct {
	conn *pgx.Conn
}

// Run is one recorded pipeline execution.
type Run struct {
	ID         string
	SourceID   string
	SourcePath string
	View       int
	Extracted  int
	Encoded    int
	Output     string
	Status     string
	Error      string
	StartedAt  time.Time
	FinishedAt *time.Time
}

// Duration is the wall time of a finished run, or zero while running.
func (r Run) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

// initSchema creates the necessary tables if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS source_files (
			id TEXT PRIMARY KEY,
			path TEXT NOT NULL,
			indexed_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS conversion_runs (
			id UUID PRIMARY KEY,
			source_id TEXT REFERENCES source_files(id),
			view INT NOT NULL,
			extracted INT NOT NULL DEFAULT 0,
			encoded INT NOT NULL DEFAULT 0,
			output TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT,
			started_at TIMESTAMPTZ DEFAULT NOW(),
			finished_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS conversion_runs_source_id_idx ON conversion_runs (source_id);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.conn.Close(ctx)
}

// EnsureSource registers the acquisition file. If it exists, it updates the timestamp and path.
func (s *Store) EnsureSource(ctx context.Context, sourceID, path string) error {
	_, err := s.conn.Exec(ctx, `
		INSERT INTO source_files (id, path, indexed_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET indexed_at = NOW(), path = EXCLUDED.path
	`, sourceID, path)
	return err
}

// StartRun records a new run in the running state and returns its ID.
func (s *Store) StartRun(ctx context.Context, sourceID string, view int, output string) (string, error) {
	id := uuid.NewString()
	_, err := s.conn.Exec(ctx, `
		INSERT INTO conversion_runs (id, source_id, view, output, status, started_at)
		VALUES ($1::uuid, $2, $3, $4, $5, NOW())
	`, id, sourceID, view, output, StatusRunning)
	if err != nil {
		return "", err
	}
	return id, nil
}

// FinishRun stores the frame counts and marks the run succeeded, or failed when runErr is set.
func (s *Store) FinishRun(ctx context.Context, runID string, extracted, encoded int, runErr error) error {
	status := StatusSucceeded
	var errText *string
	if runErr != nil {
		status = StatusFailed
		msg := runErr.Error()
		errText = &msg
	}
	tag, err := s.conn.Exec(ctx, `
		UPDATE conversion_runs
		SET extracted = $2, encoded = $3, status = $4, error = $5, finished_at = NOW()
		WHERE id = $1::uuid
	`, runID, extracted, encoded, status, errText)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s not found", runID)
	}
	return nil
}

// ListRuns returns the most recent runs first. A limit <= 0 returns all of them.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	query := `
		SELECT r.id::text, r.source_id, COALESCE(f.path, ''), r.view, r.extracted, r.encoded,
		       r.output, r.status, COALESCE(r.error, ''), r.started_at, r.finished_at
		FROM conversion_runs r
		LEFT JOIN source_files f ON f.id = r.source_id
		ORDER BY r.started_at DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.SourceID, &r.SourcePath, &r.View, &r.Extracted, &r.Encoded,
			&r.Output, &r.Status, &r.Error, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRun fetches a single run by ID.
func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	var r Run
	err := s.conn.QueryRow(ctx, `
		SELECT r.id::text, r.source_id, COALESCE(f.path, ''), r.view, r.extracted, r.encoded,
		       r.output, r.status, COALESCE(r.error, ''), r.started_at, r.finished_at
		FROM conversion_runs r
		LEFT JOIN source_files f ON f.id = r.source_id
		WHERE r.id = $1::uuid
	`, runID).Scan(&r.ID, &r.SourceID, &r.SourcePath, &r.View, &r.Extracted, &r.Encoded,
		&r.Output, &r.Status, &r.Error, &r.StartedAt, &r.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("run %s not found", runID)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS conversion_runs CASCADE;
		DROP TABLE IF EXISTS source_files CASCADE;
	`)
	return err
}
