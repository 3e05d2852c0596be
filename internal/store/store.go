package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Store manages the PostgreSQL run log. It wraps a single connection and is
// not safe for concurrent use.
type Store struct {
	conn *pgx.Conn
}

// Run is one `veil live` or `veil snap` session.
type Run struct {
	ID          uuid.UUID
	Command     string
	SceneDevice string
	Interview   bool
	SelfView    bool
	CoverStyle  string
	StartedAt   time.Time
	EndedAt     *time.Time
	Published   int64
	Skipped     int64
	Output      string // recording or photo path, empty when none
	Samples     int64  // filled by ListRuns
	PeakFaces   int    // filled by ListRuns
}

// Sample is one telemetry snapshot taken during a run.
type Sample struct {
	At        time.Time
	Faces     int
	LatencyMs float64
	Interval  int
	Published uint64
	Skipped   uint64
}

// Summary is written when a run ends.
type Summary struct {
	EndedAt   time.Time
	SelfView  bool
	Published uint64
	Skipped   uint64
	Output    string
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

// initSchema creates the run log tables if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS capture_runs (
			id UUID PRIMARY KEY,
			command TEXT NOT NULL,
			scene_device TEXT NOT NULL DEFAULT '',
			interview BOOLEAN NOT NULL DEFAULT FALSE,
			self_view BOOLEAN NOT NULL DEFAULT FALSE,
			cover_style TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			ended_at TIMESTAMPTZ,
			frames_published BIGINT NOT NULL DEFAULT 0,
			ticks_skipped BIGINT NOT NULL DEFAULT 0,
			output_path TEXT NOT NULL DEFAULT ''
		);
		CREATE TABLE IF NOT EXISTS telemetry_samples (
			id BIGSERIAL PRIMARY KEY,
			run_id UUID NOT NULL REFERENCES capture_runs(id) ON DELETE CASCADE,
			sampled_at TIMESTAMPTZ NOT NULL,
			faces INT NOT NULL,
			latency_ms DOUBLE PRECISION NOT NULL,
			interval_frames INT NOT NULL,
			frames_published BIGINT NOT NULL,
			ticks_skipped BIGINT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS telemetry_samples_run_id_idx ON telemetry_samples (run_id);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.conn.Close(ctx)
}

// BeginRun records the start of a run.
func (s *Store) BeginRun(ctx context.Context, r Run) error {
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	_, err := s.conn.Exec(ctx, `
		INSERT INTO capture_runs (id, command, scene_device, interview, self_view, cover_style, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, r.ID, r.Command, r.SceneDevice, r.Interview, r.SelfView, r.CoverStyle, r.StartedAt)
	return err
}

// RecordSample appends a telemetry sample to a run.
func (s *Store) RecordSample(ctx context.Context, runID uuid.UUID, smp Sample) error {
	_, err := s.conn.Exec(ctx, `
		INSERT INTO telemetry_samples (run_id, sampled_at, faces, latency_ms, interval_frames, frames_published, ticks_skipped)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, runID, smp.At, smp.Faces, smp.LatencyMs, smp.Interval, int64(smp.Published), int64(smp.Skipped))
	return err
}

// EndRun closes a run with its final counters.
func (s *Store) EndRun(ctx context.Context, runID uuid.UUID, sum Summary) error {
	if sum.EndedAt.IsZero() {
		sum.EndedAt = time.Now()
	}
	tag, err := s.conn.Exec(ctx, `
		UPDATE capture_runs
		SET ended_at = $2, self_view = self_view OR $3, frames_published = $4, ticks_skipped = $5, output_path = $6
		WHERE id = $1
	`, runID, sum.EndedAt, sum.SelfView, int64(sum.Published), int64(sum.Skipped), sum.Output)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s not found", runID)
	}
	return nil
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.conn.Query(ctx, `
		SELECT r.id, r.command, r.scene_device, r.interview, r.self_view, r.cover_style,
		       r.started_at, r.ended_at, r.frames_published, r.ticks_skipped, r.output_path,
		       (SELECT COUNT(*) FROM telemetry_samples t WHERE t.run_id = r.id),
		       (SELECT COALESCE(MAX(faces), 0) FROM telemetry_samples t WHERE t.run_id = r.id)
		FROM capture_runs r
		ORDER BY r.started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.Command, &r.SceneDevice, &r.Interview, &r.SelfView, &r.CoverStyle,
			&r.StartedAt, &r.EndedAt, &r.Published, &r.Skipped, &r.Output, &r.Samples, &r.PeakFaces); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS telemetry_samples CASCADE;
		DROP TABLE IF EXISTS capture_runs CASCADE;
	`)
	return err
}
