// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sqlite provides the durable state store backend for
// single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/archflow/archflow/internal/statestore"
	"github.com/archflow/archflow/pkg/engine"
	"github.com/archflow/archflow/pkg/errors"
)

// Compile-time interface assertions.
var (
	_ engine.StateStore = (*Store)(nil)
	_ statestore.Store  = (*Store)(nil)
)

// timeLayout is a fixed-width UTC format so TEXT comparison orders
// chronologically; RFC3339Nano trims trailing zeros and does not.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store persists runs and suspensions in a SQLite database file.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at path and runs migrations.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes; one connection avoids lock churn.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db}
	if err := s.configurePragmas(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

// migrate applies the schema statements in order; each is idempotent.
func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			flow_id TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TEXT NOT NULL,
			completed_at TEXT,
			errors TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_flow_id ON runs(flow_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at)`,
		`CREATE TABLE IF NOT EXISTS suspensions (
			resume_token TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			flow_id TEXT NOT NULL,
			graph_cursor TEXT NOT NULL,
			context_snapshot TEXT,
			reason TEXT,
			created_at TEXT NOT NULL,
			expires_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_suspensions_run_id ON suspensions(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_suspensions_expires_at ON suspensions(expires_at)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// SaveRun inserts or replaces the run's record.
func (s *Store) SaveRun(ctx context.Context, rec engine.RunRecord) error {
	var errorsJSON any
	if len(rec.Errors) > 0 {
		raw, err := json.Marshal(rec.Errors)
		if err != nil {
			return fmt.Errorf("failed to marshal errors: %w", err)
		}
		errorsJSON = string(raw)
	}

	query := `
		INSERT INTO runs (run_id, flow_id, status, started_at, completed_at, errors)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			flow_id = excluded.flow_id,
			status = excluded.status,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			errors = excluded.errors
	`
	_, err := s.db.ExecContext(ctx, query,
		rec.RunID, rec.FlowID, string(rec.Status),
		encodeTime(rec.StartedAt), encodeTime(rec.CompletedAt), errorsJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// GetRun loads one run record.
func (s *Store) GetRun(ctx context.Context, runID string) (engine.RunRecord, error) {
	query := `
		SELECT run_id, flow_id, status, started_at, completed_at, errors
		FROM runs WHERE run_id = ?
	`
	rec, err := scanRun(s.db.QueryRowContext(ctx, query, runID))
	if err == sql.ErrNoRows {
		return engine.RunRecord{}, &errors.NotFoundError{Resource: "run", ID: runID}
	}
	if err != nil {
		return engine.RunRecord{}, fmt.Errorf("failed to get run: %w", err)
	}
	return rec, nil
}

// UpdateRunStatus records a status transition.
func (s *Store) UpdateRunStatus(ctx context.Context, runID string, status engine.RunStatus) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ? WHERE run_id = ?`, string(status), runID)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	if affected == 0 {
		return &errors.NotFoundError{Resource: "run", ID: runID}
	}
	return nil
}

// ListRuns returns matching records, newest first.
func (s *Store) ListRuns(ctx context.Context, filter statestore.RunFilter) ([]engine.RunRecord, error) {
	query := `
		SELECT run_id, flow_id, status, started_at, completed_at, errors
		FROM runs
	`
	var conditions []string
	var args []any
	if filter.FlowID != "" {
		conditions = append(conditions, "flow_id = ?")
		args = append(args, filter.FlowID)
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY started_at DESC, run_id ASC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	} else if filter.Offset > 0 {
		// OFFSET requires a LIMIT clause; -1 means unbounded.
		query += " LIMIT -1"
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var result []engine.RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to list runs: %w", err)
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return result, nil
}

// SaveSuspension persists a suspension keyed by its resume token.
func (s *Store) SaveSuspension(ctx context.Context, susp engine.Suspension) error {
	var snapshotJSON any
	if susp.ContextSnapshot != nil {
		raw, err := json.Marshal(susp.ContextSnapshot)
		if err != nil {
			return fmt.Errorf("failed to marshal context snapshot: %w", err)
		}
		snapshotJSON = string(raw)
	}

	query := `
		INSERT INTO suspensions (resume_token, run_id, flow_id, graph_cursor,
			context_snapshot, reason, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(resume_token) DO UPDATE SET
			run_id = excluded.run_id,
			flow_id = excluded.flow_id,
			graph_cursor = excluded.graph_cursor,
			context_snapshot = excluded.context_snapshot,
			reason = excluded.reason,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at
	`
	_, err := s.db.ExecContext(ctx, query,
		susp.ResumeToken, susp.RunID, susp.FlowID, susp.GraphCursor,
		snapshotJSON, nullString(susp.Reason),
		encodeTime(susp.CreatedAt), encodeTime(susp.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save suspension: %w", err)
	}
	return nil
}

// GetSuspension loads the record for a resume token.
func (s *Store) GetSuspension(ctx context.Context, token string) (engine.Suspension, error) {
	query := `
		SELECT resume_token, run_id, flow_id, graph_cursor,
			context_snapshot, reason, created_at, expires_at
		FROM suspensions WHERE resume_token = ?
	`

	var susp engine.Suspension
	var snapshotJSON, reason, createdAt, expiresAt sql.NullString
	err := s.db.QueryRowContext(ctx, query, token).Scan(
		&susp.ResumeToken, &susp.RunID, &susp.FlowID, &susp.GraphCursor,
		&snapshotJSON, &reason, &createdAt, &expiresAt,
	)
	if err == sql.ErrNoRows {
		return engine.Suspension{}, &errors.NotFoundError{Resource: "suspension", ID: token}
	}
	if err != nil {
		return engine.Suspension{}, fmt.Errorf("failed to get suspension: %w", err)
	}

	if snapshotJSON.Valid && snapshotJSON.String != "" {
		if err := json.Unmarshal([]byte(snapshotJSON.String), &susp.ContextSnapshot); err != nil {
			return engine.Suspension{}, fmt.Errorf("failed to unmarshal context snapshot: %w", err)
		}
	}
	if reason.Valid {
		susp.Reason = reason.String
	}
	susp.CreatedAt = decodeTime(createdAt)
	susp.ExpiresAt = decodeTime(expiresAt)
	return susp, nil
}

// DeleteSuspension removes a consumed or expired record.
func (s *Store) DeleteSuspension(ctx context.Context, token string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM suspensions WHERE resume_token = ?`, token); err != nil {
		return fmt.Errorf("failed to delete suspension: %w", err)
	}
	return nil
}

// ExpireSuspensions removes suspensions past their expiry.
func (s *Store) ExpireSuspensions(ctx context.Context, now time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM suspensions WHERE expires_at <= ?`, encodeTime(now))
	if err != nil {
		return 0, fmt.Errorf("failed to expire suspensions: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to expire suspensions: %w", err)
	}
	return int(affected), nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (engine.RunRecord, error) {
	var rec engine.RunRecord
	var status string
	var startedAt, completedAt, errorsJSON sql.NullString

	if err := row.Scan(&rec.RunID, &rec.FlowID, &status,
		&startedAt, &completedAt, &errorsJSON); err != nil {
		return engine.RunRecord{}, err
	}

	rec.Status = engine.RunStatus(status)
	rec.StartedAt = decodeTime(startedAt)
	rec.CompletedAt = decodeTime(completedAt)
	if errorsJSON.Valid && errorsJSON.String != "" {
		if err := json.Unmarshal([]byte(errorsJSON.String), &rec.Errors); err != nil {
			return engine.RunRecord{}, fmt.Errorf("failed to unmarshal errors: %w", err)
		}
	}
	return rec, nil
}

func encodeTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func decodeTime(s sql.NullString) time.Time {
	if !s.Valid || s.String == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s.String)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
