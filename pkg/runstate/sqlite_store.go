package runstate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"buildloop/pkg/logx"
)

// SQLiteFileName is the database file created inside the store directory.
const SQLiteFileName = "runs.db"

// SQLiteStore keeps each run as a summary row plus its full JSON snapshot, and
// mirrors phase records into an append-only table. A save is one transaction.
type SQLiteStore struct {
	db     *sql.DB
	locks  *keyedMutex
	logger *logx.Logger
}

// NewSQLiteStore opens (or creates) dir/runs.db and migrates it.
func NewSQLiteStore(dir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: failed to create state directory %s: %v", ErrPersistence, dir, err)
	}
	dbPath := filepath.Join(dir, SQLiteFileName)

	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)",
		dbPath,
	))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %v", ErrPersistence, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: failed to ping database: %v", ErrPersistence, err)
	}

	// SQLite supports a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := initializeSchemaWithMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: failed to initialize schema: %v", ErrPersistence, err)
	}

	logger := logx.NewLogger("runstore")
	logger.Debug("sqlite run store opened: %s", dbPath)
	return &SQLiteStore{db: db, locks: newKeyedMutex(), logger: logger}, nil
}

// Save upserts the run row and appends any phase records not yet mirrored.
func (s *SQLiteStore) Save(ctx context.Context, run *Run) error {
	if err := validateForSave(run); err != nil {
		return err
	}
	unlock := s.locks.lock(run.ID)
	defer unlock()

	snapshot, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal run %s: %v", ErrPersistence, run.ID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin transaction: %v", ErrPersistence, err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, project_name, requirement, phase, status, iteration, updated_at, snapshot)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			project_name = excluded.project_name,
			phase = excluded.phase,
			status = excluded.status,
			iteration = excluded.iteration,
			updated_at = excluded.updated_at,
			snapshot = excluded.snapshot
	`, run.ID, run.ProjectName, run.Requirement, string(run.Phase), string(run.Status), run.Iteration,
		run.UpdatedAt.UTC().Format(time.RFC3339Nano), string(snapshot))
	if err != nil {
		return fmt.Errorf("%w: upsert run %s: %v", ErrPersistence, run.ID, err)
	}

	for i := range run.History {
		rec := &run.History[i]
		_, err = tx.ExecContext(ctx, `
			INSERT INTO phase_records (run_id, seq, phase, outcome, confidence, artifact_ref, summary, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(run_id, seq) DO NOTHING
		`, run.ID, rec.Seq, string(rec.Phase), string(rec.Outcome), rec.Confidence, rec.ArtifactRef,
			rec.Summary, rec.At.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("%w: insert phase record %d for run %s: %v", ErrPersistence, rec.Seq, run.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit run %s: %v", ErrPersistence, run.ID, err)
	}
	return nil
}

// Load decodes and verifies the stored snapshot.
func (s *SQLiteStore) Load(ctx context.Context, id string) (*Run, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	var snapshot string
	err := s.db.QueryRowContext(ctx, `SELECT snapshot FROM runs WHERE id = ?`, id).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: query run %s: %v", ErrPersistence, id, err)
	}

	var run Run
	if err := json.Unmarshal([]byte(snapshot), &run); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal run %s: %v", ErrPersistence, id, err)
	}
	if err := Verify(&run); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return &run, nil
}

// ListActive queries the status column only.
func (s *SQLiteStore) ListActive(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM runs WHERE status IN (?, ?) ORDER BY updated_at, id
	`, string(StatusActive), string(StatusPaused))
	if err != nil {
		return nil, fmt.Errorf("%w: list active runs: %v", ErrPersistence, err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: scan run id: %v", ErrPersistence, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate runs: %v", ErrPersistence, err)
	}
	return ids, nil
}

// List returns summaries from the row columns without decoding snapshots.
func (s *SQLiteStore) List(ctx context.Context) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_name, phase, status, iteration, updated_at FROM runs ORDER BY updated_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: list runs: %v", ErrPersistence, err)
	}
	defer func() { _ = rows.Close() }()

	var out []Summary
	for rows.Next() {
		var (
			sum            Summary
			phase, status  string
			updatedAtValue string
		)
		if err := rows.Scan(&sum.ID, &sum.ProjectName, &phase, &status, &sum.Iteration, &updatedAtValue); err != nil {
			return nil, fmt.Errorf("%w: scan run summary: %v", ErrPersistence, err)
		}
		sum.Phase = Phase(phase)
		sum.Status = Status(status)
		if t, err := time.Parse(time.RFC3339Nano, updatedAtValue); err == nil {
			sum.UpdatedAt = t
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate runs: %v", ErrPersistence, err)
	}
	return out, nil
}

// History reads the mirrored phase_records table without decoding the snapshot.
func (s *SQLiteStore) History(ctx context.Context, id string) ([]PhaseRecord, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs WHERE id = ?`, id).Scan(&n); err != nil {
		return nil, fmt.Errorf("%w: query run %s: %v", ErrPersistence, id, err)
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, phase, outcome, confidence, artifact_ref, summary, created_at
		FROM phase_records WHERE run_id = ? ORDER BY seq
	`, id)
	if err != nil {
		return nil, fmt.Errorf("%w: query phase records of %s: %v", ErrPersistence, id, err)
	}
	defer func() { _ = rows.Close() }()

	out := []PhaseRecord{}
	for rows.Next() {
		var (
			rec            PhaseRecord
			phase, outcome string
			createdAt      string
		)
		if err := rows.Scan(&rec.Seq, &phase, &outcome, &rec.Confidence, &rec.ArtifactRef, &rec.Summary, &createdAt); err != nil {
			return nil, fmt.Errorf("%w: scan phase record: %v", ErrPersistence, err)
		}
		rec.Phase = Phase(phase)
		rec.Outcome = Outcome(outcome)
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			rec.At = t
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate phase records: %v", ErrPersistence, err)
	}
	return out, nil
}

// Delete removes the run and its phase records.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	unlock := s.locks.lock(id)
	defer unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("%w: delete run %s: %v", ErrPersistence, id, err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
