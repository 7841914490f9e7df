package checkpoint

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"assetshift/internal/state"
)

// SQLiteStore implements Store on the shared state database
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex
}

// NewSQLiteStore creates a checkpoint store and its tables
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		mode TEXT NOT NULL,
		phase TEXT NOT NULL,
		status TEXT NOT NULL,
		failure_reason TEXT NOT NULL DEFAULT '',
		cancel_requested INTEGER NOT NULL DEFAULT 0,
		started_at DATETIME NOT NULL,
		finished_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS checkpoints (
		run_id TEXT PRIMARY KEY,
		phase TEXT NOT NULL,
		batch_offset INTEGER NOT NULL,
		processed INTEGER NOT NULL,
		succeeded INTEGER NOT NULL,
		failed INTEGER NOT NULL,
		skipped INTEGER NOT NULL,
		rollback_seq INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS items (
		run_id TEXT NOT NULL,
		key TEXT NOT NULL,
		dest_key TEXT NOT NULL,
		category TEXT NOT NULL,
		size INTEGER NOT NULL,
		etag TEXT NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER DEFAULT 0,
		last_error TEXT,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (run_id, key)
	);

	CREATE INDEX IF NOT EXISTS idx_items_status ON items(run_id, status);
	`

	_, err := s.db.Exec(query)
	return err
}

// CreateRun inserts a new run row
func (s *SQLiteStore) CreateRun(run *Run) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return state.RetryBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO runs (id, mode, phase, status, started_at)
			VALUES (?, ?, ?, ?, ?)`,
			run.ID, run.Mode, run.Phase, run.Status, run.StartedAt.UTC())
		return err
	})
}

// GetRun retrieves a run by id
func (s *SQLiteStore) GetRun(id string) (*Run, error) {
	row := s.db.QueryRow(`
		SELECT id, mode, phase, status, failure_reason, cancel_requested, started_at, finished_at
		FROM runs WHERE id = ?`, id)
	return scanRun(row)
}

// ListRuns returns all runs, newest first
func (s *SQLiteStore) ListRuns() ([]*Run, error) {
	rows, err := s.db.Query(`
		SELECT id, mode, phase, status, failure_reason, cancel_requested, started_at, finished_at
		FROM runs ORDER BY started_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*Run, error) {
	var run Run
	var finished sql.NullTime
	var cancel int
	err := row.Scan(&run.ID, &run.Mode, &run.Phase, &run.Status,
		&run.FailureReason, &cancel, &run.StartedAt, &finished)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	run.CancelRequested = cancel != 0
	if finished.Valid {
		t := finished.Time
		run.FinishedAt = &t
	}
	return &run, nil
}

// SetRunPhase records a phase transition
func (s *SQLiteStore) SetRunPhase(id, phase string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return state.RetryBusy(func() error {
		_, err := s.db.Exec(`UPDATE runs SET phase = ? WHERE id = ?`, phase, id)
		return err
	})
}

// CompleteRun marks a run terminal. Terminal runs are never reopened.
func (s *SQLiteStore) CompleteRun(id string, status RunStatus, reason string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return state.RetryBusy(func() error {
		_, err := s.db.Exec(`
			UPDATE runs SET status = ?, failure_reason = ?, finished_at = ?
			WHERE id = ? AND status = ?`,
			status, reason, time.Now().UTC(), id, RunRunning)
		return err
	})
}

// ReopenRun puts a crashed or cancelled run back into the running state so
// it can be resumed. Completed runs stay terminal.
func (s *SQLiteStore) ReopenRun(id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return state.RetryBusy(func() error {
		res, err := s.db.Exec(`
			UPDATE runs
			SET status = ?, cancel_requested = 0, failure_reason = '', finished_at = NULL
			WHERE id = ? AND status != ?`,
			RunRunning, id, RunCompleted)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("run %s cannot be resumed", id)
		}
		return nil
	})
}

// RequestCancel flags a run for cancellation; the orchestrator observes the
// flag at batch boundaries.
func (s *SQLiteStore) RequestCancel(id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return state.RetryBusy(func() error {
		res, err := s.db.Exec(`
			UPDATE runs SET cancel_requested = 1 WHERE id = ? AND status = ?`,
			id, RunRunning)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("run %s is not active", id)
		}
		return nil
	})
}

// CancelRequested reads the cancellation flag
func (s *SQLiteStore) CancelRequested(id string) (bool, error) {
	var cancel int
	err := s.db.QueryRow(`SELECT cancel_requested FROM runs WHERE id = ?`, id).Scan(&cancel)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	return cancel != 0, nil
}

// Save persists a checkpoint all-or-nothing. The write happens inside a
// transaction under the write mutex, so a concurrent reader sees either the
// previous checkpoint or the new one, never an interleaving.
func (s *SQLiteStore) Save(cp *Checkpoint) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cp.UpdatedAt = time.Now().UTC()

	return state.RetryBusy(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		_, err = tx.Exec(`
			INSERT INTO checkpoints
			(run_id, phase, batch_offset, processed, succeeded, failed, skipped, rollback_seq, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(run_id) DO UPDATE SET
				phase = excluded.phase,
				batch_offset = excluded.batch_offset,
				processed = excluded.processed,
				succeeded = excluded.succeeded,
				failed = excluded.failed,
				skipped = excluded.skipped,
				rollback_seq = excluded.rollback_seq,
				updated_at = excluded.updated_at`,
			cp.RunID, cp.Phase, cp.BatchOffset,
			cp.Counters.Processed, cp.Counters.Succeeded, cp.Counters.Failed, cp.Counters.Skipped,
			cp.RollbackSeq, cp.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to write checkpoint: %w", err)
		}

		return tx.Commit()
	})
}

// Load returns the most recent fully committed checkpoint for the run
func (s *SQLiteStore) Load(runID string) (*Checkpoint, error) {
	row := s.db.QueryRow(`
		SELECT run_id, phase, batch_offset, processed, succeeded, failed, skipped, rollback_seq, updated_at
		FROM checkpoints WHERE run_id = ?`, runID)

	var cp Checkpoint
	err := row.Scan(&cp.RunID, &cp.Phase, &cp.BatchOffset,
		&cp.Counters.Processed, &cp.Counters.Succeeded, &cp.Counters.Failed, &cp.Counters.Skipped,
		&cp.RollbackSeq, &cp.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

// Prune removes checkpoints and item records past the retention window.
// Returns the number of checkpoints removed.
func (s *SQLiteStore) Prune(olderThan time.Time) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var pruned int64
	err := state.RetryBusy(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		res, err := tx.Exec(`DELETE FROM checkpoints WHERE updated_at < ?`, olderThan.UTC())
		if err != nil {
			return err
		}
		pruned, err = res.RowsAffected()
		if err != nil {
			return err
		}

		_, err = tx.Exec(`
			DELETE FROM items WHERE run_id NOT IN (SELECT run_id FROM checkpoints)
			AND run_id IN (SELECT id FROM runs WHERE finished_at IS NOT NULL AND finished_at < ?)`,
			olderThan.UTC())
		if err != nil {
			return err
		}

		return tx.Commit()
	})
	return pruned, err
}

// SaveItem saves or updates a per-item outcome record
func (s *SQLiteStore) SaveItem(rec *ItemRecord) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	rec.UpdatedAt = time.Now().UTC()

	return state.RetryBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO items
			(run_id, key, dest_key, category, size, etag, status, attempts, last_error, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(run_id, key) DO UPDATE SET
				dest_key = excluded.dest_key,
				category = excluded.category,
				size = excluded.size,
				etag = excluded.etag,
				status = excluded.status,
				attempts = excluded.attempts,
				last_error = excluded.last_error,
				updated_at = excluded.updated_at`,
			rec.RunID, rec.Key, rec.DestKey, rec.Category, rec.Size, rec.ETag,
			rec.Status, rec.Attempts, rec.LastError, rec.UpdatedAt)
		return err
	})
}

// GetItem retrieves one item outcome record
func (s *SQLiteStore) GetItem(runID, key string) (*ItemRecord, error) {
	row := s.db.QueryRow(`
		SELECT run_id, key, dest_key, category, size, etag, status, attempts, last_error, updated_at
		FROM items WHERE run_id = ? AND key = ?`, runID, key)

	rec, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return rec, err
}

// ListItemsByStatus returns a run's item records with the given status
func (s *SQLiteStore) ListItemsByStatus(runID string, status ItemStatus) ([]*ItemRecord, error) {
	rows, err := s.db.Query(`
		SELECT run_id, key, dest_key, category, size, etag, status, attempts, last_error, updated_at
		FROM items WHERE run_id = ? AND status = ? ORDER BY key ASC`, runID, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*ItemRecord
	for rows.Next() {
		rec, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func scanItem(row scannable) (*ItemRecord, error) {
	var rec ItemRecord
	var lastError sql.NullString
	err := row.Scan(&rec.RunID, &rec.Key, &rec.DestKey, &rec.Category,
		&rec.Size, &rec.ETag, &rec.Status, &rec.Attempts, &lastError, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if lastError.Valid {
		rec.LastError = lastError.String
	}
	return &rec, nil
}

// Close is a no-op; the shared state database is owned by the caller
func (s *SQLiteStore) Close() error {
	return nil
}
