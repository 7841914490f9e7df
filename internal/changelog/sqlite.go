package changelog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"assetshift/internal/state"
)

// Log is the durable change log. Appends claim their sequence number from a
// durable counter immediately; entry bodies are buffered and flushed in
// batches to bound write amplification.
type Log struct {
	db         *sql.DB
	flushEvery int

	mu     sync.Mutex
	buffer []*Entry
}

// NewLog creates the change log on the shared state database. flushEvery is
// the buffered-entry count that triggers an automatic flush; 0 or negative
// flushes on every append.
func NewLog(db *sql.DB, flushEvery int) (*Log, error) {
	l := &Log{db: db, flushEvery: flushEvery}
	if err := l.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create changelog tables: %w", err)
	}
	return l, nil
}

func (l *Log) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS changelog (
		seq INTEGER PRIMARY KEY,
		run_id TEXT NOT NULL,
		entry_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_changelog_run ON changelog(run_id, seq);

	CREATE TABLE IF NOT EXISTS changelog_seq (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		next INTEGER NOT NULL
	);
	INSERT OR IGNORE INTO changelog_seq (id, next) VALUES (1, 1);
	`
	_, err := l.db.Exec(query)
	return err
}

// Append assigns the next sequence number and buffers the entry. The number
// is claimed in its own durable transaction, so a second process instance
// (or a restart) can never reuse it. A triggered flush failure is returned
// to the caller; the owning operation must be reported failed.
func (l *Log) Append(runID string, entryType EntryType, payload any) (int64, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to encode changelog payload: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	seq, err := l.claimSeq()
	if err != nil {
		return 0, fmt.Errorf("failed to claim sequence number: %w", err)
	}

	l.buffer = append(l.buffer, &Entry{
		Seq:       seq,
		RunID:     runID,
		Type:      entryType,
		Payload:   data,
		CreatedAt: time.Now().UTC(),
	})

	if l.flushEvery <= 0 || len(l.buffer) >= l.flushEvery {
		if err := l.flushLocked(); err != nil {
			return 0, err
		}
	}

	return seq, nil
}

// claimSeq atomically increments and persists the counter. Called with l.mu
// held; the transaction serializes against other process instances.
func (l *Log) claimSeq() (int64, error) {
	var seq int64
	err := state.RetryBusy(func() error {
		tx, err := l.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if err := tx.QueryRow(`SELECT next FROM changelog_seq WHERE id = 1`).Scan(&seq); err != nil {
			return err
		}
		if _, err := tx.Exec(`UPDATE changelog_seq SET next = next + 1 WHERE id = 1`); err != nil {
			return err
		}

		return tx.Commit()
	})
	return seq, err
}

// Flush writes all buffered entries durably in one transaction
func (l *Log) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flushLocked()
}

func (l *Log) flushLocked() error {
	if len(l.buffer) == 0 {
		return nil
	}

	err := state.RetryBusy(func() error {
		tx, err := l.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		stmt, err := tx.Prepare(`
			INSERT INTO changelog (seq, run_id, entry_type, payload, created_at)
			VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, e := range l.buffer {
			if _, err := stmt.Exec(e.Seq, e.RunID, e.Type, string(e.Payload), e.CreatedAt); err != nil {
				return err
			}
		}

		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("changelog flush failed: %w", err)
	}

	l.buffer = l.buffer[:0]
	return nil
}

// MaxSeq returns the highest flushed sequence number for a run (0 if none)
func (l *Log) MaxSeq(runID string) (int64, error) {
	var seq sql.NullInt64
	err := l.db.QueryRow(`SELECT MAX(seq) FROM changelog WHERE run_id = ?`, runID).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

const streamPageSize = 256

// Stream iterates a run's entries in strict sequence order. It is lazy and
// restartable: construct a new stream from any sequence number.
type Stream struct {
	log    *Log
	runID  string
	after  int64
	page   []*Entry
	offset int
	done   bool
}

// StreamSince returns a stream over the run's entries with seq > after,
// ascending.
func (l *Log) StreamSince(runID string, after int64) *Stream {
	return &Stream{log: l, runID: runID, after: after}
}

// Next returns the next entry, or nil when the stream is exhausted
func (s *Stream) Next() (*Entry, error) {
	if s.offset >= len(s.page) {
		if s.done {
			return nil, nil
		}
		page, err := s.log.page(s.runID, s.after, streamPageSize)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			s.done = true
			return nil, nil
		}
		s.page = page
		s.offset = 0
		s.after = page[len(page)-1].Seq
		if len(page) < streamPageSize {
			s.done = true
		}
	}

	e := s.page[s.offset]
	s.offset++
	return e, nil
}

func (l *Log) page(runID string, after int64, limit int) ([]*Entry, error) {
	rows, err := l.db.Query(`
		SELECT seq, run_id, entry_type, payload, created_at
		FROM changelog WHERE run_id = ? AND seq > ?
		ORDER BY seq ASC LIMIT ?`, runID, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// EntriesDescending returns up to limit entries with floor < seq <= below,
// highest first. Rollback walks the log with repeated calls.
func (l *Log) EntriesDescending(runID string, below, floor int64, limit int) ([]*Entry, error) {
	rows, err := l.db.Query(`
		SELECT seq, run_id, entry_type, payload, created_at
		FROM changelog WHERE run_id = ? AND seq <= ? AND seq > ?
		ORDER BY seq DESC LIMIT ?`, runID, below, floor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		var e Entry
		var payload string
		if err := rows.Scan(&e.Seq, &e.RunID, &e.Type, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Payload = json.RawMessage(payload)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// Prune bulk-removes a run's entries after its audit-retention window.
// The only permitted deletion from the log.
func (l *Log) Prune(runID string) error {
	return state.RetryBusy(func() error {
		_, err := l.db.Exec(`DELETE FROM changelog WHERE run_id = ?`, runID)
		return err
	})
}
