package records

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"assetshift/internal/state"
)

// SQLiteStore implements Store against a SQLite content database
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex
}

// NewSQLiteStore opens (and if needed initializes) a record store
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := state.Open(dbPath)
	if err != nil {
		return nil, err
	}

	s := &SQLiteStore{db: db}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS records (
		id TEXT PRIMARY KEY,
		path TEXT NOT NULL,
		kind TEXT NOT NULL,
		fields TEXT NOT NULL DEFAULT '{}'
	);
	CREATE INDEX IF NOT EXISTS idx_records_kind ON records(kind);
	CREATE INDEX IF NOT EXISTS idx_records_path ON records(path);

	CREATE TABLE IF NOT EXISTS settings (
		name TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(query)
	return err
}

// Get retrieves one record by id
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, path, kind, fields FROM records WHERE id = ?`, id)

	var rec Record
	var fieldsJSON string
	err := row.Scan(&rec.ID, &rec.Path, &rec.Kind, &fieldsJSON)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(fieldsJSON), &rec.Fields); err != nil {
		return nil, fmt.Errorf("failed to decode record fields: %w", err)
	}

	return &rec, nil
}

// Update merges the given fields into the record
func (s *SQLiteStore) Update(ctx context.Context, id string, fields map[string]string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return state.RetryBusy(func() error {
		rec, err := s.Get(ctx, id)
		if err != nil {
			return err
		}

		merged := make(map[string]string, len(rec.Fields)+len(fields))
		for k, v := range rec.Fields {
			merged[k] = v
		}
		for k, v := range fields {
			merged[k] = v
		}

		data, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("failed to encode record fields: %w", err)
		}

		_, err = s.db.ExecContext(ctx, `UPDATE records SET fields = ? WHERE id = ?`, string(data), id)
		return err
	})
}

// Query returns records matching the filter, ordered by path
func (s *SQLiteStore) Query(ctx context.Context, filter Filter) ([]*Record, error) {
	query := `SELECT id, path, kind, fields FROM records WHERE 1=1`
	var args []any
	if filter.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, filter.Kind)
	}
	if filter.PathPrefix != "" {
		query += ` AND path LIKE ?`
		args = append(args, filter.PathPrefix+"%")
	}
	query += ` ORDER BY path ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		var rec Record
		var fieldsJSON string
		if err := rows.Scan(&rec.ID, &rec.Path, &rec.Kind, &fieldsJSON); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(fieldsJSON), &rec.Fields); err != nil {
			return nil, fmt.Errorf("failed to decode record fields: %w", err)
		}
		out = append(out, &rec)
	}

	return out, rows.Err()
}

// Insert adds a record; used by tests and data seeding
func (s *SQLiteStore) Insert(ctx context.Context, rec *Record) error {
	fields := rec.Fields
	if fields == nil {
		fields = map[string]string{}
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to encode record fields: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return state.RetryBusy(func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO records (id, path, kind, fields) VALUES (?, ?, ?, ?)`,
			rec.ID, rec.Path, rec.Kind, string(data))
		return err
	})
}

// GetSetting reads a system-wide setting
func (s *SQLiteStore) GetSetting(ctx context.Context, name string) (string, error) {
	row := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE name = ?`, name)

	var value string
	err := row.Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// SetSetting writes a system-wide setting
func (s *SQLiteStore) SetSetting(ctx context.Context, name, value string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return state.RetryBusy(func() error {
		_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (name, value) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value`, name, value)
		return err
	})
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
