package state

import (
	"database/sql"
	"fmt"
	"math/rand"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Open opens the shared state database configured for concurrent access.
// Lock record, run records, checkpoints and the change log all live here so
// that a second process instance observes the same durable state.
func Open(dbPath string) (*sql.DB, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=2000&_foreign_keys=on&_busy_timeout=60000", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(10 * time.Minute)

	return db, nil
}

// IsBusy reports whether the error is a SQLite lock-contention error.
// Contention is retried with backoff; other errors surface to the caller.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	errorStr := err.Error()
	return strings.Contains(errorStr, "database is locked") ||
		strings.Contains(errorStr, "SQLITE_BUSY") ||
		strings.Contains(errorStr, "database table is locked")
}

// RetryBusy runs the operation, retrying with exponential backoff and jitter
// while SQLite reports lock contention.
func RetryBusy(operation func() error) error {
	const maxRetries = 10
	baseDelay := 50 * time.Millisecond

	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err = operation()
		if err == nil {
			return nil
		}

		if !IsBusy(err) {
			return err
		}

		if attempt < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<uint(attempt))
			jitter := time.Duration(rand.Intn(50)) * time.Millisecond
			time.Sleep(delay + jitter)
		}
	}

	return err
}
