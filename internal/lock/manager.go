package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"time"

	"assetshift/internal/state"

	"go.uber.org/zap"
)

// ErrBusy is returned when a live exclusive lock is held by another process.
var ErrBusy = errors.New("migration lock is held")

// ErrLost is returned by Heartbeat when the lock is no longer ours, meaning
// another process reclaimed it after our lease expired.
var ErrLost = errors.New("migration lock lost")

// Handle identifies a held lock. Only the holder that acquired it can
// heartbeat or release through it.
type Handle struct {
	Holder       string
	RunID        string
	FencingToken int64
	ExpiresAt    time.Time
}

// Manager guards the system-wide exclusive migration lock. The lock is a
// single durable row; acquisition is a conditional update so two concurrent
// acquirers can never both win.
type Manager struct {
	db        *sql.DB
	logger    *zap.Logger
	ttl       time.Duration
	heartbeat time.Duration
}

// Options configures the lock manager
type Options struct {
	TTL               time.Duration
	HeartbeatInterval time.Duration
}

// NewManager creates a lock manager on the shared state database
func NewManager(db *sql.DB, opts Options, logger *zap.Logger) (*Manager, error) {
	m := &Manager{
		db:        db,
		logger:    logger,
		ttl:       opts.TTL,
		heartbeat: opts.HeartbeatInterval,
	}
	if err := m.createTable(); err != nil {
		return nil, fmt.Errorf("failed to create lock table: %w", err)
	}
	return m, nil
}

func (m *Manager) createTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS migration_lock (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		holder TEXT NOT NULL DEFAULT '',
		run_id TEXT NOT NULL DEFAULT '',
		acquired_at DATETIME,
		expires_at DATETIME,
		fencing_token INTEGER NOT NULL DEFAULT 0
	);
	INSERT OR IGNORE INTO migration_lock (id) VALUES (1);
	`
	_, err := m.db.Exec(query)
	return err
}

// holderID builds the holder identity from run id and process id
func holderID(runID string) string {
	return fmt.Sprintf("%s@%d", runID, os.Getpid())
}

// Acquire attempts to take the exclusive lock, retrying with jittered
// backoff until the timeout. Returns ErrBusy when a live holder remains
// after the timeout elapses.
func (m *Manager) Acquire(ctx context.Context, runID string, timeout time.Duration) (*Handle, error) {
	deadline := time.Now().Add(timeout)
	backoff := 100 * time.Millisecond
	errRetries := 0

	for {
		handle, err := m.tryAcquire(ctx, runID)
		if err == nil {
			return handle, nil
		}

		if errors.Is(err, ErrBusy) || state.IsBusy(err) {
			// Contention: either a live holder or the backing store's own
			// lock conflict. Back off and retry until the deadline.
			errRetries = 0
		} else {
			errRetries++
			if errRetries > 3 {
				return nil, fmt.Errorf("lock acquisition failed: %w", err)
			}
		}

		if time.Now().After(deadline) {
			if errors.Is(err, ErrBusy) {
				return nil, ErrBusy
			}
			return nil, fmt.Errorf("lock acquisition timed out: %w", err)
		}

		jitter := time.Duration(rand.Int63n(int64(backoff / 2)))
		select {
		case <-time.After(backoff + jitter):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
}

// tryAcquire performs one atomic acquisition attempt. The transaction reads
// the current row and conditionally takes over, so a concurrent acquirer
// either sees no live holder (wins) or a live holder (loses).
func (m *Manager) tryAcquire(ctx context.Context, runID string) (*Handle, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var holder string
	var expiresAt sql.NullTime
	var fencing int64
	row := tx.QueryRowContext(ctx, `SELECT holder, expires_at, fencing_token FROM migration_lock WHERE id = 1`)
	if err := row.Scan(&holder, &expiresAt, &fencing); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if holder != "" && expiresAt.Valid && expiresAt.Time.After(now) {
		return nil, ErrBusy
	}

	if holder != "" {
		m.logger.Warn("Reclaiming stale migration lock",
			zap.String("previous_holder", holder),
			zap.Time("expired_at", expiresAt.Time),
		)
	}

	newHolder := holderID(runID)
	expiry := now.Add(m.ttl)
	res, err := tx.ExecContext(ctx, `
		UPDATE migration_lock
		SET holder = ?, run_id = ?, acquired_at = ?, expires_at = ?, fencing_token = fencing_token + 1
		WHERE id = 1 AND (holder = ? OR expires_at <= ?)`,
		newHolder, runID, now, expiry, holder, now)
	if err != nil {
		return nil, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// Another acquirer slipped in between the read and the update.
		return nil, ErrBusy
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	m.logger.Info("Acquired migration lock",
		zap.String("holder", newHolder),
		zap.Int64("fencing_token", fencing+1),
		zap.Time("expires_at", expiry),
	)

	return &Handle{
		Holder:       newHolder,
		RunID:        runID,
		FencingToken: fencing + 1,
		ExpiresAt:    expiry,
	}, nil
}

// Heartbeat extends the lease while the holder is alive. Returns ErrLost
// when the lock row no longer belongs to the handle.
func (m *Manager) Heartbeat(ctx context.Context, handle *Handle) error {
	expiry := time.Now().UTC().Add(m.ttl)

	var n int64
	err := state.RetryBusy(func() error {
		res, err := m.db.ExecContext(ctx, `
			UPDATE migration_lock SET expires_at = ?
			WHERE id = 1 AND holder = ? AND fencing_token = ?`,
			expiry, handle.Holder, handle.FencingToken)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("heartbeat failed: %w", err)
	}
	if n == 0 {
		return ErrLost
	}

	handle.ExpiresAt = expiry
	return nil
}

// Release gives up the lock. Releasing a lock we no longer hold is a no-op.
func (m *Manager) Release(handle *Handle) error {
	if handle == nil {
		return nil
	}

	return state.RetryBusy(func() error {
		_, err := m.db.Exec(`
			UPDATE migration_lock
			SET holder = '', run_id = '', acquired_at = NULL, expires_at = NULL
			WHERE id = 1 AND holder = ? AND fencing_token = ?`,
			handle.Holder, handle.FencingToken)
		if err == nil {
			m.logger.Info("Released migration lock", zap.String("holder", handle.Holder))
		}
		return err
	})
}

// IsHeld reports whether a live exclusive lock exists
func (m *Manager) IsHeld() (bool, error) {
	var holder string
	var expiresAt sql.NullTime
	row := m.db.QueryRow(`SELECT holder, expires_at FROM migration_lock WHERE id = 1`)
	if err := row.Scan(&holder, &expiresAt); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}

	return holder != "" && expiresAt.Valid && expiresAt.Time.After(time.Now().UTC()), nil
}

// KeepAlive runs heartbeats until the context ends. A failed heartbeat is
// reported on the returned channel; lock loss mid-run is a run-fatal
// condition the orchestrator must observe.
func (m *Manager) KeepAlive(ctx context.Context, handle *Handle) <-chan error {
	failed := make(chan error, 1)

	go func() {
		ticker := time.NewTicker(m.heartbeat)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := m.Heartbeat(ctx, handle); err != nil {
					m.logger.Error("Lock heartbeat failed", zap.Error(err))
					failed <- err
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return failed
}
