package lock

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"assetshift/internal/state"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testManager(t *testing.T, ttl, heartbeat time.Duration) (*Manager, *sql.DB) {
	t.Helper()

	db, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	m, err := NewManager(db, Options{TTL: ttl, HeartbeatInterval: heartbeat}, zap.NewNop())
	require.NoError(t, err)
	return m, db
}

func TestAcquireAndRelease(t *testing.T) {
	m, _ := testManager(t, time.Minute, time.Second)

	handle, err := m.Acquire(context.Background(), "run-1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "run-1", handle.RunID)
	assert.Equal(t, int64(1), handle.FencingToken)

	held, err := m.IsHeld()
	require.NoError(t, err)
	assert.True(t, held)

	require.NoError(t, m.Release(handle))

	held, err = m.IsHeld()
	require.NoError(t, err)
	assert.False(t, held)
}

func TestAcquireBusy(t *testing.T) {
	m, _ := testManager(t, time.Minute, time.Second)

	handle, err := m.Acquire(context.Background(), "run-1", time.Second)
	require.NoError(t, err)
	defer m.Release(handle)

	_, err = m.Acquire(context.Background(), "run-2", 300*time.Millisecond)
	assert.ErrorIs(t, err, ErrBusy)
}

func TestAcquireAfterRelease(t *testing.T) {
	m, _ := testManager(t, time.Minute, time.Second)

	first, err := m.Acquire(context.Background(), "run-1", time.Second)
	require.NoError(t, err)
	require.NoError(t, m.Release(first))

	second, err := m.Acquire(context.Background(), "run-2", time.Second)
	require.NoError(t, err)
	defer m.Release(second)

	assert.Greater(t, second.FencingToken, first.FencingToken)
}

func TestStaleReclaim(t *testing.T) {
	m, _ := testManager(t, 50*time.Millisecond, time.Second)

	stale, err := m.Acquire(context.Background(), "run-1", time.Second)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)

	fresh, err := m.Acquire(context.Background(), "run-2", 2*time.Second)
	require.NoError(t, err)
	defer m.Release(fresh)
	assert.Greater(t, fresh.FencingToken, stale.FencingToken)

	// The displaced holder can no longer extend its lease.
	err = m.Heartbeat(context.Background(), stale)
	assert.ErrorIs(t, err, ErrLost)
}

func TestHeartbeatExtendsLease(t *testing.T) {
	m, _ := testManager(t, time.Minute, time.Second)

	handle, err := m.Acquire(context.Background(), "run-1", time.Second)
	require.NoError(t, err)
	defer m.Release(handle)

	before := handle.ExpiresAt
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, m.Heartbeat(context.Background(), handle))
	assert.True(t, handle.ExpiresAt.After(before))
}

func TestConcurrentAcquireSingleWinner(t *testing.T) {
	m, _ := testManager(t, time.Minute, time.Second)

	const acquirers = 8
	var wins int64
	var wg sync.WaitGroup

	for i := 0; i < acquirers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			runID := string(rune('a' + n))
			if _, err := m.Acquire(context.Background(), runID, 500*time.Millisecond); err == nil {
				atomic.AddInt64(&wins, 1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), wins)
}
