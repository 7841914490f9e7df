package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"

	"assetshift/internal/changelog"
	"assetshift/internal/checkpoint"
	"assetshift/internal/config"
	"assetshift/internal/lock"
	"assetshift/internal/metrics"
	"assetshift/internal/records"
	"assetshift/internal/state"
	"assetshift/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testEnv struct {
	cfg     *config.Config
	db      *sql.DB
	src     *storage.MemoryProvider
	dst     *storage.MemoryProvider
	records *records.SQLiteStore
	store   *checkpoint.SQLiteStore
	log     *changelog.Log
	locks   *lock.Manager
	orch    *Orchestrator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dir := t.TempDir()

	db, err := state.Open(filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	recStore, err := records.NewSQLiteStore(filepath.Join(dir, "records.db"))
	require.NoError(t, err)
	t.Cleanup(func() { recStore.Close() })

	cpStore, err := checkpoint.NewSQLiteStore(db)
	require.NoError(t, err)
	log, err := changelog.NewLog(db, 0)
	require.NoError(t, err)

	cfg := &config.Config{
		Source: config.S3Config{Bucket: "src-bucket"},
		Target: config.S3Config{Bucket: "dst-bucket"},
		Migration: config.Migration{
			SourcePrefix:       "photos/",
			DestPrefix:         "assets/",
			DerivedPrefix:      "derived/",
			TrashPrefix:        ".trash/",
			OrphanPolicy:       "skip",
			BatchSize:          2,
			CheckpointEvery:    1,
			Concurrency:        2,
			Retries:            2,
			RetryBackoffMs:     1,
			MaxConsecutiveFail: 3,
			MaxFailureRatio:    0.9,
			FailureRatioMin:    100,
			VerifySampleRate:   1.0,
			RetentionDays:      7,
		},
		Lock: config.Lock{TTLSeconds: 60, HeartbeatSeconds: 20, AcquireTimeoutMs: 2000},
	}

	locks, err := lock.NewManager(db, lock.Options{
		TTL:               cfg.Lock.TTL(),
		HeartbeatInterval: cfg.Lock.HeartbeatInterval(),
	}, zap.NewNop())
	require.NoError(t, err)

	env := &testEnv{
		cfg:     cfg,
		db:      db,
		src:     storage.NewMemoryProvider(),
		dst:     storage.NewMemoryProvider(),
		records: recStore,
		store:   cpStore,
		log:     log,
		locks:   locks,
	}
	env.orch = New(cfg, env.src, env.dst, recStore, cpStore, log, locks, metrics.New(), zap.NewNop())
	return env
}

// seedAsset registers a record and its backing source object
func (e *testEnv) seedAsset(t *testing.T, id, key, kind string, data []byte) {
	t.Helper()

	require.NoError(t, e.records.Insert(context.Background(), &records.Record{
		ID:   id,
		Path: key,
		Kind: kind,
		Fields: map[string]string{
			"storage_path":    key,
			"storage_backend": "source",
		},
	}))
	e.src.Seed(e.cfg.Source.Bucket, key, data)
}

func TestLiveMigration(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.seedAsset(t, "r1", "photos/a.jpg", records.KindAsset, []byte("aaaa"))
	env.seedAsset(t, "r2", "photos/sub/b.jpg", records.KindAsset, []byte("bbbb"))
	env.seedAsset(t, "r3", "photos/thumb_a.jpg", records.KindDerived, []byte("tttt"))
	env.src.Seed(env.cfg.Source.Bucket, "photos/orphan.dat", []byte("oooo"))

	result, err := env.orch.Start(ctx, checkpoint.ModeLive)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.RunCompleted, result.Status)
	assert.Empty(t, result.Mismatches)

	assert.Equal(t, int64(4), result.Counters.Processed)
	assert.Equal(t, int64(3), result.Counters.Succeeded)
	assert.Equal(t, int64(1), result.Counters.Skipped)

	// Linked assets keep their hierarchy; derived artifacts flatten.
	assert.Equal(t, []string{"assets/a.jpg", "assets/sub/b.jpg", "derived/thumb_a.jpg"},
		env.dst.Keys(env.cfg.Target.Bucket))

	rec, err := env.records.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "target", rec.Fields["storage_backend"])
	assert.Equal(t, "assets/a.jpg", rec.Fields["storage_path"])

	setting, err := env.records.GetSetting(ctx, "active_storage_backend")
	require.NoError(t, err)
	assert.Equal(t, "target", setting)

	// Mutations are logged: a move and a record update per asset, plus the
	// backend switch.
	max, err := env.log.MaxSeq(result.RunID)
	require.NoError(t, err)
	assert.Equal(t, int64(7), max)

	held, err := env.locks.IsHeld()
	require.NoError(t, err)
	assert.False(t, held, "lock must be released after the run")

	run, err := env.store.GetRun(result.RunID)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.RunCompleted, run.Status)
	require.NotNil(t, run.FinishedAt)
}

func TestDryRunIsReadOnly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.seedAsset(t, "r1", "photos/a.jpg", records.KindAsset, []byte("aaaa"))
	env.seedAsset(t, "r2", "photos/b.jpg", records.KindAsset, []byte("bbbb"))
	env.src.Seed(env.cfg.Source.Bucket, "photos/orphan.dat", []byte("oooo"))

	result, err := env.orch.Start(ctx, checkpoint.ModeDryRun)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.RunCompleted, result.Status)
	assert.Equal(t, int64(3), result.Counters.Processed)
	assert.Empty(t, result.Mismatches)

	// Nothing was written, logged or updated.
	assert.Empty(t, env.dst.Keys(env.cfg.Target.Bucket))

	max, err := env.log.MaxSeq(result.RunID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), max)

	rec, err := env.records.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "source", rec.Fields["storage_backend"])

	_, err = env.records.GetSetting(ctx, "active_storage_backend")
	assert.ErrorIs(t, err, records.ErrNotFound)
}

func TestOrphanTrashPolicy(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Migration.OrphanPolicy = "trash"
	ctx := context.Background()

	env.seedAsset(t, "r1", "photos/a.jpg", records.KindAsset, []byte("aaaa"))
	env.src.Seed(env.cfg.Source.Bucket, "photos/junk.dat", []byte("jjjj"))

	result, err := env.orch.Start(ctx, checkpoint.ModeLive)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.RunCompleted, result.Status)
	assert.Equal(t, int64(2), result.Counters.Succeeded)

	srcKeys := env.src.Keys(env.cfg.Source.Bucket)
	assert.NotContains(t, srcKeys, "photos/junk.dat")
	assert.Contains(t, srcKeys, ".trash/photos/junk.dat")

	// The deletion is logged with its backup key for rollback.
	entries, err := env.log.EntriesDescending(result.RunID, 100, 0, 100)
	require.NoError(t, err)
	var deleted *changelog.FileDeleted
	for _, e := range entries {
		if e.Type == changelog.EntryFileDeleted {
			deleted = &changelog.FileDeleted{}
			require.NoError(t, e.Decode(deleted))
		}
	}
	require.NotNil(t, deleted)
	assert.Equal(t, "photos/junk.dat", deleted.Key)
	assert.Equal(t, ".trash/photos/junk.dat", deleted.BackupKey)
}

func TestErrorBudgetAbortsRun(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Migration.MaxConsecutiveFail = 2
	env.cfg.Migration.BatchSize = 10
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		key := fmt.Sprintf("photos/f%d.jpg", i)
		env.seedAsset(t, fmt.Sprintf("r%d", i), key, records.KindAsset, []byte("data"))
	}
	env.dst.FailWrites = func(bucket, key string) error {
		return errors.New("access denied")
	}

	result, err := env.orch.Start(ctx, checkpoint.ModeLive)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.RunFailed, result.Status)
	assert.Contains(t, result.FailureReason, "error budget exhausted")

	run, err := env.store.GetRun(result.RunID)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.RunFailed, run.Status)

	// The checkpoint reflects the batch start, not the partial batch.
	cp, err := env.store.Load(result.RunID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), cp.BatchOffset)
	assert.Equal(t, int64(0), cp.Counters.Processed)

	failed, err := env.store.ListItemsByStatus(result.RunID, checkpoint.ItemFailed)
	require.NoError(t, err)
	assert.Len(t, failed, 2)
}

func TestResumeSkipsCommittedItems(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Migration.MaxConsecutiveFail = 1
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c", "d"} {
		key := "photos/" + k + ".jpg"
		env.seedAsset(t, "r-"+k, key, records.KindAsset, []byte("data-"+k))
	}

	// First batch (a, b) commits; c fails in the second batch and trips the
	// budget before d is accounted.
	env.dst.FailWrites = func(bucket, key string) error {
		if key == "assets/c.jpg" {
			return errors.New("access denied")
		}
		return nil
	}

	result, err := env.orch.Start(ctx, checkpoint.ModeLive)
	require.NoError(t, err)
	require.Equal(t, checkpoint.RunFailed, result.Status)

	cp, err := env.store.Load(result.RunID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), cp.BatchOffset)
	assert.Equal(t, int64(2), cp.Counters.Succeeded)

	// Resume with the fault cleared, counting destination writes.
	var writes int64
	env.dst.FailWrites = func(bucket, key string) error {
		atomic.AddInt64(&writes, 1)
		return nil
	}

	result, err = env.orch.Resume(ctx, result.RunID)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.RunCompleted, result.Status)

	assert.Equal(t, []string{"assets/a.jpg", "assets/b.jpg", "assets/c.jpg", "assets/d.jpg"},
		env.dst.Keys(env.cfg.Target.Bucket))

	// Only the failed item was rewritten; committed items were skipped by
	// the checkpoint offset and d by the idempotency check.
	assert.Equal(t, int64(1), atomic.LoadInt64(&writes))

	assert.Equal(t, int64(4), result.Counters.Processed)
	assert.Equal(t, int64(3), result.Counters.Succeeded)
	assert.Equal(t, int64(1), result.Counters.Skipped)

	// d was copied by the aborted batch before accounting; the skip on
	// resume still applied its record mutations.
	for _, k := range []string{"a", "b", "c", "d"} {
		rec, err := env.records.Get(ctx, "r-"+k)
		require.NoError(t, err)
		assert.Equal(t, "target", rec.Fields["storage_backend"], k)
	}
}

func TestResumeCompletedRunRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.seedAsset(t, "r1", "photos/a.jpg", records.KindAsset, []byte("aaaa"))

	result, err := env.orch.Start(ctx, checkpoint.ModeLive)
	require.NoError(t, err)
	require.Equal(t, checkpoint.RunCompleted, result.Status)

	_, err = env.orch.Resume(ctx, result.RunID)
	assert.ErrorContains(t, err, "already completed")
}

func TestCancellationDrainsBatch(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, k := range []string{"a", "b", "c", "d"} {
		key := "photos/" + k + ".jpg"
		env.seedAsset(t, "r-"+k, key, records.KindAsset, []byte("data-"+k))
	}

	// Cancel mid-first-batch; the batch must still drain, with the
	// cancellation observed at the next batch boundary.
	env.dst.FailWrites = func(bucket, key string) error {
		cancel()
		return nil
	}

	result, err := env.orch.Start(ctx, checkpoint.ModeLive)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.RunCancelled, result.Status)
	assert.Equal(t, "cancelled by operator", result.FailureReason)

	assert.Equal(t, []string{"assets/a.jpg", "assets/b.jpg"}, env.dst.Keys(env.cfg.Target.Bucket))

	cp, err := env.store.Load(result.RunID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), cp.BatchOffset)
	assert.Equal(t, int64(2), cp.Counters.Succeeded)
}

func TestDurableCancelFlag(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c", "d"} {
		key := "photos/" + k + ".jpg"
		env.seedAsset(t, "r-"+k, key, records.KindAsset, []byte("data-"+k))
	}

	// An operator cancel lands in the run record from another process; the
	// orchestrator picks it up at the next batch boundary.
	var flagged int32
	env.dst.FailWrites = func(bucket, key string) error {
		if atomic.CompareAndSwapInt32(&flagged, 0, 1) {
			runs, err := env.store.ListRuns()
			if err != nil || len(runs) != 1 {
				return errors.New("run record missing")
			}
			if err := env.store.RequestCancel(runs[0].ID); err != nil {
				return err
			}
		}
		return nil
	}

	result, err := env.orch.Start(ctx, checkpoint.ModeLive)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.RunCancelled, result.Status)
	assert.Len(t, env.dst.Keys(env.cfg.Target.Bucket), 2)
}

func TestVerifyDetectsMismatches(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.dst.Seed(env.cfg.Target.Bucket, "assets/ok.jpg", []byte("good"))
	env.dst.Seed(env.cfg.Target.Bucket, "assets/short.jpg", []byte("x"))

	okInfo, err := env.dst.Stat(ctx, env.cfg.Target.Bucket, "assets/ok.jpg")
	require.NoError(t, err)

	items := []*checkpoint.ItemRecord{
		{RunID: "run-1", Key: "photos/ok.jpg", DestKey: "assets/ok.jpg",
			Category: "linked-asset", Size: 4, ETag: okInfo.ETag, Status: checkpoint.ItemCompleted},
		{RunID: "run-1", Key: "photos/short.jpg", DestKey: "assets/short.jpg",
			Category: "linked-asset", Size: 4, Status: checkpoint.ItemCompleted},
		{RunID: "run-1", Key: "photos/gone.jpg", DestKey: "assets/gone.jpg",
			Category: "linked-asset", Size: 4, Status: checkpoint.ItemCompleted},
	}
	for _, rec := range items {
		require.NoError(t, env.store.SaveItem(rec))
	}

	mismatches, err := env.orch.verify(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, mismatches, 2)

	reasons := map[string]string{}
	for _, mm := range mismatches {
		reasons[mm.Key] = mm.Reason
	}
	assert.Contains(t, reasons["photos/gone.jpg"], "stat failed")
	assert.Contains(t, reasons["photos/short.jpg"], "size mismatch")
}

func TestVerifySkipsTrashedOrphans(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.store.SaveItem(&checkpoint.ItemRecord{
		RunID: "run-1", Key: "photos/junk.dat", DestKey: "photos/junk.dat",
		Category: "orphan", Size: 4, Status: checkpoint.ItemCompleted,
	}))

	mismatches, err := env.orch.verify(ctx, "run-1")
	require.NoError(t, err)
	assert.Empty(t, mismatches)
}

func TestInterruptedListingFailsDiscovery(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// One object arrives before the listing breaks; a run must never treat
	// the truncated set as the full working set.
	env.seedAsset(t, "r1", "photos/a.jpg", records.KindAsset, []byte("aaaa"))
	env.src.ListErr = errors.New("connection reset during listing")

	result, err := env.orch.Start(ctx, checkpoint.ModeLive)
	require.Error(t, err)
	assert.ErrorContains(t, err, "failed to list source objects")
	assert.Equal(t, checkpoint.RunFailed, result.Status)
	assert.Contains(t, result.FailureReason, "discovery failed")

	assert.Empty(t, env.dst.Keys(env.cfg.Target.Bucket))
}

// failingItemStore fails SaveItem for one key to force a run-fatal abort
// mid-batch.
type failingItemStore struct {
	checkpoint.Store
	failKey string
}

func (s *failingItemStore) SaveItem(rec *checkpoint.ItemRecord) error {
	if rec.Key == s.failKey {
		return errors.New("disk full")
	}
	return s.Store.SaveItem(rec)
}

func TestFatalAbortFlushesChangelog(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Migration.BatchSize = 10
	ctx := context.Background()

	env.seedAsset(t, "r-a", "photos/a.jpg", records.KindAsset, []byte("aaaa"))
	env.seedAsset(t, "r-b", "photos/b.jpg", records.KindAsset, []byte("bbbb"))

	// A large flush threshold keeps every append buffered until something
	// flushes explicitly.
	log, err := changelog.NewLog(env.db, 100)
	require.NoError(t, err)
	store := &failingItemStore{Store: env.store, failKey: "photos/b.jpg"}
	orch := New(env.cfg, env.src, env.dst, env.records, store, log, env.locks, metrics.New(), zap.NewNop())

	result, err := orch.Start(ctx, checkpoint.ModeLive)
	require.Error(t, err)
	assert.Equal(t, checkpoint.RunFailed, result.Status)

	// Both items were copied and their record mutations applied before the
	// abort; the durable log must hold those entries or rollback is blind.
	rec, err := env.records.Get(ctx, "r-a")
	require.NoError(t, err)
	require.Equal(t, "target", rec.Fields["storage_backend"])

	max, err := log.MaxSeq(result.RunID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), max, "buffered entries of applied mutations must survive the abort")
}

// tamperingStore corrupts the destination when the run enters its verify
// phase, driving the mismatch policy path.
type tamperingStore struct {
	checkpoint.Store
	onVerify func()
}

func (s *tamperingStore) SetRunPhase(id, phase string) error {
	if phase == string(PhaseVerify) && s.onVerify != nil {
		s.onVerify()
	}
	return s.Store.SetRunPhase(id, phase)
}

func TestMismatchPolicyRequestsRollback(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Migration.RollbackOnMismatch = true
	ctx := context.Background()

	env.seedAsset(t, "r1", "photos/a.jpg", records.KindAsset, []byte("aaaa"))

	store := &tamperingStore{Store: env.store, onVerify: func() {
		require.NoError(t, env.dst.Delete(ctx, env.cfg.Target.Bucket, "assets/a.jpg"))
	}}
	orch := New(env.cfg, env.src, env.dst, env.records, store, env.log, env.locks, metrics.New(), zap.NewNop())

	result, err := orch.Start(ctx, checkpoint.ModeLive)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.RunFailed, result.Status)
	assert.True(t, result.RollbackRequested)
	assert.Contains(t, result.FailureReason, "rollback requested")
	require.Len(t, result.Mismatches, 1)

	// The policy surfaces the request; the rollback itself is a separate
	// operator-invoked operation.
	setting, err := env.records.GetSetting(ctx, "active_storage_backend")
	assert.ErrorIs(t, err, records.ErrNotFound)
	assert.Empty(t, setting)
}

func TestLockBlocksSecondRun(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Lock.AcquireTimeoutMs = 300
	ctx := context.Background()

	handle, err := env.locks.Acquire(ctx, "other-run", env.cfg.Lock.AcquireTimeout())
	require.NoError(t, err)
	defer env.locks.Release(handle)

	env.seedAsset(t, "r1", "photos/a.jpg", records.KindAsset, []byte("aaaa"))

	result, err := env.orch.Start(ctx, checkpoint.ModeLive)
	require.ErrorIs(t, err, lock.ErrBusy)
	assert.Equal(t, checkpoint.RunFailed, result.Status)
	assert.Contains(t, result.FailureReason, "lock acquisition failed")
}
