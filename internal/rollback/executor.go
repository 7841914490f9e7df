// Package rollback replays a run's change log in reverse, applying the
// inverse of each recorded mutation. It is resumable (the last reversed
// sequence number is checkpointed) and idempotent: entries whose inverse
// condition already holds are skipped.
package rollback

import (
	"context"
	"errors"
	"fmt"

	"assetshift/internal/changelog"
	"assetshift/internal/checkpoint"
	"assetshift/internal/config"
	"assetshift/internal/lock"
	"assetshift/internal/records"
	"assetshift/internal/storage"

	"go.uber.org/zap"
)

const pageSize = 100

// Executor undoes a migration run
type Executor struct {
	cfg     *config.Config
	logger  *zap.Logger
	src     storage.Provider
	dst     storage.Provider
	records records.Store
	store   checkpoint.Store
	log     *changelog.Log
	locks   *lock.Manager
}

// New wires a rollback executor
func New(
	cfg *config.Config,
	src, dst storage.Provider,
	recordStore records.Store,
	store checkpoint.Store,
	log *changelog.Log,
	locks *lock.Manager,
	logger *zap.Logger,
) *Executor {
	return &Executor{
		cfg:     cfg,
		logger:  logger,
		src:     src,
		dst:     dst,
		records: recordStore,
		store:   store,
		log:     log,
		locks:   locks,
	}
}

// Result summarizes a rollback
type Result struct {
	RunID    string
	Reversed int64
	Skipped  int64
}

// Rollback reverses the run's change log from its highest sequence number
// down to toSeq (exclusive; 0 reverses the whole run). Refused while the
// run is still active; requires the exclusive migration lock.
func (e *Executor) Rollback(ctx context.Context, runID string, toSeq int64) (*Result, error) {
	run, err := e.store.GetRun(runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load run: %w", err)
	}
	if run.Status == checkpoint.RunRunning {
		return nil, fmt.Errorf("run %s is still active, rollback refused", runID)
	}

	handle, err := e.locks.Acquire(ctx, runID, e.cfg.Lock.AcquireTimeout())
	if err != nil {
		return nil, fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	defer e.locks.Release(handle)

	keepCtx, keepCancel := context.WithCancel(ctx)
	defer keepCancel()
	lockFailed := e.locks.KeepAlive(keepCtx, handle)

	cp, err := e.store.Load(runID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		cp = &checkpoint.Checkpoint{RunID: runID}
	} else if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	// Resume below the last reversed sequence from a prior attempt.
	start, err := e.log.MaxSeq(runID)
	if err != nil {
		return nil, fmt.Errorf("failed to read changelog: %w", err)
	}
	if cp.RollbackSeq > 0 && cp.RollbackSeq-1 < start {
		start = cp.RollbackSeq - 1
	}

	e.logger.Info("Starting rollback",
		zap.String("run_id", runID),
		zap.Int64("from_seq", start),
		zap.Int64("to_seq", toSeq),
	)

	result := &Result{RunID: runID}

	for start > toSeq {
		select {
		case err := <-lockFailed:
			return result, fmt.Errorf("exclusive lock lost during rollback: %w", err)
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		entries, err := e.log.EntriesDescending(runID, start, toSeq, pageSize)
		if err != nil {
			return result, fmt.Errorf("failed to read changelog page: %w", err)
		}
		if len(entries) == 0 {
			break
		}

		for _, entry := range entries {
			skipped, err := e.invert(ctx, entry)
			if err != nil {
				// Persist progress before surfacing so a retry resumes here.
				cp.RollbackSeq = entry.Seq + 1
				cp.Phase = "rollback"
				if saveErr := e.store.Save(cp); saveErr != nil {
					e.logger.Error("Failed to checkpoint rollback progress",
						zap.Int64("rollback_seq", cp.RollbackSeq), zap.Error(saveErr))
				}
				return result, fmt.Errorf("failed to invert entry %d (%s): %w", entry.Seq, entry.Type, err)
			}
			if skipped {
				result.Skipped++
			} else {
				result.Reversed++
			}
		}

		start = entries[len(entries)-1].Seq - 1
		cp.RollbackSeq = entries[len(entries)-1].Seq
		cp.Phase = "rollback"
		if err := e.store.Save(cp); err != nil {
			return result, fmt.Errorf("failed to checkpoint rollback progress: %w", err)
		}
	}

	e.logger.Info("Rollback finished",
		zap.String("run_id", runID),
		zap.Int64("reversed", result.Reversed),
		zap.Int64("skipped", result.Skipped),
	)
	return result, nil
}

// invert applies the inverse of one entry. Returns skipped=true when the
// inverse condition already holds.
func (e *Executor) invert(ctx context.Context, entry *changelog.Entry) (bool, error) {
	switch entry.Type {
	case changelog.EntryFileMoved:
		var p changelog.FileMoved
		if err := entry.Decode(&p); err != nil {
			return false, err
		}
		return e.invertFileMoved(ctx, p)

	case changelog.EntryFileDeleted:
		var p changelog.FileDeleted
		if err := entry.Decode(&p); err != nil {
			return false, err
		}
		return e.invertFileDeleted(ctx, p)

	case changelog.EntryRecordUpdated:
		var p changelog.RecordUpdated
		if err := entry.Decode(&p); err != nil {
			return false, err
		}
		return e.invertRecordUpdated(ctx, p)

	case changelog.EntryFilesystemSwitched:
		var p changelog.FilesystemSwitched
		if err := entry.Decode(&p); err != nil {
			return false, err
		}
		return e.invertFilesystemSwitched(ctx, p)
	}

	return false, fmt.Errorf("unknown entry type %q", entry.Type)
}

// invertFileMoved removes the destination copy, restoring the source copy
// first if it went missing.
func (e *Executor) invertFileMoved(ctx context.Context, p changelog.FileMoved) (bool, error) {
	exists, err := e.dst.Exists(ctx, p.DestBucket, p.DestKey)
	if err != nil {
		return false, err
	}
	if !exists {
		// Already reversed.
		return true, nil
	}

	srcExists, err := e.src.Exists(ctx, p.SourceBucket, p.SourceKey)
	if err != nil {
		return false, err
	}
	if !srcExists {
		reader, info, err := e.dst.Read(ctx, p.DestBucket, p.DestKey)
		if err != nil {
			return false, err
		}
		opts := storage.PutOptions{ContentType: info.ContentType, Metadata: info.Metadata}
		err = e.src.Write(ctx, p.SourceBucket, p.SourceKey, reader, info.Size, opts)
		reader.Close()
		if err != nil {
			return false, fmt.Errorf("failed to restore source object: %w", err)
		}
	}

	if err := e.dst.Delete(ctx, p.DestBucket, p.DestKey); err != nil {
		return false, fmt.Errorf("failed to delete destination object: %w", err)
	}
	return false, nil
}

// invertFileDeleted restores the object from its trash backup
func (e *Executor) invertFileDeleted(ctx context.Context, p changelog.FileDeleted) (bool, error) {
	exists, err := e.src.Exists(ctx, p.Bucket, p.Key)
	if err != nil {
		return false, err
	}
	if exists {
		// Already restored.
		return true, nil
	}

	reader, info, err := e.src.Read(ctx, p.Bucket, p.BackupKey)
	if err != nil {
		return false, fmt.Errorf("backup object missing, cannot restore %s: %w", p.Key, err)
	}
	opts := storage.PutOptions{ContentType: info.ContentType, Metadata: info.Metadata}
	err = e.src.Write(ctx, p.Bucket, p.Key, reader, info.Size, opts)
	reader.Close()
	if err != nil {
		return false, err
	}

	if err := e.src.Delete(ctx, p.Bucket, p.BackupKey); err != nil {
		e.logger.Warn("Failed to remove trash backup after restore",
			zap.String("backup_key", p.BackupKey), zap.Error(err))
	}
	return false, nil
}

// invertRecordUpdated restores the previous field values
func (e *Executor) invertRecordUpdated(ctx context.Context, p changelog.RecordUpdated) (bool, error) {
	rec, err := e.records.Get(ctx, p.RecordID)
	if errors.Is(err, records.ErrNotFound) {
		e.logger.Warn("Record gone, skipping field restore", zap.String("record_id", p.RecordID))
		return true, nil
	}
	if err != nil {
		return false, err
	}

	restored := true
	for k, v := range p.Previous {
		if rec.Fields[k] != v {
			restored = false
			break
		}
	}
	if restored {
		return true, nil
	}

	if err := e.records.Update(ctx, p.RecordID, p.Previous); err != nil {
		return false, err
	}
	return false, nil
}

// invertFilesystemSwitched flips the backend setting back
func (e *Executor) invertFilesystemSwitched(ctx context.Context, p changelog.FilesystemSwitched) (bool, error) {
	current, err := e.records.GetSetting(ctx, p.Setting)
	if err != nil && !errors.Is(err, records.ErrNotFound) {
		return false, err
	}
	if current == p.Previous {
		return true, nil
	}

	if err := e.records.SetSetting(ctx, p.Setting, p.Previous); err != nil {
		return false, err
	}
	return false, nil
}
