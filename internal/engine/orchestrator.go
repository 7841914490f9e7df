package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"assetshift/internal/changelog"
	"assetshift/internal/checkpoint"
	"assetshift/internal/config"
	"assetshift/internal/lock"
	"assetshift/internal/metrics"
	"assetshift/internal/records"
	"assetshift/internal/storage"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// activeBackendSetting is the record-store setting flipped at finalize to
// point the content-management system at the destination storage.
const activeBackendSetting = "active_storage_backend"

// Orchestrator drives a migration run through its phases: discover,
// categorize, transfer batches, verify, finalize. It owns the MigrationRun
// record; all checkpoint and change-log writes go through it or its
// serialized result handling, never directly from transfer workers.
type Orchestrator struct {
	cfg     *config.Config
	logger  *zap.Logger
	src     storage.Provider
	dst     storage.Provider
	records records.Store
	store   checkpoint.Store
	log     *changelog.Log
	locks   *lock.Manager
	metrics *metrics.Collector
}

// Result is the terminal report of one run
type Result struct {
	RunID             string
	Status            checkpoint.RunStatus
	Counters          checkpoint.Counters
	Mismatches        []Mismatch
	RollbackRequested bool
	FailureReason     string
}

// New wires an orchestrator
func New(
	cfg *config.Config,
	src, dst storage.Provider,
	recordStore records.Store,
	store checkpoint.Store,
	log *changelog.Log,
	locks *lock.Manager,
	collector *metrics.Collector,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg,
		logger:  logger,
		src:     src,
		dst:     dst,
		records: recordStore,
		store:   store,
		log:     log,
		locks:   locks,
		metrics: collector,
	}
}

// Start begins a new migration run and drives it to a terminal state
func (o *Orchestrator) Start(ctx context.Context, mode checkpoint.RunMode) (*Result, error) {
	run := &checkpoint.Run{
		ID:        uuid.NewString(),
		Mode:      mode,
		Phase:     string(PhaseDiscover),
		Status:    checkpoint.RunRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := o.store.CreateRun(run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	o.logger.Info("Starting migration run",
		zap.String("run_id", run.ID),
		zap.String("mode", string(mode)),
	)

	cp := &checkpoint.Checkpoint{RunID: run.ID, Phase: string(PhaseDiscover)}
	return o.execute(ctx, run, cp)
}

// Resume continues an interrupted run from its last committed checkpoint
func (o *Orchestrator) Resume(ctx context.Context, runID string) (*Result, error) {
	run, err := o.store.GetRun(runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load run: %w", err)
	}
	if run.Status == checkpoint.RunCompleted {
		return nil, fmt.Errorf("run %s already completed", runID)
	}
	if err := o.store.ReopenRun(runID); err != nil {
		return nil, err
	}
	run.Status = checkpoint.RunRunning
	run.CancelRequested = false

	cp, err := o.store.Load(runID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		// No checkpoint was ever committed; start from phase zero.
		cp = &checkpoint.Checkpoint{RunID: runID, Phase: string(PhaseDiscover)}
	} else if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	o.logger.Info("Resuming migration run",
		zap.String("run_id", runID),
		zap.String("phase", cp.Phase),
		zap.Int64("batch_offset", cp.BatchOffset),
	)

	return o.execute(ctx, run, cp)
}

var phaseOrder = map[Phase]int{
	PhaseDiscover:   0,
	PhaseCategorize: 1,
	PhaseTransfer:   2,
	PhaseVerify:     3,
	PhaseFinalize:   4,
}

// execute drives the phase state machine from the checkpointed phase to a
// terminal state.
func (o *Orchestrator) execute(ctx context.Context, run *checkpoint.Run, cp *checkpoint.Checkpoint) (*Result, error) {
	result := &Result{RunID: run.ID}
	live := run.Mode == checkpoint.ModeLive

	// Dry runs never mutate external state, so they are exempt from the
	// exclusive lock entirely.
	var lockFailed <-chan error
	if live {
		handle, err := o.locks.Acquire(ctx, run.ID, o.cfg.Lock.AcquireTimeout())
		if err != nil {
			o.failRun(run, result, fmt.Sprintf("lock acquisition failed: %v", err))
			return result, err
		}
		defer o.locks.Release(handle)

		keepCtx, keepCancel := context.WithCancel(ctx)
		defer keepCancel()
		lockFailed = o.locks.KeepAlive(keepCtx, handle)
	}

	phase := Phase(cp.Phase)
	if !phase.Valid() || phase == PhaseRollback {
		phase = PhaseDiscover
	}

	// The working set is rebuilt deterministically whenever transfer work
	// remains; re-discovery is computation, not a phase back-edge.
	var items []WorkItem
	if phaseOrder[phase] <= phaseOrder[PhaseTransfer] {
		var err error
		items, err = o.discover(ctx)
		if err != nil {
			o.failRun(run, result, fmt.Sprintf("discovery failed: %v", err))
			return result, err
		}
		if phase == PhaseDiscover {
			if err := o.transition(run, cp, PhaseCategorize); err != nil {
				return result, err
			}
			phase = PhaseCategorize
		}

		items, err = o.categorize(ctx, items)
		if err != nil {
			o.failRun(run, result, fmt.Sprintf("categorization failed: %v", err))
			return result, err
		}
		if phase == PhaseCategorize {
			if err := o.transition(run, cp, PhaseTransfer); err != nil {
				return result, err
			}
			phase = PhaseTransfer
		}
	}

	if phase == PhaseTransfer {
		done, err := o.transferAll(ctx, run, cp, items, result, lockFailed)
		if err != nil || !done {
			return result, err
		}
		if err := o.transition(run, cp, PhaseVerify); err != nil {
			return result, err
		}
		phase = PhaseVerify
	}

	if phase == PhaseVerify {
		// Dry runs copied nothing, so there is nothing to verify.
		if live {
			mismatches, err := o.verify(ctx, run.ID)
			result.Mismatches = mismatches
			if err != nil {
				o.failRun(run, result, fmt.Sprintf("verify failed: %v", err))
				return result, err
			}
			if len(mismatches) > 0 && o.cfg.Migration.RollbackOnMismatch {
				// Policy opt-in: surface the rollback request instead of
				// silently continuing to finalize.
				result.RollbackRequested = true
				reason := fmt.Sprintf("verify found %d mismatches, rollback requested", len(mismatches))
				o.failRun(run, result, reason)
				return result, nil
			}
		}
		if err := o.transition(run, cp, PhaseFinalize); err != nil {
			return result, err
		}
		phase = PhaseFinalize
	}

	if err := o.finalize(ctx, run, cp, result); err != nil {
		return result, err
	}

	result.Status = checkpoint.RunCompleted
	result.Counters = cp.Counters
	return result, nil
}

// transition validates and records a phase change
func (o *Orchestrator) transition(run *checkpoint.Run, cp *checkpoint.Checkpoint, to Phase) error {
	if err := Transition(Phase(cp.Phase), to); err != nil {
		return err
	}
	if err := o.store.SetRunPhase(run.ID, string(to)); err != nil {
		return Fatal("set run phase", err)
	}
	cp.Phase = string(to)
	run.Phase = string(to)
	o.metrics.SetPhase(phaseOrder[to])
	o.logger.Info("Phase transition", zap.String("run_id", run.ID), zap.String("phase", string(to)))
	return nil
}

// transferAll processes the working set in batches from the checkpointed
// offset. Returns done=false when the run ended early (cancelled or failed);
// the run record and checkpoint are already settled in that case.
func (o *Orchestrator) transferAll(
	ctx context.Context,
	run *checkpoint.Run,
	cp *checkpoint.Checkpoint,
	items []WorkItem,
	result *Result,
	lockFailed <-chan error,
) (bool, error) {
	m := o.cfg.Migration
	live := run.Mode == checkpoint.ModeLive

	budget := NewBudget(m.MaxConsecutiveFail, m.MaxFailureRatio, m.FailureRatioMin)
	budget.Restore(cp.Counters.Processed, cp.Counters.Failed)

	workers := newPool(poolConfig{
		Size:           m.Concurrency,
		Retries:        m.Retries,
		RetryBackoffMs: m.RetryBackoffMs,
		SrcBucket:      o.cfg.Source.Bucket,
		DstBucket:      o.cfg.Target.Bucket,
	}, o.src, o.dst, o.logger)

	offset := cp.BatchOffset
	if offset > int64(len(items)) {
		offset = int64(len(items))
	}
	batchesSinceSave := 0

	// Operator cancellation is observed between batches; the in-flight
	// batch always completes or fails normally on a detached context.
	workCtx := context.WithoutCancel(ctx)

	for offset < int64(len(items)) {
		// Cancellation and lock loss are observed at batch boundaries;
		// the in-flight batch always drains.
		select {
		case err := <-lockFailed:
			ferr := Fatal("lock", fmt.Errorf("exclusive lock lost mid-run: %w", err))
			o.failRun(run, result, ferr.Error())
			return false, ferr
		default:
		}

		cancelled, err := o.cancelRequested(ctx, run.ID)
		if err != nil {
			return false, Fatal("cancel check", err)
		}
		if cancelled {
			o.saveCheckpoint(run, cp)
			o.completeRun(run, result, checkpoint.RunCancelled, "cancelled by operator")
			return false, nil
		}

		end := offset + int64(m.BatchSize)
		if end > int64(len(items)) {
			end = int64(len(items))
		}
		batch := items[offset:end]

		// Snapshot for a mid-batch abort: committed items stay committed,
		// but the checkpoint only ever reflects fully accounted batches.
		snapshot := cp.Counters

		aborted, reason, err := o.processBatch(workCtx, run, workers, batch, cp, budget, live)
		if err != nil {
			// Mutations already applied in this batch must reach the durable
			// log, or rollback cannot invert them.
			if live {
				if flushErr := o.log.Flush(); flushErr != nil {
					o.logger.Error("Changelog flush failed during abort", zap.Error(flushErr))
				}
			}
			o.saveCheckpointWith(run, cp, snapshot, offset)
			o.failRun(run, result, err.Error())
			return false, err
		}
		if aborted {
			if live {
				if err := o.log.Flush(); err != nil {
					o.logger.Error("Changelog flush failed during abort", zap.Error(err))
				}
			}
			o.saveCheckpointWith(run, cp, snapshot, offset)
			o.completeRun(run, result, checkpoint.RunFailed, reason)
			return false, nil
		}

		offset = end
		cp.BatchOffset = offset
		batchesSinceSave++

		if batchesSinceSave >= m.CheckpointEvery {
			// The log is flushed before the checkpoint commits so a crash
			// never leaves a checkpoint claiming progress the log lost.
			if live {
				if err := o.log.Flush(); err != nil {
					ferr := Fatal("changelog flush", err)
					o.failRun(run, result, ferr.Error())
					return false, ferr
				}
			}
			if err := o.store.Save(cp); err != nil {
				ferr := Fatal("checkpoint save", err)
				o.failRun(run, result, ferr.Error())
				return false, ferr
			}
			batchesSinceSave = 0
			o.metrics.IncBatch()
		}
	}

	if live {
		if err := o.log.Flush(); err != nil {
			ferr := Fatal("changelog flush", err)
			o.failRun(run, result, ferr.Error())
			return false, ferr
		}
	}
	cp.BatchOffset = int64(len(items))
	if err := o.store.Save(cp); err != nil {
		ferr := Fatal("checkpoint save", err)
		o.failRun(run, result, ferr.Error())
		return false, ferr
	}

	return true, nil
}

// processBatch runs one batch and serially accounts its results. Returns
// aborted=true with a reason when the error budget is exhausted.
func (o *Orchestrator) processBatch(
	ctx context.Context,
	run *checkpoint.Run,
	workers *pool,
	batch []WorkItem,
	cp *checkpoint.Checkpoint,
	budget *Budget,
	live bool,
) (bool, string, error) {
	// Orphans are handled serially by policy; everything else goes through
	// the transfer pool.
	var pooled []WorkItem
	for _, item := range batch {
		if item.Category != CategoryOrphan {
			pooled = append(pooled, item)
		}
	}

	var results []transferResult
	if live {
		results = workers.runBatch(ctx, pooled)
	} else {
		results = o.simulateBatch(ctx, workers, pooled)
	}

	byKey := make(map[string]transferResult, len(results))
	for _, res := range results {
		byKey[res.Item.Key] = res
	}

	for _, item := range batch {
		var res transferResult
		if item.Category == CategoryOrphan {
			res = o.processOrphan(ctx, run, item, live)
		} else {
			res = byKey[item.Key]
		}

		if err := o.accountResult(ctx, run, cp, budget, res, live); err != nil {
			return false, "", err
		}

		if exceeded, reason := budget.Exceeded(); exceeded {
			// Abort without touching items already completed.
			return true, reason, nil
		}
	}

	return false, "", nil
}

// accountResult applies one transfer result: change-log entries, record
// update, item record, counters. Runs serially in the orchestrator.
func (o *Orchestrator) accountResult(
	ctx context.Context,
	run *checkpoint.Run,
	cp *checkpoint.Checkpoint,
	budget *Budget,
	res transferResult,
	live bool,
) error {
	item := res.Item
	rec := &checkpoint.ItemRecord{
		RunID:    run.ID,
		Key:      item.Key,
		DestKey:  item.DestKey,
		Category: string(item.Category),
		Size:     item.Size,
		ETag:     item.ETag,
		Attempts: res.Attempts,
	}

	switch res.Outcome {
	case OutcomeCopied:
		if live && item.Category != CategoryOrphan {
			if err := o.recordMutations(ctx, run, item); err != nil {
				// Run-fatal classifications (log append failures) abort;
				// anything else is an item-level record-update failure.
				if ClassOf(err) == ClassRunFatal {
					return err
				}
				res.Outcome = OutcomeFailed
				res.Err = err
				break
			}
		}
		rec.Status = checkpoint.ItemCompleted
		cp.Counters.Processed++
		cp.Counters.Succeeded++
		budget.RecordSuccess()
		o.metrics.IncItem("succeeded")
		o.metrics.AddBytes(item.Size)
		o.metrics.ObserveDuration(res.Duration)

	case OutcomeSkipped:
		// A destination match without a committed item record means a crashed
		// or aborted batch copied the content before it was accounted; the
		// record mutations still have to happen.
		if live && item.Category != CategoryOrphan && !o.itemCommitted(run.ID, item.Key) {
			if err := o.recordMutations(ctx, run, item); err != nil {
				if ClassOf(err) == ClassRunFatal {
					return err
				}
				res.Outcome = OutcomeFailed
				res.Err = err
				break
			}
		}
		rec.Status = checkpoint.ItemSkipped
		cp.Counters.Processed++
		cp.Counters.Skipped++
		budget.RecordSuccess()
		o.metrics.IncItem("skipped")
	}

	if res.Outcome == OutcomeFailed {
		rec.Status = checkpoint.ItemFailed
		if res.Err != nil {
			rec.LastError = res.Err.Error()
		}
		cp.Counters.Processed++
		cp.Counters.Failed++
		budget.RecordFailure()
		o.metrics.IncItem("failed")
		o.logger.Error("Work item failed",
			zap.String("run_id", run.ID),
			zap.String("key", item.Key),
			zap.Int("attempts", res.Attempts),
			zap.Error(res.Err),
		)
	}

	if err := o.store.SaveItem(rec); err != nil {
		return Fatal("save item record", err)
	}
	return nil
}

// itemCommitted reports whether the item already has a completed record,
// meaning its mutations were fully accounted in a previous batch or run.
func (o *Orchestrator) itemCommitted(runID, key string) bool {
	prev, err := o.store.GetItem(runID, key)
	return err == nil && prev.Status == checkpoint.ItemCompleted
}

// recordMutations appends the file-moved entry and applies the owning
// record update with its record-updated entry.
func (o *Orchestrator) recordMutations(ctx context.Context, run *checkpoint.Run, item WorkItem) error {
	seq, err := o.log.Append(run.ID, changelog.EntryFileMoved, changelog.FileMoved{
		SourceBucket: o.cfg.Source.Bucket,
		SourceKey:    item.Key,
		DestBucket:   o.cfg.Target.Bucket,
		DestKey:      item.DestKey,
		Size:         item.Size,
		ETag:         item.ETag,
	})
	if err != nil {
		return Fatal("changelog append", err)
	}
	o.metrics.SetChangelogSeq(seq)

	if item.RecordID == "" {
		return nil
	}

	rec, err := o.records.Get(ctx, item.RecordID)
	if err != nil {
		return &ClassifiedError{Class: ClassItem, Op: "load record", Key: item.Key, Err: err}
	}

	updated := map[string]string{
		"storage_path":    item.DestKey,
		"storage_backend": "target",
	}
	previous := make(map[string]string, len(updated))
	for k := range updated {
		previous[k] = rec.Fields[k]
	}

	if err := o.records.Update(ctx, item.RecordID, updated); err != nil {
		return &ClassifiedError{Class: ClassItem, Op: "update record", Key: item.Key, Err: err}
	}

	seq, err = o.log.Append(run.ID, changelog.EntryRecordUpdated, changelog.RecordUpdated{
		RecordID: item.RecordID,
		Previous: previous,
		Updated:  updated,
	})
	if err != nil {
		return Fatal("changelog append", err)
	}
	o.metrics.SetChangelogSeq(seq)

	return nil
}

// processOrphan applies the orphan policy to one unowned object
func (o *Orchestrator) processOrphan(ctx context.Context, run *checkpoint.Run, item WorkItem, live bool) transferResult {
	if o.cfg.Migration.OrphanPolicy != "trash" {
		return transferResult{Item: item, Outcome: OutcomeSkipped}
	}
	if !live {
		// Dry run reports what would be trashed without touching storage.
		o.logger.Info("Would move orphan to trash", zap.String("key", item.Key))
		return transferResult{Item: item, Outcome: OutcomeSkipped}
	}

	start := time.Now()
	backupKey := o.cfg.Migration.TrashPrefix + item.Key
	bucket := o.cfg.Source.Bucket

	reader, info, err := o.src.Read(ctx, bucket, item.Key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Already gone, nothing to trash.
			return transferResult{Item: item, Outcome: OutcomeSkipped}
		}
		return transferResult{Item: item, Outcome: OutcomeFailed, Err: err, Duration: time.Since(start)}
	}
	defer reader.Close()

	opts := storage.PutOptions{ContentType: info.ContentType, Metadata: info.Metadata}
	if err := o.src.Write(ctx, bucket, backupKey, reader, info.Size, opts); err != nil {
		return transferResult{Item: item, Outcome: OutcomeFailed, Err: err, Duration: time.Since(start)}
	}
	if err := o.src.Delete(ctx, bucket, item.Key); err != nil {
		return transferResult{Item: item, Outcome: OutcomeFailed, Err: err, Duration: time.Since(start)}
	}

	seq, err := o.log.Append(run.ID, changelog.EntryFileDeleted, changelog.FileDeleted{
		Bucket:    bucket,
		Key:       item.Key,
		BackupKey: backupKey,
		Size:      item.Size,
	})
	if err != nil {
		return transferResult{Item: item, Outcome: OutcomeFailed, Err: Fatal("changelog append", err), Duration: time.Since(start)}
	}
	o.metrics.SetChangelogSeq(seq)

	return transferResult{Item: item, Outcome: OutcomeCopied, Attempts: 1, Duration: time.Since(start)}
}

// simulateBatch predicts outcomes without invoking storage-provider writes
func (o *Orchestrator) simulateBatch(ctx context.Context, workers *pool, items []WorkItem) []transferResult {
	results := make([]transferResult, len(items))
	for i, item := range items {
		if workers.destMatches(ctx, item) {
			results[i] = transferResult{Item: item, Outcome: OutcomeSkipped}
		} else {
			o.logger.Info("Would migrate object",
				zap.String("key", item.Key),
				zap.String("dest_key", item.DestKey),
				zap.Int64("size", item.Size),
			)
			results[i] = transferResult{Item: item, Outcome: OutcomeCopied, Attempts: 1}
		}
	}
	return results
}

// finalize flips the active backend setting, flushes the log, marks the run
// completed and prunes state past the retention window.
func (o *Orchestrator) finalize(ctx context.Context, run *checkpoint.Run, cp *checkpoint.Checkpoint, result *Result) error {
	live := run.Mode == checkpoint.ModeLive

	if live {
		previous, err := o.records.GetSetting(ctx, activeBackendSetting)
		if errors.Is(err, records.ErrNotFound) {
			previous = "source"
		} else if err != nil {
			ferr := Fatal("read backend setting", err)
			o.failRun(run, result, ferr.Error())
			return ferr
		}

		if previous != "target" {
			if err := o.records.SetSetting(ctx, activeBackendSetting, "target"); err != nil {
				ferr := Fatal("switch backend setting", err)
				o.failRun(run, result, ferr.Error())
				return ferr
			}
			seq, err := o.log.Append(run.ID, changelog.EntryFilesystemSwitched, changelog.FilesystemSwitched{
				Setting:  activeBackendSetting,
				Previous: previous,
				Next:     "target",
			})
			if err != nil {
				ferr := Fatal("changelog append", err)
				o.failRun(run, result, ferr.Error())
				return ferr
			}
			o.metrics.SetChangelogSeq(seq)
		}

		if err := o.log.Flush(); err != nil {
			ferr := Fatal("changelog flush", err)
			o.failRun(run, result, ferr.Error())
			return ferr
		}
	}

	o.saveCheckpoint(run, cp)

	if err := o.store.CompleteRun(run.ID, checkpoint.RunCompleted, ""); err != nil {
		return Fatal("complete run", err)
	}

	o.pruneRetention()

	o.logger.Info("Migration run completed",
		zap.String("run_id", run.ID),
		zap.Int64("processed", cp.Counters.Processed),
		zap.Int64("succeeded", cp.Counters.Succeeded),
		zap.Int64("failed", cp.Counters.Failed),
		zap.Int64("skipped", cp.Counters.Skipped),
	)
	return nil
}

// pruneRetention drops checkpoints and the change logs of completed runs
// past the retention window. Best effort; failures are logged, not fatal.
func (o *Orchestrator) pruneRetention() {
	cutoff := time.Now().UTC().Add(-o.cfg.Migration.Retention())

	if _, err := o.store.Prune(cutoff); err != nil {
		o.logger.Warn("Checkpoint pruning failed", zap.Error(err))
	}

	runs, err := o.store.ListRuns()
	if err != nil {
		o.logger.Warn("Run listing for pruning failed", zap.Error(err))
		return
	}
	for _, run := range runs {
		if run.Status == checkpoint.RunCompleted && run.FinishedAt != nil && run.FinishedAt.Before(cutoff) {
			if err := o.log.Prune(run.ID); err != nil {
				o.logger.Warn("Changelog pruning failed",
					zap.String("run_id", run.ID), zap.Error(err))
			}
		}
	}
}

// cancelRequested checks both the operator signal (context) and the durable
// cancel flag
func (o *Orchestrator) cancelRequested(ctx context.Context, runID string) (bool, error) {
	if ctx.Err() != nil {
		return true, nil
	}
	cancelled, err := o.store.CancelRequested(runID)
	if err != nil {
		return false, err
	}
	return cancelled, nil
}

func (o *Orchestrator) saveCheckpoint(run *checkpoint.Run, cp *checkpoint.Checkpoint) {
	if err := o.store.Save(cp); err != nil {
		o.logger.Error("Checkpoint save failed",
			zap.String("run_id", run.ID), zap.Error(err))
	}
}

func (o *Orchestrator) saveCheckpointWith(run *checkpoint.Run, cp *checkpoint.Checkpoint, counters checkpoint.Counters, offset int64) {
	settled := *cp
	settled.Counters = counters
	settled.BatchOffset = offset
	o.saveCheckpoint(run, &settled)
}

func (o *Orchestrator) failRun(run *checkpoint.Run, result *Result, reason string) {
	o.completeRun(run, result, checkpoint.RunFailed, reason)
}

func (o *Orchestrator) completeRun(run *checkpoint.Run, result *Result, status checkpoint.RunStatus, reason string) {
	if err := o.store.CompleteRun(run.ID, status, reason); err != nil {
		o.logger.Error("Failed to record terminal run status",
			zap.String("run_id", run.ID), zap.Error(err))
	}
	result.Status = status
	result.FailureReason = reason

	if cp, err := o.store.Load(run.ID); err == nil {
		result.Counters = cp.Counters
	}

	o.logger.Info("Migration run finished",
		zap.String("run_id", run.ID),
		zap.String("status", string(status)),
		zap.String("reason", reason),
	)
}
