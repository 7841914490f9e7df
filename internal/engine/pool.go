package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"assetshift/internal/storage"

	"go.uber.org/zap"
)

// Outcome is the result of one item transfer attempt
type Outcome int

const (
	OutcomeCopied Outcome = iota
	OutcomeSkipped
	OutcomeFailed
)

// transferResult is delivered back to the orchestrator for each item. The
// workers only copy content; the serialized change-log and record-store
// writes happen in the orchestrator.
type transferResult struct {
	Item     WorkItem
	Outcome  Outcome
	Attempts int
	Err      error
	Duration time.Duration
}

// poolConfig tunes the transfer workers
type poolConfig struct {
	Size           int
	Retries        int
	RetryBackoffMs int
	SrcBucket      string
	DstBucket      string
}

// pool runs item transfers with bounded parallelism to overlap network I/O
type pool struct {
	cfg    poolConfig
	src    storage.Provider
	dst    storage.Provider
	logger *zap.Logger
}

func newPool(cfg poolConfig, src, dst storage.Provider, logger *zap.Logger) *pool {
	return &pool{cfg: cfg, src: src, dst: dst, logger: logger}
}

// runBatch transfers one batch and returns a result per item, in input
// order. In-flight items run to completion even when the context is
// cancelled between batches; workers stop picking up new items once the
// context ends.
func (p *pool) runBatch(ctx context.Context, items []WorkItem) []transferResult {
	tasks := make(chan int, len(items))
	results := make([]transferResult, len(items))

	var wg sync.WaitGroup
	for w := 0; w < p.cfg.Size; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			logger := p.logger.With(zap.Int("worker_id", id))

			for idx := range tasks {
				results[idx] = p.transfer(ctx, items[idx], logger)
			}
		}(w)
	}

	for i := range items {
		tasks <- i
	}
	close(tasks)
	wg.Wait()

	return results
}

// transfer processes a single item with bounded retries and backoff
func (p *pool) transfer(ctx context.Context, item WorkItem, logger *zap.Logger) transferResult {
	start := time.Now()

	// Idempotency check: already present and matching means already done.
	if p.destMatches(ctx, item) {
		logger.Debug("Skipping existing object", zap.String("key", item.Key))
		return transferResult{Item: item, Outcome: OutcomeSkipped, Duration: time.Since(start)}
	}

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= p.cfg.Retries; attempt++ {
		attempts = attempt
		err := p.copyObject(ctx, item)
		if err == nil {
			logger.Debug("Copied object",
				zap.String("key", item.Key),
				zap.String("dest_key", item.DestKey),
				zap.Int64("size", item.Size),
			)
			return transferResult{
				Item:     item,
				Outcome:  OutcomeCopied,
				Attempts: attempt,
				Duration: time.Since(start),
			}
		}

		lastErr = err
		logger.Warn("Transfer attempt failed",
			zap.String("key", item.Key),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		if ClassOf(err) != ClassTransient {
			break
		}
		if errors.Is(ctx.Err(), context.Canceled) {
			break
		}

		if attempt < p.cfg.Retries {
			time.Sleep(p.backoff(attempt))
		}
	}

	return transferResult{
		Item:     item,
		Outcome:  OutcomeFailed,
		Attempts: attempts,
		Err:      &ClassifiedError{Class: ClassItem, Op: "transfer", Key: item.Key, Err: lastErr},
		Duration: time.Since(start),
	}
}

func (p *pool) copyObject(ctx context.Context, item WorkItem) error {
	reader, info, err := p.src.Read(ctx, p.cfg.SrcBucket, item.Key)
	if err != nil {
		return fmt.Errorf("failed to read source object: %w", err)
	}
	defer reader.Close()

	opts := storage.PutOptions{
		ContentType: info.ContentType,
		Metadata:    info.Metadata,
	}
	if opts.ContentType == "" {
		opts.ContentType = "application/octet-stream"
	}

	if err := p.dst.Write(ctx, p.cfg.DstBucket, item.DestKey, reader, info.Size, opts); err != nil {
		return fmt.Errorf("failed to write destination object: %w", err)
	}

	return nil
}

// destMatches reports whether the destination already holds the object with
// the same size and etag
func (p *pool) destMatches(ctx context.Context, item WorkItem) bool {
	info, err := p.dst.Stat(ctx, p.cfg.DstBucket, item.DestKey)
	if err != nil {
		return false
	}

	if info.Size != item.Size {
		return false
	}
	return item.ETag == "" || info.ETag == item.ETag
}

func (p *pool) backoff(attempt int) time.Duration {
	base := time.Duration(p.cfg.RetryBackoffMs) * time.Millisecond
	return base * time.Duration(math.Pow(2, float64(attempt-1)))
}
