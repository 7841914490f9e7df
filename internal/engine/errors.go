package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"assetshift/internal/state"
	"assetshift/internal/storage"
)

// Classification routes a failure to its handling policy. Callers branch on
// the classification, not on the concrete error.
type Classification int

const (
	// ClassTransient failures (timeouts, contention) are retried with
	// backoff, a bounded number of times.
	ClassTransient Classification = iota
	// ClassItem failures exhaust their retries, are recorded and counted
	// against the error budget, but do not abort the run by themselves.
	ClassItem
	// ClassRunFatal failures abort the run: budget exhaustion, checkpoint
	// write failure, change log flush failure, lock loss.
	ClassRunFatal
	// ClassIntegrity failures are verify-phase mismatches: reported, never
	// auto-corrected.
	ClassIntegrity
)

func (c Classification) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassItem:
		return "item-level"
	case ClassRunFatal:
		return "run-fatal"
	case ClassIntegrity:
		return "integrity"
	}
	return "unknown"
}

// ClassifiedError carries a failure with enough context to appear in the
// failure report: the item, the operation, and the underlying cause.
type ClassifiedError struct {
	Class Classification
	Op    string
	Key   string
	Err   error
}

func (e *ClassifiedError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s: %s %s: %v", e.Class, e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Class, e.Op, e.Err)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Fatal wraps an error as run-fatal
func Fatal(op string, err error) *ClassifiedError {
	return &ClassifiedError{Class: ClassRunFatal, Op: op, Err: err}
}

// ClassOf extracts the classification, defaulting to item-level
func ClassOf(err error) Classification {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	if isTransient(err) {
		return ClassTransient
	}
	return ClassItem
}

// isTransient decides whether an error is worth retrying
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, storage.ErrNotFound) {
		return false
	}
	if state.IsBusy(err) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "temporary") ||
		strings.Contains(errStr, "network") ||
		strings.Contains(errStr, "dns") ||
		strings.Contains(errStr, "internal server error") ||
		strings.Contains(errStr, "bad gateway") ||
		strings.Contains(errStr, "service unavailable") ||
		strings.Contains(errStr, "gateway timeout") ||
		strings.Contains(errStr, "slow down")
}
