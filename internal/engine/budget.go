package engine

import "fmt"

// Budget tracks the run's failure thresholds: a consecutive-failure count
// and a cumulative-failure ratio. Crossing either aborts the run; committed
// items stay committed.
type Budget struct {
	maxConsecutive int
	maxRatio       float64
	minSample      int

	consecutive int
	failed      int64
	processed   int64
}

// NewBudget creates an error budget. minSample delays ratio evaluation
// until enough items have been processed for the ratio to mean anything.
func NewBudget(maxConsecutive int, maxRatio float64, minSample int) *Budget {
	return &Budget{
		maxConsecutive: maxConsecutive,
		maxRatio:       maxRatio,
		minSample:      minSample,
	}
}

// RecordSuccess counts a succeeded or skipped item
func (b *Budget) RecordSuccess() {
	b.processed++
	b.consecutive = 0
}

// RecordFailure counts a failed item
func (b *Budget) RecordFailure() {
	b.processed++
	b.failed++
	b.consecutive++
}

// Restore seeds the budget from checkpoint counters on resume. Consecutive
// state does not survive a restart; only the cumulative ratio does.
func (b *Budget) Restore(processed, failed int64) {
	b.processed = processed
	b.failed = failed
}

// Exceeded reports whether either threshold has been crossed
func (b *Budget) Exceeded() (bool, string) {
	if b.consecutive >= b.maxConsecutive {
		return true, fmt.Sprintf("error budget exhausted: %d consecutive failures", b.consecutive)
	}
	if b.processed >= int64(b.minSample) {
		ratio := float64(b.failed) / float64(b.processed)
		if ratio > b.maxRatio {
			return true, fmt.Sprintf("error budget exhausted: failure ratio %.2f over %d items", ratio, b.processed)
		}
	}
	return false, ""
}
