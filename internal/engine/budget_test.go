package engine

import (
	"errors"
	"fmt"
	"testing"

	"assetshift/internal/storage"

	"github.com/stretchr/testify/assert"
)

func TestBudgetConsecutiveFailures(t *testing.T) {
	b := NewBudget(3, 0.5, 100)

	b.RecordFailure()
	b.RecordFailure()
	exceeded, _ := b.Exceeded()
	assert.False(t, exceeded)

	// A success resets the consecutive count.
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	exceeded, _ = b.Exceeded()
	assert.False(t, exceeded)

	b.RecordFailure()
	exceeded, reason := b.Exceeded()
	assert.True(t, exceeded)
	assert.Contains(t, reason, "consecutive")
}

func TestBudgetFailureRatio(t *testing.T) {
	b := NewBudget(100, 0.2, 10)

	// Under the minimum sample the ratio is not evaluated.
	for i := 0; i < 4; i++ {
		b.RecordFailure()
		b.RecordSuccess()
	}
	exceeded, _ := b.Exceeded()
	assert.False(t, exceeded, "ratio must not trip below the minimum sample")

	b.RecordFailure()
	b.RecordSuccess()
	exceeded, reason := b.Exceeded()
	assert.True(t, exceeded)
	assert.Contains(t, reason, "ratio")
}

func TestBudgetRestore(t *testing.T) {
	b := NewBudget(100, 0.2, 10)
	b.Restore(100, 30)

	exceeded, reason := b.Exceeded()
	assert.True(t, exceeded)
	assert.Contains(t, reason, "ratio")
}

func TestClassOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Classification
	}{
		{name: "timeout is transient", err: errors.New("request timeout"), want: ClassTransient},
		{name: "connection refused is transient", err: errors.New("connection refused"), want: ClassTransient},
		{name: "not found is item level", err: fmt.Errorf("read: %w", storage.ErrNotFound), want: ClassItem},
		{name: "plain error is item level", err: errors.New("access denied"), want: ClassItem},
		{name: "explicit fatal", err: Fatal("checkpoint save", errors.New("disk full")), want: ClassRunFatal},
		{
			name: "wrapped classified error",
			err:  fmt.Errorf("outer: %w", &ClassifiedError{Class: ClassIntegrity, Op: "verify", Err: errors.New("etag mismatch")}),
			want: ClassIntegrity,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassOf(tt.err))
		})
	}
}
