package checkpoint

import (
	"errors"
	"time"
)

// ErrNotFound is returned when no checkpoint or run exists for the id.
var ErrNotFound = errors.New("not found")

// RunStatus represents the lifecycle state of a migration run
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is final
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// RunMode distinguishes mutating runs from read-only simulations
type RunMode string

const (
	ModeLive   RunMode = "live"
	ModeDryRun RunMode = "dry-run"
)

// Run is one end-to-end migration execution
type Run struct {
	ID              string
	Mode            RunMode
	Phase           string
	Status          RunStatus
	FailureReason   string
	CancelRequested bool
	StartedAt       time.Time
	FinishedAt      *time.Time
}

// Counters holds cumulative per-item outcome counts for a run
type Counters struct {
	Processed int64
	Succeeded int64
	Failed    int64
	Skipped   int64
}

// Checkpoint is the durable resumption state for one run. A reader always
// observes a fully written checkpoint, never a partial one.
type Checkpoint struct {
	RunID       string
	Phase       string
	BatchOffset int64 // items already committed; resume skips them
	Counters    Counters
	RollbackSeq int64 // lowest change-log sequence already reversed (0 = none)
	UpdatedAt   time.Time
}

// ItemStatus represents the outcome recorded for one work item
type ItemStatus string

const (
	ItemCompleted ItemStatus = "completed"
	ItemFailed    ItemStatus = "failed"
	ItemSkipped   ItemStatus = "skipped"
)

// ItemRecord is the per-item outcome row, used for idempotent resume and
// the failure report.
type ItemRecord struct {
	RunID     string
	Key       string
	DestKey   string
	Category  string
	Size      int64
	ETag      string
	Status    ItemStatus
	Attempts  int
	LastError string
	UpdatedAt time.Time
}

// Store persists runs, checkpoints and per-item outcomes
type Store interface {
	// Run management
	CreateRun(run *Run) error
	GetRun(id string) (*Run, error)
	ListRuns() ([]*Run, error)
	SetRunPhase(id, phase string) error
	CompleteRun(id string, status RunStatus, reason string) error
	ReopenRun(id string) error
	RequestCancel(id string) error
	CancelRequested(id string) (bool, error)

	// Checkpoint persistence
	Save(cp *Checkpoint) error
	Load(runID string) (*Checkpoint, error)
	Prune(olderThan time.Time) (int64, error)

	// Per-item outcomes
	SaveItem(rec *ItemRecord) error
	GetItem(runID, key string) (*ItemRecord, error)
	ListItemsByStatus(runID string, status ItemStatus) ([]*ItemRecord, error)

	Close() error
}
