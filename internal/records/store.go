package records

import (
	"context"
	"errors"
)

// ErrNotFound is returned when the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Record kinds as stored by the content-management system.
const (
	KindAsset   = "asset"   // primary, user-facing content
	KindDerived = "derived" // transform artifacts (renditions, thumbnails)
)

// Record is one content record: a file path plus its metadata fields.
// The migration engine treats fields as opaque beyond the path and kind.
type Record struct {
	ID     string
	Path   string
	Kind   string
	Fields map[string]string
}

// Filter narrows a Query. Zero values match everything.
type Filter struct {
	Kind       string
	PathPrefix string
}

// Store is the record-store collaborator: an opaque, updatable record
// collection owned by the content-management system.
type Store interface {
	Get(ctx context.Context, id string) (*Record, error)
	Update(ctx context.Context, id string, fields map[string]string) error
	Query(ctx context.Context, filter Filter) ([]*Record, error)

	// GetSetting and SetSetting expose the system-wide settings the engine
	// flips when switching the active filesystem backend.
	GetSetting(ctx context.Context, name string) (string, error)
	SetSetting(ctx context.Context, name, value string) error

	Close() error
}
