// Package changelog provides the append-only, strictly ordered ledger of
// every mutation a migration run performs. It is the input to rollback: each
// entry's payload carries enough information to invert the operation. The
// log is load-bearing, never best-effort; a failed flush fails the owning
// operation.
package changelog

import (
	"encoding/json"
	"time"
)

// EntryType tags the kind of mutation an entry records
type EntryType string

const (
	EntryFileMoved          EntryType = "file-moved"
	EntryFileDeleted        EntryType = "file-deleted"
	EntryRecordUpdated      EntryType = "record-updated"
	EntryFilesystemSwitched EntryType = "filesystem-switched"
)

// Entry is one immutable record of a mutation. Sequence numbers are
// globally unique and strictly increasing, surviving process restarts.
type Entry struct {
	Seq       int64
	RunID     string
	Type      EntryType
	Payload   json.RawMessage
	CreatedAt time.Time
}

// FileMoved records a content copy from source to destination storage.
// Inverse: remove the destination object.
type FileMoved struct {
	SourceBucket string `json:"source_bucket"`
	SourceKey    string `json:"source_key"`
	DestBucket   string `json:"dest_bucket"`
	DestKey      string `json:"dest_key"`
	Size         int64  `json:"size"`
	ETag         string `json:"etag"`
}

// FileDeleted records a source-side removal. The object is copied to a
// backup key before deletion so the inverse can restore it.
type FileDeleted struct {
	Bucket    string `json:"bucket"`
	Key       string `json:"key"`
	BackupKey string `json:"backup_key"`
	Size      int64  `json:"size"`
}

// RecordUpdated records a record-store field change.
// Inverse: write the previous values back.
type RecordUpdated struct {
	RecordID string            `json:"record_id"`
	Previous map[string]string `json:"previous"`
	Updated  map[string]string `json:"updated"`
}

// FilesystemSwitched records the flip of the active storage backend
// setting. Inverse: flip it back.
type FilesystemSwitched struct {
	Setting  string `json:"setting"`
	Previous string `json:"previous"`
	Next     string `json:"next"`
}

// Decode unmarshals the entry payload into out
func (e *Entry) Decode(out any) error {
	return json.Unmarshal(e.Payload, out)
}
