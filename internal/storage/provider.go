package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned when the requested object does not exist.
var ErrNotFound = errors.New("object not found")

// Provider defines the uniform contract for S3-compatible object storage.
// Source and destination backends are both accessed through it.
type Provider interface {
	Read(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectInfo, error)
	Write(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts PutOptions) error
	Delete(ctx context.Context, bucket, key string) error
	Exists(ctx context.Context, bucket, key string) (bool, error)
	Stat(ctx context.Context, bucket, key string) (ObjectInfo, error)
	List(ctx context.Context, bucket, prefix string) (<-chan ObjectInfo, <-chan error)
}

// ObjectInfo contains object metadata
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
	ContentType  string
	Metadata     map[string]string
}

// PutOptions contains options for write operations
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// Config contains provider configuration
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Secure    bool
}
