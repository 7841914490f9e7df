package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryProvider is an in-memory Provider used by tests and dry-run
// simulations. Objects are keyed by bucket/key.
type MemoryProvider struct {
	mu      sync.RWMutex
	objects map[string][]byte
	infos   map[string]ObjectInfo

	// FailWrites, when set, makes every Write return an error. Tests use it
	// to drive items into the retry and error-budget paths.
	FailWrites func(bucket, key string) error

	// ListErr, when set, is emitted after the listed objects, the way a
	// provider surfaces a listing interrupted mid-stream.
	ListErr error
}

// NewMemoryProvider creates an empty in-memory provider
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		objects: make(map[string][]byte),
		infos:   make(map[string]ObjectInfo),
	}
}

func objKey(bucket, key string) string {
	return bucket + "/" + key
}

// Seed inserts an object without going through Write
func (p *MemoryProvider) Seed(bucket, key string, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.put(bucket, key, data, PutOptions{})
}

func (p *MemoryProvider) put(bucket, key string, data []byte, opts PutOptions) {
	sum := md5.Sum(data)
	p.objects[objKey(bucket, key)] = data
	p.infos[objKey(bucket, key)] = ObjectInfo{
		Key:          key,
		Size:         int64(len(data)),
		ETag:         hex.EncodeToString(sum[:]),
		LastModified: time.Now(),
		ContentType:  opts.ContentType,
		Metadata:     opts.Metadata,
	}
}

func (p *MemoryProvider) Read(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectInfo, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	data, ok := p.objects[objKey(bucket, key)]
	if !ok {
		return nil, ObjectInfo{}, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), p.infos[objKey(bucket, key)], nil
}

func (p *MemoryProvider) Write(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts PutOptions) error {
	if p.FailWrites != nil {
		if err := p.FailWrites(bucket, key); err != nil {
			return err
		}
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("failed to read object body: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.put(bucket, key, data, opts)
	return nil
}

func (p *MemoryProvider) Delete(ctx context.Context, bucket, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.objects, objKey(bucket, key))
	delete(p.infos, objKey(bucket, key))
	return nil
}

func (p *MemoryProvider) Exists(ctx context.Context, bucket, key string) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.objects[objKey(bucket, key)]
	return ok, nil
}

func (p *MemoryProvider) Stat(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	info, ok := p.infos[objKey(bucket, key)]
	if !ok {
		return ObjectInfo{}, ErrNotFound
	}
	return info, nil
}

func (p *MemoryProvider) List(ctx context.Context, bucket, prefix string) (<-chan ObjectInfo, <-chan error) {
	objCh := make(chan ObjectInfo)
	errCh := make(chan error, 1)

	p.mu.RLock()
	var keys []string
	for k := range p.objects {
		if strings.HasPrefix(k, bucket+"/"+prefix) {
			keys = append(keys, k)
		}
	}
	infos := make([]ObjectInfo, 0, len(keys))
	sort.Strings(keys)
	for _, k := range keys {
		infos = append(infos, p.infos[k])
	}
	p.mu.RUnlock()

	go func() {
		defer close(objCh)
		defer close(errCh)

		for _, info := range infos {
			select {
			case objCh <- info:
			case <-ctx.Done():
				return
			}
		}
		if p.ListErr != nil {
			errCh <- p.ListErr
		}
	}()

	return objCh, errCh
}

// Keys returns all object keys in a bucket, sorted
func (p *MemoryProvider) Keys(bucket string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var keys []string
	for k := range p.objects {
		if strings.HasPrefix(k, bucket+"/") {
			keys = append(keys, strings.TrimPrefix(k, bucket+"/"))
		}
	}
	sort.Strings(keys)
	return keys
}
