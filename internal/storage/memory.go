package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
)

// MemoryStorage is an in-process ObjectStore for local development and tests.
type MemoryStorage struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
}

type memoryObject struct {
	data        []byte
	contentType string
}

// NewMemoryStorage returns an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{objects: map[string]memoryObject{}}
}

func memoryKey(bucket, key string) string { return bucket + "/" + key }

// Put stores data directly, bypassing size checks. Handy for seeding.
func (m *MemoryStorage) Put(bucket, key string, data []byte, contentType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[memoryKey(bucket, key)] = memoryObject{data: append([]byte(nil), data...), contentType: contentType}
}

// HeadObject implements ObjectStore.
func (m *MemoryStorage) HeadObject(_ context.Context, bucket, key string) (ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.objects[memoryKey(bucket, key)]
	if !ok {
		return ObjectInfo{}, ErrNotFound
	}
	return ObjectInfo{Size: int64(len(o.data)), ContentType: o.contentType}, nil
}

// GetObjectRange implements ObjectStore. The window is clamped to the object.
func (m *MemoryStorage) GetObjectRange(_ context.Context, bucket, key string, start, end int64) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.objects[memoryKey(bucket, key)]
	if !ok {
		return nil, ErrNotFound
	}
	size := int64(len(o.data))
	if end < 0 || end >= size {
		end = size - 1
	}
	if start < 0 || (size > 0 && start >= size) || end < start-1 {
		return nil, fmt.Errorf("invalid range %d-%d for %d bytes", start, end, size)
	}
	return io.NopCloser(bytes.NewReader(o.data[start : end+1])), nil
}

// Upload implements ObjectStore.
func (m *MemoryStorage) Upload(_ context.Context, bucket, key string, reader io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("read upload %q: %w", key, err)
	}
	if size >= 0 && int64(len(data)) != size {
		return fmt.Errorf("upload %q: got %d bytes, want %d", key, len(data), size)
	}
	m.Put(bucket, key, data, contentType)
	return nil
}

// Delete implements ObjectStore. Deleting a missing object is not an error,
// matching S3 semantics.
func (m *MemoryStorage) Delete(_ context.Context, bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, memoryKey(bucket, key))
	return nil
}
