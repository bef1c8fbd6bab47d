package blob

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
)

// Memory is an in-process Store for local runs and tests.
type Memory struct {
	bucket  string
	mu      sync.RWMutex
	objects map[string]Object
	writes  atomic.Int64
}

func NewMemory(bucket string) *Memory {
	return &Memory{
		bucket:  bucket,
		objects: make(map[string]Object),
	}
}

func (m *Memory) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.objects[key] = Object{Data: append([]byte(nil), data...), ContentType: contentType}
	m.mu.Unlock()
	m.writes.Add(1)
	return nil
}

func (m *Memory) Get(ctx context.Context, key string) (Object, error) {
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}
	m.mu.RLock()
	obj, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return Object{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return Object{Data: append([]byte(nil), obj.Data...), ContentType: obj.ContentType}, nil
}

func (m *Memory) Locate(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.RLock()
	_, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	u := url.URL{Scheme: "memory", Host: m.bucket, Path: "/" + key}
	return u.String(), nil
}

// Writes counts successful Put calls.
func (m *Memory) Writes() int64 {
	return m.writes.Load()
}

func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
