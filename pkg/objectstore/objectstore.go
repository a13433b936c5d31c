// Package objectstore moves opaque document blobs in and out of storage by
// path. It holds no business rules.
package objectstore

import (
	"context"
	"errors"
	"strings"
	"sync"
)

var ErrNotFound = errors.New("object not found")

type Store interface {
	Put(ctx context.Context, path string, data []byte) error
	Get(ctx context.Context, path string) ([]byte, error)
}

// CleanPath normalizes a storage key: forward slashes, no leading slash.
func CleanPath(p string) string {
	p = strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")
	return strings.TrimLeft(p, "/")
}

// Memory is a process-local Store for tests and single-node development.
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{objects: map[string][]byte{}}
}

func (m *Memory) Put(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cp := append([]byte(nil), data...)
	m.mu.Lock()
	m.objects[CleanPath(path)] = cp
	m.mu.Unlock()
	return nil
}

func (m *Memory) Get(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	data, ok := m.objects[CleanPath(path)]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

var _ Store = (*Memory)(nil)
