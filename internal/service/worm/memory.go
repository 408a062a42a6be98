package worm

import (
	"context"
	"sort"
	"strings"
	"sync"

	"aegis-audit/internal/domain"
)

var _ domain.WormStore = (*MemoryStore)(nil)

// MemoryStore is an in-process write-once store for tests and S3-less
// deployments. It enforces write-once but cannot enforce retention; only a
// locked bucket can.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

// Put stores the object, refusing to overwrite an existing key.
func (m *MemoryStore) Put(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.objects[key]; exists {
		return domain.ErrConflict("worm object %q already exists", key)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	m.objects[key] = cp
	return nil
}

// Get reads one object back.
func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.objects[key]
	if !ok {
		return nil, domain.ErrNotFound("worm object %q not found", key)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

// List returns up to limit keys under prefix, sorted.
func (m *MemoryStore) List(_ context.Context, prefix string, limit int32) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for key := range m.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	if limit > 0 && int32(len(keys)) > limit {
		keys = keys[:limit]
	}
	return keys, nil
}

// Len reports the number of stored objects.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
