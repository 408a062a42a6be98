// Package testutil provides shared mock implementations of domain interfaces
// for use in tests across the codebase. This follows the Go convention of a
// shared test utility package (like net/http/httptest).
package testutil

import (
	"context"
	"errors"
	"sync"

	"aegis-audit/internal/domain"
)

// === Chain repository fault injection ===

// FlakyChainRepo wraps a real ChainRepository and aborts the first Failures
// appends with a lock-contention error, simulating serialized-transaction
// aborts without a second writer process.
type FlakyChainRepo struct {
	domain.ChainRepository

	// Failures is how many leading Append calls fail. Err overrides the
	// default "database is locked" error.
	Failures int
	Err      error

	mu    sync.Mutex
	calls int
}

// Append fails until Failures calls have been rejected, then delegates.
func (f *FlakyChainRepo) Append(ctx context.Context, req domain.AppendRequest) (*domain.ChainEntry, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.Failures
	f.mu.Unlock()
	if fail {
		if f.Err != nil {
			return nil, f.Err
		}
		return nil, errors.New("database is locked")
	}
	return f.ChainRepository.Append(ctx, req)
}

// Calls returns how many times Append was invoked.
func (f *FlakyChainRepo) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// === WORM store mock ===

// MockWormStore implements domain.WormStore for testing. Unset function
// fields behave like an empty, always-accepting store.
type MockWormStore struct {
	PutFn  func(ctx context.Context, key string, data []byte) error
	GetFn  func(ctx context.Context, key string) ([]byte, error)
	ListFn func(ctx context.Context, prefix string, limit int32) ([]string, error)

	mu   sync.Mutex
	puts []string // keys passed to Put, for assertions
}

// Put implements the interface method for testing.
func (m *MockWormStore) Put(ctx context.Context, key string, data []byte) error {
	if m.PutFn != nil {
		if err := m.PutFn(ctx, key, data); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.puts = append(m.puts, key)
	m.mu.Unlock()
	return nil
}

// Get implements the interface method for testing.
func (m *MockWormStore) Get(ctx context.Context, key string) ([]byte, error) {
	if m.GetFn != nil {
		return m.GetFn(ctx, key)
	}
	return nil, domain.ErrNotFound("worm object %q not found", key)
}

// List implements the interface method for testing.
func (m *MockWormStore) List(ctx context.Context, prefix string, limit int32) ([]string, error) {
	if m.ListFn != nil {
		return m.ListFn(ctx, prefix, limit)
	}
	return nil, nil
}

// PutKeys returns the keys written so far.
func (m *MockWormStore) PutKeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.puts))
	copy(out, m.puts)
	return out
}
