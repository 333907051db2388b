package session

import (
	"context"
	"sync"
)

// MemoryStore keeps entries in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
	opts    storeOptions
}

func NewMemoryStore(opts ...StoreOption) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]Entry),
		opts:    newStoreOptions(opts),
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return "", false
	}
	if e.expired(m.opts.now()) {
		delete(m.entries, key)
		return "", false
	}
	return e.Value, true
}

func (m *MemoryStore) Set(_ context.Context, key, value string, opts Options) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[key] = newEntry(value, opts, m.opts.now())
	return nil
}

func (m *MemoryStore) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, key)
	return nil
}

// Len reports the number of stored entries, expired ones included.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
