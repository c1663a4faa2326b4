package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// Persistence is the durable key-value area holding the durable subset of
// the tree, one entry per top-level key.
type Persistence interface {
	Load(ctx context.Context) (map[string]json.RawMessage, error)
	Save(ctx context.Context, entries map[string]json.RawMessage) error
	Clear(ctx context.Context) error
}

// MemoryPersistence is an in-memory Persistence.
type MemoryPersistence struct {
	mu      sync.Mutex
	entries map[string]json.RawMessage
	saves   int
}

func NewMemoryPersistence() *MemoryPersistence {
	return &MemoryPersistence{entries: make(map[string]json.RawMessage)}
}

func (m *MemoryPersistence) Load(context.Context) (map[string]json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]json.RawMessage, len(m.entries))
	for k, v := range m.entries {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out, nil
}

// Save replaces the stored entries with entries.
func (m *MemoryPersistence) Save(_ context.Context, entries map[string]json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]json.RawMessage, len(entries))
	for k, v := range entries {
		m.entries[k] = append(json.RawMessage(nil), v...)
	}
	m.saves++
	return nil
}

func (m *MemoryPersistence) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]json.RawMessage)
	return nil
}

// Keys returns the stored keys in sorted order.
func (m *MemoryPersistence) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.entries))
	for k := range m.entries {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (m *MemoryPersistence) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
