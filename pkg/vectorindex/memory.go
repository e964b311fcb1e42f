package vectorindex

import (
	"context"
	"sort"
	"sync"
)

// Memory is an in-process index. It is the default backend when no index
// URL is configured, and doubles as the test fake.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemory creates an empty in-memory index.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]Entry)}
}

// List returns all entries ordered by document id.
func (m *Memory) List(ctx context.Context) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DocumentID < out[j].DocumentID })
	return out, nil
}

// Upsert records a document as indexed.
func (m *Memory) Upsert(ctx context.Context, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[entry.DocumentID] = entry
	return nil
}

// Remove deletes a document. Absent documents are a no-op.
func (m *Memory) Remove(ctx context.Context, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, documentID)
	return nil
}

// Healthy always succeeds for the in-memory index.
func (m *Memory) Healthy(ctx context.Context) error {
	return nil
}

// Len returns the number of indexed documents.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
