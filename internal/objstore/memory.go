package objstore

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps objects in memory. Used for dry runs and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
	puts    int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

// Put stores a copy of body. An existing key is overwritten.
func (m *MemoryStore) Put(ctx context.Context, key string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return &DeliveryFailure{Key: key, Err: err}
	}
	cp := make([]byte, len(body))
	copy(cp, body)
	m.mu.Lock()
	m.objects[key] = cp
	m.puts++
	m.mu.Unlock()
	return nil
}

// Get returns the stored body for key.
func (m *MemoryStore) Get(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.objects[key]
	return b, ok
}

// Keys returns all stored keys in lexical order.
func (m *MemoryStore) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Puts returns the number of Put calls that succeeded, overwrites included.
func (m *MemoryStore) Puts() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.puts
}
