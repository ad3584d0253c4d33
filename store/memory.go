package store

import "sync"

// MemoryStore keeps values in memory. It is safe for concurrent use.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string][]byte)}
}

// Get returns a copy of the stored value.
func (m *MemoryStore) Get(key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Set stores a copy of value.
func (m *MemoryStore) Set(key string, value []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	v := make([]byte, len(value))
	copy(v, value)

	m.mu.Lock()
	m.values[key] = v
	m.mu.Unlock()
	return nil
}

// Len returns the number of stored keys.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.values)
}
