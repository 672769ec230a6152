package storage

import (
	"context"
	"sync"
)

// MemoryStore is the in-process Store used by default and in tests.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]map[string][]byte)}
}

// Save writes or overwrites one value.
func (s *MemoryStore) Save(_ context.Context, namespace, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns, ok := s.data[namespace]
	if !ok {
		ns = make(map[string][]byte)
		s.data[namespace] = ns
	}
	// Copy so the caller cannot mutate stored bytes afterwards.
	stored := make([]byte, len(value))
	copy(stored, value)
	ns[key] = stored
	return nil
}

// Load returns the value for key, or ErrNotFound.
func (s *MemoryStore) Load(_ context.Context, namespace, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.data[namespace][key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

// LoadAll returns every key/value pair in the namespace.
func (s *MemoryStore) LoadAll(_ context.Context, namespace string) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]byte, len(s.data[namespace]))
	for key, value := range s.data[namespace] {
		cp := make([]byte, len(value))
		copy(cp, value)
		out[key] = cp
	}
	return out, nil
}

// Delete removes one key.
func (s *MemoryStore) Delete(_ context.Context, namespace, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data[namespace], key)
	return nil
}

// Keys lists the keys in the namespace.
func (s *MemoryStore) Keys(_ context.Context, namespace string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data[namespace]))
	for key := range s.data[namespace] {
		keys = append(keys, key)
	}
	return keys, nil
}

// Clear removes the whole namespace.
func (s *MemoryStore) Clear(_ context.Context, namespace string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, namespace)
	return nil
}

// Close is a no-op for the in-process store.
func (s *MemoryStore) Close() error { return nil }
