package kv

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]string)}
}

// Get returns the stored value.
func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	if err := ValidateKey("kv/memory.get", key); err != nil {
		return "", false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.data[key]
	return value, ok, nil
}

// Set stores value under key.
func (s *MemoryStore) Set(_ context.Context, key, value string) error {
	if err := ValidateKey("kv/memory.set", key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

// Remove deletes key. Removing an absent key is not an error.
func (s *MemoryStore) Remove(_ context.Context, key string) error {
	if err := ValidateKey("kv/memory.remove", key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}
