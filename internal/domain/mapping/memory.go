package mapping

import (
	"context"
	"fmt"
	"sync"
	"time"

	"erpsync/internal/shared"
)

// MemoryStore is an in-process Store. It is used by the one-off CLI sync and
// in tests.
type MemoryStore struct {
	mu  sync.RWMutex
	m   map[Key]Mapping
	now func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{m: make(map[Key]Mapping), now: time.Now}
}

func (s *MemoryStore) Get(ctx context.Context, key Key) (Mapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.m[key]
	if !ok {
		return Mapping{}, fmt.Errorf("mapping %s: %w", key, shared.ErrNotFound)
	}
	return m, nil
}

func (s *MemoryStore) Put(ctx context.Context, m Mapping) (Mapping, error) {
	if err := m.Validate(); err != nil {
		return Mapping{}, err
	}
	m.UpdatedAt = s.now().UTC()
	s.mu.Lock()
	s.m[m.Key()] = m
	s.mu.Unlock()
	return m, nil
}

func (s *MemoryStore) Delete(ctx context.Context, key Key) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.m[key]
	delete(s.m, key)
	return ok, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

// Len returns the number of stored mappings.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}
