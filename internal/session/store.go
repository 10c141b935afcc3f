package session

import (
	"context"
	"sync"
)

// Store is the shared session cache. Implementations never check expiry;
// Manager.EnsureValid decides staleness and deletes stale entries.
type Store interface {
	// Get returns the record for key, or nil, nil if there is none.
	Get(ctx context.Context, key string) (*Record, error)
	// Set stores rec under key, overwriting any existing record.
	Set(ctx context.Context, key string, rec *Record) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// MemoryStore is an in-process Store. Share one instance between Managers
// to share sessions between them. Safe for concurrent use.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Get returns a copy of the stored record so callers cannot mutate the cache.
func (s *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[key]
	if !ok {
		return nil, nil //nolint:nilnil // sentinel for "not found"
	}

	return &rec, nil
}

// Set stores a copy of rec.
func (s *MemoryStore) Set(_ context.Context, key string, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[key] = *rec

	return nil
}

// Delete removes key.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, key)

	return nil
}

// count returns the number of records, stale ones included.
func (s *MemoryStore) count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.records)
}
