package progress

import (
	"context"
	"sync"
	"time"
)

// MemStore is an in-memory Store for tests. TTLs are honored lazily on
// read.
type MemStore struct {
	mu    sync.Mutex
	items map[string]memItem
}

type memItem struct {
	value   []byte
	expires time.Time
}

// NewMemStore builds an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{items: make(map[string]memItem)}
}

// Set stores a value with the given key and TTL.
func (s *MemStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expires time.Time
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}
	v := make([]byte, len(value))
	copy(v, value)

	s.mu.Lock()
	s.items[key] = memItem{value: v, expires: expires}
	s.mu.Unlock()
	return nil
}

// Get retrieves a value by key.
func (s *MemStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[key]
	if !ok {
		return nil, ErrNotFound
	}
	if !item.expires.IsZero() && time.Now().After(item.expires) {
		delete(s.items, key)
		return nil, ErrNotFound
	}
	out := make([]byte, len(item.value))
	copy(out, item.value)
	return out, nil
}

// Delete removes a key.
func (s *MemStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
	return nil
}

// Close is a no-op.
func (s *MemStore) Close() error {
	return nil
}

var _ Store = (*MemStore)(nil)
