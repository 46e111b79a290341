package dedup

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
)

// MemoryStore is an in-process Store for single-instance deployments.
// Markers are lost on restart.
type MemoryStore struct {
	c *cache.Cache
}

func NewMemory() *MemoryStore {
	return &MemoryStore{c: cache.New(24*time.Hour, 10*time.Minute)}
}

func (s *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	_, ok := s.c.Get(key)
	return ok, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	v, ok := s.c.Get(key)
	if !ok {
		return "", false, nil
	}
	str, _ := v.(string)
	return str, true, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.c.Set(key, value, ttl)
	return nil
}

func (s *MemoryStore) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	// Add fails when a live item exists; the check and insert share one lock.
	if err := s.c.Add(key, "1", ttl); err != nil {
		return false, nil
	}
	return true, nil
}

func (s *MemoryStore) Close() error {
	s.c.Flush()
	return nil
}
