// Package ristretto implements memory.KV on an in-process ristretto cache.
package ristretto

import (
	"context"
	"fmt"
	"sync"
	"time"

	ristretto "github.com/dgraph-io/ristretto"

	"github.com/becomeliminal/duckpond/memory"
)

// entry is an immutable snapshot of one set; updates replace it.
type entry struct {
	ids memory.IDSet
}

// Store is a ristretto-backed set store. Each set costs one unit, so
// MaxSets bounds the number of live sessions held.
type Store struct {
	cache *ristretto.Cache
	mu    sync.Mutex // serializes read-modify-write of sets
}

// Config holds Store configuration.
type Config struct {
	// MaxSets is the number of sets kept before eviction.
	// Default: 100000
	MaxSets int64
}

// New creates a new Store.
func New(cfg Config) (*Store, error) {
	if cfg.MaxSets <= 0 {
		cfg.MaxSets = 100_000
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        cfg.MaxSets * 10,
		MaxCost:            cfg.MaxSets,
		BufferItems:        64,
		// Cost is counted in sets, not bytes.
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create ristretto cache: %w", err)
	}
	return &Store{cache: cache}, nil
}

// SetMembers implements memory.KV.
func (s *Store) SetMembers(ctx context.Context, key string) ([]int64, error) {
	e, ok := s.get(key)
	if !ok {
		return nil, nil
	}
	ids := make([]int64, 0, len(e.ids))
	for id := range e.ids {
		ids = append(ids, id)
	}
	return ids, nil
}

// AddSetMembers implements memory.KV. The set keeps its remaining TTL.
func (s *Store) AddSetMembers(ctx context.Context, key string, ids ...int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := entry{ids: memory.IDSet{}}
	var ttl time.Duration
	if e, ok := s.get(key); ok {
		next.ids = e.ids.Clone()
		if remaining, ok := s.cache.GetTTL(key); ok {
			ttl = remaining
		}
	}
	next.ids.Add(ids...)
	return s.set(key, next, ttl)
}

// Expire implements memory.KV.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.get(key)
	if !ok {
		return nil
	}
	return s.set(key, e, ttl)
}

// Close stops the cache's background goroutines.
func (s *Store) Close() error {
	s.cache.Close()
	return nil
}

func (s *Store) get(key string) (entry, bool) {
	v, ok := s.cache.Get(key)
	if !ok {
		return entry{}, false
	}
	e, ok := v.(entry)
	return e, ok
}

// set writes e and waits for the write buffer to drain so the next read
// observes it.
func (s *Store) set(key string, e entry, ttl time.Duration) error {
	if !s.cache.SetWithTTL(key, e, 1, ttl) {
		return fmt.Errorf("ristretto: set %q dropped", key)
	}
	s.cache.Wait()
	return nil
}
