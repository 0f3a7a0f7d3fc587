package resolver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// MemoryStore is a process-local Store backed by go-cache. Concurrent misses
// on one key run a single fetch through singleflight.
type MemoryStore[T any] struct {
	cache *cache.Cache
	group singleflight.Group
}

// NewMemoryStore creates a MemoryStore.
//
// Parameters:
//   - defaultExpiration: TTL used when GetOrFetch is given a zero ttl
//   - cleanupInterval: How often expired entries are purged
//
// Returns:
//   - A new *MemoryStore
func NewMemoryStore[T any](defaultExpiration, cleanupInterval time.Duration) *MemoryStore[T] {
	return &MemoryStore[T]{
		cache: cache.New(defaultExpiration, cleanupInterval),
	}
}

func (s *MemoryStore[T]) GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetchFn FetchFunc[T]) (T, error) {
	var zero T

	if v, ok := s.lookup(key); ok {
		return v, nil
	}

	val, err, _ := s.group.Do(key, func() (any, error) {
		// another caller may have filled the entry while we waited
		if v, ok := s.lookup(key); ok {
			return v, nil
		}

		v, err := fetchFn(ctx)
		if err != nil {
			return zero, err
		}

		if ttl == 0 {
			ttl = cache.DefaultExpiration
		}
		s.cache.Set(key, v, ttl)

		return v, nil
	})
	if err != nil {
		return zero, err
	}

	v, ok := val.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected type in store for key %s", key)
	}

	return v, nil
}

func (s *MemoryStore[T]) lookup(key string) (T, bool) {
	if val, found := s.cache.Get(key); found {
		if v, ok := val.(T); ok {
			return v, true
		}
	}

	var zero T
	return zero, false
}

func (s *MemoryStore[T]) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.cache.Delete(key)
	return nil
}

func (s *MemoryStore[T]) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.cache.Flush()
	return nil
}

func (s *MemoryStore[T]) ItemCount(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	return s.cache.ItemCount(), nil
}

func (s *MemoryStore[T]) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	deleted := 0
	for key := range s.cache.Items() {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}

		if strings.HasPrefix(key, prefix) {
			s.cache.Delete(key)
			deleted++
		}
	}

	return deleted, nil
}
