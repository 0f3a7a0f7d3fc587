package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	lockTTL        = 30 * time.Second
	maxWaitBackoff = 500 * time.Millisecond
)

var (
	releaseLock = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		end
		return 0
	`)
	extendLock = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		end
		return 0
	`)
)

// RedisStore is a Store shared between processes. Keys live under a
// namespace so Clear and ItemCount only touch this store's entries. A miss
// takes a SET NX lock so one process fetches while the others wait for the
// result.
type RedisStore[T any] struct {
	client    redis.UniversalClient
	namespace string
}

// NewRedisStore creates a RedisStore.
//
// Example:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	store := NewRedisStore[discovery.Announcement](client, "linenet")
func NewRedisStore[T any](client redis.UniversalClient, namespace string) *RedisStore[T] {
	return &RedisStore[T]{client: client, namespace: namespace}
}

func (s *RedisStore[T]) key(k string) string {
	if s.namespace == "" {
		return k
	}

	return s.namespace + ":" + k
}

func (s *RedisStore[T]) GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetchFn FetchFunc[T]) (T, error) {
	var zero T
	full := s.key(key)

	v, found, err := s.get(ctx, full)
	if err != nil || found {
		return v, err
	}

	lockKey := full + ":lock"
	token := uuid.NewString()

	acquired, err := s.client.SetNX(ctx, lockKey, token, lockTTL).Result()
	if err != nil {
		return zero, fmt.Errorf("acquire lock: %w", err)
	}

	if !acquired {
		return s.waitFor(ctx, full, lockKey)
	}

	defer releaseLock.Run(context.Background(), s.client, []string{lockKey}, token)

	extendCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.keepLock(extendCtx, lockKey, token)

	v, err = fetchFn(ctx)
	if err != nil {
		return zero, err
	}

	data, err := json.Marshal(v)
	if err != nil {
		return zero, fmt.Errorf("marshal value: %w", err)
	}

	if err := s.client.Set(context.Background(), full, data, ttl).Err(); err != nil {
		return zero, fmt.Errorf("store value: %w", err)
	}

	return v, nil
}

func (s *RedisStore[T]) get(ctx context.Context, full string) (T, bool, error) {
	var v T

	raw, err := s.client.Get(ctx, full).Bytes()
	if errors.Is(err, redis.Nil) {
		return v, false, nil
	}
	if err != nil {
		return v, false, fmt.Errorf("redis get: %w", err)
	}

	if err := json.Unmarshal(raw, &v); err != nil {
		return v, false, fmt.Errorf("unmarshal cached value: %w", err)
	}

	return v, true, nil
}

func (s *RedisStore[T]) keepLock(ctx context.Context, lockKey, token string) {
	ticker := time.NewTicker(lockTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			extendLock.Run(ctx, s.client, []string{lockKey}, token, lockTTL.Milliseconds())
		}
	}
}

// waitFor polls with exponential backoff until the lock holder stores the
// value or gives up.
func (s *RedisStore[T]) waitFor(ctx context.Context, full, lockKey string) (T, error) {
	var zero T

	backoff := 10 * time.Millisecond
	deadline := time.Now().Add(lockTTL)

	for time.Now().Before(deadline) {
		v, found, err := s.get(ctx, full)
		if err != nil || found {
			return v, err
		}

		exists, err := s.client.Exists(ctx, lockKey).Result()
		if err != nil {
			return zero, fmt.Errorf("check lock: %w", err)
		}

		if exists == 0 {
			v, found, err := s.get(ctx, full)
			if err != nil || found {
				return v, err
			}

			return zero, errors.New("concurrent fetch failed")
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(2*backoff, maxWaitBackoff)
	}

	return zero, errors.New("timeout waiting for concurrent fetch")
}

func (s *RedisStore[T]) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("delete key: %w", err)
	}

	return nil
}

func (s *RedisStore[T]) Clear(ctx context.Context) error {
	_, err := s.DeleteByPrefix(ctx, "")
	return err
}

func (s *RedisStore[T]) ItemCount(ctx context.Context) (int, error) {
	keys, err := s.scan(ctx, "")
	if err != nil {
		return 0, err
	}

	return len(keys), nil
}

func (s *RedisStore[T]) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	keys, err := s.scan(ctx, prefix)
	if err != nil || len(keys) == 0 {
		return 0, err
	}

	deleted, err := s.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("delete keys: %w", err)
	}

	return int(deleted), nil
}

func (s *RedisStore[T]) scan(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	iter := s.client.Scan(ctx, 0, s.key(prefix)+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}

	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan keys: %w", err)
	}

	return keys, nil
}
