package resolver

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/go-linenet/discovery"
)

func TestMemoryStore_GetOrFetch(t *testing.T) {
	ctx := context.Background()

	t.Run("miss then hit", func(t *testing.T) {
		s := NewMemoryStore[string](cache.NoExpiration, time.Minute)
		fetches := 0
		fetch := func(ctx context.Context) (string, error) {
			fetches++
			return "value", nil
		}

		v, err := s.GetOrFetch(ctx, "key", time.Minute, fetch)
		require.NoError(t, err)
		assert.Equal(t, "value", v)

		v, err = s.GetOrFetch(ctx, "key", time.Minute, fetch)
		require.NoError(t, err)
		assert.Equal(t, "value", v)
		assert.Equal(t, 1, fetches)
	})

	t.Run("errors are not cached", func(t *testing.T) {
		s := NewMemoryStore[string](cache.NoExpiration, time.Minute)
		_, err := s.GetOrFetch(ctx, "key", time.Minute, func(ctx context.Context) (string, error) {
			return "", assert.AnError
		})
		assert.ErrorIs(t, err, assert.AnError)

		v, err := s.GetOrFetch(ctx, "key", time.Minute, func(ctx context.Context) (string, error) {
			return "new", nil
		})
		require.NoError(t, err)
		assert.Equal(t, "new", v)
	})

	t.Run("expired entries are fetched again", func(t *testing.T) {
		s := NewMemoryStore[string](cache.NoExpiration, time.Minute)
		fetches := 0
		fetch := func(ctx context.Context) (string, error) {
			fetches++
			return "v", nil
		}

		_, _ = s.GetOrFetch(ctx, "key", 10*time.Millisecond, fetch)
		time.Sleep(20 * time.Millisecond)
		_, _ = s.GetOrFetch(ctx, "key", 10*time.Millisecond, fetch)
		assert.Equal(t, 2, fetches)
	})

	t.Run("concurrent misses fetch once", func(t *testing.T) {
		s := NewMemoryStore[string](cache.NoExpiration, time.Minute)
		var fetches atomic.Int32
		fetch := func(ctx context.Context) (string, error) {
			fetches.Add(1)
			time.Sleep(20 * time.Millisecond)
			return "shared", nil
		}

		const n = 10
		var wg sync.WaitGroup
		results := make([]string, n)
		wg.Add(n)
		for i := range n {
			go func() {
				defer wg.Done()
				results[i], _ = s.GetOrFetch(ctx, "same", time.Minute, fetch)
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), fetches.Load())
		for _, r := range results {
			assert.Equal(t, "shared", r)
		}
	})
}

func TestMemoryStore_Maintenance(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore[string](cache.NoExpiration, time.Minute)
	fetch := func(ctx context.Context) (string, error) { return "v", nil }

	for _, k := range []string{"user:1", "user:2", "order:1"} {
		_, err := s.GetOrFetch(ctx, k, time.Minute, fetch)
		require.NoError(t, err)
	}

	n, err := s.DeleteByPrefix(ctx, "user:")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	count, err := s.ItemCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, s.Delete(ctx, "order:1"))
	require.NoError(t, s.Delete(ctx, "missing"))
	count, _ = s.ItemCount(ctx)
	assert.Zero(t, count)

	_, _ = s.GetOrFetch(ctx, "again", time.Minute, fetch)
	require.NoError(t, s.Clear(ctx))
	count, _ = s.ItemCount(ctx)
	assert.Zero(t, count)

	t.Run("cancelled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		assert.ErrorIs(t, s.Delete(cctx, "k"), context.Canceled)
		assert.ErrorIs(t, s.Clear(cctx), context.Canceled)
		_, err := s.ItemCount(cctx)
		assert.ErrorIs(t, err, context.Canceled)
		_, err = s.DeleteByPrefix(cctx, "")
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestRedisStore_UnreachableServer(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	s := NewRedisStore[string](client, "test")
	assert.Equal(t, "test:k", s.key("k"))

	fetched := false
	_, err := s.GetOrFetch(context.Background(), "k", time.Minute, func(ctx context.Context) (string, error) {
		fetched = true
		return "v", nil
	})
	assert.Error(t, err)
	assert.False(t, fetched, "no fetch without the lock")
}

func announcementText(t *testing.T, name, address string) string {
	t.Helper()
	text, err := discovery.NewAnnouncement(name, address).Encode()
	require.NoError(t, err)
	return text
}

func TestResolver_Resolve(t *testing.T) {
	ctx := context.Background()
	reply := announcementText(t, "arena", "10.0.0.5:9901")

	var probes atomic.Int32
	lookup := func(ctx context.Context, port uint16, payload string) (string, error) {
		probes.Add(1)
		assert.Equal(t, discovery.ProbeMessage, payload)
		return reply, nil
	}

	r := New(NewMemoryStore[discovery.Announcement](cache.NoExpiration, time.Minute), lookup, time.Minute, nil)

	a, err := r.Resolve(ctx, 9902)
	require.NoError(t, err)
	assert.Equal(t, "arena", a.Name)
	assert.Equal(t, "10.0.0.5:9901", a.Address)

	_, err = r.Resolve(ctx, 9902)
	require.NoError(t, err)
	assert.Equal(t, int32(1), probes.Load(), "second resolve is served from cache")

	_, err = r.Resolve(ctx, 9903)
	require.NoError(t, err)
	assert.Equal(t, int32(2), probes.Load(), "ports are cached separately")

	require.NoError(t, r.Invalidate(ctx, 9902))
	_, err = r.Resolve(ctx, 9902)
	require.NoError(t, err)
	assert.Equal(t, int32(3), probes.Load())

	n, err := r.InvalidateAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestResolver_Failures(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore[discovery.Announcement](cache.NoExpiration, time.Minute)

	t.Run("lookup error", func(t *testing.T) {
		r := New(store, func(ctx context.Context, port uint16, payload string) (string, error) {
			return "", discovery.ErrTimeout
		}, 0, nil)

		_, err := r.Resolve(ctx, 1)
		assert.ErrorIs(t, err, discovery.ErrTimeout)
	})

	t.Run("garbage reply", func(t *testing.T) {
		r := New(store, func(ctx context.Context, port uint16, payload string) (string, error) {
			return "not an announcement", nil
		}, 0, nil)

		_, err := r.Resolve(ctx, 2)
		assert.Error(t, err)
	})

	count, err := store.ItemCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, count, "failures are never cached")
}

func TestResolver_WithBroadcaster(t *testing.T) {
	reply := announcementText(t, "lan-box", "127.0.0.1:9901")

	var r *discovery.Responder
	r = discovery.NewResponder(discovery.ResponderConfig{Address: "127.0.0.1"}, discovery.ResponderCallbacks{
		OnRequest: func(from net.Addr, text string) { _ = r.Reply(from, reply) },
	}, nil)
	require.NoError(t, r.Start())
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for ctx.Err() == nil {
			if !r.Tick() {
				time.Sleep(time.Millisecond)
			}
		}
	}()

	cfg := discovery.DefaultConfig()
	cfg.BroadcastAddress = "127.0.0.1"
	cfg.ListenAddress = "127.0.0.1"
	cfg.WaitTime = time.Second
	b := discovery.NewBroadcaster(cfg, discovery.Callbacks{}, nil)
	defer b.Shutdown()

	res := New(NewMemoryStore[discovery.Announcement](cache.NoExpiration, time.Minute), b.Lookup, time.Minute, nil)

	port := uint16(r.Addr().(*net.UDPAddr).Port)
	a, err := res.Resolve(ctx, port)
	require.NoError(t, err)
	assert.Equal(t, "lan-box", a.Name)
}
