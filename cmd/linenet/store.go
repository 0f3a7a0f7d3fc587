package main

import (
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cyberinferno/go-linenet/config"
	"github.com/cyberinferno/go-linenet/discovery"
	"github.com/cyberinferno/go-linenet/resolver"
)

// newResolver builds a Resolver over the configured cache backend. The
// returned function releases the backend.
func newResolver(c *config.Config, b *discovery.Broadcaster) (*resolver.Resolver, func() error) {
	if c.Cache.Backend == "redis" {
		client := redis.NewClient(&redis.Options{Addr: c.Cache.RedisAddr})
		store := resolver.NewRedisStore[discovery.Announcement](client, c.Cache.Namespace)
		return resolver.New(store, b.Lookup, c.Cache.TTL, log), client.Close
	}

	store := resolver.NewMemoryStore[discovery.Announcement](c.Cache.TTL, time.Minute)
	return resolver.New(store, b.Lookup, c.Cache.TTL, log), func() error { return nil }
}
