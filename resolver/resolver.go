// Package resolver remembers which server answered discovery on a port, so
// repeated connects skip the broadcast until the entry expires.
package resolver

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cyberinferno/go-linenet/discovery"
	"github.com/cyberinferno/go-linenet/logger"
)

const keyPrefix = "discovery:port:"

// DefaultTTL is how long a discovered announcement is trusted.
const DefaultTTL = 30 * time.Second

// LookupFunc performs one discovery round trip. discovery.Broadcaster.Lookup
// satisfies it.
type LookupFunc func(ctx context.Context, port uint16, payload string) (string, error)

// Resolver turns a discovery port into the announcement of the server
// listening on it.
type Resolver struct {
	store  Store[discovery.Announcement]
	lookup LookupFunc
	ttl    time.Duration
	log    logger.Logger
}

// New creates a Resolver.
//
// Parameters:
//   - store: Where announcements are cached
//   - lookup: Performs discovery on a miss
//   - ttl: Cache lifetime; 0 uses DefaultTTL
//   - log: Logger; nil disables logging
func New(store Store[discovery.Announcement], lookup LookupFunc, ttl time.Duration, log logger.Logger) *Resolver {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &Resolver{
		store:  store,
		lookup: lookup,
		ttl:    ttl,
		log:    logger.OrNop(log).With(logger.Field{Key: "component", Value: "resolver"}),
	}
}

// Resolve returns the cached announcement for port, or probes the network.
// Concurrent calls for the same port share one probe. Failed probes and
// undecodable replies are not cached.
func (r *Resolver) Resolve(ctx context.Context, port uint16) (discovery.Announcement, error) {
	return r.store.GetOrFetch(ctx, key(port), r.ttl, func(ctx context.Context) (discovery.Announcement, error) {
		r.log.Debug("cache miss, probing", logger.Field{Key: "port", Value: port})

		text, err := r.lookup(ctx, port, discovery.ProbeMessage)
		if err != nil {
			return discovery.Announcement{}, fmt.Errorf("discover on port %d: %w", port, err)
		}

		a, err := discovery.DecodeAnnouncement(text)
		if err != nil {
			return discovery.Announcement{}, err
		}

		r.log.Info("server discovered",
			logger.Field{Key: "port", Value: port},
			logger.Field{Key: "name", Value: a.Name},
			logger.Field{Key: "address", Value: a.Address},
		)
		return a, nil
	})
}

// Invalidate drops the cached entry for port, for example after a connect
// to the resolved address failed.
func (r *Resolver) Invalidate(ctx context.Context, port uint16) error {
	return r.store.Delete(ctx, key(port))
}

// InvalidateAll drops every cached announcement.
//
// Returns:
//   - The number of entries removed
func (r *Resolver) InvalidateAll(ctx context.Context) (int, error) {
	return r.store.DeleteByPrefix(ctx, keyPrefix)
}

func key(port uint16) string {
	return keyPrefix + strconv.Itoa(int(port))
}
