package directory

import (
	"context"
	"fmt"
	"time"

	"callnet/internal/core/domain"
	"callnet/internal/core/ports"
	"callnet/pkg/cache"
)

// CachedDirectory wraps a UserDirectory with an in-memory TTL cache. Call
// setup resolves the same handful of users repeatedly (display names,
// inviter lookups), so even a short TTL removes most remote round trips.
type CachedDirectory struct {
	base  ports.UserDirectory
	cache *cache.CacheWithFallback
	ttl   time.Duration
}

func NewCachedDirectory(base ports.UserDirectory, ttl time.Duration) ports.UserDirectory {
	return &CachedDirectory{
		base:  base,
		cache: cache.NewCacheWithFallback(ttl),
		ttl:   ttl,
	}
}

func (d *CachedDirectory) User(ctx context.Context, id domain.UserID) (*domain.User, error) {
	cacheKey := fmt.Sprintf("user:%s", id)

	value, err := d.cache.GetOrSet(ctx, cacheKey, func(ctx context.Context) (interface{}, error) {
		return d.base.User(ctx, id)
	}, d.ttl)
	if err != nil {
		return nil, err
	}
	return value.(*domain.User), nil
}

// Invalidate drops one user from the cache, for profile-change events.
func (d *CachedDirectory) Invalidate(id domain.UserID) {
	d.cache.Invalidate(fmt.Sprintf("user:%s", id))
}
