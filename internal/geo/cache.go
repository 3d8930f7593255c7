package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/coocood/freecache"
)

const megabyte = 1024 * 1024

// CachedLocator memoises another locator's answers per category and rounded coordinate.
// Errors are never cached.
type CachedLocator struct {
	inner Locator
	cache *freecache.Cache
	ttl   time.Duration
}

// NewCachedLocator wraps inner with an in-process cache of cacheMegabytes.
func NewCachedLocator(inner Locator, cacheMegabytes int, ttl time.Duration) *CachedLocator {
	if cacheMegabytes <= 0 {
		cacheMegabytes = 8
	}
	return &CachedLocator{
		inner: inner,
		cache: freecache.NewCache(cacheMegabytes * megabyte),
		ttl:   ttl,
	}
}

// Name implements Locator.
func (c *CachedLocator) Name() string { return c.inner.Name() }

// Nearest implements Locator.
func (c *CachedLocator) Nearest(ctx context.Context, category string, p Point) (*Place, error) {
	key := cacheKey(category, p)
	if raw, err := c.cache.Get(key); err == nil {
		var cached cachedPlace
		if err := json.Unmarshal(raw, &cached); err == nil {
			cacheResultCounter.WithLabelValues("hit").Inc()
			return cached.Place, nil
		}
	}
	cacheResultCounter.WithLabelValues("miss").Inc()

	place, err := c.inner.Nearest(ctx, category, p)
	if err != nil {
		return nil, err
	}

	if raw, err := json.Marshal(cachedPlace{Place: place}); err == nil {
		_ = c.cache.Set(key, raw, int(c.ttl.Seconds()))
	}
	return place, nil
}

type cachedPlace struct {
	Place *Place `json:"place"`
}

// cacheKey rounds to four decimals, roughly 11 m of latitude.
func cacheKey(category string, p Point) []byte {
	return []byte(fmt.Sprintf("%s::%.4f::%.4f", category, p.Lat, p.Lng))
}
