package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/linkpulse/linkpulse/internal/model"
)

// Cache key prefixes and TTLs.
const (
	linkKeyPrefix     = "link:"
	negCacheKeySuffix = ":neg"

	// DefaultLinkTTL is the TTL for cached link data.
	DefaultLinkTTL = 24 * time.Hour

	// NegativeCacheTTL is the TTL for negative cache entries.
	NegativeCacheTTL = 5 * time.Minute
)

// ErrCacheMiss is returned when a short code is not cached.
var ErrCacheMiss = errors.New("cache miss")

func linkKey(shortCode string) string {
	return linkKeyPrefix + shortCode
}

func negativeKey(shortCode string) string {
	return linkKeyPrefix + shortCode + negCacheKeySuffix
}

// GetLink retrieves a link from cache by short code.
// Returns ErrCacheMiss if not found.
func (c *Cache) GetLink(ctx context.Context, shortCode string) (*model.CachedLink, error) {
	res := c.client.HGetAll(ctx, linkKey(shortCode))
	if err := res.Err(); err != nil {
		return nil, fmt.Errorf("redis hgetall failed: %w", err)
	}
	if len(res.Val()) == 0 {
		return nil, ErrCacheMiss
	}

	var cached model.CachedLink
	if err := res.Scan(&cached); err != nil {
		return nil, fmt.Errorf("decode cached link: %w", err)
	}
	if !cached.Valid() {
		return nil, ErrCacheMiss
	}
	return &cached, nil
}

// SetLink stores a link in cache and clears any negative entry.
func (c *Cache) SetLink(ctx context.Context, link *model.Link) error {
	key := linkKey(link.ShortCode)
	cached := link.ToCachedLink()

	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, key, cached)
	pipe.Expire(ctx, key, DefaultLinkTTL)
	pipe.Del(ctx, negativeKey(link.ShortCode))

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to cache link: %w", err)
	}
	return nil
}

// DeleteLink removes a link and its negative entry from cache.
func (c *Cache) DeleteLink(ctx context.Context, shortCode string) error {
	if err := c.client.Del(ctx, linkKey(shortCode), negativeKey(shortCode)).Err(); err != nil {
		return fmt.Errorf("failed to delete link from cache: %w", err)
	}
	return nil
}

// IsNegativelyCached checks if a short code is in negative cache.
func (c *Cache) IsNegativelyCached(ctx context.Context, shortCode string) (bool, error) {
	exists, err := c.client.Exists(ctx, negativeKey(shortCode)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check negative cache: %w", err)
	}
	return exists > 0, nil
}

// SetNegativeCache marks a short code as not found.
func (c *Cache) SetNegativeCache(ctx context.Context, shortCode string) error {
	if err := c.client.SetEx(ctx, negativeKey(shortCode), "", NegativeCacheTTL).Err(); err != nil {
		return fmt.Errorf("failed to set negative cache: %w", err)
	}
	return nil
}
