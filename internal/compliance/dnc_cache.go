package compliance

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// CachedRegistry wraps a DNC registry lookup with a Redis cache. Entries are
// held for the configured TTL; the upstream registry is eventually consistent
// so bounded staleness is acceptable.
type CachedRegistry struct {
	upstream Registry
	client   *redis.Client
	ttl      time.Duration
}

// NewCachedRegistry constructs the cache layer.
func NewCachedRegistry(upstream Registry, client *redis.Client, ttl time.Duration) *CachedRegistry {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &CachedRegistry{upstream: upstream, client: client, ttl: ttl}
}

// IsListed serves from cache when possible, falling through to the upstream
// registry on a miss.
func (c *CachedRegistry) IsListed(ctx context.Context, phoneNumber string) (bool, error) {
	key := c.key(phoneNumber)

	cached, err := c.client.Get(ctx, key).Result()
	if err == nil {
		return cached == "1", nil
	}
	if err != redis.Nil {
		return false, fmt.Errorf("dnc cache: get: %w", err)
	}

	listed, err := c.upstream.IsListed(ctx, phoneNumber)
	if err != nil {
		return false, err
	}

	value := "0"
	if listed {
		value = "1"
	}
	if err := c.client.Set(ctx, key, value, c.ttl).Err(); err != nil {
		return listed, fmt.Errorf("dnc cache: set: %w", err)
	}
	return listed, nil
}

func (c *CachedRegistry) key(phoneNumber string) string {
	return fmt.Sprintf("dialer:dnc:%s", phoneNumber)
}
