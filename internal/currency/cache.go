package currency

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateCache stores exchange rates in Redis with a bounded TTL so decision
// volume never turns into provider traffic.
type RateCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRateCache instantiates the cache helper.
func NewRateCache(client *redis.Client, ttl time.Duration) *RateCache {
	return &RateCache{client: client, ttl: ttl}
}

func rateKey(from, to string) string {
	return fmt.Sprintf("fx:%s:%s", from, to)
}

// Get returns the cached rate and whether it was present.
func (c *RateCache) Get(ctx context.Context, from, to string) (float64, bool) {
	if c == nil || c.client == nil {
		return 0, false
	}
	raw, err := c.client.Get(ctx, rateKey(from, to)).Result()
	if err != nil {
		return 0, false
	}
	rate, err := strconv.ParseFloat(raw, 64)
	if err != nil || rate <= 0 {
		return 0, false
	}
	return rate, true
}

// Put stores a rate; failures are ignored, the cache is best effort.
func (c *RateCache) Put(ctx context.Context, from, to string, rate float64) {
	if c == nil || c.client == nil || rate <= 0 {
		return
	}
	_ = c.client.Set(ctx, rateKey(from, to), strconv.FormatFloat(rate, 'f', -1, 64), c.ttl).Err()
}
