package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/greenbasket/checkout/internal/ledger"
)

// UsageCache caches a customer's current-week cap usage. The mobile app
// polls this to render remaining allowances, and it is the "last-known
// usage" snapshot a device carries into offline mode.
type UsageCache interface {
	Get(ctx context.Context, customerID string) (*ledger.WeekUsage, error)
	Set(ctx context.Context, customerID string, usage *ledger.WeekUsage) error
	Delete(ctx context.Context, customerID string) error
}

var ErrCacheMiss = errors.New("cache miss")

func NewRedisUsageCache(client *redis.Client, baseTTL, maxJitter time.Duration) *RedisUsageCache {
	if baseTTL <= 0 {
		baseTTL = 5 * time.Minute
	}
	return &RedisUsageCache{
		client:    client,
		baseTTL:   baseTTL,
		maxJitter: maxJitter,
	}
}

type RedisUsageCache struct {
	client    *redis.Client
	baseTTL   time.Duration
	maxJitter time.Duration
}

func (r RedisUsageCache) Get(ctx context.Context, customerID string) (*ledger.WeekUsage, error) {
	key := cacheKey(customerID)

	data, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var usage ledger.WeekUsage
	if e2 := json.Unmarshal(data, &usage); e2 != nil {
		return nil, fmt.Errorf("unmarshal usage failed: %w", e2)
	}

	return &usage, nil
}

func (r RedisUsageCache) Set(ctx context.Context, customerID string, usage *ledger.WeekUsage) error {
	key := cacheKey(customerID)
	data, err := json.Marshal(usage)
	if err != nil {
		return fmt.Errorf("marshal usage failed: %w", err)
	}

	ttl := r.baseTTL
	if r.maxJitter > 0 {
		ttl += time.Duration(rand.Int63n(int64(r.maxJitter)))
	}
	if e2 := r.client.Set(ctx, key, data, ttl).Err(); e2 != nil {
		return fmt.Errorf("redis set failed: %w", e2)
	}
	return nil
}

func (r RedisUsageCache) Delete(ctx context.Context, customerID string) error {
	if err := r.client.Del(ctx, cacheKey(customerID)).Err(); err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

func cacheKey(customerID string) string {
	return fmt.Sprintf("usage:%s", customerID)
}
