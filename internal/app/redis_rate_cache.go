package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/serenityneo/corebanking-service/internal/domain"
)

// RateCache holds the last known exchange rate. Get returns nil, nil on a miss.
type RateCache interface {
	Get(ctx context.Context) (*domain.ExchangeRate, error)
	Set(ctx context.Context, rate domain.ExchangeRate) error
}

// RedisRateCache stores the current rate as JSON under one key.
type RedisRateCache struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
}

func NewRedisRateCache(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisRateCache {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = "corebanking"
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisRateCache{
		client: client,
		key:    trimmedPrefix + ":exchange_rate:current",
		ttl:    ttl,
	}
}

func (c *RedisRateCache) Get(ctx context.Context) (*domain.ExchangeRate, error) {
	if c == nil || c.client == nil {
		return nil, nil
	}
	raw, err := c.client.Get(ctx, c.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rate domain.ExchangeRate
	if err := json.Unmarshal(raw, &rate); err != nil {
		return nil, fmt.Errorf("decode cached rate: %w", err)
	}
	if !rate.LocalPerUSD.IsPositive() {
		return nil, nil
	}
	return &rate, nil
}

func (c *RedisRateCache) Set(ctx context.Context, rate domain.ExchangeRate) error {
	if c == nil || c.client == nil {
		return nil
	}
	blob, err := json.Marshal(rate)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key, blob, c.ttl).Err()
}
