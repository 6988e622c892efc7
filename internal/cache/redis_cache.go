package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/domain"
	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

type RedisCache struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisCache(cfg RedisConfig) *RedisCache {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisCache{
		rdb:    rdb,
		prefix: cfg.Prefix,
		ttl:    cfg.TTL,
	}
}

func (c *RedisCache) makeKey(id string) string {
	return c.prefix + id
}

func (c *RedisCache) Set(ctx context.Context, order *domain.Order) error {
	data, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("order snapshot encode error: %w", err)
	}
	return c.rdb.Set(ctx, c.makeKey(order.ID), data, c.ttl).Err()
}

func (c *RedisCache) Get(ctx context.Context, orderID string) (*domain.Order, error) {
	b, err := c.rdb.Get(ctx, c.makeKey(orderID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, err
	}

	var o domain.Order
	if err := json.Unmarshal(b, &o); err != nil {
		return nil, fmt.Errorf("order snapshot decode error: %w", err)
	}
	return &o, nil
}

func (c *RedisCache) Delete(ctx context.Context, orderID string) error {
	return c.rdb.Del(ctx, c.makeKey(orderID)).Err()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.rdb.Close()
}
