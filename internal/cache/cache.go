// Package cache holds read-through snapshots of committed orders. The ledger
// writes an entry after every commit, so a hit is never older than the last
// committed version.
package cache

import (
	"context"
	"errors"

	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/domain"
)

var ErrCacheMiss = errors.New("cache miss")

type Cache interface {
	Set(ctx context.Context, order *domain.Order) error
	Get(ctx context.Context, orderID string) (*domain.Order, error)
	Delete(ctx context.Context, orderID string) error
}
