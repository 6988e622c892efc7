package service

import (
	"context"
	"time"

	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/cache"
	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/events"
	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/ledger"
	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/logging"
	"github.com/sirupsen/logrus"
)

// CacheObserver writes every committed order through to the cache.
type CacheObserver struct {
	cache cache.Cache
}

func NewCacheObserver(c cache.Cache) *CacheObserver {
	return &CacheObserver{cache: c}
}

func (o *CacheObserver) OrderChanged(ctx context.Context, change ledger.Change) {
	if err := o.cache.Set(ctx, change.Order); err != nil {
		logging.LogWarn("Order cache write failed, evicting", logrus.Fields{
			"order_id": change.Order.ID,
			"version":  change.Order.Version,
			"error":    err.Error(),
		})
		// A failed write must not leave an older snapshot behind.
		_ = o.cache.Delete(ctx, change.Order.ID)
	}
}

type EventPublisher interface {
	Publish(ctx context.Context, event events.OrderEvent) error
}

// EventObserver publishes a lifecycle event for every status change.
// Publishing is best effort: the ledger has already committed.
type EventObserver struct {
	publisher EventPublisher
	service   string
	timeout   time.Duration
}

func NewEventObserver(publisher EventPublisher, service string) *EventObserver {
	return &EventObserver{publisher: publisher, service: service, timeout: 2 * time.Second}
}

func (o *EventObserver) OrderChanged(ctx context.Context, change ledger.Change) {
	if !change.StatusChanged() {
		return
	}

	event, err := events.ForChange(change.Order, change.Previous, change.Event, change.Created, o.service)
	if err != nil {
		logging.LogError("Order event build failed", err, logrus.Fields{"order_id": change.Order.ID})
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.timeout)
	defer cancel()

	if err := o.publisher.Publish(ctx, event); err != nil {
		logging.LogWarn("Order event publish failed", logrus.Fields{
			"order_id":   change.Order.ID,
			"event_type": event.EventType,
			"error":      err.Error(),
		})
	}
}
