package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOrder(t *testing.T, createdAt time.Time) *domain.Order {
	t.Helper()
	return domain.NewOrder(
		"cust-1",
		[]domain.LineItem{{ProductID: "p1", Quantity: 1, UnitPrice: 1000}},
		domain.PriceBreakdown{Currency: "INR", Subtotal: 1000, Total: 1000},
		domain.ShippingAddress{Name: "A", City: "Pune"},
		createdAt,
	)
}

func TestMemoryOrderStore_VersionCheck(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryOrderStore()
	order := newOrder(t, time.Now())
	require.NoError(t, store.Create(ctx, order))

	next := order.Clone()
	next.Status = domain.OrderStatusPaid
	next.Version = 2
	require.NoError(t, store.Update(ctx, next, 1))

	stale := order.Clone()
	stale.Status = domain.OrderStatusCancelled
	stale.Version = 2
	err := store.Update(ctx, stale, 1)
	assert.ErrorIs(t, err, domain.ErrConcurrentUpdate)

	got, err := store.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPaid, got.Status)
	assert.Equal(t, int64(2), got.Version)
}

func TestMemoryOrderStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryOrderStore()
	order := newOrder(t, time.Now())
	require.NoError(t, store.Create(ctx, order))

	got, err := store.Get(ctx, order.ID)
	require.NoError(t, err)
	got.Items[0].Quantity = 99
	got.Status = domain.OrderStatusDelivered

	again, err := store.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, again.Items[0].Quantity)
	assert.Equal(t, domain.OrderStatusCreated, again.Status)
}

func TestMemoryOrderStore_Queries(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryOrderStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	old := newOrder(t, base)
	recent := newOrder(t, base.Add(time.Hour))
	shipped := newOrder(t, base.Add(2*time.Hour))
	shipped.Status = domain.OrderStatusShipped
	record := domain.NewShipmentRecord("SHP-1", "Delhivery", base)
	shipped.Shipment = &record

	for _, o := range []*domain.Order{old, recent, shipped} {
		require.NoError(t, store.Create(ctx, o))
	}

	stale, err := store.ListCreatedBefore(ctx, base.Add(30*time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, old.ID, stale[0].ID)

	inFlight, err := store.ListWithShipment(ctx, []domain.OrderStatus{domain.OrderStatusCreated, domain.OrderStatusShipped}, 1)
	require.NoError(t, err)
	require.Len(t, inFlight, 1)
	assert.Equal(t, shipped.ID, inFlight[0].ID)

	found, err := store.FindByShipmentID(ctx, "SHP-1")
	require.NoError(t, err)
	assert.Equal(t, shipped.ID, found.ID)

	_, err = store.FindByShipmentID(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestMemoryIntentStore_InsertIfAbsent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryIntentStore()
	now := time.Now()

	first := domain.NewPaymentIntent("order-1", "gw-1", 95000, "INR", now, time.Hour)
	stored, inserted, err := store.InsertIfAbsent(ctx, first)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, "gw-1", stored.GatewayOrderID)

	second := domain.NewPaymentIntent("order-1", "gw-2", 95000, "INR", now, time.Hour)
	stored, inserted, err = store.InsertIfAbsent(ctx, second)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, "gw-1", stored.GatewayOrderID)

	byGateway, err := store.GetByGatewayOrderID(ctx, "gw-1")
	require.NoError(t, err)
	assert.Equal(t, "order-1", byGateway.OrderID)

	_, err = store.GetByGatewayOrderID(ctx, "gw-2")
	assert.ErrorIs(t, err, domain.ErrIntentNotFound)
}

func TestMemoryCouponStore_MarkUsedIsIdempotentPerOrder(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCouponStore(domain.Coupon{
		Code: "save10", Type: domain.CouponTypePercent, Value: decimal.NewFromInt(10), UsageLimit: 2,
	})

	require.NoError(t, store.MarkUsed(ctx, "SAVE10", "order-1"))
	require.NoError(t, store.MarkUsed(ctx, "SAVE10", "order-1"))

	c, err := store.Lookup(ctx, "Save10")
	require.NoError(t, err)
	assert.Equal(t, 1, c.UsageCount)

	require.NoError(t, store.MarkUsed(ctx, "SAVE10", "order-2"))
	err = store.MarkUsed(ctx, "SAVE10", "order-3")
	assert.ErrorIs(t, err, domain.ErrCouponExhausted)

	c, err = store.Lookup(ctx, "SAVE10")
	require.NoError(t, err)
	assert.Equal(t, 2, c.UsageCount)
}

func TestMemoryCouponStore_ConcurrentRedemptionsRespectLimit(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCouponStore(domain.Coupon{
		Code: "LIMITED", Type: domain.CouponTypeFixed, Value: decimal.NewFromInt(100), UsageLimit: 5,
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = store.MarkUsed(ctx, "LIMITED", string(rune('a'+i)))
		}(i)
	}
	wg.Wait()

	c, err := store.Lookup(ctx, "LIMITED")
	require.NoError(t, err)
	assert.Equal(t, 5, c.UsageCount)
}
