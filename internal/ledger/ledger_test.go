package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/domain"
	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/repository"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu      sync.Mutex
	changes []Change
}

func (r *recorder) OrderChanged(_ context.Context, change Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, change)
}

func (r *recorder) statuses() []domain.OrderStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.OrderStatus, 0, len(r.changes))
	for _, c := range r.changes {
		if c.StatusChanged() {
			out = append(out, c.Order.Status)
		}
	}
	return out
}

type fixture struct {
	ledger  *Ledger
	coupons *repository.MemoryCouponStore
	events  *recorder
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	coupons := repository.NewMemoryCouponStore(domain.Coupon{
		Code:  "SAVE10",
		Type:  domain.CouponTypePercent,
		Value: decimal.NewFromInt(10),
	})
	l := New(repository.NewMemoryOrderStore(), coupons, nil)
	rec := &recorder{}
	l.AddObserver(rec)
	return fixture{ledger: l, coupons: coupons, events: rec}
}

func createOrder(t *testing.T, l *Ledger, couponCode string) *domain.Order {
	t.Helper()
	pricing := domain.PriceBreakdown{Currency: "INR", Subtotal: 100000, Discount: 10000, Shipping: 5000, Total: 95000, CouponCode: couponCode}
	items := []domain.LineItem{{ProductID: "p1", Quantity: 2, UnitPrice: 50000}}
	order, err := l.Create(context.Background(), domain.NewOrder("c1", items, pricing, domain.ShippingAddress{City: "Pune"}, time.Now()))
	require.NoError(t, err)
	return order
}

func verified(order *domain.Order, gatewayOrderID, paymentID string) domain.VerifiedPayment {
	return domain.VerifiedPayment{
		OrderID:        order.ID,
		GatewayOrderID: gatewayOrderID,
		PaymentID:      paymentID,
		Amount:         order.Pricing.Total,
		Currency:       order.Pricing.Currency,
		VerifiedAt:     time.Now(),
	}
}

func shipmentWith(status domain.CanonicalStatus) func(*domain.ShipmentRecord) domain.ShipmentRecord {
	return func(existing *domain.ShipmentRecord) domain.ShipmentRecord {
		r := existing.Clone()
		r.Events = append(r.Events, domain.TrackingEvent{Timestamp: time.Now(), Activity: string(status), Status: status})
		r.Status = status
		return r
	}
}

func TestRecordPayment_ConsumesCouponOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := createOrder(t, f.ledger, "SAVE10")

	_, err := f.ledger.AttachIntent(ctx, order.ID, "order_gw1")
	require.NoError(t, err)

	paid, err := f.ledger.RecordPayment(ctx, verified(order, "order_gw1", "pay_1"))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPaid, paid.Status)
	assert.True(t, paid.Payment.Verified)
	assert.True(t, paid.CouponConsumed)
	assert.Equal(t, "pay_1", paid.Payment.PaymentID)

	coupon, err := f.coupons.Lookup(ctx, "SAVE10")
	require.NoError(t, err)
	assert.Equal(t, 1, coupon.UsageCount)

	_, err = f.ledger.RecordPayment(ctx, verified(order, "order_gw1", "pay_1"))
	assert.True(t, domain.IsInvalidTransition(err))

	coupon, err = f.coupons.Lookup(ctx, "SAVE10")
	require.NoError(t, err)
	assert.Equal(t, 1, coupon.UsageCount)

	stored, err := f.ledger.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPaid, stored.Status)
	assert.Equal(t, paid.Version, stored.Version)
}

func TestRecordPayment_RejectsMismatchedPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := createOrder(t, f.ledger, "")

	_, err := f.ledger.AttachIntent(ctx, order.ID, "order_gw1")
	require.NoError(t, err)

	var vErr *domain.VerificationError

	_, err = f.ledger.RecordPayment(ctx, verified(order, "order_other", "pay_1"))
	assert.ErrorAs(t, err, &vErr)

	short := verified(order, "order_gw1", "pay_1")
	short.Amount--
	_, err = f.ledger.RecordPayment(ctx, short)
	assert.ErrorAs(t, err, &vErr)

	stored, err := f.ledger.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCreated, stored.Status)
}

func TestRecordPayment_ExhaustedCouponDoesNotBlockPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.coupons.Put(ctx, domain.Coupon{
		Code:       "ONCE",
		Type:       domain.CouponTypeFixed,
		Value:      decimal.NewFromInt(100),
		UsageLimit: 1,
	}))

	first := createOrder(t, f.ledger, "ONCE")
	second := createOrder(t, f.ledger, "ONCE")

	paid, err := f.ledger.RecordPayment(ctx, verified(first, "gw_a", "pay_a"))
	require.NoError(t, err)
	assert.True(t, paid.CouponConsumed)

	paid, err = f.ledger.RecordPayment(ctx, verified(second, "gw_b", "pay_b"))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPaid, paid.Status)
	assert.False(t, paid.CouponConsumed)
}

func TestAttachIntent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := createOrder(t, f.ledger, "")

	bound, err := f.ledger.AttachIntent(ctx, order.ID, "gw_1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), bound.Version)

	again, err := f.ledger.AttachIntent(ctx, order.ID, "gw_1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), again.Version)

	_, err = f.ledger.AttachIntent(ctx, order.ID, "gw_2")
	var vErr *domain.ValidationError
	assert.ErrorAs(t, err, &vErr)
}

func TestShipmentDrivesOrderForward(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := createOrder(t, f.ledger, "")

	_, err := f.ledger.RecordPayment(ctx, verified(order, "gw", "pay"))
	require.NoError(t, err)
	_, err = f.ledger.AttachShipment(ctx, order.ID, "SHP-1", "Delhivery")
	require.NoError(t, err)

	updated, err := f.ledger.UpdateShipment(ctx, order.ID, shipmentWith(domain.ShipmentShipped))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusShipped, updated.Status)

	// out of order: delivered before out-for-delivery
	updated, err = f.ledger.UpdateShipment(ctx, order.ID, shipmentWith(domain.ShipmentDelivered))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusDelivered, updated.Status)

	updated, err = f.ledger.UpdateShipment(ctx, order.ID, shipmentWith(domain.ShipmentOutForDelivery))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusDelivered, updated.Status)
	assert.Len(t, updated.Shipment.Events, 3)

	assert.Equal(t, []domain.OrderStatus{
		domain.OrderStatusCreated,
		domain.OrderStatusPaid,
		domain.OrderStatusShipped,
		domain.OrderStatusDelivered,
	}, f.events.statuses())
}

func TestTransition_RejectsBackwardMove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := createOrder(t, f.ledger, "")

	_, err := f.ledger.RecordPayment(ctx, verified(order, "gw", "pay"))
	require.NoError(t, err)
	_, err = f.ledger.Transition(ctx, order.ID, domain.EventDelivered)
	require.NoError(t, err)

	_, err = f.ledger.Transition(ctx, order.ID, domain.EventShipped)
	var tErr *domain.InvalidTransitionError
	require.ErrorAs(t, err, &tErr)
	assert.Equal(t, domain.OrderStatusDelivered, tErr.From)
	assert.Equal(t, domain.EventShipped, tErr.Event)
}

func TestExceptionResolveCatchesUp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := createOrder(t, f.ledger, "")

	_, err := f.ledger.RecordPayment(ctx, verified(order, "gw", "pay"))
	require.NoError(t, err)
	_, err = f.ledger.AttachShipment(ctx, order.ID, "SHP-1", "")
	require.NoError(t, err)

	updated, err := f.ledger.UpdateShipment(ctx, order.ID, shipmentWith(domain.ShipmentException))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusException, updated.Status)

	// tracking is kept while the order waits for an operator
	updated, err = f.ledger.UpdateShipment(ctx, order.ID, shipmentWith(domain.ShipmentShipped))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusException, updated.Status)
	assert.Equal(t, domain.ShipmentShipped, updated.Shipment.Status)

	resolved, err := f.ledger.Resolve(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusShipped, resolved.Status)
}

func TestCancelAndRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	unpaid := createOrder(t, f.ledger, "")
	cancelled, err := f.ledger.Cancel(ctx, unpaid.ID, "customer request")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, cancelled.Status)

	_, err = f.ledger.Refund(ctx, unpaid.ID, "rfnd_1")
	var vErr *domain.ValidationError
	assert.ErrorAs(t, err, &vErr)

	paid := createOrder(t, f.ledger, "")
	_, err = f.ledger.RecordPayment(ctx, verified(paid, "gw", "pay"))
	require.NoError(t, err)
	_, err = f.ledger.Cancel(ctx, paid.ID, "out of stock")
	require.NoError(t, err)

	refunded, err := f.ledger.Refund(ctx, paid.ID, "rfnd_2")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusRefunded, refunded.Status)
	assert.Equal(t, "rfnd_2", refunded.Payment.RefundID)
}

func TestFailPaymentAndListStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := createOrder(t, f.ledger, "")

	stale, err := f.ledger.ListStaleCreated(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)

	failed, err := f.ledger.FailPayment(ctx, order.ID, "payment window elapsed")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPaymentFailed, failed.Status)
	assert.Equal(t, "payment window elapsed", failed.FailureReason)

	_, err = f.ledger.RecordPayment(ctx, verified(order, "gw", "pay"))
	assert.True(t, domain.IsInvalidTransition(err))
}

func TestConcurrentTransitionsAreSerialized(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := createOrder(t, f.ledger, "SAVE10")

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.ledger.RecordPayment(ctx, verified(order, "gw", "pay")); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	coupon, err := f.coupons.Lookup(ctx, "SAVE10")
	require.NoError(t, err)
	assert.Equal(t, 1, coupon.UsageCount)

	stored, err := f.ledger.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.Version)
}
