// Package ledger owns the authoritative order record. Every change to an
// order goes through one of the Ledger methods, which serialize per order id,
// enforce the state machine, bump the version and notify observers after the
// store has committed.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/domain"
	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/keylock"
	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/logging"
	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/metrics"
	"github.com/sirupsen/logrus"
)

type OrderStore interface {
	Create(ctx context.Context, order *domain.Order) error
	Get(ctx context.Context, orderID string) (*domain.Order, error)
	Update(ctx context.Context, order *domain.Order, expectedVersion int64) error
	FindByShipmentID(ctx context.Context, shipmentID string) (*domain.Order, error)
	ListWithShipment(ctx context.Context, statuses []domain.OrderStatus, limit int) ([]*domain.Order, error)
	ListCreatedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Order, error)
}

// CouponRedeemer consumes a coupon for an order. Repeating a redemption for
// the same order must be a no-op.
type CouponRedeemer interface {
	MarkUsed(ctx context.Context, code, orderID string) error
}

// Change describes one committed write.
type Change struct {
	Order    *domain.Order
	Previous domain.OrderStatus
	Event    domain.EventKind
	Created  bool
}

func (c Change) StatusChanged() bool {
	return c.Created || c.Previous != c.Order.Status
}

// Observer is notified after every commit, while the order is still locked.
type Observer interface {
	OrderChanged(ctx context.Context, change Change)
}

type ObserverFunc func(ctx context.Context, change Change)

func (f ObserverFunc) OrderChanged(ctx context.Context, change Change) { f(ctx, change) }

type Ledger struct {
	store     OrderStore
	coupons   CouponRedeemer
	locks     *keylock.KeyedMutex
	observers []Observer
	metrics   *metrics.Metrics
	now       func() time.Time
}

func New(store OrderStore, coupons CouponRedeemer, m *metrics.Metrics) *Ledger {
	return &Ledger{
		store:   store,
		coupons: coupons,
		locks:   keylock.New(),
		metrics: m,
		now:     time.Now,
	}
}

func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// AddObserver must be called before the ledger is shared.
func (l *Ledger) AddObserver(o Observer) {
	l.observers = append(l.observers, o)
}

func (l *Ledger) Create(ctx context.Context, order *domain.Order) (*domain.Order, error) {
	if order.Status != domain.OrderStatusCreated {
		return nil, fmt.Errorf("new order %s must start in %s, got %s", order.ID, domain.OrderStatusCreated, order.Status)
	}

	unlock := l.locks.Lock(order.ID)
	defer unlock()

	if err := l.store.Create(ctx, order); err != nil {
		return nil, err
	}

	committed := order.Clone()
	l.metrics.ObserveTransition("", string(committed.Status))
	l.notify(ctx, Change{Order: committed, Created: true})
	return committed.Clone(), nil
}

func (l *Ledger) Get(ctx context.Context, orderID string) (*domain.Order, error) {
	return l.store.Get(ctx, orderID)
}

func (l *Ledger) FindByShipmentID(ctx context.Context, shipmentID string) (*domain.Order, error) {
	return l.store.FindByShipmentID(ctx, shipmentID)
}

// ListStaleCreated returns orders still awaiting payment that were created
// before cutoff.
func (l *Ledger) ListStaleCreated(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Order, error) {
	return l.store.ListCreatedBefore(ctx, cutoff, limit)
}

// ListAwaitingDelivery returns orders with an attached shipment that can
// still move forward.
func (l *Ledger) ListAwaitingDelivery(ctx context.Context, limit int) ([]*domain.Order, error) {
	return l.store.ListWithShipment(ctx, []domain.OrderStatus{
		domain.OrderStatusPaid,
		domain.OrderStatusProcessing,
		domain.OrderStatusShipped,
		domain.OrderStatusOutForDelivery,
	}, limit)
}

// AttachIntent binds the gateway order to a Created order. Binding the same
// gateway order again is a no-op.
func (l *Ledger) AttachIntent(ctx context.Context, orderID, gatewayOrderID string) (*domain.Order, error) {
	return l.mutate(ctx, orderID, "", func(order *domain.Order) (bool, error) {
		switch order.Payment.GatewayOrderID {
		case gatewayOrderID:
			return false, nil
		case "":
		default:
			return false, domain.NewValidationError("gateway_order_id", "order is already bound to another payment")
		}
		if order.Status != domain.OrderStatusCreated {
			return false, domain.NewValidationError("order_id", fmt.Sprintf("order is %s and cannot take a payment", order.Status))
		}
		order.Payment.GatewayOrderID = gatewayOrderID
		return true, nil
	})
}

// RecordPayment moves a Created order to Paid. The verified payment must
// match the bound gateway order, the total and the currency. The coupon is
// redeemed here, exactly once per order.
func (l *Ledger) RecordPayment(ctx context.Context, vp domain.VerifiedPayment) (*domain.Order, error) {
	return l.mutate(ctx, vp.OrderID, domain.EventPaymentVerified, func(order *domain.Order) (bool, error) {
		if err := l.transition(order, domain.EventPaymentVerified); err != nil {
			return false, err
		}

		switch {
		case order.Payment.GatewayOrderID != "" && order.Payment.GatewayOrderID != vp.GatewayOrderID:
			return false, &domain.VerificationError{GatewayOrderID: vp.GatewayOrderID, Reason: "payment belongs to another gateway order"}
		case vp.Amount != order.Pricing.Total:
			return false, &domain.VerificationError{GatewayOrderID: vp.GatewayOrderID, Reason: "paid amount differs from order total"}
		case vp.Currency != "" && order.Pricing.Currency != "" && vp.Currency != order.Pricing.Currency:
			return false, &domain.VerificationError{GatewayOrderID: vp.GatewayOrderID, Reason: "currency mismatch"}
		}

		if err := l.redeemCoupon(ctx, order); err != nil {
			return false, err
		}

		verifiedAt := vp.VerifiedAt
		if verifiedAt.IsZero() {
			verifiedAt = l.now()
		}
		order.Payment.GatewayOrderID = vp.GatewayOrderID
		order.Payment.PaymentID = vp.PaymentID
		order.Payment.Verified = true
		order.Payment.VerifiedAt = &verifiedAt
		order.FailureReason = ""
		return true, nil
	})
}

func (l *Ledger) redeemCoupon(ctx context.Context, order *domain.Order) error {
	if order.CouponCode == "" || order.CouponConsumed || l.coupons == nil {
		return nil
	}

	err := l.coupons.MarkUsed(ctx, order.CouponCode, order.ID)
	switch {
	case err == nil:
		order.CouponConsumed = true
		return nil
	case errors.Is(err, domain.ErrCouponExhausted), errors.Is(err, domain.ErrCouponNotFound):
		// The customer has already paid the discounted total.
		logging.LogWarn("Coupon could not be redeemed for paid order", logrus.Fields{
			"order_id":    order.ID,
			"coupon_code": order.CouponCode,
			"error":       err.Error(),
		})
		return nil
	default:
		return fmt.Errorf("coupon redemption error: %w", err)
	}
}

// FailPayment moves a Created order to PaymentFailed.
func (l *Ledger) FailPayment(ctx context.Context, orderID, reason string) (*domain.Order, error) {
	return l.mutate(ctx, orderID, domain.EventPaymentFailed, func(order *domain.Order) (bool, error) {
		if err := l.transition(order, domain.EventPaymentFailed); err != nil {
			return false, err
		}
		order.FailureReason = reason
		return true, nil
	})
}

// AttachShipment records the carrier shipment id for a paid order.
func (l *Ledger) AttachShipment(ctx context.Context, orderID, shipmentID, courier string) (*domain.Order, error) {
	return l.mutate(ctx, orderID, "", func(order *domain.Order) (bool, error) {
		if order.Shipment != nil {
			if order.Shipment.ShipmentID == shipmentID {
				return false, nil
			}
			return false, domain.NewValidationError("shipment_id", "order already has a shipment")
		}
		switch order.Status {
		case domain.OrderStatusPaid, domain.OrderStatusProcessing:
		default:
			return false, domain.NewValidationError("order_id", fmt.Sprintf("order is %s and cannot be shipped", order.Status))
		}

		record := domain.NewShipmentRecord(shipmentID, courier, l.now())
		order.Shipment = &record
		return true, nil
	})
}

// UpdateShipment merges tracking into the order's shipment under the order
// lock, stores the merged record, and moves the order forward when the
// shipment status allows it. A status the state machine refuses is logged and
// dropped; the tracking data is kept either way.
func (l *Ledger) UpdateShipment(ctx context.Context, orderID string, merge func(existing *domain.ShipmentRecord) domain.ShipmentRecord) (*domain.Order, error) {
	return l.mutate(ctx, orderID, "", func(order *domain.Order) (bool, error) {
		if order.Shipment == nil {
			return false, domain.NewValidationError("shipment_id", "order has no shipment attached")
		}

		before := order.Shipment.Clone()
		merged := merge(order.Shipment)
		order.Shipment = &merged

		moved := l.followShipment(order)
		return moved || !sameTracking(before, merged), nil
	})
}

// followShipment applies the event implied by the shipment status, if any.
func (l *Ledger) followShipment(order *domain.Order) bool {
	if order.Shipment == nil {
		return false
	}
	event, ok := domain.ShipmentEvent(order.Shipment.Status)
	if !ok {
		return false
	}
	if shipmentTarget[order.Shipment.Status] == order.Status {
		return false
	}

	if err := l.transition(order, event); err != nil {
		logging.LogWarn("Shipment status not applied to order", logrus.Fields{
			"order_id":        order.ID,
			"order_status":    order.Status,
			"shipment_status": order.Shipment.Status,
			"error":           err.Error(),
		})
		return false
	}
	return true
}

var shipmentTarget = map[domain.CanonicalStatus]domain.OrderStatus{
	domain.ShipmentPending:        domain.OrderStatusProcessing,
	domain.ShipmentShipped:        domain.OrderStatusShipped,
	domain.ShipmentOutForDelivery: domain.OrderStatusOutForDelivery,
	domain.ShipmentDelivered:      domain.OrderStatusDelivered,
	domain.ShipmentException:      domain.OrderStatusException,
}

func sameTracking(a, b domain.ShipmentRecord) bool {
	if a.Status != b.Status || len(a.Events) != len(b.Events) || a.CourierName != b.CourierName {
		return false
	}
	if (a.EstimatedDelivery == nil) != (b.EstimatedDelivery == nil) {
		return false
	}
	if a.EstimatedDelivery != nil && !a.EstimatedDelivery.Equal(*b.EstimatedDelivery) {
		return false
	}
	return true
}

func (l *Ledger) Cancel(ctx context.Context, orderID, reason string) (*domain.Order, error) {
	return l.mutate(ctx, orderID, domain.EventCancel, func(order *domain.Order) (bool, error) {
		if err := l.transition(order, domain.EventCancel); err != nil {
			return false, err
		}
		order.FailureReason = reason
		return true, nil
	})
}

// Refund moves a cancelled, paid order to Refunded once the gateway has
// returned the money. Recording the same refund again is a no-op.
func (l *Ledger) Refund(ctx context.Context, orderID, refundID string) (*domain.Order, error) {
	return l.mutate(ctx, orderID, domain.EventRefund, func(order *domain.Order) (bool, error) {
		if order.Status == domain.OrderStatusRefunded && refundID != "" && order.Payment.RefundID == refundID {
			return false, nil
		}
		if !order.Payment.Verified {
			return false, domain.NewValidationError("order_id", "order has no verified payment to refund")
		}
		if err := l.transition(order, domain.EventRefund); err != nil {
			return false, err
		}
		order.Payment.RefundID = refundID
		return true, nil
	})
}

// Resolve returns an order in Exception to Processing, then catches up with
// any shipment progress recorded meanwhile.
func (l *Ledger) Resolve(ctx context.Context, orderID string) (*domain.Order, error) {
	return l.mutate(ctx, orderID, domain.EventResolve, func(order *domain.Order) (bool, error) {
		if err := l.transition(order, domain.EventResolve); err != nil {
			return false, err
		}
		if order.Shipment != nil && order.Shipment.Status != domain.ShipmentException {
			l.followShipment(order)
		}
		order.FailureReason = ""
		return true, nil
	})
}

// Transition applies a bare event. It is the path used by callers that carry
// no extra data with the event.
func (l *Ledger) Transition(ctx context.Context, orderID string, event domain.EventKind) (*domain.Order, error) {
	return l.mutate(ctx, orderID, event, func(order *domain.Order) (bool, error) {
		if err := l.transition(order, event); err != nil {
			return false, err
		}
		return true, nil
	})
}

func (l *Ledger) transition(order *domain.Order, event domain.EventKind) error {
	next, ok := domain.NextStatus(order.Status, event)
	if !ok {
		l.metrics.ObserveRejectedTransition(string(event))
		return &domain.InvalidTransitionError{OrderID: order.ID, From: order.Status, Event: event}
	}
	order.Status = next
	return nil
}

// mutate runs fn on a fresh copy of the order under its lock and commits the
// result if fn reports a change.
func (l *Ledger) mutate(ctx context.Context, orderID string, event domain.EventKind, fn func(order *domain.Order) (bool, error)) (*domain.Order, error) {
	unlock := l.locks.Lock(orderID)
	defer unlock()

	order, err := l.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}

	previous := order.Status
	expectedVersion := order.Version

	changed, err := fn(order)
	if err != nil {
		return nil, err
	}
	if !changed {
		return order, nil
	}

	order.Version = expectedVersion + 1
	order.UpdatedAt = l.now()
	if err := l.store.Update(ctx, order, expectedVersion); err != nil {
		return nil, err
	}

	if previous != order.Status {
		l.metrics.ObserveTransition(string(previous), string(order.Status))
		logging.LogInfo("Order status changed", logrus.Fields{
			"order_id": order.ID,
			"from":     previous,
			"to":       order.Status,
			"event":    event,
			"version":  order.Version,
		})
	}

	l.notify(ctx, Change{Order: order.Clone(), Previous: previous, Event: event})
	return order, nil
}

func (l *Ledger) notify(ctx context.Context, change Change) {
	for _, o := range l.observers {
		o.OrderChanged(ctx, change)
	}
}
