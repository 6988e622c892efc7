package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/cache"
	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/domain"
	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/ledger"
	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/logging"
	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/payment"
	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/pricing"
	"github.com/sirupsen/logrus"
)

type CreateOrderRequest struct {
	// OrderID is set when the client resubmits after a failed attempt.
	OrderID         string
	CustomerID      string
	Items           []domain.LineItem
	CouponCode      string
	ShippingAddress domain.ShippingAddress
}

type CheckoutResult struct {
	Order  *domain.Order
	Intent *domain.PaymentIntent
}

type CheckoutService struct {
	pricer   *pricing.Engine
	payments *payment.Manager
	ledger   *ledger.Ledger
	cache    cache.Cache
	policy   domain.ShippingPolicy
	currency string
	now      func() time.Time
}

func NewCheckoutService(pricer *pricing.Engine, payments *payment.Manager, l *ledger.Ledger, c cache.Cache, policy domain.ShippingPolicy, currency string) *CheckoutService {
	return &CheckoutService{
		pricer:   pricer,
		payments: payments,
		ledger:   l,
		cache:    c,
		policy:   policy,
		currency: currency,
		now:      time.Now,
	}
}

func (s *CheckoutService) Quote(ctx context.Context, items []domain.LineItem, couponCode string) (domain.PriceBreakdown, error) {
	return s.pricer.Quote(ctx, items, couponCode, s.policy)
}

// CreateOrder prices the cart, records the order in Created and opens the
// payment intent. When the gateway cannot be reached the order is still
// returned with the error, so the client can resubmit with its id.
func (s *CheckoutService) CreateOrder(ctx context.Context, req CreateOrderRequest) (CheckoutResult, error) {
	if req.OrderID != "" {
		return s.resume(ctx, req.OrderID)
	}

	breakdown, err := s.Quote(ctx, req.Items, req.CouponCode)
	if err != nil {
		return CheckoutResult{}, err
	}

	order, err := s.ledger.Create(ctx, domain.NewOrder(req.CustomerID, req.Items, breakdown, req.ShippingAddress, s.now()))
	if err != nil {
		return CheckoutResult{}, fmt.Errorf("order creation error: %w", err)
	}

	logging.LogInfo("Order created", logrus.Fields{
		"order_id":    order.ID,
		"customer_id": order.CustomerID,
		"total":       order.Pricing.Total,
		"coupon_code": order.CouponCode,
	})

	return s.openIntent(ctx, order)
}

func (s *CheckoutService) resume(ctx context.Context, orderID string) (CheckoutResult, error) {
	order, err := s.ledger.Get(ctx, orderID)
	if err != nil {
		return CheckoutResult{}, err
	}
	if order.Status != domain.OrderStatusCreated {
		intent, err := s.payments.GetByOrderID(ctx, orderID)
		if err != nil && !errors.Is(err, domain.ErrIntentNotFound) {
			return CheckoutResult{}, err
		}
		return CheckoutResult{Order: order, Intent: intent}, nil
	}
	return s.openIntent(ctx, order)
}

func (s *CheckoutService) openIntent(ctx context.Context, order *domain.Order) (CheckoutResult, error) {
	currency := order.Pricing.Currency
	if currency == "" {
		currency = s.currency
	}

	intent, err := s.payments.CreateIntent(ctx, order.Pricing.Total, currency, order.ID)
	if err != nil {
		return CheckoutResult{Order: order}, err
	}

	order, err = s.ledger.AttachIntent(ctx, order.ID, intent.GatewayOrderID)
	if err != nil {
		return CheckoutResult{}, fmt.Errorf("attach payment intent error: %w", err)
	}
	return CheckoutResult{Order: order, Intent: intent}, nil
}

// VerifyPayment checks the proof and moves the order to Paid. A repeated
// proof for an order that is already paid returns the order unchanged.
func (s *CheckoutService) VerifyPayment(ctx context.Context, orderID string, proof domain.PaymentProof) (*domain.Order, error) {
	order, err := s.ledger.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}

	proof.GatewayOrderID = strings.TrimSpace(proof.GatewayOrderID)
	proof.PaymentID = strings.TrimSpace(proof.PaymentID)

	vp, err := s.payments.Verify(ctx, proof, order.Pricing.Total, order.Payment.GatewayOrderID)
	if err != nil {
		return nil, err
	}
	if vp.OrderID != order.ID {
		return nil, &domain.VerificationError{GatewayOrderID: proof.GatewayOrderID, Reason: "payment belongs to another order"}
	}

	paid, err := s.ledger.RecordPayment(ctx, vp)
	if err == nil {
		return paid, nil
	}
	if !domain.IsInvalidTransition(err) {
		return nil, err
	}

	current, getErr := s.ledger.Get(ctx, orderID)
	if getErr != nil {
		return nil, getErr
	}
	if current.Payment.Verified && current.Payment.PaymentID == vp.PaymentID {
		logging.LogInfo("Duplicate payment confirmation ignored", logrus.Fields{
			"order_id":   orderID,
			"payment_id": vp.PaymentID,
			"replayed":   vp.Replayed,
		})
		return current, nil
	}

	logging.LogError("Verified payment for an order that can no longer be paid", err, logrus.Fields{
		"order_id":        orderID,
		"status":          current.Status,
		"payment_id":      vp.PaymentID,
		"refund_required": true,
	})
	return nil, err
}

// ReportPaymentFailure records a gateway-reported failure and moves the
// order to PaymentFailed. A failure reported after the payment was verified
// is ignored.
func (s *CheckoutService) ReportPaymentFailure(ctx context.Context, orderID, gatewayOrderID, reason string) (*domain.Order, error) {
	order, err := s.ledger.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if gatewayOrderID != "" && order.Payment.GatewayOrderID != "" && gatewayOrderID != order.Payment.GatewayOrderID {
		return nil, domain.NewValidationError("gateway_order_id", "does not belong to this order")
	}
	if gatewayOrderID == "" {
		gatewayOrderID = order.Payment.GatewayOrderID
	}

	if gatewayOrderID != "" {
		_, err = s.payments.MarkFailed(ctx, gatewayOrderID, reason)
		switch {
		case errors.Is(err, payment.ErrIntentSettled):
			logging.LogWarn("Failure reported for a settled payment, ignoring", logrus.Fields{
				"order_id":         orderID,
				"gateway_order_id": gatewayOrderID,
			})
			return order, nil
		case err != nil && !errors.Is(err, domain.ErrIntentNotFound):
			return nil, err
		}
	}

	failed, err := s.ledger.FailPayment(ctx, orderID, reason)
	if domain.IsInvalidTransition(err) {
		return s.ledger.Get(ctx, orderID)
	}
	return failed, err
}

// GetOrder serves the latest committed snapshot. The cache is only written
// by the ledger observer under the order lock, so a hit is never stale.
func (s *CheckoutService) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	if s.cache != nil {
		if order, err := s.cache.Get(ctx, orderID); err == nil {
			return order, nil
		} else if !errors.Is(err, cache.ErrCacheMiss) {
			logging.LogWarn("Order cache read failed", logrus.Fields{"order_id": orderID, "error": err.Error()})
		}
	}

	return s.ledger.Get(ctx, orderID)
}
