package pricing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/domain"
	"github.com/shopspring/decimal"
)

// CouponStore resolves and redeems coupon codes. MarkUsed must be idempotent
// per (code, orderID).
type CouponStore interface {
	Lookup(ctx context.Context, code string) (domain.Coupon, error)
	MarkUsed(ctx context.Context, code, orderID string) error
}

var hundred = decimal.NewFromInt(100)

type Engine struct {
	coupons  CouponStore
	currency string
	now      func() time.Time
}

func NewEngine(coupons CouponStore, currency string) *Engine {
	return &Engine{
		coupons:  coupons,
		currency: currency,
		now:      time.Now,
	}
}

// WithClock replaces the clock used for coupon validity checks.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Quote prices a cart. It has no side effects; coupons are only consumed when
// an order is paid.
func (e *Engine) Quote(ctx context.Context, items []domain.LineItem, couponCode string, policy domain.ShippingPolicy) (domain.PriceBreakdown, error) {
	subtotal, err := Subtotal(items)
	if err != nil {
		return domain.PriceBreakdown{}, err
	}

	breakdown := domain.PriceBreakdown{
		Currency: e.currency,
		Subtotal: subtotal,
	}

	code := domain.NormalizeCouponCode(couponCode)
	if code != "" {
		coupon, err := e.resolveCoupon(ctx, code)
		if err != nil {
			return domain.PriceBreakdown{}, err
		}
		breakdown.Discount = Discount(coupon, subtotal)
		breakdown.CouponCode = coupon.Code
	}

	shipping, err := ShippingCharge(policy, subtotal-breakdown.Discount)
	if err != nil {
		return domain.PriceBreakdown{}, err
	}
	breakdown.Shipping = shipping
	if subtotal-breakdown.Discount > math.MaxInt64-shipping {
		return domain.PriceBreakdown{}, domain.NewValidationError("items", "cart total is too large")
	}
	breakdown.Total = breakdown.Subtotal - breakdown.Discount + breakdown.Shipping

	return breakdown, nil
}

func (e *Engine) resolveCoupon(ctx context.Context, code string) (domain.Coupon, error) {
	if e.coupons == nil {
		return domain.Coupon{}, &domain.InvalidCouponError{Code: code, Reason: "coupons are not accepted"}
	}

	coupon, err := e.coupons.Lookup(ctx, code)
	if err != nil {
		if errors.Is(err, domain.ErrCouponNotFound) {
			return domain.Coupon{}, &domain.InvalidCouponError{Code: code, Reason: "unknown code"}
		}
		return domain.Coupon{}, fmt.Errorf("coupon lookup error: %w", err)
	}

	now := e.now()
	switch {
	case !coupon.ActiveAt(now):
		return domain.Coupon{}, &domain.InvalidCouponError{Code: code, Reason: "expired or not yet valid"}
	case coupon.IsExhausted():
		return domain.Coupon{}, &domain.InvalidCouponError{Code: code, Reason: "usage limit reached"}
	case coupon.Value.IsNegative():
		return domain.Coupon{}, &domain.InvalidCouponError{Code: code, Reason: "malformed value"}
	}

	return coupon, nil
}

// Subtotal sums line totals after validating every item.
func Subtotal(items []domain.LineItem) (int64, error) {
	if len(items) == 0 {
		return 0, domain.EmptyCartError()
	}

	var subtotal int64
	for i, item := range items {
		if item.ProductID == "" {
			return 0, domain.NewValidationError(fmt.Sprintf("items[%d].product_id", i), "is required")
		}
		if item.Quantity < 1 {
			return 0, domain.NewValidationError(fmt.Sprintf("items[%d].quantity", i), "must be at least 1")
		}
		if item.UnitPrice < 0 {
			return 0, domain.NewValidationError(fmt.Sprintf("items[%d].unit_price", i), "must not be negative")
		}
		if item.UnitPrice > math.MaxInt64/int64(item.Quantity) {
			return 0, domain.NewValidationError(fmt.Sprintf("items[%d]", i), "line total is too large")
		}
		line := item.LineTotal()
		if subtotal > math.MaxInt64-line {
			return 0, domain.NewValidationError("items", "cart total is too large")
		}
		subtotal += line
	}

	if subtotal <= 0 {
		return 0, domain.EmptyCartError()
	}
	return subtotal, nil
}

// Discount applies a coupon to subtotal. Percentages round down to the minor
// unit; the result never exceeds subtotal.
func Discount(coupon domain.Coupon, subtotal int64) int64 {
	var discount int64

	switch coupon.Type {
	case domain.CouponTypePercent:
		discount = decimal.NewFromInt(subtotal).Mul(coupon.Value).Div(hundred).Floor().IntPart()
	case domain.CouponTypeFixed:
		discount = coupon.Value.Floor().IntPart()
	}

	if discount < 0 {
		return 0
	}
	if discount > subtotal {
		return subtotal
	}
	return discount
}

// ShippingCharge evaluates policy against the discounted subtotal.
func ShippingCharge(policy domain.ShippingPolicy, discounted int64) (int64, error) {
	if policy.Fee < 0 {
		return 0, domain.NewValidationError("shipping_policy.fee", "must not be negative")
	}

	switch policy.Type {
	case domain.ShippingPolicyFlat, "":
		return policy.Fee, nil
	case domain.ShippingPolicyThreshold:
		if discounted >= policy.FreeAbove {
			return 0, nil
		}
		return policy.Fee, nil
	default:
		return 0, domain.NewValidationError("shipping_policy.type", fmt.Sprintf("unknown policy %q", policy.Type))
	}
}
