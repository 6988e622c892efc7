package domain

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyCart        = errors.New("cart is empty")
	ErrOrderNotFound    = errors.New("order not found")
	ErrIntentNotFound   = errors.New("payment intent not found")
	ErrCouponNotFound   = errors.New("coupon not found")
	ErrCouponExhausted  = errors.New("coupon usage limit reached")
	ErrConcurrentUpdate = errors.New("order was modified concurrently")
	ErrGatewayRejected  = errors.New("payment gateway rejected the request")
)

// ValidationError is bad input. It is rejected immediately and never retried.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation error: %s", e.Reason)
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// EmptyCartError is returned for a cart with no priced items.
func EmptyCartError() *ValidationError {
	return &ValidationError{Field: "items", Reason: ErrEmptyCart.Error(), Err: ErrEmptyCart}
}

// InvalidCouponError is recoverable: the caller may re-quote without a coupon.
type InvalidCouponError struct {
	Code   string
	Reason string
}

func (e *InvalidCouponError) Error() string {
	return fmt.Sprintf("invalid coupon %q: %s", e.Code, e.Reason)
}

// GatewayUnavailableError is surfaced once the bounded retry is exhausted.
type GatewayUnavailableError struct {
	Attempts int
	Err      error
}

func (e *GatewayUnavailableError) Error() string {
	return fmt.Sprintf("payment gateway unavailable after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *GatewayUnavailableError) Unwrap() error { return e.Err }

// VerificationError is terminal for the proof that caused it.
type VerificationError struct {
	GatewayOrderID string
	Reason         string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("payment verification failed for %s: %s", e.GatewayOrderID, e.Reason)
}

// InvalidTransitionError names the state and the event that was rejected.
type InvalidTransitionError struct {
	OrderID string
	From    OrderStatus
	Event   EventKind
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("order %s: event %s is not allowed in state %s", e.OrderID, e.Event, e.From)
}

func IsInvalidTransition(err error) bool {
	var target *InvalidTransitionError
	return errors.As(err, &target)
}
