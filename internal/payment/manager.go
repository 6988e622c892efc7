package payment

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

var ErrIntentSettled = errors.New("payment intent already settled")

// IntentStore persists payment intents and the verification audit trail.
// InsertIfAbsent is atomic per order id and returns whichever intent is
// stored afterwards.
type IntentStore interface {
	GetByOrderID(ctx context.Context, orderID string) (*domain.PaymentIntent, error)
	GetByGatewayOrderID(ctx context.Context, gatewayOrderID string) (*domain.PaymentIntent, error)
	InsertIfAbsent(ctx context.Context, intent *domain.PaymentIntent) (*domain.PaymentIntent, bool, error)
	Update(ctx context.Context, intent *domain.PaymentIntent) error
	AppendAttempt(ctx context.Context, attempt domain.PaymentAttempt) error
}

type Config struct {
	Secret    string
	IntentTTL time.Duration
	Retry     RetryPolicy
}

type Manager struct {
	store   IntentStore
	gateway Gateway
	secret  []byte
	ttl     time.Duration
	retry   RetryPolicy
	locks   *keylock.KeyedMutex
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewManager(store IntentStore, gateway Gateway, cfg Config, m *metrics.Metrics) *Manager {
	return &Manager{
		store:   store,
		gateway: gateway,
		secret:  []byte(cfg.Secret),
		ttl:     cfg.IntentTTL,
		retry:   cfg.Retry,
		locks:   keylock.New(),
		metrics: m,
		now:     time.Now,
	}
}

func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// CreateIntent returns the intent for orderID, creating the gateway order on
// first use. Concurrent and repeated calls for one order share one intent.
func (m *Manager) CreateIntent(ctx context.Context, amount int64, currency, orderID string) (*domain.PaymentIntent, error) {
	if orderID == "" {
		return nil, domain.NewValidationError("order_id", "is required")
	}
	if amount <= 0 {
		return nil, domain.NewValidationError("amount", "must be positive")
	}

	unlock := m.locks.Lock(orderID)
	defer unlock()

	existing, err := m.store.GetByOrderID(ctx, orderID)
	switch {
	case err == nil:
		if existing.Amount != amount || existing.Currency != currency {
			return nil, domain.NewValidationError("amount", "does not match the existing payment intent")
		}
		return existing, nil
	case !errors.Is(err, domain.ErrIntentNotFound):
		return nil, fmt.Errorf("intent lookup error: %w", err)
	}

	var gatewayOrder GatewayOrder
	attempts, err := m.retry.Do(ctx, "create_order", func(ctx context.Context) error {
		var callErr error
		gatewayOrder, callErr = m.gateway.CreateOrder(ctx, amount, currency, orderID)
		if callErr != nil {
			m.metrics.ObserveGatewayCall("create_order", "error")
		} else {
			m.metrics.ObserveGatewayCall("create_order", "ok")
		}
		return callErr
	})
	if err != nil {
		logging.LogError("Gateway order creation failed", err, logrus.Fields{
			"order_id": orderID,
			"attempts": attempts,
		})
		return nil, &domain.GatewayUnavailableError{Attempts: attempts, Err: err}
	}

	intent := domain.NewPaymentIntent(orderID, gatewayOrder.ID, amount, currency, m.now(), m.ttl)
	stored, inserted, err := m.store.InsertIfAbsent(ctx, intent)
	if err != nil {
		return nil, fmt.Errorf("intent insert error: %w", err)
	}
	if !inserted {
		logging.LogWarn("Payment intent already existed, discarding new gateway order", logrus.Fields{
			"order_id":         orderID,
			"gateway_order_id": gatewayOrder.ID,
			"kept":             stored.GatewayOrderID,
		})
	} else {
		logging.LogInfo("Payment intent created", logrus.Fields{
			"order_id":         orderID,
			"gateway_order_id": stored.GatewayOrderID,
			"amount":           amount,
		})
	}
	return stored, nil
}

// Verify checks a client-relayed proof. It never touches order state and a
// rejected proof leaves the intent unchanged.
func (m *Manager) Verify(ctx context.Context, proof domain.PaymentProof, expectedAmount int64, expectedGatewayOrderID string) (domain.VerifiedPayment, error) {
	if proof.GatewayOrderID == "" || proof.PaymentID == "" || proof.Signature == "" {
		return domain.VerifiedPayment{}, m.reject(ctx, proof, "incomplete proof")
	}
	if expectedGatewayOrderID != "" && proof.GatewayOrderID != expectedGatewayOrderID {
		return domain.VerifiedPayment{}, m.reject(ctx, proof, "gateway order id mismatch")
	}
	if !ValidSignature(m.secret, proof.GatewayOrderID, proof.PaymentID, proof.Signature) {
		return domain.VerifiedPayment{}, m.reject(ctx, proof, "signature mismatch")
	}

	intent, err := m.store.GetByGatewayOrderID(ctx, proof.GatewayOrderID)
	if err != nil {
		if errors.Is(err, domain.ErrIntentNotFound) {
			return domain.VerifiedPayment{}, m.reject(ctx, proof, "unknown gateway order")
		}
		return domain.VerifiedPayment{}, fmt.Errorf("intent lookup error: %w", err)
	}

	unlock := m.locks.Lock(intent.OrderID)
	defer unlock()

	// Re-read under the lock so a concurrent verification is observed.
	intent, err = m.store.GetByGatewayOrderID(ctx, proof.GatewayOrderID)
	if err != nil {
		return domain.VerifiedPayment{}, fmt.Errorf("intent lookup error: %w", err)
	}

	if intent.Amount != expectedAmount {
		return domain.VerifiedPayment{}, m.reject(ctx, proof, "amount mismatch")
	}

	switch intent.Status {
	case domain.IntentStatusVerified:
		if intent.PaymentID != proof.PaymentID {
			return domain.VerifiedPayment{}, m.reject(ctx, proof, "intent already settled by another payment")
		}
		m.record(ctx, proof, domain.VerificationReplayed, "")
		vp := verifiedPayment(intent)
		vp.Replayed = true
		return vp, nil
	case domain.IntentStatusFailed:
		return domain.VerifiedPayment{}, m.reject(ctx, proof, "intent failed")
	case domain.IntentStatusRefunded:
		return domain.VerifiedPayment{}, m.reject(ctx, proof, "intent refunded")
	}

	now := m.now()
	if intent.IsExpired(now) {
		return domain.VerifiedPayment{}, m.reject(ctx, proof, "intent expired")
	}

	intent.MarkVerified(proof.PaymentID, now)
	if err := m.store.Update(ctx, intent); err != nil {
		return domain.VerifiedPayment{}, fmt.Errorf("intent update error: %w", err)
	}
	m.record(ctx, proof, domain.VerificationAccepted, "")

	return verifiedPayment(intent), nil
}

// MarkFailed records a gateway-reported failure. Repeating it is a no-op; a
// verified intent cannot fail.
func (m *Manager) MarkFailed(ctx context.Context, gatewayOrderID, reason string) (*domain.PaymentIntent, error) {
	intent, err := m.store.GetByGatewayOrderID(ctx, gatewayOrderID)
	if err != nil {
		return nil, err
	}

	unlock := m.locks.Lock(intent.OrderID)
	defer unlock()

	intent, err = m.store.GetByGatewayOrderID(ctx, gatewayOrderID)
	if err != nil {
		return nil, err
	}

	switch intent.Status {
	case domain.IntentStatusFailed:
		return intent, nil
	case domain.IntentStatusVerified, domain.IntentStatusRefunded:
		return nil, fmt.Errorf("mark failed %s: %w", gatewayOrderID, ErrIntentSettled)
	}

	if reason == "" {
		reason = "payment failed at gateway"
	}
	intent.MarkFailed(reason, m.now())
	if err := m.store.Update(ctx, intent); err != nil {
		return nil, fmt.Errorf("intent update error: %w", err)
	}

	logging.LogInfo("Payment intent marked failed", logrus.Fields{
		"order_id":         intent.OrderID,
		"gateway_order_id": gatewayOrderID,
		"reason":           reason,
	})
	return intent, nil
}

// Expire fails an unverified intent for orderID, if there is one. Used when a
// stale order is reaped.
func (m *Manager) Expire(ctx context.Context, orderID string) error {
	intent, err := m.store.GetByOrderID(ctx, orderID)
	if err != nil {
		if errors.Is(err, domain.ErrIntentNotFound) {
			return nil
		}
		return err
	}
	if intent.Status != domain.IntentStatusCreated {
		return nil
	}
	_, err = m.MarkFailed(ctx, intent.GatewayOrderID, "payment window expired")
	if errors.Is(err, ErrIntentSettled) {
		return nil
	}
	return err
}

// Refund returns the full verified amount for orderID through the gateway.
// At most one refund is issued per intent. The status check and the gateway
// call run under the order's lock, and a repeated call returns the recorded
// refund. The gateway call is never retried.
func (m *Manager) Refund(ctx context.Context, orderID string) (Refund, error) {
	unlock := m.locks.Lock(orderID)
	defer unlock()

	intent, err := m.store.GetByOrderID(ctx, orderID)
	if err != nil {
		return Refund{}, err
	}

	switch intent.Status {
	case domain.IntentStatusRefunded:
		return recordedRefund(intent), nil
	case domain.IntentStatusVerified:
	default:
		return Refund{}, domain.NewValidationError("order_id", "order has no verified payment to refund")
	}

	callCtx := ctx
	if m.retry.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, m.retry.Timeout)
		defer cancel()
	}

	refund, err := m.gateway.Refund(callCtx, intent.PaymentID, intent.Amount)
	if err != nil {
		m.metrics.ObserveGatewayCall("refund", "error")
		logging.LogError("Gateway refund failed", err, logrus.Fields{
			"order_id":   orderID,
			"payment_id": intent.PaymentID,
		})
		return Refund{}, &domain.GatewayUnavailableError{Attempts: 1, Err: err}
	}
	m.metrics.ObserveGatewayCall("refund", "ok")

	intent.MarkRefunded(refund.ID, m.now())
	if err := m.store.Update(ctx, intent); err != nil {
		logging.LogError("Refund issued but not recorded", err, logrus.Fields{
			"order_id":  orderID,
			"refund_id": refund.ID,
			"reconcile": true,
		})
		return Refund{}, fmt.Errorf("intent update error: %w", err)
	}

	logging.LogInfo("Payment refunded", logrus.Fields{
		"order_id":   orderID,
		"payment_id": intent.PaymentID,
		"refund_id":  refund.ID,
		"amount":     intent.Amount,
	})
	return refund, nil
}

func recordedRefund(intent *domain.PaymentIntent) Refund {
	return Refund{
		ID:        intent.RefundID,
		PaymentID: intent.PaymentID,
		Amount:    intent.Amount,
		Status:    "processed",
	}
}

func (m *Manager) GetByOrderID(ctx context.Context, orderID string) (*domain.PaymentIntent, error) {
	return m.store.GetByOrderID(ctx, orderID)
}

func (m *Manager) reject(ctx context.Context, proof domain.PaymentProof, reason string) error {
	m.record(ctx, proof, domain.VerificationRejected, reason)
	logging.LogWarn("Payment proof rejected", logrus.Fields{
		"gateway_order_id": proof.GatewayOrderID,
		"payment_id":       proof.PaymentID,
		"reason":           reason,
		"fraud_review":     true,
	})
	return &domain.VerificationError{GatewayOrderID: proof.GatewayOrderID, Reason: reason}
}

func (m *Manager) record(ctx context.Context, proof domain.PaymentProof, outcome domain.VerificationOutcome, reason string) {
	m.metrics.ObserveVerification(string(outcome))

	err := m.store.AppendAttempt(ctx, domain.PaymentAttempt{
		GatewayOrderID: proof.GatewayOrderID,
		PaymentID:      proof.PaymentID,
		Outcome:        outcome,
		Reason:         reason,
		RecordedAt:     m.now(),
	})
	if err != nil {
		logging.LogError("Payment audit write failed", err, logrus.Fields{
			"gateway_order_id": proof.GatewayOrderID,
		})
	}
}

func verifiedPayment(intent *domain.PaymentIntent) domain.VerifiedPayment {
	return domain.VerifiedPayment{
		OrderID:        intent.OrderID,
		GatewayOrderID: intent.GatewayOrderID,
		PaymentID:      intent.PaymentID,
		Amount:         intent.Amount,
		Currency:       intent.Currency,
		VerifiedAt:     intent.UpdatedAt,
	}
}
