package payment

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/domain"
	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/logging"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Gateway is the external payment provider. Errors wrapping
// domain.ErrGatewayRejected are permanent; anything else may be retried.
type Gateway interface {
	CreateOrder(ctx context.Context, amount int64, currency, receipt string) (GatewayOrder, error)
	Refund(ctx context.Context, paymentID string, amount int64) (Refund, error)
}

type GatewayOrder struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
	Status   string `json:"status"`
}

type Refund struct {
	ID        string `json:"id"`
	PaymentID string `json:"payment_id"`
	Amount    int64  `json:"amount"`
	Status    string `json:"status"`
}

// MockGateway simulates a gateway for development and tests. It signs proofs
// with the same secret the manager verifies with.
type MockGateway struct {
	FailureRate float64 // 0.0 - 1.0, transient failures
	Latency     time.Duration

	secret   []byte
	mu       sync.Mutex
	failNext int
	calls    int
	orders   map[string]GatewayOrder
}

func NewMockGateway(secret string, failureRate float64) *MockGateway {
	return &MockGateway{
		FailureRate: failureRate,
		secret:      []byte(secret),
		orders:      make(map[string]GatewayOrder),
	}
}

// FailNext makes the next n calls fail with a transient error.
func (m *MockGateway) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
}

// Calls reports how many requests reached the gateway.
func (m *MockGateway) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockGateway) CreateOrder(ctx context.Context, amount int64, currency, receipt string) (GatewayOrder, error) {
	if err := m.simulate(ctx); err != nil {
		return GatewayOrder{}, err
	}
	if amount <= 0 {
		return GatewayOrder{}, fmt.Errorf("%w: amount must be positive", domain.ErrGatewayRejected)
	}

	order := GatewayOrder{
		ID:       mockID("order_"),
		Amount:   amount,
		Currency: currency,
		Receipt:  receipt,
		Status:   "created",
	}

	m.mu.Lock()
	m.orders[order.ID] = order
	m.mu.Unlock()

	logging.LogDebug("Mock gateway order created", logrus.Fields{
		"gateway_order_id": order.ID,
		"receipt":          receipt,
		"amount":           amount,
	})
	return order, nil
}

func (m *MockGateway) Refund(ctx context.Context, paymentID string, amount int64) (Refund, error) {
	if err := m.simulate(ctx); err != nil {
		return Refund{}, err
	}

	return Refund{
		ID:        mockID("rfnd_"),
		PaymentID: paymentID,
		Amount:    amount,
		Status:    "processed",
	}, nil
}

// Pay simulates the client completing checkout and returns the signed proof
// the gateway would hand back.
func (m *MockGateway) Pay(gatewayOrderID string) domain.PaymentProof {
	paymentID := mockID("pay_")
	return domain.PaymentProof{
		GatewayOrderID: gatewayOrderID,
		PaymentID:      paymentID,
		Signature:      Sign(m.secret, gatewayOrderID, paymentID),
	}
}

func (m *MockGateway) simulate(ctx context.Context) error {
	m.mu.Lock()
	m.calls++
	forced := m.failNext > 0
	if forced {
		m.failNext--
	}
	m.mu.Unlock()

	if m.Latency > 0 {
		select {
		case <-time.After(m.Latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if forced || (m.FailureRate > 0 && rand.Float64() < m.FailureRate) {
		return fmt.Errorf("mock gateway: temporarily unavailable")
	}
	return nil
}

func mockID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.New().String(), "-", "")[:14]
}
