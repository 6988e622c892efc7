package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/cache"
	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/domain"
	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/ledger"
	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/metrics"
	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/payment"
	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/pricing"
	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/repository"
	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/service"
	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/shipment"
	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	signingSecret = "handler-test-secret"
	webhookToken  = "carrier-token"
)

type envelope struct {
	Success   bool            `json:"success"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data"`
	Error     *APIError       `json:"error"`
	RequestID string          `json:"request_id"`
}

type testServer struct {
	app     *fiber.App
	gateway *payment.MockGateway
	coupons *repository.MemoryCouponStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	coupons := repository.NewMemoryCouponStore(domain.Coupon{
		Code:  "SAVE10",
		Type:  domain.CouponTypePercent,
		Value: decimal.NewFromInt(10),
	})
	gateway := payment.NewMockGateway(signingSecret, 0)
	m := metrics.NewMetrics("order_service_test", prometheus.NewRegistry())

	payments := payment.NewManager(repository.NewMemoryIntentStore(), gateway, payment.Config{
		Secret:    signingSecret,
		IntentTTL: 30 * time.Minute,
		Retry: payment.RetryPolicy{
			Timeout:     time.Second,
			MaxAttempts: 2,
			BaseBackoff: time.Millisecond,
			MaxBackoff:  2 * time.Millisecond,
		},
	}, m)

	l := ledger.New(repository.NewMemoryOrderStore(), coupons, m)
	lru := cache.NewLRUCache(100)
	l.AddObserver(service.NewCacheObserver(lru))

	checkout := service.NewCheckoutService(pricing.NewEngine(coupons, "INR"), payments, l, lru, domain.FlatShipping(5000), "INR")
	fulfillment := service.NewFulfillmentService(l, shipment.NewTracker(), shipment.NewMockCarrier(), payments, m, service.FulfillmentConfig{
		PaymentTimeout: 30 * time.Minute,
		ReaperBatch:    10,
		PollBatch:      10,
	})

	app := NewApp(AppConfig{Name: "order-service-test", Metrics: m})
	RegisterRoutes(app, Routes{
		Checkout: NewCheckoutHandler(checkout, "rzp_test_key"),
		Orders:   NewOrderHandler(checkout, fulfillment, "order-service").WithDependency("store", repository.NewMemoryOrderStore()),
		Webhooks: NewWebhookHandler(fulfillment, webhookToken),
		Metrics:  m,
	})

	return &testServer{app: app, gateway: gateway, coupons: coupons}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}, headers ...string) (int, envelope) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

func cart(coupon string) CreateOrderRequest {
	return CreateOrderRequest{
		CustomerID: "cust-1",
		Items:      []LineItemRequest{{ProductID: "sku-1", Quantity: 2, UnitPrice: 50000}},
		CouponCode: coupon,
		ShippingAddress: ShippingAddressRequest{
			Name: "A. Buyer", Street: "1 MG Road", City: "Pune", ZipCode: "411001", Country: "IN",
		},
	}
}

func (s *testServer) createOrder(t *testing.T, coupon string) CheckoutResponse {
	t.Helper()
	status, env := s.do(t, http.MethodPost, "/api/v1/checkout/create-order", cart(coupon))
	require.Equal(t, http.StatusCreated, status, env.Message)

	var out CheckoutResponse
	require.NoError(t, json.Unmarshal(env.Data, &out))
	require.NotNil(t, out.Payment)
	return out
}

func (s *testServer) verify(t *testing.T, orderID string, proof domain.PaymentProof) (int, envelope) {
	t.Helper()
	return s.do(t, http.MethodPost, "/api/v1/checkout/verify-payment", VerifyPaymentRequest{
		OrderID:        orderID,
		GatewayOrderID: proof.GatewayOrderID,
		PaymentID:      proof.PaymentID,
		Signature:      proof.Signature,
	})
}

func decodeOrder(t *testing.T, env envelope) OrderResponse {
	t.Helper()
	var out OrderResponse
	require.NoError(t, json.Unmarshal(env.Data, &out))
	return out
}

func TestQuote(t *testing.T) {
	s := newTestServer(t)

	status, env := s.do(t, http.MethodPost, "/api/v1/checkout/quote", QuoteRequest{
		Items:      []LineItemRequest{{ProductID: "sku-1", Quantity: 1, UnitPrice: 100000}},
		CouponCode: "SAVE10",
	})
	require.Equal(t, http.StatusOK, status)
	assert.True(t, env.Success)
	assert.NotEmpty(t, env.RequestID)

	var quote domain.PriceBreakdown
	require.NoError(t, json.Unmarshal(env.Data, &quote))
	assert.Equal(t, int64(100000), quote.Subtotal)
	assert.Equal(t, int64(10000), quote.Discount)
	assert.Equal(t, int64(5000), quote.Shipping)
	assert.Equal(t, int64(95000), quote.Total)
}

func TestQuote_Errors(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name   string
		body   QuoteRequest
		status int
		code   string
	}{
		{
			name:   "empty cart",
			body:   QuoteRequest{},
			status: http.StatusBadRequest,
			code:   CodeValidation,
		},
		{
			name:   "non positive quantity",
			body:   QuoteRequest{Items: []LineItemRequest{{ProductID: "sku-1", Quantity: 0, UnitPrice: 100}}},
			status: http.StatusBadRequest,
			code:   CodeValidation,
		},
		{
			name:   "unknown coupon",
			body:   QuoteRequest{Items: []LineItemRequest{{ProductID: "sku-1", Quantity: 1, UnitPrice: 100}}, CouponCode: "BOGUS"},
			status: http.StatusUnprocessableEntity,
			code:   CodeInvalidCoupon,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, env := s.do(t, http.MethodPost, "/api/v1/checkout/quote", tt.body)
			assert.Equal(t, tt.status, status)
			assert.False(t, env.Success)
			require.NotNil(t, env.Error)
			assert.Equal(t, tt.code, env.Error.Code)
		})
	}

	_, env := s.do(t, http.MethodPost, "/api/v1/checkout/quote", tests[2].body)
	assert.Equal(t, "this coupon is invalid", env.Error.Message)
}

func TestCheckoutFlow(t *testing.T) {
	s := newTestServer(t)

	created := s.createOrder(t, "SAVE10")
	assert.Equal(t, "created", created.Order.Status)
	assert.Equal(t, int64(95000), created.Payment.Amount)
	assert.Equal(t, "rzp_test_key", created.Payment.KeyID)

	proof := s.gateway.Pay(created.Payment.GatewayOrderID)
	status, env := s.verify(t, created.Order.ID, proof)
	require.Equal(t, http.StatusOK, status, env.Message)
	paid := decodeOrder(t, env)
	assert.Equal(t, "paid", paid.Status)
	assert.True(t, paid.Payment.Verified)

	// a duplicate confirmation is a no-op
	status, env = s.verify(t, created.Order.ID, proof)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, paid.Version, decodeOrder(t, env).Version)

	coupon, err := s.coupons.Lookup(context.Background(), "SAVE10")
	require.NoError(t, err)
	assert.Equal(t, 1, coupon.UsageCount)

	status, env = s.do(t, http.MethodGet, "/api/v1/orders/"+created.Order.ID, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "paid", decodeOrder(t, env).Status)
}

func TestVerifyPayment_TamperedSignature(t *testing.T) {
	s := newTestServer(t)
	created := s.createOrder(t, "")

	proof := s.gateway.Pay(created.Payment.GatewayOrderID)
	proof.Signature = payment.Sign([]byte("attacker"), proof.GatewayOrderID, proof.PaymentID)

	status, env := s.verify(t, created.Order.ID, proof)
	assert.Equal(t, http.StatusPaymentRequired, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, CodePaymentUnconfirmed, env.Error.Code)
	assert.Equal(t, "payment could not be confirmed", env.Error.Message)

	status, env = s.do(t, http.MethodGet, "/api/v1/orders/"+created.Order.ID, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "created", decodeOrder(t, env).Status)
}

func TestCreateOrder_GatewayOutageCanBeResubmitted(t *testing.T) {
	s := newTestServer(t)
	s.gateway.FailNext(2)

	status, env := s.do(t, http.MethodPost, "/api/v1/checkout/create-order", cart(""))
	require.Equal(t, http.StatusServiceUnavailable, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, CodePaymentUnconfirmed, env.Error.Code)
	orderID, ok := env.Error.Details["order_id"].(string)
	require.True(t, ok)

	resubmit := cart("")
	resubmit.OrderID = orderID
	status, env = s.do(t, http.MethodPost, "/api/v1/checkout/create-order", resubmit)
	require.Equal(t, http.StatusOK, status, env.Message)

	var out CheckoutResponse
	require.NoError(t, json.Unmarshal(env.Data, &out))
	assert.Equal(t, orderID, out.Order.ID)
	require.NotNil(t, out.Payment)
	assert.NotEmpty(t, out.Payment.GatewayOrderID)
}

func TestPaymentFailed(t *testing.T) {
	s := newTestServer(t)
	created := s.createOrder(t, "")

	status, env := s.do(t, http.MethodPost, "/api/v1/checkout/payment-failed", PaymentFailedRequest{
		OrderID:        created.Order.ID,
		GatewayOrderID: created.Payment.GatewayOrderID,
		Reason:         "card declined",
	})
	require.Equal(t, http.StatusOK, status)
	failed := decodeOrder(t, env)
	assert.Equal(t, "payment_failed", failed.Status)
	assert.Equal(t, "card declined", failed.FailureReason)
}

func TestShipmentLifecycle(t *testing.T) {
	s := newTestServer(t)
	created := s.createOrder(t, "")
	status, _ := s.verify(t, created.Order.ID, s.gateway.Pay(created.Payment.GatewayOrderID))
	require.Equal(t, http.StatusOK, status)

	status, env := s.do(t, http.MethodPost, "/api/v1/orders/"+created.Order.ID+"/shipment", AttachShipmentRequest{
		ShipmentID:  "SHP-42",
		CourierName: "Delhivery",
	})
	require.Equal(t, http.StatusOK, status, env.Message)

	webhook := map[string]interface{}{
		"shipment_id": "SHP-42",
		"activities": []map[string]string{
			{"date": "2026-03-01 15:00:00", "location": "Pune", "activity": "Delivered"},
			{"date": "2026-03-01 09:00:00", "location": "Pune", "activity": "Out For Delivery"},
		},
	}

	status, _ = s.do(t, http.MethodPost, "/api/v1/webhooks/shipment", webhook)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, env = s.do(t, http.MethodPost, "/api/v1/webhooks/shipment", webhook, HeaderWebhookToken, webhookToken)
	require.Equal(t, http.StatusOK, status, env.Message)

	var ack map[string]interface{}
	require.NoError(t, json.Unmarshal(env.Data, &ack))
	assert.Equal(t, true, ack["accepted"])
	assert.Equal(t, "delivered", ack["order_status"])

	unknown := map[string]interface{}{
		"shipment_id": "SHP-UNKNOWN",
		"activities":  []map[string]string{{"date": "2026-03-01 15:00:00", "activity": "Delivered"}},
	}
	status, env = s.do(t, http.MethodPost, "/api/v1/webhooks/shipment", unknown, HeaderWebhookToken, webhookToken)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(env.Data, &ack))
	assert.Equal(t, false, ack["accepted"])

	status, env = s.do(t, http.MethodPost, "/api/v1/webhooks/shipment", map[string]interface{}{}, HeaderWebhookToken, webhookToken)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, CodeValidation, env.Error.Code)
}

func TestAdminActions(t *testing.T) {
	s := newTestServer(t)
	created := s.createOrder(t, "")
	status, _ := s.verify(t, created.Order.ID, s.gateway.Pay(created.Payment.GatewayOrderID))
	require.Equal(t, http.StatusOK, status)

	// refund needs a cancelled order
	status, env := s.do(t, http.MethodPost, "/api/v1/orders/"+created.Order.ID+"/refund", nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, CodeInvalidTransition, env.Error.Code)

	status, env = s.do(t, http.MethodPost, "/api/v1/orders/"+created.Order.ID+"/cancel", CancelOrderRequest{Reason: "out of stock"})
	require.Equal(t, http.StatusOK, status, env.Message)
	assert.Equal(t, "cancelled", decodeOrder(t, env).Status)

	status, env = s.do(t, http.MethodPost, "/api/v1/orders/"+created.Order.ID+"/refund", nil)
	require.Equal(t, http.StatusOK, status, env.Message)
	refunded := decodeOrder(t, env)
	assert.Equal(t, "refunded", refunded.Status)
	assert.NotEmpty(t, refunded.Payment.RefundID)

	status, env = s.do(t, http.MethodPost, "/api/v1/orders/"+created.Order.ID+"/resolve", nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, CodeInvalidTransition, env.Error.Code)
}

func TestGetOrder_NotFoundAndBadID(t *testing.T) {
	s := newTestServer(t)

	status, env := s.do(t, http.MethodGet, "/api/v1/orders/3f1c2d4e-0000-4000-8000-000000000000", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, CodeNotFound, env.Error.Code)

	status, env = s.do(t, http.MethodGet, "/api/v1/orders/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, CodeBadRequest, env.Error.Code)
}

func TestHealthAndUnknownRoute(t *testing.T) {
	s := newTestServer(t)

	status, env := s.do(t, http.MethodGet, "/api/v1/health", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, env.Success)

	status, env = s.do(t, http.MethodGet, "/api/v1/nope", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.False(t, env.Success)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodGet, "/api/v1/health", nil)

	resp, err := s.app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/metrics", nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "http_requests_total")
}
