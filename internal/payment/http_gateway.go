package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/domain"
	"github.com/gofiber/fiber/v2"
)

// HTTPGateway talks to a Razorpay-style REST API with basic auth.
type HTTPGateway struct {
	baseURL   string
	keyID     string
	keySecret string
	timeout   time.Duration
}

func NewHTTPGateway(baseURL, keyID, keySecret string, timeout time.Duration) *HTTPGateway {
	return &HTTPGateway{
		baseURL:   strings.TrimRight(baseURL, "/"),
		keyID:     keyID,
		keySecret: keySecret,
		timeout:   timeout,
	}
}

type createOrderRequest struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
}

type refundRequest struct {
	Amount int64 `json:"amount"`
}

type gatewayErrorBody struct {
	Error struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"error"`
}

func (g *HTTPGateway) CreateOrder(ctx context.Context, amount int64, currency, receipt string) (GatewayOrder, error) {
	var order GatewayOrder
	err := g.post(ctx, "/v1/orders", createOrderRequest{
		Amount:   amount,
		Currency: currency,
		Receipt:  receipt,
	}, &order)
	if err != nil {
		return GatewayOrder{}, fmt.Errorf("gateway create order error: %w", err)
	}
	if order.ID == "" {
		return GatewayOrder{}, fmt.Errorf("gateway create order error: empty order id in response")
	}
	return order, nil
}

func (g *HTTPGateway) Refund(ctx context.Context, paymentID string, amount int64) (Refund, error) {
	var refund Refund
	path := fmt.Sprintf("/v1/payments/%s/refund", paymentID)
	if err := g.post(ctx, path, refundRequest{Amount: amount}, &refund); err != nil {
		return Refund{}, fmt.Errorf("gateway refund error: %w", err)
	}
	return refund, nil
}

func (g *HTTPGateway) post(ctx context.Context, path string, payload, out interface{}) error {
	timeout := g.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout || timeout <= 0 {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return context.DeadlineExceeded
	}

	agent := fiber.Post(g.baseURL + path)
	agent.BasicAuth(g.keyID, g.keySecret)
	agent.JSON(payload)
	agent.Timeout(timeout)

	code, body, errs := agent.Bytes()
	if len(errs) > 0 {
		return errs[0]
	}

	switch {
	case code >= 500 || code == fiber.StatusTooManyRequests:
		return fmt.Errorf("gateway returned status %d", code)
	case code >= 400:
		var apiErr gatewayErrorBody
		_ = json.Unmarshal(body, &apiErr)
		return fmt.Errorf("%w: status %d: %s %s", domain.ErrGatewayRejected, code, apiErr.Error.Code, apiErr.Error.Description)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("gateway response decode error: %w", err)
	}
	return nil
}
