package handlers

import (
	"strings"

	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/domain"
	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/service"
	"github.com/gofiber/fiber/v2"
)

type CheckoutHandler struct {
	checkout *service.CheckoutService
	keyID    string
}

// NewCheckoutHandler wires the checkout endpoints. keyID is the public
// gateway key returned with every payment intent.
func NewCheckoutHandler(checkout *service.CheckoutService, keyID string) *CheckoutHandler {
	return &CheckoutHandler{
		checkout: checkout,
		keyID:    keyID,
	}
}

func (h *CheckoutHandler) Quote(c *fiber.Ctx) error {
	var request QuoteRequest
	if err := c.BodyParser(&request); err != nil {
		return BadRequestResponse(c, "Invalid request body", map[string]interface{}{
			"parse_error": err.Error(),
		})
	}
	if err := request.Validate(); err != nil {
		return HandleError(c, err, nil)
	}

	breakdown, err := h.checkout.Quote(c.UserContext(), toLineItems(request.Items), strings.TrimSpace(request.CouponCode))
	if err != nil {
		return HandleError(c, err, nil)
	}
	return SuccessResponse(c, "Quote calculated successfully", breakdown)
}

func (h *CheckoutHandler) CreateOrder(c *fiber.Ctx) error {
	var request CreateOrderRequest
	if err := c.BodyParser(&request); err != nil {
		return BadRequestResponse(c, "Invalid request body", map[string]interface{}{
			"parse_error": err.Error(),
		})
	}
	if err := request.Validate(); err != nil {
		return HandleError(c, err, nil)
	}

	result, err := h.checkout.CreateOrder(c.UserContext(), service.CreateOrderRequest{
		OrderID:         request.OrderID,
		CustomerID:      request.CustomerID,
		Items:           toLineItems(request.Items),
		CouponCode:      strings.TrimSpace(request.CouponCode),
		ShippingAddress: request.ShippingAddress.toDomain(),
	})
	if err != nil {
		// The order exists even when the gateway could not be reached; the
		// client resubmits with this id.
		var details map[string]interface{}
		if result.Order != nil {
			details = map[string]interface{}{"order_id": result.Order.ID}
		}
		return HandleError(c, err, details)
	}

	response := CheckoutResponse{
		Order:   mapOrder(result.Order),
		Payment: mapIntent(result.Intent, h.keyID),
	}
	if request.OrderID != "" {
		return SuccessResponse(c, "Checkout resumed successfully", response)
	}
	return CreatedResponse(c, "Order created successfully", response)
}

func (h *CheckoutHandler) VerifyPayment(c *fiber.Ctx) error {
	var request VerifyPaymentRequest
	if err := c.BodyParser(&request); err != nil {
		return BadRequestResponse(c, "Invalid request body", map[string]interface{}{
			"parse_error": err.Error(),
		})
	}
	if err := request.Validate(); err != nil {
		return HandleError(c, err, nil)
	}

	order, err := h.checkout.VerifyPayment(c.UserContext(), request.OrderID, domain.PaymentProof{
		GatewayOrderID: request.GatewayOrderID,
		PaymentID:      request.PaymentID,
		Signature:      request.Signature,
	})
	if err != nil {
		// A verified payment that lost the race against cancellation or the
		// reaper is still a payment problem from the customer's side.
		if domain.IsInvalidTransition(err) {
			return ErrorResponse(c, fiber.StatusConflict, CodePaymentUnconfirmed, msgPaymentUnconfirmed, map[string]interface{}{
				"order_id": request.OrderID,
			})
		}
		return HandleError(c, err, map[string]interface{}{"order_id": request.OrderID})
	}
	return SuccessResponse(c, "Payment verified successfully", mapOrder(order))
}

func (h *CheckoutHandler) PaymentFailed(c *fiber.Ctx) error {
	var request PaymentFailedRequest
	if err := c.BodyParser(&request); err != nil {
		return BadRequestResponse(c, "Invalid request body", map[string]interface{}{
			"parse_error": err.Error(),
		})
	}
	if err := request.Validate(); err != nil {
		return HandleError(c, err, nil)
	}

	reason := strings.TrimSpace(request.Reason)
	if reason == "" {
		reason = "payment failed at gateway"
	}

	order, err := h.checkout.ReportPaymentFailure(c.UserContext(), request.OrderID, strings.TrimSpace(request.GatewayOrderID), reason)
	if err != nil {
		return HandleError(c, err, nil)
	}
	return SuccessResponse(c, "Payment failure recorded", mapOrder(order))
}
