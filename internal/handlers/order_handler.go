package handlers

import (
	"context"
	"strings"
	"time"

	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/messaging"
	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/service"
	"github.com/gofiber/fiber/v2"
)

// TrackingRoutingKey is the relay the shipping side publishes carrier
// tracking documents on.
const TrackingRoutingKey = "saga.shipping-service.shipping.tracking"

// Pinger reports whether a backing dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type OrderHandler struct {
	checkout    *service.CheckoutService
	fulfillment *service.FulfillmentService
	serviceName string
	deps        map[string]Pinger
}

func NewOrderHandler(checkout *service.CheckoutService, fulfillment *service.FulfillmentService, serviceName string) *OrderHandler {
	return &OrderHandler{
		checkout:    checkout,
		fulfillment: fulfillment,
		serviceName: serviceName,
		deps:        make(map[string]Pinger),
	}
}

// WithDependency adds a dependency to the health check.
func (h *OrderHandler) WithDependency(name string, p Pinger) *OrderHandler {
	h.deps[name] = p
	return h
}

func (h *OrderHandler) GetOrderByID(c *fiber.Ctx) error {
	orderID := c.Params("id")
	if err := validateOrderID("id", orderID); err != nil {
		return BadRequestResponse(c, "Invalid order ID", map[string]interface{}{
			"order_id": orderID,
		})
	}

	order, err := h.checkout.GetOrder(c.UserContext(), orderID)
	if err != nil {
		return HandleError(c, err, nil)
	}
	return SuccessResponse(c, "Order retrieved successfully", mapOrder(order))
}

func (h *OrderHandler) AttachShipment(c *fiber.Ctx) error {
	orderID := c.Params("id")
	if err := validateOrderID("id", orderID); err != nil {
		return BadRequestResponse(c, "Invalid order ID", map[string]interface{}{
			"order_id": orderID,
		})
	}

	var request AttachShipmentRequest
	if err := c.BodyParser(&request); err != nil {
		return BadRequestResponse(c, "Invalid request body", map[string]interface{}{
			"parse_error": err.Error(),
		})
	}
	if err := request.Validate(); err != nil {
		return HandleError(c, err, nil)
	}

	order, err := h.fulfillment.AttachShipment(c.UserContext(), orderID, strings.TrimSpace(request.ShipmentID), strings.TrimSpace(request.CourierName))
	if err != nil {
		return HandleError(c, err, map[string]interface{}{"order_id": orderID})
	}
	return SuccessResponse(c, "Shipment attached successfully", mapOrder(order))
}

func (h *OrderHandler) CancelOrder(c *fiber.Ctx) error {
	orderID := c.Params("id")
	if err := validateOrderID("id", orderID); err != nil {
		return BadRequestResponse(c, "Invalid order ID", map[string]interface{}{
			"order_id": orderID,
		})
	}

	// the body is optional
	var request CancelOrderRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&request); err != nil {
			return BadRequestResponse(c, "Invalid request body", map[string]interface{}{
				"parse_error": err.Error(),
			})
		}
	}

	order, err := h.fulfillment.Cancel(c.UserContext(), orderID, strings.TrimSpace(request.Reason))
	if err != nil {
		return HandleError(c, err, map[string]interface{}{"order_id": orderID})
	}
	return SuccessResponse(c, "Order cancelled successfully", mapOrder(order))
}

func (h *OrderHandler) RefundOrder(c *fiber.Ctx) error {
	orderID := c.Params("id")
	if err := validateOrderID("id", orderID); err != nil {
		return BadRequestResponse(c, "Invalid order ID", map[string]interface{}{
			"order_id": orderID,
		})
	}

	order, err := h.fulfillment.Refund(c.UserContext(), orderID)
	if err != nil {
		return HandleError(c, err, map[string]interface{}{"order_id": orderID})
	}
	return SuccessResponse(c, "Order refunded successfully", mapOrder(order))
}

func (h *OrderHandler) ResolveOrder(c *fiber.Ctx) error {
	orderID := c.Params("id")
	if err := validateOrderID("id", orderID); err != nil {
		return BadRequestResponse(c, "Invalid order ID", map[string]interface{}{
			"order_id": orderID,
		})
	}

	order, err := h.fulfillment.Resolve(c.UserContext(), orderID)
	if err != nil {
		return HandleError(c, err, map[string]interface{}{"order_id": orderID})
	}
	return SuccessResponse(c, "Order exception resolved", mapOrder(order))
}

func (h *OrderHandler) HealthCheck(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
	defer cancel()

	checks := make(map[string]string, len(h.deps))
	healthy := true
	for name, dep := range h.deps {
		if err := dep.Ping(ctx); err != nil {
			checks[name] = err.Error()
			healthy = false
			continue
		}
		checks[name] = "ok"
	}

	data := map[string]interface{}{
		"service": h.serviceName,
		"status":  "healthy",
		"checks":  checks,
	}
	if !healthy {
		data["status"] = "unhealthy"
		return c.Status(fiber.StatusServiceUnavailable).JSON(APIResponse{
			Success:   false,
			Message:   "Order service is unhealthy",
			Data:      data,
			Timestamp: time.Now(),
			RequestID: getRequestID(c),
		})
	}
	return SuccessResponse(c, "Order service is healthy", data)
}

// StartConsuming listens for relayed carrier tracking on RabbitMQ until ctx
// is cancelled.
func (h *OrderHandler) StartConsuming(ctx context.Context, consumer *messaging.Consumer) error {
	routingKeys := []string{
		TrackingRoutingKey, // carrier tracking relayed by the shipping side
	}

	return consumer.ConsumeEvents(ctx, routingKeys, h.fulfillment.HandleTrackingEvent)
}
