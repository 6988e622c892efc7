package handlers

import (
	"crypto/subtle"
	"errors"

	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/domain"
	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/service"
	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/shipment"
	"github.com/gofiber/fiber/v2"
)

const HeaderWebhookToken = "X-Webhook-Token"

type WebhookHandler struct {
	fulfillment *service.FulfillmentService
	token       string
}

// NewWebhookHandler serves carrier pushes. An empty token accepts every
// caller.
func NewWebhookHandler(fulfillment *service.FulfillmentService, token string) *WebhookHandler {
	return &WebhookHandler{
		fulfillment: fulfillment,
		token:       token,
	}
}

func (h *WebhookHandler) ShipmentUpdate(c *fiber.Ctx) error {
	if h.token != "" && subtle.ConstantTimeCompare([]byte(c.Get(HeaderWebhookToken)), []byte(h.token)) != 1 {
		return ErrorResponse(c, fiber.StatusUnauthorized, CodeUnauthorized, "Invalid webhook token", nil)
	}

	var payload shipment.Payload
	if err := c.BodyParser(&payload); err != nil {
		return BadRequestResponse(c, "Invalid request body", map[string]interface{}{
			"parse_error": err.Error(),
		})
	}

	order, err := h.fulfillment.IngestPayload(c.UserContext(), service.SourceWebhook, payload)
	if err != nil {
		// Carriers retry on anything but 2xx; an unknown shipment never
		// becomes known by retrying.
		if errors.Is(err, domain.ErrOrderNotFound) {
			return SuccessResponse(c, "Shipment not tracked, update ignored", map[string]interface{}{
				"shipment_id": payload.ShipmentID,
				"accepted":    false,
			})
		}
		return HandleError(c, err, map[string]interface{}{"shipment_id": payload.ShipmentID})
	}

	return SuccessResponse(c, "Shipment update processed", map[string]interface{}{
		"shipment_id":     payload.ShipmentID,
		"accepted":        true,
		"order_id":        order.ID,
		"order_status":    order.Status,
		"shipment_status": order.Shipment.Status,
	})
}
