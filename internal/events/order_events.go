package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/domain"
	"github.com/google/uuid"
)

type OrderEventType string

const (
	// Order lifecycle
	OrderCreatedEvent       OrderEventType = "order.created"
	OrderPaidEvent          OrderEventType = "order.paid"
	OrderPaymentFailedEvent OrderEventType = "order.payment_failed"
	OrderStatusChangedEvent OrderEventType = "order.status_changed"
	OrderCancelledEvent     OrderEventType = "order.cancelled"
	OrderRefundedEvent      OrderEventType = "order.refunded"

	// Relayed carrier tracking
	ShippingTrackingEvent OrderEventType = "shipping.tracking"
)

type OrderEvent struct {
	ID            uuid.UUID       `json:"id"`
	OrderID       string          `json:"order_id"`
	EventType     OrderEventType  `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	Timestamp     time.Time       `json:"timestamp"`
	Service       string          `json:"service"`
	CorrelationID uuid.UUID       `json:"correlation_id"`
}

func NewOrderEvent(eventType OrderEventType, orderID, service string, payload interface{}) (OrderEvent, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return OrderEvent{}, fmt.Errorf("event payload encode error: %w", err)
	}
	return OrderEvent{
		ID:            uuid.New(),
		OrderID:       orderID,
		EventType:     eventType,
		Payload:       body,
		Timestamp:     time.Now().UTC(),
		Service:       service,
		CorrelationID: uuid.New(),
	}, nil
}

// Decode unmarshals the payload into v.
func (e OrderEvent) Decode(v interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %s has no payload", e.ID)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("event payload decode error: %w", err)
	}
	return nil
}

type OrderSnapshotPayload struct {
	Order domain.Order `json:"order"`
}

type StatusChangedPayload struct {
	OrderID string             `json:"order_id"`
	From    domain.OrderStatus `json:"from"`
	To      domain.OrderStatus `json:"to"`
	Event   domain.EventKind   `json:"event,omitempty"`
	Version int64              `json:"version"`
}

type PaymentFailedPayload struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
	Amount  int64  `json:"amount"`
}

// TypeForStatus picks the event type announcing that an order reached status.
func TypeForStatus(status domain.OrderStatus, created bool) OrderEventType {
	if created {
		return OrderCreatedEvent
	}
	switch status {
	case domain.OrderStatusPaid:
		return OrderPaidEvent
	case domain.OrderStatusPaymentFailed:
		return OrderPaymentFailedEvent
	case domain.OrderStatusCancelled:
		return OrderCancelledEvent
	case domain.OrderStatusRefunded:
		return OrderRefundedEvent
	}
	return OrderStatusChangedEvent
}

// ForChange builds the event published after a committed status change.
func ForChange(order *domain.Order, from domain.OrderStatus, event domain.EventKind, created bool, service string) (OrderEvent, error) {
	eventType := TypeForStatus(order.Status, created)

	var payload interface{}
	switch eventType {
	case OrderCreatedEvent, OrderPaidEvent:
		payload = OrderSnapshotPayload{Order: *order}
	case OrderPaymentFailedEvent:
		payload = PaymentFailedPayload{OrderID: order.ID, Reason: order.FailureReason, Amount: order.Pricing.Total}
	default:
		payload = StatusChangedPayload{OrderID: order.ID, From: from, To: order.Status, Event: event, Version: order.Version}
	}
	return NewOrderEvent(eventType, order.ID, service, payload)
}
