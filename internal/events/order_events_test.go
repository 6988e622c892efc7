package events

import (
	"testing"

	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypeForStatus(t *testing.T) {
	assert.Equal(t, OrderCreatedEvent, TypeForStatus(domain.OrderStatusCreated, true))
	assert.Equal(t, OrderPaidEvent, TypeForStatus(domain.OrderStatusPaid, false))
	assert.Equal(t, OrderPaymentFailedEvent, TypeForStatus(domain.OrderStatusPaymentFailed, false))
	assert.Equal(t, OrderCancelledEvent, TypeForStatus(domain.OrderStatusCancelled, false))
	assert.Equal(t, OrderRefundedEvent, TypeForStatus(domain.OrderStatusRefunded, false))
	assert.Equal(t, OrderStatusChangedEvent, TypeForStatus(domain.OrderStatusShipped, false))
}

func TestForChange(t *testing.T) {
	order := &domain.Order{
		ID:      "o-1",
		Status:  domain.OrderStatusShipped,
		Version: 4,
		Pricing: domain.PriceBreakdown{Total: 95000},
	}

	ev, err := ForChange(order, domain.OrderStatusProcessing, domain.EventShipped, false, "order-service")
	require.NoError(t, err)
	assert.Equal(t, OrderStatusChangedEvent, ev.EventType)
	assert.Equal(t, "o-1", ev.OrderID)
	assert.NotEqual(t, uuid.Nil, ev.ID)

	var payload StatusChangedPayload
	require.NoError(t, ev.Decode(&payload))
	assert.Equal(t, domain.OrderStatusProcessing, payload.From)
	assert.Equal(t, domain.OrderStatusShipped, payload.To)
	assert.Equal(t, int64(4), payload.Version)

	order.Status = domain.OrderStatusPaymentFailed
	order.FailureReason = "card declined"
	ev, err = ForChange(order, domain.OrderStatusCreated, domain.EventPaymentFailed, false, "order-service")
	require.NoError(t, err)

	var failed PaymentFailedPayload
	require.NoError(t, ev.Decode(&failed))
	assert.Equal(t, "card declined", failed.Reason)
	assert.Equal(t, int64(95000), failed.Amount)
}

func TestDecodeWithoutPayload(t *testing.T) {
	var v map[string]interface{}
	assert.Error(t, OrderEvent{}.Decode(&v))
}
