package messaging

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/streadway/amqp"
)

func TestConnectionURL(t *testing.T) {
	cfg := &RabbitMQConfig{Host: "rabbit", Port: 5672, Username: "u", Password: "p", VHost: "/"}
	assert.Equal(t, "amqp://u:p@rabbit:5672/", cfg.ConnectionURL())

	cfg.VHost = "orders"
	assert.Equal(t, "amqp://u:p@rabbit:5672/orders", cfg.ConnectionURL())
}

func TestBuildPublishing(t *testing.T) {
	ev, err := events.NewOrderEvent(events.OrderPaidEvent, "o-1", "order-service", map[string]string{"k": "v"})
	require.NoError(t, err)

	msg, err := buildPublishing(ev)
	require.NoError(t, err)
	assert.Equal(t, "saga.order-service.order.paid", RoutingKey(ev))
	assert.Equal(t, ev.ID.String(), msg.MessageId)
	assert.Equal(t, uint8(amqp.Persistent), msg.DeliveryMode)
	assert.Equal(t, "o-1", msg.Headers["order_id"])

	var decoded events.OrderEvent
	require.NoError(t, json.Unmarshal(msg.Body, &decoded))
	assert.Equal(t, ev.ID, decoded.ID)
	assert.Equal(t, events.OrderPaidEvent, decoded.EventType)
}

func TestRetryCount(t *testing.T) {
	assert.Equal(t, 0, retryCount(nil))
	assert.Equal(t, 2, retryCount(amqp.Table{retryHeader: int64(2)}))
	assert.Equal(t, 1, retryCount(amqp.Table{retryHeader: int32(1)}))

	assert.True(t, shouldRetry(0, 3))
	assert.True(t, shouldRetry(2, 3))
	assert.False(t, shouldRetry(3, 3))
	assert.False(t, shouldRetry(0, 0))
}

type countingAcker struct {
	mu    sync.Mutex
	acks  int
	nacks int
}

func (a *countingAcker) Ack(uint64, bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks++
	return nil
}

func (a *countingAcker) Nack(uint64, bool, bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks++
	return nil
}

func (a *countingAcker) Reject(uint64, bool) error { return nil }

func (a *countingAcker) counts() (int, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acks, a.nacks
}

func delivery(t *testing.T, acker amqp.Acknowledger, orderID string) amqp.Delivery {
	t.Helper()
	ev, err := events.NewOrderEvent(events.ShippingTrackingEvent, orderID, "shipping-service", map[string]string{"shipment_id": "SHP-1"})
	require.NoError(t, err)
	body, err := json.Marshal(ev)
	require.NoError(t, err)
	return amqp.Delivery{Acknowledger: acker, Body: body}
}

func TestClientReconnectedSignal(t *testing.T) {
	client := NewRabbitMQClient(&RabbitMQConfig{})
	first := client.Reconnected()

	client.mu.Lock()
	client.signalConnected()
	client.mu.Unlock()

	select {
	case <-first:
	default:
		t.Fatal("signal not fired after connect")
	}

	select {
	case <-client.Reconnected():
		t.Fatal("new signal fired before the next connect")
	default:
	}
}

func TestConsumerResubscribesAfterReconnect(t *testing.T) {
	client := NewRabbitMQClient(&RabbitMQConfig{})
	defer client.Close()
	consumer := NewConsumer(client, "order-service.tracking", "order-service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	before := make(chan amqp.Delivery)
	beforeReconnect := make(chan struct{})
	after := make(chan amqp.Delivery)
	afterReconnect := make(chan struct{})

	var (
		mu           sync.Mutex
		resubscribed int
	)
	resubscribe := func() (<-chan amqp.Delivery, <-chan struct{}, error) {
		mu.Lock()
		defer mu.Unlock()
		resubscribed++
		return after, afterReconnect, nil
	}

	handled := make(chan string, 4)
	handler := func(_ context.Context, ev events.OrderEvent) error {
		handled <- ev.OrderID
		return nil
	}

	go consumer.run(ctx, handler, before, beforeReconnect, resubscribe)

	acker := &countingAcker{}
	before <- delivery(t, acker, "order-1")
	assert.Equal(t, "order-1", waitFor(t, handled))

	// broker drop: the delivery channel closes, then the client reconnects
	close(before)
	close(beforeReconnect)

	after <- delivery(t, acker, "order-2")
	assert.Equal(t, "order-2", waitFor(t, handled))

	mu.Lock()
	assert.Equal(t, 1, resubscribed)
	mu.Unlock()

	acks, nacks := acker.counts()
	assert.Equal(t, 2, acks)
	assert.Zero(t, nacks)
}

func waitFor(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return ""
	}
}
