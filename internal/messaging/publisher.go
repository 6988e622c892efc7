package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/events"
	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/logging"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

var ErrNotConnected = errors.New("there is no connection to RabbitMQ")

type Publisher struct {
	client *RabbitMQClient
}

func NewPublisher(client *RabbitMQClient) *Publisher {
	return &Publisher{
		client: client,
	}
}

// RoutingKey is the topic key an event is published under.
func RoutingKey(event events.OrderEvent) string {
	return fmt.Sprintf("saga.%s.%s", event.Service, string(event.EventType))
}

func buildPublishing(event events.OrderEvent) (amqp.Publishing, error) {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	body, err := json.Marshal(event)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("event serialization error: %w", err)
	}

	return amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		MessageId:    event.ID.String(),
		Timestamp:    event.Timestamp,
		Headers: amqp.Table{
			"order_id":       event.OrderID,
			"correlation_id": event.CorrelationID.String(),
			"service":        event.Service,
			"event_type":     string(event.EventType),
		},
	}, nil
}

func (p *Publisher) Publish(ctx context.Context, event events.OrderEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !p.client.IsConnected() {
		return ErrNotConnected
	}

	msg, err := buildPublishing(event)
	if err != nil {
		return err
	}

	routingKey := RoutingKey(event)
	err = p.client.Channel().Publish(
		p.client.config.Exchange,
		routingKey,
		false,
		false,
		msg,
	)
	if err != nil {
		return fmt.Errorf("event publish error: %w", err)
	}

	logging.LogDebug("Event published", logrus.Fields{
		"routing_key": routingKey,
		"order_id":    event.OrderID,
	})
	return nil
}

// PublishWithRetry waits one more second before every further attempt.
func (p *Publisher) PublishWithRetry(ctx context.Context, event events.OrderEvent, maxRetries int) error {
	var lastErr error

	for i := 0; i < maxRetries; i++ {
		err := p.Publish(ctx, event)
		if err == nil {
			return nil
		}
		lastErr = err
		logging.LogWarn("Publish error", logrus.Fields{
			"attempt":    i + 1,
			"max":        maxRetries,
			"event_type": event.EventType,
			"error":      err.Error(),
		})

		if i < maxRetries-1 {
			select {
			case <-time.After(time.Second * time.Duration(i+1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	return fmt.Errorf("event publish failed after %d attempt(s): %w", maxRetries, lastErr)
}
