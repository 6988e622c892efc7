package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/events"
	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/logging"
	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

const retryHeader = "x-retry-count"

type EventHandler func(ctx context.Context, event events.OrderEvent) error

type Consumer struct {
	client      *RabbitMQClient
	queueName   string
	serviceName string
}

func NewConsumer(client *RabbitMQClient, queueName, serviceName string) *Consumer {
	return &Consumer{
		client:      client,
		queueName:   queueName,
		serviceName: serviceName,
	}
}

// ConsumeEvents binds the queue to routingKeys and handles deliveries until
// ctx is cancelled or the client is closed. The subscription is set up again
// whenever the client reconnects.
func (c *Consumer) ConsumeEvents(ctx context.Context, routingKeys []string, handler EventHandler) error {
	if !c.client.IsConnected() {
		return ErrNotConnected
	}

	messages, reconnected, err := c.subscribe(routingKeys)
	if err != nil {
		return err
	}

	go c.run(ctx, handler, messages, reconnected, func() (<-chan amqp.Delivery, <-chan struct{}, error) {
		return c.subscribe(routingKeys)
	})

	return nil
}

type subscribeFunc func() (<-chan amqp.Delivery, <-chan struct{}, error)

// subscribe declares and binds the queue on the current channel and starts
// consuming. The returned signal fires on the client's next reconnect.
func (c *Consumer) subscribe(routingKeys []string) (<-chan amqp.Delivery, <-chan struct{}, error) {
	reconnected := c.client.Reconnected()
	channel := c.client.Channel()

	queue, err := channel.QueueDeclare(
		c.queueName, // name
		true,        // durable
		false,       // delete when unused
		false,       // exclusive
		false,       // no-wait
		nil,         // arguments
	)
	if err != nil {
		return nil, reconnected, fmt.Errorf("queue declare error: %w", err)
	}

	for _, routingKey := range routingKeys {
		err = channel.QueueBind(
			queue.Name,               // queue name
			routingKey,               // routing key
			c.client.config.Exchange, // exchange
			false,                    // no-wait
			nil,                      // arguments
		)
		if err != nil {
			return nil, reconnected, fmt.Errorf("queue bind error (%s): %w", routingKey, err)
		}
	}

	messages, err := channel.Consume(
		queue.Name,    // queue
		c.serviceName, // consumer
		false,         // auto-ack
		false,         // exclusive
		false,         // no-local
		false,         // no-wait
		nil,           // args
	)
	if err != nil {
		return nil, reconnected, fmt.Errorf("consume start error: %w", err)
	}

	logging.LogInfo("Consuming events", logrus.Fields{
		"queue":        queue.Name,
		"routing_keys": routingKeys,
	})
	return messages, reconnected, nil
}

func (c *Consumer) run(ctx context.Context, handler EventHandler, messages <-chan amqp.Delivery, reconnected <-chan struct{}, resubscribe subscribeFunc) {
	for {
		select {
		case msg, ok := <-messages:
			if !ok {
				// nil blocks until the client reconnects
				messages = nil
				logging.LogWarn("Delivery channel closed, waiting for reconnect", logrus.Fields{"queue": c.queueName})
				continue
			}
			c.handleMessage(ctx, msg, handler)
		case <-reconnected:
			var err error
			messages, reconnected, err = resubscribe()
			if err != nil {
				logging.LogError("Resubscribe error", err, logrus.Fields{"queue": c.queueName})
			}
		case <-ctx.Done():
			return
		case <-c.client.Done():
			return
		}
	}
}

func (c *Consumer) handleMessage(ctx context.Context, msg amqp.Delivery, handler EventHandler) {
	var event events.OrderEvent

	if err := json.Unmarshal(msg.Body, &event); err != nil {
		logging.LogError("Event deserialize error", err, logrus.Fields{"queue": c.queueName})
		msg.Nack(false, false)
		return
	}

	fields := logrus.Fields{
		"event_type": event.EventType,
		"order_id":   event.OrderID,
		"service":    event.Service,
	}

	if err := handler(ctx, event); err != nil {
		logging.LogError("Event process error", err, fields)

		attempt := retryCount(msg.Headers)
		if shouldRetry(attempt, c.client.config.RetryCount) {
			c.republish(ctx, msg, attempt+1)
		} else {
			logging.LogWarn("Max retry reached, dead-lettering event", fields)
			msg.Nack(false, false)
		}
		return
	}

	msg.Ack(false)
}

func retryCount(headers amqp.Table) int {
	switch v := headers[retryHeader].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	}
	return 0
}

func shouldRetry(attempt, maxRetries int) bool {
	return attempt < maxRetries
}

func (c *Consumer) republish(ctx context.Context, msg amqp.Delivery, attempt int) {
	select {
	case <-time.After(c.client.config.RetryDelay):
	case <-ctx.Done():
		msg.Nack(false, true)
		return
	}

	headers := amqp.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers[retryHeader] = int64(attempt)

	err := c.client.Channel().Publish(
		msg.Exchange,
		msg.RoutingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  msg.ContentType,
			Body:         msg.Body,
			DeliveryMode: msg.DeliveryMode,
			MessageId:    msg.MessageId,
			Headers:      headers,
		},
	)
	if err != nil {
		logging.LogError("Retry publish error", err, nil)
		msg.Nack(false, false)
		return
	}

	msg.Ack(false)
}
