package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/logging"
	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

type RabbitMQClient struct {
	config     *RabbitMQConfig
	connection *amqp.Connection
	channel    *amqp.Channel
	mu         sync.RWMutex
	isClosing  bool
	connected  chan struct{}
	ctx        context.Context
	cancel     context.CancelFunc
}

func NewRabbitMQClient(config *RabbitMQConfig) *RabbitMQClient {
	ctx, cancel := context.WithCancel(context.Background())

	return &RabbitMQClient{
		config:    config,
		connected: make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (r *RabbitMQClient) Connect() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	attempts := r.config.RetryCount
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		r.connection, err = amqp.DialConfig(r.config.ConnectionURL(), amqp.Config{
			Dial: amqp.DefaultDial(r.config.ConnectionTimeout),
		})
		if err != nil {
			logging.LogWarn("RabbitMQ connection error", logrus.Fields{
				"attempt": i + 1,
				"max":     attempts,
				"error":   err.Error(),
			})
			if i < attempts-1 {
				select {
				case <-time.After(r.config.RetryDelay):
				case <-r.ctx.Done():
					return r.ctx.Err()
				}
				continue
			}
			return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
		}

		r.channel, err = r.connection.Channel()
		if err != nil {
			r.connection.Close()
			return fmt.Errorf("failed to open RabbitMQ channel: %w", err)
		}

		err = r.channel.ExchangeDeclare(
			r.config.Exchange, // name
			"topic",           // type
			true,              // durable
			false,             // auto-deleted
			false,             // internal
			false,             // no-wait
			nil,               // arguments
		)
		if err != nil {
			r.channel.Close()
			r.connection.Close()
			return fmt.Errorf("failed to create exchange: %w", err)
		}

		logging.LogInfo("Connected to RabbitMQ", logrus.Fields{
			"host":     r.config.Host,
			"exchange": r.config.Exchange,
		})

		r.signalConnected()
		go r.handleReconnection(r.connection)

		return nil
	}

	return err
}

func (r *RabbitMQClient) handleReconnection(conn *amqp.Connection) {
	notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))

	select {
	case err := <-notifyClose:
		r.mu.RLock()
		closing := r.isClosing
		r.mu.RUnlock()
		if closing {
			return
		}

		logging.LogWarn("RabbitMQ connection lost, reconnecting", logrus.Fields{"error": fmt.Sprint(err)})
		for {
			select {
			case <-time.After(2 * time.Second):
			case <-r.ctx.Done():
				return
			}
			reconnectErr := r.Connect()
			if reconnectErr == nil {
				return
			}
			logging.LogError("RabbitMQ reconnect failed", reconnectErr, nil)
		}
	case <-r.ctx.Done():
	}
}

// Reconnected returns a channel that is closed by the next successful
// connection. Consumers use it to subscribe again after a broker drop.
func (r *RabbitMQClient) Reconnected() <-chan struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connected
}

// signalConnected closes and replaces the connected channel. r.mu must be
// held.
func (r *RabbitMQClient) signalConnected() {
	close(r.connected)
	r.connected = make(chan struct{})
}

func (r *RabbitMQClient) Channel() *amqp.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.channel
}

// Done is closed once the client starts shutting down.
func (r *RabbitMQClient) Done() <-chan struct{} {
	return r.ctx.Done()
}

func (r *RabbitMQClient) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.isClosing {
		return nil
	}

	r.isClosing = true
	r.cancel()

	var closeErr error

	if r.channel != nil {
		if err := r.channel.Close(); err != nil {
			closeErr = fmt.Errorf("channel close error: %w", err)
		}
	}

	if r.connection != nil {
		if err := r.connection.Close(); err != nil {
			if closeErr != nil {
				closeErr = fmt.Errorf("%v; connection close error: %w", closeErr, err)
			} else {
				closeErr = fmt.Errorf("connection close error: %w", err)
			}
		}
	}

	if closeErr != nil {
		logging.LogError("Failed to close RabbitMQ connection", closeErr, nil)
	} else {
		logging.LogInfo("RabbitMQ connection closed", nil)
	}

	return closeErr
}

func (r *RabbitMQClient) IsConnected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.connection != nil && !r.connection.IsClosed()
}
