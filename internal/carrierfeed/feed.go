// Package carrierfeed reads carrier tracking documents from a Kafka topic.
package carrierfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/logging"
	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/shipment"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

type Client struct {
	Brokers []string
}

func NewClient(brokersCSV string) *Client {
	brokers := []string{}
	for _, b := range strings.Split(brokersCSV, ",") {
		b = strings.TrimSpace(b)
		if b != "" {
			brokers = append(brokers, b)
		}
	}
	return &Client{Brokers: brokers}
}

func (c *Client) Enabled() bool {
	return len(c.Brokers) > 0
}

func (c *Client) NewReader(topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     c.Brokers,
		Topic:       topic,
		GroupID:     groupID,
		MinBytes:    10e3,
		MaxBytes:    10e6,
		StartOffset: kafka.FirstOffset,
	})
}

// Handler processes one tracking document. It must be idempotent: messages
// are delivered at least once.
type Handler func(ctx context.Context, payload shipment.Payload) error

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Config struct {
	MaxRetries int
	Backoff    time.Duration
}

type Consumer struct {
	reader messageReader
	cfg    Config
}

func NewConsumer(reader *kafka.Reader, cfg Config) *Consumer {
	return newConsumer(reader, cfg)
}

func newConsumer(reader messageReader, cfg Config) *Consumer {
	if cfg.Backoff <= 0 {
		cfg.Backoff = 200 * time.Millisecond
	}
	return &Consumer{reader: reader, cfg: cfg}
}

// Run blocks until ctx is cancelled. Every message is committed after its
// handler succeeds or its retries run out; undecodable messages are skipped.
func (c *Consumer) Run(ctx context.Context, handler Handler) error {
	defer c.reader.Close()

	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				return nil
			}
			logging.LogWarn("Carrier feed fetch error", logrus.Fields{"error": err.Error()})
			if !sleep(ctx, c.cfg.Backoff) {
				return nil
			}
			continue
		}

		fields := logrus.Fields{
			"topic":     m.Topic,
			"partition": m.Partition,
			"offset":    m.Offset,
		}

		payload, err := Decode(m.Value)
		if err != nil {
			logging.LogWarn("Skipping malformed carrier feed message", logrus.Fields{
				"offset": m.Offset,
				"error":  err.Error(),
			})
		} else {
			var hErr error
			for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
				hErr = handler(ctx, payload)
				if hErr == nil {
					break
				}
				if ctx.Err() != nil {
					return nil
				}
				if !sleep(ctx, c.cfg.Backoff*time.Duration(attempt+1)) {
					return nil
				}
			}
			if hErr != nil {
				fields["shipment_id"] = payload.ShipmentID
				logging.LogError("Carrier feed message dropped after retries", hErr, fields)
			}
		}

		if err := c.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			logging.LogWarn("Carrier feed commit error", logrus.Fields{"error": err.Error()})
		}
	}
}

// Decode parses and validates one feed message.
func Decode(value []byte) (shipment.Payload, error) {
	var p shipment.Payload
	if err := json.Unmarshal(value, &p); err != nil {
		return shipment.Payload{}, fmt.Errorf("carrier feed decode error: %w", err)
	}
	if err := p.Validate(); err != nil {
		return shipment.Payload{}, err
	}
	return p, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
