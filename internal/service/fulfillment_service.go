package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/domain"
	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/events"
	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/ledger"
	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/logging"
	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/metrics"
	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/payment"
	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/shipment"
	"github.com/sirupsen/logrus"
)

// Tracking sources, used as a metrics label.
const (
	SourceWebhook  = "webhook"
	SourcePoll     = "poll"
	SourceRabbitMQ = "rabbitmq"
	SourceKafka    = "kafka"
)

type FulfillmentConfig struct {
	PaymentTimeout time.Duration
	ReaperBatch    int
	PollBatch      int
}

type FulfillmentService struct {
	ledger   *ledger.Ledger
	tracker  *shipment.Tracker
	carrier  shipment.Carrier
	payments *payment.Manager
	metrics  *metrics.Metrics
	cfg      FulfillmentConfig
	now      func() time.Time
}

func NewFulfillmentService(l *ledger.Ledger, tracker *shipment.Tracker, carrier shipment.Carrier, payments *payment.Manager, m *metrics.Metrics, cfg FulfillmentConfig) *FulfillmentService {
	return &FulfillmentService{
		ledger:   l,
		tracker:  tracker,
		carrier:  carrier,
		payments: payments,
		metrics:  m,
		cfg:      cfg,
		now:      time.Now,
	}
}

func (s *FulfillmentService) AttachShipment(ctx context.Context, orderID, shipmentID, courier string) (*domain.Order, error) {
	if shipmentID == "" {
		return nil, domain.NewValidationError("shipment_id", "is required")
	}
	order, err := s.ledger.AttachShipment(ctx, orderID, shipmentID, courier)
	if err != nil {
		return nil, err
	}
	logging.LogInfo("Shipment attached", logrus.Fields{
		"order_id":    orderID,
		"shipment_id": shipmentID,
		"courier":     courier,
	})
	return order, nil
}

// IngestTracking merges a carrier update into the order that owns the
// shipment. The merge runs under the order lock, so concurrent sources never
// lose each other's events.
func (s *FulfillmentService) IngestTracking(ctx context.Context, source string, update domain.CarrierUpdate) (*domain.Order, error) {
	order, err := s.ledger.FindByShipmentID(ctx, update.ShipmentID)
	if err != nil {
		if errors.Is(err, domain.ErrOrderNotFound) {
			s.metrics.ObserveTrackingUpdate(source, "unknown_shipment")
		} else {
			s.metrics.ObserveTrackingUpdate(source, "error")
		}
		return nil, err
	}

	updated, err := s.ledger.UpdateShipment(ctx, order.ID, func(existing *domain.ShipmentRecord) domain.ShipmentRecord {
		return s.tracker.Ingest(existing, update)
	})
	if err != nil {
		s.metrics.ObserveTrackingUpdate(source, "error")
		return nil, err
	}

	s.metrics.ObserveTrackingUpdate(source, "ok")
	return updated, nil
}

// IngestPayload validates a carrier document before ingesting it.
func (s *FulfillmentService) IngestPayload(ctx context.Context, source string, payload shipment.Payload) (*domain.Order, error) {
	if err := payload.Validate(); err != nil {
		s.metrics.ObserveTrackingUpdate(source, "invalid")
		return nil, err
	}
	return s.IngestTracking(ctx, source, payload.ToUpdate())
}

// HandleTrackingEvent consumes relayed tracking from the message bus.
// Documents that can never be applied are dropped rather than retried.
func (s *FulfillmentService) HandleTrackingEvent(ctx context.Context, event events.OrderEvent) error {
	if event.EventType != events.ShippingTrackingEvent {
		return nil
	}

	var payload shipment.Payload
	if err := event.Decode(&payload); err != nil {
		logging.LogWarn("Dropping undecodable tracking event", logrus.Fields{"event_id": event.ID, "error": err.Error()})
		return nil
	}
	return s.dropPermanent(s.IngestPayload(ctx, SourceRabbitMQ, payload))
}

// HandleFeedPayload consumes the Kafka carrier feed.
func (s *FulfillmentService) HandleFeedPayload(ctx context.Context, payload shipment.Payload) error {
	return s.dropPermanent(s.IngestPayload(ctx, SourceKafka, payload))
}

func (s *FulfillmentService) dropPermanent(_ *domain.Order, err error) error {
	var vErr *domain.ValidationError
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrOrderNotFound), errors.As(err, &vErr):
		logging.LogWarn("Dropping tracking update", logrus.Fields{"error": err.Error()})
		return nil
	}
	return err
}

// PollTracking asks the carrier for every shipment still in flight. A failing
// shipment is skipped until the next cycle. It returns how many shipments
// were ingested.
func (s *FulfillmentService) PollTracking(ctx context.Context) (int, error) {
	orders, err := s.ledger.ListAwaitingDelivery(ctx, s.cfg.PollBatch)
	if err != nil {
		return 0, fmt.Errorf("list shipments error: %w", err)
	}

	ingested := 0
	for _, order := range orders {
		if ctx.Err() != nil {
			return ingested, ctx.Err()
		}

		shipmentID := order.Shipment.ShipmentID
		update, err := s.carrier.Track(ctx, shipmentID)
		if err != nil {
			s.metrics.ObserveTrackingUpdate(SourcePoll, "carrier_error")
			logging.LogWarn("Carrier tracking failed, retrying next cycle", logrus.Fields{
				"order_id":    order.ID,
				"shipment_id": shipmentID,
				"error":       err.Error(),
			})
			continue
		}
		if update.ShipmentID == "" {
			update.ShipmentID = shipmentID
		}

		if _, err := s.IngestTracking(ctx, SourcePoll, update); err != nil {
			logging.LogWarn("Tracking ingestion failed", logrus.Fields{
				"order_id":    order.ID,
				"shipment_id": shipmentID,
				"error":       err.Error(),
			})
			continue
		}
		ingested++
	}
	return ingested, nil
}

// ReapStaleOrders fails orders that stayed in Created past the payment
// timeout. The intent is failed first so a late proof is rejected; an intent
// that was verified in the meantime keeps its order alive.
func (s *FulfillmentService) ReapStaleOrders(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.cfg.PaymentTimeout)
	orders, err := s.ledger.ListStaleCreated(ctx, cutoff, s.cfg.ReaperBatch)
	if err != nil {
		return 0, fmt.Errorf("list stale orders error: %w", err)
	}

	reaped := 0
	for _, order := range orders {
		if ctx.Err() != nil {
			return reaped, ctx.Err()
		}

		settled, err := s.closeIntent(ctx, order.ID)
		if err != nil {
			logging.LogError("Could not expire payment intent", err, logrus.Fields{"order_id": order.ID})
			continue
		}
		if settled {
			logging.LogWarn("Stale order has a verified payment, leaving it for confirmation", logrus.Fields{"order_id": order.ID})
			continue
		}

		_, err = s.ledger.FailPayment(ctx, order.ID, fmt.Sprintf("payment not completed within %s", s.cfg.PaymentTimeout))
		if err != nil {
			if !domain.IsInvalidTransition(err) {
				logging.LogError("Could not fail stale order", err, logrus.Fields{"order_id": order.ID})
			}
			continue
		}
		reaped++
	}
	return reaped, nil
}

// closeIntent fails the order's open intent and reports whether the intent
// turned out to be verified.
func (s *FulfillmentService) closeIntent(ctx context.Context, orderID string) (bool, error) {
	if err := s.payments.Expire(ctx, orderID); err != nil {
		return false, err
	}
	intent, err := s.payments.GetByOrderID(ctx, orderID)
	if errors.Is(err, domain.ErrIntentNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return intent.Status == domain.IntentStatusVerified, nil
}

func (s *FulfillmentService) Cancel(ctx context.Context, orderID, reason string) (*domain.Order, error) {
	order, err := s.ledger.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status == domain.OrderStatusCreated {
		settled, err := s.closeIntent(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if settled {
			return nil, domain.NewValidationError("order_id", "payment was captured and is being confirmed, retry shortly")
		}
	}

	if reason == "" {
		reason = "cancelled by operator"
	}
	cancelled, err := s.ledger.Cancel(ctx, orderID, reason)
	if err != nil {
		return nil, err
	}
	logging.LogInfo("Order cancelled", logrus.Fields{"order_id": orderID, "reason": reason})
	return cancelled, nil
}

// Refund returns the money for a cancelled, paid order. The state machine is
// checked before the gateway is called.
func (s *FulfillmentService) Refund(ctx context.Context, orderID string) (*domain.Order, error) {
	order, err := s.ledger.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if _, ok := domain.NextStatus(order.Status, domain.EventRefund); !ok {
		return nil, &domain.InvalidTransitionError{OrderID: orderID, From: order.Status, Event: domain.EventRefund}
	}
	if !order.Payment.Verified {
		return nil, domain.NewValidationError("order_id", "order has no verified payment to refund")
	}

	refund, err := s.payments.Refund(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return s.ledger.Refund(ctx, orderID, refund.ID)
}

func (s *FulfillmentService) Resolve(ctx context.Context, orderID string) (*domain.Order, error) {
	return s.ledger.Resolve(ctx, orderID)
}
