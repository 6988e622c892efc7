package domain

// EventKind is an input to the order state machine.
type EventKind string

const (
	EventPaymentVerified   EventKind = "payment_verified"
	EventPaymentFailed     EventKind = "payment_failed"
	EventShipmentPending   EventKind = "shipment_pending"
	EventShipped           EventKind = "shipment_shipped"
	EventOutForDelivery    EventKind = "shipment_out_for_delivery"
	EventDelivered         EventKind = "shipment_delivered"
	EventShipmentException EventKind = "shipment_exception"
	EventCancel            EventKind = "cancel"
	EventRefund            EventKind = "refund"
	EventResolve           EventKind = "resolve"
)

// transitions lists every allowed (state, event) pair. Anything missing is
// rejected.
var transitions = map[OrderStatus]map[EventKind]OrderStatus{
	OrderStatusCreated: {
		EventPaymentVerified: OrderStatusPaid,
		EventPaymentFailed:   OrderStatusPaymentFailed,
		EventCancel:          OrderStatusCancelled,
	},
	OrderStatusPaid: {
		EventShipmentPending:   OrderStatusProcessing,
		EventShipped:           OrderStatusShipped,
		EventOutForDelivery:    OrderStatusOutForDelivery,
		EventDelivered:         OrderStatusDelivered,
		EventShipmentException: OrderStatusException,
		EventCancel:            OrderStatusCancelled,
	},
	OrderStatusProcessing: {
		EventShipped:           OrderStatusShipped,
		EventOutForDelivery:    OrderStatusOutForDelivery,
		EventDelivered:         OrderStatusDelivered,
		EventShipmentException: OrderStatusException,
	},
	OrderStatusShipped: {
		EventOutForDelivery:    OrderStatusOutForDelivery,
		EventDelivered:         OrderStatusDelivered,
		EventShipmentException: OrderStatusException,
	},
	OrderStatusOutForDelivery: {
		EventDelivered:         OrderStatusDelivered,
		EventShipmentException: OrderStatusException,
	},
	OrderStatusException: {
		EventResolve: OrderStatusProcessing,
	},
	OrderStatusCancelled: {
		EventRefund: OrderStatusRefunded,
	},
}

// NextStatus returns the status reached by applying event to from.
func NextStatus(from OrderStatus, event EventKind) (OrderStatus, bool) {
	next, ok := transitions[from][event]
	return next, ok
}

// ShipmentEvent maps a canonical shipment status onto the ledger event it
// drives. NotShipped drives nothing.
func ShipmentEvent(status CanonicalStatus) (EventKind, bool) {
	switch status {
	case ShipmentPending:
		return EventShipmentPending, true
	case ShipmentShipped:
		return EventShipped, true
	case ShipmentOutForDelivery:
		return EventOutForDelivery, true
	case ShipmentDelivered:
		return EventDelivered, true
	case ShipmentException:
		return EventShipmentException, true
	}
	return "", false
}
