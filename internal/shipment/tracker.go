package shipment

import (
	"strings"
	"time"
	"unicode"

	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/domain"
	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/logging"
	"github.com/sirupsen/logrus"
)

// vocabulary maps normalized carrier activity strings to canonical statuses.
var vocabulary = map[string]domain.CanonicalStatus{
	"order placed":       domain.ShipmentPending,
	"shipment booked":    domain.ShipmentPending,
	"manifested":         domain.ShipmentPending,
	"manifest generated": domain.ShipmentPending,
	"pickup scheduled":   domain.ShipmentPending,
	"pickup generated":   domain.ShipmentPending,
	"awb assigned":       domain.ShipmentPending,
	"label generated":    domain.ShipmentPending,
	"picked up":          domain.ShipmentShipped,
	"shipped":            domain.ShipmentShipped,
	"dispatched":         domain.ShipmentShipped,
	"in transit":         domain.ShipmentShipped,
	"reached hub":        domain.ShipmentShipped,
	"arrived at hub":     domain.ShipmentShipped,
	"out for delivery":   domain.ShipmentOutForDelivery,
	"out for pickup":     domain.ShipmentPending,
	"delivered":          domain.ShipmentDelivered,
	"undelivered":        domain.ShipmentException,
	"delivery failed":    domain.ShipmentException,
	"rto initiated":      domain.ShipmentException,
	"rto delivered":      domain.ShipmentException,
	"returned":           domain.ShipmentException,
	"lost":               domain.ShipmentException,
	"damaged":            domain.ShipmentException,
	"cancelled":          domain.ShipmentException,
	"canceled":           domain.ShipmentException,
}

// keywords is the fallback for activities that embed a known phrase as whole
// words, checked in order.
var keywords = []struct {
	phrase string
	status domain.CanonicalStatus
}{
	{"rto", domain.ShipmentException},
	{"undelivered", domain.ShipmentException},
	{"not delivered", domain.ShipmentException},
	{"delivery failed", domain.ShipmentException},
	{"lost", domain.ShipmentException},
	{"damaged", domain.ShipmentException},
	{"cancelled", domain.ShipmentException},
	{"canceled", domain.ShipmentException},
	{"returned", domain.ShipmentException},
	{"out for delivery", domain.ShipmentOutForDelivery},
	{"delivered", domain.ShipmentDelivered},
	{"in transit", domain.ShipmentShipped},
	{"picked up", domain.ShipmentShipped},
	{"dispatched", domain.ShipmentShipped},
	{"shipped", domain.ShipmentShipped},
	{"pickup", domain.ShipmentPending},
	{"manifest", domain.ShipmentPending},
	{"booked", domain.ShipmentPending},
}

func normalizeActivity(activity string) string {
	return strings.Join(strings.Fields(strings.ToLower(activity)), " ")
}

func words(activity string) string {
	fields := strings.FieldsFunc(strings.ToLower(activity), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return " " + strings.Join(fields, " ") + " "
}

// CanonicalStatus maps a carrier activity string. Unknown vocabulary is
// logged and treated as Pending; it is never an error.
func CanonicalStatus(activity string) domain.CanonicalStatus {
	key := normalizeActivity(activity)
	if status, ok := vocabulary[key]; ok {
		return status
	}
	padded := words(activity)
	for _, kw := range keywords {
		if strings.Contains(padded, " "+kw.phrase+" ") {
			return kw.status
		}
	}

	logging.LogWarn("Unknown carrier activity, treating as pending", logrus.Fields{
		"activity": activity,
	})
	return domain.ShipmentPending
}

// Tracker merges carrier updates into shipment records.
type Tracker struct {
	now func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{now: time.Now}
}

func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

type eventKey struct {
	at       int64
	activity string
}

// Ingest merges update into existing (nil for a new shipment). The result
// depends only on the union of events seen, never on arrival order, and
// re-ingesting an update changes nothing.
func (t *Tracker) Ingest(existing *domain.ShipmentRecord, update domain.CarrierUpdate) domain.ShipmentRecord {
	var record domain.ShipmentRecord
	if existing != nil {
		record = existing.Clone()
	} else {
		record = domain.NewShipmentRecord(update.ShipmentID, update.CourierName, t.now())
	}
	if record.ShipmentID == "" {
		record.ShipmentID = update.ShipmentID
	}

	seen := make(map[eventKey]bool, len(record.Events)+len(update.Events))
	for _, ev := range record.Events {
		seen[eventKey{ev.Timestamp.UnixNano(), normalizeActivity(ev.Activity)}] = true
	}

	for _, raw := range update.Events {
		key := eventKey{raw.Timestamp.UnixNano(), normalizeActivity(raw.Activity)}
		if seen[key] {
			continue
		}
		seen[key] = true

		record.Events = append(record.Events, domain.TrackingEvent{
			Timestamp: raw.Timestamp.UTC(),
			Location:  strings.TrimSpace(raw.Location),
			Activity:  strings.TrimSpace(raw.Activity),
			Status:    CanonicalStatus(raw.Activity),
		})
	}

	domain.SortEvents(record.Events)
	record.Status = Aggregate(record.Events)

	if update.ETD != nil {
		etd := update.ETD.UTC()
		record.EstimatedDelivery = &etd
	}
	if update.CourierName != "" {
		record.CourierName = update.CourierName
	}
	record.UpdatedAt = t.now()

	return record
}

// Aggregate derives the overall status of an event set, independent of event
// order. Precedence: Delivered, then Exception, then the highest-ranked
// progress status.
func Aggregate(events []domain.TrackingEvent) domain.CanonicalStatus {
	if len(events) == 0 {
		return domain.ShipmentNotShipped
	}

	status := domain.ShipmentNotShipped
	exception := false
	for _, ev := range events {
		if ev.Status == domain.ShipmentException {
			exception = true
			continue
		}
		if ev.Status.Rank() > status.Rank() {
			status = ev.Status
		}
	}

	if status == domain.ShipmentDelivered {
		return status
	}
	if exception {
		return domain.ShipmentException
	}
	return status
}
