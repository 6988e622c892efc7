package domain

import (
	"sort"
	"time"
)

type CanonicalStatus string

const (
	ShipmentNotShipped     CanonicalStatus = "not_shipped"
	ShipmentPending        CanonicalStatus = "pending"
	ShipmentShipped        CanonicalStatus = "shipped"
	ShipmentOutForDelivery CanonicalStatus = "out_for_delivery"
	ShipmentDelivered      CanonicalStatus = "delivered"
	ShipmentException      CanonicalStatus = "exception"
)

var shipmentRank = map[CanonicalStatus]int{
	ShipmentNotShipped:     0,
	ShipmentPending:        1,
	ShipmentShipped:        2,
	ShipmentOutForDelivery: 3,
	ShipmentDelivered:      4,
}

// Rank orders the non-exception statuses. Exception has no rank and returns -1.
func (s CanonicalStatus) Rank() int {
	if r, ok := shipmentRank[s]; ok {
		return r
	}
	return -1
}

// TrackingEvent is a single carrier event with the canonical status it maps to.
type TrackingEvent struct {
	Timestamp time.Time       `json:"timestamp"`
	Location  string          `json:"location,omitempty"`
	Activity  string          `json:"activity"`
	Status    CanonicalStatus `json:"status"`
}

type ShipmentRecord struct {
	ShipmentID        string          `json:"shipment_id"`
	Status            CanonicalStatus `json:"status"`
	Events            []TrackingEvent `json:"events"`
	EstimatedDelivery *time.Time      `json:"estimated_delivery,omitempty"`
	CourierName       string          `json:"courier_name,omitempty"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

func NewShipmentRecord(shipmentID, courier string, now time.Time) ShipmentRecord {
	return ShipmentRecord{
		ShipmentID:  shipmentID,
		Status:      ShipmentNotShipped,
		Events:      []TrackingEvent{},
		CourierName: courier,
		UpdatedAt:   now,
	}
}

func (r ShipmentRecord) Clone() ShipmentRecord {
	c := r
	c.Events = make([]TrackingEvent, len(r.Events))
	copy(c.Events, r.Events)
	if r.EstimatedDelivery != nil {
		t := *r.EstimatedDelivery
		c.EstimatedDelivery = &t
	}
	return c
}

func (r ShipmentRecord) IsTerminal() bool {
	return r.Status == ShipmentDelivered
}

// SortEvents orders events by timestamp, then activity, so identical event sets
// always produce identical sequences.
func SortEvents(events []TrackingEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].Timestamp.Before(events[j].Timestamp)
		}
		return events[i].Activity < events[j].Activity
	})
}

// CarrierEvent is the raw event shape a carrier delivers.
type CarrierEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Location  string    `json:"location"`
	Activity  string    `json:"activity"`
}

// CarrierUpdate is a batch of carrier events for one shipment, as delivered by
// polling, webhook or feed.
type CarrierUpdate struct {
	ShipmentID  string         `json:"shipment_id"`
	Events      []CarrierEvent `json:"events"`
	ETD         *time.Time     `json:"etd,omitempty"`
	CourierName string         `json:"courier_name,omitempty"`
}
