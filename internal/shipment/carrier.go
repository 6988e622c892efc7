package shipment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/domain"
	"github.com/gofiber/fiber/v2"
)

// Carrier is the tracking provider polled for shipment updates.
type Carrier interface {
	Track(ctx context.Context, shipmentID string) (domain.CarrierUpdate, error)
}

// CarrierTime accepts RFC 3339 and the "2006-01-02 15:04:05" form many
// carriers emit. The latter is read as UTC.
type CarrierTime struct {
	time.Time
}

var carrierTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func (t *CarrierTime) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("carrier time: %w", err)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range carrierTimeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("carrier time: unsupported format %q", s)
}

func (t CarrierTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Time.UTC().Format(time.RFC3339Nano))
}

// Activity is one entry of a carrier tracking payload. The time is read from
// "date" or, failing that, "timestamp".
type Activity struct {
	Date     CarrierTime `json:"date"`
	Location string      `json:"location"`
	Activity string      `json:"activity"`
}

func (a *Activity) UnmarshalJSON(b []byte) error {
	var raw struct {
		Date      CarrierTime `json:"date"`
		Timestamp CarrierTime `json:"timestamp"`
		Location  string      `json:"location"`
		Activity  string      `json:"activity"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	a.Date = raw.Date
	if a.Date.IsZero() {
		a.Date = raw.Timestamp
	}
	a.Location = raw.Location
	a.Activity = raw.Activity
	return nil
}

// Payload is the tracking document shared by the carrier API, its webhook,
// and the relayed message feeds. Events may arrive as "activities" or
// "events".
type Payload struct {
	ShipmentID  string      `json:"shipment_id"`
	CourierName string      `json:"courier_name"`
	ETD         CarrierTime `json:"etd"`
	Activities  []Activity  `json:"activities"`
}

func (p *Payload) UnmarshalJSON(b []byte) error {
	type payload Payload
	var raw struct {
		payload
		Events []Activity `json:"events"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	*p = Payload(raw.payload)
	if len(p.Activities) == 0 {
		p.Activities = raw.Events
	}
	return nil
}

func (p Payload) Validate() error {
	if strings.TrimSpace(p.ShipmentID) == "" {
		return domain.NewValidationError("shipment_id", "is required")
	}
	for i, a := range p.Activities {
		if a.Date.IsZero() {
			return domain.NewValidationError(fmt.Sprintf("activities[%d].date", i), "is required")
		}
		if strings.TrimSpace(a.Activity) == "" {
			return domain.NewValidationError(fmt.Sprintf("activities[%d].activity", i), "is required")
		}
	}
	return nil
}

func (p Payload) ToUpdate() domain.CarrierUpdate {
	update := domain.CarrierUpdate{
		ShipmentID:  strings.TrimSpace(p.ShipmentID),
		CourierName: strings.TrimSpace(p.CourierName),
		Events:      make([]domain.CarrierEvent, 0, len(p.Activities)),
	}
	if !p.ETD.IsZero() {
		etd := p.ETD.Time
		update.ETD = &etd
	}
	for _, a := range p.Activities {
		update.Events = append(update.Events, domain.CarrierEvent{
			Timestamp: a.Date.Time,
			Location:  a.Location,
			Activity:  a.Activity,
		})
	}
	return update
}

// HTTPCarrier polls a REST tracking API with a bearer token.
type HTTPCarrier struct {
	baseURL string
	token   string
	timeout time.Duration
}

func NewHTTPCarrier(baseURL, token string, timeout time.Duration) *HTTPCarrier {
	return &HTTPCarrier{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		timeout: timeout,
	}
}

func (c *HTTPCarrier) Track(ctx context.Context, shipmentID string) (domain.CarrierUpdate, error) {
	if err := ctx.Err(); err != nil {
		return domain.CarrierUpdate{}, err
	}

	agent := fiber.Get(fmt.Sprintf("%s/v1/shipments/%s/track", c.baseURL, url.PathEscape(shipmentID)))
	if c.token != "" {
		agent.Set(fiber.HeaderAuthorization, "Bearer "+c.token)
	}
	agent.Timeout(c.timeout)

	var payload Payload
	code, body, errs := agent.Bytes()
	if len(errs) > 0 {
		return domain.CarrierUpdate{}, fmt.Errorf("carrier track error: %w", errs[0])
	}
	if code != fiber.StatusOK {
		return domain.CarrierUpdate{}, fmt.Errorf("carrier track error: status %d", code)
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return domain.CarrierUpdate{}, fmt.Errorf("carrier response decode error: %w", err)
	}
	if payload.ShipmentID == "" {
		payload.ShipmentID = shipmentID
	}
	if err := payload.Validate(); err != nil {
		return domain.CarrierUpdate{}, fmt.Errorf("carrier response invalid: %w", err)
	}
	return payload.ToUpdate(), nil
}

// MockCarrier serves scripted updates, for development and tests.
type MockCarrier struct {
	mu      sync.Mutex
	updates map[string]domain.CarrierUpdate
	errs    map[string]error
}

func NewMockCarrier() *MockCarrier {
	return &MockCarrier{
		updates: make(map[string]domain.CarrierUpdate),
		errs:    make(map[string]error),
	}
}

// Script sets the update returned for update.ShipmentID.
func (m *MockCarrier) Script(update domain.CarrierUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates[update.ShipmentID] = update
	delete(m.errs, update.ShipmentID)
}

// FailWith makes Track fail for shipmentID.
func (m *MockCarrier) FailWith(shipmentID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[shipmentID] = err
}

func (m *MockCarrier) Track(_ context.Context, shipmentID string) (domain.CarrierUpdate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err, ok := m.errs[shipmentID]; ok {
		return domain.CarrierUpdate{}, err
	}
	if update, ok := m.updates[shipmentID]; ok {
		return update, nil
	}
	return domain.CarrierUpdate{ShipmentID: shipmentID}, nil
}
