package domain

import (
	"time"

	"github.com/google/uuid"
)

type OrderStatus string

const (
	OrderStatusCreated        OrderStatus = "created"
	OrderStatusPaid           OrderStatus = "paid"
	OrderStatusPaymentFailed  OrderStatus = "payment_failed"
	OrderStatusProcessing     OrderStatus = "processing"
	OrderStatusShipped        OrderStatus = "shipped"
	OrderStatusOutForDelivery OrderStatus = "out_for_delivery"
	OrderStatusDelivered      OrderStatus = "delivered"
	OrderStatusException      OrderStatus = "exception"
	OrderStatusCancelled      OrderStatus = "cancelled"
	OrderStatusRefunded       OrderStatus = "refunded"
)

// IsTerminal reports whether no further transition can leave the status.
// Exception is only left through an administrative resolve.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusDelivered, OrderStatusCancelled, OrderStatusRefunded, OrderStatusPaymentFailed:
		return true
	}
	return false
}

// LineItem carries the unit price snapshot taken at checkout time.
type LineItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
}

func (i LineItem) LineTotal() int64 {
	return i.UnitPrice * int64(i.Quantity)
}

type ShippingAddress struct {
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Street  string `json:"street"`
	City    string `json:"city"`
	State   string `json:"state"`
	ZipCode string `json:"zip_code"`
	Country string `json:"country"`
}

// PaymentRef summarizes the gateway side of an order.
type PaymentRef struct {
	GatewayOrderID string     `json:"gateway_order_id,omitempty"`
	PaymentID      string     `json:"payment_id,omitempty"`
	Verified       bool       `json:"verified"`
	VerifiedAt     *time.Time `json:"verified_at,omitempty"`
	RefundID       string     `json:"refund_id,omitempty"`
}

type Order struct {
	ID              string          `json:"id" db:"id"`
	CustomerID      string          `json:"customer_id,omitempty" db:"customer_id"`
	Items           []LineItem      `json:"items" db:"items"`
	CouponCode      string          `json:"coupon_code,omitempty" db:"coupon_code"`
	CouponConsumed  bool            `json:"coupon_consumed" db:"coupon_consumed"`
	Pricing         PriceBreakdown  `json:"pricing" db:"pricing"`
	ShippingAddress ShippingAddress `json:"shipping_address" db:"shipping_address"`
	Status          OrderStatus     `json:"status" db:"status"`
	Payment         PaymentRef      `json:"payment" db:"payment"`
	Shipment        *ShipmentRecord `json:"shipment,omitempty" db:"shipment"`
	FailureReason   string          `json:"failure_reason,omitempty" db:"failure_reason"`
	Version         int64           `json:"version" db:"version"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

func NewOrder(customerID string, items []LineItem, pricing PriceBreakdown, address ShippingAddress, now time.Time) *Order {
	snapshot := make([]LineItem, len(items))
	copy(snapshot, items)

	return &Order{
		ID:              uuid.New().String(),
		CustomerID:      customerID,
		Items:           snapshot,
		CouponCode:      pricing.CouponCode,
		Pricing:         pricing,
		ShippingAddress: address,
		Status:          OrderStatusCreated,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Clone returns a deep copy so callers never share slices or pointers with
// the stored record.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	c.Items = make([]LineItem, len(o.Items))
	copy(c.Items, o.Items)
	if o.Payment.VerifiedAt != nil {
		t := *o.Payment.VerifiedAt
		c.Payment.VerifiedAt = &t
	}
	if o.Shipment != nil {
		s := o.Shipment.Clone()
		c.Shipment = &s
	}
	return &c
}

// IsPriceFrozen reports whether items and pricing can no longer change.
func (o *Order) IsPriceFrozen() bool {
	return o.Status != OrderStatusCreated && o.Status != OrderStatusPaymentFailed
}

func (o *Order) UpdateStatus(status OrderStatus, now time.Time) {
	o.Status = status
	o.UpdatedAt = now
}

func (o *Order) SetFailureReason(reason string, now time.Time) {
	o.FailureReason = reason
	o.UpdatedAt = now
}
