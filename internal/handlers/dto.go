package handlers

import (
	"fmt"
	"strings"
	"time"

	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/domain"
	"github.com/google/uuid"
)

type LineItemRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
}

type ShippingAddressRequest struct {
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Street  string `json:"street"`
	City    string `json:"city"`
	State   string `json:"state"`
	ZipCode string `json:"zip_code"`
	Country string `json:"country"`
}

type QuoteRequest struct {
	Items      []LineItemRequest `json:"items"`
	CouponCode string            `json:"coupon_code"`
}

type CreateOrderRequest struct {
	// OrderID resumes checkout for an order returned by an earlier attempt.
	OrderID         string                 `json:"order_id,omitempty"`
	CustomerID      string                 `json:"customer_id"`
	Items           []LineItemRequest      `json:"items"`
	CouponCode      string                 `json:"coupon_code"`
	ShippingAddress ShippingAddressRequest `json:"shipping_address"`
}

type VerifyPaymentRequest struct {
	OrderID        string `json:"order_id"`
	GatewayOrderID string `json:"gateway_order_id"`
	PaymentID      string `json:"payment_id"`
	Signature      string `json:"signature"`
}

type PaymentFailedRequest struct {
	OrderID        string `json:"order_id"`
	GatewayOrderID string `json:"gateway_order_id"`
	Reason         string `json:"reason"`
}

type AttachShipmentRequest struct {
	ShipmentID  string `json:"shipment_id"`
	CourierName string `json:"courier_name"`
}

type CancelOrderRequest struct {
	Reason string `json:"reason"`
}

func validateItems(items []LineItemRequest) error {
	if len(items) == 0 {
		return domain.EmptyCartError()
	}
	for i, item := range items {
		if strings.TrimSpace(item.ProductID) == "" {
			return domain.NewValidationError(fmt.Sprintf("items[%d].product_id", i), "is required")
		}
		if item.Quantity <= 0 {
			return domain.NewValidationError(fmt.Sprintf("items[%d].quantity", i), "must be positive")
		}
		if item.UnitPrice < 0 {
			return domain.NewValidationError(fmt.Sprintf("items[%d].unit_price", i), "must not be negative")
		}
	}
	return nil
}

func validateOrderID(field, id string) error {
	if id == "" {
		return domain.NewValidationError(field, "is required")
	}
	if _, err := uuid.Parse(id); err != nil {
		return domain.NewValidationError(field, "must be a valid id")
	}
	return nil
}

func (r QuoteRequest) Validate() error {
	return validateItems(r.Items)
}

func (r CreateOrderRequest) Validate() error {
	if r.OrderID != "" {
		return validateOrderID("order_id", r.OrderID)
	}
	if err := validateItems(r.Items); err != nil {
		return err
	}
	if strings.TrimSpace(r.ShippingAddress.Street) == "" {
		return domain.NewValidationError("shipping_address.street", "is required")
	}
	if strings.TrimSpace(r.ShippingAddress.City) == "" {
		return domain.NewValidationError("shipping_address.city", "is required")
	}
	return nil
}

func (r VerifyPaymentRequest) Validate() error {
	if err := validateOrderID("order_id", r.OrderID); err != nil {
		return err
	}
	if strings.TrimSpace(r.GatewayOrderID) == "" {
		return domain.NewValidationError("gateway_order_id", "is required")
	}
	if strings.TrimSpace(r.PaymentID) == "" {
		return domain.NewValidationError("payment_id", "is required")
	}
	if strings.TrimSpace(r.Signature) == "" {
		return domain.NewValidationError("signature", "is required")
	}
	return nil
}

func (r PaymentFailedRequest) Validate() error {
	return validateOrderID("order_id", r.OrderID)
}

func (r AttachShipmentRequest) Validate() error {
	if strings.TrimSpace(r.ShipmentID) == "" {
		return domain.NewValidationError("shipment_id", "is required")
	}
	return nil
}

func toLineItems(items []LineItemRequest) []domain.LineItem {
	out := make([]domain.LineItem, len(items))
	for i, item := range items {
		out[i] = domain.LineItem{
			ProductID: strings.TrimSpace(item.ProductID),
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		}
	}
	return out
}

func (a ShippingAddressRequest) toDomain() domain.ShippingAddress {
	return domain.ShippingAddress{
		Name:    a.Name,
		Phone:   a.Phone,
		Street:  a.Street,
		City:    a.City,
		State:   a.State,
		ZipCode: a.ZipCode,
		Country: a.Country,
	}
}

type OrderResponse struct {
	ID              string                 `json:"id"`
	CustomerID      string                 `json:"customer_id,omitempty"`
	Items           []LineItemRequest      `json:"items"`
	CouponCode      string                 `json:"coupon_code,omitempty"`
	Pricing         domain.PriceBreakdown  `json:"pricing"`
	Status          string                 `json:"status"`
	ShippingAddress ShippingAddressRequest `json:"shipping_address"`
	Payment         PaymentResponse        `json:"payment"`
	Shipment        *domain.ShipmentRecord `json:"shipment,omitempty"`
	FailureReason   string                 `json:"failure_reason,omitempty"`
	Version         int64                  `json:"version"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

type PaymentResponse struct {
	GatewayOrderID string     `json:"gateway_order_id,omitempty"`
	PaymentID      string     `json:"payment_id,omitempty"`
	Verified       bool       `json:"verified"`
	VerifiedAt     *time.Time `json:"verified_at,omitempty"`
	RefundID       string     `json:"refund_id,omitempty"`
}

// IntentResponse is what the client hands to the gateway checkout widget.
type IntentResponse struct {
	GatewayOrderID string    `json:"gateway_order_id"`
	KeyID          string    `json:"key_id,omitempty"`
	Amount         int64     `json:"amount"`
	Currency       string    `json:"currency"`
	Status         string    `json:"status"`
	ExpiresAt      time.Time `json:"expires_at"`
}

type CheckoutResponse struct {
	Order   OrderResponse   `json:"order"`
	Payment *IntentResponse `json:"payment,omitempty"`
}

func mapOrder(order *domain.Order) OrderResponse {
	items := make([]LineItemRequest, len(order.Items))
	for i, item := range order.Items {
		items[i] = LineItemRequest{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		}
	}

	return OrderResponse{
		ID:              order.ID,
		CustomerID:      order.CustomerID,
		Items:           items,
		CouponCode:      order.CouponCode,
		Pricing:         order.Pricing,
		Status:          string(order.Status),
		ShippingAddress: mapShippingAddress(order.ShippingAddress),
		Payment: PaymentResponse{
			GatewayOrderID: order.Payment.GatewayOrderID,
			PaymentID:      order.Payment.PaymentID,
			Verified:       order.Payment.Verified,
			VerifiedAt:     order.Payment.VerifiedAt,
			RefundID:       order.Payment.RefundID,
		},
		Shipment:      order.Shipment,
		FailureReason: order.FailureReason,
		Version:       order.Version,
		CreatedAt:     order.CreatedAt,
		UpdatedAt:     order.UpdatedAt,
	}
}

func mapShippingAddress(address domain.ShippingAddress) ShippingAddressRequest {
	return ShippingAddressRequest{
		Name:    address.Name,
		Phone:   address.Phone,
		Street:  address.Street,
		City:    address.City,
		State:   address.State,
		ZipCode: address.ZipCode,
		Country: address.Country,
	}
}

func mapIntent(intent *domain.PaymentIntent, keyID string) *IntentResponse {
	if intent == nil {
		return nil
	}
	return &IntentResponse{
		GatewayOrderID: intent.GatewayOrderID,
		KeyID:          keyID,
		Amount:         intent.Amount,
		Currency:       intent.Currency,
		Status:         string(intent.Status),
		ExpiresAt:      intent.ExpiresAt,
	}
}
