package domain

// PriceBreakdown is the auditable result of pricing a cart. All amounts are in
// minor currency units.
type PriceBreakdown struct {
	Currency   string `json:"currency"`
	Subtotal   int64  `json:"subtotal"`
	Discount   int64  `json:"discount"`
	Shipping   int64  `json:"shipping"`
	Total      int64  `json:"total"`
	CouponCode string `json:"coupon_code,omitempty"`
}

type ShippingPolicyType string

const (
	ShippingPolicyFlat      ShippingPolicyType = "flat"
	ShippingPolicyThreshold ShippingPolicyType = "threshold"
)

// ShippingPolicy is either a flat fee or a fee waived once the discounted
// subtotal reaches FreeAbove.
type ShippingPolicy struct {
	Type      ShippingPolicyType `json:"type"`
	Fee       int64              `json:"fee"`
	FreeAbove int64              `json:"free_above,omitempty"`
}

func FlatShipping(fee int64) ShippingPolicy {
	return ShippingPolicy{Type: ShippingPolicyFlat, Fee: fee}
}

func ThresholdShipping(fee, freeAbove int64) ShippingPolicy {
	return ShippingPolicy{Type: ShippingPolicyThreshold, Fee: fee, FreeAbove: freeAbove}
}
