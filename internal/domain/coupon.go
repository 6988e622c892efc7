package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type CouponType string

const (
	CouponTypePercent CouponType = "percent"
	CouponTypeFixed   CouponType = "fixed"
)

// Coupon is a gift or discount code. Value is a percentage for percent
// coupons and an amount in minor units for fixed coupons. A UsageLimit of zero
// means unlimited.
type Coupon struct {
	Code       string          `json:"code" db:"code"`
	Type       CouponType      `json:"type" db:"type"`
	Value      decimal.Decimal `json:"value" db:"value"`
	ValidFrom  time.Time       `json:"valid_from" db:"valid_from"`
	ValidUntil time.Time       `json:"valid_until" db:"valid_until"`
	UsageLimit int             `json:"usage_limit" db:"usage_limit"`
	UsageCount int             `json:"usage_count" db:"usage_count"`
}

func NormalizeCouponCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func (c Coupon) IsExhausted() bool {
	return c.UsageLimit > 0 && c.UsageCount >= c.UsageLimit
}

// ActiveAt reports whether now falls in the validity window. Zero bounds are
// open.
func (c Coupon) ActiveAt(now time.Time) bool {
	if !c.ValidFrom.IsZero() && now.Before(c.ValidFrom) {
		return false
	}
	if !c.ValidUntil.IsZero() && now.After(c.ValidUntil) {
		return false
	}
	return true
}
