package domain

import "time"

type IntentStatus string

const (
	IntentStatusCreated  IntentStatus = "created"
	IntentStatusVerified IntentStatus = "verified"
	IntentStatusFailed   IntentStatus = "failed"
	IntentStatusRefunded IntentStatus = "refunded"
)

// PaymentIntent maps one internal order to one gateway order.
type PaymentIntent struct {
	GatewayOrderID string       `json:"gateway_order_id" db:"gateway_order_id"`
	OrderID        string       `json:"order_id" db:"order_id"`
	Amount         int64        `json:"amount" db:"amount"`
	Currency       string       `json:"currency" db:"currency"`
	Status         IntentStatus `json:"status" db:"status"`
	PaymentID      string       `json:"payment_id,omitempty" db:"payment_id"`
	FailureReason  string       `json:"failure_reason,omitempty" db:"failure_reason"`
	RefundID       string       `json:"refund_id,omitempty" db:"refund_id"`
	CreatedAt      time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at" db:"updated_at"`
	ExpiresAt      time.Time    `json:"expires_at" db:"expires_at"`
}

func NewPaymentIntent(orderID, gatewayOrderID string, amount int64, currency string, now time.Time, ttl time.Duration) *PaymentIntent {
	intent := &PaymentIntent{
		GatewayOrderID: gatewayOrderID,
		OrderID:        orderID,
		Amount:         amount,
		Currency:       currency,
		Status:         IntentStatusCreated,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if ttl > 0 {
		intent.ExpiresAt = now.Add(ttl)
	}
	return intent
}

func (p *PaymentIntent) IsExpired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && now.After(p.ExpiresAt)
}

func (p *PaymentIntent) MarkVerified(paymentID string, now time.Time) {
	p.Status = IntentStatusVerified
	p.PaymentID = paymentID
	p.UpdatedAt = now
}

func (p *PaymentIntent) MarkFailed(reason string, now time.Time) {
	p.Status = IntentStatusFailed
	p.FailureReason = reason
	p.UpdatedAt = now
}

// MarkRefunded records the gateway refund. Only a verified intent is refunded.
func (p *PaymentIntent) MarkRefunded(refundID string, now time.Time) {
	p.Status = IntentStatusRefunded
	p.RefundID = refundID
	p.UpdatedAt = now
}

// PaymentProof is what the client relays after completing payment.
type PaymentProof struct {
	GatewayOrderID string `json:"gateway_order_id"`
	PaymentID      string `json:"payment_id"`
	Signature      string `json:"signature"`
}

// VerifiedPayment is the only input that lets the ledger mark an order paid.
type VerifiedPayment struct {
	OrderID        string    `json:"order_id"`
	GatewayOrderID string    `json:"gateway_order_id"`
	PaymentID      string    `json:"payment_id"`
	Amount         int64     `json:"amount"`
	Currency       string    `json:"currency"`
	VerifiedAt     time.Time `json:"verified_at"`
	Replayed       bool      `json:"replayed"`
}

type VerificationOutcome string

const (
	VerificationAccepted VerificationOutcome = "accepted"
	VerificationReplayed VerificationOutcome = "replayed"
	VerificationRejected VerificationOutcome = "rejected"
)

// PaymentAttempt is the audit record of a single verification.
type PaymentAttempt struct {
	GatewayOrderID string              `json:"gateway_order_id" db:"gateway_order_id"`
	PaymentID      string              `json:"payment_id" db:"payment_id"`
	Outcome        VerificationOutcome `json:"outcome" db:"outcome"`
	Reason         string              `json:"reason,omitempty" db:"reason"`
	RecordedAt     time.Time           `json:"recorded_at" db:"recorded_at"`
}
