package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/domain"
)

type IntentRepository struct {
	db *sql.DB
}

func NewIntentRepository(db *sql.DB) *IntentRepository {
	return &IntentRepository{db: db}
}

const intentColumns = `
	gateway_order_id, order_id, amount, currency, status, payment_id,
	failure_reason, refund_id, created_at, updated_at, expires_at`

// InsertIfAbsent relies on the unique order_id constraint: a losing writer
// inserts nothing and reads back the winner.
func (r *IntentRepository) InsertIfAbsent(ctx context.Context, intent *domain.PaymentIntent) (*domain.PaymentIntent, bool, error) {
	query := `
		INSERT INTO payment_intents (
			gateway_order_id, order_id, amount, currency, status, payment_id,
			failure_reason, refund_id, created_at, updated_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (order_id) DO NOTHING
	`

	result, err := r.db.ExecContext(
		ctx,
		query,
		intent.GatewayOrderID,
		intent.OrderID,
		intent.Amount,
		intent.Currency,
		intent.Status,
		intent.PaymentID,
		intent.FailureReason,
		intent.RefundID,
		intent.CreatedAt,
		intent.UpdatedAt,
		nullTime(intent.ExpiresAt),
	)
	if err != nil {
		return nil, false, fmt.Errorf("payment intent create error: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, false, err
	}

	stored, err := r.GetByOrderID(ctx, intent.OrderID)
	if err != nil {
		return nil, false, err
	}
	return stored, rowsAffected == 1, nil
}

func (r *IntentRepository) Update(ctx context.Context, intent *domain.PaymentIntent) error {
	query := `
		UPDATE payment_intents
		SET status = $2, payment_id = $3, failure_reason = $4, refund_id = $5, updated_at = $6
		WHERE gateway_order_id = $1
	`

	result, err := r.db.ExecContext(
		ctx,
		query,
		intent.GatewayOrderID,
		intent.Status,
		intent.PaymentID,
		intent.FailureReason,
		intent.RefundID,
		intent.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("payment intent update error: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: gateway order %s", domain.ErrIntentNotFound, intent.GatewayOrderID)
	}
	return nil
}

func (r *IntentRepository) GetByOrderID(ctx context.Context, orderID string) (*domain.PaymentIntent, error) {
	query := `SELECT ` + intentColumns + ` FROM payment_intents WHERE order_id = $1`
	intent, err := scanIntent(r.db.QueryRowContext(ctx, query, orderID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: order %s", domain.ErrIntentNotFound, orderID)
		}
		return nil, fmt.Errorf("payment intent receive error: %w", err)
	}
	return intent, nil
}

func (r *IntentRepository) GetByGatewayOrderID(ctx context.Context, gatewayOrderID string) (*domain.PaymentIntent, error) {
	query := `SELECT ` + intentColumns + ` FROM payment_intents WHERE gateway_order_id = $1`
	intent, err := scanIntent(r.db.QueryRowContext(ctx, query, gatewayOrderID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: gateway order %s", domain.ErrIntentNotFound, gatewayOrderID)
		}
		return nil, fmt.Errorf("payment intent receive error: %w", err)
	}
	return intent, nil
}

func (r *IntentRepository) AppendAttempt(ctx context.Context, attempt domain.PaymentAttempt) error {
	query := `
		INSERT INTO payment_audit (gateway_order_id, payment_id, outcome, reason, recorded_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := r.db.ExecContext(
		ctx,
		query,
		attempt.GatewayOrderID,
		attempt.PaymentID,
		attempt.Outcome,
		attempt.Reason,
		attempt.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("payment audit insert error: %w", err)
	}
	return nil
}

func (r *IntentRepository) ListAttempts(ctx context.Context, gatewayOrderID string) ([]domain.PaymentAttempt, error) {
	query := `
		SELECT gateway_order_id, payment_id, outcome, reason, recorded_at
		FROM payment_audit
		WHERE gateway_order_id = $1
		ORDER BY id
	`

	rows, err := r.db.QueryContext(ctx, query, gatewayOrderID)
	if err != nil {
		return nil, fmt.Errorf("payment audit retrieval error: %w", err)
	}
	defer rows.Close()

	var attempts []domain.PaymentAttempt
	for rows.Next() {
		var a domain.PaymentAttempt
		if err := rows.Scan(&a.GatewayOrderID, &a.PaymentID, &a.Outcome, &a.Reason, &a.RecordedAt); err != nil {
			return nil, fmt.Errorf("payment audit scan error: %w", err)
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

func scanIntent(s rowScanner) (*domain.PaymentIntent, error) {
	intent := &domain.PaymentIntent{}
	var expiresAt sql.NullTime

	err := s.Scan(
		&intent.GatewayOrderID,
		&intent.OrderID,
		&intent.Amount,
		&intent.Currency,
		&intent.Status,
		&intent.PaymentID,
		&intent.FailureReason,
		&intent.RefundID,
		&intent.CreatedAt,
		&intent.UpdatedAt,
		&expiresAt,
	)
	if err != nil {
		return nil, err
	}

	if expiresAt.Valid {
		intent.ExpiresAt = expiresAt.Time
	}
	return intent, nil
}
