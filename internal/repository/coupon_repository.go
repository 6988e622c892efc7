package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/domain"
	"github.com/shopspring/decimal"
)

type CouponRepository struct {
	db *sql.DB
}

func NewCouponRepository(db *sql.DB) *CouponRepository {
	return &CouponRepository{db: db}
}

func (r *CouponRepository) Lookup(ctx context.Context, code string) (domain.Coupon, error) {
	query := `
		SELECT code, type, value, valid_from, valid_until, usage_limit, usage_count
		FROM coupons
		WHERE code = $1
	`

	var c domain.Coupon
	var value string
	var validFrom, validUntil sql.NullTime

	err := r.db.QueryRowContext(ctx, query, domain.NormalizeCouponCode(code)).Scan(
		&c.Code,
		&c.Type,
		&value,
		&validFrom,
		&validUntil,
		&c.UsageLimit,
		&c.UsageCount,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Coupon{}, fmt.Errorf("%w: %s", domain.ErrCouponNotFound, code)
		}
		return domain.Coupon{}, fmt.Errorf("coupon receive error: %w", err)
	}

	if c.Value, err = decimal.NewFromString(value); err != nil {
		return domain.Coupon{}, fmt.Errorf("coupon value error: %w", err)
	}
	if validFrom.Valid {
		c.ValidFrom = validFrom.Time
	}
	if validUntil.Valid {
		c.ValidUntil = validUntil.Time
	}
	return c, nil
}

// MarkUsed records one redemption per (code, orderID) and bumps usage_count
// only while it is below usage_limit, in one transaction.
func (r *CouponRepository) MarkUsed(ctx context.Context, code, orderID string) error {
	code = domain.NormalizeCouponCode(code)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("coupon redemption begin error: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO coupon_redemptions (code, order_id)
		VALUES ($1, $2)
		ON CONFLICT (code, order_id) DO NOTHING
	`, code, orderID)
	if err != nil {
		return fmt.Errorf("coupon redemption insert error: %w", err)
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if inserted == 0 {
		// already redeemed by this order
		return tx.Commit()
	}

	result, err = tx.ExecContext(ctx, `
		UPDATE coupons
		SET usage_count = usage_count + 1
		WHERE code = $1 AND (usage_limit = 0 OR usage_count < usage_limit)
	`, code)
	if err != nil {
		return fmt.Errorf("coupon usage update error: %w", err)
	}

	updated, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if updated == 0 {
		return fmt.Errorf("%w: %s", domain.ErrCouponExhausted, code)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("coupon redemption commit error: %w", err)
	}
	return nil
}

func (r *CouponRepository) Put(ctx context.Context, c domain.Coupon) error {
	query := `
		INSERT INTO coupons (code, type, value, valid_from, valid_until, usage_limit, usage_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (code) DO UPDATE
		SET type = EXCLUDED.type, value = EXCLUDED.value, valid_from = EXCLUDED.valid_from,
			valid_until = EXCLUDED.valid_until, usage_limit = EXCLUDED.usage_limit
	`

	_, err := r.db.ExecContext(
		ctx,
		query,
		domain.NormalizeCouponCode(c.Code),
		c.Type,
		c.Value.String(),
		nullTime(c.ValidFrom),
		nullTime(c.ValidUntil),
		c.UsageLimit,
		c.UsageCount,
	)
	if err != nil {
		return fmt.Errorf("coupon upsert error: %w", err)
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
