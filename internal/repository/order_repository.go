package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/domain"
	"github.com/lib/pq"
)

type OrderRepository struct {
	db *sql.DB
}

func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

const orderColumns = `
	id, customer_id, items, coupon_code, coupon_consumed, pricing,
	shipping_address, status, payment, shipment, failure_reason,
	version, created_at, updated_at`

// orderRow holds the JSONB columns of an order in their encoded form.
type orderRow struct {
	items    []byte
	pricing  []byte
	address  []byte
	payment  []byte
	shipment []byte
}

func encodeOrder(order *domain.Order) (orderRow, error) {
	var row orderRow
	var err error

	if row.items, err = json.Marshal(order.Items); err != nil {
		return row, fmt.Errorf("items serialization error: %w", err)
	}
	if row.pricing, err = json.Marshal(order.Pricing); err != nil {
		return row, fmt.Errorf("pricing serialization error: %w", err)
	}
	if row.address, err = json.Marshal(order.ShippingAddress); err != nil {
		return row, fmt.Errorf("shipping address serialization error: %w", err)
	}
	if row.payment, err = json.Marshal(order.Payment); err != nil {
		return row, fmt.Errorf("payment serialization error: %w", err)
	}
	if order.Shipment != nil {
		if row.shipment, err = json.Marshal(order.Shipment); err != nil {
			return row, fmt.Errorf("shipment serialization error: %w", err)
		}
	}
	return row, nil
}

func shipmentID(order *domain.Order) sql.NullString {
	if order.Shipment == nil || order.Shipment.ShipmentID == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: order.Shipment.ShipmentID, Valid: true}
}

func (r *OrderRepository) Create(ctx context.Context, order *domain.Order) error {
	row, err := encodeOrder(order)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO orders (
			id, customer_id, items, coupon_code, coupon_consumed, pricing,
			shipping_address, status, payment, shipment_id, shipment,
			failure_reason, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`

	_, err = r.db.ExecContext(
		ctx,
		query,
		order.ID,
		order.CustomerID,
		row.items,
		order.CouponCode,
		order.CouponConsumed,
		row.pricing,
		row.address,
		order.Status,
		row.payment,
		shipmentID(order),
		row.shipment,
		order.FailureReason,
		order.Version,
		order.CreatedAt,
		order.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("order creation error: %w", err)
	}
	return nil
}

// Update writes order only if the stored version still equals
// expectedVersion.
func (r *OrderRepository) Update(ctx context.Context, order *domain.Order, expectedVersion int64) error {
	row, err := encodeOrder(order)
	if err != nil {
		return err
	}

	query := `
		UPDATE orders
		SET coupon_consumed = $2, status = $3, payment = $4, shipment_id = $5,
			shipment = $6, failure_reason = $7, version = $8, updated_at = $9
		WHERE id = $1 AND version = $10
	`

	result, err := r.db.ExecContext(
		ctx,
		query,
		order.ID,
		order.CouponConsumed,
		order.Status,
		row.payment,
		shipmentID(order),
		row.shipment,
		order.FailureReason,
		order.Version,
		order.UpdatedAt,
		expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("order update error: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		if _, getErr := r.Get(ctx, order.ID); getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: %s, expected version %d", domain.ErrConcurrentUpdate, order.ID, expectedVersion)
	}
	return nil
}

func (r *OrderRepository) Get(ctx context.Context, orderID string) (*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	order, err := scanOrder(r.db.QueryRowContext(ctx, query, orderID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrOrderNotFound, orderID)
		}
		return nil, fmt.Errorf("order receive error: %w", err)
	}
	return order, nil
}

func (r *OrderRepository) FindByShipmentID(ctx context.Context, shipmentID string) (*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE shipment_id = $1`

	order, err := scanOrder(r.db.QueryRowContext(ctx, query, shipmentID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: shipment %s", domain.ErrOrderNotFound, shipmentID)
		}
		return nil, fmt.Errorf("order receive error: %w", err)
	}
	return order, nil
}

// ListWithShipment returns orders in one of statuses that carry a shipment,
// oldest first.
func (r *OrderRepository) ListWithShipment(ctx context.Context, statuses []domain.OrderStatus, limit int) ([]*domain.Order, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}

	query := `SELECT ` + orderColumns + `
		FROM orders
		WHERE status = ANY($1) AND shipment_id IS NOT NULL
		ORDER BY created_at, id
		LIMIT $2`

	return r.queryOrders(ctx, query, pq.Array(names), limitOrAll(limit))
}

func (r *OrderRepository) ListCreatedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Order, error) {
	query := `SELECT ` + orderColumns + `
		FROM orders
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at, id
		LIMIT $3`

	return r.queryOrders(ctx, query, domain.OrderStatusCreated, cutoff, limitOrAll(limit))
}

func (r *OrderRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *OrderRepository) queryOrders(ctx context.Context, query string, args ...interface{}) ([]*domain.Order, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("orders retrieval error: %w", err)
	}
	defer rows.Close()

	var orders []*domain.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("order scan error: %w", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("orders retrieval error: %w", err)
	}
	return orders, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(s rowScanner) (*domain.Order, error) {
	order := &domain.Order{}
	var row orderRow

	err := s.Scan(
		&order.ID,
		&order.CustomerID,
		&row.items,
		&order.CouponCode,
		&order.CouponConsumed,
		&row.pricing,
		&row.address,
		&order.Status,
		&row.payment,
		&row.shipment,
		&order.FailureReason,
		&order.Version,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(row.items, &order.Items); err != nil {
		return nil, fmt.Errorf("items deserialization error: %w", err)
	}
	if err := json.Unmarshal(row.pricing, &order.Pricing); err != nil {
		return nil, fmt.Errorf("pricing deserialization error: %w", err)
	}
	if err := json.Unmarshal(row.address, &order.ShippingAddress); err != nil {
		return nil, fmt.Errorf("shipping address deserialization error: %w", err)
	}
	if err := json.Unmarshal(row.payment, &order.Payment); err != nil {
		return nil, fmt.Errorf("payment deserialization error: %w", err)
	}
	// shipment is nullable
	if len(row.shipment) > 0 {
		var shipment domain.ShipmentRecord
		if err := json.Unmarshal(row.shipment, &shipment); err != nil {
			return nil, fmt.Errorf("shipment deserialization error: %w", err)
		}
		order.Shipment = &shipment
	}
	return order, nil
}

// limitOrAll maps a non-positive limit to NULL, which LIMIT treats as no
// limit.
func limitOrAll(limit int) sql.NullInt64 {
	if limit <= 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(limit), Valid: true}
}
