package repository

import (
	"context"
	"fmt"

	"github.com/go-faster/jx"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-discounts/internal/domain/order"
)

const (
	createOrderSQL = `INSERT INTO orders (id, customer_id, items, subtotal, shipping, total, discounts,
		coupon_code, zone_id, currency_code, channel_id, status, created_at)
	VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	completeOrderSQL = `UPDATE orders
	SET subtotal = $2, shipping = $3, total = $4, discounts = $5, status = $6, completed_at = NOW()
	WHERE id = $1`

	failOrderSQL = `UPDATE orders SET status = $2 WHERE id = $1 AND status = 'pending'`
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// Create persists a new order. The order items are stored in a JSONB column.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	_, err := r.pool.Exec(ctx, createOrderSQL,
		o.ID, o.CustomerID, encodeItems(o.Items), o.Subtotal, o.Shipping, o.Total, o.Discounts,
		o.CouponCode, o.ZoneID, o.CurrencyCode, o.ChannelID, string(o.Status), o.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating order %q: %w", o.ID, err)
	}
	return nil
}

// Complete stores the final totals and status of an order.
func (r *OrderRepository) Complete(ctx context.Context, o *order.Order) error {
	tag, err := r.pool.Exec(ctx, completeOrderSQL,
		o.ID, o.Subtotal, o.Shipping, o.Total, o.Discounts, string(o.Status),
	)
	if err != nil {
		return fmt.Errorf("completing order %q: %w", o.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("completing order %q: not found", o.ID)
	}
	return nil
}

// Fail moves a pending order to the failed status. Completed orders are left
// untouched.
func (r *OrderRepository) Fail(ctx context.Context, o *order.Order) error {
	if _, err := r.pool.Exec(ctx, failOrderSQL, o.ID, string(order.StatusFailed)); err != nil {
		return fmt.Errorf("failing order %q: %w", o.ID, err)
	}
	return nil
}

func encodeItems(items []order.OrderItem) []byte {
	var e jx.Encoder
	e.ArrStart()
	for _, item := range items {
		e.ObjStart()
		e.FieldStart("product_id")
		e.Str(item.ProductID)
		e.FieldStart("quantity")
		e.Int(item.Quantity)
		e.ObjEnd()
	}
	e.ArrEnd()
	return e.Bytes()
}
