package repository

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-discounts/internal/domain/discount"
)

const (
	findCustomerSQL = `SELECT c.id, c.group_name, c.loyalty_tier,
		(SELECT COUNT(*) FROM orders o WHERE o.customer_id = c.id AND o.status = 'completed')
	FROM customers c WHERE c.id = $1`

	upsertCustomerSQL = `INSERT INTO customers (id, email, group_name, loyalty_tier)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (id) DO UPDATE SET
		email = EXCLUDED.email, group_name = EXCLUDED.group_name, loyalty_tier = EXCLUDED.loyalty_tier`
)

var _ discount.CustomerDirectory = (*CustomerRepository)(nil)

// CustomerRepository resolves customer profiles for discount conditions.
type CustomerRepository struct {
	pool *pgxpool.Pool
}

// NewCustomerRepository returns a CustomerRepository that uses the given pool.
func NewCustomerRepository(pool *pgxpool.Pool) *CustomerRepository {
	return &CustomerRepository{pool: pool}
}

// FindCustomer returns the profile with the number of completed orders.
func (r *CustomerRepository) FindCustomer(ctx context.Context, id string) (*discount.Customer, error) {
	var (
		c      discount.Customer
		orders int64
	)
	err := r.pool.QueryRow(ctx, findCustomerSQL, id).Scan(&c.ID, &c.Group, &c.LoyaltyTier, &orders)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, discount.ErrCustomerNotFound
		}
		return nil, fmt.Errorf("finding customer %q: %w", id, err)
	}
	c.CompletedOrders = int(orders)
	return &c, nil
}

// Upsert inserts or updates a customer profile.
func (r *CustomerRepository) Upsert(ctx context.Context, c discount.Customer, email string) error {
	if _, err := r.pool.Exec(ctx, upsertCustomerSQL, c.ID, email, c.Group, c.LoyaltyTier); err != nil {
		return fmt.Errorf("upserting customer %q: %w", c.ID, err)
	}
	return nil
}
