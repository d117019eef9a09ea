package repository

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/avast/retry-go"
	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-discounts/internal/domain/discount"
)

const (
	lockDiscountSQL = `SELECT usage_limit, usage_limit_per_user, usage_count
	FROM discounts WHERE id = $1 FOR UPDATE`

	lockCodeSQL = `SELECT code, usage_limit, usage_limit_per_user, usage_count, is_active, expires_at
	FROM discount_codes WHERE id = $1 FOR UPDATE`

	countDiscountByCustomerSQL = `SELECT COUNT(*) FROM discount_redemptions
	WHERE discount_id = $1 AND customer_id = $2`

	countCodeByCustomerSQL = `SELECT COUNT(*) FROM discount_redemptions
	WHERE code_id = $1 AND customer_id = $2`

	incrementDiscountUsageSQL = `UPDATE discounts SET usage_count = usage_count + 1, updated_at = NOW()
	WHERE id = $1`

	incrementCodeUsageSQL = `UPDATE discount_codes SET usage_count = usage_count + 1 WHERE id = $1`

	insertRedemptionSQL = `INSERT INTO discount_redemptions (id, discount_id, code_id, customer_id, order_id,
		original_amount, discount_amount, final_amount)
	VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7, $8)
	RETURNING redeemed_at`

	listRedemptionsSQL = `SELECT id, discount_id, COALESCE(code_id, ''), COALESCE(customer_id, ''), order_id,
		original_amount, discount_amount, final_amount, redeemed_at
	FROM discount_redemptions WHERE discount_id = $1
	ORDER BY redeemed_at DESC, id
	LIMIT $2`
)

var _ discount.RedemptionStore = (*RedemptionRepository)(nil)

// RedemptionRepository is the append-only redemption ledger. It enforces usage
// limits under row locks so concurrent checkouts cannot oversubscribe a
// discount or code.
type RedemptionRepository struct {
	pool     *pgxpool.Pool
	attempts uint
	delay    time.Duration
}

// NewRedemptionRepository returns a RedemptionRepository that uses the given
// pool. attempts bounds retries of serialization failures and deadlocks.
func NewRedemptionRepository(pool *pgxpool.Pool, attempts uint) *RedemptionRepository {
	if attempts == 0 {
		attempts = 3
	}
	return &RedemptionRepository{pool: pool, attempts: attempts, delay: 20 * time.Millisecond}
}

// Redeem records every claim in a single transaction or none at all.
func (r *RedemptionRepository) Redeem(ctx context.Context, claims []discount.Claim) ([]discount.Redemption, error) {
	if len(claims) == 0 {
		return nil, nil
	}

	// Lock rows in a stable order so concurrent checkouts do not deadlock.
	sorted := slices.Clone(claims)
	slices.SortFunc(sorted, func(a, b discount.Claim) int {
		if c := cmp.Compare(a.DiscountID, b.DiscountID); c != 0 {
			return c
		}
		return cmp.Compare(a.CodeID, b.CodeID)
	})

	var out []discount.Redemption
	err := retry.Do(
		func() error {
			var err error
			out, err = r.redeem(ctx, sorted)
			return err
		},
		retry.Context(ctx),
		retry.RetryIf(isRetryable),
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(r.delay),
		retry.Attempts(r.attempts),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *RedemptionRepository) redeem(ctx context.Context, claims []discount.Claim) ([]discount.Redemption, error) {
	out := make([]discount.Redemption, 0, len(claims))
	err := inTx(ctx, r.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		out = out[:0]
		for _, c := range claims {
			if err := checkDiscount(ctx, tx, c); err != nil {
				return err
			}
			if c.CodeID != "" {
				if err := checkCode(ctx, tx, c); err != nil {
					return err
				}
			}

			if _, err := tx.Exec(ctx, incrementDiscountUsageSQL, c.DiscountID); err != nil {
				return fmt.Errorf("incrementing discount %q usage: %w", c.DiscountID, err)
			}
			if c.CodeID != "" {
				if _, err := tx.Exec(ctx, incrementCodeUsageSQL, c.CodeID); err != nil {
					return fmt.Errorf("incrementing code %q usage: %w", c.CodeID, err)
				}
			}

			rd := discount.Redemption{
				ID:             uuid.New().String(),
				DiscountID:     c.DiscountID,
				CodeID:         c.CodeID,
				CustomerID:     c.CustomerID,
				OrderID:        c.OrderID,
				OriginalAmount: c.OriginalAmount,
				DiscountAmount: c.DiscountAmount,
				FinalAmount:    c.FinalAmount,
			}
			if err := tx.QueryRow(ctx, insertRedemptionSQL,
				rd.ID, rd.DiscountID, rd.CodeID, rd.CustomerID, rd.OrderID,
				rd.OriginalAmount, rd.DiscountAmount, rd.FinalAmount,
			).Scan(&rd.RedeemedAt); err != nil {
				return fmt.Errorf("inserting redemption for discount %q: %w", c.DiscountID, err)
			}
			out = append(out, rd)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func checkDiscount(ctx context.Context, tx pgx.Tx, c discount.Claim) error {
	var limit, perUser, count int
	if err := tx.QueryRow(ctx, lockDiscountSQL, c.DiscountID).Scan(&limit, &perUser, &count); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return discount.ErrNotFound
		}
		return fmt.Errorf("locking discount %q: %w", c.DiscountID, err)
	}
	if limit > 0 && count >= limit {
		return &discount.LimitExceededError{DiscountID: c.DiscountID, Scope: discount.ScopeDiscount}
	}
	// Guests are not tracked per user.
	if perUser > 0 && c.CustomerID != "" {
		var used int64
		if err := tx.QueryRow(ctx, countDiscountByCustomerSQL, c.DiscountID, c.CustomerID).Scan(&used); err != nil {
			return fmt.Errorf("counting redemptions of %q: %w", c.DiscountID, err)
		}
		if used >= int64(perUser) {
			return &discount.LimitExceededError{DiscountID: c.DiscountID, Scope: discount.ScopeDiscountPerUser}
		}
	}
	return nil
}

func checkCode(ctx context.Context, tx pgx.Tx, c discount.Claim) error {
	var (
		code                  string
		limit, perUser, count int
		active                bool
		expiresAt             *time.Time
	)
	if err := tx.QueryRow(ctx, lockCodeSQL, c.CodeID).Scan(&code, &limit, &perUser, &count, &active, &expiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return discount.ErrCodeNotFound
		}
		return fmt.Errorf("locking code %q: %w", c.CodeID, err)
	}
	exceeded := &discount.LimitExceededError{DiscountID: c.DiscountID, Code: code, Scope: discount.ScopeCode}
	// A code switched off or expired since evaluation is treated like an
	// exhausted one so checkout drops it and re-evaluates.
	if !active || (expiresAt != nil && !time.Now().Before(*expiresAt)) {
		return exceeded
	}
	if limit > 0 && count >= limit {
		return exceeded
	}
	if perUser > 0 && c.CustomerID != "" {
		var used int64
		if err := tx.QueryRow(ctx, countCodeByCustomerSQL, c.CodeID, c.CustomerID).Scan(&used); err != nil {
			return fmt.Errorf("counting redemptions of code %q: %w", code, err)
		}
		if used >= int64(perUser) {
			exceeded.Scope = discount.ScopeCodePerUser
			return exceeded
		}
	}
	return nil
}

// ListByDiscount returns the most recent redemptions of a discount.
func (r *RedemptionRepository) ListByDiscount(ctx context.Context, discountID string, limit int) ([]discount.Redemption, error) {
	rows, err := r.pool.Query(ctx, listRedemptionsSQL, discountID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing redemptions of %q: %w", discountID, err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (discount.Redemption, error) {
		var rd discount.Redemption
		err := row.Scan(
			&rd.ID, &rd.DiscountID, &rd.CodeID, &rd.CustomerID, &rd.OrderID,
			&rd.OriginalAmount, &rd.DiscountAmount, &rd.FinalAmount, &rd.RedeemedAt,
		)
		return rd, err
	})
}
