package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xenking/kart-discounts/internal/domain/discount"
)

const (
	discountColumns = `id, name, slug, type, value, status, is_active, is_enabled, stacking_policy,
	priority, applies_to_shipping, first_order_only, requires_code, starts_at, ends_at,
	usage_limit, usage_limit_per_user, usage_count, zones, channels, currencies, metadata`

	listActiveDiscountsSQL = `SELECT ` + discountColumns + `
	FROM discounts WHERE deleted_at IS NULL AND status = 'active'
	ORDER BY priority, id`

	getDiscountSQL = `SELECT ` + discountColumns + `
	FROM discounts WHERE id = $1 AND deleted_at IS NULL`

	listConditionsSQL = `SELECT id, discount_id, type, operator, value, position, is_active
	FROM discount_conditions WHERE discount_id = ANY($1)
	ORDER BY discount_id, position`

	findCodeSQL = `SELECT id, discount_id, code, usage_limit, usage_limit_per_user, usage_count,
		expires_at, is_active
	FROM discount_codes WHERE UPPER(code) = UPPER($1)`

	insertDiscountSQL = `INSERT INTO discounts (` + discountColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18,
		$19, $20, $21, $22)`

	insertConditionSQL = `INSERT INTO discount_conditions (id, discount_id, type, operator, value, position, is_active)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`

	insertCodeSQL = `INSERT INTO discount_codes (id, discount_id, code, usage_limit, usage_limit_per_user,
		expires_at, is_active)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`

	importCodeSQL = `INSERT INTO discount_codes (id, discount_id, code, usage_limit, usage_limit_per_user,
		expires_at, is_active)
	VALUES ($1, $2, $3, $4, $5, $6, TRUE)
	ON CONFLICT DO NOTHING`

	expireDiscountsSQL = `UPDATE discounts SET status = 'expired', updated_at = NOW()
	WHERE status = 'active' AND deleted_at IS NULL AND ends_at IS NOT NULL AND ends_at <= $1`

	deactivateCodesSQL = `UPDATE discount_codes SET is_active = FALSE
	WHERE is_active AND expires_at IS NOT NULL AND expires_at <= $1`
)

var _ discount.Catalog = (*DiscountRepository)(nil)

// DiscountRepository stores discounts, their conditions and codes in PostgreSQL.
type DiscountRepository struct {
	pool *pgxpool.Pool
}

// NewDiscountRepository returns a DiscountRepository that uses the given pool.
func NewDiscountRepository(pool *pgxpool.Pool) *DiscountRepository {
	return &DiscountRepository{pool: pool}
}

// ListActive returns every non-deleted active discount with its conditions.
// Discounts whose metadata cannot be decoded are skipped.
func (r *DiscountRepository) ListActive(ctx context.Context) ([]discount.Discount, error) {
	rows, err := r.pool.Query(ctx, listActiveDiscountsSQL)
	if err != nil {
		return nil, fmt.Errorf("listing discounts: %w", err)
	}
	all, err := pgx.CollectRows(rows, scanDiscount)
	if err != nil {
		return nil, fmt.Errorf("listing discounts: %w", err)
	}

	lg := zctx.From(ctx)
	out := all[:0]
	ids := make([]string, 0, len(all))
	for _, d := range all {
		if d.err != nil {
			lg.Warn("Skipping discount with invalid metadata",
				zap.String("discount_id", d.ID),
				zap.Error(d.err),
			)
			continue
		}
		out = append(out, d)
		ids = append(ids, d.ID)
	}
	if len(out) == 0 {
		return nil, nil
	}

	conds, err := r.listConditions(ctx, ids)
	if err != nil {
		return nil, err
	}
	result := make([]discount.Discount, len(out))
	for i, d := range out {
		d.Conditions = conds[d.ID]
		result[i] = d.Discount
	}
	return result, nil
}

// Get returns a single discount with its conditions.
func (r *DiscountRepository) Get(ctx context.Context, id string) (*discount.Discount, error) {
	rows, err := r.pool.Query(ctx, getDiscountSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting discount %q: %w", id, err)
	}
	d, err := pgx.CollectExactlyOneRow(rows, scanDiscount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, discount.ErrNotFound
		}
		return nil, fmt.Errorf("getting discount %q: %w", id, err)
	}
	if d.err != nil {
		return nil, fmt.Errorf("discount %q metadata: %w", id, d.err)
	}
	conds, err := r.listConditions(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	d.Conditions = conds[id]
	return &d.Discount, nil
}

// FindCode looks a code up case-insensitively.
func (r *DiscountRepository) FindCode(ctx context.Context, code string) (*discount.Code, error) {
	var c discount.Code
	err := r.pool.QueryRow(ctx, findCodeSQL, code).Scan(
		&c.ID, &c.DiscountID, &c.Code, &c.UsageLimit, &c.UsageLimitPerUser, &c.UsageCount,
		&c.ExpiresAt, &c.IsActive,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, discount.ErrCodeNotFound
		}
		return nil, fmt.Errorf("finding code %q: %w", code, err)
	}
	return &c, nil
}

// Create inserts a discount, its conditions and an optional code in one
// transaction. Missing ids are generated and written back.
func (r *DiscountRepository) Create(ctx context.Context, d *discount.Discount, code *discount.Code) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	for i := range d.Conditions {
		if d.Conditions[i].ID == "" {
			d.Conditions[i].ID = uuid.New().String()
		}
	}
	if code != nil {
		if code.ID == "" {
			code.ID = uuid.New().String()
		}
		code.DiscountID = d.ID
	}

	return inTx(ctx, r.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, insertDiscountSQL,
			d.ID, d.Name, d.Slug, string(d.Type), d.Value, string(d.Status), d.IsActive, d.IsEnabled,
			string(d.StackingPolicy), d.Priority, d.AppliesToShipping, d.FirstOrderOnly, d.RequiresCode,
			d.StartsAt, d.EndsAt, d.UsageLimit, d.UsageLimitPerUser, d.UsageCount,
			nonNil(d.Zones), nonNil(d.Channels), nonNil(d.Currencies), discount.EncodeParams(d.Params),
		); err != nil {
			if isUniqueViolation(err) {
				return errors.Wrap(discount.ErrAlreadyExists, d.Slug)
			}
			return fmt.Errorf("inserting discount %q: %w", d.Slug, err)
		}
		for _, c := range d.Conditions {
			if _, err := tx.Exec(ctx, insertConditionSQL,
				c.ID, d.ID, string(c.Type), string(c.Operator), c.Value, c.Position, c.IsActive,
			); err != nil {
				return fmt.Errorf("inserting condition %q: %w", c.Type, err)
			}
		}
		if code != nil {
			if _, err := tx.Exec(ctx, insertCodeSQL,
				code.ID, d.ID, code.Code, code.UsageLimit, code.UsageLimitPerUser, code.ExpiresAt, code.IsActive,
			); err != nil {
				if isUniqueViolation(err) {
					return errors.Wrap(discount.ErrAlreadyExists, code.Code)
				}
				return fmt.Errorf("inserting code %q: %w", code.Code, err)
			}
		}
		return nil
	})
}

// ImportCodes inserts codes for a discount in one batch. Codes that already
// exist (case-insensitively) are skipped. It returns the number inserted.
func (r *DiscountRepository) ImportCodes(ctx context.Context, b discount.CodeBatch) (int64, error) {
	batch := &pgx.Batch{}
	for _, code := range b.Codes {
		batch.Queue(importCodeSQL,
			uuid.New().String(), b.DiscountID, code, b.UsageLimit, b.UsageLimitPerUser, b.ExpiresAt,
		)
	}

	var inserted int64
	err := inTx(ctx, r.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		results := tx.SendBatch(ctx, batch)
		for range b.Codes {
			tag, err := results.Exec()
			if err != nil {
				_ = results.Close()
				return fmt.Errorf("importing codes for %q: %w", b.DiscountID, err)
			}
			inserted += tag.RowsAffected()
		}
		return results.Close()
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// ExpireOverdue flips active discounts past their end to expired.
func (r *DiscountRepository) ExpireOverdue(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, expireDiscountsSQL, now)
	if err != nil {
		return 0, fmt.Errorf("expiring discounts: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeactivateExpiredCodes switches off codes past their expiry.
func (r *DiscountRepository) DeactivateExpiredCodes(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, deactivateCodesSQL, now)
	if err != nil {
		return 0, fmt.Errorf("deactivating codes: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *DiscountRepository) listConditions(ctx context.Context, ids []string) (map[string][]discount.Condition, error) {
	rows, err := r.pool.Query(ctx, listConditionsSQL, ids)
	if err != nil {
		return nil, fmt.Errorf("listing conditions: %w", err)
	}
	out := make(map[string][]discount.Condition, len(ids))
	var (
		c          discount.Condition
		discountID string
		condType   string
		operator   string
	)
	_, err = pgx.ForEachRow(rows,
		[]any{&c.ID, &discountID, &condType, &operator, &c.Value, &c.Position, &c.IsActive},
		func() error {
			c.Type = discount.ConditionType(condType)
			c.Operator = discount.Operator(operator)
			out[discountID] = append(out[discountID], c)
			return nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("listing conditions: %w", err)
	}
	return out, nil
}

// scannedDiscount keeps a metadata decode error next to the row so one bad
// discount does not fail the whole listing.
type scannedDiscount struct {
	discount.Discount
	err error
}

func scanDiscount(row pgx.CollectableRow) (scannedDiscount, error) {
	var (
		d                   scannedDiscount
		typ, status, policy string
		metadata            []byte
	)
	err := row.Scan(
		&d.ID, &d.Name, &d.Slug, &typ, &d.Value, &status, &d.IsActive, &d.IsEnabled, &policy,
		&d.Priority, &d.AppliesToShipping, &d.FirstOrderOnly, &d.RequiresCode, &d.StartsAt, &d.EndsAt,
		&d.UsageLimit, &d.UsageLimitPerUser, &d.UsageCount, &d.Zones, &d.Channels, &d.Currencies, &metadata,
	)
	if err != nil {
		return d, err
	}
	d.Type = discount.Type(strings.ToLower(typ))
	d.Status = discount.Status(status)
	d.StackingPolicy = discount.StackingPolicy(policy)
	d.Params, d.err = discount.DecodeParams(d.Type, metadata)
	return d, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
