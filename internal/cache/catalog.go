package cache

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-discounts/internal/domain/discount"
)

const activeDiscountsKey = "kart:discounts:active"

// Catalog caches ListActive of the wrapped catalog. Code lookups pass through
// because usage counters change on every redemption. Redemptions recorded
// outside the store returned by Redemptions leave the cached UsageCount stale
// until the TTL expires.
//
// Cache failures never fail an evaluation: the wrapped catalog is used instead.
type Catalog struct {
	next  discount.Catalog
	store Store
	ttl   time.Duration
}

var _ discount.Catalog = (*Catalog)(nil)

// NewCatalog wraps next with a cache entry that lives for ttl.
func NewCatalog(next discount.Catalog, store Store, ttl time.Duration) *Catalog {
	return &Catalog{next: next, store: store, ttl: ttl}
}

// ListActive returns the cached discount list, loading it on a miss.
func (c *Catalog) ListActive(ctx context.Context) ([]discount.Discount, error) {
	lg := zctx.From(ctx)

	var cached []discount.Discount
	err := getJSON(ctx, c.store, activeDiscountsKey, &cached)
	switch {
	case err == nil:
		return cached, nil
	case errors.Is(err, ErrMiss):
	default:
		lg.Warn("Discount cache read failed", zap.Error(err))
	}

	list, err := c.next.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	if err := setJSON(ctx, c.store, activeDiscountsKey, list, c.ttl); err != nil {
		lg.Warn("Discount cache write failed", zap.Error(err))
	}
	return list, nil
}

// FindCode always reads through.
func (c *Catalog) FindCode(ctx context.Context, code string) (*discount.Code, error) {
	return c.next.FindCode(ctx, code)
}

// Invalidate drops the cached list so the next read reloads it.
func (c *Catalog) Invalidate(ctx context.Context) error {
	if err := c.store.Delete(ctx, activeDiscountsKey); err != nil {
		return errors.Wrap(err, "invalidate discounts")
	}
	return nil
}

// RedemptionStore invalidates the catalog cache after redemptions that move
// a globally limited discount's usage counter.
type RedemptionStore struct {
	discount.RedemptionStore
	catalog *Catalog
}

var _ discount.RedemptionStore = (*RedemptionStore)(nil)

// Redemptions wraps store so the cached UsageCount of limited discounts does
// not outlive a successful Redeem.
func (c *Catalog) Redemptions(store discount.RedemptionStore) *RedemptionStore {
	return &RedemptionStore{RedemptionStore: store, catalog: c}
}

// Redeem records claims and drops the cached list when it holds a usage
// limited discount among them.
func (r *RedemptionStore) Redeem(ctx context.Context, claims []discount.Claim) ([]discount.Redemption, error) {
	out, err := r.RedemptionStore.Redeem(ctx, claims)
	if err != nil || len(out) == 0 {
		return out, err
	}
	if r.catalog.holdsLimited(ctx, claims) {
		if err := r.catalog.Invalidate(ctx); err != nil {
			zctx.From(ctx).Warn("Discount cache invalidation failed", zap.Error(err))
		}
	}
	return out, nil
}

// holdsLimited reports whether the cached list carries a global usage limit
// for any claimed discount. Read failures count as a hit.
func (c *Catalog) holdsLimited(ctx context.Context, claims []discount.Claim) bool {
	var cached []discount.Discount
	if err := getJSON(ctx, c.store, activeDiscountsKey, &cached); err != nil {
		return !errors.Is(err, ErrMiss)
	}
	for _, d := range cached {
		if d.UsageLimit <= 0 {
			continue
		}
		for _, cl := range claims {
			if cl.DiscountID == d.ID {
				return true
			}
		}
	}
	return false
}
