package discount

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/go-faster/errors"
)

// Resolver selects the discounts whose status, scope, code gating and
// conditions all hold for a context.
type Resolver struct {
	catalog    Catalog
	conditions Registry
}

// NewResolver returns a Resolver reading from catalog and evaluating
// conditions with registry.
func NewResolver(catalog Catalog, registry Registry) *Resolver {
	return &Resolver{catalog: catalog, conditions: registry}
}

// Resolve returns the eligible discounts for ec together with the outcome of
// the supplied code. Only catalog failures are returned as errors: bad
// configuration just makes a discount ineligible.
func (r *Resolver) Resolve(ctx context.Context, ec *Context) ([]Discount, CodeResult, error) {
	code, err := r.resolveCode(ctx, ec)
	if err != nil {
		return nil, code, err
	}

	all, err := r.catalog.ListActive(ctx)
	if err != nil {
		return nil, code, errors.Wrap(err, "list discounts")
	}

	var out []Discount
	for i := range all {
		d := &all[i]
		if ec.excluded(d.ID) || !isLive(d, ec.Now) || !inScope(d, ec) {
			continue
		}
		if d.RequiresCode && (code.match == nil || code.match.DiscountID != d.ID) {
			continue
		}
		if d.FirstOrderOnly && (ec.Customer == nil || ec.Customer.CompletedOrders > 0) {
			continue
		}
		if d.UsageLimit > 0 && d.UsageCount >= d.UsageLimit {
			continue
		}
		conds := slices.Clone(d.Conditions)
		slices.SortStableFunc(conds, func(a, b Condition) int { return a.Position - b.Position })
		if !r.conditions.EvaluateAll(conds, ec) {
			continue
		}
		out = append(out, *d)
	}
	return out, code, nil
}

func (r *Resolver) resolveCode(ctx context.Context, ec *Context) (CodeResult, error) {
	raw := strings.TrimSpace(ec.Code)
	if raw == "" {
		return CodeResult{}, nil
	}
	res := CodeResult{Code: raw}

	c, err := r.catalog.FindCode(ctx, raw)
	if err != nil {
		if errors.Is(err, ErrCodeNotFound) {
			res.Status, res.Reason = CodeRejected, ErrCodeNotFound
			return res, nil
		}
		return res, errors.Wrap(err, "find code")
	}
	if err := c.Check(ec.Now); err != nil {
		res.Status, res.Reason = CodeRejected, err
		return res, nil
	}
	res.Code = c.Code
	res.match = c
	return res, nil
}

// isLive checks the administrative switches and the activity window.
func isLive(d *Discount, now time.Time) bool {
	if d.Status != StatusActive || !d.IsActive || !d.IsEnabled {
		return false
	}
	if !d.Type.Valid() {
		return false
	}
	if d.StartsAt != nil && now.Before(*d.StartsAt) {
		return false
	}
	if d.EndsAt != nil && !now.Before(*d.EndsAt) {
		return false
	}
	return true
}

// inScope checks zone, channel and currency restrictions. An empty list means
// the discount is not restricted on that dimension.
func inScope(d *Discount, ec *Context) bool {
	return scopeMatch(d.Zones, ec.ZoneID) &&
		scopeMatch(d.Channels, ec.ChannelID) &&
		scopeMatch(d.Currencies, ec.CurrencyCode)
}

func scopeMatch(allowed []string, v string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if strings.EqualFold(a, v) {
			return true
		}
	}
	return false
}
