package discount

import (
	"github.com/shopspring/decimal"
)

var (
	hundred = decimal.NewFromInt(100)
	zero    = decimal.Zero
)

// Running is the cart state a discount is computed against. Subtotal is the
// running subtotal after previously applied stack discounts.
type Running struct {
	Subtotal decimal.Decimal
	Shipping decimal.Decimal
	Items    []LineItem
}

// Compute returns the subtotal reduction and the shipping reduction d yields
// against rc. Both are rounded to 2 places and never exceed what is left to
// discount.
func Compute(d *Discount, rc Running) (amount, shipping decimal.Decimal) {
	base := floorAtZero(rc.Subtotal)
	ship := floorAtZero(rc.Shipping)

	switch d.Type {
	case TypePercentage:
		amount = percentOf(base, d.Value)
		if d.AppliesToShipping {
			shipping = capShipping(percentOf(ship, d.Value), d.Params)
		}
	case TypeFixed:
		amount = decimal.Min(d.Value, base)
	case TypeFreeShipping:
		shipping = capShipping(ship, d.Params)
	case TypeBOGO:
		amount = computeBOGO(d.Params.BOGO, rc.Items)
	case TypeTieredSpend:
		amount = computeTier(d.Params, base)
	default:
		return zero, zero
	}

	amount = clamp(amount.Round(2), base)
	shipping = clamp(shipping.Round(2), ship)
	return amount, shipping
}

func percentOf(base, pct decimal.Decimal) decimal.Decimal {
	return base.Mul(pct).Div(hundred).Round(2)
}

func capShipping(v decimal.Decimal, p Params) decimal.Decimal {
	if p.ShippingCap.Valid && v.GreaterThan(p.ShippingCap.Decimal) {
		return p.ShippingCap.Decimal
	}
	return v
}

// computeBOGO discounts GetQuantity units out of every BuyQuantity+GetQuantity
// units of each qualifying line.
func computeBOGO(b *BOGOParams, items []LineItem) decimal.Decimal {
	if b == nil || b.BuyQuantity <= 0 || b.GetQuantity <= 0 {
		return zero
	}
	qualifies := make(map[string]struct{}, len(b.ProductIDs))
	for _, id := range b.ProductIDs {
		qualifies[id] = struct{}{}
	}

	group := b.BuyQuantity + b.GetQuantity
	total := zero
	for _, item := range items {
		if len(qualifies) > 0 {
			if _, ok := qualifies[item.ProductID]; !ok {
				continue
			}
		}
		free := (item.Quantity / group) * b.GetQuantity
		if free == 0 {
			continue
		}
		var perUnit decimal.Decimal
		if b.DiscountType == TypeFixed {
			perUnit = decimal.Min(b.DiscountValue, item.UnitPrice)
		} else {
			perUnit = percentOf(item.UnitPrice, b.DiscountValue)
		}
		perUnit = clamp(perUnit, item.UnitPrice)
		total = total.Add(perUnit.Mul(decimal.NewFromInt(int64(free))))
	}
	return total
}

// computeTier applies the highest tier whose threshold base meets or exceeds.
// Tiers are sorted by threshold ascending.
func computeTier(p Params, base decimal.Decimal) decimal.Decimal {
	var hit *Tier
	for i := range p.Tiers {
		if base.GreaterThanOrEqual(p.Tiers[i].Threshold) {
			hit = &p.Tiers[i]
		}
	}
	if hit == nil {
		return zero
	}
	if p.TierValueType == TypePercentage {
		return percentOf(base, hit.Value)
	}
	return decimal.Min(hit.Value, base)
}

// clamp keeps v within [0, upper].
func clamp(v, upper decimal.Decimal) decimal.Decimal {
	v = floorAtZero(v)
	if v.GreaterThan(upper) {
		return upper
	}
	return v
}

// floorAtZero clamps negative values to zero.
func floorAtZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return zero
	}
	return d
}
