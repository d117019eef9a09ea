package discount

import (
	"cmp"
	"slices"
)

// Stack orders candidates by priority and prunes them by stacking policy:
//   - the highest priority exclusive discount, if any, applies alone;
//   - otherwise every stack discount applies, plus the single best_only
//     discount with the largest amount (ties go to priority).
//
// Each best_only amount is measured against rc reduced by the stack
// discounts ahead of it, which is what it yields once applied. The result is
// in application order.
func Stack(candidates []Discount, rc Running) []Discount {
	sorted := slices.Clone(candidates)
	slices.SortStableFunc(sorted, byPriority)

	for _, d := range sorted {
		if d.StackingPolicy == PolicyExclusive {
			return []Discount{d}
		}
	}

	var (
		out     []Discount
		best    *Discount
		bestAmt = zero
		state   = rc
	)
	for i := range sorted {
		d := &sorted[i]
		switch d.StackingPolicy {
		case PolicyBestOnly:
			amt, ship := Compute(d, state)
			total := clamp(amt, state.Subtotal).Add(ship)
			if best == nil || total.GreaterThan(bestAmt) {
				best, bestAmt = d, total
			}
		case PolicyStack:
			amt, ship := Compute(d, state)
			state.Subtotal = state.Subtotal.Sub(clamp(amt, state.Subtotal))
			state.Shipping = state.Shipping.Sub(ship)
			out = append(out, *d)
		}
	}
	if best != nil {
		out = append(out, *best)
		slices.SortStableFunc(out, byPriority)
	}
	return out
}

func byPriority(a, b Discount) int {
	if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}
