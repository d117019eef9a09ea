package discount

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Engine evaluates which discounts apply to a checkout and by how much. It
// never writes: recording redemptions is the Recorder's job.
type Engine struct {
	resolver *Resolver
	now      func() time.Time
}

// NewEngine creates an Engine over the given catalog and condition registry.
func NewEngine(catalog Catalog, registry Registry) *Engine {
	return &Engine{
		resolver: NewResolver(catalog, registry),
		now:      time.Now,
	}
}

// Evaluate resolves candidates, applies stacking and computes amounts. A zero
// ec.Now is replaced with the current time.
func (e *Engine) Evaluate(ctx context.Context, ec Context) (*Evaluation, error) {
	if ec.Now.IsZero() {
		ec.Now = e.now()
	}
	ec.Cart = ec.Cart.normalized()
	ec.Shipping = floorAtZero(ec.Shipping).Round(2)

	candidates, code, err := e.resolver.Resolve(ctx, &ec)
	if err != nil {
		return nil, errors.Wrap(err, "resolve discounts")
	}

	stacked := Stack(candidates, Running{
		Subtotal: ec.Cart.Subtotal,
		Shipping: ec.Shipping,
		Items:    ec.Cart.Items,
	})

	eval := &Evaluation{
		Subtotal: ec.Cart.Subtotal,
		Shipping: ec.Shipping,
		Code:     code,
	}
	e.apply(eval, stacked, ec.Cart.Items)

	if code.match != nil {
		eval.Code.Status = CodeUnused
		for i := range eval.Applied {
			if eval.Applied[i].DiscountID == code.match.DiscountID {
				eval.Applied[i].CodeID = code.match.ID
				eval.Code.Status = CodeApplied
			}
		}
	}
	return eval, nil
}

// apply computes amounts in order. Only stack discounts reduce the running
// subtotal seen by later discounts; every discount reduces what is left to pay.
func (e *Engine) apply(eval *Evaluation, stacked []Discount, items []LineItem) {
	running := eval.Subtotal
	payable := eval.Subtotal
	shipping := eval.Shipping
	total := decimal.Zero

	for i := range stacked {
		d := &stacked[i]
		amt, ship := Compute(d, Running{Subtotal: running, Shipping: shipping, Items: items})
		amt = clamp(amt, payable)
		if amt.IsZero() && ship.IsZero() {
			continue
		}
		if d.StackingPolicy == PolicyStack {
			running = running.Sub(amt)
		}
		payable = payable.Sub(amt)
		shipping = shipping.Sub(ship)
		total = total.Add(amt).Add(ship)

		eval.Applied = append(eval.Applied, Applied{
			DiscountID:     d.ID,
			Name:           d.Name,
			Type:           d.Type,
			Policy:         d.StackingPolicy,
			Priority:       d.Priority,
			Amount:         amt,
			ShippingAmount: ship,
		})
	}

	eval.TotalDiscount = total.Round(2)
	eval.FinalTotal = floorAtZero(eval.Subtotal.Add(eval.Shipping).Sub(total)).Round(2)
}
