package discount

import (
	"time"

	"github.com/shopspring/decimal"
)

// Context is everything an evaluation looks at: where and when the cart is
// checked out, who is buying, and what is in the cart.
type Context struct {
	ZoneID       string
	CurrencyCode string
	ChannelID    string
	Customer     *Customer
	Now          time.Time
	Code         string
	Cart         Cart
	Shipping     decimal.Decimal

	// Exclude lists discount ids that must not be applied, e.g. discounts
	// rejected at redemption time during checkout.
	Exclude []string
}

// Customer is the buyer profile used by customer conditions. A nil Customer
// means a guest checkout.
type Customer struct {
	ID              string
	Group           string
	LoyaltyTier     string
	CompletedOrders int
}

// Cart is the priced content of a checkout.
type Cart struct {
	Subtotal decimal.Decimal
	Items    []LineItem
}

// LineItem is a single cart line. CategoryIDs and BrandID are filled from the
// product catalog when known.
type LineItem struct {
	ProductID   string
	VariantID   string
	CategoryIDs []string
	BrandID     string
	Quantity    int
	UnitPrice   decimal.Decimal
}

// Total returns UnitPrice * Quantity.
func (l LineItem) Total() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// ItemsSubtotal returns the sum of all line totals.
func (c Cart) ItemsSubtotal() decimal.Decimal {
	sum := decimal.Zero
	for _, item := range c.Items {
		sum = sum.Add(item.Total())
	}
	return sum
}

// TotalQuantity returns the number of units in the cart.
func (c Cart) TotalQuantity() int {
	total := 0
	for _, item := range c.Items {
		total += item.Quantity
	}
	return total
}

// normalized returns the cart with Subtotal derived from the items when the
// caller did not provide one.
func (c Cart) normalized() Cart {
	if c.Subtotal.IsZero() && len(c.Items) > 0 {
		c.Subtotal = c.ItemsSubtotal()
	}
	c.Subtotal = c.Subtotal.Round(2)
	return c
}

func (c *Context) excluded(id string) bool {
	for _, ex := range c.Exclude {
		if ex == id {
			return true
		}
	}
	return false
}

// Applied is one discount that made it into the final evaluation.
type Applied struct {
	DiscountID     string
	Name           string
	Type           Type
	Policy         StackingPolicy
	Priority       int
	CodeID         string
	Amount         decimal.Decimal
	ShippingAmount decimal.Decimal
}

// Total returns the subtotal and shipping reduction of this discount.
func (a Applied) Total() decimal.Decimal {
	return a.Amount.Add(a.ShippingAmount)
}

// CodeStatus describes what happened to the code supplied with the context.
type CodeStatus string

const (
	CodeNone     CodeStatus = ""
	CodeApplied  CodeStatus = "applied"
	CodeRejected CodeStatus = "rejected"
	// CodeUnused means the code was valid but its discount did not end up in
	// the applied set (conditions failed or stacking dropped it).
	CodeUnused CodeStatus = "unused"
)

// CodeResult reports the outcome for the code supplied with the context.
type CodeResult struct {
	Code   string
	Status CodeStatus
	Reason error
	match  *Code
}

// Evaluation is the outcome of running the engine over a Context.
type Evaluation struct {
	Applied       []Applied
	Subtotal      decimal.Decimal
	Shipping      decimal.Decimal
	TotalDiscount decimal.Decimal
	FinalTotal    decimal.Decimal
	Code          CodeResult
}
