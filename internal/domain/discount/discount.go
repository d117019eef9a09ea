package discount

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Type enumerates the supported discount strategies.
type Type string

const (
	// TypePercentage takes a percentage off the running subtotal.
	TypePercentage Type = "percentage"
	// TypeFixed takes a fixed amount off, capped at the running subtotal.
	TypeFixed Type = "fixed"
	// TypeFreeShipping zeroes (or caps) the shipping cost.
	TypeFreeShipping Type = "free_shipping"
	// TypeBOGO discounts "get" units for every group of "buy" units of a line item.
	TypeBOGO Type = "bogo"
	// TypeTieredSpend applies the value of the highest spend threshold reached.
	TypeTieredSpend Type = "tiered_spend"
)

// Valid reports whether t is a known discount type.
func (t Type) Valid() bool {
	switch t {
	case TypePercentage, TypeFixed, TypeFreeShipping, TypeBOGO, TypeTieredSpend:
		return true
	}
	return false
}

// Status is the administrative lifecycle state of a discount.
type Status string

const (
	StatusActive    Status = "active"
	StatusInactive  Status = "inactive"
	StatusExpired   Status = "expired"
	StatusSuspended Status = "suspended"
)

// StackingPolicy decides how a discount combines with others on one order.
type StackingPolicy string

const (
	// PolicyStack applies together with other stackable discounts, compounding
	// on the running subtotal.
	PolicyStack StackingPolicy = "stack"
	// PolicyExclusive applies alone. The highest priority exclusive discount
	// drops every other candidate.
	PolicyExclusive StackingPolicy = "exclusive"
	// PolicyBestOnly competes with other best_only discounts; only the one with
	// the largest amount survives.
	PolicyBestOnly StackingPolicy = "best_only"
)

var (
	// ErrNotFound is returned when a discount does not exist.
	ErrNotFound = errors.New("discount not found")
	// ErrAlreadyExists is returned when a discount slug or code is taken.
	ErrAlreadyExists = errors.New("discount already exists")
	// ErrCustomerNotFound is returned when a checkout names an unknown customer.
	ErrCustomerNotFound = errors.New("customer not found")
	// ErrCodeNotFound is returned when a discount code does not exist.
	ErrCodeNotFound = errors.New("discount code not found")
	// ErrCodeInactive is returned when a code has been switched off.
	ErrCodeInactive = errors.New("discount code inactive")
	// ErrCodeExpired is returned when a code is past its expiry.
	ErrCodeExpired = errors.New("discount code expired")
	// ErrCodeExhausted is returned when a code reached its usage limit.
	ErrCodeExhausted = errors.New("discount code usage limit reached")
	// ErrRedemptionLimitExceeded is returned when recording a redemption would
	// push a discount or code over one of its usage limits.
	ErrRedemptionLimitExceeded = errors.New("redemption limit exceeded")
)

// LimitScope names the counter that rejected a redemption.
type LimitScope string

const (
	ScopeDiscount        LimitScope = "discount"
	ScopeDiscountPerUser LimitScope = "discount_per_user"
	ScopeCode            LimitScope = "code"
	ScopeCodePerUser     LimitScope = "code_per_user"
)

// LimitExceededError reports which discount (and code) could not be redeemed.
type LimitExceededError struct {
	DiscountID string
	Code       string
	Scope      LimitScope
}

func (e *LimitExceededError) Error() string {
	if e.Code != "" {
		return "redemption limit exceeded: " + string(e.Scope) + " for code " + e.Code
	}
	return "redemption limit exceeded: " + string(e.Scope) + " for discount " + e.DiscountID
}

func (e *LimitExceededError) Unwrap() error { return ErrRedemptionLimitExceeded }

// Discount is a configured price reduction together with its eligibility rules.
type Discount struct {
	ID                string
	Name              string
	Slug              string
	Type              Type
	Value             decimal.Decimal
	Status            Status
	IsActive          bool
	IsEnabled         bool
	StackingPolicy    StackingPolicy
	Priority          int
	AppliesToShipping bool
	FirstOrderOnly    bool
	RequiresCode      bool
	StartsAt          *time.Time
	EndsAt            *time.Time
	UsageLimit        int
	UsageLimitPerUser int
	UsageCount        int
	Zones             []string
	Channels          []string
	Currencies        []string
	Params            Params
	Conditions        []Condition
}

// Params is the typed form of a discount's metadata blob. Which fields are
// meaningful depends on the discount Type.
type Params struct {
	ShippingCap   decimal.NullDecimal
	BOGO          *BOGOParams
	Tiers         []Tier
	TierValueType Type
}

// BOGOParams configures a buy-X-get-Y discount.
type BOGOParams struct {
	BuyQuantity   int
	GetQuantity   int
	DiscountType  Type
	DiscountValue decimal.Decimal
	ProductIDs    []string
}

// Tier is a single spend threshold of a tiered_spend discount.
type Tier struct {
	Threshold decimal.Decimal
	Value     decimal.Decimal
}

// Code unlocks a code-gated discount.
type Code struct {
	ID                string
	DiscountID        string
	Code              string
	UsageLimit        int
	UsageLimitPerUser int
	UsageCount        int
	ExpiresAt         *time.Time
	IsActive          bool
}

// Check validates the code at the given instant without consuming it.
func (c *Code) Check(now time.Time) error {
	if !c.IsActive {
		return ErrCodeInactive
	}
	if c.ExpiresAt != nil && !now.Before(*c.ExpiresAt) {
		return ErrCodeExpired
	}
	if c.UsageLimit > 0 && c.UsageCount >= c.UsageLimit {
		return ErrCodeExhausted
	}
	return nil
}

// CodeBatch is a set of codes imported for one discount with shared limits.
type CodeBatch struct {
	DiscountID        string
	Codes             []string
	UsageLimit        int
	UsageLimitPerUser int
	ExpiresAt         *time.Time
}

// Redemption is an append-only ledger row for a discount applied to a
// completed order.
type Redemption struct {
	ID             string
	DiscountID     string
	CodeID         string
	CustomerID     string
	OrderID        string
	OriginalAmount decimal.Decimal
	DiscountAmount decimal.Decimal
	FinalAmount    decimal.Decimal
	RedeemedAt     time.Time
}

// Catalog provides read access to the discounts the engine evaluates.
type Catalog interface {
	// ListActive returns discounts that are not soft-deleted, with their
	// conditions loaded. The resolver applies the remaining filters.
	ListActive(ctx context.Context) ([]Discount, error)
	// FindCode looks a code up case-insensitively. It returns ErrCodeNotFound
	// when no such code exists.
	FindCode(ctx context.Context, code string) (*Code, error)
}

// CustomerDirectory resolves the profile used by customer conditions.
type CustomerDirectory interface {
	FindCustomer(ctx context.Context, id string) (*Customer, error)
}

// RedemptionStore persists redemptions while enforcing usage limits.
type RedemptionStore interface {
	// Redeem must run every claim in a single transaction, locking the
	// discount and code counters, and fail with *LimitExceededError without
	// side effects when any limit would be exceeded.
	Redeem(ctx context.Context, claims []Claim) ([]Redemption, error)
	ListByDiscount(ctx context.Context, discountID string, limit int) ([]Redemption, error)
}
