package discount

import (
	"slices"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var (
	// ErrUnknownPreset is returned by BuildPreset for names not in Presets.
	ErrUnknownPreset = errors.New("unknown preset")
	// ErrInvalidWindow is returned when a discount ends before it starts.
	ErrInvalidWindow = errors.New("endsAt must be after startsAt")
)

// PresetOptions customizes a discount built from a preset.
type PresetOptions struct {
	// Code, when set, makes the discount code-gated and is returned as its code.
	Code     string
	StartsAt *time.Time
	EndsAt   *time.Time
}

// Preset is a named discount template.
type Preset struct {
	Name        string
	Description string
	build       func() Discount
}

var presets = []Preset{
	{
		Name:        "welcome10",
		Description: "10% off the first order",
		build: func() Discount {
			return Discount{
				Name:           "Welcome 10%",
				Type:           TypePercentage,
				Value:          decimal.NewFromInt(10),
				StackingPolicy: PolicyStack,
				Priority:       10,
				FirstOrderOnly: true,
			}
		},
	},
	{
		Name:        "free_shipping_over_50",
		Description: "Free shipping on carts of 50 or more",
		build: func() Discount {
			return Discount{
				Name:           "Free shipping over 50",
				Type:           TypeFreeShipping,
				StackingPolicy: PolicyStack,
				Priority:       50,
				Conditions: []Condition{{
					Type:     ConditionMinimumAmount,
					Operator: OpGreaterThanOrEqual,
					Value:    "50",
					IsActive: true,
				}},
			}
		},
	},
	{
		Name:        "bogo_half",
		Description: "Buy one, get one 50% off",
		build: func() Discount {
			return Discount{
				Name:           "Buy one get one half price",
				Type:           TypeBOGO,
				StackingPolicy: PolicyBestOnly,
				Priority:       20,
				Params: Params{BOGO: &BOGOParams{
					BuyQuantity:   1,
					GetQuantity:   1,
					DiscountType:  TypePercentage,
					DiscountValue: decimal.NewFromInt(50),
				}},
			}
		},
	},
	{
		Name:        "spend_tiers",
		Description: "5 off 50, 15 off 100, 40 off 200",
		build: func() Discount {
			return Discount{
				Name:           "Spend more, save more",
				Type:           TypeTieredSpend,
				StackingPolicy: PolicyBestOnly,
				Priority:       30,
				Params: Params{
					TierValueType: TypeFixed,
					Tiers: []Tier{
						{Threshold: decimal.NewFromInt(50), Value: decimal.NewFromInt(5)},
						{Threshold: decimal.NewFromInt(100), Value: decimal.NewFromInt(15)},
						{Threshold: decimal.NewFromInt(200), Value: decimal.NewFromInt(40)},
					},
				},
			}
		},
	},
	{
		Name:        "flash_exclusive",
		Description: "25% off, excludes every other discount",
		build: func() Discount {
			return Discount{
				Name:           "Flash sale",
				Type:           TypePercentage,
				Value:          decimal.NewFromInt(25),
				StackingPolicy: PolicyExclusive,
				Priority:       1,
			}
		},
	},
}

// Presets lists the available templates.
func Presets() []Preset {
	return slices.Clone(presets)
}

// BuildPreset instantiates the named template. The returned discount has no ID;
// the caller assigns one when persisting it. The code is nil unless
// opts.Code is set.
func BuildPreset(name string, opts PresetOptions) (Discount, *Code, error) {
	idx := slices.IndexFunc(presets, func(p Preset) bool { return p.Name == name })
	if idx < 0 {
		return Discount{}, nil, errors.Wrap(ErrUnknownPreset, name)
	}
	if opts.StartsAt != nil && opts.EndsAt != nil && !opts.EndsAt.After(*opts.StartsAt) {
		return Discount{}, nil, ErrInvalidWindow
	}

	d := presets[idx].build()
	d.Slug = name
	d.Status = StatusActive
	d.IsActive = true
	d.IsEnabled = true
	d.StartsAt = opts.StartsAt
	d.EndsAt = opts.EndsAt
	for i := range d.Conditions {
		d.Conditions[i].Position = i
	}

	code := strings.ToUpper(strings.TrimSpace(opts.Code))
	if code == "" {
		return d, nil, nil
	}
	d.RequiresCode = true
	d.Slug = name + "-" + strings.ToLower(code)
	return d, &Code{Code: code, IsActive: true, ExpiresAt: opts.EndsAt}, nil
}
