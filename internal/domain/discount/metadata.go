package discount

import (
	"slices"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
)

// DecodeParams turns the metadata blob stored with a discount into typed
// parameters, validating what the discount type requires.
func DecodeParams(t Type, raw []byte) (Params, error) {
	var p Params
	if len(raw) > 0 {
		if err := decodeMetadata(jx.DecodeBytes(raw), &p); err != nil {
			return Params{}, errors.Wrap(err, "decode metadata")
		}
	}

	switch t {
	case TypeBOGO:
		b := p.BOGO
		if b == nil || b.BuyQuantity <= 0 || b.GetQuantity <= 0 {
			return Params{}, errors.New("bogo requires positive buy_quantity and get_quantity")
		}
		if b.DiscountType == "" {
			b.DiscountType = TypePercentage
			b.DiscountValue = hundred
		}
		if b.DiscountType != TypePercentage && b.DiscountType != TypeFixed {
			return Params{}, errors.Errorf("bogo discount_type %q not supported", b.DiscountType)
		}
	case TypeTieredSpend:
		if len(p.Tiers) == 0 {
			return Params{}, errors.New("tiered_spend requires tiers")
		}
		if p.TierValueType == "" {
			p.TierValueType = TypeFixed
		}
		if p.TierValueType != TypePercentage && p.TierValueType != TypeFixed {
			return Params{}, errors.Errorf("tier_value_type %q not supported", p.TierValueType)
		}
		slices.SortFunc(p.Tiers, func(a, b Tier) int { return a.Threshold.Cmp(b.Threshold) })
	}
	return p, nil
}

func decodeMetadata(d *jx.Decoder, p *Params) error {
	bogo := func() *BOGOParams {
		if p.BOGO == nil {
			p.BOGO = &BOGOParams{}
		}
		return p.BOGO
	}
	return d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "shipping_cap_amount":
			v, err := decodeDecimal(d)
			if err != nil {
				return errors.Wrap(err, key)
			}
			p.ShippingCap = decimal.NewNullDecimal(v)
		case "buy_quantity", "get_quantity":
			n, err := d.Int()
			if err != nil {
				return errors.Wrap(err, key)
			}
			if key == "buy_quantity" {
				bogo().BuyQuantity = n
			} else {
				bogo().GetQuantity = n
			}
		case "discount_type":
			s, err := d.Str()
			if err != nil {
				return errors.Wrap(err, key)
			}
			bogo().DiscountType = Type(s)
		case "discount_value":
			v, err := decodeDecimal(d)
			if err != nil {
				return errors.Wrap(err, key)
			}
			bogo().DiscountValue = v
		case "product_ids":
			return d.Arr(func(d *jx.Decoder) error {
				s, err := decodeScalar(d)
				if err != nil {
					return err
				}
				bogo().ProductIDs = append(bogo().ProductIDs, s)
				return nil
			})
		case "tier_value_type":
			s, err := d.Str()
			if err != nil {
				return errors.Wrap(err, key)
			}
			p.TierValueType = Type(s)
		case "tiers":
			return d.Arr(func(d *jx.Decoder) error {
				var tier Tier
				if err := d.Obj(func(d *jx.Decoder, key string) error {
					v, err := decodeDecimal(d)
					if err != nil {
						return errors.Wrap(err, key)
					}
					switch key {
					case "threshold":
						tier.Threshold = v
					case "value":
						tier.Value = v
					}
					return nil
				}); err != nil {
					return errors.Wrap(err, "tier")
				}
				p.Tiers = append(p.Tiers, tier)
				return nil
			})
		default:
			return d.Skip()
		}
		return nil
	})
}

func decodeDecimal(d *jx.Decoder) (decimal.Decimal, error) {
	s, err := decodeScalar(d)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(s)
}

// EncodeParams renders typed parameters back into the metadata blob.
func EncodeParams(p Params) []byte {
	var e jx.Encoder
	e.ObjStart()
	if p.ShippingCap.Valid {
		e.FieldStart("shipping_cap_amount")
		e.Str(p.ShippingCap.Decimal.String())
	}
	if b := p.BOGO; b != nil {
		e.FieldStart("buy_quantity")
		e.Int(b.BuyQuantity)
		e.FieldStart("get_quantity")
		e.Int(b.GetQuantity)
		if b.DiscountType != "" {
			e.FieldStart("discount_type")
			e.Str(string(b.DiscountType))
			e.FieldStart("discount_value")
			e.Str(b.DiscountValue.String())
		}
		if len(b.ProductIDs) > 0 {
			e.FieldStart("product_ids")
			e.ArrStart()
			for _, id := range b.ProductIDs {
				e.Str(id)
			}
			e.ArrEnd()
		}
	}
	if len(p.Tiers) > 0 {
		e.FieldStart("tiers")
		e.ArrStart()
		for _, t := range p.Tiers {
			e.ObjStart()
			e.FieldStart("threshold")
			e.Str(t.Threshold.String())
			e.FieldStart("value")
			e.Str(t.Value.String())
			e.ObjEnd()
		}
		e.ArrEnd()
	}
	if p.TierValueType != "" {
		e.FieldStart("tier_value_type")
		e.Str(string(p.TierValueType))
	}
	e.ObjEnd()
	return e.Bytes()
}
