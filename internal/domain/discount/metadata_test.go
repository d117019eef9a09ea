package discount

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeParams(t *testing.T) {
	t.Run("empty metadata", func(t *testing.T) {
		p, err := DecodeParams(TypePercentage, nil)
		require.NoError(t, err)
		assert.False(t, p.ShippingCap.Valid)
	})

	t.Run("shipping cap as number or string", func(t *testing.T) {
		for _, raw := range []string{`{"shipping_cap_amount":4.5}`, `{"shipping_cap_amount":"4.5","ignored":{"x":[1]}}`} {
			p, err := DecodeParams(TypeFreeShipping, []byte(raw))
			require.NoError(t, err, raw)
			require.True(t, p.ShippingCap.Valid)
			assertDecimal(t, "4.5", p.ShippingCap.Decimal, raw)
		}
	})

	t.Run("bogo defaults to free item", func(t *testing.T) {
		p, err := DecodeParams(TypeBOGO, []byte(`{"buy_quantity":2,"get_quantity":1,"product_ids":["p1",7]}`))
		require.NoError(t, err)
		require.NotNil(t, p.BOGO)
		assert.Equal(t, 2, p.BOGO.BuyQuantity)
		assert.Equal(t, 1, p.BOGO.GetQuantity)
		assert.Equal(t, TypePercentage, p.BOGO.DiscountType)
		assertDecimal(t, "100", p.BOGO.DiscountValue, "discount value")
		assert.Equal(t, []string{"p1", "7"}, p.BOGO.ProductIDs)
	})

	t.Run("tiers sorted with default value type", func(t *testing.T) {
		p, err := DecodeParams(TypeTieredSpend, []byte(`{"tiers":[{"threshold":100,"value":15},{"threshold":"50","value":"5"}]}`))
		require.NoError(t, err)
		require.Len(t, p.Tiers, 2)
		assertDecimal(t, "50", p.Tiers[0].Threshold, "first threshold")
		assertDecimal(t, "15", p.Tiers[1].Value, "second value")
		assert.Equal(t, TypeFixed, p.TierValueType)
	})

	for _, tt := range []struct {
		name string
		t    Type
		raw  string
	}{
		{"not an object", TypeFixed, `[1,2]`},
		{"broken json", TypeFixed, `{"shipping_cap_amount":`},
		{"bogo missing quantities", TypeBOGO, `{"buy_quantity":1}`},
		{"bogo unsupported type", TypeBOGO, `{"buy_quantity":1,"get_quantity":1,"discount_type":"free_shipping","discount_value":1}`},
		{"tiered without tiers", TypeTieredSpend, `{}`},
		{"tiered bad value type", TypeTieredSpend, `{"tiers":[{"threshold":1,"value":1}],"tier_value_type":"bogo"}`},
		{"bad decimal", TypeFreeShipping, `{"shipping_cap_amount":"abc"}`},
	} {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeParams(tt.t, []byte(tt.raw))
			require.Error(t, err)
		})
	}
}

func TestEncodeParams(t *testing.T) {
	in := Params{
		BOGO: &BOGOParams{
			BuyQuantity: 1, GetQuantity: 1,
			DiscountType: TypePercentage, DiscountValue: dec("50"),
			ProductIDs: []string{"p1"},
		},
	}
	out, err := DecodeParams(TypeBOGO, EncodeParams(in))
	require.NoError(t, err)
	assert.Equal(t, in.BOGO.ProductIDs, out.BOGO.ProductIDs)
	assertDecimal(t, "50", out.BOGO.DiscountValue, "discount value")

	assert.JSONEq(t, `{}`, string(EncodeParams(Params{})))
}
