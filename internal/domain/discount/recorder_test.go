package discount

import (
	"context"
	"testing"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockRedemptionStore struct {
	claims    []Claim
	err       error
	listLimit int
}

func (m *mockRedemptionStore) Redeem(_ context.Context, claims []Claim) ([]Redemption, error) {
	m.claims = claims
	if m.err != nil {
		return nil, m.err
	}
	out := make([]Redemption, len(claims))
	for i, c := range claims {
		out[i] = Redemption{
			ID:             "r" + c.DiscountID,
			DiscountID:     c.DiscountID,
			CodeID:         c.CodeID,
			CustomerID:     c.CustomerID,
			OrderID:        c.OrderID,
			OriginalAmount: c.OriginalAmount,
			DiscountAmount: c.DiscountAmount,
			FinalAmount:    c.FinalAmount,
		}
	}
	return out, nil
}

func (m *mockRedemptionStore) ListByDiscount(_ context.Context, _ string, limit int) ([]Redemption, error) {
	m.listLimit = limit
	return nil, m.err
}

func testEvaluation() *Evaluation {
	return &Evaluation{
		Applied: []Applied{
			{DiscountID: "pct10", Amount: dec("10"), CodeID: "code1"},
			{DiscountID: "ship", ShippingAmount: dec("5")},
		},
		Subtotal:      dec("100"),
		Shipping:      dec("5"),
		TotalDiscount: dec("15"),
		FinalTotal:    dec("90"),
		Code:          CodeResult{Code: "SAVE10", Status: CodeApplied},
	}
}

func TestRecorder_Record(t *testing.T) {
	store := &mockRedemptionStore{}
	rec := NewRecorder(store)

	out, err := rec.Record(context.Background(), testEvaluation(), RedeemRequest{OrderID: "o1", CustomerID: "c1"})
	require.NoError(t, err)
	require.Len(t, out, 2)

	require.Len(t, store.claims, 2)
	first := store.claims[0]
	assert.Equal(t, "pct10", first.DiscountID)
	assert.Equal(t, "code1", first.CodeID)
	assert.Equal(t, "SAVE10", first.Code)
	assert.Equal(t, "o1", first.OrderID)
	assert.Equal(t, "c1", first.CustomerID)
	assertDecimal(t, "105", first.OriginalAmount, "original")
	assertDecimal(t, "10", first.DiscountAmount, "discount")
	assertDecimal(t, "90", first.FinalAmount, "final")

	second := store.claims[1]
	assert.Empty(t, second.Code)
	assertDecimal(t, "5", second.DiscountAmount, "shipping discount")
}

func TestRecorder_NothingApplied(t *testing.T) {
	store := &mockRedemptionStore{}
	out, err := NewRecorder(store).Record(context.Background(), &Evaluation{}, RedeemRequest{OrderID: "o1"})
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.Nil(t, store.claims)
}

func TestRecorder_RequiresOrder(t *testing.T) {
	_, err := NewRecorder(&mockRedemptionStore{}).Record(context.Background(), testEvaluation(), RedeemRequest{})
	require.Error(t, err)
}

func TestRecorder_LimitExceeded(t *testing.T) {
	store := &mockRedemptionStore{err: &LimitExceededError{DiscountID: "pct10", Code: "SAVE10", Scope: ScopeCode}}

	_, err := NewRecorder(store).Record(context.Background(), testEvaluation(), RedeemRequest{OrderID: "o1"})

	var limitErr *LimitExceededError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, "pct10", limitErr.DiscountID)
	assert.Equal(t, ScopeCode, limitErr.Scope)
	assert.ErrorIs(t, err, ErrRedemptionLimitExceeded)
}

func TestRecorder_StoreError(t *testing.T) {
	boom := errors.New("connection reset")
	_, err := NewRecorder(&mockRedemptionStore{err: boom}).Record(context.Background(), testEvaluation(), RedeemRequest{OrderID: "o1"})
	require.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrRedemptionLimitExceeded)
}

func TestRecorder_ListRedemptionsLimit(t *testing.T) {
	store := &mockRedemptionStore{}
	rec := NewRecorder(store)

	for _, tt := range []struct{ in, want int }{{0, 100}, {20, 20}, {10000, 100}} {
		_, err := rec.ListRedemptions(context.Background(), "d1", tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, store.listLimit)
	}
}
