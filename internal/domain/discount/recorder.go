package discount

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Claim asks the store to redeem one applied discount for an order.
type Claim struct {
	DiscountID     string
	CodeID         string
	Code           string
	CustomerID     string
	OrderID        string
	OriginalAmount decimal.Decimal
	DiscountAmount decimal.Decimal
	FinalAmount    decimal.Decimal
}

// RedeemRequest identifies the order an evaluation is being committed for.
type RedeemRequest struct {
	OrderID    string
	CustomerID string
}

// Recorder commits evaluations to the redemption ledger.
type Recorder struct {
	store RedemptionStore
}

// NewRecorder creates a Recorder backed by store.
func NewRecorder(store RedemptionStore) *Recorder {
	return &Recorder{store: store}
}

// Record redeems every applied discount of eval for the order. Either all
// redemptions are written or none are; a usage limit violation is returned as
// *LimitExceededError.
func (r *Recorder) Record(ctx context.Context, eval *Evaluation, req RedeemRequest) ([]Redemption, error) {
	if eval == nil || len(eval.Applied) == 0 {
		return nil, nil
	}
	if req.OrderID == "" {
		return nil, errors.New("order id is required")
	}

	original := eval.Subtotal.Add(eval.Shipping)
	claims := make([]Claim, 0, len(eval.Applied))
	for _, a := range eval.Applied {
		c := Claim{
			DiscountID:     a.DiscountID,
			CodeID:         a.CodeID,
			CustomerID:     req.CustomerID,
			OrderID:        req.OrderID,
			OriginalAmount: original,
			DiscountAmount: a.Total(),
			FinalAmount:    eval.FinalTotal,
		}
		if a.CodeID != "" {
			c.Code = eval.Code.Code
		}
		claims = append(claims, c)
	}

	out, err := r.store.Redeem(ctx, claims)
	if err != nil {
		var limit *LimitExceededError
		if errors.As(err, &limit) {
			zctx.From(ctx).Info("Redemption rejected",
				zap.String("order_id", req.OrderID),
				zap.String("discount_id", limit.DiscountID),
				zap.String("scope", string(limit.Scope)),
			)
			return nil, err
		}
		return nil, errors.Wrap(err, "redeem")
	}
	return out, nil
}

// ListRedemptions returns the most recent redemptions of a discount.
func (r *Recorder) ListRedemptions(ctx context.Context, discountID string, limit int) ([]Redemption, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	out, err := r.store.ListByDiscount(ctx, discountID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list redemptions")
	}
	return out, nil
}
