package handler

import (
	"net/http"

	"github.com/go-faster/jx"

	"github.com/xenking/kart-discounts/internal/domain/order"
)

// PlaceOrder prices the cart, applies discounts, records redemptions and
// returns the completed order.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	data, err := readBody(w, r)
	if err != nil {
		fail(w, r, err)
		return
	}
	var req checkoutRequest
	if err := decodeWith(data, func(d *jx.Decoder) error { return decodeCheckout(d, &req) }); err != nil {
		fail(w, r, err)
		return
	}

	items := make([]order.OrderItem, len(req.Items))
	for i, item := range req.Items {
		items[i] = order.OrderItem{ProductID: item.ProductID, Quantity: item.Quantity}
	}
	result, err := h.orders.PlaceOrder(r.Context(), order.PlaceOrderRequest{
		Checkout: req.Checkout,
		Items:    items,
	})
	if err != nil {
		fail(w, r, err)
		return
	}

	o := result.Order
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("id", func(e *jx.Encoder) { e.Str(o.ID) })
			e.Field("status", func(e *jx.Encoder) { e.Str(string(o.Status)) })
			e.Field("items", func(e *jx.Encoder) {
				e.ArrStart()
				for _, item := range o.Items {
					e.Obj(func(e *jx.Encoder) {
						e.Field("productId", func(e *jx.Encoder) { e.Str(item.ProductID) })
						e.Field("quantity", func(e *jx.Encoder) { e.Int(item.Quantity) })
					})
				}
				e.ArrEnd()
			})
			e.Field("products", func(e *jx.Encoder) {
				e.ArrStart()
				for _, p := range result.Products {
					h.encodeProduct(e, p)
				}
				e.ArrEnd()
			})
			e.Field("subtotal", func(e *jx.Encoder) { money(e, o.Subtotal) })
			e.Field("shipping", func(e *jx.Encoder) { money(e, o.Shipping) })
			e.Field("discounts", func(e *jx.Encoder) { money(e, o.Discounts) })
			e.Field("total", func(e *jx.Encoder) { money(e, o.Total) })
			if result.Evaluation != nil {
				e.Field("evaluation", func(e *jx.Encoder) {
					e.Obj(func(e *jx.Encoder) { encodeEvaluationFields(e, result.Evaluation) })
				})
			}
			e.Field("redemptions", func(e *jx.Encoder) {
				e.ArrStart()
				for _, rd := range result.Redemptions {
					encodeRedemption(e, rd)
				}
				e.ArrEnd()
			})
			if len(result.Rejected) > 0 {
				e.Field("rejected", func(e *jx.Encoder) {
					e.ArrStart()
					for _, rej := range result.Rejected {
						e.Obj(func(e *jx.Encoder) {
							e.Field("discountId", func(e *jx.Encoder) { e.Str(rej.DiscountID) })
							if rej.Code != "" {
								e.Field("code", func(e *jx.Encoder) { e.Str(rej.Code) })
							}
							e.Field("scope", func(e *jx.Encoder) { e.Str(string(rej.Scope)) })
							e.Field("message", func(e *jx.Encoder) { e.Str(rej.Error()) })
						})
					}
					e.ArrEnd()
				})
			}
		})
	})
}
