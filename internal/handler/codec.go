package handler

import (
	"io"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-discounts/internal/domain/discount"
	"github.com/xenking/kart-discounts/internal/domain/order"
	"github.com/xenking/kart-discounts/internal/domain/product"
)

const maxBodyBytes = 1 << 20

// decodeError marks a malformed request body.
type decodeError struct {
	err error
}

func (e *decodeError) Error() string { return "invalid request body: " + e.err.Error() }

func (e *decodeError) Unwrap() error { return e.err }

// readBody returns the request body, or nil when it is empty.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, &decodeError{err: err}
	}
	return data, nil
}

func decodeWith(data []byte, fn func(d *jx.Decoder) error) error {
	if len(data) == 0 {
		return &decodeError{err: errors.New("body required")}
	}
	if err := fn(jx.DecodeBytes(data)); err != nil {
		return &decodeError{err: err}
	}
	return nil
}

// checkoutRequest is the body shared by POST /order and POST /discounts/preview.
type checkoutRequest struct {
	order.Checkout
	Items []order.PreviewItem
}

func decodeCheckout(d *jx.Decoder, req *checkoutRequest) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "items":
			return d.Arr(func(d *jx.Decoder) error {
				item, err := decodeItem(d)
				if err != nil {
					return err
				}
				req.Items = append(req.Items, item)
				return nil
			})
		case "couponCode":
			req.CouponCode, err = optStr(d)
		case "customerId":
			req.CustomerID, err = optStr(d)
		case "zoneId":
			req.ZoneID, err = optStr(d)
		case "currencyCode":
			req.CurrencyCode, err = optStr(d)
		case "channelId":
			req.ChannelID, err = optStr(d)
		case "shipping":
			var v decimal.NullDecimal
			if v, err = optDecimal(d); v.Valid {
				req.Shipping = v.Decimal
			}
		default:
			err = d.Skip()
		}
		return errors.Wrap(err, key)
	})
}

func decodeItem(d *jx.Decoder) (order.PreviewItem, error) {
	var item order.PreviewItem
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "productId":
			item.ProductID, err = d.Str()
		case "quantity":
			item.Quantity, err = d.Int()
		case "unitPrice":
			item.UnitPrice, err = optDecimal(d)
		default:
			err = d.Skip()
		}
		return errors.Wrap(err, key)
	})
	return item, err
}

// decodePresetOptions reads the optional body of POST /discounts/presets/{name}.
func decodePresetOptions(d *jx.Decoder, opts *discount.PresetOptions) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "code":
			opts.Code, err = optStr(d)
		case "startsAt":
			opts.StartsAt, err = optTime(d)
		case "endsAt":
			opts.EndsAt, err = optTime(d)
		default:
			err = d.Skip()
		}
		return errors.Wrap(err, key)
	})
}

func optStr(d *jx.Decoder) (string, error) {
	if d.Next() == jx.Null {
		return "", d.Null()
	}
	return d.Str()
}

// optDecimal accepts a JSON number, a numeric string or null.
func optDecimal(d *jx.Decoder) (decimal.NullDecimal, error) {
	switch d.Next() {
	case jx.Null:
		return decimal.NullDecimal{}, d.Null()
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return decimal.NullDecimal{}, err
		}
		v, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.NullDecimal{}, err
		}
		return decimal.NewNullDecimal(v), nil
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return decimal.NullDecimal{}, err
		}
		v, err := decimal.NewFromString(n.String())
		if err != nil {
			return decimal.NullDecimal{}, err
		}
		return decimal.NewNullDecimal(v), nil
	default:
		return decimal.NullDecimal{}, errors.New("expected number")
	}
}

func optTime(d *jx.Decoder) (*time.Time, error) {
	s, err := optStr(d)
	if err != nil || s == "" {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func writeJSON(w http.ResponseWriter, status int, fn func(e *jx.Encoder)) {
	var e jx.Encoder
	fn(&e)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("code", func(e *jx.Encoder) { e.Int(status) })
			e.Field("message", func(e *jx.Encoder) { e.Str(message) })
		})
	})
}

func money(e *jx.Encoder, d decimal.Decimal) {
	e.Num(jx.Num(d.StringFixed(2)))
}

func timestamp(e *jx.Encoder, t time.Time) {
	e.Str(t.UTC().Format(time.RFC3339))
}

func (h *Handler) encodeProduct(e *jx.Encoder, p product.Product) {
	base := h.imageBaseURL
	e.Obj(func(e *jx.Encoder) {
		e.Field("id", func(e *jx.Encoder) { e.Str(p.ID) })
		e.Field("name", func(e *jx.Encoder) { e.Str(p.Name) })
		e.Field("price", func(e *jx.Encoder) { money(e, p.Price) })
		e.Field("category", func(e *jx.Encoder) { e.Str(p.Category) })
		e.Field("image", func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				e.Field("thumbnail", func(e *jx.Encoder) { e.Str(base + p.Image.Thumbnail) })
				e.Field("mobile", func(e *jx.Encoder) { e.Str(base + p.Image.Mobile) })
				e.Field("tablet", func(e *jx.Encoder) { e.Str(base + p.Image.Tablet) })
				e.Field("desktop", func(e *jx.Encoder) { e.Str(base + p.Image.Desktop) })
			})
		})
	})
}

func encodeApplied(e *jx.Encoder, a discount.Applied) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("discountId", func(e *jx.Encoder) { e.Str(a.DiscountID) })
		e.Field("name", func(e *jx.Encoder) { e.Str(a.Name) })
		e.Field("type", func(e *jx.Encoder) { e.Str(string(a.Type)) })
		e.Field("stackingPolicy", func(e *jx.Encoder) { e.Str(string(a.Policy)) })
		e.Field("priority", func(e *jx.Encoder) { e.Int(a.Priority) })
		if a.CodeID != "" {
			e.Field("codeId", func(e *jx.Encoder) { e.Str(a.CodeID) })
		}
		e.Field("amount", func(e *jx.Encoder) { money(e, a.Amount) })
		e.Field("shippingAmount", func(e *jx.Encoder) { money(e, a.ShippingAmount) })
	})
}

func encodeCode(e *jx.Encoder, c discount.CodeResult) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("code", func(e *jx.Encoder) { e.Str(c.Code) })
		e.Field("status", func(e *jx.Encoder) { e.Str(string(c.Status)) })
		if c.Reason != nil {
			e.Field("reason", func(e *jx.Encoder) { e.Str(c.Reason.Error()) })
		}
	})
}

// encodeEvaluationFields writes the evaluation into an open object.
func encodeEvaluationFields(e *jx.Encoder, eval *discount.Evaluation) {
	e.Field("applied", func(e *jx.Encoder) {
		e.ArrStart()
		for _, a := range eval.Applied {
			encodeApplied(e, a)
		}
		e.ArrEnd()
	})
	e.Field("subtotal", func(e *jx.Encoder) { money(e, eval.Subtotal) })
	e.Field("shipping", func(e *jx.Encoder) { money(e, eval.Shipping) })
	e.Field("totalDiscount", func(e *jx.Encoder) { money(e, eval.TotalDiscount) })
	e.Field("finalTotal", func(e *jx.Encoder) { money(e, eval.FinalTotal) })
	if eval.Code.Status != discount.CodeNone {
		e.Field("code", func(e *jx.Encoder) { encodeCode(e, eval.Code) })
	}
}

func encodeRedemption(e *jx.Encoder, r discount.Redemption) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("id", func(e *jx.Encoder) { e.Str(r.ID) })
		e.Field("discountId", func(e *jx.Encoder) { e.Str(r.DiscountID) })
		if r.CodeID != "" {
			e.Field("codeId", func(e *jx.Encoder) { e.Str(r.CodeID) })
		}
		if r.CustomerID != "" {
			e.Field("customerId", func(e *jx.Encoder) { e.Str(r.CustomerID) })
		}
		e.Field("orderId", func(e *jx.Encoder) { e.Str(r.OrderID) })
		e.Field("originalAmount", func(e *jx.Encoder) { money(e, r.OriginalAmount) })
		e.Field("discountAmount", func(e *jx.Encoder) { money(e, r.DiscountAmount) })
		e.Field("finalAmount", func(e *jx.Encoder) { money(e, r.FinalAmount) })
		e.Field("redeemedAt", func(e *jx.Encoder) { timestamp(e, r.RedeemedAt) })
	})
}
