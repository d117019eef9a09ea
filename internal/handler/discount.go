package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-discounts/internal/domain/discount"
	"github.com/xenking/kart-discounts/internal/domain/order"
)

// PreviewDiscounts evaluates a cart without recording anything.
func (h *Handler) PreviewDiscounts(w http.ResponseWriter, r *http.Request) {
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

	eval, err := h.orders.Preview(r.Context(), order.PreviewRequest{
		Checkout: req.Checkout,
		Items:    req.Items,
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) { encodeEvaluationFields(e, eval) })
	})
}

// ListRedemptions returns the newest redemptions of a discount. The optional
// limit query parameter is capped by the recorder.
func (h *Handler) ListRedemptions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "discountId")
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = n
	}

	if _, err := h.discounts.Get(r.Context(), id); err != nil {
		fail(w, r, err)
		return
	}
	list, err := h.redemptions.ListRedemptions(r.Context(), id, limit)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("discountId", func(e *jx.Encoder) { e.Str(id) })
			e.Field("items", func(e *jx.Encoder) {
				e.ArrStart()
				for _, rd := range list {
					encodeRedemption(e, rd)
				}
				e.ArrEnd()
			})
		})
	})
}

// ListPresets returns the available discount templates.
func (h *Handler) ListPresets(w http.ResponseWriter, _ *http.Request) {
	presets := discount.Presets()
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ArrStart()
		for _, p := range presets {
			e.Obj(func(e *jx.Encoder) {
				e.Field("name", func(e *jx.Encoder) { e.Str(p.Name) })
				e.Field("description", func(e *jx.Encoder) { e.Str(p.Description) })
			})
		}
		e.ArrEnd()
	})
}

// CreateFromPreset persists a discount built from a named template and drops
// the cached catalog so the next evaluation sees it.
func (h *Handler) CreateFromPreset(w http.ResponseWriter, r *http.Request) {
	data, err := readBody(w, r)
	if err != nil {
		fail(w, r, err)
		return
	}
	var opts discount.PresetOptions
	if len(data) > 0 {
		if err := decodeWith(data, func(d *jx.Decoder) error { return decodePresetOptions(d, &opts) }); err != nil {
			fail(w, r, err)
			return
		}
	}

	d, code, err := discount.BuildPreset(chi.URLParam(r, "name"), opts)
	if err != nil {
		fail(w, r, err)
		return
	}
	if err := h.discounts.Create(r.Context(), &d, code); err != nil {
		fail(w, r, errors.Wrap(err, "create discount"))
		return
	}

	lg := zctx.From(r.Context())
	if h.cache != nil {
		if err := h.cache.Invalidate(r.Context()); err != nil {
			lg.Warn("Discount cache invalidation failed", zap.Error(err))
		}
	}
	lg.Info("Discount created from preset",
		zap.String("discount_id", d.ID),
		zap.String("slug", d.Slug),
	)

	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("id", func(e *jx.Encoder) { e.Str(d.ID) })
			e.Field("slug", func(e *jx.Encoder) { e.Str(d.Slug) })
			e.Field("name", func(e *jx.Encoder) { e.Str(d.Name) })
			e.Field("type", func(e *jx.Encoder) { e.Str(string(d.Type)) })
			e.Field("stackingPolicy", func(e *jx.Encoder) { e.Str(string(d.StackingPolicy)) })
			e.Field("priority", func(e *jx.Encoder) { e.Int(d.Priority) })
			e.Field("requiresCode", func(e *jx.Encoder) { e.Bool(d.RequiresCode) })
			if d.StartsAt != nil {
				e.Field("startsAt", func(e *jx.Encoder) { timestamp(e, *d.StartsAt) })
			}
			if d.EndsAt != nil {
				e.Field("endsAt", func(e *jx.Encoder) { timestamp(e, *d.EndsAt) })
			}
			if code != nil {
				e.Field("code", func(e *jx.Encoder) { e.Str(code.Code) })
			}
		})
	})
}
