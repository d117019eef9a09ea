// Package handler exposes the checkout and discount API over HTTP.
package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xenking/kart-discounts/internal/domain/auth"
	"github.com/xenking/kart-discounts/internal/domain/discount"
	"github.com/xenking/kart-discounts/internal/domain/order"
	"github.com/xenking/kart-discounts/internal/domain/product"
	"github.com/xenking/kart-discounts/pkg/httpmiddleware"
)

// APIKeyHeader carries the caller's API key.
const APIKeyHeader = "api_key"

// OrderService places orders and previews discounts.
type OrderService interface {
	PlaceOrder(ctx context.Context, req order.PlaceOrderRequest) (*order.PlaceOrderResult, error)
	Preview(ctx context.Context, req order.PreviewRequest) (*discount.Evaluation, error)
}

// DiscountStore reads and creates discounts.
type DiscountStore interface {
	Get(ctx context.Context, id string) (*discount.Discount, error)
	Create(ctx context.Context, d *discount.Discount, code *discount.Code) error
}

// RedemptionLister reads the redemption ledger of a discount.
type RedemptionLister interface {
	ListRedemptions(ctx context.Context, discountID string, limit int) ([]discount.Redemption, error)
}

// Invalidator drops cached discount state after a discount is created.
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

// Config holds non-dependency configuration for the Handler.
type Config struct {
	// ImageBaseURL is prepended to relative image paths in product responses.
	ImageBaseURL string
	// Pepper is the HMAC key API keys are hashed with.
	Pepper []byte
}

// Handler serves the /api routes.
type Handler struct {
	products    product.Repository
	orders      OrderService
	discounts   DiscountStore
	redemptions RedemptionLister
	apikeys     auth.Repository
	cache       Invalidator

	imageBaseURL string
	pepper       []byte
}

// New constructs a Handler. cache may be nil.
func New(
	cfg Config,
	products product.Repository,
	orders OrderService,
	discounts DiscountStore,
	redemptions RedemptionLister,
	apikeys auth.Repository,
	cache Invalidator,
) *Handler {
	return &Handler{
		products:     products,
		orders:       orders,
		discounts:    discounts,
		redemptions:  redemptions,
		apikeys:      apikeys,
		cache:        cache,
		imageBaseURL: cfg.ImageBaseURL,
		pepper:       cfg.Pepper,
	}
}

// Router builds the chi router. Product reads are public, everything else
// needs an API key with the matching capability.
func (h *Handler) Router() *chi.Mux {
	r := chi.NewRouter()
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/product", h.ListProducts)
		r.Get("/product/{productId}", h.GetProduct)

		r.Group(func(r chi.Router) {
			r.Use(h.authenticate)
			r.With(requireCapability(auth.PlaceOrders)).Post("/order", h.PlaceOrder)
			r.With(requireCapability(auth.PreviewDiscounts)).Post("/discounts/preview", h.PreviewDiscounts)
			r.With(requireCapability(auth.ViewRedemptions)).Get("/discounts/{discountId}/redemptions", h.ListRedemptions)
			r.With(requireCapability(auth.ManageDiscounts)).Get("/discounts/presets", h.ListPresets)
			r.With(requireCapability(auth.ManageDiscounts)).Post("/discounts/presets/{name}", h.CreateFromPreset)
		})
	})
	return r
}

// RouteFinder resolves request paths to chi route patterns for logging and
// metrics labels.
func RouteFinder(mux *chi.Mux) httpmiddleware.RouteFinder {
	return func(r *http.Request) (string, bool) {
		pattern := mux.Find(chi.NewRouteContext(), r.Method, r.URL.Path)
		return pattern, pattern != ""
	}
}
