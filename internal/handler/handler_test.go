package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-discounts/internal/domain/auth"
	"github.com/xenking/kart-discounts/internal/domain/discount"
	"github.com/xenking/kart-discounts/internal/domain/order"
	"github.com/xenking/kart-discounts/internal/domain/product"
)

// --- Mock implementations ---

type mockProductRepo struct {
	products []product.Product
}

func (m *mockProductRepo) List(context.Context) ([]product.Product, error) {
	return m.products, nil
}

func (m *mockProductRepo) GetByID(_ context.Context, id string) (*product.Product, error) {
	for _, p := range m.products {
		if p.ID == id {
			return &p, nil
		}
	}
	return nil, product.ErrNotFound
}

func (m *mockProductRepo) GetByIDs(context.Context, []string) ([]product.Product, error) {
	return m.products, nil
}

type mockOrders struct {
	placed    *order.PlaceOrderRequest
	previewed *order.PreviewRequest
	result    *order.PlaceOrderResult
	eval      *discount.Evaluation
	err       error
}

func (m *mockOrders) PlaceOrder(_ context.Context, req order.PlaceOrderRequest) (*order.PlaceOrderResult, error) {
	m.placed = &req
	return m.result, m.err
}

func (m *mockOrders) Preview(_ context.Context, req order.PreviewRequest) (*discount.Evaluation, error) {
	m.previewed = &req
	return m.eval, m.err
}

type mockDiscounts struct {
	known   map[string]bool
	created []discount.Discount
	codes   []*discount.Code
	err     error
}

func (m *mockDiscounts) Get(_ context.Context, id string) (*discount.Discount, error) {
	if !m.known[id] {
		return nil, discount.ErrNotFound
	}
	return &discount.Discount{ID: id}, nil
}

func (m *mockDiscounts) Create(_ context.Context, d *discount.Discount, code *discount.Code) error {
	if m.err != nil {
		return m.err
	}
	d.ID = "new-id"
	m.created = append(m.created, *d)
	m.codes = append(m.codes, code)
	return nil
}

type mockRedemptions struct {
	limit int
	list  []discount.Redemption
}

func (m *mockRedemptions) ListRedemptions(_ context.Context, _ string, limit int) ([]discount.Redemption, error) {
	m.limit = limit
	return m.list, nil
}

type mockAPIKeys struct {
	keys map[string]auth.APIKeyInfo
}

func (m *mockAPIKeys) FindByHash(_ context.Context, hash string) (*auth.APIKeyInfo, error) {
	info, ok := m.keys[hash]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return &info, nil
}

type mockCache struct{ invalidated int }

func (m *mockCache) Invalidate(context.Context) error {
	m.invalidated++
	return nil
}

// --- Helpers ---

var pepper = []byte("test-pepper")

type fixture struct {
	products    *mockProductRepo
	orders      *mockOrders
	discounts   *mockDiscounts
	redemptions *mockRedemptions
	cache       *mockCache
	router      *chi.Mux
}

func newFixture() *fixture {
	f := &fixture{
		products: &mockProductRepo{products: []product.Product{{
			ID:       "p1",
			Name:     "Waffle",
			Price:    decimal.RequireFromString("6.50"),
			Category: "Waffle",
			Image:    product.Image{Thumbnail: "/img/waffle-thumb.jpg"},
		}}},
		orders:      &mockOrders{},
		discounts:   &mockDiscounts{known: map[string]bool{"d1": true}},
		redemptions: &mockRedemptions{},
		cache:       &mockCache{},
	}
	keys := &mockAPIKeys{keys: map[string]auth.APIKeyInfo{}}
	for key, scopes := range map[string][]string{
		"admin-key":   {"admin"},
		"orders-key":  {"orders"},
		"preview-key": {"discounts:preview"},
	} {
		hash := auth.HashKey(pepper, key)
		keys.keys[hash] = auth.APIKeyInfo{ID: key, KeyHash: hash, Scopes: scopes}
	}

	h := New(Config{ImageBaseURL: "https://cdn.example", Pepper: pepper},
		f.products, f.orders, f.discounts, f.redemptions, keys, f.cache)
	f.router = h.Router()
	return f
}

func (f *fixture) do(method, path, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if key != "" {
		req.Header.Set(APIKeyHeader, key)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func sampleEvaluation() *discount.Evaluation {
	return &discount.Evaluation{
		Applied: []discount.Applied{{
			DiscountID: "d1",
			Name:       "Welcome 10%",
			Type:       discount.TypePercentage,
			Policy:     discount.PolicyStack,
			Priority:   10,
			Amount:     decimal.RequireFromString("4"),
		}},
		Subtotal:      decimal.RequireFromString("40"),
		Shipping:      decimal.RequireFromString("4.99"),
		TotalDiscount: decimal.RequireFromString("4"),
		FinalTotal:    decimal.RequireFromString("40.99"),
		Code: discount.CodeResult{
			Code:   "BOGUS",
			Status: discount.CodeRejected,
			Reason: discount.ErrCodeNotFound,
		},
	}
}

// --- Tests ---

func TestAuthentication(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		path       string
		key        string
		wantStatus int
	}{
		{"products are public", http.MethodGet, "/api/product", "", http.StatusOK},
		{"missing key", http.MethodPost, "/api/order", "", http.StatusUnauthorized},
		{"unknown key", http.MethodPost, "/api/order", "nope", http.StatusUnauthorized},
		{"preview key cannot order", http.MethodPost, "/api/order", "preview-key", http.StatusForbidden},
		{"orders key cannot manage", http.MethodPost, "/api/discounts/presets/welcome10", "orders-key", http.StatusForbidden},
		{"orders key cannot read ledger", http.MethodGet, "/api/discounts/d1/redemptions", "orders-key", http.StatusForbidden},
		{"admin lists presets", http.MethodGet, "/api/discounts/presets", "admin-key", http.StatusOK},
		{"unknown route", http.MethodGet, "/api/nothing", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newFixture().do(tt.method, tt.path, tt.key, "")
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			if w.Code >= http.StatusBadRequest {
				body := decodeBody(t, w)
				assert.EqualValues(t, tt.wantStatus, body["code"])
				assert.NotEmpty(t, body["message"])
			}
		})
	}
}

func TestGetProduct(t *testing.T) {
	f := newFixture()

	w := f.do(http.MethodGet, "/api/product/p1", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "Waffle", body["name"])
	assert.EqualValues(t, 6.5, body["price"])
	assert.Equal(t, "https://cdn.example/img/waffle-thumb.jpg", body["image"].(map[string]any)["thumbnail"])

	w = f.do(http.MethodGet, "/api/product/missing", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPlaceOrder(t *testing.T) {
	f := newFixture()
	f.orders.result = &order.PlaceOrderResult{
		Order: &order.Order{
			ID:        "o1",
			Items:     []order.OrderItem{{ProductID: "p1", Quantity: 2}},
			Subtotal:  decimal.RequireFromString("13"),
			Shipping:  decimal.Zero,
			Discounts: decimal.RequireFromString("1.3"),
			Total:     decimal.RequireFromString("11.7"),
			Status:    order.StatusCompleted,
		},
		Products:   f.products.products,
		Evaluation: sampleEvaluation(),
		Redemptions: []discount.Redemption{{
			ID: "r1", DiscountID: "d1", OrderID: "o1",
			DiscountAmount: decimal.RequireFromString("1.3"),
			RedeemedAt:     time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC),
		}},
		Rejected: []discount.LimitExceededError{{DiscountID: "d2", Code: "SAVE10", Scope: discount.ScopeCode}},
	}

	w := f.do(http.MethodPost, "/api/order", "orders-key", `{
		"items": [{"productId": "p1", "quantity": 2}],
		"couponCode": "SAVE10",
		"customerId": "c1",
		"shipping": "0",
		"zoneId": null
	}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	require.NotNil(t, f.orders.placed)
	assert.Equal(t, "SAVE10", f.orders.placed.CouponCode)
	assert.Equal(t, "c1", f.orders.placed.CustomerID)
	assert.Equal(t, []order.OrderItem{{ProductID: "p1", Quantity: 2}}, f.orders.placed.Items)

	body := decodeBody(t, w)
	assert.Equal(t, "o1", body["id"])
	assert.Equal(t, "completed", body["status"])
	assert.EqualValues(t, 11.7, body["total"])
	assert.EqualValues(t, 1.3, body["discounts"])
	assert.Len(t, body["redemptions"], 1)

	rejected := body["rejected"].([]any)
	require.Len(t, rejected, 1)
	assert.Equal(t, "code", rejected[0].(map[string]any)["scope"])

	eval := body["evaluation"].(map[string]any)
	code := eval["code"].(map[string]any)
	assert.Equal(t, "rejected", code["status"])
	assert.Equal(t, discount.ErrCodeNotFound.Error(), code["reason"])
}

func TestPlaceOrder_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
	}{
		{"empty body", "", nil, http.StatusBadRequest},
		{"malformed json", `{"items": [`, nil, http.StatusBadRequest},
		{"wrong quantity type", `{"items": [{"productId": "p1", "quantity": "two"}]}`, nil, http.StatusBadRequest},
		{"empty items", `{"items": []}`, order.ErrEmptyItems, http.StatusBadRequest},
		{"invalid quantity", `{"items": [{"productId": "p1", "quantity": 0}]}`, &order.InvalidQuantityError{ProductID: "p1"}, http.StatusUnprocessableEntity},
		{"unknown product", `{"items": [{"productId": "x", "quantity": 1}]}`, &order.ProductNotFoundError{ProductID: "x"}, http.StatusUnprocessableEntity},
		{"unknown customer", `{"items": [{"productId": "p1", "quantity": 1}], "customerId": "ghost"}`, discount.ErrCustomerNotFound, http.StatusUnprocessableEntity},
		{"storage failure", `{"items": [{"productId": "p1", "quantity": 1}]}`, errors.New("connection reset"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.orders.err = tt.err
			w := f.do(http.MethodPost, "/api/order", "orders-key", tt.body)
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			if tt.wantStatus == http.StatusInternalServerError {
				assert.NotContains(t, w.Body.String(), "connection reset")
			}
		})
	}
}

func TestPreviewDiscounts(t *testing.T) {
	f := newFixture()
	f.orders.eval = sampleEvaluation()

	w := f.do(http.MethodPost, "/api/discounts/preview", "preview-key", `{
		"items": [{"productId": "custom", "quantity": 1, "unitPrice": 40}],
		"shipping": 4.99,
		"couponCode": "BOGUS"
	}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	require.NotNil(t, f.orders.previewed)
	req := f.orders.previewed
	require.Len(t, req.Items, 1)
	assert.True(t, req.Items[0].UnitPrice.Valid)
	assert.True(t, req.Items[0].UnitPrice.Decimal.Equal(decimal.NewFromInt(40)))
	assert.True(t, req.Shipping.Equal(decimal.RequireFromString("4.99")))

	body := decodeBody(t, w)
	assert.EqualValues(t, 40.99, body["finalTotal"])
	assert.EqualValues(t, 4, body["totalDiscount"])
	applied := body["applied"].([]any)
	require.Len(t, applied, 1)
	assert.Equal(t, "stack", applied[0].(map[string]any)["stackingPolicy"])
}

func TestListRedemptions(t *testing.T) {
	f := newFixture()
	f.redemptions.list = []discount.Redemption{{
		ID: "r1", DiscountID: "d1", OrderID: "o1", CustomerID: "c1",
		OriginalAmount: decimal.RequireFromString("100"),
		DiscountAmount: decimal.RequireFromString("10"),
		FinalAmount:    decimal.RequireFromString("90"),
		RedeemedAt:     time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC),
	}}

	w := f.do(http.MethodGet, "/api/discounts/d1/redemptions?limit=5", "admin-key", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 5, f.redemptions.limit)

	items := decodeBody(t, w)["items"].([]any)
	require.Len(t, items, 1)
	first := items[0].(map[string]any)
	assert.Equal(t, "2026-03-04T12:00:00Z", first["redeemedAt"])
	assert.EqualValues(t, 90, first["finalAmount"])

	w = f.do(http.MethodGet, "/api/discounts/missing/redemptions", "admin-key", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(http.MethodGet, "/api/discounts/d1/redemptions?limit=ten", "admin-key", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateFromPreset(t *testing.T) {
	tests := []struct {
		name       string
		preset     string
		body       string
		createErr  error
		wantStatus int
		wantCode   string
	}{
		{"no body", "free_shipping_over_50", "", nil, http.StatusCreated, ""},
		{"with code", "welcome10", `{"code": "hello", "endsAt": "2030-01-01T00:00:00Z"}`, nil, http.StatusCreated, "HELLO"},
		{"unknown preset", "nope", "", nil, http.StatusNotFound, ""},
		{"bad window", "welcome10", `{"startsAt": "2030-01-02T00:00:00Z", "endsAt": "2030-01-01T00:00:00Z"}`, nil, http.StatusUnprocessableEntity, ""},
		{"bad timestamp", "welcome10", `{"endsAt": "tomorrow"}`, nil, http.StatusBadRequest, ""},
		{"duplicate", "welcome10", "", errors.Wrap(discount.ErrAlreadyExists, "welcome10"), http.StatusConflict, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.discounts.err = tt.createErr

			w := f.do(http.MethodPost, "/api/discounts/presets/"+tt.preset, "admin-key", tt.body)
			require.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			if tt.wantStatus != http.StatusCreated {
				assert.Zero(t, f.cache.invalidated)
				return
			}

			body := decodeBody(t, w)
			assert.Equal(t, "new-id", body["id"])
			assert.Equal(t, 1, f.cache.invalidated)
			require.Len(t, f.discounts.created, 1)
			if tt.wantCode == "" {
				assert.Nil(t, f.discounts.codes[0])
				assert.NotContains(t, body, "code")
				return
			}
			assert.Equal(t, tt.wantCode, body["code"])
			assert.Equal(t, true, body["requiresCode"])
		})
	}
}

func TestRouteFinder(t *testing.T) {
	find := RouteFinder(newFixture().router)

	tests := []struct {
		method, path string
		want         string
		ok           bool
	}{
		{http.MethodGet, "/api/discounts/d1/redemptions", "/api/discounts/{discountId}/redemptions", true},
		{http.MethodPost, "/api/discounts/presets/welcome10", "/api/discounts/presets/{name}", true},
		{http.MethodPost, "/api/order", "/api/order", true},
		{http.MethodGet, "/api/order", "", false},
		{http.MethodGet, "/elsewhere", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			got, ok := find(httptest.NewRequest(tt.method, tt.path, nil))
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}
