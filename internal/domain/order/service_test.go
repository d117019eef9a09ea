package order

import (
	"context"
	"testing"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-discounts/internal/domain/discount"
	"github.com/xenking/kart-discounts/internal/domain/product"
)

// --- Mock implementations ---

type mockProductRepo struct {
	byID   map[string]*product.Product
	getErr error
}

func (m *mockProductRepo) List(_ context.Context) ([]product.Product, error) {
	return nil, nil
}

func (m *mockProductRepo) GetByID(_ context.Context, id string) (*product.Product, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	p, ok := m.byID[id]
	if !ok {
		return nil, product.ErrNotFound
	}
	return p, nil
}

func (m *mockProductRepo) GetByIDs(_ context.Context, ids []string) ([]product.Product, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	var out []product.Product
	for _, id := range ids {
		if p, ok := m.byID[id]; ok {
			out = append(out, *p)
		}
	}
	return out, nil
}

type mockCatalog struct {
	discounts []discount.Discount
	codes     map[string]*discount.Code
}

func (m *mockCatalog) ListActive(_ context.Context) ([]discount.Discount, error) {
	return m.discounts, nil
}

func (m *mockCatalog) FindCode(_ context.Context, code string) (*discount.Code, error) {
	c, ok := m.codes[code]
	if !ok {
		return nil, discount.ErrCodeNotFound
	}
	return c, nil
}

type mockCustomers struct {
	byID map[string]*discount.Customer
}

func (m *mockCustomers) FindCustomer(_ context.Context, id string) (*discount.Customer, error) {
	c, ok := m.byID[id]
	if !ok {
		return nil, discount.ErrCustomerNotFound
	}
	return c, nil
}

// mockRedeemer rejects discounts listed in exhausted, one per call.
type mockRedeemer struct {
	exhausted map[string]bool
	err       error
	calls     int
	recorded  []discount.Redemption
}

func (m *mockRedeemer) Record(_ context.Context, eval *discount.Evaluation, req discount.RedeemRequest) ([]discount.Redemption, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	for _, a := range eval.Applied {
		if m.exhausted[a.DiscountID] {
			return nil, &discount.LimitExceededError{DiscountID: a.DiscountID, Scope: discount.ScopeDiscount}
		}
	}
	m.recorded = nil
	for _, a := range eval.Applied {
		m.recorded = append(m.recorded, discount.Redemption{
			DiscountID:     a.DiscountID,
			OrderID:        req.OrderID,
			CustomerID:     req.CustomerID,
			DiscountAmount: a.Total(),
		})
	}
	return m.recorded, nil
}

type mockOrderRepo struct {
	created     *Order
	completed   *Order
	failed      *Order
	err         error
	completeErr error
}

func (m *mockOrderRepo) Create(_ context.Context, o *Order) error {
	cp := *o
	m.created = &cp
	return m.err
}

func (m *mockOrderRepo) Complete(_ context.Context, o *Order) error {
	if m.completeErr != nil {
		return m.completeErr
	}
	cp := *o
	m.completed = &cp
	return m.err
}

func (m *mockOrderRepo) Fail(_ context.Context, o *Order) error {
	cp := *o
	m.failed = &cp
	return nil
}

// --- Helpers ---

func newTestProduct(id, name string, price decimal.Decimal) product.Product {
	return product.Product{
		ID:       id,
		Name:     name,
		Price:    price,
		Category: "test",
		Image: product.Image{
			Thumbnail: "thumb.jpg",
			Mobile:    "mobile.jpg",
			Tablet:    "tablet.jpg",
			Desktop:   "desktop.jpg",
		},
	}
}

func newProductRepo(products ...product.Product) *mockProductRepo {
	byID := make(map[string]*product.Product, len(products))
	for i := range products {
		byID[products[i].ID] = &products[i]
	}
	return &mockProductRepo{byID: byID}
}

func liveDiscount(id string, t discount.Type, value string, priority int) discount.Discount {
	return discount.Discount{
		ID:             id,
		Name:           id,
		Type:           t,
		Value:          decimal.RequireFromString(value),
		Status:         discount.StatusActive,
		IsActive:       true,
		IsEnabled:      true,
		StackingPolicy: discount.PolicyStack,
		Priority:       priority,
	}
}

type fixture struct {
	products  *mockProductRepo
	catalog   *mockCatalog
	customers *mockCustomers
	redeemer  *mockRedeemer
	orders    *mockOrderRepo
}

func newFixture() *fixture {
	return &fixture{
		products: newProductRepo(
			newTestProduct("p1", "Widget", decimal.RequireFromString("10.00")),
			newTestProduct("p2", "Gadget", decimal.RequireFromString("20.00")),
		),
		catalog:   &mockCatalog{},
		customers: &mockCustomers{byID: map[string]*discount.Customer{"c1": {ID: "c1", Group: "vip"}}},
		redeemer:  &mockRedeemer{},
		orders:    &mockOrderRepo{},
	}
}

func (f *fixture) service(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(
		f.products,
		discount.NewEngine(f.catalog, discount.DefaultRegistry()),
		f.redeemer,
		f.customers,
		f.orders,
	)
	require.NoError(t, err)
	return svc
}

func twoItems() []OrderItem {
	return []OrderItem{
		{ProductID: "p1", Quantity: 2},
		{ProductID: "p2", Quantity: 1},
	}
}

// --- Tests ---

func TestPlaceOrder_EmptyItems(t *testing.T) {
	_, err := newFixture().service(t).PlaceOrder(context.Background(), PlaceOrderRequest{})
	require.ErrorIs(t, err, ErrEmptyItems)
}

func TestPlaceOrder_InvalidQuantity(t *testing.T) {
	_, err := newFixture().service(t).PlaceOrder(context.Background(), PlaceOrderRequest{
		Items: []OrderItem{{ProductID: "p1", Quantity: 0}},
	})

	var iqErr *InvalidQuantityError
	require.ErrorAs(t, err, &iqErr)
	assert.Equal(t, "p1", iqErr.ProductID)
	assert.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestPlaceOrder_ProductNotFound(t *testing.T) {
	_, err := newFixture().service(t).PlaceOrder(context.Background(), PlaceOrderRequest{
		Items: []OrderItem{{ProductID: "missing", Quantity: 1}},
	})

	var pnfErr *ProductNotFoundError
	require.ErrorAs(t, err, &pnfErr)
	assert.Equal(t, "missing", pnfErr.ProductID)
}

func TestPlaceOrder_NegativeShipping(t *testing.T) {
	_, err := newFixture().service(t).PlaceOrder(context.Background(), PlaceOrderRequest{
		Checkout: Checkout{Shipping: decimal.NewFromInt(-1)},
		Items:    twoItems(),
	})
	require.ErrorIs(t, err, ErrInvalidShipping)
}

func TestPlaceOrder_ProductRepoError(t *testing.T) {
	f := newFixture()
	f.products.getErr = errors.New("db down")

	_, err := f.service(t).PlaceOrder(context.Background(), PlaceOrderRequest{Items: twoItems()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "get products")
}

func TestPlaceOrder_NoDiscounts(t *testing.T) {
	f := newFixture()

	result, err := f.service(t).PlaceOrder(context.Background(), PlaceOrderRequest{Items: twoItems()})
	require.NoError(t, err)

	assert.True(t, decimal.RequireFromString("40.00").Equal(result.Order.Total))
	assert.True(t, decimal.Zero.Equal(result.Order.Discounts))
	assert.Len(t, result.Products, 2)
	assert.Empty(t, result.Redemptions)
	assert.Equal(t, StatusPending, f.orders.created.Status)
	assert.Equal(t, StatusCompleted, f.orders.completed.Status)
	assert.Equal(t, result.Order.ID, f.orders.completed.ID)
}

func TestPlaceOrder_WithDiscounts(t *testing.T) {
	f := newFixture()
	f.catalog.discounts = []discount.Discount{
		liveDiscount("pct10", discount.TypePercentage, "10", 1),
		liveDiscount("fixed5", discount.TypeFixed, "5", 2),
	}

	result, err := f.service(t).PlaceOrder(context.Background(), PlaceOrderRequest{
		Checkout: Checkout{CustomerID: "c1", Shipping: decimal.RequireFromString("4.99")},
		Items:    twoItems(),
	})
	require.NoError(t, err)

	// 40 -> 36 -> 31, plus shipping.
	assert.True(t, decimal.RequireFromString("9").Equal(result.Order.Discounts), result.Order.Discounts.String())
	assert.True(t, decimal.RequireFromString("35.99").Equal(result.Order.Total), result.Order.Total.String())
	require.Len(t, result.Redemptions, 2)
	assert.Equal(t, result.Order.ID, result.Redemptions[0].OrderID)
	assert.Equal(t, "c1", result.Redemptions[0].CustomerID)
	assert.Empty(t, result.Rejected)
}

func TestPlaceOrder_RetriesWithoutExhaustedDiscount(t *testing.T) {
	f := newFixture()
	f.catalog.discounts = []discount.Discount{
		liveDiscount("pct10", discount.TypePercentage, "10", 1),
		liveDiscount("fixed5", discount.TypeFixed, "5", 2),
	}
	f.redeemer.exhausted = map[string]bool{"pct10": true}

	result, err := f.service(t).PlaceOrder(context.Background(), PlaceOrderRequest{Items: twoItems()})
	require.NoError(t, err)

	assert.Equal(t, 2, f.redeemer.calls)
	require.Len(t, result.Rejected, 1)
	assert.Equal(t, "pct10", result.Rejected[0].DiscountID)
	require.Len(t, result.Redemptions, 1)
	assert.Equal(t, "fixed5", result.Redemptions[0].DiscountID)
	assert.True(t, decimal.RequireFromString("35").Equal(result.Order.Total), result.Order.Total.String())

	// Pending order carried the first evaluation, the completed one the final.
	assert.True(t, decimal.RequireFromString("31").Equal(f.orders.created.Total))
	assert.True(t, decimal.RequireFromString("35").Equal(f.orders.completed.Total))
}

func TestPlaceOrder_AllDiscountsExhausted(t *testing.T) {
	f := newFixture()
	f.catalog.discounts = []discount.Discount{
		liveDiscount("a", discount.TypeFixed, "1", 1),
		liveDiscount("b", discount.TypeFixed, "2", 2),
	}
	f.redeemer.exhausted = map[string]bool{"a": true, "b": true}

	result, err := f.service(t).PlaceOrder(context.Background(), PlaceOrderRequest{Items: twoItems()})
	require.NoError(t, err)
	assert.Len(t, result.Rejected, 2)
	assert.Empty(t, result.Evaluation.Applied)
	assert.True(t, decimal.RequireFromString("40").Equal(result.Order.Total))
}

func TestPlaceOrder_RedeemError(t *testing.T) {
	f := newFixture()
	f.catalog.discounts = []discount.Discount{liveDiscount("a", discount.TypeFixed, "1", 1)}
	f.redeemer.err = errors.New("tx aborted")

	_, err := f.service(t).PlaceOrder(context.Background(), PlaceOrderRequest{Items: twoItems()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "record redemptions")
	assert.Nil(t, f.orders.completed)
	require.NotNil(t, f.orders.failed)
	assert.Equal(t, f.orders.created.ID, f.orders.failed.ID)
	assert.Equal(t, StatusFailed, f.orders.failed.Status)
}

func TestPlaceOrder_ExclusiveAndStackExhausted(t *testing.T) {
	f := newFixture()
	flash := liveDiscount("flash", discount.TypePercentage, "50", 1)
	flash.StackingPolicy = discount.PolicyExclusive
	f.catalog.discounts = []discount.Discount{
		flash,
		liveDiscount("a", discount.TypeFixed, "1", 2),
		liveDiscount("b", discount.TypeFixed, "2", 3),
	}
	f.redeemer.exhausted = map[string]bool{"flash": true, "a": true}

	result, err := f.service(t).PlaceOrder(context.Background(), PlaceOrderRequest{Items: twoItems()})
	require.NoError(t, err)

	assert.Equal(t, 3, f.redeemer.calls)
	require.Len(t, result.Rejected, 2)
	assert.Equal(t, "flash", result.Rejected[0].DiscountID)
	assert.Equal(t, "a", result.Rejected[1].DiscountID)
	require.Len(t, result.Redemptions, 1)
	assert.Equal(t, "b", result.Redemptions[0].DiscountID)
	assert.True(t, decimal.RequireFromString("38").Equal(result.Order.Total), result.Order.Total.String())
	require.NotNil(t, f.orders.completed)
	assert.Equal(t, StatusCompleted, f.orders.completed.Status)
	assert.Nil(t, f.orders.failed)
}

// rejectingRedeemer reports the same discount as exhausted on every call.
type rejectingRedeemer struct {
	calls int
}

func (r *rejectingRedeemer) Record(context.Context, *discount.Evaluation, discount.RedeemRequest) ([]discount.Redemption, error) {
	r.calls++
	return nil, &discount.LimitExceededError{DiscountID: "a", Scope: discount.ScopeDiscount}
}

func TestPlaceOrder_RepeatedRejectionFails(t *testing.T) {
	f := newFixture()
	f.catalog.discounts = []discount.Discount{liveDiscount("a", discount.TypeFixed, "1", 1)}
	redeemer := &rejectingRedeemer{}
	svc, err := NewService(
		f.products,
		discount.NewEngine(f.catalog, discount.DefaultRegistry()),
		redeemer,
		f.customers,
		f.orders,
	)
	require.NoError(t, err)

	_, err = svc.PlaceOrder(context.Background(), PlaceOrderRequest{Items: twoItems()})
	var limitErr *discount.LimitExceededError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, 2, redeemer.calls)
	require.NotNil(t, f.orders.failed)
	assert.Equal(t, StatusFailed, f.orders.failed.Status)
}

func TestPlaceOrder_CompleteErrorMarksFailed(t *testing.T) {
	f := newFixture()
	f.orders.completeErr = errors.New("update failed")

	_, err := f.service(t).PlaceOrder(context.Background(), PlaceOrderRequest{Items: twoItems()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "complete order")
	require.NotNil(t, f.orders.failed)
	assert.Equal(t, f.orders.created.ID, f.orders.failed.ID)
}

func TestPlaceOrder_UnknownCustomer(t *testing.T) {
	_, err := newFixture().service(t).PlaceOrder(context.Background(), PlaceOrderRequest{
		Checkout: Checkout{CustomerID: "ghost"},
		Items:    twoItems(),
	})
	require.ErrorIs(t, err, discount.ErrCustomerNotFound)
}

func TestPlaceOrder_OrderRepoError(t *testing.T) {
	f := newFixture()
	f.orders.err = errors.New("insert failed")

	_, err := f.service(t).PlaceOrder(context.Background(), PlaceOrderRequest{Items: twoItems()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create order")
}

func TestPreview(t *testing.T) {
	f := newFixture()
	vip := liveDiscount("vip", discount.TypePercentage, "20", 1)
	vip.Conditions = []discount.Condition{{
		Type: discount.ConditionCustomerGroup, Value: `["vip"]`, IsActive: true,
	}}
	f.catalog.discounts = []discount.Discount{vip}
	svc := f.service(t)

	tests := []struct {
		name      string
		req       PreviewRequest
		wantTotal string
		wantErr   bool
	}{
		{
			name: "catalog prices for a vip",
			req: PreviewRequest{
				Checkout: Checkout{CustomerID: "c1"},
				Items:    []PreviewItem{{ProductID: "p1", Quantity: 5}},
			},
			wantTotal: "40",
		},
		{
			name: "guest gets no vip discount",
			req: PreviewRequest{
				Items: []PreviewItem{{ProductID: "p1", Quantity: 5}},
			},
			wantTotal: "50",
		},
		{
			name: "price override and unknown product",
			req: PreviewRequest{
				Checkout: Checkout{CustomerID: "c1"},
				Items: []PreviewItem{
					{ProductID: "p1", Quantity: 1, UnitPrice: decimal.NewNullDecimal(decimal.NewFromInt(5))},
					{ProductID: "custom", Quantity: 1, UnitPrice: decimal.NewNullDecimal(decimal.NewFromInt(15))},
				},
			},
			wantTotal: "16",
		},
		{
			name:    "unknown product without price",
			req:     PreviewRequest{Items: []PreviewItem{{ProductID: "custom", Quantity: 1}}},
			wantErr: true,
		},
		{
			name:    "empty",
			req:     PreviewRequest{},
			wantErr: true,
		},
		{
			name: "negative price override",
			req: PreviewRequest{Items: []PreviewItem{
				{ProductID: "p1", Quantity: 1, UnitPrice: decimal.NewNullDecimal(decimal.NewFromInt(-1))},
			}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eval, err := svc.Preview(context.Background(), tt.req)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, decimal.RequireFromString(tt.wantTotal).Equal(eval.FinalTotal), eval.FinalTotal.String())
		})
	}

	assert.Zero(t, f.redeemer.calls, "preview must not record redemptions")
	assert.Nil(t, f.orders.created)
}
