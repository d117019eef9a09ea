package order

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/kart-discounts/internal/domain/discount"
	"github.com/xenking/kart-discounts/internal/domain/product"
)

// Sentinel errors for order validation.
var (
	ErrEmptyItems      = errors.New("items required")
	ErrInvalidQuantity = errors.New("quantity must be greater than 0")
	ErrInvalidShipping = errors.New("shipping must not be negative")
	ErrInvalidPrice    = errors.New("unit price must not be negative")
)

// ProductNotFoundError indicates a requested product does not exist.
type ProductNotFoundError struct {
	ProductID string
}

func (e *ProductNotFoundError) Error() string {
	return fmt.Sprintf("product %s not found", e.ProductID)
}

// InvalidQuantityError indicates a line item has a non-positive quantity.
type InvalidQuantityError struct {
	ProductID string
}

func (e *InvalidQuantityError) Error() string {
	return fmt.Sprintf("quantity must be greater than 0 for product %s", e.ProductID)
}

func (e *InvalidQuantityError) Unwrap() error { return ErrInvalidQuantity }

// Evaluator computes the discounts of a checkout without side effects.
type Evaluator interface {
	Evaluate(ctx context.Context, ec discount.Context) (*discount.Evaluation, error)
}

// Redeemer commits an evaluation to the redemption ledger.
type Redeemer interface {
	Record(ctx context.Context, eval *discount.Evaluation, req discount.RedeemRequest) ([]discount.Redemption, error)
}

// Checkout carries the fields shared by order placement and preview.
type Checkout struct {
	CustomerID   string
	CouponCode   string
	ZoneID       string
	CurrencyCode string
	ChannelID    string
	Shipping     decimal.Decimal
}

// PlaceOrderRequest holds the input for placing an order.
type PlaceOrderRequest struct {
	Checkout
	Items []OrderItem
}

// PlaceOrderResult holds the output of a successfully placed order.
type PlaceOrderResult struct {
	Order       *Order
	Products    []product.Product
	Evaluation  *discount.Evaluation
	Redemptions []discount.Redemption
	// Rejected lists discounts dropped because a usage limit was reached
	// while the order was being placed.
	Rejected []discount.LimitExceededError
}

// PreviewItem is a cart line for preview. UnitPrice overrides the catalog
// price and allows items that are not in the catalog.
type PreviewItem struct {
	ProductID string
	Quantity  int
	UnitPrice decimal.NullDecimal
}

// PreviewRequest holds the input for a discount preview.
type PreviewRequest struct {
	Checkout
	Items []PreviewItem
}

// Service encapsulates order placement business logic.
type Service struct {
	products    product.Repository
	discounts   Evaluator
	redemptions Redeemer
	customers   discount.CustomerDirectory
	orders      Repository

	tracer      trace.Tracer
	evaluations metric.Int64Counter
	redeemed    metric.Int64Counter
	rejections  metric.Int64Counter
	now         func() time.Time
}

// Option configures a Service.
type Option func(*options)

type options struct {
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// WithTracerProvider sets the tracer provider for checkout spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracerProvider = tp }
}

// WithMeterProvider sets the meter provider for checkout counters.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) { o.meterProvider = mp }
}

// NewService creates an order Service with the required domain dependencies.
func NewService(
	products product.Repository,
	discounts Evaluator,
	redemptions Redeemer,
	customers discount.CustomerDirectory,
	orders Repository,
	opts ...Option,
) (*Service, error) {
	o := options{
		tracerProvider: tracenoop.NewTracerProvider(),
		meterProvider:  metricnoop.NewMeterProvider(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	const name = "github.com/xenking/kart-discounts/internal/domain/order"
	meter := o.meterProvider.Meter(name)
	s := &Service{
		products:    products,
		discounts:   discounts,
		redemptions: redemptions,
		customers:   customers,
		orders:      orders,
		tracer:      o.tracerProvider.Tracer(name),
		now:         time.Now,
	}

	var err error
	if s.evaluations, err = meter.Int64Counter("kart.discount.evaluations",
		metric.WithDescription("Discount evaluations by outcome"),
	); err != nil {
		return nil, errors.Wrap(err, "evaluations counter")
	}
	if s.redeemed, err = meter.Int64Counter("kart.discount.redemptions",
		metric.WithDescription("Recorded discount redemptions"),
	); err != nil {
		return nil, errors.Wrap(err, "redemptions counter")
	}
	if s.rejections, err = meter.Int64Counter("kart.discount.limit_rejections",
		metric.WithDescription("Discounts dropped at checkout because a usage limit was reached"),
	); err != nil {
		return nil, errors.Wrap(err, "rejections counter")
	}
	return s, nil
}

// PlaceOrder validates items, fetches products in a single batch, evaluates
// discounts, persists the order and records redemptions.
func (s *Service) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (_ *PlaceOrderResult, rerr error) {
	ctx, span := s.tracer.Start(ctx, "order.PlaceOrder")
	defer func() {
		if rerr != nil {
			span.RecordError(rerr)
			span.SetStatus(codes.Error, rerr.Error())
		}
		span.End()
	}()

	if len(req.Items) == 0 {
		return nil, ErrEmptyItems
	}
	if req.Shipping.IsNegative() {
		return nil, ErrInvalidShipping
	}

	// Validate quantities and collect product IDs.
	ids := make([]string, len(req.Items))
	for i, item := range req.Items {
		if item.Quantity <= 0 {
			return nil, &InvalidQuantityError{ProductID: item.ProductID}
		}
		ids[i] = item.ProductID
	}

	productMap, err := s.fetchProducts(ctx, ids)
	if err != nil {
		return nil, err
	}

	// Verify every requested product was found and build the cart.
	products := make([]product.Product, 0, len(req.Items))
	lines := make([]discount.LineItem, 0, len(req.Items))
	for _, item := range req.Items {
		p, ok := productMap[item.ProductID]
		if !ok {
			return nil, &ProductNotFoundError{ProductID: item.ProductID}
		}
		products = append(products, p)
		lines = append(lines, lineItem(p, item.Quantity, p.Price))
	}

	ec, err := s.buildContext(ctx, req.Checkout, lines)
	if err != nil {
		return nil, err
	}

	eval, err := s.evaluate(ctx, ec)
	if err != nil {
		return nil, err
	}

	o := &Order{
		ID:           uuid.New().String(),
		CustomerID:   req.CustomerID,
		Items:        req.Items,
		CouponCode:   req.CouponCode,
		ZoneID:       req.ZoneID,
		CurrencyCode: req.CurrencyCode,
		ChannelID:    req.ChannelID,
		Status:       StatusPending,
		CreatedAt:    s.now(),
	}
	applyTotals(o, eval)
	if err := s.orders.Create(ctx, o); err != nil {
		return nil, errors.Wrap(err, "create order")
	}
	span.SetAttributes(attribute.String("order.id", o.ID))

	result := &PlaceOrderResult{Order: o, Products: products}
	if eval, err = s.redeem(ctx, o, ec, eval, result); err != nil {
		s.fail(ctx, o)
		return nil, err
	}

	applyTotals(o, eval)
	o.Status = StatusCompleted
	if err := s.orders.Complete(ctx, o); err != nil {
		s.fail(ctx, o)
		return nil, errors.Wrap(err, "complete order")
	}

	result.Evaluation = eval
	return result, nil
}

// redeem records the evaluation against the order. A discount rejected for
// a usage limit is excluded and the cart re-evaluated, which may bring in
// discounts the rejected one had shadowed. The exclusion list only grows, so
// the loop is bounded by the catalog.
func (s *Service) redeem(
	ctx context.Context,
	o *Order,
	ec discount.Context,
	eval *discount.Evaluation,
	result *PlaceOrderResult,
) (*discount.Evaluation, error) {
	for {
		redemptions, err := s.redemptions.Record(ctx, eval, discount.RedeemRequest{
			OrderID:    o.ID,
			CustomerID: o.CustomerID,
		})
		var limitErr *discount.LimitExceededError
		if errors.As(err, &limitErr) && !slices.Contains(ec.Exclude, limitErr.DiscountID) {
			s.rejections.Add(ctx, 1, metric.WithAttributes(attribute.String("scope", string(limitErr.Scope))))
			zctx.From(ctx).Warn("Discount dropped at checkout",
				zap.String("order_id", o.ID),
				zap.String("discount_id", limitErr.DiscountID),
				zap.String("scope", string(limitErr.Scope)),
			)
			result.Rejected = append(result.Rejected, *limitErr)
			ec.Exclude = append(slices.Clip(ec.Exclude), limitErr.DiscountID)
			if eval, err = s.evaluate(ctx, ec); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, "record redemptions")
		}
		result.Redemptions = redemptions
		s.redeemed.Add(ctx, int64(len(redemptions)))
		return eval, nil
	}
}

// fail marks an order that could not complete, detached from request
// cancellation.
func (s *Service) fail(ctx context.Context, o *Order) {
	o.Status = StatusFailed
	if err := s.orders.Fail(context.WithoutCancel(ctx), o); err != nil {
		zctx.From(ctx).Warn("Mark order failed",
			zap.String("order_id", o.ID),
			zap.Error(err),
		)
	}
}

// Preview evaluates discounts for a cart without recording anything.
func (s *Service) Preview(ctx context.Context, req PreviewRequest) (_ *discount.Evaluation, rerr error) {
	ctx, span := s.tracer.Start(ctx, "order.Preview")
	defer func() {
		if rerr != nil {
			span.RecordError(rerr)
			span.SetStatus(codes.Error, rerr.Error())
		}
		span.End()
	}()

	if len(req.Items) == 0 {
		return nil, ErrEmptyItems
	}
	if req.Shipping.IsNegative() {
		return nil, ErrInvalidShipping
	}

	ids := make([]string, 0, len(req.Items))
	for _, item := range req.Items {
		if item.Quantity <= 0 {
			return nil, &InvalidQuantityError{ProductID: item.ProductID}
		}
		if item.UnitPrice.Valid && item.UnitPrice.Decimal.IsNegative() {
			return nil, errors.Wrapf(ErrInvalidPrice, "product %s", item.ProductID)
		}
		ids = append(ids, item.ProductID)
	}

	productMap, err := s.fetchProducts(ctx, ids)
	if err != nil {
		return nil, err
	}

	lines := make([]discount.LineItem, 0, len(req.Items))
	for _, item := range req.Items {
		p, ok := productMap[item.ProductID]
		switch {
		case ok && item.UnitPrice.Valid:
			lines = append(lines, lineItem(p, item.Quantity, item.UnitPrice.Decimal))
		case ok:
			lines = append(lines, lineItem(p, item.Quantity, p.Price))
		case item.UnitPrice.Valid:
			lines = append(lines, discount.LineItem{
				ProductID: item.ProductID,
				Quantity:  item.Quantity,
				UnitPrice: item.UnitPrice.Decimal,
			})
		default:
			return nil, &ProductNotFoundError{ProductID: item.ProductID}
		}
	}

	ec, err := s.buildContext(ctx, req.Checkout, lines)
	if err != nil {
		return nil, err
	}
	return s.evaluate(ctx, ec)
}

func (s *Service) fetchProducts(ctx context.Context, ids []string) (map[string]product.Product, error) {
	fetched, err := s.products.GetByIDs(ctx, ids)
	if err != nil {
		return nil, errors.Wrap(err, "get products")
	}
	productMap := make(map[string]product.Product, len(fetched))
	for _, p := range fetched {
		productMap[p.ID] = p
	}
	return productMap, nil
}

func (s *Service) buildContext(ctx context.Context, c Checkout, lines []discount.LineItem) (discount.Context, error) {
	ec := discount.Context{
		ZoneID:       c.ZoneID,
		CurrencyCode: c.CurrencyCode,
		ChannelID:    c.ChannelID,
		Code:         c.CouponCode,
		Now:          s.now(),
		Shipping:     c.Shipping,
		Cart:         discount.Cart{Items: lines},
	}
	if c.CustomerID != "" {
		customer, err := s.customers.FindCustomer(ctx, c.CustomerID)
		if err != nil {
			return ec, errors.Wrap(err, "find customer")
		}
		ec.Customer = customer
	}
	return ec, nil
}

func (s *Service) evaluate(ctx context.Context, ec discount.Context) (*discount.Evaluation, error) {
	eval, err := s.discounts.Evaluate(ctx, ec)
	if err != nil {
		s.evaluations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "error")))
		return nil, errors.Wrap(err, "evaluate discounts")
	}
	outcome := "none"
	if len(eval.Applied) > 0 {
		outcome = "applied"
	}
	s.evaluations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	return eval, nil
}

func lineItem(p product.Product, quantity int, price decimal.Decimal) discount.LineItem {
	categories := p.CategoryIDs
	if len(categories) == 0 && p.Category != "" {
		categories = []string{p.Category}
	}
	return discount.LineItem{
		ProductID:   p.ID,
		CategoryIDs: categories,
		BrandID:     p.BrandID,
		Quantity:    quantity,
		UnitPrice:   price,
	}
}

func applyTotals(o *Order, eval *discount.Evaluation) {
	o.Subtotal = eval.Subtotal
	o.Shipping = eval.Shipping
	o.Discounts = eval.TotalDiscount
	o.Total = eval.FinalTotal
}
