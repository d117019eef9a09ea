package order

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of an order.
type Status string

const (
	// StatusPending orders are persisted but their discounts are not yet redeemed.
	StatusPending Status = "pending"
	// StatusCompleted orders have their final totals and redemptions recorded.
	StatusCompleted Status = "completed"
	// StatusFailed orders were aborted before completion.
	StatusFailed Status = "failed"
)

// Order represents a customer order with pricing and discount details.
type Order struct {
	ID           string
	CustomerID   string
	Items        []OrderItem
	Subtotal     decimal.Decimal
	Shipping     decimal.Decimal
	Discounts    decimal.Decimal
	Total        decimal.Decimal
	CouponCode   string
	ZoneID       string
	CurrencyCode string
	ChannelID    string
	Status       Status
	CreatedAt    time.Time
}

// OrderItem represents a single line item in an order.
type OrderItem struct {
	ProductID string
	Quantity  int
}

// Repository defines persistence operations for orders.
type Repository interface {
	// Create persists a new pending order.
	Create(ctx context.Context, order *Order) error
	// Complete stores the final totals and marks the order completed.
	Complete(ctx context.Context, order *Order) error
	// Fail marks a pending order as failed.
	Fail(ctx context.Context, order *Order) error
}
