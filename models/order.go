package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderSide represents the side of an order (buy or sell)
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType represents the type of order (limit or market)
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// OrderStatus represents the current status of an order
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusExpired         OrderStatus = "expired"
)

var (
	// ErrInvalidOrder is returned when an order fails structural validation
	ErrInvalidOrder = errors.New("invalid order")

	// ErrInvalidTransition is returned when a lifecycle operation is applied
	// to an order whose status does not permit it
	ErrInvalidTransition = errors.New("invalid order state transition")

	// ErrInvalidFillQuantity is returned when a fill is non-positive or
	// exceeds the order's remaining quantity
	ErrInvalidFillQuantity = errors.New("invalid fill quantity")
)

// Order represents a trading order in the system.
// Quantity is the original quantity; FilledQuantity accumulates fills.
// RemainingQuantity is always derived, so filled + remaining == quantity
// holds at every observable point.
type Order struct {
	ID             uuid.UUID       `json:"id" db:"order_id"`
	AccountID      string          `json:"account_id" db:"account_id"`
	Symbol         string          `json:"symbol" db:"symbol"`
	Side           OrderSide       `json:"side" db:"side"`
	Type           OrderType       `json:"type" db:"type"`
	Price          decimal.Decimal `json:"price" db:"price"`
	Quantity       decimal.Decimal `json:"quantity" db:"quantity"`
	FilledQuantity decimal.Decimal `json:"filled_quantity" db:"filled_quantity"`
	Status         OrderStatus     `json:"status" db:"status"`
	Reason         string          `json:"reason,omitempty" db:"reason"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
	FilledAt       *time.Time      `json:"filled_at,omitempty" db:"filled_at"`
}

// NewOrder creates a new Order in the pending state
func NewOrder(accountID, symbol string, side OrderSide, orderType OrderType, price, quantity decimal.Decimal) *Order {
	now := time.Now()
	return &Order{
		ID:             uuid.New(),
		AccountID:      accountID,
		Symbol:         symbol,
		Side:           side,
		Type:           orderType,
		Price:          price,
		Quantity:       quantity,
		FilledQuantity: decimal.Zero,
		Status:         OrderStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Validate checks the order's structural invariants. Business-rule
// validation (risk checks, account limits) happens upstream of the engine.
func (o *Order) Validate() error {
	if o.AccountID == "" {
		return fmt.Errorf("%w: missing account_id", ErrInvalidOrder)
	}
	if o.Symbol == "" {
		return fmt.Errorf("%w: missing symbol", ErrInvalidOrder)
	}
	if o.Side != OrderSideBuy && o.Side != OrderSideSell {
		return fmt.Errorf("%w: unknown side %q", ErrInvalidOrder, o.Side)
	}
	if o.Type != OrderTypeLimit && o.Type != OrderTypeMarket {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidOrder, o.Type)
	}
	if o.Quantity.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidOrder)
	}
	if o.Type == OrderTypeLimit && o.Price.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: limit order requires a positive price", ErrInvalidOrder)
	}
	if o.FilledQuantity.IsNegative() || o.FilledQuantity.GreaterThan(o.Quantity) {
		return fmt.Errorf("%w: filled quantity out of range", ErrInvalidOrder)
	}
	return nil
}

// RemainingQuantity returns the unfilled quantity of the order
func (o *Order) RemainingQuantity() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// IsFilled checks if the order is completely filled
func (o *Order) IsFilled() bool {
	return o.FilledQuantity.GreaterThanOrEqual(o.Quantity)
}

// IsTerminal reports whether the order has reached a terminal status
func (o *Order) IsTerminal() bool {
	switch o.Status {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// IsMatchable reports whether the order is eligible for matching:
// pending or partially filled, with quantity still remaining.
func (o *Order) IsMatchable() bool {
	if o.Status != OrderStatusPending && o.Status != OrderStatusPartiallyFilled {
		return false
	}
	return o.RemainingQuantity().GreaterThan(decimal.Zero)
}

// Fill applies a fill of qty to the order and advances its status.
// Sets FilledAt when the order becomes fully filled.
func (o *Order) Fill(qty decimal.Decimal) error {
	if !o.IsMatchable() {
		return fmt.Errorf("%w: cannot fill order in status %s", ErrInvalidTransition, o.Status)
	}
	if qty.LessThanOrEqual(decimal.Zero) || qty.GreaterThan(o.RemainingQuantity()) {
		return fmt.Errorf("%w: %s (remaining %s)", ErrInvalidFillQuantity, qty, o.RemainingQuantity())
	}

	o.FilledQuantity = o.FilledQuantity.Add(qty)
	o.UpdatedAt = time.Now()

	if o.IsFilled() {
		o.Status = OrderStatusFilled
		now := o.UpdatedAt
		o.FilledAt = &now
	} else {
		o.Status = OrderStatusPartiallyFilled
	}
	return nil
}

// Cancel transitions the order to cancelled. Only pending or partially
// filled orders can be cancelled; repeated cancels are an error.
func (o *Order) Cancel(reason string) error {
	if o.Status != OrderStatusPending && o.Status != OrderStatusPartiallyFilled {
		return fmt.Errorf("%w: cannot cancel order in status %s", ErrInvalidTransition, o.Status)
	}
	o.Status = OrderStatusCancelled
	o.Reason = reason
	o.UpdatedAt = time.Now()
	return nil
}

// Expire transitions a stale order to expired. Only pending orders with
// zero fills are eligible.
func (o *Order) Expire(reason string) error {
	if o.Status != OrderStatusPending || !o.FilledQuantity.IsZero() {
		return fmt.Errorf("%w: cannot expire order in status %s", ErrInvalidTransition, o.Status)
	}
	o.Status = OrderStatusExpired
	o.Reason = reason
	o.UpdatedAt = time.Now()
	return nil
}

// Reject transitions the order to rejected with a reason. Used before or
// during matching on unrecoverable processing errors.
func (o *Order) Reject(reason string) error {
	if o.IsTerminal() {
		return fmt.Errorf("%w: cannot reject order in status %s", ErrInvalidTransition, o.Status)
	}
	o.Status = OrderStatusRejected
	o.Reason = reason
	o.UpdatedAt = time.Now()
	return nil
}
