package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Trade is the immutable record of one match event between one buy and one
// sell order at a single price and quantity. TotalValue is computed once at
// creation and never recomputed.
type Trade struct {
	TradeID       uuid.UUID       `json:"trade_id" db:"trade_id"`
	Symbol        string          `json:"symbol" db:"symbol"`
	Quantity      decimal.Decimal `json:"quantity" db:"quantity"`
	Price         decimal.Decimal `json:"price" db:"price"`
	TotalValue    decimal.Decimal `json:"total_value" db:"total_value"`
	BuyOrderID    uuid.UUID       `json:"buy_order_id" db:"buy_order_id"`
	SellOrderID   uuid.UUID       `json:"sell_order_id" db:"sell_order_id"`
	BuyAccountID  string          `json:"buy_account_id" db:"buy_account_id"`
	SellAccountID string          `json:"sell_account_id" db:"sell_account_id"`
	ExecutedAt    time.Time       `json:"executed_at" db:"executed_at"`
}

// NewTrade creates a trade between a buy and a sell order
func NewTrade(buy, sell *Order, price, quantity decimal.Decimal) *Trade {
	return &Trade{
		TradeID:       uuid.New(),
		Symbol:        buy.Symbol,
		Quantity:      quantity,
		Price:         price,
		TotalValue:    quantity.Mul(price),
		BuyOrderID:    buy.ID,
		SellOrderID:   sell.ID,
		BuyAccountID:  buy.AccountID,
		SellAccountID: sell.AccountID,
		ExecutedAt:    time.Now(),
	}
}
