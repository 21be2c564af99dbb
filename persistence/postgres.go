package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/corebook/trading-engine/logging"
	"github.com/corebook/trading-engine/models"
)

// Error types for retry logic
var (
	ErrDeadlock             = errors.New("deadlock detected")
	ErrSerializationFailure = errors.New("serialization failure")
	ErrConnectionFailure    = errors.New("connection failure")
	ErrNotFound             = errors.New("record not found")
)

// PostgresStore saves orders and trades to PostgreSQL. It implements the
// engine's persistence port. Transient failures (deadlocks, serialization
// conflicts, dropped connections) are retried with exponential backoff.
type PostgresStore struct {
	db         *sql.DB
	maxRetries int
	retryDelay time.Duration
}

// NewPostgresStore creates a new PostgreSQL store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		db:         db,
		maxRetries: 3,
		retryDelay: 100 * time.Millisecond,
	}
}

// SetRetryConfig sets the retry configuration
func (ps *PostgresStore) SetRetryConfig(maxRetries int, retryDelay time.Duration) {
	ps.maxRetries = maxRetries
	ps.retryDelay = retryDelay
}

// InitSchema creates the orders and trades tables if they do not exist
func (ps *PostgresStore) InitSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS orders (
			order_id UUID PRIMARY KEY,
			account_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			type TEXT NOT NULL,
			price NUMERIC(19,4),
			quantity NUMERIC(19,4) NOT NULL,
			filled_quantity NUMERIC(19,4) NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			reason TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ,
			filled_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_orders_symbol_status ON orders (symbol, status);
		CREATE INDEX IF NOT EXISTS idx_orders_account ON orders (account_id);

		CREATE TABLE IF NOT EXISTS trades (
			trade_id UUID PRIMARY KEY,
			symbol TEXT NOT NULL,
			quantity NUMERIC(19,4) NOT NULL,
			price NUMERIC(19,4) NOT NULL,
			total_value NUMERIC(38,8) NOT NULL,
			buy_order_id UUID NOT NULL,
			sell_order_id UUID NOT NULL,
			buy_account_id TEXT NOT NULL,
			sell_account_id TEXT NOT NULL,
			executed_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_trades_symbol_executed ON trades (symbol, executed_at DESC);
	`
	if _, err := ps.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	if _, err := ps.db.ExecContext(ctx, orderJournalSchema); err != nil {
		return fmt.Errorf("failed to initialize order journal schema: %w", err)
	}
	return nil
}

// SaveOrder upserts an order's full state and appends a lifecycle journal
// entry in the same transaction. Called for every state change.
func (ps *PostgresStore) SaveOrder(ctx context.Context, order *models.Order) error {
	err := ps.executeWithRetry(ctx, func(ctx context.Context) error {
		query := `
			INSERT INTO orders (
				order_id, account_id, symbol, side, type, price, quantity,
				filled_quantity, status, reason, created_at, updated_at, filled_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (order_id) DO UPDATE SET
				price = EXCLUDED.price,
				quantity = EXCLUDED.quantity,
				filled_quantity = EXCLUDED.filled_quantity,
				status = EXCLUDED.status,
				reason = EXCLUDED.reason,
				updated_at = EXCLUDED.updated_at,
				filled_at = EXCLUDED.filled_at
		`
		tx, err := ps.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		_, err = tx.ExecContext(ctx, query,
			order.ID,
			order.AccountID,
			order.Symbol,
			string(order.Side),
			string(order.Type),
			order.Price.String(),
			order.Quantity.String(),
			order.FilledQuantity.String(),
			string(order.Status),
			order.Reason,
			order.CreatedAt,
			order.UpdatedAt,
			order.FilledAt,
		)
		if err != nil {
			return err
		}
		if err := appendJournalEntry(ctx, tx, order); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		logging.LogDBError("save_order", "orders", err, map[string]interface{}{
			"order_id": order.ID,
			"symbol":   order.Symbol,
		})
		return err
	}
	logging.LogDBSuccess("save_order", "orders", 1, map[string]interface{}{
		"order_id": order.ID,
	})
	return nil
}

// SaveTrade inserts a trade. Idempotent on trade_id: a replayed save of an
// already persisted trade is not an error.
func (ps *PostgresStore) SaveTrade(ctx context.Context, trade *models.Trade) error {
	err := ps.executeWithRetry(ctx, func(ctx context.Context) error {
		query := `
			INSERT INTO trades (
				trade_id, symbol, quantity, price, total_value,
				buy_order_id, sell_order_id, buy_account_id, sell_account_id, executed_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (trade_id) DO NOTHING
		`
		_, err := ps.db.ExecContext(ctx, query,
			trade.TradeID,
			trade.Symbol,
			trade.Quantity.String(),
			trade.Price.String(),
			trade.TotalValue.String(),
			trade.BuyOrderID,
			trade.SellOrderID,
			trade.BuyAccountID,
			trade.SellAccountID,
			trade.ExecutedAt,
		)
		return err
	})
	if err != nil {
		logging.LogDBError("save_trade", "trades", err, map[string]interface{}{
			"trade_id": trade.TradeID,
			"symbol":   trade.Symbol,
		})
		return err
	}
	logging.LogDBSuccess("save_trade", "trades", 1, map[string]interface{}{
		"trade_id": trade.TradeID,
	})
	return nil
}

// GetOrder retrieves an order by ID
func (ps *PostgresStore) GetOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	query := `
		SELECT order_id, account_id, symbol, side, type, price, quantity,
		       filled_quantity, status, COALESCE(reason, ''), created_at, updated_at, filled_at
		FROM orders
		WHERE order_id = $1
	`

	var order models.Order
	var priceStr, quantityStr, filledStr string
	var sideStr, typeStr, statusStr string
	var updatedAt, filledAt sql.NullTime

	err := ps.db.QueryRowContext(ctx, query, orderID).Scan(
		&order.ID,
		&order.AccountID,
		&order.Symbol,
		&sideStr,
		&typeStr,
		&priceStr,
		&quantityStr,
		&filledStr,
		&statusStr,
		&order.Reason,
		&order.CreatedAt,
		&updatedAt,
		&filledAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: order %s", ErrNotFound, orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}

	order.Side = models.OrderSide(sideStr)
	order.Type = models.OrderType(typeStr)
	order.Status = models.OrderStatus(statusStr)
	if updatedAt.Valid {
		order.UpdatedAt = updatedAt.Time
	}
	if filledAt.Valid {
		t := filledAt.Time
		order.FilledAt = &t
	}

	if order.Price, err = decimal.NewFromString(priceStr); err != nil {
		return nil, fmt.Errorf("failed to parse price: %w", err)
	}
	if order.Quantity, err = decimal.NewFromString(quantityStr); err != nil {
		return nil, fmt.Errorf("failed to parse quantity: %w", err)
	}
	if order.FilledQuantity, err = decimal.NewFromString(filledStr); err != nil {
		return nil, fmt.Errorf("failed to parse filled quantity: %w", err)
	}

	return &order, nil
}

// RecentTrades returns the most recent trades for a symbol, newest first
func (ps *PostgresStore) RecentTrades(ctx context.Context, symbol string, limit int) ([]*models.Trade, error) {
	query := `
		SELECT trade_id, symbol, quantity, price, total_value,
		       buy_order_id, sell_order_id, buy_account_id, sell_account_id, executed_at
		FROM trades
		WHERE symbol = $1
		ORDER BY executed_at DESC
		LIMIT $2
	`

	rows, err := ps.db.QueryContext(ctx, query, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []*models.Trade
	for rows.Next() {
		var trade models.Trade
		var quantityStr, priceStr, totalStr string

		err := rows.Scan(
			&trade.TradeID,
			&trade.Symbol,
			&quantityStr,
			&priceStr,
			&totalStr,
			&trade.BuyOrderID,
			&trade.SellOrderID,
			&trade.BuyAccountID,
			&trade.SellAccountID,
			&trade.ExecutedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}

		if trade.Quantity, err = decimal.NewFromString(quantityStr); err != nil {
			return nil, fmt.Errorf("failed to parse quantity: %w", err)
		}
		if trade.Price, err = decimal.NewFromString(priceStr); err != nil {
			return nil, fmt.Errorf("failed to parse price: %w", err)
		}
		if trade.TotalValue, err = decimal.NewFromString(totalStr); err != nil {
			return nil, fmt.Errorf("failed to parse total value: %w", err)
		}

		trades = append(trades, &trade)
	}
	return trades, rows.Err()
}

// executeWithRetry executes a function with retry logic for transient errors
func (ps *PostgresStore) executeWithRetry(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt <= ps.maxRetries; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		lastErr = err

		if !ps.isRetryableError(err) {
			return err
		}

		if attempt < ps.maxRetries {
			delay := ps.retryDelay * time.Duration(1<<uint(attempt))

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// isRetryableError determines if an error is transient and should be retried
func (ps *PostgresStore) isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001": // serialization_failure
			return true
		case "40P01": // deadlock_detected
			return true
		case "08000", "08003", "08006": // connection exceptions
			return true
		case "57P03": // cannot_connect_now
			return true
		}
	}

	return errors.Is(err, ErrDeadlock) ||
		errors.Is(err, ErrSerializationFailure) ||
		errors.Is(err, ErrConnectionFailure)
}
