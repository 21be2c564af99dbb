package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/corebook/trading-engine/models"
)

// JournalEntryType classifies an order lifecycle transition.
type JournalEntryType string

const (
	JournalOrderAccepted        JournalEntryType = "ORDER_ACCEPTED"
	JournalOrderPartiallyFilled JournalEntryType = "ORDER_PARTIALLY_FILLED"
	JournalOrderFilled          JournalEntryType = "ORDER_FILLED"
	JournalOrderCancelled       JournalEntryType = "ORDER_CANCELLED"
	JournalOrderRejected        JournalEntryType = "ORDER_REJECTED"
	JournalOrderExpired         JournalEntryType = "ORDER_EXPIRED"
)

// JournalEntry is one immutable row in the order lifecycle journal.
// Entries are append-only; the orders table carries current state, the
// journal carries how it got there.
type JournalEntry struct {
	EntryID        int64              `json:"entry_id"`
	OrderID        uuid.UUID          `json:"order_id"`
	EntryType      JournalEntryType   `json:"entry_type"`
	Status         models.OrderStatus `json:"status"`
	FilledQuantity decimal.Decimal    `json:"filled_quantity"`
	Reason         string             `json:"reason,omitempty"`
	RecordedAt     time.Time          `json:"recorded_at"`
}

const orderJournalSchema = `
	CREATE TABLE IF NOT EXISTS order_events (
		entry_id BIGSERIAL PRIMARY KEY,
		order_id UUID NOT NULL,
		entry_type TEXT NOT NULL,
		status TEXT NOT NULL,
		filled_quantity NUMERIC(19,4) NOT NULL,
		reason TEXT,
		recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_order_events_order ON order_events (order_id, entry_id);
`

// journalEntryType derives the journal classification from order state.
func journalEntryType(order *models.Order) JournalEntryType {
	switch order.Status {
	case models.OrderStatusPartiallyFilled:
		return JournalOrderPartiallyFilled
	case models.OrderStatusFilled:
		return JournalOrderFilled
	case models.OrderStatusCancelled:
		return JournalOrderCancelled
	case models.OrderStatusRejected:
		return JournalOrderRejected
	case models.OrderStatusExpired:
		return JournalOrderExpired
	default:
		return JournalOrderAccepted
	}
}

// appendJournalEntry writes one lifecycle row using the given executor,
// so callers can append inside the same transaction as the state upsert.
func appendJournalEntry(ctx context.Context, tx *sql.Tx, order *models.Order) error {
	query := `
		INSERT INTO order_events (order_id, entry_type, status, filled_quantity, reason, recorded_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`
	_, err := tx.ExecContext(ctx, query,
		order.ID,
		string(journalEntryType(order)),
		string(order.Status),
		order.FilledQuantity.String(),
		order.Reason,
	)
	if err != nil {
		return fmt.Errorf("failed to append journal entry: %w", err)
	}
	return nil
}

// OrderHistory returns the lifecycle journal for an order, oldest first.
func (ps *PostgresStore) OrderHistory(ctx context.Context, orderID uuid.UUID) ([]*JournalEntry, error) {
	query := `
		SELECT entry_id, order_id, entry_type, status, filled_quantity, COALESCE(reason, ''), recorded_at
		FROM order_events
		WHERE order_id = $1
		ORDER BY entry_id
	`

	rows, err := ps.db.QueryContext(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query order history: %w", err)
	}
	defer rows.Close()

	var entries []*JournalEntry
	for rows.Next() {
		var entry JournalEntry
		var entryTypeStr, statusStr, filledStr string

		err := rows.Scan(
			&entry.EntryID,
			&entry.OrderID,
			&entryTypeStr,
			&statusStr,
			&filledStr,
			&entry.Reason,
			&entry.RecordedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}

		entry.EntryType = JournalEntryType(entryTypeStr)
		entry.Status = models.OrderStatus(statusStr)
		if entry.FilledQuantity, err = decimal.NewFromString(filledStr); err != nil {
			return nil, fmt.Errorf("failed to parse filled quantity: %w", err)
		}

		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}
