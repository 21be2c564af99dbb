package engine

import (
	"context"

	"github.com/corebook/trading-engine/models"
)

// Store is the persistence port. Every order state change and every trade
// is saved through it; the matching algorithm itself carries no dependency
// on a storage technology. A state change whose save fails is not published
// downstream.
type Store interface {
	SaveOrder(ctx context.Context, order *models.Order) error
	SaveTrade(ctx context.Context, trade *models.Trade) error
}

// Publisher is the outbound event port (e.g. a Kafka transport). Each trade
// is published exactly once at creation; order updates are published per
// state change.
type Publisher interface {
	PublishOrderUpdate(ctx context.Context, order *models.Order) error
	PublishTrade(ctx context.Context, trade *models.Trade) error
	PublishRejection(ctx context.Context, order *models.Order, reason string) error
}

// NopStore discards everything. Used in tests and when running without a
// database.
type NopStore struct{}

func (NopStore) SaveOrder(ctx context.Context, order *models.Order) error { return nil }
func (NopStore) SaveTrade(ctx context.Context, trade *models.Trade) error { return nil }

// NopPublisher discards everything.
type NopPublisher struct{}

func (NopPublisher) PublishOrderUpdate(ctx context.Context, order *models.Order) error { return nil }
func (NopPublisher) PublishTrade(ctx context.Context, trade *models.Trade) error       { return nil }
func (NopPublisher) PublishRejection(ctx context.Context, order *models.Order, reason string) error {
	return nil
}
