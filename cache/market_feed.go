package cache

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/corebook/trading-engine/engine"
	"github.com/corebook/trading-engine/logging"
	"github.com/corebook/trading-engine/models"
)

// marketStore is the slice of the market cache the event feed writes to.
type marketStore interface {
	PushTrade(ctx context.Context, trade *models.Trade) error
	InvalidateDepth(ctx context.Context, symbol string, levelVariants ...int) error
}

// AttachEngine subscribes the market data cache to the engine's event bus:
// executed trades append to the symbol's recent-trade list, and any visible
// book change invalidates its cached depth. Cache failures are logged and
// dropped; the cache converges on the next write, and API queries fall back
// to the database anyway.
func AttachEngine(bus *engine.EventBus, store marketStore) {
	bus.Subscribe(engine.EventTypeTradeExecuted, func(event engine.Event) {
		data, ok := event.Data.(engine.TradeExecutedEvent)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		trade := data.Trade
		if err := store.PushTrade(ctx, &trade); err != nil {
			logging.LogWithFields(logrus.WarnLevel, "trade cache update failed", logrus.Fields{
				"trade_id": trade.TradeID.String(),
				"symbol":   trade.Symbol,
				"error":    err.Error(),
			})
		}
	})

	bus.Subscribe(engine.EventTypeBookChange, func(event engine.Event) {
		data, ok := event.Data.(engine.BookChangeEvent)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if err := store.InvalidateDepth(ctx, data.Symbol); err != nil {
			logging.LogWithFields(logrus.WarnLevel, "depth invalidation failed", logrus.Fields{
				"symbol": data.Symbol,
				"error":  err.Error(),
			})
		}
	})
}
