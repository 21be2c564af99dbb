package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corebook/trading-engine/models"
)

// Helper functions for creating test orders
func newLimitOrder(accountID string, side models.OrderSide, price, quantity string) *models.Order {
	return models.NewOrder(accountID, "BTC-USD", side, models.OrderTypeLimit,
		decimal.RequireFromString(price), decimal.RequireFromString(quantity))
}

func newMarketOrder(accountID string, side models.OrderSide, quantity string) *models.Order {
	return models.NewOrder(accountID, "BTC-USD", side, models.OrderTypeMarket,
		decimal.Zero, decimal.RequireFromString(quantity))
}

// recordingPublisher captures everything the engine publishes
type recordingPublisher struct {
	mu         sync.Mutex
	orders     []models.Order
	trades     []models.Trade
	rejections []models.Order
}

func (p *recordingPublisher) PublishOrderUpdate(_ context.Context, order *models.Order) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.orders = append(p.orders, *order)
	return nil
}

func (p *recordingPublisher) PublishTrade(_ context.Context, trade *models.Trade) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.trades = append(p.trades, *trade)
	return nil
}

func (p *recordingPublisher) PublishRejection(_ context.Context, order *models.Order, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rejections = append(p.rejections, *order)
	return nil
}

func (p *recordingPublisher) Trades() []models.Trade {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.Trade, len(p.trades))
	copy(out, p.trades)
	return out
}

func (p *recordingPublisher) OrderUpdates() []models.Order {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.Order, len(p.orders))
	copy(out, p.orders)
	return out
}

func (p *recordingPublisher) Rejections() []models.Order {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.Order, len(p.rejections))
	copy(out, p.rejections)
	return out
}

// failingStore lets tests break persistence selectively
type failingStore struct {
	failOrders bool
	failTrades bool
}

func (s *failingStore) SaveOrder(context.Context, *models.Order) error {
	if s.failOrders {
		return errors.New("orders table unavailable")
	}
	return nil
}

func (s *failingStore) SaveTrade(context.Context, *models.Trade) error {
	if s.failTrades {
		return errors.New("trades table unavailable")
	}
	return nil
}

// blockingStore stalls the first SaveOrder until released, pinning the
// symbol worker so queue backpressure can be observed deterministically.
type blockingStore struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingStore() *blockingStore {
	return &blockingStore{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (s *blockingStore) SaveOrder(context.Context, *models.Order) error {
	s.once.Do(func() { close(s.started) })
	<-s.release
	return nil
}

func (s *blockingStore) SaveTrade(context.Context, *models.Trade) error {
	return nil
}

func startEngine(t *testing.T, cfg Config, store Store, publisher Publisher) *MatchingEngine {
	t.Helper()
	me := NewMatchingEngine(cfg, store, publisher)
	require.NoError(t, me.Start(context.Background()))
	t.Cleanup(func() { _ = me.Stop() })
	return me
}

// drain submits a probe order and cancels it synchronously. Commands run in
// order on the symbol's worker, so once the cancel returns every earlier
// command for the symbol has been fully processed.
func drain(t *testing.T, me *MatchingEngine, symbol string) {
	t.Helper()
	probe := models.NewOrder("drain-probe", symbol, models.OrderSideBuy, models.OrderTypeLimit,
		decimal.RequireFromString("0.0001"), decimal.RequireFromString("0.0001"))

	deadline := time.Now().Add(5 * time.Second)
	for {
		if err := me.Submit(probe); err == nil {
			break
		} else if !errors.Is(err, ErrEngineBusy) {
			t.Fatalf("probe submit failed: %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatal("probe submit timed out")
		}
		time.Sleep(time.Millisecond)
	}
	for {
		if _, err := me.Cancel(probe.ID); err == nil {
			return
		} else if !errors.Is(err, ErrEngineBusy) {
			t.Fatalf("probe cancel failed: %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatal("probe cancel timed out")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestMatchingEngine_ComprehensiveSuite(t *testing.T) {
	tests := []struct {
		name          string
		setup         []*models.Order
		incomingOrder *models.Order
		validate      func(*testing.T, *MatchingEngine, *recordingPublisher, *models.Order)
	}{
		{
			name:          "Limit order rests on empty book",
			incomingOrder: newLimitOrder("buyer1", models.OrderSideBuy, "50000", "1.0"),
			validate: func(t *testing.T, me *MatchingEngine, pub *recordingPublisher, order *models.Order) {
				assert.Empty(t, pub.Trades(), "No trades should occur on an empty book")
				assert.Equal(t, models.OrderStatusPending, order.Status)
				assert.True(t, order.RemainingQuantity().Equal(decimal.RequireFromString("1.0")))

				book, err := me.Book("BTC-USD")
				require.NoError(t, err)
				bestBid := book.BestBidPrice()
				require.NotNil(t, bestBid)
				assert.True(t, bestBid.Equal(decimal.RequireFromString("50000")))
			},
		},
		{
			name: "Exact cross fills both orders completely",
			setup: []*models.Order{
				newLimitOrder("seller1", models.OrderSideSell, "50000", "1.0"),
			},
			incomingOrder: newLimitOrder("buyer1", models.OrderSideBuy, "50000", "1.0"),
			validate: func(t *testing.T, me *MatchingEngine, pub *recordingPublisher, order *models.Order) {
				trades := pub.Trades()
				require.Len(t, trades, 1)
				assert.True(t, trades[0].Price.Equal(decimal.RequireFromString("50000")))
				assert.True(t, trades[0].Quantity.Equal(decimal.RequireFromString("1.0")))
				assert.True(t, trades[0].TotalValue.Equal(decimal.RequireFromString("50000")))
				assert.Equal(t, order.ID, trades[0].BuyOrderID)

				assert.Equal(t, models.OrderStatusFilled, order.Status)
				assert.True(t, order.RemainingQuantity().IsZero())

				book, err := me.Book("BTC-USD")
				require.NoError(t, err)
				assert.Equal(t, 0, book.BidLevels(), "Both orders should have left the book")
				assert.Equal(t, 0, book.AskLevels())
			},
		},
		{
			name: "Execution happens at the resting order's price",
			setup: []*models.Order{
				newLimitOrder("seller1", models.OrderSideSell, "50000", "1.0"),
			},
			incomingOrder: newLimitOrder("buyer1", models.OrderSideBuy, "50100", "1.0"),
			validate: func(t *testing.T, me *MatchingEngine, pub *recordingPublisher, order *models.Order) {
				trades := pub.Trades()
				require.Len(t, trades, 1)
				assert.True(t, trades[0].Price.Equal(decimal.RequireFromString("50000")),
					"Aggressor gets price improvement: trade at the resting price")
				assert.Equal(t, models.OrderStatusFilled, order.Status)
			},
		},
		{
			name: "Partial fill leaves the aggressor resting",
			setup: []*models.Order{
				newLimitOrder("seller1", models.OrderSideSell, "50000", "1.0"),
			},
			incomingOrder: newLimitOrder("buyer1", models.OrderSideBuy, "50000", "3.0"),
			validate: func(t *testing.T, me *MatchingEngine, pub *recordingPublisher, order *models.Order) {
				trades := pub.Trades()
				require.Len(t, trades, 1)
				assert.True(t, trades[0].Quantity.Equal(decimal.RequireFromString("1.0")))

				assert.Equal(t, models.OrderStatusPartiallyFilled, order.Status)
				assert.True(t, order.RemainingQuantity().Equal(decimal.RequireFromString("2.0")))

				book, err := me.Book("BTC-USD")
				require.NoError(t, err)
				bestBid := book.BestBid()
				require.NotNil(t, bestBid, "Remainder should rest on the bid side")
				assert.True(t, bestBid.Volume.Equal(decimal.RequireFromString("2.0")),
					"Level volume should reflect the remaining, not original, quantity")
			},
		},
		{
			name: "Equal-priced resting orders fill in arrival order",
			setup: []*models.Order{
				newLimitOrder("seller1", models.OrderSideSell, "50000", "1.0"),
				newLimitOrder("seller2", models.OrderSideSell, "50000", "1.0"),
			},
			incomingOrder: newLimitOrder("buyer1", models.OrderSideBuy, "50000", "1.5"),
			validate: func(t *testing.T, me *MatchingEngine, pub *recordingPublisher, order *models.Order) {
				trades := pub.Trades()
				require.Len(t, trades, 2)
				assert.Equal(t, "seller1", trades[0].SellAccountID, "First arrival fills first")
				assert.True(t, trades[0].Quantity.Equal(decimal.RequireFromString("1.0")))
				assert.Equal(t, "seller2", trades[1].SellAccountID)
				assert.True(t, trades[1].Quantity.Equal(decimal.RequireFromString("0.5")))
			},
		},
		{
			name: "Market order sweeps multiple levels",
			setup: []*models.Order{
				newLimitOrder("seller1", models.OrderSideSell, "50000", "1.0"),
				newLimitOrder("seller2", models.OrderSideSell, "50010", "2.0"),
			},
			incomingOrder: newMarketOrder("buyer1", models.OrderSideBuy, "2.5"),
			validate: func(t *testing.T, me *MatchingEngine, pub *recordingPublisher, order *models.Order) {
				trades := pub.Trades()
				require.Len(t, trades, 2)
				assert.True(t, trades[0].Price.Equal(decimal.RequireFromString("50000")))
				assert.True(t, trades[1].Price.Equal(decimal.RequireFromString("50010")))
				assert.True(t, trades[1].Quantity.Equal(decimal.RequireFromString("1.5")))

				assert.Equal(t, models.OrderStatusFilled, order.Status)

				book, err := me.Book("BTC-USD")
				require.NoError(t, err)
				bestAsk := book.BestAsk()
				require.NotNil(t, bestAsk)
				assert.True(t, bestAsk.Volume.Equal(decimal.RequireFromString("0.5")))
			},
		},
		{
			name: "Market order remainder is dropped, never rests",
			setup: []*models.Order{
				newLimitOrder("seller1", models.OrderSideSell, "50000", "1.0"),
			},
			incomingOrder: newMarketOrder("buyer1", models.OrderSideBuy, "4.0"),
			validate: func(t *testing.T, me *MatchingEngine, pub *recordingPublisher, order *models.Order) {
				trades := pub.Trades()
				require.Len(t, trades, 1)

				assert.Equal(t, models.OrderStatusPartiallyFilled, order.Status)
				assert.True(t, order.FilledQuantity.Equal(decimal.RequireFromString("1.0")))
				assert.NotEmpty(t, order.Reason)

				book, err := me.Book("BTC-USD")
				require.NoError(t, err)
				assert.Equal(t, 0, book.BidLevels(), "Market remainder must not rest")
				assert.Nil(t, book.GetOrder(order.ID), "Market order must leave the book")
			},
		},
		{
			name:          "Market order against empty book is rejected",
			incomingOrder: newMarketOrder("buyer1", models.OrderSideBuy, "1.0"),
			validate: func(t *testing.T, me *MatchingEngine, pub *recordingPublisher, order *models.Order) {
				assert.Empty(t, pub.Trades())
				assert.Equal(t, models.OrderStatusRejected, order.Status)
				assert.Equal(t, "no liquidity available", order.Reason)

				rejections := pub.Rejections()
				require.Len(t, rejections, 1)
				assert.Equal(t, order.ID, rejections[0].ID)
			},
		},
		{
			name: "Non-crossing limit orders do not trade",
			setup: []*models.Order{
				newLimitOrder("seller1", models.OrderSideSell, "50010", "1.0"),
			},
			incomingOrder: newLimitOrder("buyer1", models.OrderSideBuy, "50000", "1.0"),
			validate: func(t *testing.T, me *MatchingEngine, pub *recordingPublisher, order *models.Order) {
				assert.Empty(t, pub.Trades())
				assert.Equal(t, models.OrderStatusPending, order.Status)

				book, err := me.Book("BTC-USD")
				require.NoError(t, err)
				spread := book.Spread()
				require.NotNil(t, spread)
				assert.True(t, spread.Equal(decimal.RequireFromString("10")))
			},
		},
		{
			name: "Same-account orders never self-trade",
			setup: []*models.Order{
				newLimitOrder("trader1", models.OrderSideSell, "50000", "1.0"),
			},
			incomingOrder: newLimitOrder("trader1", models.OrderSideBuy, "50000", "1.0"),
			validate: func(t *testing.T, me *MatchingEngine, pub *recordingPublisher, order *models.Order) {
				assert.Empty(t, pub.Trades(), "Same-account resting orders are skipped")
				assert.Equal(t, models.OrderStatusPending, order.Status)

				book, err := me.Book("BTC-USD")
				require.NoError(t, err)
				assert.Equal(t, 1, book.BidLevels())
				assert.Equal(t, 1, book.AskLevels())
			},
		},
		{
			name: "Sell aggressor crosses the bid side",
			setup: []*models.Order{
				newLimitOrder("buyer1", models.OrderSideBuy, "50000", "1.0"),
				newLimitOrder("buyer2", models.OrderSideBuy, "49990", "1.0"),
			},
			incomingOrder: newLimitOrder("seller1", models.OrderSideSell, "49990", "1.5"),
			validate: func(t *testing.T, me *MatchingEngine, pub *recordingPublisher, order *models.Order) {
				trades := pub.Trades()
				require.Len(t, trades, 2)
				assert.True(t, trades[0].Price.Equal(decimal.RequireFromString("50000")),
					"Best bid fills first")
				assert.True(t, trades[1].Price.Equal(decimal.RequireFromString("49990")))
				assert.Equal(t, models.OrderStatusFilled, order.Status)
				assert.Equal(t, order.ID, trades[0].SellOrderID)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &recordingPublisher{}
			me := startEngine(t, DefaultConfig(), nil, pub)

			for _, order := range tt.setup {
				require.NoError(t, me.Submit(order))
			}
			require.NoError(t, me.Submit(tt.incomingOrder))
			drain(t, me, "BTC-USD")

			tt.validate(t, me, pub, tt.incomingOrder)
		})
	}
}

func TestSubmitValidationIsSynchronous(t *testing.T) {
	me := startEngine(t, DefaultConfig(), nil, nil)

	bad := newLimitOrder("buyer1", models.OrderSideBuy, "0", "1.0")
	err := me.Submit(bad)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrInvalidOrder)

	missingAccount := newLimitOrder("", models.OrderSideBuy, "50000", "1.0")
	assert.ErrorIs(t, me.Submit(missingAccount), models.ErrInvalidOrder)
}

func TestSubmitWhenStopped(t *testing.T) {
	me := NewMatchingEngine(DefaultConfig(), nil, nil)

	err := me.Submit(newLimitOrder("buyer1", models.OrderSideBuy, "50000", "1.0"))
	assert.ErrorIs(t, err, ErrEngineStopped)

	require.NoError(t, me.Start(context.Background()))
	require.NoError(t, me.Stop())

	err = me.Submit(newLimitOrder("buyer1", models.OrderSideBuy, "50000", "1.0"))
	assert.ErrorIs(t, err, ErrEngineStopped)
}

func TestCancelRestingOrder(t *testing.T) {
	pub := &recordingPublisher{}
	me := startEngine(t, DefaultConfig(), nil, pub)

	order := newLimitOrder("buyer1", models.OrderSideBuy, "50000", "1.0")
	require.NoError(t, me.Submit(order))

	cancelled, err := me.Cancel(order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, cancelled.Status)
	assert.Equal(t, "cancelled by request", cancelled.Reason)

	book, err := me.Book("BTC-USD")
	require.NoError(t, err)
	assert.Equal(t, 0, book.BidLevels())

	// Cancelling again must fail: the order is gone from the book
	_, err = me.Cancel(order.ID)
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestCancelUnknownOrder(t *testing.T) {
	me := startEngine(t, DefaultConfig(), nil, nil)

	unknown := newLimitOrder("buyer1", models.OrderSideBuy, "50000", "1.0")
	_, err := me.Cancel(unknown.ID)
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestCancelFilledOrderFails(t *testing.T) {
	me := startEngine(t, DefaultConfig(), nil, nil)

	resting := newLimitOrder("seller1", models.OrderSideSell, "50000", "1.0")
	require.NoError(t, me.Submit(resting))
	require.NoError(t, me.Submit(newLimitOrder("buyer1", models.OrderSideBuy, "50000", "1.0")))
	drain(t, me, "BTC-USD")

	_, err := me.Cancel(resting.ID)
	assert.ErrorIs(t, err, ErrOrderNotFound, "Filled orders have left the book")
}

func TestCancelledOrderNeverMatches(t *testing.T) {
	pub := &recordingPublisher{}
	me := startEngine(t, DefaultConfig(), nil, pub)

	resting := newLimitOrder("seller1", models.OrderSideSell, "50000", "1.0")
	require.NoError(t, me.Submit(resting))
	_, err := me.Cancel(resting.ID)
	require.NoError(t, err)

	require.NoError(t, me.Submit(newLimitOrder("buyer1", models.OrderSideBuy, "50000", "1.0")))
	drain(t, me, "BTC-USD")

	assert.Empty(t, pub.Trades(), "A cancelled order must not produce fills")
}

func TestAmendPriceReHomesOrder(t *testing.T) {
	me := startEngine(t, DefaultConfig(), nil, nil)

	order := newLimitOrder("buyer1", models.OrderSideBuy, "50000", "1.0")
	require.NoError(t, me.Submit(order))
	drain(t, me, "BTC-USD")

	newPrice := decimal.RequireFromString("49500")
	amended, err := me.Amend(order.ID, &newPrice, nil)
	require.NoError(t, err)
	assert.True(t, amended.Price.Equal(newPrice))

	book, err := me.Book("BTC-USD")
	require.NoError(t, err)
	bestBid := book.BestBidPrice()
	require.NotNil(t, bestBid)
	assert.True(t, bestBid.Equal(newPrice))
}

func TestAmendQuantity(t *testing.T) {
	me := startEngine(t, DefaultConfig(), nil, nil)

	order := newLimitOrder("buyer1", models.OrderSideBuy, "50000", "1.0")
	require.NoError(t, me.Submit(order))
	drain(t, me, "BTC-USD")

	newQty := decimal.RequireFromString("2.5")
	amended, err := me.Amend(order.ID, nil, &newQty)
	require.NoError(t, err)
	assert.True(t, amended.Quantity.Equal(newQty))

	book, err := me.Book("BTC-USD")
	require.NoError(t, err)
	bestBid := book.BestBid()
	require.NotNil(t, bestBid)
	assert.True(t, bestBid.Volume.Equal(newQty))
}

func TestAmendQuantityBelowFilledFails(t *testing.T) {
	me := startEngine(t, DefaultConfig(), nil, nil)

	resting := newLimitOrder("seller1", models.OrderSideSell, "50000", "2.0")
	require.NoError(t, me.Submit(resting))
	require.NoError(t, me.Submit(newLimitOrder("buyer1", models.OrderSideBuy, "50000", "1.0")))
	drain(t, me, "BTC-USD")

	tooSmall := decimal.RequireFromString("0.5")
	_, err := me.Amend(resting.ID, nil, &tooSmall)
	assert.ErrorIs(t, err, models.ErrInvalidOrder)
}

func TestAmendDoesNotReMatch(t *testing.T) {
	pub := &recordingPublisher{}
	me := startEngine(t, DefaultConfig(), nil, pub)

	require.NoError(t, me.Submit(newLimitOrder("seller1", models.OrderSideSell, "50010", "1.0")))
	buy := newLimitOrder("buyer1", models.OrderSideBuy, "50000", "1.0")
	require.NoError(t, me.Submit(buy))
	drain(t, me, "BTC-USD")
	require.Empty(t, pub.Trades())

	// Amend the bid through the ask. The book is crossed until the next
	// aggressor arrives; the amend itself does not trigger matching.
	crossing := decimal.RequireFromString("50020")
	_, err := me.Amend(buy.ID, &crossing, nil)
	require.NoError(t, err)
	assert.Empty(t, pub.Trades(), "Amend must not re-match")
}

func TestExpireStaleOrders(t *testing.T) {
	pub := &recordingPublisher{}
	me := startEngine(t, DefaultConfig(), nil, pub)

	stale := newLimitOrder("buyer1", models.OrderSideBuy, "50000", "1.0")
	stale.CreatedAt = time.Now().Add(-1 * time.Hour)
	fresh := newLimitOrder("buyer2", models.OrderSideBuy, "49990", "1.0")

	require.NoError(t, me.Submit(stale))
	require.NoError(t, me.Submit(fresh))
	drain(t, me, "BTC-USD")

	me.ExpireStale(30 * time.Minute)
	drain(t, me, "BTC-USD")

	assert.Equal(t, models.OrderStatusExpired, stale.Status)
	assert.Equal(t, models.OrderStatusPending, fresh.Status)

	book, err := me.Book("BTC-USD")
	require.NoError(t, err)
	assert.Equal(t, 1, book.BidLevels())
}

func TestExpireSkipsPartiallyFilledOrders(t *testing.T) {
	me := startEngine(t, DefaultConfig(), nil, nil)

	resting := newLimitOrder("seller1", models.OrderSideSell, "50000", "2.0")
	resting.CreatedAt = time.Now().Add(-1 * time.Hour)
	require.NoError(t, me.Submit(resting))
	require.NoError(t, me.Submit(newLimitOrder("buyer1", models.OrderSideBuy, "50000", "1.0")))
	drain(t, me, "BTC-USD")

	me.ExpireStale(30 * time.Minute)
	drain(t, me, "BTC-USD")

	assert.Equal(t, models.OrderStatusPartiallyFilled, resting.Status,
		"Orders with fills never expire")
}

func TestSubmitReturnsBusyWhenQueueFull(t *testing.T) {
	store := newBlockingStore()
	cfg := DefaultConfig()
	cfg.QueueSize = 2
	me := startEngine(t, cfg, store, nil)

	// First order occupies the worker inside the blocked persist call.
	require.NoError(t, me.Submit(newLimitOrder("buyer1", models.OrderSideBuy, "50000", "1.0")))
	select {
	case <-store.started:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never reached the store")
	}

	// Fill the queue behind it.
	require.NoError(t, me.Submit(newLimitOrder("buyer2", models.OrderSideBuy, "49990", "1.0")))
	require.NoError(t, me.Submit(newLimitOrder("buyer3", models.OrderSideBuy, "49980", "1.0")))

	err := me.Submit(newLimitOrder("buyer4", models.OrderSideBuy, "49970", "1.0"))
	assert.ErrorIs(t, err, ErrEngineBusy)

	close(store.release)
	drain(t, me, "BTC-USD")
}

func TestSymbolsAreIndependent(t *testing.T) {
	pub := &recordingPublisher{}
	me := startEngine(t, DefaultConfig(), nil, pub)

	btcSell := models.NewOrder("seller1", "BTC-USD", models.OrderSideSell, models.OrderTypeLimit,
		decimal.RequireFromString("50000"), decimal.RequireFromString("1.0"))
	ethBuy := models.NewOrder("buyer1", "ETH-USD", models.OrderSideBuy, models.OrderTypeLimit,
		decimal.RequireFromString("50000"), decimal.RequireFromString("1.0"))

	require.NoError(t, me.Submit(btcSell))
	require.NoError(t, me.Submit(ethBuy))
	drain(t, me, "BTC-USD")
	drain(t, me, "ETH-USD")

	assert.Empty(t, pub.Trades(), "Orders in different symbols must never match")

	_, err := me.Book("LTC-USD")
	assert.ErrorIs(t, err, ErrUnknownSymbol)
}

func TestFailedTradeSaveSkipsPublish(t *testing.T) {
	pub := &recordingPublisher{}
	store := &failingStore{failTrades: true}
	me := startEngine(t, DefaultConfig(), store, pub)

	require.NoError(t, me.Submit(newLimitOrder("seller1", models.OrderSideSell, "50000", "1.0")))
	require.NoError(t, me.Submit(newLimitOrder("buyer1", models.OrderSideBuy, "50000", "1.0")))
	drain(t, me, "BTC-USD")

	assert.Empty(t, pub.Trades(), "Unsaved trades must not be published")
	assert.NotEmpty(t, pub.OrderUpdates(), "Order updates still flow: their saves succeeded")
}

func TestFailedOrderSaveSkipsPublish(t *testing.T) {
	pub := &recordingPublisher{}
	store := &failingStore{failOrders: true}
	me := startEngine(t, DefaultConfig(), store, pub)

	require.NoError(t, me.Submit(newLimitOrder("seller1", models.OrderSideSell, "50000", "1.0")))
	require.NoError(t, me.Submit(newLimitOrder("buyer1", models.OrderSideBuy, "50000", "1.0")))
	drain(t, me, "BTC-USD")

	assert.Empty(t, pub.OrderUpdates(), "Unsaved order updates must not be published")
	assert.NotEmpty(t, pub.Trades(), "Trade saves succeeded, so trades publish")
}

// TestConcurrentSubmitsConserveQuantity hammers one symbol from many
// goroutines and then checks the books: every traded unit appears exactly
// once on each side, and no order's fills exceed its quantity.
func TestConcurrentSubmitsConserveQuantity(t *testing.T) {
	pub := &recordingPublisher{}
	cfg := DefaultConfig()
	cfg.QueueSize = 8192
	me := startEngine(t, cfg, nil, pub)

	const (
		goroutines     = 8
		ordersPerGorou = 50
	)

	var (
		mu        sync.Mutex
		submitted []*models.Order
	)

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(g)))

			local := make([]*models.Order, 0, ordersPerGorou)
			for i := 0; i < ordersPerGorou; i++ {
				side := models.OrderSideBuy
				if rng.Intn(2) == 1 {
					side = models.OrderSideSell
				}
				price := decimal.NewFromInt(int64(95 + rng.Intn(11)))
				qty := decimal.NewFromInt(int64(1 + rng.Intn(5)))

				order := models.NewOrder(fmt.Sprintf("acct-%d", g), "BTC-USD", side,
					models.OrderTypeLimit, price, qty)
				require.NoError(t, me.Submit(order))
				local = append(local, order)
			}

			mu.Lock()
			submitted = append(submitted, local...)
			mu.Unlock()
		}(g)
	}
	wg.Wait()
	drain(t, me, "BTC-USD")

	// Per-order conservation: filled + remaining == quantity, always.
	totalFilled := decimal.Zero
	for _, order := range submitted {
		assert.True(t, order.FilledQuantity.Add(order.RemainingQuantity()).Equal(order.Quantity),
			"order %s: filled %s + remaining %s != quantity %s",
			order.ID, order.FilledQuantity, order.RemainingQuantity(), order.Quantity)
		assert.False(t, order.FilledQuantity.GreaterThan(order.Quantity),
			"order %s overfilled", order.ID)
		totalFilled = totalFilled.Add(order.FilledQuantity)
	}

	// Global conservation: each trade fills one buy and one sell, so the
	// sum of fills across all orders is exactly twice the traded quantity.
	totalTraded := decimal.Zero
	for _, trade := range pub.Trades() {
		assert.True(t, trade.Quantity.GreaterThan(decimal.Zero))
		assert.True(t, trade.TotalValue.Equal(trade.Quantity.Mul(trade.Price)))
		totalTraded = totalTraded.Add(trade.Quantity)
	}
	assert.True(t, totalFilled.Equal(totalTraded.Mul(decimal.NewFromInt(2))),
		"total filled %s != 2 * total traded %s", totalFilled, totalTraded)

	// The book must hold exactly the orders that still have quantity open.
	book, err := me.Book("BTC-USD")
	require.NoError(t, err)
	openOrders := 0
	for _, order := range submitted {
		if order.Status == models.OrderStatusPending || order.Status == models.OrderStatusPartiallyFilled {
			openOrders++
		}
	}
	assert.Equal(t, openOrders, book.Size())
}

func TestStopDrainsAcceptedCommands(t *testing.T) {
	pub := &recordingPublisher{}
	me := NewMatchingEngine(DefaultConfig(), nil, pub)
	require.NoError(t, me.Start(context.Background()))

	require.NoError(t, me.Submit(newLimitOrder("seller1", models.OrderSideSell, "50000", "1.0")))
	buy := newLimitOrder("buyer1", models.OrderSideBuy, "50000", "1.0")
	require.NoError(t, me.Submit(buy))

	require.NoError(t, me.Stop())

	// Stop waits for workers to drain, so accepted orders are processed.
	assert.Len(t, pub.Trades(), 1)
	assert.Equal(t, models.OrderStatusFilled, buy.Status)
}

func TestEventBusReceivesTradeEvents(t *testing.T) {
	me := startEngine(t, DefaultConfig(), nil, nil)

	received := make(chan Event, 8)
	me.EventBus().Subscribe(EventTypeTradeExecuted, func(event Event) {
		received <- event
	})

	require.NoError(t, me.Submit(newLimitOrder("seller1", models.OrderSideSell, "50000", "1.0")))
	require.NoError(t, me.Submit(newLimitOrder("buyer1", models.OrderSideBuy, "50000", "1.0")))
	drain(t, me, "BTC-USD")

	select {
	case event := <-received:
		data, ok := event.Data.(TradeExecutedEvent)
		require.True(t, ok)
		assert.True(t, data.Trade.Quantity.Equal(decimal.RequireFromString("1.0")))
	case <-time.After(2 * time.Second):
		t.Fatal("no trade event received")
	}
}

func TestOrderReturnsCopyNotLiveState(t *testing.T) {
	me := startEngine(t, DefaultConfig(), nil, nil)

	resting := newLimitOrder("seller1", models.OrderSideSell, "50000", "5.0")
	require.NoError(t, me.Submit(resting))
	drain(t, me, "BTC-USD")

	first, err := me.Order(resting.ID)
	require.NoError(t, err)

	// Mutating the returned order must not leak into the book.
	first.Status = models.OrderStatusCancelled
	first.FilledQuantity = decimal.RequireFromString("5.0")

	second, err := me.Order(resting.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, second.Status)
	assert.True(t, second.FilledQuantity.IsZero())
}

// Concurrent lookups of an order being filled must always observe an
// internally consistent state: stale is fine, half-written is not. Run with
// the race detector to catch regressions in the book's locking.
func TestOrderLookupConsistentDuringMatching(t *testing.T) {
	me := startEngine(t, DefaultConfig(), nil, nil)

	resting := newLimitOrder("seller1", models.OrderSideSell, "50000", "300")
	require.NoError(t, me.Submit(resting))
	drain(t, me, "BTC-USD")

	done := make(chan struct{})
	var readerWg sync.WaitGroup
	readerWg.Add(1)
	go func() {
		defer readerWg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			order, err := me.Order(resting.ID)
			if err != nil {
				continue
			}
			if _, err := json.Marshal(order); err != nil {
				t.Errorf("marshal snapshot: %v", err)
				return
			}
			if order.FilledQuantity.GreaterThan(order.Quantity) {
				t.Errorf("filled %s exceeds quantity %s", order.FilledQuantity, order.Quantity)
				return
			}
		}
	}()

	for i := 0; i < 300; i++ {
		buy := newLimitOrder(fmt.Sprintf("buyer%d", i), models.OrderSideBuy, "50000", "1")
		for {
			err := me.Submit(buy)
			if err == nil {
				break
			}
			require.ErrorIs(t, err, ErrEngineBusy)
			time.Sleep(time.Millisecond)
		}
	}
	drain(t, me, "BTC-USD")

	close(done)
	readerWg.Wait()

	final, err := me.Order(resting.ID)
	require.ErrorIs(t, err, ErrOrderNotFound, "fully filled order should leave the book")
	assert.Nil(t, final)
}

func TestRejectionPublishedOnBus(t *testing.T) {
	me := startEngine(t, DefaultConfig(), nil, nil)

	received := make(chan Event, 1)
	me.EventBus().Subscribe(EventTypeOrderRejected, func(event Event) {
		received <- event
	})

	// Market order on an empty book: zero fill, rejected outright.
	require.NoError(t, me.Submit(newMarketOrder("buyer1", models.OrderSideBuy, "1.0")))
	drain(t, me, "BTC-USD")

	select {
	case event := <-received:
		data, ok := event.Data.(OrderRejectedEvent)
		require.True(t, ok)
		assert.Equal(t, models.OrderStatusRejected, data.Order.Status)
		assert.Equal(t, "no liquidity available", data.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("no rejection event received")
	}
}
