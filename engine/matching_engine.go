package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/corebook/trading-engine/logging"
	"github.com/corebook/trading-engine/metrics"
	"github.com/corebook/trading-engine/models"
)

var (
	// ErrEngineStopped is returned when the engine is not running
	ErrEngineStopped = errors.New("matching engine is not running")

	// ErrEngineBusy is returned when a symbol's command queue is full.
	// Callers should back off and retry; the engine never buffers without bound.
	ErrEngineBusy = errors.New("matching engine busy: symbol queue full")

	// ErrOrderNotFound is returned for cancel/amend/lookup of an unknown order
	ErrOrderNotFound = errors.New("order not found")

	// ErrUnknownSymbol is returned when querying a symbol that has never traded
	ErrUnknownSymbol = errors.New("unknown symbol")
)

// Config controls engine-wide knobs.
type Config struct {
	// QueueSize bounds each symbol's command channel. When full, Submit
	// returns ErrEngineBusy instead of buffering.
	QueueSize int

	// MaxOrderAge is the staleness threshold for the expiry sweep. Zero
	// disables sweeping.
	MaxOrderAge time.Duration

	// ExpiryInterval is how often the sweeper runs.
	ExpiryInterval time.Duration
}

// DefaultConfig returns the engine defaults
func DefaultConfig() Config {
	return Config{
		QueueSize:      1000,
		MaxOrderAge:    30 * time.Minute,
		ExpiryInterval: 1 * time.Minute,
	}
}

type commandKind int

const (
	cmdSubmit commandKind = iota
	cmdCancel
	cmdAmend
	cmdExpire
)

type command struct {
	kind     commandKind
	order    *models.Order
	orderID  uuid.UUID
	newPrice *decimal.Decimal
	newQty   *decimal.Decimal
	cutoff   time.Time
	resp     chan cmdResult
}

type cmdResult struct {
	order *models.Order
	err   error
}

// symbolBook pairs a book with its dedicated worker queue. The worker
// goroutine is the only writer of the book, so every mutating operation for
// a symbol is serialized: registration, the full crossing pass, book updates
// and event emission happen as one unit, never interleaved with another
// submission for the same symbol.
type symbolBook struct {
	book     *OrderBook
	commands chan command
}

// MatchingEngine owns the symbol->OrderBook registry, dispatches incoming
// orders to per-symbol workers, runs the crossing algorithm and emits trades
// and order updates through the injected ports.
type MatchingEngine struct {
	cfg       Config
	store     Store
	publisher Publisher
	bus       *EventBus

	mu          sync.RWMutex
	books       map[string]*symbolBook
	orderSymbol map[uuid.UUID]string
	running     bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMatchingEngine creates an engine wired to the given ports. Nil ports
// default to no-ops.
func NewMatchingEngine(cfg Config, store Store, publisher Publisher) *MatchingEngine {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if store == nil {
		store = NopStore{}
	}
	if publisher == nil {
		publisher = NopPublisher{}
	}
	return &MatchingEngine{
		cfg:         cfg,
		store:       store,
		publisher:   publisher,
		bus:         NewEventBus(),
		books:       make(map[string]*symbolBook),
		orderSymbol: make(map[uuid.UUID]string),
	}
}

// EventBus exposes the in-process bus for listeners (websocket hub, metrics)
func (me *MatchingEngine) EventBus() *EventBus {
	return me.bus
}

// Start launches the engine. Symbol workers are spawned lazily on first use;
// the expiry sweeper runs when configured.
func (me *MatchingEngine) Start(ctx context.Context) error {
	me.mu.Lock()
	defer me.mu.Unlock()

	if me.running {
		return fmt.Errorf("matching engine is already running")
	}
	me.ctx, me.cancel = context.WithCancel(ctx)
	me.running = true

	if me.cfg.MaxOrderAge > 0 && me.cfg.ExpiryInterval > 0 {
		me.wg.Add(1)
		go me.expirySweeper()
	}
	return nil
}

// Stop shuts the engine down. Each worker drains its queue before exiting.
func (me *MatchingEngine) Stop() error {
	me.mu.Lock()
	if !me.running {
		me.mu.Unlock()
		return ErrEngineStopped
	}
	me.running = false
	cancel := me.cancel
	me.mu.Unlock()

	cancel()
	me.wg.Wait()
	return nil
}

// IsRunning reports whether the engine is accepting commands
func (me *MatchingEngine) IsRunning() bool {
	me.mu.RLock()
	defer me.mu.RUnlock()
	return me.running
}

// getOrCreateBook returns the symbol's book, creating the book and its
// worker on first use. Symbols are never removed for the process lifetime;
// the registry grows with the traded universe, which is bounded by listing.
func (me *MatchingEngine) getOrCreateBook(symbol string) *symbolBook {
	me.mu.RLock()
	sb, ok := me.books[symbol]
	me.mu.RUnlock()
	if ok {
		return sb
	}

	me.mu.Lock()
	defer me.mu.Unlock()
	if sb, ok = me.books[symbol]; ok {
		return sb
	}

	sb = &symbolBook{
		book:     NewOrderBook(symbol),
		commands: make(chan command, me.cfg.QueueSize),
	}
	me.books[symbol] = sb

	me.wg.Add(1)
	go me.worker(sb)
	return sb
}

// Submit admits an order for processing. Structural validation errors are
// returned synchronously; everything after admission is asynchronous, and
// processing failures reject the order via the order-update path rather than
// surfacing here. Returns ErrEngineBusy when the symbol queue is full.
func (me *MatchingEngine) Submit(order *models.Order) error {
	me.mu.RLock()
	running := me.running
	me.mu.RUnlock()
	if !running {
		return ErrEngineStopped
	}

	if err := order.Validate(); err != nil {
		return err
	}

	sb := me.getOrCreateBook(order.Symbol)

	select {
	case sb.commands <- command{kind: cmdSubmit, order: order}:
		me.mu.Lock()
		me.orderSymbol[order.ID] = order.Symbol
		me.mu.Unlock()
		metrics.RecordOrderReceived(order.Symbol, string(order.Side), string(order.Type))
		return nil
	default:
		metrics.RecordOrderRejected(order.Symbol, "engine_busy")
		return ErrEngineBusy
	}
}

// Cancel cancels an order. It executes on the order's symbol worker, so the
// status check and removal are atomic with respect to matching: if the order
// reaches a terminal status before the cancel runs, the cancel fails with a
// state error instead of silently no-opping.
func (me *MatchingEngine) Cancel(orderID uuid.UUID) (*models.Order, error) {
	sb, err := me.bookForOrder(orderID)
	if err != nil {
		return nil, err
	}

	resp := make(chan cmdResult, 1)
	if err := me.enqueue(sb, command{kind: cmdCancel, orderID: orderID, resp: resp}); err != nil {
		return nil, err
	}
	result := <-resp
	return result.order, result.err
}

// Amend changes an order's price and/or quantity. Price changes re-home the
// order, which resets its time priority; amended orders are not re-matched.
// New quantity must cover what is already filled.
func (me *MatchingEngine) Amend(orderID uuid.UUID, newPrice, newQty *decimal.Decimal) (*models.Order, error) {
	sb, err := me.bookForOrder(orderID)
	if err != nil {
		return nil, err
	}

	resp := make(chan cmdResult, 1)
	cmd := command{kind: cmdAmend, orderID: orderID, newPrice: newPrice, newQty: newQty, resp: resp}
	if err := me.enqueue(sb, cmd); err != nil {
		return nil, err
	}
	result := <-resp
	return result.order, result.err
}

// Book returns the order book for a symbol, or ErrUnknownSymbol if the
// symbol has never traded.
func (me *MatchingEngine) Book(symbol string) (*OrderBook, error) {
	me.mu.RLock()
	defer me.mu.RUnlock()

	sb, ok := me.books[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	return sb.book, nil
}

// Order looks up an order by id across all books. It returns a snapshot
// copy taken under the book's lock, never the live order the worker is
// mutating; callers may read or encode it freely. The snapshot can be
// stale by the time it is read, but it is always internally consistent.
func (me *MatchingEngine) Order(orderID uuid.UUID) (*models.Order, error) {
	sb, err := me.bookForOrder(orderID)
	if err != nil {
		return nil, err
	}
	order := sb.book.GetOrder(orderID)
	if order == nil {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	return order, nil
}

// ExpireStale sweeps every book, expiring pending zero-fill orders older
// than maxAge. The sweep runs through each symbol's worker so it serializes
// with matching.
func (me *MatchingEngine) ExpireStale(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)

	me.mu.RLock()
	books := make([]*symbolBook, 0, len(me.books))
	for _, sb := range me.books {
		books = append(books, sb)
	}
	me.mu.RUnlock()

	for _, sb := range books {
		select {
		case sb.commands <- command{kind: cmdExpire, cutoff: cutoff}:
		default:
			// Queue full; the symbol is under load and the next sweep
			// will catch up.
		}
	}
}

func (me *MatchingEngine) expirySweeper() {
	defer me.wg.Done()

	ticker := time.NewTicker(me.cfg.ExpiryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-me.ctx.Done():
			return
		case <-ticker.C:
			me.ExpireStale(me.cfg.MaxOrderAge)
		}
	}
}

func (me *MatchingEngine) bookForOrder(orderID uuid.UUID) (*symbolBook, error) {
	me.mu.RLock()
	defer me.mu.RUnlock()

	if !me.running {
		return nil, ErrEngineStopped
	}
	symbol, ok := me.orderSymbol[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	sb, ok := me.books[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	return sb, nil
}

func (me *MatchingEngine) enqueue(sb *symbolBook, cmd command) error {
	select {
	case sb.commands <- cmd:
		return nil
	default:
		return ErrEngineBusy
	}
}

// worker is the single goroutine that owns one symbol's book. It drains the
// queue on shutdown so accepted commands are never dropped.
func (me *MatchingEngine) worker(sb *symbolBook) {
	defer me.wg.Done()

	for {
		select {
		case <-me.ctx.Done():
			for {
				select {
				case cmd := <-sb.commands:
					me.processCommand(sb, cmd)
				default:
					return
				}
			}
		case cmd := <-sb.commands:
			me.processCommand(sb, cmd)
		}
	}
}

func (me *MatchingEngine) processCommand(sb *symbolBook, cmd command) {
	switch cmd.kind {
	case cmdSubmit:
		me.processSubmit(sb, cmd.order)
	case cmdCancel:
		order, err := me.processCancel(sb, cmd.orderID)
		cmd.resp <- cmdResult{order: order, err: err}
		close(cmd.resp)
	case cmdAmend:
		order, err := me.processAmend(sb, cmd.orderID, cmd.newPrice, cmd.newQty)
		cmd.resp <- cmdResult{order: order, err: err}
		close(cmd.resp)
	case cmdExpire:
		me.processExpire(sb, cmd.cutoff)
	}
}

// processSubmit runs one submission's full crossing pass: registration,
// matching, book update and event emission, all under the symbol's
// serialization point.
func (me *MatchingEngine) processSubmit(sb *symbolBook, order *models.Order) {
	start := time.Now()

	// Register before matching so the order is visible to queries and
	// cancels immediately. Market orders have no price to rest at, so they
	// are tracked in the index only.
	if order.Type == models.OrderTypeLimit {
		sb.book.AddOrder(order)
		me.publishBookChange(sb.book.Symbol, order.Side, "add", order.Price, order.RemainingQuantity())
	} else {
		sb.book.Track(order)
	}

	trades, touched := me.match(sb, order)

	// A market order cannot rest: drop any leftover from the book. A fully
	// unmatched market order is rejected outright.
	if order.Type == models.OrderTypeMarket {
		sb.book.RemoveOrder(order.ID)
		if order.FilledQuantity.IsZero() && !order.IsTerminal() {
			_ = sb.book.RejectOrder(order, "no liquidity available")
			metrics.RecordOrderRejected(order.Symbol, "no_liquidity")
		} else if !order.IsFilled() && !order.IsTerminal() {
			sb.book.SetReason(order, "market order remainder dropped: insufficient liquidity")
		}
	} else {
		// The incoming limit order was registered pre-match at its full
		// quantity: settle its book entry to reflect the outcome.
		if order.IsFilled() || order.IsTerminal() {
			sb.book.RemoveOrder(order.ID)
			me.publishBookChange(sb.book.Symbol, order.Side, "remove", order.Price, decimal.Zero)
		} else {
			sb.book.RefreshVolume(order.ID)
		}
	}

	// Each trade commit is independent: a failed save skips that trade's
	// publication but never rolls back earlier trades.
	for _, trade := range trades {
		if err := me.store.SaveTrade(me.ctx, trade); err != nil {
			logging.LogDBError("save_trade", "trades", err, map[string]interface{}{
				"trade_id": trade.TradeID,
				"symbol":   trade.Symbol,
			})
			continue
		}
		me.emitTrade(trade)
	}

	for _, resting := range touched {
		me.persistAndEmitOrder(resting)
	}

	me.persistAndEmitOrder(order)

	if order.Status == models.OrderStatusRejected {
		logging.LogOrderRejected(order.ID.String(), order.AccountID, order.Symbol, order.Reason, nil)
		me.bus.Publish(Event{
			Type:      EventTypeOrderRejected,
			Timestamp: time.Now(),
			Data:      OrderRejectedEvent{Order: *order, Reason: order.Reason},
		})
		if err := me.publisher.PublishRejection(me.ctx, order, order.Reason); err != nil {
			logging.LogPublishError("order-rejections", order.ID.String(), err)
		}
	}

	me.updateBookMetrics(sb.book)
	metrics.RecordOrderLatency(order.Symbol, string(order.Type), time.Since(start).Seconds())
}

// match walks the opposing side's price levels best-first and fills against
// resting orders in FIFO order. Returns the trades produced and the resting
// orders whose state changed. A panic mid-match rejects the order; trades
// already produced remain valid.
func (me *MatchingEngine) match(sb *symbolBook, order *models.Order) (trades []*models.Trade, touched []*models.Order) {
	defer func() {
		if r := recover(); r != nil {
			if !order.IsTerminal() {
				_ = sb.book.RejectOrder(order, fmt.Sprintf("processing error: %v", r))
			}
			metrics.RecordOrderRejected(order.Symbol, "processing_error")
		}
	}()

	for _, price := range me.crossablePrices(sb.book, order) {
		if !order.IsMatchable() {
			break
		}
		level := sb.book.sideFor(opposite(order.Side)).GetPriceLevel(price)
		if level == nil {
			continue
		}
		levelTrades, levelTouched := me.matchLevel(sb, order, level)
		trades = append(trades, levelTrades...)
		touched = append(touched, levelTouched...)
	}
	return trades, touched
}

// crossablePrices snapshots the opposing prices this order may trade at, in
// priority order. A limit buy stops at its limit; a market order crosses
// everything.
func (me *MatchingEngine) crossablePrices(book *OrderBook, order *models.Order) []decimal.Decimal {
	book.mu.RLock()
	defer book.mu.RUnlock()

	var prices []decimal.Decimal
	collect := func(item btree.Item) bool {
		level := item.(*PriceLevel)
		if order.Type == models.OrderTypeLimit {
			if order.Side == models.OrderSideBuy && level.Price.GreaterThan(order.Price) {
				return false
			}
			if order.Side == models.OrderSideSell && level.Price.LessThan(order.Price) {
				return false
			}
		}
		prices = append(prices, level.Price)
		return true
	}

	if order.Side == models.OrderSideBuy {
		book.asks.Ascend(collect)
	} else {
		book.bids.Descend(collect)
	}
	return prices
}

// matchLevel fills the aggressor against one price level. Execution price is
// always the resting order's price. Resting orders from the aggressor's own
// account are skipped, never matched (self-trade prevention). Partially
// filled resting orders keep their queue position.
func (me *MatchingEngine) matchLevel(sb *symbolBook, aggressor *models.Order, level *PriceLevel) (trades []*models.Trade, touched []*models.Order) {
	element := level.Orders.Front()
	for element != nil && aggressor.IsMatchable() {
		next := element.Next()
		resting := element.Value.(*models.Order)

		if resting.ID == aggressor.ID || !resting.IsMatchable() {
			element = next
			continue
		}
		if resting.AccountID == aggressor.AccountID {
			// Self-trade prevention: skip, leave the resting order in place.
			element = next
			continue
		}

		matchQty := decimal.Min(aggressor.RemainingQuantity(), resting.RemainingQuantity())
		tradePrice := resting.Price

		var trade *models.Trade
		if aggressor.Side == models.OrderSideBuy {
			trade = models.NewTrade(aggressor, resting, tradePrice, matchQty)
		} else {
			trade = models.NewTrade(resting, aggressor, tradePrice, matchQty)
		}

		if err := sb.book.FillOrder(aggressor, matchQty); err != nil {
			panic(fmt.Sprintf("fill aggressor %s: %v", aggressor.ID, err))
		}
		if err := sb.book.FillOrder(resting, matchQty); err != nil {
			panic(fmt.Sprintf("fill resting %s: %v", resting.ID, err))
		}

		trades = append(trades, trade)
		touched = append(touched, resting)

		logging.LogTradeExecuted(trade.TradeID.String(), trade.BuyOrderID.String(), trade.SellOrderID.String(),
			trade.Symbol, trade.Price.InexactFloat64(), trade.Quantity.InexactFloat64(),
			trade.BuyAccountID, trade.SellAccountID)
		metrics.RecordTrade(trade.Symbol, trade.Quantity.InexactFloat64())

		if resting.IsFilled() {
			sb.book.RemoveOrder(resting.ID)
			me.publishBookChange(sb.book.Symbol, resting.Side, "remove", resting.Price, decimal.Zero)
		} else {
			sb.book.RefreshVolume(resting.ID)
		}

		element = next
	}

	return trades, touched
}

func (me *MatchingEngine) processCancel(sb *symbolBook, orderID uuid.UUID) (*models.Order, error) {
	order := sb.book.liveOrder(orderID)
	if order == nil {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}

	if err := sb.book.CancelOrder(order, "cancelled by request"); err != nil {
		return nil, err
	}

	sb.book.RemoveOrder(orderID)
	me.publishBookChange(sb.book.Symbol, order.Side, "remove", order.Price, decimal.Zero)

	logging.LogOrderCancelled(order.ID.String(), order.AccountID, order.Symbol, order.Reason)
	metrics.RecordOrderCancelled(order.Symbol)
	me.persistAndEmitOrder(order)
	me.updateBookMetrics(sb.book)
	snapshot := *order
	return &snapshot, nil
}

func (me *MatchingEngine) processAmend(sb *symbolBook, orderID uuid.UUID, newPrice, newQty *decimal.Decimal) (*models.Order, error) {
	order := sb.book.liveOrder(orderID)
	if order == nil {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if order.Status != models.OrderStatusPending && order.Status != models.OrderStatusPartiallyFilled {
		return nil, fmt.Errorf("%w: cannot amend order in status %s", models.ErrInvalidTransition, order.Status)
	}

	if newQty != nil {
		if newQty.LessThan(order.FilledQuantity) || newQty.LessThanOrEqual(decimal.Zero) {
			return nil, fmt.Errorf("%w: new quantity below filled quantity", models.ErrInvalidOrder)
		}
	}
	if newPrice != nil {
		if newPrice.LessThanOrEqual(decimal.Zero) {
			return nil, fmt.Errorf("%w: price must be positive", models.ErrInvalidOrder)
		}
	}

	// Re-home via remove-then-add: a price amendment joins the back of the
	// new level's queue, giving up its original time priority.
	sb.book.AmendOrder(order, newPrice, newQty)

	me.persistAndEmitOrder(order)
	me.updateBookMetrics(sb.book)
	snapshot := *order
	return &snapshot, nil
}

func (me *MatchingEngine) processExpire(sb *symbolBook, cutoff time.Time) {
	for _, orderID := range sb.book.StaleOrders(cutoff) {
		order := sb.book.liveOrder(orderID)
		if order == nil {
			continue
		}
		if err := sb.book.ExpireOrder(order, "order expired"); err != nil {
			continue
		}
		sb.book.RemoveOrder(orderID)
		me.publishBookChange(sb.book.Symbol, order.Side, "remove", order.Price, decimal.Zero)
		logging.LogOrderExpired(order.ID.String(), order.AccountID, order.Symbol, time.Since(order.CreatedAt))
		metrics.RecordOrderExpired(order.Symbol)
		me.persistAndEmitOrder(order)
	}
	me.updateBookMetrics(sb.book)
}

// persistAndEmitOrder saves an order's state change and, only if the save
// succeeded, publishes the update downstream.
func (me *MatchingEngine) persistAndEmitOrder(order *models.Order) {
	if err := me.store.SaveOrder(me.ctx, order); err != nil {
		logging.LogDBError("save_order", "orders", err, map[string]interface{}{
			"order_id": order.ID,
			"symbol":   order.Symbol,
		})
		return
	}

	me.bus.Publish(Event{
		Type:      EventTypeOrderUpdate,
		Timestamp: time.Now(),
		Data:      OrderUpdateEvent{Order: *order},
	})
	if err := me.publisher.PublishOrderUpdate(me.ctx, order); err != nil {
		logging.LogPublishError("order-updates", order.ID.String(), err)
	}
}

func (me *MatchingEngine) emitTrade(trade *models.Trade) {
	me.bus.Publish(Event{
		Type:      EventTypeTradeExecuted,
		Timestamp: time.Now(),
		Data:      TradeExecutedEvent{Trade: *trade},
	})
	if err := me.publisher.PublishTrade(me.ctx, trade); err != nil {
		logging.LogPublishError("trades", trade.TradeID.String(), err)
	}
}

func (me *MatchingEngine) publishBookChange(symbol string, side models.OrderSide, action string, price, size decimal.Decimal) {
	me.bus.Publish(Event{
		Type:      EventTypeBookChange,
		Timestamp: time.Now(),
		Data: BookChangeEvent{
			Symbol:    symbol,
			Side:      side,
			Action:    action,
			Price:     price,
			Size:      size,
			Timestamp: time.Now(),
		},
	})
}

func (me *MatchingEngine) updateBookMetrics(book *OrderBook) {
	metrics.UpdateOrderbookDepth(book.Symbol, "buy", float64(book.BidOrderCount()))
	metrics.UpdateOrderbookDepth(book.Symbol, "sell", float64(book.AskOrderCount()))

	bestBid := book.BestBidPrice()
	bestAsk := book.BestAskPrice()

	bidPrice, askPrice := 0.0, 0.0
	if bestBid != nil {
		bidPrice = bestBid.InexactFloat64()
	}
	if bestAsk != nil {
		askPrice = bestAsk.InexactFloat64()
	}
	metrics.UpdateBestPrices(book.Symbol, bidPrice, askPrice)
}

// Stats reports engine-wide counters for diagnostics
func (me *MatchingEngine) Stats() map[string]interface{} {
	me.mu.RLock()
	defer me.mu.RUnlock()

	backlog := 0
	orders := 0
	for _, sb := range me.books {
		backlog += len(sb.commands)
		orders += sb.book.Size()
	}
	return map[string]interface{}{
		"is_running":      me.running,
		"symbols":         len(me.books),
		"resting_orders":  orders,
		"command_backlog": backlog,
		"queue_capacity":  me.cfg.QueueSize,
	}
}

func opposite(side models.OrderSide) models.OrderSide {
	if side == models.OrderSideBuy {
		return models.OrderSideSell
	}
	return models.OrderSideBuy
}
