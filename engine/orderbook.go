package engine

import (
	"container/list"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/corebook/trading-engine/models"
)

// PriceLevel holds the resting orders at one exact price, in FIFO arrival
// order, together with the aggregate remaining volume at that price.
type PriceLevel struct {
	Price  decimal.Decimal
	Orders *list.List
	Volume decimal.Decimal
}

// NewPriceLevel creates a new price level
func NewPriceLevel(price decimal.Decimal) *PriceLevel {
	return &PriceLevel{
		Price:  price,
		Orders: list.New(),
		Volume: decimal.Zero,
	}
}

func (pl *PriceLevel) AddOrder(order *models.Order) *list.Element {
	element := pl.Orders.PushBack(order)
	pl.Volume = pl.Volume.Add(order.RemainingQuantity())
	return element
}

func (pl *PriceLevel) RemoveOrder(element *list.Element) {
	if element == nil {
		return
	}
	order := element.Value.(*models.Order)
	pl.Volume = pl.Volume.Sub(order.RemainingQuantity())
	pl.Orders.Remove(element)
}

// RecalculateVolume recomputes the aggregate volume after resting orders
// have been filled in place.
func (pl *PriceLevel) RecalculateVolume() {
	pl.Volume = decimal.Zero
	for e := pl.Orders.Front(); e != nil; e = e.Next() {
		order := e.Value.(*models.Order)
		pl.Volume = pl.Volume.Add(order.RemainingQuantity())
	}
}

func (pl *PriceLevel) IsEmpty() bool {
	return pl.Orders.Len() == 0
}

func (pl *PriceLevel) Less(than btree.Item) bool {
	other := than.(*PriceLevel)
	return pl.Price.LessThan(other.Price)
}

// LevelSnapshot is a detached copy of one price level's aggregates, safe to
// hand out to readers.
type LevelSnapshot struct {
	Price      decimal.Decimal `json:"price"`
	Volume     decimal.Decimal `json:"volume"`
	OrderCount int             `json:"order_count"`
}

// BookSide is one side of the book: a btree of price levels keyed by price.
type BookSide struct {
	tree *btree.BTree
}

func NewBookSide() *BookSide {
	return &BookSide{
		tree: btree.New(32),
	}
}

func (bs *BookSide) GetOrCreatePriceLevel(price decimal.Decimal) *PriceLevel {
	searchLevel := &PriceLevel{Price: price}

	if item := bs.tree.Get(searchLevel); item != nil {
		return item.(*PriceLevel)
	}

	newLevel := NewPriceLevel(price)
	bs.tree.ReplaceOrInsert(newLevel)
	return newLevel
}

func (bs *BookSide) GetPriceLevel(price decimal.Decimal) *PriceLevel {
	searchLevel := &PriceLevel{Price: price}
	if item := bs.tree.Get(searchLevel); item != nil {
		return item.(*PriceLevel)
	}
	return nil
}

// RemovePriceLevel removes a price level from the tree
func (bs *BookSide) RemovePriceLevel(price decimal.Decimal) {
	searchLevel := &PriceLevel{Price: price}
	bs.tree.Delete(searchLevel)
}

// BestLevel returns the best price level (highest for bids, lowest for asks)
func (bs *BookSide) BestLevel(isBid bool) *PriceLevel {
	var item btree.Item
	if isBid {
		item = bs.tree.Max()
	} else {
		item = bs.tree.Min()
	}

	if item != nil {
		return item.(*PriceLevel)
	}
	return nil
}

// Ascend iterates through price levels in ascending price order
func (bs *BookSide) Ascend(iterator btree.ItemIterator) {
	bs.tree.Ascend(iterator)
}

// Descend iterates through price levels in descending price order
func (bs *BookSide) Descend(iterator btree.ItemIterator) {
	bs.tree.Descend(iterator)
}

// Len returns the number of price levels
func (bs *BookSide) Len() int {
	return bs.tree.Len()
}

// orderLocation tracks where a resting order lives in the book. Orders
// tracked in the index only (market orders mid-match) have a nil level.
type orderLocation struct {
	level   *PriceLevel
	element *list.Element
	order   *models.Order
}

// OrderBook is the per-symbol book: bid and ask price-level trees plus an
// orderID index for O(1) lookup and cancel. All mutating calls happen on the
// symbol's matching worker; the mutex exists so concurrent readers observe a
// consistent snapshot, never a torn one.
type OrderBook struct {
	Symbol string
	bids   *BookSide
	asks   *BookSide
	orders map[uuid.UUID]*orderLocation
	mu     sync.RWMutex
}

// NewOrderBook creates a new order book for a symbol
func NewOrderBook(symbol string) *OrderBook {
	return &OrderBook{
		Symbol: symbol,
		bids:   NewBookSide(),
		asks:   NewBookSide(),
		orders: make(map[uuid.UUID]*orderLocation),
	}
}

func (ob *OrderBook) sideFor(side models.OrderSide) *BookSide {
	if side == models.OrderSideBuy {
		return ob.bids
	}
	return ob.asks
}

// AddOrder indexes the order and inserts it at the tail of its price level's
// FIFO queue, preserving time priority for new arrivals at an existing level.
func (ob *OrderBook) AddOrder(order *models.Order) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	level := ob.sideFor(order.Side).GetOrCreatePriceLevel(order.Price)
	element := level.AddOrder(order)

	ob.orders[order.ID] = &orderLocation{
		level:   level,
		element: element,
		order:   order,
	}
}

// Track registers an order in the index without resting it at a price level.
// Market orders are tracked this way while they cross the book: they are
// visible to lookups and cancels but cannot rest (they have no price).
func (ob *OrderBook) Track(order *models.Order) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	ob.orders[order.ID] = &orderLocation{order: order}
}

// RemoveOrder removes an order from the index and its price level. An empty
// price level is removed from its tree, so empty levels never appear in
// level enumeration. Returns the removed order, or nil if unknown.
func (ob *OrderBook) RemoveOrder(orderID uuid.UUID) *models.Order {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return ob.removeLocked(orderID)
}

func (ob *OrderBook) removeLocked(orderID uuid.UUID) *models.Order {
	location, exists := ob.orders[orderID]
	if !exists {
		return nil
	}

	order := location.order
	if location.level != nil {
		location.level.RemoveOrder(location.element)
		if location.level.IsEmpty() {
			ob.sideFor(order.Side).RemovePriceLevel(location.level.Price)
		}
	}
	delete(ob.orders, orderID)

	return order
}

func (ob *OrderBook) rehomeLocked(order *models.Order) {
	ob.removeLocked(order.ID)

	level := ob.sideFor(order.Side).GetOrCreatePriceLevel(order.Price)
	element := level.AddOrder(order)
	ob.orders[order.ID] = &orderLocation{
		level:   level,
		element: element,
		order:   order,
	}
}

// RefreshVolume recomputes a resting order's level volume after an in-place
// fill. The order keeps its position in the FIFO queue.
func (ob *OrderBook) RefreshVolume(orderID uuid.UUID) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	location, exists := ob.orders[orderID]
	if !exists || location.level == nil {
		return
	}
	location.level.RecalculateVolume()
}

// GetOrder returns a snapshot copy of an order (O(1) lookup). The copy is
// taken under the read lock, so it is internally consistent even while the
// symbol worker is filling the live order.
func (ob *OrderBook) GetOrder(orderID uuid.UUID) *models.Order {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	location, exists := ob.orders[orderID]
	if !exists {
		return nil
	}
	snapshot := *location.order
	return &snapshot
}

// liveOrder returns the indexed order itself, not a copy. Only the symbol
// worker may call it; mutations go through the transition methods below so
// snapshot readers are excluded while fields change.
func (ob *OrderBook) liveOrder(orderID uuid.UUID) *models.Order {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	location, exists := ob.orders[orderID]
	if !exists {
		return nil
	}
	return location.order
}

// FillOrder applies a fill under the write lock. The lock is not for
// writer-writer exclusion (the symbol worker is the only writer); it keeps
// concurrent snapshot readers from observing a half-written order.
func (ob *OrderBook) FillOrder(order *models.Order, quantity decimal.Decimal) error {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return order.Fill(quantity)
}

// CancelOrder applies a cancel transition under the write lock
func (ob *OrderBook) CancelOrder(order *models.Order, reason string) error {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return order.Cancel(reason)
}

// ExpireOrder applies an expiry transition under the write lock
func (ob *OrderBook) ExpireOrder(order *models.Order, reason string) error {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return order.Expire(reason)
}

// RejectOrder applies a reject transition under the write lock
func (ob *OrderBook) RejectOrder(order *models.Order, reason string) error {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return order.Reject(reason)
}

// SetReason records a reason on an order without a status change, under the
// write lock for the same snapshot-consistency guarantee as the transitions.
func (ob *OrderBook) SetReason(order *models.Order, reason string) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	order.Reason = reason
}

// AmendOrder applies a price/quantity amendment and re-homes the order in
// one write lock hold, so readers never see the half-amended state.
// Re-homing is remove-then-add: a price amendment joins the back of the new
// level's queue. Returns false if the order is not in the book.
func (ob *OrderBook) AmendOrder(order *models.Order, newPrice, newQty *decimal.Decimal) bool {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	if _, exists := ob.orders[order.ID]; !exists {
		return false
	}

	if newQty != nil {
		order.Quantity = *newQty
	}
	if newPrice != nil {
		order.Price = *newPrice
	}
	order.UpdatedAt = time.Now()

	ob.rehomeLocked(order)
	return true
}

// BestBid returns the highest bid price level
func (ob *OrderBook) BestBid() *PriceLevel {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.bids.BestLevel(true)
}

// BestAsk returns the lowest ask price level
func (ob *OrderBook) BestAsk() *PriceLevel {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.asks.BestLevel(false)
}

// BestBidPrice returns the highest bid price, or nil if there are no bids
func (ob *OrderBook) BestBidPrice() *decimal.Decimal {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	best := ob.bids.BestLevel(true)
	if best == nil {
		return nil
	}
	price := best.Price
	return &price
}

// BestAskPrice returns the lowest ask price, or nil if there are no asks
func (ob *OrderBook) BestAskPrice() *decimal.Decimal {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	best := ob.asks.BestLevel(false)
	if best == nil {
		return nil
	}
	price := best.Price
	return &price
}

// Spread returns bestAsk - bestBid, or nil if either side is empty
func (ob *OrderBook) Spread() *decimal.Decimal {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	bestBid := ob.bids.BestLevel(true)
	bestAsk := ob.asks.BestLevel(false)
	if bestBid == nil || bestAsk == nil {
		return nil
	}
	spread := bestAsk.Price.Sub(bestBid.Price)
	return &spread
}

// TopLevels returns up to n price levels per side as detached snapshots,
// best first: bids by descending price, asks by ascending price.
func (ob *OrderBook) TopLevels(n int) (bids, asks []LevelSnapshot) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	bids = make([]LevelSnapshot, 0, n)
	asks = make([]LevelSnapshot, 0, n)

	ob.bids.Descend(func(item btree.Item) bool {
		if len(bids) >= n {
			return false
		}
		level := item.(*PriceLevel)
		bids = append(bids, LevelSnapshot{
			Price:      level.Price,
			Volume:     level.Volume,
			OrderCount: level.Orders.Len(),
		})
		return true
	})

	ob.asks.Ascend(func(item btree.Item) bool {
		if len(asks) >= n {
			return false
		}
		level := item.(*PriceLevel)
		asks = append(asks, LevelSnapshot{
			Price:      level.Price,
			Volume:     level.Volume,
			OrderCount: level.Orders.Len(),
		})
		return true
	})

	return bids, asks
}

// OrdersAtPrice returns copies of the resting orders at an exact price, in
// time priority.
func (ob *OrderBook) OrdersAtPrice(side models.OrderSide, price decimal.Decimal) []models.Order {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	level := ob.sideFor(side).GetPriceLevel(price)
	if level == nil {
		return nil
	}

	orders := make([]models.Order, 0, level.Orders.Len())
	for e := level.Orders.Front(); e != nil; e = e.Next() {
		orders = append(orders, *e.Value.(*models.Order))
	}
	return orders
}

// StaleOrders returns the ids of pending zero-fill orders created before the
// cutoff, used by the expiry sweep.
func (ob *OrderBook) StaleOrders(cutoff time.Time) []uuid.UUID {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	var stale []uuid.UUID
	for id, location := range ob.orders {
		order := location.order
		if order.Status == models.OrderStatusPending && order.FilledQuantity.IsZero() && order.CreatedAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	return stale
}

// Size returns the total number of orders tracked by the book
func (ob *OrderBook) Size() int {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return len(ob.orders)
}

// BidLevels returns the number of bid price levels
func (ob *OrderBook) BidLevels() int {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.bids.Len()
}

// AskLevels returns the number of ask price levels
func (ob *OrderBook) AskLevels() int {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.asks.Len()
}

// BidOrderCount returns the number of resting buy orders
func (ob *OrderBook) BidOrderCount() int {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	count := 0
	ob.bids.Descend(func(i btree.Item) bool {
		count += i.(*PriceLevel).Orders.Len()
		return true
	})
	return count
}

// AskOrderCount returns the number of resting sell orders
func (ob *OrderBook) AskOrderCount() int {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	count := 0
	ob.asks.Ascend(func(i btree.Item) bool {
		count += i.(*PriceLevel).Orders.Len()
		return true
	})
	return count
}

// Depth returns the total resting volume on each side
func (ob *OrderBook) Depth() (bidVolume, askVolume decimal.Decimal) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	bidVolume = decimal.Zero
	askVolume = decimal.Zero

	ob.bids.Ascend(func(item btree.Item) bool {
		bidVolume = bidVolume.Add(item.(*PriceLevel).Volume)
		return true
	})
	ob.asks.Ascend(func(item btree.Item) bool {
		askVolume = askVolume.Add(item.(*PriceLevel).Volume)
		return true
	})

	return bidVolume, askVolume
}
