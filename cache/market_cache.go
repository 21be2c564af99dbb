package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/corebook/trading-engine/engine"
	"github.com/corebook/trading-engine/models"
)

const (
	// DepthInvalidationChannel carries invalidation notices when a book's
	// cached depth goes stale.
	DepthInvalidationChannel = "orderbook:invalidation"

	defaultTradeListLen = 100
)

// DepthSnapshot is the cached view of a symbol's book served to read-heavy
// market-data queries. Stale snapshots are acceptable; torn ones are not,
// which is why it is built from the book's own consistent read methods.
type DepthSnapshot struct {
	Symbol     string                 `json:"symbol"`
	BestBid    *string                `json:"best_bid,omitempty"`
	BestAsk    *string                `json:"best_ask,omitempty"`
	Spread     *string                `json:"spread,omitempty"`
	Bids       []engine.LevelSnapshot `json:"bids"`
	Asks       []engine.LevelSnapshot `json:"asks"`
	BidOrders  int                    `json:"bid_orders"`
	AskOrders  int                    `json:"ask_orders"`
	CapturedAt time.Time              `json:"captured_at"`
}

// InvalidationMessage is published when cached market data is dropped
type InvalidationMessage struct {
	Type      string    `json:"type"`
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
}

// MarketCache caches book depth snapshots and recent trades in Redis,
// publishing invalidation notices when the underlying book changes.
type MarketCache struct {
	redis     *RedisCache
	keyPrefix string
	depthTTL  time.Duration

	// Level variants seen in PutDepth, per symbol, so invalidation knows
	// which depth keys exist without scanning Redis.
	mu            sync.Mutex
	depthVariants map[string]map[int]struct{}
}

func NewMarketCache(redisCache *RedisCache, depthTTL time.Duration) *MarketCache {
	if depthTTL <= 0 {
		depthTTL = 2 * time.Second
	}
	return &MarketCache{
		redis:         redisCache,
		keyPrefix:     "trading",
		depthTTL:      depthTTL,
		depthVariants: make(map[string]map[int]struct{}),
	}
}

func (mc *MarketCache) depthKey(symbol string, levels int) string {
	return fmt.Sprintf("%s:depth:%s:%d", mc.keyPrefix, symbol, levels)
}

func (mc *MarketCache) tradesKey(symbol string) string {
	return fmt.Sprintf("%s:trades:%s", mc.keyPrefix, symbol)
}

// SnapshotDepth captures a consistent depth view from the book
func SnapshotDepth(book *engine.OrderBook, levels int) *DepthSnapshot {
	bids, asks := book.TopLevels(levels)

	snapshot := &DepthSnapshot{
		Symbol:     book.Symbol,
		Bids:       bids,
		Asks:       asks,
		BidOrders:  book.BidOrderCount(),
		AskOrders:  book.AskOrderCount(),
		CapturedAt: time.Now(),
	}
	if p := book.BestBidPrice(); p != nil {
		s := p.String()
		snapshot.BestBid = &s
	}
	if p := book.BestAskPrice(); p != nil {
		s := p.String()
		snapshot.BestAsk = &s
	}
	if sp := book.Spread(); sp != nil {
		s := sp.String()
		snapshot.Spread = &s
	}
	return snapshot
}

// GetDepth returns the cached depth snapshot, or ErrCacheMiss
func (mc *MarketCache) GetDepth(ctx context.Context, symbol string, levels int) (*DepthSnapshot, error) {
	var snapshot DepthSnapshot
	if err := mc.redis.GetJSON(ctx, mc.depthKey(symbol, levels), &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// PutDepth caches a depth snapshot with the configured TTL
func (mc *MarketCache) PutDepth(ctx context.Context, snapshot *DepthSnapshot, levels int) error {
	mc.mu.Lock()
	if mc.depthVariants[snapshot.Symbol] == nil {
		mc.depthVariants[snapshot.Symbol] = make(map[int]struct{})
	}
	mc.depthVariants[snapshot.Symbol][levels] = struct{}{}
	mc.mu.Unlock()

	return mc.redis.SetJSON(ctx, mc.depthKey(snapshot.Symbol, levels), snapshot, mc.depthTTL)
}

// InvalidateDepth drops cached depth for a symbol and notifies subscribers.
// Called from the market feed's book-change listener; cache consumers
// re-read on the next query. With no explicit variants, every variant seen
// in PutDepth is dropped.
func (mc *MarketCache) InvalidateDepth(ctx context.Context, symbol string, levelVariants ...int) error {
	if len(levelVariants) == 0 {
		mc.mu.Lock()
		for levels := range mc.depthVariants[symbol] {
			levelVariants = append(levelVariants, levels)
		}
		mc.mu.Unlock()
	}

	keys := make([]string, 0, len(levelVariants))
	for _, levels := range levelVariants {
		keys = append(keys, mc.depthKey(symbol, levels))
	}
	if len(keys) > 0 {
		if err := mc.redis.Delete(ctx, keys...); err != nil {
			return err
		}
	}

	return mc.redis.Publish(ctx, DepthInvalidationChannel, InvalidationMessage{
		Type:      "depth",
		Symbol:    symbol,
		Timestamp: time.Now(),
	})
}

// PushTrade prepends a trade to the symbol's recent-trades list, trimming it
// to the retention length.
func (mc *MarketCache) PushTrade(ctx context.Context, trade *models.Trade) error {
	key := mc.tradesKey(trade.Symbol)
	client := mc.redis.GetClient()

	data, err := json.Marshal(trade)
	if err != nil {
		return fmt.Errorf("failed to marshal trade %s: %w", trade.TradeID, err)
	}

	pipe := client.Pipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, defaultTradeListLen-1)
	_, err = pipe.Exec(ctx)
	return err
}

// RecentTrades returns up to limit cached trades for a symbol, newest first
func (mc *MarketCache) RecentTrades(ctx context.Context, symbol string, limit int) ([]*models.Trade, error) {
	if limit <= 0 || limit > defaultTradeListLen {
		limit = defaultTradeListLen
	}

	entries, err := mc.redis.GetClient().LRange(ctx, mc.tradesKey(symbol), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read recent trades for %s: %w", symbol, err)
	}

	trades := make([]*models.Trade, 0, len(entries))
	for _, entry := range entries {
		var trade models.Trade
		if err := json.Unmarshal([]byte(entry), &trade); err != nil {
			continue // Skip corrupt entries rather than failing the query
		}
		trades = append(trades, &trade)
	}
	return trades, nil
}
