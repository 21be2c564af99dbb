package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	gorilla_ws "github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/corebook/trading-engine/cache"
	"github.com/corebook/trading-engine/engine"
	"github.com/corebook/trading-engine/logging"
	"github.com/corebook/trading-engine/models"
	"github.com/corebook/trading-engine/persistence"
	"github.com/corebook/trading-engine/ratelimit"
	"github.com/corebook/trading-engine/validation"
	"github.com/corebook/trading-engine/websocket"
)

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const depthLevelsDefault = 10

// Router holds the HTTP router and all handlers
type Router struct {
	router         *mux.Router
	matchingEngine *engine.MatchingEngine
	postgresStore  *persistence.PostgresStore
	marketCache    *cache.MarketCache
	wsHub          *websocket.Hub
	wsUpgrader     gorilla_ws.Upgrader
	rateLimiter    *ratelimit.TokenBucketLimiter
}

// NewRouter creates a new router with all API routes
func NewRouter(me *engine.MatchingEngine, store *persistence.PostgresStore, marketCache *cache.MarketCache, redisClient *redis.Client) *Router {
	hub := websocket.NewHub()
	hub.AttachEngine(me.EventBus())
	go hub.Run()

	// Keep the market data cache in step with the engine: without this
	// feed the cached trade list would never fill and depth would only
	// age out by TTL.
	if marketCache != nil {
		cache.AttachEngine(me.EventBus(), marketCache)
	}

	r := &Router{
		router:         mux.NewRouter(),
		matchingEngine: me,
		postgresStore:  store,
		marketCache:    marketCache,
		wsHub:          hub,
		wsUpgrader: gorilla_ws.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	r.rateLimiter = ratelimit.NewTokenBucketLimiter(redisClient, ratelimit.Config{
		MaxTokens:            100,
		RefillRate:           10,
		RefillInterval:       1 * time.Second,
		KeyPrefix:            "ratelimit:",
		ConservativeFallback: true,
		WhitelistedKeys: []string{
			"api:monitoring",
			"ip:127.0.0.1",
		},
	})

	r.setupRoutes()
	return r
}

func (r *Router) setupRoutes() {
	r.router.Use(correlationIDMiddleware)
	r.router.Use(validation.NewMiddleware(validation.MaxRequestBodySize).Handler)

	rateLimitMiddleware := ratelimit.NewMiddleware(r.rateLimiter, "/healthz", "/metrics", "/stream")
	r.router.Use(rateLimitMiddleware.Handler)

	r.router.HandleFunc("/orders", HandleSubmitOrder(r.matchingEngine)).Methods("POST")
	r.router.HandleFunc("/orders/{order_id}/cancel", r.CancelOrder).Methods("POST")
	r.router.HandleFunc("/orders/{order_id}", r.AmendOrder).Methods("PUT")
	r.router.HandleFunc("/orders/{order_id}", r.GetOrder).Methods("GET")
	r.router.HandleFunc("/orders/{order_id}/history", r.GetOrderHistory).Methods("GET")

	r.router.HandleFunc("/orderbook", r.GetOrderBook).Methods("GET")
	r.router.HandleFunc("/trades", r.GetTrades).Methods("GET")

	r.router.HandleFunc("/stream", r.HandleWebSocket).Methods("GET")

	r.router.HandleFunc("/healthz", r.HealthCheck).Methods("GET")
	r.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
}

// ServeHTTP implements http.Handler interface
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.router.ServeHTTP(w, req)
}

func (r *Router) CancelOrder(w http.ResponseWriter, req *http.Request) {
	orderID, err := uuid.Parse(mux.Vars(req)["order_id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid order ID format")
		return
	}

	order, err := r.matchingEngine.Cancel(orderID)
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrOrderNotFound):
			respondError(w, http.StatusNotFound, "Order not found")
		case errors.Is(err, models.ErrInvalidTransition):
			respondError(w, http.StatusConflict, err.Error())
		case errors.Is(err, engine.ErrEngineBusy):
			w.Header().Set("Retry-After", "1")
			respondError(w, http.StatusServiceUnavailable, "Engine busy, retry later")
		default:
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"order":   order,
	})
}

// AmendRequest carries the updatable fields of a resting order
type AmendRequest struct {
	Price    *decimal.Decimal `json:"price,omitempty"`
	Quantity *decimal.Decimal `json:"quantity,omitempty"`
}

func (r *Router) AmendOrder(w http.ResponseWriter, req *http.Request) {
	orderID, err := uuid.Parse(mux.Vars(req)["order_id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid order ID format")
		return
	}

	var amend AmendRequest
	if err := json.NewDecoder(req.Body).Decode(&amend); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}
	defer req.Body.Close()

	if amend.Price == nil && amend.Quantity == nil {
		respondError(w, http.StatusBadRequest, "Nothing to amend: provide price and/or quantity")
		return
	}

	order, err := r.matchingEngine.Amend(orderID, amend.Price, amend.Quantity)
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrOrderNotFound):
			respondError(w, http.StatusNotFound, "Order not found")
		case errors.Is(err, models.ErrInvalidTransition), errors.Is(err, models.ErrInvalidOrder):
			respondError(w, http.StatusConflict, err.Error())
		case errors.Is(err, engine.ErrEngineBusy):
			w.Header().Set("Retry-After", "1")
			respondError(w, http.StatusServiceUnavailable, "Engine busy, retry later")
		default:
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"order":   order,
	})
}

func (r *Router) GetOrder(w http.ResponseWriter, req *http.Request) {
	orderID, err := uuid.Parse(mux.Vars(req)["order_id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid order ID format")
		return
	}

	order, err := r.matchingEngine.Order(orderID)
	if err == nil {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Data-Source", "in-memory")
		_ = json.NewEncoder(w).Encode(order)
		return
	}

	// Terminal orders leave the book; the database is their system of
	// record.
	if r.postgresStore != nil {
		ctx, cancel := context.WithTimeout(req.Context(), 3*time.Second)
		defer cancel()

		order, err := r.postgresStore.GetOrder(ctx, orderID)
		if err == nil {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Data-Source", "database")
			_ = json.NewEncoder(w).Encode(order)
			return
		}
	}

	respondError(w, http.StatusNotFound, "Order not found")
}

// GetOrderHistory returns the lifecycle journal of an order, oldest entry
// first.
func (r *Router) GetOrderHistory(w http.ResponseWriter, req *http.Request) {
	orderID, err := uuid.Parse(mux.Vars(req)["order_id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid order ID format")
		return
	}

	if r.postgresStore == nil {
		respondError(w, http.StatusServiceUnavailable, "Order history is unavailable")
		return
	}

	ctx, cancel := context.WithTimeout(req.Context(), 3*time.Second)
	defer cancel()

	entries, err := r.postgresStore.OrderHistory(ctx, orderID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to load order history")
		return
	}
	if len(entries) == 0 {
		respondError(w, http.StatusNotFound, "Order not found")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"order_id": orderID,
		"events":   entries,
	})
}

func (r *Router) GetOrderBook(w http.ResponseWriter, req *http.Request) {
	symbol := req.URL.Query().Get("symbol")
	if symbol == "" {
		respondError(w, http.StatusBadRequest, "symbol query parameter is required")
		return
	}

	levels := depthLevelsDefault
	if raw := req.URL.Query().Get("levels"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 100 {
			respondError(w, http.StatusBadRequest, "levels must be an integer between 1 and 100")
			return
		}
		levels = parsed
	}

	if r.marketCache != nil {
		if snapshot, err := r.marketCache.GetDepth(req.Context(), symbol, levels); err == nil {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Data-Source", "cache")
			_ = json.NewEncoder(w).Encode(snapshot)
			return
		}
	}

	book, err := r.matchingEngine.Book(symbol)
	if err != nil {
		respondError(w, http.StatusNotFound, "Unknown symbol: "+symbol)
		return
	}

	snapshot := cache.SnapshotDepth(book, levels)
	if r.marketCache != nil {
		if err := r.marketCache.PutDepth(req.Context(), snapshot, levels); err != nil {
			logging.LogDBError("cache_put", "orderbook_depth", err, nil)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Data-Source", "in-memory")
	_ = json.NewEncoder(w).Encode(snapshot)
}

func (r *Router) GetTrades(w http.ResponseWriter, req *http.Request) {
	symbol := req.URL.Query().Get("symbol")
	if symbol == "" {
		respondError(w, http.StatusBadRequest, "symbol query parameter is required")
		return
	}

	limit := 50
	if raw := req.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 500 {
			respondError(w, http.StatusBadRequest, "limit must be an integer between 1 and 500")
			return
		}
		limit = parsed
	}

	if r.marketCache != nil {
		trades, err := r.marketCache.RecentTrades(req.Context(), symbol, limit)
		if err == nil && len(trades) > 0 {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Data-Source", "cache")
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"symbol": symbol,
				"trades": trades,
				"count":  len(trades),
			})
			return
		}
	}

	if r.postgresStore == nil {
		respondError(w, http.StatusServiceUnavailable, "Trade history not available")
		return
	}

	ctx, cancel := context.WithTimeout(req.Context(), 3*time.Second)
	defer cancel()

	trades, err := r.postgresStore.RecentTrades(ctx, symbol, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to retrieve trades: "+err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Data-Source", "database")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"symbol": symbol,
		"trades": trades,
		"count":  len(trades),
	})
}

func (r *Router) HandleWebSocket(w http.ResponseWriter, req *http.Request) {
	conn, err := r.wsUpgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}

	client := websocket.NewClient(r.wsHub, conn)
	client.Start()
}

func (r *Router) HealthCheck(w http.ResponseWriter, req *http.Request) {
	status := map[string]interface{}{
		"status":        "ok",
		"engine":        r.matchingEngine.IsRunning(),
		"ws_clients":    r.wsHub.ClientCount(),
		"engine_stats":  r.matchingEngine.Stats(),
		"timestamp_utc": time.Now().UTC(),
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}

// GetWebSocketHub returns the WebSocket hub
func (r *Router) GetWebSocketHub() *websocket.Hub {
	return r.wsHub
}

// correlationIDMiddleware adds a correlation ID to each request for tracing
func correlationIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := r.Header.Get("X-Correlation-ID")
		if correlationID == "" {
			correlationID = logging.NewCorrelationID()
		}

		w.Header().Set("X-Correlation-ID", correlationID)
		ctx := context.WithValue(r.Context(), contextKey("correlation_id"), correlationID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetCorrelationID extracts correlation ID from request context
func GetCorrelationID(r *http.Request) string {
	if correlationID, ok := r.Context().Value(contextKey("correlation_id")).(string); ok {
		return correlationID
	}
	return ""
}
