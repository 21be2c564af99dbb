package logging

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var log *logrus.Logger

// ErrorRateLimiter suppresses repeated identical errors so a flapping
// dependency cannot flood the log.
type ErrorRateLimiter struct {
	mu            sync.Mutex
	errorCounts   map[string]*errorEntry
	cleanupTicker *time.Ticker
}

type errorEntry struct {
	count      int
	firstSeen  time.Time
	lastLogged time.Time
	suppressed int
}

var (
	rateLimiter     *ErrorRateLimiter
	rateLimitWindow = 1 * time.Minute
	maxErrorsPerMin = 5
)

func NewErrorRateLimiter() *ErrorRateLimiter {
	limiter := &ErrorRateLimiter{
		errorCounts:   make(map[string]*errorEntry),
		cleanupTicker: time.NewTicker(5 * time.Minute),
	}

	go func() {
		for range limiter.cleanupTicker.C {
			limiter.cleanup()
		}
	}()

	return limiter
}

func (rl *ErrorRateLimiter) ShouldLog(errorKey string) (shouldLog bool, suppressedCount int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	entry, exists := rl.errorCounts[errorKey]

	if !exists {
		rl.errorCounts[errorKey] = &errorEntry{
			count:      1,
			firstSeen:  now,
			lastLogged: now,
		}
		return true, 0
	}

	if now.Sub(entry.firstSeen) > rateLimitWindow {
		suppressedCount = entry.suppressed
		rl.errorCounts[errorKey] = &errorEntry{
			count:      1,
			firstSeen:  now,
			lastLogged: now,
		}
		return true, suppressedCount
	}

	entry.count++

	if entry.count <= maxErrorsPerMin {
		entry.lastLogged = now
		return true, 0
	}

	entry.suppressed++
	return false, 0
}

func (rl *ErrorRateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for key, entry := range rl.errorCounts {
		if now.Sub(entry.lastLogged) > 10*time.Minute {
			delete(rl.errorCounts, key)
		}
	}
}

// InitLogger initializes the structured logger with JSON format
func InitLogger() *logrus.Logger {
	log = logrus.New()

	log.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "ts",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})

	log.SetOutput(os.Stdout)

	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		log.SetLevel(logrus.DebugLevel)
	case "info":
		log.SetLevel(logrus.InfoLevel)
	case "warn":
		log.SetLevel(logrus.WarnLevel)
	case "error":
		log.SetLevel(logrus.ErrorLevel)
	default:
		log.SetLevel(logrus.InfoLevel)
	}

	rateLimiter = NewErrorRateLimiter()

	log.WithFields(logrus.Fields{
		"event": "logger_initialized",
		"level": log.Level.String(),
	}).Info("Structured logging initialized")

	return log
}

// NewCorrelationID generates a new correlation ID for request tracing
func NewCorrelationID() string {
	return uuid.New().String()
}

// WithCorrelationID returns logger fields with correlation ID
func WithCorrelationID(correlationID string) logrus.Fields {
	return logrus.Fields{
		"correlation_id": correlationID,
	}
}

// GetLogger returns the global logger instance
func GetLogger() *logrus.Logger {
	if log == nil {
		return InitLogger()
	}
	return log
}

// Event types as constants
const (
	EventOrderReceived         = "order_received"
	EventOrderMatched          = "order_matched"
	EventOrderCancelled        = "order_cancelled"
	EventOrderRejected         = "order_rejected"
	EventOrderExpired          = "order_expired"
	EventTradeExecuted         = "trade_executed"
	EventDBError               = "db_error"
	EventDBSuccess             = "db_success"
	EventPublishError          = "publish_error"
	EventServerStarted         = "server_started"
	EventServerStopped         = "server_stopped"
	EventWebSocketConnected    = "websocket_connected"
	EventWebSocketDisconnected = "websocket_disconnected"
)

// LogOrderReceived logs when an order is received
func LogOrderReceived(orderID, accountID, symbol, side, orderType string, price, quantity float64) {
	GetLogger().WithFields(logrus.Fields{
		"event":      EventOrderReceived,
		"order_id":   orderID,
		"account_id": accountID,
		"symbol":     symbol,
		"side":       side,
		"type":       orderType,
		"price":      price,
		"quantity":   quantity,
	}).Info("Order received")
}

// LogOrderMatched logs when an order is matched/filled
func LogOrderMatched(orderID, accountID, symbol, side string, filledQty, remainingQty float64, status string) {
	GetLogger().WithFields(logrus.Fields{
		"event":         EventOrderMatched,
		"order_id":      orderID,
		"account_id":    accountID,
		"symbol":        symbol,
		"side":          side,
		"filled_qty":    filledQty,
		"remaining_qty": remainingQty,
		"status":        status,
	}).Info("Order matched")
}

// LogTradeExecuted logs when a trade is executed
func LogTradeExecuted(tradeID, buyOrderID, sellOrderID, symbol string, price, quantity float64, buyAccount, sellAccount string) {
	GetLogger().WithFields(logrus.Fields{
		"event":         EventTradeExecuted,
		"trade_id":      tradeID,
		"buy_order_id":  buyOrderID,
		"sell_order_id": sellOrderID,
		"symbol":        symbol,
		"price":         price,
		"quantity":      quantity,
		"buy_account":   buyAccount,
		"sell_account":  sellAccount,
	}).Info("Trade executed")
}

// LogOrderCancelled logs when an order is cancelled
func LogOrderCancelled(orderID, accountID, symbol, reason string) {
	GetLogger().WithFields(logrus.Fields{
		"event":      EventOrderCancelled,
		"order_id":   orderID,
		"account_id": accountID,
		"symbol":     symbol,
		"reason":     reason,
	}).Info("Order cancelled")
}

// LogOrderExpired logs when a stale order is expired by the sweeper
func LogOrderExpired(orderID, accountID, symbol string, age time.Duration) {
	GetLogger().WithFields(logrus.Fields{
		"event":      EventOrderExpired,
		"order_id":   orderID,
		"account_id": accountID,
		"symbol":     symbol,
		"age_sec":    age.Seconds(),
	}).Info("Order expired")
}

// LogOrderRejected logs when an order is rejected
func LogOrderRejected(orderID, accountID, symbol, reason string, details interface{}) {
	GetLogger().WithFields(logrus.Fields{
		"event":      EventOrderRejected,
		"order_id":   orderID,
		"account_id": accountID,
		"symbol":     symbol,
		"reason":     reason,
		"details":    details,
	}).Warn("Order rejected")
}

// LogDBError logs database errors with rate limiting
func LogDBError(operation, table string, err error, details interface{}) {
	errorKey := fmt.Sprintf("%s:%s:%s", operation, table, err.Error())

	shouldLog, suppressedCount := limiterShouldLog(errorKey)
	if !shouldLog {
		return
	}

	fields := logrus.Fields{
		"event":     EventDBError,
		"operation": operation,
		"table":     table,
		"error":     err.Error(),
		"details":   details,
	}
	if suppressedCount > 0 {
		fields["suppressed_count"] = suppressedCount
	}

	GetLogger().WithFields(fields).Error("Database error")
}

// LogDBSuccess logs successful database operations
func LogDBSuccess(operation, table string, recordCount int, details interface{}) {
	GetLogger().WithFields(logrus.Fields{
		"event":        EventDBSuccess,
		"operation":    operation,
		"table":        table,
		"record_count": recordCount,
		"details":      details,
	}).Debug("Database operation successful")
}

// LogPublishError logs outbound event publication errors with rate limiting
func LogPublishError(topic, key string, err error) {
	errorKey := fmt.Sprintf("publish:%s:%s", topic, err.Error())

	shouldLog, suppressedCount := limiterShouldLog(errorKey)
	if !shouldLog {
		return
	}

	fields := logrus.Fields{
		"event": EventPublishError,
		"topic": topic,
		"key":   key,
		"error": err.Error(),
	}
	if suppressedCount > 0 {
		fields["suppressed_count"] = suppressedCount
	}

	GetLogger().WithFields(fields).Error("Event publish failed")
}

// LogServerStarted logs server startup
func LogServerStarted(port int, features interface{}) {
	GetLogger().WithFields(logrus.Fields{
		"event":    EventServerStarted,
		"port":     port,
		"features": features,
	}).Info("Trading engine server started")
}

// LogWebSocketEvent logs WebSocket connection events
func LogWebSocketEvent(event, clientID string, topics []string) {
	GetLogger().WithFields(logrus.Fields{
		"event":     event,
		"client_id": clientID,
		"topics":    topics,
	}).Info("WebSocket event")
}

// LogWithFields provides a flexible logging method
func LogWithFields(level logrus.Level, message string, fields logrus.Fields) {
	GetLogger().WithFields(fields).Log(level, message)
}

func limiterShouldLog(errorKey string) (bool, int) {
	if rateLimiter == nil {
		GetLogger() // InitLogger sets the limiter
	}
	if rateLimiter == nil {
		return true, 0
	}
	return rateLimiter.ShouldLog(errorKey)
}
