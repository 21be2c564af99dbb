package engine

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/corebook/trading-engine/models"
)

type EventType string

const (
	EventTypeTradeExecuted EventType = "TradeExecuted"
	EventTypeOrderUpdate   EventType = "OrderUpdate"
	EventTypeOrderRejected EventType = "OrderRejected"
	EventTypeBookChange    EventType = "BookChange"
)

type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      interface{}
}

// OrderUpdateEvent carries an order's state after a submission, cancel,
// amend or expiry has been applied.
type OrderUpdateEvent struct {
	Order models.Order
}

// OrderRejectedEvent carries a rejected order together with the reason.
type OrderRejectedEvent struct {
	Order  models.Order
	Reason string
}

// TradeExecutedEvent carries one trade produced by the crossing algorithm.
type TradeExecutedEvent struct {
	Trade models.Trade
}

// BookChangeEvent describes one visible change to a price level.
type BookChangeEvent struct {
	Symbol    string
	Side      models.OrderSide
	Action    string // "add" or "remove"
	Price     decimal.Decimal
	Size      decimal.Decimal
	Timestamp time.Time
}

type EventListener func(event Event)

// EventBus fans engine events out to in-process listeners (websocket hub,
// metrics). Listeners run on their own goroutines and must not touch book
// state.
type EventBus struct {
	listeners map[EventType][]EventListener
	mu        sync.RWMutex
}

func NewEventBus() *EventBus {
	return &EventBus{
		listeners: make(map[EventType][]EventListener),
	}
}

func (eb *EventBus) Subscribe(eventType EventType, listener EventListener) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.listeners[eventType] = append(eb.listeners[eventType], listener)
}

func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	listeners := eb.listeners[event.Type]
	eb.mu.RUnlock()

	for _, listener := range listeners {
		go listener(event)
	}
}

// Unsubscribe removes all listeners for an event type
func (eb *EventBus) Unsubscribe(eventType EventType) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	delete(eb.listeners, eventType)
}

// ListenerCount returns the number of listeners for an event type
func (eb *EventBus) ListenerCount(eventType EventType) int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.listeners[eventType])
}
