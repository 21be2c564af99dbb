package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/corebook/trading-engine/engine"
	"github.com/corebook/trading-engine/logging"
)

// Topic represents a WebSocket subscription topic
type Topic string

const (
	TopicBookChanges Topic = "book_changes"
	TopicTrades      Topic = "trades"
	TopicOrders      Topic = "orders"
)

func validTopic(t Topic) bool {
	switch t {
	case TopicBookChanges, TopicTrades, TopicOrders:
		return true
	}
	return false
}

// Hub maintains the set of active clients and fans engine events out to
// their subscribed topics.
type Hub struct {
	clients       map[*Client]bool
	subscriptions map[Topic]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan outbound

	mu sync.RWMutex
}

type outbound struct {
	topic   Topic
	payload []byte
}

func NewHub() *Hub {
	return &Hub{
		clients:       make(map[*Client]bool),
		subscriptions: make(map[Topic]map[*Client]bool),
		register:      make(chan *Client),
		unregister:    make(chan *Client),
		broadcast:     make(chan outbound, 256),
	}
}

// Run starts the hub's main event loop
func (h *Hub) Run() {
	logging.LogWithFields(logrus.InfoLevel, "websocket hub started", logrus.Fields{
		"event": "websocket_hub_started",
	})

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			logging.LogWebSocketEvent("client_registered", client.id, nil)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				for topic := range h.subscriptions {
					delete(h.subscriptions[topic], client)
				}
				delete(h.clients, client)
				close(client.send)
				logging.LogWebSocketEvent("client_unregistered", client.id, nil)
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.RLock()
			for client := range h.subscriptions[msg.topic] {
				select {
				case client.send <- msg.payload:
				default:
					// Slow consumer; drop the message rather than block
					// the fan-out loop.
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) Register(c *Client) {
	h.register <- c
}

func (h *Hub) Unregister(c *Client) {
	h.unregister <- c
}

func (h *Hub) Subscribe(c *Client, topic Topic) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subscriptions[topic] == nil {
		h.subscriptions[topic] = make(map[*Client]bool)
	}
	h.subscriptions[topic][c] = true
}

func (h *Hub) Unsubscribe(c *Client, topic Topic) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subscriptions[topic], c)
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// AttachEngine subscribes the hub to the matching engine's event bus so
// every order update, trade and book change reaches websocket clients.
func (h *Hub) AttachEngine(bus *engine.EventBus) {
	bus.Subscribe(engine.EventTypeTradeExecuted, func(event engine.Event) {
		data, ok := event.Data.(engine.TradeExecutedEvent)
		if !ok {
			return
		}
		t := data.Trade
		h.publish(TopicTrades, TradeMessage{
			TradeID:     t.TradeID.String(),
			Symbol:      t.Symbol,
			BuyOrderID:  t.BuyOrderID.String(),
			SellOrderID: t.SellOrderID.String(),
			Price:       t.Price,
			Quantity:    t.Quantity,
			TotalValue:  t.TotalValue,
			Timestamp:   t.ExecutedAt.UnixMilli(),
		})
	})

	bus.Subscribe(engine.EventTypeOrderRejected, func(event engine.Event) {
		data, ok := event.Data.(engine.OrderRejectedEvent)
		if !ok {
			return
		}
		o := data.Order
		h.publish(TopicOrders, OrderMessage{
			OrderID:           o.ID.String(),
			AccountID:         o.AccountID,
			Symbol:            o.Symbol,
			Side:              string(o.Side),
			Type:              string(o.Type),
			Status:            string(o.Status),
			Price:             o.Price,
			Quantity:          o.Quantity,
			FilledQuantity:    o.FilledQuantity,
			RemainingQuantity: o.RemainingQuantity(),
			Reason:            data.Reason,
			Timestamp:         o.UpdatedAt.UnixMilli(),
		})
	})

	bus.Subscribe(engine.EventTypeOrderUpdate, func(event engine.Event) {
		data, ok := event.Data.(engine.OrderUpdateEvent)
		if !ok {
			return
		}
		o := data.Order
		h.publish(TopicOrders, OrderMessage{
			OrderID:           o.ID.String(),
			AccountID:         o.AccountID,
			Symbol:            o.Symbol,
			Side:              string(o.Side),
			Type:              string(o.Type),
			Status:            string(o.Status),
			Price:             o.Price,
			Quantity:          o.Quantity,
			FilledQuantity:    o.FilledQuantity,
			RemainingQuantity: o.RemainingQuantity(),
			Reason:            o.Reason,
			Timestamp:         o.UpdatedAt.UnixMilli(),
		})
	})

	bus.Subscribe(engine.EventTypeBookChange, func(event engine.Event) {
		data, ok := event.Data.(engine.BookChangeEvent)
		if !ok {
			return
		}
		h.publish(TopicBookChanges, BookChangeMessage{
			Symbol:    data.Symbol,
			Side:      string(data.Side),
			Action:    data.Action,
			Price:     data.Price,
			Size:      data.Size,
			Timestamp: event.Timestamp.UnixMilli(),
		})
	})
}

func (h *Hub) publish(topic Topic, data interface{}) {
	payload, err := json.Marshal(Message{
		Type:      "update",
		Topic:     string(topic),
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	})
	if err != nil {
		return
	}

	select {
	case h.broadcast <- outbound{topic: topic, payload: payload}:
	default:
		// Broadcast queue full; market data is refreshable so the
		// oldest pending update matters more than this one.
	}
}
