package websocket

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/corebook/trading-engine/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8192
	sendBufferSize = 256
)

type Client struct {
	id   string
	conn *websocket.Conn
	hub  *Hub
	send chan []byte
}

// NewClient creates a new WebSocket client
func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		id:   uuid.New().String(),
		conn: conn,
		hub:  hub,
		send: make(chan []byte, sendBufferSize),
	}
}

// Start registers the client with the hub and launches its pumps
func (c *Client) Start() {
	c.hub.Register(c)
	go c.writePump()
	go c.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.LogWithFields(logrus.WarnLevel, "websocket read failed", logrus.Fields{
					"event":     "websocket_read_error",
					"client_id": c.id,
					"error":     err.Error(),
				})
			}
			break
		}

		c.handleMessage(message)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)

			// Coalesce any queued messages into this frame
			n := len(c.send)
			for i := 0; i < n; i++ {
				_, _ = w.Write([]byte{'\n'})
				_, _ = w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleMessage(data []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("invalid message format")
		return
	}

	switch msg.Action {
	case "subscribe":
		topic := Topic(msg.Topic)
		if !validTopic(topic) {
			c.sendError("unknown topic: " + msg.Topic)
			return
		}
		c.hub.Subscribe(c, topic)
		c.sendAck("subscribed", msg.Topic)
	case "unsubscribe":
		topic := Topic(msg.Topic)
		if !validTopic(topic) {
			c.sendError("unknown topic: " + msg.Topic)
			return
		}
		c.hub.Unsubscribe(c, topic)
		c.sendAck("unsubscribed", msg.Topic)
	case "ping":
		c.sendAck("pong", "")
	default:
		c.sendError("unknown action: " + msg.Action)
	}
}

func (c *Client) sendAck(msgType, topic string) {
	c.enqueue(Message{
		Type:      msgType,
		Topic:     topic,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (c *Client) sendError(reason string) {
	c.enqueue(Message{
		Type:      "error",
		Timestamp: time.Now().UnixMilli(),
		Data:      map[string]string{"error": reason},
	})
}

func (c *Client) enqueue(msg Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}
