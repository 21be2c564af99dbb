// Package events publishes engine output to Kafka. Order updates, trades and
// rejections go to their own topics, keyed by the relevant id, as JSON.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/corebook/trading-engine/models"
)

const (
	TopicOrderUpdates    = "order-updates"
	TopicTrades          = "trades"
	TopicOrderRejections = "order-rejections"
)

// KafkaConfig holds broker addresses and write tuning
type KafkaConfig struct {
	Brokers      []string
	BatchTimeout time.Duration
	RequiredAcks kafka.RequiredAcks
}

// DefaultKafkaConfig returns sensible defaults for a local broker
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Brokers:      []string{"localhost:9092"},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
	}
}

// KafkaPublisher implements the engine's Publisher port on kafka-go
type KafkaPublisher struct {
	orderWriter     *kafka.Writer
	tradeWriter     *kafka.Writer
	rejectionWriter *kafka.Writer
}

// NewKafkaPublisher creates a publisher with one writer per topic
func NewKafkaPublisher(cfg KafkaConfig) *KafkaPublisher {
	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: cfg.BatchTimeout,
			RequiredAcks: cfg.RequiredAcks,
		}
	}

	return &KafkaPublisher{
		orderWriter:     newWriter(TopicOrderUpdates),
		tradeWriter:     newWriter(TopicTrades),
		rejectionWriter: newWriter(TopicOrderRejections),
	}
}

// rejectionMessage is the payload for the order-rejections topic
type rejectionMessage struct {
	Order  *models.Order `json:"order"`
	Reason string        `json:"reason"`
}

// PublishOrderUpdate publishes an order's state after a change
func (kp *KafkaPublisher) PublishOrderUpdate(ctx context.Context, order *models.Order) error {
	payload, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("failed to marshal order %s: %w", order.ID, err)
	}
	return kp.orderWriter.WriteMessages(ctx, kafka.Message{
		Key:   []byte(order.ID.String()),
		Value: payload,
		Time:  time.Now(),
	})
}

// PublishTrade publishes a trade exactly once at creation
func (kp *KafkaPublisher) PublishTrade(ctx context.Context, trade *models.Trade) error {
	payload, err := json.Marshal(trade)
	if err != nil {
		return fmt.Errorf("failed to marshal trade %s: %w", trade.TradeID, err)
	}
	return kp.tradeWriter.WriteMessages(ctx, kafka.Message{
		Key:   []byte(trade.TradeID.String()),
		Value: payload,
		Time:  time.Now(),
	})
}

// PublishRejection publishes a rejected order with its reason
func (kp *KafkaPublisher) PublishRejection(ctx context.Context, order *models.Order, reason string) error {
	payload, err := json.Marshal(rejectionMessage{Order: order, Reason: reason})
	if err != nil {
		return fmt.Errorf("failed to marshal rejection for %s: %w", order.ID, err)
	}
	return kp.rejectionWriter.WriteMessages(ctx, kafka.Message{
		Key:   []byte(order.ID.String()),
		Value: payload,
		Time:  time.Now(),
	})
}

// Close flushes and closes all writers
func (kp *KafkaPublisher) Close() error {
	var firstErr error
	for _, w := range []*kafka.Writer{kp.orderWriter, kp.tradeWriter, kp.rejectionWriter} {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
