package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/corebook/trading-engine/logging"
	"github.com/corebook/trading-engine/models"
)

// writeStore is the slice of the store the retry queue needs.
type writeStore interface {
	SaveOrder(ctx context.Context, order *models.Order) error
	SaveTrade(ctx context.Context, trade *models.Trade) error
}

// RetryQueue re-attempts order and trade writes that failed past the store's
// inline retries, so the database converges even through longer outages.
// Events skipped because of the original failure stay skipped; the queue
// repairs durability, not delivery.
type RetryQueue struct {
	store writeStore

	queue       chan *queuedWrite
	deadLetters []*queuedWrite

	maxRetries    int
	retryInterval time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

type queuedWrite struct {
	Order     *models.Order
	Trade     *models.Trade
	Attempts  int
	LastError error
	CreatedAt time.Time
}

func NewRetryQueue(store writeStore, queueSize, maxRetries int, retryInterval time.Duration) *RetryQueue {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if maxRetries <= 0 {
		maxRetries = 10
	}
	if retryInterval <= 0 {
		retryInterval = 5 * time.Second
	}
	return &RetryQueue{
		store:         store,
		queue:         make(chan *queuedWrite, queueSize),
		maxRetries:    maxRetries,
		retryInterval: retryInterval,
		stopCh:        make(chan struct{}),
	}
}

// Start launches the background retry worker
func (rq *RetryQueue) Start() {
	rq.mu.Lock()
	if rq.running {
		rq.mu.Unlock()
		return
	}
	rq.running = true
	rq.mu.Unlock()

	rq.wg.Add(1)
	go rq.process()
}

// Stop drains nothing: pending writes stay queued in memory and are lost on
// exit, the same as any other unflushed in-memory state.
func (rq *RetryQueue) Stop() {
	rq.mu.Lock()
	if !rq.running {
		rq.mu.Unlock()
		return
	}
	rq.running = false
	rq.mu.Unlock()

	close(rq.stopCh)
	rq.wg.Wait()
}

// QueueOrder schedules a failed order write for background retry. A copy is
// queued so later engine mutations do not race the retry.
func (rq *RetryQueue) QueueOrder(order *models.Order, cause error) {
	snapshot := *order
	rq.enqueue(&queuedWrite{
		Order:     &snapshot,
		Attempts:  1,
		LastError: cause,
		CreatedAt: time.Now(),
	})
}

// QueueTrade schedules a failed trade write for background retry
func (rq *RetryQueue) QueueTrade(trade *models.Trade, cause error) {
	snapshot := *trade
	rq.enqueue(&queuedWrite{
		Trade:     &snapshot,
		Attempts:  1,
		LastError: cause,
		CreatedAt: time.Now(),
	})
}

// DeadLetterCount reports writes abandoned after exhausting retries
func (rq *RetryQueue) DeadLetterCount() int {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	return len(rq.deadLetters)
}

func (rq *RetryQueue) enqueue(write *queuedWrite) {
	select {
	case rq.queue <- write:
	default:
		rq.recordDeadLetter(write)
	}
}

func (rq *RetryQueue) process() {
	defer rq.wg.Done()

	ticker := time.NewTicker(rq.retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rq.stopCh:
			return
		case <-ticker.C:
			rq.drainOnce()
		}
	}
}

// drainOnce retries everything currently queued. Writes that fail again go
// back to the queue until their attempts run out.
func (rq *RetryQueue) drainOnce() {
	pending := len(rq.queue)
	for i := 0; i < pending; i++ {
		var write *queuedWrite
		select {
		case write = <-rq.queue:
		default:
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := rq.attempt(ctx, write)
		cancel()

		if err == nil {
			continue
		}

		write.Attempts++
		write.LastError = err
		if write.Attempts > rq.maxRetries {
			rq.recordDeadLetter(write)
			continue
		}
		rq.enqueue(write)
	}
}

func (rq *RetryQueue) attempt(ctx context.Context, write *queuedWrite) error {
	if write.Order != nil {
		return rq.store.SaveOrder(ctx, write.Order)
	}
	return rq.store.SaveTrade(ctx, write.Trade)
}

func (rq *RetryQueue) recordDeadLetter(write *queuedWrite) {
	rq.mu.Lock()
	rq.deadLetters = append(rq.deadLetters, write)
	rq.mu.Unlock()

	fields := map[string]interface{}{"attempts": write.Attempts}
	if write.Order != nil {
		fields["order_id"] = write.Order.ID
	} else if write.Trade != nil {
		fields["trade_id"] = write.Trade.TradeID
	}
	logging.LogDBError("retry_exhausted", "retry_queue", write.LastError, fields)
}

// ResilientStore wraps a PostgresStore and feeds failed writes into a retry
// queue. Callers still see the original error, so persist-before-publish
// semantics are unchanged; only the eventual durability improves.
type ResilientStore struct {
	store writeStore
	retry *RetryQueue
}

func NewResilientStore(store writeStore, retry *RetryQueue) *ResilientStore {
	return &ResilientStore{store: store, retry: retry}
}

func (rs *ResilientStore) SaveOrder(ctx context.Context, order *models.Order) error {
	err := rs.store.SaveOrder(ctx, order)
	if err != nil && rs.retry != nil {
		rs.retry.QueueOrder(order, err)
	}
	return err
}

func (rs *ResilientStore) SaveTrade(ctx context.Context, trade *models.Trade) error {
	err := rs.store.SaveTrade(ctx, trade)
	if err != nil && rs.retry != nil {
		rs.retry.QueueTrade(trade, err)
	}
	return err
}
