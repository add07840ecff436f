// Package dbqueue implements the SQL-backed INFO queue driver. The engine
// feeds the sz_message_queue table in the data-mart database; receive is
// "lease N available rows", acknowledge is "delete by message id", and
// expired leases become receivable again.
package dbqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/datamart-replicator/internal/domain"
	"github.com/fairyhunter13/datamart-replicator/internal/observability"
)

const driverName = "database"

// Message is one leased row of sz_message_queue.
type Message struct {
	ID   int64
	Body json.RawMessage
}

// Store is the persistence port behind the driver; implementations exist for
// both data-mart dialects.
type Store interface {
	// EnsureSchema creates the queue table if missing.
	EnsureSchema(ctx context.Context) error
	// Lease reclaims expired leases and leases up to max available messages
	// for leaseFor.
	Lease(ctx context.Context, max int, leaseFor time.Duration) ([]Message, error)
	// Delete removes a handled message.
	Delete(ctx context.Context, messageID int64) error
}

// Poll cadence and batch size for the lease loop.
const (
	fetchBatch    = 10
	idleDelay     = time.Second
	errorDelay    = 5 * time.Second
	minLeaseFloor = time.Second
)

// Consumer drains sz_message_queue and satisfies domain.MessageConsumer.
type Consumer struct {
	store    Store
	leaseFor time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New constructs a Consumer leasing messages for leaseFor per receive.
func New(store Store, leaseFor time.Duration) *Consumer {
	if leaseFor < minLeaseFloor {
		leaseFor = minLeaseFloor
	}
	return &Consumer{
		store:    store,
		leaseFor: leaseFor,
		stopCh:   make(chan struct{}),
	}
}

// Consume leases batches and hands each message body to handler. A message is
// deleted only after the handler returns nil; failed messages keep their
// lease and reappear after it expires.
func (c *Consumer) Consume(ctx context.Context, handler domain.MessageHandler) error {
	if err := c.store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("op=dbqueue.consume: %w", err)
	}
	slog.Info("database queue consumer started", slog.Duration("lease", c.leaseFor))

	for {
		if c.stopped(ctx) {
			return nil
		}

		msgs, err := c.store.Lease(ctx, fetchBatch, c.leaseFor)
		if err != nil {
			observability.QueueReceiveRetries.WithLabelValues(driverName).Inc()
			slog.Warn("database queue lease failed", slog.Any("error", err))
			if !c.sleep(ctx, errorDelay) {
				return nil
			}
			continue
		}

		for _, msg := range msgs {
			if c.stopped(ctx) {
				return nil
			}
			if err := handler(ctx, msg.Body); err != nil {
				observability.QueueMessagesFailed.WithLabelValues(driverName).Inc()
				slog.Warn("message handling failed; lease left to expire",
					slog.Int64("message_id", msg.ID), slog.Any("error", err))
				continue
			}
			if err := c.store.Delete(ctx, msg.ID); err != nil {
				// The message was handled; redelivery after lease expiry is
				// covered by handler idempotency.
				slog.Warn("acknowledged message delete failed",
					slog.Int64("message_id", msg.ID), slog.Any("error", err))
				continue
			}
			observability.QueueMessagesConsumed.WithLabelValues(driverName).Inc()
		}

		if len(msgs) == 0 {
			if !c.sleep(ctx, idleDelay) {
				return nil
			}
		}
	}
}

// Destroy stops the consumer. Idempotent; the consume loop exits on its next
// iteration.
func (c *Consumer) Destroy() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

func (c *Consumer) stopped(ctx context.Context) bool {
	select {
	case <-c.stopCh:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (c *Consumer) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-c.stopCh:
		return false
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
