// Package notify delivers committed TradeExecuted events from the outbox
// to websocket clients, Kafka and Redis.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/xtrntr/spotexchange/internal/models"
	"github.com/xtrntr/spotexchange/internal/store"
	"go.uber.org/zap"
)

// Publisher hands one event to a downstream channel. Delivery is at least
// once, so implementations may see the same event ID again.
type Publisher interface {
	Publish(ctx context.Context, event models.TradeEvent) error
}

// Relay polls the outbox and fans events out to its publishers. An event
// is marked delivered only after every publisher accepted it.
type Relay struct {
	events     store.EventStore
	publishers []Publisher
	interval   time.Duration
	batchSize  int
	logger     *zap.Logger
	kick       chan struct{}
}

// RelayOption configures a Relay
type RelayOption func(*Relay)

// WithPollInterval sets how often the outbox is read when nobody calls Notify
func WithPollInterval(d time.Duration) RelayOption {
	return func(r *Relay) { r.interval = d }
}

// WithBatchSize caps the events read per pass
func WithBatchSize(n int) RelayOption {
	return func(r *Relay) { r.batchSize = n }
}

// WithRelayLogger sets the logger
func WithRelayLogger(logger *zap.Logger) RelayOption {
	return func(r *Relay) { r.logger = logger }
}

// NewRelay creates a relay reading from events
func NewRelay(events store.EventStore, publishers []Publisher, opts ...RelayOption) *Relay {
	r := &Relay{
		events:     events,
		publishers: publishers,
		interval:   time.Second,
		batchSize:  100,
		logger:     zap.NewNop(),
		kick:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Notify wakes the relay up. It never blocks.
func (r *Relay) Notify() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Run drains the outbox on every tick or Notify until ctx is done
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-r.kick:
		}
		for {
			n, err := r.Drain(ctx)
			if err != nil {
				r.logger.Warn("outbox relay pass failed", zap.Error(err))
				break
			}
			if n < r.batchSize {
				break
			}
		}
	}
}

// Drain publishes one batch of pending events in order and returns how
// many were delivered. It stops at the first event a publisher rejects so
// that later events are not delivered ahead of it.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	events, err := r.events.PendingEvents(ctx, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to read outbox: %w", err)
	}

	delivered := make([]uuid.UUID, 0, len(events))
	var pubErr error
	for _, event := range events {
		if pubErr = r.publish(ctx, event); pubErr != nil {
			break
		}
		delivered = append(delivered, event.ID)
	}

	if len(delivered) > 0 {
		if err := r.events.MarkEventsDelivered(ctx, delivered); err != nil {
			return 0, fmt.Errorf("failed to mark events delivered: %w", err)
		}
	}
	return len(delivered), pubErr
}

func (r *Relay) publish(ctx context.Context, event models.TradeEvent) error {
	for _, p := range r.publishers {
		if err := p.Publish(ctx, event); err != nil {
			return fmt.Errorf("failed to publish event %s of trade %d: %w", event.ID, event.Trade.ID, err)
		}
	}
	r.logger.Debug("trade event delivered",
		zap.Stringer("event_id", event.ID),
		zap.Int64("trade_id", event.Trade.ID),
	)
	return nil
}
