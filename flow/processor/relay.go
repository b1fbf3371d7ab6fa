package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dshills/flowfiber-go/flow/store"
	"github.com/dshills/flowfiber-go/internal/logattr"
)

// Outbox is the part of a store the relay drains.
type Outbox interface {
	PendingRecords(ctx context.Context, limit int) ([]store.Record, error)
	MarkPublished(ctx context.Context, ids []string) error
}

// Relay moves committed records from a store outbox to a Publisher.
//
// Records are published in commit order and marked published only after
// Publish succeeds, giving at-least-once delivery.
type Relay struct {
	outbox    Outbox
	publisher Publisher
	batchSize int
	interval  time.Duration
	logger    *slog.Logger
}

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithBatchSize sets how many records are fetched per round. Default: 100.
func WithBatchSize(n int) RelayOption {
	return func(r *Relay) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithPollInterval sets how long Run sleeps when the outbox is empty.
// Default: 100ms.
func WithPollInterval(d time.Duration) RelayOption {
	return func(r *Relay) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithRelayLogger sets the relay logger.
func WithRelayLogger(logger *slog.Logger) RelayOption {
	return func(r *Relay) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRelay creates a relay from outbox to publisher.
func NewRelay(outbox Outbox, publisher Publisher, opts ...RelayOption) *Relay {
	r := &Relay{
		outbox:    outbox,
		publisher: publisher,
		batchSize: 100,
		interval:  100 * time.Millisecond,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Flush publishes pending records until the outbox is empty and returns
// how many were delivered.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		batch, err := r.outbox.PendingRecords(ctx, r.batchSize)
		if err != nil {
			return total, fmt.Errorf("failed to read outbox: %w", err)
		}
		if len(batch) == 0 {
			return total, nil
		}

		if err := r.publisher.Publish(ctx, batch); err != nil {
			return total, err
		}

		ids := make([]string, len(batch))
		for i, rec := range batch {
			ids[i] = rec.ID
		}
		if err := r.outbox.MarkPublished(ctx, ids); err != nil {
			return total, fmt.Errorf("failed to mark records published: %w", err)
		}
		total += len(batch)

		if len(batch) < r.batchSize {
			return total, nil
		}
	}
}

// Run flushes the outbox every poll interval until ctx is cancelled.
// Publish failures are logged and retried on the next tick.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		n, err := r.Flush(ctx)
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil
		case errors.Is(err, store.ErrClosed):
			return err
		case err != nil:
			r.logger.Warn("relay flush failed", logattr.Error(err))
		case n > 0:
			r.logger.Debug("relayed records", slog.Int("count", n))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
