package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"recurpay/metrics"
)

const (
	DefaultBatchSize       = 50
	DefaultPollInterval    = 1200 * time.Millisecond
	DefaultStaleProcessing = 2 * time.Minute
	maxRetryDelay          = 300 * time.Second
)

// Dialer opens a publisher. The dispatcher dials lazily and redials after a
// publish failure.
type Dialer func() (Publisher, error)

// Dispatcher moves claimed outbox rows to a Publisher. It is not safe for
// concurrent use; run one per worker.
type Dispatcher struct {
	store        Store
	dial         Dialer
	publisher    Publisher
	batchSize    int
	pollInterval time.Duration
	staleAfter   time.Duration
	metrics      *metrics.Metrics
	logger       *slog.Logger
}

func NewDispatcher(store Store, dial Dialer, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:        store,
		dial:         dial,
		batchSize:    DefaultBatchSize,
		pollInterval: DefaultPollInterval,
		staleAfter:   DefaultStaleProcessing,
		metrics:      m,
		logger:       logger,
	}
}

// WithPolling overrides the batch size and tick interval. Zero keeps the
// default.
func (d *Dispatcher) WithPolling(batch int, every time.Duration) *Dispatcher {
	if batch > 0 {
		d.batchSize = batch
	}
	if every > 0 {
		d.pollInterval = every
	}
	return d
}

// Run flushes the outbox on every tick until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	defer d.closePublisher()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.FlushOnce(ctx); err != nil {
				d.logger.Error("outbox flush failed", "error", err)
			}
		}
	}
}

// FlushOnce claims one batch and publishes it. It returns the number of
// messages published.
func (d *Dispatcher) FlushOnce(ctx context.Context) (int, error) {
	messages, err := d.store.Claim(ctx, d.batchSize, d.staleAfter)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, m := range messages {
		if err := d.publish(ctx, m); err != nil {
			d.metrics.OutboxResult("failed")
			d.logger.Warn("outbox publish failed",
				"outbox_id", m.ID, "topic", m.Topic, "attempts", m.Attempts, "error", err)
			if markErr := d.store.MarkFailed(ctx, m.ID, retryDelay(m.Attempts), err.Error()); markErr != nil {
				d.logger.Error("outbox mark failed", "outbox_id", m.ID, "error", markErr)
			}
			continue
		}
		d.metrics.OutboxResult("published")
		published++
		if err := d.store.MarkPublished(ctx, m.ID); err != nil {
			d.logger.Error("outbox mark published", "outbox_id", m.ID, "error", err)
		}
	}
	return published, nil
}

func (d *Dispatcher) publish(ctx context.Context, m Message) error {
	if !json.Valid(m.Payload) {
		return fmt.Errorf("outbox: message %d has invalid JSON payload", m.ID)
	}
	if d.publisher == nil {
		p, err := d.dial()
		if err != nil {
			return err
		}
		d.publisher = p
	}
	if err := d.publisher.Publish(ctx, m.Topic, m.Payload); err != nil {
		d.closePublisher()
		return err
	}
	return nil
}

func (d *Dispatcher) closePublisher() {
	if d.publisher != nil {
		d.publisher.Close()
		d.publisher = nil
	}
}

// retryDelay backs off exponentially with the attempt count, capped at five
// minutes.
func retryDelay(attempt int) time.Duration {
	if attempt < 1 {
		return time.Second
	}
	delay := time.Duration(1<<min(attempt, 8)) * time.Second
	if delay > maxRetryDelay {
		return maxRetryDelay
	}
	return delay
}
