package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/retain/internal/ledger"
	"github.com/lalithlochan/retain/internal/metrics"
	"github.com/lalithlochan/retain/internal/sqs"
)

// EventSource is the queue payment events are read from.
type EventSource interface {
	Receive(ctx context.Context) ([]sqs.Delivery, error)
	Delete(ctx context.Context, receiptHandle string) error
}

// Reconciler applies a payment event to the ledger.
type Reconciler interface {
	Reconcile(ctx context.Context, customerID, eventType string) (int, error)
}

// EventConsumer drains the payment event queue into the ledger. A message is
// deleted once it has been applied, ignored, or found to be unusable. Messages
// whose reconcile failed stay on the queue and are redelivered after the
// visibility timeout.
type EventConsumer struct {
	source     EventSource
	reconciler Reconciler
	logger     *zap.Logger
	sleep      func(ctx context.Context, d time.Duration)
}

func NewEventConsumer(source EventSource, reconciler Reconciler, logger *zap.Logger) *EventConsumer {
	return &EventConsumer{
		source:     source,
		reconciler: reconciler,
		logger:     logger,
		sleep:      sleepCtx,
	}
}

func (c *EventConsumer) Start(ctx context.Context) {
	c.logger.Info("payment event consumer started")

	failures := 0
	for {
		if ctx.Err() != nil {
			c.logger.Info("payment event consumer stopping")
			return
		}

		if err := c.poll(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			failures++
			delay := backoff(failures)
			c.logger.Error("failed to receive payment events",
				zap.Error(err),
				zap.Int("attempt", failures),
				zap.Duration("retry_in", delay),
			)
			c.sleep(ctx, delay)
			continue
		}
		failures = 0
	}
}

// poll receives one batch and handles every delivery in it.
func (c *EventConsumer) poll(ctx context.Context) error {
	deliveries, err := c.source.Receive(ctx)
	if err != nil {
		return err
	}

	for _, d := range deliveries {
		if c.handle(ctx, d) {
			if err := c.source.Delete(ctx, d.ReceiptHandle); err != nil {
				c.logger.Error("failed to delete payment event",
					zap.String("message_id", d.MessageID),
					zap.Error(err),
				)
			}
		}
	}
	return nil
}

// handle reports whether the delivery is finished and may be deleted.
func (c *EventConsumer) handle(ctx context.Context, d sqs.Delivery) bool {
	if d.Err != nil {
		metrics.RecordWebhookEvent("unknown", "malformed")
		c.logger.Warn("dropping malformed payment event",
			zap.String("message_id", d.MessageID),
			zap.Error(d.Err),
		)
		return true
	}

	event := d.Event
	ledgerType := event.LedgerType()
	if ledgerType == "" {
		metrics.RecordWebhookEvent(event.Type, "ignored")
		return true
	}

	n, err := c.reconciler.Reconcile(ctx, event.CustomerID, ledgerType)
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidInput) {
			metrics.RecordWebhookEvent(event.Type, "rejected")
			c.logger.Warn("dropping unusable payment event",
				zap.String("event_id", event.ID),
				zap.Error(err),
			)
			return true
		}
		metrics.RecordWebhookEvent(event.Type, "error")
		c.logger.Error("reconcile failed, leaving event for redelivery",
			zap.String("event_id", event.ID),
			zap.String("customer_id", event.CustomerID),
			zap.Error(err),
		)
		return false
	}

	metrics.RecordWebhookEvent(event.Type, "processed")
	c.logger.Debug("payment event applied",
		zap.String("event_id", event.ID),
		zap.String("customer_id", event.CustomerID),
		zap.Int("verified", n),
	)
	return true
}

// backoff grows with consecutive receive failures and caps at the last step.
func backoff(attempt int) time.Duration {
	delays := []time.Duration{
		1 * time.Second,
		5 * time.Second,
		15 * time.Second,
	}

	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(delays) {
		idx = len(delays) - 1
	}
	return delays[idx]
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
