package ledger

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// LogPublisher writes ledger events to the log (for development, or when no topic is configured).
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, event Event) error {
	fields := []zap.Field{
		zap.String("event_type", event.Type),
		zap.Time("occurred_at", event.OccurredAt),
	}

	switch {
	case event.Save != nil:
		fields = append(fields,
			zap.Int64("save_id", event.Save.ID),
			zap.String("customer_id", event.Save.CustomerID),
			zap.String("status", event.Save.Status),
		)
	case event.Statement != nil:
		fields = append(fields,
			zap.String("month", event.Statement.Month),
			zap.String("amount_due", event.Statement.AmountDue.StringFixed(2)),
		)
	}

	p.logger.Info("ledger event", fields...)
	return nil
}

// MultiPublisher hands every event to each of its publishers. All are tried;
// the returned error joins the failures.
type MultiPublisher struct {
	publishers []Publisher
	logger     *zap.Logger
}

func NewMultiPublisher(logger *zap.Logger, publishers ...Publisher) *MultiPublisher {
	return &MultiPublisher{
		publishers: publishers,
		logger:     logger,
	}
}

func (m *MultiPublisher) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, p := range m.publishers {
		if err := p.Publish(ctx, event); err != nil {
			m.logger.Warn("publisher failed",
				zap.String("event_type", event.Type),
				zap.String("publisher", fmt.Sprintf("%T", p)),
				zap.Error(err),
			)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
