// Package worker runs the background loops of the gateway: the pending save
// sweeper and the payment event queue consumer.
package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/retain/internal/ledger"
	"github.com/lalithlochan/retain/internal/metrics"
)

// Sweeper settles stale pending saves.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (ledger.SweepResult, error)
}

type SweeperConfig struct {
	Interval time.Duration
}

// SweepWorker calls Sweep on a fixed interval until its context ends.
type SweepWorker struct {
	sweeper Sweeper
	config  SweeperConfig
	logger  *zap.Logger
	now     func() time.Time
}

func NewSweepWorker(sweeper Sweeper, cfg SweeperConfig, logger *zap.Logger) *SweepWorker {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}

	return &SweepWorker{
		sweeper: sweeper,
		config:  cfg,
		logger:  logger,
		now:     time.Now,
	}
}

func (w *SweepWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	w.logger.Info("sweeper started", zap.Duration("interval", w.config.Interval))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("sweeper stopping")
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep. Errors are logged; the next tick retries.
func (w *SweepWorker) RunOnce(ctx context.Context) (ledger.SweepResult, error) {
	res, err := w.sweeper.Sweep(ctx, w.now().UTC())
	if err != nil {
		metrics.RecordSweep("error")
		w.logger.Error("sweep failed", zap.Error(err))
		return res, err
	}

	metrics.RecordSweep("ok")
	return res, nil
}
