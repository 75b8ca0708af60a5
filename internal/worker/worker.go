// Package worker runs background housekeeping for the relay.
package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"hookline/internal/logging"
	"hookline/internal/metrics"
	"hookline/internal/store"
)

const DefaultInterval = time.Hour

type Worker struct {
	sweeper   store.Sweeper
	retention time.Duration
	interval  time.Duration
	logger    *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// New returns a worker deleting exchanges older than retentionDays. A
// non-positive retentionDays disables deletion.
func New(s store.Sweeper, retentionDays int, logger *zap.Logger, m *metrics.Metrics) *Worker {
	return &Worker{
		sweeper:   s,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		interval:  DefaultInterval,
		logger:    logging.OrNop(logger),
		metrics:   m,
		now:       time.Now,
	}
}

// Run sweeps once immediately and then on every interval until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	if w.retention <= 0 {
		w.logger.Info("housekeeping_disabled")
		<-ctx.Done()
		return ctx.Err()
	}
	w.logger.Info("housekeeping_started",
		zap.Duration("retention", w.retention),
		zap.Duration("interval", w.interval),
	)

	w.Sweep(ctx)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep deletes exchanges older than the retention window and returns the
// number removed.
func (w *Worker) Sweep(ctx context.Context) int64 {
	cutoff := w.now().Add(-w.retention)
	n, err := w.sweeper.DeleteExchangesBefore(ctx, cutoff)
	if err != nil {
		w.logger.Error("housekeeping_error", zap.Time("cutoff", cutoff), zap.Error(err))
		return 0
	}
	if n > 0 {
		w.metrics.HousekeepingDeleted(n)
		w.logger.Info("housekeeping_deleted", zap.Int64("rows", n), zap.Time("cutoff", cutoff))
	}
	return n
}
