package sweeper

import (
	"context"
	"time"

	"github.com/stepanboost/omybot/internal/storage"
	"go.uber.org/zap"
)

// Store is the slice of the storage contract the sweeper mutates.
type Store interface {
	CleanupOldData(ctx context.Context, policy storage.RetentionPolicy) (storage.CleanupReport, error)
	Compact(ctx context.Context) error
}

// Sweeper purges stale data on a fixed interval for the lifetime of the
// process. A failed cycle is logged and retried on the next tick.
type Sweeper struct {
	store            Store
	policy           storage.RetentionPolicy
	interval         time.Duration
	compactThreshold int64
	logger           *zap.Logger
}

func New(store Store, policy storage.RetentionPolicy, interval time.Duration, compactThreshold int64, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	return &Sweeper{
		store:            store,
		policy:           policy,
		interval:         interval,
		compactThreshold: compactThreshold,
		logger:           logger,
	}
}

// Run blocks until ctx is cancelled. The wait between cycles is the only
// cancellation point; an in-flight cleanup either commits or rolls back in
// the store, never half-applies.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("retention sweeper started",
		zap.Duration("interval", s.interval),
		zap.Int64("compact_threshold", s.compactThreshold))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("retention sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one cleanup cycle, compacting storage when the batch removed
// more rows than the threshold.
func (s *Sweeper) Sweep(ctx context.Context) {
	report, err := s.store.CleanupOldData(ctx, s.policy)
	if err != nil {
		s.logger.Error("cleanup cycle failed", zap.Error(err))
		return
	}

	s.logger.Info("cleanup cycle finished",
		zap.Int64("context", report.Context),
		zap.Int64("requests", report.Requests),
		zap.Int64("inactive_users", report.InactiveUsers),
		zap.Int64("expired_subscriptions", report.ExpiredSubscriptions))

	if report.Total() > s.compactThreshold {
		if err := s.store.Compact(ctx); err != nil {
			s.logger.Error("compaction failed", zap.Error(err))
			return
		}
		s.logger.Info("storage compacted", zap.Int64("removed_rows", report.Total()))
	}
}
