package indexer

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Scheduler triggers a periodic incremental run for every profile. The
// per-profile lock inside the Indexer, not the scheduler, prevents a tick
// from overlapping a run already in flight.
type Scheduler struct {
	indexer  *Indexer
	interval time.Duration
	logger   *zap.Logger
}

// NewScheduler creates a scheduler indexing every profile on the given
// interval.
func NewScheduler(idx *Indexer, interval time.Duration, logger *zap.Logger) *Scheduler {
	return &Scheduler{indexer: idx, interval: interval, logger: logger}
}

// Run ticks until ctx is cancelled. Each tick indexes all known profiles in
// sequence; failures are logged and never stop the loop.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	profiles, err := s.indexer.storage.ListProfiles(ctx)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("scheduler failed to list profiles", zap.Error(err))
		}
		return
	}
	for _, p := range profiles {
		result, err := s.indexer.Index(ctx, p.ID, false)
		if err != nil {
			if s.logger != nil {
				s.logger.Warn("scheduled indexing failed",
					zap.String("profile", p.ID),
					zap.Error(err))
			}
			continue
		}
		if s.logger != nil && !result.AlreadyRunning && len(result.IndexedIDs) > 0 {
			s.logger.Info("scheduled indexing complete",
				zap.String("profile", p.ID),
				zap.Int("new_images", len(result.IndexedIDs)))
		}
	}
}
