package worker

import (
	"context"
	"log/slog"

	"github.com/tansel/stagehand/internal/metrics"
)

// activate sweeps every stale cache version and claims the live request
// path. Sweep failures are reported but never fail activation: a fetch racing
// a deletion simply misses and falls through to the network. Callers must
// hold s.mu.
func (s *Supervisor) activate(ctx context.Context, w *Worker) error {
	logger := s.logger.With(slog.String("agent", "activator"), slog.String("version", w.version))

	if err := w.lc.transition(StateActivating); err != nil {
		return err
	}

	versions, err := s.store.Versions(ctx)
	if err != nil {
		logger.Warn("version enumeration failed, skipping sweep", slog.Any("error", err))
	}
	for _, version := range versions {
		if version == w.version {
			continue
		}
		if err := s.store.Delete(ctx, version); err != nil {
			s.metrics.ObserveCache(metrics.CacheOperationDelete, metrics.CacheResultError)
			logger.Warn("stale cache deletion failed", slog.String("stale", version), slog.Any("error", err))
			continue
		}
		s.metrics.ObserveCache(metrics.CacheOperationDelete, metrics.CacheResultDeleted)
		logger.Info("stale cache deleted", slog.String("stale", version))
	}

	if err := w.lc.transition(StateActive); err != nil {
		return err
	}

	// Claim: swap the live pointer so every subsequent request, including
	// from sessions already open, is served by the new worker.
	old := s.active.Swap(w)
	if old != nil {
		if err := old.lc.transition(StateRedundant); err != nil {
			logger.Warn("retiring previous worker failed", slog.Any("error", err))
		}
	}
	s.waiting = nil

	logger.Info("worker activated")
	return nil
}
