package analytics

import (
	"context"
	"log/slog"
	"time"
)

// DedupPruner deletes processed-event markers older than a retention window.
// *repository.Repository implements it.
type DedupPruner interface {
	PruneProcessedClickEvents(ctx context.Context, retention time.Duration) (int64, error)
}

// RunPruner prunes every interval until ctx is cancelled.
func RunPruner(ctx context.Context, p DedupPruner, interval, retention time.Duration, logger *slog.Logger) {
	logger = logger.With("component", "analytics.pruner")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.PruneProcessedClickEvents(ctx, retention)
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("failed to prune processed click events", "error", err)
				}
				continue
			}
			if n > 0 {
				logger.Info("pruned processed click events", "deleted", n, "retention", retention)
			}
		}
	}
}
