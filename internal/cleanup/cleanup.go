package cleanup

import (
	"context"
	"fmt"
	"time"

	"github.com/italolelis/deliveryopt/internal/logctx"
	"github.com/italolelis/deliveryopt/internal/storage"
)

// Pruner is the part of the journal the cleanup needs.
type Pruner interface {
	DeleteDownloadsBefore(ctx context.Context, before time.Time) (int64, error)
}

// PruneJournal deletes journal records not updated within keepDuration.
// Downloaded files are left alone; they belong to the callers.
func PruneJournal(ctx context.Context, p Pruner, keepDuration time.Duration) (int64, error) {
	logger := logctx.LoggerFromContext(ctx)

	deleted, err := p.DeleteDownloadsBefore(ctx, time.Now().Add(-keepDuration))
	if err != nil {
		return 0, fmt.Errorf("failed to prune journal: %w", err)
	}

	if deleted > 0 {
		logger.InfoContext(ctx, "pruned download journal", "deleted", deleted, "retention", keepDuration.String())
	}

	return deleted, nil
}

// Run prunes the journal every interval until ctx is done.
func Run(ctx context.Context, p Pruner, interval, keepDuration time.Duration) error {
	logger := logctx.LoggerFromContext(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.InfoContext(ctx, "cleanup loop shutting down")

			return nil
		case <-ticker.C:
			if _, err := PruneJournal(ctx, p, keepDuration); err != nil {
				logger.ErrorContext(ctx, "failed to prune download journal", "err", err)
			}
		}
	}
}

var _ Pruner = (storage.DownloadWriteRepository)(nil)
