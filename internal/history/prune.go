package history

import (
	"context"
	"time"
)

// DefaultPruneInterval is how often RunPruner trims the history.
const DefaultPruneInterval = 24 * time.Hour

// pruneTimeout bounds a single DELETE.
const pruneTimeout = 30 * time.Second

// Pruner is the subset of Repository used by RunPruner.
type Pruner interface {
	PruneHistory(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Logger is satisfied by *logging.Logger.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// RunPruner deletes history older than retention once immediately and then
// every interval, until ctx is cancelled. A non-positive retention disables
// pruning; a non-positive interval uses DefaultPruneInterval.
//
// Parameters:
//   - ctx: Stops the loop when cancelled
//   - p: Repository to prune
//   - retention: How long state changes are kept
//   - interval: Time between prune runs
//   - logger: Optional; may be nil
func RunPruner(ctx context.Context, p Pruner, retention, interval time.Duration, logger Logger) {
	if retention <= 0 {
		return
	}
	if interval <= 0 {
		interval = DefaultPruneInterval
	}

	prune := func() {
		pctx, cancel := context.WithTimeout(ctx, pruneTimeout)
		defer cancel()

		n, err := p.PruneHistory(pctx, retention)
		if logger == nil {
			return
		}
		if err != nil {
			logger.Error("pruning state history failed", "error", err)
			return
		}
		if n > 0 {
			logger.Info("pruned state history", "rows", n, "retention", retention.String())
		}
	}

	prune()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}
