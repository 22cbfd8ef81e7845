package history

import (
	"context"
	"time"
)

// Logger is the logging surface the pruner needs.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

// RunPruner deletes history older than retention every interval until ctx
// is cancelled. The first prune runs immediately. retention <= 0 keeps
// everything and returns at once.
func (r *Repository) RunPruner(ctx context.Context, retention, interval time.Duration, logger Logger) {
	if retention <= 0 {
		return
	}

	prune := func() {
		n, err := r.Prune(ctx, time.Now().Add(-retention))
		switch {
		case err != nil:
			if ctx.Err() == nil {
				logger.Warn("history prune failed", "error", err)
			}
		case n > 0:
			logger.Info("history pruned", "rows", n)
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
