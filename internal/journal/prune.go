package journal

import (
	"context"
	"log/slog"
	"time"
)

// PruneJob returns a job deleting records older than retention. A zero
// retention keeps everything.
func PruneJob(store Store, retention time.Duration, logger *slog.Logger) func(context.Context) error {
	return pruneJob(store, retention, logger, time.Now)
}

func pruneJob(store Store, retention time.Duration, logger *slog.Logger, now func() time.Time) func(context.Context) error {
	return func(ctx context.Context) error {
		if retention <= 0 {
			return nil
		}
		before := now().Add(-retention)
		n, err := store.Prune(ctx, before)
		if err != nil {
			return err
		}
		if logger != nil && n > 0 {
			logger.InfoContext(ctx, "journal pruned", slog.Int64("records", n), slog.Time("before", before))
		}
		return nil
	}
}
