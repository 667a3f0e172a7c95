// Package scheduler runs periodic background jobs.
package scheduler

import (
	"context"
	"log/slog"
	"time"
)

// Every calls fn immediately and then once per interval until ctx is done.
// Runs never overlap: a slow run delays the next tick.
func Every(ctx context.Context, name string, interval time.Duration, log *slog.Logger, fn func(ctx context.Context) error) {
	if interval <= 0 {
		log.Warn("Scheduled job disabled", "job", name)
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info("Scheduled job started", "job", name, "interval", interval.String())
	for {
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			log.Error("Scheduled job failed", "job", name, "error", err)
		}

		select {
		case <-ctx.Done():
			log.Info("Scheduled job stopped", "job", name)
			return
		case <-ticker.C:
		}
	}
}
