package token

import (
	"context"
	"log/slog"
	"time"

	"trackauth/internal/lib/sl"
)

// RunSweeper purges expired blacklist entries every interval until the
// context is cancelled. Run it in its own goroutine; missing a tick is
// harmless since the next sweep catches up.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	const op = "token.RunSweeper"
	log := s.logger.With(slog.String("op", op))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info("blacklist sweeper started", slog.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			log.Info("blacklist sweeper stopped")
			return
		case <-ticker.C:
			count, err := s.PurgeExpired(ctx)
			if err != nil {
				log.Error("blacklist sweep failed", sl.Err(err))
				continue
			}
			if count > 0 {
				log.Info("blacklist swept", slog.Int64("purged", count))
			}
		}
	}
}
