package server

import (
	"context"
	"log"
	"time"

	"github.com/ssd-technologies/quorum/internal/feeder"
)

// StartWorkers launches the background goroutines. f, when non-nil, keeps
// the cache stocked in-process; pass nil when a remote feeder uses /feed.
// Call with a cancellable context for graceful shutdown.
func (s *Server) StartWorkers(ctx context.Context, f *feeder.Feeder) {
	go s.runDailyReset(ctx)
	go s.runLimiterPrune(ctx)
	go s.runDeadlineSweep(ctx)
	if f != nil {
		go f.Run(ctx)
	}
}

// --- Daily quota reset ---

// runDailyReset clears the per-day job counters at the configured hour.
func (s *Server) runDailyReset(ctx context.Context) {
	for {
		wait := untilHour(s.now(), s.cfg.Server.ResetHour)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
			n := s.resetDaily(ctx)
			log.Printf("[worker] reset daily job counters on %d host app versions", n)
		}
	}
}

func (s *Server) resetDaily(ctx context.Context) int64 {
	n, err := s.db.ResetDailyJobs(ctx)
	if err != nil {
		log.Printf("[worker] reset daily jobs: %v", err)
		return 0
	}
	return n
}

// untilHour returns the time from now to the next hour:00 in now's location.
func untilHour(now time.Time, hour int) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now)
}

// --- Rate limiter pruning ---

// runLimiterPrune drops idle per-host limiters (every minute).
func (s *Server) runLimiterPrune(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Minute):
			if n := s.limiter.Prune(); n > 0 {
				log.Printf("[worker] pruned %d idle rate limiters", n)
			}
		}
	}
}
