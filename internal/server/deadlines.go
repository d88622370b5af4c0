package server

import (
	"context"
	"log"
	"time"
)

// runDeadlineSweep periodically closes results whose hosts missed the
// report deadline (every minute).
func (s *Server) runDeadlineSweep(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Minute):
			n := s.expireOverdue(ctx)
			if n > 0 {
				log.Printf("[worker] %d results passed their report deadline", n)
			}
		}
	}
}

// expireOverdue marks overdue in-progress results as NO_REPLY. Returns the
// number of results expired.
func (s *Server) expireOverdue(ctx context.Context) int64 {
	n, err := s.db.ExpireOverdue(ctx, s.now().Unix())
	if err != nil {
		log.Printf("[worker] expire overdue results: %v", err)
		return 0
	}
	return n
}
