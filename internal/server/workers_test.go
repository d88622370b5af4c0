package server

import (
	"context"
	"testing"
	"time"

	"github.com/ssd-technologies/quorum/internal/storage"
)

func TestUntilHour(t *testing.T) {
	loc := time.UTC
	tests := []struct {
		now  time.Time
		hour int
		want time.Duration
	}{
		{time.Date(2024, 5, 1, 10, 30, 0, 0, loc), 12, 90 * time.Minute},
		{time.Date(2024, 5, 1, 12, 0, 0, 0, loc), 12, 24 * time.Hour},
		{time.Date(2024, 5, 1, 23, 0, 0, 0, loc), 0, time.Hour},
	}
	for _, tt := range tests {
		if got := untilHour(tt.now, tt.hour); got != tt.want {
			t.Errorf("untilHour(%v, %d) = %v, want %v", tt.now, tt.hour, got, tt.want)
		}
	}
}

func TestResetDaily(t *testing.T) {
	e := setupTestServer(t, nil)
	ctx := context.Background()
	e.addWorkUnit(t, "wu-quota", 3)
	if reply := e.rpc(t); len(reply.Assignments) != 1 {
		t.Fatalf("assignments = %d", len(reply.Assignments))
	}
	if n := e.srv.resetDaily(ctx); n != 1 {
		t.Errorf("reset %d counters, want 1", n)
	}
	if n := e.srv.resetDaily(ctx); n != 0 {
		t.Errorf("second reset touched %d counters, want 0", n)
	}
}

func TestExpireOverdue(t *testing.T) {
	e := setupTestServer(t, nil)
	ctx := context.Background()
	wu := e.addWorkUnit(t, "wu-late", 3)
	reply := e.rpc(t)
	if len(reply.Assignments) != 1 {
		t.Fatalf("assignments = %d", len(reply.Assignments))
	}
	id := reply.Assignments[0].Result.ID

	if n := e.srv.expireOverdue(ctx); n != 0 {
		t.Fatalf("expired %d results before the deadline", n)
	}
	e.srv.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if n := e.srv.expireOverdue(ctx); n != 1 {
		t.Fatalf("expired %d results, want 1", n)
	}

	r, err := e.db.GetResult(ctx, id)
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if r.ServerState != storage.ServerStateOver || r.Outcome != storage.OutcomeNoReply {
		t.Errorf("result state %d outcome %d, want over/no reply", r.ServerState, r.Outcome)
	}
	w, _ := e.db.GetWorkUnit(ctx, wu.ID)
	if !w.NeedValidate {
		t.Error("workunit should be flagged for validation")
	}
}

func TestLimiter_TracksHosts(t *testing.T) {
	e := setupTestServer(t, nil)
	e.rpc(t)
	if e.srv.limiter.Len() != 1 {
		t.Fatalf("limiters = %d, want 1", e.srv.limiter.Len())
	}
}
