package jobcache

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ssd-technologies/quorum/internal/storage"
)

func entry(resultID int64) Entry {
	return Entry{
		WorkUnit: storage.WorkUnit{ID: resultID * 10, Name: fmt.Sprintf("wu-%d", resultID), MinQuorum: 1, TargetNResults: 1},
		Result:   storage.Result{ID: resultID, Name: fmt.Sprintf("wu-%d_0", resultID)},
	}
}

func testRedis(t *testing.T, size int) *Redis {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedis(rdb, "test", size)
}

// forEachCache runs fn against every Cache implementation.
func forEachCache(t *testing.T, size int, fn func(t *testing.T, c Cache)) {
	t.Run("array", func(t *testing.T) { fn(t, NewArray(size)) })
	t.Run("redis", func(t *testing.T) { fn(t, testRedis(t, size)) })
}

func TestCache_FillClaimRelease(t *testing.T) {
	forEachCache(t, 4, func(t *testing.T, c Cache) {
		ctx := context.Background()
		if err := c.Fill(ctx, 1, entry(7)); err != nil {
			t.Fatalf("Fill: %v", err)
		}
		if err := c.Fill(ctx, 1, entry(8)); !errors.Is(err, ErrSlotBusy) {
			t.Fatalf("second Fill: expected ErrSlotBusy, got %v", err)
		}

		ok, err := c.Claim(ctx, 1, "w1", 99)
		if err != nil || ok {
			t.Fatalf("claim with stale result id = %v, %v", ok, err)
		}
		ok, err = c.Claim(ctx, 1, "w1", 7)
		if err != nil || !ok {
			t.Fatalf("Claim = %v, %v", ok, err)
		}
		ok, _ = c.Claim(ctx, 1, "w2", 7)
		if ok {
			t.Fatal("claimed slot claimed twice")
		}
		if err := c.Release(ctx, 1, "w2", SlotEmpty); !errors.Is(err, ErrNotClaimant) {
			t.Fatalf("Release by non-claimant: %v", err)
		}

		if err := c.Release(ctx, 1, "w1", SlotPresent); err != nil {
			t.Fatalf("Release to present: %v", err)
		}
		slots, err := c.Window(ctx, 1, 1)
		if err != nil {
			t.Fatalf("Window: %v", err)
		}
		s := slots[0]
		if s.State != SlotPresent || s.Infeasible != 1 || s.Claimant != "" || s.Entry.Result.ID != 7 {
			t.Fatalf("slot after present release = %+v", s)
		}
		if s.Entry.WorkUnit.Name != "wu-7" {
			t.Errorf("entry workunit = %+v", s.Entry.WorkUnit)
		}

		ok, _ = c.Claim(ctx, 1, "w2", 7)
		if !ok {
			t.Fatal("re-claim after present release failed")
		}
		if err := c.Release(ctx, 1, "w2", SlotEmpty); err != nil {
			t.Fatalf("Release to empty: %v", err)
		}
		slots, _ = c.Window(ctx, 1, 1)
		if slots[0].State != SlotEmpty {
			t.Fatalf("slot not empty: %+v", slots[0])
		}
		if err := c.Fill(ctx, 1, entry(8)); err != nil {
			t.Fatalf("Fill after release: %v", err)
		}
	})
}

func TestCache_MarkInfeasible(t *testing.T) {
	forEachCache(t, 2, func(t *testing.T, c Cache) {
		ctx := context.Background()
		if err := c.MarkInfeasible(ctx, 0, 7); err != nil {
			t.Fatalf("MarkInfeasible on empty slot: %v", err)
		}
		if err := c.Fill(ctx, 0, entry(7)); err != nil {
			t.Fatalf("Fill: %v", err)
		}
		for i := 0; i < 2; i++ {
			if err := c.MarkInfeasible(ctx, 0, 7); err != nil {
				t.Fatalf("MarkInfeasible: %v", err)
			}
		}
		if err := c.MarkInfeasible(ctx, 0, 8); err != nil {
			t.Fatalf("MarkInfeasible with stale result id: %v", err)
		}
		if err := c.MarkInfeasible(ctx, 5, 7); !errors.Is(err, ErrOutOfRange) {
			t.Fatalf("expected ErrOutOfRange, got %v", err)
		}

		slots, err := c.Window(ctx, 0, 2)
		if err != nil {
			t.Fatalf("Window: %v", err)
		}
		if slots[0].State != SlotPresent || slots[0].Infeasible != 2 {
			t.Errorf("slot 0 = %+v, want present with infeasible 2", slots[0])
		}
		if slots[1].State != SlotEmpty || slots[1].Infeasible != 0 {
			t.Errorf("slot 1 = %+v, want untouched", slots[1])
		}
	})
}

func TestCache_OutOfRange(t *testing.T) {
	forEachCache(t, 2, func(t *testing.T, c Cache) {
		ctx := context.Background()
		if err := c.Fill(ctx, 2, entry(1)); !errors.Is(err, ErrOutOfRange) {
			t.Errorf("Fill: %v", err)
		}
		if _, err := c.Claim(ctx, -1, "w", 1); !errors.Is(err, ErrOutOfRange) {
			t.Errorf("Claim: %v", err)
		}
		if err := c.Release(ctx, 5, "w", SlotEmpty); !errors.Is(err, ErrOutOfRange) {
			t.Errorf("Release: %v", err)
		}
	})
}

func TestCache_WindowWraps(t *testing.T) {
	forEachCache(t, 5, func(t *testing.T, c Cache) {
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			if err := c.Fill(ctx, i, entry(int64(100+i))); err != nil {
				t.Fatalf("Fill %d: %v", i, err)
			}
		}
		slots, err := c.Window(ctx, 3, 4)
		if err != nil {
			t.Fatalf("Window: %v", err)
		}
		want := []int{3, 4, 0, 1}
		for i, s := range slots {
			if s.Index != want[i] || s.Entry.Result.ID != int64(100+want[i]) {
				t.Errorf("slot %d = index %d result %d", i, s.Index, s.Entry.Result.ID)
			}
		}
		all, _ := c.Window(ctx, 0, 50)
		if len(all) != 5 {
			t.Errorf("oversized window returned %d slots", len(all))
		}
	})
}

func TestCache_ClaimExclusivity(t *testing.T) {
	forEachCache(t, 1, func(t *testing.T, c Cache) {
		ctx := context.Background()
		if err := c.Fill(ctx, 0, entry(1)); err != nil {
			t.Fatalf("Fill: %v", err)
		}

		const workers = 32
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			winners []string
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				name := fmt.Sprintf("w%d", i)
				ok, err := c.Claim(ctx, 0, name, 1)
				if err != nil {
					t.Errorf("Claim: %v", err)
					return
				}
				if ok {
					mu.Lock()
					winners = append(winners, name)
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()

		if len(winners) != 1 {
			t.Fatalf("expected exactly one winner, got %v", winners)
		}
		slots, _ := c.Window(ctx, 0, 1)
		if slots[0].Claimant != winners[0] {
			t.Errorf("claimant = %q, winner = %q", slots[0].Claimant, winners[0])
		}
	})
}

func TestLocalSink_Vacancies(t *testing.T) {
	ctx := context.Background()
	a := NewArray(3)
	a.Fill(ctx, 1, entry(42))

	v, err := Local(a).Vacancies(ctx)
	if err != nil {
		t.Fatalf("Vacancies: %v", err)
	}
	if len(v.Empty) != 2 || v.Empty[0] != 0 || v.Empty[1] != 2 {
		t.Errorf("empty = %v", v.Empty)
	}
	if len(v.Resident) != 1 || v.Resident[0] != 42 {
		t.Errorf("resident = %v", v.Resident)
	}
}

func TestFeedLink_RoundTrip(t *testing.T) {
	a := NewArray(2)
	srv := httptest.NewServer(HandleFeed(a, 600))
	defer srv.Close()

	ctx := context.Background()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	fc, err := DialFeed(ctx, url, "feeder-1")
	if err != nil {
		t.Fatalf("DialFeed: %v", err)
	}
	defer fc.Close()

	if fc.Size() != 2 {
		t.Errorf("Size = %d", fc.Size())
	}
	if err := fc.Fill(ctx, 0, entry(5)); err != nil {
		t.Fatalf("Fill: %v", err)
	}
	if err := fc.Fill(ctx, 0, entry(6)); !errors.Is(err, ErrSlotBusy) {
		t.Fatalf("expected ErrSlotBusy over the link, got %v", err)
	}
	if err := fc.Fill(ctx, 9, entry(6)); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange over the link, got %v", err)
	}
	v, err := fc.Vacancies(ctx)
	if err != nil {
		t.Fatalf("Vacancies: %v", err)
	}
	if len(v.Empty) != 1 || v.Empty[0] != 1 || len(v.Resident) != 1 || v.Resident[0] != 5 {
		t.Errorf("vacancies = %+v", v)
	}

	slots, _ := a.Window(ctx, 0, 1)
	if slots[0].State != SlotPresent || slots[0].Entry.WorkUnit.Name != "wu-5" {
		t.Errorf("slot filled over link = %+v", slots[0])
	}
}

func TestFeedLink_RateLimited(t *testing.T) {
	a := NewArray(4)
	srv := httptest.NewServer(HandleFeed(a, 2))
	defer srv.Close()

	ctx := context.Background()
	fc, err := DialFeed(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), "feeder-2")
	if err != nil {
		t.Fatalf("DialFeed: %v", err)
	}
	defer fc.Close()

	// hello used one frame of the budget.
	if _, err := fc.Vacancies(ctx); err != nil {
		t.Fatalf("Vacancies: %v", err)
	}
	if _, err := fc.Vacancies(ctx); err == nil || !strings.Contains(err.Error(), "rate limit") {
		t.Fatalf("expected rate limit error, got %v", err)
	}
}
