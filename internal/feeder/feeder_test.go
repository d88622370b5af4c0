package feeder

import (
	"context"
	"fmt"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ssd-technologies/quorum/internal/config"
	"github.com/ssd-technologies/quorum/internal/jobcache"
	"github.com/ssd-technologies/quorum/internal/storage"
)

func testDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.NewDB(filepath.Join(t.TempDir(), "feeder.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func seedApp(t *testing.T, db *storage.DB, name string, withVersion bool) *storage.App {
	t.Helper()
	ctx := context.Background()
	app := &storage.App{Name: name, Replication: 2}
	if err := db.CreateApp(ctx, app); err != nil {
		t.Fatalf("CreateApp: %v", err)
	}
	if withVersion {
		av := &storage.AppVersion{AppID: app.ID, Platform: "x86_64-pc-linux-gnu", VersionNum: 1}
		if err := db.CreateAppVersion(ctx, av); err != nil {
			t.Fatalf("CreateAppVersion: %v", err)
		}
	}
	return app
}

func seedWorkUnit(t *testing.T, db *storage.DB, app *storage.App, name string, target int) (*storage.WorkUnit, []storage.Result) {
	t.Helper()
	wu := &storage.WorkUnit{
		AppID: app.ID, Name: name, FpopsEst: 1e12, FpopsBound: 1e13,
		MinQuorum: 1, TargetNResults: target, MaxErrorResults: 3, MaxTotalResults: 6, MaxSuccessResults: 4,
	}
	results, err := db.CreateWorkUnitWithResults(context.Background(), wu)
	if err != nil {
		t.Fatalf("CreateWorkUnitWithResults: %v", err)
	}
	return wu, results
}

func residentIDs(t *testing.T, c jobcache.Cache) map[int64]bool {
	t.Helper()
	slots, err := c.Window(context.Background(), 0, c.Len())
	if err != nil {
		t.Fatalf("Window: %v", err)
	}
	ids := make(map[int64]bool)
	for _, s := range slots {
		if s.State != jobcache.SlotEmpty {
			if ids[s.Entry.Result.ID] {
				t.Errorf("result %d resident twice", s.Entry.Result.ID)
			}
			ids[s.Entry.Result.ID] = true
		}
	}
	return ids
}

func TestFill_NoDuplicates(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	app := seedApp(t, db, "uppercase", true)
	for i := 0; i < 2; i++ {
		seedWorkUnit(t, db, app, fmt.Sprintf("wu-%d", i), 2)
	}
	cache := jobcache.NewArray(6)
	f := New(db, jobcache.Local(cache), config.Default())

	n, err := f.Fill(ctx)
	if err != nil {
		t.Fatalf("Fill: %v", err)
	}
	if n != 4 {
		t.Errorf("filled %d, want 4", n)
	}
	n, err = f.Fill(ctx)
	if err != nil {
		t.Fatalf("second Fill: %v", err)
	}
	if n != 0 {
		t.Errorf("second pass filled %d, want 0", n)
	}
	if got := len(residentIDs(t, cache)); got != 4 {
		t.Errorf("resident = %d, want 4", got)
	}
}

func TestFill_StopsWhenFull(t *testing.T) {
	db := testDB(t)
	app := seedApp(t, db, "uppercase", true)
	seedWorkUnit(t, db, app, "wu-big", 5)
	cache := jobcache.NewArray(3)
	f := New(db, jobcache.Local(cache), config.Default())

	n, err := f.Fill(context.Background())
	if err != nil {
		t.Fatalf("Fill: %v", err)
	}
	if n != 3 {
		t.Errorf("filled %d, want 3", n)
	}
}

func TestFill_NoAppVersionFailsWorkUnit(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	app := seedApp(t, db, "orphan", false)
	wu, _ := seedWorkUnit(t, db, app, "wu-orphan", 2)
	cache := jobcache.NewArray(4)
	f := New(db, jobcache.Local(cache), config.Default())

	n, err := f.Fill(ctx)
	if err != nil {
		t.Fatalf("Fill: %v", err)
	}
	if n != 0 {
		t.Errorf("filled %d, want 0", n)
	}
	got, err := db.GetWorkUnit(ctx, wu.ID)
	if err != nil {
		t.Fatalf("GetWorkUnit: %v", err)
	}
	if got.ErrorMask&storage.WUErrNoAppVersion == 0 {
		t.Errorf("error mask = %d, want no-app-version bit", got.ErrorMask)
	}
}

func TestFill_FlagsWorkUnitsWithErrors(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	app := seedApp(t, db, "uppercase", true)
	wu, rs := seedWorkUnit(t, db, app, "wu-flaky", 2)

	user := &storage.User{Name: "vol"}
	if err := db.CreateUser(ctx, user); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	host := &storage.Host{UserID: user.ID, Platform: "x86_64-pc-linux-gnu", NCPUs: 1}
	if err := db.CreateHost(ctx, host); err != nil {
		t.Fatalf("CreateHost: %v", err)
	}
	now := time.Now().Unix()
	if err := db.MarkResultSent(ctx, storage.SendUpdate{ResultID: rs[0].ID, HostID: host.ID, SentTime: now}); err != nil {
		t.Fatalf("MarkResultSent: %v", err)
	}
	err := db.ReportResult(ctx, storage.Report{ResultID: rs[0].ID, HostID: host.ID, Outcome: storage.OutcomeClientError, ReceivedTime: now})
	if err != nil {
		t.Fatalf("ReportResult: %v", err)
	}

	cfg := config.Default()
	cfg.Scheduler.ReliableAfterErrors = 1
	cache := jobcache.NewArray(4)
	f := New(db, jobcache.Local(cache), cfg)
	if _, err := f.Fill(ctx); err != nil {
		t.Fatalf("Fill: %v", err)
	}
	slots, _ := cache.Window(ctx, 0, cache.Len())
	found := false
	for _, s := range slots {
		if s.State == jobcache.SlotPresent && s.Entry.WorkUnit.ID == wu.ID {
			found = true
			if !s.Entry.NeedReliable {
				t.Error("entry should require a reliable host")
			}
		}
	}
	if !found {
		t.Fatal("remaining result was not cached")
	}
}

func TestFill_ReliableHostsOptIn(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	app := seedApp(t, db, "uppercase", true)
	_, rs := seedWorkUnit(t, db, app, "wu-once", 2)

	user := &storage.User{Name: "vol"}
	if err := db.CreateUser(ctx, user); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	host := &storage.Host{UserID: user.ID, Platform: "x86_64-pc-linux-gnu", NCPUs: 1}
	if err := db.CreateHost(ctx, host); err != nil {
		t.Fatalf("CreateHost: %v", err)
	}
	now := time.Now().Unix()
	if err := db.MarkResultSent(ctx, storage.SendUpdate{ResultID: rs[0].ID, HostID: host.ID, SentTime: now}); err != nil {
		t.Fatalf("MarkResultSent: %v", err)
	}
	err := db.ReportResult(ctx, storage.Report{ResultID: rs[0].ID, HostID: host.ID, Outcome: storage.OutcomeClientError, ReceivedTime: now})
	if err != nil {
		t.Fatalf("ReportResult: %v", err)
	}

	cache := jobcache.NewArray(4)
	f := New(db, jobcache.Local(cache), config.Default())
	if n, err := f.Fill(ctx); err != nil || n != 1 {
		t.Fatalf("Fill = %d, %v; want 1", n, err)
	}
	slots, _ := cache.Window(ctx, 0, cache.Len())
	for _, s := range slots {
		if s.State == jobcache.SlotPresent && s.Entry.NeedReliable {
			t.Error("default config must not require reliable hosts")
		}
	}
}

func TestFill_OverFeedLink(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	app := seedApp(t, db, "uppercase", true)
	seedWorkUnit(t, db, app, "wu-remote", 2)

	cache := jobcache.NewArray(4)
	srv := httptest.NewServer(jobcache.HandleFeed(cache, 600))
	defer srv.Close()
	fc, err := jobcache.DialFeed(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), "feeder-test")
	if err != nil {
		t.Fatalf("DialFeed: %v", err)
	}
	defer fc.Close()

	f := New(db, fc, config.Default())
	n, err := f.Fill(ctx)
	if err != nil {
		t.Fatalf("Fill: %v", err)
	}
	if n != 2 {
		t.Errorf("filled %d, want 2", n)
	}
	if got := len(residentIDs(t, cache)); got != 2 {
		t.Errorf("resident in scheduler cache = %d, want 2", got)
	}
}
