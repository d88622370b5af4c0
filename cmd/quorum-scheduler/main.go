package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ssd-technologies/quorum/internal/config"
	"github.com/ssd-technologies/quorum/internal/feeder"
	"github.com/ssd-technologies/quorum/internal/jobcache"
	"github.com/ssd-technologies/quorum/internal/server"
	"github.com/ssd-technologies/quorum/internal/storage"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	addr := cfg.Server.Addr
	if port := os.Getenv("PORT"); port != "" {
		addr = ":" + port
	}

	dbPath := os.Getenv("QUORUM_DB")
	if dbPath == "" {
		dbPath = "data/quorum.db"
	}
	db, err := storage.NewDB(dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var cache jobcache.Cache = jobcache.NewArray(cfg.Scheduler.CacheSize)
	if redisAddr := os.Getenv("QUORUM_REDIS"); redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("Failed to reach redis at %s: %v", redisAddr, err)
		}
		defer rdb.Close()
		cache = jobcache.NewRedis(rdb, "quorum:cache", cfg.Scheduler.CacheSize)
	}

	srv := server.New(db, cache, cfg)
	if err := srv.SyncCatalog(ctx); err != nil {
		log.Fatalf("Failed to load app catalog: %v", err)
	}

	var f *feeder.Feeder
	if os.Getenv("QUORUM_FEEDER") != "off" {
		f = feeder.New(db, jobcache.Local(cache), cfg)
	}
	srv.StartWorkers(ctx, f)

	httpSrv := &http.Server{Addr: addr, Handler: srv}

	// Graceful shutdown on SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down...")
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		httpSrv.Shutdown(shutdownCtx)
	}()

	fmt.Printf("Quorum scheduler running on %s (cache %d slots)\n", addr, cache.Len())
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}
