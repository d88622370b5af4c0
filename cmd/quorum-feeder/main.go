package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ssd-technologies/quorum/internal/config"
	"github.com/ssd-technologies/quorum/internal/feeder"
	"github.com/ssd-technologies/quorum/internal/jobcache"
	"github.com/ssd-technologies/quorum/internal/storage"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
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

	// Push either to a scheduler's feed endpoint or to the shared Redis cache.
	var sink jobcache.Sink
	switch {
	case os.Getenv("QUORUM_FEED_URL") != "":
		fc, err := jobcache.DialFeed(ctx, os.Getenv("QUORUM_FEED_URL"), "feeder-"+uuid.NewString())
		if err != nil {
			log.Fatalf("Failed to connect to scheduler: %v", err)
		}
		defer fc.Close()
		sink = fc
	case os.Getenv("QUORUM_REDIS") != "":
		rdb := redis.NewClient(&redis.Options{Addr: os.Getenv("QUORUM_REDIS")})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("Failed to reach redis: %v", err)
		}
		defer rdb.Close()
		sink = jobcache.Local(jobcache.NewRedis(rdb, "quorum:cache", cfg.Scheduler.CacheSize))
	default:
		log.Fatal("QUORUM_FEED_URL or QUORUM_REDIS is required")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down...")
		cancel()
	}()

	log.Println("Quorum feeder running")
	feeder.New(db, sink, cfg).Run(ctx)
}
