package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/ssd-technologies/quorum/internal/config"
	"github.com/ssd-technologies/quorum/internal/credit"
	"github.com/ssd-technologies/quorum/internal/storage"
	"github.com/ssd-technologies/quorum/internal/validate"
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

	// Apps to validate: QUORUM_APP, else the config list, else every app.
	names := cfg.Validator.Apps
	if app := os.Getenv("QUORUM_APP"); app != "" {
		names = []string{app}
	}
	appIDs := []int64{0}
	if len(names) > 0 {
		appIDs = appIDs[:0]
		for _, name := range names {
			app, err := db.GetAppByName(ctx, name)
			if err != nil {
				log.Fatalf("Unknown app %q: %v", name, err)
			}
			appIDs = append(appIDs, app.ID)
		}
	}

	registry := validate.NewRegistry(validate.Bitwise{Dir: cfg.Validator.OutputDir})
	granter := credit.NewGranter(db, cfg.Validator.CreditHalfLife.Duration)
	v := validate.NewValidator(db, registry, granter, cfg)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down...")
		cancel()
	}()

	log.Printf("Quorum validator running for %d app(s)", len(appIDs))
	var wg sync.WaitGroup
	for _, id := range appIDs {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			v.Run(ctx, id)
		}()
	}
	wg.Wait()
}
