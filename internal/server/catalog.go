package server

import (
	"context"
	"fmt"
	"log"

	"github.com/ssd-technologies/quorum/internal/config"
	"github.com/ssd-technologies/quorum/internal/storage"
)

// SyncCatalog upserts the apps and app versions listed in the config and
// drops the dispatcher's cached copy. Versions already in the store are
// kept; nothing is deleted.
func (s *Server) SyncCatalog(ctx context.Context) error {
	n, err := syncCatalog(ctx, s.db, s.cfg.Apps)
	if err != nil {
		return err
	}
	s.catalog.Reload()
	if n > 0 {
		log.Printf("[server] catalog: %d apps from config", n)
	}
	return nil
}

func syncCatalog(ctx context.Context, db *storage.DB, apps []config.AppSpec) (int, error) {
	for _, as := range apps {
		app := &storage.App{
			Name:            as.Name,
			Beta:            as.Beta,
			NonCPUIntensive: as.NonCPUIntensive,
			Locality:        as.Locality,
			Buda:            as.Buda,
			SizeQuantiles:   as.SizeQuantiles,
			Replication:     as.Replication,
		}
		if err := db.UpsertApp(ctx, app); err != nil {
			return 0, fmt.Errorf("sync app %s: %w", as.Name, err)
		}
		for _, v := range as.Versions {
			av := &storage.AppVersion{
				AppID:      app.ID,
				Platform:   v.Platform,
				VersionNum: v.VersionNum,
				PlanClass:  v.PlanClass,
				Variant:    v.Variant,
			}
			if err := db.EnsureAppVersion(ctx, av); err != nil {
				return 0, fmt.Errorf("sync app %s version %d: %w", as.Name, v.VersionNum, err)
			}
		}
	}
	return len(apps), nil
}
