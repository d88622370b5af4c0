package sched

import (
	"context"
	"sync"

	"github.com/ssd-technologies/quorum/internal/storage"
)

// Catalog caches apps and their versions. Both change rarely; Reload drops
// the cache so the next lookup reads the store again.
type Catalog struct {
	store *storage.DB

	mu       sync.RWMutex
	apps     map[int64]*storage.App
	versions map[int64][]storage.AppVersion
}

func NewCatalog(store *storage.DB) *Catalog {
	return &Catalog{
		store:    store,
		apps:     make(map[int64]*storage.App),
		versions: make(map[int64][]storage.AppVersion),
	}
}

// App returns the app with the given ID.
func (c *Catalog) App(ctx context.Context, id int64) (*storage.App, error) {
	c.mu.RLock()
	a, ok := c.apps[id]
	c.mu.RUnlock()
	if ok {
		return a, nil
	}
	a, err := c.store.GetApp(ctx, id)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.apps[id] = a
	c.mu.Unlock()
	return a, nil
}

// Versions returns the app's versions in enumeration (ID) order.
func (c *Catalog) Versions(ctx context.Context, appID int64) ([]storage.AppVersion, error) {
	c.mu.RLock()
	v, ok := c.versions[appID]
	c.mu.RUnlock()
	if ok {
		return v, nil
	}
	v, err := c.store.ListAppVersions(ctx, appID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.versions[appID] = v
	c.mu.Unlock()
	return v, nil
}

func (c *Catalog) Reload() {
	c.mu.Lock()
	c.apps = make(map[int64]*storage.App)
	c.versions = make(map[int64][]storage.AppVersion)
	c.mu.Unlock()
}
