// Package feeder keeps the job cache stocked with unsent results.
package feeder

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"time"

	"github.com/ssd-technologies/quorum/internal/config"
	"github.com/ssd-technologies/quorum/internal/jobcache"
	"github.com/ssd-technologies/quorum/internal/metrics"
	"github.com/ssd-technologies/quorum/internal/storage"
)

// Feeder copies unsent results of live workunits into EMPTY cache slots,
// never adding a result that is already resident.
type Feeder struct {
	store         *storage.DB
	sink          jobcache.Sink
	cfg           config.Feeder
	reliableAfter int
	now           func() time.Time
}

func New(store *storage.DB, sink jobcache.Sink, cfg *config.Config) *Feeder {
	return &Feeder{
		store:         store,
		sink:          sink,
		cfg:           cfg.Feeder,
		reliableAfter: cfg.Scheduler.ReliableAfterErrors,
		now:           time.Now,
	}
}

// Run fills the cache every interval until ctx is cancelled.
func (f *Feeder) Run(ctx context.Context) {
	interval := f.cfg.Interval.Duration
	if interval <= 0 {
		interval = 5 * time.Second
	}
	for {
		n, err := f.Fill(ctx)
		if err != nil {
			log.Printf("[feeder] fill: %v", err)
		} else if n > 0 {
			log.Printf("[feeder] filled %d slots", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// Fill runs one pass and returns the number of slots filled.
func (f *Feeder) Fill(ctx context.Context) (int, error) {
	vac, err := f.sink.Vacancies(ctx)
	if err != nil {
		return 0, err
	}
	if len(vac.Empty) == 0 {
		return 0, nil
	}
	limit := len(vac.Empty)
	if f.cfg.BatchSize > 0 && limit > f.cfg.BatchSize {
		limit = f.cfg.BatchSize
	}
	resident := make(map[int64]bool, len(vac.Resident))
	for _, id := range vac.Resident {
		resident[id] = true
	}
	jobs, err := f.store.ListSendable(ctx, limit, resident)
	if err != nil {
		return 0, err
	}

	versions := make(map[int64]bool)
	dead := make(map[int64]bool)
	reliable := make(map[int64]bool)
	filled, slot := 0, 0
	for _, job := range jobs {
		wu := job.WorkUnit
		if dead[wu.ID] {
			continue
		}
		ok, seen := versions[wu.AppID]
		if !seen {
			avs, err := f.store.ListAppVersions(ctx, wu.AppID)
			if err != nil {
				return filled, err
			}
			ok = len(avs) > 0
			versions[wu.AppID] = ok
		}
		if !ok {
			dead[wu.ID] = true
			f.noAppVersion(ctx, &wu)
			continue
		}

		needReliable, seen := reliable[wu.ID]
		if !seen && f.reliableAfter > 0 {
			tally, err := f.store.CountResults(ctx, wu.ID)
			if err != nil {
				return filled, err
			}
			needReliable = tally.Errors >= f.reliableAfter
			reliable[wu.ID] = needReliable
		}

		e := jobcache.Entry{WorkUnit: wu, Result: job.Result, NeedReliable: needReliable}
		for slot < len(vac.Empty) {
			idx := vac.Empty[slot]
			slot++
			err := f.sink.Fill(ctx, idx, e)
			if errors.Is(err, jobcache.ErrSlotBusy) {
				continue
			}
			if err != nil {
				return filled, err
			}
			filled++
			metrics.CacheFilled.Inc()
			break
		}
		if slot >= len(vac.Empty) {
			break
		}
	}
	return filled, nil
}

func (f *Feeder) noAppVersion(ctx context.Context, wu *storage.WorkUnit) {
	err := f.store.MarkWorkUnitError(ctx, wu.ID, storage.WUErrNoAppVersion, f.now().Unix())
	if errors.Is(err, sql.ErrNoRows) {
		return
	}
	if err != nil {
		log.Printf("[feeder] workunit %s: %v", wu.Name, err)
		return
	}
	metrics.WorkUnitErrors.WithLabelValues("no_app_version").Inc()
	log.Printf("[feeder] workunit %s: app has no versions, failed", wu.Name)
}
