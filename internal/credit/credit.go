// Package credit grants validated work to hosts, users and teams.
package credit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/ssd-technologies/quorum/internal/metrics"
	"github.com/ssd-technologies/quorum/internal/storage"
)

const secondsPerDay = 86400

// DefaultHalfLife is the decay half-life of recent average credit.
const DefaultHalfLife = 7 * secondsPerDay

// UpdateAverage folds work done between workStart and now into an
// exponentially decaying per-day average. avgTime is the time of the last
// update, zero if there was none. It returns the new average and time.
func UpdateAverage(now, workStart, work, halfLife, avg, avgTime float64) (float64, float64) {
	if avgTime > 0 {
		diff := now - avgTime
		if diff < 0 {
			diff = 0
		}
		weight := math.Exp(-diff * math.Ln2 / halfLife)
		avg *= weight
		if 1-weight > 1e-6 {
			avg += (1 - weight) * (work / (diff / secondsPerDay))
		} else {
			avg += math.Ln2 * work * secondsPerDay / halfLife
		}
	} else if work > 0 {
		days := (now - workStart) / secondsPerDay
		if days > 0 {
			avg = work / days
		} else {
			avg = work
		}
	}
	return avg, now
}

// Granter adds credit to the host, user and team of a result.
type Granter struct {
	store    *storage.DB
	halfLife float64
	now      func() time.Time
}

// NewGranter creates a Granter. A non-positive halfLife uses DefaultHalfLife.
func NewGranter(store *storage.DB, halfLife time.Duration) *Granter {
	hl := halfLife.Seconds()
	if hl <= 0 {
		hl = DefaultHalfLife
	}
	return &Granter{store: store, halfLife: hl, now: time.Now}
}

// Grant adds amount to the lifetime total and recent average of the
// result's host, user and (if any) team. A failure on one entity does not
// stop the others; all failures are logged and returned joined.
func (g *Granter) Grant(ctx context.Context, r *storage.Result, amount float64) error {
	if amount <= 0 {
		return nil
	}
	type target struct {
		entity storage.CreditEntity
		id     int64
	}
	targets := []target{{storage.CreditHost, r.HostID}, {storage.CreditUser, r.UserID}}

	var errs []error
	user, err := g.store.GetUser(ctx, r.UserID)
	switch {
	case err != nil:
		log.Printf("[credit] result %s: team lookup: %v", r.Name, err)
		errs = append(errs, fmt.Errorf("grant credit: %w", err))
	case user.TeamID != 0:
		targets = append(targets, target{storage.CreditTeam, user.TeamID})
	}

	now := float64(g.now().Unix())
	for _, t := range targets {
		if err := g.add(ctx, t.entity, t.id, amount, float64(r.SentTime), now); err != nil {
			log.Printf("[credit] %s %d: %v", t.entity, t.id, err)
			errs = append(errs, err)
		}
	}
	metrics.CreditGranted.Add(amount)
	return errors.Join(errs...)
}

// add applies one credit update, retrying once if a concurrent writer
// changed the row between read and write.
func (g *Granter) add(ctx context.Context, entity storage.CreditEntity, id int64, amount, workStart, now float64) error {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		var prev storage.Credit
		prev, err = g.store.GetCredit(ctx, entity, id)
		if err != nil {
			return fmt.Errorf("grant credit to %s %d: %w", entity, id, err)
		}
		next := prev
		next.Total += amount
		next.ExpAvg, next.ExpAvgTime = UpdateAverage(now, workStart, amount, g.halfLife, prev.ExpAvg, prev.ExpAvgTime)
		err = g.store.UpdateCredit(ctx, entity, id, prev, next)
		if !errors.Is(err, sql.ErrNoRows) {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("grant credit to %s %d: %w", entity, id, err)
	}
	return nil
}

// Canonical returns the credit granted for a workunit from the claimed
// credits of its valid results: the only value, the lower of two, or the
// mean without the highest and lowest of three or more.
func Canonical(claimed []float64) float64 {
	switch len(claimed) {
	case 0:
		return 0
	case 1:
		return claimed[0]
	case 2:
		return math.Min(claimed[0], claimed[1])
	}
	lo, hi, sum := claimed[0], claimed[0], 0.0
	for _, c := range claimed {
		sum += c
		lo = math.Min(lo, c)
		hi = math.Max(hi, c)
	}
	return (sum - lo - hi) / float64(len(claimed)-2)
}
