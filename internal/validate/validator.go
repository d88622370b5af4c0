package validate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ssd-technologies/quorum/internal/config"
	"github.com/ssd-technologies/quorum/internal/credit"
	"github.com/ssd-technologies/quorum/internal/metrics"
	"github.com/ssd-technologies/quorum/internal/sched"
	"github.com/ssd-technologies/quorum/internal/storage"
)

// Validator scans workunits flagged need_validate and drives each one
// toward a canonical result. Run may be called from several goroutines,
// one per app; concurrent writers are resolved by conditional updates.
type Validator struct {
	store    *storage.DB
	registry *Registry
	granter  *credit.Granter
	cfg      config.Validator
	rel      config.Reliability
	quota    int
	now      func() time.Time

	mu   sync.RWMutex
	apps map[int64]*storage.App
}

// NewValidator creates a Validator.
func NewValidator(store *storage.DB, registry *Registry, granter *credit.Granter, cfg *config.Config) *Validator {
	return &Validator{
		store:    store,
		registry: registry,
		granter:  granter,
		cfg:      cfg.Validator,
		rel:      cfg.Reliability,
		quota:    cfg.Scheduler.DailyQuota,
		apps:     make(map[int64]*storage.App),
		now:      time.Now,
	}
}

// Run validates appID (0 for every app) until ctx is cancelled. A pass that
// fails on the store is abandoned and retried after the interval.
func (v *Validator) Run(ctx context.Context, appID int64) {
	interval := v.cfg.Interval.Duration
	if interval <= 0 {
		interval = 5 * time.Second
	}
	for {
		n, err := v.Pass(ctx, appID)
		if err != nil {
			log.Printf("[validate] pass aborted: %v", err)
		} else if n > 0 {
			log.Printf("[validate] processed %d workunits", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// Pass processes one batch of flagged workunits and returns how many were
// handled.
func (v *Validator) Pass(ctx context.Context, appID int64) (int, error) {
	limit := v.cfg.BatchSize
	if limit < 1 {
		limit = 100
	}
	wus, err := v.store.ListWorkUnitsToValidate(ctx, appID, limit)
	if err != nil {
		return 0, err
	}
	for i := range wus {
		if err := v.ValidateWorkUnit(ctx, &wus[i]); err != nil {
			return i, fmt.Errorf("validate workunit %s: %w", wus[i].Name, err)
		}
	}
	return len(wus), nil
}

// ValidateWorkUnit runs one validation step for wu. Stale preconditions
// are logged and skipped; any other returned error is a store failure.
func (v *Validator) ValidateWorkUnit(ctx context.Context, wu *storage.WorkUnit) error {
	results, err := v.store.ListResultsForWorkUnit(ctx, wu.ID)
	if err != nil {
		return err
	}
	app, err := v.app(ctx, wu.AppID)
	if err != nil {
		return err
	}
	cmp := v.registry.For(app.Name)

	// Error and total limits only apply before consensus; late results of
	// a workunit with a canonical result are always checked against it.
	if wu.CanonicalResultID != 0 {
		return v.checkAgainstCanonical(ctx, wu, results, cmp)
	}
	tally, err := v.store.CountResults(ctx, wu.ID)
	if err != nil {
		return err
	}
	if tally.Errors > wu.MaxErrorResults {
		return v.fail(ctx, wu, storage.WUErrTooManyErrors, "too_many_errors")
	}
	if tally.Total > wu.MaxTotalResults {
		return v.fail(ctx, wu, storage.WUErrTooManyTotal, "too_many_total")
	}
	return v.checkSet(ctx, wu, results, tally, cmp)
}

func (v *Validator) patient(cmp Comparator) Comparator {
	return expiring{Comparator: cmp, maxAge: v.cfg.MaxDeferral.Duration, now: v.now}
}

// pending returns the successful results that have not been validated.
func pending(results []storage.Result) []storage.Result {
	var out []storage.Result
	for _, r := range results {
		if r.ServerState == storage.ServerStateOver && r.Outcome == storage.OutcomeSuccess &&
			r.ValidateState == storage.ValidateStateInit {
			out = append(out, r)
		}
	}
	return out
}

func (v *Validator) checkSet(ctx context.Context, wu *storage.WorkUnit, results []storage.Result, tally storage.ResultTally, cmp Comparator) error {
	candidates := pending(results)
	if len(candidates) < wu.MinQuorum {
		if err := v.replenish(ctx, wu, tally); err != nil {
			return err
		}
		return v.clearFlag(ctx, wu)
	}

	out, err := CheckSet(ctx, v.patient(cmp), candidates, wu.MinQuorum)
	if err != nil {
		return v.retryLater(ctx, wu, err)
	}
	for _, i := range out.Failed {
		if err := v.markFailed(ctx, &candidates[i]); err != nil {
			return err
		}
	}

	if out.Canonical < 0 {
		if tally.Success > wu.MaxSuccessResults {
			return v.fail(ctx, wu, storage.WUErrTooManySuccess, "too_many_success")
		}
		if len(out.Deferred) > 0 {
			return v.retryLater(ctx, wu, fmt.Errorf("%d results unavailable", len(out.Deferred)))
		}
		if tally.Unsent+tally.InProgress == 0 {
			err := v.store.RaiseTargetResults(ctx, wu.ID, v.now().Unix())
			switch {
			case errors.Is(err, sql.ErrNoRows):
				return v.fail(ctx, wu, storage.WUErrTooManyTotal, "too_many_total")
			case err != nil:
				return err
			}
			log.Printf("[validate] workunit %s: no consensus among %d results, raised target", wu.Name, len(candidates))
		}
		return v.clearFlag(ctx, wu)
	}

	canonical := &candidates[out.Canonical]
	claimed := make([]float64, 0, len(out.Valid))
	for _, i := range out.Valid {
		claimed = append(claimed, candidates[i].ClaimedCredit)
	}
	amount := credit.Canonical(claimed)

	c := storage.Consensus{
		WorkUnitID:        wu.ID,
		CanonicalResultID: canonical.ID,
		CanonicalCredit:   amount,
		Now:               v.now().Unix(),
	}
	for _, i := range out.Valid {
		c.Verdicts = append(c.Verdicts, storage.ResultVerdict{
			ResultID: candidates[i].ID, ValidateState: storage.ValidateStateValid,
			Outcome: storage.OutcomeSuccess, GrantedCredit: amount,
		})
	}
	for _, i := range out.Invalid {
		c.Verdicts = append(c.Verdicts, storage.ResultVerdict{
			ResultID: candidates[i].ID, ValidateState: storage.ValidateStateInvalid,
			Outcome: storage.OutcomeSuccess,
		})
	}
	cancelled, err := v.store.CommitConsensus(ctx, c)
	if errors.Is(err, sql.ErrNoRows) {
		log.Printf("[validate] workunit %s: changed during validation, skipped", wu.Name)
		return nil
	}
	if err != nil {
		return err
	}
	log.Printf("[validate] workunit %s: canonical result %s, %d valid, %d invalid, %d unsent cancelled",
		wu.Name, canonical.Name, len(out.Valid), len(out.Invalid), cancelled)

	for _, i := range out.Valid {
		v.verdict(ctx, &candidates[i], true, amount)
	}
	for _, i := range out.Invalid {
		v.verdict(ctx, &candidates[i], false, 0)
	}
	if len(out.Deferred) > 0 {
		if err := v.store.SetNeedValidate(ctx, wu.ID, true); err != nil {
			return err
		}
		return v.retryLater(ctx, wu, fmt.Errorf("%d results unavailable", len(out.Deferred)))
	}
	return nil
}

func (v *Validator) checkAgainstCanonical(ctx context.Context, wu *storage.WorkUnit, results []storage.Result, cmp Comparator) error {
	var canonical *storage.Result
	for i := range results {
		if results[i].ID == wu.CanonicalResultID {
			canonical = &results[i]
			break
		}
	}
	var late []storage.Result
	for _, r := range pending(results) {
		if r.ID != wu.CanonicalResultID {
			late = append(late, r)
		}
	}
	if len(late) == 0 {
		return v.clearFlag(ctx, wu)
	}
	if canonical == nil {
		return v.unverifiable(ctx, wu, late, fmt.Errorf("canonical result %d missing: %w", wu.CanonicalResultID, ErrPermanent))
	}
	hc, err := cmp.Init(ctx, canonical)
	if err != nil {
		return v.unverifiable(ctx, wu, late, err)
	}
	defer cmp.Cleanup(canonical, hc)

	deferred := false
	for _, r := range late {
		ok, err := CheckPair(ctx, v.patient(cmp), canonical, hc, &r)
		switch {
		case err != nil && isPermanent(err):
			log.Printf("[validate] result %s: %v", r.Name, err)
			if err := v.markFailed(ctx, &r); err != nil {
				return err
			}
		case err != nil:
			log.Printf("[validate] result %s: deferred: %v", r.Name, err)
			deferred = true
		case ok:
			if err := v.record(ctx, &r, storage.ValidateStateValid, storage.OutcomeSuccess, wu.CanonicalCredit); err != nil {
				return err
			}
			v.verdict(ctx, &r, true, wu.CanonicalCredit)
		default:
			if err := v.record(ctx, &r, storage.ValidateStateInvalid, storage.OutcomeSuccess, 0); err != nil {
				return err
			}
			v.verdict(ctx, &r, false, 0)
		}
	}
	if deferred {
		return v.retryLater(ctx, wu, errors.New("results unavailable"))
	}
	return v.clearFlag(ctx, wu)
}

// unverifiable handles late results when the canonical result cannot be
// read. On a permanent failure, and for results that have waited past
// MaxDeferral, they are closed out as validate errors without touching
// their hosts' statistics. Anything else is retried later.
func (v *Validator) unverifiable(ctx context.Context, wu *storage.WorkUnit, late []storage.Result, cause error) error {
	permanent := isPermanent(cause)
	waiting := false
	for _, r := range late {
		if !permanent && !expired(&r, v.cfg.MaxDeferral.Duration, v.now()) {
			waiting = true
			continue
		}
		if err := v.record(ctx, &r, storage.ValidateStateInvalid, storage.OutcomeValidateError, 0); err != nil {
			return err
		}
		metrics.ValidatorOutcomes.WithLabelValues("unchecked").Inc()
	}
	if waiting {
		return v.retryLater(ctx, wu, fmt.Errorf("canonical result unavailable: %w", cause))
	}
	log.Printf("[validate] workunit %s: canonical result unreadable: %v", wu.Name, cause)
	return v.clearFlag(ctx, wu)
}

// retryLater leaves wu flagged and moves it behind the other flagged
// workunits for RetryDelay, so deferred workunits cannot fill every batch.
func (v *Validator) retryLater(ctx context.Context, wu *storage.WorkUnit, cause error) error {
	delay := v.cfg.RetryDelay.Duration
	if delay <= 0 {
		delay = time.Minute
	}
	log.Printf("[validate] workunit %s: deferred: %v", wu.Name, cause)
	err := v.store.DeferValidation(ctx, wu.ID, v.now().Add(delay).Unix())
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	return err
}

// replenish creates replacement results when errored results leave the
// workunit short of its target. A workunit that can neither get a new
// result nor has one outstanding can never reach quorum and is failed.
func (v *Validator) replenish(ctx context.Context, wu *storage.WorkUnit, tally storage.ResultTally) error {
	needed := wu.TargetNResults - (tally.Unsent + tally.InProgress + tally.Success)
	if needed <= 0 {
		return nil
	}
	added, err := v.store.AddResults(ctx, wu.ID, needed)
	if err != nil {
		return err
	}
	if added > 0 {
		log.Printf("[validate] workunit %s: added %d results", wu.Name, added)
		return nil
	}
	if tally.Unsent+tally.InProgress == 0 {
		return v.fail(ctx, wu, storage.WUErrTooManyTotal, "too_many_total")
	}
	return nil
}

func (v *Validator) fail(ctx context.Context, wu *storage.WorkUnit, bit int, reason string) error {
	err := v.store.MarkWorkUnitError(ctx, wu.ID, bit, v.now().Unix())
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	metrics.WorkUnitErrors.WithLabelValues(reason).Inc()
	log.Printf("[validate] workunit %s: failed (%s)", wu.Name, reason)
	return nil
}

func (v *Validator) clearFlag(ctx context.Context, wu *storage.WorkUnit) error {
	err := v.store.SetNeedValidate(ctx, wu.ID, false)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	return err
}

// markFailed records a result whose output could not be read at all.
func (v *Validator) markFailed(ctx context.Context, r *storage.Result) error {
	if err := v.record(ctx, r, storage.ValidateStateInvalid, storage.OutcomeValidateError, 0); err != nil {
		return err
	}
	v.verdict(ctx, r, false, 0)
	return nil
}

func (v *Validator) record(ctx context.Context, r *storage.Result, state, outcome int, granted float64) error {
	err := v.store.SetResultValidation(ctx, r.ID, state, outcome, granted)
	if errors.Is(err, sql.ErrNoRows) {
		log.Printf("[validate] result %s: already validated", r.Name)
		return nil
	}
	return err
}

// verdict applies the side effects of a decided result: host app version
// statistics and, for valid results, credit. Failures here are logged; the
// verdict itself is already committed.
func (v *Validator) verdict(ctx context.Context, r *storage.Result, valid bool, amount float64) {
	state := "invalid"
	if valid {
		state = "valid"
	}
	metrics.ValidatorOutcomes.WithLabelValues(state).Inc()

	if r.AppVersionID != 0 && r.HostID != 0 {
		hav, err := v.store.GetHostAppVersion(ctx, r.HostID, r.AppVersionID, v.quota)
		if err != nil {
			log.Printf("[validate] result %s: %v", r.Name, err)
		} else {
			var turnaround float64
			if r.ReceivedTime > r.SentTime && r.SentTime > 0 {
				turnaround = float64(r.ReceivedTime - r.SentTime)
			}
			sched.ApplyVerdict(hav, v.rel, v.quota, valid, turnaround)
			if err := v.store.UpdateHostAppVersion(ctx, hav); err != nil {
				log.Printf("[validate] result %s: %v", r.Name, err)
			}
		}
	}
	if valid && v.granter != nil {
		if err := v.granter.Grant(ctx, r, amount); err != nil {
			log.Printf("[validate] result %s: credit: %v", r.Name, err)
		}
	}
}

func (v *Validator) app(ctx context.Context, id int64) (*storage.App, error) {
	v.mu.RLock()
	a, ok := v.apps[id]
	v.mu.RUnlock()
	if ok {
		return a, nil
	}
	a, err := v.store.GetApp(ctx, id)
	if err != nil {
		return nil, err
	}
	v.mu.Lock()
	v.apps[id] = a
	v.mu.Unlock()
	return a, nil
}
