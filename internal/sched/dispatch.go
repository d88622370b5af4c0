package sched

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ssd-technologies/quorum/internal/config"
	"github.com/ssd-technologies/quorum/internal/jobcache"
	"github.com/ssd-technologies/quorum/internal/metrics"
	"github.com/ssd-technologies/quorum/internal/storage"
)

const defaultDelayBound = 7 * 24 * 3600

// Stop and skip reasons reported back to the volunteer.
const (
	reasonDailyQuota  = "daily_quota"
	reasonInProgress  = "in_progress"
	reasonAppLimit    = "app_limit"
	reasonRPCLimit    = "rpc_limit"
	reasonNoVariant   = "no_variant"
	reasonBeta        = string(RejectBeta)
	reasonNotSelected = string(RejectAppNotSelected)
	reasonKeyword     = string(RejectKeyword)
	reasonResources   = string(RejectHostResources)
)

var reasonText = []struct {
	reason, text string
}{
	{reasonDailyQuota, "This computer has reached its daily limit of tasks."},
	{reasonInProgress, "This computer has reached its limit of tasks in progress."},
	{reasonAppLimit, "This computer has reached the in-progress limit for an application."},
	{reasonRPCLimit, "Reached the limit of tasks per request."},
	{reasonNoVariant, "No application version is available for this computer."},
	{reasonBeta, "Tasks are available only for beta applications, which your preferences exclude."},
	{reasonNotSelected, "Tasks are available only for applications you have not selected."},
	{reasonKeyword, "Available tasks match keywords your preferences exclude."},
	{reasonResources, "Available tasks need more memory or disk than this computer has."},
}

// errStale marks a candidate whose workunit changed after it was cached.
var errStale = errors.New("candidate is stale")

// Dispatcher builds scheduler replies from the job cache. It is safe for
// concurrent use; all per-RPC state lives in a HostState.
type Dispatcher struct {
	store    *storage.DB
	cache    jobcache.Cache
	catalog  *Catalog
	resolver *Resolver
	scorer   *Scorer
	cfg      config.Scheduler
	now      func() time.Time
	offset   func(n int) int
}

func NewDispatcher(store *storage.DB, cache jobcache.Cache, catalog *Catalog, resolver *Resolver, scorer *Scorer, cfg config.Scheduler) *Dispatcher {
	return &Dispatcher{
		store:    store,
		cache:    cache,
		catalog:  catalog,
		resolver: resolver,
		scorer:   scorer,
		cfg:      cfg,
		now:      time.Now,
		offset:   rand.Intn,
	}
}

// Send handles one host RPC. An error is returned only when the store or
// cache cannot be read at all; everything else degrades to fewer jobs.
func (d *Dispatcher) Send(ctx context.Context, req *Request) (*Reply, error) {
	start := time.Now()
	defer func() { metrics.DispatchSeconds.Observe(time.Since(start).Seconds()) }()

	host, err := d.store.GetHost(ctx, req.HostID)
	if err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}
	counts, err := d.store.InProgressCounts(ctx, host.ID)
	if err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}
	hs := newHostState(host, req, counts)
	worker := uuid.NewString()

	if d.cfg.PerResourceScan {
		for pt := storage.ProcCPU; pt < storage.NumProcTypes; pt++ {
			if !hs.wants(pt) {
				continue
			}
			if err := d.SendType(ctx, hs, worker, pt); err != nil {
				return nil, err
			}
		}
	} else if hs.moreWorkNeeded(ResourceAny) {
		if err := d.SendType(ctx, hs, worker, ResourceAny); err != nil {
			return nil, err
		}
	}

	reply := &Reply{Assignments: hs.assignments}
	if len(reply.Assignments) == 0 {
		for _, rt := range reasonText {
			if hs.reasons[rt.reason] {
				reply.Messages = append(reply.Messages, Message{Text: rt.text, Severity: SeverityNotice})
			}
		}
		if len(reply.Messages) == 0 {
			reply.Messages = append(reply.Messages, Message{Text: "No tasks are available.", Severity: SeverityLow})
		}
		reply.RequestDelay = d.cfg.NoWorkDelay.Seconds()
	}
	return reply, nil
}

// SendType runs one scan/score/commit pass for processor type pt
// (ResourceAny for every type the host wants).
func (d *Dispatcher) SendType(ctx context.Context, hs *HostState, worker string, pt storage.ProcType) error {
	restore := hs.suspendOthers(pt)
	defer restore()

	cands, err := d.scan(ctx, hs, pt)
	if err != nil {
		return err
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].Score > cands[j].Score })

	for i := range cands {
		c := &cands[i]
		if !hs.moreWorkNeeded(pt) {
			break
		}
		cpt := c.BAV.Usage.ProcType
		if lim := d.cfg.MaxInProgressFor(cpt) * hs.instances(cpt); lim > 0 && hs.inProgress[cpt] >= lim {
			hs.note(reasonInProgress)
			break
		}
		if lim := d.cfg.AppLimitFor(c.App.Name, cpt); lim > 0 && hs.appInProgress[appProc{c.App.ID, cpt}] >= lim {
			hs.note(reasonAppLimit)
			break
		}
		if hs.sent[cpt] >= d.maxJobsPerRPC(hs, cpt) {
			hs.note(reasonRPCLimit)
			break
		}
		if c.HAV.NJobsToday >= c.HAV.MaxJobsPerDay*hs.instances(cpt) {
			hs.note(reasonDailyQuota)
			continue
		}

		ok, err := d.cache.Claim(ctx, c.Slot.Index, worker, c.Slot.Entry.Result.ID)
		if err != nil {
			log.Printf("[send] claim slot %d: %v", c.Slot.Index, err)
			continue
		}
		if !ok {
			continue
		}
		feasible, hostOnly := d.recheck(c, hs)
		to := jobcache.SlotEmpty
		if !feasible && hostOnly {
			to = jobcache.SlotPresent
		}
		if err := d.cache.Release(ctx, c.Slot.Index, worker, to); err != nil {
			log.Printf("[send] release slot %d: %v", c.Slot.Index, err)
		}
		if !feasible {
			continue
		}

		if err := d.commit(ctx, hs, c); err != nil {
			metrics.CommitConflicts.Inc()
			log.Printf("[send] host %d result %s not sent: %v", hs.Host.ID, c.Slot.Entry.Result.Name, err)
			continue
		}
	}
	return nil
}

// scan reads a randomly offset window of the cache and returns the
// candidates that pass screening.
func (d *Dispatcher) scan(ctx context.Context, hs *HostState, pt storage.ProcType) ([]Candidate, error) {
	n := d.cache.Len()
	if n == 0 {
		return nil, nil
	}
	slots, err := d.cache.Window(ctx, d.offset(n), d.cfg.ScanWindow)
	if err != nil {
		return nil, fmt.Errorf("scan job cache: %w", err)
	}

	var cands []Candidate
	for _, slot := range slots {
		if slot.State != jobcache.SlotPresent {
			continue
		}
		app, err := d.catalog.App(ctx, slot.Entry.WorkUnit.AppID)
		if err != nil {
			log.Printf("[send] slot %d: %v", slot.Index, err)
			continue
		}
		if app.NonCPUIntensive {
			continue
		}
		bav, err := d.resolver.Resolve(ctx, app, pt, hs)
		if err != nil {
			return nil, err
		}
		if bav == nil {
			hs.note(reasonNoVariant)
			if pt == ResourceAny {
				d.infeasible(ctx, hs, slot)
			}
			continue
		}
		hav, err := d.hav(ctx, hs, bav.AppVersion.ID)
		if err != nil {
			return nil, err
		}
		c := Candidate{Slot: slot, App: app, BAV: bav, HAV: hav}
		score, reason := d.scorer.Score(&c, hs)
		if reason != RejectNone {
			metrics.CandidatesRejected.WithLabelValues(string(reason)).Inc()
			hs.note(string(reason))
			d.infeasible(ctx, hs, slot)
			continue
		}
		c.Score = score
		cands = append(cands, c)
	}
	return cands, nil
}

// infeasible records on the slot that this host could not take it, once
// per RPC. A slot skipped only because it has no variant for the resource
// type of the current pass is not recorded.
func (d *Dispatcher) infeasible(ctx context.Context, hs *HostState, slot jobcache.Slot) {
	id := slot.Entry.Result.ID
	if hs.rejected[id] {
		return
	}
	if hs.rejected == nil {
		hs.rejected = make(map[int64]bool)
	}
	hs.rejected[id] = true
	if err := d.cache.MarkInfeasible(ctx, slot.Index, slot.Entry.Result.ID); err != nil {
		log.Printf("[send] mark slot %d infeasible: %v", slot.Index, err)
	}
}

func (d *Dispatcher) hav(ctx context.Context, hs *HostState, avID int64) (*storage.HostAppVersion, error) {
	if h, ok := hs.havs[avID]; ok {
		return h, nil
	}
	h, err := d.store.GetHostAppVersion(ctx, hs.Host.ID, avID, d.cfg.DailyQuota)
	if err != nil {
		return nil, fmt.Errorf("scan job cache: %w", err)
	}
	hs.havs[avID] = h
	return h, nil
}

func (d *Dispatcher) maxJobsPerRPC(hs *HostState, pt storage.ProcType) int {
	n := d.cfg.MaxJobsPerInstance * hs.instances(pt)
	if d.cfg.MaxJobsPerRPC > 0 && n > d.cfg.MaxJobsPerRPC {
		n = d.cfg.MaxJobsPerRPC
	}
	return n
}

// recheck runs the in-memory feasibility checks on a claimed slot. hostOnly
// is true when the candidate may still suit other hosts.
func (d *Dispatcher) recheck(c *Candidate, hs *HostState) (feasible, hostOnly bool) {
	wu := &c.Slot.Entry.WorkUnit
	if wu.ErrorMask != 0 || wu.CanonicalResultID != 0 {
		return false, false
	}
	if hostInfeasible(wu, hs) != RejectNone {
		return false, true
	}
	return true, false
}

// commit persists the send and charges it against the host's request.
func (d *Dispatcher) commit(ctx context.Context, hs *HostState, c *Candidate) error {
	now := d.now().Unix()
	wu, err := d.store.GetWorkUnit(ctx, c.Slot.Entry.WorkUnit.ID)
	if err != nil {
		return err
	}
	if wu.ErrorMask != 0 || wu.CanonicalResultID != 0 {
		return fmt.Errorf("workunit %s is finished: %w", wu.Name, errStale)
	}
	if d.cfg.OneResultPerHostPerWU {
		has, err := d.store.HostHasResultForWorkUnit(ctx, hs.Host.ID, wu.ID)
		if err != nil {
			return err
		}
		if has {
			return fmt.Errorf("host already has a result of %s: %w", wu.Name, errStale)
		}
	}

	delay := wu.DelayBound
	if delay <= 0 {
		delay = defaultDelayBound
	}
	u := c.BAV.Usage
	upd := storage.SendUpdate{
		ResultID:       c.Slot.Entry.Result.ID,
		HostID:         hs.Host.ID,
		UserID:         hs.Host.UserID,
		AppVersionID:   c.BAV.AppVersion.ID,
		ProcType:       u.ProcType,
		SentTime:       now,
		ReportDeadline: now + delay,
	}
	if err := d.store.MarkResultSent(ctx, upd); err != nil {
		return err
	}

	if err := d.store.IncrementJobsToday(ctx, hs.Host.ID, c.BAV.AppVersion.ID); err != nil {
		log.Printf("[send] host %d: %v", hs.Host.ID, err)
	}
	c.HAV.NJobsToday++

	if wu.TargetNResults == 1 && !c.HAV.Trusted {
		d.escalate(ctx, c.App, wu, now)
	}

	est := 0.0
	if u.ProjectedFlops > 0 {
		est = wu.FpopsEst / u.ProjectedFlops
	}
	hs.charge(u, est)
	hs.inProgress[u.ProcType]++
	hs.appInProgress[appProc{c.App.ID, u.ProcType}]++
	hs.sent[u.ProcType]++
	hs.sentWU[wu.ID] = true

	r := c.Slot.Entry.Result
	r.ServerState = storage.ServerStateInProgress
	r.HostID, r.UserID = upd.HostID, upd.UserID
	r.AppVersionID, r.ProcType = upd.AppVersionID, upd.ProcType
	r.SentTime, r.ReportDeadline = upd.SentTime, upd.ReportDeadline
	hs.assignments = append(hs.assignments, Assignment{
		WorkUnit:       *wu,
		Result:         r,
		AppVersion:     c.BAV.AppVersion,
		Usage:          u,
		EstRuntime:     est,
		ReportDeadline: upd.ReportDeadline,
	})
	metrics.JobsSent.WithLabelValues(u.ProcType.String()).Inc()
	log.Printf("[send] result %s to host %d (%s, score %.1f)", r.Name, hs.Host.ID, u.ProcType, c.Score)
	return nil
}

// escalate raises an unreplicated workunit to the app's replication factor
// because it went to an untrusted host. Only the first send escalates.
func (d *Dispatcher) escalate(ctx context.Context, app *storage.App, wu *storage.WorkUnit, now int64) {
	q := app.Replication
	if q < 2 {
		q = d.cfg.Replication
	}
	if q < 2 {
		return
	}
	err := d.store.EscalateReplication(ctx, wu.ID, q, now)
	switch {
	case err == nil:
		log.Printf("[send] workunit %s replicated to %d for untrusted host", wu.Name, q)
	case errors.Is(err, sql.ErrNoRows):
	default:
		log.Printf("[send] escalate %s: %v", wu.Name, err)
	}
}
