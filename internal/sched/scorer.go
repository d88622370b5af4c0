package sched

import (
	"github.com/ssd-technologies/quorum/internal/config"
	"github.com/ssd-technologies/quorum/internal/jobcache"
	"github.com/ssd-technologies/quorum/internal/storage"
)

// RejectReason names why a candidate was screened out.
type RejectReason string

const (
	RejectNone           RejectReason = ""
	RejectNeedsReliable  RejectReason = "needs_reliable"
	RejectBeta           RejectReason = "beta"
	RejectAppNotSelected RejectReason = "app_not_selected"
	RejectBatchAccel     RejectReason = "batch_acceleration"
	RejectKeyword        RejectReason = "keyword"
	RejectHostResources  RejectReason = "host_resources"
	RejectOneResult      RejectReason = "one_result_per_host"
)

// Weights are the additive score contributions.
type Weights struct {
	AccelBonus      float64
	InfeasibleBonus float64
	LocalityBonus   float64 // per resident input file
	SizeMatch       float64
	SizeHostFaster  float64
	SizeHostSlower  float64
	NonPreferred    float64
}

func DefaultWeights() Weights {
	return Weights{
		AccelBonus:      10,
		InfeasibleBonus: 1,
		LocalityBonus:   10,
		SizeMatch:       5,
		SizeHostFaster:  -1,
		SizeHostSlower:  -2,
		NonPreferred:    -1,
	}
}

// KeywordScorer rates a job's keywords against the volunteer's keyword
// preferences. A negative value rejects the job.
type KeywordScorer func(keywords []string, p *Prefs) float64

// DefaultKeywordScore returns -1 if any keyword is unwanted, otherwise one
// point per wanted keyword.
func DefaultKeywordScore(keywords []string, p *Prefs) float64 {
	score := 0.0
	for _, kw := range keywords {
		for _, no := range p.NoKeywords {
			if kw == no {
				return -1
			}
		}
		for _, yes := range p.YesKeywords {
			if kw == yes {
				score++
			}
		}
	}
	return score
}

// Candidate is a scored (host, slot) pair living for one send pass.
type Candidate struct {
	Slot  jobcache.Slot
	App   *storage.App
	BAV   *BestAppVersion
	HAV   *storage.HostAppVersion
	Score float64
}

type Scorer struct {
	cfg      config.Scheduler
	w        Weights
	keywords KeywordScorer
}

func NewScorer(cfg config.Scheduler, w Weights, keywords KeywordScorer) *Scorer {
	if keywords == nil {
		keywords = DefaultKeywordScore
	}
	return &Scorer{cfg: cfg, w: w, keywords: keywords}
}

// Score screens c for hs and returns its score. A non-empty reason means
// the candidate is rejected and the score is meaningless.
func (s *Scorer) Score(c *Candidate, hs *HostState) (float64, RejectReason) {
	wu := &c.Slot.Entry.WorkUnit
	if c.Slot.Entry.NeedReliable && !c.HAV.Reliable {
		return 0, RejectNeedsReliable
	}
	if c.App.Beta && !hs.Prefs.AllowBeta {
		return 0, RejectBeta
	}
	score := 0.0
	if !appSelected(c.App.ID, &hs.Prefs) {
		if !hs.Prefs.AllowNonPreferred {
			return 0, RejectAppNotSelected
		}
		score += s.w.NonPreferred
	}
	if reason := hostInfeasible(wu, hs); reason != RejectNone {
		return 0, reason
	}

	if s.cfg.AccelPriority > 0 && wu.Priority >= s.cfg.AccelPriority {
		switch {
		case c.HAV.Reliable:
			score += s.w.AccelBonus
		case s.cfg.BatchAcceleration:
			return 0, RejectBatchAccel
		}
	}

	if c.Slot.Infeasible > 0 {
		score += s.w.InfeasibleBonus
	}

	if c.App.Locality {
		for _, f := range wu.InputFiles {
			if hs.sticky[f] {
				score += s.w.LocalityBonus
			}
		}
	}

	if s.cfg.SizeClasses && c.App.NSizeClasses() > 0 {
		hc := sizeClass(c.BAV.Usage.ProjectedFlops, c.App.SizeQuantiles)
		switch {
		case hc == wu.SizeClass:
			score += s.w.SizeMatch
		case hc > wu.SizeClass:
			score += s.w.SizeHostFaster
		default:
			score += s.w.SizeHostSlower
		}
	}

	score += float64(wu.Priority)

	ks := s.keywords(wu.Keywords, &hs.Prefs)
	if ks < 0 {
		return 0, RejectKeyword
	}
	return score + ks, RejectNone
}

// hostInfeasible checks the workunit against the host alone: memory, disk
// and one result of a workunit per RPC.
func hostInfeasible(wu *storage.WorkUnit, hs *HostState) RejectReason {
	if wu.MemBound > 0 && hs.Spec.MemBytes > 0 && wu.MemBound > hs.Spec.MemBytes {
		return RejectHostResources
	}
	if wu.DiskBound > 0 && hs.Spec.DiskFree > 0 && wu.DiskBound > hs.Spec.DiskFree {
		return RejectHostResources
	}
	if hs.sentWU[wu.ID] {
		return RejectOneResult
	}
	return RejectNone
}

func appSelected(appID int64, p *Prefs) bool {
	if len(p.AppIDs) == 0 {
		return true
	}
	for _, id := range p.AppIDs {
		if id == appID {
			return true
		}
	}
	return false
}

// sizeClass returns the index of the speed bucket flops falls in, given
// ascending quantile boundaries.
func sizeClass(flops float64, quantiles []float64) int {
	n := 0
	for _, q := range quantiles {
		if flops < q {
			break
		}
		n++
	}
	return n
}
