package sched

import (
	"testing"

	"github.com/ssd-technologies/quorum/internal/config"
	"github.com/ssd-technologies/quorum/internal/jobcache"
	"github.com/ssd-technologies/quorum/internal/storage"
)

func testCandidate() *Candidate {
	return &Candidate{
		Slot: jobcache.Slot{Entry: jobcache.Entry{
			WorkUnit: storage.WorkUnit{ID: 9, AppID: 1, Priority: 3, Keywords: []string{"physics"}, InputFiles: []string{"a.dat", "b.dat"}},
		}},
		App: &storage.App{ID: 1, Name: "einstein"},
		BAV: &BestAppVersion{Usage: Usage{ProcType: storage.ProcCPU, AvgNCPUs: 1, ProjectedFlops: 4e9}},
		HAV: &storage.HostAppVersion{MaxJobsPerDay: 10},
	}
}

func TestScorer_Rejections(t *testing.T) {
	cfg := config.Default().Scheduler
	cfg.BatchAcceleration = true

	tests := []struct {
		name   string
		mutate func(c *Candidate, p *Prefs)
		want   RejectReason
	}{
		{"needs reliable", func(c *Candidate, p *Prefs) { c.Slot.Entry.NeedReliable = true }, RejectNeedsReliable},
		{"beta not allowed", func(c *Candidate, p *Prefs) { c.App.Beta = true }, RejectBeta},
		{"app not selected", func(c *Candidate, p *Prefs) { p.AppIDs = []int64{2} }, RejectAppNotSelected},
		{"batch acceleration", func(c *Candidate, p *Prefs) { c.Slot.Entry.WorkUnit.Priority = 50 }, RejectBatchAccel},
		{"unwanted keyword", func(c *Candidate, p *Prefs) { p.NoKeywords = []string{"physics"} }, RejectKeyword},
		{"memory", func(c *Candidate, p *Prefs) { c.Slot.Entry.WorkUnit.MemBound = 64e9 }, RejectHostResources},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testCandidate()
			req := cpuAndGPURequest()
			tt.mutate(c, &req.Prefs)
			hs := testHostState(req)
			s := NewScorer(cfg, DefaultWeights(), nil)
			if _, reason := s.Score(c, hs); reason != tt.want {
				t.Errorf("reason = %q, want %q", reason, tt.want)
			}
		})
	}
}

func TestScorer_Contributions(t *testing.T) {
	cfg := config.Default().Scheduler
	cfg.SizeClasses = true
	w := DefaultWeights()

	base := func() (*Candidate, *Request) { return testCandidate(), cpuAndGPURequest() }

	tests := []struct {
		name   string
		mutate func(c *Candidate, r *Request)
		want   float64
	}{
		{"priority only", func(c *Candidate, r *Request) {}, 3},
		{"non-preferred penalty", func(c *Candidate, r *Request) {
			r.Prefs.AppIDs = []int64{2}
			r.Prefs.AllowNonPreferred = true
		}, 3 + w.NonPreferred},
		{"infeasible retry", func(c *Candidate, r *Request) { c.Slot.Infeasible = 2 }, 3 + w.InfeasibleBonus},
		{"locality", func(c *Candidate, r *Request) {
			c.App.Locality = true
			r.StickyFiles = []string{"a.dat", "b.dat", "other"}
		}, 3 + 2*w.LocalityBonus},
		{"size match", func(c *Candidate, r *Request) {
			c.App.SizeQuantiles = []float64{1e9, 1e10}
			c.Slot.Entry.WorkUnit.SizeClass = 1
		}, 3 + w.SizeMatch},
		{"host faster", func(c *Candidate, r *Request) {
			c.App.SizeQuantiles = []float64{1e9, 1e10}
			c.Slot.Entry.WorkUnit.SizeClass = 0
		}, 3 + w.SizeHostFaster},
		{"host slower", func(c *Candidate, r *Request) {
			c.App.SizeQuantiles = []float64{1e9, 1e10}
			c.Slot.Entry.WorkUnit.SizeClass = 2
		}, 3 + w.SizeHostSlower},
		{"accelerated on reliable host", func(c *Candidate, r *Request) {
			c.Slot.Entry.WorkUnit.Priority = 10
			c.HAV.Reliable = true
		}, 10 + w.AccelBonus},
		{"keywords", func(c *Candidate, r *Request) { r.Prefs.YesKeywords = []string{"physics"} }, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, req := base()
			tt.mutate(c, req)
			s := NewScorer(cfg, w, nil)
			got, reason := s.Score(c, testHostState(req))
			if reason != RejectNone {
				t.Fatalf("rejected: %s", reason)
			}
			if got != tt.want {
				t.Errorf("score = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestScorer_CustomKeywordScorer(t *testing.T) {
	s := NewScorer(config.Default().Scheduler, DefaultWeights(), func([]string, *Prefs) float64 { return -0.5 })
	if _, reason := s.Score(testCandidate(), testHostState(cpuAndGPURequest())); reason != RejectKeyword {
		t.Fatalf("reason = %q", reason)
	}
}

func TestSizeClass(t *testing.T) {
	q := []float64{10, 20, 30}
	for flops, want := range map[float64]int{5: 0, 10: 1, 25: 2, 30: 3, 100: 3} {
		if got := sizeClass(flops, q); got != want {
			t.Errorf("sizeClass(%v) = %d, want %d", flops, got, want)
		}
	}
}
