package sched

import (
	"github.com/ssd-technologies/quorum/internal/storage"
)

type appProc struct {
	appID int64
	pt    storage.ProcType
}

// HostState is the per-RPC view of a host: its hardware, its remaining
// request and what it already holds. It belongs to one RPC goroutine.
type HostState struct {
	Host  *storage.Host
	Spec  HostSpec
	Prefs Prefs

	sticky        map[string]bool
	noProc        [storage.NumProcTypes]bool
	inProgress    [storage.NumProcTypes]int
	appInProgress map[appProc]int
	sent          [storage.NumProcTypes]int
	sentWU        map[int64]bool
	havs          map[int64]*storage.HostAppVersion
	reasons       map[string]bool
	rejected      map[int64]bool

	assignments []Assignment
}

func newHostState(host *storage.Host, req *Request, counts []storage.InProgressCount) *HostState {
	hs := &HostState{
		Host: host,
		Spec: HostSpec{
			Platform:  req.Platform,
			CPUFlops:  host.PFpops,
			NCPUs:     host.NCPUs,
			MemBytes:  host.MemBytes,
			DiskFree:  host.DiskFree,
			Resources: req.Resources,
		},
		Prefs:         req.Prefs,
		sticky:        make(map[string]bool, len(req.StickyFiles)),
		appInProgress: make(map[appProc]int),
		sentWU:        make(map[int64]bool),
		havs:          make(map[int64]*storage.HostAppVersion),
		reasons:       make(map[string]bool),
	}
	if hs.Spec.Platform == "" {
		hs.Spec.Platform = host.Platform
	}
	for _, f := range req.StickyFiles {
		hs.sticky[f] = true
	}
	for _, name := range req.Prefs.NoProcTypes {
		if pt, ok := storage.ParseProcType(name); ok {
			hs.noProc[pt] = true
		}
	}
	for _, c := range counts {
		if c.ProcType >= 0 && c.ProcType < storage.NumProcTypes {
			hs.inProgress[c.ProcType] += c.N
		}
		hs.appInProgress[appProc{c.AppID, c.ProcType}] += c.N
	}
	return hs
}

// instances is the number of processor instances of pt on the host.
func (hs *HostState) instances(pt storage.ProcType) int {
	n := hs.Spec.Resources[pt].Instances
	if pt == storage.ProcCPU && n == 0 {
		n = hs.Spec.NCPUs
	}
	if pt == storage.ProcCPU && n == 0 {
		n = 1
	}
	return n
}

// wants reports whether the host still requests work for pt.
func (hs *HostState) wants(pt storage.ProcType) bool {
	if pt < 0 || pt >= storage.NumProcTypes || hs.noProc[pt] {
		return false
	}
	if pt != storage.ProcCPU && hs.Spec.Resources[pt].Instances == 0 {
		return false
	}
	r := hs.Spec.Resources[pt]
	return r.ReqSecs > 0 || r.ReqInstances > 0
}

// moreWorkNeeded is the stop predicate of a send pass.
func (hs *HostState) moreWorkNeeded(pt storage.ProcType) bool {
	if pt != ResourceAny {
		return hs.wants(pt)
	}
	for p := storage.ProcCPU; p < storage.NumProcTypes; p++ {
		if hs.wants(p) {
			return true
		}
	}
	return false
}

// suspendOthers zeroes the request of every type but pt and returns a
// function restoring the saved values.
func (hs *HostState) suspendOthers(pt storage.ProcType) func() {
	if pt == ResourceAny {
		return func() {}
	}
	type saved struct{ secs, inst float64 }
	var keep [storage.NumProcTypes]saved
	for p := storage.ProcCPU; p < storage.NumProcTypes; p++ {
		if p == pt {
			continue
		}
		r := &hs.Spec.Resources[p]
		keep[p] = saved{r.ReqSecs, r.ReqInstances}
		r.ReqSecs, r.ReqInstances = 0, 0
	}
	return func() {
		for p := storage.ProcCPU; p < storage.NumProcTypes; p++ {
			if p == pt {
				continue
			}
			r := &hs.Spec.Resources[p]
			r.ReqSecs, r.ReqInstances = keep[p].secs, keep[p].inst
		}
	}
}

// charge subtracts one job from the remaining request.
func (hs *HostState) charge(u Usage, secs float64) {
	r := &hs.Spec.Resources[u.ProcType]
	r.ReqSecs -= secs
	if r.ReqSecs < 0 {
		r.ReqSecs = 0
	}
	r.ReqInstances -= u.Instances()
	if r.ReqInstances < 0 {
		r.ReqInstances = 0
	}
	r.EstDelay += secs / float64(hs.instances(u.ProcType))
}

func (hs *HostState) note(reason string) {
	hs.reasons[reason] = true
}
