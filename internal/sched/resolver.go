package sched

import (
	"context"
	"fmt"

	"github.com/ssd-technologies/quorum/internal/config"
	"github.com/ssd-technologies/quorum/internal/storage"
)

// HostSpec is the hardware view of a host used to estimate usage.
type HostSpec struct {
	Platform  string
	CPUFlops  float64 // per CPU
	NCPUs     int
	MemBytes  float64
	DiskFree  float64
	Resources [storage.NumProcTypes]Resource
}

// Estimator computes the usage profile of an app version on a host. It
// reports false when the version cannot run there at all.
type Estimator interface {
	Estimate(av *storage.AppVersion, h *HostSpec) (Usage, bool)
}

// PlanClassEstimator is a table-driven Estimator. A BUDA variant without
// a plan class uses the plan class named like the variant, if there is
// one. Versions without a plan class run sequentially on one CPU.
type PlanClassEstimator struct {
	classes map[string]config.PlanClass
}

func NewPlanClassEstimator(classes []config.PlanClass) *PlanClassEstimator {
	m := make(map[string]config.PlanClass, len(classes))
	for _, pc := range classes {
		m[pc.Name] = pc
	}
	return &PlanClassEstimator{classes: m}
}

func (e *PlanClassEstimator) Estimate(av *storage.AppVersion, h *HostSpec) (Usage, bool) {
	name := av.PlanClass
	if name == "" {
		if _, ok := e.classes[av.Variant]; ok {
			name = av.Variant
		}
	}
	if name == "" {
		return Usage{ProcType: storage.ProcCPU, AvgNCPUs: 1, ProjectedFlops: h.CPUFlops}, true
	}
	pc, ok := e.classes[name]
	if !ok {
		return Usage{}, false
	}
	pt, ok := storage.ParseProcType(pc.ProcType)
	if !ok {
		return Usage{}, false
	}
	scale := pc.FlopsScale
	if scale <= 0 {
		scale = 1
	}
	ncpus := pc.AvgNCPUs

	if pt == storage.ProcCPU {
		if ncpus <= 0 {
			ncpus = float64(h.NCPUs)
		}
		if h.NCPUs > 0 && ncpus > float64(h.NCPUs) {
			ncpus = float64(h.NCPUs)
		}
		if ncpus <= 0 {
			return Usage{}, false
		}
		return Usage{ProcType: pt, AvgNCPUs: ncpus, ProjectedFlops: scale * h.CPUFlops * ncpus}, true
	}

	r := h.Resources[pt]
	if r.Instances == 0 {
		return Usage{}, false
	}
	if pc.MinPeakFlops > 0 && r.PeakFlops < pc.MinPeakFlops {
		return Usage{}, false
	}
	gpu := pc.GPUUsage
	if gpu <= 0 {
		gpu = 1
	}
	return Usage{
		ProcType:       pt,
		GPUUsage:       gpu,
		AvgNCPUs:       ncpus,
		ProjectedFlops: scale * (r.PeakFlops*gpu + h.CPUFlops*ncpus),
	}, true
}

// Resolver picks the best app version of a workunit for a host.
type Resolver struct {
	catalog *Catalog
	est     Estimator
}

func NewResolver(catalog *Catalog, est Estimator) *Resolver {
	return &Resolver{catalog: catalog, est: est}
}

// Resolve returns the version with the highest projected flops among those
// that match the host's platform, run on pt (any type when pt is
// ResourceAny) and use a processor type the host still wants. Equal flops
// keep the earlier version. BUDA apps only consider their variants. A nil
// result with a nil error means nothing fits.
func (r *Resolver) Resolve(ctx context.Context, app *storage.App, pt storage.ProcType, hs *HostState) (*BestAppVersion, error) {
	versions, err := r.catalog.Versions(ctx, app.ID)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", app.Name, err)
	}
	if app.Buda {
		versions = variants(versions)
	}
	return pickBest(versions, r.est, pt, hs), nil
}

func variants(versions []storage.AppVersion) []storage.AppVersion {
	var out []storage.AppVersion
	for _, av := range versions {
		if av.Variant != "" {
			out = append(out, av)
		}
	}
	return out
}

func pickBest(versions []storage.AppVersion, est Estimator, pt storage.ProcType, hs *HostState) *BestAppVersion {
	var best *BestAppVersion
	for i := range versions {
		av := &versions[i]
		if av.Platform != "" && av.Platform != hs.Spec.Platform {
			continue
		}
		u, ok := est.Estimate(av, &hs.Spec)
		if !ok {
			continue
		}
		if pt != ResourceAny && u.ProcType != pt {
			continue
		}
		if !hs.wants(u.ProcType) {
			continue
		}
		if best == nil || u.ProjectedFlops > best.Usage.ProjectedFlops {
			best = &BestAppVersion{AppVersion: *av, Usage: u}
		}
	}
	return best
}
