// Package sched decides which cached candidates a requesting host gets:
// it resolves a variant per candidate, scores and screens candidates, and
// commits the winners under the configured limits.
package sched

import (
	"github.com/ssd-technologies/quorum/internal/storage"
)

// ResourceAny asks for a pass over every processor type the host still wants.
const ResourceAny storage.ProcType = -1

// Resource is what the host reports for one processor type.
type Resource struct {
	Instances    int     `json:"instances"`
	PeakFlops    float64 `json:"peak_flops"` // per instance
	ReqSecs      float64 `json:"req_secs"`
	ReqInstances float64 `json:"req_instances"`
	EstDelay     float64 `json:"estimated_delay"`
}

// Prefs are the volunteer's project preferences.
type Prefs struct {
	AllowBeta         bool     `json:"allow_beta"`
	AllowNonPreferred bool     `json:"allow_non_preferred"`
	AppIDs            []int64  `json:"app_ids,omitempty"` // empty selects every app
	NoProcTypes       []string `json:"no_proc_types,omitempty"`
	YesKeywords       []string `json:"yes_keywords,omitempty"`
	NoKeywords        []string `json:"no_keywords,omitempty"`
}

// Request is one scheduler RPC from a host.
type Request struct {
	HostID      int64
	Platform    string
	Resources   [storage.NumProcTypes]Resource
	Prefs       Prefs
	StickyFiles []string
}

// Usage is the resource profile of running one job with a given variant.
type Usage struct {
	ProcType       storage.ProcType `json:"proc_type"`
	GPUUsage       float64          `json:"gpu_usage"`
	AvgNCPUs       float64          `json:"avg_ncpus"`
	ProjectedFlops float64          `json:"projected_flops"`
}

// Instances is how much of its processor type one job occupies.
func (u Usage) Instances() float64 {
	if u.ProcType == storage.ProcCPU {
		return u.AvgNCPUs
	}
	return u.GPUUsage
}

// BestAppVersion is the variant chosen for one (host, workunit) pair.
type BestAppVersion struct {
	AppVersion storage.AppVersion `json:"app_version"`
	Usage      Usage              `json:"usage"`
}

// Assignment is one job handed to the host.
type Assignment struct {
	WorkUnit       storage.WorkUnit   `json:"workunit"`
	Result         storage.Result     `json:"result"`
	AppVersion     storage.AppVersion `json:"app_version"`
	Usage          Usage              `json:"usage"`
	EstRuntime     float64            `json:"est_runtime"`
	ReportDeadline int64              `json:"report_deadline"`
}

// Message severities.
const (
	SeverityLow    = "low"
	SeverityNotice = "notice"
)

// Message is a human-readable note returned to the volunteer.
type Message struct {
	Text     string `json:"text"`
	Severity string `json:"severity"`
}

// Reply is the scheduler's answer to a Request.
type Reply struct {
	Assignments  []Assignment `json:"assignments"`
	Messages     []Message    `json:"messages,omitempty"`
	RequestDelay float64      `json:"request_delay,omitempty"`
}
