// internal/storage/models.go
package storage

// ProcType identifies a processor type a job can run on.
type ProcType int

const (
	ProcCPU ProcType = iota
	ProcNVIDIA
	ProcAMD
	ProcIntel
	NumProcTypes
)

func (p ProcType) String() string {
	switch p {
	case ProcCPU:
		return "cpu"
	case ProcNVIDIA:
		return "nvidia"
	case ProcAMD:
		return "amd"
	case ProcIntel:
		return "intel"
	}
	return "unknown"
}

// ParseProcType maps a name produced by String back to a ProcType.
func ParseProcType(s string) (ProcType, bool) {
	for p := ProcCPU; p < NumProcTypes; p++ {
		if p.String() == s {
			return p, true
		}
	}
	return 0, false
}

// Result server states.
const (
	ServerStateUnsent     = 1
	ServerStateInProgress = 2
	ServerStateOver       = 3
)

// Result outcomes.
const (
	OutcomeInit          = 0
	OutcomeSuccess       = 1
	OutcomeClientError   = 2
	OutcomeNoReply       = 3
	OutcomeDidntNeed     = 4
	OutcomeValidateError = 5
)

// Result validate states.
const (
	ValidateStateInit    = 0
	ValidateStateValid   = 1
	ValidateStateInvalid = 2
)

// Workunit assimilate states.
const (
	AssimilateInit  = 0
	AssimilateReady = 1
	AssimilateDone  = 2
)

// Workunit error mask bits.
const (
	WUErrCouldntSend    = 1 << 0
	WUErrTooManyErrors  = 1 << 1
	WUErrTooManySuccess = 1 << 2
	WUErrTooManyTotal   = 1 << 3
	WUErrCancelled      = 1 << 4
	WUErrNoAppVersion   = 1 << 5
)

// App is a registered application.
type App struct {
	ID              int64     `json:"id"`
	Name            string    `json:"name"`
	Beta            bool      `json:"beta"`
	NonCPUIntensive bool      `json:"non_cpu_intensive"`
	Locality        bool      `json:"locality"`
	Buda            bool      `json:"buda"`
	SizeQuantiles   []float64 `json:"size_quantiles,omitempty"` // len == number of size classes - 1
	Replication     int       `json:"replication"`              // quorum used when an untrusted host gets an unreplicated job
	CreatedAt       int64     `json:"created_at"`
}

// NSizeClasses returns the number of size classes the app defines.
func (a *App) NSizeClasses() int {
	if len(a.SizeQuantiles) == 0 {
		return 0
	}
	return len(a.SizeQuantiles) + 1
}

// AppVersion is one executable build of an app. Variant is set for BUDA
// apps, where each variant is a container description resolved at dispatch.
type AppVersion struct {
	ID         int64  `json:"id"`
	AppID      int64  `json:"app_id"`
	Platform   string `json:"platform"`
	VersionNum int    `json:"version_num"`
	PlanClass  string `json:"plan_class,omitempty"`
	Variant    string `json:"variant,omitempty"`
	CreatedAt  int64  `json:"created_at"`
}

// Credit is the lifetime total and decayed recent average of an entity.
type Credit struct {
	Total      float64 `json:"total_credit"`
	ExpAvg     float64 `json:"expavg_credit"`
	ExpAvgTime float64 `json:"expavg_time"`
}

// Host is a volunteer machine.
type Host struct {
	ID        int64   `json:"id"`
	UserID    int64   `json:"user_id"`
	Platform  string  `json:"platform"`
	PFpops    float64 `json:"p_fpops"` // per-CPU floating point speed
	NCPUs     int     `json:"p_ncpus"`
	MemBytes  float64 `json:"m_nbytes"`
	DiskFree  float64 `json:"d_free"`
	Credit    Credit  `json:"credit"`
	CreatedAt int64   `json:"created_at"`
}

type User struct {
	ID        int64  `json:"id"`
	TeamID    int64  `json:"team_id"` // 0 when the user has no team
	Name      string `json:"name"`
	Credit    Credit `json:"credit"`
	CreatedAt int64  `json:"created_at"`
}

type Team struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Credit    Credit `json:"credit"`
	CreatedAt int64  `json:"created_at"`
}

// WorkUnit is a job definition, possibly computed by several hosts.
type WorkUnit struct {
	ID                int64    `json:"id"`
	AppID             int64    `json:"app_id"`
	Name              string   `json:"name"`
	FpopsEst          float64  `json:"rsc_fpops_est"`
	FpopsBound        float64  `json:"rsc_fpops_bound"`
	MemBound          float64  `json:"rsc_memory_bound"`
	DiskBound         float64  `json:"rsc_disk_bound"`
	MinQuorum         int      `json:"min_quorum"`
	TargetNResults    int      `json:"target_nresults"`
	MaxErrorResults   int      `json:"max_error_results"`
	MaxTotalResults   int      `json:"max_total_results"`
	MaxSuccessResults int      `json:"max_success_results"`
	SizeClass         int      `json:"size_class"`
	Priority          int      `json:"priority"`
	DelayBound        int64    `json:"delay_bound"` // seconds
	Keywords          []string `json:"keywords,omitempty"`
	InputFiles        []string `json:"input_files,omitempty"`
	CanonicalResultID int64    `json:"canonical_resultid"`
	CanonicalCredit   float64  `json:"canonical_credit"`
	AssimilateState   int      `json:"assimilate_state"`
	ErrorMask         int      `json:"error_mask"`
	NeedValidate      bool     `json:"need_validate"`
	TransitionTime    int64    `json:"transition_time"`
	CreatedAt         int64    `json:"created_at"`
}

// Result is one host's instance of a WorkUnit.
type Result struct {
	ID             int64    `json:"id"`
	WorkUnitID     int64    `json:"workunitid"`
	AppID          int64    `json:"appid"`
	Name           string   `json:"name"`
	ServerState    int      `json:"server_state"`
	Outcome        int      `json:"outcome"`
	ValidateState  int      `json:"validate_state"`
	HostID         int64    `json:"hostid"`
	UserID         int64    `json:"userid"`
	AppVersionID   int64    `json:"app_version_id"`
	ProcType       ProcType `json:"proc_type"`
	ClaimedCredit  float64  `json:"claimed_credit"`
	GrantedCredit  float64  `json:"granted_credit"`
	SentTime       int64    `json:"sent_time"`
	ReportDeadline int64    `json:"report_deadline"`
	ReceivedTime   int64    `json:"received_time"`
	ElapsedTime    float64  `json:"elapsed_time"`
	OutputDigest   string   `json:"output_digest,omitempty"`
	Priority       int      `json:"priority"`
	CreatedAt      int64    `json:"created_at"`
}

// HostAppVersion holds per (host, app version) statistics.
type HostAppVersion struct {
	HostID           int64   `json:"host_id"`
	AppVersionID     int64   `json:"app_version_id"`
	ConsecutiveValid int     `json:"consecutive_valid"`
	TurnaroundAvg    float64 `json:"turnaround_avg"`
	TurnaroundN      int     `json:"turnaround_n"`
	Reliable         bool    `json:"reliable"`
	Trusted          bool    `json:"trusted"`
	NJobsToday       int     `json:"n_jobs_today"`
	MaxJobsPerDay    int     `json:"max_jobs_per_day"`
}
