// Package config holds the static configuration shared by the scheduler,
// feeder and validator. A Config value is loaded once and passed to
// constructors explicitly.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"sigs.k8s.io/yaml"

	"github.com/ssd-technologies/quorum/internal/storage"
)

// Duration is a time.Duration that reads "30s"-style strings from config files.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", s, err)
		}
		d.Duration = v
		return nil
	}
	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return fmt.Errorf("duration must be a string or seconds: %s", b)
	}
	d.Duration = time.Duration(secs * float64(time.Second))
	return nil
}

type Config struct {
	Scheduler   Scheduler   `json:"scheduler"`
	Reliability Reliability `json:"reliability"`
	Validator   Validator   `json:"validator"`
	Feeder      Feeder      `json:"feeder"`
	Server      Server      `json:"server"`
	PlanClasses []PlanClass `json:"plan_classes"`
	Apps        []AppSpec   `json:"apps"`
}

// Scheduler configures dispatch.
type Scheduler struct {
	CacheSize       int  `json:"cache_size"`
	ScanWindow      int  `json:"scan_window"`
	PerResourceScan bool `json:"per_resource_scan"`

	// MaxJobsPerInstance bounds jobs sent per RPC per processor instance;
	// MaxJobsPerRPC is an absolute cap on top of it (0 disables the cap).
	MaxJobsPerInstance int `json:"max_jobs_per_instance"`
	MaxJobsPerRPC      int `json:"max_jobs_per_rpc"`

	// MaxInProgress is a per-instance ceiling keyed by processor type name.
	MaxInProgress map[string]int `json:"max_in_progress"`
	// AppLimits caps in-progress jobs per app and processor type name.
	AppLimits map[string]map[string]int `json:"app_limits"`

	DailyQuota            int      `json:"daily_quota"`
	Replication           int      `json:"replication"`
	OneResultPerHostPerWU bool     `json:"one_result_per_host_per_wu"`
	SizeClasses           bool     `json:"size_classes"`
	BatchAcceleration     bool     `json:"batch_acceleration"`
	AccelPriority         int      `json:"accel_priority"`
	// ReliableAfterErrors routes a workunit to reliable hosts once it has
	// this many error results. 0 disables it.
	ReliableAfterErrors   int      `json:"reliable_after_errors"`
	NoWorkDelay           Duration `json:"no_work_delay"`
}

// Reliability sets the thresholds that earn a host app version the
// reliable and trusted flags.
type Reliability struct {
	ReliableMinConsecutiveValid int      `json:"reliable_min_consecutive_valid"`
	ReliableMaxAvgTurnaround    Duration `json:"reliable_max_avg_turnaround"`
	TrustMinConsecutiveValid    int      `json:"trust_min_consecutive_valid"`
}

type Validator struct {
	Interval       Duration `json:"interval"`
	BatchSize      int      `json:"batch_size"`
	OutputDir      string   `json:"output_dir"`
	Apps           []string `json:"apps"`
	CreditHalfLife Duration `json:"credit_half_life"`
	RetryDelay     Duration `json:"retry_delay"`
	MaxDeferral    Duration `json:"max_deferral"`
}

type Feeder struct {
	Interval  Duration `json:"interval"`
	BatchSize int      `json:"batch_size"`
}

type Server struct {
	Addr       string   `json:"addr"`
	RateLimit  int      `json:"rate_limit"`
	RateWindow Duration `json:"rate_window"`
	ResetHour  int      `json:"reset_hour"`
}

// PlanClass describes the resource usage of app versions built for it.
type PlanClass struct {
	Name         string  `json:"name"`
	ProcType     string  `json:"proc_type"`
	GPUUsage     float64 `json:"gpu_usage"`
	AvgNCPUs     float64 `json:"avg_ncpus"`
	FlopsScale   float64 `json:"flops_scale"`
	MinPeakFlops float64 `json:"min_peak_flops"`
}

// AppSpec is an app catalog entry upserted into the store at startup.
type AppSpec struct {
	Name            string           `json:"name"`
	Beta            bool             `json:"beta"`
	NonCPUIntensive bool             `json:"non_cpu_intensive"`
	Locality        bool             `json:"locality"`
	Buda            bool             `json:"buda"`
	SizeQuantiles   []float64        `json:"size_quantiles"`
	Replication     int              `json:"replication"`
	Versions        []AppVersionSpec `json:"versions"`
}

type AppVersionSpec struct {
	Platform   string `json:"platform"`
	VersionNum int    `json:"version_num"`
	PlanClass  string `json:"plan_class"`
	Variant    string `json:"variant"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Scheduler: Scheduler{
			CacheSize:          512,
			ScanWindow:         200,
			PerResourceScan:    true,
			MaxJobsPerInstance: 4,
			MaxInProgress: map[string]int{
				storage.ProcCPU.String():    4,
				storage.ProcNVIDIA.String(): 2,
				storage.ProcAMD.String():    2,
				storage.ProcIntel.String():  2,
			},
			DailyQuota:          100,
			Replication:         2,
			AccelPriority:       10,
			ReliableAfterErrors: 0,
			NoWorkDelay:         Duration{10 * time.Minute},
		},
		Reliability: Reliability{
			ReliableMinConsecutiveValid: 10,
			ReliableMaxAvgTurnaround:    Duration{3 * 24 * time.Hour},
			TrustMinConsecutiveValid:    10,
		},
		Validator: Validator{
			Interval:       Duration{5 * time.Second},
			BatchSize:      100,
			CreditHalfLife: Duration{7 * 24 * time.Hour},
			RetryDelay:     Duration{time.Minute},
			MaxDeferral:    Duration{24 * time.Hour},
		},
		Feeder: Feeder{
			Interval:  Duration{5 * time.Second},
			BatchSize: 100,
		},
		Server: Server{
			Addr:       ":8080",
			RateLimit:  30,
			RateWindow: Duration{time.Minute},
		},
	}
}

// Load reads a YAML (or JSON) file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects inconsistent values.
func (c *Config) Validate() error {
	s := c.Scheduler
	if s.CacheSize < 1 {
		return fmt.Errorf("config: scheduler.cache_size must be >= 1")
	}
	if s.ScanWindow < 1 {
		return fmt.Errorf("config: scheduler.scan_window must be >= 1")
	}
	if s.Replication < 1 {
		return fmt.Errorf("config: scheduler.replication must be >= 1")
	}
	if s.MaxJobsPerInstance < 1 {
		return fmt.Errorf("config: scheduler.max_jobs_per_instance must be >= 1")
	}
	if s.DailyQuota < 1 {
		return fmt.Errorf("config: scheduler.daily_quota must be >= 1")
	}
	for name := range s.MaxInProgress {
		if _, ok := storage.ParseProcType(name); !ok {
			return fmt.Errorf("config: scheduler.max_in_progress: unknown processor type %q", name)
		}
	}
	for app, limits := range s.AppLimits {
		for name := range limits {
			if _, ok := storage.ParseProcType(name); !ok {
				return fmt.Errorf("config: scheduler.app_limits[%s]: unknown processor type %q", app, name)
			}
		}
	}
	seen := make(map[string]bool)
	for _, pc := range c.PlanClasses {
		if pc.Name == "" {
			return fmt.Errorf("config: plan class without a name")
		}
		if seen[pc.Name] {
			return fmt.Errorf("config: duplicate plan class %q", pc.Name)
		}
		seen[pc.Name] = true
		if _, ok := storage.ParseProcType(pc.ProcType); !ok {
			return fmt.Errorf("config: plan class %q: unknown processor type %q", pc.Name, pc.ProcType)
		}
	}
	for _, a := range c.Apps {
		if strings.TrimSpace(a.Name) == "" {
			return fmt.Errorf("config: app without a name")
		}
		for i := 1; i < len(a.SizeQuantiles); i++ {
			if a.SizeQuantiles[i] <= a.SizeQuantiles[i-1] {
				return fmt.Errorf("config: app %q: size quantiles must increase", a.Name)
			}
		}
	}
	if c.Server.ResetHour < 0 || c.Server.ResetHour > 23 {
		return fmt.Errorf("config: server.reset_hour must be in 0..23")
	}
	if c.Validator.CreditHalfLife.Duration <= 0 {
		return fmt.Errorf("config: validator.credit_half_life must be positive")
	}
	return nil
}

// MaxInProgressFor returns the per-instance in-progress ceiling for p, or 0
// when unlimited.
func (s *Scheduler) MaxInProgressFor(p storage.ProcType) int {
	return s.MaxInProgress[p.String()]
}

// AppLimitFor returns the in-progress ceiling for (app, p), or 0 when unlimited.
func (s *Scheduler) AppLimitFor(app string, p storage.ProcType) int {
	return s.AppLimits[app][p.String()]
}

// PlanClassByName returns the named plan class.
func (c *Config) PlanClassByName(name string) (PlanClass, bool) {
	for _, pc := range c.PlanClasses {
		if pc.Name == name {
			return pc, true
		}
	}
	return PlanClass{}, false
}

// FromEnv loads the file named by QUORUM_CONFIG, or the defaults when it
// is unset.
func FromEnv() (*Config, error) {
	path := os.Getenv("QUORUM_CONFIG")
	if path == "" {
		cfg := Default()
		return cfg, cfg.Validate()
	}
	return Load(path)
}
