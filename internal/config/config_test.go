package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ssd-technologies/quorum/internal/storage"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "quorum.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefault_Valid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestDefault_OptInsAndRetry(t *testing.T) {
	cfg := Default()
	if cfg.Scheduler.ReliableAfterErrors != 0 {
		t.Errorf("reliable_after_errors = %d, want 0 (off)", cfg.Scheduler.ReliableAfterErrors)
	}
	if cfg.Validator.RetryDelay.Duration != time.Minute || cfg.Validator.MaxDeferral.Duration != 24*time.Hour {
		t.Errorf("retry_delay = %v max_deferral = %v", cfg.Validator.RetryDelay.Duration, cfg.Validator.MaxDeferral.Duration)
	}

	loaded, err := Load(writeConfig(t, `
validator:
  retry_delay: 30s
  max_deferral: 2h
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Validator.RetryDelay.Duration != 30*time.Second || loaded.Validator.MaxDeferral.Duration != 2*time.Hour {
		t.Errorf("loaded retry_delay = %v max_deferral = %v", loaded.Validator.RetryDelay.Duration, loaded.Validator.MaxDeferral.Duration)
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
scheduler:
  scan_window: 50
  replication: 3
  max_in_progress:
    cpu: 2
    nvidia: 1
  app_limits:
    einstein:
      nvidia: 5
  no_work_delay: 90s
reliability:
  reliable_max_avg_turnaround: 3600
validator:
  output_dir: /var/quorum/upload
plan_classes:
  - name: cuda
    proc_type: nvidia
    gpu_usage: 1
    avg_ncpus: 0.2
    flops_scale: 10
apps:
  - name: einstein
    size_quantiles: [1000000000, 5000000000]
    versions:
      - platform: x86_64-pc-linux-gnu
        version_num: 100
      - platform: x86_64-pc-linux-gnu
        version_num: 100
        plan_class: cuda
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	s := cfg.Scheduler
	if s.ScanWindow != 50 || s.Replication != 3 {
		t.Errorf("scan_window=%d replication=%d", s.ScanWindow, s.Replication)
	}
	if s.CacheSize != 512 {
		t.Errorf("unset cache_size should keep default, got %d", s.CacheSize)
	}
	if s.MaxInProgressFor(storage.ProcNVIDIA) != 1 || s.MaxInProgressFor(storage.ProcAMD) != 2 {
		t.Errorf("max_in_progress = %v", s.MaxInProgress)
	}
	if s.AppLimitFor("einstein", storage.ProcNVIDIA) != 5 || s.AppLimitFor("other", storage.ProcCPU) != 0 {
		t.Errorf("app_limits = %v", s.AppLimits)
	}
	if s.NoWorkDelay.Duration != 90*time.Second {
		t.Errorf("no_work_delay = %v", s.NoWorkDelay)
	}
	if cfg.Reliability.ReliableMaxAvgTurnaround.Duration != time.Hour {
		t.Errorf("numeric duration = %v", cfg.Reliability.ReliableMaxAvgTurnaround)
	}
	pc, ok := cfg.PlanClassByName("cuda")
	if !ok || pc.FlopsScale != 10 {
		t.Errorf("plan class = %+v, %v", pc, ok)
	}
	if len(cfg.Apps) != 1 || len(cfg.Apps[0].Versions) != 2 || cfg.Apps[0].Versions[1].PlanClass != "cuda" {
		t.Errorf("apps = %+v", cfg.Apps)
	}
}

func TestLoad_Rejects(t *testing.T) {
	cases := map[string]string{
		"zero replication":   "scheduler:\n  replication: 0\n",
		"unknown proc type":  "scheduler:\n  max_in_progress:\n    tpu: 1\n",
		"bad plan class":     "plan_classes:\n  - name: x\n    proc_type: fpga\n",
		"duplicate class":    "plan_classes:\n  - name: x\n    proc_type: cpu\n  - name: x\n    proc_type: cpu\n",
		"unsorted quantiles": "apps:\n  - name: a\n    size_quantiles: [5, 1]\n",
		"bad duration":       "scheduler:\n  no_work_delay: soon\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, body)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("QUORUM_CONFIG", "")
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv defaults: %v", err)
	}
	if cfg.Scheduler.CacheSize != Default().Scheduler.CacheSize {
		t.Errorf("cache size = %d", cfg.Scheduler.CacheSize)
	}

	t.Setenv("QUORUM_CONFIG", writeConfig(t, "server:\n  reset_hour: 3\n"))
	cfg, err = FromEnv()
	if err != nil {
		t.Fatalf("FromEnv file: %v", err)
	}
	if cfg.Server.ResetHour != 3 {
		t.Errorf("reset hour = %d, want 3", cfg.Server.ResetHour)
	}

	t.Setenv("QUORUM_CONFIG", writeConfig(t, "server:\n  reset_hour: 24\n"))
	if _, err := FromEnv(); err == nil {
		t.Error("expected reset_hour 24 to be rejected")
	}
}
