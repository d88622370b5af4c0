// Package metrics registers the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quorum",
		Name:      "jobs_sent_total",
		Help:      "Results sent to hosts, by processor type.",
	}, []string{"proc_type"})

	CandidatesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quorum",
		Name:      "candidates_rejected_total",
		Help:      "Candidates screened out during scoring, by reason.",
	}, []string{"reason"})

	CommitConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quorum",
		Name:      "commit_conflicts_total",
		Help:      "Sends lost to a concurrent scheduler or a changed workunit.",
	})

	SchedulerRPCs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quorum",
		Name:      "scheduler_rpcs_total",
		Help:      "Scheduler RPCs by outcome.",
	}, []string{"outcome"})

	DispatchSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "quorum",
		Name:      "dispatch_seconds",
		Help:      "Time spent building one scheduler reply.",
		Buckets:   prometheus.DefBuckets,
	})

	ValidatorOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quorum",
		Name:      "validator_results_total",
		Help:      "Validation verdicts, by state.",
	}, []string{"state"})

	WorkUnitErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quorum",
		Name:      "workunit_errors_total",
		Help:      "Workunits given an error-mask bit, by reason.",
	}, []string{"reason"})

	CreditGranted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quorum",
		Name:      "credit_granted_total",
		Help:      "Credit granted to hosts.",
	})

	CacheFilled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quorum",
		Name:      "cache_slots_filled_total",
		Help:      "Job cache slots filled by the feeder.",
	})
)
