package sched

import (
	"github.com/ssd-technologies/quorum/internal/config"
	"github.com/ssd-technologies/quorum/internal/storage"
)

const turnaroundWeight = 0.3

// ApplyVerdict updates a host app version after one of its results was
// validated. Valid results extend the streak and double the daily quota up
// to dailyQuota; anything else resets the streak and shrinks the quota by
// one, never below one. Turnaround is in seconds; zero leaves the average.
func ApplyVerdict(h *storage.HostAppVersion, rel config.Reliability, dailyQuota int, valid bool, turnaround float64) {
	if h.MaxJobsPerDay < 1 {
		h.MaxJobsPerDay = 1
	}
	if valid {
		h.ConsecutiveValid++
		h.MaxJobsPerDay *= 2
		if h.MaxJobsPerDay > dailyQuota {
			h.MaxJobsPerDay = dailyQuota
		}
	} else {
		h.ConsecutiveValid = 0
		h.MaxJobsPerDay--
		if h.MaxJobsPerDay < 1 {
			h.MaxJobsPerDay = 1
		}
	}

	if turnaround > 0 {
		if h.TurnaroundN == 0 {
			h.TurnaroundAvg = turnaround
		} else {
			h.TurnaroundAvg = (1-turnaroundWeight)*h.TurnaroundAvg + turnaroundWeight*turnaround
		}
		h.TurnaroundN++
	}

	h.Trusted = h.ConsecutiveValid >= rel.TrustMinConsecutiveValid
	h.Reliable = h.ConsecutiveValid >= rel.ReliableMinConsecutiveValid &&
		h.TurnaroundN > 0 &&
		h.TurnaroundAvg <= rel.ReliableMaxAvgTurnaround.Seconds()
}
