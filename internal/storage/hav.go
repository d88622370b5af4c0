package storage

import (
	"context"
	"fmt"
)

// GetHostAppVersion returns the statistics row for (host, app version),
// creating it with maxJobsPerDay when it does not exist yet.
func (d *DB) GetHostAppVersion(ctx context.Context, hostID, appVersionID int64, maxJobsPerDay int) (*HostAppVersion, error) {
	_, err := d.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO host_app_versions (host_id, app_version_id, max_jobs_per_day) VALUES (?, ?, ?)`,
		hostID, appVersionID, maxJobsPerDay,
	)
	if err != nil {
		return nil, fmt.Errorf("init host app version: %w", err)
	}

	h := &HostAppVersion{}
	var reliable, trusted int
	err = d.db.QueryRowContext(ctx,
		`SELECT host_id, app_version_id, consecutive_valid, turnaround_avg, turnaround_n, reliable, trusted,
		   n_jobs_today, max_jobs_per_day
		 FROM host_app_versions WHERE host_id = ? AND app_version_id = ?`, hostID, appVersionID,
	).Scan(&h.HostID, &h.AppVersionID, &h.ConsecutiveValid, &h.TurnaroundAvg, &h.TurnaroundN,
		&reliable, &trusted, &h.NJobsToday, &h.MaxJobsPerDay)
	if err != nil {
		return nil, fmt.Errorf("get host app version: %w", err)
	}
	h.Reliable = reliable != 0
	h.Trusted = trusted != 0
	return h, nil
}

// IncrementJobsToday counts one more job sent today for (host, app version).
func (d *DB) IncrementJobsToday(ctx context.Context, hostID, appVersionID int64) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE host_app_versions SET n_jobs_today = n_jobs_today + 1 WHERE host_id = ? AND app_version_id = ?`,
		hostID, appVersionID,
	)
	if err != nil {
		return fmt.Errorf("increment jobs today: %w", err)
	}
	return expectOne(res, "increment jobs today")
}

// UpdateHostAppVersion writes the validation-driven statistics of h.
func (d *DB) UpdateHostAppVersion(ctx context.Context, h *HostAppVersion) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE host_app_versions SET consecutive_valid = ?, turnaround_avg = ?, turnaround_n = ?,
		   reliable = ?, trusted = ?, max_jobs_per_day = ?
		 WHERE host_id = ? AND app_version_id = ?`,
		h.ConsecutiveValid, h.TurnaroundAvg, h.TurnaroundN, boolToInt(h.Reliable), boolToInt(h.Trusted),
		h.MaxJobsPerDay, h.HostID, h.AppVersionID,
	)
	if err != nil {
		return fmt.Errorf("update host app version: %w", err)
	}
	return expectOne(res, "update host app version")
}

// ResetDailyJobs zeroes every n_jobs_today counter. Returns rows changed.
func (d *DB) ResetDailyJobs(ctx context.Context) (int64, error) {
	res, err := d.db.ExecContext(ctx, `UPDATE host_app_versions SET n_jobs_today = 0 WHERE n_jobs_today > 0`)
	if err != nil {
		return 0, fmt.Errorf("reset daily jobs: %w", err)
	}
	return res.RowsAffected()
}
