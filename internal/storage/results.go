package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const resultColumns = `id, workunitid, appid, name, server_state, outcome, validate_state, hostid, userid,
	app_version_id, proc_type, claimed_credit, granted_credit, sent_time, report_deadline, received_time,
	elapsed_time, output_digest, priority, created_at`

func scanResult(row interface{ Scan(...any) error }) (*Result, error) {
	r := &Result{}
	err := row.Scan(&r.ID, &r.WorkUnitID, &r.AppID, &r.Name, &r.ServerState, &r.Outcome, &r.ValidateState,
		&r.HostID, &r.UserID, &r.AppVersionID, &r.ProcType, &r.ClaimedCredit, &r.GrantedCredit, &r.SentTime,
		&r.ReportDeadline, &r.ReceivedTime, &r.ElapsedTime, &r.OutputDigest, &r.Priority, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// insertUnsentResult creates the index-th result of wu, named "<wu>_<index>".
func insertUnsentResult(ctx context.Context, ex execer, wu *WorkUnit, index int) (*Result, error) {
	r := &Result{
		WorkUnitID:  wu.ID,
		AppID:       wu.AppID,
		Name:        fmt.Sprintf("%s_%d", wu.Name, index),
		ServerState: ServerStateUnsent,
		Priority:    wu.Priority,
		CreatedAt:   time.Now().Unix(),
	}
	res, err := ex.ExecContext(ctx,
		`INSERT INTO results (workunitid, appid, name, server_state, priority, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		r.WorkUnitID, r.AppID, r.Name, r.ServerState, r.Priority, r.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create result: %w", err)
	}
	r.ID, err = res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("create result id: %w", err)
	}
	return r, nil
}

// CreateResult inserts a result row as given and sets its ID.
func (d *DB) CreateResult(ctx context.Context, r *Result) error {
	if r.CreatedAt == 0 {
		r.CreatedAt = time.Now().Unix()
	}
	res, err := d.db.ExecContext(ctx,
		`INSERT INTO results (workunitid, appid, name, server_state, outcome, validate_state, hostid, userid,
		   app_version_id, proc_type, claimed_credit, granted_credit, sent_time, report_deadline, received_time,
		   elapsed_time, output_digest, priority, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.WorkUnitID, r.AppID, r.Name, r.ServerState, r.Outcome, r.ValidateState, r.HostID, r.UserID,
		r.AppVersionID, r.ProcType, r.ClaimedCredit, r.GrantedCredit, r.SentTime, r.ReportDeadline, r.ReceivedTime,
		r.ElapsedTime, r.OutputDigest, r.Priority, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create result: %w", err)
	}
	r.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("create result id: %w", err)
	}
	return nil
}

// GetResult retrieves a result by ID.
func (d *DB) GetResult(ctx context.Context, id int64) (*Result, error) {
	r, err := scanResult(d.db.QueryRowContext(ctx, `SELECT `+resultColumns+` FROM results WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("get result: %w", err)
	}
	return r, nil
}

// ListResultsForWorkUnit returns all results of a workunit ordered by ID.
func (d *DB) ListResultsForWorkUnit(ctx context.Context, wuID int64) ([]Result, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+resultColumns+` FROM results WHERE workunitid = ? ORDER BY id`, wuID,
	)
	if err != nil {
		return nil, fmt.Errorf("list results for workunit: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		results = append(results, *r)
	}
	return results, rows.Err()
}

// SendableJob pairs an unsent result with its workunit.
type SendableJob struct {
	WorkUnit WorkUnit
	Result   Result
}

// ListSendable returns unsent results of live workunits, highest priority
// first, skipping result IDs in exclude (those already in the job cache).
func (d *DB) ListSendable(ctx context.Context, limit int, exclude map[int64]bool) ([]SendableJob, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT r.id FROM results r JOIN workunits w ON w.id = r.workunitid
		 WHERE r.server_state = ? AND w.error_mask = 0 AND w.canonical_resultid = 0
		 ORDER BY r.priority DESC, r.id LIMIT ?`,
		ServerStateUnsent, limit+len(exclude),
	)
	if err != nil {
		return nil, fmt.Errorf("list sendable: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan sendable: %w", err)
		}
		if !exclude[id] {
			ids = append(ids, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sendable: %w", err)
	}
	if len(ids) > limit {
		ids = ids[:limit]
	}

	jobs := make([]SendableJob, 0, len(ids))
	wus := make(map[int64]*WorkUnit)
	for _, id := range ids {
		r, err := d.GetResult(ctx, id)
		if err != nil {
			return nil, err
		}
		wu, ok := wus[r.WorkUnitID]
		if !ok {
			if wu, err = d.GetWorkUnit(ctx, r.WorkUnitID); err != nil {
				return nil, err
			}
			wus[r.WorkUnitID] = wu
		}
		jobs = append(jobs, SendableJob{WorkUnit: *wu, Result: *r})
	}
	return jobs, nil
}

// SendUpdate describes the transition of a result to in-progress.
type SendUpdate struct {
	ResultID       int64
	HostID         int64
	UserID         int64
	AppVersionID   int64
	ProcType       ProcType
	SentTime       int64
	ReportDeadline int64
}

// MarkResultSent moves an unsent result to in-progress for a host. If another
// scheduler already sent it the call returns an error wrapping sql.ErrNoRows.
func (d *DB) MarkResultSent(ctx context.Context, u SendUpdate) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE results SET server_state = ?, hostid = ?, userid = ?, app_version_id = ?, proc_type = ?,
		   sent_time = ?, report_deadline = ?
		 WHERE id = ? AND server_state = ?`,
		ServerStateInProgress, u.HostID, u.UserID, u.AppVersionID, u.ProcType, u.SentTime, u.ReportDeadline,
		u.ResultID, ServerStateUnsent,
	)
	if err != nil {
		return fmt.Errorf("mark result sent: %w", err)
	}
	return expectOne(res, "mark result sent")
}

// Report is a host's account of a finished result.
type Report struct {
	ResultID      int64
	HostID        int64
	Outcome       int
	ClaimedCredit float64
	ElapsedTime   float64
	OutputDigest  string
	ReceivedTime  int64
}

// ReportResult records a finished in-progress result and flags its
// workunit for validation.
func (d *DB) ReportResult(ctx context.Context, rep Report) error {
	return d.withTx(ctx, func(tx *sql.Tx) error {
		var wuID int64
		err := tx.QueryRowContext(ctx,
			`SELECT workunitid FROM results WHERE id = ? AND hostid = ? AND server_state = ?`,
			rep.ResultID, rep.HostID, ServerStateInProgress,
		).Scan(&wuID)
		if err != nil {
			return fmt.Errorf("report result: %w", err)
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE results SET server_state = ?, outcome = ?, claimed_credit = ?, elapsed_time = ?,
			   output_digest = ?, received_time = ?
			 WHERE id = ? AND server_state = ?`,
			ServerStateOver, rep.Outcome, rep.ClaimedCredit, rep.ElapsedTime, rep.OutputDigest, rep.ReceivedTime,
			rep.ResultID, ServerStateInProgress,
		)
		if err != nil {
			return fmt.Errorf("report result: %w", err)
		}
		if err := expectOne(res, "report result"); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE workunits SET need_validate = 1, transition_time = ? WHERE id = ?`,
			rep.ReceivedTime, wuID,
		)
		if err != nil {
			return fmt.Errorf("flag workunit for validation: %w", err)
		}
		return nil
	})
}

// InProgressCount is the number of in-progress results a host holds for one
// (app, processor type) pair.
type InProgressCount struct {
	AppID    int64
	ProcType ProcType
	N        int
}

// InProgressCounts groups a host's in-progress results by app and processor type.
func (d *DB) InProgressCounts(ctx context.Context, hostID int64) ([]InProgressCount, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT appid, proc_type, COUNT(*) FROM results
		 WHERE hostid = ? AND server_state = ? GROUP BY appid, proc_type`,
		hostID, ServerStateInProgress,
	)
	if err != nil {
		return nil, fmt.Errorf("in progress counts: %w", err)
	}
	defer rows.Close()

	var counts []InProgressCount
	for rows.Next() {
		var c InProgressCount
		if err := rows.Scan(&c.AppID, &c.ProcType, &c.N); err != nil {
			return nil, fmt.Errorf("scan in progress count: %w", err)
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

// HostHasResultForWorkUnit reports whether a host already holds any result of wu.
func (d *DB) HostHasResultForWorkUnit(ctx context.Context, hostID, wuID int64) (bool, error) {
	var n int
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM results WHERE hostid = ? AND workunitid = ?`, hostID, wuID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("host has result for workunit: %w", err)
	}
	return n > 0, nil
}

// SetResultValidation records a validation outcome for a result that has
// not been validated yet.
func (d *DB) SetResultValidation(ctx context.Context, id int64, validateState, outcome int, granted float64) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE results SET validate_state = ?, outcome = ?, granted_credit = ?
		 WHERE id = ? AND validate_state = ?`,
		validateState, outcome, granted, id, ValidateStateInit,
	)
	if err != nil {
		return fmt.Errorf("set result validation: %w", err)
	}
	return expectOne(res, "set result validation")
}

// ResultTally summarizes the results of one workunit.
type ResultTally struct {
	Total      int
	Unsent     int
	InProgress int
	Success    int
	Errors     int
}

// CountResults tallies a workunit's results by state and outcome.
func (d *DB) CountResults(ctx context.Context, wuID int64) (ResultTally, error) {
	var t ResultTally
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		   COALESCE(SUM(CASE WHEN server_state = ? THEN 1 ELSE 0 END), 0),
		   COALESCE(SUM(CASE WHEN server_state = ? THEN 1 ELSE 0 END), 0),
		   COALESCE(SUM(CASE WHEN server_state = ? AND outcome = ? THEN 1 ELSE 0 END), 0),
		   COALESCE(SUM(CASE WHEN outcome IN (?, ?, ?) THEN 1 ELSE 0 END), 0)
		 FROM results WHERE workunitid = ?`,
		ServerStateUnsent, ServerStateInProgress, ServerStateOver, OutcomeSuccess,
		OutcomeClientError, OutcomeNoReply, OutcomeValidateError, wuID,
	).Scan(&t.Total, &t.Unsent, &t.InProgress, &t.Success, &t.Errors)
	if err != nil {
		return ResultTally{}, fmt.Errorf("count results: %w", err)
	}
	return t, nil
}

// ExpireOverdue closes in-progress results whose report deadline has passed
// with outcome NO_REPLY and flags their workunits for validation, so the
// validator can replace them. Returns how many results were expired.
func (d *DB) ExpireOverdue(ctx context.Context, now int64) (int64, error) {
	var n int64
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE workunits SET need_validate = 1, transition_time = ?
			 WHERE error_mask = 0 AND id IN (
			   SELECT workunitid FROM results WHERE server_state = ? AND report_deadline > 0 AND report_deadline < ?)`,
			now, ServerStateInProgress, now,
		)
		if err != nil {
			return fmt.Errorf("expire overdue: %w", err)
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE results SET server_state = ?, outcome = ?, received_time = ?
			 WHERE server_state = ? AND report_deadline > 0 AND report_deadline < ?`,
			ServerStateOver, OutcomeNoReply, now, ServerStateInProgress, now,
		)
		if err != nil {
			return fmt.Errorf("expire overdue: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}
