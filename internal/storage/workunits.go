package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const workUnitColumns = `id, app_id, name, rsc_fpops_est, rsc_fpops_bound, rsc_memory_bound, rsc_disk_bound,
	min_quorum, target_nresults, max_error_results, max_total_results, max_success_results,
	size_class, priority, delay_bound, keywords, input_files, canonical_resultid, canonical_credit,
	assimilate_state, error_mask, need_validate, transition_time, created_at`

func scanWorkUnit(row interface{ Scan(...any) error }) (*WorkUnit, error) {
	wu := &WorkUnit{}
	var keywords, inputs sql.NullString
	var needValidate int
	err := row.Scan(&wu.ID, &wu.AppID, &wu.Name, &wu.FpopsEst, &wu.FpopsBound, &wu.MemBound, &wu.DiskBound,
		&wu.MinQuorum, &wu.TargetNResults, &wu.MaxErrorResults, &wu.MaxTotalResults, &wu.MaxSuccessResults,
		&wu.SizeClass, &wu.Priority, &wu.DelayBound, &keywords, &inputs, &wu.CanonicalResultID, &wu.CanonicalCredit,
		&wu.AssimilateState, &wu.ErrorMask, &needValidate, &wu.TransitionTime, &wu.CreatedAt)
	if err != nil {
		return nil, err
	}
	wu.NeedValidate = needValidate != 0
	if wu.Keywords, err = decodeList[string](keywords); err != nil {
		return nil, fmt.Errorf("decode keywords: %w", err)
	}
	if wu.InputFiles, err = decodeList[string](inputs); err != nil {
		return nil, fmt.Errorf("decode input files: %w", err)
	}
	return wu, nil
}

// CreateWorkUnit inserts a workunit and sets its ID. It does not create results.
func (d *DB) CreateWorkUnit(ctx context.Context, wu *WorkUnit) error {
	if wu.MinQuorum < 1 {
		return fmt.Errorf("create workunit: min_quorum must be >= 1")
	}
	if wu.TargetNResults < wu.MinQuorum {
		return fmt.Errorf("create workunit: target_nresults %d < min_quorum %d", wu.TargetNResults, wu.MinQuorum)
	}
	if wu.CreatedAt == 0 {
		wu.CreatedAt = time.Now().Unix()
	}
	keywords, err := encodeList(wu.Keywords)
	if err != nil {
		return fmt.Errorf("create workunit: %w", err)
	}
	inputs, err := encodeList(wu.InputFiles)
	if err != nil {
		return fmt.Errorf("create workunit: %w", err)
	}
	res, err := d.db.ExecContext(ctx,
		`INSERT INTO workunits (app_id, name, rsc_fpops_est, rsc_fpops_bound, rsc_memory_bound, rsc_disk_bound,
		   min_quorum, target_nresults, max_error_results, max_total_results, max_success_results,
		   size_class, priority, delay_bound, keywords, input_files, canonical_resultid, canonical_credit,
		   assimilate_state, error_mask, need_validate, transition_time, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wu.AppID, wu.Name, wu.FpopsEst, wu.FpopsBound, wu.MemBound, wu.DiskBound,
		wu.MinQuorum, wu.TargetNResults, wu.MaxErrorResults, wu.MaxTotalResults, wu.MaxSuccessResults,
		wu.SizeClass, wu.Priority, wu.DelayBound, keywords, inputs, wu.CanonicalResultID, wu.CanonicalCredit,
		wu.AssimilateState, wu.ErrorMask, boolToInt(wu.NeedValidate), wu.TransitionTime, wu.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create workunit: %w", err)
	}
	wu.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("create workunit id: %w", err)
	}
	return nil
}

// CreateWorkUnitWithResults inserts a workunit together with target_nresults
// unsent results, the way a work generator submits a job.
func (d *DB) CreateWorkUnitWithResults(ctx context.Context, wu *WorkUnit) ([]Result, error) {
	if err := d.CreateWorkUnit(ctx, wu); err != nil {
		return nil, err
	}
	var results []Result
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		for i := 0; i < wu.TargetNResults; i++ {
			r, err := insertUnsentResult(ctx, tx, wu, i)
			if err != nil {
				return err
			}
			results = append(results, *r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// GetWorkUnit retrieves a workunit by ID.
func (d *DB) GetWorkUnit(ctx context.Context, id int64) (*WorkUnit, error) {
	wu, err := scanWorkUnit(d.db.QueryRowContext(ctx, `SELECT `+workUnitColumns+` FROM workunits WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("get workunit: %w", err)
	}
	return wu, nil
}

// ListWorkUnitsToValidate returns workunits flagged need_validate for an app
// (all apps when appID is 0), oldest transition first.
func (d *DB) ListWorkUnitsToValidate(ctx context.Context, appID int64, limit int) ([]WorkUnit, error) {
	q := `SELECT ` + workUnitColumns + ` FROM workunits WHERE need_validate = 1 AND error_mask = 0`
	args := []any{}
	if appID != 0 {
		q += ` AND app_id = ?`
		args = append(args, appID)
	}
	q += ` ORDER BY transition_time, id LIMIT ?`
	args = append(args, limit)

	rows, err := d.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list workunits to validate: %w", err)
	}
	defer rows.Close()

	var wus []WorkUnit
	for rows.Next() {
		wu, err := scanWorkUnit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workunit: %w", err)
		}
		wus = append(wus, *wu)
	}
	return wus, rows.Err()
}

// SetNeedValidate raises or clears the need_validate flag.
func (d *DB) SetNeedValidate(ctx context.Context, wuID int64, need bool) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE workunits SET need_validate = ? WHERE id = ?`, boolToInt(need), wuID,
	)
	if err != nil {
		return fmt.Errorf("set need validate: %w", err)
	}
	return expectOne(res, "set need validate")
}

// DeferValidation moves a flagged workunit's transition_time to until so
// it sorts behind the other flagged workunits.
func (d *DB) DeferValidation(ctx context.Context, wuID int64, until int64) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE workunits SET transition_time = ? WHERE id = ? AND need_validate = 1`, until, wuID,
	)
	if err != nil {
		return fmt.Errorf("defer validation: %w", err)
	}
	return expectOne(res, "defer validation")
}

// EscalateReplication raises an unreplicated workunit to quorum results and
// creates the extra unsent results. It applies at most once: a workunit whose
// target_nresults is no longer 1 is left untouched and the call returns an
// error wrapping sql.ErrNoRows.
func (d *DB) EscalateReplication(ctx context.Context, wuID int64, quorum int, now int64) error {
	if quorum < 2 {
		return fmt.Errorf("escalate replication: quorum %d < 2", quorum)
	}
	return d.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE workunits SET min_quorum = ?, target_nresults = ?, transition_time = ?
			 WHERE id = ? AND target_nresults = 1 AND canonical_resultid = 0 AND error_mask = 0`,
			quorum, quorum, now, wuID,
		)
		if err != nil {
			return fmt.Errorf("escalate replication: %w", err)
		}
		if err := expectOne(res, "escalate replication"); err != nil {
			return err
		}
		wu, err := scanWorkUnit(tx.QueryRowContext(ctx, `SELECT `+workUnitColumns+` FROM workunits WHERE id = ?`, wuID))
		if err != nil {
			return fmt.Errorf("escalate replication reload: %w", err)
		}
		n, err := countResults(ctx, tx, wuID)
		if err != nil {
			return err
		}
		for i := n; i < quorum; i++ {
			if _, err := insertUnsentResult(ctx, tx, wu, i); err != nil {
				return err
			}
		}
		return nil
	})
}

// RaiseTargetResults adds one result to a workunit that has not reached
// consensus, as long as max_total_results allows it.
func (d *DB) RaiseTargetResults(ctx context.Context, wuID int64, now int64) error {
	return d.withTx(ctx, func(tx *sql.Tx) error {
		wu, err := scanWorkUnit(tx.QueryRowContext(ctx, `SELECT `+workUnitColumns+` FROM workunits WHERE id = ?`, wuID))
		if err != nil {
			return fmt.Errorf("raise target results: %w", err)
		}
		n, err := countResults(ctx, tx, wuID)
		if err != nil {
			return err
		}
		if n >= wu.MaxTotalResults {
			return fmt.Errorf("raise target results: %w", sql.ErrNoRows)
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE workunits SET target_nresults = target_nresults + 1, transition_time = ?
			 WHERE id = ? AND target_nresults = ? AND canonical_resultid = 0 AND error_mask = 0`,
			now, wuID, wu.TargetNResults,
		)
		if err != nil {
			return fmt.Errorf("raise target results: %w", err)
		}
		if err := expectOne(res, "raise target results"); err != nil {
			return err
		}
		_, err = insertUnsentResult(ctx, tx, wu, n)
		return err
	})
}

// AddResults creates up to n unsent results for a workunit still waiting
// for consensus, without changing target_nresults, so errored results get
// replaced. It never lets the workunit exceed max_total_results and returns
// how many results were created.
func (d *DB) AddResults(ctx context.Context, wuID int64, n int) (int, error) {
	added := 0
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		wu, err := scanWorkUnit(tx.QueryRowContext(ctx, `SELECT `+workUnitColumns+` FROM workunits WHERE id = ?`, wuID))
		if err != nil {
			return fmt.Errorf("add results: %w", err)
		}
		if wu.CanonicalResultID != 0 || wu.ErrorMask != 0 {
			return nil
		}
		total, err := countResults(ctx, tx, wuID)
		if err != nil {
			return err
		}
		for i := 0; i < n && total < wu.MaxTotalResults; i++ {
			if _, err := insertUnsentResult(ctx, tx, wu, total); err != nil {
				return err
			}
			total++
			added++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return added, nil
}

// MarkWorkUnitError sets an error-mask bit, cancels unsent results and hands
// the workunit to the assimilator so the failure is reported downstream.
func (d *DB) MarkWorkUnitError(ctx context.Context, wuID int64, bit int, now int64) error {
	return d.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE workunits SET error_mask = error_mask | ?, assimilate_state = ?, need_validate = 0, transition_time = ?
			 WHERE id = ? AND canonical_resultid = 0`,
			bit, AssimilateReady, now, wuID,
		)
		if err != nil {
			return fmt.Errorf("mark workunit error: %w", err)
		}
		if err := expectOne(res, "mark workunit error"); err != nil {
			return err
		}
		_, err = cancelUnsent(ctx, tx, wuID)
		return err
	})
}

func countResults(ctx context.Context, ex execer, wuID int64) (int, error) {
	var n int
	if err := ex.QueryRowContext(ctx, `SELECT COUNT(*) FROM results WHERE workunitid = ?`, wuID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count results: %w", err)
	}
	return n, nil
}

// cancelUnsent marks every unsent result of a workunit as not needed.
func cancelUnsent(ctx context.Context, ex execer, wuID int64) (int64, error) {
	res, err := ex.ExecContext(ctx,
		`UPDATE results SET server_state = ?, outcome = ? WHERE workunitid = ? AND server_state = ?`,
		ServerStateOver, OutcomeDidntNeed, wuID, ServerStateUnsent,
	)
	if err != nil {
		return 0, fmt.Errorf("cancel unsent results: %w", err)
	}
	return res.RowsAffected()
}
