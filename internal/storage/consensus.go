package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// ResultVerdict is the validation outcome for one result.
type ResultVerdict struct {
	ResultID      int64
	ValidateState int
	Outcome       int
	GrantedCredit float64
}

// Consensus is everything written when a workunit first gets a canonical result.
type Consensus struct {
	WorkUnitID        int64
	CanonicalResultID int64
	CanonicalCredit   float64
	Verdicts          []ResultVerdict
	Now               int64
}

// CommitConsensus atomically sets the canonical result, records the
// verdicts, cancels unsent results and marks the workunit ready for
// assimilation. A workunit that already has a canonical result is never
// changed; the call then returns an error wrapping sql.ErrNoRows.
func (d *DB) CommitConsensus(ctx context.Context, c Consensus) (cancelled int64, err error) {
	if c.CanonicalResultID == 0 {
		return 0, fmt.Errorf("commit consensus: canonical result id is zero")
	}
	err = d.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE workunits SET canonical_resultid = ?, canonical_credit = ?, assimilate_state = ?,
			   need_validate = 0, transition_time = ?
			 WHERE id = ? AND canonical_resultid = 0 AND error_mask = 0`,
			c.CanonicalResultID, c.CanonicalCredit, AssimilateReady, c.Now, c.WorkUnitID,
		)
		if err != nil {
			return fmt.Errorf("commit consensus: %w", err)
		}
		if err := expectOne(res, "commit consensus"); err != nil {
			return err
		}
		for _, v := range c.Verdicts {
			res, err := tx.ExecContext(ctx,
				`UPDATE results SET validate_state = ?, outcome = ?, granted_credit = ?
				 WHERE id = ? AND workunitid = ? AND validate_state = ?`,
				v.ValidateState, v.Outcome, v.GrantedCredit, v.ResultID, c.WorkUnitID, ValidateStateInit,
			)
			if err != nil {
				return fmt.Errorf("commit verdict %d: %w", v.ResultID, err)
			}
			if err := expectOne(res, fmt.Sprintf("commit verdict %d", v.ResultID)); err != nil {
				return err
			}
		}
		cancelled, err = cancelUnsent(ctx, tx, c.WorkUnitID)
		return err
	})
	return cancelled, err
}
