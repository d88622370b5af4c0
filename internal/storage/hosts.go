package storage

import (
	"context"
	"fmt"
	"time"
)

// CreditEntity names a table that carries credit columns.
type CreditEntity string

const (
	CreditHost CreditEntity = "hosts"
	CreditUser CreditEntity = "users"
	CreditTeam CreditEntity = "teams"
)

func (e CreditEntity) valid() bool {
	return e == CreditHost || e == CreditUser || e == CreditTeam
}

// --- Team / User / Host CRUD ---

// CreateTeam inserts a team and sets its ID.
func (d *DB) CreateTeam(ctx context.Context, t *Team) error {
	if t.CreatedAt == 0 {
		t.CreatedAt = time.Now().Unix()
	}
	res, err := d.db.ExecContext(ctx,
		`INSERT INTO teams (name, total_credit, expavg_credit, expavg_time, created_at) VALUES (?, ?, ?, ?, ?)`,
		t.Name, t.Credit.Total, t.Credit.ExpAvg, t.Credit.ExpAvgTime, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create team: %w", err)
	}
	t.ID, err = res.LastInsertId()
	return err
}

// GetTeam retrieves a team by ID.
func (d *DB) GetTeam(ctx context.Context, id int64) (*Team, error) {
	t := &Team{}
	err := d.db.QueryRowContext(ctx,
		`SELECT id, name, total_credit, expavg_credit, expavg_time, created_at FROM teams WHERE id = ?`, id,
	).Scan(&t.ID, &t.Name, &t.Credit.Total, &t.Credit.ExpAvg, &t.Credit.ExpAvgTime, &t.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("get team: %w", err)
	}
	return t, nil
}

// CreateUser inserts a user and sets its ID.
func (d *DB) CreateUser(ctx context.Context, u *User) error {
	if u.CreatedAt == 0 {
		u.CreatedAt = time.Now().Unix()
	}
	res, err := d.db.ExecContext(ctx,
		`INSERT INTO users (team_id, name, total_credit, expavg_credit, expavg_time, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		u.TeamID, u.Name, u.Credit.Total, u.Credit.ExpAvg, u.Credit.ExpAvgTime, u.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	u.ID, err = res.LastInsertId()
	return err
}

// GetUser retrieves a user by ID.
func (d *DB) GetUser(ctx context.Context, id int64) (*User, error) {
	u := &User{}
	err := d.db.QueryRowContext(ctx,
		`SELECT id, team_id, name, total_credit, expavg_credit, expavg_time, created_at FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.TeamID, &u.Name, &u.Credit.Total, &u.Credit.ExpAvg, &u.Credit.ExpAvgTime, &u.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// CreateHost inserts a host and sets its ID.
func (d *DB) CreateHost(ctx context.Context, h *Host) error {
	if h.CreatedAt == 0 {
		h.CreatedAt = time.Now().Unix()
	}
	if h.NCPUs == 0 {
		h.NCPUs = 1
	}
	res, err := d.db.ExecContext(ctx,
		`INSERT INTO hosts (user_id, platform, p_fpops, p_ncpus, m_nbytes, d_free, total_credit, expavg_credit, expavg_time, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.UserID, h.Platform, h.PFpops, h.NCPUs, h.MemBytes, h.DiskFree,
		h.Credit.Total, h.Credit.ExpAvg, h.Credit.ExpAvgTime, h.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create host: %w", err)
	}
	h.ID, err = res.LastInsertId()
	return err
}

// GetHost retrieves a host by ID.
func (d *DB) GetHost(ctx context.Context, id int64) (*Host, error) {
	h := &Host{}
	err := d.db.QueryRowContext(ctx,
		`SELECT id, user_id, platform, p_fpops, p_ncpus, m_nbytes, d_free, total_credit, expavg_credit, expavg_time, created_at
		 FROM hosts WHERE id = ?`, id,
	).Scan(&h.ID, &h.UserID, &h.Platform, &h.PFpops, &h.NCPUs, &h.MemBytes, &h.DiskFree,
		&h.Credit.Total, &h.Credit.ExpAvg, &h.Credit.ExpAvgTime, &h.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("get host: %w", err)
	}
	return h, nil
}

// UpdateHostResources records the capabilities a host reported in its last RPC.
func (d *DB) UpdateHostResources(ctx context.Context, h *Host) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE hosts SET platform = ?, p_fpops = ?, p_ncpus = ?, m_nbytes = ?, d_free = ? WHERE id = ?`,
		h.Platform, h.PFpops, h.NCPUs, h.MemBytes, h.DiskFree, h.ID,
	)
	if err != nil {
		return fmt.Errorf("update host resources: %w", err)
	}
	return expectOne(res, "update host resources")
}

// --- Credit ---

// GetCredit reads the credit columns of one host, user or team.
func (d *DB) GetCredit(ctx context.Context, entity CreditEntity, id int64) (Credit, error) {
	if !entity.valid() {
		return Credit{}, fmt.Errorf("get credit: unknown entity %q", entity)
	}
	var c Credit
	err := d.db.QueryRowContext(ctx,
		`SELECT total_credit, expavg_credit, expavg_time FROM `+string(entity)+` WHERE id = ?`, id,
	).Scan(&c.Total, &c.ExpAvg, &c.ExpAvgTime)
	if err != nil {
		return Credit{}, fmt.Errorf("get %s credit: %w", entity, err)
	}
	return c, nil
}

// UpdateCredit writes next only if the row still holds prev. A concurrent
// writer makes it return an error wrapping sql.ErrNoRows.
func (d *DB) UpdateCredit(ctx context.Context, entity CreditEntity, id int64, prev, next Credit) error {
	if !entity.valid() {
		return fmt.Errorf("update credit: unknown entity %q", entity)
	}
	res, err := d.db.ExecContext(ctx,
		`UPDATE `+string(entity)+` SET total_credit = ?, expavg_credit = ?, expavg_time = ?
		 WHERE id = ? AND total_credit = ? AND expavg_time = ?`,
		next.Total, next.ExpAvg, next.ExpAvgTime, id, prev.Total, prev.ExpAvgTime,
	)
	if err != nil {
		return fmt.Errorf("update %s credit: %w", entity, err)
	}
	return expectOne(res, "update "+string(entity)+" credit")
}
