package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// DB wraps a sql.DB connection to a SQLite database.
type DB struct {
	db *sql.DB
}

// NewDB opens (or creates) a SQLite database at path and runs schema migrations.
func NewDB(path string) (*DB, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	// A single connection serializes writers; SQLite would otherwise
	// return SQLITE_BUSY under concurrent scheduler workers.
	sqlDB.SetMaxOpenConns(1)

	if _, err := sqlDB.Exec("PRAGMA foreign_keys = ON"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	d := &DB{db: sqlDB}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping reports whether the store is reachable.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// migrate creates all required tables if they do not already exist.
func (d *DB) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS teams (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL,
    total_credit REAL NOT NULL DEFAULT 0,
    expavg_credit REAL NOT NULL DEFAULT 0,
    expavg_time REAL NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS users (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    team_id INTEGER NOT NULL DEFAULT 0,
    name TEXT NOT NULL,
    total_credit REAL NOT NULL DEFAULT 0,
    expavg_credit REAL NOT NULL DEFAULT 0,
    expavg_time REAL NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS hosts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER NOT NULL,
    platform TEXT NOT NULL,
    p_fpops REAL NOT NULL DEFAULT 0,
    p_ncpus INTEGER NOT NULL DEFAULT 1,
    m_nbytes REAL NOT NULL DEFAULT 0,
    d_free REAL NOT NULL DEFAULT 0,
    total_credit REAL NOT NULL DEFAULT 0,
    expavg_credit REAL NOT NULL DEFAULT 0,
    expavg_time REAL NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    FOREIGN KEY (user_id) REFERENCES users(id)
);

CREATE TABLE IF NOT EXISTS apps (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL UNIQUE,
    beta INTEGER NOT NULL DEFAULT 0,
    non_cpu_intensive INTEGER NOT NULL DEFAULT 0,
    locality INTEGER NOT NULL DEFAULT 0,
    buda INTEGER NOT NULL DEFAULT 0,
    size_quantiles TEXT,
    replication INTEGER NOT NULL DEFAULT 2,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS app_versions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    app_id INTEGER NOT NULL,
    platform TEXT NOT NULL,
    version_num INTEGER NOT NULL,
    plan_class TEXT NOT NULL DEFAULT '',
    variant TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    UNIQUE(app_id, platform, version_num, plan_class, variant),
    FOREIGN KEY (app_id) REFERENCES apps(id)
);

CREATE TABLE IF NOT EXISTS workunits (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    app_id INTEGER NOT NULL,
    name TEXT NOT NULL UNIQUE,
    rsc_fpops_est REAL NOT NULL,
    rsc_fpops_bound REAL NOT NULL,
    rsc_memory_bound REAL NOT NULL DEFAULT 0,
    rsc_disk_bound REAL NOT NULL DEFAULT 0,
    min_quorum INTEGER NOT NULL,
    target_nresults INTEGER NOT NULL,
    max_error_results INTEGER NOT NULL,
    max_total_results INTEGER NOT NULL,
    max_success_results INTEGER NOT NULL,
    size_class INTEGER NOT NULL DEFAULT 0,
    priority INTEGER NOT NULL DEFAULT 0,
    delay_bound INTEGER NOT NULL DEFAULT 0,
    keywords TEXT,
    input_files TEXT,
    canonical_resultid INTEGER NOT NULL DEFAULT 0,
    canonical_credit REAL NOT NULL DEFAULT 0,
    assimilate_state INTEGER NOT NULL DEFAULT 0,
    error_mask INTEGER NOT NULL DEFAULT 0,
    need_validate INTEGER NOT NULL DEFAULT 0,
    transition_time INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    CHECK (target_nresults >= min_quorum),
    FOREIGN KEY (app_id) REFERENCES apps(id)
);

CREATE TABLE IF NOT EXISTS results (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    workunitid INTEGER NOT NULL,
    appid INTEGER NOT NULL,
    name TEXT NOT NULL UNIQUE,
    server_state INTEGER NOT NULL,
    outcome INTEGER NOT NULL DEFAULT 0,
    validate_state INTEGER NOT NULL DEFAULT 0,
    hostid INTEGER NOT NULL DEFAULT 0,
    userid INTEGER NOT NULL DEFAULT 0,
    app_version_id INTEGER NOT NULL DEFAULT 0,
    proc_type INTEGER NOT NULL DEFAULT 0,
    claimed_credit REAL NOT NULL DEFAULT 0,
    granted_credit REAL NOT NULL DEFAULT 0,
    sent_time INTEGER NOT NULL DEFAULT 0,
    report_deadline INTEGER NOT NULL DEFAULT 0,
    received_time INTEGER NOT NULL DEFAULT 0,
    elapsed_time REAL NOT NULL DEFAULT 0,
    output_digest TEXT NOT NULL DEFAULT '',
    priority INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    FOREIGN KEY (workunitid) REFERENCES workunits(id)
);

CREATE TABLE IF NOT EXISTS host_app_versions (
    host_id INTEGER NOT NULL,
    app_version_id INTEGER NOT NULL,
    consecutive_valid INTEGER NOT NULL DEFAULT 0,
    turnaround_avg REAL NOT NULL DEFAULT 0,
    turnaround_n INTEGER NOT NULL DEFAULT 0,
    reliable INTEGER NOT NULL DEFAULT 0,
    trusted INTEGER NOT NULL DEFAULT 0,
    n_jobs_today INTEGER NOT NULL DEFAULT 0,
    max_jobs_per_day INTEGER NOT NULL,
    PRIMARY KEY (host_id, app_version_id)
);

CREATE INDEX IF NOT EXISTS idx_results_wu ON results(workunitid);
CREATE INDEX IF NOT EXISTS idx_results_state ON results(server_state);
CREATE INDEX IF NOT EXISTS idx_results_host ON results(hostid, server_state);
CREATE INDEX IF NOT EXISTS idx_workunits_validate ON workunits(app_id, need_validate);
CREATE INDEX IF NOT EXISTS idx_app_versions_app ON app_versions(app_id);`
	_, err := d.db.Exec(schema)
	return err
}

// boolToInt converts a bool to an integer (0 or 1) for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// encodeList stores a slice column as JSON; empty slices are stored as NULL.
func encodeList[T any](v []T) (sql.NullString, error) {
	if len(v) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeList[T any](s sql.NullString) ([]T, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var v []T
	if err := json.Unmarshal([]byte(s.String), &v); err != nil {
		return nil, err
	}
	return v, nil
}

// expectOne turns an UPDATE that matched no rows into sql.ErrNoRows, the
// signal every conditional write in this package uses for a stale precondition.
func expectOne(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, sql.ErrNoRows)
	}
	return nil
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// withTx runs fn inside a transaction, rolling back on any error.
func (d *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
