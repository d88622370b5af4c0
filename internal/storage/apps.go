package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const appColumns = `id, name, beta, non_cpu_intensive, locality, buda, size_quantiles, replication, created_at`

func scanApp(row interface{ Scan(...any) error }) (*App, error) {
	a := &App{}
	var beta, nci, loc, buda int
	var quantiles sql.NullString
	if err := row.Scan(&a.ID, &a.Name, &beta, &nci, &loc, &buda, &quantiles, &a.Replication, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.Beta = beta != 0
	a.NonCPUIntensive = nci != 0
	a.Locality = loc != 0
	a.Buda = buda != 0
	q, err := decodeList[float64](quantiles)
	if err != nil {
		return nil, fmt.Errorf("decode size quantiles: %w", err)
	}
	a.SizeQuantiles = q
	return a, nil
}

// CreateApp inserts a new app and sets its ID.
func (d *DB) CreateApp(ctx context.Context, a *App) error {
	if a.CreatedAt == 0 {
		a.CreatedAt = time.Now().Unix()
	}
	quantiles, err := encodeList(a.SizeQuantiles)
	if err != nil {
		return fmt.Errorf("create app: %w", err)
	}
	res, err := d.db.ExecContext(ctx,
		`INSERT INTO apps (name, beta, non_cpu_intensive, locality, buda, size_quantiles, replication, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.Name, boolToInt(a.Beta), boolToInt(a.NonCPUIntensive), boolToInt(a.Locality),
		boolToInt(a.Buda), quantiles, a.Replication, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create app: %w", err)
	}
	a.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("create app id: %w", err)
	}
	return nil
}

// UpsertApp creates the app or updates the existing row with the same name.
func (d *DB) UpsertApp(ctx context.Context, a *App) error {
	existing, err := d.GetAppByName(ctx, a.Name)
	if err != nil {
		if isNoRows(err) {
			return d.CreateApp(ctx, a)
		}
		return err
	}
	quantiles, err := encodeList(a.SizeQuantiles)
	if err != nil {
		return fmt.Errorf("upsert app: %w", err)
	}
	_, err = d.db.ExecContext(ctx,
		`UPDATE apps SET beta = ?, non_cpu_intensive = ?, locality = ?, buda = ?, size_quantiles = ?, replication = ?
		 WHERE id = ?`,
		boolToInt(a.Beta), boolToInt(a.NonCPUIntensive), boolToInt(a.Locality), boolToInt(a.Buda),
		quantiles, a.Replication, existing.ID,
	)
	if err != nil {
		return fmt.Errorf("upsert app: %w", err)
	}
	a.ID = existing.ID
	a.CreatedAt = existing.CreatedAt
	return nil
}

// GetApp retrieves an app by ID.
func (d *DB) GetApp(ctx context.Context, id int64) (*App, error) {
	a, err := scanApp(d.db.QueryRowContext(ctx, `SELECT `+appColumns+` FROM apps WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("get app: %w", err)
	}
	return a, nil
}

// GetAppByName retrieves an app by its unique name.
func (d *DB) GetAppByName(ctx context.Context, name string) (*App, error) {
	a, err := scanApp(d.db.QueryRowContext(ctx, `SELECT `+appColumns+` FROM apps WHERE name = ?`, name))
	if err != nil {
		return nil, fmt.Errorf("get app by name: %w", err)
	}
	return a, nil
}

// ListApps returns all apps ordered by ID.
func (d *DB) ListApps(ctx context.Context) ([]App, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT `+appColumns+` FROM apps ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list apps: %w", err)
	}
	defer rows.Close()

	var apps []App
	for rows.Next() {
		a, err := scanApp(rows)
		if err != nil {
			return nil, fmt.Errorf("scan app: %w", err)
		}
		apps = append(apps, *a)
	}
	return apps, rows.Err()
}

// CreateAppVersion inserts an app version and sets its ID.
func (d *DB) CreateAppVersion(ctx context.Context, av *AppVersion) error {
	if av.CreatedAt == 0 {
		av.CreatedAt = time.Now().Unix()
	}
	res, err := d.db.ExecContext(ctx,
		`INSERT INTO app_versions (app_id, platform, version_num, plan_class, variant, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		av.AppID, av.Platform, av.VersionNum, av.PlanClass, av.Variant, av.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create app version: %w", err)
	}
	av.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("create app version id: %w", err)
	}
	return nil
}

// EnsureAppVersion returns the ID of the matching app version, creating it
// when absent.
func (d *DB) EnsureAppVersion(ctx context.Context, av *AppVersion) error {
	err := d.db.QueryRowContext(ctx,
		`SELECT id, created_at FROM app_versions
		 WHERE app_id = ? AND platform = ? AND version_num = ? AND plan_class = ? AND variant = ?`,
		av.AppID, av.Platform, av.VersionNum, av.PlanClass, av.Variant,
	).Scan(&av.ID, &av.CreatedAt)
	if err == nil {
		return nil
	}
	if !isNoRows(err) {
		return fmt.Errorf("ensure app version: %w", err)
	}
	return d.CreateAppVersion(ctx, av)
}

// ListAppVersions returns the app versions of an app in enumeration order
// (ascending ID). The variant resolver depends on this order for ties.
func (d *DB) ListAppVersions(ctx context.Context, appID int64) ([]AppVersion, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, app_id, platform, version_num, plan_class, variant, created_at
		 FROM app_versions WHERE app_id = ? ORDER BY id`, appID,
	)
	if err != nil {
		return nil, fmt.Errorf("list app versions: %w", err)
	}
	defer rows.Close()

	var avs []AppVersion
	for rows.Next() {
		var av AppVersion
		if err := rows.Scan(&av.ID, &av.AppID, &av.Platform, &av.VersionNum, &av.PlanClass, &av.Variant, &av.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan app version: %w", err)
		}
		avs = append(avs, av)
	}
	return avs, rows.Err()
}
