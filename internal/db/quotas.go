package db

import (
	"context"
	"fmt"
	"time"

	"github.com/cbrain/controlplane/internal/models"
)

// UpsertDiskQuota is find-or-create on (user, data provider).
func (d *DB) UpsertDiskQuota(ctx context.Context, q *models.DiskQuota) error {
	err := d.conn.QueryRowContext(ctx, `
		INSERT INTO disk_quotas (user_id, data_provider_id, max_bytes, max_files) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, data_provider_id) DO UPDATE SET
			max_bytes = excluded.max_bytes, max_files = excluded.max_files
		RETURNING id`,
		q.UserID, q.DataProviderID, q.MaxBytes, q.MaxFiles).Scan(&q.ID)
	if err != nil {
		return fmt.Errorf("saving disk quota: %w", err)
	}
	return nil
}

// UpsertCpuQuota is find-or-create on (user, group, resource).
func (d *DB) UpsertCpuQuota(ctx context.Context, q *models.CpuQuota) error {
	err := d.conn.QueryRowContext(ctx, `
		INSERT INTO cpu_quotas (user_id, group_id, remote_resource_id, max_cpu_past_week,
			max_cpu_past_month, max_cpu_ever) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, group_id, remote_resource_id) DO UPDATE SET
			max_cpu_past_week = excluded.max_cpu_past_week,
			max_cpu_past_month = excluded.max_cpu_past_month,
			max_cpu_ever = excluded.max_cpu_ever
		RETURNING id`,
		q.UserID, q.GroupID, q.RemoteResourceID, q.MaxCPUPastWeek, q.MaxCPUPastMonth, q.MaxCPUEver).Scan(&q.ID)
	if err != nil {
		return fmt.Errorf("saving cpu quota: %w", err)
	}
	return nil
}

func (d *DB) DiskQuotas(ctx context.Context) ([]models.DiskQuota, error) {
	rows, err := d.conn.QueryContext(ctx,
		"SELECT id, user_id, data_provider_id, max_bytes, max_files FROM disk_quotas ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("listing disk quotas: %w", err)
	}
	defer rows.Close()

	var out []models.DiskQuota
	for rows.Next() {
		var q models.DiskQuota
		if err := rows.Scan(&q.ID, &q.UserID, &q.DataProviderID, &q.MaxBytes, &q.MaxFiles); err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func (d *DB) CpuQuotas(ctx context.Context) ([]models.CpuQuota, error) {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT id, user_id, group_id, remote_resource_id, max_cpu_past_week, max_cpu_past_month, max_cpu_ever
		FROM cpu_quotas ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing cpu quotas: %w", err)
	}
	defer rows.Close()

	var out []models.CpuQuota
	for rows.Next() {
		var q models.CpuQuota
		if err := rows.Scan(&q.ID, &q.UserID, &q.GroupID, &q.RemoteResourceID,
			&q.MaxCPUPastWeek, &q.MaxCPUPastMonth, &q.MaxCPUEver); err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// RecordUsage appends one resource-usage delta.
func (d *DB) RecordUsage(ctx context.Context, kind models.UsageKind, userID, resourceID, dpID, value int64, at time.Time) error {
	_, err := d.conn.ExecContext(ctx, `
		INSERT INTO resource_usage (kind, user_id, remote_resource_id, data_provider_id, value, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`, kind, userID, resourceID, dpID, value, unix(at))
	if err != nil {
		return fmt.Errorf("recording %s usage: %w", kind, err)
	}
	return nil
}

type UserResourceKey struct {
	UserID           int64
	RemoteResourceID int64
}

type UserProviderKey struct {
	UserID         int64
	DataProviderID int64
}

// CPUUsage sums cputime deltas per (user, resource) since the given time;
// a zero since sums the whole history.
func (d *DB) CPUUsage(ctx context.Context, since time.Time) (map[UserResourceKey]int64, error) {
	query := "SELECT user_id, remote_resource_id, SUM(value) FROM resource_usage WHERE kind = ?"
	args := []any{models.UsageCPUTime}
	if !since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, unix(since))
	}
	query += " GROUP BY user_id, remote_resource_id"

	rows, err := d.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("summing cpu usage: %w", err)
	}
	defer rows.Close()

	out := make(map[UserResourceKey]int64)
	for rows.Next() {
		var (
			k   UserResourceKey
			sum int64
		)
		if err := rows.Scan(&k.UserID, &k.RemoteResourceID, &sum); err != nil {
			return nil, err
		}
		out[k] = sum
	}
	return out, rows.Err()
}

// DiskUsage sums space and file-count deltas per (user, data provider).
func (d *DB) DiskUsage(ctx context.Context) (bytes, files map[UserProviderKey]int64, err error) {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT kind, user_id, data_provider_id, SUM(value) FROM resource_usage
		WHERE kind IN (?, ?) GROUP BY kind, user_id, data_provider_id`,
		models.UsageSpace, models.UsageFiles)
	if err != nil {
		return nil, nil, fmt.Errorf("summing disk usage: %w", err)
	}
	defer rows.Close()

	bytes = make(map[UserProviderKey]int64)
	files = make(map[UserProviderKey]int64)
	for rows.Next() {
		var (
			kind models.UsageKind
			k    UserProviderKey
			sum  int64
		)
		if err := rows.Scan(&kind, &k.UserID, &k.DataProviderID, &sum); err != nil {
			return nil, nil, err
		}
		if kind == models.UsageSpace {
			bytes[k] = sum
		} else {
			files[k] = sum
		}
	}
	return bytes, files, rows.Err()
}
