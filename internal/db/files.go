package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cbrain/controlplane/internal/models"
)

func (d *DB) CreateDataProvider(ctx context.Context, dp *models.DataProvider) error {
	res, err := d.conn.ExecContext(ctx,
		"INSERT INTO data_providers (name, root_path, online, read_only) VALUES (?, ?, ?, ?)",
		dp.Name, dp.RootPath, boolInt(dp.Online), boolInt(dp.ReadOnly))
	if err != nil {
		return fmt.Errorf("inserting data provider %s: %w", dp.Name, err)
	}
	dp.ID, err = res.LastInsertId()
	return err
}

func (d *DB) GetDataProvider(ctx context.Context, id int64) (*models.DataProvider, error) {
	var (
		dp               models.DataProvider
		online, readOnly int
	)
	err := d.conn.QueryRowContext(ctx,
		"SELECT id, name, root_path, online, read_only FROM data_providers WHERE id = ?", id).
		Scan(&dp.ID, &dp.Name, &dp.RootPath, &online, &readOnly)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading data provider %d: %w", id, err)
	}
	dp.Online, dp.ReadOnly = online != 0, readOnly != 0
	return &dp, nil
}

func (d *DB) DataProviderIDs(ctx context.Context) ([]int64, error) {
	return d.ids(ctx, "SELECT id FROM data_providers ORDER BY id")
}

const userfileColumns = "id, name, user_id, data_provider_id, size, num_files"

func scanUserfile(s scanner) (*models.Userfile, error) {
	var u models.Userfile
	if err := s.Scan(&u.ID, &u.Name, &u.UserID, &u.DataProviderID, &u.Size, &u.NumFiles); err != nil {
		return nil, err
	}
	return &u, nil
}

func (d *DB) CreateUserfile(ctx context.Context, u *models.Userfile) error {
	res, err := d.conn.ExecContext(ctx,
		"INSERT INTO userfiles (name, user_id, data_provider_id, size, num_files) VALUES (?, ?, ?, ?, ?)",
		u.Name, u.UserID, u.DataProviderID, u.Size, u.NumFiles)
	if err != nil {
		return fmt.Errorf("inserting userfile %s: %w", u.Name, err)
	}
	u.ID, err = res.LastInsertId()
	return err
}

func (d *DB) GetUserfile(ctx context.Context, id int64) (*models.Userfile, error) {
	u, err := scanUserfile(d.conn.QueryRowContext(ctx, "SELECT "+userfileColumns+" FROM userfiles WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading userfile %d: %w", id, err)
	}
	return u, nil
}

// FindUserfile looks a file up by name on a data provider.
func (d *DB) FindUserfile(ctx context.Context, name string, dpID int64) (*models.Userfile, error) {
	u, err := scanUserfile(d.conn.QueryRowContext(ctx,
		"SELECT "+userfileColumns+" FROM userfiles WHERE name = ? AND data_provider_id = ?", name, dpID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding userfile %s: %w", name, err)
	}
	return u, nil
}

func (d *DB) UpdateUserfile(ctx context.Context, u *models.Userfile) error {
	_, err := d.conn.ExecContext(ctx,
		"UPDATE userfiles SET name = ?, data_provider_id = ?, size = ?, num_files = ? WHERE id = ?",
		u.Name, u.DataProviderID, u.Size, u.NumFiles, u.ID)
	if err != nil {
		return fmt.Errorf("updating userfile %d: %w", u.ID, err)
	}
	return nil
}

func (d *DB) DeleteUserfile(ctx context.Context, id int64) error {
	_, err := d.conn.ExecContext(ctx, "DELETE FROM userfiles WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting userfile %d: %w", id, err)
	}
	return nil
}

func (d *DB) UserfileExists(ctx context.Context, id int64) (bool, error) {
	var n int
	err := d.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM userfiles WHERE id = ?", id).Scan(&n)
	return n > 0, err
}

func (d *DB) SetSyncStatus(ctx context.Context, s models.SyncStatus) error {
	_, err := d.conn.ExecContext(ctx, `
		INSERT INTO sync_status (userfile_id, remote_resource_id, status, accessed_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(userfile_id, remote_resource_id) DO UPDATE SET
			status = excluded.status, accessed_at = excluded.accessed_at`,
		s.UserfileID, s.RemoteResourceID, s.Status, unix(s.AccessedAt))
	if err != nil {
		return fmt.Errorf("saving sync status of userfile %d: %w", s.UserfileID, err)
	}
	return nil
}

func (d *DB) GetSyncStatus(ctx context.Context, userfileID, resourceID int64) (*models.SyncStatus, error) {
	var (
		s  models.SyncStatus
		at int64
	)
	err := d.conn.QueryRowContext(ctx, `
		SELECT userfile_id, remote_resource_id, status, accessed_at FROM sync_status
		WHERE userfile_id = ? AND remote_resource_id = ?`, userfileID, resourceID).
		Scan(&s.UserfileID, &s.RemoteResourceID, &s.Status, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading sync status: %w", err)
	}
	s.AccessedAt = fromUnix(at)
	return &s, nil
}

// SyncStatusInTransfer reports whether any resource is currently moving the userfile's content.
func (d *DB) SyncStatusInTransfer(ctx context.Context, userfileID int64) (bool, error) {
	var n int
	err := d.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sync_status WHERE userfile_id = ? AND status LIKE 'To%'", userfileID).Scan(&n)
	return n > 0, err
}

func (d *DB) DeleteSyncStatus(ctx context.Context, userfileID, resourceID int64) error {
	_, err := d.conn.ExecContext(ctx,
		"DELETE FROM sync_status WHERE userfile_id = ? AND remote_resource_id = ?", userfileID, resourceID)
	if err != nil {
		return fmt.Errorf("deleting sync status: %w", err)
	}
	return nil
}

// CachedUserfileIDs lists userfiles cached on a resource, optionally restricted to some
// owners and to an access-time window. Zero times leave that side open.
func (d *DB) CachedUserfileIDs(ctx context.Context, resourceID int64, userIDs []int64, accessedBefore, accessedAfter time.Time) ([]int64, error) {
	query := `SELECT s.userfile_id FROM sync_status s JOIN userfiles u ON u.id = s.userfile_id
		WHERE s.remote_resource_id = ?`
	args := []any{resourceID}
	if len(userIDs) > 0 {
		query += " AND u.user_id IN (" + placeholders(len(userIDs)) + ")"
		for _, id := range userIDs {
			args = append(args, id)
		}
	}
	if !accessedBefore.IsZero() {
		query += " AND s.accessed_at < ?"
		args = append(args, unix(accessedBefore))
	}
	if !accessedAfter.IsZero() {
		query += " AND s.accessed_at > ?"
		args = append(args, unix(accessedAfter))
	}
	query += " ORDER BY s.userfile_id"
	return d.ids(ctx, query, args...)
}

const taskColumns = "id, user_id, bourreau_id, status, workdir, workdir_archive_userfile_id, params_json"

func scanTask(s scanner) (*models.Task, error) {
	var (
		t       models.Task
		archive sql.NullInt64
	)
	if err := s.Scan(&t.ID, &t.UserID, &t.BourreauID, &t.Status, &t.Workdir, &archive, &t.Params); err != nil {
		return nil, err
	}
	if archive.Valid {
		t.ArchiveID = &archive.Int64
	}
	return &t, nil
}

func (d *DB) CreateTask(ctx context.Context, t *models.Task) error {
	if t.Params == "" {
		t.Params = "{}"
	}
	res, err := d.conn.ExecContext(ctx, `
		INSERT INTO tasks (user_id, bourreau_id, status, workdir, workdir_archive_userfile_id, params_json)
		VALUES (?, ?, ?, ?, ?, ?)`, t.UserID, t.BourreauID, t.Status, t.Workdir, t.ArchiveID, t.Params)
	if err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}
	t.ID, err = res.LastInsertId()
	return err
}

func (d *DB) GetTask(ctx context.Context, id int64) (*models.Task, error) {
	t, err := scanTask(d.conn.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading task %d: %w", id, err)
	}
	return t, nil
}

func (d *DB) UpdateTask(ctx context.Context, t *models.Task) error {
	_, err := d.conn.ExecContext(ctx,
		"UPDATE tasks SET status = ?, workdir = ?, workdir_archive_userfile_id = ?, bourreau_id = ? WHERE id = ?",
		t.Status, t.Workdir, t.ArchiveID, t.BourreauID, t.ID)
	if err != nil {
		return fmt.Errorf("updating task %d: %w", t.ID, err)
	}
	return nil
}

// TaskIDsWithWorkdir lists tasks on a bourreau that have a work directory recorded.
func (d *DB) TaskIDsWithWorkdir(ctx context.Context, bourreauID int64) ([]int64, error) {
	return d.ids(ctx, "SELECT id FROM tasks WHERE bourreau_id = ? AND workdir != '' ORDER BY id", bourreauID)
}

func (d *DB) CreateCustomFilter(ctx context.Context, f *models.CustomFilter) error {
	res, err := d.conn.ExecContext(ctx, `
		INSERT INTO custom_filters (user_id, target, name_like, data_provider_id, bourreau_id, status)
		VALUES (?, ?, ?, ?, ?, ?)`, f.UserID, f.Target, f.NameLike, f.DataProviderID, f.BourreauID, f.Status)
	if err != nil {
		return fmt.Errorf("inserting custom filter: %w", err)
	}
	f.ID, err = res.LastInsertId()
	return err
}

func (d *DB) GetCustomFilter(ctx context.Context, id int64) (*models.CustomFilter, error) {
	var f models.CustomFilter
	err := d.conn.QueryRowContext(ctx, `
		SELECT id, user_id, target, name_like, data_provider_id, bourreau_id, status
		FROM custom_filters WHERE id = ?`, id).
		Scan(&f.ID, &f.UserID, &f.Target, &f.NameLike, &f.DataProviderID, &f.BourreauID, &f.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading custom filter %d: %w", id, err)
	}
	return &f, nil
}

// FilterIDs expands a custom filter into the ids of the records it selects,
// restricted to the filter owner's records.
func (d *DB) FilterIDs(ctx context.Context, f *models.CustomFilter) ([]int64, error) {
	var (
		table string
		where = []string{"user_id = ?"}
		args  = []any{f.UserID}
	)
	switch f.Target {
	case "userfile":
		table = "userfiles"
		if f.NameLike != "" {
			where = append(where, "name LIKE ?")
			args = append(args, "%"+f.NameLike+"%")
		}
		if f.DataProviderID != 0 {
			where = append(where, "data_provider_id = ?")
			args = append(args, f.DataProviderID)
		}
	case "task":
		table = "tasks"
		if f.BourreauID != 0 {
			where = append(where, "bourreau_id = ?")
			args = append(args, f.BourreauID)
		}
		if f.Status != "" {
			where = append(where, "status = ?")
			args = append(args, f.Status)
		}
	default:
		return nil, fmt.Errorf("custom filter %d has unknown target %q", f.ID, f.Target)
	}
	return d.ids(ctx, "SELECT id FROM "+table+" WHERE "+strings.Join(where, " AND ")+" ORDER BY id", args...)
}
