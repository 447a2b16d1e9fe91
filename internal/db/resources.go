package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cbrain/controlplane/internal/models"
)

const resourceColumns = `id, name, type, online, time_of_death, auth_token, rr_timeout, cache_dir,
	ssh_control_user, ssh_control_host, ssh_control_port, ssh_control_dir, ssh_control_ctl,
	tunnel_actres_port, actres_host, actres_port`

func scanResource(s scanner) (*models.RemoteResource, error) {
	var (
		r      models.RemoteResource
		online int
		tod    sql.NullInt64
	)
	err := s.Scan(&r.ID, &r.Name, &r.Type, &online, &tod, &r.AuthToken, &r.Timeout, &r.CacheDir,
		&r.SSHControlUser, &r.SSHControlHost, &r.SSHControlPort, &r.SSHControlDir, &r.SSHControlCtl,
		&r.TunnelActresPort, &r.ActresHost, &r.ActresPort)
	if err != nil {
		return nil, err
	}
	r.Online = online != 0
	r.TimeOfDeath = fromNullUnix(tod)
	return &r, nil
}

func (d *DB) CreateResource(ctx context.Context, r *models.RemoteResource) error {
	res, err := d.conn.ExecContext(ctx, `
		INSERT INTO remote_resources (name, type, online, time_of_death, auth_token, rr_timeout, cache_dir,
			ssh_control_user, ssh_control_host, ssh_control_port, ssh_control_dir, ssh_control_ctl,
			tunnel_actres_port, actres_host, actres_port)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Name, r.Type, boolInt(r.Online), unixPtr(r.TimeOfDeath), r.AuthToken, r.Timeout, r.CacheDir,
		r.SSHControlUser, r.SSHControlHost, r.SSHControlPort, r.SSHControlDir, r.SSHControlCtl,
		r.TunnelActresPort, r.ActresHost, r.ActresPort)
	if err != nil {
		return fmt.Errorf("inserting remote resource %s: %w", r.Name, err)
	}
	r.ID, err = res.LastInsertId()
	return err
}

// UpsertResource creates the resource or refreshes its connection settings,
// keeping liveness state and the existing id.
func (d *DB) UpsertResource(ctx context.Context, r *models.RemoteResource) error {
	existing, err := d.GetResourceByName(ctx, r.Name)
	if errors.Is(err, ErrNotFound) {
		return d.CreateResource(ctx, r)
	}
	if err != nil {
		return err
	}
	_, err = d.conn.ExecContext(ctx, `
		UPDATE remote_resources SET type = ?, auth_token = ?, rr_timeout = ?, cache_dir = ?,
			ssh_control_user = ?, ssh_control_host = ?, ssh_control_port = ?, ssh_control_dir = ?,
			ssh_control_ctl = ?, tunnel_actres_port = ?, actres_host = ?, actres_port = ?
		WHERE id = ?`,
		r.Type, r.AuthToken, r.Timeout, r.CacheDir, r.SSHControlUser, r.SSHControlHost, r.SSHControlPort,
		r.SSHControlDir, r.SSHControlCtl, r.TunnelActresPort, r.ActresHost, r.ActresPort, existing.ID)
	if err != nil {
		return fmt.Errorf("updating remote resource %s: %w", r.Name, err)
	}
	r.ID = existing.ID
	r.Online, r.TimeOfDeath = existing.Online, existing.TimeOfDeath
	return nil
}

func (d *DB) GetResource(ctx context.Context, id int64) (*models.RemoteResource, error) {
	return d.getResource(ctx, "id = ?", id)
}

func (d *DB) GetResourceByName(ctx context.Context, name string) (*models.RemoteResource, error) {
	return d.getResource(ctx, "name = ?", name)
}

func (d *DB) GetResourceByToken(ctx context.Context, token string) (*models.RemoteResource, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	return d.getResource(ctx, "auth_token = ?", token)
}

func (d *DB) getResource(ctx context.Context, cond string, arg any) (*models.RemoteResource, error) {
	row := d.conn.QueryRowContext(ctx, "SELECT "+resourceColumns+" FROM remote_resources WHERE "+cond, arg)
	r, err := scanResource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading remote resource: %w", err)
	}
	return r, nil
}

func (d *DB) ListResources(ctx context.Context, typ models.ResourceType) ([]*models.RemoteResource, error) {
	query := "SELECT " + resourceColumns + " FROM remote_resources"
	var args []any
	if typ != "" {
		query += " WHERE type = ?"
		args = append(args, typ)
	}
	query += " ORDER BY id"

	rows, err := d.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing remote resources: %w", err)
	}
	defer rows.Close()

	var out []*models.RemoteResource
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CompareAndSetLiveness updates (online, time_of_death) only if they still hold the
// values the caller read. It reports false on a lost race.
func (d *DB) CompareAndSetLiveness(ctx context.Context, id int64, oldOnline bool, oldTOD *time.Time, newOnline bool, newTOD *time.Time) (bool, error) {
	res, err := d.conn.ExecContext(ctx, `
		UPDATE remote_resources SET online = ?, time_of_death = ?
		WHERE id = ? AND online = ? AND time_of_death IS ?`,
		boolInt(newOnline), unixPtr(newTOD), id, boolInt(oldOnline), unixPtr(oldTOD))
	if err != nil {
		return false, fmt.Errorf("updating liveness of resource %d: %w", id, err)
	}
	n, err := affected(res)
	return n == 1, err
}

// SetOnline forces the online flag and clears time_of_death.
func (d *DB) SetOnline(ctx context.Context, id int64, online bool) error {
	_, err := d.conn.ExecContext(ctx,
		"UPDATE remote_resources SET online = ?, time_of_death = NULL WHERE id = ?", boolInt(online), id)
	if err != nil {
		return fmt.Errorf("setting online=%t on resource %d: %w", online, id, err)
	}
	return nil
}
