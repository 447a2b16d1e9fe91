package db

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/cbrain/controlplane/internal/models"
)

// HashToken is the digest stored in users.token_hash.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// UpsertUser creates or updates a user by login with the given bearer token.
func (d *DB) UpsertUser(ctx context.Context, login, token string, admin bool) (*models.User, error) {
	_, err := d.conn.ExecContext(ctx, `
		INSERT INTO users (login, token_hash, is_admin) VALUES (?, ?, ?)
		ON CONFLICT(login) DO UPDATE SET token_hash = excluded.token_hash, is_admin = excluded.is_admin`,
		login, HashToken(token), boolInt(admin))
	if err != nil {
		return nil, fmt.Errorf("saving user %s: %w", login, err)
	}
	return d.getUser(ctx, "login = ?", login)
}

func (d *DB) GetUser(ctx context.Context, id int64) (*models.User, error) {
	return d.getUser(ctx, "id = ?", id)
}

func (d *DB) UserByToken(ctx context.Context, token string) (*models.User, error) {
	return d.getUser(ctx, "token_hash = ?", HashToken(token))
}

// AdminUser returns the first admin account; notifications about internal errors go there.
func (d *DB) AdminUser(ctx context.Context) (*models.User, error) {
	return d.getUser(ctx, "is_admin = 1 ORDER BY id LIMIT 1", nil)
}

func (d *DB) getUser(ctx context.Context, cond string, arg any) (*models.User, error) {
	var (
		u     models.User
		admin int
		row   *sql.Row
	)
	query := "SELECT id, login, token_hash, is_admin FROM users WHERE " + cond
	if arg == nil {
		row = d.conn.QueryRowContext(ctx, query)
	} else {
		row = d.conn.QueryRowContext(ctx, query, arg)
	}
	err := row.Scan(&u.ID, &u.Login, &u.TokenHash, &admin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading user: %w", err)
	}
	u.IsAdmin = admin != 0
	return &u, nil
}

func (d *DB) CreateGroup(ctx context.Context, name string, userIDs ...int64) (int64, error) {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "INSERT INTO user_groups (name) VALUES (?)", name)
	if err != nil {
		return 0, fmt.Errorf("inserting group %s: %w", name, err)
	}
	gid, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	for _, uid := range userIDs {
		if _, err := tx.ExecContext(ctx, "INSERT INTO group_memberships (group_id, user_id) VALUES (?, ?)", gid, uid); err != nil {
			return 0, fmt.Errorf("adding user %d to group %s: %w", uid, name, err)
		}
	}
	return gid, tx.Commit()
}

// GroupMemberships maps each user id to the ids of the groups it belongs to.
func (d *DB) GroupMemberships(ctx context.Context) (map[int64][]int64, error) {
	rows, err := d.conn.QueryContext(ctx, "SELECT user_id, group_id FROM group_memberships ORDER BY user_id, group_id")
	if err != nil {
		return nil, fmt.Errorf("listing group memberships: %w", err)
	}
	defer rows.Close()

	out := make(map[int64][]int64)
	for rows.Next() {
		var uid, gid int64
		if err := rows.Scan(&uid, &gid); err != nil {
			return nil, err
		}
		out[uid] = append(out[uid], gid)
	}
	return out, rows.Err()
}
