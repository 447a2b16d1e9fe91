package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	_ "modernc.org/sqlite"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrLockLost = errors.New("handler lock lost")
)

type DB struct {
	conn *sql.DB
}

// Open opens the sqlite database at path. Pragmas are passed through the DSN
// so that every pooled connection gets them, not only the first one.
func Open(path string) (*DB, error) {
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "busy_timeout(10000)")
	q.Set("_txlock", "immediate")

	conn, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &DB{conn: conn}, nil
}

func (d *DB) Close() error {
	return d.conn.Close()
}

func (d *DB) Init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		login TEXT NOT NULL UNIQUE,
		token_hash TEXT NOT NULL,
		is_admin INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS user_groups (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE
	);

	CREATE TABLE IF NOT EXISTS group_memberships (
		group_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		PRIMARY KEY (group_id, user_id),
		FOREIGN KEY (group_id) REFERENCES user_groups(id) ON DELETE CASCADE,
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS remote_resources (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		type TEXT NOT NULL,
		online INTEGER NOT NULL DEFAULT 0,
		time_of_death INTEGER,
		auth_token TEXT NOT NULL UNIQUE,
		rr_timeout INTEGER NOT NULL DEFAULT 0,
		cache_dir TEXT NOT NULL DEFAULT '',
		ssh_control_user TEXT NOT NULL DEFAULT '',
		ssh_control_host TEXT NOT NULL DEFAULT '',
		ssh_control_port INTEGER NOT NULL DEFAULT 22,
		ssh_control_dir TEXT NOT NULL DEFAULT '',
		ssh_control_ctl TEXT NOT NULL DEFAULT '',
		tunnel_actres_port INTEGER NOT NULL DEFAULT 0,
		actres_host TEXT NOT NULL DEFAULT '',
		actres_port INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS background_activities (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type TEXT NOT NULL,
		user_id INTEGER NOT NULL,
		remote_resource_id INTEGER NOT NULL,
		status TEXT NOT NULL,
		options_json TEXT NOT NULL DEFAULT '{}',
		items_json TEXT NOT NULL DEFAULT '[]',
		item_results_json TEXT NOT NULL DEFAULT '[]',
		messages_json TEXT NOT NULL DEFAULT '[]',
		current_item INTEGER NOT NULL DEFAULT 0,
		count_ok INTEGER NOT NULL DEFAULT 0,
		count_fail INTEGER NOT NULL DEFAULT 0,
		count_exc INTEGER NOT NULL DEFAULT 0,
		handler_lock TEXT,
		start_at INTEGER,
		repeat_anchor INTEGER,
		repeat TEXT NOT NULL DEFAULT 'one_shot',
		retry_pass INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 0,
		retries_left INTEGER NOT NULL DEFAULT 0,
		retry_delay INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(id),
		FOREIGN KEY (remote_resource_id) REFERENCES remote_resources(id)
	);
	CREATE INDEX IF NOT EXISTS idx_bac_dispatch ON background_activities (remote_resource_id, status, start_at);

	CREATE TABLE IF NOT EXISTS disk_quotas (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL DEFAULT 0,
		data_provider_id INTEGER NOT NULL,
		max_bytes INTEGER NOT NULL,
		max_files INTEGER NOT NULL,
		UNIQUE (user_id, data_provider_id)
	);

	CREATE TABLE IF NOT EXISTS cpu_quotas (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL DEFAULT 0,
		group_id INTEGER NOT NULL DEFAULT 0,
		remote_resource_id INTEGER NOT NULL DEFAULT 0,
		max_cpu_past_week INTEGER NOT NULL,
		max_cpu_past_month INTEGER NOT NULL,
		max_cpu_ever INTEGER NOT NULL,
		UNIQUE (user_id, group_id, remote_resource_id)
	);

	CREATE TABLE IF NOT EXISTS resource_usage (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		user_id INTEGER NOT NULL,
		remote_resource_id INTEGER NOT NULL DEFAULT 0,
		data_provider_id INTEGER NOT NULL DEFAULT 0,
		value INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_usage_kind_time ON resource_usage (kind, created_at);

	CREATE TABLE IF NOT EXISTS data_providers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		root_path TEXT NOT NULL,
		online INTEGER NOT NULL DEFAULT 1,
		read_only INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS userfiles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		user_id INTEGER NOT NULL,
		data_provider_id INTEGER NOT NULL,
		size INTEGER NOT NULL DEFAULT 0,
		num_files INTEGER NOT NULL DEFAULT 1,
		UNIQUE (name, data_provider_id),
		FOREIGN KEY (data_provider_id) REFERENCES data_providers(id)
	);

	CREATE TABLE IF NOT EXISTS sync_status (
		userfile_id INTEGER NOT NULL,
		remote_resource_id INTEGER NOT NULL,
		status TEXT NOT NULL,
		accessed_at INTEGER NOT NULL,
		PRIMARY KEY (userfile_id, remote_resource_id)
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		bourreau_id INTEGER NOT NULL,
		status TEXT NOT NULL,
		workdir TEXT NOT NULL DEFAULT '',
		workdir_archive_userfile_id INTEGER,
		params_json TEXT NOT NULL DEFAULT '{}'
	);

	CREATE TABLE IF NOT EXISTS custom_filters (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		target TEXT NOT NULL,
		name_like TEXT NOT NULL DEFAULT '',
		data_provider_id INTEGER NOT NULL DEFAULT 0,
		bourreau_id INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		severity TEXT NOT NULL,
		header TEXT NOT NULL,
		body TEXT NOT NULL,
		critical INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		at INTEGER NOT NULL,
		type TEXT NOT NULL,
		activity_id INTEGER,
		resource_id INTEGER,
		payload_json TEXT
	);
	`

	_, err := d.conn.Exec(schema)
	if err != nil {
		return fmt.Errorf("initializing schema: %w", err)
	}

	return nil
}

func (d *DB) Exec(query string, args ...any) (sql.Result, error) {
	return d.conn.Exec(query, args...)
}

func (d *DB) QueryRow(query string, args ...any) *sql.Row {
	return d.conn.QueryRow(query, args...)
}

func (d *DB) Query(query string, args ...any) (*sql.Rows, error) {
	return d.conn.Query(query, args...)
}

func (d *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.conn.QueryContext(ctx, query, args...)
}

func (d *DB) Begin() (*sql.Tx, error) {
	return d.conn.Begin()
}

func (d *DB) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return d.conn.BeginTx(ctx, nil)
}

func unix(t time.Time) int64 { return t.UTC().Unix() }

func unixPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Unix()
}

func fromUnix(v int64) time.Time { return time.Unix(v, 0).UTC() }

func fromNullUnix(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromUnix(v.Int64)
	return &t
}

func affected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading rows affected: %w", err)
	}
	return n, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
