package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cbrain/controlplane/internal/models"
)

const activityColumns = `id, type, user_id, remote_resource_id, status, options_json, items_json,
	item_results_json, messages_json, current_item, count_ok, count_fail, count_exc,
	handler_lock, start_at, repeat_anchor, repeat, retry_pass, max_retries, retries_left,
	retry_delay, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanActivity(s scanner) (*models.BackgroundActivity, error) {
	var (
		a                          models.BackgroundActivity
		opts, items, results, msgs string
		lock                       sql.NullString
		startAt, anchor            sql.NullInt64
		retryPass                  int
		createdAt, updatedAt       int64
	)
	err := s.Scan(&a.ID, &a.Type, &a.UserID, &a.RemoteResourceID, &a.Status, &opts, &items,
		&results, &msgs, &a.CurrentItem, &a.CountOK, &a.CountFail, &a.CountExc,
		&lock, &startAt, &anchor, &a.Repeat, &retryPass, &a.MaxRetries, &a.RetriesLeft, &a.RetryDelay,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(opts), &a.Options); err != nil {
		return nil, fmt.Errorf("decoding options of activity %d: %w", a.ID, err)
	}
	if err := json.Unmarshal([]byte(items), &a.Items); err != nil {
		return nil, fmt.Errorf("decoding items of activity %d: %w", a.ID, err)
	}
	if err := json.Unmarshal([]byte(results), &a.ItemResults); err != nil {
		return nil, fmt.Errorf("decoding item results of activity %d: %w", a.ID, err)
	}
	if err := json.Unmarshal([]byte(msgs), &a.Messages); err != nil {
		return nil, fmt.Errorf("decoding messages of activity %d: %w", a.ID, err)
	}
	if lock.Valid {
		a.HandlerLock = &lock.String
	}
	a.StartAt = fromNullUnix(startAt)
	a.RepeatAnchor = fromNullUnix(anchor)
	a.RetryPass = retryPass != 0
	a.CreatedAt = fromUnix(createdAt)
	a.UpdatedAt = fromUnix(updatedAt)
	return &a, nil
}

type activityJSON struct {
	options, items, results, messages string
}

func encodeActivity(a *models.BackgroundActivity) (activityJSON, error) {
	var out activityJSON
	enc := func(v any) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	}
	opts := a.Options
	if opts == nil {
		opts = map[string]string{}
	}
	var err error
	if out.options, err = enc(opts); err != nil {
		return out, fmt.Errorf("encoding options: %w", err)
	}
	items := a.Items
	if items == nil {
		items = []string{}
	}
	if out.items, err = enc(items); err != nil {
		return out, fmt.Errorf("encoding items: %w", err)
	}
	results := a.ItemResults
	if results == nil {
		results = []models.ItemOutcome{}
	}
	if out.results, err = enc(results); err != nil {
		return out, fmt.Errorf("encoding item results: %w", err)
	}
	msgs := a.Messages
	if msgs == nil {
		msgs = []string{}
	}
	if out.messages, err = enc(msgs); err != nil {
		return out, fmt.Errorf("encoding messages: %w", err)
	}
	return out, nil
}

func (d *DB) CreateActivity(ctx context.Context, a *models.BackgroundActivity) error {
	j, err := encodeActivity(a)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Truncate(time.Second)
	if a.Repeat == "" {
		a.Repeat = models.RepeatOneShot
	}
	res, err := d.conn.ExecContext(ctx, `
		INSERT INTO background_activities (type, user_id, remote_resource_id, status, options_json,
			items_json, item_results_json, messages_json, current_item, count_ok, count_fail, count_exc,
			start_at, repeat_anchor, repeat, retry_pass, max_retries, retries_left, retry_delay,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.Type, a.UserID, a.RemoteResourceID, a.Status, j.options, j.items, j.results, j.messages,
		a.CurrentItem, a.CountOK, a.CountFail, a.CountExc, unixPtr(a.StartAt), unixPtr(a.RepeatAnchor), a.Repeat,
		boolInt(a.RetryPass), a.MaxRetries, a.RetriesLeft, a.RetryDelay, unix(now), unix(now))
	if err != nil {
		return fmt.Errorf("inserting background activity: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading activity id: %w", err)
	}
	a.ID = id
	a.CreatedAt, a.UpdatedAt = now, now
	return nil
}

func (d *DB) GetActivity(ctx context.Context, id int64) (*models.BackgroundActivity, error) {
	row := d.conn.QueryRowContext(ctx, "SELECT "+activityColumns+" FROM background_activities WHERE id = ?", id)
	a, err := scanActivity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading activity %d: %w", id, err)
	}
	return a, nil
}

// ActivityStatus reads only the status column; executors poll it between items.
func (d *DB) ActivityStatus(ctx context.Context, id int64) (models.ActivityStatus, error) {
	var st models.ActivityStatus
	err := d.conn.QueryRowContext(ctx, "SELECT status FROM background_activities WHERE id = ?", id).Scan(&st)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return st, err
}

type ActivityFilter struct {
	UserID           int64
	RemoteResourceID int64
	Statuses         []models.ActivityStatus
	IDs              []int64
	Limit            int
}

func (d *DB) ListActivities(ctx context.Context, f ActivityFilter) ([]*models.BackgroundActivity, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != 0 {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.RemoteResourceID != 0 {
		where = append(where, "remote_resource_id = ?")
		args = append(args, f.RemoteResourceID)
	}
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, s := range f.Statuses {
			args = append(args, s)
		}
	}
	if len(f.IDs) > 0 {
		where = append(where, "id IN ("+placeholders(len(f.IDs))+")")
		for _, id := range f.IDs {
			args = append(args, id)
		}
	}
	query := "SELECT " + activityColumns + " FROM background_activities"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := d.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing activities: %w", err)
	}
	defer rows.Close()

	var out []*models.BackgroundActivity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DueActivityIDs returns unlocked Scheduled activities of a resource whose start time has come.
func (d *DB) DueActivityIDs(ctx context.Context, resourceID int64, now time.Time) ([]int64, error) {
	return d.ids(ctx, `
		SELECT id FROM background_activities
		WHERE remote_resource_id = ? AND status = ? AND handler_lock IS NULL
		AND (start_at IS NULL OR start_at <= ?)
		ORDER BY start_at, id`, resourceID, models.StatusScheduled, unix(now))
}

// ResumableActivityIDs returns InProgress activities that nobody holds a lock on,
// for instance after unsuspend.
func (d *DB) ResumableActivityIDs(ctx context.Context, resourceID int64) ([]int64, error) {
	return d.ids(ctx, `
		SELECT id FROM background_activities
		WHERE remote_resource_id = ? AND status = ? AND handler_lock IS NULL
		ORDER BY id`, resourceID, models.StatusInProgress)
}

// ClaimScheduled atomically moves a Scheduled activity whose start_at is not
// after dueBy to InProgress under owner's lock, stamping updated_at with now.
// It reports false when another dispatcher or an operator got there first.
func (d *DB) ClaimScheduled(ctx context.Context, id int64, owner string, dueBy, now time.Time) (bool, error) {
	res, err := d.conn.ExecContext(ctx, `
		UPDATE background_activities SET status = ?, handler_lock = ?, updated_at = ?
		WHERE id = ? AND status = ? AND handler_lock IS NULL AND (start_at IS NULL OR start_at <= ?)`,
		models.StatusInProgress, owner, unix(now), id, models.StatusScheduled, unix(dueBy))
	if err != nil {
		return false, fmt.Errorf("claiming activity %d: %w", id, err)
	}
	n, err := affected(res)
	return n == 1, err
}

// ClaimInProgress takes the lock of an unlocked InProgress activity.
func (d *DB) ClaimInProgress(ctx context.Context, id int64, owner string, now time.Time) (bool, error) {
	res, err := d.conn.ExecContext(ctx, `
		UPDATE background_activities SET handler_lock = ?, updated_at = ?
		WHERE id = ? AND status = ? AND handler_lock IS NULL`,
		owner, unix(now), id, models.StatusInProgress)
	if err != nil {
		return false, fmt.Errorf("claiming activity %d: %w", id, err)
	}
	n, err := affected(res)
	return n == 1, err
}

// SaveProgress persists items, per-item results and counters. Status is left alone
// so operator transitions made meanwhile are never overwritten.
func (d *DB) SaveProgress(ctx context.Context, a *models.BackgroundActivity, owner string) error {
	j, err := encodeActivity(a)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	res, err := d.conn.ExecContext(ctx, `
		UPDATE background_activities SET items_json = ?, item_results_json = ?, messages_json = ?,
			current_item = ?, count_ok = ?, count_fail = ?, count_exc = ?, retry_pass = ?,
			retries_left = ?, updated_at = ?
		WHERE id = ? AND handler_lock = ?`,
		j.items, j.results, j.messages, a.CurrentItem, a.CountOK, a.CountFail, a.CountExc,
		boolInt(a.RetryPass), a.RetriesLeft, unix(now), a.ID, owner)
	if err != nil {
		return fmt.Errorf("saving progress of activity %d: %w", a.ID, err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockLost
	}
	a.UpdatedAt = now
	return nil
}

// FinishActivity writes the post-run state (final status, or Scheduled when a retry or
// repeat follows) and releases the lock. It only applies while the activity is still
// InProgress under owner; false means an operator changed the status first.
func (d *DB) FinishActivity(ctx context.Context, a *models.BackgroundActivity, owner string) (bool, error) {
	j, err := encodeActivity(a)
	if err != nil {
		return false, err
	}
	res, err := d.conn.ExecContext(ctx, `
		UPDATE background_activities SET status = ?, handler_lock = NULL, items_json = ?,
			item_results_json = ?, messages_json = ?, current_item = ?, count_ok = ?, count_fail = ?,
			count_exc = ?, start_at = ?, repeat_anchor = ?, retry_pass = ?, retries_left = ?, retry_delay = ?,
			updated_at = ?
		WHERE id = ? AND handler_lock = ? AND status = ?`,
		a.Status, j.items, j.results, j.messages, a.CurrentItem, a.CountOK, a.CountFail, a.CountExc,
		unixPtr(a.StartAt), unixPtr(a.RepeatAnchor), boolInt(a.RetryPass), a.RetriesLeft, a.RetryDelay, unix(time.Now()),
		a.ID, owner, models.StatusInProgress)
	if err != nil {
		return false, fmt.Errorf("finishing activity %d: %w", a.ID, err)
	}
	n, err := affected(res)
	if n == 1 {
		a.HandlerLock = nil
	}
	return n == 1, err
}

func (d *DB) ReleaseActivity(ctx context.Context, id int64, owner string) error {
	_, err := d.conn.ExecContext(ctx,
		"UPDATE background_activities SET handler_lock = NULL, updated_at = ? WHERE id = ? AND handler_lock = ?",
		unix(time.Now()), id, owner)
	if err != nil {
		return fmt.Errorf("releasing activity %d: %w", id, err)
	}
	return nil
}

// TransitionActivity applies the first matching from->to status change in one
// conditional UPDATE. ownerID 0 skips the ownership check.
func (d *DB) TransitionActivity(ctx context.Context, id, ownerID int64, transitions map[models.ActivityStatus]models.ActivityStatus) (bool, error) {
	if len(transitions) == 0 {
		return false, nil
	}
	var (
		cases strings.Builder
		args  []any
		from  []any
	)
	cases.WriteString("CASE status")
	for f, t := range transitions {
		cases.WriteString(" WHEN ? THEN ?")
		args = append(args, f, t)
		from = append(from, f)
	}
	cases.WriteString(" END")

	query := "UPDATE background_activities SET status = " + cases.String() +
		", updated_at = ? WHERE id = ? AND status IN (" + placeholders(len(from)) + ")"
	args = append(args, unix(time.Now()), id)
	args = append(args, from...)
	if ownerID != 0 {
		query += " AND user_id = ?"
		args = append(args, ownerID)
	}

	res, err := d.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("changing status of activity %d: %w", id, err)
	}
	n, err := affected(res)
	return n == 1, err
}

// ScheduleRetry puts a Failed or PartiallyCompleted activity back in the queue for
// a pass over its failed items only. The slot it was scheduled for is kept as the
// repeat anchor.
func (d *DB) ScheduleRetry(ctx context.Context, id, ownerID int64, at time.Time) (bool, error) {
	query := `
		UPDATE background_activities SET status = ?, retry_pass = 1,
			repeat_anchor = COALESCE(repeat_anchor, start_at), start_at = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?) AND handler_lock IS NULL`
	args := []any{models.StatusScheduled, unix(at), unix(time.Now()), id,
		models.StatusFailed, models.StatusPartiallyCompleted}
	if ownerID != 0 {
		query += " AND user_id = ?"
		args = append(args, ownerID)
	}
	res, err := d.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("scheduling retry of activity %d: %w", id, err)
	}
	n, err := affected(res)
	return n == 1, err
}

func (d *DB) DeleteActivity(ctx context.Context, id, ownerID int64) (bool, error) {
	query := "DELETE FROM background_activities WHERE id = ?"
	args := []any{id}
	if ownerID != 0 {
		query += " AND user_id = ?"
		args = append(args, ownerID)
	}
	res, err := d.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("deleting activity %d: %w", id, err)
	}
	n, err := affected(res)
	return n == 1, err
}

// CancelCrashed marks as InternalError the InProgress activities of a resource whose
// lock has not been refreshed since before.
func (d *DB) CancelCrashed(ctx context.Context, resourceID int64, before time.Time) (int64, error) {
	res, err := d.conn.ExecContext(ctx, `
		UPDATE background_activities SET status = ?, handler_lock = NULL, updated_at = ?
		WHERE remote_resource_id = ? AND status = ? AND handler_lock IS NOT NULL AND updated_at < ?`,
		models.StatusInternalError, unix(time.Now()), resourceID, models.StatusInProgress, unix(before))
	if err != nil {
		return 0, fmt.Errorf("cancelling crashed activities: %w", err)
	}
	return affected(res)
}

// FinishedActivityIDs lists final-state activities of a resource last updated
// before the cutoff. A non-zero ownerID restricts them to that user.
func (d *DB) FinishedActivityIDs(ctx context.Context, resourceID, ownerID int64, before time.Time) ([]int64, error) {
	query := `
		SELECT id FROM background_activities
		WHERE remote_resource_id = ? AND status IN (?, ?, ?, ?, ?, ?) AND updated_at < ?`
	args := []any{resourceID,
		models.StatusCompleted, models.StatusPartiallyCompleted, models.StatusFailed,
		models.StatusInternalError, models.StatusCancelled, models.StatusCancelledScheduled, unix(before)}
	if ownerID != 0 {
		query += " AND user_id = ?"
		args = append(args, ownerID)
	}
	return d.ids(ctx, query+" ORDER BY id", args...)
}

func (d *DB) ids(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := d.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying ids: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
