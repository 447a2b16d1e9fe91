// Package events keeps an append-only audit trail of activity and resource
// transitions in the events table.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cbrain/controlplane/internal/db"
	"github.com/cbrain/controlplane/internal/models"
	"github.com/cbrain/controlplane/internal/observability"
)

const (
	TypeActivityCreated     = "ACTIVITY_CREATED"
	TypeActivityClaimed     = "ACTIVITY_CLAIMED"
	TypeActivityFinished    = "ACTIVITY_FINISHED"
	TypeActivityRescheduled = "ACTIVITY_RESCHEDULED"
	TypeActivityInterrupted = "ACTIVITY_INTERRUPTED"
	TypeActivityOperation   = "ACTIVITY_OPERATION"
	TypeActivityCrashed     = "ACTIVITY_CRASHED"

	TypeResourceStarted   = "RESOURCE_STARTED"
	TypeResourceStopped   = "RESOURCE_STOPPED"
	TypeResourceSuspected = "RESOURCE_SUSPECTED"
	TypeResourceOffline   = "RESOURCE_OFFLINE"
	TypeResourceRecovered = "RESOURCE_RECOVERED"
	TypeCommandFailed     = "COMMAND_FAILED"
)

// Emitter is what components need to record lifecycle events.
type Emitter interface {
	Emit(eventType string, activityID, resourceID *int64, payload any)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Emit(string, *int64, *int64, any) {}

const (
	queueSize     = 1000
	maxBatch      = 100
	flushInterval = time.Second
)

// Log buffers events in memory and writes them in batches from a single
// goroutine. Emit never blocks; events that do not fit are counted and lost.
type Log struct {
	db     *db.DB
	queue  chan models.Event
	stop   chan struct{}
	closed sync.Once
	wg     sync.WaitGroup
	logger *slog.Logger
}

func New(database *db.DB, logger *slog.Logger) *Log {
	l := &Log{
		db:     database,
		queue:  make(chan models.Event, queueSize),
		stop:   make(chan struct{}),
		logger: logger,
	}
	l.wg.Add(1)
	go l.writer()
	return l
}

// Close writes out what is still queued. Calling it twice is harmless.
func (l *Log) Close() {
	l.closed.Do(func() { close(l.stop) })
	l.wg.Wait()
}

func (l *Log) Emit(eventType string, activityID, resourceID *int64, payload any) {
	ev := models.Event{At: time.Now(), Type: eventType, ActivityID: activityID, ResourceID: resourceID}
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			s := string(b)
			ev.PayloadJSON = &s
		}
	}
	select {
	case l.queue <- ev:
	default:
		observability.EventsDropped.Inc()
		l.logger.Warn("event queue full, dropping event", "type", eventType)
	}
}

func (l *Log) writer() {
	defer l.wg.Done()
	tick := time.NewTicker(flushInterval)
	defer tick.Stop()

	pending := make([]models.Event, 0, maxBatch)
	write := func() {
		if len(pending) == 0 {
			return
		}
		if err := l.insert(pending); err != nil {
			l.logger.Error("failed to write events", "count", len(pending), "err", err)
		}
		pending = pending[:0]
	}

	for {
		select {
		case ev := <-l.queue:
			if pending = append(pending, ev); len(pending) == maxBatch {
				write()
			}
		case <-tick.C:
			write()
		case <-l.stop:
			for len(l.queue) > 0 {
				if pending = append(pending, <-l.queue); len(pending) == maxBatch {
					write()
				}
			}
			write()
			return
		}
	}
}

func (l *Log) insert(batch []models.Event) error {
	tx, err := l.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO events (at, type, activity_id, resource_id, payload_json) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, e := range batch {
		if _, err := stmt.Exec(e.At.UTC().Unix(), e.Type, e.ActivityID, e.ResourceID, e.PayloadJSON); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Filter selects events for Query. Zero fields do not filter.
type Filter struct {
	ActivityID int64
	ResourceID int64
	Since      time.Time
	Limit      int
}

// Query returns matching events, newest first.
func Query(ctx context.Context, database *db.DB, f Filter) ([]models.Event, error) {
	var (
		where []string
		args  []any
	)
	if f.ActivityID != 0 {
		where, args = append(where, "activity_id = ?"), append(args, f.ActivityID)
	}
	if f.ResourceID != 0 {
		where, args = append(where, "resource_id = ?"), append(args, f.ResourceID)
	}
	if !f.Since.IsZero() {
		where, args = append(where, "at >= ?"), append(args, f.Since.UTC().Unix())
	}
	q := "SELECT id, at, type, activity_id, resource_id, payload_json FROM events"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	if f.Limit <= 0 {
		f.Limit = 100
	}
	rows, err := database.QueryContext(ctx, q+" ORDER BY id DESC LIMIT ?", append(args, f.Limit)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Event
	for rows.Next() {
		var (
			e  models.Event
			at int64
		)
		if err := rows.Scan(&e.ID, &at, &e.Type, &e.ActivityID, &e.ResourceID, &e.PayloadJSON); err != nil {
			return nil, err
		}
		e.At = time.Unix(at, 0).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func ID(id int64) *int64 { return &id }
