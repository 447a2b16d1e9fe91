package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/cbrain/controlplane/internal/activity"
	"github.com/cbrain/controlplane/internal/db"
	"github.com/cbrain/controlplane/internal/events"
	"github.com/cbrain/controlplane/internal/models"
	"github.com/cbrain/controlplane/internal/notify"
	"github.com/cbrain/controlplane/internal/observability"
)

// Store is the persistence the dispatcher needs. Every write that matters is
// a conditional UPDATE, so any number of dispatchers may share one database.
type Store interface {
	GetActivity(ctx context.Context, id int64) (*models.BackgroundActivity, error)
	ActivityStatus(ctx context.Context, id int64) (models.ActivityStatus, error)
	DueActivityIDs(ctx context.Context, resourceID int64, now time.Time) ([]int64, error)
	ResumableActivityIDs(ctx context.Context, resourceID int64) ([]int64, error)
	ClaimScheduled(ctx context.Context, id int64, owner string, dueBy, now time.Time) (bool, error)
	ClaimInProgress(ctx context.Context, id int64, owner string, now time.Time) (bool, error)
	SaveProgress(ctx context.Context, a *models.BackgroundActivity, owner string) error
	FinishActivity(ctx context.Context, a *models.BackgroundActivity, owner string) (bool, error)
	ReleaseActivity(ctx context.Context, id int64, owner string) error
	CancelCrashed(ctx context.Context, resourceID int64, before time.Time) (int64, error)
}

const maxRounds = 50

// LockToken identifies one dispatcher process in handler_lock.
func LockToken() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("%s-PID%d-%s", host, os.Getpid(), uuid.NewString())
}

// Dispatcher claims and executes the background activities of one resource.
type Dispatcher struct {
	store      Store
	runner     *activity.Runner
	resourceID int64
	owner      string
	events     events.Emitter
	logger     *slog.Logger
	now        func() time.Time
}

func New(store Store, runner *activity.Runner, resourceID int64, owner string, emitter events.Emitter, logger *slog.Logger) *Dispatcher {
	if emitter == nil {
		emitter = events.Discard{}
	}
	return &Dispatcher{
		store:      store,
		runner:     runner,
		resourceID: resourceID,
		owner:      owner,
		events:     emitter,
		logger:     logger.With("component", "dispatcher", "resource_id", resourceID),
		now:        time.Now,
	}
}

func (d *Dispatcher) Owner() string { return d.owner }

// Run polls for work every interval until ctx is done. A receive on wake
// starts a poll right away.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration, wake <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := d.RunOnce(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error("dispatch pass failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-wake:
		}
	}
}

// RunOnce resumes unlocked InProgress activities, then activates due
// Scheduled ones, until neither kind is left. It returns how many it ran.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	ran := 0
	for round := 0; round < maxRounds && ctx.Err() == nil; round++ {
		n, err := d.ResumeInProgress(ctx)
		if err != nil {
			return ran, err
		}
		m, err := d.ActivateDue(ctx)
		if err != nil {
			return ran, err
		}
		ran += n + m
		if n+m == 0 {
			break
		}
	}
	return ran, ctx.Err()
}

// ActivateDue claims and runs every Scheduled activity whose start time has
// passed. Activities won by another dispatcher are skipped silently.
func (d *Dispatcher) ActivateDue(ctx context.Context) (int, error) {
	ids, err := d.store.DueActivityIDs(ctx, d.resourceID, d.now())
	if err != nil {
		return 0, err
	}
	ran := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		now := d.now()
		ok, err := d.store.ClaimScheduled(ctx, id, d.owner, now, now)
		if err != nil {
			return ran, err
		}
		if !ok {
			observability.ClaimConflicts.Inc()
			continue
		}
		ran++
		d.runClaimed(ctx, id, true)
	}
	return ran, nil
}

// ResumeInProgress picks up InProgress activities that nobody holds, such as
// ones just unsuspended, and continues them at their current item.
func (d *Dispatcher) ResumeInProgress(ctx context.Context) (int, error) {
	ids, err := d.store.ResumableActivityIDs(ctx, d.resourceID)
	if err != nil {
		return 0, err
	}
	ran := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		ok, err := d.store.ClaimInProgress(ctx, id, d.owner, d.now())
		if err != nil {
			return ran, err
		}
		if !ok {
			observability.ClaimConflicts.Inc()
			continue
		}
		ran++
		d.runClaimed(ctx, id, false)
	}
	return ran, nil
}

// RunOne claims and runs a single activity in the foreground, whether it is
// due or not. It fails when the activity cannot be claimed.
func (d *Dispatcher) RunOne(ctx context.Context, id int64) error {
	a, err := d.store.GetActivity(ctx, id)
	if err != nil {
		return err
	}
	var ok, fresh bool
	switch a.Status {
	case models.StatusScheduled:
		fresh = true
		// a future start_at must not keep the claim from matching
		now := d.now()
		ok, err = d.store.ClaimScheduled(ctx, id, d.owner, dueBy(a, now), now)
	case models.StatusInProgress:
		ok, err = d.store.ClaimInProgress(ctx, id, d.owner, d.now())
	default:
		return fmt.Errorf("activity %d is %s", id, a.Status)
	}
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("activity %d is locked by another dispatcher", id)
	}
	d.runClaimed(ctx, id, fresh)
	return nil
}

func dueBy(a *models.BackgroundActivity, now time.Time) time.Time {
	if a.StartAt != nil && a.StartAt.After(now) {
		return *a.StartAt
	}
	return now
}

// CancelCrashed gives up on activities whose dispatcher stopped refreshing
// them more than after ago.
func (d *Dispatcher) CancelCrashed(ctx context.Context, after time.Duration) {
	n, err := d.store.CancelCrashed(ctx, d.resourceID, d.now().Add(-after))
	if err != nil {
		d.logger.Error("cancelling crashed activities", "err", err)
		return
	}
	if n > 0 {
		observability.CrashedActivities.Add(float64(n))
		d.events.Emit(events.TypeActivityCrashed, nil, events.ID(d.resourceID), map[string]int64{"count": n})
		d.logger.Warn("marked crashed activities", "count", n)
	}
}

func (d *Dispatcher) runClaimed(ctx context.Context, id int64, fresh bool) {
	a, err := d.store.GetActivity(ctx, id)
	if err != nil {
		d.logger.Error("loading claimed activity", "activity_id", id, "err", err)
		d.release(id)
		return
	}
	observability.ActivitiesClaimed.WithLabelValues(a.Type).Inc()
	d.events.Emit(events.TypeActivityClaimed, events.ID(a.ID), events.ID(d.resourceID), map[string]any{"owner": d.owner, "fresh": fresh})

	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "activity.execute",
		attribute.Int64("activity.id", a.ID), attribute.String("activity.type", a.Type))
	err = d.execute(ctx, a, fresh)
	observability.EndSpan(span, err)
	observability.ActivityRunSeconds.WithLabelValues(a.Type).Observe(time.Since(start).Seconds())
	if err != nil && !errors.Is(err, context.Canceled) {
		d.logger.Error("activity execution failed", "activity_id", a.ID, "type", a.Type, "err", err)
	}
}

// execute drives a claimed activity through its items. Progress is saved
// after each item and the status is re-read so that operator cancels and
// suspends take effect before the next item.
func (d *Dispatcher) execute(ctx context.Context, a *models.BackgroundActivity, fresh bool) error {
	if fresh {
		if err := d.runner.Begin(ctx, a); err != nil {
			return d.abort(ctx, a, err)
		}
		if err := d.store.SaveProgress(ctx, a, d.owner); err != nil {
			return d.stopped(a, err)
		}
	}

	for idx := a.CurrentItem; idx < len(a.Items); idx++ {
		if ctx.Err() != nil {
			// shutdown: leave it InProgress and unlocked for the next dispatcher
			d.release(a.ID)
			return ctx.Err()
		}
		if !activity.Skip(a, idx) {
			outcome := d.runner.ProcessItem(ctx, a, idx)
			observability.ActivityItems.WithLabelValues(a.Type, string(outcome)).Inc()
		}
		a.CurrentItem = idx + 1
		if err := d.store.SaveProgress(ctx, a, d.owner); err != nil {
			return d.stopped(a, err)
		}
		status, err := d.store.ActivityStatus(ctx, a.ID)
		if err != nil {
			return d.stopped(a, err)
		}
		if status != models.StatusInProgress {
			d.logger.Info("activity interrupted", "activity_id", a.ID, "status", status, "item", idx)
			d.events.Emit(events.TypeActivityInterrupted, events.ID(a.ID), events.ID(d.resourceID), map[string]any{"status": status})
			d.release(a.ID)
			return nil
		}
	}

	return d.finish(ctx, a)
}

func (d *Dispatcher) finish(ctx context.Context, a *models.BackgroundActivity) error {
	rescheduled := d.runner.Conclude(ctx, a)
	observability.ActivityRuns.WithLabelValues(a.Type, string(a.FinalStatus())).Inc()

	ok, err := d.store.FinishActivity(ctx, a, d.owner)
	if err != nil {
		d.release(a.ID)
		return err
	}
	if !ok {
		// an operator changed the status after the last item
		d.release(a.ID)
		return nil
	}

	if rescheduled {
		d.events.Emit(events.TypeActivityRescheduled, events.ID(a.ID), events.ID(d.resourceID),
			map[string]any{"start_at": a.StartAt, "retry": a.RetryPass})
	} else {
		d.events.Emit(events.TypeActivityFinished, events.ID(a.ID), events.ID(d.resourceID),
			map[string]any{"status": a.Status, "ok": a.CountOK, "fail": a.CountFail, "exc": a.CountExc})
	}
	d.logger.Info("activity pass done", "activity_id", a.ID, "type", a.Type, "status", a.Status,
		"ok", a.CountOK, "fail", a.CountFail, "exc", a.CountExc)
	return nil
}

// abort ends an activity whose pass could not even begin.
func (d *Dispatcher) abort(ctx context.Context, a *models.BackgroundActivity, cause error) error {
	env := d.runner.Env()
	notify.InternalError(ctx, env.Notifier, d.logger, env.AdminID,
		fmt.Sprintf("Background activity %d (%s) failed to start", a.ID, a.Type), cause, "")
	a.Status = models.StatusInternalError
	a.RetryPass = false
	if _, err := d.store.FinishActivity(ctx, a, d.owner); err != nil {
		d.release(a.ID)
		return errors.Join(cause, err)
	}
	return cause
}

// stopped handles a failed progress write. A lost lock or a deleted record
// ends the run quietly.
func (d *Dispatcher) stopped(a *models.BackgroundActivity, err error) error {
	if errors.Is(err, db.ErrLockLost) || errors.Is(err, db.ErrNotFound) {
		d.logger.Info("activity no longer ours", "activity_id", a.ID, "err", err)
		return nil
	}
	d.release(a.ID)
	return err
}

func (d *Dispatcher) release(id int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.store.ReleaseActivity(ctx, id, d.owner); err != nil {
		d.logger.Error("releasing activity lock", "activity_id", id, "err", err)
	}
}
