package activity

import (
	"context"
	"fmt"
	"time"

	"github.com/cbrain/controlplane/internal/db"
	"github.com/cbrain/controlplane/internal/models"
)

type Operation string

const (
	OpCancel    Operation = "cancel"
	OpSuspend   Operation = "suspend"
	OpUnsuspend Operation = "unsuspend"
	OpRetry     Operation = "force_single_retry"
	OpDestroy   Operation = "destroy"
)

var transitions = map[Operation]map[models.ActivityStatus]models.ActivityStatus{
	OpCancel: {
		models.StatusInProgress:         models.StatusCancelled,
		models.StatusSuspended:          models.StatusCancelled,
		models.StatusScheduled:          models.StatusCancelledScheduled,
		models.StatusSuspendedScheduled: models.StatusCancelledScheduled,
	},
	OpSuspend: {
		models.StatusInProgress: models.StatusSuspended,
		models.StatusScheduled:  models.StatusSuspendedScheduled,
	},
	OpUnsuspend: {
		models.StatusSuspended:          models.StatusInProgress,
		models.StatusSuspendedScheduled: models.StatusScheduled,
	},
}

// ParseOperation accepts only exact operation names.
func ParseOperation(s string) (Operation, error) {
	switch op := Operation(s); op {
	case OpCancel, OpSuspend, OpUnsuspend, OpRetry, OpDestroy:
		return op, nil
	}
	return "", fmt.Errorf("unknown operation %q", s)
}

type OperationStore interface {
	ListActivities(ctx context.Context, f db.ActivityFilter) ([]*models.BackgroundActivity, error)
	TransitionActivity(ctx context.Context, id, ownerID int64, t map[models.ActivityStatus]models.ActivityStatus) (bool, error)
	ScheduleRetry(ctx context.Context, id, ownerID int64, at time.Time) (bool, error)
	DeleteActivity(ctx context.Context, id, ownerID int64) (bool, error)
}

type OperationReport struct {
	Operation   Operation `json:"operation"`
	Requested   int       `json:"requested"`
	Found       int       `json:"found"`
	Affected    int       `json:"affected"`
	AffectedIDs []int64   `json:"affected_ids"`
}

func (r OperationReport) Message() string {
	if r.Affected == 0 {
		return "No activities affected."
	}
	return fmt.Sprintf("%d activities affected by %s.", r.Affected, r.Operation)
}

// Apply runs op on the activities with the given ids. Non-admin actors only
// reach their own activities. Each change is a conditional update, so an
// activity whose status moved meanwhile is simply not counted as affected.
func Apply(ctx context.Context, store OperationStore, op Operation, ids []int64, actor *models.User, now time.Time) (OperationReport, error) {
	rep := OperationReport{Operation: op, Requested: len(ids), AffectedIDs: []int64{}}
	if len(ids) == 0 {
		return rep, nil
	}

	var ownerID int64
	if !actor.IsAdmin {
		ownerID = actor.ID
	}
	found, err := store.ListActivities(ctx, db.ActivityFilter{IDs: ids, UserID: ownerID})
	if err != nil {
		return rep, err
	}
	rep.Found = len(found)

	for _, a := range found {
		var (
			ok  bool
			err error
		)
		switch op {
		case OpDestroy:
			ok, err = store.DeleteActivity(ctx, a.ID, ownerID)
		case OpRetry:
			ok, err = store.ScheduleRetry(ctx, a.ID, ownerID, now)
		default:
			ok, err = store.TransitionActivity(ctx, a.ID, ownerID, transitions[op])
		}
		if err != nil {
			return rep, err
		}
		if ok {
			rep.Affected++
			rep.AffectedIDs = append(rep.AffectedIDs, a.ID)
		}
	}
	return rep, nil
}
