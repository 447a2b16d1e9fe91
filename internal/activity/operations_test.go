package activity

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cbrain/controlplane/internal/db"
	"github.com/cbrain/controlplane/internal/models"
)

type opsFixture struct {
	db    *db.DB
	alice *models.User
	bob   *models.User
	admin *models.User
	rr    *models.RemoteResource
}

func newOpsFixture(t *testing.T) *opsFixture {
	t.Helper()
	ctx := context.Background()
	database, err := db.Open(filepath.Join(t.TempDir(), "cbrain.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, database.Init())

	f := &opsFixture{db: database}
	f.alice, err = database.UpsertUser(ctx, "alice", "a", false)
	require.NoError(t, err)
	f.bob, err = database.UpsertUser(ctx, "bob", "b", false)
	require.NoError(t, err)
	f.admin, err = database.UpsertUser(ctx, "admin", "c", true)
	require.NoError(t, err)
	f.rr = &models.RemoteResource{Name: "portal", Type: models.ResourcePortal, AuthToken: "p"}
	require.NoError(t, database.CreateResource(ctx, f.rr))
	return f
}

func (f *opsFixture) add(t *testing.T, owner *models.User, status models.ActivityStatus) int64 {
	t.Helper()
	a := &models.BackgroundActivity{
		Type:             "RandomActivity",
		UserID:           owner.ID,
		RemoteResourceID: f.rr.ID,
		Status:           status,
		Items:            []string{"0-ok"},
	}
	require.NoError(t, f.db.CreateActivity(context.Background(), a))
	return a.ID
}

func (f *opsFixture) status(t *testing.T, id int64) models.ActivityStatus {
	t.Helper()
	a, err := f.db.GetActivity(context.Background(), id)
	require.NoError(t, err)
	return a.Status
}

func TestParseOperation(t *testing.T) {
	op, err := ParseOperation("force_single_retry")
	require.NoError(t, err)
	assert.Equal(t, OpRetry, op)

	_, err = ParseOperation("Cancel")
	assert.Error(t, err)
	_, err = ParseOperation("restart")
	assert.Error(t, err)
}

func TestApplyCancel(t *testing.T) {
	f := newOpsFixture(t)
	ctx := context.Background()
	scheduled := f.add(t, f.alice, models.StatusScheduled)
	running := f.add(t, f.alice, models.StatusInProgress)
	done := f.add(t, f.alice, models.StatusCompleted)

	rep, err := Apply(ctx, f.db, OpCancel, []int64{scheduled, running, done}, f.alice, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Requested)
	assert.Equal(t, 3, rep.Found)
	assert.Equal(t, 2, rep.Affected)
	assert.ElementsMatch(t, []int64{scheduled, running}, rep.AffectedIDs)
	assert.Equal(t, "2 activities affected by cancel.", rep.Message())

	assert.Equal(t, models.StatusCancelledScheduled, f.status(t, scheduled))
	assert.Equal(t, models.StatusCancelled, f.status(t, running))
	assert.Equal(t, models.StatusCompleted, f.status(t, done))
}

func TestApplySuspendUnsuspend(t *testing.T) {
	f := newOpsFixture(t)
	ctx := context.Background()
	scheduled := f.add(t, f.alice, models.StatusScheduled)
	running := f.add(t, f.alice, models.StatusInProgress)
	ids := []int64{scheduled, running}

	rep, err := Apply(ctx, f.db, OpSuspend, ids, f.alice, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Affected)
	assert.Equal(t, models.StatusSuspendedScheduled, f.status(t, scheduled))
	assert.Equal(t, models.StatusSuspended, f.status(t, running))

	rep, err = Apply(ctx, f.db, OpUnsuspend, ids, f.alice, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Affected)
	assert.Equal(t, models.StatusScheduled, f.status(t, scheduled))
	assert.Equal(t, models.StatusInProgress, f.status(t, running))
}

func TestApplyIsOwnerScopedForNonAdmins(t *testing.T) {
	f := newOpsFixture(t)
	ctx := context.Background()
	id := f.add(t, f.alice, models.StatusScheduled)

	rep, err := Apply(ctx, f.db, OpDestroy, []int64{id}, f.bob, time.Now())
	require.NoError(t, err)
	assert.Zero(t, rep.Found)
	assert.Equal(t, "No activities affected.", rep.Message())

	rep, err = Apply(ctx, f.db, OpDestroy, []int64{id}, f.admin, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Affected)
	_, err = f.db.GetActivity(ctx, id)
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestApplyForceSingleRetry(t *testing.T) {
	f := newOpsFixture(t)
	ctx := context.Background()
	failed := f.add(t, f.alice, models.StatusFailed)
	completed := f.add(t, f.alice, models.StatusCompleted)
	now := time.Now()

	rep, err := Apply(ctx, f.db, OpRetry, []int64{failed, completed}, f.alice, now)
	require.NoError(t, err)
	assert.Equal(t, []int64{failed}, rep.AffectedIDs)

	a, err := f.db.GetActivity(ctx, failed)
	require.NoError(t, err)
	assert.Equal(t, models.StatusScheduled, a.Status)
	assert.True(t, a.RetryPass)
	assert.Equal(t, now.Unix(), a.StartAt.Unix())
}

func TestApplyWithoutIDs(t *testing.T) {
	f := newOpsFixture(t)
	rep, err := Apply(context.Background(), f.db, OpCancel, nil, f.admin, time.Now())
	require.NoError(t, err)
	assert.Zero(t, rep.Requested)
	assert.NotNil(t, rep.AffectedIDs)
}

func TestEraseIsOwnerScoped(t *testing.T) {
	f := newOpsFixture(t)
	ctx := context.Background()
	aliceDone := f.add(t, f.alice, models.StatusCompleted)
	bobDone := f.add(t, f.bob, models.StatusFailed)
	adminDone := f.add(t, f.admin, models.StatusCompleted)

	env := StoreEnv(f.db, f.rr, t.TempDir(), testEnv().Logger)
	env.Now = func() time.Time { return time.Now().Add(time.Minute) }
	erase := func(owner *models.User) *models.BackgroundActivity {
		a := &models.BackgroundActivity{
			Type:             "EraseBackgroundActivities",
			UserID:           owner.ID,
			RemoteResourceID: f.rr.ID,
			Options:          map[string]string{"days_older": "0"},
			Items:            []string{models.DynamicItemsToken},
			Repeat:           models.RepeatOneShot,
		}
		runAll(t, NewRunner(env), a)
		return a
	}

	a := erase(f.alice)
	assert.Equal(t, idItems([]int64{aliceDone}), a.Items)
	_, err := f.db.GetActivity(ctx, aliceDone)
	assert.ErrorIs(t, err, db.ErrNotFound)
	assert.Equal(t, models.StatusFailed, f.status(t, bobDone))
	assert.Equal(t, models.StatusCompleted, f.status(t, adminDone))

	erase(f.admin)
	_, err = f.db.GetActivity(ctx, bobDone)
	assert.ErrorIs(t, err, db.ErrNotFound)
	_, err = f.db.GetActivity(ctx, adminDone)
	assert.ErrorIs(t, err, db.ErrNotFound)
}
