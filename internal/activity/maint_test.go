package activity

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cbrain/controlplane/internal/models"
	"github.com/cbrain/controlplane/internal/notify"
	"github.com/cbrain/controlplane/internal/observability"
)

type recordingNotifier struct {
	sent []notify.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n notify.Notification) error {
	r.sent = append(r.sent, n)
	return nil
}

func cacheEntry(t *testing.T, env *Env, userfileID int64) string {
	t.Helper()
	dir := env.cachePath(userfileID)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "content"), []byte("x"), 0o644))
	return dir
}

func runAll(t *testing.T, r *Runner, a *models.BackgroundActivity) {
	t.Helper()
	require.NoError(t, r.Begin(context.Background(), a))
	for i := range a.Items {
		r.ProcessItem(context.Background(), a, i)
	}
	r.Conclude(context.Background(), a)
}

func TestCleanCache(t *testing.T) {
	f := newOpsFixture(t)
	ctx := context.Background()
	env := StoreEnv(f.db, f.rr, t.TempDir(), observability.Discard())
	now := time.Now()
	env.Now = func() time.Time { return now }

	dp := &models.DataProvider{Name: "dp", RootPath: t.TempDir(), Online: true}
	require.NoError(t, f.db.CreateDataProvider(ctx, dp))
	file := func(name, status string, age time.Duration) *models.Userfile {
		u := &models.Userfile{Name: name, UserID: f.alice.ID, DataProviderID: dp.ID}
		require.NoError(t, f.db.CreateUserfile(ctx, u))
		require.NoError(t, f.db.SetSyncStatus(ctx, models.SyncStatus{
			UserfileID: u.ID, RemoteResourceID: f.rr.ID, Status: status, AccessedAt: now.Add(-age),
		}))
		cacheEntry(t, env, u.ID)
		return u
	}
	old := file("old.nii", "InSync", 10*24*time.Hour)
	fresh := file("fresh.nii", "InSync", 24*time.Hour)
	moving := file("moving.nii", "ToCache", 10*24*time.Hour)

	a := &models.BackgroundActivity{
		Type:             "CleanCache",
		RemoteResourceID: f.rr.ID,
		Options:          map[string]string{"days_older": "7"},
		Items:            []string{models.DynamicItemsToken},
		Repeat:           models.RepeatOneShot,
	}
	runAll(t, NewRunner(env), a)

	assert.Len(t, a.Items, 2)
	assert.Equal(t, models.StatusPartiallyCompleted, a.Status)
	assert.NoDirExists(t, env.cachePath(old.ID))
	assert.DirExists(t, env.cachePath(fresh.ID))
	assert.DirExists(t, env.cachePath(moving.ID))
	assert.Contains(t, a.Messages, "File is under transfer")

	_, err := f.db.GetSyncStatus(ctx, old.ID, f.rr.ID)
	assert.Error(t, err)
}

func TestWipeOldCache(t *testing.T) {
	f := newOpsFixture(t)
	ctx := context.Background()
	env := StoreEnv(f.db, f.rr, t.TempDir(), observability.Discard())
	notes := &recordingNotifier{}
	env.Notifier = notes
	env.AdminID = f.admin.ID

	dp := &models.DataProvider{Name: "dp", RootPath: t.TempDir(), Online: true}
	require.NoError(t, f.db.CreateDataProvider(ctx, dp))
	kept := &models.Userfile{Name: "kept.nii", UserID: f.alice.ID, DataProviderID: dp.ID}
	require.NoError(t, f.db.CreateUserfile(ctx, kept))
	require.NoError(t, f.db.SetSyncStatus(ctx, models.SyncStatus{
		UserfileID: kept.ID, RemoteResourceID: f.rr.ID, Status: "InSync", AccessedAt: time.Now(),
	}))
	cacheEntry(t, env, kept.ID)
	orphan := cacheEntry(t, env, 9999)
	stray := filepath.Join(env.CacheDir, "tmp", "a", "b")
	require.NoError(t, os.MkdirAll(stray, 0o755))

	a := &models.BackgroundActivity{
		Type:             "WipeOldCache",
		RemoteResourceID: f.rr.ID,
		Items:            []string{models.DynamicItemsToken},
		Repeat:           models.RepeatOneShot,
	}
	runAll(t, NewRunner(env), a)

	assert.Equal(t, models.StatusCompleted, a.Status)
	assert.Len(t, a.Items, 2)
	assert.NoDirExists(t, orphan)
	assert.DirExists(t, env.cachePath(kept.ID))
	assert.DirExists(t, stray)

	require.Len(t, notes.sent, 1)
	assert.Equal(t, f.admin.ID, notes.sent[0].UserID)
	assert.Contains(t, notes.sent[0].Body, "Removed 1 orphan cache entries")
}

func TestProviderStatus(t *testing.T) {
	root := t.TempDir()
	assert.Equal(t, ProviderAlive, ProviderStatus(&models.DataProvider{RootPath: root, Online: true}))
	assert.Equal(t, ProviderOffline, ProviderStatus(&models.DataProvider{RootPath: root}))
	assert.Equal(t, ProviderNotExist, ProviderStatus(&models.DataProvider{RootPath: filepath.Join(root, "gone"), Online: true}))

	file := filepath.Join(root, "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	assert.Equal(t, ProviderDown, ProviderStatus(&models.DataProvider{RootPath: file, Online: true}))
}
