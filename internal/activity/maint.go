package activity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"time"

	"github.com/cbrain/controlplane/internal/db"
	"github.com/cbrain/controlplane/internal/models"
	"github.com/cbrain/controlplane/internal/notify"
)

const (
	defaultCacheDaysOlder = 7
	removedMarker         = "Removed"
)

var cacheLevelRE = regexp.MustCompile(`^\d+$`)

// Data provider states reported by ProviderStatus.
const (
	ProviderAlive    = "alive"
	ProviderOffline  = "offline"
	ProviderNotExist = "notexist"
	ProviderDown     = "down"
)

func init() {
	register(&Kind{
		Name:    "CleanCache",
		Dynamic: true,
		Validate: func(_ context.Context, _ *Env, a *models.BackgroundActivity, errs ValidationErrors) {
			validateDaysOlder(a, errs, false)
		},
		Prepare: prepareCleanCache,
		Process: processCleanCache,
	})
	register(&Kind{
		Name:      "WipeOldCache",
		Dynamic:   true,
		Prepare:   prepareWipeCache,
		Process:   processWipeCache,
		AfterLast: reportWipedCache,
	})
	register(&Kind{
		Name:    "EraseBackgroundActivities",
		Dynamic: true,
		Validate: func(_ context.Context, _ *Env, a *models.BackgroundActivity, errs ValidationErrors) {
			validateDaysOlder(a, errs, true)
		},
		Prepare: func(ctx context.Context, env *Env, a *models.BackgroundActivity) ([]string, error) {
			days, err := optInt(a, "days_older", 0)
			if err != nil {
				return nil, err
			}
			scope, err := eraseScope(ctx, env, a)
			if err != nil {
				return nil, err
			}
			before := env.now().Add(-time.Duration(days) * 24 * time.Hour)
			ids, err := env.Activities.FinishedActivityIDs(ctx, a.RemoteResourceID, scope, before)
			if err != nil {
				return nil, err
			}
			ids = slices.DeleteFunc(ids, func(id int64) bool { return id == a.ID })
			return idItems(ids), nil
		},
		Process: func(ctx context.Context, env *Env, a *models.BackgroundActivity, item string) (bool, string, error) {
			id, err := itemID(item)
			if err != nil {
				return false, "", err
			}
			scope, err := eraseScope(ctx, env, a)
			if err != nil {
				return false, "", err
			}
			ok, err := env.Activities.DeleteActivity(ctx, id, scope)
			if err != nil {
				return false, "", err
			}
			if !ok {
				return false, "Activity not found or not owned", nil
			}
			return true, "", nil
		},
	})
	register(&Kind{
		Name:    "VerifyDataProvider",
		Dynamic: true,
		Prepare: func(ctx context.Context, env *Env, a *models.BackgroundActivity) ([]string, error) {
			if ids := optIDs(a, "data_provider_ids"); len(ids) > 0 {
				return idItems(ids), nil
			}
			ids, err := env.Files.DataProviderIDs(ctx)
			return idItems(ids), err
		},
		Process: func(ctx context.Context, env *Env, _ *models.BackgroundActivity, item string) (bool, string, error) {
			id, err := itemID(item)
			if err != nil {
				return false, "", err
			}
			dp, err := env.Files.GetDataProvider(ctx, id)
			if errors.Is(err, db.ErrNotFound) {
				return false, "Data provider no longer exists", nil
			}
			if err != nil {
				return false, "", err
			}
			if st := ProviderStatus(dp); st != ProviderAlive {
				return false, "Data provider is " + st, nil
			}
			return true, "", nil
		},
	})
}

// ProviderStatus checks that a data provider's root is usable from this host.
func ProviderStatus(dp *models.DataProvider) string {
	if !dp.Online {
		return ProviderOffline
	}
	st, err := os.Stat(dp.RootPath)
	if errors.Is(err, fs.ErrNotExist) {
		return ProviderNotExist
	}
	if err != nil || !st.IsDir() {
		return ProviderDown
	}
	f, err := os.Open(dp.RootPath)
	if err != nil {
		return ProviderDown
	}
	defer f.Close()
	if _, err := f.Readdirnames(1); err != nil && !errors.Is(err, io.EOF) {
		return ProviderDown
	}
	return ProviderAlive
}

func prepareCleanCache(ctx context.Context, env *Env, a *models.BackgroundActivity) ([]string, error) {
	days, err := optInt(a, "days_older", defaultCacheDaysOlder)
	if err != nil {
		return nil, err
	}
	before := env.now().Add(-time.Duration(days) * 24 * time.Hour)
	var after time.Time
	if younger, err := optInt(a, "days_younger", 0); err == nil && younger > 0 {
		after = env.now().Add(-time.Duration(younger) * 24 * time.Hour)
	}
	// exact bounds, as sent by the clean_cache command
	if t, err := time.Parse(time.RFC3339, a.Option("before_date")); err == nil {
		before = t
	}
	if t, err := time.Parse(time.RFC3339, a.Option("after_date")); err == nil {
		after = t
	}
	ids, err := env.Files.CachedUserfileIDs(ctx, a.RemoteResourceID, optIDs(a, "with_user_ids"), before, after)
	if err != nil {
		return nil, err
	}
	if without := optIDs(a, "without_user_ids"); len(without) > 0 {
		kept := ids[:0]
		for _, id := range ids {
			uf, err := env.Files.GetUserfile(ctx, id)
			if err != nil || !slices.Contains(without, uf.UserID) {
				kept = append(kept, id)
			}
		}
		ids = kept
	}
	return idItems(ids), nil
}

func processCleanCache(ctx context.Context, env *Env, a *models.BackgroundActivity, item string) (bool, string, error) {
	id, err := itemID(item)
	if err != nil {
		return false, "", err
	}
	busy, err := env.Files.SyncStatusInTransfer(ctx, id)
	if err != nil {
		return false, "", err
	}
	if busy {
		return false, "File is under transfer", nil
	}
	if err := env.removeCacheDir(CacheSubpath(id)); err != nil {
		return false, "", err
	}
	if err := env.Files.DeleteSyncStatus(ctx, id, a.RemoteResourceID); err != nil {
		return false, "", err
	}
	return true, "", nil
}

// removeCacheDir deletes a cache entry and then its parents up to the cache
// root, as long as they are empty.
func (e *Env) removeCacheDir(subpath string) error {
	full := filepath.Join(e.CacheDir, subpath)
	if err := os.RemoveAll(full); err != nil {
		return err
	}
	for dir := filepath.Dir(full); dir != filepath.Clean(e.CacheDir) && len(dir) > len(e.CacheDir); dir = filepath.Dir(dir) {
		if err := os.Remove(dir); err != nil {
			break
		}
	}
	return nil
}

// prepareWipeCache lists every three-level numeric entry under the cache root.
func prepareWipeCache(_ context.Context, env *Env, _ *models.BackgroundActivity) ([]string, error) {
	if env.CacheDir == "" {
		return nil, nil
	}
	matches, err := filepath.Glob(filepath.Join(env.CacheDir, "*", "*", "*"))
	if err != nil {
		return nil, err
	}
	var items []string
	for _, m := range matches {
		rel, err := filepath.Rel(env.CacheDir, m)
		if err != nil {
			continue
		}
		numeric := true
		for p := rel; p != "." && p != ""; p = filepath.Dir(p) {
			if !cacheLevelRE.MatchString(filepath.Base(p)) {
				numeric = false
				break
			}
		}
		if numeric {
			items = append(items, rel)
		}
	}
	return items, nil
}

func processWipeCache(ctx context.Context, env *Env, a *models.BackgroundActivity, item string) (bool, string, error) {
	id, ok := userfileIDFromSubpath(item)
	if !ok {
		return false, "Not a cache entry", nil
	}
	exists, err := env.Files.UserfileExists(ctx, id)
	if err != nil {
		return false, "", err
	}
	if exists {
		if _, err := env.Files.GetSyncStatus(ctx, id, a.RemoteResourceID); err == nil {
			return true, "", nil
		} else if !errors.Is(err, db.ErrNotFound) {
			return false, "", err
		}
	}
	if err := env.removeCacheDir(item); err != nil {
		return false, "", err
	}
	return true, removedMarker, nil
}

func reportWipedCache(ctx context.Context, env *Env, a *models.BackgroundActivity) error {
	var removed []string
	for i, msg := range a.Messages {
		if msg == removedMarker && i < len(a.Items) {
			removed = append(removed, a.Items[i])
		}
	}
	if len(removed) == 0 {
		return nil
	}
	notify.Send(ctx, env.Notifier, env.Logger, notify.Notification{
		UserID:   env.AdminID,
		Severity: models.SeveritySystem,
		Header:   "Report of cache crud removal",
		Body:     fmt.Sprintf("Removed %d orphan cache entries:\n%v", len(removed), removed),
	})
	return nil
}

// eraseScope is the owner filter for EraseBackgroundActivities: admins erase
// any finished activity, everyone else only their own.
func eraseScope(ctx context.Context, env *Env, a *models.BackgroundActivity) (int64, error) {
	owner, err := env.Activities.GetUser(ctx, a.UserID)
	if err != nil {
		return 0, fmt.Errorf("looking up owner %d: %w", a.UserID, err)
	}
	if owner.IsAdmin {
		return 0, nil
	}
	return owner.ID, nil
}
