package activity

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cbrain/controlplane/internal/db"
	"github.com/cbrain/controlplane/internal/models"
	"github.com/cbrain/controlplane/internal/notify"
)

type FileStore interface {
	GetUserfile(ctx context.Context, id int64) (*models.Userfile, error)
	FindUserfile(ctx context.Context, name string, dpID int64) (*models.Userfile, error)
	CreateUserfile(ctx context.Context, u *models.Userfile) error
	UpdateUserfile(ctx context.Context, u *models.Userfile) error
	DeleteUserfile(ctx context.Context, id int64) error
	UserfileExists(ctx context.Context, id int64) (bool, error)
	GetDataProvider(ctx context.Context, id int64) (*models.DataProvider, error)
	DataProviderIDs(ctx context.Context) ([]int64, error)
	SyncStatusInTransfer(ctx context.Context, userfileID int64) (bool, error)
	GetSyncStatus(ctx context.Context, userfileID, resourceID int64) (*models.SyncStatus, error)
	DeleteSyncStatus(ctx context.Context, userfileID, resourceID int64) error
	CachedUserfileIDs(ctx context.Context, resourceID int64, userIDs []int64, accessedBefore, accessedAfter time.Time) ([]int64, error)
	GetCustomFilter(ctx context.Context, id int64) (*models.CustomFilter, error)
	FilterIDs(ctx context.Context, f *models.CustomFilter) ([]int64, error)
	RecordUsage(ctx context.Context, kind models.UsageKind, userID, resourceID, dpID, value int64, at time.Time) error
}

type TaskStore interface {
	GetTask(ctx context.Context, id int64) (*models.Task, error)
	CreateTask(ctx context.Context, t *models.Task) error
	UpdateTask(ctx context.Context, t *models.Task) error
	TaskIDsWithWorkdir(ctx context.Context, bourreauID int64) ([]int64, error)
}

type ActivityStore interface {
	FinishedActivityIDs(ctx context.Context, resourceID, ownerID int64, before time.Time) ([]int64, error)
	DeleteActivity(ctx context.Context, id, ownerID int64) (bool, error)
	GetUser(ctx context.Context, id int64) (*models.User, error)
}

type ResourceLookup interface {
	GetResource(ctx context.Context, id int64) (*models.RemoteResource, error)
}

// QuotaChecker answers point quota checks; an empty string means within quota.
type QuotaChecker interface {
	DiskExceeded(ctx context.Context, userID, dpID int64) (string, error)
	CPUExceeded(ctx context.Context, userID, resourceID int64) (string, error)
}

// Env is what item handlers may touch.
type Env struct {
	Self       *models.RemoteResource
	Files      FileStore
	Tasks      TaskStore
	Activities ActivityStore
	Resources  ResourceLookup
	Quotas     QuotaChecker
	Notifier   notify.Notifier
	AdminID    int64
	CacheDir   string
	Location   *time.Location
	Logger     *slog.Logger
	Now        func() time.Time
	Sleep      func(ctx context.Context, d time.Duration) error
}

// StoreEnv builds an Env whose collaborators are all backed by database.
func StoreEnv(database *db.DB, self *models.RemoteResource, cacheDir string, logger *slog.Logger) *Env {
	return &Env{
		Self:       self,
		Files:      database,
		Tasks:      database,
		Activities: database,
		Resources:  database,
		CacheDir:   cacheDir,
		Location:   time.Local,
		Logger:     logger,
	}
}

func (e *Env) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Env) location() *time.Location {
	if e.Location != nil {
		return e.Location
	}
	return time.Local
}

func (e *Env) sleep(ctx context.Context, d time.Duration) error {
	if e.Sleep != nil {
		return e.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CacheSubpath is the relative cache directory of a userfile: the id, zero
// padded to six digits, split in three levels ("1234" -> "00/12/34").
func CacheSubpath(userfileID int64) string {
	s := fmt.Sprintf("%06d", userfileID)
	n := len(s)
	return filepath.Join(s[:n-4], s[n-4:n-2], s[n-2:])
}

// userfileIDFromSubpath reverses CacheSubpath.
func userfileIDFromSubpath(p string) (int64, bool) {
	digits := make([]byte, 0, len(p))
	for i := 0; i < len(p); i++ {
		if p[i] >= '0' && p[i] <= '9' {
			digits = append(digits, p[i])
		}
	}
	id, err := strconv.ParseInt(string(digits), 10, 64)
	return id, err == nil
}

func (e *Env) cachePath(userfileID int64) string {
	return filepath.Join(e.CacheDir, CacheSubpath(userfileID))
}
