package activity

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/cbrain/controlplane/internal/db"
	"github.com/cbrain/controlplane/internal/models"
	"github.com/cbrain/controlplane/internal/notify"
)

// Task statuses during which the work directory is in use.
var activeTaskStatuses = map[string]bool{
	"New": true, "Setting Up": true, "Queued": true, "On CPU": true, "Data Ready": true, "Post Processing": true,
}

func init() {
	register(&Kind{
		Name:      "ArchiveTaskWorkdir",
		Configure: configureFromFilter("task", "task_custom_filter_id"),
		Validate: func(ctx context.Context, env *Env, a *models.BackgroundActivity, errs ValidationErrors) {
			validateIDItems(a, errs)
			if id := optID(a, "archive_data_provider_id"); id != 0 {
				if dp, err := env.Files.GetDataProvider(ctx, id); err != nil || dp.ReadOnly {
					errs.Add("archive_data_provider_id", "is not a writable data provider")
				}
			}
		},
		Process: processArchiveWorkdir,
	})
	register(&Kind{
		Name:      "RemoveTaskWorkdir",
		Configure: configureFromFilter("task", "task_custom_filter_id"),
		Validate:  validateFileItems,
		Process:   processRemoveWorkdir,
	})
	register(&Kind{
		Name:      "DuplicateTask",
		Configure: configureFromFilter("task", "task_custom_filter_id"),
		Validate: func(ctx context.Context, env *Env, a *models.BackgroundActivity, errs ValidationErrors) {
			validateIDItems(a, errs)
			id := optID(a, "dest_bourreau_id")
			if id == 0 {
				errs.Add("dest_bourreau_id", "is required")
				return
			}
			rr, err := env.Resources.GetResource(ctx, id)
			if err != nil || !rr.IsBourreau() {
				errs.Add("dest_bourreau_id", "is not a Bourreau")
			}
		},
		Process: processDuplicateTask,
	})
	register(&Kind{
		Name:    "CheckMissingWorkdir",
		Dynamic: true,
		Prepare: func(ctx context.Context, env *Env, a *models.BackgroundActivity) ([]string, error) {
			ids, err := env.Tasks.TaskIDsWithWorkdir(ctx, a.RemoteResourceID)
			return idItems(ids), err
		},
		Process:   processCheckWorkdir,
		AfterLast: reportMissingWorkdirs,
	})
}

func idItems(ids []int64) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = strconv.FormatInt(id, 10)
	}
	return out
}

// loadLocalTask fetches a task that must live on the activity's resource and
// not be running.
func loadLocalTask(ctx context.Context, env *Env, a *models.BackgroundActivity, item string) (*models.Task, string, error) {
	id, err := itemID(item)
	if err != nil {
		return nil, "", err
	}
	t, err := env.Tasks.GetTask(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, "Task no longer exists", nil
	}
	if err != nil {
		return nil, "", err
	}
	if t.BourreauID != a.RemoteResourceID {
		return nil, "Task is not on this execution server", nil
	}
	if activeTaskStatuses[t.Status] {
		return nil, "Task is active (" + t.Status + ")", nil
	}
	if t.Workdir == "" {
		return nil, "Task has no work directory", nil
	}
	return t, "", nil
}

func processArchiveWorkdir(ctx context.Context, env *Env, a *models.BackgroundActivity, item string) (bool, string, error) {
	t, reason, err := loadLocalTask(ctx, env, a, item)
	if err != nil || reason != "" {
		return false, reason, err
	}
	if t.ArchiveID != nil {
		return false, "Work directory already archived", nil
	}
	if st, err := os.Stat(t.Workdir); err != nil || !st.IsDir() {
		return false, "Work directory is missing", nil
	}

	archiveName := fmt.Sprintf("TaskWorkdir-%d.tar.zst", t.ID)
	tmp := filepath.Join(filepath.Dir(t.Workdir), "."+archiveName)
	size, err := tarZstdDir(t.Workdir, tmp)
	if err != nil {
		return false, "", err
	}

	dpID := optID(a, "archive_data_provider_id")
	if dpID == 0 {
		// in place: the workdir keeps only the archive
		if err := os.RemoveAll(t.Workdir); err != nil {
			return false, "", err
		}
		if err := os.MkdirAll(t.Workdir, 0o755); err != nil {
			return false, "", err
		}
		if err := os.Rename(tmp, filepath.Join(t.Workdir, archiveName)); err != nil {
			return false, "", err
		}
		return true, "Archived in place", nil
	}

	dp, err := env.Files.GetDataProvider(ctx, dpID)
	if err != nil {
		os.Remove(tmp)
		return false, "", err
	}
	if _, err := copyFile(tmp, filepath.Join(dp.RootPath, archiveName)); err != nil {
		os.Remove(tmp)
		return false, "", err
	}
	os.Remove(tmp)
	uf := &models.Userfile{Name: archiveName, UserID: t.UserID, DataProviderID: dp.ID, Size: size, NumFiles: 1}
	if err := env.Files.CreateUserfile(ctx, uf); err != nil {
		return false, "", err
	}
	env.recordSpace(ctx, t.UserID, dp.ID, size, 1)

	if err := os.RemoveAll(t.Workdir); err != nil {
		return false, "", err
	}
	t.Workdir = ""
	t.ArchiveID = &uf.ID
	if err := env.Tasks.UpdateTask(ctx, t); err != nil {
		return false, "", err
	}
	return true, fmt.Sprintf("Archived as file #%d", uf.ID), nil
}

func processRemoveWorkdir(ctx context.Context, env *Env, a *models.BackgroundActivity, item string) (bool, string, error) {
	t, reason, err := loadLocalTask(ctx, env, a, item)
	if err != nil || reason != "" {
		return false, reason, err
	}
	if err := os.RemoveAll(t.Workdir); err != nil {
		return false, "", err
	}
	t.Workdir = ""
	if err := env.Tasks.UpdateTask(ctx, t); err != nil {
		return false, "", err
	}
	return true, "", nil
}

func processDuplicateTask(ctx context.Context, env *Env, a *models.BackgroundActivity, item string) (bool, string, error) {
	id, err := itemID(item)
	if err != nil {
		return false, "", err
	}
	t, err := env.Tasks.GetTask(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return false, "Task no longer exists", nil
	}
	if err != nil {
		return false, "", err
	}
	dest := optID(a, "dest_bourreau_id")
	if env.Quotas != nil {
		exceeded, err := env.Quotas.CPUExceeded(ctx, t.UserID, dest)
		if err != nil {
			return false, "", err
		}
		if exceeded != "" {
			return false, "CPU quota exceeded on destination (" + exceeded + ")", nil
		}
	}
	dup := &models.Task{UserID: t.UserID, BourreauID: dest, Status: "New", Params: t.Params}
	if err := env.Tasks.CreateTask(ctx, dup); err != nil {
		return false, "", err
	}
	return true, fmt.Sprintf("Duplicated as task #%d", dup.ID), nil
}

const adjustedMarker = "Adjusted"

func processCheckWorkdir(ctx context.Context, env *Env, _ *models.BackgroundActivity, item string) (bool, string, error) {
	id, err := itemID(item)
	if err != nil {
		return false, "", err
	}
	t, err := env.Tasks.GetTask(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return true, "", nil
	}
	if err != nil {
		return false, "", err
	}
	if st, err := os.Stat(t.Workdir); err == nil && st.IsDir() {
		return true, "", nil
	}
	t.Workdir = ""
	if err := env.Tasks.UpdateTask(ctx, t); err != nil {
		return false, "", err
	}
	return true, adjustedMarker, nil
}

func reportMissingWorkdirs(ctx context.Context, env *Env, a *models.BackgroundActivity) error {
	var adjusted []string
	for i, msg := range a.Messages {
		if msg == adjustedMarker && i < len(a.Items) {
			adjusted = append(adjusted, a.Items[i])
		}
	}
	if len(adjusted) == 0 {
		return nil
	}
	sort.Strings(adjusted)
	notify.Send(ctx, env.Notifier, env.Logger, notify.Notification{
		UserID:   a.UserID,
		Severity: models.SeveritySystem,
		Header:   "Report of task workdir disappearances",
		Body:     fmt.Sprintf("Number of tasks: %d\nList of tasks:\n%s", len(adjusted), strings.Join(adjusted, " ")),
		Critical: true,
	})
	return nil
}
