package activity

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cbrain/controlplane/internal/db"
	"github.com/cbrain/controlplane/internal/models"
)

func init() {
	register(&Kind{
		Name:      "CompressFile",
		Configure: configureFromFilter("userfile", "userfile_custom_filter_id"),
		Validate:  validateFileItems,
		Process:   processCompress,
	})
	register(&Kind{
		Name:      "UncompressFile",
		Configure: configureFromFilter("userfile", "userfile_custom_filter_id"),
		Validate:  validateFileItems,
		Process:   processUncompress,
	})
	register(&Kind{
		Name:      "MoveFile",
		Configure: configureFromFilter("userfile", "userfile_custom_filter_id"),
		Validate:  validateTransfer,
		Process: func(ctx context.Context, env *Env, a *models.BackgroundActivity, item string) (bool, string, error) {
			return processTransfer(ctx, env, a, item, true)
		},
	})
	register(&Kind{
		Name:      "CopyFile",
		Configure: configureFromFilter("userfile", "userfile_custom_filter_id"),
		Validate:  validateTransfer,
		Process: func(ctx context.Context, env *Env, a *models.BackgroundActivity, item string) (bool, string, error) {
			return processTransfer(ctx, env, a, item, false)
		},
	})
}

func validateFileItems(_ context.Context, _ *Env, a *models.BackgroundActivity, errs ValidationErrors) {
	validateIDItems(a, errs)
}

func validateTransfer(ctx context.Context, env *Env, a *models.BackgroundActivity, errs ValidationErrors) {
	validateIDItems(a, errs)
	destID := optID(a, "dest_data_provider_id")
	if destID == 0 {
		errs.Add("dest_data_provider_id", "is required")
		return
	}
	dp, err := env.Files.GetDataProvider(ctx, destID)
	if err != nil {
		errs.Add("dest_data_provider_id", "does not exist")
		return
	}
	if dp.ReadOnly {
		errs.Add("dest_data_provider_id", "is read-only")
	}
}

// loadFile fetches a userfile and its data provider and checks the file can
// be changed right now. A non-empty reason means the item fails.
func loadFile(ctx context.Context, env *Env, item string) (*models.Userfile, *models.DataProvider, string, error) {
	id, err := itemID(item)
	if err != nil {
		return nil, nil, "", err
	}
	uf, err := env.Files.GetUserfile(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil, "File no longer exists", nil
	}
	if err != nil {
		return nil, nil, "", err
	}
	dp, err := env.Files.GetDataProvider(ctx, uf.DataProviderID)
	if err != nil {
		return nil, nil, "", err
	}
	if !dp.Online {
		return nil, nil, "Data provider is offline", nil
	}
	busy, err := env.Files.SyncStatusInTransfer(ctx, uf.ID)
	if err != nil {
		return nil, nil, "", err
	}
	if busy {
		return nil, nil, "File is under transfer", nil
	}
	return uf, dp, "", nil
}

func (e *Env) recordSpace(ctx context.Context, userID, dpID, bytes, files int64) {
	now := e.now()
	if bytes != 0 {
		if err := e.Files.RecordUsage(ctx, models.UsageSpace, userID, 0, dpID, bytes, now); err != nil {
			e.Logger.Warn("recording space usage", "err", err)
		}
	}
	if files != 0 {
		if err := e.Files.RecordUsage(ctx, models.UsageFiles, userID, 0, dpID, files, now); err != nil {
			e.Logger.Warn("recording file usage", "err", err)
		}
	}
}

func processCompress(ctx context.Context, env *Env, _ *models.BackgroundActivity, item string) (bool, string, error) {
	uf, dp, reason, err := loadFile(ctx, env, item)
	if err != nil || reason != "" {
		return false, reason, err
	}
	if dp.ReadOnly {
		return false, "Data provider is read-only", nil
	}
	if compressedSuffix(uf.Name) != "" {
		return false, "File is already compressed", nil
	}
	newName := uf.Name + ".gz"
	if _, err := env.Files.FindUserfile(ctx, newName, dp.ID); err == nil {
		return false, "Another GZ file already exists", nil
	}

	src := filepath.Join(dp.RootPath, uf.Name)
	dst := filepath.Join(dp.RootPath, newName)
	size, err := gzipFile(src, dst)
	if err != nil {
		return false, "", err
	}
	if err := os.Remove(src); err != nil {
		os.Remove(dst)
		return false, "", err
	}

	delta := size - uf.Size
	uf.Name, uf.Size = newName, size
	if err := env.Files.UpdateUserfile(ctx, uf); err != nil {
		return false, "", err
	}
	env.recordSpace(ctx, uf.UserID, dp.ID, delta, 0)
	return true, "", nil
}

func processUncompress(ctx context.Context, env *Env, _ *models.BackgroundActivity, item string) (bool, string, error) {
	uf, dp, reason, err := loadFile(ctx, env, item)
	if err != nil || reason != "" {
		return false, reason, err
	}
	if dp.ReadOnly {
		return false, "Data provider is read-only", nil
	}
	suffix := compressedSuffix(uf.Name)
	if suffix == "" {
		return false, "File is not compressed", nil
	}
	newName := uf.Name[:len(uf.Name)-len(suffix)]
	if _, err := env.Files.FindUserfile(ctx, newName, dp.ID); err == nil {
		return false, fmt.Sprintf("Another file named %s already exists", newName), nil
	}

	src := filepath.Join(dp.RootPath, uf.Name)
	dst := filepath.Join(dp.RootPath, newName)
	size, err := decompressFile(src, dst, suffix)
	if err != nil {
		return false, "", err
	}
	if err := os.Remove(src); err != nil {
		os.Remove(dst)
		return false, "", err
	}

	delta := size - uf.Size
	uf.Name, uf.Size = newName, size
	if err := env.Files.UpdateUserfile(ctx, uf); err != nil {
		return false, "", err
	}
	env.recordSpace(ctx, uf.UserID, dp.ID, delta, 0)
	return true, "", nil
}

func processTransfer(ctx context.Context, env *Env, a *models.BackgroundActivity, item string, move bool) (bool, string, error) {
	uf, dp, reason, err := loadFile(ctx, env, item)
	if err != nil || reason != "" {
		return false, reason, err
	}
	destID := optID(a, "dest_data_provider_id")
	if uf.DataProviderID == destID {
		return false, "File is already on the destination", nil
	}
	if move && dp.ReadOnly {
		return false, "Source data provider is read-only", nil
	}
	dest, err := env.Files.GetDataProvider(ctx, destID)
	if err != nil {
		return false, "", err
	}
	if !dest.Online || dest.ReadOnly {
		return false, "Destination data provider is not writable", nil
	}
	if env.Quotas != nil {
		exceeded, err := env.Quotas.DiskExceeded(ctx, uf.UserID, dest.ID)
		if err != nil {
			return false, "", err
		}
		if exceeded != "" {
			return false, "Disk quota exceeded on destination (" + exceeded + ")", nil
		}
	}

	if existing, err := env.Files.FindUserfile(ctx, uf.Name, dest.ID); err == nil {
		if !optBool(a, "crush_destination") {
			return false, "A file with the same name exists on the destination", nil
		}
		if err := os.RemoveAll(filepath.Join(dest.RootPath, existing.Name)); err != nil {
			return false, "", err
		}
		if err := env.Files.DeleteUserfile(ctx, existing.ID); err != nil {
			return false, "", err
		}
		env.recordSpace(ctx, existing.UserID, dest.ID, -existing.Size, -existing.NumFiles)
	}

	size, err := copyFile(filepath.Join(dp.RootPath, uf.Name), filepath.Join(dest.RootPath, uf.Name))
	if err != nil {
		return false, "", err
	}

	if !move {
		dup := &models.Userfile{Name: uf.Name, UserID: uf.UserID, DataProviderID: dest.ID, Size: size, NumFiles: uf.NumFiles}
		if err := env.Files.CreateUserfile(ctx, dup); err != nil {
			return false, "", err
		}
		env.recordSpace(ctx, uf.UserID, dest.ID, size, uf.NumFiles)
		return true, fmt.Sprintf("Copied as file #%d", dup.ID), nil
	}

	if err := os.Remove(filepath.Join(dp.RootPath, uf.Name)); err != nil && !os.IsNotExist(err) {
		return false, "", err
	}
	uf.DataProviderID = dest.ID
	if err := env.Files.UpdateUserfile(ctx, uf); err != nil {
		return false, "", err
	}
	env.recordSpace(ctx, uf.UserID, dp.ID, -uf.Size, -uf.NumFiles)
	env.recordSpace(ctx, uf.UserID, dest.ID, size, uf.NumFiles)
	return true, "Moved to " + dest.Name, nil
}
