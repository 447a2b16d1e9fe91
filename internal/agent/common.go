package agent

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/cbrain/controlplane/internal/activity"
	"github.com/cbrain/controlplane/internal/command"
	"github.com/cbrain/controlplane/internal/models"
)

// RegisterCommon installs the handlers every resource type accepts:
// clean_cache and check_data_providers. wake is called once a cache
// cleaning activity is queued.
func RegisterCommon(p *command.Processor, self *models.RemoteResource, builder *activity.Builder, store Store, wake func()) {
	p.Register(command.CleanCache, func(ctx context.Context, cmd *command.RemoteCommand) error {
		return cleanCache(ctx, cmd, self, builder, store, wake)
	})
	p.Register(command.CheckDataProviders, func(ctx context.Context, cmd *command.RemoteCommand) error {
		return checkDataProviders(ctx, cmd, store)
	})
}

// cleanCache queues a CleanCache activity for the users and access window of
// the command.
func cleanCache(ctx context.Context, cmd *command.RemoteCommand, self *models.RemoteResource, builder *activity.Builder, store Store, wake func()) error {
	ids, err := cmd.IDs("user_ids")
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return errors.New("clean_cache needs at least one user id")
	}
	admin, err := store.AdminUser(ctx)
	if err != nil {
		return fmt.Errorf("finding admin account: %w", err)
	}
	opts := map[string]string{"with_user_ids": command.JoinIDs(ids)}
	for _, k := range []string{"before_date", "after_date"} {
		if _, err := cmd.Time(k); err != nil {
			return err
		}
		if v := cmd.Payload[k]; v != "" {
			opts[k] = v
		}
	}
	act, err := builder.Create(ctx, activity.CreateRequest{
		Type:             "CleanCache",
		UserID:           admin.ID,
		RemoteResourceID: self.ID,
		StartNow:         true,
		Options:          opts,
	})
	if err != nil {
		return err
	}
	if wake != nil {
		wake()
	}
	cmd.Result = map[string]string{"activity_id": strconv.FormatInt(act.ID, 10)}
	return nil
}

// checkDataProviders reports, per provider id, whether it is usable from this
// host. No ids means all providers.
func checkDataProviders(ctx context.Context, cmd *command.RemoteCommand, store Store) error {
	ids, err := cmd.IDs("data_provider_ids")
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		if ids, err = store.DataProviderIDs(ctx); err != nil {
			return err
		}
	}
	cmd.Result = make(map[string]string, len(ids))
	for _, id := range ids {
		status := activity.ProviderNotExist
		if dp, err := store.GetDataProvider(ctx, id); err == nil {
			status = activity.ProviderStatus(dp)
		}
		cmd.Result[strconv.FormatInt(id, 10)] = status
	}
	return nil
}
