package activity

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"github.com/cbrain/controlplane/internal/command"
	"github.com/cbrain/controlplane/internal/models"
)

var daysOlderRE = regexp.MustCompile(`^\d{1,3}$`)

func optInt(a *models.BackgroundActivity, key string, def int) (int, error) {
	v := a.Option(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s is not a number", key)
	}
	return n, nil
}

func optID(a *models.BackgroundActivity, key string) int64 {
	id, _ := strconv.ParseInt(a.Option(key), 10, 64)
	return id
}

func optIDs(a *models.BackgroundActivity, key string) []int64 {
	ids, _ := command.ParseIDs(a.Option(key))
	return ids
}

func optBool(a *models.BackgroundActivity, key string) bool {
	b, _ := strconv.ParseBool(a.Option(key))
	return b
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

// validateDaysOlder requires the days_older option to be an integer in [0,999].
func validateDaysOlder(a *models.BackgroundActivity, errs ValidationErrors, required bool) {
	v := a.Option("days_older")
	if v == "" {
		if required {
			errs.Add("days_older", "is required")
		}
		return
	}
	if !daysOlderRE.MatchString(v) {
		errs.Add("days_older", "must be a number between 0 and 999")
	}
}

func validateIDItems(a *models.BackgroundActivity, errs ValidationErrors) {
	for _, it := range a.Items {
		if _, err := strconv.ParseInt(it, 10, 64); err != nil {
			errs.Add("items", "%q is not an id", it)
			return
		}
	}
}

// configureFromFilter expands the custom filter named by option key into the
// item list, unless items were given explicitly. The filter must belong to the
// activity's owner and select records of the given target.
func configureFromFilter(target, key string) func(ctx context.Context, env *Env, a *models.BackgroundActivity) error {
	return func(ctx context.Context, env *Env, a *models.BackgroundActivity) error {
		if len(a.Items) > 0 {
			return nil
		}
		fid := optID(a, key)
		if fid == 0 {
			return fmt.Errorf("either explicit items or %s are required", key)
		}
		f, err := env.Files.GetCustomFilter(ctx, fid)
		if err != nil {
			return fmt.Errorf("custom filter %d not found", fid)
		}
		if f.UserID != a.UserID || f.Target != target {
			return fmt.Errorf("custom filter %d cannot be used here", fid)
		}
		ids, err := env.Files.FilterIDs(ctx, f)
		if err != nil {
			return err
		}
		for _, id := range ids {
			a.Items = append(a.Items, strconv.FormatInt(id, 10))
		}
		return nil
	}
}

func itemID(item string) (int64, error) {
	id, err := strconv.ParseInt(item, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("item %q is not an id", item)
	}
	return id, nil
}
