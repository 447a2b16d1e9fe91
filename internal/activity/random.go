package activity

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/cbrain/controlplane/internal/models"
)

// RandomActivity is a debugging activity. Its items look like "3-ok",
// "1-fail" or "7-exc": sleep that many seconds, then report the keyword.
func init() {
	register(&Kind{
		Name:      "RandomActivity",
		Configure: configureRandom,
		Validate: func(_ context.Context, _ *Env, a *models.BackgroundActivity, errs ValidationErrors) {
			if len(a.Items) == 0 && len(errs["items"]) == 0 {
				errs.Add("base", "Test activity doesn't have any items?")
			}
		},
		Process: processRandom,
	})
}

const maxRandomCount = 100

func configureRandom(_ context.Context, _ *Env, a *models.BackgroundActivity) error {
	if len(a.Items) > 0 {
		return nil
	}
	counts := map[string]int{}
	for _, key := range []string{"count_ok", "count_fail", "count_exc"} {
		n, err := optInt(a, key, 0)
		if err != nil {
			return err
		}
		counts[key] = clamp(n, 0, maxRandomCount)
	}
	minTime, err := optInt(a, "mintime", 1)
	if err != nil {
		return err
	}
	maxTime, err := optInt(a, "maxtime", 5)
	if err != nil {
		return err
	}
	minTime = clamp(minTime, 0, 3600)
	maxTime = clamp(maxTime, minTime, 3600)

	var items []string
	add := func(n int, what string) {
		for i := 0; i < n; i++ {
			secs := minTime + rand.IntN(maxTime-minTime+1)
			items = append(items, fmt.Sprintf("%d-%s", secs, what))
		}
	}
	add(counts["count_ok"], "ok")
	add(counts["count_fail"], "fail")
	add(counts["count_exc"], "exc")
	rand.Shuffle(len(items), func(i, j int) { items[i], items[j] = items[j], items[i] })

	a.Items = items
	return nil
}

func processRandom(ctx context.Context, env *Env, _ *models.BackgroundActivity, item string) (bool, string, error) {
	secs, what, found := strings.Cut(item, "-")
	if !found {
		return false, "", fmt.Errorf("malformed item %q", item)
	}
	n, err := strconv.Atoi(secs)
	if err != nil {
		return false, "", fmt.Errorf("malformed item %q", item)
	}
	if err := env.sleep(ctx, time.Duration(n)*time.Second); err != nil {
		return false, "", err
	}
	switch what {
	case "ok":
		return true, "Yeah " + item, nil
	case "fail":
		return false, "Nope " + item, nil
	}
	return false, "", errors.New("Oh darn " + item + " exception")
}
