// Package activity implements background activities: bulk operations over a
// list of items, executed one item at a time by a dispatcher.
package activity

import (
	"context"
	"sort"

	"github.com/cbrain/controlplane/internal/models"
)

// Kind is the behavior of one activity type.
type Kind struct {
	Name string

	// Dynamic kinds store DynamicItemsToken at creation and resolve their
	// items when each run starts.
	Dynamic bool

	// Validate checks options before anything is stored.
	Validate func(ctx context.Context, env *Env, a *models.BackgroundActivity, errs ValidationErrors)

	// Configure fills items at creation time, for non-dynamic kinds whose
	// items are derived from options.
	Configure func(ctx context.Context, env *Env, a *models.BackgroundActivity) error

	// Prepare returns the items of a dynamic kind for the run about to start.
	Prepare func(ctx context.Context, env *Env, a *models.BackgroundActivity) ([]string, error)

	// Process handles one item. A false ok with a message is a failure; a
	// returned error (or a panic) is an exception.
	Process func(ctx context.Context, env *Env, a *models.BackgroundActivity, item string) (ok bool, msg string, err error)

	// AfterLast runs once after a complete pass.
	AfterLast func(ctx context.Context, env *Env, a *models.BackgroundActivity) error
}

var registry = map[string]*Kind{}

func register(k *Kind) {
	if _, dup := registry[k.Name]; dup {
		panic("activity: duplicate kind " + k.Name)
	}
	registry[k.Name] = k
}

// Lookup coerces a type name into its kind. Only registered names resolve.
func Lookup(name string) (*Kind, bool) {
	k, ok := registry[name]
	return k, ok
}

func Names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
