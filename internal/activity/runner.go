package activity

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cbrain/controlplane/internal/models"
)

// Runner executes activity items. It holds no state between calls; the
// dispatcher owns persistence and locking.
type Runner struct {
	env *Env
}

func NewRunner(env *Env) *Runner { return &Runner{env: env} }

func (r *Runner) Env() *Env { return r.env }

// Begin prepares a freshly claimed Scheduled activity for a pass. A retry pass
// keeps items and counters; any other pass resolves dynamic items and starts
// from zero.
func (r *Runner) Begin(ctx context.Context, a *models.BackgroundActivity) error {
	kind, ok := Lookup(a.Type)
	if !ok {
		return fmt.Errorf("unknown activity type %q", a.Type)
	}
	if a.RetryPass {
		a.CurrentItem = 0
		for len(a.ItemResults) < len(a.Items) {
			a.ItemResults = append(a.ItemResults, models.OutcomePending)
		}
		for len(a.Messages) < len(a.Items) {
			a.Messages = append(a.Messages, "")
		}
		return nil
	}
	if kind.Dynamic {
		items, err := kind.Prepare(ctx, r.env, a)
		if err != nil {
			return fmt.Errorf("preparing items: %w", err)
		}
		if items == nil {
			items = []string{}
		}
		a.Items = items
	}
	a.ResetForRun()
	a.RetriesLeft = a.MaxRetries
	return nil
}

// Skip reports whether item idx is left alone in this pass: retry passes only
// revisit failures and exceptions.
func Skip(a *models.BackgroundActivity, idx int) bool {
	return a.RetryPass && idx < len(a.ItemResults) && a.ItemResults[idx] == models.OutcomeOK
}

// ProcessItem runs the handler on item idx and records the outcome in the
// counters, per-item results and messages.
func (r *Runner) ProcessItem(ctx context.Context, a *models.BackgroundActivity, idx int) models.ItemOutcome {
	outcome, msg := r.invoke(ctx, a, a.Items[idx])
	Record(a, idx, outcome, msg)
	return outcome
}

func (r *Runner) invoke(ctx context.Context, a *models.BackgroundActivity, item string) (outcome models.ItemOutcome, msg string) {
	kind, ok := Lookup(a.Type)
	if !ok {
		return models.OutcomeException, fmt.Sprintf("unknown activity type %q", a.Type)
	}
	defer func() {
		if rec := recover(); rec != nil {
			outcome, msg = models.OutcomeException, fmt.Sprintf("panic: %v", rec)
		}
	}()

	ok, msg, err := kind.Process(ctx, r.env, a, item)
	switch {
	case err != nil:
		return models.OutcomeException, errClass(err) + ": " + err.Error()
	case ok:
		return models.OutcomeOK, msg
	default:
		return models.OutcomeFailure, msg
	}
}

func errClass(err error) string {
	return strings.TrimPrefix(fmt.Sprintf("%T", err), "*")
}

// Record stores the outcome of item idx, moving the count away from the
// item's previous outcome so ok+fail+exc always equals the number of items
// attempted.
func Record(a *models.BackgroundActivity, idx int, outcome models.ItemOutcome, msg string) {
	for len(a.ItemResults) <= idx {
		a.ItemResults = append(a.ItemResults, models.OutcomePending)
	}
	for len(a.Messages) <= idx {
		a.Messages = append(a.Messages, "")
	}
	switch a.ItemResults[idx] {
	case models.OutcomeOK:
		a.CountOK--
	case models.OutcomeFailure:
		a.CountFail--
	case models.OutcomeException:
		a.CountExc--
	}
	switch outcome {
	case models.OutcomeOK:
		a.CountOK++
	case models.OutcomeFailure:
		a.CountFail++
	case models.OutcomeException:
		a.CountExc++
	}
	a.ItemResults[idx] = outcome
	a.Messages[idx] = msg
}

// Conclude sets the final status after a complete pass, then puts the
// activity back to Scheduled when an automatic retry or a repeat is due. It
// reports whether the activity was rescheduled.
func (r *Runner) Conclude(ctx context.Context, a *models.BackgroundActivity) bool {
	if kind, ok := Lookup(a.Type); ok && kind.AfterLast != nil {
		if err := kind.AfterLast(ctx, r.env, a); err != nil {
			r.env.Logger.Warn("after-last-item hook failed", "activity_id", a.ID, "err", err)
		}
	}

	now := r.env.now()
	a.Status = a.FinalStatus()
	a.RetryPass = false

	if (a.Status == models.StatusFailed || a.Status == models.StatusPartiallyCompleted) && a.RetriesLeft > 0 {
		attempt := a.MaxRetries - a.RetriesLeft
		delay := time.Duration(a.RetryDelay) * time.Second
		if delay < MinRetryDelay {
			delay = MinRetryDelay
		}
		delay <<= attempt
		at := now.Add(delay).UTC().Truncate(time.Second)
		if a.RepeatAnchor == nil && a.StartAt != nil {
			anchor := *a.StartAt
			a.RepeatAnchor = &anchor
		}
		a.RetriesLeft--
		a.RetryPass = true
		a.StartAt = &at
		a.Status = models.StatusScheduled
		return true
	}

	// Retries moved start_at; the schedule continues from the slot they came from.
	anchor := a.RepeatAnchor
	a.RepeatAnchor = nil
	if anchor == nil {
		anchor = a.StartAt
	}

	if a.IsRepeating() {
		prev := now
		if anchor != nil {
			prev = *anchor
		}
		next, err := NextStart(a.Repeat, prev, now, r.env.location())
		if err != nil {
			r.env.Logger.Error("cannot compute next start", "activity_id", a.ID, "repeat", a.Repeat, "err", err)
			return false
		}
		next = next.UTC()
		a.StartAt = &next
		a.Status = models.StatusScheduled
		return true
	}
	return false
}
