package activity

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cbrain/controlplane/internal/db"
	"github.com/cbrain/controlplane/internal/models"
)

const badStartMessage = "Start date or time is invalid (no past date and max six months ahead)"

// ValidationErrors maps a field name ("base" for the record as a whole) to
// its error messages.
type ValidationErrors map[string][]string

func (v ValidationErrors) Add(field, format string, args ...any) {
	v[field] = append(v[field], fmt.Sprintf(format, args...))
}

func (v ValidationErrors) Any() bool { return len(v) > 0 }

func (v ValidationErrors) Error() string {
	fields := make([]string, 0, len(v))
	for f := range v {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	var parts []string
	for _, f := range fields {
		for _, msg := range v[f] {
			parts = append(parts, f+": "+msg)
		}
	}
	return strings.Join(parts, "; ")
}

// CreateRequest is the operator's input for a new activity.
type CreateRequest struct {
	Type             string            `json:"type"`
	UserID           int64             `json:"user_id"`
	RemoteResourceID int64             `json:"remote_resource_id"`
	StartNow         bool              `json:"start_now"`
	StartDate        string            `json:"start_date"`
	StartHour        string            `json:"start_hour"`
	StartMin         string            `json:"start_min"`
	Repeat           string            `json:"repeat"`
	RepeatHour       string            `json:"repeat_hour"`
	RepeatMin        string            `json:"repeat_min"`
	Options          map[string]string `json:"options"`
	Items            []string          `json:"items"`
	MaxRetries       int               `json:"max_retries"`
	RetryDelay       int               `json:"retry_delay"`
}

type Creator interface {
	CreateActivity(ctx context.Context, a *models.BackgroundActivity) error
}

type Builder struct {
	env   *Env
	store Creator
}

func NewBuilder(env *Env, store Creator) *Builder {
	return &Builder{env: env, store: store}
}

// Build runs the construction protocol and returns the unsaved activity, or
// the accumulated validation errors.
func (b *Builder) Build(ctx context.Context, req CreateRequest) (*models.BackgroundActivity, ValidationErrors) {
	errs := ValidationErrors{}

	kind, ok := Lookup(req.Type)
	if !ok {
		errs.Add("type", "%q is not a proper type", req.Type)
		return nil, errs
	}

	a := &models.BackgroundActivity{
		Type:             kind.Name,
		UserID:           req.UserID,
		RemoteResourceID: req.RemoteResourceID,
		Status:           models.StatusScheduled,
		Options:          map[string]string{},
		Items:            append([]string(nil), req.Items...),
	}
	for k, v := range req.Options {
		a.Options[k] = strings.TrimSpace(v)
	}

	if a.RemoteResourceID == 0 && b.env.Self != nil {
		a.RemoteResourceID = b.env.Self.ID
	}
	if b.env.Resources != nil {
		if _, err := b.env.Resources.GetResource(ctx, a.RemoteResourceID); errors.Is(err, db.ErrNotFound) {
			errs.Add("remote_resource_id", "does not exist")
		} else if err != nil {
			errs.Add("base", "could not verify remote resource: %v", err)
		}
	}

	if kind.Dynamic {
		a.Items = []string{models.DynamicItemsToken}
	} else if kind.Configure != nil {
		if err := kind.Configure(ctx, b.env, a); err != nil {
			errs.Add("items", "%v", err)
		}
	}

	now := b.env.now()
	if req.StartNow {
		t := now.UTC().Truncate(time.Second)
		a.StartAt = &t
	} else {
		start, err := ParseStart(req.StartDate, req.StartHour, req.StartMin, b.env.location())
		if err != nil || start.Before(now.Truncate(time.Minute)) || start.After(now.Add(MaxScheduleAhead)) {
			errs.Add("base", badStartMessage)
		} else {
			t := start.UTC()
			a.StartAt = &t
		}
	}

	a.Repeat = NormalizeRepeat(req.Repeat, req.RepeatHour, req.RepeatMin)
	if msg := ValidateRepeat(a.Repeat); msg != "" {
		errs.Add("repeat", "%s", msg)
	}

	if kind.Validate != nil {
		kind.Validate(ctx, b.env, a, errs)
	}

	if req.MaxRetries < 0 || req.MaxRetries > 10 {
		errs.Add("max_retries", "must be between 0 and 10")
	}
	a.MaxRetries, a.RetriesLeft = req.MaxRetries, req.MaxRetries
	a.RetryDelay = req.RetryDelay
	if a.MaxRetries > 0 && a.RetryDelay < int(MinRetryDelay/time.Second) {
		a.RetryDelay = int(MinRetryDelay / time.Second)
	}

	if len(a.Items) == 0 && errs["items"] == nil && errs["base"] == nil {
		errs.Add("items", "no items to process")
	}

	if errs.Any() {
		return nil, errs
	}
	a.ResetForRun()
	return a, nil
}

// Create builds and saves the activity. Nothing is stored when validation fails.
func (b *Builder) Create(ctx context.Context, req CreateRequest) (*models.BackgroundActivity, error) {
	a, errs := b.Build(ctx, req)
	if errs.Any() {
		return nil, errs
	}
	if err := b.store.CreateActivity(ctx, a); err != nil {
		return nil, fmt.Errorf("saving activity: %w", err)
	}
	return a, nil
}
