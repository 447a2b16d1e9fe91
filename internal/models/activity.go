package models

import (
	"time"
)

type ActivityStatus string

const (
	StatusScheduled          ActivityStatus = "Scheduled"
	StatusInProgress         ActivityStatus = "InProgress"
	StatusCompleted          ActivityStatus = "Completed"
	StatusPartiallyCompleted ActivityStatus = "PartiallyCompleted"
	StatusFailed             ActivityStatus = "Failed"
	StatusInternalError      ActivityStatus = "InternalError"
	StatusSuspended          ActivityStatus = "Suspended"
	StatusSuspendedScheduled ActivityStatus = "SuspendedScheduled"
	StatusCancelled          ActivityStatus = "Cancelled"
	StatusCancelledScheduled ActivityStatus = "CancelledScheduled"
)

// IsFinal reports whether no dispatcher will ever pick the activity up again
// without an operator or a repeat/retry rescheduling it.
func (s ActivityStatus) IsFinal() bool {
	switch s {
	case StatusCompleted, StatusPartiallyCompleted, StatusFailed, StatusInternalError,
		StatusCancelled, StatusCancelledScheduled:
		return true
	}
	return false
}

// ItemOutcome is the recorded result of processing one item.
type ItemOutcome string

const (
	OutcomePending   ItemOutcome = ""
	OutcomeOK        ItemOutcome = "ok"
	OutcomeFailure   ItemOutcome = "fail"
	OutcomeException ItemOutcome = "exc"
)

const RepeatOneShot = "one_shot"

// DynamicItemsToken is stored as the item list of activities whose items are
// resolved each time a run starts.
const DynamicItemsToken = "(DYNAMICALLY FETCHED)"

type BackgroundActivity struct {
	ID               int64             `json:"id"`
	Type             string            `json:"type"`
	UserID           int64             `json:"user_id"`
	RemoteResourceID int64             `json:"remote_resource_id"`
	Status           ActivityStatus    `json:"status"`
	Options          map[string]string `json:"options,omitempty"`
	Items            []string          `json:"items"`
	ItemResults      []ItemOutcome     `json:"item_results,omitempty"`
	Messages         []string          `json:"messages,omitempty"`
	CurrentItem      int               `json:"current_item"`
	CountOK          int               `json:"count_ok"`
	CountFail        int               `json:"count_fail"`
	CountExc         int               `json:"count_exc"`
	HandlerLock      *string           `json:"handler_lock,omitempty"`
	StartAt          *time.Time        `json:"start_at,omitempty"`
	RepeatAnchor     *time.Time        `json:"repeat_anchor,omitempty"`
	Repeat           string            `json:"repeat"`
	RetryPass        bool              `json:"retry_pass"`
	MaxRetries       int               `json:"max_retries"`
	RetriesLeft      int               `json:"retries_left"`
	RetryDelay       int               `json:"retry_delay"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

func (a *BackgroundActivity) IsRepeating() bool {
	return a.Repeat != "" && a.Repeat != RepeatOneShot
}

func (a *BackgroundActivity) HasDynamicItems() bool {
	return len(a.Items) == 1 && a.Items[0] == DynamicItemsToken
}

func (a *BackgroundActivity) Option(key string) string {
	if a.Options == nil {
		return ""
	}
	return a.Options[key]
}

// ResetForRun clears counters and per-item state before a fresh pass.
func (a *BackgroundActivity) ResetForRun() {
	a.CurrentItem = 0
	a.CountOK, a.CountFail, a.CountExc = 0, 0, 0
	a.ItemResults = make([]ItemOutcome, len(a.Items))
	a.Messages = make([]string, len(a.Items))
	a.RetryPass = false
}

// FinalStatus derives the terminal status from the counters.
func (a *BackgroundActivity) FinalStatus() ActivityStatus {
	switch {
	case a.CountFail == 0 && a.CountExc == 0:
		return StatusCompleted
	case a.CountOK == 0:
		return StatusFailed
	default:
		return StatusPartiallyCompleted
	}
}
