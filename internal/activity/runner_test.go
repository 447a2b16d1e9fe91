package activity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cbrain/controlplane/internal/models"
)

func init() {
	register(&Kind{
		Name: "PanickyTestActivity",
		Process: func(context.Context, *Env, *models.BackgroundActivity, string) (bool, string, error) {
			panic("boom")
		},
	})
}

type finishedIDs struct {
	ids     []int64
	deleted []int64
	admins  map[int64]bool
	scopes  []int64
}

func (f *finishedIDs) FinishedActivityIDs(_ context.Context, _, ownerID int64, _ time.Time) ([]int64, error) {
	f.scopes = append(f.scopes, ownerID)
	return f.ids, nil
}

func (f *finishedIDs) DeleteActivity(_ context.Context, id, _ int64) (bool, error) {
	f.deleted = append(f.deleted, id)
	return true, nil
}

func (f *finishedIDs) GetUser(_ context.Context, id int64) (*models.User, error) {
	return &models.User{ID: id, IsAdmin: f.admins[id]}, nil
}

func TestProcessItemOutcomes(t *testing.T) {
	r := NewRunner(testEnv())
	a := &models.BackgroundActivity{Type: "RandomActivity", Items: []string{"0-ok", "0-fail", "0-exc", "bogus"}}
	a.ResetForRun()

	assert.Equal(t, models.OutcomeOK, r.ProcessItem(context.Background(), a, 0))
	assert.Equal(t, models.OutcomeFailure, r.ProcessItem(context.Background(), a, 1))
	assert.Equal(t, models.OutcomeException, r.ProcessItem(context.Background(), a, 2))
	assert.Equal(t, models.OutcomeException, r.ProcessItem(context.Background(), a, 3))

	assert.Equal(t, 1, a.CountOK)
	assert.Equal(t, 1, a.CountFail)
	assert.Equal(t, 2, a.CountExc)
	assert.Equal(t, "Yeah 0-ok", a.Messages[0])
	assert.Equal(t, "Nope 0-fail", a.Messages[1])
	assert.Contains(t, a.Messages[2], "Oh darn 0-exc exception")
	assert.Equal(t, models.StatusPartiallyCompleted, a.FinalStatus())
}

func TestProcessItemRecoversPanics(t *testing.T) {
	r := NewRunner(testEnv())
	a := &models.BackgroundActivity{Type: "PanickyTestActivity", Items: []string{"x"}}
	a.ResetForRun()

	assert.Equal(t, models.OutcomeException, r.ProcessItem(context.Background(), a, 0))
	assert.Equal(t, "panic: boom", a.Messages[0])
}

func TestRecordMovesCounts(t *testing.T) {
	a := &models.BackgroundActivity{Items: []string{"a"}}
	Record(a, 0, models.OutcomeFailure, "no")
	Record(a, 0, models.OutcomeOK, "yes")
	assert.Equal(t, 1, a.CountOK)
	assert.Zero(t, a.CountFail)
	assert.Equal(t, []string{"yes"}, a.Messages)
}

func TestBeginRetryPassKeepsResults(t *testing.T) {
	r := NewRunner(testEnv())
	a := &models.BackgroundActivity{
		Type:        "RandomActivity",
		Items:       []string{"0-ok", "0-fail"},
		ItemResults: []models.ItemOutcome{models.OutcomeOK, models.OutcomeFailure},
		Messages:    []string{"Yeah 0-ok", "Nope 0-fail"},
		CurrentItem: 2,
		CountOK:     1,
		CountFail:   1,
		RetryPass:   true,
	}
	require.NoError(t, r.Begin(context.Background(), a))
	assert.Zero(t, a.CurrentItem)
	assert.Equal(t, 1, a.CountOK)
	assert.True(t, Skip(a, 0))
	assert.False(t, Skip(a, 1))
}

func TestBeginResolvesDynamicItems(t *testing.T) {
	env := testEnv()
	store := &finishedIDs{ids: []int64{3, 9, 4}, admins: map[int64]bool{1: true}}
	env.Activities = store
	r := NewRunner(env)

	a := &models.BackgroundActivity{
		ID:      9,
		UserID:  1,
		Type:    "EraseBackgroundActivities",
		Options: map[string]string{"days_older": "0"},
		Items:   []string{models.DynamicItemsToken},
	}
	require.NoError(t, r.Begin(context.Background(), a))
	assert.Equal(t, []string{"3", "4"}, a.Items)

	for i := range a.Items {
		r.ProcessItem(context.Background(), a, i)
	}
	assert.Equal(t, []int64{3, 4}, store.deleted)
	assert.Equal(t, []int64{0}, store.scopes, "an admin erases every owner's activities")
}

func TestEmptyDynamicRunCompletes(t *testing.T) {
	env := testEnv()
	env.Activities = &finishedIDs{}
	r := NewRunner(env)

	a := &models.BackgroundActivity{
		Type:    "EraseBackgroundActivities",
		Options: map[string]string{"days_older": "1"},
		Items:   []string{models.DynamicItemsToken},
		Repeat:  models.RepeatOneShot,
	}
	require.NoError(t, r.Begin(context.Background(), a))
	assert.Empty(t, a.Items)
	assert.False(t, r.Conclude(context.Background(), a))
	assert.Equal(t, models.StatusCompleted, a.Status)
}

func TestConcludeSchedulesRetriesWithBackoff(t *testing.T) {
	r := NewRunner(testEnv())
	a := &models.BackgroundActivity{
		Type:        "RandomActivity",
		Items:       []string{"0-ok", "0-fail"},
		CountOK:     1,
		CountFail:   1,
		MaxRetries:  2,
		RetriesLeft: 2,
		RetryDelay:  60,
		Repeat:      models.RepeatOneShot,
	}

	require.True(t, r.Conclude(context.Background(), a))
	assert.Equal(t, models.StatusScheduled, a.Status)
	assert.True(t, a.RetryPass)
	assert.Equal(t, 1, a.RetriesLeft)
	assert.Equal(t, testNow.Add(time.Minute), *a.StartAt)

	require.True(t, r.Conclude(context.Background(), a))
	assert.Equal(t, testNow.Add(2*time.Minute), *a.StartAt)
	assert.Zero(t, a.RetriesLeft)

	assert.False(t, r.Conclude(context.Background(), a))
	assert.Equal(t, models.StatusPartiallyCompleted, a.Status)
	assert.False(t, a.RetryPass)
}

func TestConcludeRepeats(t *testing.T) {
	r := NewRunner(testEnv())
	start := testNow.Add(-5 * time.Minute)
	a := &models.BackgroundActivity{
		Type:    "RandomActivity",
		Items:   []string{"0-ok"},
		CountOK: 1,
		Repeat:  "start+10",
		StartAt: &start,
	}
	require.True(t, r.Conclude(context.Background(), a))
	assert.Equal(t, models.StatusScheduled, a.Status)
	assert.Equal(t, start.Add(10*time.Minute), *a.StartAt)
}

func TestRepeatStaysAnchoredAfterRetries(t *testing.T) {
	env := testEnv()
	now := testNow
	env.Now = func() time.Time { return now }
	r := NewRunner(env)

	slot := testNow.Add(-time.Minute)
	a := &models.BackgroundActivity{
		Type:        "RandomActivity",
		Items:       []string{"0-ok", "0-fail"},
		CountOK:     1,
		CountFail:   1,
		MaxRetries:  1,
		RetriesLeft: 1,
		Repeat:      "start+60",
		StartAt:     &slot,
	}

	require.True(t, r.Conclude(context.Background(), a))
	assert.True(t, a.RetryPass)
	assert.Equal(t, testNow.Add(time.Minute), *a.StartAt)
	require.NotNil(t, a.RepeatAnchor)
	assert.Equal(t, slot, *a.RepeatAnchor)

	now = testNow.Add(90 * time.Second)
	require.True(t, r.Conclude(context.Background(), a))
	assert.False(t, a.RetryPass)
	assert.Equal(t, models.StatusScheduled, a.Status)
	assert.Equal(t, time.Date(2024, 3, 5, 10, 59, 0, 0, time.UTC), *a.StartAt)
	assert.Nil(t, a.RepeatAnchor)
}
