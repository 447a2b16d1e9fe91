package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cbrain/controlplane/internal/activity"
	"github.com/cbrain/controlplane/internal/auth"
	"github.com/cbrain/controlplane/internal/command"
	"github.com/cbrain/controlplane/internal/db"
	"github.com/cbrain/controlplane/internal/events"
	"github.com/cbrain/controlplane/internal/models"
	"github.com/cbrain/controlplane/internal/notify"
	"github.com/cbrain/controlplane/internal/observability"
	"github.com/cbrain/controlplane/internal/quota"
	"github.com/cbrain/controlplane/internal/resource"
	"github.com/cbrain/controlplane/internal/scheduler"
)

type fakeWorkers struct{ wakes atomic.Int32 }

func (f *fakeWorkers) Wakeup()      { f.wakes.Add(1) }
func (f *fakeWorkers) Running() int { return 1 }

// fakeBourreau answers probes while alive and replies OK to every command
// except "explode".
type fakeBourreau struct {
	alive    atomic.Bool
	mu       sync.Mutex
	received []string
}

func (b *fakeBourreau) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/controls/{keyword}", func(w http.ResponseWriter, r *http.Request) {
		if !b.alive.Load() {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(&models.Info{Name: "bourreau", Type: string(models.ResourceBourreau)})
	})
	mux.HandleFunc("POST /v1/controls", func(w http.ResponseWriter, r *http.Request) {
		var cmd command.RemoteCommand
		json.NewDecoder(r.Body).Decode(&cmd)
		b.mu.Lock()
		b.received = append(b.received, cmd.Command)
		b.mu.Unlock()
		if cmd.Command == "explode" {
			cmd.CommandExecutionStatus = command.StatusFailed
			cmd.ExceptionClass = "RejectedError"
			cmd.ExceptionMessage = "Unknown command explode"
		} else {
			cmd.CommandExecutionStatus = command.StatusOK
		}
		json.NewEncoder(w).Encode(&cmd)
	})
	return mux
}

func (b *fakeBourreau) commands() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.received...)
}

type harness struct {
	t        *testing.T
	db       *db.DB
	alice    *models.User
	admin    *models.User
	portal   *models.RemoteResource
	bourreau *models.RemoteResource
	remote   *fakeBourreau
	workers  *fakeWorkers
	srv      *httptest.Server

	mu  sync.Mutex
	now time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	logger := observability.Discard()

	database, err := db.Open(filepath.Join(t.TempDir(), "cbrain.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, database.Init())

	h := &harness{t: t, db: database, remote: &fakeBourreau{}, workers: &fakeWorkers{},
		now: time.Now().UTC().Truncate(time.Second)}
	h.remote.alive.Store(true)

	h.alice, err = database.UpsertUser(ctx, "alice", "alice-token", false)
	require.NoError(t, err)
	h.admin, err = database.UpsertUser(ctx, "admin", "admin-token", true)
	require.NoError(t, err)

	remoteSrv := httptest.NewServer(h.remote.handler())
	t.Cleanup(remoteSrv.Close)
	u, err := url.Parse(remoteSrv.URL)
	require.NoError(t, err)
	host, port, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	actresPort, _ := strconv.Atoi(port)

	h.portal = &models.RemoteResource{Name: "portal", Type: models.ResourcePortal, Online: true, AuthToken: "portal-token-1"}
	require.NoError(t, database.CreateResource(ctx, h.portal))
	h.bourreau = &models.RemoteResource{Name: "bourreau", Type: models.ResourceBourreau, Online: true,
		AuthToken: "bourreau-token-1", ActresHost: host, ActresPort: actresPort}
	require.NoError(t, database.CreateResource(ctx, h.bourreau))

	env := activity.StoreEnv(database, h.portal, t.TempDir(), logger)
	env.Sleep = func(context.Context, time.Duration) error { return nil }
	env.AdminID = h.admin.ID
	quotas := quota.NewAggregator(database, quota.DefaultTTL)
	env.Quotas = quotas

	processor := command.NewProcessor(h.portal, database, notify.Discard{}, logger)
	client := &command.Client{HTTP: http.DefaultClient, Self: h.portal, Local: processor, Timeout: 5 * time.Second}
	noMaster := func(*models.RemoteResource) resource.Master { return nil }
	manager := resource.NewManager(h.portal, database, client, noMaster, events.Discard{}, logger,
		resource.Options{GraceWindow: time.Minute, Now: h.clock})
	dispatcher := scheduler.New(database, activity.NewRunner(env), h.portal.ID, scheduler.LockToken(), events.Discard{}, logger)

	server := NewServer(Config{
		DB:         database,
		Auth:       auth.NewAuthenticator(database, logger),
		Builder:    activity.NewBuilder(env, database),
		Dispatcher: dispatcher,
		Workers:    h.workers,
		Resources:  manager,
		Quotas:     quotas,
		Processor:  processor,
		Logger:     logger,
	})
	client.Info = server.Info

	h.srv = httptest.NewServer(server.Routes())
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = h.now.Add(d)
}

// do sends an authenticated request and decodes a JSON response into out.
func (h *harness) do(token, method, path string, body, out any) int {
	h.t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(h.t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rd)
	require.NoError(h.t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		require.NoError(h.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (h *harness) path(format string, id int64) string {
	return "/v1/" + format + "/" + strconv.FormatInt(id, 10)
}

func TestWhoami(t *testing.T) {
	h := newHarness(t)

	var u models.User
	assert.Equal(t, http.StatusOK, h.do("alice-token", "GET", "/v1/whoami", nil, &u))
	assert.Equal(t, "alice", u.Login)
	assert.Equal(t, http.StatusUnauthorized, h.do("", "GET", "/v1/whoami", nil, nil))
	assert.Equal(t, http.StatusUnauthorized, h.do("nope", "GET", "/v1/whoami", nil, nil))
}

func TestActivityLifecycle(t *testing.T) {
	h := newHarness(t)
	var act models.BackgroundActivity

	t.Run("create", func(t *testing.T) {
		code := h.do("admin-token", "POST", "/v1/activities", activity.CreateRequest{
			Type:             "RandomActivity",
			UserID:           h.alice.ID,
			RemoteResourceID: h.portal.ID,
			StartNow:         true,
			Items:            []string{"0-ok", "0-fail", "0-ok"},
		}, &act)
		require.Equal(t, http.StatusCreated, code)
		assert.Equal(t, models.StatusScheduled, act.Status)
		assert.Equal(t, h.alice.ID, act.UserID)
		assert.Equal(t, int32(1), h.workers.wakes.Load(), "local workers are woken for new work")
	})

	t.Run("invalid request is rejected", func(t *testing.T) {
		assert.Equal(t, http.StatusUnprocessableEntity, h.do("admin-token", "POST", "/v1/activities",
			activity.CreateRequest{Type: "NoSuchActivity", StartNow: true}, nil))
	})

	t.Run("only admins run activities in the foreground", func(t *testing.T) {
		assert.Equal(t, http.StatusForbidden, h.do("alice-token", "POST", h.path("activities", act.ID)+"/run", nil, nil))
	})

	t.Run("run", func(t *testing.T) {
		var done models.BackgroundActivity
		require.Equal(t, http.StatusOK, h.do("admin-token", "POST", h.path("activities", act.ID)+"/run", nil, &done))
		assert.Equal(t, models.StatusPartiallyCompleted, done.Status)
		assert.Equal(t, 2, done.CountOK)
		assert.Equal(t, 1, done.CountFail)
		assert.Nil(t, done.HandlerLock)
	})

	t.Run("owner sees the result", func(t *testing.T) {
		var got models.BackgroundActivity
		require.Equal(t, http.StatusOK, h.do("alice-token", "GET", h.path("activities", act.ID), nil, &got))
		assert.Equal(t, models.StatusPartiallyCompleted, got.Status)

		var list []models.BackgroundActivity
		require.Equal(t, http.StatusOK, h.do("alice-token", "GET", "/v1/activities?status=PartiallyCompleted", nil, &list))
		require.Len(t, list, 1)
		assert.Equal(t, act.ID, list[0].ID)
	})

	t.Run("finished activity cannot run again", func(t *testing.T) {
		assert.Equal(t, http.StatusConflict, h.do("admin-token", "POST", h.path("activities", act.ID)+"/run", nil, nil))
	})
}

func TestOperationsAreOwnerScoped(t *testing.T) {
	h := newHarness(t)

	create := func(owner *models.User) models.BackgroundActivity {
		var a models.BackgroundActivity
		require.Equal(t, http.StatusCreated, h.do("admin-token", "POST", "/v1/activities", activity.CreateRequest{
			Type: "RandomActivity", UserID: owner.ID, StartNow: true, Items: []string{"0-ok"},
		}, &a))
		return a
	}
	mine, theirs := create(h.alice), create(h.admin)

	var rep OperationResponse
	require.Equal(t, http.StatusOK, h.do("alice-token", "POST", "/v1/activities/operation",
		OperationRequest{Operation: "suspend", IDs: []int64{mine.ID, theirs.ID}}, &rep))
	assert.Equal(t, 2, rep.Requested)
	assert.Equal(t, 1, rep.Affected)
	assert.Equal(t, []int64{mine.ID}, rep.AffectedIDs)
	assert.Equal(t, "1 activities affected by suspend.", rep.Message)

	var got models.BackgroundActivity
	require.Equal(t, http.StatusOK, h.do("admin-token", "GET", h.path("activities", mine.ID), nil, &got))
	assert.Equal(t, models.StatusSuspendedScheduled, got.Status)
	require.Equal(t, http.StatusOK, h.do("admin-token", "GET", h.path("activities", theirs.ID), nil, &got))
	assert.Equal(t, models.StatusScheduled, got.Status)

	assert.Equal(t, http.StatusNotFound, h.do("alice-token", "GET", h.path("activities", theirs.ID), nil, nil))

	require.Equal(t, http.StatusOK, h.do("alice-token", "POST", "/v1/activities/operation",
		OperationRequest{Operation: "cancel", IDs: []int64{mine.ID}}, &rep))
	assert.Equal(t, 1, rep.Affected)
	require.Equal(t, http.StatusOK, h.do("alice-token", "GET", h.path("activities", mine.ID), nil, &got))
	assert.Equal(t, models.StatusCancelledScheduled, got.Status)
	assert.Equal(t, http.StatusConflict, h.do("admin-token", "POST", h.path("activities", mine.ID)+"/run", nil, nil),
		"cancelled activities are never claimed")

	require.Equal(t, http.StatusOK, h.do("alice-token", "POST", "/v1/activities/operation",
		OperationRequest{Operation: "cancel", IDs: []int64{mine.ID}}, &rep))
	assert.Equal(t, "No activities affected.", rep.Message)

	assert.Equal(t, http.StatusBadRequest, h.do("alice-token", "POST", "/v1/activities/operation",
		OperationRequest{Operation: "Cancel", IDs: []int64{mine.ID}}, nil))
}

func TestOnlyAdminsCreateActivities(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	finished := func(owner *models.User) int64 {
		a := &models.BackgroundActivity{Type: "RandomActivity", UserID: owner.ID, RemoteResourceID: h.portal.ID,
			Status: models.StatusCompleted, Items: []string{"0-ok"}}
		require.NoError(t, h.db.CreateActivity(ctx, a))
		_, err := h.db.Exec("UPDATE background_activities SET updated_at = ? WHERE id = ?",
			time.Now().Add(-48*time.Hour).Unix(), a.ID)
		require.NoError(t, err)
		return a.ID
	}
	adminDone, aliceDone := finished(h.admin), finished(h.alice)

	erase := activity.CreateRequest{
		Type:             "EraseBackgroundActivities",
		RemoteResourceID: h.portal.ID,
		StartNow:         true,
		Options:          map[string]string{"days_older": "0"},
	}
	assert.Equal(t, http.StatusForbidden, h.do("alice-token", "POST", "/v1/activities", erase, nil))

	erase.UserID = h.alice.ID
	var act models.BackgroundActivity
	require.Equal(t, http.StatusCreated, h.do("admin-token", "POST", "/v1/activities", erase, &act))
	assert.Equal(t, h.alice.ID, act.UserID)

	var done models.BackgroundActivity
	require.Equal(t, http.StatusOK, h.do("admin-token", "POST", h.path("activities", act.ID)+"/run", nil, &done))
	assert.Equal(t, models.StatusCompleted, done.Status)
	assert.Equal(t, 1, done.CountOK)

	_, err := h.db.GetActivity(ctx, aliceDone)
	assert.ErrorIs(t, err, db.ErrNotFound)
	got, err := h.db.GetActivity(ctx, adminDone)
	require.NoError(t, err, "erasing on behalf of a user leaves other owners' records")
	assert.Equal(t, models.StatusCompleted, got.Status)
}

func TestLivenessDebounce(t *testing.T) {
	h := newHarness(t)
	ping := func() PingResponse {
		t.Helper()
		var p PingResponse
		require.Equal(t, http.StatusOK, h.do("admin-token", "POST", h.path("resources", h.bourreau.ID)+"/ping", nil, &p))
		return p
	}

	p := ping()
	assert.True(t, p.Alive)
	assert.True(t, p.Online)
	assert.Nil(t, p.TimeOfDeath)

	h.remote.alive.Store(false)
	p = ping()
	assert.False(t, p.Alive)
	assert.True(t, p.Online, "a single failed probe does not take the resource offline")
	require.NotNil(t, p.TimeOfDeath)

	h.advance(30 * time.Second)
	p = ping()
	assert.True(t, p.Online, "still inside the grace window")

	h.advance(45 * time.Second)
	p = ping()
	assert.False(t, p.Online)

	h.remote.alive.Store(true)
	p = ping()
	assert.False(t, p.Alive)
	assert.False(t, p.Online, "only an explicit start brings a resource back")

	assert.Equal(t, http.StatusForbidden, h.do("alice-token", "POST", h.path("resources", h.bourreau.ID)+"/ping", nil, nil))
}

func TestLivenessRecovery(t *testing.T) {
	h := newHarness(t)
	h.remote.alive.Store(false)

	var p PingResponse
	require.Equal(t, http.StatusOK, h.do("admin-token", "POST", h.path("resources", h.bourreau.ID)+"/ping", nil, &p))
	require.NotNil(t, p.TimeOfDeath)

	h.remote.alive.Store(true)
	h.advance(10 * time.Second)
	require.Equal(t, http.StatusOK, h.do("admin-token", "POST", h.path("resources", h.bourreau.ID)+"/ping", nil, &p))
	assert.True(t, p.Alive)
	assert.True(t, p.Online)
	assert.Nil(t, p.TimeOfDeath)
}

func TestResourceCommands(t *testing.T) {
	h := newHarness(t)
	base := h.path("resources", h.bourreau.ID)

	var reply command.RemoteCommand
	require.Equal(t, http.StatusOK, h.do("admin-token", "POST", base+"/commands/check_data_providers", map[string]string{}, &reply))
	assert.Equal(t, command.StatusOK, reply.CommandExecutionStatus)
	assert.Equal(t, http.StatusUnprocessableEntity, h.do("admin-token", "POST", base+"/commands/explode", nil, nil))
	assert.Equal(t, []string{command.CheckDataProviders, "explode"}, h.remote.commands())

	var out resource.Outcome
	require.Equal(t, http.StatusOK, h.do("admin-token", "POST", base+"/start", nil, &out))
	assert.False(t, out.OK)
	assert.Contains(t, out.Messages, "Not configured for remote control.")
	require.Equal(t, http.StatusOK, h.do("admin-token", "POST", base+"/stop", nil, &out))
	assert.Contains(t, out.Messages, "Not configured for remote control.")
	stored, err := h.db.GetResource(context.Background(), h.bourreau.ID)
	require.NoError(t, err)
	assert.Equal(t, h.bourreau.Online, stored.Online)

	var info models.Info
	require.Equal(t, http.StatusOK, h.do("admin-token", "POST", base+"/info", nil, &info))
	assert.Equal(t, "bourreau", info.Name)

	var rrs []models.RemoteResource
	require.Equal(t, http.StatusOK, h.do("alice-token", "GET", "/v1/resources?type=Bourreau", nil, &rrs))
	require.Len(t, rrs, 1)
	assert.Equal(t, h.bourreau.ID, rrs[0].ID)
}

func TestNewBourreauActivityWakesRemoteWorkers(t *testing.T) {
	h := newHarness(t)

	require.Equal(t, http.StatusCreated, h.do("admin-token", "POST", "/v1/activities", activity.CreateRequest{
		Type: "RandomActivity", RemoteResourceID: h.bourreau.ID, StartNow: true, Items: []string{"0-ok"},
	}, nil))
	assert.Eventually(t, func() bool {
		cmds := h.remote.commands()
		return len(cmds) == 1 && cmds[0] == command.WakeupWorkers
	}, 5*time.Second, 20*time.Millisecond)
	assert.Zero(t, h.workers.wakes.Load())
}

func TestControlChannel(t *testing.T) {
	h := newHarness(t)

	send := func(name string) command.RemoteCommand {
		t.Helper()
		cmd := command.New(name, nil)
		cmd.SenderToken, cmd.ReceiverToken = h.bourreau.AuthToken, h.portal.AuthToken
		body, err := json.Marshal(cmd)
		require.NoError(t, err)
		req, err := http.NewRequest("POST", h.srv.URL+"/v1/controls", bytes.NewReader(body))
		require.NoError(t, err)
		req.Header.Set(command.TokenHeader, h.bourreau.AuthToken)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var reply command.RemoteCommand
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&reply))
		return reply
	}

	reply := send(command.StartWorkers)
	assert.Equal(t, command.StatusFailed, reply.CommandExecutionStatus)
	assert.Contains(t, reply.ExceptionMessage, "only accepted by a Bourreau")

	reply = send(command.CheckDataProviders)
	assert.Equal(t, command.StatusOK, reply.CommandExecutionStatus)
	assert.Empty(t, reply.Result)

	req, err := http.NewRequest("GET", h.srv.URL+"/v1/controls/ping", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req.Header.Set(command.TokenHeader, h.bourreau.AuthToken)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var info models.Info
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.Equal(t, "portal", info.Name)
	assert.Equal(t, 1, info.NumWorkers)
}

func TestQuotaEndpoints(t *testing.T) {
	h := newHarness(t)
	q := models.CpuQuota{UserID: h.alice.ID, RemoteResourceID: h.bourreau.ID,
		MaxCPUPastWeek: 10, MaxCPUPastMonth: 20, MaxCPUEver: 30}

	assert.Equal(t, http.StatusForbidden, h.do("alice-token", "POST", "/v1/quotas/cpu", q, nil))

	bad := q
	bad.GroupID = 7
	assert.Equal(t, http.StatusUnprocessableEntity, h.do("admin-token", "POST", "/v1/quotas/cpu", bad, nil))

	var saved models.CpuQuota
	require.Equal(t, http.StatusOK, h.do("admin-token", "POST", "/v1/quotas/cpu", q, &saved))
	assert.NotZero(t, saved.ID)

	require.NoError(t, h.db.RecordUsage(context.Background(), models.UsageCPUTime, h.alice.ID, h.bourreau.ID, 0, 40, time.Now()))

	var report []quota.CPUViolation
	require.Equal(t, http.StatusOK, h.do("admin-token", "GET", "/v1/quotas/report?kind=cpu", nil, &report))
	require.Len(t, report, 1)
	assert.Equal(t, h.alice.ID, report[0].UserID)
	assert.Equal(t, quota.WindowWeek, report[0].Window)

	assert.Equal(t, http.StatusBadRequest, h.do("admin-token", "GET", "/v1/quotas/report?kind=gpu", nil, nil))

	dq := models.DiskQuota{DataProviderID: 1, MaxBytes: 100, MaxFiles: 10}
	require.Equal(t, http.StatusOK, h.do("admin-token", "POST", "/v1/quotas/disk", dq, nil))
	var disk []quota.DiskViolation
	require.Equal(t, http.StatusOK, h.do("admin-token", "GET", "/v1/quotas/report?kind=disk", nil, &disk))
	assert.Empty(t, disk)
}
