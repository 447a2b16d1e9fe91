package command

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cbrain/controlplane/internal/models"
	"github.com/cbrain/controlplane/internal/notify"
	"github.com/cbrain/controlplane/internal/observability"
)

type fakeStore struct {
	resources map[string]*models.RemoteResource
}

func (s *fakeStore) GetResourceByToken(_ context.Context, token string) (*models.RemoteResource, error) {
	if rr, ok := s.resources[token]; ok {
		return rr, nil
	}
	return nil, errors.New("not found")
}

func (s *fakeStore) AdminUser(context.Context) (*models.User, error) {
	return &models.User{ID: 99, Login: "admin", IsAdmin: true}, nil
}

type notes struct {
	sent []notify.Notification
}

func (n *notes) Notify(_ context.Context, m notify.Notification) error {
	n.sent = append(n.sent, m)
	return nil
}

var (
	portal   = &models.RemoteResource{ID: 1, Name: "portal", Type: models.ResourcePortal, AuthToken: "portal-token"}
	bourreau = &models.RemoteResource{ID: 2, Name: "bourreau", Type: models.ResourceBourreau, AuthToken: "bourreau-token"}
)

func newProcessor(n notify.Notifier) *Processor {
	store := &fakeStore{resources: map[string]*models.RemoteResource{
		portal.AuthToken:   portal,
		bourreau.AuthToken: bourreau,
	}}
	p := NewProcessor(bourreau, store, n, observability.Discard())
	p.Register("echo", func(_ context.Context, cmd *RemoteCommand) error {
		cmd.Result = map[string]string{"echo": cmd.Payload["say"]}
		return nil
	})
	p.Register("explode", func(context.Context, *RemoteCommand) error {
		panic("kaboom")
	})
	p.Register("refuse", func(context.Context, *RemoteCommand) error {
		return &RejectedError{Reason: "not today"}
	})
	return p
}

func addressed(name string, payload map[string]string) *RemoteCommand {
	cmd := New(name, payload)
	cmd.SenderToken = portal.AuthToken
	cmd.ReceiverToken = bourreau.AuthToken
	return cmd
}

func TestProcessSuccess(t *testing.T) {
	p := newProcessor(&notes{})
	cmd := addressed("echo", map[string]string{"say": "hi"})
	require.True(t, p.Process(context.Background(), cmd))
	assert.Equal(t, StatusOK, cmd.CommandExecutionStatus)
	assert.Equal(t, "hi", cmd.Result["echo"])
}

func TestProcessRejectsBadTokens(t *testing.T) {
	n := &notes{}
	p := newProcessor(n)

	cmd := addressed("echo", nil)
	cmd.ReceiverToken = "someone-else"
	assert.False(t, p.Process(context.Background(), cmd))
	assert.Equal(t, StatusFailed, cmd.CommandExecutionStatus)
	assert.Equal(t, "command.RejectedError", cmd.ExceptionClass)

	cmd = addressed("echo", nil)
	cmd.SenderToken = "stranger"
	assert.False(t, p.Process(context.Background(), cmd))
	assert.Contains(t, cmd.ExceptionMessage, "sender token")

	require.Len(t, n.sent, 2)
	assert.Equal(t, int64(99), n.sent[0].UserID)
}

func TestProcessUnknownCommand(t *testing.T) {
	p := newProcessor(&notes{})
	cmd := addressed("reboot", nil)
	assert.False(t, p.Process(context.Background(), cmd))
	assert.Equal(t, "Unknown command reboot", cmd.ExceptionMessage)
}

func TestProcessRecoversPanics(t *testing.T) {
	n := &notes{}
	p := newProcessor(n)
	cmd := addressed("explode", nil)
	assert.False(t, p.Process(context.Background(), cmd))
	assert.Equal(t, "panic", cmd.ExceptionClass)
	assert.Equal(t, "kaboom", cmd.ExceptionMessage)
	assert.NotEmpty(t, cmd.Backtrace)
	require.Len(t, n.sent, 1)
	assert.Contains(t, n.sent[0].Header, "could not process command explode")
}

func TestIDsAndTimes(t *testing.T) {
	ids, err := ParseIDs(" 3, 4,,5 ")
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 4, 5}, ids)
	assert.Equal(t, "3,4,5", JoinIDs(ids))
	_, err = ParseIDs("3,x")
	assert.Error(t, err)

	older := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	cmd := NewCleanCache([]int64{7}, older, time.Time{})
	got, err := cmd.Time("before_date")
	require.NoError(t, err)
	assert.True(t, older.Equal(got))
	_, hasAfter := cmd.Payload["after_date"]
	assert.False(t, hasAfter)

	assert.NotEqual(t, NextID(), NextID())
}

// bourreauSite serves the receiving end of the channel for p.
func bourreauSite(t *testing.T, p *Processor) (*models.RemoteResource, *httptest.Server) {
	t.Helper()
	mux := http.NewServeMux()
	mux.Handle("POST /v1/controls", ReceiveHandler(p))
	mux.Handle("GET /v1/controls/{keyword}", ProbeHandler(func(mode string) *models.Info {
		return &models.Info{Name: bourreau.Name, ID: bourreau.ID}
	}))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	target := *bourreau
	target.ActresHost, target.ActresPort = u.Hostname(), port
	return &target, srv
}

func TestClientSendOverHTTP(t *testing.T) {
	target, _ := bourreauSite(t, newProcessor(&notes{}))
	c := &Client{Self: portal, Timeout: 5 * time.Second}

	reply, err := c.Send(context.Background(), target, New("echo", map[string]string{"say": "hello"}))
	require.NoError(t, err)
	assert.Equal(t, "hello", reply.Result["echo"])

	reply, err = c.Send(context.Background(), target, New("refuse", nil))
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "not today", execErr.Message)
	require.NotNil(t, reply)
	assert.Equal(t, StatusFailed, reply.CommandExecutionStatus)
}

func TestClientProbe(t *testing.T) {
	target, _ := bourreauSite(t, newProcessor(&notes{}))
	c := &Client{Self: portal, Timeout: 5 * time.Second}

	info, err := c.Probe(context.Background(), target, ProbeInfo)
	require.NoError(t, err)
	assert.Equal(t, "bourreau", info.Name)
	assert.Equal(t, bourreau.ID, info.ID)
}

func TestClientTransportErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	u, _ := url.Parse(srv.URL)
	port, _ := strconv.Atoi(u.Port())
	target := *bourreau
	target.ActresHost, target.ActresPort = u.Hostname(), port

	c := &Client{Self: portal, Timeout: 5 * time.Second}
	_, err := c.Send(context.Background(), &target, New("echo", nil))
	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.Contains(t, err.Error(), "503")

	_, err = c.Probe(context.Background(), &target, ProbePing)
	require.ErrorAs(t, err, &terr)

	_, err = c.Probe(context.Background(), &models.RemoteResource{ID: 5, Name: "nowhere"}, ProbePing)
	require.ErrorAs(t, err, &terr)
}

func TestClientShortCircuitsSelf(t *testing.T) {
	p := newProcessor(&notes{})
	c := &Client{Self: bourreau, Local: p, Info: func(string) *models.Info {
		return &models.Info{Name: "me"}
	}}

	reply, err := c.Send(context.Background(), bourreau, New("echo", map[string]string{"say": "self"}))
	require.NoError(t, err)
	assert.Equal(t, "self", reply.Result["echo"])

	info, err := c.Probe(context.Background(), bourreau, ProbePing)
	require.NoError(t, err)
	assert.Equal(t, "me", info.Name)
}

func TestSiteURL(t *testing.T) {
	u, err := SiteURL(&models.RemoteResource{ID: 4, TunnelActresPort: 3000})
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:3094", u)

	u, err = SiteURL(&models.RemoteResource{ActresHost: "exec.example.org", ActresPort: 4000})
	require.NoError(t, err)
	assert.Equal(t, "http://exec.example.org:4000", u)
}
