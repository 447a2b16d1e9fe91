package resource

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cbrain/controlplane/internal/command"
	"github.com/cbrain/controlplane/internal/events"
	"github.com/cbrain/controlplane/internal/models"
	"github.com/cbrain/controlplane/internal/observability"
)

type memStore struct {
	mu        sync.Mutex
	rrs       map[int64]models.RemoteResource
	beforeCAS func(s *memStore)
}

func newMemStore(rrs ...*models.RemoteResource) *memStore {
	s := &memStore{rrs: map[int64]models.RemoteResource{}}
	for _, rr := range rrs {
		s.rrs[rr.ID] = *rr
	}
	return s
}

func (s *memStore) GetResource(_ context.Context, id int64) (*models.RemoteResource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rr, ok := s.rrs[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return &rr, nil
}

func (s *memStore) ListResources(_ context.Context, typ models.ResourceType) ([]*models.RemoteResource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.RemoteResource
	for _, rr := range s.rrs {
		if rr.Type == typ {
			out = append(out, &rr)
		}
	}
	return out, nil
}

func (s *memStore) CompareAndSetLiveness(_ context.Context, id int64, oldOnline bool, oldTOD *time.Time, newOnline bool, newTOD *time.Time) (bool, error) {
	if hook := s.beforeCAS; hook != nil {
		s.beforeCAS = nil
		hook(s)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rr := s.rrs[id]
	cur := LivenessState{Online: rr.Online, TimeOfDeath: rr.TimeOfDeath}
	if !cur.Equal(LivenessState{Online: oldOnline, TimeOfDeath: oldTOD}) {
		return false, nil
	}
	rr.Online, rr.TimeOfDeath = newOnline, newTOD
	s.rrs[id] = rr
	return true, nil
}

func (s *memStore) SetOnline(_ context.Context, id int64, online bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rr := s.rrs[id]
	rr.Online, rr.TimeOfDeath = online, nil
	s.rrs[id] = rr
	return nil
}

func (s *memStore) state(id int64) LivenessState {
	s.mu.Lock()
	defer s.mu.Unlock()
	rr := s.rrs[id]
	return LivenessState{Online: rr.Online, TimeOfDeath: rr.TimeOfDeath}
}

type fakeChannel struct {
	mu    sync.Mutex
	alive map[int64]bool
	fail  map[string]bool
	sent  []string
}

func (c *fakeChannel) setAlive(id int64, alive bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alive[id] = alive
}

func (c *fakeChannel) Probe(_ context.Context, target *models.RemoteResource, _ string) (*models.Info, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.alive[target.ID] {
		return nil, &command.TransportError{Target: target.Name, Op: "ping", Err: errors.New("connection refused")}
	}
	return &models.Info{Name: target.Name, ID: target.ID}, nil
}

func (c *fakeChannel) Send(_ context.Context, target *models.RemoteResource, cmd *command.RemoteCommand) (*command.RemoteCommand, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, cmd.Command)
	if c.fail[cmd.Command] {
		cmd.CommandExecutionStatus = command.StatusFailed
		return cmd, &command.ExecutionError{Target: target.Name, Command: cmd.Command, Class: "RuntimeError", Message: "no"}
	}
	cmd.CommandExecutionStatus = command.StatusOK
	return cmd, nil
}

type fakeMaster struct {
	alive    bool
	startErr error
	output   map[string]string
	runs     []string
	stopped  bool
}

func (m *fakeMaster) Start(context.Context) error {
	if m.startErr != nil {
		return m.startErr
	}
	m.alive = true
	return nil
}

func (m *fakeMaster) IsAlive() bool               { return m.alive }
func (m *fakeMaster) Stop() error                 { m.alive, m.stopped = false, true; return nil }

func (m *fakeMaster) Run(_ context.Context, cmd string) (string, error) {
	m.runs = append(m.runs, cmd)
	for action, out := range m.output {
		if strings.HasSuffix(cmd, action) {
			return out, nil
		}
	}
	return "", errors.New("exit status 1")
}

type recorder struct {
	mu    sync.Mutex
	types []string
}

func (r *recorder) Emit(eventType string, _, _ *int64, _ any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, eventType)
}

type harness struct {
	store   *memStore
	channel *fakeChannel
	master  *fakeMaster
	events  *recorder
	manager *Manager
	now     time.Time
	rr      *models.RemoteResource
}

var portal = &models.RemoteResource{ID: 1, Name: "portal", Type: models.ResourcePortal, Online: true}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		channel: &fakeChannel{alive: map[int64]bool{}, fail: map[string]bool{}},
		master:  &fakeMaster{output: map[string]string{}},
		events:  &recorder{},
		now:     time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC),
		rr: &models.RemoteResource{
			ID: 2, Name: "exec-1", Type: models.ResourceBourreau, Online: true,
			SSHControlUser: "cbrain", SSHControlHost: "exec-1.example.org", SSHControlPort: 22,
			SSHControlDir: "/opt/cbrain", TunnelActresPort: 3000,
		},
	}
	h.store = newMemStore(portal, h.rr)
	h.manager = NewManager(portal, h.store, h.channel, func(*models.RemoteResource) Master { return h.master },
		h.events, observability.Discard(), Options{GraceWindow: time.Minute, Now: func() time.Time { return h.now }})
	return h
}

func (h *harness) probe() bool {
	return h.manager.For(h.rr).IsAlive(context.Background(), command.ProbePing)
}

func TestNextLiveness(t *testing.T) {
	t0 := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)
	grace := time.Minute
	alive := LivenessState{Online: true}
	suspect := LivenessState{Online: true, TimeOfDeath: &t0}
	offline := LivenessState{Online: false, TimeOfDeath: &t0}

	tests := []struct {
		name string
		from LivenessState
		ok   bool
		at   time.Time
		want LivenessState
	}{
		{"alive stays alive", alive, true, t0, alive},
		{"first failure records time of death", alive, false, t0, suspect},
		{"failure within grace keeps suspect", suspect, false, t0.Add(59 * time.Second), suspect},
		{"failure at grace goes offline", suspect, false, t0.Add(time.Minute), offline},
		{"success clears suspicion", suspect, true, t0.Add(30 * time.Second), alive},
		{"offline is sticky on success", offline, true, t0.Add(time.Hour), offline},
		{"offline is sticky on failure", offline, false, t0.Add(time.Hour), offline},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NextLiveness(tt.from, tt.ok, tt.at, grace)
			assert.True(t, tt.want.Equal(got), "got %+v", got)
		})
	}
}

func TestClassify(t *testing.T) {
	now := time.Now()
	assert.Equal(t, Alive, LivenessState{Online: true}.Classify())
	assert.Equal(t, RecentlyDead, LivenessState{Online: true, TimeOfDeath: &now}.Classify())
	assert.Equal(t, Offline, LivenessState{}.Classify())
	assert.Equal(t, "recently_dead", RecentlyDead.String())
}

func TestIsAliveDebouncesFailures(t *testing.T) {
	h := newHarness(t)
	t0 := h.now

	assert.False(t, h.probe())
	st := h.store.state(h.rr.ID)
	assert.True(t, st.Online)
	require.NotNil(t, st.TimeOfDeath)
	assert.True(t, t0.Equal(*st.TimeOfDeath))

	h.now = t0.Add(30 * time.Second)
	assert.False(t, h.probe())
	assert.Equal(t, RecentlyDead, h.store.state(h.rr.ID).Classify())

	h.now = t0.Add(61 * time.Second)
	assert.False(t, h.probe())
	assert.Equal(t, Offline, h.store.state(h.rr.ID).Classify())
	assert.False(t, h.rr.Online)

	// Coming back does not revive an offline resource.
	h.channel.setAlive(h.rr.ID, true)
	assert.False(t, h.probe())
	assert.Equal(t, Offline, h.store.state(h.rr.ID).Classify())

	assert.Equal(t, []string{events.TypeResourceSuspected, events.TypeResourceOffline}, h.events.types)
}

func TestIsAliveRecovers(t *testing.T) {
	h := newHarness(t)
	assert.False(t, h.probe())

	h.channel.setAlive(h.rr.ID, true)
	h.now = h.now.Add(20 * time.Second)
	assert.True(t, h.probe())
	assert.Equal(t, Alive, h.store.state(h.rr.ID).Classify())
	assert.Equal(t, []string{events.TypeResourceSuspected, events.TypeResourceRecovered}, h.events.types)
}

func TestIsAliveRetriesOnLostRace(t *testing.T) {
	h := newHarness(t)
	earlier := h.now.Add(-2 * time.Minute)
	h.store.beforeCAS = func(s *memStore) {
		s.mu.Lock()
		defer s.mu.Unlock()
		rr := s.rrs[h.rr.ID]
		rr.TimeOfDeath = &earlier
		s.rrs[h.rr.ID] = rr
	}

	assert.False(t, h.probe())
	st := h.store.state(h.rr.ID)
	assert.Equal(t, Offline, st.Classify())
	assert.True(t, earlier.Equal(*st.TimeOfDeath))
}

func TestSelfIsAlwaysAlive(t *testing.T) {
	h := newHarness(t)
	assert.True(t, h.manager.For(portal).IsAlive(context.Background(), command.ProbePing))
	assert.Empty(t, h.events.types)
}

func TestStart(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.SetOnline(context.Background(), h.rr.ID, false))
	h.rr.Online = false
	h.master.output["start -p 3000"] = "Starting...\nBourreau Started (pid 4242)"
	h.channel.setAlive(h.rr.ID, true)

	o := h.manager.For(h.rr).Start(context.Background())
	require.True(t, o.OK, o.String())
	assert.Equal(t, "Workers started.", o.Messages[len(o.Messages)-1])
	assert.Contains(t, o.String(), "---Start Of Output---")
	assert.Equal(t, []string{"cd '/opt/cbrain' && script/cbrain_remote_ctl start -p 3000"}, h.master.runs)
	assert.Equal(t, []string{command.StartWorkers}, h.channel.sent)
	assert.Equal(t, Alive, h.store.state(h.rr.ID).Classify())
	assert.Contains(t, h.events.types, events.TypeResourceStarted)
}

func TestStartWithoutBanner(t *testing.T) {
	h := newHarness(t)
	h.master.output["start -p 3000"] = "permission denied"
	h.channel.setAlive(h.rr.ID, true)

	o := h.manager.For(h.rr).Start(context.Background())
	assert.False(t, o.OK)
	assert.Contains(t, o.String(), "did not report a successful start")
	assert.Empty(t, h.channel.sent)
}

func TestStartAndStopNeedABourreau(t *testing.T) {
	h := newHarness(t)
	o := h.manager.For(portal).Start(context.Background())
	assert.False(t, o.OK)
	assert.Equal(t, []string{"Only Bourreaux can be started remotely."}, o.Messages)

	bare := &models.RemoteResource{ID: 3, Name: "bare", Type: models.ResourceBourreau, Online: true}
	h.store.rrs[bare.ID] = *bare
	o = h.manager.For(bare).Stop(context.Background())
	assert.Equal(t, []string{"Not configured for remote control."}, o.Messages)
	o = h.manager.For(bare).Start(context.Background())
	assert.Equal(t, []string{"Not configured for remote control."}, o.Messages)
	assert.True(t, h.store.rrs[bare.ID].Online)
	assert.Empty(t, h.master.runs)
}

func TestStop(t *testing.T) {
	h := newHarness(t)
	h.master.output["stop"] = "Bourreau Stopped"

	o := h.manager.For(h.rr).Stop(context.Background())
	require.True(t, o.OK, o.String())
	assert.Equal(t, []string{command.StopWorkers}, h.channel.sent)
	assert.Equal(t, Offline, h.store.state(h.rr.ID).Classify())
	assert.True(t, h.master.stopped)
	assert.Contains(t, h.events.types, events.TypeResourceStopped)
}

func TestStopEndsOfflineWhenSSHFails(t *testing.T) {
	h := newHarness(t)
	h.rr.Online = false
	h.store.rrs[h.rr.ID] = *h.rr
	h.master.startErr = errors.New("connection refused")

	o := h.manager.For(h.rr).Stop(context.Background())
	assert.False(t, o.OK)
	assert.Contains(t, o.String(), "Could not start the SSH master connection.")
	assert.False(t, h.store.rrs[h.rr.ID].Online)
	assert.Empty(t, h.master.runs)
}

func TestSendCommandRecordsFailures(t *testing.T) {
	h := newHarness(t)
	h.channel.fail[command.CleanCache] = true

	reply, err := h.manager.For(h.rr).SendCleanCache(context.Background(), []int64{1}, time.Time{}, time.Time{})
	var execErr *command.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, command.StatusFailed, reply.CommandExecutionStatus)
	assert.Equal(t, []string{events.TypeCommandFailed}, h.events.types)
	assert.True(t, h.master.alive)
}

func TestMonitorProbesOnlineBourreaux(t *testing.T) {
	h := newHarness(t)
	down := &models.RemoteResource{ID: 4, Name: "exec-2", Type: models.ResourceBourreau, Online: true}
	off := &models.RemoteResource{ID: 5, Name: "exec-3", Type: models.ResourceBourreau}
	h.store.rrs[down.ID] = *down
	h.store.rrs[off.ID] = *off
	h.channel.setAlive(h.rr.ID, true)
	h.channel.setAlive(off.ID, true)

	alive, err := NewMonitor(h.manager, h.store, observability.Discard()).ProbeAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, alive)
	assert.Equal(t, RecentlyDead, h.store.state(down.ID).Classify())
	assert.Equal(t, Offline, h.store.state(off.ID).Classify())
}
