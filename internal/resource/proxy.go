// Package resource controls remote BrainPortal and Bourreau processes: start,
// stop, liveness probing and command sending.
package resource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/cbrain/controlplane/internal/command"
	"github.com/cbrain/controlplane/internal/events"
	"github.com/cbrain/controlplane/internal/models"
	"github.com/cbrain/controlplane/internal/observability"
	"github.com/cbrain/controlplane/internal/sshctl"
)

var (
	startedRE = regexp.MustCompile(`(?i)Bourreau Started`)
	stoppedRE = regexp.MustCompile(`(?i)Bourreau Stopped`)
)

const defaultCtl = "script/cbrain_remote_ctl"

type Store interface {
	GetResource(ctx context.Context, id int64) (*models.RemoteResource, error)
	CompareAndSetLiveness(ctx context.Context, id int64, oldOnline bool, oldTOD *time.Time, newOnline bool, newTOD *time.Time) (bool, error)
	SetOnline(ctx context.Context, id int64, online bool) error
}

type Channel interface {
	Send(ctx context.Context, target *models.RemoteResource, cmd *command.RemoteCommand) (*command.RemoteCommand, error)
	Probe(ctx context.Context, target *models.RemoteResource, mode string) (*models.Info, error)
}

// Master is the SSH connection to a resource's host.
type Master interface {
	Start(ctx context.Context) error
	IsAlive() bool
	Stop() error
	Run(ctx context.Context, command string) (string, error)
}

// MasterSource finds or creates the SSH master for a resource.
type MasterSource func(rr *models.RemoteResource) Master

// PoolSource adapts an sshctl.Pool, configuring the forward to the resource's
// control port.
func PoolSource(pool *sshctl.Pool, base sshctl.Config) MasterSource {
	return func(rr *models.RemoteResource) Master {
		cfg := base
		cfg.User, cfg.Host, cfg.Port = rr.SSHControlUser, rr.SSHControlHost, rr.SSHControlPort
		cfg.Forwards = nil
		if rr.TunnelActresPort > 0 {
			cfg.Forwards = []sshctl.Forward{{
				LocalPort:  command.TunnelLocalPort(rr),
				RemoteHost: "127.0.0.1",
				RemotePort: rr.TunnelActresPort,
			}}
		}
		return pool.FindOrCreate(rr.ID, cfg)
	}
}

type Options struct {
	// GraceWindow is how long a resource may fail probes before going offline.
	GraceWindow time.Duration
	// StartGrace is the pause between launching a remote process and probing it.
	StartGrace time.Duration
	Now        func() time.Time
}

type Manager struct {
	self    *models.RemoteResource
	store   Store
	channel Channel
	masters MasterSource
	events  events.Emitter
	logger  *slog.Logger
	opts    Options
}

func NewManager(self *models.RemoteResource, store Store, channel Channel, masters MasterSource, em events.Emitter, logger *slog.Logger, opts Options) *Manager {
	if opts.GraceWindow == 0 {
		opts.GraceWindow = time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if em == nil {
		em = events.Discard{}
	}
	return &Manager{self: self, store: store, channel: channel, masters: masters, events: em, logger: logger, opts: opts}
}

// For returns a proxy for rr. Proxies are cheap; state lives in the store.
func (m *Manager) For(rr *models.RemoteResource) *Proxy {
	return &Proxy{m: m, rr: rr, logger: m.logger.With("resource", rr.Name)}
}

// Outcome is the result of a start or stop, with the diagnostic trail.
type Outcome struct {
	OK       bool     `json:"ok"`
	Messages []string `json:"messages"`
}

func (o *Outcome) add(format string, args ...any) {
	o.Messages = append(o.Messages, fmt.Sprintf(format, args...))
}

func (o Outcome) String() string { return strings.Join(o.Messages, "\n") }

type Proxy struct {
	m      *Manager
	rr     *models.RemoteResource
	logger *slog.Logger
}

func (p *Proxy) Resource() *models.RemoteResource { return p.rr }

func (p *Proxy) ctlCommand(action string) string {
	ctl := p.rr.SSHControlCtl
	if ctl == "" {
		ctl = defaultCtl
	}
	cmd := fmt.Sprintf("cd %s && %s %s", shellQuote(p.rr.SSHControlDir), ctl, action)
	if action == "start" && p.rr.TunnelActresPort > 0 {
		cmd += fmt.Sprintf(" -p %d", p.rr.TunnelActresPort)
	}
	return cmd
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func capturedOutput(out string) string {
	return "Output:\n---Start Of Output---\n" + out + "\n---End Of Output---"
}

// Start launches the remote process through its control script and starts its
// workers. It succeeds only if the process answers a probe afterwards.
func (p *Proxy) Start(ctx context.Context) Outcome {
	var o Outcome
	rr := p.rr
	if !rr.IsBourreau() {
		o.add("Only Bourreaux can be started remotely.")
		return o
	}
	if !rr.HasRemoteControlInfo() {
		o.add("Not configured for remote control.")
		return o
	}

	if err := p.m.store.SetOnline(ctx, rr.ID, true); err != nil {
		o.add("Could not mark %s online: %v", rr.Name, err)
		return o
	}
	rr.Online, rr.TimeOfDeath = true, nil

	master := p.m.masters(rr)
	if err := master.Start(ctx); err != nil || !master.IsAlive() {
		o.add("Could not start the SSH master connection.")
		if err != nil {
			o.add("%v", err)
		}
		return o
	}
	o.add("SSH master connection started.")

	out, err := master.Run(ctx, p.ctlCommand("start"))
	o.add("%s", capturedOutput(out))
	if err != nil || !startedRE.MatchString(out) {
		o.add("Remote control script did not report a successful start.")
		if err != nil {
			o.add("%v", err)
		}
		return o
	}

	if p.m.opts.StartGrace > 0 {
		select {
		case <-time.After(p.m.opts.StartGrace):
		case <-ctx.Done():
			o.add("Interrupted while waiting for %s to come up.", rr.Name)
			return o
		}
	}
	if !p.IsAlive(ctx, command.ProbePing) {
		o.add("%s was launched but does not answer.", rr.Name)
		return o
	}
	o.add("%s is alive.", rr.Name)
	o.OK = true
	p.m.events.Emit(events.TypeResourceStarted, nil, events.ID(rr.ID), nil)

	if _, err := p.SendCommand(ctx, command.NewStartWorkers()); err != nil {
		o.add("Could not start workers: %v", err)
	} else {
		o.add("Workers started.")
	}
	return o
}

// Stop asks workers to stop, shuts the remote process down and closes the SSH
// master. The outcome reflects the shutdown itself.
func (p *Proxy) Stop(ctx context.Context) Outcome {
	var o Outcome
	rr := p.rr
	if !rr.IsBourreau() {
		o.add("Only Bourreaux can be stopped remotely.")
		return o
	}
	if !rr.HasRemoteControlInfo() {
		o.add("Not configured for remote control.")
		return o
	}

	if rr.Online {
		if _, err := p.SendCommand(ctx, command.NewStopWorkers()); err != nil {
			p.logger.Warn("stop_workers failed before shutdown", "err", err)
			o.add("Could not stop workers: %v", err)
		} else {
			o.add("Workers stopped.")
		}
	}

	// the control script is reached through the same tunnels, which need online
	if err := p.m.store.SetOnline(ctx, rr.ID, true); err != nil {
		o.add("Could not mark %s online: %v", rr.Name, err)
		return o
	}

	markOffline := func() {
		if err := p.m.store.SetOnline(ctx, rr.ID, false); err != nil {
			o.add("Could not mark %s offline: %v", rr.Name, err)
		}
		rr.Online, rr.TimeOfDeath = false, nil
	}

	master := p.m.masters(rr)
	if err := master.Start(ctx); err != nil {
		o.add("Could not start the SSH master connection.")
		o.add("%v", err)
		markOffline()
		return o
	}

	out, err := master.Run(ctx, p.ctlCommand("stop"))
	o.add("%s", capturedOutput(out))
	o.OK = err == nil && stoppedRE.MatchString(out)
	if !o.OK {
		o.add("Remote control script did not report a successful stop.")
	}
	markOffline()

	if err := master.Stop(); err != nil {
		o.add("SSH master did not stop cleanly: %v", err)
	} else {
		o.add("SSH master stopped.")
	}
	if o.OK {
		p.m.events.Emit(events.TypeResourceStopped, nil, events.ID(rr.ID), nil)
	}
	return o
}

// ensureTunnels brings the SSH master up for resources reached through it.
func (p *Proxy) ensureTunnels(ctx context.Context) error {
	if p.rr.ID == p.m.self.ID || !p.rr.HasSSHControlInfo() || p.rr.TunnelActresPort == 0 {
		return nil
	}
	master := p.m.masters(p.rr)
	if master.IsAlive() {
		return nil
	}
	if err := master.Start(ctx); err != nil {
		return &command.TransportError{Target: p.rr.Name, Op: "ssh", Err: err}
	}
	return nil
}

// IsAlive probes the resource and updates its liveness state. It never fails:
// every problem reads as not alive.
func (p *Proxy) IsAlive(ctx context.Context, mode string) bool {
	if p.rr.ID == p.m.self.ID {
		return true
	}
	name := p.rr.Name

	fresh, err := p.m.store.GetResource(ctx, p.rr.ID)
	if err != nil {
		p.logger.Warn("liveness: reloading resource", "err", err)
		return false
	}
	if !fresh.Online {
		observability.LivenessProbes.WithLabelValues(name, "skipped").Inc()
		observability.ResourceOnline.WithLabelValues(name).Set(0)
		*p.rr = *fresh
		return false
	}

	probeOK := false
	if err := p.ensureTunnels(ctx); err == nil {
		_, perr := p.m.channel.Probe(ctx, fresh, mode)
		probeOK = perr == nil
		if perr != nil {
			p.logger.Debug("liveness probe failed", "err", perr)
		}
	}
	if probeOK {
		observability.LivenessProbes.WithLabelValues(name, "alive").Inc()
	} else {
		observability.LivenessProbes.WithLabelValues(name, "dead").Inc()
	}

	for attempt := 0; attempt < 3; attempt++ {
		cur := LivenessState{Online: fresh.Online, TimeOfDeath: fresh.TimeOfDeath}
		next := NextLiveness(cur, probeOK, p.m.opts.Now(), p.m.opts.GraceWindow)
		if next.Equal(cur) {
			break
		}
		swapped, err := p.m.store.CompareAndSetLiveness(ctx, fresh.ID, cur.Online, cur.TimeOfDeath, next.Online, next.TimeOfDeath)
		if err != nil {
			p.logger.Warn("liveness: saving state", "err", err)
			break
		}
		if swapped {
			p.emitTransition(cur, next)
			fresh.Online, fresh.TimeOfDeath = next.Online, next.TimeOfDeath
			break
		}
		// someone else updated it; apply the probe to their state
		if fresh, err = p.m.store.GetResource(ctx, p.rr.ID); err != nil {
			return false
		}
	}

	*p.rr = *fresh
	if fresh.Online {
		observability.ResourceOnline.WithLabelValues(name).Set(1)
	} else {
		observability.ResourceOnline.WithLabelValues(name).Set(0)
	}
	return probeOK && fresh.Online
}

func (p *Proxy) emitTransition(from, to LivenessState) {
	id := events.ID(p.rr.ID)
	switch {
	case from.Classify() == Alive && to.Classify() == RecentlyDead:
		p.logger.Warn("resource stopped answering")
		p.m.events.Emit(events.TypeResourceSuspected, nil, id, nil)
	case to.Classify() == Offline:
		p.logger.Error("resource marked offline")
		p.m.events.Emit(events.TypeResourceOffline, nil, id, nil)
	case from.Classify() == RecentlyDead && to.Classify() == Alive:
		p.logger.Info("resource answering again")
		p.m.events.Emit(events.TypeResourceRecovered, nil, id, nil)
	}
}

// Info returns the resource's self-report, or nil when it cannot be reached.
func (p *Proxy) Info(ctx context.Context, mode string) (*models.Info, error) {
	if err := p.ensureTunnels(ctx); err != nil {
		return nil, err
	}
	return p.m.channel.Probe(ctx, p.rr, mode)
}

// SendCommand delivers cmd through the channel, bringing tunnels up first.
func (p *Proxy) SendCommand(ctx context.Context, cmd *command.RemoteCommand) (*command.RemoteCommand, error) {
	if err := p.ensureTunnels(ctx); err != nil {
		return nil, err
	}
	reply, err := p.m.channel.Send(ctx, p.rr, cmd)
	var execErr *command.ExecutionError
	if errors.As(err, &execErr) {
		p.m.events.Emit(events.TypeCommandFailed, nil, events.ID(p.rr.ID), map[string]string{
			"command": cmd.Command, "class": execErr.Class, "message": execErr.Message,
		})
	}
	return reply, err
}

func (p *Proxy) SendCleanCache(ctx context.Context, userIDs []int64, olderThan, youngerThan time.Time) (*command.RemoteCommand, error) {
	return p.SendCommand(ctx, command.NewCleanCache(userIDs, olderThan, youngerThan))
}

func (p *Proxy) SendCheckDataProviders(ctx context.Context, ids []int64) (*command.RemoteCommand, error) {
	return p.SendCommand(ctx, command.NewCheckDataProviders(ids))
}

func (p *Proxy) SendStartWorkers(ctx context.Context) (*command.RemoteCommand, error) {
	return p.SendCommand(ctx, command.NewStartWorkers())
}

func (p *Proxy) SendStopWorkers(ctx context.Context) (*command.RemoteCommand, error) {
	return p.SendCommand(ctx, command.NewStopWorkers())
}

func (p *Proxy) SendWakeupWorkers(ctx context.Context) (*command.RemoteCommand, error) {
	return p.SendCommand(ctx, command.NewWakeupWorkers())
}
