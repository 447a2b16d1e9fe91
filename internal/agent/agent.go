// Package agent is the Bourreau side of the control plane: it answers
// probes, processes control commands, and owns the activity workers.
package agent

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cbrain/controlplane/internal/activity"
	"github.com/cbrain/controlplane/internal/auth"
	"github.com/cbrain/controlplane/internal/command"
	"github.com/cbrain/controlplane/internal/models"
)

// Workers is the part of the worker pool the agent drives.
type Workers interface {
	Start(ctx context.Context, n int)
	Stop()
	Wakeup()
	Running() int
}

type Store interface {
	GetDataProvider(ctx context.Context, id int64) (*models.DataProvider, error)
	DataProviderIDs(ctx context.Context) ([]int64, error)
	AdminUser(ctx context.Context) (*models.User, error)
}

type Agent struct {
	self      *models.RemoteResource
	processor *command.Processor
	workers   Workers
	builder   *activity.Builder
	store     Store
	auth      *auth.Authenticator
	logger    *slog.Logger

	numWorkers int
	version    string
	started    time.Time
}

type Options struct {
	NumWorkers int
	Version    string
}

func NewAgent(self *models.RemoteResource, processor *command.Processor, workers Workers, builder *activity.Builder,
	store Store, authn *auth.Authenticator, opts Options, logger *slog.Logger) *Agent {
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 1
	}
	a := &Agent{
		self:       self,
		processor:  processor,
		workers:    workers,
		builder:    builder,
		store:      store,
		auth:       authn,
		logger:     logger,
		numWorkers: opts.NumWorkers,
		version:    opts.Version,
		started:    time.Now(),
	}
	processor.Register(command.StartWorkers, a.handleStartWorkers)
	processor.Register(command.StopWorkers, a.handleStopWorkers)
	processor.Register(command.WakeupWorkers, a.handleWakeupWorkers)
	RegisterCommon(processor, self, builder, store, workers.Wakeup)
	return a
}

func (a *Agent) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /v1/controls", a.auth.ResourceMiddleware(command.ReceiveHandler(a.processor)))
	mux.Handle("GET /v1/controls/{keyword}", a.auth.ResourceMiddleware(command.ProbeHandler(a.Info)))
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// Info describes this Bourreau. The info mode adds host metrics.
func (a *Agent) Info(mode string) *models.Info {
	host, _ := os.Hostname()
	info := &models.Info{
		Name:       a.self.Name,
		ID:         a.self.ID,
		Type:       string(a.self.Type),
		Hostname:   host,
		PID:        os.Getpid(),
		Uptime:     int64(time.Since(a.started).Seconds()),
		Version:    a.version,
		NumWorkers: a.workers.Running(),
	}
	if mode == command.ProbeInfo {
		FillHostMetrics(info)
	}
	return info
}

func (a *Agent) handleStartWorkers(ctx context.Context, cmd *command.RemoteCommand) error {
	n, err := cmd.Int("count", a.numWorkers)
	if err != nil {
		return err
	}
	// workers outlive the request that started them
	a.workers.Start(context.WithoutCancel(ctx), n)
	cmd.Result = map[string]string{"workers": strconv.Itoa(a.workers.Running())}
	return nil
}

func (a *Agent) handleStopWorkers(_ context.Context, cmd *command.RemoteCommand) error {
	a.workers.Stop()
	cmd.Result = map[string]string{"workers": "0"}
	return nil
}

func (a *Agent) handleWakeupWorkers(_ context.Context, _ *command.RemoteCommand) error {
	a.workers.Wakeup()
	return nil
}

