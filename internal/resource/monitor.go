package resource

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cbrain/controlplane/internal/command"
	"github.com/cbrain/controlplane/internal/models"
)

type ResourceLister interface {
	ListResources(ctx context.Context, typ models.ResourceType) ([]*models.RemoteResource, error)
}

// Monitor periodically probes every online Bourreau so that dead ones go
// offline even when nobody is talking to them.
type Monitor struct {
	manager     *Manager
	lister      ResourceLister
	logger      *slog.Logger
	concurrency int
}

func NewMonitor(manager *Manager, lister ResourceLister, logger *slog.Logger) *Monitor {
	return &Monitor{manager: manager, lister: lister, logger: logger, concurrency: 8}
}

func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info("liveness monitor started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			alive, err := m.ProbeAll(ctx)
			if err != nil {
				m.logger.Error("liveness sweep", "err", err)
				continue
			}
			m.logger.Debug("liveness sweep done", "alive", alive)
		}
	}
}

// ProbeAll probes all online Bourreaux in parallel and returns how many answered.
func (m *Monitor) ProbeAll(ctx context.Context) (int, error) {
	rrs, err := m.lister.ListResources(ctx, models.ResourceBourreau)
	if err != nil {
		return 0, err
	}

	results := make([]bool, len(rrs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for i, rr := range rrs {
		if !rr.Online {
			continue
		}
		g.Go(func() error {
			results[i] = m.manager.For(rr).IsAlive(gctx, command.ProbePing)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	alive := 0
	for _, ok := range results {
		if ok {
			alive++
		}
	}
	return alive, nil
}
