package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cbrain/controlplane/internal/observability"
)

// WorkerPool runs a number of dispatcher loops over the same Dispatcher.
// Claims are atomic in the database, so workers never run the same activity.
type WorkerPool struct {
	d            *Dispatcher
	interval     time.Duration
	crashedAfter time.Duration
	logger       *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wakes  []chan struct{}
	wg     sync.WaitGroup
}

func NewWorkerPool(d *Dispatcher, interval, crashedAfter time.Duration, logger *slog.Logger) *WorkerPool {
	return &WorkerPool{d: d, interval: interval, crashedAfter: crashedAfter, logger: logger}
}

// Start replaces the running workers with n new ones. Crashed activities are
// swept first.
func (p *WorkerPool) Start(ctx context.Context, n int) {
	p.Stop()

	if p.crashedAfter > 0 {
		p.d.CancelCrashed(ctx, p.crashedAfter)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	wctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.wakes = make([]chan struct{}, n)
	for i := range n {
		wake := make(chan struct{}, 1)
		p.wakes[i] = wake
		p.wg.Add(1)
		observability.DispatchersRunning.Inc()
		go func() {
			defer p.wg.Done()
			defer observability.DispatchersRunning.Dec()
			p.d.Run(wctx, p.interval, wake)
		}()
	}
	p.logger.Info("workers started", "count", n, "owner", p.d.Owner())
}

// Stop cancels the workers and waits for them. An activity interrupted
// between items is left InProgress and unlocked.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	n := len(p.wakes)
	p.cancel, p.wakes = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	p.wg.Wait()
	p.logger.Info("workers stopped", "count", n)
}

// Wakeup makes idle workers poll now instead of at their next tick.
func (p *WorkerPool) Wakeup() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.wakes {
		select {
		case w <- struct{}{}:
		default:
		}
	}
}

func (p *WorkerPool) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.wakes)
}
