package sshctl

import (
	"log/slog"
	"sync"
)

// Pool hands out one Master per key, creating it on first use.
type Pool struct {
	mu      sync.Mutex
	masters map[int64]*Master
	logger  *slog.Logger
}

func NewPool(logger *slog.Logger) *Pool {
	return &Pool{masters: make(map[int64]*Master), logger: logger}
}

// FindOrCreate returns the master registered under key. cfg is only used the
// first time; later calls with a different cfg get the existing master.
func (p *Pool) FindOrCreate(key int64, cfg Config) *Master {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.masters[key]; ok {
		return m
	}
	m := NewMaster(cfg, p.logger)
	p.masters[key] = m
	return m
}

// StopAll closes every master, for process shutdown.
func (p *Pool) StopAll() {
	p.mu.Lock()
	masters := make([]*Master, 0, len(p.masters))
	for _, m := range p.masters {
		masters = append(masters, m)
	}
	p.mu.Unlock()

	for _, m := range masters {
		m.Stop()
	}
}
