package scheduler

import (
	"context"
	"errors"

	"proxy-allocator/pkg/models"
	"proxy-allocator/pkg/proxy"
	"proxy-allocator/pkg/region"
)

// Pool schedules over the whole catalog as one flat list.
type Pool struct {
	*engine
	pool *region.Region
}

func newPool(e *engine, catalog []models.ProxyDescriptor) *Pool {
	e.members = catalog
	return &Pool{
		engine: e,
		pool:   region.New("", 1, catalog),
	}
}

func (p *Pool) Next(ctx context.Context) (*models.Allocation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for retried := false; ; retried = true {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var ip string
		d, err := p.selector.Select(ctx, p.pool, p.ledger.CanUse, p.attempt(&ip))
		if err == nil {
			p.pool.CountAllocation()
			return p.allocate(d, ip, ""), nil
		}
		if !errors.Is(err, proxy.ErrNoCandidate) {
			return nil, err
		}

		p.pool.CountCycle()
		if retried || !p.rotateLocked(ctx, p.members, "pool") {
			p.logger.Info("pool exhausted",
				"allocations", p.total,
				"cycles", p.cycles)
			return nil, ErrExhausted
		}
	}
}

func (p *Pool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
	p.pool.Reset()
}

func (p *Pool) Stats() models.Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked()
}
