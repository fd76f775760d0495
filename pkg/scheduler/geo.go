package scheduler

import (
	"context"
	"errors"

	"proxy-allocator/pkg/models"
	"proxy-allocator/pkg/proxy"
	"proxy-allocator/pkg/region"
)

// Geo spreads allocations across regions by weighted deficit: the region
// furthest behind its target share supplies the next proxy.
type Geo struct {
	*engine
	regions []*region.Region
}

func newGeo(e *engine, regions []*region.Region) *Geo {
	for _, r := range regions {
		e.members = append(e.members, r.Members...)
	}
	return &Geo{engine: e, regions: regions}
}

func (g *Geo) Next(ctx context.Context) (*models.Allocation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for retried := false; ; retried = true {
		unavailable := make(map[string]bool)
		regionRetried := make(map[string]bool)

		for {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			r := g.selectRegion(unavailable)
			if r == nil {
				break
			}

			var ip string
			d, err := g.selector.Select(ctx, r, g.ledger.CanUse, g.attempt(&ip))
			if err == nil {
				r.CountAllocation()
				return g.allocate(d, ip, r.Name), nil
			}
			if !errors.Is(err, proxy.ErrNoCandidate) {
				return nil, err
			}

			cycle := r.CountCycle()
			g.logger.Debug("region exhausted",
				"region", r.Name,
				"cycle_count", cycle)
			if !regionRetried[r.Name] && g.rotateLocked(ctx, r.Members, r.Name) {
				regionRetried[r.Name] = true
				continue
			}
			unavailable[r.Name] = true
		}

		if retried || !g.rotateLocked(ctx, g.members, "all regions") {
			g.logger.Info("all regions exhausted",
				"allocations", g.total,
				"cycles", g.cycles)
			return nil, ErrExhausted
		}
	}
}

// selectRegion returns the eligible region with the largest deficit, the
// first one in ratio order on ties, or nil when no region has a usable member.
func (g *Geo) selectRegion(unavailable map[string]bool) *region.Region {
	var best *region.Region
	var bestDeficit float64
	for _, r := range g.regions {
		if unavailable[r.Name] || !g.hasUsable(r) {
			continue
		}
		deficit := float64(g.total)*r.Weight - float64(r.Allocations())
		if best == nil || deficit > bestDeficit {
			best, bestDeficit = r, deficit
		}
	}
	return best
}

func (g *Geo) hasUsable(r *region.Region) bool {
	for _, m := range r.Members {
		if g.ledger.CanUse(m.Label) {
			return true
		}
	}
	return false
}

func (g *Geo) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resetLocked()
	for _, r := range g.regions {
		r.Reset()
	}
}

func (g *Geo) Stats() models.Stats {
	g.mu.Lock()
	defer g.mu.Unlock()

	stats := g.statsLocked()
	for _, r := range g.regions {
		allocations := r.Allocations()
		actual := 0.0
		if g.total > 0 {
			actual = float64(allocations) / float64(g.total) * 100
		}
		stats.Regions = append(stats.Regions, models.RegionStats{
			Name:          r.Name,
			Members:       len(r.Members),
			TargetPercent: r.Weight * 100,
			ActualPercent: actual,
			Allocations:   allocations,
			CycleCount:    r.CycleCount(),
		})
	}
	return stats
}
