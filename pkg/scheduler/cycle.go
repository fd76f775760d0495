package scheduler

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"proxy-allocator/pkg/models"
)

var errRotated = errors.New("rotation observed")

// ShouldContinue is true while some member is below quota. Otherwise it
// checks every member for a fresh egress IP. No counter is touched; Next
// starts the new cycle itself.
func (e *engine) ShouldContinue(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	for _, m := range e.members {
		if e.ledger.CanUse(m.Label) {
			return true
		}
	}

	e.mu.Lock()
	budget := e.cycleBudgetLocked()
	e.mu.Unlock()
	if !budget {
		return false
	}
	return e.anyRotated(ctx, e.members)
}

// rotateLocked starts a new cycle when a member of scope rotated. It reports
// whether the caller may retry.
func (e *engine) rotateLocked(ctx context.Context, members []models.ProxyDescriptor, scope string) bool {
	if !e.cycleBudgetLocked() {
		e.logger.Info("cycle limit reached",
			"scope", scope,
			"max_cycles", e.opts.MaxCycles)
		return false
	}
	if !e.anyRotated(ctx, members) {
		return false
	}
	e.ledger.ResetCycle()
	e.cycles++
	e.logger.Info("starting new cycle",
		"scope", scope,
		"cycle", e.cycles)
	return true
}

func (e *engine) cycleBudgetLocked() bool {
	return e.opts.MaxCycles == 0 || e.cycles < e.opts.MaxCycles
}

// anyRotated checks members in parallel and stops at the first rotation.
// Members that never produced an IP are blocked by failures alone and do not
// count as rotated.
func (e *engine) anyRotated(ctx context.Context, members []models.ProxyDescriptor) bool {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.RotationWorkers)

	for _, m := range members {
		if !m.IsSOCKS5() && e.ledger.LastIP(m.Label) == "" {
			continue
		}
		m := m
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			if e.ledger.HasRotated(gctx, m) {
				return errRotated
			}
			return nil
		})
	}
	return errors.Is(g.Wait(), errRotated)
}
