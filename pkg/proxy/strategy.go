package proxy

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"proxy-allocator/pkg/config"
	"proxy-allocator/pkg/models"
	"proxy-allocator/pkg/region"
)

// RoundRobin walks the region cursor, visiting every member at most once
// per call.
type RoundRobin struct{}

func (s *RoundRobin) Strategy() config.Strategy {
	return config.StrategyRoundRobin
}

func (s *RoundRobin) Select(ctx context.Context, r *region.Region, canUse func(string) bool, try Attempt) (models.ProxyDescriptor, error) {
	for i := 0; i < len(r.Members); i++ {
		d := r.Members[r.Advance()]
		if !canUse(d.Label) {
			continue
		}
		if err := try(ctx, d); err != nil {
			continue
		}
		return d, nil
	}
	return models.ProxyDescriptor{}, ErrNoCandidate
}

// Random tries the usable members in shuffled order.
type Random struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func newRandom(rng *rand.Rand) *Random {
	return &Random{rng: rng}
}

func (s *Random) Strategy() config.Strategy {
	return config.StrategyRandom
}

func (s *Random) Select(ctx context.Context, r *region.Region, canUse func(string) bool, try Attempt) (models.ProxyDescriptor, error) {
	available := usable(r.Members, canUse)

	s.mu.Lock()
	s.rng.Shuffle(len(available), func(i, j int) {
		available[i], available[j] = available[j], available[i]
	})
	s.mu.Unlock()

	return tryInOrder(ctx, available, try)
}

// Fastest tries members with a measured latency, lowest first. Without any
// latency data it behaves like Random. Unmeasured members are skipped as soon
// as one member carries a measurement.
type Fastest struct {
	fallback *Random
}

func (s *Fastest) Strategy() config.Strategy {
	return config.StrategyFastest
}

func (s *Fastest) Select(ctx context.Context, r *region.Region, canUse func(string) bool, try Attempt) (models.ProxyDescriptor, error) {
	measured := false
	for _, m := range r.Members {
		if m.HasLatency() {
			measured = true
			break
		}
	}
	if !measured {
		return s.fallback.Select(ctx, r, canUse, try)
	}

	var ranked []models.ProxyDescriptor
	for _, m := range usable(r.Members, canUse) {
		if m.HasLatency() {
			ranked = append(ranked, m)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return *ranked[i].MeasuredLatencyMs < *ranked[j].MeasuredLatencyMs
	})
	return tryInOrder(ctx, ranked, try)
}

// Pinned always selects the same proxy and fails loudly when it cannot.
type Pinned struct {
	Label string
}

func (s *Pinned) Strategy() config.Strategy {
	return config.StrategyPinned
}

func (s *Pinned) Select(ctx context.Context, r *region.Region, canUse func(string) bool, try Attempt) (models.ProxyDescriptor, error) {
	for _, m := range r.Members {
		if m.Label != s.Label {
			continue
		}
		if !canUse(m.Label) {
			return models.ProxyDescriptor{}, fmt.Errorf("%w: %s is over quota", ErrPinnedUnavailable, m.Label)
		}
		if err := try(ctx, m); err != nil {
			return models.ProxyDescriptor{}, fmt.Errorf("%w: %s: %w", ErrPinnedUnavailable, m.Label, err)
		}
		return m, nil
	}
	return models.ProxyDescriptor{}, fmt.Errorf("%w: %s", ErrUnknownProxy, s.Label)
}

func usable(members []models.ProxyDescriptor, canUse func(string) bool) []models.ProxyDescriptor {
	out := make([]models.ProxyDescriptor, 0, len(members))
	for _, m := range members {
		if canUse(m.Label) {
			out = append(out, m)
		}
	}
	return out
}

func tryInOrder(ctx context.Context, candidates []models.ProxyDescriptor, try Attempt) (models.ProxyDescriptor, error) {
	for _, d := range candidates {
		if err := try(ctx, d); err != nil {
			continue
		}
		return d, nil
	}
	return models.ProxyDescriptor{}, ErrNoCandidate
}
