package proxy

import (
	"fmt"
	"math/rand"
	"time"

	"proxy-allocator/pkg/config"
)

// NewSelector creates a selector for strategy. rng may be nil.
func NewSelector(strategy config.Strategy, pinnedLabel string, rng *rand.Rand) (Selector, error) {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	switch strategy {
	case config.StrategyRoundRobin, "":
		return &RoundRobin{}, nil
	case config.StrategyRandom:
		return newRandom(rng), nil
	case config.StrategyFastest:
		return &Fastest{fallback: newRandom(rng)}, nil
	case config.StrategyPinned:
		if pinnedLabel == "" {
			return nil, fmt.Errorf("%w: pinned strategy without a label", config.ErrInvalidConfig)
		}
		return &Pinned{Label: pinnedLabel}, nil
	default:
		return nil, fmt.Errorf("unsupported strategy: %s", strategy)
	}
}
