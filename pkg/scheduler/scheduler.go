package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"proxy-allocator/pkg/config"
	"proxy-allocator/pkg/ledger"
	"proxy-allocator/pkg/models"
	"proxy-allocator/pkg/proxy"
	"proxy-allocator/pkg/region"
)

var (
	// ErrExhausted is returned by Next when nothing in the pool can be
	// allocated and no member rotated. It is a normal stop condition.
	ErrExhausted = errors.New("proxy pool exhausted")
	ErrEmptyPool = errors.New("proxy catalog is empty")
)

// Scheduler hands out one proxy per session while enforcing the per-IP quota.
type Scheduler interface {
	// Next allocates a proxy, or returns ErrExhausted.
	Next(ctx context.Context) (*models.Allocation, error)
	// ShouldContinue reports whether another allocation can succeed. It
	// never changes any counter.
	ShouldContinue(ctx context.Context) bool
	// ResetCycle clears per-cycle usage and keeps IP history.
	ResetCycle()
	// Reset clears everything for a new batch.
	Reset()
	BatchID() uuid.UUID
	Stats() models.Stats
}

type Option func(*engine)

// WithRand sets the random source used by the random and fastest strategies.
func WithRand(rng *rand.Rand) Option {
	return func(e *engine) {
		e.rng = rng
	}
}

// New builds a flat pool scheduler, or a region-weighted one when a
// geographic ratio is configured. The pinned strategy always uses the flat
// pool since the pinned proxy lives in exactly one region.
func New(opts config.Options, catalog []models.ProxyDescriptor, prober ledger.Prober, logger *slog.Logger, options ...Option) (Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if len(catalog) == 0 {
		return nil, ErrEmptyPool
	}
	if opts.Strategy == config.StrategyPinned && !contains(catalog, opts.PinnedLabel) {
		return nil, fmt.Errorf("%w: %s", proxy.ErrUnknownProxy, opts.PinnedLabel)
	}

	e := &engine{
		opts:    opts,
		logger:  logger,
		batchID: uuid.New(),
	}
	for _, o := range options {
		o(e)
	}
	selector, err := proxy.NewSelector(opts.Strategy, opts.PinnedLabel, e.rng)
	if err != nil {
		return nil, err
	}
	e.selector = selector
	e.ledger = ledger.New(opts.MaxProfilesPerIP, prober, opts.SkipIPCheck, logger)

	if !opts.Geographic() || opts.Strategy == config.StrategyPinned {
		if opts.Geographic() {
			logger.Info("pinned strategy ignores the geographic ratio", "label", opts.PinnedLabel)
		}
		return newPool(e, catalog), nil
	}

	regions, err := region.Build(catalog, opts.GeographicRatio, opts.Regions, logger)
	if err != nil {
		return nil, err
	}
	return newGeo(e, regions), nil
}

// engine holds the state shared by both scheduler flavours. mu is held for
// a whole allocation so region choice, selection and recording are one step.
type engine struct {
	mu sync.Mutex

	opts     config.Options
	ledger   *ledger.Ledger
	selector proxy.Selector
	logger   *slog.Logger
	rng      *rand.Rand

	members []models.ProxyDescriptor
	total   int
	cycles  int
	batchID uuid.UUID
}

// attempt returns the per-candidate step run by every strategy: resolve the
// egress IP, refuse it when another label already claims it, then record.
// Any failure is charged to the candidate.
func (e *engine) attempt(ip *string) proxy.Attempt {
	return func(ctx context.Context, d models.ProxyDescriptor) error {
		err := e.record(ctx, d, ip)
		if err != nil {
			e.ledger.Penalize(d.Label)
			e.logger.Debug("skipping candidate",
				"label", d.Label,
				"error", err)
		}
		return err
	}
}

func (e *engine) record(ctx context.Context, d models.ProxyDescriptor, ip *string) error {
	resolved, err := e.ledger.Resolve(ctx, d)
	if err != nil {
		return err
	}
	if other := e.ledger.ClaimedByOther(resolved, d.Label); other != "" {
		return fmt.Errorf("%w: %s already used by %s", ledger.ErrDuplicateIP, resolved, other)
	}
	recorded, err := e.ledger.Record(ctx, d, resolved)
	if err != nil {
		return err
	}
	*ip = recorded
	return nil
}

func (e *engine) allocate(d models.ProxyDescriptor, ip, regionName string) *models.Allocation {
	e.total++
	a := &models.Allocation{
		ID:           uuid.New(),
		BatchID:      e.batchID,
		Label:        d.Label,
		IP:           ip,
		Region:       regionName,
		Cycle:        e.cycles,
		TransportURL: proxy.BuildTransportURL(d),
		AllocatedAt:  time.Now().UTC(),
		Proxy:        d,
	}
	e.logger.Debug("proxy allocated",
		"label", d.Label,
		"ip", ip,
		"region", regionName,
		"total", e.total)
	return a
}

func (e *engine) ResetCycle() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ledger.ResetCycle()
	e.cycles++
}

func (e *engine) BatchID() uuid.UUID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.batchID
}

func (e *engine) resetLocked() {
	e.ledger.Reset()
	e.total = 0
	e.cycles = 0
	e.batchID = uuid.New()
}

func (e *engine) statsLocked() models.Stats {
	labels := make([]string, len(e.members))
	for i, m := range e.members {
		labels[i] = m.Label
	}
	proxies, ips := e.ledger.Snapshot(labels)
	return models.Stats{
		Strategy:         string(e.selector.Strategy()),
		MaxProfilesPerIP: e.opts.MaxProfilesPerIP,
		TotalAllocations: e.total,
		Cycles:           e.cycles,
		Proxies:          proxies,
		IPs:              ips,
	}
}

func contains(catalog []models.ProxyDescriptor, label string) bool {
	for _, d := range catalog {
		if d.Label == label {
			return true
		}
	}
	return false
}
