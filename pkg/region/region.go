package region

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"

	"proxy-allocator/pkg/config"
	"proxy-allocator/pkg/models"
)

var ErrEmptyRegion = errors.New("region has no matching proxies")

// Rule assigns a proxy to a region. Rules are evaluated in order and the
// first match wins.
type Rule struct {
	Region string
	Match  func(models.ProxyDescriptor) bool
}

// Region is a group of proxies with a target share of allocations.
type Region struct {
	Name    string
	Weight  float64
	Members []models.ProxyDescriptor

	mu          sync.Mutex
	cursor      int
	cycleCount  int
	allocations int
}

// New creates a region with its cursor before the first member.
func New(name string, weight float64, members []models.ProxyDescriptor) *Region {
	return &Region{Name: name, Weight: weight, Members: members, cursor: -1}
}

// Advance moves the round-robin cursor one step and returns the new position.
func (r *Region) Advance() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.Members) == 0 {
		return -1
	}
	r.cursor = (r.cursor + 1) % len(r.Members)
	return r.cursor
}

func (r *Region) Cursor() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursor
}

func (r *Region) CountAllocation() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.allocations++
}

func (r *Region) Allocations() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.allocations
}

// CountCycle records that a full scan of the region found nothing usable.
func (r *Region) CountCycle() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cycleCount++
	return r.cycleCount
}

func (r *Region) CycleCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cycleCount
}

// Reset rewinds the cursor and clears the counters.
func (r *Region) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cursor = -1
	r.cycleCount = 0
	r.allocations = 0
}

// Rules returns the default rule table: the primary country regardless of
// connection class, secondary countries when resident, extra country regions
// named directly in the ratio, then every other resident proxy.
func Rules(opts config.RegionOptions, ratio []config.RegionWeight) []Rule {
	secondary := make(map[string]bool, len(opts.SecondaryCountries))
	for _, c := range opts.SecondaryCountries {
		secondary[strings.ToUpper(c)] = true
	}

	rules := []Rule{
		{
			Region: opts.PrimaryRegion,
			Match: func(p models.ProxyDescriptor) bool {
				return p.DeclaredCountry == opts.PrimaryCountry
			},
		},
		{
			Region: opts.SecondaryRegion,
			Match: func(p models.ProxyDescriptor) bool {
				return secondary[p.DeclaredCountry] && p.ConnectionClass == models.ResidentClass
			},
		},
	}

	builtin := map[string]bool{
		opts.PrimaryRegion:   true,
		opts.SecondaryRegion: true,
		opts.ResidualRegion:  true,
	}
	for _, w := range ratio {
		if builtin[w.Name] {
			continue
		}
		country := strings.ToUpper(w.Name)
		rules = append(rules, Rule{
			Region: w.Name,
			Match: func(p models.ProxyDescriptor) bool {
				return p.DeclaredCountry == country
			},
		})
	}

	return append(rules, Rule{
		Region: opts.ResidualRegion,
		Match: func(p models.ProxyDescriptor) bool {
			return p.ConnectionClass == models.ResidentClass
		},
	})
}

// Classify returns the region of p under rules, or "" if no rule matches.
func Classify(p models.ProxyDescriptor, rules []Rule) string {
	for _, rule := range rules {
		if rule.Match(p) {
			return rule.Region
		}
	}
	return ""
}

// Build classifies the catalog into the regions named by ratio. Proxies that
// land in an unconfigured region are left out. The reduced country inside the
// residual region is truncated to ceil(n*factor) entries in catalog order.
func Build(catalog []models.ProxyDescriptor, ratio []config.RegionWeight, opts config.RegionOptions, logger *slog.Logger) ([]*Region, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rules := Rules(opts, ratio)

	regions := make([]*Region, 0, len(ratio))
	byName := make(map[string]*Region, len(ratio))
	for _, w := range ratio {
		r := New(w.Name, w.Weight, nil)
		regions = append(regions, r)
		byName[w.Name] = r
	}

	var reduced []models.ProxyDescriptor
	for _, p := range catalog {
		name := Classify(p, rules)
		r, ok := byName[name]
		if !ok {
			logger.Debug("proxy outside configured regions",
				"label", p.Label,
				"country", p.DeclaredCountry,
				"class", p.ConnectionClass,
				"region", name)
			continue
		}
		if name == opts.ResidualRegion && opts.ReducedCountry != "" && p.DeclaredCountry == opts.ReducedCountry {
			reduced = append(reduced, p)
			continue
		}
		r.Members = append(r.Members, p)
	}

	if len(reduced) > 0 {
		keep := ReducedSize(len(reduced), opts.ReductionFactor)
		logger.Info("reducing sub-population",
			"region", opts.ResidualRegion,
			"country", opts.ReducedCountry,
			"before", len(reduced),
			"after", keep)
		residual := byName[opts.ResidualRegion]
		residual.Members = append(residual.Members, reduced[:keep]...)
	}

	for _, r := range regions {
		if len(r.Members) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrEmptyRegion, r.Name)
		}
		logger.Debug("region built",
			"region", r.Name,
			"members", len(r.Members),
			"target_percent", r.Weight*100)
	}
	return regions, nil
}

// ReducedSize is ceil(n*factor), clamped to [0,n].
func ReducedSize(n int, factor float64) int {
	keep := int(math.Ceil(float64(n) * factor))
	return max(0, min(n, keep))
}
