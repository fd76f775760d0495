package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Strategy selects how a proxy is picked inside a pool or region.
type Strategy string

const (
	StrategyRoundRobin Strategy = "round-robin"
	StrategyRandom     Strategy = "random"
	StrategyFastest    Strategy = "fastest"
	StrategyPinned     Strategy = "pinned"
)

func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(strings.ToLower(strings.TrimSpace(s))); st {
	case StrategyRoundRobin, StrategyRandom, StrategyFastest, StrategyPinned:
		return st, nil
	case "":
		return StrategyRoundRobin, nil
	default:
		return "", fmt.Errorf("%w: unknown strategy %q", ErrInvalidConfig, s)
	}
}

// RegionOptions drive the classification of catalog entries into regions.
type RegionOptions struct {
	PrimaryCountry     string
	PrimaryRegion      string
	SecondaryCountries []string
	SecondaryRegion    string
	ResidualRegion     string
	ReducedCountry     string
	ReductionFactor    float64
}

// Options are the process-wide allocator settings.
type Options struct {
	MaxProfilesPerIP  int
	GeographicRatio   []RegionWeight // empty means a single flat pool
	Strategy          Strategy
	PinnedLabel       string
	SkipIPCheck       bool
	ProbeTimeout      time.Duration
	ProbeMaxEndpoints int
	MaxCycles         int // 0 means unlimited
	RotationWorkers   int
	Regions           RegionOptions
}

const (
	DefaultMaxProfilesPerIP  = 5
	DefaultProbeTimeout      = 10 * time.Second
	DefaultProbeMaxEndpoints = 3
	DefaultReductionFactor   = 0.5
	DefaultRotationWorkers   = 8
)

// Default returns the options used when nothing is configured.
func Default() Options {
	return Options{
		MaxProfilesPerIP:  DefaultMaxProfilesPerIP,
		Strategy:          StrategyRoundRobin,
		ProbeTimeout:      DefaultProbeTimeout,
		ProbeMaxEndpoints: DefaultProbeMaxEndpoints,
		RotationWorkers:   DefaultRotationWorkers,
		Regions: RegionOptions{
			PrimaryCountry:  "US",
			PrimaryRegion:   "US",
			SecondaryRegion: "Secondary",
			ResidualRegion:  "Other",
			ReductionFactor: DefaultReductionFactor,
		},
	}
}

// SetDefaults registers the allocator defaults on v.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("allocator.max_profiles_per_ip", d.MaxProfilesPerIP)
	v.SetDefault("allocator.geographic_ratio", "")
	v.SetDefault("allocator.strategy", string(d.Strategy))
	v.SetDefault("allocator.pinned_label", "")
	v.SetDefault("allocator.skip_ip_check", false)
	v.SetDefault("allocator.probe_timeout_ms", d.ProbeTimeout.Milliseconds())
	v.SetDefault("allocator.probe_max_endpoints", d.ProbeMaxEndpoints)
	v.SetDefault("allocator.max_cycles", 0)
	v.SetDefault("allocator.rotation_workers", d.RotationWorkers)
	v.SetDefault("regions.primary_country", d.Regions.PrimaryCountry)
	v.SetDefault("regions.primary_region", "")
	v.SetDefault("regions.secondary_countries", []string{})
	v.SetDefault("regions.secondary_region", d.Regions.SecondaryRegion)
	v.SetDefault("regions.residual_region", d.Regions.ResidualRegion)
	v.SetDefault("regions.reduced_country", "")
	v.SetDefault("regions.reduction_factor", d.Regions.ReductionFactor)
}

// Load reads allocator options from v, applying defaults and validating.
func Load(v *viper.Viper, logger *slog.Logger) (Options, error) {
	SetDefaults(v)

	strategy, err := ParseStrategy(v.GetString("allocator.strategy"))
	if err != nil {
		return Options{}, err
	}

	opts := Options{
		MaxProfilesPerIP:  v.GetInt("allocator.max_profiles_per_ip"),
		Strategy:          strategy,
		PinnedLabel:       strings.TrimSpace(v.GetString("allocator.pinned_label")),
		SkipIPCheck:       v.GetBool("allocator.skip_ip_check"),
		ProbeTimeout:      time.Duration(v.GetInt64("allocator.probe_timeout_ms")) * time.Millisecond,
		ProbeMaxEndpoints: v.GetInt("allocator.probe_max_endpoints"),
		MaxCycles:         v.GetInt("allocator.max_cycles"),
		RotationWorkers:   v.GetInt("allocator.rotation_workers"),
		Regions: RegionOptions{
			PrimaryCountry:     strings.ToUpper(strings.TrimSpace(v.GetString("regions.primary_country"))),
			PrimaryRegion:      strings.TrimSpace(v.GetString("regions.primary_region")),
			SecondaryCountries: upperAll(v.GetStringSlice("regions.secondary_countries")),
			SecondaryRegion:    strings.TrimSpace(v.GetString("regions.secondary_region")),
			ResidualRegion:     strings.TrimSpace(v.GetString("regions.residual_region")),
			ReducedCountry:     strings.ToUpper(strings.TrimSpace(v.GetString("regions.reduced_country"))),
			ReductionFactor:    v.GetFloat64("regions.reduction_factor"),
		},
	}
	if opts.Regions.PrimaryRegion == "" {
		opts.Regions.PrimaryRegion = opts.Regions.PrimaryCountry
	}

	if ratio := v.GetString("allocator.geographic_ratio"); strings.TrimSpace(ratio) != "" {
		opts.GeographicRatio, err = ParseRatio(ratio, logger)
		if err != nil {
			return Options{}, err
		}
	}

	if err := opts.Validate(); err != nil {
		return Options{}, err
	}
	return opts, nil
}

func (o Options) Validate() error {
	if o.MaxProfilesPerIP < 1 {
		return fmt.Errorf("%w: max_profiles_per_ip must be at least 1", ErrInvalidConfig)
	}
	if o.ProbeTimeout <= 0 {
		return fmt.Errorf("%w: probe_timeout_ms must be positive", ErrInvalidConfig)
	}
	if o.ProbeMaxEndpoints < 1 {
		return fmt.Errorf("%w: probe_max_endpoints must be at least 1", ErrInvalidConfig)
	}
	if o.MaxCycles < 0 {
		return fmt.Errorf("%w: max_cycles cannot be negative", ErrInvalidConfig)
	}
	if o.RotationWorkers < 1 {
		return fmt.Errorf("%w: rotation_workers must be at least 1", ErrInvalidConfig)
	}
	if o.Strategy == StrategyPinned && o.PinnedLabel == "" {
		return fmt.Errorf("%w: pinned strategy requires pinned_label", ErrInvalidConfig)
	}
	if f := o.Regions.ReductionFactor; f < 0 || f > 1 {
		return fmt.Errorf("%w: reduction_factor must be within [0,1]", ErrInvalidConfig)
	}
	return nil
}

// Geographic reports whether region-weighted scheduling is configured.
func (o Options) Geographic() bool {
	return len(o.GeographicRatio) > 0
}

func upperAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
