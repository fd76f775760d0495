package config

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/spf13/viper"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestParseRatio(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected []RegionWeight
		wantErr  bool
	}{
		{
			name:  "Sums to 100",
			input: "US:50,Other:50",
			expected: []RegionWeight{
				{Name: "US", Weight: 0.5},
				{Name: "Other", Weight: 0.5},
			},
		},
		{
			name:  "Renormalized",
			input: "US:3, EU:1",
			expected: []RegionWeight{
				{Name: "US", Weight: 0.75},
				{Name: "EU", Weight: 0.25},
			},
		},
		{
			name:     "Single region",
			input:    "US:100",
			expected: []RegionWeight{{Name: "US", Weight: 1}},
		},
		{name: "Empty", input: "  ", wantErr: true},
		{name: "Missing weight", input: "US", wantErr: true},
		{name: "Zero weight", input: "US:0,Other:100", wantErr: true},
		{name: "Negative weight", input: "US:-10", wantErr: true},
		{name: "Not a number", input: "US:abc", wantErr: true},
		{name: "Duplicate", input: "US:50,US:50", wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseRatio(tc.input, discard)
			if (err != nil) != tc.wantErr {
				t.Fatalf("ParseRatio() error = %v, wantErr %v", err, tc.wantErr)
			}
			if err != nil {
				if !errors.Is(err, ErrInvalidConfig) {
					t.Errorf("ParseRatio() error = %v, want ErrInvalidConfig", err)
				}
				return
			}
			if diff := cmp.Diff(tc.expected, got, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
				t.Errorf("ParseRatio() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFormatRatio(t *testing.T) {
	weights, err := ParseRatio("US:3,EU:1", discard)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := FormatRatio(weights), "US:75,EU:25"; got != want {
		t.Errorf("FormatRatio() = %v, want %v", got, want)
	}
}

func TestParseStrategy(t *testing.T) {
	for input, want := range map[string]Strategy{
		"":            StrategyRoundRobin,
		"round-robin": StrategyRoundRobin,
		"Random":      StrategyRandom,
		" fastest ":   StrategyFastest,
		"pinned":      StrategyPinned,
	} {
		got, err := ParseStrategy(input)
		if err != nil {
			t.Errorf("ParseStrategy(%q) error = %v", input, err)
			continue
		}
		if got != want {
			t.Errorf("ParseStrategy(%q) = %v, want %v", input, got, want)
		}
	}
	if _, err := ParseStrategy("weighted"); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("ParseStrategy(weighted) error = %v, want ErrInvalidConfig", err)
	}
}

func TestLoadDefaults(t *testing.T) {
	opts, err := Load(viper.New(), discard)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if diff := cmp.Diff(Default(), opts, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("Load() mismatch (-want +got):\n%s", diff)
	}
	if opts.Geographic() {
		t.Error("Geographic() = true without a ratio")
	}
}

func TestLoadOverrides(t *testing.T) {
	v := viper.New()
	v.Set("allocator.max_profiles_per_ip", 2)
	v.Set("allocator.geographic_ratio", "US:60,Other:40")
	v.Set("allocator.strategy", "fastest")
	v.Set("allocator.skip_ip_check", true)
	v.Set("allocator.probe_timeout_ms", 2500)
	v.Set("regions.primary_country", "us")
	v.Set("regions.secondary_countries", []string{"de", " fr"})
	v.Set("regions.reduced_country", "in")
	v.Set("regions.reduction_factor", 0.25)

	opts, err := Load(v, discard)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if opts.MaxProfilesPerIP != 2 || opts.Strategy != StrategyFastest || !opts.SkipIPCheck {
		t.Errorf("Load() = %+v", opts)
	}
	if opts.ProbeTimeout != 2500*time.Millisecond {
		t.Errorf("ProbeTimeout = %v, want 2.5s", opts.ProbeTimeout)
	}
	if !opts.Geographic() || len(opts.GeographicRatio) != 2 {
		t.Errorf("GeographicRatio = %+v", opts.GeographicRatio)
	}
	wantRegions := RegionOptions{
		PrimaryCountry:     "US",
		PrimaryRegion:      "US",
		SecondaryCountries: []string{"DE", "FR"},
		SecondaryRegion:    "Secondary",
		ResidualRegion:     "Other",
		ReducedCountry:     "IN",
		ReductionFactor:    0.25,
	}
	if diff := cmp.Diff(wantRegions, opts.Regions); diff != "" {
		t.Errorf("Regions mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadInvalid(t *testing.T) {
	testCases := map[string]map[string]any{
		"zero cap":           {"allocator.max_profiles_per_ip": 0},
		"pinned w/o label":   {"allocator.strategy": "pinned"},
		"bad ratio":          {"allocator.geographic_ratio": "US"},
		"bad reduction":      {"regions.reduction_factor": 1.5},
		"unknown strategy":   {"allocator.strategy": "lottery"},
		"no endpoints":       {"allocator.probe_max_endpoints": 0},
		"negative max cycle": {"allocator.max_cycles": -1},
	}
	for name, values := range testCases {
		t.Run(name, func(t *testing.T) {
			v := viper.New()
			for k, val := range values {
				v.Set(k, val)
			}
			if _, err := Load(v, discard); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Load() error = %v, want ErrInvalidConfig", err)
			}
		})
	}
}
