package region

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/google/go-cmp/cmp"

	"proxy-allocator/pkg/config"
	"proxy-allocator/pkg/models"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func proxy(label, country string, class models.ConnectionClass) models.ProxyDescriptor {
	return models.ProxyDescriptor{
		Label:           label,
		Host:            "127.0.0.1",
		Port:            8080,
		Transport:       models.TransportHTTP,
		DeclaredCountry: country,
		ConnectionClass: class,
	}
}

func defaultOpts() config.RegionOptions {
	return config.Default().Regions
}

func labels(r *Region) []string {
	out := make([]string, len(r.Members))
	for i, m := range r.Members {
		out[i] = m.Label
	}
	return out
}

func mustRatio(t *testing.T, s string) []config.RegionWeight {
	t.Helper()
	ratio, err := config.ParseRatio(s, discard)
	if err != nil {
		t.Fatal(err)
	}
	return ratio
}

func TestPrimaryRegionIgnoresClass(t *testing.T) {
	catalog := []models.ProxyDescriptor{
		proxy("us-res", "US", models.ResidentClass),
		proxy("us-dc", "US", models.DatacenterClass),
		proxy("fr-res", "FR", models.ResidentClass),
	}

	regions, err := Build(catalog, mustRatio(t, "US:100"), defaultOpts(), discard)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if len(regions) != 1 {
		t.Fatalf("Build() returned %d regions", len(regions))
	}
	if diff := cmp.Diff([]string{"us-res", "us-dc"}, labels(regions[0])); diff != "" {
		t.Errorf("US members mismatch (-want +got):\n%s", diff)
	}
}

func TestClassify(t *testing.T) {
	opts := defaultOpts()
	opts.SecondaryCountries = []string{"DE", "FR"}
	rules := Rules(opts, mustRatio(t, "US:40,Secondary:20,JP:10,Other:30"))

	testCases := []struct {
		proxy models.ProxyDescriptor
		want  string
	}{
		{proxy("a", "US", models.DatacenterClass), "US"},
		{proxy("b", "DE", models.ResidentClass), "Secondary"},
		{proxy("c", "FR", models.DatacenterClass), ""},
		{proxy("d", "JP", models.DatacenterClass), "JP"},
		{proxy("e", "BR", models.ResidentClass), "Other"},
		{proxy("f", "BR", models.DatacenterClass), ""},
	}
	for _, tc := range testCases {
		t.Run(tc.proxy.Label, func(t *testing.T) {
			if got := Classify(tc.proxy, rules); got != tc.want {
				t.Errorf("Classify(%s/%s) = %q, want %q", tc.proxy.DeclaredCountry, tc.proxy.ConnectionClass, got, tc.want)
			}
		})
	}
}

func TestReductionIsDeterministic(t *testing.T) {
	var catalog []models.ProxyDescriptor
	for i := 0; i < 50; i++ {
		catalog = append(catalog, proxy(fmt.Sprintf("in-%02d", i), "IN", models.ResidentClass))
	}
	catalog = append(catalog, proxy("br-1", "BR", models.ResidentClass))

	opts := defaultOpts()
	opts.ReducedCountry = "IN"
	opts.ReductionFactor = 0.5

	var first []string
	for run := 0; run < 3; run++ {
		regions, err := Build(catalog, mustRatio(t, "Other:100"), opts, discard)
		if err != nil {
			t.Fatal(err)
		}
		got := labels(regions[0])
		if len(got) != 26 {
			t.Fatalf("residual region has %d members, want 25 reduced + 1", len(got))
		}
		if got[0] != "br-1" || got[1] != "in-00" || got[25] != "in-24" {
			t.Errorf("unexpected truncation: %v", got)
		}
		if run == 0 {
			first = got
		} else if diff := cmp.Diff(first, got); diff != "" {
			t.Errorf("run %d differs:\n%s", run, diff)
		}
	}
}

func TestEmptyRegionIsConfigurationError(t *testing.T) {
	catalog := []models.ProxyDescriptor{proxy("a", "US", models.ResidentClass)}
	_, err := Build(catalog, mustRatio(t, "US:50,Other:50"), defaultOpts(), discard)
	if !errors.Is(err, ErrEmptyRegion) {
		t.Errorf("Build() error = %v, want ErrEmptyRegion", err)
	}
}

func TestReducedSize(t *testing.T) {
	testCases := []struct {
		n      int
		factor float64
		want   int
	}{
		{50, 0.5, 25},
		{5, 0.5, 3},
		{1, 0.5, 1},
		{10, 0, 0},
		{10, 1, 10},
		{3, 0.1, 1},
	}
	for _, tc := range testCases {
		if got := ReducedSize(tc.n, tc.factor); got != tc.want {
			t.Errorf("ReducedSize(%d, %v) = %d, want %d", tc.n, tc.factor, got, tc.want)
		}
	}
}

func TestCursor(t *testing.T) {
	r := New("US", 1, []models.ProxyDescriptor{proxy("a", "US", models.ResidentClass), proxy("b", "US", models.ResidentClass)})
	if got := r.Cursor(); got != -1 {
		t.Errorf("initial cursor = %d, want -1", got)
	}
	for _, want := range []int{0, 1, 0} {
		if got := r.Advance(); got != want {
			t.Errorf("Advance() = %d, want %d", got, want)
		}
	}
	r.CountAllocation()
	r.CountCycle()
	r.Reset()
	if r.Cursor() != -1 || r.Allocations() != 0 || r.CycleCount() != 0 {
		t.Error("Reset() left state behind")
	}
}
