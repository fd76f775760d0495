package config

import (
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
)

// RegionWeight is one entry of a geographic ratio. Weight is a normalized
// share in [0,1]; the weights of a parsed ratio sum to 1.
type RegionWeight struct {
	Name   string
	Weight float64
}

// Percent returns the weight as a percentage.
func (w RegionWeight) Percent() float64 {
	return w.Weight * 100
}

// ParseRatio parses a "REGION:weight,REGION:weight" string. Entry order is
// preserved because it breaks scheduling ties. Weights that do not add up to
// 100 are renormalized and a warning is logged.
func ParseRatio(s string, logger *slog.Logger) ([]RegionWeight, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty geographic ratio", ErrInvalidConfig)
	}

	var (
		weights []RegionWeight
		seen    = make(map[string]bool)
		sum     float64
	)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, ok := strings.Cut(part, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("%w: malformed ratio entry %q", ErrInvalidConfig, part)
		}
		w, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid weight in %q: %v", ErrInvalidConfig, part, err)
		}
		if w <= 0 || math.IsInf(w, 0) || math.IsNaN(w) {
			return nil, fmt.Errorf("%w: weight for %s must be positive", ErrInvalidConfig, name)
		}
		if seen[name] {
			return nil, fmt.Errorf("%w: region %s listed twice", ErrInvalidConfig, name)
		}
		seen[name] = true
		weights = append(weights, RegionWeight{Name: name, Weight: w})
		sum += w
	}
	if len(weights) == 0 {
		return nil, fmt.Errorf("%w: empty geographic ratio", ErrInvalidConfig)
	}

	if math.Abs(sum-100) > 1e-9 {
		logger.Warn("geographic ratio does not sum to 100, renormalizing",
			"ratio", s,
			"sum", sum)
	}
	for i := range weights {
		weights[i].Weight /= sum
	}
	return weights, nil
}

// FormatRatio is the inverse of ParseRatio, with weights as rounded percentages.
func FormatRatio(weights []RegionWeight) string {
	parts := make([]string, len(weights))
	for i, w := range weights {
		parts[i] = fmt.Sprintf("%s:%s", w.Name, strconv.FormatFloat(math.Round(w.Percent()*100)/100, 'f', -1, 64))
	}
	return strings.Join(parts, ",")
}
