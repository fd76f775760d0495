package ipinfo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"proxy-allocator/pkg/fetch"
	"proxy-allocator/pkg/models"
)

type BodyFormat int

const (
	FormatText BodyFormat = iota
	FormatJSON
)

// Endpoint is an IP echo service.
type Endpoint struct {
	URL    string
	Format BodyFormat
}

// DefaultEndpoints are independent IP echo services, tried in order. They are
// plain HTTP so that HTTP proxies never need a CONNECT tunnel.
var DefaultEndpoints = []Endpoint{
	{URL: "http://api.ipify.org/?format=json", Format: FormatJSON},
	{URL: "http://icanhazip.com/", Format: FormatText},
	{URL: "http://httpbin.org/ip", Format: FormatJSON},
	{URL: "http://checkip.amazonaws.com/", Format: FormatText},
	{URL: "http://ifconfig.me/ip", Format: FormatText},
}

const userAgent = "proxy-allocator/1.0"

// ProbeError is returned when every attempted endpoint failed.
type ProbeError struct {
	Label   string
	Reasons []string
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("probe %s: all endpoints failed: %s", e.Label, strings.Join(e.Reasons, "; "))
}

// Prober determines the egress IP of a proxy.
type Prober struct {
	endpoints    []Endpoint
	timeout      time.Duration
	maxEndpoints int
	skip         bool
	logger       *slog.Logger
}

type Option func(*Prober)

// WithEndpoints replaces DefaultEndpoints.
func WithEndpoints(endpoints ...Endpoint) Option {
	return func(p *Prober) {
		p.endpoints = endpoints
	}
}

// WithSkip disables probing: Probe returns "" without any network call.
func WithSkip(skip bool) Option {
	return func(p *Prober) {
		p.skip = skip
	}
}

func NewProber(timeout time.Duration, maxEndpoints int, logger *slog.Logger, opts ...Option) *Prober {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Prober{
		endpoints:    DefaultEndpoints,
		timeout:      timeout,
		maxEndpoints: maxEndpoints,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Skipping reports whether probing is disabled.
func (p *Prober) Skipping() bool {
	return p.skip
}

// Probe returns the egress IPv4 address of proxy d, trying endpoints one at
// a time until one answers with a valid address.
func (p *Prober) Probe(ctx context.Context, d models.ProxyDescriptor) (string, error) {
	if p.skip {
		return "", nil
	}

	var reasons []string
	attempts := 0
	for _, ep := range p.endpoints {
		if attempts >= p.maxEndpoints {
			break
		}
		if d.Transport == models.TransportHTTP && !strings.HasPrefix(ep.URL, "http://") {
			continue
		}
		attempts++

		ip, err := p.probeEndpoint(ctx, d, ep)
		if err == nil {
			p.logger.Debug("egress IP resolved",
				"label", d.Label,
				"ip", ip,
				"endpoint", ep.URL)
			return ip, nil
		}
		p.logger.Debug("IP echo endpoint failed",
			"label", d.Label,
			"endpoint", ep.URL,
			"error", err)
		reasons = append(reasons, fmt.Sprintf("%s: %v", ep.URL, err))

		if ctx.Err() != nil {
			break
		}
	}
	if attempts == 0 {
		reasons = append(reasons, "no usable endpoint for transport "+string(d.Transport))
	}
	return "", &ProbeError{Label: d.Label, Reasons: reasons}
}

func (p *Prober) probeEndpoint(ctx context.Context, d models.ProxyDescriptor, ep Endpoint) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	result, err := fetch.Fetch(ctx, d, ep.URL, fetch.Options{
		Headers: []string{"User-Agent: " + userAgent},
		Timeout: p.timeout,
	})
	if err != nil {
		return "", err
	}
	if code := result.Response.StatusCode; code < 200 || code > 299 {
		return "", fmt.Errorf("unexpected status code %d", code)
	}
	return ParseBody(result.Body, ep.Format)
}

type echoResponse struct {
	IP     string `json:"ip"`
	Origin string `json:"origin"`
}

var errNoIP = errors.New("response does not contain an IPv4 address")

// ParseBody extracts an IPv4 address from an echo response body. JSON bodies
// are read from the "ip" field or the first entry of "origin".
func ParseBody(body []byte, format BodyFormat) (string, error) {
	text := strings.TrimSpace(string(body))
	if format == FormatJSON || strings.HasPrefix(text, "{") {
		var resp echoResponse
		if err := json.Unmarshal([]byte(text), &resp); err != nil {
			return "", fmt.Errorf("failed to decode IP echo response: %w", err)
		}
		candidate := resp.IP
		if candidate == "" && resp.Origin != "" {
			candidate, _, _ = strings.Cut(resp.Origin, ",")
		}
		text = strings.TrimSpace(candidate)
	}
	if !IsIPv4(text) {
		return "", errNoIP
	}
	return text, nil
}

// IsIPv4 reports whether s is a dotted-quad IPv4 address.
func IsIPv4(s string) bool {
	if strings.Count(s, ".") != 3 || strings.Contains(s, ":") {
		return false
	}
	ip := net.ParseIP(s)
	return ip != nil && ip.To4() != nil
}
