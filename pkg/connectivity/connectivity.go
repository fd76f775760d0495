package connectivity

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http/httptrace"
	"strconv"
	"sync"
	"time"

	"github.com/Jigsaw-Code/outline-sdk/dns"
	"github.com/Jigsaw-Code/outline-sdk/transport"
	"github.com/Jigsaw-Code/outline-sdk/x/configurl"
	"github.com/Jigsaw-Code/outline-sdk/x/connectivity"

	"proxy-allocator/pkg/models"
	"proxy-allocator/pkg/proxy"
)

// ErrUnsupportedTransport is returned for proxies the outline-sdk cannot dial
// through. Only SOCKS5 proxies carry a stream dialer.
var ErrUnsupportedTransport = errors.New("connectivity check needs a socks5 proxy")

// Report is the outcome of one DNS-through-proxy check.
type Report struct {
	Label      string       `json:"label"`
	Proxy      string       `json:"proxy"`
	Resolver   string       `json:"resolver"`
	Domain     string       `json:"domain"`
	Time       time.Time    `json:"time"`
	DurationMs int64        `json:"duration_ms"`
	Error      *ErrorDetail `json:"error"`
	Lookups    []Lookup     `json:"lookups,omitempty"`
	Dials      []Dial       `json:"dials,omitempty"`
}

// Lookup is a local DNS resolution of the proxy hostname.
type Lookup struct {
	Host       string    `json:"host"`
	Time       time.Time `json:"time"`
	DurationMs int64     `json:"duration_ms"`
	Addrs      []string  `json:"addrs"`
	Error      string    `json:"error,omitempty"`
}

// Dial is one TCP connection attempt to the proxy.
type Dial struct {
	Host       string    `json:"host"`
	IP         string    `json:"ip"`
	Port       string    `json:"port"`
	Time       time.Time `json:"time"`
	DurationMs int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}

type ErrorDetail struct {
	Op         string `json:"op,omitempty"`
	PosixError string `json:"posix_error,omitempty"`
	Msg        string `json:"msg,omitempty"`
	MsgVerbose string `json:"msg_verbose,omitempty"`
}

func (r Report) IsSuccess() bool {
	return r.Error == nil
}

func newErrorDetail(result *connectivity.ConnectivityError) *ErrorDetail {
	if result == nil {
		return nil
	}
	return &ErrorDetail{
		Op:         result.Op,
		PosixError: result.PosixError,
		Msg:        findBaseError(result.Err).Error(),
		MsgVerbose: result.Err.Error(),
	}
}

// findBaseError unwraps an error chain to find the most basic underlying error
func findBaseError(err error) error {
	for err != nil {
		if joined, ok := err.(interface{ Unwrap() []error }); ok {
			if errs := joined.Unwrap(); len(errs) > 0 {
				// the last joined error is usually the most specific one
				err = errs[len(errs)-1]
				continue
			}
		}
		unwrapped := errors.Unwrap(err)
		if unwrapped == nil {
			return err
		}
		err = unwrapped
	}
	return err
}

// tracer collects lookups and dials made by the base dialer underneath the
// SOCKS5 client. Dials may overlap, so all state is guarded by mu.
type tracer struct {
	mu      sync.Mutex
	started map[string]time.Time
	lookups []Lookup
	dials   []Dial
}

func newTracer() *tracer {
	return &tracer{started: make(map[string]time.Time)}
}

// DialStream dials addr over TCP with an httptrace hooked to the tracer.
func (t *tracer) DialStream(ctx context.Context, addr string) (transport.StreamConn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	var lookupStart time.Time
	ctx = httptrace.WithClientTrace(ctx, &httptrace.ClientTrace{
		DNSStart: func(httptrace.DNSStartInfo) {
			lookupStart = time.Now()
		},
		DNSDone: func(di httptrace.DNSDoneInfo) {
			t.lookupDone(host, lookupStart, di)
		},
		ConnectStart: func(network, addr string) {
			t.mu.Lock()
			t.started[network+"|"+addr] = time.Now()
			t.mu.Unlock()
		},
		ConnectDone: func(network, addr string, err error) {
			t.dialDone(host, network, addr, err)
		},
	})
	return (&transport.TCPDialer{}).DialStream(ctx, addr)
}

func (t *tracer) lookupDone(host string, start time.Time, di httptrace.DNSDoneInfo) {
	l := Lookup{
		Host:       host,
		Time:       start.UTC().Truncate(time.Second),
		DurationMs: time.Since(start).Milliseconds(),
	}
	if di.Err != nil {
		l.Error = di.Err.Error()
	}
	for _, a := range di.Addrs {
		l.Addrs = append(l.Addrs, a.IP.String())
	}
	t.mu.Lock()
	t.lookups = append(t.lookups, l)
	t.mu.Unlock()
}

func (t *tracer) dialDone(host, network, addr string, err error) {
	ip, port, splitErr := net.SplitHostPort(addr)
	if splitErr != nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	start := t.started[network+"|"+addr]
	d := Dial{
		Host:       host,
		IP:         ip,
		Port:       port,
		Time:       start.UTC().Truncate(time.Second),
		DurationMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		d.Error = err.Error()
	}
	t.dials = append(t.dials, d)
}

// Check resolves domain with a DNS-over-TCP query sent through the proxy to
// resolver. The report traces the connection to the proxy itself, so a
// failure can be told apart from a failure behind the proxy.
func Check(ctx context.Context, p models.ProxyDescriptor, resolver, domain string) (Report, error) {
	if !p.IsSOCKS5() {
		return Report{}, fmt.Errorf("%w: %s is %s", ErrUnsupportedTransport, p.Label, p.Transport)
	}

	trace := newTracer()
	dialers := configurl.NewDefaultConfigToDialer()
	dialers.BaseStreamDialer = transport.FuncStreamDialer(trace.DialStream)

	dialer, err := dialers.NewStreamDialer(proxy.BuildTransportURL(p))
	if err != nil {
		return Report{}, fmt.Errorf("could not create dialer for %s: %w", p.Label, err)
	}

	report := Report{
		Label:    p.Label,
		Proxy:    net.JoinHostPort(p.Host, strconv.Itoa(p.Port)),
		Resolver: net.JoinHostPort(resolver, "53"),
		Domain:   domain,
	}
	start := time.Now()
	result, err := connectivity.TestConnectivityWithResolver(ctx, dns.NewTCPResolver(dialer, report.Resolver), domain)
	if err != nil {
		return Report{}, err
	}
	report.Time = start.UTC().Truncate(time.Second)
	report.DurationMs = time.Since(start).Milliseconds()
	report.Error = newErrorDetail(result)

	trace.mu.Lock()
	defer trace.mu.Unlock()
	report.Lookups = trace.lookups
	report.Dials = trace.dials
	return report, nil
}
