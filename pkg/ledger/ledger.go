package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"proxy-allocator/pkg/models"
)

var (
	ErrQuotaExceeded = errors.New("quota exceeded")
	ErrDuplicateIP   = errors.New("egress IP already claimed by another proxy")
)

// Prober resolves the egress IP of a proxy. An empty IP with a nil error means
// probing is disabled.
type Prober interface {
	Probe(ctx context.Context, d models.ProxyDescriptor) (string, error)
}

const (
	socks5Prefix    = "socks5-"
	uncheckedPrefix = "unchecked-"
)

// Ledger tracks per-proxy and per-egress-IP usage for one run. Quota is
// enforced on both: distinct labels may share one egress IP.
//
// All check-and-increment sequences happen under mu, so concurrent callers
// can never push a label or an IP past the cap.
type Ledger struct {
	mu sync.RWMutex

	maxPerIP int
	skip     bool
	prober   Prober
	logger   *slog.Logger

	usage     map[string]int
	failures  map[string]int
	lastIP    map[string]string
	ipUsage   map[string]int
	consumers map[string]map[string]struct{}
}

// New creates an empty ledger. With skip set no network probe is ever issued
// and each label gets a synthetic placeholder IP.
func New(maxPerIP int, prober Prober, skip bool, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Ledger{
		maxPerIP: maxPerIP,
		skip:     skip,
		prober:   prober,
		logger:   logger,
	}
	l.clear()
	return l
}

func (l *Ledger) clear() {
	l.lastIP = make(map[string]string)
	l.clearCycle()
}

func (l *Ledger) clearCycle() {
	l.usage = make(map[string]int)
	l.failures = make(map[string]int)
	l.ipUsage = make(map[string]int)
	l.consumers = make(map[string]map[string]struct{})
}

func (l *Ledger) MaxPerIP() int {
	return l.maxPerIP
}

// CanUse reports whether label is below quota, both on its own usage and on
// the usage of the IP it was last seen with.
func (l *Ledger) CanUse(label string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.canUseLocked(label)
}

func (l *Ledger) canUseLocked(label string) bool {
	if l.usage[label]+l.failures[label] >= l.maxPerIP {
		return false
	}
	if ip := l.lastIP[label]; ip != "" && l.ipUsage[ip] >= l.maxPerIP {
		return false
	}
	return true
}

// Resolve returns the IP that would be recorded for d: a synthetic key for
// SOCKS5 proxies and in skip mode, otherwise the probed egress IP.
func (l *Ledger) Resolve(ctx context.Context, d models.ProxyDescriptor) (string, error) {
	if d.IsSOCKS5() {
		return socks5Prefix + d.Label, nil
	}
	if l.skip || l.prober == nil {
		return uncheckedPrefix + d.Label, nil
	}
	ip, err := l.prober.Probe(ctx, d)
	if err != nil {
		return "", err
	}
	if ip == "" {
		return uncheckedPrefix + d.Label, nil
	}
	return ip, nil
}

// Record charges one use of d. knownIP skips the probe when the caller
// already resolved the IP in the same attempt. Quota and duplicate-IP
// failures leave the ledger untouched.
func (l *Ledger) Record(ctx context.Context, d models.ProxyDescriptor, knownIP string) (string, error) {
	ip := knownIP
	if ip == "" || d.IsSOCKS5() {
		var err error
		if ip, err = l.Resolve(ctx, d); err != nil {
			return "", err
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.usage[d.Label]+l.failures[d.Label] >= l.maxPerIP {
		return "", fmt.Errorf("%w: proxy %s at %d", ErrQuotaExceeded, d.Label, l.maxPerIP)
	}
	if l.ipUsage[ip] >= l.maxPerIP {
		return "", fmt.Errorf("%w: ip %s at %d", ErrQuotaExceeded, ip, l.maxPerIP)
	}
	if other := l.claimedByOtherLocked(ip, d.Label); other != "" {
		return "", fmt.Errorf("%w: %s already used by %s", ErrDuplicateIP, ip, other)
	}

	if prev := l.lastIP[d.Label]; prev != "" && prev != ip {
		l.dropConsumerLocked(prev, d.Label)
	}
	l.lastIP[d.Label] = ip
	l.usage[d.Label]++
	l.ipUsage[ip]++
	set, ok := l.consumers[ip]
	if !ok {
		set = make(map[string]struct{})
		l.consumers[ip] = set
	}
	set[d.Label] = struct{}{}
	return ip, nil
}

// ClaimedByOther returns a label other than label that currently maps to ip,
// or "" if there is none.
func (l *Ledger) ClaimedByOther(ip, label string) string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.claimedByOtherLocked(ip, label)
}

func (l *Ledger) claimedByOtherLocked(ip, label string) string {
	others := make([]string, 0, len(l.consumers[ip]))
	for consumer := range l.consumers[ip] {
		if consumer != label {
			others = append(others, consumer)
		}
	}
	if len(others) == 0 {
		return ""
	}
	sort.Strings(others)
	return others[0]
}

func (l *Ledger) dropConsumerLocked(ip, label string) {
	set := l.consumers[ip]
	delete(set, label)
	if len(set) == 0 {
		delete(l.consumers, ip)
	}
}

// Penalize charges a failed attempt against label for the rest of the cycle
// so a broken proxy cannot be retried forever.
func (l *Ledger) Penalize(label string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures[label]++
}

// HasRotated reports whether d now egresses from a different IP than the one
// last recorded. SOCKS5 proxies and never-used proxies always count as
// rotated; in skip mode rotation cannot be observed and nothing rotates.
func (l *Ledger) HasRotated(ctx context.Context, d models.ProxyDescriptor) bool {
	if d.IsSOCKS5() {
		return true
	}
	l.mu.RLock()
	prev := l.lastIP[d.Label]
	l.mu.RUnlock()
	if prev == "" {
		return true
	}
	if l.skip || l.prober == nil {
		return false
	}

	ip, err := l.prober.Probe(ctx, d)
	if err != nil {
		l.logger.Debug("rotation check failed",
			"label", d.Label,
			"error", err)
		return false
	}
	if ip == "" || ip == prev {
		return false
	}
	l.logger.Info("egress IP rotated",
		"label", d.Label,
		"old_ip", prev,
		"new_ip", ip)
	return true
}

// ResetCycle clears usage counters and IP maps. The last IP seen per proxy is
// kept so later rotation checks have something to compare against.
func (l *Ledger) ResetCycle() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clearCycle()
}

// Reset discards everything, including IP history.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clear()
}

// Usage returns the successful allocations charged to label this cycle.
func (l *Ledger) Usage(label string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.usage[label]
}

// IPUsage returns the allocations charged to ip this cycle.
func (l *Ledger) IPUsage(ip string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.ipUsage[ip]
}

// LastIP returns the last IP recorded for label, across cycles.
func (l *Ledger) LastIP(label string) string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastIP[label]
}

// Snapshot returns per-proxy usage for labels, in the given order, and
// per-IP usage sorted by IP.
func (l *Ledger) Snapshot(labels []string) ([]models.ProxyUsage, []models.IPUsage) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	proxies := make([]models.ProxyUsage, 0, len(labels))
	for _, label := range labels {
		proxies = append(proxies, models.ProxyUsage{
			Label:    label,
			Usage:    l.usage[label],
			Failures: l.failures[label],
			LastIP:   l.lastIP[label],
		})
	}

	ips := make([]models.IPUsage, 0, len(l.ipUsage))
	for ip, count := range l.ipUsage {
		consumers := make([]string, 0, len(l.consumers[ip]))
		for label := range l.consumers[ip] {
			consumers = append(consumers, label)
		}
		sort.Strings(consumers)
		ips = append(ips, models.IPUsage{
			IP:        ip,
			Usage:     count,
			Consumers: consumers,
			AtLimit:   count >= l.maxPerIP,
		})
	}
	sort.Slice(ips, func(i, j int) bool { return ips[i].IP < ips[j].IP })
	return proxies, ips
}
