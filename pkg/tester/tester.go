package tester

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"proxy-allocator/pkg/models"
)

const DefaultWorkers = 8

type Prober interface {
	Probe(ctx context.Context, d models.ProxyDescriptor) (string, error)
}

// LatencyStore persists measurements. A nil store keeps results in memory.
type LatencyStore interface {
	UpdateProxyLatency(ctx context.Context, label string, latencyMs *int64) error
}

type Result struct {
	Label     string
	IP        string
	LatencyMs *int64
	Err       error
}

// Tester measures how long one egress probe takes through each proxy. The
// numbers feed the fastest strategy.
type Tester struct {
	prober  Prober
	store   LatencyStore
	workers int
	logger  *slog.Logger
}

func New(prober Prober, store LatencyStore, workers int, logger *slog.Logger) *Tester {
	if workers < 1 {
		workers = DefaultWorkers
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tester{prober: prober, store: store, workers: workers, logger: logger}
}

type job struct {
	index int
	proxy models.ProxyDescriptor
}

// Run probes every proxy and returns the results in catalog order together
// with a copy of the catalog carrying the new measurements. Failed probes
// clear the measurement.
func (t *Tester) Run(ctx context.Context, proxies []models.ProxyDescriptor) ([]Result, []models.ProxyDescriptor) {
	jobs := make(chan job, len(proxies))
	results := make([]Result, len(proxies))

	var wg sync.WaitGroup
	for i := 0; i < t.workers; i++ {
		wg.Add(1)
		go t.worker(ctx, &wg, jobs, results)
	}

	for i, p := range proxies {
		jobs <- job{index: i, proxy: p}
	}
	close(jobs)
	wg.Wait()

	updated := make([]models.ProxyDescriptor, len(proxies))
	copy(updated, proxies)
	for i := range updated {
		updated[i].MeasuredLatencyMs = results[i].LatencyMs
	}
	return results, updated
}

func (t *Tester) worker(ctx context.Context, wg *sync.WaitGroup, jobs <-chan job, results []Result) {
	defer wg.Done()
	for j := range jobs {
		r := t.measure(ctx, j.proxy)
		if t.store != nil {
			if err := t.store.UpdateProxyLatency(ctx, r.Label, r.LatencyMs); err != nil {
				t.logger.Error("Error saving latency", "label", r.Label, "error", err)
			}
		}
		results[j.index] = r
	}
}

func (t *Tester) measure(ctx context.Context, p models.ProxyDescriptor) Result {
	start := time.Now()
	ip, err := t.prober.Probe(ctx, p)
	if err != nil {
		t.logger.Debug("Latency test failed", "label", p.Label, "error", err)
		return Result{Label: p.Label, Err: err}
	}
	ms := time.Since(start).Milliseconds()
	t.logger.Debug("Latency measured", "label", p.Label, "ip", ip, "latency_ms", ms)
	return Result{Label: p.Label, IP: ip, LatencyMs: &ms}
}
