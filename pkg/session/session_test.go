package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"proxy-allocator/pkg/config"
	"proxy-allocator/pkg/models"
	"proxy-allocator/pkg/scheduler"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeDriver struct {
	mu     sync.Mutex
	labels map[string]int
	fail   string
}

func (d *fakeDriver) OpenSession(_ context.Context, a *models.Allocation) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.labels[a.Label]++
	if a.Label == d.fail {
		return errors.New("browser crashed")
	}
	return nil
}

type memRecorder struct {
	mu          sync.Mutex
	allocations []*models.Allocation
}

func (r *memRecorder) InsertAllocation(_ context.Context, a *models.Allocation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.allocations = append(r.allocations, a)
	return nil
}

func newScheduler(t *testing.T, n, maxPerIP int) scheduler.Scheduler {
	t.Helper()
	opts := config.Default()
	opts.MaxProfilesPerIP = maxPerIP
	opts.SkipIPCheck = true

	var catalog []models.ProxyDescriptor
	for i := 0; i < n; i++ {
		catalog = append(catalog, models.ProxyDescriptor{
			Label:           fmt.Sprintf("p%d", i),
			Host:            "10.0.0.1",
			Port:            3128 + i,
			Transport:       models.TransportHTTP,
			DeclaredCountry: "US",
			ConnectionClass: models.ResidentClass,
		})
	}
	s, err := scheduler.New(opts, catalog, nil, discard)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestRunUntilExhausted(t *testing.T) {
	s := newScheduler(t, 3, 2)
	driver := &fakeDriver{labels: make(map[string]int), fail: "p1"}
	recorder := &memRecorder{}

	summary, err := NewService(s, driver, recorder, discard).Run(context.Background(), Settings{Workers: 4})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !summary.Exhausted || summary.Allocations != 6 {
		t.Errorf("summary = %+v, want 6 allocations and exhausted", summary)
	}
	if summary.DriverFailures != 2 {
		t.Errorf("DriverFailures = %d, want 2", summary.DriverFailures)
	}
	for label, n := range driver.labels {
		if n != 2 {
			t.Errorf("proxy %s opened %d sessions, want 2", label, n)
		}
	}
	if len(recorder.allocations) != 6 {
		t.Fatalf("recorded %d allocations", len(recorder.allocations))
	}
	for _, a := range recorder.allocations {
		if a.BatchID != summary.BatchID {
			t.Errorf("allocation %s has batch %s, want %s", a.ID, a.BatchID, summary.BatchID)
		}
	}
}

func TestRunLimit(t *testing.T) {
	s := newScheduler(t, 5, 5)
	driver := &fakeDriver{labels: make(map[string]int)}

	summary, err := NewService(s, driver, nil, discard).Run(context.Background(), Settings{Workers: 3, Limit: 7})
	if err != nil {
		t.Fatal(err)
	}
	if summary.Allocations != 7 || summary.Exhausted {
		t.Errorf("summary = %+v, want 7 allocations", summary)
	}
}

func TestRunResetsBetweenBatches(t *testing.T) {
	s := newScheduler(t, 1, 1)
	svc := NewService(s, &fakeDriver{labels: make(map[string]int)}, nil, discard)

	first, err := svc.Run(context.Background(), Settings{Workers: 1})
	if err != nil {
		t.Fatal(err)
	}
	second, err := svc.Run(context.Background(), Settings{Workers: 1})
	if err != nil {
		t.Fatal(err)
	}
	if first.Allocations != 1 || second.Allocations != 1 {
		t.Errorf("allocations = %d then %d, want 1 each", first.Allocations, second.Allocations)
	}
	if first.BatchID == second.BatchID {
		t.Error("batches share an ID")
	}
}

func TestRunCancelled(t *testing.T) {
	s := newScheduler(t, 2, 5)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := NewService(s, &fakeDriver{labels: make(map[string]int)}, nil, discard).Run(ctx, Settings{Workers: 2})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
	if summary.Allocations != 0 {
		t.Errorf("Allocations = %d after cancellation", summary.Allocations)
	}
}
