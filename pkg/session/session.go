package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"proxy-allocator/pkg/models"
	"proxy-allocator/pkg/scheduler"
)

// Driver opens one browsing session through an allocated proxy.
type Driver interface {
	OpenSession(ctx context.Context, allocation *models.Allocation) error
}

// Recorder persists allocations. database.DB satisfies it.
type Recorder interface {
	InsertAllocation(ctx context.Context, allocation *models.Allocation) error
}

type Settings struct {
	Workers int // concurrent driver sessions, at least 1
	Limit   int // 0 runs until the pool is exhausted
}

type Summary struct {
	BatchID        uuid.UUID `json:"batch_id" yaml:"batch_id"`
	Allocations    int       `json:"allocations" yaml:"allocations"`
	DriverFailures int       `json:"driver_failures" yaml:"driver_failures"`
	Exhausted      bool      `json:"exhausted" yaml:"exhausted"`
}

type Service struct {
	scheduler scheduler.Scheduler
	driver    Driver
	recorder  Recorder
	logger    *slog.Logger
}

// NewService wires a batch runner. recorder may be nil.
func NewService(s scheduler.Scheduler, driver Driver, recorder Recorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		scheduler: s,
		driver:    driver,
		recorder:  recorder,
		logger:    logger,
	}
}

// Run starts a new batch: ledgers are reset, then workers allocate and open
// sessions until the limit is reached, the pool is exhausted or ctx ends.
func (s *Service) Run(ctx context.Context, settings Settings) (Summary, error) {
	if settings.Workers < 1 {
		settings.Workers = 1
	}
	s.scheduler.Reset()

	summary := Summary{BatchID: s.scheduler.BatchID()}
	s.logger.Info("Starting batch",
		"batch", summary.BatchID,
		"workers", settings.Workers,
		"limit", settings.Limit)

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		firstErr error
		claimed  int
	)

	// claim reserves one slot under the limit.
	claim := func() bool {
		mu.Lock()
		defer mu.Unlock()
		if firstErr != nil || summary.Exhausted {
			return false
		}
		if settings.Limit > 0 && claimed >= settings.Limit {
			return false
		}
		claimed++
		return true
	}
	release := func() {
		mu.Lock()
		claimed--
		mu.Unlock()
	}

	for i := 0; i < settings.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for ctx.Err() == nil && claim() {
				if !s.scheduler.ShouldContinue(ctx) {
					release()
					mu.Lock()
					summary.Exhausted = true
					mu.Unlock()
					return
				}

				allocation, err := s.scheduler.Next(ctx)
				if err != nil {
					release()
					mu.Lock()
					if errors.Is(err, scheduler.ErrExhausted) {
						summary.Exhausted = true
					} else if firstErr == nil && ctx.Err() == nil {
						firstErr = err
					}
					mu.Unlock()
					return
				}

				if s.recorder != nil {
					if err := s.recorder.InsertAllocation(ctx, allocation); err != nil {
						s.logger.Error("Failed to save allocation",
							"error", err,
							"label", allocation.Label)
					}
				}

				failed := false
				if err := s.driver.OpenSession(ctx, allocation); err != nil {
					failed = true
					s.logger.Error("Session failed",
						"error", err,
						"worker", worker,
						"label", allocation.Label,
						"ip", allocation.IP)
				}

				mu.Lock()
				summary.Allocations++
				if failed {
					summary.DriverFailures++
				}
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	s.logger.Info("Batch finished",
		"batch", summary.BatchID,
		"allocations", summary.Allocations,
		"driver_failures", summary.DriverFailures,
		"exhausted", summary.Exhausted)

	if firstErr != nil {
		return summary, firstErr
	}
	return summary, ctx.Err()
}
