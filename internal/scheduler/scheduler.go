package scheduler

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron"

	"agromet-quillota/internal/config"
	"agromet-quillota/internal/models"
	"agromet-quillota/internal/services"
	"agromet-quillota/pkg/logging"
	"agromet-quillota/pkg/metrics"
)

// Scheduler drives the pipeline on a fixed cadence plus a daily rollup at
// UTC midnight. Cycles never overlap: a tick arriving while the previous
// cycle still runs is skipped and counted.
type Scheduler struct {
	provider *config.Provider
	cycles   *services.CycleService
	logger   *logging.StructuredLogger
	metrics  *metrics.Collector

	scheduler *gocron.Scheduler
	inFlight  atomic.Bool
	wg        sync.WaitGroup
	fatal     chan error
}

// ErrStoreFailing is returned by Start when two consecutive cycles had
// failed store writes; the process should exit for a supervisor restart.
var ErrStoreFailing = errors.New("store writes failed in two consecutive cycles")

// New creates a scheduler over the cycle service.
func New(provider *config.Provider, cycles *services.CycleService, logger *logging.StructuredLogger, collector *metrics.Collector) *Scheduler {
	return &Scheduler{
		provider:  provider,
		cycles:    cycles,
		logger:    logger,
		metrics:   collector,
		scheduler: gocron.NewScheduler(time.UTC),
		fatal:     make(chan error, 1),
	}
}

// Start schedules the cadence job and the daily rollup and runs them until
// the context is cancelled. A cycle in flight when cancellation arrives is
// allowed to finish.
func (s *Scheduler) Start(ctx context.Context) error {
	cadence := s.provider.Current().Cadence()

	_, err := s.scheduler.Every(cadence).Do(func() {
		s.tick(ctx, cadence)
	})
	if err != nil {
		return err
	}

	_, err = s.scheduler.Cron("0 0 * * *").Do(func() {
		s.wg.Add(1)
		defer s.wg.Done()
		if err := s.cycles.WriteDailyRollup(ctx); err != nil {
			s.logger.Error(ctx, "[SCHED_ROLLUP_ERROR] Daily rollup failed", nil, err)
		}
	})
	if err != nil {
		return err
	}

	s.scheduler.StartAsync()

	s.logger.Info(ctx, "[SCHED_START] Scheduler started", logging.Fields{
		"cadence_seconds": int(cadence.Seconds()),
	})

	var fatal error
	select {
	case <-ctx.Done():
	case fatal = <-s.fatal:
	}
	s.scheduler.Stop()
	s.wg.Wait()

	s.logger.Info(context.Background(), "[SCHED_STOP] Scheduler stopped", nil)
	return fatal
}

// tick runs one cadence tick: jitter, the non-overlap guard, then the cycle.
func (s *Scheduler) tick(ctx context.Context, cadence time.Duration) {
	if !s.inFlight.CompareAndSwap(false, true) {
		s.metrics.CycleOverruns.Inc()
		s.logger.Warn(ctx, "[SCHED_OVERRUN] Previous cycle still running, tick skipped", logging.Fields{
			"event": "cycle_overrun",
		})
		return
	}
	defer s.inFlight.Store(false)

	s.wg.Add(1)
	defer s.wg.Done()

	// Jitter up to 10% of the cadence so restarts do not synchronize
	// upstream request bursts across deployments.
	jitter := time.Duration(rand.Int63n(int64(cadence) / 10))
	select {
	case <-ctx.Done():
		return
	case <-time.After(jitter):
	}

	if _, err := s.cycles.Run(ctx); err != nil {
		s.logger.Error(ctx, "[SCHED_CYCLE_ERROR] Cycle failed", nil, err)
	}

	if s.cycles.ConsecutiveStoreFailures() >= 2 {
		select {
		case s.fatal <- ErrStoreFailing:
		default:
		}
	}
}

// RunOnce triggers a single cycle immediately, outside the cadence.
func (s *Scheduler) RunOnce(ctx context.Context) (*models.CycleSummary, error) {
	return s.cycles.Run(ctx)
}
