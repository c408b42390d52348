package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"agromet-quillota/internal/alerts"
	"agromet-quillota/internal/clock"
	"agromet-quillota/internal/config"
	"agromet-quillota/internal/fetcher"
	"agromet-quillota/internal/models"
	"agromet-quillota/internal/normalizer"
	"agromet-quillota/internal/notify"
	"agromet-quillota/internal/repository"
	"agromet-quillota/internal/snapshot"
	"agromet-quillota/pkg/logging"
	"agromet-quillota/pkg/metrics"
)

// StationFetcher abstracts the upstream client so tests can substitute it.
type StationFetcher interface {
	FetchStation(ctx context.Context, station models.Station) (*fetcher.RawPayload, error)
}

// CycleService runs one full pipeline pass: fetch every configured station
// with bounded parallelism, then serially normalize, store, evaluate rules
// and dispatch notifications, and finally refresh the snapshot and cycle log.
type CycleService struct {
	provider   *config.Provider
	fetcher    StationFetcher
	store      repository.Store
	dispatcher *notify.Dispatcher
	snapshots  *snapshot.Writer
	clock      clock.Clock
	logger     *logging.StructuredLogger
	metrics    *metrics.Collector

	// Cycles are serialized by the scheduler, so plain ints suffice.
	storeFailureStreak int
}

// NewCycleService creates a cycle service.
func NewCycleService(
	provider *config.Provider,
	stationFetcher StationFetcher,
	store repository.Store,
	dispatcher *notify.Dispatcher,
	snapshots *snapshot.Writer,
	clk clock.Clock,
	logger *logging.StructuredLogger,
	metricsCollector *metrics.Collector,
) *CycleService {
	return &CycleService{
		provider:   provider,
		fetcher:    stationFetcher,
		store:      store,
		dispatcher: dispatcher,
		snapshots:  snapshots,
		clock:      clk,
		logger:     logger,
		metrics:    metricsCollector,
	}
}

// stationResult carries one station's fetch outcome into the serial stages.
type stationResult struct {
	station models.Station
	payload *fetcher.RawPayload
	err     error
}

// Run executes one cycle. The returned summary always describes a completed
// cycle: upstream failures degrade to synthetic readings, per-station store
// errors are counted and skipped. The error return is reserved for setup
// problems that make the cycle itself impossible.
func (s *CycleService) Run(ctx context.Context) (*models.CycleSummary, error) {
	cfg := s.provider.Current()
	now := s.clock.Now()

	timer := s.metrics.NewTimer(s.metrics.CycleDuration)
	defer timer.ObserveDuration()

	summary := &models.CycleSummary{
		StartedAt:         now,
		StationsAttempted: len(cfg.Stations),
	}

	s.logger.Info(ctx, "[CYCLE_START] Starting ingestion cycle", logging.Fields{
		"stations": len(cfg.Stations),
		"stage":    "FETCH",
	})

	results := s.fetchAll(ctx, cfg)

	engine := alerts.NewEngine(s.store, cfg.Threshold, cfg.CoolDown(), s.logger, s.metrics)
	storeFailed := false

	for _, res := range results {
		if ctx.Err() != nil {
			summary.Errors++
			summary.ErrorDetails = append(summary.ErrorDetails, "cycle cancelled")
			break
		}

		reading, forecasts := s.normalizeStation(ctx, res, now)
		if reading == nil {
			summary.Errors++
			summary.ErrorDetails = append(summary.ErrorDetails,
				fmt.Sprintf("%s: record rejected by validation", res.station.ID))
			continue
		}
		reading.IngestedAt = now

		stored, err := s.store.UpsertReading(ctx, reading)
		if err != nil {
			storeFailed = true
			summary.Errors++
			summary.ErrorDetails = append(summary.ErrorDetails,
				fmt.Sprintf("%s: store write failed: %v", res.station.ID, err))
			s.logger.Error(ctx, "[CYCLE_STORE_ERROR] Reading write failed", logging.Fields{
				"station_id": res.station.ID,
				"stage":      "STORE",
			}, err)
			continue
		}
		if stored {
			summary.ReadingsStored++
			s.metrics.ReadingsStored.Inc()
		}

		for i := range forecasts {
			forecasts[i].IngestedAt = now
			if _, err := s.store.UpsertForecast(ctx, &forecasts[i]); err != nil {
				storeFailed = true
				summary.Errors++
				summary.ErrorDetails = append(summary.ErrorDetails,
					fmt.Sprintf("%s: forecast write failed: %v", res.station.ID, err))
				break
			}
			summary.ForecastsStored++
			s.metrics.ForecastsStored.Inc()
		}

		if res.err == nil {
			summary.StationsOK++
		} else {
			summary.Errors++
			summary.ErrorDetails = append(summary.ErrorDetails,
				fmt.Sprintf("%s: %v", res.station.ID, res.err))
		}

		created := engine.Evaluate(ctx, res.station, reading, now)
		summary.AlertsGenerated += len(created)
	}

	if storeFailed {
		s.storeFailureStreak++
	} else {
		s.storeFailureStreak = 0
	}

	if ctx.Err() == nil {
		policy := notify.Policy{
			Recipients:          cfg.Recipients,
			EnabledChannels:     enabledChannels(cfg),
			MaxPerRecipientHour: cfg.MaxNotificationsPerRecipientPerHour,
			Window:              cfg.SnapshotWindow(),
		}
		sent, err := s.dispatcher.DispatchPending(ctx, policy, now)
		if err != nil {
			summary.Errors++
			summary.ErrorDetails = append(summary.ErrorDetails, fmt.Sprintf("dispatch: %v", err))
		}
		summary.NotificationsSent = sent
	}

	if err := s.snapshots.WriteSnapshot(ctx, cfg.Stations, cfg.SnapshotWindow(), now); err != nil {
		summary.Errors++
		summary.ErrorDetails = append(summary.ErrorDetails, fmt.Sprintf("snapshot: %v", err))
		s.logger.Error(ctx, "[CYCLE_SNAPSHOT_ERROR] Snapshot write failed", logging.Fields{
			"stage": "SNAPSHOT",
		}, err)
	}

	summary.FinishedAt = s.clock.Now()

	if err := s.snapshots.AppendCycleLog(*summary); err != nil {
		s.logger.Error(ctx, "[CYCLE_LOG_ERROR] Cycle log append failed", nil, err)
	}

	s.metrics.CyclesTotal.WithLabelValues(cycleResult(summary)).Inc()

	s.logger.Info(ctx, "[CYCLE_COMPLETE] Ingestion cycle completed", logging.Fields{
		"stations_attempted": summary.StationsAttempted,
		"stations_ok":        summary.StationsOK,
		"readings_stored":    summary.ReadingsStored,
		"forecasts_stored":   summary.ForecastsStored,
		"alerts_generated":   summary.AlertsGenerated,
		"notifications_sent": summary.NotificationsSent,
		"errors":             summary.Errors,
		"duration_seconds":   summary.FinishedAt.Sub(summary.StartedAt).Seconds(),
		"stage":              "COMPLETE",
	})

	return summary, nil
}

// fetchAll queries every station concurrently, bounded by
// max_concurrent_fetches. Results keep the configured station order.
func (s *CycleService) fetchAll(ctx context.Context, cfg *config.Config) []stationResult {
	results := make([]stationResult, len(cfg.Stations))
	sem := make(chan struct{}, cfg.MaxConcurrentFetches)

	var wg sync.WaitGroup
	for i, st := range cfg.Stations {
		wg.Add(1)
		go func(i int, st models.Station) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			// The fetch client observes fetch duration itself.
			payload, err := s.fetcher.FetchStation(ctx, st)
			results[i] = stationResult{station: st, payload: payload, err: err}
		}(i, st)
	}
	wg.Wait()

	return results
}

// normalizeStation turns one fetch result into a canonical reading plus
// forecast rows. A failed fetch degrades to the deterministic synthetic
// reading; a rejected payload yields nil.
func (s *CycleService) normalizeStation(ctx context.Context, res stationResult, now time.Time) (*models.Reading, []models.Forecast) {
	if res.err != nil {
		s.logger.Warn(ctx, "[CYCLE_FALLBACK] Upstream fetch failed, generating synthetic reading", logging.Fields{
			"station_id": res.station.ID,
			"error":      res.err.Error(),
			"stage":      "FALLBACK",
		})
		s.metrics.FetchFallbacks.Inc()
		reading := fetcher.Synthetic(res.station, now)
		return &reading, nil
	}

	reading := normalizer.Normalize(res.payload, res.station, now)
	if reading == nil {
		s.logger.Warn(ctx, "[CYCLE_REJECT] Payload rejected by validation", logging.Fields{
			"station_id": res.station.ID,
			"stage":      "NORMALIZE",
		})
		return nil, nil
	}

	return reading, normalizer.NormalizeForecasts(res.payload, res.station, now)
}

// ConsecutiveStoreFailures reports how many cycles in a row had at least one
// failed store write. Two in a row means the process should exit for a
// supervisor restart.
func (s *CycleService) ConsecutiveStoreFailures() int {
	return s.storeFailureStreak
}

// Prune deletes rows older than the configured per-entity retention.
func (s *CycleService) Prune(ctx context.Context) (repository.PruneResult, error) {
	cfg := s.provider.Current()
	retention := repository.RetentionPolicy{
		Readings:  time.Duration(cfg.Retention.Readings) * 24 * time.Hour,
		Forecasts: time.Duration(cfg.Retention.Forecasts) * 24 * time.Hour,
		Alerts:    time.Duration(cfg.Retention.Alerts) * 24 * time.Hour,
	}

	result, err := s.store.Prune(ctx, s.clock.Now(), retention)
	if err != nil {
		return result, fmt.Errorf("retention pruning failed: %w", err)
	}

	s.logger.Info(ctx, "[PRUNE] Retention pruning completed", logging.Fields{
		"readings_deleted":  result.Readings,
		"forecasts_deleted": result.Forecasts,
		"alerts_deleted":    result.Alerts,
	})
	return result, nil
}

// WriteDailyRollup writes the dated aggregate document for the UTC day
// before asOf. Invoked by the scheduler at UTC midnight.
func (s *CycleService) WriteDailyRollup(ctx context.Context) error {
	now := s.clock.Now()
	return s.snapshots.WriteDailyRollup(ctx, now.Add(-24*time.Hour), now)
}

func enabledChannels(cfg *config.Config) map[models.Channel]bool {
	out := make(map[models.Channel]bool, len(cfg.Channels))
	for ch, cc := range cfg.Channels {
		out[ch] = cc.Enabled
	}
	return out
}

// cycleResult buckets a summary for the cycles_total metric.
func cycleResult(summary *models.CycleSummary) string {
	switch {
	case summary.StationsAttempted > 0 && summary.StationsOK == 0:
		return "failed"
	case summary.Errors > 0:
		return "partial"
	default:
		return "ok"
	}
}

// Exit codes for the one-shot cycle command.
const (
	ExitOK            = 0
	ExitSetupError    = 1
	ExitAllFailed     = 2
	ExitPartialFailed = 3
)

// ExitCode classifies a cycle summary for the CLI: 2 when every station
// failed, 3 when more than half did, 0 otherwise.
func ExitCode(summary *models.CycleSummary) int {
	if summary.StationsAttempted == 0 {
		return ExitOK
	}
	failed := summary.StationsAttempted - summary.StationsOK
	switch {
	case failed == summary.StationsAttempted:
		return ExitAllFailed
	case failed*2 > summary.StationsAttempted:
		return ExitPartialFailed
	default:
		return ExitOK
	}
}
