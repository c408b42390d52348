package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"agromet-quillota/internal/models"
	"agromet-quillota/internal/repository"
	"agromet-quillota/pkg/logging"
	"agromet-quillota/pkg/metrics"
)

// Engine evaluates the rule set over readings and commits the resulting
// alerts through the store. Rule failures are isolated: a panicking or
// erroring rule never aborts the remaining rules.
type Engine struct {
	store     repository.Store
	rules     []Rule
	threshold func(key string, def float64) float64
	coolDown  time.Duration
	logger    *logging.StructuredLogger
	metrics   *metrics.Collector
}

// NewEngine creates an alert engine. thresholdFn resolves config overrides;
// pass nil to use the built-in defaults.
func NewEngine(store repository.Store, thresholdFn func(string, float64) float64, coolDown time.Duration, logger *logging.StructuredLogger, collector *metrics.Collector) *Engine {
	if thresholdFn == nil {
		thresholdFn = func(_ string, def float64) float64 { return def }
	}
	return &Engine{
		store:     store,
		rules:     Rules(),
		threshold: thresholdFn,
		coolDown:  coolDown,
		logger:    logger,
		metrics:   collector,
	}
}

// Evaluate runs every rule against the reading and persists new alerts.
// asOf is the evaluation instant: the wall clock during live cycles, the
// reading's own timestamp during replay. Returns the alerts created.
func (e *Engine) Evaluate(ctx context.Context, station models.Station, reading *models.Reading, asOf time.Time) []*models.Alert {
	if reading == nil {
		return nil
	}

	recent, err := e.store.RecentReadings(ctx, station.ID, reading.ObservedAt.Add(-pressureLookback-time.Hour))
	if err != nil {
		e.logger.Warn(ctx, "[ALERT_WINDOW] Failed to load recent readings, window rules skipped", logging.Fields{
			"station_id": station.ID,
			"error":      err.Error(),
		})
	}

	in := EvalInput{Station: station, Reading: reading, Recent: recent}
	th := func(key string) float64 {
		return e.threshold(key, thresholdDefaults[key])
	}

	var created []*models.Alert
	for _, rule := range e.rules {
		alert := e.evaluateRule(ctx, rule, in, th, asOf)
		if alert != nil {
			created = append(created, alert)
		}
	}

	return created
}

// evaluateRule runs one rule with panic isolation and applies the
// cool-down and deduplication policies.
func (e *Engine) evaluateRule(ctx context.Context, rule Rule, in EvalInput, th func(string) float64, asOf time.Time) (alert *models.Alert) {
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error(ctx, "[RULE_PANIC] Rule evaluation panicked", logging.Fields{
				"rule_code":  rule.Code,
				"station_id": in.Station.ID,
			}, fmt.Errorf("panic: %v", rec))
			alert = nil
		}
	}()

	fired, message := rule.Predicate(in, th)
	if !fired {
		return nil
	}

	// Cool-down: suppress repeats at equal or lesser severity within the
	// window. An escalation always emits.
	last, err := e.store.LatestAlert(ctx, rule.Code, in.Station.ID)
	if err != nil {
		e.logger.Error(ctx, "[RULE_ERROR] Cool-down lookup failed", logging.Fields{
			"rule_code":  rule.Code,
			"station_id": in.Station.ID,
		}, err)
		return nil
	}
	if last != nil && asOf.Before(last.CreatedAt.Add(e.coolDown)) && !escalates(rule.Severity, last.Severity) {
		e.metrics.AlertsSuppressed.Inc()
		return nil
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"quality_score": in.Reading.QualityScore,
		"source":        in.Reading.Source,
	})

	candidate := &models.Alert{
		ID:         uuid.NewString(),
		RuleCode:   rule.Code,
		StationID:  in.Station.ID,
		ObservedAt: in.Reading.ObservedAt,
		CreatedAt:  asOf,
		Severity:   rule.Severity,
		Message:    message,
		Payload:    string(payload),
	}

	createdNew, err := e.store.PutAlert(ctx, candidate)
	if err != nil {
		e.logger.Error(ctx, "[RULE_ERROR] Failed to persist alert", logging.Fields{
			"rule_code":  rule.Code,
			"station_id": in.Station.ID,
		}, err)
		return nil
	}
	if !createdNew {
		// Same reading already produced this alert on an earlier run.
		e.metrics.AlertsSuppressed.Inc()
		return nil
	}

	e.metrics.RecordAlert(rule.Code, string(rule.Severity))
	e.logger.Info(ctx, "[ALERT] Alert created", logging.Fields{
		"rule_code":  rule.Code,
		"station_id": in.Station.ID,
		"severity":   string(rule.Severity),
		"message":    message,
	})

	return candidate
}

// escalates reports whether the new severity strictly exceeds the old one.
func escalates(next, prev models.Severity) bool {
	return next.Rank() > prev.Rank()
}
