package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"agromet-quillota/internal/models"
)

// MemoryStore is an in-memory Store used in tests and dry runs. Semantics
// match the Postgres store: quality-guarded reading upserts, idempotent
// alert keys, terminal delivery outcomes.
type MemoryStore struct {
	mu         sync.RWMutex
	readings   map[string]*models.Reading         // station_id|observed_at
	forecasts  map[string]*models.Forecast        // station_id|valid_from
	alerts     map[string]*models.Alert           // rule_code|station_id|observed_at
	deliveries map[string]*models.DeliveryAttempt // alert_id|recipient_id|channel
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		readings:   make(map[string]*models.Reading),
		forecasts:  make(map[string]*models.Forecast),
		alerts:     make(map[string]*models.Alert),
		deliveries: make(map[string]*models.DeliveryAttempt),
	}
}

func readingKey(stationID string, at time.Time) string {
	return stationID + "|" + at.UTC().Format(time.RFC3339)
}

func (m *MemoryStore) UpsertReading(_ context.Context, r *models.Reading) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := readingKey(r.StationID, r.ObservedAt)
	if existing, ok := m.readings[key]; ok && existing.QualityScore >= r.QualityScore {
		return false, nil
	}
	cp := *r
	m.readings[key] = &cp
	return true, nil
}

func (m *MemoryStore) LatestReading(_ context.Context, stationID string) (*models.Reading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *models.Reading
	for _, r := range m.readings {
		if r.StationID != stationID {
			continue
		}
		if latest == nil || r.ObservedAt.After(latest.ObservedAt) {
			latest = r
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (m *MemoryStore) RecentReadings(_ context.Context, stationID string, since time.Time) ([]*models.Reading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Reading
	for _, r := range m.readings {
		if r.StationID == stationID && !r.ObservedAt.Before(since) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ObservedAt.After(out[j].ObservedAt) })
	return out, nil
}

func (m *MemoryStore) ReadingsBetween(_ context.Context, from, to time.Time) ([]*models.Reading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Reading
	for _, r := range m.readings {
		if !r.ObservedAt.Before(from) && !r.ObservedAt.After(to) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ObservedAt.Equal(out[j].ObservedAt) {
			return out[i].StationID < out[j].StationID
		}
		return out[i].ObservedAt.Before(out[j].ObservedAt)
	})
	return out, nil
}

func (m *MemoryStore) UpsertForecast(_ context.Context, f *models.Forecast) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *f
	m.forecasts[f.StationID+"|"+f.ValidFrom.UTC().Format(time.RFC3339)] = &cp
	return true, nil
}

// ForecastCount reports stored forecast rows. Test helper.
func (m *MemoryStore) ForecastCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.forecasts)
}

func alertKey(ruleCode, stationID string, observedAt time.Time) string {
	return ruleCode + "|" + stationID + "|" + observedAt.UTC().Format(time.RFC3339)
}

func (m *MemoryStore) PutAlert(_ context.Context, a *models.Alert) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := alertKey(a.RuleCode, a.StationID, a.ObservedAt)
	if _, ok := m.alerts[key]; ok {
		return false, nil
	}
	cp := *a
	m.alerts[key] = &cp
	return true, nil
}

func (m *MemoryStore) LatestAlert(_ context.Context, ruleCode, stationID string) (*models.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *models.Alert
	for _, a := range m.alerts {
		if a.RuleCode != ruleCode || a.StationID != stationID {
			continue
		}
		if latest == nil || a.CreatedAt.After(latest.CreatedAt) {
			latest = a
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (m *MemoryStore) AlertsSince(_ context.Context, since time.Time) ([]*models.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Alert
	for _, a := range m.alerts {
		if !a.CreatedAt.Before(since) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) OpenAlerts(ctx context.Context, since time.Time, minSeverity models.Severity) ([]*models.Alert, error) {
	alerts, err := m.AlertsSince(ctx, since)
	if err != nil {
		return nil, err
	}
	open := make([]*models.Alert, 0, len(alerts))
	for _, a := range alerts {
		if a.Severity.AtLeast(minSeverity) {
			open = append(open, a)
		}
	}
	return open, nil
}

func deliveryKey(alertID, recipientID string, channel models.Channel) string {
	return alertID + "|" + recipientID + "|" + string(channel)
}

func (m *MemoryStore) PutDelivery(_ context.Context, d *models.DeliveryAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := deliveryKey(d.AlertID, d.RecipientID, d.Channel)
	if existing, ok := m.deliveries[key]; ok && existing.Outcome != models.OutcomeFailed {
		return nil
	}
	cp := *d
	m.deliveries[key] = &cp
	return nil
}

func (m *MemoryStore) DeliveriesForAlert(_ context.Context, alertID string) ([]*models.DeliveryAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.DeliveryAttempt
	for _, d := range m.deliveries {
		if d.AlertID == alertID {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) SentDeliveriesSince(_ context.Context, recipientID string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, d := range m.deliveries {
		if d.RecipientID == recipientID && d.Outcome == models.OutcomeSent && !d.AttemptedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) DailyAggregates(_ context.Context, dayStart, dayEnd time.Time) ([]*models.DailyAggregate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	type acc struct {
		agg     *models.DailyAggregate
		tempSum float64
		tempN   int
	}
	byStation := make(map[string]*acc)

	for _, r := range m.readings {
		if r.ObservedAt.Before(dayStart) || !r.ObservedAt.Before(dayEnd) {
			continue
		}
		a, ok := byStation[r.StationID]
		if !ok {
			a = &acc{agg: &models.DailyAggregate{StationID: r.StationID}}
			byStation[r.StationID] = a
		}
		a.agg.ReadingCount++

		low, high := r.TemperatureC, r.TemperatureC
		if r.TemperatureMinC != nil {
			low = r.TemperatureMinC
		}
		if r.TemperatureMaxC != nil {
			high = r.TemperatureMaxC
		}
		if low != nil && (a.agg.MinTemperatureC == nil || *low < *a.agg.MinTemperatureC) {
			v := *low
			a.agg.MinTemperatureC = &v
		}
		if high != nil && (a.agg.MaxTemperatureC == nil || *high > *a.agg.MaxTemperatureC) {
			v := *high
			a.agg.MaxTemperatureC = &v
		}
		if r.TemperatureC != nil {
			a.tempSum += *r.TemperatureC
			a.tempN++
		}
		if r.PrecipitationMm != nil {
			if a.agg.TotalPrecipitationMm == nil {
				a.agg.TotalPrecipitationMm = new(float64)
			}
			*a.agg.TotalPrecipitationMm += *r.PrecipitationMm
		}
	}

	for _, a := range m.alerts {
		if a.CreatedAt.Before(dayStart) || !a.CreatedAt.Before(dayEnd) {
			continue
		}
		acc, ok := byStation[a.StationID]
		if !ok {
			continue
		}
		switch a.Severity {
		case models.SeverityInfo:
			acc.agg.AlertsInfo++
		case models.SeverityWarning:
			acc.agg.AlertsWarning++
		case models.SeverityCritical:
			acc.agg.AlertsCritical++
		}
	}

	out := make([]*models.DailyAggregate, 0, len(byStation))
	for _, a := range byStation {
		if a.tempN > 0 {
			mean := a.tempSum / float64(a.tempN)
			a.agg.MeanTemperatureC = &mean
		}
		out = append(out, a.agg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StationID < out[j].StationID })
	return out, nil
}

func (m *MemoryStore) Prune(_ context.Context, now time.Time, retention RetentionPolicy) (PruneResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result PruneResult
	for k, r := range m.readings {
		if r.ObservedAt.Before(now.Add(-retention.Readings)) {
			delete(m.readings, k)
			result.Readings++
		}
	}
	for k, f := range m.forecasts {
		if f.ValidFrom.Before(now.Add(-retention.Forecasts)) {
			delete(m.forecasts, k)
			result.Forecasts++
		}
	}
	for k, a := range m.alerts {
		if a.CreatedAt.Before(now.Add(-retention.Alerts)) {
			for dk, d := range m.deliveries {
				if d.AlertID == a.ID {
					delete(m.deliveries, dk)
				}
			}
			delete(m.alerts, k)
			result.Alerts++
		}
	}
	return result, nil
}

func (m *MemoryStore) HealthCheck(context.Context) error {
	return nil
}
