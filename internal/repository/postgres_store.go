package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"agromet-quillota/internal/models"
	"agromet-quillota/pkg/database"
	"agromet-quillota/pkg/logging"
	"agromet-quillota/pkg/metrics"
)

// postgresStore implements Store on PostgreSQL
type postgresStore struct {
	db      *database.PostgresDB
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewPostgresStore creates a Postgres-backed Store
func NewPostgresStore(db *database.PostgresDB, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) Store {
	return &postgresStore{
		db:      db,
		logger:  logger,
		metrics: metricsCollector,
	}
}

// readingRow adds the serialized findings column to the reading model.
type readingRow struct {
	models.Reading
	FindingsJSON []byte `db:"findings"`
}

func (r *readingRow) toModel() (*models.Reading, error) {
	reading := r.Reading
	if len(r.FindingsJSON) > 0 {
		if err := json.Unmarshal(r.FindingsJSON, &reading.Findings); err != nil {
			return nil, fmt.Errorf("failed to decode findings: %w", err)
		}
	}
	return &reading, nil
}

// UpsertReading inserts a reading keyed by (station_id, observed_at).
// An existing row is only replaced when the incoming quality score is
// strictly higher, so a late fallback never clobbers a real observation.
// Returns true when a row was written.
func (s *postgresStore) UpsertReading(ctx context.Context, r *models.Reading) (bool, error) {
	findings, err := json.Marshal(r.Findings)
	if err != nil {
		return false, fmt.Errorf("failed to encode findings: %w", err)
	}

	query := `
		INSERT INTO readings (
			station_id, observed_at, ingested_at, source,
			temperature_c, temperature_min_c, temperature_max_c,
			humidity_pct, pressure_hpa, wind_speed_kmh, wind_direction_deg,
			precipitation_mm, cloud_cover_pct, solar_radiation_wm2, dew_point_c,
			quality_score, valid, findings
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (station_id, observed_at) DO UPDATE SET
			ingested_at = EXCLUDED.ingested_at,
			source = EXCLUDED.source,
			temperature_c = EXCLUDED.temperature_c,
			temperature_min_c = EXCLUDED.temperature_min_c,
			temperature_max_c = EXCLUDED.temperature_max_c,
			humidity_pct = EXCLUDED.humidity_pct,
			pressure_hpa = EXCLUDED.pressure_hpa,
			wind_speed_kmh = EXCLUDED.wind_speed_kmh,
			wind_direction_deg = EXCLUDED.wind_direction_deg,
			precipitation_mm = EXCLUDED.precipitation_mm,
			cloud_cover_pct = EXCLUDED.cloud_cover_pct,
			solar_radiation_wm2 = EXCLUDED.solar_radiation_wm2,
			dew_point_c = EXCLUDED.dew_point_c,
			quality_score = EXCLUDED.quality_score,
			valid = EXCLUDED.valid,
			findings = EXCLUDED.findings
		WHERE readings.quality_score < EXCLUDED.quality_score
	`

	result, err := s.db.ExecContext(ctx, "upsert_reading", query,
		r.StationID, r.ObservedAt, r.IngestedAt, r.Source,
		r.TemperatureC, r.TemperatureMinC, r.TemperatureMaxC,
		r.HumidityPct, r.PressureHPa, r.WindSpeedKmh, r.WindDirectionDeg,
		r.PrecipitationMm, r.CloudCoverPct, r.SolarRadiationWm2, r.DewPointC,
		r.QualityScore, r.Valid, findings,
	)
	if err != nil {
		return false, fmt.Errorf("failed to upsert reading: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

const readingColumns = `
	station_id, observed_at, ingested_at, source,
	temperature_c, temperature_min_c, temperature_max_c,
	humidity_pct, pressure_hpa, wind_speed_kmh, wind_direction_deg,
	precipitation_mm, cloud_cover_pct, solar_radiation_wm2, dew_point_c,
	quality_score, valid, findings`

// LatestReading returns the newest reading for the station, nil when the
// station has no data yet.
func (s *postgresStore) LatestReading(ctx context.Context, stationID string) (*models.Reading, error) {
	query := `SELECT` + readingColumns + `
		FROM readings
		WHERE station_id = $1
		ORDER BY observed_at DESC
		LIMIT 1`

	var row readingRow
	err := s.db.GetContext(ctx, "latest_reading", &row, query, stationID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest reading: %w", err)
	}

	return row.toModel()
}

// RecentReadings returns readings for the station at or after since,
// newest first.
func (s *postgresStore) RecentReadings(ctx context.Context, stationID string, since time.Time) ([]*models.Reading, error) {
	query := `SELECT` + readingColumns + `
		FROM readings
		WHERE station_id = $1 AND observed_at >= $2
		ORDER BY observed_at DESC`

	var rows []readingRow
	if err := s.db.SelectContext(ctx, "recent_readings", &rows, query, stationID, since); err != nil {
		return nil, fmt.Errorf("failed to get recent readings: %w", err)
	}

	return rowsToModels(rows)
}

// ReadingsBetween returns all stations' readings in [from, to], oldest
// first, which is the replay order.
func (s *postgresStore) ReadingsBetween(ctx context.Context, from, to time.Time) ([]*models.Reading, error) {
	query := `SELECT` + readingColumns + `
		FROM readings
		WHERE observed_at >= $1 AND observed_at <= $2
		ORDER BY observed_at ASC, station_id`

	var rows []readingRow
	if err := s.db.SelectContext(ctx, "readings_between", &rows, query, from, to); err != nil {
		return nil, fmt.Errorf("failed to get readings between: %w", err)
	}

	return rowsToModels(rows)
}

func rowsToModels(rows []readingRow) ([]*models.Reading, error) {
	out := make([]*models.Reading, 0, len(rows))
	for i := range rows {
		m, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// UpsertForecast inserts a forecast keyed by (station_id, valid_from),
// replacing any previous row for the slot.
func (s *postgresStore) UpsertForecast(ctx context.Context, f *models.Forecast) (bool, error) {
	query := `
		INSERT INTO forecasts (
			station_id, valid_from, valid_to, horizon_hours, ingested_at, source,
			temperature_c, humidity_pct, precipitation_mm, wind_speed_kmh, cloud_cover_pct
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (station_id, valid_from) DO UPDATE SET
			valid_to = EXCLUDED.valid_to,
			horizon_hours = EXCLUDED.horizon_hours,
			ingested_at = EXCLUDED.ingested_at,
			source = EXCLUDED.source,
			temperature_c = EXCLUDED.temperature_c,
			humidity_pct = EXCLUDED.humidity_pct,
			precipitation_mm = EXCLUDED.precipitation_mm,
			wind_speed_kmh = EXCLUDED.wind_speed_kmh,
			cloud_cover_pct = EXCLUDED.cloud_cover_pct
	`

	result, err := s.db.ExecContext(ctx, "upsert_forecast", query,
		f.StationID, f.ValidFrom, f.ValidTo, f.HorizonHours, f.IngestedAt, f.Source,
		f.TemperatureC, f.HumidityPct, f.PrecipitationMm, f.WindSpeedKmh, f.CloudCoverPct,
	)
	if err != nil {
		return false, fmt.Errorf("failed to upsert forecast: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// PutAlert inserts an alert; the unique (rule_code, station_id,
// observed_at) key makes re-evaluation of the same reading a no-op.
// Returns true when the alert was newly created.
func (s *postgresStore) PutAlert(ctx context.Context, a *models.Alert) (bool, error) {
	query := `
		INSERT INTO alerts (id, rule_code, station_id, observed_at, created_at, severity, message, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (rule_code, station_id, observed_at) DO NOTHING
	`

	result, err := s.db.ExecContext(ctx, "put_alert", query,
		a.ID, a.RuleCode, a.StationID, a.ObservedAt, a.CreatedAt, a.Severity, a.Message, a.Payload,
	)
	if err != nil {
		return false, fmt.Errorf("failed to put alert: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// LatestAlert returns the most recently created alert for the rule and
// station, nil when none exists. Used by the cool-down check.
func (s *postgresStore) LatestAlert(ctx context.Context, ruleCode, stationID string) (*models.Alert, error) {
	query := `
		SELECT id, rule_code, station_id, observed_at, created_at, severity, message, payload
		FROM alerts
		WHERE rule_code = $1 AND station_id = $2
		ORDER BY created_at DESC
		LIMIT 1
	`

	var a models.Alert
	err := s.db.GetContext(ctx, "latest_alert", &a, query, ruleCode, stationID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest alert: %w", err)
	}

	return &a, nil
}

// AlertsSince returns alerts created at or after since, oldest first.
func (s *postgresStore) AlertsSince(ctx context.Context, since time.Time) ([]*models.Alert, error) {
	query := `
		SELECT id, rule_code, station_id, observed_at, created_at, severity, message, payload
		FROM alerts
		WHERE created_at >= $1
		ORDER BY created_at ASC
	`

	var alerts []*models.Alert
	if err := s.db.SelectContext(ctx, "alerts_since", &alerts, query, since); err != nil {
		return nil, fmt.Errorf("failed to get alerts since: %w", err)
	}

	return alerts, nil
}

// OpenAlerts returns alerts within the window at or above minSeverity.
// This is the snapshot's open-alert set.
func (s *postgresStore) OpenAlerts(ctx context.Context, since time.Time, minSeverity models.Severity) ([]*models.Alert, error) {
	alerts, err := s.AlertsSince(ctx, since)
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

// PutDelivery records a delivery attempt. Sent and suppressed outcomes are
// terminal; a failed attempt may be superseded on a later cycle.
func (s *postgresStore) PutDelivery(ctx context.Context, d *models.DeliveryAttempt) error {
	query := `
		INSERT INTO deliveries (alert_id, recipient_id, channel, attempted_at, outcome, error)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (alert_id, recipient_id, channel) DO UPDATE SET
			attempted_at = EXCLUDED.attempted_at,
			outcome = EXCLUDED.outcome,
			error = EXCLUDED.error
		WHERE deliveries.outcome = 'failed'
	`

	_, err := s.db.ExecContext(ctx, "put_delivery", query,
		d.AlertID, d.RecipientID, d.Channel, d.AttemptedAt, d.Outcome, d.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to put delivery: %w", err)
	}

	return nil
}

// DeliveriesForAlert returns all recorded attempts for one alert.
func (s *postgresStore) DeliveriesForAlert(ctx context.Context, alertID string) ([]*models.DeliveryAttempt, error) {
	query := `
		SELECT alert_id, recipient_id, channel, attempted_at, outcome, error
		FROM deliveries
		WHERE alert_id = $1
	`

	var attempts []*models.DeliveryAttempt
	if err := s.db.SelectContext(ctx, "deliveries_for_alert", &attempts, query, alertID); err != nil {
		return nil, fmt.Errorf("failed to get deliveries: %w", err)
	}

	return attempts, nil
}

// SentDeliveriesSince counts sent notifications to one recipient after
// since, across all channels. Used by the per-recipient rate limit.
func (s *postgresStore) SentDeliveriesSince(ctx context.Context, recipientID string, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM deliveries
		WHERE recipient_id = $1 AND outcome = 'sent' AND attempted_at >= $2
	`

	var count int
	if err := s.db.GetContext(ctx, "sent_deliveries_since", &count, query, recipientID, since); err != nil {
		return 0, fmt.Errorf("failed to count sent deliveries: %w", err)
	}

	return count, nil
}

// DailyAggregates computes per-station rollups over [dayStart, dayEnd).
func (s *postgresStore) DailyAggregates(ctx context.Context, dayStart, dayEnd time.Time) ([]*models.DailyAggregate, error) {
	query := `
		SELECT
			station_id,
			MIN(COALESCE(temperature_min_c, temperature_c)) AS min_temperature_c,
			MAX(COALESCE(temperature_max_c, temperature_c)) AS max_temperature_c,
			AVG(temperature_c) AS mean_temperature_c,
			SUM(precipitation_mm) AS total_precipitation_mm,
			COUNT(*) AS reading_count
		FROM readings
		WHERE observed_at >= $1 AND observed_at < $2
		GROUP BY station_id
		ORDER BY station_id
	`

	var aggs []*models.DailyAggregate
	if err := s.db.SelectContext(ctx, "daily_aggregates", &aggs, query, dayStart, dayEnd); err != nil {
		return nil, fmt.Errorf("failed to compute daily aggregates: %w", err)
	}

	alertQuery := `
		SELECT station_id, severity, COUNT(*) AS n
		FROM alerts
		WHERE created_at >= $1 AND created_at < $2
		GROUP BY station_id, severity
	`

	var counts []struct {
		StationID string          `db:"station_id"`
		Severity  models.Severity `db:"severity"`
		N         int             `db:"n"`
	}
	if err := s.db.SelectContext(ctx, "daily_alert_counts", &counts, alertQuery, dayStart, dayEnd); err != nil {
		return nil, fmt.Errorf("failed to count daily alerts: %w", err)
	}

	byStation := make(map[string]*models.DailyAggregate, len(aggs))
	for _, a := range aggs {
		byStation[a.StationID] = a
	}
	for _, c := range counts {
		agg, ok := byStation[c.StationID]
		if !ok {
			continue
		}
		switch c.Severity {
		case models.SeverityInfo:
			agg.AlertsInfo = c.N
		case models.SeverityWarning:
			agg.AlertsWarning = c.N
		case models.SeverityCritical:
			agg.AlertsCritical = c.N
		}
	}

	return aggs, nil
}

// Prune removes rows older than the per-entity retention. Delivery rows
// follow their alerts via ON DELETE CASCADE.
func (s *postgresStore) Prune(ctx context.Context, now time.Time, retention RetentionPolicy) (PruneResult, error) {
	var result PruneResult

	steps := []struct {
		name   string
		query  string
		cutoff time.Time
		out    *int64
	}{
		{"prune_readings", `DELETE FROM readings WHERE observed_at < $1`, now.Add(-retention.Readings), &result.Readings},
		{"prune_forecasts", `DELETE FROM forecasts WHERE valid_from < $1`, now.Add(-retention.Forecasts), &result.Forecasts},
		{"prune_alerts", `DELETE FROM alerts WHERE created_at < $1`, now.Add(-retention.Alerts), &result.Alerts},
	}

	for _, step := range steps {
		res, err := s.db.ExecContext(ctx, step.name, step.query, step.cutoff)
		if err != nil {
			return result, fmt.Errorf("%s failed: %w", step.name, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			*step.out = n
		}
	}

	s.logger.Info(ctx, "[PRUNE] Retention pruning completed", logging.Fields{
		"readings_deleted":  result.Readings,
		"forecasts_deleted": result.Forecasts,
		"alerts_deleted":    result.Alerts,
	})

	return result, nil
}

// HealthCheck performs a store health check
func (s *postgresStore) HealthCheck(ctx context.Context) error {
	return s.db.HealthCheck(ctx)
}
