package models

import (
	"math"
	"time"
)

// Source identifies where a Reading came from.
type Source string

const (
	SourceUpstreamAPI       Source = "upstream_api"
	SourceSyntheticFallback Source = "synthetic_fallback"
)

// Severity of an alert, ordered info < warning < critical.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rank returns a numeric rank for severity comparison.
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityWarning:
		return 2
	case SeverityCritical:
		return 3
	default:
		return 0
	}
}

// AtLeast reports whether s is at or above min.
func (s Severity) AtLeast(min Severity) bool {
	return s.Rank() >= min.Rank()
}

// Valid reports whether s is one of the known severities.
func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// Station is a fixed geographic measurement location. Immutable after
// configuration load.
type Station struct {
	ID          string   `json:"id" yaml:"id" validate:"required"`
	DisplayName string   `json:"display_name" yaml:"display_name" validate:"required"`
	Latitude    float64  `json:"latitude" yaml:"latitude" validate:"gte=-90,lte=90"`
	Longitude   float64  `json:"longitude" yaml:"longitude" validate:"gte=-180,lte=180"`
	ElevationM  *int     `json:"elevation_m,omitempty" yaml:"elevation_m,omitempty"`
}

// FindingKind classifies a validation finding.
type FindingKind string

const (
	FindingError   FindingKind = "error"
	FindingWarning FindingKind = "warning"
)

// Finding is one validation error or warning attached to a Reading.
type Finding struct {
	Kind   FindingKind `json:"kind"`
	Code   string      `json:"code"`
	Field  string      `json:"field,omitempty"`
	Detail string      `json:"detail,omitempty"`
}

// Reading is one canonical observation for a station at a moment in time.
// Measurement fields use pointers so absent values map to SQL NULL.
type Reading struct {
	StationID  string    `json:"station_id" db:"station_id"`
	ObservedAt time.Time `json:"observed_at" db:"observed_at"`
	IngestedAt time.Time `json:"ingested_at" db:"ingested_at"`
	Source     Source    `json:"source" db:"source"`

	TemperatureC      *float64 `json:"temperature_c,omitempty" db:"temperature_c"`
	TemperatureMinC   *float64 `json:"temperature_min_c,omitempty" db:"temperature_min_c"`
	TemperatureMaxC   *float64 `json:"temperature_max_c,omitempty" db:"temperature_max_c"`
	HumidityPct       *float64 `json:"humidity_pct,omitempty" db:"humidity_pct"`
	PressureHPa       *float64 `json:"pressure_hpa,omitempty" db:"pressure_hpa"`
	WindSpeedKmh      *float64 `json:"wind_speed_kmh,omitempty" db:"wind_speed_kmh"`
	WindDirectionDeg  *float64 `json:"wind_direction_deg,omitempty" db:"wind_direction_deg"`
	PrecipitationMm   *float64 `json:"precipitation_mm,omitempty" db:"precipitation_mm"`
	CloudCoverPct     *float64 `json:"cloud_cover_pct,omitempty" db:"cloud_cover_pct"`
	SolarRadiationWm2 *float64 `json:"solar_radiation_wm2,omitempty" db:"solar_radiation_wm2"`
	DewPointC         *float64 `json:"dew_point_c,omitempty" db:"dew_point_c"`

	QualityScore int       `json:"quality_score" db:"quality_score"`
	Valid        bool      `json:"valid" db:"valid"`
	Findings     []Finding `json:"findings,omitempty" db:"-"`
}

// HasFinding reports whether the reading carries a finding with the code.
func (r *Reading) HasFinding(code string) bool {
	for _, f := range r.Findings {
		if f.Code == code {
			return true
		}
	}
	return false
}

// Forecast is a reading-shaped record tagged with a future validity window.
// Key: (station_id, valid_from).
type Forecast struct {
	StationID    string    `json:"station_id" db:"station_id"`
	ValidFrom    time.Time `json:"valid_from" db:"valid_from"`
	ValidTo      time.Time `json:"valid_to" db:"valid_to"`
	HorizonHours int       `json:"horizon_hours" db:"horizon_hours"`
	IngestedAt   time.Time `json:"ingested_at" db:"ingested_at"`
	Source       Source    `json:"source" db:"source"`

	TemperatureC    *float64 `json:"temperature_c,omitempty" db:"temperature_c"`
	HumidityPct     *float64 `json:"humidity_pct,omitempty" db:"humidity_pct"`
	PrecipitationMm *float64 `json:"precipitation_mm,omitempty" db:"precipitation_mm"`
	WindSpeedKmh    *float64 `json:"wind_speed_kmh,omitempty" db:"wind_speed_kmh"`
	CloudCoverPct   *float64 `json:"cloud_cover_pct,omitempty" db:"cloud_cover_pct"`
}

// Alert is a typed, severity-bearing event derived from a Reading.
// Key: (rule_code, station_id, observed_at); re-evaluating the same reading
// is idempotent.
type Alert struct {
	ID         string    `json:"id" db:"id"`
	RuleCode   string    `json:"rule_code" db:"rule_code"`
	StationID  string    `json:"station_id" db:"station_id"`
	ObservedAt time.Time `json:"observed_at" db:"observed_at"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	Severity   Severity  `json:"severity" db:"severity"`
	Message    string    `json:"message" db:"message"`
	Payload    string    `json:"payload,omitempty" db:"payload"`
}

// Channel names a notification transport.
type Channel string

const (
	ChannelSMS      Channel = "sms"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelEmail    Channel = "email"
)

// Recipient is a configured notification target.
type Recipient struct {
	ID              string    `json:"id" yaml:"id" validate:"required"`
	DisplayName     string    `json:"display_name" yaml:"display_name"`
	Phone           string    `json:"phone,omitempty" yaml:"phone,omitempty"`
	Email           string    `json:"email,omitempty" yaml:"email,omitempty"`
	ChannelsEnabled []Channel `json:"channels_enabled" yaml:"channels_enabled"`
	MinSeverity     Severity  `json:"min_severity" yaml:"min_severity"`
}

// WantsChannel reports whether the recipient opted into the channel.
func (r *Recipient) WantsChannel(ch Channel) bool {
	for _, c := range r.ChannelsEnabled {
		if c == ch {
			return true
		}
	}
	return false
}

// Address returns the destination for a channel, empty if not configured.
func (r *Recipient) Address(ch Channel) string {
	switch ch {
	case ChannelEmail:
		return r.Email
	case ChannelSMS, ChannelWhatsApp:
		return r.Phone
	default:
		return ""
	}
}

// DeliveryOutcome is the result of one notification attempt.
type DeliveryOutcome string

const (
	OutcomeSent       DeliveryOutcome = "sent"
	OutcomeFailed     DeliveryOutcome = "failed"
	OutcomeSuppressed DeliveryOutcome = "suppressed"
)

// DeliveryAttempt records one routing decision for (alert, recipient,
// channel). At most one row exists per key; a failed attempt may be
// superseded by a sent one on a later cycle.
type DeliveryAttempt struct {
	AlertID     string          `json:"alert_id" db:"alert_id"`
	RecipientID string          `json:"recipient_id" db:"recipient_id"`
	Channel     Channel         `json:"channel" db:"channel"`
	AttemptedAt time.Time       `json:"attempted_at" db:"attempted_at"`
	Outcome     DeliveryOutcome `json:"outcome" db:"outcome"`
	Error       *string         `json:"error,omitempty" db:"error"`
}

// CycleSummary is returned by one scheduler cycle.
type CycleSummary struct {
	StartedAt         time.Time `json:"started_at"`
	FinishedAt        time.Time `json:"finished_at"`
	StationsAttempted int       `json:"stations_attempted"`
	StationsOK        int       `json:"stations_ok"`
	ReadingsStored    int       `json:"readings_stored"`
	ForecastsStored   int       `json:"forecasts_stored"`
	AlertsGenerated   int       `json:"alerts_generated"`
	NotificationsSent int       `json:"notifications_sent"`
	Errors            int       `json:"errors"`
	ErrorDetails      []string  `json:"error_details,omitempty"`
}

// DailyAggregate is one station's rollup for a UTC day.
type DailyAggregate struct {
	StationID            string   `json:"station_id" db:"station_id"`
	MinTemperatureC      *float64 `json:"min_temperature_c,omitempty" db:"min_temperature_c"`
	MaxTemperatureC      *float64 `json:"max_temperature_c,omitempty" db:"max_temperature_c"`
	MeanTemperatureC     *float64 `json:"mean_temperature_c,omitempty" db:"mean_temperature_c"`
	TotalPrecipitationMm *float64 `json:"total_precipitation_mm,omitempty" db:"total_precipitation_mm"`
	ReadingCount         int      `json:"reading_count" db:"reading_count"`
	AlertsInfo           int      `json:"alerts_info" db:"alerts_info"`
	AlertsWarning        int      `json:"alerts_warning" db:"alerts_warning"`
	AlertsCritical       int      `json:"alerts_critical" db:"alerts_critical"`
}

// DewPointC computes the dew point via the Magnus approximation.
func DewPointC(temperatureC, humidityPct float64) float64 {
	const a, b = 17.27, 237.7
	gamma := (a*temperatureC)/(b+temperatureC) + math.Log(humidityPct/100.0)
	return (b * gamma) / (a - gamma)
}

// ValidationError represents a permanent data validation error.
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// IsTransient returns false as validation errors are permanent.
func (e *ValidationError) IsTransient() bool {
	return false
}
