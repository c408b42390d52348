package alerts

import (
	"fmt"
	"time"

	"agromet-quillota/internal/models"
)

// Threshold keys with their defaults. Config may override any of them.
const (
	ThresholdFrostCriticalMin  = "frost_critical_min_c"   // temperature_min_c at or below
	ThresholdFrostCriticalTemp = "frost_critical_temp_c"  // temperature_c at or below
	ThresholdFrostWarning      = "frost_warning_temp_c"   // 0 < temperature_c at or below
	ThresholdHeatExtreme       = "heat_extreme_max_c"     // temperature_max_c at or above
	ThresholdWindStrong        = "wind_strong_kmh"        // wind_speed_kmh at or above
	ThresholdHumidityHigh      = "humidity_high_pct"      // humidity_pct at or above
	ThresholdHumidityLow       = "humidity_low_pct"       // humidity_pct at or below
	ThresholdPrecipIntense     = "precip_intense_mm"      // precipitation_mm per hour at or above
	ThresholdPressureDrop      = "pressure_drop_hpa"      // fall vs ~6h prior at or above
)

var thresholdDefaults = map[string]float64{
	ThresholdFrostCriticalMin:  -2,
	ThresholdFrostCriticalTemp: 0,
	ThresholdFrostWarning:      4,
	ThresholdHeatExtreme:       35,
	ThresholdWindStrong:        50,
	ThresholdHumidityHigh:      90,
	ThresholdHumidityLow:       20,
	ThresholdPrecipIntense:     20,
	ThresholdPressureDrop:      8,
}

// pressureLookback is how far back the pressure_drop rule compares against.
const pressureLookback = 6 * time.Hour

// EvalInput is what a rule predicate sees: the latest reading plus the
// recent window some rules need.
type EvalInput struct {
	Station models.Station
	Reading *models.Reading
	// Recent readings for the station, newest first, covering at least
	// the pressure lookback. May be empty.
	Recent []*models.Reading
}

// Rule is one declarative alert rule. Predicates are pure; a nil message
// means the rule did not fire.
type Rule struct {
	Code        string
	Description string
	Severity    models.Severity
	Predicate   func(in EvalInput, threshold func(string) float64) (fired bool, message string)
}

// Rules returns the built-in rule set in evaluation order.
func Rules() []Rule {
	return []Rule{
		{
			Code:        "frost_critical",
			Description: "critical frost conditions",
			Severity:    models.SeverityCritical,
			Predicate: func(in EvalInput, th func(string) float64) (bool, string) {
				r := in.Reading
				if r.TemperatureMinC != nil && *r.TemperatureMinC <= th(ThresholdFrostCriticalMin) {
					return true, fmt.Sprintf("Helada crítica en %s: temperatura mínima %.1f°C", in.Station.DisplayName, *r.TemperatureMinC)
				}
				if r.TemperatureC != nil && *r.TemperatureC <= th(ThresholdFrostCriticalTemp) {
					return true, fmt.Sprintf("Helada crítica en %s: temperatura actual %.1f°C", in.Station.DisplayName, *r.TemperatureC)
				}
				return false, ""
			},
		},
		{
			Code:        "frost_warning",
			Description: "frost risk",
			Severity:    models.SeverityWarning,
			Predicate: func(in EvalInput, th func(string) float64) (bool, string) {
				r := in.Reading
				if r.TemperatureC != nil && *r.TemperatureC > th(ThresholdFrostCriticalTemp) && *r.TemperatureC <= th(ThresholdFrostWarning) {
					return true, fmt.Sprintf("Riesgo de helada en %s: temperatura %.1f°C", in.Station.DisplayName, *r.TemperatureC)
				}
				return false, ""
			},
		},
		{
			Code:        "heat_extreme",
			Description: "extreme heat",
			Severity:    models.SeverityCritical,
			Predicate: func(in EvalInput, th func(string) float64) (bool, string) {
				r := in.Reading
				if r.TemperatureMaxC != nil && *r.TemperatureMaxC >= th(ThresholdHeatExtreme) {
					return true, fmt.Sprintf("Calor extremo en %s: temperatura máxima %.1f°C", in.Station.DisplayName, *r.TemperatureMaxC)
				}
				return false, ""
			},
		},
		{
			Code:        "wind_strong",
			Description: "strong wind",
			Severity:    models.SeverityWarning,
			Predicate: func(in EvalInput, th func(string) float64) (bool, string) {
				r := in.Reading
				if r.WindSpeedKmh != nil && *r.WindSpeedKmh >= th(ThresholdWindStrong) {
					return true, fmt.Sprintf("Viento fuerte en %s: %.0f km/h", in.Station.DisplayName, *r.WindSpeedKmh)
				}
				return false, ""
			},
		},
		{
			Code:        "humidity_high",
			Description: "high humidity, fungal disease risk",
			Severity:    models.SeverityWarning,
			Predicate: func(in EvalInput, th func(string) float64) (bool, string) {
				r := in.Reading
				if r.HumidityPct != nil && *r.HumidityPct >= th(ThresholdHumidityHigh) {
					return true, fmt.Sprintf("Humedad alta en %s: %.0f%%", in.Station.DisplayName, *r.HumidityPct)
				}
				return false, ""
			},
		},
		{
			Code:        "humidity_low",
			Description: "low humidity, irrigation stress",
			Severity:    models.SeverityWarning,
			Predicate: func(in EvalInput, th func(string) float64) (bool, string) {
				r := in.Reading
				if r.HumidityPct != nil && *r.HumidityPct <= th(ThresholdHumidityLow) {
					return true, fmt.Sprintf("Humedad baja en %s: %.0f%%", in.Station.DisplayName, *r.HumidityPct)
				}
				return false, ""
			},
		},
		{
			Code:        "precip_intense",
			Description: "intense precipitation",
			Severity:    models.SeverityWarning,
			Predicate: func(in EvalInput, th func(string) float64) (bool, string) {
				r := in.Reading
				if r.PrecipitationMm != nil && *r.PrecipitationMm >= th(ThresholdPrecipIntense) {
					return true, fmt.Sprintf("Precipitación intensa en %s: %.1f mm/h", in.Station.DisplayName, *r.PrecipitationMm)
				}
				return false, ""
			},
		},
		{
			Code:        "pressure_drop",
			Description: "rapid pressure fall",
			Severity:    models.SeverityInfo,
			Predicate: func(in EvalInput, th func(string) float64) (bool, string) {
				r := in.Reading
				if r.PressureHPa == nil {
					return false, ""
				}
				prior := priorPressure(in.Recent, r.ObservedAt)
				if prior == nil {
					return false, ""
				}
				drop := *prior - *r.PressureHPa
				if drop >= th(ThresholdPressureDrop) {
					return true, fmt.Sprintf("Caída de presión en %s: %.1f hPa en 6 horas", in.Station.DisplayName, drop)
				}
				return false, ""
			},
		},
	}
}

// priorPressure picks the oldest pressure observation within the lookback
// window before the reading, skipping the reading itself.
func priorPressure(recent []*models.Reading, at time.Time) *float64 {
	cutoff := at.Add(-pressureLookback)
	var prior *float64
	for _, r := range recent {
		if r.PressureHPa == nil || !r.ObservedAt.Before(at) {
			continue
		}
		if r.ObservedAt.Before(cutoff) {
			continue
		}
		prior = r.PressureHPa // recent is newest first; keep iterating to the oldest in window
	}
	return prior
}
