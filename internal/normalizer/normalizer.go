package normalizer

import (
	"fmt"
	"time"

	"agromet-quillota/internal/fetcher"
	"agromet-quillota/internal/models"
)

// Penalties applied to the quality score per finding severity.
const (
	penaltyWarning   = 5
	penaltyHardError = 15
	penaltyExtreme   = 20
)

// rangeCheck bounds one field. Hard violations reject the value outright;
// mild ones keep it and attach a warning.
type rangeCheck struct {
	field   string
	min     float64
	max     float64
	hard    bool
	penalty int
}

var rangeChecks = map[string]rangeCheck{
	"temperature_c":      {field: "temperature_c", min: -50, max: 60, hard: true, penalty: penaltyExtreme},
	"temperature_min_c":  {field: "temperature_min_c", min: -50, max: 60, hard: true, penalty: penaltyExtreme},
	"temperature_max_c":  {field: "temperature_max_c", min: -50, max: 60, hard: true, penalty: penaltyExtreme},
	"humidity_pct":       {field: "humidity_pct", min: 0, max: 100, hard: true, penalty: penaltyHardError},
	"pressure_hpa":       {field: "pressure_hpa", min: 850, max: 1100, hard: true, penalty: penaltyHardError},
	"wind_speed_kmh":     {field: "wind_speed_kmh", min: 0, max: 200, hard: true, penalty: penaltyHardError},
	"wind_direction_deg": {field: "wind_direction_deg", min: 0, max: 360, hard: true, penalty: penaltyHardError},
	"cloud_cover_pct":    {field: "cloud_cover_pct", min: 0, max: 100, hard: true, penalty: penaltyHardError},
}

const (
	validScoreFloor    = 60
	precipMildMax      = 200
	precipExtremeMax   = 500
	maxForecastHorizon = 7 * 24 * time.Hour
)

// Normalize maps an upstream payload onto a canonical Reading, applies
// range and cross-field checks, and computes the quality score. A nil
// result means the record was rejected (no core field survived, or the
// min/max temperatures are inconsistent).
func Normalize(payload *fetcher.RawPayload, station models.Station, now time.Time) *models.Reading {
	if payload == nil || payload.Current == nil {
		return nil
	}

	cur := payload.Current

	observedAt := now.UTC().Truncate(time.Second)
	if ts, err := time.Parse("2006-01-02T15:04", cur.Time); err == nil {
		observedAt = ts.UTC()
	} else if ts, err := time.Parse(time.RFC3339, cur.Time); err == nil {
		observedAt = ts.UTC()
	}

	r := &models.Reading{
		StationID:  station.ID,
		ObservedAt: observedAt,
		Source:     models.SourceUpstreamAPI,
	}

	var findings []models.Finding
	penalty := 0
	hardError := false

	check := func(name string, value *float64) *float64 {
		if value == nil {
			return nil
		}
		rc, ok := rangeChecks[name]
		if !ok {
			return value
		}
		if *value < rc.min || *value > rc.max {
			findings = append(findings, models.Finding{
				Kind:   models.FindingError,
				Code:   "out_of_range",
				Field:  name,
				Detail: fmt.Sprintf("%.2f outside [%.0f, %.0f]", *value, rc.min, rc.max),
			})
			penalty += rc.penalty
			hardError = true
			if rc.hard {
				return nil
			}
		}
		return value
	}

	r.TemperatureC = check("temperature_c", cur.Temperature2m)
	if d := payload.Daily; d != nil && len(d.Time) > 0 {
		if len(d.Temperature2mMin) > 0 {
			r.TemperatureMinC = check("temperature_min_c", d.Temperature2mMin[0])
		}
		if len(d.Temperature2mMax) > 0 {
			r.TemperatureMaxC = check("temperature_max_c", d.Temperature2mMax[0])
		}
	}
	r.HumidityPct = check("humidity_pct", cur.RelativeHumidity)
	r.PressureHPa = check("pressure_hpa", cur.PressureMsl)
	r.WindSpeedKmh = check("wind_speed_kmh", cur.WindSpeed10m)
	r.WindDirectionDeg = check("wind_direction_deg", cur.WindDirection10m)
	r.CloudCoverPct = check("cloud_cover_pct", cur.CloudCover)

	// Precipitation: negative rejects, 200-500 mm kept with a warning,
	// above 500 mm rejected as implausible.
	if cur.Precipitation != nil {
		p := *cur.Precipitation
		switch {
		case p < 0 || p > precipExtremeMax:
			findings = append(findings, models.Finding{
				Kind:   models.FindingError,
				Code:   "out_of_range",
				Field:  "precipitation_mm",
				Detail: fmt.Sprintf("%.2f outside [0, %d]", p, precipExtremeMax),
			})
			penalty += penaltyHardError
			hardError = true
		case p > precipMildMax:
			findings = append(findings, models.Finding{
				Kind:   models.FindingWarning,
				Code:   "precip_suspect",
				Field:  "precipitation_mm",
				Detail: fmt.Sprintf("%.2f mm exceeds %d mm", p, precipMildMax),
			})
			penalty += penaltyWarning
			r.PrecipitationMm = cur.Precipitation
		default:
			r.PrecipitationMm = cur.Precipitation
		}
	}

	// Cross-field consistency: min <= max rejects the whole record.
	if r.TemperatureMinC != nil && r.TemperatureMaxC != nil && *r.TemperatureMinC > *r.TemperatureMaxC {
		findings = append(findings, models.Finding{
			Kind:   models.FindingError,
			Code:   "temp_order",
			Field:  "temperature_min_c",
			Detail: "temperature_min_c exceeds temperature_max_c",
		})
		r.Findings = findings
		return nil
	}

	// At least one core field must survive validation.
	if r.TemperatureC == nil && r.TemperatureMinC == nil && r.TemperatureMaxC == nil &&
		r.HumidityPct == nil && r.PrecipitationMm == nil {
		return nil
	}

	// Derive the dew point by the Magnus approximation when absent.
	if r.DewPointC == nil && r.TemperatureC != nil && r.HumidityPct != nil && *r.HumidityPct > 0 {
		dew := models.DewPointC(*r.TemperatureC, *r.HumidityPct)
		r.DewPointC = &dew
	}

	score := 100 - penalty
	if score < 0 {
		score = 0
	}

	r.QualityScore = score
	r.Valid = score >= validScoreFloor && !hardError
	r.Findings = findings

	return r
}

// NormalizeForecasts converts the hourly payload arrays into Forecast rows.
// Only entries within the seven-day horizon are kept.
func NormalizeForecasts(payload *fetcher.RawPayload, station models.Station, now time.Time) []models.Forecast {
	if payload == nil || payload.Hourly == nil {
		return nil
	}

	h := payload.Hourly
	now = now.UTC()

	at := func(arr []*float64, i int) *float64 {
		if i < len(arr) {
			return arr[i]
		}
		return nil
	}

	var out []models.Forecast
	for i, raw := range h.Time {
		ts, err := time.Parse("2006-01-02T15:04", raw)
		if err != nil {
			if ts, err = time.Parse(time.RFC3339, raw); err != nil {
				continue
			}
		}
		ts = ts.UTC()

		if ts.Before(now) || ts.Sub(now) > maxForecastHorizon {
			continue
		}

		out = append(out, models.Forecast{
			StationID:       station.ID,
			ValidFrom:       ts,
			ValidTo:         ts.Add(time.Hour),
			HorizonHours:    int(ts.Sub(now).Hours()),
			Source:          models.SourceUpstreamAPI,
			TemperatureC:    at(h.Temperature2m, i),
			HumidityPct:     at(h.RelativeHumidity, i),
			PrecipitationMm: at(h.Precipitation, i),
			WindSpeedKmh:    at(h.WindSpeed10m, i),
			CloudCoverPct:   at(h.CloudCover, i),
		})
	}

	return out
}
