package fetcher

import (
	"hash/fnv"
	"math"
	"math/rand"
	"time"

	"agromet-quillota/internal/models"
)

// Per-station climatological baselines for the Quillota valley. Stations
// not listed fall back to the valley-centre values.
type baseline struct {
	tempC       float64
	humidityPct float64
	precipMm    float64
}

var stationBaselines = map[string]baseline{
	"quillota_centro": {tempC: 18.0, humidityPct: 70, precipMm: 2.0},
	"la_cruz":         {tempC: 19.0, humidityPct: 65, precipMm: 1.5},
	"nogueira":        {tempC: 17.0, humidityPct: 75, precipMm: 2.5},
	"colliguay":       {tempC: 15.0, humidityPct: 80, precipMm: 3.0},
	"hijuelas":        {tempC: 18.5, humidityPct: 68, precipMm: 2.0},
	"la_calera":       {tempC: 19.5, humidityPct: 67, precipMm: 1.8},
}

const (
	referenceElevationM = 462   // Quillota centre
	lapseRatePerM       = 0.006 // thermal gradient, degC per metre
)

// Synthetic produces a physically plausible Reading for the station when
// the upstream API is unavailable. The generator is seeded from
// (station_id, day-of-year, hour) so identical inputs yield identical
// output, which keeps fallback behaviour reproducible.
func Synthetic(station models.Station, at time.Time) models.Reading {
	// Truncate to the hour: the seed buckets by hour, so the reading must
	// be identical anywhere inside it.
	at = at.UTC().Truncate(time.Hour)

	rng := rand.New(rand.NewSource(syntheticSeed(station.ID, at)))

	base, ok := stationBaselines[station.ID]
	if !ok {
		base = stationBaselines["quillota_centro"]
	}

	elevAdjust := 0.0
	if station.ElevationM != nil {
		elevAdjust = -lapseRatePerM * float64(*station.ElevationM-referenceElevationM)
	}

	// Southern-hemisphere seasonal cycle: warmest near mid January
	// (day 15), coldest near mid July. Diurnal cycle peaks around 15:00.
	dayOfYear := float64(at.YearDay())
	seasonal := 6.0 * math.Cos(2*math.Pi*(dayOfYear-15)/365.0)
	hour := float64(at.Hour())
	diurnal := 5.0 * math.Cos(2*math.Pi*(hour-15)/24.0)

	temp := base.tempC + elevAdjust + seasonal + diurnal + rng.NormFloat64()*0.8
	tempMin := temp - 5 + rng.NormFloat64()*0.5
	tempMax := temp + 6 + rng.NormFloat64()*0.5

	humidity := clamp(base.humidityPct-diurnal*2+rng.NormFloat64()*4, 20, 100)
	pressure := 1015.0 + rng.NormFloat64()*4
	wind := math.Abs(8.0 + rng.NormFloat64()*5)
	windDir := math.Mod(rng.Float64()*360.0, 360)

	// Winter-weighted precipitation; most hours dry.
	precip := 0.0
	if rng.Float64() < 0.08*(1-seasonal/8) {
		precip = base.precipMm * rng.Float64() * 2
	}

	cloud := clamp(rng.Float64()*100, 0, 100)
	dew := models.DewPointC(temp, humidity)

	reading := models.Reading{
		StationID:        station.ID,
		ObservedAt:       at,
		Source:           models.SourceSyntheticFallback,
		TemperatureC:     &temp,
		TemperatureMinC:  &tempMin,
		TemperatureMaxC:  &tempMax,
		HumidityPct:      &humidity,
		PressureHPa:      &pressure,
		WindSpeedKmh:     &wind,
		WindDirectionDeg: &windDir,
		PrecipitationMm:  &precip,
		CloudCoverPct:    &cloud,
		DewPointC:        &dew,
		// Kept below any plausible real observation so the store's
		// quality guard never lets a fallback replace upstream data.
		QualityScore: 70,
		Valid:        true,
		Findings: []models.Finding{
			{
				Kind:   models.FindingWarning,
				Code:   "api_unavailable",
				Detail: "upstream API unavailable, synthetic fallback generated",
			},
		},
	}

	return reading
}

// syntheticSeed derives a deterministic seed from the station identity and
// the (day-of-year, hour) bucket of the observation.
func syntheticSeed(stationID string, at time.Time) int64 {
	h := fnv.New64a()
	h.Write([]byte(stationID))
	h.Write([]byte{byte(at.YearDay() >> 8), byte(at.YearDay()), byte(at.Hour())})
	return int64(h.Sum64())
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
