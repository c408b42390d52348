package normalizer

import (
	"testing"
	"time"

	"agromet-quillota/internal/fetcher"
	"agromet-quillota/internal/models"
)

func f64(v float64) *float64 { return &v }

var testStation = models.Station{
	ID:          "quillota_centro",
	DisplayName: "Quillota Centro",
	Latitude:    -32.8833,
	Longitude:   -71.2667,
}

func payload(cur *fetcher.RawCurrent) *fetcher.RawPayload {
	return &fetcher.RawPayload{Current: cur}
}

func TestNormalize(t *testing.T) {
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		in    *fetcher.RawPayload
		check func(*testing.T, *models.Reading)
	}{
		{
			name: "clean payload keeps full score",
			in: payload(&fetcher.RawCurrent{
				Time:             "2026-08-20T12:00",
				Temperature2m:    f64(18),
				RelativeHumidity: f64(65),
				Precipitation:    f64(0),
				WindSpeed10m:     f64(10),
			}),
			check: func(t *testing.T, r *models.Reading) {
				if r == nil {
					t.Fatal("reading should not be nil")
				}
				if r.QualityScore < 95 {
					t.Errorf("QualityScore = %d, want >= 95", r.QualityScore)
				}
				if !r.Valid {
					t.Error("reading should be valid")
				}
				if r.TemperatureC == nil || *r.TemperatureC != 18 {
					t.Errorf("TemperatureC = %v, want 18", r.TemperatureC)
				}
				if r.DewPointC == nil {
					t.Error("dew point should be derived from temp and humidity")
				}
				if !r.ObservedAt.Equal(time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)) {
					t.Errorf("ObservedAt = %v", r.ObservedAt)
				}
			},
		},
		{
			name: "humidity above 100 is dropped with a hard error",
			in: payload(&fetcher.RawCurrent{
				Time:             "2026-08-20T12:00",
				Temperature2m:    f64(18),
				RelativeHumidity: f64(150),
			}),
			check: func(t *testing.T, r *models.Reading) {
				if r == nil {
					t.Fatal("reading should survive on temperature alone")
				}
				if r.HumidityPct != nil {
					t.Errorf("HumidityPct = %v, want nil", *r.HumidityPct)
				}
				if r.Valid {
					t.Error("hard error should mark the reading invalid")
				}
				if !r.HasFinding("out_of_range") {
					t.Error("expected out_of_range finding")
				}
			},
		},
		{
			name: "all core fields absent rejects the record",
			in: payload(&fetcher.RawCurrent{
				Time:         "2026-08-20T12:00",
				WindSpeed10m: f64(12),
				PressureMsl:  f64(1012),
			}),
			check: func(t *testing.T, r *models.Reading) {
				if r != nil {
					t.Errorf("reading = %+v, want nil", r)
				}
			},
		},
		{
			name: "min above max rejects the record",
			in: &fetcher.RawPayload{
				Current: &fetcher.RawCurrent{
					Time:          "2026-08-20T12:00",
					Temperature2m: f64(15),
				},
				Daily: &fetcher.RawDaily{
					Time:             []string{"2026-08-20"},
					Temperature2mMin: []*float64{f64(20)},
					Temperature2mMax: []*float64{f64(10)},
				},
			},
			check: func(t *testing.T, r *models.Reading) {
				if r != nil {
					t.Errorf("reading = %+v, want nil for temp_order violation", r)
				}
			},
		},
		{
			name: "suspect precipitation kept with a warning",
			in: payload(&fetcher.RawCurrent{
				Time:          "2026-08-20T12:00",
				Temperature2m: f64(12),
				Precipitation: f64(250),
			}),
			check: func(t *testing.T, r *models.Reading) {
				if r == nil {
					t.Fatal("reading should not be nil")
				}
				if r.PrecipitationMm == nil || *r.PrecipitationMm != 250 {
					t.Errorf("PrecipitationMm = %v, want 250", r.PrecipitationMm)
				}
				if !r.HasFinding("precip_suspect") {
					t.Error("expected precip_suspect finding")
				}
				if r.QualityScore != 95 {
					t.Errorf("QualityScore = %d, want 95", r.QualityScore)
				}
				if !r.Valid {
					t.Error("warning alone should not invalidate the reading")
				}
			},
		},
		{
			name: "negative precipitation is a hard error",
			in: payload(&fetcher.RawCurrent{
				Time:          "2026-08-20T12:00",
				Temperature2m: f64(12),
				Precipitation: f64(-3),
			}),
			check: func(t *testing.T, r *models.Reading) {
				if r == nil {
					t.Fatal("reading should survive on temperature alone")
				}
				if r.PrecipitationMm != nil {
					t.Errorf("PrecipitationMm = %v, want nil", *r.PrecipitationMm)
				}
				if r.Valid {
					t.Error("hard error should mark the reading invalid")
				}
			},
		},
		{
			name: "nil payload rejected",
			in:   nil,
			check: func(t *testing.T, r *models.Reading) {
				if r != nil {
					t.Error("nil payload should yield nil reading")
				}
			},
		},
		{
			name: "unparseable observation time falls back to now",
			in: payload(&fetcher.RawCurrent{
				Time:          "not-a-time",
				Temperature2m: f64(18),
			}),
			check: func(t *testing.T, r *models.Reading) {
				if r == nil {
					t.Fatal("reading should not be nil")
				}
				if !r.ObservedAt.Equal(now.Truncate(time.Second)) {
					t.Errorf("ObservedAt = %v, want %v", r.ObservedAt, now)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, Normalize(tt.in, testStation, now))
		})
	}
}

func TestNormalizeSetsSource(t *testing.T) {
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	r := Normalize(payload(&fetcher.RawCurrent{
		Time:          "2026-08-20T12:00",
		Temperature2m: f64(18),
	}), testStation, now)

	if r == nil {
		t.Fatal("reading should not be nil")
	}
	if r.Source != models.SourceUpstreamAPI {
		t.Errorf("Source = %v, want %v", r.Source, models.SourceUpstreamAPI)
	}
}

func TestNormalizeForecasts(t *testing.T) {
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	in := &fetcher.RawPayload{
		Hourly: &fetcher.RawHourly{
			Time: []string{
				"2026-08-20T10:00", // in the past, skipped
				"2026-08-20T15:00",
				"2026-08-21T15:00",
				"2026-09-20T15:00", // beyond the 7 day horizon, skipped
			},
			Temperature2m: []*float64{f64(14), f64(19), f64(20), f64(25)},
			Precipitation: []*float64{f64(0), f64(0), f64(1.2), f64(0)},
		},
	}

	got := NormalizeForecasts(in, testStation, now)
	if len(got) != 2 {
		t.Fatalf("got %d forecasts, want 2", len(got))
	}

	first := got[0]
	if first.StationID != testStation.ID {
		t.Errorf("StationID = %v", first.StationID)
	}
	if !first.ValidFrom.Equal(time.Date(2026, 8, 20, 15, 0, 0, 0, time.UTC)) {
		t.Errorf("ValidFrom = %v", first.ValidFrom)
	}
	if first.HorizonHours != 3 {
		t.Errorf("HorizonHours = %d, want 3", first.HorizonHours)
	}
	if first.TemperatureC == nil || *first.TemperatureC != 19 {
		t.Errorf("TemperatureC = %v, want 19", first.TemperatureC)
	}

	second := got[1]
	if second.PrecipitationMm == nil || *second.PrecipitationMm != 1.2 {
		t.Errorf("PrecipitationMm = %v, want 1.2", second.PrecipitationMm)
	}

	if NormalizeForecasts(nil, testStation, now) != nil {
		t.Error("nil payload should yield nil forecasts")
	}
}
