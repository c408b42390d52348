package services

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agromet-quillota/internal/clock"
	"agromet-quillota/internal/config"
	"agromet-quillota/internal/fetcher"
	"agromet-quillota/internal/models"
	"agromet-quillota/internal/notify"
	"agromet-quillota/internal/repository"
	"agromet-quillota/internal/snapshot"
	"agromet-quillota/pkg/logging"
	"agromet-quillota/pkg/metrics"
)

var (
	testLogger  = logging.NewStructuredLogger("test", "0.0.0", logging.ErrorLevel)
	testMetrics = metrics.NewCollector("services_test")
)

func f64(v float64) *float64 { return &v }

// fakeFetcher serves canned payloads or errors per station.
type fakeFetcher struct {
	payloads map[string]*fetcher.RawPayload
	errs     map[string]error
}

func (f *fakeFetcher) FetchStation(_ context.Context, station models.Station) (*fetcher.RawPayload, error) {
	if err, ok := f.errs[station.ID]; ok {
		return nil, err
	}
	return f.payloads[station.ID], nil
}

// recordingAdapter captures notification sends.
type recordingAdapter struct {
	sent []string
}

func (r *recordingAdapter) Channel() models.Channel { return models.ChannelEmail }

func (r *recordingAdapter) Send(_ context.Context, to, message string) error {
	r.sent = append(r.sent, to+": "+message)
	return nil
}

func payloadAt(at time.Time, temp float64) *fetcher.RawPayload {
	return &fetcher.RawPayload{
		Current: &fetcher.RawCurrent{
			Time:             at.Format("2006-01-02T15:04"),
			Temperature2m:    f64(temp),
			RelativeHumidity: f64(60),
			Precipitation:    f64(0),
			PressureMsl:      f64(1013),
			WindSpeed10m:     f64(8),
			WindDirection10m: f64(180),
			CloudCover:       f64(20),
		},
	}
}

func testConfig(stations ...models.Station) *config.Config {
	cfg := &config.Config{
		Database: config.DatabaseConfig{Host: "localhost", Port: 5432, User: "u", Database: "d"},
		Stations: stations,
		Recipients: []models.Recipient{{
			ID:              "operador_valle",
			DisplayName:     "Operador",
			Email:           "operador@example.cl",
			ChannelsEnabled: []models.Channel{models.ChannelEmail},
			MinSeverity:     models.SeverityWarning,
		}},
		Channels: map[models.Channel]config.ChannelConfig{
			models.ChannelEmail: {Enabled: true},
		},
	}
	cfg.CadenceSeconds = 3600
	cfg.MaxConcurrentFetches = 4
	cfg.CoolDownMinutes = 60
	cfg.SnapshotWindowHours = 6
	cfg.MaxNotificationsPerRecipientPerHour = 10
	cfg.Retention = config.RetentionConfig{Readings: 365, Forecasts: 14, Alerts: 30}
	return cfg
}

type fixture struct {
	service *CycleService
	store   *repository.MemoryStore
	adapter *recordingAdapter
	clock   *clock.Fixed
	dir     string
}

func newFixture(t *testing.T, cfg *config.Config, f *fakeFetcher) *fixture {
	t.Helper()

	dir := t.TempDir()
	store := repository.NewMemoryStore()
	adapter := &recordingAdapter{}
	dispatcher := notify.NewDispatcher(store,
		map[models.Channel]notify.Adapter{models.ChannelEmail: adapter}, testLogger, testMetrics)
	snapshots := snapshot.NewWriter(store, dir, filepath.Join(dir, "cycles.log"), testLogger)
	clk := &clock.Fixed{T: time.Date(2026, 7, 14, 6, 0, 0, 0, time.UTC)}

	provider := config.NewProvider("", cfg)
	service := NewCycleService(provider, f, store, dispatcher, snapshots, clk, testLogger, testMetrics)

	return &fixture{service: service, store: store, adapter: adapter, clock: clk, dir: dir}
}

func readSnapshot(t *testing.T, dir string) snapshot.Document {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(dir, "snapshot.json"))
	require.NoError(t, err)
	var doc snapshot.Document
	require.NoError(t, json.Unmarshal(raw, &doc))
	return doc
}

func TestRunHappyPath(t *testing.T) {
	station := models.Station{ID: "quillota_centro", DisplayName: "Quillota Centro", Latitude: -32.8833, Longitude: -71.2667}
	now := time.Date(2026, 7, 14, 6, 0, 0, 0, time.UTC)
	fx := newFixture(t, testConfig(station), &fakeFetcher{
		payloads: map[string]*fetcher.RawPayload{"quillota_centro": payloadAt(now, 18)},
	})

	summary, err := fx.service.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.StationsAttempted)
	assert.Equal(t, 1, summary.StationsOK)
	assert.Equal(t, 1, summary.ReadingsStored)
	assert.Equal(t, 0, summary.Errors)
	assert.Equal(t, 0, summary.AlertsGenerated)
	assert.Equal(t, ExitOK, ExitCode(summary))

	reading, err := fx.store.LatestReading(context.Background(), "quillota_centro")
	require.NoError(t, err)
	require.NotNil(t, reading)
	assert.Equal(t, models.SourceUpstreamAPI, reading.Source)
	assert.GreaterOrEqual(t, reading.QualityScore, 95)
	assert.True(t, reading.Valid)

	doc := readSnapshot(t, fx.dir)
	st := doc.Stations["quillota_centro"]
	require.NotNil(t, st.Latest)
	assert.Equal(t, 18.0, *st.Latest.TemperatureC)
	assert.Empty(t, st.OpenAlerts)
}

func TestRunFrostCriticalNotifies(t *testing.T) {
	station := models.Station{ID: "quillota_centro", DisplayName: "Quillota Centro", Latitude: -32.8833, Longitude: -71.2667}
	now := time.Date(2026, 7, 14, 6, 0, 0, 0, time.UTC)
	fx := newFixture(t, testConfig(station), &fakeFetcher{
		payloads: map[string]*fetcher.RawPayload{"quillota_centro": payloadAt(now, -1)},
	})

	summary, err := fx.service.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.AlertsGenerated)
	assert.Equal(t, 1, summary.NotificationsSent)
	require.Len(t, fx.adapter.sent, 1)
	assert.Contains(t, fx.adapter.sent[0], "Quillota Centro")

	alerts, err := fx.store.AlertsSince(context.Background(), time.Time{})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "frost_critical", alerts[0].RuleCode)

	attempts, err := fx.store.DeliveriesForAlert(context.Background(), alerts[0].ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, models.OutcomeSent, attempts[0].Outcome)

	doc := readSnapshot(t, fx.dir)
	require.Len(t, doc.Stations["quillota_centro"].OpenAlerts, 1)
	assert.Equal(t, "frost_critical", doc.Stations["quillota_centro"].OpenAlerts[0].Code)
}

func TestRunAllStationsFailedDegradesToSynthetic(t *testing.T) {
	stations := []models.Station{
		{ID: "quillota_centro", DisplayName: "Quillota Centro", Latitude: -32.8833, Longitude: -71.2667},
		{ID: "la_cruz", DisplayName: "La Cruz", Latitude: -32.8167, Longitude: -71.2333},
		{ID: "nogueira", DisplayName: "Nogueira", Latitude: -32.85, Longitude: -71.2},
	}
	down := errors.New("connect: connection refused")
	fx := newFixture(t, testConfig(stations...), &fakeFetcher{
		errs: map[string]error{"quillota_centro": down, "la_cruz": down, "nogueira": down},
	})

	summary, err := fx.service.Run(context.Background())
	require.NoError(t, err, "a failed upstream never aborts the cycle")

	assert.Equal(t, 3, summary.StationsAttempted)
	assert.Equal(t, 0, summary.StationsOK)
	assert.Equal(t, 3, summary.Errors)
	assert.Equal(t, 3, summary.ReadingsStored, "every station gets a synthetic reading")
	assert.Equal(t, ExitAllFailed, ExitCode(summary))

	for _, st := range stations {
		reading, err := fx.store.LatestReading(context.Background(), st.ID)
		require.NoError(t, err)
		require.NotNil(t, reading, "station %s has no reading", st.ID)
		assert.Equal(t, models.SourceSyntheticFallback, reading.Source)
		assert.True(t, reading.HasFinding("api_unavailable"))
	}

	// The snapshot and cycle log are still written.
	doc := readSnapshot(t, fx.dir)
	assert.Len(t, doc.Stations, 3)
	_, err = os.Stat(filepath.Join(fx.dir, "cycles.log"))
	assert.NoError(t, err)
}

func TestRunStoreFailureStreak(t *testing.T) {
	station := models.Station{ID: "quillota_centro", DisplayName: "Quillota Centro", Latitude: -32.8833, Longitude: -71.2667}
	now := time.Date(2026, 7, 14, 6, 0, 0, 0, time.UTC)
	f := &fakeFetcher{payloads: map[string]*fetcher.RawPayload{"quillota_centro": payloadAt(now, 18)}}

	fx := newFixture(t, testConfig(station), f)
	failing := &failingStore{Store: fx.store, failWrites: true}
	fx.service.store = failing

	for i := 0; i < 2; i++ {
		_, err := fx.service.Run(context.Background())
		require.NoError(t, err)
		fx.clock.Advance(time.Hour)
	}
	assert.Equal(t, 2, fx.service.ConsecutiveStoreFailures())

	// One healthy cycle resets the streak.
	failing.failWrites = false
	_, err := fx.service.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, fx.service.ConsecutiveStoreFailures())
}

// failingStore wraps a Store and fails reading writes until told otherwise.
type failingStore struct {
	repository.Store
	failWrites bool
}

func (f *failingStore) UpsertReading(ctx context.Context, r *models.Reading) (bool, error) {
	if f.failWrites {
		return false, errors.New("pq: connection reset by peer")
	}
	return f.Store.UpsertReading(ctx, r)
}

func TestReplayRecreatesAlertsWithoutNotifying(t *testing.T) {
	station := models.Station{ID: "quillota_centro", DisplayName: "Quillota Centro", Latitude: -32.8833, Longitude: -71.2667}
	fx := newFixture(t, testConfig(station), &fakeFetcher{})

	ctx := context.Background()
	t0 := time.Date(2026, 7, 13, 4, 0, 0, 0, time.UTC)

	// Seed two frosty readings two hours apart, plus one from a station no
	// longer configured.
	for i, temp := range []float64{-1, -2} {
		_, err := fx.store.UpsertReading(ctx, &models.Reading{
			StationID:    "quillota_centro",
			ObservedAt:   t0.Add(time.Duration(i) * 2 * time.Hour),
			IngestedAt:   t0,
			Source:       models.SourceUpstreamAPI,
			TemperatureC: f64(temp),
			QualityScore: 100,
			Valid:        true,
		})
		require.NoError(t, err)
	}
	_, err := fx.store.UpsertReading(ctx, &models.Reading{
		StationID:    "estacion_retirada",
		ObservedAt:   t0,
		IngestedAt:   t0,
		Source:       models.SourceUpstreamAPI,
		TemperatureC: f64(10),
		QualityScore: 100,
		Valid:        true,
	})
	require.NoError(t, err)

	result, err := fx.service.Replay(ctx, t0.Add(-time.Hour), t0.Add(5*time.Hour))
	require.NoError(t, err)

	assert.Equal(t, 2, result.ReadingsEvaluated)
	assert.Equal(t, 2, result.AlertsGenerated)
	assert.Equal(t, 1, result.SkippedStations)

	alerts, err := fx.store.AlertsSince(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	for _, a := range alerts {
		assert.Equal(t, "frost_critical", a.RuleCode)

		attempts, err := fx.store.DeliveriesForAlert(ctx, a.ID)
		require.NoError(t, err)
		assert.Empty(t, attempts, "replay must not notify")
	}

	// Replaying the same range is a no-op thanks to the alert key.
	again, err := fx.service.Replay(ctx, t0.Add(-time.Hour), t0.Add(5*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, again.AlertsGenerated)

	_, err = fx.service.Replay(ctx, t0, t0)
	assert.Error(t, err, "empty range is rejected")
}

func TestExitCodeClassification(t *testing.T) {
	tests := []struct {
		name      string
		attempted int
		ok        int
		want      int
	}{
		{"all ok", 6, 6, ExitOK},
		{"nothing configured", 0, 0, ExitOK},
		{"all failed", 6, 0, ExitAllFailed},
		{"majority failed", 6, 2, ExitPartialFailed},
		{"exactly half failed", 6, 3, ExitOK},
		{"minority failed", 6, 5, ExitOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExitCode(&models.CycleSummary{
				StationsAttempted: tt.attempted,
				StationsOK:        tt.ok,
			})
			assert.Equal(t, tt.want, got)
		})
	}
}
