package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"

	"agromet-quillota/internal/models"
	"agromet-quillota/pkg/logging"
	"agromet-quillota/pkg/metrics"
)

// Requested upstream variables, fixed per the Open-Meteo contract.
const (
	currentVars = "temperature_2m,relative_humidity_2m,precipitation,pressure_msl,wind_speed_10m,wind_direction_10m,cloud_cover"
	hourlyVars  = "temperature_2m,relative_humidity_2m,precipitation,wind_speed_10m,cloud_cover"
	dailyVars   = "temperature_2m_max,temperature_2m_min"
)

// RawPayload mirrors the upstream JSON shape. Fields absent from the
// response stay nil and the normalizer treats them as missing.
type RawPayload struct {
	Current *RawCurrent `json:"current"`
	Hourly  *RawHourly  `json:"hourly"`
	Daily   *RawDaily   `json:"daily"`
}

// RawCurrent is the upstream "current" object.
type RawCurrent struct {
	Time             string   `json:"time"`
	Temperature2m    *float64 `json:"temperature_2m"`
	RelativeHumidity *float64 `json:"relative_humidity_2m"`
	Precipitation    *float64 `json:"precipitation"`
	PressureMsl      *float64 `json:"pressure_msl"`
	WindSpeed10m     *float64 `json:"wind_speed_10m"`
	WindDirection10m *float64 `json:"wind_direction_10m"`
	CloudCover       *float64 `json:"cloud_cover"`
}

// RawDaily carries today's extremes, first entry is the current day.
type RawDaily struct {
	Time             []string   `json:"time"`
	Temperature2mMax []*float64 `json:"temperature_2m_max"`
	Temperature2mMin []*float64 `json:"temperature_2m_min"`
}

// RawHourly carries the parallel hourly arrays for the forecast window.
type RawHourly struct {
	Time             []string   `json:"time"`
	Temperature2m    []*float64 `json:"temperature_2m"`
	RelativeHumidity []*float64 `json:"relative_humidity_2m"`
	Precipitation    []*float64 `json:"precipitation"`
	WindSpeed10m     []*float64 `json:"wind_speed_10m"`
	CloudCover       []*float64 `json:"cloud_cover"`
}

// Client fetches current conditions and short-range forecasts from an
// Open-Meteo-shaped API with retry, backoff and a circuit breaker.
type Client struct {
	baseURL   string
	userAgent string
	http      *http.Client
	breaker   *gobreaker.CircuitBreaker
	backoff   BackoffConfig
	logger    *logging.StructuredLogger
	metrics   *metrics.Collector
}

// BackoffConfig controls retry behaviour. Intervals double per attempt.
type BackoffConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxRetryAfter   time.Duration
}

// DefaultBackoff is the production retry policy: 1s, 2s, 4s, jittered.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		MaxRetries:      3,
		InitialInterval: time.Second,
		MaxRetryAfter:   30 * time.Second,
	}
}

// NewClient creates an upstream client.
func NewClient(baseURL, userAgent string, timeout time.Duration, backoff BackoffConfig, logger *logging.StructuredLogger, collector *metrics.Collector) *Client {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "openmeteo",
		MaxRequests: 5,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
	})

	return &Client{
		baseURL:   baseURL,
		userAgent: userAgent,
		http:      &http.Client{Timeout: timeout},
		breaker:   cb,
		backoff:   backoff,
		logger:    logger,
		metrics:   collector,
	}
}

// FetchStation requests current conditions and the hourly forecast for one
// station. A nil payload with an error means the station failed this cycle;
// the caller falls back to synthetic data.
func (c *Client) FetchStation(ctx context.Context, station models.Station) (*RawPayload, error) {
	timer := time.Now()
	defer func() {
		c.metrics.FetchDuration.WithLabelValues(station.ID).Observe(time.Since(timer).Seconds())
	}()

	buildRequest := func() (*http.Request, error) {
		values := url.Values{}
		values.Set("latitude", fmt.Sprintf("%.4f", station.Latitude))
		values.Set("longitude", fmt.Sprintf("%.4f", station.Longitude))
		values.Set("current", currentVars)
		values.Set("hourly", hourlyVars)
		values.Set("daily", dailyVars)
		values.Set("forecast_days", "7")
		values.Set("timezone", "UTC")

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+values.Encode(), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", c.userAgent)
		return req, nil
	}

	resp, err := c.doWithResilience(ctx, buildRequest)
	if err != nil {
		c.logger.Warn(ctx, "[FETCH_FAILED] Upstream fetch exhausted retries", logging.Fields{
			"station_id": station.ID,
			"error":      err.Error(),
		})
		return nil, err
	}
	defer resp.Body.Close()

	var payload RawPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		c.metrics.RecordFetchError("decode_error")
		return nil, fmt.Errorf("failed to decode upstream payload for %s: %w", station.ID, err)
	}

	return &payload, nil
}
