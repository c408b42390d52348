package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"agromet-quillota/internal/models"
	"agromet-quillota/pkg/logging"
	"agromet-quillota/pkg/metrics"
)

var (
	testLogger  = logging.NewStructuredLogger("test", "0.0.0", logging.ErrorLevel)
	testMetrics = metrics.NewCollector("fetcher_test")
)

func testBackoff() BackoffConfig {
	return BackoffConfig{
		MaxRetries:      3,
		InitialInterval: time.Millisecond,
		MaxRetryAfter:   10 * time.Millisecond,
	}
}

func testClient(url string) *Client {
	return NewClient(url, "agromet-test/1.0", 2*time.Second, testBackoff(), testLogger, testMetrics)
}

var fetchStation = models.Station{
	ID:        "quillota_centro",
	Latitude:  -32.8833,
	Longitude: -71.2667,
}

const okBody = `{"current":{"time":"2026-08-20T12:00","temperature_2m":18.0,"relative_humidity_2m":65.0}}`

func TestFetchStationSuccess(t *testing.T) {
	var gotQuery, gotUA string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		gotUA = r.Header.Get("User-Agent")
		w.Write([]byte(okBody))
	}))
	defer server.Close()

	payload, err := testClient(server.URL).FetchStation(context.Background(), fetchStation)
	if err != nil {
		t.Fatalf("FetchStation() error = %v", err)
	}
	if payload.Current == nil || payload.Current.Temperature2m == nil || *payload.Current.Temperature2m != 18 {
		t.Errorf("unexpected payload: %+v", payload)
	}

	if gotUA != "agromet-test/1.0" {
		t.Errorf("User-Agent = %q", gotUA)
	}
	for _, want := range []string{"latitude=-32.8833", "longitude=-71.2667", "timezone=UTC", "forecast_days=7"} {
		if !strings.Contains(gotQuery, want) {
			t.Errorf("query %q missing %q", gotQuery, want)
		}
	}
}

func TestFetchStationRetriesServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(okBody))
	}))
	defer server.Close()

	_, err := testClient(server.URL).FetchStation(context.Background(), fetchStation)
	if err != nil {
		t.Fatalf("FetchStation() error = %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Errorf("upstream called %d times, want 3", n)
	}
}

func TestFetchStationPermanentErrorNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	_, err := testClient(server.URL).FetchStation(context.Background(), fetchStation)
	if err == nil {
		t.Fatal("expected error for 404")
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("upstream called %d times, want 1", n)
	}
}

func TestFetchStationHonorsRetryAfter(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(okBody))
	}))
	defer server.Close()

	_, err := testClient(server.URL).FetchStation(context.Background(), fetchStation)
	if err != nil {
		t.Fatalf("FetchStation() error = %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Errorf("upstream called %d times, want 2", n)
	}
}

func TestFetchStationRateLimitRetriedOnce(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	_, err := testClient(server.URL).FetchStation(context.Background(), fetchStation)
	if err == nil {
		t.Fatal("expected error when rate limiting persists")
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Errorf("upstream called %d times, want 2", n)
	}
}

func TestFetchStationCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := testClient(server.URL).FetchStation(ctx, fetchStation); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}
