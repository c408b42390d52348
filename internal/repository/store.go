package repository

import (
	"context"
	"fmt"
	"time"

	"agromet-quillota/internal/models"
)

// Store provides data access for the pipeline. It is the sole writer of
// readings, forecasts, alerts and delivery attempts; the alert engine and
// dispatcher produce objects and hand them here for commit.
type Store interface {
	// Reading operations
	UpsertReading(ctx context.Context, r *models.Reading) (bool, error)
	LatestReading(ctx context.Context, stationID string) (*models.Reading, error)
	RecentReadings(ctx context.Context, stationID string, since time.Time) ([]*models.Reading, error)
	ReadingsBetween(ctx context.Context, from, to time.Time) ([]*models.Reading, error)

	// Forecast operations
	UpsertForecast(ctx context.Context, f *models.Forecast) (bool, error)

	// Alert operations
	PutAlert(ctx context.Context, a *models.Alert) (bool, error)
	LatestAlert(ctx context.Context, ruleCode, stationID string) (*models.Alert, error)
	AlertsSince(ctx context.Context, since time.Time) ([]*models.Alert, error)
	OpenAlerts(ctx context.Context, since time.Time, minSeverity models.Severity) ([]*models.Alert, error)

	// Delivery operations
	PutDelivery(ctx context.Context, d *models.DeliveryAttempt) error
	DeliveriesForAlert(ctx context.Context, alertID string) ([]*models.DeliveryAttempt, error)
	SentDeliveriesSince(ctx context.Context, recipientID string, since time.Time) (int, error)

	// Rollups and retention
	DailyAggregates(ctx context.Context, dayStart, dayEnd time.Time) ([]*models.DailyAggregate, error)
	Prune(ctx context.Context, now time.Time, retention RetentionPolicy) (PruneResult, error)

	// Utility operations
	HealthCheck(ctx context.Context) error
}

// RetentionPolicy holds per-entity retention windows.
type RetentionPolicy struct {
	Readings  time.Duration
	Forecasts time.Duration
	Alerts    time.Duration
}

// PruneResult counts rows removed per entity.
type PruneResult struct {
	Readings  int64
	Forecasts int64
	Alerts    int64
}

// NotFoundError represents a resource not found error
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

func (e *NotFoundError) IsTransient() bool {
	return false
}
