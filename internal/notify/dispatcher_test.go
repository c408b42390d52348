package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agromet-quillota/internal/models"
	"agromet-quillota/internal/repository"
	"agromet-quillota/pkg/logging"
	"agromet-quillota/pkg/metrics"
)

var (
	testLogger  = logging.NewStructuredLogger("test", "0.0.0", logging.ErrorLevel)
	testMetrics = metrics.NewCollector("notify_test")
)

// mockAdapter records every send and can be forced to fail.
type mockAdapter struct {
	channel  models.Channel
	sent     []string
	failWith error
}

func (m *mockAdapter) Channel() models.Channel { return m.channel }

func (m *mockAdapter) Send(_ context.Context, to, message string) error {
	if m.failWith != nil {
		return m.failWith
	}
	m.sent = append(m.sent, to+": "+message)
	return nil
}

func testAlert(id string, severity models.Severity, createdAt time.Time) *models.Alert {
	return &models.Alert{
		ID:         id,
		RuleCode:   "frost_critical",
		StationID:  "quillota_centro",
		ObservedAt: createdAt,
		CreatedAt:  createdAt,
		Severity:   severity,
		Message:    "Helada crítica en Quillota Centro: temperatura actual -1.0°C",
	}
}

func emailRecipient(minSeverity models.Severity) models.Recipient {
	return models.Recipient{
		ID:              "r1",
		DisplayName:     "Operador",
		Email:           "r1@example.cl",
		ChannelsEnabled: []models.Channel{models.ChannelEmail},
		MinSeverity:     minSeverity,
	}
}

func testPolicy(recipients ...models.Recipient) Policy {
	return Policy{
		Recipients:          recipients,
		EnabledChannels:     map[models.Channel]bool{models.ChannelEmail: true},
		MaxPerRecipientHour: 10,
		Window:              6 * time.Hour,
	}
}

func TestDispatchSendsAndRecords(t *testing.T) {
	store := repository.NewMemoryStore()
	adapter := &mockAdapter{channel: models.ChannelEmail}
	d := NewDispatcher(store, map[models.Channel]Adapter{models.ChannelEmail: adapter}, testLogger, testMetrics)

	now := time.Date(2026, 7, 14, 6, 0, 0, 0, time.UTC)
	alert := testAlert("a1", models.SeverityCritical, now)
	_, err := store.PutAlert(context.Background(), alert)
	require.NoError(t, err)

	sent, err := d.DispatchPending(context.Background(), testPolicy(emailRecipient(models.SeverityWarning)), now)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	require.Len(t, adapter.sent, 1)
	assert.Contains(t, adapter.sent[0], "Quillota Centro")
	assert.Contains(t, adapter.sent[0], "-1.0")
	assert.True(t, strings.HasPrefix(adapter.sent[0], "r1@example.cl:"))

	attempts, err := store.DeliveriesForAlert(context.Background(), "a1")
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, models.OutcomeSent, attempts[0].Outcome)

	// Sent is terminal: a second dispatch pass sends nothing new.
	sent, err = d.DispatchPending(context.Background(), testPolicy(emailRecipient(models.SeverityWarning)), now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, sent)
	assert.Len(t, adapter.sent, 1)
}

func TestDispatchSeverityGate(t *testing.T) {
	store := repository.NewMemoryStore()
	adapter := &mockAdapter{channel: models.ChannelEmail}
	d := NewDispatcher(store, map[models.Channel]Adapter{models.ChannelEmail: adapter}, testLogger, testMetrics)

	now := time.Date(2026, 7, 14, 6, 0, 0, 0, time.UTC)
	info := testAlert("a1", models.SeverityInfo, now)
	info.RuleCode = "pressure_drop"
	_, err := store.PutAlert(context.Background(), info)
	require.NoError(t, err)

	sent, err := d.DispatchPending(context.Background(), testPolicy(emailRecipient(models.SeverityWarning)), now)
	require.NoError(t, err)
	assert.Equal(t, 0, sent)
	assert.Empty(t, adapter.sent)

	attempts, err := store.DeliveriesForAlert(context.Background(), "a1")
	require.NoError(t, err)
	assert.Empty(t, attempts, "below-threshold alerts produce no attempt rows")
}

func TestDispatchDisabledChannelSuppressed(t *testing.T) {
	store := repository.NewMemoryStore()
	adapter := &mockAdapter{channel: models.ChannelEmail}
	d := NewDispatcher(store, map[models.Channel]Adapter{models.ChannelEmail: adapter}, testLogger, testMetrics)

	now := time.Date(2026, 7, 14, 6, 0, 0, 0, time.UTC)
	_, err := store.PutAlert(context.Background(), testAlert("a1", models.SeverityCritical, now))
	require.NoError(t, err)

	policy := testPolicy(emailRecipient(models.SeverityWarning))
	policy.EnabledChannels[models.ChannelEmail] = false

	sent, err := d.DispatchPending(context.Background(), policy, now)
	require.NoError(t, err)
	assert.Equal(t, 0, sent)

	attempts, err := store.DeliveriesForAlert(context.Background(), "a1")
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, models.OutcomeSuppressed, attempts[0].Outcome)
	require.NotNil(t, attempts[0].Error)
	assert.Equal(t, "channel_disabled", *attempts[0].Error)
}

func TestDispatchFailedAttemptRetriedNextCycle(t *testing.T) {
	store := repository.NewMemoryStore()
	adapter := &mockAdapter{channel: models.ChannelEmail, failWith: errors.New("smtp connect refused")}
	d := NewDispatcher(store, map[models.Channel]Adapter{models.ChannelEmail: adapter}, testLogger, testMetrics)

	now := time.Date(2026, 7, 14, 6, 0, 0, 0, time.UTC)
	_, err := store.PutAlert(context.Background(), testAlert("a1", models.SeverityCritical, now))
	require.NoError(t, err)

	policy := testPolicy(emailRecipient(models.SeverityWarning))

	sent, err := d.DispatchPending(context.Background(), policy, now)
	require.NoError(t, err)
	assert.Equal(t, 0, sent)

	attempts, err := store.DeliveriesForAlert(context.Background(), "a1")
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, models.OutcomeFailed, attempts[0].Outcome)

	// Adapter recovers; the next cycle supersedes the failed attempt.
	adapter.failWith = nil
	sent, err = d.DispatchPending(context.Background(), policy, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	attempts, err = store.DeliveriesForAlert(context.Background(), "a1")
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, models.OutcomeSent, attempts[0].Outcome)
}

func TestDispatchRateLimit(t *testing.T) {
	store := repository.NewMemoryStore()
	adapter := &mockAdapter{channel: models.ChannelEmail}
	d := NewDispatcher(store, map[models.Channel]Adapter{models.ChannelEmail: adapter}, testLogger, testMetrics)

	now := time.Date(2026, 7, 14, 6, 0, 0, 0, time.UTC)
	for i, id := range []string{"a1", "a2", "a3"} {
		a := testAlert(id, models.SeverityCritical, now.Add(time.Duration(i)*time.Minute))
		a.ObservedAt = a.CreatedAt
		_, err := store.PutAlert(context.Background(), a)
		require.NoError(t, err)
	}

	policy := testPolicy(emailRecipient(models.SeverityWarning))
	policy.MaxPerRecipientHour = 2

	sent, err := d.DispatchPending(context.Background(), policy, now.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, sent, "third send should hit the rate limit")
	assert.Len(t, adapter.sent, 2)

	var suppressed int
	for _, id := range []string{"a1", "a2", "a3"} {
		attempts, err := store.DeliveriesForAlert(context.Background(), id)
		require.NoError(t, err)
		require.Len(t, attempts, 1)
		if attempts[0].Outcome == models.OutcomeSuppressed {
			suppressed++
			require.NotNil(t, attempts[0].Error)
			assert.Equal(t, "rate_limited", *attempts[0].Error)
		}
	}
	assert.Equal(t, 1, suppressed)
}

func TestRenderSeverityLabels(t *testing.T) {
	now := time.Date(2026, 7, 14, 6, 0, 0, 0, time.UTC)

	critical := render(testAlert("a1", models.SeverityCritical, now))
	assert.True(t, strings.HasPrefix(critical, "[CRÍTICA]"), critical)
	assert.Contains(t, critical, "2026-07-14 06:00")

	warning := testAlert("a2", models.SeverityWarning, now)
	assert.True(t, strings.HasPrefix(render(warning), "[ADVERTENCIA]"))

	info := testAlert("a3", models.SeverityInfo, now)
	assert.True(t, strings.HasPrefix(render(info), "[INFO]"))
}
