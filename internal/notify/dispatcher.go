package notify

import (
	"context"
	"fmt"
	"time"

	"agromet-quillota/internal/models"
	"agromet-quillota/internal/repository"
	"agromet-quillota/pkg/logging"
	"agromet-quillota/pkg/metrics"
)

// Policy is the per-dispatch routing configuration, rebuilt from the
// active config each cycle so reloads take effect without restart.
type Policy struct {
	Recipients          []models.Recipient
	EnabledChannels     map[models.Channel]bool
	MaxPerRecipientHour int
	// Window bounds how far back undelivered alerts are re-evaluated.
	Window time.Duration
}

// Dispatcher routes alerts to recipients over the configured channels and
// records one DeliveryAttempt per (alert, recipient, channel).
type Dispatcher struct {
	store    repository.Store
	adapters map[models.Channel]Adapter
	logger   *logging.StructuredLogger
	metrics  *metrics.Collector
}

// NewDispatcher creates a dispatcher over the given channel adapters.
// Channels without an adapter are treated as disabled.
func NewDispatcher(store repository.Store, adapters map[models.Channel]Adapter, logger *logging.StructuredLogger, collector *metrics.Collector) *Dispatcher {
	return &Dispatcher{
		store:    store,
		adapters: adapters,
		logger:   logger,
		metrics:  collector,
	}
}

// DispatchPending routes every alert created within the policy window that
// still lacks a terminal delivery outcome. Failed attempts from earlier
// cycles are retried here; sent and suppressed outcomes are final.
// Returns the number of messages handed to adapters successfully.
func (d *Dispatcher) DispatchPending(ctx context.Context, policy Policy, asOf time.Time) (int, error) {
	alerts, err := d.store.AlertsSince(ctx, asOf.Add(-policy.Window))
	if err != nil {
		return 0, fmt.Errorf("failed to load pending alerts: %w", err)
	}

	sent := 0
	sentByRecipient := make(map[string]int)
	for _, alert := range alerts {
		n, err := d.dispatchAlert(ctx, alert, policy, asOf, sentByRecipient)
		if err != nil {
			d.logger.Error(ctx, "[DISPATCH_ERROR] Alert dispatch failed", logging.Fields{
				"alert_id":  alert.ID,
				"rule_code": alert.RuleCode,
			}, err)
			continue
		}
		sent += n
	}

	return sent, nil
}

func (d *Dispatcher) dispatchAlert(ctx context.Context, alert *models.Alert, policy Policy, asOf time.Time, sentByRecipient map[string]int) (int, error) {
	existing, err := d.store.DeliveriesForAlert(ctx, alert.ID)
	if err != nil {
		return 0, err
	}
	terminal := make(map[string]bool, len(existing))
	for _, att := range existing {
		if att.Outcome != models.OutcomeFailed {
			terminal[att.RecipientID+"|"+string(att.Channel)] = true
		}
	}

	message := render(alert)
	sent := 0

	for i := range policy.Recipients {
		rcp := &policy.Recipients[i]
		if !alert.Severity.AtLeast(rcp.MinSeverity) {
			continue
		}

		for _, ch := range rcp.ChannelsEnabled {
			if terminal[rcp.ID+"|"+string(ch)] {
				continue
			}

			attempt := &models.DeliveryAttempt{
				AlertID:     alert.ID,
				RecipientID: rcp.ID,
				Channel:     ch,
				AttemptedAt: asOf,
			}

			switch {
			case !policy.EnabledChannels[ch]:
				attempt.Outcome = models.OutcomeSuppressed
				reason := "channel_disabled"
				attempt.Error = &reason

			case d.adapters[ch] == nil:
				attempt.Outcome = models.OutcomeSuppressed
				reason := "no_adapter"
				attempt.Error = &reason

			default:
				count, err := d.store.SentDeliveriesSince(ctx, rcp.ID, asOf.Add(-time.Hour))
				if err != nil {
					return sent, err
				}
				if count+sentByRecipient[rcp.ID] >= policy.MaxPerRecipientHour {
					attempt.Outcome = models.OutcomeSuppressed
					reason := "rate_limited"
					attempt.Error = &reason
					break
				}

				if err := d.adapters[ch].Send(ctx, rcp.Address(ch), message); err != nil {
					attempt.Outcome = models.OutcomeFailed
					msg := err.Error()
					attempt.Error = &msg
				} else {
					attempt.Outcome = models.OutcomeSent
					sent++
					sentByRecipient[rcp.ID]++
				}
			}

			d.metrics.RecordNotification(string(ch), string(attempt.Outcome))
			if err := d.store.PutDelivery(ctx, attempt); err != nil {
				return sent, err
			}
		}
	}

	return sent, nil
}

// render produces the plain-text notification body for an alert.
func render(alert *models.Alert) string {
	return fmt.Sprintf("[%s] %s (%s UTC)",
		severityLabel(alert.Severity),
		alert.Message,
		alert.ObservedAt.Format("2006-01-02 15:04"),
	)
}

func severityLabel(s models.Severity) string {
	switch s {
	case models.SeverityCritical:
		return "CRÍTICA"
	case models.SeverityWarning:
		return "ADVERTENCIA"
	default:
		return "INFO"
	}
}
