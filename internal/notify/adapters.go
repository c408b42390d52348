package notify

import (
	"context"

	"agromet-quillota/internal/models"
	"agromet-quillota/pkg/logging"
)

// Adapter delivers a rendered message to one destination on one channel.
// Implementations wrap a concrete provider (SMTP relay, SMS gateway,
// WhatsApp business API); the dispatcher only sees this interface.
type Adapter interface {
	Channel() models.Channel
	Send(ctx context.Context, to, message string) error
}

// LogAdapter writes messages to the structured log instead of a provider.
// It stands in for any channel without wired credentials, and keeps the
// dispatcher exercising the full routing path in development.
type LogAdapter struct {
	channel models.Channel
	logger  *logging.StructuredLogger
}

// NewLogAdapter creates a log-only adapter for the channel.
func NewLogAdapter(channel models.Channel, logger *logging.StructuredLogger) *LogAdapter {
	return &LogAdapter{channel: channel, logger: logger}
}

func (a *LogAdapter) Channel() models.Channel {
	return a.channel
}

func (a *LogAdapter) Send(ctx context.Context, to, message string) error {
	a.logger.Info(ctx, "[NOTIFY_LOG] Message delivered to log sink", logging.Fields{
		"channel": string(a.channel),
		"to":      to,
		"message": message,
	})
	return nil
}
