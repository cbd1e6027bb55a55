package worker

import (
	"context"

	"seatwatch/internal/logger"
	"seatwatch/internal/models"
)

// LogPublisher writes notifications to the log. It stands in for Kafka when
// no broker is configured.
type LogPublisher struct{}

// Publish implements Publisher
func (LogPublisher) Publish(_ context.Context, envelope *models.Envelope) error {
	log := logger.WithComponent("log_publisher")
	n := envelope.Notification
	log.Info().
		Str("notification_id", n.ID).
		Str("subscriber_id", n.SubscriberID).
		Str("resource_id", n.ResourceID).
		Str("kind", n.Kind).
		Str("deep_link", n.Payload.DeepLink).
		Time("change_at", n.ChangeAt).
		Msg("notification ready")
	return nil
}

// PublishBatch implements Publisher
func (l LogPublisher) PublishBatch(ctx context.Context, envelopes []*models.Envelope) error {
	for _, e := range envelopes {
		if err := l.Publish(ctx, e); err != nil {
			return err
		}
	}
	return nil
}
