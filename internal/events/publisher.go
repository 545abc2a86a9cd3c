package events

import (
	"context"
	"time"

	kafka "notification-engine/internal/clients/kafka"
	"notification-engine/internal/observability"
	"notification-engine/internal/store"

	"github.com/google/uuid"
)

// Publisher emits delivery outcome events to Kafka so downstream systems
// (engagement scoring, billing, the web app's activity feed) can react to
// what actually went out.
type Publisher struct {
	producer *kafka.Producer
	logger   *observability.Logger
}

// NewPublisher creates a new outcome event publisher
func NewPublisher(producer *kafka.Producer, logger *observability.Logger) *Publisher {
	return &Publisher{
		producer: producer,
		logger:   logger,
	}
}

// PublishDeliveryOutcome publishes a notification.sent, notification.failed
// or notification.skipped event for a terminal queue item.
func (p *Publisher) PublishDeliveryOutcome(ctx context.Context, item store.QueueItem, status store.QueueStatus, reason string) error {
	data := map[string]interface{}{
		"queue_item_id": item.ID.String(),
		"user_id":       item.UserID.String(),
		"channel":       string(item.Channel),
		"trigger":       string(item.Trigger),
	}
	if reason != "" {
		data["reason"] = reason
	}
	if item.ProviderMessageID != nil {
		data["provider_message_id"] = *item.ProviderMessageID
	}

	var campaignID *string
	if item.CampaignID != nil {
		s := item.CampaignID.String()
		campaignID = &s
	}

	event := kafka.EventMessage{
		ID:         uuid.New().String(),
		Type:       "notification." + string(status),
		UserID:     item.UserID.String(),
		CampaignID: campaignID,
		Data:       data,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}

	return p.producer.PublishEvent(ctx, event)
}

// Close flushes and closes the underlying producer
func (p *Publisher) Close() error {
	return p.producer.Close()
}
