package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	kafka "notification-engine/internal/clients/kafka"
	"notification-engine/internal/observability"
	queueprocessor "notification-engine/internal/queue/processor"
	"notification-engine/internal/store"

	"github.com/google/uuid"
)

// triggerForEvent maps platform event types to notification triggers
var triggerForEvent = map[string]store.Trigger{
	"profile.viewed":   store.TriggerProfileView,
	"message.sent":     store.TriggerNewMessage,
	"match.created":    store.TriggerNewMatch,
	"favorite.added":   store.TriggerFavorited,
	"favorite.mutual":  store.TriggerMutualFavorite,
	"shortlist.added":  store.TriggerShortlistAdded,
	"pii.requested":    store.TriggerPIIRequest,
	"pii.granted":      store.TriggerPIIGranted,
	"pii.denied":       store.TriggerPIIDenied,
	"login.suspicious": store.TriggerSuspiciousLogin,
	"user.created":     store.TriggerNewProfileCreated,
}

// RecipientStore maintains the recipient projection synced from user events
type RecipientStore interface {
	UpsertRecipient(ctx context.Context, params store.UpsertRecipientParams) (store.Recipient, error)
}

// Enqueuer places notifications on the delivery queue
type Enqueuer interface {
	Enqueue(ctx context.Context, req queueprocessor.EnqueueRequest) (queueprocessor.EnqueueResult, error)
}

// IngestProcessor turns platform events into queued notifications. The
// event's user id names the notification recipient; the event data becomes
// the template context. The platform event id doubles as the dedup key so
// a redelivered event collapses into its pending queue items.
type IngestProcessor struct {
	enqueuer Enqueuer
	store    RecipientStore
	logger   *observability.Logger
}

func NewIngestProcessor(enqueuer Enqueuer, store RecipientStore, logger *observability.Logger) *IngestProcessor {
	return &IngestProcessor{
		enqueuer: enqueuer,
		store:    store,
		logger:   logger,
	}
}

func (p *IngestProcessor) Name() string {
	return "platform-events"
}

// Process handles one platform event. Returning an error leaves the offset
// uncommitted so the event is redelivered; malformed or unknown events are
// dropped instead, they can never become processable.
func (p *IngestProcessor) Process(ctx context.Context, event kafka.EventMessage) error {
	switch event.Type {
	case "user.created":
		if err := p.upsertRecipient(ctx, event); err != nil {
			return err
		}
		// A fresh profile also gets its welcome notification below.
	case "user.updated":
		return p.upsertRecipient(ctx, event)
	}

	trigger, ok := triggerForEvent[event.Type]
	if !ok {
		p.logger.Warn(ctx, fmt.Sprintf("unknown platform event type %q, dropping", event.Type))
		return nil
	}

	userID, err := uuid.Parse(event.UserID)
	if err != nil {
		p.logger.Warn(ctx, fmt.Sprintf("platform event %s has invalid user id %q, dropping", event.ID, event.UserID))
		return nil
	}

	dedupKey := event.ID
	_, err = p.enqueuer.Enqueue(ctx, queueprocessor.EnqueueRequest{
		UserID:   userID,
		Trigger:  trigger,
		Data:     store.JSONB(event.Data),
		DedupKey: &dedupKey,
	})
	if err != nil {
		if isPermanentEnqueueError(err) {
			p.logger.WarnWithError(ctx, "platform event failed validation, dropping", err)
			return nil
		}
		return fmt.Errorf("failed to enqueue notification for event %s: %w", event.ID, err)
	}
	return nil
}

// isPermanentEnqueueError reports whether retrying the same event could ever
// succeed
func isPermanentEnqueueError(err error) bool {
	return errors.Is(err, queueprocessor.ErrInvalidTrigger) ||
		errors.Is(err, queueprocessor.ErrInvalidChannel) ||
		errors.Is(err, queueprocessor.ErrInvalidPriority) ||
		errors.Is(err, queueprocessor.ErrMissingUser)
}

// upsertRecipient refreshes the recipient projection from a user event
func (p *IngestProcessor) upsertRecipient(ctx context.Context, event kafka.EventMessage) error {
	userID, err := uuid.Parse(event.UserID)
	if err != nil {
		p.logger.Warn(ctx, fmt.Sprintf("user event %s has invalid user id %q, dropping", event.ID, event.UserID))
		return nil
	}

	now := time.Now().UTC()
	params := store.UpsertRecipientParams{
		ID:            userID,
		Email:         stringField(event.Data, "email"),
		Phone:         optionalStringField(event.Data, "phone"),
		PushToken:     optionalStringField(event.Data, "pushToken"),
		FirstName:     stringField(event.Data, "firstName"),
		LastName:      stringField(event.Data, "lastName"),
		EmailVerified: boolField(event.Data, "emailVerified"),
		PhoneVerified: boolField(event.Data, "phoneVerified"),
		Timezone:      stringField(event.Data, "timezone"),
		Active:        true,
		LastActiveAt:  &now,
		Attributes:    attributesField(event.Data),
	}
	if params.Timezone == "" {
		params.Timezone = "UTC"
	}
	if v, ok := event.Data["active"].(bool); ok {
		params.Active = v
	}

	if _, err := p.store.UpsertRecipient(ctx, params); err != nil {
		return fmt.Errorf("failed to upsert recipient %s: %w", userID, err)
	}
	return nil
}

func stringField(data map[string]interface{}, key string) string {
	s, _ := data[key].(string)
	return s
}

func optionalStringField(data map[string]interface{}, key string) *string {
	if s, ok := data[key].(string); ok && s != "" {
		return &s
	}
	return nil
}

func boolField(data map[string]interface{}, key string) bool {
	b, _ := data[key].(bool)
	return b
}

func attributesField(data map[string]interface{}) store.JSONB {
	if attrs, ok := data["attributes"].(map[string]interface{}); ok {
		return store.JSONB(attrs)
	}
	return store.JSONB{}
}
