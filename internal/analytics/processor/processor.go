package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"notification-engine/internal/observability"
	"notification-engine/internal/store"

	"github.com/google/uuid"
)

// AnalyticsStore defines the database operations required by AnalyticsProcessor
type AnalyticsStore interface {
	GetDeliveryLogEntryByID(ctx context.Context, entryID uuid.UUID) (store.DeliveryLogEntry, error)
	GetDeliveryLogEntryByProviderID(ctx context.Context, providerMessageID string) (store.DeliveryLogEntry, error)
	MarkDeliveryLogOpened(ctx context.Context, entryID uuid.UUID, at time.Time) (store.DeliveryLogEntry, error)
	MarkDeliveryLogClicked(ctx context.Context, entryID uuid.UUID, at time.Time) (store.DeliveryLogEntry, error)
	MarkDeliveryLogDeliveredByProviderID(ctx context.Context, providerMessageID string, at time.Time) (store.DeliveryLogEntry, error)
	AggregateDeliveryStats(ctx context.Context, filter store.DeliveryStatsFilter) (store.DeliveryStatsResult, error)
	AggregateDeliveryStatsByChannel(ctx context.Context, userID *uuid.UUID, from, to *time.Time) ([]store.ChannelDeliveryStatsResult, error)
}

var (
	ErrEntryNotFound        = errors.New("delivery log entry not found")
	ErrInvalidFilter        = errors.New("invalid stats filter")
	ErrUnknownProviderEvent = errors.New("unknown provider event")
)

type AnalyticsProcessor struct {
	store  AnalyticsStore
	logger *observability.Logger
}

func New(store AnalyticsStore, logger *observability.Logger) AnalyticsProcessor {
	return AnalyticsProcessor{
		store:  store,
		logger: logger,
	}
}

// StatsRequest carries the parsed query filters for an aggregate report.
// Nil fields match everything.
type StatsRequest struct {
	UserID  *uuid.UUID
	Channel *store.Channel
	Trigger *store.Trigger
	From    *time.Time
	To      *time.Time
}

// StatsResponse is the aggregate report plus a per-channel breakdown
type StatsResponse struct {
	Totals    store.DeliveryStatsResult          `json:"totals"`
	ByChannel []store.ChannelDeliveryStatsResult `json:"by_channel"`
	From      *time.Time                         `json:"from,omitempty"`
	To        *time.Time                         `json:"to,omitempty"`
}

// Stats aggregates the delivery log over the filter and attaches the
// per-channel breakdown
func (p *AnalyticsProcessor) Stats(ctx context.Context, req StatsRequest) (StatsResponse, error) {
	if req.From != nil && req.To != nil && req.To.Before(*req.From) {
		return StatsResponse{}, ErrInvalidFilter
	}
	if req.Channel != nil && !req.Channel.IsValid() {
		return StatsResponse{}, ErrInvalidFilter
	}
	if req.Trigger != nil && !req.Trigger.IsValid() {
		return StatsResponse{}, ErrInvalidFilter
	}

	totals, err := p.store.AggregateDeliveryStats(ctx, store.DeliveryStatsFilter{
		UserID:  req.UserID,
		Channel: req.Channel,
		Trigger: req.Trigger,
		From:    req.From,
		To:      req.To,
	})
	if err != nil {
		p.logger.Error(ctx, "failed to aggregate delivery stats", err)
		return StatsResponse{}, fmt.Errorf("failed to aggregate delivery stats: %w", err)
	}

	byChannel, err := p.store.AggregateDeliveryStatsByChannel(ctx, req.UserID, req.From, req.To)
	if err != nil {
		p.logger.Error(ctx, "failed to aggregate per-channel delivery stats", err)
		return StatsResponse{}, fmt.Errorf("failed to aggregate per-channel delivery stats: %w", err)
	}

	return StatsResponse{
		Totals:    totals,
		ByChannel: byChannel,
		From:      req.From,
		To:        req.To,
	}, nil
}

// MarkOpened stamps opened_at on a delivery log entry. The first timestamp
// wins, so repeated opens of the same message are no-ops.
func (p *AnalyticsProcessor) MarkOpened(ctx context.Context, entryID uuid.UUID) error {
	_, err := p.store.MarkDeliveryLogOpened(ctx, entryID, time.Now().UTC())
	return p.translateNotFound(ctx, "failed to mark delivery opened", err)
}

// MarkClicked stamps clicked_at, and opened_at when the open was never
// observed, since a click implies the message was seen
func (p *AnalyticsProcessor) MarkClicked(ctx context.Context, entryID uuid.UUID) error {
	_, err := p.store.MarkDeliveryLogClicked(ctx, entryID, time.Now().UTC())
	return p.translateNotFound(ctx, "failed to mark delivery clicked", err)
}

// ProviderEvent is a delivery status callback from an upstream provider,
// correlated by the provider's own message id
type ProviderEvent struct {
	ProviderMessageID string    `json:"provider_message_id" binding:"required"`
	Event             string    `json:"event" binding:"required"`
	OccurredAt        time.Time `json:"occurred_at"`
}

// Provider callback event names accepted by HandleProviderEvent
const (
	ProviderEventDelivered = "delivered"
	ProviderEventOpened    = "opened"
	ProviderEventClicked   = "clicked"
)

// HandleProviderEvent applies a provider delivery callback to the log entry
// it references. Unknown message ids return ErrEntryNotFound so provider
// webhook retries eventually give up.
func (p *AnalyticsProcessor) HandleProviderEvent(ctx context.Context, event ProviderEvent) error {
	at := event.OccurredAt
	if at.IsZero() {
		at = time.Now().UTC()
	}

	switch event.Event {
	case ProviderEventDelivered:
		_, err := p.store.MarkDeliveryLogDeliveredByProviderID(ctx, event.ProviderMessageID, at)
		return p.translateNotFound(ctx, "failed to mark delivery delivered", err)
	case ProviderEventOpened:
		entry, err := p.store.GetDeliveryLogEntryByProviderID(ctx, event.ProviderMessageID)
		if err != nil {
			return p.translateNotFound(ctx, "failed to resolve provider message id", err)
		}
		_, err = p.store.MarkDeliveryLogOpened(ctx, entry.ID, at)
		return p.translateNotFound(ctx, "failed to mark delivery opened", err)
	case ProviderEventClicked:
		entry, err := p.store.GetDeliveryLogEntryByProviderID(ctx, event.ProviderMessageID)
		if err != nil {
			return p.translateNotFound(ctx, "failed to resolve provider message id", err)
		}
		_, err = p.store.MarkDeliveryLogClicked(ctx, entry.ID, at)
		return p.translateNotFound(ctx, "failed to mark delivery clicked", err)
	default:
		return ErrUnknownProviderEvent
	}
}

func (p *AnalyticsProcessor) translateNotFound(ctx context.Context, msg string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return ErrEntryNotFound
	}
	p.logger.Error(ctx, msg, err)
	return fmt.Errorf("%s: %w", msg, err)
}
