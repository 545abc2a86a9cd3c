package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DeliveryLogEntry represents one recorded delivery attempt outcome
type DeliveryLogEntry struct {
	ID                uuid.UUID   `db:"id" json:"id"`
	QueueItemID       uuid.UUID   `db:"queue_item_id" json:"queue_item_id"`
	UserID            uuid.UUID   `db:"user_id" json:"user_id"`
	Channel           Channel     `db:"channel" json:"channel"`
	Trigger           Trigger     `db:"trigger" json:"trigger"`
	Status            QueueStatus `db:"status" json:"status"`
	SentAt            *time.Time  `db:"sent_at" json:"sent_at,omitempty"`
	DeliveredAt       *time.Time  `db:"delivered_at" json:"delivered_at,omitempty"`
	OpenedAt          *time.Time  `db:"opened_at" json:"opened_at,omitempty"`
	ClickedAt         *time.Time  `db:"clicked_at" json:"clicked_at,omitempty"`
	CostMicros        int64       `db:"cost_micros" json:"cost_micros"`
	ProviderMessageID *string     `db:"provider_message_id" json:"provider_message_id,omitempty"`
	ErrorReason       *string     `db:"error_reason" json:"error_reason,omitempty"`
	SkipReason        *string     `db:"skip_reason" json:"skip_reason,omitempty"`
	CreatedAt         time.Time   `db:"created_at" json:"created_at"`
}

const deliveryLogColumns = `id, queue_item_id, user_id, channel, trigger, status, sent_at, delivered_at, opened_at, clicked_at, cost_micros, provider_message_id, error_reason, skip_reason, created_at`

// CreateDeliveryLogEntryParams represents an append to the delivery log
type CreateDeliveryLogEntryParams struct {
	QueueItemID       uuid.UUID
	UserID            uuid.UUID
	Channel           Channel
	Trigger           Trigger
	Status            QueueStatus
	SentAt            *time.Time
	CostMicros        int64
	ProviderMessageID *string
	ErrorReason       *string
	SkipReason        *string
}

const sqlCreateDeliveryLogEntry = `
INSERT INTO delivery_log (queue_item_id, user_id, channel, trigger, status, sent_at, cost_micros, provider_message_id, error_reason, skip_reason)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING ` + deliveryLogColumns + `
`

// CreateDeliveryLogEntry appends an outcome record; rows are never rewritten
// afterwards except to stamp delivery/open/click timestamps
func (s *Store) CreateDeliveryLogEntry(ctx context.Context, params CreateDeliveryLogEntryParams) (DeliveryLogEntry, error) {
	var entry DeliveryLogEntry
	err := s.db.GetContext(ctx, &entry, sqlCreateDeliveryLogEntry,
		params.QueueItemID,
		params.UserID,
		params.Channel,
		params.Trigger,
		params.Status,
		params.SentAt,
		params.CostMicros,
		params.ProviderMessageID,
		params.ErrorReason,
		params.SkipReason)
	if err != nil {
		return DeliveryLogEntry{}, fmt.Errorf("failed to create delivery log entry: %w", err)
	}
	return entry, nil
}

const sqlGetDeliveryLogEntryByID = `
SELECT ` + deliveryLogColumns + `
FROM delivery_log
WHERE id = $1
`

// GetDeliveryLogEntryByID retrieves a log entry by ID
func (s *Store) GetDeliveryLogEntryByID(ctx context.Context, entryID uuid.UUID) (DeliveryLogEntry, error) {
	var entry DeliveryLogEntry
	err := s.db.GetContext(ctx, &entry, sqlGetDeliveryLogEntryByID, entryID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return DeliveryLogEntry{}, ErrNotFound
		}
		return DeliveryLogEntry{}, fmt.Errorf("failed to get delivery log entry: %w", err)
	}
	return entry, nil
}

const sqlMarkDeliveryLogOpened = `
UPDATE delivery_log
SET opened_at = COALESCE(opened_at, $2)
WHERE id = $1
RETURNING ` + deliveryLogColumns + `
`

// MarkDeliveryLogOpened stamps the open timestamp; the first timestamp wins and
// later calls are no-ops
func (s *Store) MarkDeliveryLogOpened(ctx context.Context, entryID uuid.UUID, at time.Time) (DeliveryLogEntry, error) {
	var entry DeliveryLogEntry
	err := s.db.GetContext(ctx, &entry, sqlMarkDeliveryLogOpened, entryID, at)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return DeliveryLogEntry{}, ErrNotFound
		}
		return DeliveryLogEntry{}, fmt.Errorf("failed to mark delivery log opened: %w", err)
	}
	return entry, nil
}

const sqlMarkDeliveryLogClicked = `
UPDATE delivery_log
SET clicked_at = COALESCE(clicked_at, $2),
    opened_at = COALESCE(opened_at, $2)
WHERE id = $1
RETURNING ` + deliveryLogColumns + `
`

// MarkDeliveryLogClicked stamps the click timestamp; a click implies an open
func (s *Store) MarkDeliveryLogClicked(ctx context.Context, entryID uuid.UUID, at time.Time) (DeliveryLogEntry, error) {
	var entry DeliveryLogEntry
	err := s.db.GetContext(ctx, &entry, sqlMarkDeliveryLogClicked, entryID, at)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return DeliveryLogEntry{}, ErrNotFound
		}
		return DeliveryLogEntry{}, fmt.Errorf("failed to mark delivery log clicked: %w", err)
	}
	return entry, nil
}

const sqlMarkDeliveryLogDeliveredByProviderID = `
UPDATE delivery_log
SET delivered_at = COALESCE(delivered_at, $2)
WHERE provider_message_id = $1
RETURNING ` + deliveryLogColumns + `
`

// MarkDeliveryLogDeliveredByProviderID stamps provider delivery confirmation,
// addressed by the provider's message id from webhook callbacks
func (s *Store) MarkDeliveryLogDeliveredByProviderID(ctx context.Context, providerMessageID string, at time.Time) (DeliveryLogEntry, error) {
	var entry DeliveryLogEntry
	err := s.db.GetContext(ctx, &entry, sqlMarkDeliveryLogDeliveredByProviderID, providerMessageID, at)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return DeliveryLogEntry{}, ErrNotFound
		}
		return DeliveryLogEntry{}, fmt.Errorf("failed to mark delivery log delivered: %w", err)
	}
	return entry, nil
}

const sqlGetDeliveryLogEntryByProviderID = `
SELECT ` + deliveryLogColumns + `
FROM delivery_log
WHERE provider_message_id = $1
`

// GetDeliveryLogEntryByProviderID retrieves a log entry by provider message id
func (s *Store) GetDeliveryLogEntryByProviderID(ctx context.Context, providerMessageID string) (DeliveryLogEntry, error) {
	var entry DeliveryLogEntry
	err := s.db.GetContext(ctx, &entry, sqlGetDeliveryLogEntryByProviderID, providerMessageID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return DeliveryLogEntry{}, ErrNotFound
		}
		return DeliveryLogEntry{}, fmt.Errorf("failed to get delivery log entry by provider id: %w", err)
	}
	return entry, nil
}

// DeliveryStatsFilter bounds an aggregate query; nil fields match everything
type DeliveryStatsFilter struct {
	UserID  *uuid.UUID
	Channel *Channel
	Trigger *Trigger
	From    *time.Time
	To      *time.Time
}

// DeliveryStatsResult represents aggregate delivery counts
type DeliveryStatsResult struct {
	Sent            int     `db:"sent" json:"sent"`
	Failed          int     `db:"failed" json:"failed"`
	Skipped         int     `db:"skipped" json:"skipped"`
	Opened          int     `db:"opened" json:"opened"`
	Clicked         int     `db:"clicked" json:"clicked"`
	TotalCostMicros int64   `db:"total_cost_micros" json:"total_cost_micros"`
	OpenRate        float64 `json:"open_rate"`
	ClickRate       float64 `json:"click_rate"`
}

const sqlAggregateDeliveryStats = `
SELECT
    COUNT(*) FILTER (WHERE status = 'sent')::int AS sent,
    COUNT(*) FILTER (WHERE status = 'failed')::int AS failed,
    COUNT(*) FILTER (WHERE status = 'skipped')::int AS skipped,
    COUNT(opened_at)::int AS opened,
    COUNT(clicked_at)::int AS clicked,
    COALESCE(SUM(cost_micros) FILTER (WHERE status = 'sent'), 0)::bigint AS total_cost_micros
FROM delivery_log
WHERE ($1::uuid IS NULL OR user_id = $1)
  AND ($2::text IS NULL OR channel = $2)
  AND ($3::text IS NULL OR trigger = $3)
  AND ($4::timestamptz IS NULL OR created_at >= $4)
  AND ($5::timestamptz IS NULL OR created_at < $5)
`

// AggregateDeliveryStats computes delivery counts over the filtered log. Open and
// click rates are percentages of sent and are derived here rather than in SQL.
func (s *Store) AggregateDeliveryStats(ctx context.Context, filter DeliveryStatsFilter) (DeliveryStatsResult, error) {
	var result DeliveryStatsResult
	err := s.db.GetContext(ctx, &result, sqlAggregateDeliveryStats,
		filter.UserID, filter.Channel, filter.Trigger, filter.From, filter.To)
	if err != nil {
		return DeliveryStatsResult{}, fmt.Errorf("failed to aggregate delivery stats: %w", err)
	}

	if result.Sent > 0 {
		result.OpenRate = float64(result.Opened) / float64(result.Sent) * 100
		result.ClickRate = float64(result.Clicked) / float64(result.Sent) * 100
	}

	return result, nil
}

// ChannelDeliveryStatsResult represents per-channel delivery counts
type ChannelDeliveryStatsResult struct {
	Channel         Channel `db:"channel" json:"channel"`
	Sent            int     `db:"sent" json:"sent"`
	Failed          int     `db:"failed" json:"failed"`
	Skipped         int     `db:"skipped" json:"skipped"`
	TotalCostMicros int64   `db:"total_cost_micros" json:"total_cost_micros"`
}

const sqlAggregateDeliveryStatsByChannel = `
SELECT
    channel,
    COUNT(*) FILTER (WHERE status = 'sent')::int AS sent,
    COUNT(*) FILTER (WHERE status = 'failed')::int AS failed,
    COUNT(*) FILTER (WHERE status = 'skipped')::int AS skipped,
    COALESCE(SUM(cost_micros) FILTER (WHERE status = 'sent'), 0)::bigint AS total_cost_micros
FROM delivery_log
WHERE ($1::uuid IS NULL OR user_id = $1)
  AND ($2::timestamptz IS NULL OR created_at >= $2)
  AND ($3::timestamptz IS NULL OR created_at < $3)
GROUP BY channel
ORDER BY channel
`

// AggregateDeliveryStatsByChannel computes per-channel counts over the filtered log
func (s *Store) AggregateDeliveryStatsByChannel(ctx context.Context, userID *uuid.UUID, from, to *time.Time) ([]ChannelDeliveryStatsResult, error) {
	var results []ChannelDeliveryStatsResult
	err := s.db.SelectContext(ctx, &results, sqlAggregateDeliveryStatsByChannel, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate delivery stats by channel: %w", err)
	}
	return results, nil
}

const sqlCountDeliveriesSince = `
SELECT COUNT(*)
FROM delivery_log
WHERE user_id = $1 AND channel = $2 AND status = 'sent' AND sent_at >= $3
`

// CountDeliveriesSince counts sends to a user on a channel since the window start;
// this is the rate limiter's authoritative fallback when Redis is unavailable
func (s *Store) CountDeliveriesSince(ctx context.Context, userID uuid.UUID, channel Channel, since time.Time) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, sqlCountDeliveriesSince, userID, channel, since)
	if err != nil {
		return 0, fmt.Errorf("failed to count deliveries: %w", err)
	}
	return count, nil
}

const sqlSumChannelCostSince = `
SELECT COALESCE(SUM(cost_micros), 0)::bigint
FROM delivery_log
WHERE channel = $1 AND status = 'sent' AND sent_at >= $2
`

// SumChannelCostSince totals delivery cost for a channel since the given instant,
// used to seed the SMS daily budget counter at dispatch tick start
func (s *Store) SumChannelCostSince(ctx context.Context, channel Channel, since time.Time) (int64, error) {
	var total int64
	err := s.db.GetContext(ctx, &total, sqlSumChannelCostSince, channel, since)
	if err != nil {
		return 0, fmt.Errorf("failed to sum channel cost: %w", err)
	}
	return total, nil
}

const sqlHasSentDeliveryForQueueItem = `
SELECT EXISTS (
    SELECT 1 FROM delivery_log
    WHERE queue_item_id = $1 AND status = 'sent'
)
`

// HasSentDeliveryForQueueItem reports whether a successful send was already logged
// for the queue item; dispatchers consult this before re-sending a reclaimed item
func (s *Store) HasSentDeliveryForQueueItem(ctx context.Context, queueItemID uuid.UUID) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists, sqlHasSentDeliveryForQueueItem, queueItemID)
	if err != nil {
		return false, fmt.Errorf("failed to check delivery log for queue item: %w", err)
	}
	return exists, nil
}
