package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// QueueItem represents one pending or attempted notification for one channel
type QueueItem struct {
	ID                uuid.UUID   `db:"id" json:"id"`
	UserID            uuid.UUID   `db:"user_id" json:"user_id"`
	Trigger           Trigger     `db:"trigger" json:"trigger"`
	Priority          Priority    `db:"priority" json:"priority"`
	Channel           Channel     `db:"channel" json:"channel"`
	TemplateData      JSONB       `db:"template_data" json:"template_data"`
	DedupKey          *string     `db:"dedup_key" json:"dedup_key,omitempty"`
	Status            QueueStatus `db:"status" json:"status"`
	ScheduledFor      *time.Time  `db:"scheduled_for" json:"scheduled_for,omitempty"`
	Attempts          int         `db:"attempts" json:"attempts"`
	MaxAttempts       int         `db:"max_attempts" json:"max_attempts"`
	LeaseOwner        *string     `db:"lease_owner" json:"lease_owner,omitempty"`
	LeaseExpiresAt    *time.Time  `db:"lease_expires_at" json:"lease_expires_at,omitempty"`
	CampaignID        *uuid.UUID  `db:"campaign_id" json:"campaign_id,omitempty"`
	ProviderMessageID *string     `db:"provider_message_id" json:"provider_message_id,omitempty"`
	CreatedAt         time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time   `db:"updated_at" json:"updated_at"`
}

const queueItemColumns = `id, user_id, trigger, priority, channel, template_data, dedup_key, status, scheduled_for, attempts, max_attempts, lease_owner, lease_expires_at, campaign_id, provider_message_id, created_at, updated_at`

// CreateQueueItemParams represents parameters for enqueuing one channel row
type CreateQueueItemParams struct {
	UserID       uuid.UUID
	Trigger      Trigger
	Priority     Priority
	Channel      Channel
	TemplateData JSONB
	DedupKey     *string
	ScheduledFor *time.Time
	MaxAttempts  int
	CampaignID   *uuid.UUID
}

const sqlCreateQueueItem = `
INSERT INTO queue_items (user_id, trigger, priority, channel, template_data, dedup_key, scheduled_for, max_attempts, campaign_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (user_id, trigger, channel, dedup_key) WHERE dedup_key IS NOT NULL AND status = 'pending' DO NOTHING
RETURNING ` + queueItemColumns + `
`

const sqlGetPendingQueueItemByDedup = `
SELECT ` + queueItemColumns + `
FROM queue_items
WHERE user_id = $1 AND trigger = $2 AND channel = $3 AND dedup_key = $4 AND status = 'pending'
`

// CreateQueueItem enqueues a channel row. When the dedup key collides with an
// existing pending row, the existing row is returned and created is false.
func (s *Store) CreateQueueItem(ctx context.Context, params CreateQueueItemParams) (QueueItem, bool, error) {
	var item QueueItem
	err := s.db.GetContext(ctx, &item, sqlCreateQueueItem,
		params.UserID,
		params.Trigger,
		params.Priority,
		params.Channel,
		params.TemplateData,
		params.DedupKey,
		params.ScheduledFor,
		params.MaxAttempts,
		params.CampaignID)
	if err == nil {
		return item, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return QueueItem{}, false, fmt.Errorf("failed to create queue item: %w", err)
	}

	// Insert was a dedup no-op; hand back the row that absorbed it.
	err = s.db.GetContext(ctx, &item, sqlGetPendingQueueItemByDedup,
		params.UserID, params.Trigger, params.Channel, params.DedupKey)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return QueueItem{}, false, ErrNotFound
		}
		return QueueItem{}, false, fmt.Errorf("failed to get deduplicated queue item: %w", err)
	}
	return item, false, nil
}

const sqlGetQueueItemByID = `
SELECT ` + queueItemColumns + `
FROM queue_items
WHERE id = $1
`

// GetQueueItemByID retrieves a queue item by ID
func (s *Store) GetQueueItemByID(ctx context.Context, itemID uuid.UUID) (QueueItem, error) {
	var item QueueItem
	err := s.db.GetContext(ctx, &item, sqlGetQueueItemByID, itemID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return QueueItem{}, ErrNotFound
		}
		return QueueItem{}, fmt.Errorf("failed to get queue item: %w", err)
	}
	return item, nil
}

const sqlGetLatestQueueItemByDedup = `
SELECT ` + queueItemColumns + `
FROM queue_items
WHERE user_id = $1 AND trigger = $2 AND channel = $3 AND dedup_key = $4
ORDER BY created_at DESC
LIMIT 1
`

// GetLatestQueueItemByDedup returns the newest queue item carrying a dedup
// tuple, regardless of status. Collapsed enqueues resolve the item they
// collapsed into through this lookup.
func (s *Store) GetLatestQueueItemByDedup(ctx context.Context, userID uuid.UUID, trigger Trigger, channel Channel, dedupKey string) (QueueItem, error) {
	var item QueueItem
	err := s.db.GetContext(ctx, &item, sqlGetLatestQueueItemByDedup, userID, trigger, channel, dedupKey)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return QueueItem{}, ErrNotFound
		}
		return QueueItem{}, fmt.Errorf("failed to get queue item by dedup key: %w", err)
	}
	return item, nil
}

// ClaimQueueBatchParams represents parameters for atomically claiming a batch
type ClaimQueueBatchParams struct {
	Channel    Channel
	Limit      int
	Owner      string
	LeaseUntil time.Time
	Now        time.Time
}

const sqlClaimQueueBatch = `
UPDATE queue_items
SET lease_owner = $3,
    lease_expires_at = $4,
    attempts = attempts + 1,
    updated_at = CURRENT_TIMESTAMP
WHERE id IN (
    SELECT id
    FROM queue_items
    WHERE channel = $1
      AND status = 'pending'
      AND (scheduled_for IS NULL OR scheduled_for <= $5)
      AND (lease_expires_at IS NULL OR lease_expires_at < $5)
      AND attempts < max_attempts
    ORDER BY CASE priority
        WHEN 'critical' THEN 0
        WHEN 'high' THEN 1
        WHEN 'medium' THEN 2
        ELSE 3
    END, created_at
    LIMIT $2
    FOR UPDATE SKIP LOCKED
)
RETURNING ` + queueItemColumns + `
`

// ClaimQueueBatch atomically leases due pending items for one channel, ordered by
// priority then FIFO. Locked rows are skipped so concurrent claimers never overlap.
// Each claim charges one attempt.
func (s *Store) ClaimQueueBatch(ctx context.Context, params ClaimQueueBatchParams) ([]QueueItem, error) {
	var items []QueueItem
	err := s.db.SelectContext(ctx, &items, sqlClaimQueueBatch,
		params.Channel,
		params.Limit,
		params.Owner,
		params.LeaseUntil,
		params.Now)
	if err != nil {
		return nil, fmt.Errorf("failed to claim queue batch: %w", err)
	}
	return items, nil
}

// CompleteQueueItemParams represents a terminal outcome write for a claimed item
type CompleteQueueItemParams struct {
	ID                uuid.UUID
	Owner             string
	Status            QueueStatus
	ProviderMessageID *string
}

const sqlCompleteQueueItem = `
UPDATE queue_items
SET status = $3,
    provider_message_id = COALESCE($4, provider_message_id),
    lease_owner = NULL,
    lease_expires_at = NULL,
    updated_at = CURRENT_TIMESTAMP
WHERE id = $1 AND lease_owner = $2 AND status = 'pending'
RETURNING ` + queueItemColumns + `
`

// CompleteQueueItem moves a claimed item to a terminal state. The lease owner guard
// makes a stale worker's write a no-op after its lease has been reassigned.
func (s *Store) CompleteQueueItem(ctx context.Context, params CompleteQueueItemParams) (QueueItem, error) {
	var item QueueItem
	err := s.db.GetContext(ctx, &item, sqlCompleteQueueItem,
		params.ID,
		params.Owner,
		params.Status,
		params.ProviderMessageID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return QueueItem{}, ErrNotFound
		}
		return QueueItem{}, fmt.Errorf("failed to complete queue item: %w", err)
	}
	return item, nil
}

// ReleaseQueueItemParams represents returning a claimed item to the pending pool
type ReleaseQueueItemParams struct {
	ID           uuid.UUID
	Owner        string
	ScheduledFor *time.Time
	// RefundAttempt returns the attempt the claim charged; used for policy
	// deferrals, which are not retries.
	RefundAttempt bool
}

const sqlReleaseQueueItem = `
UPDATE queue_items
SET lease_owner = NULL,
    lease_expires_at = NULL,
    scheduled_for = COALESCE($3, scheduled_for),
    attempts = attempts - CASE WHEN $4 THEN 1 ELSE 0 END,
    updated_at = CURRENT_TIMESTAMP
WHERE id = $1 AND lease_owner = $2 AND status = 'pending'
RETURNING ` + queueItemColumns + `
`

// ReleaseQueueItem returns a claimed item to pending, optionally rescheduling it
func (s *Store) ReleaseQueueItem(ctx context.Context, params ReleaseQueueItemParams) (QueueItem, error) {
	var item QueueItem
	err := s.db.GetContext(ctx, &item, sqlReleaseQueueItem,
		params.ID,
		params.Owner,
		params.ScheduledFor,
		params.RefundAttempt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return QueueItem{}, ErrNotFound
		}
		return QueueItem{}, fmt.Errorf("failed to release queue item: %w", err)
	}
	return item, nil
}

const sqlFailExhaustedQueueItems = `
UPDATE queue_items
SET status = 'failed',
    lease_owner = NULL,
    lease_expires_at = NULL,
    updated_at = CURRENT_TIMESTAMP
WHERE channel = $1
  AND status = 'pending'
  AND attempts >= max_attempts
  AND (lease_expires_at IS NULL OR lease_expires_at < $2)
RETURNING ` + queueItemColumns + `
`

// FailExhaustedQueueItems permanently fails pending items that have used every
// attempt, covering workers that crashed mid-batch and left leases to expire.
func (s *Store) FailExhaustedQueueItems(ctx context.Context, channel Channel, now time.Time) ([]QueueItem, error) {
	var items []QueueItem
	err := s.db.SelectContext(ctx, &items, sqlFailExhaustedQueueItems, channel, now)
	if err != nil {
		return nil, fmt.Errorf("failed to fail exhausted queue items: %w", err)
	}
	return items, nil
}

const sqlCountQueueItemsByStatus = `
SELECT COUNT(*)
FROM queue_items
WHERE channel = $1 AND status = $2
`

// CountQueueItemsByStatus reports queue depth per channel and status
func (s *Store) CountQueueItemsByStatus(ctx context.Context, channel Channel, status QueueStatus) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, sqlCountQueueItemsByStatus, channel, status)
	if err != nil {
		return 0, fmt.Errorf("failed to count queue items: %w", err)
	}
	return count, nil
}
