package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"notification-engine/internal/observability"
	prefprocessor "notification-engine/internal/preferences/processor"
	"notification-engine/internal/store"

	"github.com/google/uuid"
)

// QueueStore defines the database operations required by QueueProcessor
type QueueStore interface {
	CreateQueueItem(ctx context.Context, params store.CreateQueueItemParams) (store.QueueItem, bool, error)
	GetQueueItemByID(ctx context.Context, itemID uuid.UUID) (store.QueueItem, error)
	GetLatestQueueItemByDedup(ctx context.Context, userID uuid.UUID, trigger store.Trigger, channel store.Channel, dedupKey string) (store.QueueItem, error)
	ClaimQueueBatch(ctx context.Context, params store.ClaimQueueBatchParams) ([]store.QueueItem, error)
	CompleteQueueItem(ctx context.Context, params store.CompleteQueueItemParams) (store.QueueItem, error)
	ReleaseQueueItem(ctx context.Context, params store.ReleaseQueueItemParams) (store.QueueItem, error)
	FailExhaustedQueueItems(ctx context.Context, channel store.Channel, now time.Time) ([]store.QueueItem, error)
	CountQueueItemsByStatus(ctx context.Context, channel store.Channel, status store.QueueStatus) (int, error)
}

// PreferenceReader resolves a user's effective notification preferences
type PreferenceReader interface {
	GetPreferences(ctx context.Context, userID uuid.UUID) (store.NotificationPreference, error)
}

var (
	ErrInvalidTrigger  = errors.New("unknown notification trigger")
	ErrInvalidChannel  = errors.New("unknown notification channel")
	ErrInvalidPriority = errors.New("unknown notification priority")
	ErrMissingUser     = errors.New("user id is required")
)

type QueueProcessor struct {
	store       QueueStore
	prefs       PreferenceReader
	deduper     *Deduper
	logger      *observability.Logger
	maxAttempts int
	lease       time.Duration
}

func New(store QueueStore, prefs PreferenceReader, deduper *Deduper, logger *observability.Logger, maxAttempts int, lease time.Duration) QueueProcessor {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if lease <= 0 {
		lease = 5 * time.Minute
	}
	return QueueProcessor{
		store:       store,
		prefs:       prefs,
		deduper:     deduper,
		logger:      logger,
		maxAttempts: maxAttempts,
		lease:       lease,
	}
}

// EnqueueRequest represents a notification to fan out to a user's channels
type EnqueueRequest struct {
	UserID       uuid.UUID
	Trigger      store.Trigger
	Data         store.JSONB
	Priority     store.Priority  // empty means the trigger default
	Channels     []store.Channel // empty means the user's preferred channels
	DedupKey     *string
	ScheduledFor *time.Time
	CampaignID   *uuid.UUID
}

// EnqueueResult reports what happened to each channel of a notification
type EnqueueResult struct {
	Items     []store.QueueItem `json:"items"`
	Collapsed int               `json:"collapsed"`
}

// Enqueue fans a notification out to one queue item per eligible channel.
// Channel selection follows the user's preference matrix unless the request
// names channels explicitly. Duplicate pending notifications with the same
// dedup key collapse into the existing item.
func (p *QueueProcessor) Enqueue(ctx context.Context, req EnqueueRequest) (EnqueueResult, error) {
	if req.UserID == uuid.Nil {
		return EnqueueResult{}, ErrMissingUser
	}
	if !req.Trigger.IsValid() {
		return EnqueueResult{}, fmt.Errorf("%w: %s", ErrInvalidTrigger, req.Trigger)
	}
	if req.Priority != "" && !req.Priority.IsValid() {
		return EnqueueResult{}, fmt.Errorf("%w: %s", ErrInvalidPriority, req.Priority)
	}
	for _, channel := range req.Channels {
		if !channel.IsValid() {
			return EnqueueResult{}, fmt.Errorf("%w: %s", ErrInvalidChannel, channel)
		}
	}

	ctx = observability.WithFields(ctx,
		observability.Field{Key: "user_id", Value: req.UserID.String()},
		observability.Field{Key: "trigger", Value: string(req.Trigger)},
	)

	pref, err := p.prefs.GetPreferences(ctx, req.UserID)
	if err != nil {
		return EnqueueResult{}, err
	}

	channels := req.Channels
	if len(channels) == 0 {
		for _, channel := range store.AllChannels {
			if prefprocessor.IsChannelEnabled(pref, req.Trigger, channel) {
				channels = append(channels, channel)
			}
		}
	}
	if len(channels) == 0 {
		p.logger.Info(ctx, "no eligible channels for notification")
		return EnqueueResult{}, nil
	}

	priority := req.Priority
	if priority == "" {
		priority = store.DefaultPriority(req.Trigger)
	}

	scheduledFor := req.ScheduledFor
	if scheduledFor == nil {
		scheduledFor = nextDigestSlot(prefprocessor.FrequencyFor(pref, req.Trigger), pref, time.Now())
	}

	var result EnqueueResult
	for _, channel := range channels {
		if req.DedupKey != nil {
			reserved, err := p.deduper.Reserve(ctx, req.UserID, req.Trigger, channel, *req.DedupKey)
			if err != nil {
				p.logger.WarnWithError(ctx, "dedup reservation failed, falling back to database", err)
			} else if !reserved {
				// Collapsed inside the dedup window; hand back the item the
				// duplicate collapsed into so callers can correlate.
				existing, err := p.store.GetLatestQueueItemByDedup(ctx, req.UserID, req.Trigger, channel, *req.DedupKey)
				if err == nil {
					result.Collapsed++
					result.Items = append(result.Items, existing)
					continue
				}
				if !errors.Is(err, store.ErrNotFound) {
					return result, err
				}
				// Reservation without a row; the insert below settles it.
			}
		}

		item, created, err := p.store.CreateQueueItem(ctx, store.CreateQueueItemParams{
			UserID:       req.UserID,
			Trigger:      req.Trigger,
			Priority:     priority,
			Channel:      channel,
			TemplateData: req.Data,
			DedupKey:     req.DedupKey,
			ScheduledFor: scheduledFor,
			MaxAttempts:  p.maxAttempts,
			CampaignID:   req.CampaignID,
		})
		if err != nil {
			p.logger.Error(ctx, "failed to enqueue notification", err)
			return result, err
		}
		if !created {
			result.Collapsed++
		}
		result.Items = append(result.Items, item)
	}

	return result, nil
}

// nextDigestSlot defers batched triggers to the user's next digest delivery
// time. Instant triggers return nil and are delivered on the next tick.
func nextDigestSlot(freq store.Frequency, pref store.NotificationPreference, now time.Time) *time.Time {
	if freq == store.FrequencyInstant {
		return nil
	}

	loc, err := time.LoadLocation(pref.QuietHoursTimezone)
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)

	// Digests go out at 09:00 local time
	slot := time.Date(local.Year(), local.Month(), local.Day(), 9, 0, 0, 0, loc)
	switch freq {
	case store.FrequencyDaily:
		if !slot.After(local) {
			slot = slot.AddDate(0, 0, 1)
		}
	case store.FrequencyWeekly:
		for slot.Weekday() != time.Monday || !slot.After(local) {
			slot = slot.AddDate(0, 0, 1)
		}
	default:
		return nil
	}
	return &slot
}

// ClaimBatch atomically claims up to limit due items on a channel for the
// named worker. Claimed items stay pending under a lease; a crashed worker's
// items become claimable again when the lease expires.
func (p *QueueProcessor) ClaimBatch(ctx context.Context, channel store.Channel, limit int, owner string) ([]store.QueueItem, error) {
	now := time.Now()
	items, err := p.store.ClaimQueueBatch(ctx, store.ClaimQueueBatchParams{
		Channel:    channel,
		Limit:      limit,
		Owner:      owner,
		LeaseUntil: now.Add(p.lease),
		Now:        now,
	})
	if err != nil {
		p.logger.Error(ctx, "failed to claim queue batch", err)
		return nil, err
	}
	return items, nil
}

// Complete transitions a claimed item to its terminal status
func (p *QueueProcessor) Complete(ctx context.Context, itemID uuid.UUID, owner string, status store.QueueStatus, providerMessageID *string) (store.QueueItem, error) {
	item, err := p.store.CompleteQueueItem(ctx, store.CompleteQueueItemParams{
		ID:                itemID,
		Owner:             owner,
		Status:            status,
		ProviderMessageID: providerMessageID,
	})
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			p.logger.Error(ctx, "failed to complete queue item", err)
		}
		return store.QueueItem{}, err
	}

	if item.DedupKey != nil {
		p.deduper.Release(ctx, item.UserID, item.Trigger, item.Channel, *item.DedupKey)
	}
	return item, nil
}

// Release returns a claimed item to the pending pool. A deferral reschedules
// the item without spending one of its attempts; a transient failure keeps
// the attempt spent so retries stay bounded.
func (p *QueueProcessor) Release(ctx context.Context, itemID uuid.UUID, owner string, scheduledFor *time.Time, refundAttempt bool) (store.QueueItem, error) {
	item, err := p.store.ReleaseQueueItem(ctx, store.ReleaseQueueItemParams{
		ID:            itemID,
		Owner:         owner,
		ScheduledFor:  scheduledFor,
		RefundAttempt: refundAttempt,
	})
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			p.logger.Error(ctx, "failed to release queue item", err)
		}
		return store.QueueItem{}, err
	}
	return item, nil
}

// FailExhausted sweeps items whose attempts ran out into the failed status
// and returns them so outcomes can be logged
func (p *QueueProcessor) FailExhausted(ctx context.Context, channel store.Channel) ([]store.QueueItem, error) {
	items, err := p.store.FailExhaustedQueueItems(ctx, channel, time.Now())
	if err != nil {
		p.logger.Error(ctx, "failed to sweep exhausted queue items", err)
		return nil, err
	}
	if len(items) > 0 {
		ctx = observability.WithFields(ctx, observability.Field{Key: "channel", Value: string(channel)})
		p.logger.Info(ctx, fmt.Sprintf("marked %d exhausted queue items failed", len(items)))
	}
	return items, nil
}

// QueueStats summarizes queue depth per channel
type QueueStats struct {
	Channel store.Channel `json:"channel"`
	Pending int           `json:"pending"`
	Sent    int           `json:"sent"`
	Failed  int           `json:"failed"`
	Skipped int           `json:"skipped"`
}

// Stats reports per-channel queue depth across all statuses
func (p *QueueProcessor) Stats(ctx context.Context) ([]QueueStats, error) {
	stats := make([]QueueStats, 0, len(store.AllChannels))
	for _, channel := range store.AllChannels {
		row := QueueStats{Channel: channel}
		var err error
		if row.Pending, err = p.store.CountQueueItemsByStatus(ctx, channel, store.QueueStatusPending); err != nil {
			return nil, err
		}
		if row.Sent, err = p.store.CountQueueItemsByStatus(ctx, channel, store.QueueStatusSent); err != nil {
			return nil, err
		}
		if row.Failed, err = p.store.CountQueueItemsByStatus(ctx, channel, store.QueueStatusFailed); err != nil {
			return nil, err
		}
		if row.Skipped, err = p.store.CountQueueItemsByStatus(ctx, channel, store.QueueStatusSkipped); err != nil {
			return nil, err
		}
		stats = append(stats, row)
	}
	return stats, nil
}

// GetItem retrieves one queue item by ID
func (p *QueueProcessor) GetItem(ctx context.Context, itemID uuid.UUID) (store.QueueItem, error) {
	item, err := p.store.GetQueueItemByID(ctx, itemID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			p.logger.Error(ctx, "failed to get queue item", err)
		}
		return store.QueueItem{}, err
	}
	return item, nil
}
