package processor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"notification-engine/internal/observability"
	queueprocessor "notification-engine/internal/queue/processor"
	"notification-engine/internal/store"
	"notification-engine/internal/workers"

	"github.com/google/uuid"
)

// SchedulerStore defines the database operations required by SchedulerProcessor
type SchedulerStore interface {
	CreateScheduledCampaign(ctx context.Context, params store.CreateScheduledCampaignParams) (store.ScheduledCampaign, error)
	GetScheduledCampaignByID(ctx context.Context, campaignID uuid.UUID) (store.ScheduledCampaign, error)
	ListScheduledCampaigns(ctx context.Context) ([]store.ScheduledCampaign, error)
	ListDueScheduledCampaigns(ctx context.Context, now time.Time, limit int) ([]store.ScheduledCampaign, error)
	UpdateScheduledCampaign(ctx context.Context, campaignID uuid.UUID, params store.UpdateScheduledCampaignParams) (store.ScheduledCampaign, error)
	DeleteScheduledCampaign(ctx context.Context, campaignID uuid.UUID) error
	AdvanceScheduledCampaign(ctx context.Context, params store.AdvanceScheduledCampaignParams) (bool, error)
	GetNotificationTemplateByID(ctx context.Context, templateID uuid.UUID) (store.NotificationTemplate, error)
	ListRecipientsPage(ctx context.Context, afterID uuid.UUID, limit int) ([]store.Recipient, error)
	ListActiveRecipientsPage(ctx context.Context, activeSince time.Time, afterID uuid.UUID, limit int) ([]store.Recipient, error)
	ListSegmentRecipientsPage(ctx context.Context, filter store.JSONB, afterID uuid.UUID, limit int) ([]store.Recipient, error)
	ListRecipientsByIDs(ctx context.Context, ids store.StringArray) ([]store.Recipient, error)
}

// Enqueuer places notifications on the delivery queue
type Enqueuer interface {
	Enqueue(ctx context.Context, req queueprocessor.EnqueueRequest) (queueprocessor.EnqueueResult, error)
}

var ErrInvalidCampaign = errors.New("invalid campaign")

const (
	dueCampaignLimit = 50
	// activeUserWindow bounds the active_users audience selector
	activeUserWindow = 30 * 24 * time.Hour
)

// SchedulerProcessor owns campaign CRUD and turns due campaigns into queue
// items. A single Tick claims due campaigns, fans one enqueue per recipient
// through a bounded worker pool, then advances next_run.
type SchedulerProcessor struct {
	store          SchedulerStore
	enqueuer       Enqueuer
	logger         *observability.Logger
	recipientPage  int
	enqueueWorkers int
	drainTimeout   time.Duration
}

func New(
	store SchedulerStore,
	enqueuer Enqueuer,
	logger *observability.Logger,
	recipientPage int,
	enqueueWorkers int,
) SchedulerProcessor {
	if recipientPage <= 0 {
		recipientPage = 500
	}
	if enqueueWorkers <= 0 {
		enqueueWorkers = 5
	}
	return SchedulerProcessor{
		store:          store,
		enqueuer:       enqueuer,
		logger:         logger,
		recipientPage:  recipientPage,
		enqueueWorkers: enqueueWorkers,
		drainTimeout:   time.Minute,
	}
}

// Tick materializes every due campaign once. Returns the number of campaigns
// materialized this pass. Individual campaign failures are logged and do not
// stop the remaining campaigns.
func (p *SchedulerProcessor) Tick(ctx context.Context, now time.Time) (int, error) {
	campaigns, err := p.store.ListDueScheduledCampaigns(ctx, now, dueCampaignLimit)
	if err != nil {
		p.logger.Error(ctx, "failed to list due campaigns", err)
		return 0, fmt.Errorf("failed to list due campaigns: %w", err)
	}

	materialized := 0
	for _, campaign := range campaigns {
		if ctx.Err() != nil {
			return materialized, ctx.Err()
		}
		if err := p.materialize(ctx, campaign, now); err != nil {
			campaignCtx := observability.WithFields(ctx, observability.Field{Key: "campaign_id", Value: campaign.ID.String()})
			p.logger.Error(campaignCtx, "failed to materialize campaign", err)
			continue
		}
		materialized++
	}
	return materialized, nil
}

// materialize fans out one campaign run. Enqueues happen before the advance:
// if the process dies mid-run the next tick repeats the fan-out and the
// per-slot dedup key collapses the recipients already enqueued.
func (p *SchedulerProcessor) materialize(ctx context.Context, campaign store.ScheduledCampaign, now time.Time) error {
	if campaign.NextRun == nil {
		return nil
	}
	slot := *campaign.NextRun

	ctx = observability.WithFields(ctx,
		observability.Field{Key: "campaign_id", Value: campaign.ID.String()},
		observability.Field{Key: "campaign_name", Value: campaign.Name},
	)

	template, err := p.store.GetNotificationTemplateByID(ctx, campaign.TemplateID)
	if err != nil {
		return fmt.Errorf("failed to load campaign template: %w", err)
	}

	dedupKey := fmt.Sprintf("campaign:%s:%d", campaign.ID, slot.Unix())
	enqueued, fanErr := p.fanOut(ctx, campaign, template, dedupKey, now)
	if fanErr != nil {
		return fmt.Errorf("campaign fan-out failed after %d enqueues: %w", enqueued, fanErr)
	}

	var nextRun *time.Time
	disable := campaign.ScheduleType == store.ScheduleTypeOneTime
	if !disable {
		// Recompute from now so a missed slot fires once, not once per
		// missed occurrence.
		next, err := nextRunFor(campaign, now)
		if err != nil {
			p.logger.Error(ctx, "campaign recurrence is invalid, disabling", err)
			disable = true
		} else {
			nextRun = &next
		}
	}

	advanced, err := p.store.AdvanceScheduledCampaign(ctx, store.AdvanceScheduledCampaignParams{
		ID:              campaign.ID,
		ExpectedNextRun: slot,
		LastRun:         now,
		NextRun:         nextRun,
		Disable:         disable,
	})
	if err != nil {
		return fmt.Errorf("failed to advance campaign: %w", err)
	}
	if !advanced {
		// Another scheduler advanced this slot first; its enqueues and ours
		// collapsed on the dedup key.
		p.logger.Info(ctx, "campaign already advanced by another scheduler")
		return nil
	}

	resultCtx := observability.WithFields(ctx, observability.Field{Key: "enqueued", Value: enqueued})
	p.logger.Info(resultCtx, "campaign materialized")
	return nil
}

func nextRunFor(campaign store.ScheduledCampaign, after time.Time) (time.Time, error) {
	if campaign.RecurrencePattern == nil {
		return time.Time{}, fmt.Errorf("%w: recurring campaign has no pattern", ErrInvalidRecurrence)
	}
	return NextOccurrence(*campaign.RecurrencePattern, campaign.CronExpression, campaign.Timezone, after)
}

// fanOut enqueues one notification per resolved recipient through the worker
// pool and blocks until every enqueue finished. Returns the number of queue
// items created (collapsed duplicates excluded).
func (p *SchedulerProcessor) fanOut(ctx context.Context, campaign store.ScheduledCampaign, template store.NotificationTemplate, dedupKey string, now time.Time) (int, error) {
	pool := workers.NewPool("campaign-enqueue", workers.PoolConfig{
		NumWorkers:   p.enqueueWorkers,
		QueueSize:    p.recipientPage,
		DrainTimeout: p.drainTimeout,
	}, p.logger)
	if err := pool.Start(ctx); err != nil {
		return 0, err
	}

	var enqueued int64
	campaignID := campaign.ID
	submit := func(recipient store.Recipient) error {
		data := campaignData(recipient, campaign)
		return pool.Submit(ctx, func(taskCtx context.Context) error {
			result, err := p.enqueuer.Enqueue(taskCtx, queueprocessor.EnqueueRequest{
				UserID:     recipient.ID,
				Trigger:    template.Trigger,
				Data:       data,
				Priority:   template.Priority,
				Channels:   []store.Channel{template.Channel},
				DedupKey:   &dedupKey,
				CampaignID: &campaignID,
			})
			if err != nil {
				return fmt.Errorf("failed to enqueue for recipient %s: %w", recipient.ID, err)
			}
			atomic.AddInt64(&enqueued, int64(len(result.Items)))
			return nil
		})
	}

	visitErr := p.visitRecipients(ctx, campaign, now, submit)
	drainErr := pool.Drain(ctx)

	count := int(atomic.LoadInt64(&enqueued))
	if visitErr != nil {
		return count, visitErr
	}
	return count, drainErr
}

// visitRecipients resolves the campaign audience page by page, honoring the
// MaxRecipients cap (0 means unlimited).
func (p *SchedulerProcessor) visitRecipients(ctx context.Context, campaign store.ScheduledCampaign, now time.Time, visit func(store.Recipient) error) error {
	remaining := campaign.MaxRecipients

	if campaign.RecipientType == store.RecipientTestUsers {
		recipients, err := p.store.ListRecipientsByIDs(ctx, testUserIDs(campaign.RecipientFilter))
		if err != nil {
			return fmt.Errorf("failed to resolve test recipients: %w", err)
		}
		if campaign.MaxRecipients > 0 && len(recipients) > campaign.MaxRecipients {
			recipients = recipients[:campaign.MaxRecipients]
		}
		for _, recipient := range recipients {
			if err := visit(recipient); err != nil {
				return err
			}
		}
		return nil
	}

	afterID := uuid.Nil
	for {
		limit := p.recipientPage
		if campaign.MaxRecipients > 0 && remaining < limit {
			limit = remaining
		}

		var page []store.Recipient
		var err error
		switch campaign.RecipientType {
		case store.RecipientActiveUsers:
			page, err = p.store.ListActiveRecipientsPage(ctx, now.Add(-activeUserWindow), afterID, limit)
		case store.RecipientSegment:
			page, err = p.store.ListSegmentRecipientsPage(ctx, campaign.RecipientFilter, afterID, limit)
		default:
			page, err = p.store.ListRecipientsPage(ctx, afterID, limit)
		}
		if err != nil {
			return fmt.Errorf("failed to resolve campaign recipients: %w", err)
		}
		if len(page) == 0 {
			return nil
		}

		for _, recipient := range page {
			if err := visit(recipient); err != nil {
				return err
			}
		}

		afterID = page[len(page)-1].ID
		if campaign.MaxRecipients > 0 {
			remaining -= len(page)
			if remaining <= 0 {
				return nil
			}
		}
		if len(page) < limit {
			return nil
		}
	}
}

// testUserIDs extracts the explicit recipient id list from a test_users filter
func testUserIDs(filter store.JSONB) store.StringArray {
	raw, ok := filter["user_ids"].([]interface{})
	if !ok {
		return nil
	}
	ids := make(store.StringArray, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			ids = append(ids, s)
		}
	}
	return ids
}

// campaignData builds the per-recipient template context for a campaign run
func campaignData(recipient store.Recipient, campaign store.ScheduledCampaign) store.JSONB {
	return store.JSONB{
		"recipient": map[string]interface{}{
			"firstName": recipient.FirstName,
			"lastName":  recipient.LastName,
			"email":     recipient.Email,
		},
		"campaign": map[string]interface{}{
			"name": campaign.Name,
		},
	}
}
