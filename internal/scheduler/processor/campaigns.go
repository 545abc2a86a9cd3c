package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"notification-engine/internal/observability"
	"notification-engine/internal/store"

	"github.com/google/uuid"
)

// CreateCampaignRequest represents a request to create a scheduled campaign
type CreateCampaignRequest struct {
	Name              string
	TemplateID        uuid.UUID
	ScheduleType      store.ScheduleType
	ScheduledFor      *time.Time
	RecurrencePattern *store.RecurrencePattern
	CronExpression    *string
	Timezone          string
	RecipientType     store.RecipientType
	RecipientFilter   store.JSONB
	MaxRecipients     int
	Enabled           *bool
}

// CreateCampaign validates and stores a new campaign with its first next_run
// already computed, so the next scheduler tick can pick it up.
func (p *SchedulerProcessor) CreateCampaign(ctx context.Context, req CreateCampaignRequest) (store.ScheduledCampaign, error) {
	if req.Timezone == "" {
		req.Timezone = "UTC"
	}
	if req.RecipientType == "" {
		req.RecipientType = store.RecipientAllUsers
	}
	if req.RecipientFilter == nil {
		req.RecipientFilter = store.JSONB{}
	}

	if err := validateCampaignRequest(req); err != nil {
		return store.ScheduledCampaign{}, err
	}

	if _, err := p.store.GetNotificationTemplateByID(ctx, req.TemplateID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.ScheduledCampaign{}, fmt.Errorf("%w: template %s not found", ErrInvalidCampaign, req.TemplateID)
		}
		p.logger.Error(ctx, "failed to load campaign template", err)
		return store.ScheduledCampaign{}, err
	}

	var nextRun *time.Time
	if req.ScheduleType == store.ScheduleTypeOneTime {
		nextRun = req.ScheduledFor
	} else {
		next, err := NextOccurrence(*req.RecurrencePattern, req.CronExpression, req.Timezone, time.Now().UTC())
		if err != nil {
			return store.ScheduledCampaign{}, err
		}
		nextRun = &next
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	campaign, err := p.store.CreateScheduledCampaign(ctx, store.CreateScheduledCampaignParams{
		Name:              req.Name,
		TemplateID:        req.TemplateID,
		ScheduleType:      req.ScheduleType,
		ScheduledFor:      req.ScheduledFor,
		RecurrencePattern: req.RecurrencePattern,
		CronExpression:    req.CronExpression,
		Timezone:          req.Timezone,
		RecipientType:     req.RecipientType,
		RecipientFilter:   req.RecipientFilter,
		MaxRecipients:     req.MaxRecipients,
		Enabled:           enabled,
		NextRun:           nextRun,
	})
	if err != nil {
		p.logger.Error(ctx, "failed to create campaign", err)
		return store.ScheduledCampaign{}, err
	}

	ctx = observability.WithFields(ctx,
		observability.Field{Key: "campaign_id", Value: campaign.ID.String()},
		observability.Field{Key: "campaign_name", Value: campaign.Name},
	)
	p.logger.Info(ctx, "campaign created")
	return campaign, nil
}

func validateCampaignRequest(req CreateCampaignRequest) error {
	if strings.TrimSpace(req.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidCampaign)
	}
	if req.TemplateID == uuid.Nil {
		return fmt.Errorf("%w: template_id is required", ErrInvalidCampaign)
	}
	if !req.ScheduleType.IsValid() {
		return fmt.Errorf("%w: unknown schedule type %q", ErrInvalidCampaign, req.ScheduleType)
	}
	if req.ScheduleType == store.ScheduleTypeOneTime && req.ScheduledFor == nil {
		return fmt.Errorf("%w: one_time campaigns require scheduled_for", ErrInvalidCampaign)
	}
	if req.ScheduleType == store.ScheduleTypeRecurring {
		if req.RecurrencePattern == nil {
			return fmt.Errorf("%w: recurring campaigns require a recurrence pattern", ErrInvalidCampaign)
		}
		if !req.RecurrencePattern.IsValid() {
			return fmt.Errorf("%w: unknown recurrence pattern %q", ErrInvalidCampaign, *req.RecurrencePattern)
		}
	}
	if _, err := time.LoadLocation(req.Timezone); err != nil {
		return fmt.Errorf("%w: unknown timezone %q", ErrInvalidCampaign, req.Timezone)
	}
	if !req.RecipientType.IsValid() {
		return fmt.Errorf("%w: unknown recipient type %q", ErrInvalidCampaign, req.RecipientType)
	}
	if req.RecipientType == store.RecipientTestUsers && len(testUserIDs(req.RecipientFilter)) == 0 {
		return fmt.Errorf("%w: test_users campaigns require user_ids in recipient_filter", ErrInvalidCampaign)
	}
	if req.MaxRecipients < 0 {
		return fmt.Errorf("%w: max_recipients cannot be negative", ErrInvalidCampaign)
	}
	return nil
}

// GetCampaign fetches one campaign by id
func (p *SchedulerProcessor) GetCampaign(ctx context.Context, campaignID uuid.UUID) (store.ScheduledCampaign, error) {
	return p.store.GetScheduledCampaignByID(ctx, campaignID)
}

// ListCampaigns returns all live campaigns
func (p *SchedulerProcessor) ListCampaigns(ctx context.Context) ([]store.ScheduledCampaign, error) {
	return p.store.ListScheduledCampaigns(ctx)
}

// UpdateCampaignRequest represents a partial campaign update. The schedule
// type is fixed at creation.
type UpdateCampaignRequest struct {
	Name              *string
	TemplateID        *uuid.UUID
	ScheduledFor      *time.Time
	RecurrencePattern *store.RecurrencePattern
	CronExpression    *string
	Timezone          *string
	RecipientType     *store.RecipientType
	RecipientFilter   store.JSONB
	MaxRecipients     *int
	Enabled           *bool
}

// UpdateCampaign applies a partial update. When the schedule itself changes,
// or a disabled campaign comes back on, next_run is recomputed from the
// merged schedule; re-enabling a one-time campaign whose time has passed
// fires it on the next tick.
func (p *SchedulerProcessor) UpdateCampaign(ctx context.Context, campaignID uuid.UUID, req UpdateCampaignRequest) (store.ScheduledCampaign, error) {
	ctx = observability.WithFields(ctx, observability.Field{Key: "campaign_id", Value: campaignID.String()})

	existing, err := p.store.GetScheduledCampaignByID(ctx, campaignID)
	if err != nil {
		return store.ScheduledCampaign{}, err
	}

	merged := mergeCampaign(existing, req)
	if err := validateCampaignRequest(toCreateRequest(merged)); err != nil {
		return store.ScheduledCampaign{}, err
	}

	if req.TemplateID != nil {
		if _, err := p.store.GetNotificationTemplateByID(ctx, *req.TemplateID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return store.ScheduledCampaign{}, fmt.Errorf("%w: template %s not found", ErrInvalidCampaign, *req.TemplateID)
			}
			p.logger.Error(ctx, "failed to load campaign template", err)
			return store.ScheduledCampaign{}, err
		}
	}

	scheduleChanged := req.ScheduledFor != nil || req.RecurrencePattern != nil ||
		req.CronExpression != nil || req.Timezone != nil
	reEnabled := req.Enabled != nil && *req.Enabled && !existing.Enabled

	var nextRun *time.Time
	if scheduleChanged || reEnabled {
		if merged.ScheduleType == store.ScheduleTypeOneTime {
			nextRun = merged.ScheduledFor
		} else {
			next, err := nextRunFor(merged, time.Now().UTC())
			if err != nil {
				return store.ScheduledCampaign{}, err
			}
			nextRun = &next
		}
	}

	campaign, err := p.store.UpdateScheduledCampaign(ctx, campaignID, store.UpdateScheduledCampaignParams{
		Name:              req.Name,
		TemplateID:        req.TemplateID,
		ScheduledFor:      req.ScheduledFor,
		RecurrencePattern: req.RecurrencePattern,
		CronExpression:    req.CronExpression,
		Timezone:          req.Timezone,
		RecipientType:     req.RecipientType,
		RecipientFilter:   req.RecipientFilter,
		MaxRecipients:     req.MaxRecipients,
		Enabled:           req.Enabled,
		NextRun:           nextRun,
	})
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			p.logger.Error(ctx, "failed to update campaign", err)
		}
		return store.ScheduledCampaign{}, err
	}

	p.logger.Info(ctx, "campaign updated")
	return campaign, nil
}

// DeleteCampaign soft-deletes and disables a campaign
func (p *SchedulerProcessor) DeleteCampaign(ctx context.Context, campaignID uuid.UUID) error {
	ctx = observability.WithFields(ctx, observability.Field{Key: "campaign_id", Value: campaignID.String()})

	if err := p.store.DeleteScheduledCampaign(ctx, campaignID); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			p.logger.Error(ctx, "failed to delete campaign", err)
		}
		return err
	}

	p.logger.Info(ctx, "campaign deleted")
	return nil
}

func mergeCampaign(existing store.ScheduledCampaign, req UpdateCampaignRequest) store.ScheduledCampaign {
	merged := existing
	if req.Name != nil {
		merged.Name = *req.Name
	}
	if req.TemplateID != nil {
		merged.TemplateID = *req.TemplateID
	}
	if req.ScheduledFor != nil {
		merged.ScheduledFor = req.ScheduledFor
	}
	if req.RecurrencePattern != nil {
		merged.RecurrencePattern = req.RecurrencePattern
	}
	if req.CronExpression != nil {
		merged.CronExpression = req.CronExpression
	}
	if req.Timezone != nil {
		merged.Timezone = *req.Timezone
	}
	if req.RecipientType != nil {
		merged.RecipientType = *req.RecipientType
	}
	if req.RecipientFilter != nil {
		merged.RecipientFilter = req.RecipientFilter
	}
	if req.MaxRecipients != nil {
		merged.MaxRecipients = *req.MaxRecipients
	}
	if req.Enabled != nil {
		merged.Enabled = *req.Enabled
	}
	return merged
}

func toCreateRequest(c store.ScheduledCampaign) CreateCampaignRequest {
	return CreateCampaignRequest{
		Name:              c.Name,
		TemplateID:        c.TemplateID,
		ScheduleType:      c.ScheduleType,
		ScheduledFor:      c.ScheduledFor,
		RecurrencePattern: c.RecurrencePattern,
		CronExpression:    c.CronExpression,
		Timezone:          c.Timezone,
		RecipientType:     c.RecipientType,
		RecipientFilter:   c.RecipientFilter,
		MaxRecipients:     c.MaxRecipients,
	}
}
