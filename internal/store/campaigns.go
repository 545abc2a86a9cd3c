package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ScheduledCampaign represents a one-time or recurring notification job
type ScheduledCampaign struct {
	ID                uuid.UUID          `db:"id" json:"id"`
	Name              string             `db:"name" json:"name"`
	TemplateID        uuid.UUID          `db:"template_id" json:"template_id"`
	ScheduleType      ScheduleType       `db:"schedule_type" json:"schedule_type"`
	ScheduledFor      *time.Time         `db:"scheduled_for" json:"scheduled_for,omitempty"`
	RecurrencePattern *RecurrencePattern `db:"recurrence_pattern" json:"recurrence_pattern,omitempty"`
	CronExpression    *string            `db:"cron_expression" json:"cron_expression,omitempty"`
	Timezone          string             `db:"timezone" json:"timezone"`
	RecipientType     RecipientType      `db:"recipient_type" json:"recipient_type"`
	RecipientFilter   JSONB              `db:"recipient_filter" json:"recipient_filter"`
	MaxRecipients     int                `db:"max_recipients" json:"max_recipients"`
	Enabled           bool               `db:"enabled" json:"enabled"`
	LastRun           *time.Time         `db:"last_run" json:"last_run,omitempty"`
	NextRun           *time.Time         `db:"next_run" json:"next_run,omitempty"`
	RunCount          int                `db:"run_count" json:"run_count"`
	CreatedAt         time.Time          `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time          `db:"updated_at" json:"updated_at"`
	DeletedAt         *time.Time         `db:"deleted_at" json:"deleted_at,omitempty"`
}

const campaignColumns = `id, name, template_id, schedule_type, scheduled_for, recurrence_pattern, cron_expression, timezone, recipient_type, recipient_filter, max_recipients, enabled, last_run, next_run, run_count, created_at, updated_at, deleted_at`

// CreateScheduledCampaignParams represents parameters for creating a campaign
type CreateScheduledCampaignParams struct {
	Name              string
	TemplateID        uuid.UUID
	ScheduleType      ScheduleType
	ScheduledFor      *time.Time
	RecurrencePattern *RecurrencePattern
	CronExpression    *string
	Timezone          string
	RecipientType     RecipientType
	RecipientFilter   JSONB
	MaxRecipients     int
	Enabled           bool
	NextRun           *time.Time
}

const sqlCreateScheduledCampaign = `
INSERT INTO scheduled_campaigns (name, template_id, schedule_type, scheduled_for, recurrence_pattern, cron_expression, timezone, recipient_type, recipient_filter, max_recipients, enabled, next_run)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
RETURNING ` + campaignColumns + `
`

// CreateScheduledCampaign creates a new campaign
func (s *Store) CreateScheduledCampaign(ctx context.Context, params CreateScheduledCampaignParams) (ScheduledCampaign, error) {
	var campaign ScheduledCampaign
	err := s.db.GetContext(ctx, &campaign, sqlCreateScheduledCampaign,
		params.Name,
		params.TemplateID,
		params.ScheduleType,
		params.ScheduledFor,
		params.RecurrencePattern,
		params.CronExpression,
		params.Timezone,
		params.RecipientType,
		params.RecipientFilter,
		params.MaxRecipients,
		params.Enabled,
		params.NextRun)
	if err != nil {
		return ScheduledCampaign{}, fmt.Errorf("failed to create scheduled campaign: %w", err)
	}
	return campaign, nil
}

const sqlGetScheduledCampaignByID = `
SELECT ` + campaignColumns + `
FROM scheduled_campaigns
WHERE id = $1 AND deleted_at IS NULL
`

// GetScheduledCampaignByID retrieves a campaign by ID
func (s *Store) GetScheduledCampaignByID(ctx context.Context, campaignID uuid.UUID) (ScheduledCampaign, error) {
	var campaign ScheduledCampaign
	err := s.db.GetContext(ctx, &campaign, sqlGetScheduledCampaignByID, campaignID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ScheduledCampaign{}, ErrNotFound
		}
		return ScheduledCampaign{}, fmt.Errorf("failed to get scheduled campaign: %w", err)
	}
	return campaign, nil
}

const sqlListScheduledCampaigns = `
SELECT ` + campaignColumns + `
FROM scheduled_campaigns
WHERE deleted_at IS NULL
ORDER BY created_at DESC
`

// ListScheduledCampaigns retrieves all campaigns that have not been deleted
func (s *Store) ListScheduledCampaigns(ctx context.Context) ([]ScheduledCampaign, error) {
	var campaigns []ScheduledCampaign
	err := s.db.SelectContext(ctx, &campaigns, sqlListScheduledCampaigns)
	if err != nil {
		return nil, fmt.Errorf("failed to list scheduled campaigns: %w", err)
	}
	return campaigns, nil
}

const sqlListDueScheduledCampaigns = `
SELECT ` + campaignColumns + `
FROM scheduled_campaigns
WHERE enabled = TRUE
  AND deleted_at IS NULL
  AND next_run IS NOT NULL
  AND next_run <= $1
ORDER BY next_run
LIMIT $2
`

// ListDueScheduledCampaigns retrieves enabled campaigns whose next run is due
func (s *Store) ListDueScheduledCampaigns(ctx context.Context, now time.Time, limit int) ([]ScheduledCampaign, error) {
	var campaigns []ScheduledCampaign
	err := s.db.SelectContext(ctx, &campaigns, sqlListDueScheduledCampaigns, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due scheduled campaigns: %w", err)
	}
	return campaigns, nil
}

// UpdateScheduledCampaignParams represents a partial campaign update
type UpdateScheduledCampaignParams struct {
	Name              *string
	TemplateID        *uuid.UUID
	ScheduledFor      *time.Time
	RecurrencePattern *RecurrencePattern
	CronExpression    *string
	Timezone          *string
	RecipientType     *RecipientType
	RecipientFilter   JSONB
	MaxRecipients     *int
	Enabled           *bool
	NextRun           *time.Time
}

const sqlUpdateScheduledCampaign = `
UPDATE scheduled_campaigns
SET name = COALESCE($2, name),
    template_id = COALESCE($3, template_id),
    scheduled_for = COALESCE($4, scheduled_for),
    recurrence_pattern = COALESCE($5, recurrence_pattern),
    cron_expression = COALESCE($6, cron_expression),
    timezone = COALESCE($7, timezone),
    recipient_type = COALESCE($8, recipient_type),
    recipient_filter = COALESCE($9, recipient_filter),
    max_recipients = COALESCE($10, max_recipients),
    enabled = COALESCE($11, enabled),
    next_run = COALESCE($12, next_run),
    updated_at = CURRENT_TIMESTAMP
WHERE id = $1 AND deleted_at IS NULL
RETURNING ` + campaignColumns + `
`

// UpdateScheduledCampaign applies a partial update to a campaign
func (s *Store) UpdateScheduledCampaign(ctx context.Context, campaignID uuid.UUID, params UpdateScheduledCampaignParams) (ScheduledCampaign, error) {
	var campaign ScheduledCampaign
	err := s.db.GetContext(ctx, &campaign, sqlUpdateScheduledCampaign,
		campaignID,
		params.Name,
		params.TemplateID,
		params.ScheduledFor,
		params.RecurrencePattern,
		params.CronExpression,
		params.Timezone,
		params.RecipientType,
		params.RecipientFilter,
		params.MaxRecipients,
		params.Enabled,
		params.NextRun)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ScheduledCampaign{}, ErrNotFound
		}
		return ScheduledCampaign{}, fmt.Errorf("failed to update scheduled campaign: %w", err)
	}
	return campaign, nil
}

const sqlDeleteScheduledCampaign = `
UPDATE scheduled_campaigns
SET deleted_at = CURRENT_TIMESTAMP, enabled = FALSE, updated_at = CURRENT_TIMESTAMP
WHERE id = $1 AND deleted_at IS NULL
`

// DeleteScheduledCampaign tombstones a campaign so it never fires again
func (s *Store) DeleteScheduledCampaign(ctx context.Context, campaignID uuid.UUID) error {
	result, err := s.db.ExecContext(ctx, sqlDeleteScheduledCampaign, campaignID)
	if err != nil {
		return fmt.Errorf("failed to delete scheduled campaign: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete scheduled campaign: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// AdvanceScheduledCampaignParams represents moving a campaign past a fired slot
type AdvanceScheduledCampaignParams struct {
	ID uuid.UUID
	// ExpectedNextRun is the slot that was just materialized; the advance only
	// applies while next_run still equals it, so a concurrent scheduler that
	// already advanced the campaign wins and this call reports no rows.
	ExpectedNextRun time.Time
	LastRun         time.Time
	NextRun         *time.Time
	Disable         bool
}

const sqlAdvanceScheduledCampaign = `
UPDATE scheduled_campaigns
SET last_run = $3,
    next_run = $4,
    enabled = CASE WHEN $5 THEN FALSE ELSE enabled END,
    run_count = run_count + 1,
    updated_at = CURRENT_TIMESTAMP
WHERE id = $1 AND next_run = $2 AND deleted_at IS NULL
`

// AdvanceScheduledCampaign records a completed run and schedules the next occurrence.
// Returns true when this caller performed the advance.
func (s *Store) AdvanceScheduledCampaign(ctx context.Context, params AdvanceScheduledCampaignParams) (bool, error) {
	result, err := s.db.ExecContext(ctx, sqlAdvanceScheduledCampaign,
		params.ID,
		params.ExpectedNextRun,
		params.LastRun,
		params.NextRun,
		params.Disable)
	if err != nil {
		return false, fmt.Errorf("failed to advance scheduled campaign: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to advance scheduled campaign: %w", err)
	}
	return rows > 0, nil
}
