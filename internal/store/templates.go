package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NotificationTemplate represents a message template for one (trigger, channel) pair
type NotificationTemplate struct {
	ID              uuid.UUID `db:"id" json:"id"`
	Trigger         Trigger   `db:"trigger" json:"trigger"`
	Channel         Channel   `db:"channel" json:"channel"`
	SubjectTemplate *string   `db:"subject_template" json:"subject_template,omitempty"`
	BodyTemplate    string    `db:"body_template" json:"body_template"`
	MaxLength       *int      `db:"max_length" json:"max_length,omitempty"`
	Priority        Priority  `db:"priority" json:"priority"`
	MinMatchScore   *int      `db:"min_match_score" json:"min_match_score,omitempty"`
	VerifiedOnly    bool      `db:"verified_only" json:"verified_only"`
	Active          bool      `db:"active" json:"active"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

const templateColumns = `id, trigger, channel, subject_template, body_template, max_length, priority, min_match_score, verified_only, active, created_at, updated_at`

// CreateNotificationTemplateParams represents parameters for creating a template
type CreateNotificationTemplateParams struct {
	Trigger         Trigger
	Channel         Channel
	SubjectTemplate *string
	BodyTemplate    string
	MaxLength       *int
	Priority        Priority
	MinMatchScore   *int
	VerifiedOnly    bool
	Active          bool
}

const sqlCreateNotificationTemplate = `
INSERT INTO notification_templates (trigger, channel, subject_template, body_template, max_length, priority, min_match_score, verified_only, active)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING ` + templateColumns + `
`

// CreateNotificationTemplate creates a new template. The partial unique index on
// active (trigger, channel) pairs rejects a second active template for the same pair.
func (s *Store) CreateNotificationTemplate(ctx context.Context, params CreateNotificationTemplateParams) (NotificationTemplate, error) {
	var template NotificationTemplate
	err := s.db.GetContext(ctx, &template, sqlCreateNotificationTemplate,
		params.Trigger,
		params.Channel,
		params.SubjectTemplate,
		params.BodyTemplate,
		params.MaxLength,
		params.Priority,
		params.MinMatchScore,
		params.VerifiedOnly,
		params.Active)
	if err != nil {
		return NotificationTemplate{}, fmt.Errorf("failed to create notification template: %w", err)
	}
	return template, nil
}

const sqlGetNotificationTemplateByID = `
SELECT ` + templateColumns + `
FROM notification_templates
WHERE id = $1
`

// GetNotificationTemplateByID retrieves a template by ID
func (s *Store) GetNotificationTemplateByID(ctx context.Context, templateID uuid.UUID) (NotificationTemplate, error) {
	var template NotificationTemplate
	err := s.db.GetContext(ctx, &template, sqlGetNotificationTemplateByID, templateID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return NotificationTemplate{}, ErrNotFound
		}
		return NotificationTemplate{}, fmt.Errorf("failed to get notification template: %w", err)
	}
	return template, nil
}

const sqlGetActiveNotificationTemplate = `
SELECT ` + templateColumns + `
FROM notification_templates
WHERE trigger = $1 AND channel = $2 AND active = TRUE
`

// GetActiveNotificationTemplate retrieves the single active template for a (trigger, channel) pair
func (s *Store) GetActiveNotificationTemplate(ctx context.Context, trigger Trigger, channel Channel) (NotificationTemplate, error) {
	var template NotificationTemplate
	err := s.db.GetContext(ctx, &template, sqlGetActiveNotificationTemplate, trigger, channel)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return NotificationTemplate{}, ErrNotFound
		}
		return NotificationTemplate{}, fmt.Errorf("failed to get active notification template: %w", err)
	}
	return template, nil
}

const sqlListActiveNotificationTemplates = `
SELECT ` + templateColumns + `
FROM notification_templates
WHERE active = TRUE
ORDER BY trigger, channel
`

// ListActiveNotificationTemplates retrieves all active templates, used to warm the render cache
func (s *Store) ListActiveNotificationTemplates(ctx context.Context) ([]NotificationTemplate, error) {
	var templates []NotificationTemplate
	err := s.db.SelectContext(ctx, &templates, sqlListActiveNotificationTemplates)
	if err != nil {
		return nil, fmt.Errorf("failed to list active notification templates: %w", err)
	}
	return templates, nil
}

const sqlListNotificationTemplates = `
SELECT ` + templateColumns + `
FROM notification_templates
ORDER BY trigger, channel, created_at DESC
`

// ListNotificationTemplates retrieves all templates including inactive ones
func (s *Store) ListNotificationTemplates(ctx context.Context) ([]NotificationTemplate, error) {
	var templates []NotificationTemplate
	err := s.db.SelectContext(ctx, &templates, sqlListNotificationTemplates)
	if err != nil {
		return nil, fmt.Errorf("failed to list notification templates: %w", err)
	}
	return templates, nil
}

// UpdateNotificationTemplateParams represents parameters for updating a template
type UpdateNotificationTemplateParams struct {
	SubjectTemplate *string
	BodyTemplate    *string
	MaxLength       *int
	Priority        *Priority
	MinMatchScore   *int
	VerifiedOnly    *bool
}

const sqlUpdateNotificationTemplate = `
UPDATE notification_templates
SET subject_template = COALESCE($2, subject_template),
    body_template = COALESCE($3, body_template),
    max_length = COALESCE($4, max_length),
    priority = COALESCE($5, priority),
    min_match_score = COALESCE($6, min_match_score),
    verified_only = COALESCE($7, verified_only),
    updated_at = CURRENT_TIMESTAMP
WHERE id = $1
RETURNING ` + templateColumns + `
`

// UpdateNotificationTemplate updates a template's content and constraints
func (s *Store) UpdateNotificationTemplate(ctx context.Context, templateID uuid.UUID, params UpdateNotificationTemplateParams) (NotificationTemplate, error) {
	var template NotificationTemplate
	err := s.db.GetContext(ctx, &template, sqlUpdateNotificationTemplate,
		templateID,
		params.SubjectTemplate,
		params.BodyTemplate,
		params.MaxLength,
		params.Priority,
		params.MinMatchScore,
		params.VerifiedOnly)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return NotificationTemplate{}, ErrNotFound
		}
		return NotificationTemplate{}, fmt.Errorf("failed to update notification template: %w", err)
	}
	return template, nil
}

const sqlDeactivateNotificationTemplate = `
UPDATE notification_templates
SET active = FALSE, updated_at = CURRENT_TIMESTAMP
WHERE id = $1 AND active = TRUE
RETURNING ` + templateColumns + `
`

// DeactivateNotificationTemplate retires a template, keeping the row for audit
func (s *Store) DeactivateNotificationTemplate(ctx context.Context, templateID uuid.UUID) (NotificationTemplate, error) {
	var template NotificationTemplate
	err := s.db.GetContext(ctx, &template, sqlDeactivateNotificationTemplate, templateID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return NotificationTemplate{}, ErrNotFound
		}
		return NotificationTemplate{}, fmt.Errorf("failed to deactivate notification template: %w", err)
	}
	return template, nil
}

const sqlDeactivateNotificationTemplatesForPair = `
UPDATE notification_templates
SET active = FALSE, updated_at = CURRENT_TIMESTAMP
WHERE trigger = $1 AND channel = $2 AND active = TRUE
`

// DeactivateNotificationTemplatesForPair retires the active template for a (trigger, channel)
// pair, making room for a replacement
func (s *Store) DeactivateNotificationTemplatesForPair(ctx context.Context, trigger Trigger, channel Channel) error {
	_, err := s.db.ExecContext(ctx, sqlDeactivateNotificationTemplatesForPair, trigger, channel)
	if err != nil {
		return fmt.Errorf("failed to deactivate notification templates: %w", err)
	}
	return nil
}
