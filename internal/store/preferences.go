package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NotificationPreference represents one user's notification settings
type NotificationPreference struct {
	UserID               uuid.UUID     `db:"user_id" json:"user_id"`
	ChannelsByTrigger    ChannelMatrix `db:"channels_by_trigger" json:"channels_by_trigger"`
	FrequencyByTrigger   FrequencyMap  `db:"frequency_by_trigger" json:"frequency_by_trigger"`
	QuietHoursEnabled    bool          `db:"quiet_hours_enabled" json:"quiet_hours_enabled"`
	QuietHoursStart      string        `db:"quiet_hours_start" json:"quiet_hours_start"`
	QuietHoursEnd        string        `db:"quiet_hours_end" json:"quiet_hours_end"`
	QuietHoursTimezone   string        `db:"quiet_hours_timezone" json:"quiet_hours_timezone"`
	QuietHoursExceptions TriggerArray  `db:"quiet_hours_exceptions" json:"quiet_hours_exceptions"`
	RateLimits           RateLimitMap  `db:"rate_limits" json:"rate_limits"`
	SMSVerifiedOnly      bool          `db:"sms_verified_only" json:"sms_verified_only"`
	SMSMinMatchScore     int           `db:"sms_min_match_score" json:"sms_min_match_score"`
	OptedOut             bool          `db:"opted_out" json:"opted_out"`
	CreatedAt            time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time     `db:"updated_at" json:"updated_at"`
}

const preferenceColumns = `user_id, channels_by_trigger, frequency_by_trigger, quiet_hours_enabled, quiet_hours_start, quiet_hours_end, quiet_hours_timezone, quiet_hours_exceptions, rate_limits, sms_verified_only, sms_min_match_score, opted_out, created_at, updated_at`

const sqlGetNotificationPreference = `
SELECT ` + preferenceColumns + `
FROM notification_preferences
WHERE user_id = $1
`

// GetNotificationPreference retrieves a user's stored preferences
func (s *Store) GetNotificationPreference(ctx context.Context, userID uuid.UUID) (NotificationPreference, error) {
	var pref NotificationPreference
	err := s.db.GetContext(ctx, &pref, sqlGetNotificationPreference, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return NotificationPreference{}, ErrNotFound
		}
		return NotificationPreference{}, fmt.Errorf("failed to get notification preference: %w", err)
	}
	return pref, nil
}

// UpsertNotificationPreferenceParams represents a full preference row write
type UpsertNotificationPreferenceParams struct {
	UserID               uuid.UUID
	ChannelsByTrigger    ChannelMatrix
	FrequencyByTrigger   FrequencyMap
	QuietHoursEnabled    bool
	QuietHoursStart      string
	QuietHoursEnd        string
	QuietHoursTimezone   string
	QuietHoursExceptions TriggerArray
	RateLimits           RateLimitMap
	SMSVerifiedOnly      bool
	SMSMinMatchScore     int
	OptedOut             bool
}

const sqlUpsertNotificationPreference = `
INSERT INTO notification_preferences (user_id, channels_by_trigger, frequency_by_trigger, quiet_hours_enabled, quiet_hours_start, quiet_hours_end, quiet_hours_timezone, quiet_hours_exceptions, rate_limits, sms_verified_only, sms_min_match_score, opted_out)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (user_id) DO UPDATE SET
    channels_by_trigger = EXCLUDED.channels_by_trigger,
    frequency_by_trigger = EXCLUDED.frequency_by_trigger,
    quiet_hours_enabled = EXCLUDED.quiet_hours_enabled,
    quiet_hours_start = EXCLUDED.quiet_hours_start,
    quiet_hours_end = EXCLUDED.quiet_hours_end,
    quiet_hours_timezone = EXCLUDED.quiet_hours_timezone,
    quiet_hours_exceptions = EXCLUDED.quiet_hours_exceptions,
    rate_limits = EXCLUDED.rate_limits,
    sms_verified_only = EXCLUDED.sms_verified_only,
    sms_min_match_score = EXCLUDED.sms_min_match_score,
    opted_out = EXCLUDED.opted_out,
    updated_at = CURRENT_TIMESTAMP
RETURNING ` + preferenceColumns + `
`

// UpsertNotificationPreference writes a complete preference row, replacing any existing one
func (s *Store) UpsertNotificationPreference(ctx context.Context, params UpsertNotificationPreferenceParams) (NotificationPreference, error) {
	var pref NotificationPreference
	err := s.db.GetContext(ctx, &pref, sqlUpsertNotificationPreference,
		params.UserID,
		params.ChannelsByTrigger,
		params.FrequencyByTrigger,
		params.QuietHoursEnabled,
		params.QuietHoursStart,
		params.QuietHoursEnd,
		params.QuietHoursTimezone,
		params.QuietHoursExceptions,
		params.RateLimits,
		params.SMSVerifiedOnly,
		params.SMSMinMatchScore,
		params.OptedOut)
	if err != nil {
		return NotificationPreference{}, fmt.Errorf("failed to upsert notification preference: %w", err)
	}
	return pref, nil
}

const sqlCreateDefaultNotificationPreference = `
INSERT INTO notification_preferences (user_id, channels_by_trigger, frequency_by_trigger, quiet_hours_enabled, quiet_hours_start, quiet_hours_end, quiet_hours_timezone, quiet_hours_exceptions, rate_limits, sms_verified_only, sms_min_match_score, opted_out)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (user_id) DO NOTHING
`

// CreateDefaultNotificationPreference inserts a default row if the user has none yet
func (s *Store) CreateDefaultNotificationPreference(ctx context.Context, params UpsertNotificationPreferenceParams) error {
	_, err := s.db.ExecContext(ctx, sqlCreateDefaultNotificationPreference,
		params.UserID,
		params.ChannelsByTrigger,
		params.FrequencyByTrigger,
		params.QuietHoursEnabled,
		params.QuietHoursStart,
		params.QuietHoursEnd,
		params.QuietHoursTimezone,
		params.QuietHoursExceptions,
		params.RateLimits,
		params.SMSVerifiedOnly,
		params.SMSMinMatchScore,
		params.OptedOut)
	if err != nil {
		return fmt.Errorf("failed to create default notification preference: %w", err)
	}
	return nil
}

// UpdateNotificationPreferenceParams represents a partial preference update
type UpdateNotificationPreferenceParams struct {
	ChannelsByTrigger    ChannelMatrix
	FrequencyByTrigger   FrequencyMap
	QuietHoursEnabled    *bool
	QuietHoursStart      *string
	QuietHoursEnd        *string
	QuietHoursTimezone   *string
	QuietHoursExceptions TriggerArray
	RateLimits           RateLimitMap
	SMSVerifiedOnly      *bool
	SMSMinMatchScore     *int
	OptedOut             *bool
}

const sqlUpdateNotificationPreference = `
UPDATE notification_preferences
SET channels_by_trigger = COALESCE($2, channels_by_trigger),
    frequency_by_trigger = COALESCE($3, frequency_by_trigger),
    quiet_hours_enabled = COALESCE($4, quiet_hours_enabled),
    quiet_hours_start = COALESCE($5, quiet_hours_start),
    quiet_hours_end = COALESCE($6, quiet_hours_end),
    quiet_hours_timezone = COALESCE($7, quiet_hours_timezone),
    quiet_hours_exceptions = COALESCE($8, quiet_hours_exceptions),
    rate_limits = COALESCE($9, rate_limits),
    sms_verified_only = COALESCE($10, sms_verified_only),
    sms_min_match_score = COALESCE($11, sms_min_match_score),
    opted_out = COALESCE($12, opted_out),
    updated_at = CURRENT_TIMESTAMP
WHERE user_id = $1
RETURNING ` + preferenceColumns + `
`

// UpdateNotificationPreference applies a partial update to an existing preference row
func (s *Store) UpdateNotificationPreference(ctx context.Context, userID uuid.UUID, params UpdateNotificationPreferenceParams) (NotificationPreference, error) {
	var pref NotificationPreference
	err := s.db.GetContext(ctx, &pref, sqlUpdateNotificationPreference,
		userID,
		params.ChannelsByTrigger,
		params.FrequencyByTrigger,
		params.QuietHoursEnabled,
		params.QuietHoursStart,
		params.QuietHoursEnd,
		params.QuietHoursTimezone,
		params.QuietHoursExceptions,
		params.RateLimits,
		params.SMSVerifiedOnly,
		params.SMSMinMatchScore,
		params.OptedOut)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return NotificationPreference{}, ErrNotFound
		}
		return NotificationPreference{}, fmt.Errorf("failed to update notification preference: %w", err)
	}
	return pref, nil
}
