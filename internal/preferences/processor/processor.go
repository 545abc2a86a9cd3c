package processor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"notification-engine/internal/observability"
	"notification-engine/internal/store"

	"github.com/google/uuid"
)

// PreferencesStore defines the database operations required by PreferencesProcessor
type PreferencesStore interface {
	GetNotificationPreference(ctx context.Context, userID uuid.UUID) (store.NotificationPreference, error)
	UpsertNotificationPreference(ctx context.Context, params store.UpsertNotificationPreferenceParams) (store.NotificationPreference, error)
	CreateDefaultNotificationPreference(ctx context.Context, params store.UpsertNotificationPreferenceParams) error
	UpdateNotificationPreference(ctx context.Context, userID uuid.UUID, params store.UpdateNotificationPreferenceParams) (store.NotificationPreference, error)
}

var (
	ErrInvalidTrigger    = errors.New("unknown notification trigger")
	ErrInvalidChannel    = errors.New("unknown notification channel")
	ErrInvalidFrequency  = errors.New("unknown delivery frequency")
	ErrInvalidQuietHours = errors.New("quiet hours must be HH:MM clock times")
	ErrInvalidTimezone   = errors.New("unknown IANA timezone")
	ErrInvalidRateLimit  = errors.New("rate limit must have a positive max and a known period")
	ErrInvalidMatchScore = errors.New("minimum match score must be between 0 and 100")
)

type PreferencesProcessor struct {
	store  PreferencesStore
	logger *observability.Logger
}

func New(store PreferencesStore, logger *observability.Logger) PreferencesProcessor {
	return PreferencesProcessor{
		store:  store,
		logger: logger,
	}
}

// DefaultChannelMatrix returns the out-of-the-box channel routing per trigger.
// Triggers absent from a stored preference row fall back to these entries, so
// adding a trigger here is enough to route it for every existing user.
func DefaultChannelMatrix() store.ChannelMatrix {
	m := store.ChannelMatrix{
		store.TriggerNewMatch:               {store.ChannelEmail, store.ChannelPush},
		store.TriggerMutualFavorite:         {store.ChannelEmail, store.ChannelPush},
		store.TriggerNewMessage:             {store.ChannelPush, store.ChannelSMS},
		store.TriggerPIIRequest:             {store.ChannelEmail, store.ChannelSMS},
		store.TriggerSuspiciousLogin:        {store.ChannelEmail, store.ChannelSMS},
		store.TriggerPIIGranted:             {store.ChannelEmail},
		store.TriggerPIIDenied:              {store.ChannelEmail},
		store.TriggerPIIExpiring:            {store.ChannelEmail},
		store.TriggerNewProfileCreated:      {store.ChannelPush},
		store.TriggerProfileView:            {store.ChannelPush},
		store.TriggerFavorited:              {store.ChannelPush},
		store.TriggerShortlistAdded:         {store.ChannelPush},
		store.TriggerMatchMilestone:         {store.ChannelPush},
		store.TriggerMessageRead:            {store.ChannelPush},
		store.TriggerConversationCold:       {store.ChannelPush},
		store.TriggerProfileVisibilitySpike: {store.ChannelPush},
		store.TriggerUploadPhotos:           {store.ChannelPush},
		store.TriggerSearchAppearance:       {store.ChannelPush},
		store.TriggerUnreadMessages:         {store.ChannelEmail},
		store.TriggerNewUsersMatching:       {store.ChannelEmail},
		store.TriggerWeeklyDigest:           {store.ChannelEmail},
		store.TriggerMonthlyDigest:          {store.ChannelEmail},
		store.TriggerProfileIncomplete:      {store.ChannelEmail},
	}
	return m
}

// DefaultFrequencyMap returns the out-of-the-box delivery cadence per trigger
func DefaultFrequencyMap() store.FrequencyMap {
	return store.FrequencyMap{
		store.TriggerProfileView:      store.FrequencyDaily,
		store.TriggerSearchAppearance: store.FrequencyWeekly,
		store.TriggerUnreadMessages:   store.FrequencyDaily,
	}
}

// DefaultRateLimits returns the out-of-the-box per-channel delivery caps
func DefaultRateLimits() store.RateLimitMap {
	return store.RateLimitMap{
		store.ChannelEmail: {Max: 20, Period: store.RateLimitPeriodDaily},
		store.ChannelSMS:   {Max: 5, Period: store.RateLimitPeriodDaily},
		store.ChannelPush:  {Max: 100, Period: store.RateLimitPeriodDaily},
	}
}

// Defaults returns a complete default preference row for a user
func Defaults(userID uuid.UUID) store.NotificationPreference {
	return store.NotificationPreference{
		UserID:               userID,
		ChannelsByTrigger:    DefaultChannelMatrix(),
		FrequencyByTrigger:   DefaultFrequencyMap(),
		QuietHoursEnabled:    false,
		QuietHoursStart:      "22:00",
		QuietHoursEnd:        "08:00",
		QuietHoursTimezone:   "UTC",
		QuietHoursExceptions: store.TriggerArray{store.TriggerPIIRequest, store.TriggerSuspiciousLogin},
		RateLimits:           DefaultRateLimits(),
		SMSVerifiedOnly:      true,
		SMSMinMatchScore:     80,
		OptedOut:             false,
	}
}

// GetPreferences returns a user's effective preferences. Users without a
// stored row get the defaults, and stored rows are padded with default
// entries for any trigger or channel added after the row was written.
// This never fails on a missing row.
func (p *PreferencesProcessor) GetPreferences(ctx context.Context, userID uuid.UUID) (store.NotificationPreference, error) {
	ctx = observability.WithFields(ctx, observability.Field{Key: "user_id", Value: userID.String()})

	pref, err := p.store.GetNotificationPreference(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Defaults(userID), nil
		}
		p.logger.Error(ctx, "failed to get notification preference", err)
		return store.NotificationPreference{}, err
	}

	return mergeWithDefaults(pref), nil
}

// mergeWithDefaults pads a stored row with default entries for keys it does
// not carry. Stored entries always win, including explicit empty channel lists.
func mergeWithDefaults(pref store.NotificationPreference) store.NotificationPreference {
	if pref.ChannelsByTrigger == nil {
		pref.ChannelsByTrigger = store.ChannelMatrix{}
	}
	for trigger, channels := range DefaultChannelMatrix() {
		if _, ok := pref.ChannelsByTrigger[trigger]; !ok {
			pref.ChannelsByTrigger[trigger] = channels
		}
	}

	if pref.FrequencyByTrigger == nil {
		pref.FrequencyByTrigger = store.FrequencyMap{}
	}
	for trigger, freq := range DefaultFrequencyMap() {
		if _, ok := pref.FrequencyByTrigger[trigger]; !ok {
			pref.FrequencyByTrigger[trigger] = freq
		}
	}

	if pref.RateLimits == nil {
		pref.RateLimits = store.RateLimitMap{}
	}
	for channel, rule := range DefaultRateLimits() {
		if _, ok := pref.RateLimits[channel]; !ok {
			pref.RateLimits[channel] = rule
		}
	}

	if pref.QuietHoursStart == "" {
		pref.QuietHoursStart = "22:00"
	}
	if pref.QuietHoursEnd == "" {
		pref.QuietHoursEnd = "08:00"
	}
	if pref.QuietHoursTimezone == "" {
		pref.QuietHoursTimezone = "UTC"
	}

	return pref
}

// UpdatePreferencesRequest represents a partial preference update. Nil fields
// keep their current value.
type UpdatePreferencesRequest struct {
	ChannelsByTrigger    store.ChannelMatrix
	FrequencyByTrigger   store.FrequencyMap
	QuietHoursEnabled    *bool
	QuietHoursStart      *string
	QuietHoursEnd        *string
	QuietHoursTimezone   *string
	QuietHoursExceptions store.TriggerArray
	RateLimits           store.RateLimitMap
	SMSVerifiedOnly      *bool
	SMSMinMatchScore     *int
	OptedOut             *bool
}

// UpdatePreferences validates and applies a partial update, creating the row
// from defaults first if the user has never saved preferences
func (p *PreferencesProcessor) UpdatePreferences(ctx context.Context, userID uuid.UUID, req UpdatePreferencesRequest) (store.NotificationPreference, error) {
	ctx = observability.WithFields(ctx, observability.Field{Key: "user_id", Value: userID.String()})

	if err := validateUpdate(req); err != nil {
		return store.NotificationPreference{}, err
	}

	if err := p.store.CreateDefaultNotificationPreference(ctx, defaultsToParams(Defaults(userID))); err != nil {
		p.logger.Error(ctx, "failed to ensure preference row", err)
		return store.NotificationPreference{}, err
	}

	pref, err := p.store.UpdateNotificationPreference(ctx, userID, store.UpdateNotificationPreferenceParams{
		ChannelsByTrigger:    req.ChannelsByTrigger,
		FrequencyByTrigger:   req.FrequencyByTrigger,
		QuietHoursEnabled:    req.QuietHoursEnabled,
		QuietHoursStart:      req.QuietHoursStart,
		QuietHoursEnd:        req.QuietHoursEnd,
		QuietHoursTimezone:   req.QuietHoursTimezone,
		QuietHoursExceptions: req.QuietHoursExceptions,
		RateLimits:           req.RateLimits,
		SMSVerifiedOnly:      req.SMSVerifiedOnly,
		SMSMinMatchScore:     req.SMSMinMatchScore,
		OptedOut:             req.OptedOut,
	})
	if err != nil {
		p.logger.Error(ctx, "failed to update notification preference", err)
		return store.NotificationPreference{}, err
	}

	return mergeWithDefaults(pref), nil
}

// ResetPreferences overwrites a user's preferences with the defaults
func (p *PreferencesProcessor) ResetPreferences(ctx context.Context, userID uuid.UUID) (store.NotificationPreference, error) {
	ctx = observability.WithFields(ctx, observability.Field{Key: "user_id", Value: userID.String()})

	pref, err := p.store.UpsertNotificationPreference(ctx, defaultsToParams(Defaults(userID)))
	if err != nil {
		p.logger.Error(ctx, "failed to reset notification preference", err)
		return store.NotificationPreference{}, err
	}
	return mergeWithDefaults(pref), nil
}

func defaultsToParams(pref store.NotificationPreference) store.UpsertNotificationPreferenceParams {
	return store.UpsertNotificationPreferenceParams{
		UserID:               pref.UserID,
		ChannelsByTrigger:    pref.ChannelsByTrigger,
		FrequencyByTrigger:   pref.FrequencyByTrigger,
		QuietHoursEnabled:    pref.QuietHoursEnabled,
		QuietHoursStart:      pref.QuietHoursStart,
		QuietHoursEnd:        pref.QuietHoursEnd,
		QuietHoursTimezone:   pref.QuietHoursTimezone,
		QuietHoursExceptions: pref.QuietHoursExceptions,
		RateLimits:           pref.RateLimits,
		SMSVerifiedOnly:      pref.SMSVerifiedOnly,
		SMSMinMatchScore:     pref.SMSMinMatchScore,
		OptedOut:             pref.OptedOut,
	}
}

func validateUpdate(req UpdatePreferencesRequest) error {
	for trigger, channels := range req.ChannelsByTrigger {
		if !trigger.IsValid() {
			return fmt.Errorf("%w: %s", ErrInvalidTrigger, trigger)
		}
		for _, channel := range channels {
			if !channel.IsValid() {
				return fmt.Errorf("%w: %s", ErrInvalidChannel, channel)
			}
		}
	}

	for trigger, freq := range req.FrequencyByTrigger {
		if !trigger.IsValid() {
			return fmt.Errorf("%w: %s", ErrInvalidTrigger, trigger)
		}
		if !freq.IsValid() {
			return fmt.Errorf("%w: %s", ErrInvalidFrequency, freq)
		}
	}

	for _, trigger := range req.QuietHoursExceptions {
		if !trigger.IsValid() {
			return fmt.Errorf("%w: %s", ErrInvalidTrigger, trigger)
		}
	}

	if req.QuietHoursStart != nil {
		if _, _, err := ParseClock(*req.QuietHoursStart); err != nil {
			return fmt.Errorf("%w: %s", ErrInvalidQuietHours, *req.QuietHoursStart)
		}
	}
	if req.QuietHoursEnd != nil {
		if _, _, err := ParseClock(*req.QuietHoursEnd); err != nil {
			return fmt.Errorf("%w: %s", ErrInvalidQuietHours, *req.QuietHoursEnd)
		}
	}

	if req.QuietHoursTimezone != nil {
		if _, err := time.LoadLocation(*req.QuietHoursTimezone); err != nil {
			return fmt.Errorf("%w: %s", ErrInvalidTimezone, *req.QuietHoursTimezone)
		}
	}

	for channel, rule := range req.RateLimits {
		if !channel.IsValid() {
			return fmt.Errorf("%w: %s", ErrInvalidChannel, channel)
		}
		if _, err := rule.PeriodDuration(); err != nil || rule.Max <= 0 {
			return fmt.Errorf("%w: %s", ErrInvalidRateLimit, channel)
		}
	}

	if req.SMSMinMatchScore != nil && (*req.SMSMinMatchScore < 0 || *req.SMSMinMatchScore > 100) {
		return ErrInvalidMatchScore
	}

	return nil
}

// IsChannelEnabled reports whether a trigger may reach the user on a channel.
// A global opt-out disables everything.
func IsChannelEnabled(pref store.NotificationPreference, trigger store.Trigger, channel store.Channel) bool {
	if pref.OptedOut {
		return false
	}
	channels, ok := pref.ChannelsByTrigger[trigger]
	if !ok {
		channels = DefaultChannelMatrix()[trigger]
	}
	for _, c := range channels {
		if c == channel {
			return true
		}
	}
	return false
}

// FrequencyFor returns the delivery cadence for a trigger
func FrequencyFor(pref store.NotificationPreference, trigger store.Trigger) store.Frequency {
	if freq, ok := pref.FrequencyByTrigger[trigger]; ok {
		return freq
	}
	if freq, ok := DefaultFrequencyMap()[trigger]; ok {
		return freq
	}
	return store.FrequencyInstant
}

// RateLimitFor returns the delivery cap for a channel
func RateLimitFor(pref store.NotificationPreference, channel store.Channel) store.RateLimitRule {
	if rule, ok := pref.RateLimits[channel]; ok {
		return rule
	}
	if rule, ok := DefaultRateLimits()[channel]; ok {
		return rule
	}
	return store.RateLimitRule{Max: 20, Period: store.RateLimitPeriodDaily}
}

// InQuietHours reports whether delivery at the given instant falls inside the
// user's quiet window. Critical notifications and excepted triggers are never
// quiet-held. Windows may cross midnight, e.g. 22:00 to 08:00.
func InQuietHours(pref store.NotificationPreference, trigger store.Trigger, priority store.Priority, at time.Time) bool {
	if !pref.QuietHoursEnabled {
		return false
	}
	if priority == store.PriorityCritical {
		return false
	}
	for _, excepted := range pref.QuietHoursExceptions {
		if excepted == trigger {
			return false
		}
	}

	loc, err := time.LoadLocation(pref.QuietHoursTimezone)
	if err != nil {
		loc = time.UTC
	}
	local := at.In(loc)
	minutes := local.Hour()*60 + local.Minute()

	startH, startM, err := ParseClock(pref.QuietHoursStart)
	if err != nil {
		return false
	}
	endH, endM, err := ParseClock(pref.QuietHoursEnd)
	if err != nil {
		return false
	}
	start := startH*60 + startM
	end := endH*60 + endM

	if start == end {
		return false
	}
	if start < end {
		return minutes >= start && minutes < end
	}
	// Window crosses midnight
	return minutes >= start || minutes < end
}

// QuietHoursEnd returns the next instant at which the user's quiet window
// closes, in the user's timezone. Callers use it to defer held notifications.
func QuietHoursEnd(pref store.NotificationPreference, at time.Time) time.Time {
	loc, err := time.LoadLocation(pref.QuietHoursTimezone)
	if err != nil {
		loc = time.UTC
	}
	local := at.In(loc)

	endH, endM, err := ParseClock(pref.QuietHoursEnd)
	if err != nil {
		endH, endM = 8, 0
	}

	end := time.Date(local.Year(), local.Month(), local.Day(), endH, endM, 0, 0, loc)
	if !end.After(local) {
		end = end.AddDate(0, 0, 1)
	}
	return end
}

// ParseClock parses an HH:MM wall clock string
func ParseClock(s string) (int, int, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid clock time %q", s)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid clock time %q", s)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid clock time %q", s)
	}
	return hour, minute, nil
}
