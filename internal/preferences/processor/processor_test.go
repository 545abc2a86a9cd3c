package processor

import (
	"context"
	"errors"
	"testing"
	"time"

	"notification-engine/internal/observability"
	"notification-engine/internal/store"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePreferencesStore struct {
	pref          store.NotificationPreference
	getErr        error
	updated       *store.UpdateNotificationPreferenceParams
	upserted      *store.UpsertNotificationPreferenceParams
	ensuredRow    bool
	updateReturns store.NotificationPreference
}

func (f *fakePreferencesStore) GetNotificationPreference(ctx context.Context, userID uuid.UUID) (store.NotificationPreference, error) {
	if f.getErr != nil {
		return store.NotificationPreference{}, f.getErr
	}
	return f.pref, nil
}

func (f *fakePreferencesStore) UpsertNotificationPreference(ctx context.Context, params store.UpsertNotificationPreferenceParams) (store.NotificationPreference, error) {
	f.upserted = &params
	return store.NotificationPreference{
		UserID:               params.UserID,
		ChannelsByTrigger:    params.ChannelsByTrigger,
		FrequencyByTrigger:   params.FrequencyByTrigger,
		QuietHoursEnabled:    params.QuietHoursEnabled,
		QuietHoursStart:      params.QuietHoursStart,
		QuietHoursEnd:        params.QuietHoursEnd,
		QuietHoursTimezone:   params.QuietHoursTimezone,
		QuietHoursExceptions: params.QuietHoursExceptions,
		RateLimits:           params.RateLimits,
		SMSVerifiedOnly:      params.SMSVerifiedOnly,
		SMSMinMatchScore:     params.SMSMinMatchScore,
		OptedOut:             params.OptedOut,
	}, nil
}

func (f *fakePreferencesStore) CreateDefaultNotificationPreference(ctx context.Context, params store.UpsertNotificationPreferenceParams) error {
	f.ensuredRow = true
	return nil
}

func (f *fakePreferencesStore) UpdateNotificationPreference(ctx context.Context, userID uuid.UUID, params store.UpdateNotificationPreferenceParams) (store.NotificationPreference, error) {
	f.updated = &params
	return f.updateReturns, nil
}

func TestDefaults(t *testing.T) {
	userID := uuid.New()
	defaults := Defaults(userID)

	t.Run("quiet hours ship disabled with the standard window", func(t *testing.T) {
		assert.False(t, defaults.QuietHoursEnabled)
		assert.Equal(t, "22:00", defaults.QuietHoursStart)
		assert.Equal(t, "08:00", defaults.QuietHoursEnd)
		assert.Equal(t, "UTC", defaults.QuietHoursTimezone)
		assert.ElementsMatch(t, store.TriggerArray{store.TriggerPIIRequest, store.TriggerSuspiciousLogin},
			defaults.QuietHoursExceptions)
	})

	t.Run("rate limits and sms policy", func(t *testing.T) {
		assert.Equal(t, store.RateLimitRule{Max: 20, Period: store.RateLimitPeriodDaily}, defaults.RateLimits[store.ChannelEmail])
		assert.Equal(t, store.RateLimitRule{Max: 5, Period: store.RateLimitPeriodDaily}, defaults.RateLimits[store.ChannelSMS])
		assert.True(t, defaults.SMSVerifiedOnly)
		assert.Equal(t, 80, defaults.SMSMinMatchScore)
		assert.False(t, defaults.OptedOut)
	})

	t.Run("every trigger has a channel entry", func(t *testing.T) {
		for _, trigger := range store.AllTriggers {
			assert.Contains(t, defaults.ChannelsByTrigger, trigger)
		}
	})
}

func TestGetPreferences(t *testing.T) {
	logger := observability.NewLogger()
	ctx := context.Background()
	userID := uuid.New()

	t.Run("missing row returns defaults", func(t *testing.T) {
		fake := &fakePreferencesStore{getErr: store.ErrNotFound}
		p := New(fake, logger)

		pref, err := p.GetPreferences(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, userID, pref.UserID)
		assert.True(t, pref.QuietHoursEnabled)
		assert.Equal(t, "22:00", pref.QuietHoursStart)
		assert.Equal(t, "08:00", pref.QuietHoursEnd)
		assert.True(t, pref.SMSVerifiedOnly)
		assert.Equal(t, 80, pref.SMSMinMatchScore)
		assert.Contains(t, pref.QuietHoursExceptions, store.TriggerPIIRequest)
		assert.Contains(t, pref.QuietHoursExceptions, store.TriggerSuspiciousLogin)
		assert.Equal(t, store.RateLimitRule{Max: 5, Period: store.RateLimitPeriodDaily}, pref.RateLimits[store.ChannelSMS])
	})

	t.Run("stored row is padded with defaults for new triggers", func(t *testing.T) {
		fake := &fakePreferencesStore{pref: store.NotificationPreference{
			UserID: userID,
			ChannelsByTrigger: store.ChannelMatrix{
				store.TriggerNewMatch: {store.ChannelPush},
			},
		}}
		p := New(fake, logger)

		pref, err := p.GetPreferences(ctx, userID)
		require.NoError(t, err)
		// Stored entry wins
		assert.Equal(t, []store.Channel{store.ChannelPush}, pref.ChannelsByTrigger[store.TriggerNewMatch])
		// Absent triggers fall back to the default matrix
		assert.Equal(t, []store.Channel{store.ChannelPush, store.ChannelSMS}, pref.ChannelsByTrigger[store.TriggerNewMessage])
	})

	t.Run("explicit empty channel list is respected", func(t *testing.T) {
		fake := &fakePreferencesStore{pref: store.NotificationPreference{
			UserID: userID,
			ChannelsByTrigger: store.ChannelMatrix{
				store.TriggerProfileView: {},
			},
		}}
		p := New(fake, logger)

		pref, err := p.GetPreferences(ctx, userID)
		require.NoError(t, err)
		assert.Empty(t, pref.ChannelsByTrigger[store.TriggerProfileView])
	})

	t.Run("database errors propagate", func(t *testing.T) {
		fake := &fakePreferencesStore{getErr: errors.New("connection refused")}
		p := New(fake, logger)

		_, err := p.GetPreferences(ctx, userID)
		require.Error(t, err)
	})
}

func TestUpdatePreferences(t *testing.T) {
	logger := observability.NewLogger()
	ctx := context.Background()
	userID := uuid.New()

	t.Run("ensures a row before the partial update", func(t *testing.T) {
		fake := &fakePreferencesStore{updateReturns: Defaults(userID)}
		p := New(fake, logger)

		optOut := true
		_, err := p.UpdatePreferences(ctx, userID, UpdatePreferencesRequest{OptedOut: &optOut})
		require.NoError(t, err)
		assert.True(t, fake.ensuredRow)
		require.NotNil(t, fake.updated)
		require.NotNil(t, fake.updated.OptedOut)
		assert.True(t, *fake.updated.OptedOut)
	})

	t.Run("rejects unknown trigger", func(t *testing.T) {
		fake := &fakePreferencesStore{}
		p := New(fake, logger)

		_, err := p.UpdatePreferences(ctx, userID, UpdatePreferencesRequest{
			ChannelsByTrigger: store.ChannelMatrix{"bogus_trigger": {store.ChannelEmail}},
		})
		assert.ErrorIs(t, err, ErrInvalidTrigger)
	})

	t.Run("rejects malformed quiet hours", func(t *testing.T) {
		fake := &fakePreferencesStore{}
		p := New(fake, logger)

		bad := "25:00"
		_, err := p.UpdatePreferences(ctx, userID, UpdatePreferencesRequest{QuietHoursStart: &bad})
		assert.ErrorIs(t, err, ErrInvalidQuietHours)
	})

	t.Run("rejects unknown timezone", func(t *testing.T) {
		fake := &fakePreferencesStore{}
		p := New(fake, logger)

		bad := "Mars/Olympus_Mons"
		_, err := p.UpdatePreferences(ctx, userID, UpdatePreferencesRequest{QuietHoursTimezone: &bad})
		assert.ErrorIs(t, err, ErrInvalidTimezone)
	})

	t.Run("rejects non-positive rate limit", func(t *testing.T) {
		fake := &fakePreferencesStore{}
		p := New(fake, logger)

		_, err := p.UpdatePreferences(ctx, userID, UpdatePreferencesRequest{
			RateLimits: store.RateLimitMap{store.ChannelEmail: {Max: 0, Period: store.RateLimitPeriodDaily}},
		})
		assert.ErrorIs(t, err, ErrInvalidRateLimit)
	})

	t.Run("rejects out-of-range match score", func(t *testing.T) {
		fake := &fakePreferencesStore{}
		p := New(fake, logger)

		score := 150
		_, err := p.UpdatePreferences(ctx, userID, UpdatePreferencesRequest{SMSMinMatchScore: &score})
		assert.ErrorIs(t, err, ErrInvalidMatchScore)
	})
}

func TestResetPreferences(t *testing.T) {
	logger := observability.NewLogger()
	userID := uuid.New()
	fake := &fakePreferencesStore{}
	p := New(fake, logger)

	pref, err := p.ResetPreferences(context.Background(), userID)
	require.NoError(t, err)
	require.NotNil(t, fake.upserted)
	assert.Equal(t, userID, pref.UserID)
	assert.Equal(t, "22:00", pref.QuietHoursStart)
	assert.False(t, pref.OptedOut)
}

func TestIsChannelEnabled(t *testing.T) {
	userID := uuid.New()

	t.Run("opted out disables everything", func(t *testing.T) {
		pref := Defaults(userID)
		pref.OptedOut = true
		assert.False(t, IsChannelEnabled(pref, store.TriggerNewMatch, store.ChannelEmail))
	})

	t.Run("default matrix routes new_match to email and push", func(t *testing.T) {
		pref := Defaults(userID)
		assert.True(t, IsChannelEnabled(pref, store.TriggerNewMatch, store.ChannelEmail))
		assert.True(t, IsChannelEnabled(pref, store.TriggerNewMatch, store.ChannelPush))
		assert.False(t, IsChannelEnabled(pref, store.TriggerNewMatch, store.ChannelSMS))
	})

	t.Run("stored override wins over default", func(t *testing.T) {
		pref := Defaults(userID)
		pref.ChannelsByTrigger[store.TriggerNewMatch] = []store.Channel{}
		assert.False(t, IsChannelEnabled(pref, store.TriggerNewMatch, store.ChannelEmail))
	})
}

func TestFrequencyFor(t *testing.T) {
	pref := Defaults(uuid.New())
	assert.Equal(t, store.FrequencyDaily, FrequencyFor(pref, store.TriggerProfileView))
	assert.Equal(t, store.FrequencyWeekly, FrequencyFor(pref, store.TriggerSearchAppearance))
	assert.Equal(t, store.FrequencyInstant, FrequencyFor(pref, store.TriggerNewMatch))
}

func TestInQuietHours(t *testing.T) {
	userID := uuid.New()

	at := func(hour, minute int) time.Time {
		return time.Date(2025, 6, 15, hour, minute, 0, 0, time.UTC)
	}

	t.Run("window crossing midnight", func(t *testing.T) {
		pref := Defaults(userID) // 22:00 - 08:00 UTC

		assert.True(t, InQuietHours(pref, store.TriggerNewMatch, store.PriorityHigh, at(23, 0)))
		assert.True(t, InQuietHours(pref, store.TriggerNewMatch, store.PriorityHigh, at(3, 30)))
		assert.True(t, InQuietHours(pref, store.TriggerNewMatch, store.PriorityHigh, at(22, 0)))
		assert.False(t, InQuietHours(pref, store.TriggerNewMatch, store.PriorityHigh, at(8, 0)))
		assert.False(t, InQuietHours(pref, store.TriggerNewMatch, store.PriorityHigh, at(12, 0)))
		assert.False(t, InQuietHours(pref, store.TriggerNewMatch, store.PriorityHigh, at(21, 59)))
	})

	t.Run("critical priority is never quiet-held", func(t *testing.T) {
		pref := Defaults(userID)
		assert.False(t, InQuietHours(pref, store.TriggerNewMatch, store.PriorityCritical, at(23, 0)))
	})

	t.Run("excepted triggers bypass the window", func(t *testing.T) {
		pref := Defaults(userID)
		assert.False(t, InQuietHours(pref, store.TriggerPIIRequest, store.PriorityHigh, at(23, 0)))
		assert.False(t, InQuietHours(pref, store.TriggerSuspiciousLogin, store.PriorityHigh, at(23, 0)))
	})

	t.Run("disabled quiet hours", func(t *testing.T) {
		pref := Defaults(userID)
		pref.QuietHoursEnabled = false
		assert.False(t, InQuietHours(pref, store.TriggerNewMatch, store.PriorityHigh, at(23, 0)))
	})

	t.Run("window in user timezone", func(t *testing.T) {
		pref := Defaults(userID)
		pref.QuietHoursTimezone = "America/New_York"
		// 03:00 UTC on June 15 is 23:00 June 14 in New York
		assert.True(t, InQuietHours(pref, store.TriggerNewMatch, store.PriorityHigh, at(3, 0)))
		// 15:00 UTC is 11:00 in New York
		assert.False(t, InQuietHours(pref, store.TriggerNewMatch, store.PriorityHigh, at(15, 0)))
	})

	t.Run("same start and end disables the window", func(t *testing.T) {
		pref := Defaults(userID)
		pref.QuietHoursStart = "08:00"
		pref.QuietHoursEnd = "08:00"
		assert.False(t, InQuietHours(pref, store.TriggerNewMatch, store.PriorityHigh, at(8, 0)))
	})
}

func TestQuietHoursEnd(t *testing.T) {
	pref := Defaults(uuid.New()) // ends 08:00 UTC

	t.Run("before the end rolls to same day", func(t *testing.T) {
		at := time.Date(2025, 6, 15, 3, 0, 0, 0, time.UTC)
		end := QuietHoursEnd(pref, at)
		assert.Equal(t, time.Date(2025, 6, 15, 8, 0, 0, 0, time.UTC), end.UTC())
	})

	t.Run("after the end rolls to next day", func(t *testing.T) {
		at := time.Date(2025, 6, 15, 23, 0, 0, 0, time.UTC)
		end := QuietHoursEnd(pref, at)
		assert.Equal(t, time.Date(2025, 6, 16, 8, 0, 0, 0, time.UTC), end.UTC())
	})
}

func TestParseClock(t *testing.T) {
	h, m, err := ParseClock("22:30")
	require.NoError(t, err)
	assert.Equal(t, 22, h)
	assert.Equal(t, 30, m)

	for _, bad := range []string{"", "22", "24:00", "12:60", "ab:cd", "12:00:00"} {
		_, _, err := ParseClock(bad)
		assert.Error(t, err, "expected %q to be rejected", bad)
	}
}
