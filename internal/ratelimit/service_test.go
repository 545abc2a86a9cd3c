package ratelimit

import (
	"context"
	"testing"
	"time"

	redisClient "notification-engine/internal/clients/redis"
	"notification-engine/internal/observability"
	"notification-engine/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDeliveryCounter struct {
	count int
	calls int
}

func (f *fakeDeliveryCounter) CountDeliveriesSince(context.Context, uuid.UUID, store.Channel, time.Time) (int, error) {
	f.calls++
	return f.count, nil
}

func newRedisService(t *testing.T, counter DeliveryCounter) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redisClient.NewClientFromRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), observability.NewLogger())
	return NewService(client, counter, observability.NewLogger()), mr
}

func TestCheckDeliveryAllowed(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()
	rule := store.RateLimitRule{Max: 3, Period: store.RateLimitPeriodDaily}

	t.Run("allows under the cap and counts down remaining", func(t *testing.T) {
		service, _ := newRedisService(t, &fakeDeliveryCounter{})

		result, err := service.CheckDeliveryAllowed(ctx, userID, store.ChannelEmail, rule)
		require.NoError(t, err)
		assert.True(t, result.Allowed)
		assert.Equal(t, 3, result.Limit)
		assert.Equal(t, 3, result.Remaining)

		service.RecordDelivery(ctx, userID, store.ChannelEmail, rule)
		service.RecordDelivery(ctx, userID, store.ChannelEmail, rule)

		result, err = service.CheckDeliveryAllowed(ctx, userID, store.ChannelEmail, rule)
		require.NoError(t, err)
		assert.True(t, result.Allowed)
		assert.Equal(t, 1, result.Remaining)
	})

	t.Run("blocks at the cap with a retry hint", func(t *testing.T) {
		service, _ := newRedisService(t, &fakeDeliveryCounter{})

		for i := 0; i < 3; i++ {
			service.RecordDelivery(ctx, userID, store.ChannelSMS, rule)
		}

		result, err := service.CheckDeliveryAllowed(ctx, userID, store.ChannelSMS, rule)
		require.NoError(t, err)
		assert.False(t, result.Allowed)
		assert.Equal(t, 0, result.Remaining)
		assert.Greater(t, result.RetryAfterMs, 0)
		assert.True(t, result.ResetAt.After(time.Now()))
	})

	t.Run("counters are scoped per channel", func(t *testing.T) {
		service, _ := newRedisService(t, &fakeDeliveryCounter{})

		for i := 0; i < 3; i++ {
			service.RecordDelivery(ctx, userID, store.ChannelSMS, rule)
		}

		result, err := service.CheckDeliveryAllowed(ctx, userID, store.ChannelEmail, rule)
		require.NoError(t, err)
		assert.True(t, result.Allowed)
	})

	t.Run("counters are scoped per user", func(t *testing.T) {
		service, _ := newRedisService(t, &fakeDeliveryCounter{})

		for i := 0; i < 3; i++ {
			service.RecordDelivery(ctx, userID, store.ChannelSMS, rule)
		}

		result, err := service.CheckDeliveryAllowed(ctx, uuid.New(), store.ChannelSMS, rule)
		require.NoError(t, err)
		assert.True(t, result.Allowed)
	})

	t.Run("falls back to the delivery log without Redis", func(t *testing.T) {
		counter := &fakeDeliveryCounter{count: 3}
		service := NewService(nil, counter, observability.NewLogger())

		result, err := service.CheckDeliveryAllowed(ctx, userID, store.ChannelEmail, rule)
		require.NoError(t, err)
		assert.False(t, result.Allowed)
		assert.Equal(t, 1, counter.calls)
	})

	t.Run("rate limit keys expire past the window", func(t *testing.T) {
		service, mr := newRedisService(t, &fakeDeliveryCounter{})

		service.RecordDelivery(ctx, userID, store.ChannelEmail, rule)

		// A daily window keeps its counter for two periods.
		mr.FastForward(49 * time.Hour)

		result, err := service.CheckDeliveryAllowed(ctx, userID, store.ChannelEmail, rule)
		require.NoError(t, err)
		assert.Equal(t, 3, result.Remaining)
	})
}

func TestWindowStart(t *testing.T) {
	at := time.Date(2025, time.June, 11, 14, 37, 12, 0, time.UTC) // Wednesday

	t.Run("hourly truncates to the hour", func(t *testing.T) {
		start, period := windowStart(store.RateLimitRule{Max: 1, Period: store.RateLimitPeriodHourly}, at)
		assert.Equal(t, time.Date(2025, time.June, 11, 14, 0, 0, 0, time.UTC), start)
		assert.Equal(t, time.Hour, period)
	})

	t.Run("daily starts at UTC midnight", func(t *testing.T) {
		start, period := windowStart(store.RateLimitRule{Max: 1, Period: store.RateLimitPeriodDaily}, at)
		assert.Equal(t, time.Date(2025, time.June, 11, 0, 0, 0, 0, time.UTC), start)
		assert.Equal(t, 24*time.Hour, period)
	})

	t.Run("weekly starts on Monday", func(t *testing.T) {
		start, period := windowStart(store.RateLimitRule{Max: 1, Period: store.RateLimitPeriodWeekly}, at)
		assert.Equal(t, time.Date(2025, time.June, 9, 0, 0, 0, 0, time.UTC), start)
		assert.Equal(t, time.Monday, start.Weekday())
		assert.Equal(t, 7*24*time.Hour, period)
	})
}
