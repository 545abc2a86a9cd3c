package dispatch

import (
	"context"
	"testing"
	"time"

	redisClient "notification-engine/internal/clients/redis"
	"notification-engine/internal/observability"
	"notification-engine/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSummer struct {
	spent int64
	calls int
}

func (c *countingSummer) SumChannelCostSince(context.Context, store.Channel, time.Time) (int64, error) {
	c.calls++
	return c.spent, nil
}

func newRedisBudget(t *testing.T, summer CostSummer, capMicros, perMessage int64) *Budget {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redisClient.NewClientFromRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), observability.NewLogger())
	return NewBudget(client, summer, store.ChannelSMS, capMicros, perMessage, observability.NewLogger())
}

func TestBudget(t *testing.T) {
	ctx := context.Background()

	t.Run("zero cap disables the budget", func(t *testing.T) {
		summer := &countingSummer{spent: 1 << 40}
		budget := NewBudget(nil, summer, store.ChannelSMS, 0, 8000, observability.NewLogger())

		allowed, err := budget.Allows(ctx)
		require.NoError(t, err)
		assert.True(t, allowed)
		assert.Equal(t, 0, summer.calls)
	})

	t.Run("allows while the next message still fits", func(t *testing.T) {
		budget := newRedisBudget(t, &countingSummer{spent: 0}, 24_000, 8000)

		allowed, err := budget.Allows(ctx)
		require.NoError(t, err)
		assert.True(t, allowed)

		budget.Record(ctx, 8000)
		budget.Record(ctx, 8000)

		allowed, err = budget.Allows(ctx)
		require.NoError(t, err)
		assert.True(t, allowed)
	})

	t.Run("blocks once the next message would overflow the cap", func(t *testing.T) {
		budget := newRedisBudget(t, &countingSummer{spent: 0}, 24_000, 8000)

		for i := 0; i < 3; i++ {
			budget.Record(ctx, 8000)
		}

		allowed, err := budget.Allows(ctx)
		require.NoError(t, err)
		assert.False(t, allowed)
	})

	t.Run("seeds the daily counter from the delivery log", func(t *testing.T) {
		summer := &countingSummer{spent: 20_000}
		budget := newRedisBudget(t, summer, 24_000, 8000)

		allowed, err := budget.Allows(ctx)
		require.NoError(t, err)
		assert.False(t, allowed)
		assert.Equal(t, 1, summer.calls)

		// Second check reads the seeded counter, not the log.
		_, err = budget.Allows(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, summer.calls)
	})

	t.Run("falls back to the delivery log without Redis", func(t *testing.T) {
		summer := &countingSummer{spent: 20_000}
		budget := NewBudget(nil, summer, store.ChannelSMS, 24_000, 8000, observability.NewLogger())

		allowed, err := budget.Allows(ctx)
		require.NoError(t, err)
		assert.False(t, allowed)
		assert.Equal(t, 1, summer.calls)
	})

	t.Run("resets at the next UTC midnight", func(t *testing.T) {
		budget := NewBudget(nil, &countingSummer{}, store.ChannelSMS, 24_000, 8000, observability.NewLogger())

		now := time.Date(2025, time.June, 11, 18, 45, 0, 0, time.UTC)
		assert.Equal(t, time.Date(2025, time.June, 12, 0, 0, 0, 0, time.UTC), budget.ResetsAt(now))
	})
}
