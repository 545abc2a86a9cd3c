package dispatch

import (
	"context"
	"fmt"
	"time"

	"notification-engine/internal/clients/redis"
	"notification-engine/internal/observability"
	"notification-engine/internal/store"
)

// CostSummer totals recorded delivery cost when Redis is unavailable
type CostSummer interface {
	SumChannelCostSince(ctx context.Context, channel store.Channel, since time.Time) (int64, error)
}

// Budget tracks spend against a daily cost cap for one channel. The counter
// lives in Redis, seeded from the delivery log on the first check of each
// UTC day, and falls back to the delivery log when Redis is unavailable.
// Only the channel's single dispatcher advances it.
type Budget struct {
	redis            *redis.Client
	summer           CostSummer
	channel          store.Channel
	dailyCapMicros   int64
	perMessageMicros int64
	logger           *observability.Logger
}

func NewBudget(redisClient *redis.Client, summer CostSummer, channel store.Channel, dailyCapMicros, perMessageMicros int64, logger *observability.Logger) *Budget {
	return &Budget{
		redis:            redisClient,
		summer:           summer,
		channel:          channel,
		dailyCapMicros:   dailyCapMicros,
		perMessageMicros: perMessageMicros,
		logger:           logger,
	}
}

func budgetKey(channel store.Channel, day time.Time) string {
	return fmt.Sprintf("budget:%s:%s", channel, day.Format("20060102"))
}

func utcMidnight(now time.Time) time.Time {
	utc := now.UTC()
	return time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
}

// Allows reports whether one more message fits inside today's budget.
// A cap of zero or below disables the budget entirely.
func (b *Budget) Allows(ctx context.Context) (bool, error) {
	if b.dailyCapMicros <= 0 {
		return true, nil
	}

	spent, err := b.spentToday(ctx, time.Now())
	if err != nil {
		return false, err
	}
	return spent+b.perMessageMicros <= b.dailyCapMicros, nil
}

// ResetsAt returns the instant the daily budget window rolls over
func (b *Budget) ResetsAt(now time.Time) time.Time {
	return utcMidnight(now).AddDate(0, 0, 1)
}

// Record charges a sent message's actual cost against today's budget
func (b *Budget) Record(ctx context.Context, costMicros int64) {
	if b.dailyCapMicros <= 0 || costMicros <= 0 {
		return
	}
	if b.redis == nil || !b.redis.IsEnabled() {
		return
	}

	key := budgetKey(b.channel, utcMidnight(time.Now()))
	if _, err := b.redis.IncrBy(ctx, key, costMicros); err != nil {
		b.logger.WarnWithError(ctx, "failed to record cost against daily budget", err)
		return
	}
	if err := b.redis.Expire(ctx, key, 48*time.Hour); err != nil {
		b.logger.WarnWithError(ctx, "failed to set expiration on budget key", err)
	}
}

func (b *Budget) spentToday(ctx context.Context, now time.Time) (int64, error) {
	midnight := utcMidnight(now)

	if b.redis != nil && b.redis.IsEnabled() {
		key := budgetKey(b.channel, midnight)
		exists, err := b.redis.Exists(ctx, key)
		switch {
		case err != nil:
			b.logger.WarnWithError(ctx, "Redis budget check failed, falling back to delivery log", err)
		case exists == 0:
			// First check of the day: seed the counter from the delivery log
			// so spend survives Redis restarts.
			spent, err := b.summer.SumChannelCostSince(ctx, b.channel, midnight)
			if err != nil {
				return 0, err
			}
			if _, err := b.redis.SetNX(ctx, key, spent, 48*time.Hour); err != nil {
				b.logger.WarnWithError(ctx, "failed to seed daily budget counter", err)
			}
			return spent, nil
		default:
			spent, err := b.redis.GetInt64(ctx, key)
			if err == nil {
				return spent, nil
			}
			b.logger.WarnWithError(ctx, "Redis budget check failed, falling back to delivery log", err)
		}
	}

	return b.summer.SumChannelCostSince(ctx, b.channel, midnight)
}
