package ratelimit

import (
	"context"
	"fmt"
	"time"

	"notification-engine/internal/clients/redis"
	"notification-engine/internal/observability"
	"notification-engine/internal/store"

	"github.com/google/uuid"
)

// DeliveryCounter counts recorded deliveries when Redis is unavailable
type DeliveryCounter interface {
	CountDeliveriesSince(ctx context.Context, userID uuid.UUID, channel store.Channel, since time.Time) (int, error)
}

// RateLimitResult represents the result of a rate limit check
type RateLimitResult struct {
	Allowed      bool      `json:"allowed"`
	Limit        int       `json:"limit"`
	Remaining    int       `json:"remaining"`
	ResetAt      time.Time `json:"reset_at"`
	RetryAfterMs int       `json:"retry_after_ms,omitempty"`
}

// Service enforces per-user per-channel delivery caps.
// Counts live in Redis for fast checks and fall back to the delivery log
// when Redis is unavailable. Counters only advance on recorded deliveries,
// so skipped or failed sends never consume a slot.
type Service struct {
	redis   *redis.Client
	counter DeliveryCounter
	logger  *observability.Logger
}

// NewService creates a new rate limiting service
func NewService(redisClient *redis.Client, counter DeliveryCounter, logger *observability.Logger) *Service {
	return &Service{
		redis:   redisClient,
		counter: counter,
		logger:  logger,
	}
}

// windowStart aligns a rate limit window to its calendar boundary in UTC
func windowStart(rule store.RateLimitRule, now time.Time) (time.Time, time.Duration) {
	utc := now.UTC()
	switch rule.Period {
	case store.RateLimitPeriodHourly:
		return utc.Truncate(time.Hour), time.Hour
	case store.RateLimitPeriodWeekly:
		day := time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
		for day.Weekday() != time.Monday {
			day = day.AddDate(0, 0, -1)
		}
		return day, 7 * 24 * time.Hour
	default:
		return time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC), 24 * time.Hour
	}
}

func deliveryCountKey(userID uuid.UUID, channel store.Channel, start time.Time) string {
	return fmt.Sprintf("rl:%s:%s:%d", channel, userID.String(), start.Unix())
}

// CheckDeliveryAllowed reports whether another delivery fits inside the
// user's window for a channel. It does not consume a slot; callers record
// the delivery after a successful send.
func (s *Service) CheckDeliveryAllowed(ctx context.Context, userID uuid.UUID, channel store.Channel, rule store.RateLimitRule) (RateLimitResult, error) {
	start, period := windowStart(rule, time.Now())
	resetAt := start.Add(period)

	count, err := s.currentCount(ctx, userID, channel, start)
	if err != nil {
		return RateLimitResult{}, err
	}

	if count >= rule.Max {
		retryAfter := time.Until(resetAt)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return RateLimitResult{
			Allowed:      false,
			Limit:        rule.Max,
			Remaining:    0,
			ResetAt:      resetAt,
			RetryAfterMs: int(retryAfter.Milliseconds()),
		}, nil
	}

	return RateLimitResult{
		Allowed:   true,
		Limit:     rule.Max,
		Remaining: rule.Max - count,
		ResetAt:   resetAt,
	}, nil
}

func (s *Service) currentCount(ctx context.Context, userID uuid.UUID, channel store.Channel, start time.Time) (int, error) {
	if s.redis != nil && s.redis.IsEnabled() {
		count, err := s.redis.GetInt64(ctx, deliveryCountKey(userID, channel, start))
		if err == nil {
			return int(count), nil
		}
		s.logger.WarnWithError(ctx, "Redis rate limit check failed, falling back to delivery log", err)
	}

	count, err := s.counter.CountDeliveriesSince(ctx, userID, channel, start)
	if err != nil {
		return 0, fmt.Errorf("failed to count deliveries: %w", err)
	}
	return count, nil
}

// RecordDelivery advances the window counter after a successful send. The
// delivery log keeps the durable count, so a lost increment only widens the
// window by one until Redis catches up.
func (s *Service) RecordDelivery(ctx context.Context, userID uuid.UUID, channel store.Channel, rule store.RateLimitRule) {
	if s.redis == nil || !s.redis.IsEnabled() {
		return
	}

	start, period := windowStart(rule, time.Now())
	key := deliveryCountKey(userID, channel, start)

	if _, err := s.redis.Incr(ctx, key); err != nil {
		s.logger.WarnWithError(ctx, "failed to record delivery in rate limit window", err)
		return
	}
	// Keep the key one full period past its window so late checks still see it
	if err := s.redis.Expire(ctx, key, 2*period); err != nil {
		s.logger.WarnWithError(ctx, "failed to set expiration on rate limit key", err)
	}
}

// GetRateLimitStatus retrieves the current window usage for an API response
func (s *Service) GetRateLimitStatus(ctx context.Context, userID uuid.UUID, channel store.Channel, rule store.RateLimitRule) (RateLimitResult, error) {
	ctx = observability.WithFields(ctx,
		observability.Field{Key: "user_id", Value: userID.String()},
		observability.Field{Key: "channel", Value: string(channel)},
	)
	return s.CheckDeliveryAllowed(ctx, userID, channel, rule)
}
