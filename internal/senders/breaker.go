package senders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"notification-engine/internal/observability"
	"notification-engine/internal/store"

	"github.com/sony/gobreaker"
)

// ErrProviderUnavailable is returned while the circuit is open and sends are
// being rejected without reaching the provider.
var ErrProviderUnavailable = errors.New("provider circuit open")

// BreakerSender wraps a ChannelSender with a circuit breaker so a struggling
// provider is given time to recover instead of being hammered with retries.
// Permanent errors describe the message, not the provider, and do not count
// toward tripping the circuit.
type BreakerSender struct {
	inner   ChannelSender
	breaker *gobreaker.CircuitBreaker
	logger  *observability.Logger
}

func NewBreakerSender(inner ChannelSender, logger *observability.Logger) *BreakerSender {
	settings := gobreaker.Settings{
		Name:        string(inner.Name()) + "-sender",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Info(context.Background(), fmt.Sprintf("circuit breaker %s: %s -> %s", name, from, to))
		},
	}

	return &BreakerSender{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker(settings),
		logger:  logger,
	}
}

func (b *BreakerSender) Name() store.Channel {
	return b.inner.Name()
}

func (b *BreakerSender) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	var permErr error

	result, err := b.breaker.Execute(func() (interface{}, error) {
		res, sendErr := b.inner.Send(ctx, req)
		if sendErr != nil && IsPermanent(sendErr) {
			permErr = sendErr
			return res, nil
		}
		return res, sendErr
	})
	if permErr != nil {
		return SendResult{}, permErr
	}
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return SendResult{}, fmt.Errorf("%w: %s", ErrProviderUnavailable, b.inner.Name())
		}
		return SendResult{}, err
	}

	return result.(SendResult), nil
}
