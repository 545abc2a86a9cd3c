package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func observedLogger() (*Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zap.DebugLevel)
	return &Logger{zapLogger: zap.New(core)}, logs
}

func TestWithFields(t *testing.T) {
	t.Run("fields accumulate across nested contexts", func(t *testing.T) {
		logger, logs := observedLogger()

		ctx := WithFields(context.Background(), Field{Key: "channel", Value: "email"})
		ctx = WithFields(ctx, Field{Key: "queue_item_id", Value: "abc"})
		logger.Info(ctx, "claimed item")

		entries := logs.All()
		require.Len(t, entries, 1)
		fields := entries[0].ContextMap()
		assert.Equal(t, "email", fields["channel"])
		assert.Equal(t, "abc", fields["queue_item_id"])
	})

	t.Run("child context does not leak fields into parent", func(t *testing.T) {
		logger, logs := observedLogger()

		parent := WithFields(context.Background(), Field{Key: "channel", Value: "sms"})
		_ = WithFields(parent, Field{Key: "user_id", Value: "u1"})
		logger.Info(parent, "tick")

		entries := logs.All()
		require.Len(t, entries, 1)
		fields := entries[0].ContextMap()
		assert.Equal(t, "sms", fields["channel"])
		assert.NotContains(t, fields, "user_id")
	})
}

func TestLoggerLevels(t *testing.T) {
	t.Run("error carries the wrapped error", func(t *testing.T) {
		logger, logs := observedLogger()

		logger.Error(context.Background(), "send failed", errors.New("provider timeout"))

		entries := logs.All()
		require.Len(t, entries, 1)
		assert.Equal(t, zap.ErrorLevel, entries[0].Level)
		assert.Equal(t, "send failed", entries[0].Message)
		assert.Equal(t, "provider timeout", entries[0].ContextMap()["error"])
	})

	t.Run("warn with error stays at warn level", func(t *testing.T) {
		logger, logs := observedLogger()

		logger.WarnWithError(context.Background(), "redis unavailable", errors.New("dial refused"))

		entries := logs.All()
		require.Len(t, entries, 1)
		assert.Equal(t, zap.WarnLevel, entries[0].Level)
	})
}

func TestMetrics(t *testing.T) {
	logger, logs := observedLogger()

	ctx := WithFields(context.Background(), Field{Key: "job", Value: "dispatch-email"})
	logger.Metrics(ctx,
		MetricField{Key: "dispatched", Value: 12},
		MetricField{Key: "skipped", Value: 3},
	)

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "dispatch-email", fields["job"])
	assert.EqualValues(t, 12, fields["dispatched"])
	assert.EqualValues(t, 3, fields["skipped"])
}
