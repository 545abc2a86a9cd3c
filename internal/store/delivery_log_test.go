package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestDeliveryLogEntry(t *testing.T, testDB *TestDB, params CreateDeliveryLogEntryParams) DeliveryLogEntry {
	t.Helper()
	if params.QueueItemID == uuid.Nil {
		params.QueueItemID = uuid.New()
	}
	if params.UserID == uuid.Nil {
		params.UserID = uuid.New()
	}
	if params.Channel == "" {
		params.Channel = ChannelEmail
	}
	if params.Trigger == "" {
		params.Trigger = TriggerNewMatch
	}
	if params.Status == "" {
		params.Status = QueueStatusSent
	}
	entry, err := testDB.Store.CreateDeliveryLogEntry(context.Background(), params)
	require.NoError(t, err)
	return entry
}

func TestStore_MarkDeliveryLog(t *testing.T) {
	t.Parallel()
	testDB := SetupTestDB(t)
	ctx := context.Background()

	t.Run("first open wins, later opens are no-ops", func(t *testing.T) {
		entry := createTestDeliveryLogEntry(t, testDB, CreateDeliveryLogEntryParams{})

		first := time.Date(2025, time.June, 10, 9, 15, 0, 0, time.UTC)
		marked, err := testDB.Store.MarkDeliveryLogOpened(ctx, entry.ID, first)
		require.NoError(t, err)
		require.NotNil(t, marked.OpenedAt)

		marked, err = testDB.Store.MarkDeliveryLogOpened(ctx, entry.ID, first.Add(time.Hour))
		require.NoError(t, err)
		require.NotNil(t, marked.OpenedAt)
		assert.WithinDuration(t, first, *marked.OpenedAt, time.Second)
	})

	t.Run("a click implies an open", func(t *testing.T) {
		entry := createTestDeliveryLogEntry(t, testDB, CreateDeliveryLogEntryParams{})

		at := time.Date(2025, time.June, 10, 9, 15, 0, 0, time.UTC)
		marked, err := testDB.Store.MarkDeliveryLogClicked(ctx, entry.ID, at)
		require.NoError(t, err)
		require.NotNil(t, marked.ClickedAt)
		require.NotNil(t, marked.OpenedAt)
		assert.WithinDuration(t, at, *marked.OpenedAt, time.Second)
	})

	t.Run("delivered is addressed by provider message id", func(t *testing.T) {
		providerID := "msg-" + uuid.New().String()
		createTestDeliveryLogEntry(t, testDB, CreateDeliveryLogEntryParams{
			ProviderMessageID: &providerID,
		})

		at := time.Date(2025, time.June, 10, 9, 20, 0, 0, time.UTC)
		marked, err := testDB.Store.MarkDeliveryLogDeliveredByProviderID(ctx, providerID, at)
		require.NoError(t, err)
		require.NotNil(t, marked.DeliveredAt)

		found, err := testDB.Store.GetDeliveryLogEntryByProviderID(ctx, providerID)
		require.NoError(t, err)
		assert.Equal(t, marked.ID, found.ID)
	})

	t.Run("unknown ids are ErrNotFound", func(t *testing.T) {
		_, err := testDB.Store.MarkDeliveryLogOpened(ctx, uuid.New(), time.Now())
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = testDB.Store.MarkDeliveryLogDeliveredByProviderID(ctx, "msg-"+uuid.New().String(), time.Now())
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_HasSentDeliveryForQueueItem(t *testing.T) {
	t.Parallel()
	testDB := SetupTestDB(t)
	ctx := context.Background()

	queueItemID := uuid.New()
	sent, err := testDB.Store.HasSentDeliveryForQueueItem(ctx, queueItemID)
	require.NoError(t, err)
	assert.False(t, sent)

	now := time.Now().UTC()
	createTestDeliveryLogEntry(t, testDB, CreateDeliveryLogEntryParams{
		QueueItemID: queueItemID,
		SentAt:      &now,
	})

	sent, err = testDB.Store.HasSentDeliveryForQueueItem(ctx, queueItemID)
	require.NoError(t, err)
	assert.True(t, sent)
}

func TestStore_AggregateDeliveryStats(t *testing.T) {
	t.Parallel()
	testDB := SetupTestDB(t)
	ctx := context.Background()

	userID := uuid.New()
	now := time.Now().UTC()

	for i := 0; i < 3; i++ {
		entry := createTestDeliveryLogEntry(t, testDB, CreateDeliveryLogEntryParams{
			UserID:     userID,
			Channel:    ChannelEmail,
			SentAt:     &now,
			CostMicros: 1000,
		})
		if i == 0 {
			_, err := testDB.Store.MarkDeliveryLogOpened(ctx, entry.ID, now)
			require.NoError(t, err)
		}
		if i == 1 {
			_, err := testDB.Store.MarkDeliveryLogClicked(ctx, entry.ID, now)
			require.NoError(t, err)
		}
	}
	reason := "opted_out"
	createTestDeliveryLogEntry(t, testDB, CreateDeliveryLogEntryParams{
		UserID:     userID,
		Channel:    ChannelSMS,
		Status:     QueueStatusSkipped,
		SkipReason: &reason,
	})
	createTestDeliveryLogEntry(t, testDB, CreateDeliveryLogEntryParams{
		UserID:  userID,
		Channel: ChannelSMS,
		Status:  QueueStatusFailed,
	})

	t.Run("totals for one user", func(t *testing.T) {
		stats, err := testDB.Store.AggregateDeliveryStats(ctx, DeliveryStatsFilter{UserID: &userID})
		require.NoError(t, err)
		assert.Equal(t, 3, stats.Sent)
		assert.Equal(t, 1, stats.Failed)
		assert.Equal(t, 1, stats.Skipped)
		// The click stamped its own open as well.
		assert.Equal(t, 2, stats.Opened)
		assert.Equal(t, 1, stats.Clicked)
		assert.Equal(t, int64(3000), stats.TotalCostMicros)
		assert.InDelta(t, 200.0/3.0, stats.OpenRate, 0.001)
		assert.InDelta(t, 100.0/3.0, stats.ClickRate, 0.001)
	})

	t.Run("channel filter narrows the totals", func(t *testing.T) {
		channel := ChannelSMS
		stats, err := testDB.Store.AggregateDeliveryStats(ctx, DeliveryStatsFilter{UserID: &userID, Channel: &channel})
		require.NoError(t, err)
		assert.Equal(t, 0, stats.Sent)
		assert.Equal(t, 1, stats.Failed)
		assert.Equal(t, 1, stats.Skipped)
	})

	t.Run("window outside the events matches nothing", func(t *testing.T) {
		from := now.Add(-48 * time.Hour)
		to := now.Add(-24 * time.Hour)
		stats, err := testDB.Store.AggregateDeliveryStats(ctx, DeliveryStatsFilter{UserID: &userID, From: &from, To: &to})
		require.NoError(t, err)
		assert.Equal(t, 0, stats.Sent)
	})

	t.Run("per-channel breakdown for one user", func(t *testing.T) {
		byChannel, err := testDB.Store.AggregateDeliveryStatsByChannel(ctx, &userID, nil, nil)
		require.NoError(t, err)

		rows := map[Channel]ChannelDeliveryStatsResult{}
		for _, row := range byChannel {
			rows[row.Channel] = row
		}
		assert.Equal(t, 3, rows[ChannelEmail].Sent)
		assert.Equal(t, int64(3000), rows[ChannelEmail].TotalCostMicros)
		assert.Equal(t, 1, rows[ChannelSMS].Failed)
		assert.Equal(t, 1, rows[ChannelSMS].Skipped)
	})
}

func TestStore_CountDeliveriesSince(t *testing.T) {
	t.Parallel()
	testDB := SetupTestDB(t)
	ctx := context.Background()

	userID := uuid.New()
	now := time.Now().UTC()
	earlier := now.Add(-2 * time.Hour)

	for _, sentAt := range []time.Time{now, now, earlier} {
		at := sentAt
		createTestDeliveryLogEntry(t, testDB, CreateDeliveryLogEntryParams{
			UserID:     userID,
			Channel:    ChannelSMS,
			SentAt:     &at,
			CostMicros: 8000,
		})
	}

	count, err := testDB.Store.CountDeliveriesSince(ctx, userID, ChannelSMS, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	count, err = testDB.Store.CountDeliveriesSince(ctx, userID, ChannelSMS, now.Add(-3*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}
