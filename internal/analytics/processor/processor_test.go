package processor

import (
	"context"
	"testing"
	"time"

	"notification-engine/internal/observability"
	"notification-engine/internal/store"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAnalyticsStore struct {
	entries    map[uuid.UUID]store.DeliveryLogEntry
	byProvider map[string]uuid.UUID

	totals    store.DeliveryStatsResult
	byChannel []store.ChannelDeliveryStatsResult

	opened    map[uuid.UUID]time.Time
	clicked   map[uuid.UUID]time.Time
	delivered map[string]time.Time

	lastFilter store.DeliveryStatsFilter
}

func newFakeAnalyticsStore() *fakeAnalyticsStore {
	return &fakeAnalyticsStore{
		entries:    map[uuid.UUID]store.DeliveryLogEntry{},
		byProvider: map[string]uuid.UUID{},
		opened:     map[uuid.UUID]time.Time{},
		clicked:    map[uuid.UUID]time.Time{},
		delivered:  map[string]time.Time{},
	}
}

func (f *fakeAnalyticsStore) addEntry(providerMessageID string) store.DeliveryLogEntry {
	entry := store.DeliveryLogEntry{
		ID:          uuid.New(),
		QueueItemID: uuid.New(),
		UserID:      uuid.New(),
		Channel:     store.ChannelEmail,
		Trigger:     store.TriggerNewMatch,
		Status:      store.QueueStatusSent,
	}
	if providerMessageID != "" {
		entry.ProviderMessageID = &providerMessageID
		f.byProvider[providerMessageID] = entry.ID
	}
	f.entries[entry.ID] = entry
	return entry
}

func (f *fakeAnalyticsStore) GetDeliveryLogEntryByID(_ context.Context, entryID uuid.UUID) (store.DeliveryLogEntry, error) {
	entry, ok := f.entries[entryID]
	if !ok {
		return store.DeliveryLogEntry{}, store.ErrNotFound
	}
	return entry, nil
}

func (f *fakeAnalyticsStore) GetDeliveryLogEntryByProviderID(_ context.Context, providerMessageID string) (store.DeliveryLogEntry, error) {
	entryID, ok := f.byProvider[providerMessageID]
	if !ok {
		return store.DeliveryLogEntry{}, store.ErrNotFound
	}
	return f.entries[entryID], nil
}

func (f *fakeAnalyticsStore) MarkDeliveryLogOpened(_ context.Context, entryID uuid.UUID, at time.Time) (store.DeliveryLogEntry, error) {
	entry, ok := f.entries[entryID]
	if !ok {
		return store.DeliveryLogEntry{}, store.ErrNotFound
	}
	if _, seen := f.opened[entryID]; !seen {
		f.opened[entryID] = at
	}
	return entry, nil
}

func (f *fakeAnalyticsStore) MarkDeliveryLogClicked(_ context.Context, entryID uuid.UUID, at time.Time) (store.DeliveryLogEntry, error) {
	entry, ok := f.entries[entryID]
	if !ok {
		return store.DeliveryLogEntry{}, store.ErrNotFound
	}
	if _, seen := f.clicked[entryID]; !seen {
		f.clicked[entryID] = at
	}
	return entry, nil
}

func (f *fakeAnalyticsStore) MarkDeliveryLogDeliveredByProviderID(_ context.Context, providerMessageID string, at time.Time) (store.DeliveryLogEntry, error) {
	entryID, ok := f.byProvider[providerMessageID]
	if !ok {
		return store.DeliveryLogEntry{}, store.ErrNotFound
	}
	f.delivered[providerMessageID] = at
	return f.entries[entryID], nil
}

func (f *fakeAnalyticsStore) AggregateDeliveryStats(_ context.Context, filter store.DeliveryStatsFilter) (store.DeliveryStatsResult, error) {
	f.lastFilter = filter
	return f.totals, nil
}

func (f *fakeAnalyticsStore) AggregateDeliveryStatsByChannel(context.Context, *uuid.UUID, *time.Time, *time.Time) ([]store.ChannelDeliveryStatsResult, error) {
	return f.byChannel, nil
}

func channelPtr(c store.Channel) *store.Channel { return &c }
func triggerPtr(tr store.Trigger) *store.Trigger { return &tr }

func TestStats(t *testing.T) {
	ctx := context.Background()

	t.Run("returns totals with the per-channel breakdown", func(t *testing.T) {
		fake := newFakeAnalyticsStore()
		fake.totals = store.DeliveryStatsResult{Sent: 10, Failed: 1, Skipped: 2, Opened: 5, Clicked: 2, OpenRate: 0.5, ClickRate: 0.2}
		fake.byChannel = []store.ChannelDeliveryStatsResult{
			{Channel: store.ChannelEmail, Sent: 7},
			{Channel: store.ChannelSMS, Sent: 3, TotalCostMicros: 24_000},
		}
		processor := New(fake, observability.NewLogger())

		userID := uuid.New()
		from := time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)
		to := from.AddDate(0, 1, 0)

		resp, err := processor.Stats(ctx, StatsRequest{
			UserID:  &userID,
			Channel: channelPtr(store.ChannelEmail),
			Trigger: triggerPtr(store.TriggerNewMatch),
			From:    &from,
			To:      &to,
		})
		require.NoError(t, err)
		assert.Equal(t, fake.totals, resp.Totals)
		assert.Len(t, resp.ByChannel, 2)

		require.NotNil(t, fake.lastFilter.UserID)
		assert.Equal(t, userID, *fake.lastFilter.UserID)
		require.NotNil(t, fake.lastFilter.Channel)
		assert.Equal(t, store.ChannelEmail, *fake.lastFilter.Channel)
	})

	t.Run("rejects a window that ends before it starts", func(t *testing.T) {
		processor := New(newFakeAnalyticsStore(), observability.NewLogger())
		from := time.Date(2025, time.June, 10, 0, 0, 0, 0, time.UTC)
		to := from.AddDate(0, 0, -1)

		_, err := processor.Stats(ctx, StatsRequest{From: &from, To: &to})
		assert.ErrorIs(t, err, ErrInvalidFilter)
	})

	t.Run("rejects unknown channel and trigger filters", func(t *testing.T) {
		processor := New(newFakeAnalyticsStore(), observability.NewLogger())

		_, err := processor.Stats(ctx, StatsRequest{Channel: channelPtr(store.Channel("fax"))})
		assert.ErrorIs(t, err, ErrInvalidFilter)

		_, err = processor.Stats(ctx, StatsRequest{Trigger: triggerPtr(store.Trigger("bogus"))})
		assert.ErrorIs(t, err, ErrInvalidFilter)
	})
}

func TestEngagementMarks(t *testing.T) {
	ctx := context.Background()

	t.Run("mark opened stamps the entry", func(t *testing.T) {
		fake := newFakeAnalyticsStore()
		entry := fake.addEntry("msg-1")
		processor := New(fake, observability.NewLogger())

		require.NoError(t, processor.MarkOpened(ctx, entry.ID))
		assert.Contains(t, fake.opened, entry.ID)
	})

	t.Run("mark clicked stamps the entry", func(t *testing.T) {
		fake := newFakeAnalyticsStore()
		entry := fake.addEntry("msg-1")
		processor := New(fake, observability.NewLogger())

		require.NoError(t, processor.MarkClicked(ctx, entry.ID))
		assert.Contains(t, fake.clicked, entry.ID)
	})

	t.Run("unknown entries translate to ErrEntryNotFound", func(t *testing.T) {
		processor := New(newFakeAnalyticsStore(), observability.NewLogger())

		assert.ErrorIs(t, processor.MarkOpened(ctx, uuid.New()), ErrEntryNotFound)
		assert.ErrorIs(t, processor.MarkClicked(ctx, uuid.New()), ErrEntryNotFound)
	})
}

func TestHandleProviderEvent(t *testing.T) {
	ctx := context.Background()

	t.Run("delivered stamps delivered_at by provider message id", func(t *testing.T) {
		fake := newFakeAnalyticsStore()
		fake.addEntry("msg-7")
		processor := New(fake, observability.NewLogger())

		at := time.Date(2025, time.June, 10, 12, 0, 0, 0, time.UTC)
		err := processor.HandleProviderEvent(ctx, ProviderEvent{
			ProviderMessageID: "msg-7",
			Event:             ProviderEventDelivered,
			OccurredAt:        at,
		})
		require.NoError(t, err)
		assert.Equal(t, at, fake.delivered["msg-7"])
	})

	t.Run("opened resolves the entry and stamps opened_at", func(t *testing.T) {
		fake := newFakeAnalyticsStore()
		entry := fake.addEntry("msg-7")
		processor := New(fake, observability.NewLogger())

		err := processor.HandleProviderEvent(ctx, ProviderEvent{
			ProviderMessageID: "msg-7",
			Event:             ProviderEventOpened,
		})
		require.NoError(t, err)
		assert.Contains(t, fake.opened, entry.ID)
	})

	t.Run("clicked resolves the entry and stamps clicked_at", func(t *testing.T) {
		fake := newFakeAnalyticsStore()
		entry := fake.addEntry("msg-7")
		processor := New(fake, observability.NewLogger())

		err := processor.HandleProviderEvent(ctx, ProviderEvent{
			ProviderMessageID: "msg-7",
			Event:             ProviderEventClicked,
		})
		require.NoError(t, err)
		assert.Contains(t, fake.clicked, entry.ID)
	})

	t.Run("unknown provider message id is ErrEntryNotFound", func(t *testing.T) {
		processor := New(newFakeAnalyticsStore(), observability.NewLogger())

		err := processor.HandleProviderEvent(ctx, ProviderEvent{
			ProviderMessageID: "missing",
			Event:             ProviderEventDelivered,
		})
		assert.ErrorIs(t, err, ErrEntryNotFound)
	})

	t.Run("unknown event names are rejected", func(t *testing.T) {
		processor := New(newFakeAnalyticsStore(), observability.NewLogger())

		err := processor.HandleProviderEvent(ctx, ProviderEvent{
			ProviderMessageID: "msg-7",
			Event:             "bounced-hard",
		})
		assert.ErrorIs(t, err, ErrUnknownProviderEvent)
	})
}
