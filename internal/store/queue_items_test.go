package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestQueueItem(t *testing.T, testDB *TestDB, params CreateQueueItemParams) QueueItem {
	t.Helper()
	if params.UserID == uuid.Nil {
		params.UserID = uuid.New()
	}
	if params.Trigger == "" {
		params.Trigger = TriggerNewMatch
	}
	if params.Priority == "" {
		params.Priority = PriorityMedium
	}
	if params.Channel == "" {
		params.Channel = ChannelEmail
	}
	if params.TemplateData == nil {
		params.TemplateData = JSONB{}
	}
	if params.MaxAttempts == 0 {
		params.MaxAttempts = 3
	}
	item, created, err := testDB.Store.CreateQueueItem(context.Background(), params)
	require.NoError(t, err)
	require.True(t, created)
	return item
}

func TestStore_CreateQueueItem_Dedup(t *testing.T) {
	testDB := SetupTestDB(t)
	ctx := context.Background()

	userID := uuid.New()
	dedupKey := "conv-" + uuid.New().String()
	params := CreateQueueItemParams{
		UserID:       userID,
		Trigger:      TriggerNewMessage,
		Priority:     PriorityHigh,
		Channel:      ChannelPush,
		TemplateData: JSONB{"foo": "bar"},
		DedupKey:     &dedupKey,
		MaxAttempts:  3,
	}

	first, created, err := testDB.Store.CreateQueueItem(ctx, params)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, QueueStatusPending, first.Status)

	// Same key while the first item is pending collapses into it.
	second, created, err := testDB.Store.CreateQueueItem(ctx, params)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	// Different channel is a distinct dedup scope.
	smsParams := params
	smsParams.Channel = ChannelSMS
	_, created, err = testDB.Store.CreateQueueItem(ctx, smsParams)
	require.NoError(t, err)
	assert.True(t, created)

	// Once the first item leaves pending the key is reusable.
	owner := "test-owner"
	claimAndComplete(t, testDB, first, owner, QueueStatusSent)

	third, created, err := testDB.Store.CreateQueueItem(ctx, params)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, third.ID)
}

func claimAndComplete(t *testing.T, testDB *TestDB, item QueueItem, owner string, status QueueStatus) QueueItem {
	t.Helper()
	ctx := context.Background()

	claimed := claimOne(t, testDB, item, owner)
	completed, err := testDB.Store.CompleteQueueItem(ctx, CompleteQueueItemParams{
		ID:     claimed.ID,
		Owner:  owner,
		Status: status,
	})
	require.NoError(t, err)
	return completed
}

// claimOne claims batches on the item's channel until the item shows up.
// Other parallel tests enqueue on the same channel, so the batch may carry
// strangers; they are left leased to their claimer and expire on their own.
func claimOne(t *testing.T, testDB *TestDB, item QueueItem, owner string) QueueItem {
	t.Helper()
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		now := time.Now().UTC()
		batch, err := testDB.Store.ClaimQueueBatch(ctx, ClaimQueueBatchParams{
			Channel:    item.Channel,
			Limit:      100,
			Owner:      owner,
			LeaseUntil: now.Add(time.Minute),
			Now:        now,
		})
		require.NoError(t, err)
		if len(batch) == 0 {
			break
		}
		for _, claimed := range batch {
			if claimed.ID == item.ID {
				return claimed
			}
		}
	}
	t.Fatalf("queue item %s never claimed", item.ID)
	return QueueItem{}
}

func TestStore_ClaimQueueBatch(t *testing.T) {
	testDB := SetupTestDB(t)
	ctx := context.Background()

	t.Run("claiming charges an attempt and sets the lease", func(t *testing.T) {
		item := createTestQueueItem(t, testDB, CreateQueueItemParams{Channel: ChannelSMS})

		claimed := claimOne(t, testDB, item, "owner-a")
		assert.Equal(t, item.Attempts+1, claimed.Attempts)
		require.NotNil(t, claimed.LeaseOwner)
		assert.Equal(t, "owner-a", *claimed.LeaseOwner)
		require.NotNil(t, claimed.LeaseExpiresAt)
	})

	t.Run("a live lease shields the item from other claimers", func(t *testing.T) {
		item := createTestQueueItem(t, testDB, CreateQueueItemParams{Channel: ChannelSMS})
		claimOne(t, testDB, item, "owner-a")

		now := time.Now().UTC()
		batch, err := testDB.Store.ClaimQueueBatch(ctx, ClaimQueueBatchParams{
			Channel:    ChannelSMS,
			Limit:      100,
			Owner:      "owner-b",
			LeaseUntil: now.Add(time.Minute),
			Now:        now,
		})
		require.NoError(t, err)
		for _, claimed := range batch {
			assert.NotEqual(t, item.ID, claimed.ID)
		}
	})

	t.Run("future scheduled_for keeps the item out of the batch", func(t *testing.T) {
		future := time.Now().UTC().Add(time.Hour)
		item := createTestQueueItem(t, testDB, CreateQueueItemParams{
			Channel:      ChannelSMS,
			ScheduledFor: &future,
		})

		now := time.Now().UTC()
		batch, err := testDB.Store.ClaimQueueBatch(ctx, ClaimQueueBatchParams{
			Channel:    ChannelSMS,
			Limit:      100,
			Owner:      "owner-c",
			LeaseUntil: now.Add(time.Minute),
			Now:        now,
		})
		require.NoError(t, err)
		for _, claimed := range batch {
			assert.NotEqual(t, item.ID, claimed.ID)
		}
	})

	t.Run("critical items come before older low priority items", func(t *testing.T) {
		low := createTestQueueItem(t, testDB, CreateQueueItemParams{
			Channel:  ChannelPush,
			Priority: PriorityLow,
		})
		critical := createTestQueueItem(t, testDB, CreateQueueItemParams{
			Channel:  ChannelPush,
			Priority: PriorityCritical,
		})

		now := time.Now().UTC()
		batch, err := testDB.Store.ClaimQueueBatch(ctx, ClaimQueueBatchParams{
			Channel:    ChannelPush,
			Limit:      100,
			Owner:      "owner-d",
			LeaseUntil: now.Add(time.Minute),
			Now:        now,
		})
		require.NoError(t, err)

		posLow, posCritical := -1, -1
		for i, claimed := range batch {
			if claimed.ID == low.ID {
				posLow = i
			}
			if claimed.ID == critical.ID {
				posCritical = i
			}
		}
		if posLow >= 0 && posCritical >= 0 {
			assert.Less(t, posCritical, posLow)
		}
	})

	t.Run("concurrent claimers never share an item", func(t *testing.T) {
		const items = 30
		const claimers = 6

		seeded := make(map[uuid.UUID]bool, items)
		for i := 0; i < items; i++ {
			item := createTestQueueItem(t, testDB, CreateQueueItemParams{Channel: ChannelPush})
			seeded[item.ID] = true
		}

		var mu sync.Mutex
		claimCounts := make(map[uuid.UUID]int)
		claimErrs := make([]error, 0)

		var wg sync.WaitGroup
		for i := 0; i < claimers; i++ {
			owner := fmt.Sprintf("claimer-%d", i)
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					now := time.Now().UTC()
					batch, err := testDB.Store.ClaimQueueBatch(ctx, ClaimQueueBatchParams{
						Channel:    ChannelPush,
						Limit:      5,
						Owner:      owner,
						LeaseUntil: now.Add(time.Minute),
						Now:        now,
					})
					mu.Lock()
					if err != nil {
						claimErrs = append(claimErrs, err)
						mu.Unlock()
						return
					}
					for _, claimed := range batch {
						if seeded[claimed.ID] {
							claimCounts[claimed.ID]++
						}
					}
					mu.Unlock()
					if len(batch) == 0 {
						return
					}
				}
			}()
		}
		wg.Wait()

		require.Empty(t, claimErrs)
		assert.Len(t, claimCounts, items)
		for id, count := range claimCounts {
			assert.Equalf(t, 1, count, "item %s claimed %d times", id, count)
		}
	})
}

func TestStore_CompleteQueueItem(t *testing.T) {
	testDB := SetupTestDB(t)
	ctx := context.Background()

	t.Run("completes with the provider message id", func(t *testing.T) {
		item := createTestQueueItem(t, testDB, CreateQueueItemParams{Channel: ChannelEmail})
		claimOne(t, testDB, item, "owner-a")

		providerID := "msg-" + uuid.New().String()
		completed, err := testDB.Store.CompleteQueueItem(ctx, CompleteQueueItemParams{
			ID:                item.ID,
			Owner:             "owner-a",
			Status:            QueueStatusSent,
			ProviderMessageID: &providerID,
		})
		require.NoError(t, err)
		assert.Equal(t, QueueStatusSent, completed.Status)
		require.NotNil(t, completed.ProviderMessageID)
		assert.Equal(t, providerID, *completed.ProviderMessageID)
		assert.Nil(t, completed.LeaseOwner)
	})

	t.Run("a stale owner cannot complete", func(t *testing.T) {
		item := createTestQueueItem(t, testDB, CreateQueueItemParams{Channel: ChannelEmail})
		claimOne(t, testDB, item, "owner-a")

		_, err := testDB.Store.CompleteQueueItem(ctx, CompleteQueueItemParams{
			ID:     item.ID,
			Owner:  "owner-b",
			Status: QueueStatusSent,
		})
		assert.ErrorIs(t, err, ErrNotFound)

		current, err := testDB.Store.GetQueueItemByID(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, QueueStatusPending, current.Status)
	})
}

func TestStore_ReleaseQueueItem(t *testing.T) {
	testDB := SetupTestDB(t)
	ctx := context.Background()

	t.Run("release without refund keeps the charged attempt", func(t *testing.T) {
		item := createTestQueueItem(t, testDB, CreateQueueItemParams{Channel: ChannelEmail})
		claimed := claimOne(t, testDB, item, "owner-a")

		released, err := testDB.Store.ReleaseQueueItem(ctx, ReleaseQueueItemParams{
			ID:    item.ID,
			Owner: "owner-a",
		})
		require.NoError(t, err)
		assert.Equal(t, claimed.Attempts, released.Attempts)
		assert.Nil(t, released.LeaseOwner)
		assert.Nil(t, released.LeaseExpiresAt)
	})

	t.Run("release with refund hands the attempt back and reschedules", func(t *testing.T) {
		item := createTestQueueItem(t, testDB, CreateQueueItemParams{Channel: ChannelEmail})
		claimed := claimOne(t, testDB, item, "owner-a")

		resume := time.Now().UTC().Add(2 * time.Hour).Truncate(time.Second)
		released, err := testDB.Store.ReleaseQueueItem(ctx, ReleaseQueueItemParams{
			ID:            item.ID,
			Owner:         "owner-a",
			ScheduledFor:  &resume,
			RefundAttempt: true,
		})
		require.NoError(t, err)
		assert.Equal(t, claimed.Attempts-1, released.Attempts)
		require.NotNil(t, released.ScheduledFor)
		assert.WithinDuration(t, resume, *released.ScheduledFor, time.Second)
	})

	t.Run("a stale owner cannot release", func(t *testing.T) {
		item := createTestQueueItem(t, testDB, CreateQueueItemParams{Channel: ChannelEmail})
		claimOne(t, testDB, item, "owner-a")

		_, err := testDB.Store.ReleaseQueueItem(ctx, ReleaseQueueItemParams{
			ID:    item.ID,
			Owner: "owner-b",
		})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_FailExhaustedQueueItems(t *testing.T) {
	testDB := SetupTestDB(t)
	ctx := context.Background()

	item := createTestQueueItem(t, testDB, CreateQueueItemParams{
		Channel:     ChannelSMS,
		MaxAttempts: 1,
	})
	claimOne(t, testDB, item, "owner-a")

	// The worker died and its lease lapsed with every attempt spent.
	failed, err := testDB.Store.FailExhaustedQueueItems(ctx, ChannelSMS, time.Now().UTC().Add(2*time.Minute))
	require.NoError(t, err)

	var found bool
	for _, f := range failed {
		if f.ID == item.ID {
			found = true
			assert.Equal(t, QueueStatusFailed, f.Status)
		}
	}
	assert.True(t, found, "exhausted item should be swept into failed")
}
