package events

import (
	"context"
	"errors"
	"fmt"
	"testing"

	kafka "notification-engine/internal/clients/kafka"
	"notification-engine/internal/observability"
	queueprocessor "notification-engine/internal/queue/processor"
	"notification-engine/internal/store"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingEnqueuer struct {
	requests []queueprocessor.EnqueueRequest
	err      error
}

func (f *recordingEnqueuer) Enqueue(_ context.Context, req queueprocessor.EnqueueRequest) (queueprocessor.EnqueueResult, error) {
	if f.err != nil {
		return queueprocessor.EnqueueResult{}, f.err
	}
	f.requests = append(f.requests, req)
	return queueprocessor.EnqueueResult{Items: []store.QueueItem{{ID: uuid.New()}}}, nil
}

type recordingRecipientStore struct {
	upserts []store.UpsertRecipientParams
	err     error
}

func (f *recordingRecipientStore) UpsertRecipient(_ context.Context, params store.UpsertRecipientParams) (store.Recipient, error) {
	if f.err != nil {
		return store.Recipient{}, f.err
	}
	f.upserts = append(f.upserts, params)
	return store.Recipient{ID: params.ID}, nil
}

func platformEvent(eventType string, userID uuid.UUID, data map[string]interface{}) kafka.EventMessage {
	if data == nil {
		data = map[string]interface{}{}
	}
	return kafka.EventMessage{
		ID:     uuid.New().String(),
		Type:   eventType,
		UserID: userID.String(),
		Data:   data,
	}
}

func TestIngestProcess(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()

	t.Run("maps platform event types to triggers", func(t *testing.T) {
		cases := []struct {
			eventType string
			trigger   store.Trigger
		}{
			{"profile.viewed", store.TriggerProfileView},
			{"message.sent", store.TriggerNewMessage},
			{"match.created", store.TriggerNewMatch},
			{"favorite.added", store.TriggerFavorited},
			{"favorite.mutual", store.TriggerMutualFavorite},
			{"shortlist.added", store.TriggerShortlistAdded},
			{"pii.requested", store.TriggerPIIRequest},
			{"login.suspicious", store.TriggerSuspiciousLogin},
		}
		for _, tc := range cases {
			t.Run(tc.eventType, func(t *testing.T) {
				enq := &recordingEnqueuer{}
				ingest := NewIngestProcessor(enq, &recordingRecipientStore{}, observability.NewLogger())

				event := platformEvent(tc.eventType, userID, map[string]interface{}{"sender": map[string]interface{}{"firstName": "Priya"}})
				require.NoError(t, ingest.Process(ctx, event))

				require.Len(t, enq.requests, 1)
				req := enq.requests[0]
				assert.Equal(t, userID, req.UserID)
				assert.Equal(t, tc.trigger, req.Trigger)
				require.NotNil(t, req.DedupKey)
				assert.Equal(t, event.ID, *req.DedupKey)
				assert.Equal(t, store.JSONB(event.Data), req.Data)
			})
		}
	})

	t.Run("user.created refreshes the projection and enqueues a welcome", func(t *testing.T) {
		enq := &recordingEnqueuer{}
		recipients := &recordingRecipientStore{}
		ingest := NewIngestProcessor(enq, recipients, observability.NewLogger())

		event := platformEvent("user.created", userID, map[string]interface{}{
			"email":         "priya@example.com",
			"firstName":     "Priya",
			"lastName":      "Sharma",
			"emailVerified": true,
			"phone":         "+919876543210",
			"timezone":      "Asia/Kolkata",
		})
		require.NoError(t, ingest.Process(ctx, event))

		require.Len(t, recipients.upserts, 1)
		upsert := recipients.upserts[0]
		assert.Equal(t, userID, upsert.ID)
		assert.Equal(t, "priya@example.com", upsert.Email)
		assert.True(t, upsert.EmailVerified)
		require.NotNil(t, upsert.Phone)
		assert.Equal(t, "+919876543210", *upsert.Phone)
		assert.Equal(t, "Asia/Kolkata", upsert.Timezone)
		assert.True(t, upsert.Active)

		require.Len(t, enq.requests, 1)
		assert.Equal(t, store.TriggerNewProfileCreated, enq.requests[0].Trigger)
	})

	t.Run("user.updated refreshes the projection without enqueueing", func(t *testing.T) {
		enq := &recordingEnqueuer{}
		recipients := &recordingRecipientStore{}
		ingest := NewIngestProcessor(enq, recipients, observability.NewLogger())

		event := platformEvent("user.updated", userID, map[string]interface{}{
			"email":  "priya@example.com",
			"active": false,
		})
		require.NoError(t, ingest.Process(ctx, event))

		require.Len(t, recipients.upserts, 1)
		assert.False(t, recipients.upserts[0].Active)
		assert.Equal(t, "UTC", recipients.upserts[0].Timezone)
		assert.Empty(t, enq.requests)
	})

	t.Run("unknown event types are dropped without error", func(t *testing.T) {
		enq := &recordingEnqueuer{}
		ingest := NewIngestProcessor(enq, &recordingRecipientStore{}, observability.NewLogger())

		require.NoError(t, ingest.Process(ctx, platformEvent("subscription.renewed", userID, nil)))
		assert.Empty(t, enq.requests)
	})

	t.Run("malformed user ids are dropped without error", func(t *testing.T) {
		enq := &recordingEnqueuer{}
		ingest := NewIngestProcessor(enq, &recordingRecipientStore{}, observability.NewLogger())

		event := platformEvent("match.created", userID, nil)
		event.UserID = "not-a-uuid"
		require.NoError(t, ingest.Process(ctx, event))
		assert.Empty(t, enq.requests)
	})

	t.Run("validation failures are dropped, transient failures retried", func(t *testing.T) {
		ingest := NewIngestProcessor(&recordingEnqueuer{err: queueprocessor.ErrInvalidTrigger}, &recordingRecipientStore{}, observability.NewLogger())
		assert.NoError(t, ingest.Process(ctx, platformEvent("match.created", userID, nil)))

		dbErr := errors.New("connection reset")
		ingest = NewIngestProcessor(&recordingEnqueuer{err: fmt.Errorf("enqueue: %w", dbErr)}, &recordingRecipientStore{}, observability.NewLogger())
		assert.Error(t, ingest.Process(ctx, platformEvent("match.created", userID, nil)))
	})

	t.Run("recipient projection failure leaves the event uncommitted", func(t *testing.T) {
		recipients := &recordingRecipientStore{err: errors.New("deadlock detected")}
		ingest := NewIngestProcessor(&recordingEnqueuer{}, recipients, observability.NewLogger())

		assert.Error(t, ingest.Process(ctx, platformEvent("user.updated", userID, nil)))
	})
}
