package handler

import (
	"errors"
	"net/http"
	"time"

	"notification-engine/internal/apierrors"
	"notification-engine/internal/observability"
	"notification-engine/internal/queue/processor"
	"notification-engine/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type Handler struct {
	processor *processor.QueueProcessor
	logger    *observability.Logger
}

func New(processor *processor.QueueProcessor, logger *observability.Logger) Handler {
	return Handler{
		processor: processor,
		logger:    logger,
	}
}

// EnqueueNotificationRequest represents the HTTP request to enqueue a
// notification. Channels and priority are optional; when omitted the user's
// preference matrix and the trigger's default priority apply.
type EnqueueNotificationRequest struct {
	UserID       string          `json:"user_id" binding:"required"`
	Trigger      string          `json:"trigger" binding:"required"`
	Data         store.JSONB     `json:"data"`
	Priority     string          `json:"priority,omitempty"`
	Channels     []store.Channel `json:"channels,omitempty"`
	DedupKey     *string         `json:"dedup_key,omitempty"`
	ScheduledFor *time.Time      `json:"scheduled_for,omitempty"`
}

// HandleEnqueueNotification handles POST /api/notifications. Accepted
// notifications return 202 with the queue items created; delivery happens
// asynchronously.
func (h *Handler) HandleEnqueueNotification(c *gin.Context) {
	ctx := c.Request.Context()

	var req EnqueueNotificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierrors.BadRequest(c, "INVALID_REQUEST", "user_id and trigger are required")
		return
	}

	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		apierrors.BadRequest(c, "INVALID_USER_ID", "invalid user id")
		return
	}

	result, err := h.processor.Enqueue(ctx, processor.EnqueueRequest{
		UserID:       userID,
		Trigger:      store.Trigger(req.Trigger),
		Data:         req.Data,
		Priority:     store.Priority(req.Priority),
		Channels:     req.Channels,
		DedupKey:     req.DedupKey,
		ScheduledFor: req.ScheduledFor,
	})
	if err != nil {
		switch {
		case errors.Is(err, processor.ErrInvalidTrigger):
			apierrors.BadRequest(c, "INVALID_TRIGGER", "unknown notification trigger")
		case errors.Is(err, processor.ErrInvalidChannel):
			apierrors.BadRequest(c, "INVALID_CHANNEL", "unknown notification channel")
		case errors.Is(err, processor.ErrInvalidPriority):
			apierrors.BadRequest(c, "INVALID_PRIORITY", "unknown notification priority")
		case errors.Is(err, processor.ErrMissingUser):
			apierrors.BadRequest(c, "INVALID_USER_ID", "user id is required")
		default:
			apierrors.InternalError(c, err)
		}
		return
	}

	c.JSON(http.StatusAccepted, result)
}

// HandleGetQueueItem handles GET /api/notifications/:id
func (h *Handler) HandleGetQueueItem(c *gin.Context) {
	ctx := c.Request.Context()

	itemID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		apierrors.BadRequest(c, "INVALID_ID", "invalid queue item id")
		return
	}

	item, err := h.processor.GetItem(ctx, itemID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			apierrors.NotFound(c, "queue item not found")
			return
		}
		apierrors.InternalError(c, err)
		return
	}

	c.JSON(http.StatusOK, item)
}

// HandleGetQueueStats handles GET /api/queue/stats
func (h *Handler) HandleGetQueueStats(c *gin.Context) {
	ctx := c.Request.Context()

	stats, err := h.processor.Stats(ctx)
	if err != nil {
		apierrors.InternalError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"queues": stats})
}
