package handler

import (
	"errors"
	"net/http"
	"time"

	"notification-engine/internal/analytics/processor"
	"notification-engine/internal/apierrors"
	"notification-engine/internal/observability"
	"notification-engine/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// trackingPixel is a transparent 1x1 GIF served by the open-tracking endpoint
var trackingPixel = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00,
	0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00,
	0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00,
	0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

type Handler struct {
	processor processor.AnalyticsProcessor
	logger    *observability.Logger
}

func New(processor processor.AnalyticsProcessor, logger *observability.Logger) Handler {
	return Handler{
		processor: processor,
		logger:    logger,
	}
}

// HandleGetStats handles GET /api/analytics. All query params are optional:
// user_id, channel, trigger, from, to (RFC 3339).
func (h *Handler) HandleGetStats(c *gin.Context) {
	ctx := c.Request.Context()

	var req processor.StatsRequest

	if raw := c.Query("user_id"); raw != "" {
		userID, err := uuid.Parse(raw)
		if err != nil {
			apierrors.BadRequest(c, "INVALID_USER_ID", "invalid user id")
			return
		}
		req.UserID = &userID
	}
	if raw := c.Query("channel"); raw != "" {
		channel := store.Channel(raw)
		if !channel.IsValid() {
			apierrors.BadRequest(c, "INVALID_CHANNEL", "invalid channel")
			return
		}
		req.Channel = &channel
	}
	if raw := c.Query("trigger"); raw != "" {
		trigger := store.Trigger(raw)
		if !trigger.IsValid() {
			apierrors.BadRequest(c, "INVALID_TRIGGER", "invalid trigger")
			return
		}
		req.Trigger = &trigger
	}
	if raw := c.Query("from"); raw != "" {
		from, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			apierrors.BadRequest(c, "INVALID_FROM", "from must be RFC 3339")
			return
		}
		req.From = &from
	}
	if raw := c.Query("to"); raw != "" {
		to, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			apierrors.BadRequest(c, "INVALID_TO", "to must be RFC 3339")
			return
		}
		req.To = &to
	}

	stats, err := h.processor.Stats(ctx, req)
	if err != nil {
		if errors.Is(err, processor.ErrInvalidFilter) {
			apierrors.BadRequest(c, "INVALID_FILTER", "invalid stats filter")
			return
		}
		apierrors.InternalError(c, err)
		return
	}

	c.JSON(http.StatusOK, stats)
}

// HandleTrackOpen handles GET /track/open/:log_id. It always serves the
// pixel, even for unknown ids, so broken tracking never renders as a broken
// image in the recipient's mail client.
func (h *Handler) HandleTrackOpen(c *gin.Context) {
	ctx := c.Request.Context()

	if entryID, err := uuid.Parse(c.Param("log_id")); err == nil {
		if err := h.processor.MarkOpened(ctx, entryID); err != nil && !errors.Is(err, processor.ErrEntryNotFound) {
			h.logger.Error(ctx, "failed to record open event", err)
		}
	}

	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "image/gif", trackingPixel)
}

// HandleTrackClick handles GET /track/click/:log_id?url=. The click is
// recorded best-effort; the redirect must happen regardless so the recipient
// reaches the destination.
func (h *Handler) HandleTrackClick(c *gin.Context) {
	ctx := c.Request.Context()

	target := c.Query("url")
	if target == "" {
		apierrors.BadRequest(c, "MISSING_URL", "url query parameter is required")
		return
	}

	if entryID, err := uuid.Parse(c.Param("log_id")); err == nil {
		if err := h.processor.MarkClicked(ctx, entryID); err != nil && !errors.Is(err, processor.ErrEntryNotFound) {
			h.logger.Error(ctx, "failed to record click event", err)
		}
	}

	c.Redirect(http.StatusFound, target)
}

// HandleProviderWebhook handles POST /api/webhooks/delivery. Providers retry
// on non-2xx, so unknown message ids return 404 to stop retries for messages
// this service never sent.
func (h *Handler) HandleProviderWebhook(c *gin.Context) {
	ctx := c.Request.Context()

	var event processor.ProviderEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		apierrors.BadRequest(c, "INVALID_REQUEST", "provider_message_id and event are required")
		return
	}

	if err := h.processor.HandleProviderEvent(ctx, event); err != nil {
		switch {
		case errors.Is(err, processor.ErrUnknownProviderEvent):
			apierrors.BadRequest(c, "UNKNOWN_EVENT", "unknown provider event")
		case errors.Is(err, processor.ErrEntryNotFound):
			apierrors.NotFound(c, "delivery log entry")
		default:
			apierrors.InternalError(c, err)
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
