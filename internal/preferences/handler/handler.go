package handler

import (
	"errors"
	"net/http"

	"notification-engine/internal/apierrors"
	"notification-engine/internal/observability"
	"notification-engine/internal/preferences/processor"
	"notification-engine/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type Handler struct {
	processor processor.PreferencesProcessor
	logger    *observability.Logger
}

func New(processor processor.PreferencesProcessor, logger *observability.Logger) Handler {
	return Handler{
		processor: processor,
		logger:    logger,
	}
}

// UpdatePreferencesRequest represents the HTTP request for a partial
// preference update. Omitted fields keep their current value.
type UpdatePreferencesRequest struct {
	ChannelsByTrigger    store.ChannelMatrix `json:"channels_by_trigger,omitempty"`
	FrequencyByTrigger   store.FrequencyMap  `json:"frequency_by_trigger,omitempty"`
	QuietHoursEnabled    *bool               `json:"quiet_hours_enabled,omitempty"`
	QuietHoursStart      *string             `json:"quiet_hours_start,omitempty"`
	QuietHoursEnd        *string             `json:"quiet_hours_end,omitempty"`
	QuietHoursTimezone   *string             `json:"quiet_hours_timezone,omitempty"`
	QuietHoursExceptions store.TriggerArray  `json:"quiet_hours_exceptions,omitempty"`
	RateLimits           store.RateLimitMap  `json:"rate_limits,omitempty"`
	SMSVerifiedOnly      *bool               `json:"sms_verified_only,omitempty"`
	SMSMinMatchScore     *int                `json:"sms_min_match_score,omitempty"`
	OptedOut             *bool               `json:"opted_out,omitempty"`
}

// HandleGetPreferences handles GET /api/users/:user_id/preferences
func (h *Handler) HandleGetPreferences(c *gin.Context) {
	ctx := c.Request.Context()

	userID, err := uuid.Parse(c.Param("user_id"))
	if err != nil {
		apierrors.BadRequest(c, "INVALID_USER_ID", "invalid user id")
		return
	}

	pref, err := h.processor.GetPreferences(ctx, userID)
	if err != nil {
		apierrors.InternalError(c, err)
		return
	}

	c.JSON(http.StatusOK, pref)
}

// HandleUpdatePreferences handles PUT /api/users/:user_id/preferences
func (h *Handler) HandleUpdatePreferences(c *gin.Context) {
	ctx := c.Request.Context()

	userID, err := uuid.Parse(c.Param("user_id"))
	if err != nil {
		apierrors.BadRequest(c, "INVALID_USER_ID", "invalid user id")
		return
	}

	var req UpdatePreferencesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error(ctx, "failed to bind request", err)
		apierrors.BadRequest(c, "INVALID_REQUEST", "invalid request body")
		return
	}

	pref, err := h.processor.UpdatePreferences(ctx, userID, processor.UpdatePreferencesRequest{
		ChannelsByTrigger:    req.ChannelsByTrigger,
		FrequencyByTrigger:   req.FrequencyByTrigger,
		QuietHoursEnabled:    req.QuietHoursEnabled,
		QuietHoursStart:      req.QuietHoursStart,
		QuietHoursEnd:        req.QuietHoursEnd,
		QuietHoursTimezone:   req.QuietHoursTimezone,
		QuietHoursExceptions: req.QuietHoursExceptions,
		RateLimits:           req.RateLimits,
		SMSVerifiedOnly:      req.SMSVerifiedOnly,
		SMSMinMatchScore:     req.SMSMinMatchScore,
		OptedOut:             req.OptedOut,
	})
	if err != nil {
		if isValidationError(err) {
			apierrors.BadRequest(c, "INVALID_PREFERENCES", err.Error())
			return
		}
		apierrors.InternalError(c, err)
		return
	}

	c.JSON(http.StatusOK, pref)
}

// HandleResetPreferences handles POST /api/users/:user_id/preferences/reset
func (h *Handler) HandleResetPreferences(c *gin.Context) {
	ctx := c.Request.Context()

	userID, err := uuid.Parse(c.Param("user_id"))
	if err != nil {
		apierrors.BadRequest(c, "INVALID_USER_ID", "invalid user id")
		return
	}

	pref, err := h.processor.ResetPreferences(ctx, userID)
	if err != nil {
		apierrors.InternalError(c, err)
		return
	}

	c.JSON(http.StatusOK, pref)
}

func isValidationError(err error) bool {
	return errors.Is(err, processor.ErrInvalidTrigger) ||
		errors.Is(err, processor.ErrInvalidChannel) ||
		errors.Is(err, processor.ErrInvalidFrequency) ||
		errors.Is(err, processor.ErrInvalidQuietHours) ||
		errors.Is(err, processor.ErrInvalidTimezone) ||
		errors.Is(err, processor.ErrInvalidRateLimit) ||
		errors.Is(err, processor.ErrInvalidMatchScore)
}
