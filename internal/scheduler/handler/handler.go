package handler

import (
	"errors"
	"net/http"
	"time"

	"notification-engine/internal/apierrors"
	"notification-engine/internal/observability"
	"notification-engine/internal/scheduler/processor"
	"notification-engine/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type Handler struct {
	processor processor.SchedulerProcessor
	logger    *observability.Logger
}

func New(processor processor.SchedulerProcessor, logger *observability.Logger) Handler {
	return Handler{
		processor: processor,
		logger:    logger,
	}
}

// CreateCampaignRequest represents the HTTP request for creating a campaign
type CreateCampaignRequest struct {
	Name              string                 `json:"name" binding:"required"`
	TemplateID        string                 `json:"template_id" binding:"required"`
	ScheduleType      string                 `json:"schedule_type" binding:"required"`
	ScheduledFor      *time.Time             `json:"scheduled_for,omitempty"`
	RecurrencePattern *string                `json:"recurrence_pattern,omitempty"`
	CronExpression    *string                `json:"cron_expression,omitempty"`
	Timezone          string                 `json:"timezone,omitempty"`
	RecipientType     string                 `json:"recipient_type,omitempty"`
	RecipientFilter   map[string]interface{} `json:"recipient_filter,omitempty"`
	MaxRecipients     int                    `json:"max_recipients,omitempty"`
	Enabled           *bool                  `json:"enabled,omitempty"`
}

// HandleCreateCampaign handles POST /api/campaigns
func (h *Handler) HandleCreateCampaign(c *gin.Context) {
	ctx := c.Request.Context()

	var req CreateCampaignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error(ctx, "failed to bind request", err)
		apierrors.BadRequest(c, "INVALID_REQUEST", "invalid request body")
		return
	}

	templateID, err := uuid.Parse(req.TemplateID)
	if err != nil {
		apierrors.BadRequest(c, "INVALID_TEMPLATE_ID", "invalid template id")
		return
	}

	var pattern *store.RecurrencePattern
	if req.RecurrencePattern != nil {
		p := store.RecurrencePattern(*req.RecurrencePattern)
		pattern = &p
	}

	campaign, err := h.processor.CreateCampaign(ctx, processor.CreateCampaignRequest{
		Name:              req.Name,
		TemplateID:        templateID,
		ScheduleType:      store.ScheduleType(req.ScheduleType),
		ScheduledFor:      req.ScheduledFor,
		RecurrencePattern: pattern,
		CronExpression:    req.CronExpression,
		Timezone:          req.Timezone,
		RecipientType:     store.RecipientType(req.RecipientType),
		RecipientFilter:   store.JSONB(req.RecipientFilter),
		MaxRecipients:     req.MaxRecipients,
		Enabled:           req.Enabled,
	})
	if err != nil {
		switch {
		case errors.Is(err, processor.ErrInvalidCampaign):
			apierrors.BadRequest(c, "INVALID_CAMPAIGN", err.Error())
		case errors.Is(err, processor.ErrInvalidRecurrence):
			apierrors.BadRequest(c, "INVALID_RECURRENCE", err.Error())
		default:
			apierrors.InternalError(c, err)
		}
		return
	}

	c.JSON(http.StatusCreated, campaign)
}

// HandleListCampaigns handles GET /api/campaigns
func (h *Handler) HandleListCampaigns(c *gin.Context) {
	ctx := c.Request.Context()

	campaigns, err := h.processor.ListCampaigns(ctx)
	if err != nil {
		apierrors.InternalError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"campaigns": campaigns})
}

// HandleGetCampaign handles GET /api/campaigns/:campaign_id
func (h *Handler) HandleGetCampaign(c *gin.Context) {
	ctx := c.Request.Context()

	campaignID, err := uuid.Parse(c.Param("campaign_id"))
	if err != nil {
		apierrors.BadRequest(c, "INVALID_CAMPAIGN_ID", "invalid campaign id")
		return
	}

	campaign, err := h.processor.GetCampaign(ctx, campaignID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			apierrors.NotFound(c, "campaign not found")
			return
		}
		apierrors.InternalError(c, err)
		return
	}

	c.JSON(http.StatusOK, campaign)
}

// UpdateCampaignRequest represents the HTTP request for updating a campaign
type UpdateCampaignRequest struct {
	Name              *string                `json:"name,omitempty"`
	TemplateID        *string                `json:"template_id,omitempty"`
	ScheduledFor      *time.Time             `json:"scheduled_for,omitempty"`
	RecurrencePattern *string                `json:"recurrence_pattern,omitempty"`
	CronExpression    *string                `json:"cron_expression,omitempty"`
	Timezone          *string                `json:"timezone,omitempty"`
	RecipientType     *string                `json:"recipient_type,omitempty"`
	RecipientFilter   map[string]interface{} `json:"recipient_filter,omitempty"`
	MaxRecipients     *int                   `json:"max_recipients,omitempty"`
	Enabled           *bool                  `json:"enabled,omitempty"`
}

// HandleUpdateCampaign handles PUT /api/campaigns/:campaign_id
func (h *Handler) HandleUpdateCampaign(c *gin.Context) {
	ctx := c.Request.Context()

	campaignID, err := uuid.Parse(c.Param("campaign_id"))
	if err != nil {
		apierrors.BadRequest(c, "INVALID_CAMPAIGN_ID", "invalid campaign id")
		return
	}

	var req UpdateCampaignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error(ctx, "failed to bind request", err)
		apierrors.BadRequest(c, "INVALID_REQUEST", "invalid request body")
		return
	}

	var templateID *uuid.UUID
	if req.TemplateID != nil {
		id, err := uuid.Parse(*req.TemplateID)
		if err != nil {
			apierrors.BadRequest(c, "INVALID_TEMPLATE_ID", "invalid template id")
			return
		}
		templateID = &id
	}

	var pattern *store.RecurrencePattern
	if req.RecurrencePattern != nil {
		p := store.RecurrencePattern(*req.RecurrencePattern)
		pattern = &p
	}

	var recipientType *store.RecipientType
	if req.RecipientType != nil {
		t := store.RecipientType(*req.RecipientType)
		recipientType = &t
	}

	campaign, err := h.processor.UpdateCampaign(ctx, campaignID, processor.UpdateCampaignRequest{
		Name:              req.Name,
		TemplateID:        templateID,
		ScheduledFor:      req.ScheduledFor,
		RecurrencePattern: pattern,
		CronExpression:    req.CronExpression,
		Timezone:          req.Timezone,
		RecipientType:     recipientType,
		RecipientFilter:   store.JSONB(req.RecipientFilter),
		MaxRecipients:     req.MaxRecipients,
		Enabled:           req.Enabled,
	})
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			apierrors.NotFound(c, "campaign not found")
		case errors.Is(err, processor.ErrInvalidCampaign):
			apierrors.BadRequest(c, "INVALID_CAMPAIGN", err.Error())
		case errors.Is(err, processor.ErrInvalidRecurrence):
			apierrors.BadRequest(c, "INVALID_RECURRENCE", err.Error())
		default:
			apierrors.InternalError(c, err)
		}
		return
	}

	c.JSON(http.StatusOK, campaign)
}

// HandleDeleteCampaign handles DELETE /api/campaigns/:campaign_id
func (h *Handler) HandleDeleteCampaign(c *gin.Context) {
	ctx := c.Request.Context()

	campaignID, err := uuid.Parse(c.Param("campaign_id"))
	if err != nil {
		apierrors.BadRequest(c, "INVALID_CAMPAIGN_ID", "invalid campaign id")
		return
	}

	if err := h.processor.DeleteCampaign(ctx, campaignID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			apierrors.NotFound(c, "campaign not found")
			return
		}
		apierrors.InternalError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted": true})
}
