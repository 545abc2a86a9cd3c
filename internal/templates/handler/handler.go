package handler

import (
	"errors"
	"net/http"

	"notification-engine/internal/apierrors"
	"notification-engine/internal/observability"
	"notification-engine/internal/store"
	"notification-engine/internal/templates/processor"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type Handler struct {
	processor *processor.TemplatesProcessor
	logger    *observability.Logger
}

func New(processor *processor.TemplatesProcessor, logger *observability.Logger) Handler {
	return Handler{
		processor: processor,
		logger:    logger,
	}
}

// CreateTemplateRequest represents the HTTP request for creating a template
type CreateTemplateRequest struct {
	Trigger         string  `json:"trigger" binding:"required"`
	Channel         string  `json:"channel" binding:"required"`
	SubjectTemplate *string `json:"subject_template,omitempty"`
	BodyTemplate    string  `json:"body_template" binding:"required"`
	MaxLength       *int    `json:"max_length,omitempty"`
	Priority        string  `json:"priority,omitempty"`
	MinMatchScore   *int    `json:"min_match_score,omitempty"`
	VerifiedOnly    bool    `json:"verified_only"`
}

// HandleCreateTemplate handles POST /api/templates
func (h *Handler) HandleCreateTemplate(c *gin.Context) {
	ctx := c.Request.Context()

	var req CreateTemplateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error(ctx, "failed to bind request", err)
		apierrors.BadRequest(c, "INVALID_REQUEST", "invalid request body")
		return
	}

	priority := store.Priority(req.Priority)
	if priority == "" {
		priority = store.DefaultPriority(store.Trigger(req.Trigger))
	}

	template, err := h.processor.CreateTemplate(ctx, processor.CreateTemplateRequest{
		Trigger:         store.Trigger(req.Trigger),
		Channel:         store.Channel(req.Channel),
		SubjectTemplate: req.SubjectTemplate,
		BodyTemplate:    req.BodyTemplate,
		MaxLength:       req.MaxLength,
		Priority:        priority,
		MinMatchScore:   req.MinMatchScore,
		VerifiedOnly:    req.VerifiedOnly,
	})
	if err != nil {
		if errors.Is(err, processor.ErrInvalidTemplate) {
			apierrors.BadRequest(c, "INVALID_TEMPLATE", err.Error())
			return
		}
		apierrors.InternalError(c, err)
		return
	}

	c.JSON(http.StatusCreated, template)
}

// HandleListTemplates handles GET /api/templates
func (h *Handler) HandleListTemplates(c *gin.Context) {
	ctx := c.Request.Context()

	templates, err := h.processor.ListTemplates(ctx)
	if err != nil {
		apierrors.InternalError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"templates": templates, "total": len(templates)})
}

// HandleGetTemplate handles GET /api/templates/:template_id
func (h *Handler) HandleGetTemplate(c *gin.Context) {
	ctx := c.Request.Context()

	templateID, err := uuid.Parse(c.Param("template_id"))
	if err != nil {
		apierrors.BadRequest(c, "INVALID_TEMPLATE_ID", "invalid template id")
		return
	}

	template, err := h.processor.GetTemplate(ctx, templateID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			apierrors.NotFound(c, "template not found")
			return
		}
		apierrors.InternalError(c, err)
		return
	}

	c.JSON(http.StatusOK, template)
}

// UpdateTemplateRequest represents the HTTP request for a partial template update
type UpdateTemplateRequest struct {
	SubjectTemplate *string `json:"subject_template,omitempty"`
	BodyTemplate    *string `json:"body_template,omitempty"`
	MaxLength       *int    `json:"max_length,omitempty"`
	Priority        *string `json:"priority,omitempty"`
	MinMatchScore   *int    `json:"min_match_score,omitempty"`
	VerifiedOnly    *bool   `json:"verified_only,omitempty"`
}

// HandleUpdateTemplate handles PATCH /api/templates/:template_id
func (h *Handler) HandleUpdateTemplate(c *gin.Context) {
	ctx := c.Request.Context()

	templateID, err := uuid.Parse(c.Param("template_id"))
	if err != nil {
		apierrors.BadRequest(c, "INVALID_TEMPLATE_ID", "invalid template id")
		return
	}

	var req UpdateTemplateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error(ctx, "failed to bind request", err)
		apierrors.BadRequest(c, "INVALID_REQUEST", "invalid request body")
		return
	}

	var priority *store.Priority
	if req.Priority != nil {
		p := store.Priority(*req.Priority)
		priority = &p
	}

	template, err := h.processor.UpdateTemplate(ctx, templateID, processor.UpdateTemplateRequest{
		SubjectTemplate: req.SubjectTemplate,
		BodyTemplate:    req.BodyTemplate,
		MaxLength:       req.MaxLength,
		Priority:        priority,
		MinMatchScore:   req.MinMatchScore,
		VerifiedOnly:    req.VerifiedOnly,
	})
	if err != nil {
		if errors.Is(err, processor.ErrInvalidTemplate) {
			apierrors.BadRequest(c, "INVALID_TEMPLATE", err.Error())
			return
		}
		if errors.Is(err, store.ErrNotFound) {
			apierrors.NotFound(c, "template not found")
			return
		}
		apierrors.InternalError(c, err)
		return
	}

	c.JSON(http.StatusOK, template)
}

// HandleDeactivateTemplate handles POST /api/templates/:template_id/deactivate
func (h *Handler) HandleDeactivateTemplate(c *gin.Context) {
	ctx := c.Request.Context()

	templateID, err := uuid.Parse(c.Param("template_id"))
	if err != nil {
		apierrors.BadRequest(c, "INVALID_TEMPLATE_ID", "invalid template id")
		return
	}

	template, err := h.processor.DeactivateTemplate(ctx, templateID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			apierrors.NotFound(c, "template not found or already inactive")
			return
		}
		apierrors.InternalError(c, err)
		return
	}

	c.JSON(http.StatusOK, template)
}

// PreviewRequest represents the HTTP request for rendering a template with sample data
type PreviewRequest struct {
	Trigger string                 `json:"trigger" binding:"required"`
	Channel string                 `json:"channel" binding:"required"`
	Data    map[string]interface{} `json:"data"`
}

// HandlePreview handles POST /api/templates/preview
func (h *Handler) HandlePreview(c *gin.Context) {
	ctx := c.Request.Context()

	var req PreviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error(ctx, "failed to bind request", err)
		apierrors.BadRequest(c, "INVALID_REQUEST", "invalid request body")
		return
	}

	result, err := h.processor.Render(ctx, store.Trigger(req.Trigger), store.Channel(req.Channel), req.Data)
	if err != nil {
		if errors.Is(err, processor.ErrTemplateNotFound) {
			apierrors.NotFound(c, "no active template for trigger and channel")
			return
		}
		if errors.Is(err, processor.ErrMissingVariable) || errors.Is(err, processor.ErrMalformedTemplate) {
			apierrors.BadRequest(c, "RENDER_FAILED", err.Error())
			return
		}
		apierrors.InternalError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}
