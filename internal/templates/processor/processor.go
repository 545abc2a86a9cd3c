package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"notification-engine/internal/observability"
	"notification-engine/internal/store"

	"github.com/google/uuid"
)

// TemplatesStore defines the database operations required by TemplatesProcessor
type TemplatesStore interface {
	CreateNotificationTemplate(ctx context.Context, params store.CreateNotificationTemplateParams) (store.NotificationTemplate, error)
	GetNotificationTemplateByID(ctx context.Context, templateID uuid.UUID) (store.NotificationTemplate, error)
	GetActiveNotificationTemplate(ctx context.Context, trigger store.Trigger, channel store.Channel) (store.NotificationTemplate, error)
	ListActiveNotificationTemplates(ctx context.Context) ([]store.NotificationTemplate, error)
	ListNotificationTemplates(ctx context.Context) ([]store.NotificationTemplate, error)
	UpdateNotificationTemplate(ctx context.Context, templateID uuid.UUID, params store.UpdateNotificationTemplateParams) (store.NotificationTemplate, error)
	DeactivateNotificationTemplate(ctx context.Context, templateID uuid.UUID) (store.NotificationTemplate, error)
	DeactivateNotificationTemplatesForPair(ctx context.Context, trigger store.Trigger, channel store.Channel) error
}

var (
	ErrTemplateNotFound = errors.New("no active template for trigger and channel")
	ErrInvalidTemplate  = errors.New("invalid template")
)

type TemplatesProcessor struct {
	store  TemplatesStore
	logger *observability.Logger

	mu    sync.RWMutex
	cache map[string]store.NotificationTemplate
}

func New(templatesStore TemplatesStore, logger *observability.Logger) *TemplatesProcessor {
	return &TemplatesProcessor{
		store:  templatesStore,
		logger: logger,
		cache:  make(map[string]store.NotificationTemplate),
	}
}

// RenderResult is the rendered output for one notification
type RenderResult struct {
	Subject   string `json:"subject,omitempty"`
	Body      string `json:"body"`
	Truncated bool   `json:"truncated"`
}

func cacheKey(trigger store.Trigger, channel store.Channel) string {
	return string(trigger) + "/" + string(channel)
}

// Render produces the final subject and body for a notification. Templates
// are cached in-process after the first lookup; writes through this processor
// invalidate the affected entry.
func (p *TemplatesProcessor) Render(ctx context.Context, trigger store.Trigger, channel store.Channel, data map[string]interface{}) (RenderResult, error) {
	template, err := p.lookup(ctx, trigger, channel)
	if err != nil {
		return RenderResult{}, err
	}

	body, err := RenderString(template.BodyTemplate, data)
	if err != nil {
		return RenderResult{}, fmt.Errorf("body of template %s: %w", template.ID, err)
	}

	var subject string
	if template.SubjectTemplate != nil {
		subject, err = RenderString(*template.SubjectTemplate, data)
		if err != nil {
			return RenderResult{}, fmt.Errorf("subject of template %s: %w", template.ID, err)
		}
	}

	result := RenderResult{Subject: subject, Body: body}
	if template.MaxLength != nil {
		result.Body, result.Truncated = TruncateAtWordBoundary(body, *template.MaxLength)
	}
	return result, nil
}

func (p *TemplatesProcessor) lookup(ctx context.Context, trigger store.Trigger, channel store.Channel) (store.NotificationTemplate, error) {
	key := cacheKey(trigger, channel)

	p.mu.RLock()
	template, ok := p.cache[key]
	p.mu.RUnlock()
	if ok {
		return template, nil
	}

	template, err := p.store.GetActiveNotificationTemplate(ctx, trigger, channel)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.NotificationTemplate{}, fmt.Errorf("%w: %s/%s", ErrTemplateNotFound, trigger, channel)
		}
		p.logger.Error(ctx, "failed to load notification template", err)
		return store.NotificationTemplate{}, err
	}

	p.mu.Lock()
	p.cache[key] = template
	p.mu.Unlock()

	return template, nil
}

// ActiveTemplate retrieves the active template for a trigger and channel,
// served from the render cache when warm. Dispatchers use it to check
// delivery eligibility before rendering.
func (p *TemplatesProcessor) ActiveTemplate(ctx context.Context, trigger store.Trigger, channel store.Channel) (store.NotificationTemplate, error) {
	return p.lookup(ctx, trigger, channel)
}

// WarmCache loads every active template into the render cache
func (p *TemplatesProcessor) WarmCache(ctx context.Context) error {
	templates, err := p.store.ListActiveNotificationTemplates(ctx)
	if err != nil {
		p.logger.Error(ctx, "failed to warm template cache", err)
		return err
	}

	p.mu.Lock()
	for _, template := range templates {
		p.cache[cacheKey(template.Trigger, template.Channel)] = template
	}
	p.mu.Unlock()

	p.logger.Info(ctx, fmt.Sprintf("template cache warmed with %d templates", len(templates)))
	return nil
}

func (p *TemplatesProcessor) invalidate(trigger store.Trigger, channel store.Channel) {
	p.mu.Lock()
	delete(p.cache, cacheKey(trigger, channel))
	p.mu.Unlock()
}

// CreateTemplateRequest represents a request to create a template version
type CreateTemplateRequest struct {
	Trigger         store.Trigger
	Channel         store.Channel
	SubjectTemplate *string
	BodyTemplate    string
	MaxLength       *int
	Priority        store.Priority
	MinMatchScore   *int
	VerifiedOnly    bool
}

// CreateTemplate validates and stores a new active template for a pair,
// deactivating any previous active version
func (p *TemplatesProcessor) CreateTemplate(ctx context.Context, req CreateTemplateRequest) (store.NotificationTemplate, error) {
	ctx = observability.WithFields(ctx,
		observability.Field{Key: "trigger", Value: string(req.Trigger)},
		observability.Field{Key: "channel", Value: string(req.Channel)},
	)

	if err := validateTemplateRequest(req); err != nil {
		return store.NotificationTemplate{}, err
	}

	if err := p.store.DeactivateNotificationTemplatesForPair(ctx, req.Trigger, req.Channel); err != nil {
		p.logger.Error(ctx, "failed to deactivate previous templates", err)
		return store.NotificationTemplate{}, err
	}

	template, err := p.store.CreateNotificationTemplate(ctx, store.CreateNotificationTemplateParams{
		Trigger:         req.Trigger,
		Channel:         req.Channel,
		SubjectTemplate: req.SubjectTemplate,
		BodyTemplate:    req.BodyTemplate,
		MaxLength:       req.MaxLength,
		Priority:        req.Priority,
		MinMatchScore:   req.MinMatchScore,
		VerifiedOnly:    req.VerifiedOnly,
		Active:          true,
	})
	if err != nil {
		p.logger.Error(ctx, "failed to create notification template", err)
		return store.NotificationTemplate{}, err
	}

	p.invalidate(req.Trigger, req.Channel)
	p.logger.Info(ctx, "notification template created")
	return template, nil
}

func validateTemplateRequest(req CreateTemplateRequest) error {
	if !req.Trigger.IsValid() {
		return fmt.Errorf("%w: unknown trigger %s", ErrInvalidTemplate, req.Trigger)
	}
	if !req.Channel.IsValid() {
		return fmt.Errorf("%w: unknown channel %s", ErrInvalidTemplate, req.Channel)
	}
	if req.BodyTemplate == "" {
		return fmt.Errorf("%w: body template is required", ErrInvalidTemplate)
	}
	if req.Channel == store.ChannelEmail && (req.SubjectTemplate == nil || *req.SubjectTemplate == "") {
		return fmt.Errorf("%w: email templates require a subject", ErrInvalidTemplate)
	}
	if req.MaxLength != nil && *req.MaxLength <= 0 {
		return fmt.Errorf("%w: max length must be positive", ErrInvalidTemplate)
	}
	if req.Priority != "" && !req.Priority.IsValid() {
		return fmt.Errorf("%w: unknown priority %s", ErrInvalidTemplate, req.Priority)
	}
	if req.MinMatchScore != nil && (*req.MinMatchScore < 0 || *req.MinMatchScore > 100) {
		return fmt.Errorf("%w: min match score must be between 0 and 100", ErrInvalidTemplate)
	}

	// Reject templates that cannot render at all, e.g. unbalanced blocks
	if _, err := RenderString(req.BodyTemplate, nil); err != nil && !errors.Is(err, ErrMissingVariable) {
		return fmt.Errorf("%w: %v", ErrInvalidTemplate, err)
	}
	if req.SubjectTemplate != nil {
		if _, err := RenderString(*req.SubjectTemplate, nil); err != nil && !errors.Is(err, ErrMissingVariable) {
			return fmt.Errorf("%w: %v", ErrInvalidTemplate, err)
		}
	}
	return nil
}

// GetTemplate retrieves one template version by ID
func (p *TemplatesProcessor) GetTemplate(ctx context.Context, templateID uuid.UUID) (store.NotificationTemplate, error) {
	template, err := p.store.GetNotificationTemplateByID(ctx, templateID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.NotificationTemplate{}, err
		}
		p.logger.Error(ctx, "failed to get notification template", err)
		return store.NotificationTemplate{}, err
	}
	return template, nil
}

// ListTemplates retrieves all template versions, active and inactive
func (p *TemplatesProcessor) ListTemplates(ctx context.Context) ([]store.NotificationTemplate, error) {
	templates, err := p.store.ListNotificationTemplates(ctx)
	if err != nil {
		p.logger.Error(ctx, "failed to list notification templates", err)
		return nil, err
	}
	return templates, nil
}

// UpdateTemplateRequest represents a partial update to an existing template
type UpdateTemplateRequest struct {
	SubjectTemplate *string
	BodyTemplate    *string
	MaxLength       *int
	Priority        *store.Priority
	MinMatchScore   *int
	VerifiedOnly    *bool
}

// UpdateTemplate applies a partial update and drops the pair from the cache
func (p *TemplatesProcessor) UpdateTemplate(ctx context.Context, templateID uuid.UUID, req UpdateTemplateRequest) (store.NotificationTemplate, error) {
	if req.BodyTemplate != nil {
		if *req.BodyTemplate == "" {
			return store.NotificationTemplate{}, fmt.Errorf("%w: body template is required", ErrInvalidTemplate)
		}
		if _, err := RenderString(*req.BodyTemplate, nil); err != nil && !errors.Is(err, ErrMissingVariable) {
			return store.NotificationTemplate{}, fmt.Errorf("%w: %v", ErrInvalidTemplate, err)
		}
	}
	if req.Priority != nil && !req.Priority.IsValid() {
		return store.NotificationTemplate{}, fmt.Errorf("%w: unknown priority %s", ErrInvalidTemplate, *req.Priority)
	}

	template, err := p.store.UpdateNotificationTemplate(ctx, templateID, store.UpdateNotificationTemplateParams{
		SubjectTemplate: req.SubjectTemplate,
		BodyTemplate:    req.BodyTemplate,
		MaxLength:       req.MaxLength,
		Priority:        req.Priority,
		MinMatchScore:   req.MinMatchScore,
		VerifiedOnly:    req.VerifiedOnly,
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.NotificationTemplate{}, err
		}
		p.logger.Error(ctx, "failed to update notification template", err)
		return store.NotificationTemplate{}, err
	}

	p.invalidate(template.Trigger, template.Channel)
	return template, nil
}

// DeactivateTemplate retires a template version without deleting it
func (p *TemplatesProcessor) DeactivateTemplate(ctx context.Context, templateID uuid.UUID) (store.NotificationTemplate, error) {
	template, err := p.store.DeactivateNotificationTemplate(ctx, templateID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.NotificationTemplate{}, err
		}
		p.logger.Error(ctx, "failed to deactivate notification template", err)
		return store.NotificationTemplate{}, err
	}

	p.invalidate(template.Trigger, template.Channel)
	return template, nil
}
