package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"notification-engine/internal/observability"
	prefprocessor "notification-engine/internal/preferences/processor"
	"notification-engine/internal/ratelimit"
	"notification-engine/internal/senders"
	"notification-engine/internal/store"
	templateprocessor "notification-engine/internal/templates/processor"

	"github.com/google/uuid"
)

// DispatchStore defines the database operations required by a Dispatcher
type DispatchStore interface {
	GetRecipientByID(ctx context.Context, recipientID uuid.UUID) (store.Recipient, error)
	CreateDeliveryLogEntry(ctx context.Context, params store.CreateDeliveryLogEntryParams) (store.DeliveryLogEntry, error)
	HasSentDeliveryForQueueItem(ctx context.Context, queueItemID uuid.UUID) (bool, error)
}

// Queue is the claim half of the notification queue
type Queue interface {
	ClaimBatch(ctx context.Context, channel store.Channel, limit int, owner string) ([]store.QueueItem, error)
	Complete(ctx context.Context, itemID uuid.UUID, owner string, status store.QueueStatus, providerMessageID *string) (store.QueueItem, error)
	Release(ctx context.Context, itemID uuid.UUID, owner string, scheduledFor *time.Time, refundAttempt bool) (store.QueueItem, error)
	FailExhausted(ctx context.Context, channel store.Channel) ([]store.QueueItem, error)
}

// PreferenceReader resolves a user's effective notification preferences
type PreferenceReader interface {
	GetPreferences(ctx context.Context, userID uuid.UUID) (store.NotificationPreference, error)
}

// TemplateRenderer provides active templates and rendering
type TemplateRenderer interface {
	ActiveTemplate(ctx context.Context, trigger store.Trigger, channel store.Channel) (store.NotificationTemplate, error)
	Render(ctx context.Context, trigger store.Trigger, channel store.Channel, data map[string]interface{}) (templateprocessor.RenderResult, error)
}

// RateLimiter checks and records per-user delivery caps
type RateLimiter interface {
	CheckDeliveryAllowed(ctx context.Context, userID uuid.UUID, channel store.Channel, rule store.RateLimitRule) (ratelimit.RateLimitResult, error)
	RecordDelivery(ctx context.Context, userID uuid.UUID, channel store.Channel, rule store.RateLimitRule)
}

// OutcomePublisher emits delivery outcome events for downstream consumers
type OutcomePublisher interface {
	PublishDeliveryOutcome(ctx context.Context, item store.QueueItem, status store.QueueStatus, reason string) error
}

// Skip reasons recorded on policy suppressions. Suppressions are not errors
// and are never retried.
const (
	SkipReasonOptedOut    = "opted_out"
	SkipReasonRateLimited = "rate_limited"
	SkipReasonNotEligible = "not_eligible"
	SkipReasonNoContact   = "no_contact_address"
	FailReasonExhausted   = "attempts exhausted"
	FailReasonNoRecipient = "recipient not found"
)

// tickOutcome labels what a claimed item became during one tick
type tickOutcome string

const (
	outcomeSent     tickOutcome = "sent"
	outcomeSkipped  tickOutcome = "skipped"
	outcomeDeferred tickOutcome = "deferred"
	outcomeFailed   tickOutcome = "failed"
	outcomeRetried  tickOutcome = "retried"
)

// Dispatcher drains one channel's queue in batches and walks each item
// through the suppression policy before handing it to the channel's sender.
// One dispatcher per channel owns that channel's rate and budget counters.
type Dispatcher struct {
	channel     store.Channel
	queue       Queue
	store       DispatchStore
	prefs       PreferenceReader
	templates   TemplateRenderer
	limiter     RateLimiter
	sender      senders.ChannelSender
	budget      *Budget
	publisher   OutcomePublisher
	logger      *observability.Logger
	owner       string
	batchSize   int
	sendTimeout time.Duration
}

// NewDispatcher creates a dispatcher for one channel. The budget may be nil
// for channels without a cost cap; the publisher may be nil to disable
// outcome events.
func NewDispatcher(
	channel store.Channel,
	queue Queue,
	dispatchStore DispatchStore,
	prefs PreferenceReader,
	templates TemplateRenderer,
	limiter RateLimiter,
	sender senders.ChannelSender,
	budget *Budget,
	publisher OutcomePublisher,
	logger *observability.Logger,
	batchSize int,
	sendTimeout time.Duration,
) *Dispatcher {
	if batchSize <= 0 {
		batchSize = 100
	}
	if sendTimeout <= 0 {
		sendTimeout = 10 * time.Second
	}
	return &Dispatcher{
		channel:     channel,
		queue:       queue,
		store:       dispatchStore,
		prefs:       prefs,
		templates:   templates,
		limiter:     limiter,
		sender:      sender,
		budget:      budget,
		publisher:   publisher,
		logger:      logger,
		owner:       fmt.Sprintf("%s-dispatcher-%s", channel, uuid.New().String()[:8]),
		batchSize:   batchSize,
		sendTimeout: sendTimeout,
	}
}

// Channel returns the channel this dispatcher drains
func (d *Dispatcher) Channel() store.Channel {
	return d.channel
}

// Tick claims one batch of due items and processes each through the policy
// chain. It is the dispatcher's unit of work; the worker runs it on the
// channel's cadence.
func (d *Dispatcher) Tick(ctx context.Context) error {
	ctx = observability.WithFields(ctx,
		observability.Field{Key: "channel", Value: string(d.channel)},
	)

	d.sweepExhausted(ctx)

	items, err := d.queue.ClaimBatch(ctx, d.channel, d.batchSize, d.owner)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	d.logger.Info(ctx, fmt.Sprintf("claimed %d queue items for dispatch", len(items)))

	var sent, skipped, deferred, failed, retried int
	for _, item := range items {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		switch d.processItem(ctx, item) {
		case outcomeSent:
			sent++
		case outcomeSkipped:
			skipped++
		case outcomeDeferred:
			deferred++
		case outcomeFailed:
			failed++
		case outcomeRetried:
			retried++
		}
	}

	d.logger.Metrics(ctx,
		observability.MetricField{Key: "channel", Value: string(d.channel)},
		observability.MetricField{Key: "claimed", Value: len(items)},
		observability.MetricField{Key: "sent", Value: sent},
		observability.MetricField{Key: "skipped", Value: skipped},
		observability.MetricField{Key: "deferred", Value: deferred},
		observability.MetricField{Key: "failed", Value: failed},
		observability.MetricField{Key: "retried", Value: retried},
	)
	return nil
}

// sweepExhausted fails items whose attempts ran out under an expired lease
// and records their outcomes
func (d *Dispatcher) sweepExhausted(ctx context.Context) {
	items, err := d.queue.FailExhausted(ctx, d.channel)
	if err != nil {
		return
	}
	for _, item := range items {
		// A worker that died between send and complete leaves a sent log
		// entry behind; do not shadow it with a failed outcome.
		if sent, err := d.store.HasSentDeliveryForQueueItem(ctx, item.ID); err == nil && sent {
			continue
		}
		d.logOutcome(ctx, item, store.QueueStatusFailed, store.CreateDeliveryLogEntryParams{
			ErrorReason: ptr(FailReasonExhausted),
		})
		d.publishOutcome(ctx, item, store.QueueStatusFailed, FailReasonExhausted)
	}
}

func (d *Dispatcher) processItem(ctx context.Context, item store.QueueItem) tickOutcome {
	ctx = observability.WithFields(ctx,
		observability.Field{Key: "queue_item_id", Value: item.ID.String()},
		observability.Field{Key: "user_id", Value: item.UserID.String()},
		observability.Field{Key: "trigger", Value: string(item.Trigger)},
	)

	// A reclaimed item may already have gone out before its worker died
	// between send and complete. Never send it twice.
	if item.ProviderMessageID != nil {
		d.logger.Info(ctx, "queue item already carries a provider message id, completing without resend")
		d.complete(ctx, item, store.QueueStatusSent, nil)
		return outcomeSent
	}
	if sent, err := d.store.HasSentDeliveryForQueueItem(ctx, item.ID); err == nil && sent {
		d.logger.Info(ctx, "queue item already delivered, completing without resend")
		d.complete(ctx, item, store.QueueStatusSent, nil)
		return outcomeSent
	}

	pref, err := d.prefs.GetPreferences(ctx, item.UserID)
	if err != nil {
		return d.retryLater(ctx, item, err)
	}

	now := time.Now()

	if pref.OptedOut || !prefprocessor.IsChannelEnabled(pref, item.Trigger, item.Channel) {
		return d.skip(ctx, item, SkipReasonOptedOut)
	}

	if prefprocessor.InQuietHours(pref, item.Trigger, item.Priority, now) {
		resume := prefprocessor.QuietHoursEnd(pref, now)
		return d.deferUntil(ctx, item, resume, "quiet hours")
	}

	rule := prefprocessor.RateLimitFor(pref, item.Channel)
	limit, err := d.limiter.CheckDeliveryAllowed(ctx, item.UserID, item.Channel, rule)
	if err != nil {
		return d.retryLater(ctx, item, err)
	}
	if !limit.Allowed {
		return d.skip(ctx, item, SkipReasonRateLimited)
	}

	recipient, err := d.store.GetRecipientByID(ctx, item.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return d.fail(ctx, item, FailReasonNoRecipient)
		}
		return d.retryLater(ctx, item, err)
	}

	template, err := d.templates.ActiveTemplate(ctx, item.Trigger, item.Channel)
	if err != nil {
		if errors.Is(err, templateprocessor.ErrTemplateNotFound) {
			return d.fail(ctx, item, err.Error())
		}
		return d.retryLater(ctx, item, err)
	}

	if !eligible(item, pref, recipient, template) {
		return d.skip(ctx, item, SkipReasonNotEligible)
	}

	to, ok := contactAddress(recipient, item.Channel)
	if !ok {
		return d.skip(ctx, item, SkipReasonNoContact)
	}

	rendered, err := d.templates.Render(ctx, item.Trigger, item.Channel, item.TemplateData)
	if err != nil {
		// Render errors are data or configuration bugs; retrying the same
		// payload against the same template cannot succeed.
		if errors.Is(err, templateprocessor.ErrMissingVariable) ||
			errors.Is(err, templateprocessor.ErrMalformedTemplate) ||
			errors.Is(err, templateprocessor.ErrTemplateNotFound) {
			return d.fail(ctx, item, err.Error())
		}
		return d.retryLater(ctx, item, err)
	}

	if d.budget != nil {
		allowed, err := d.budget.Allows(ctx)
		if err != nil {
			return d.retryLater(ctx, item, err)
		}
		if !allowed {
			return d.deferUntil(ctx, item, d.budget.ResetsAt(now), "daily cost budget exhausted")
		}
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	result, err := d.sender.Send(sendCtx, senders.SendRequest{
		UserID:  item.UserID,
		To:      to,
		Subject: rendered.Subject,
		Body:    rendered.Body,
	})
	cancel()
	if err != nil {
		if senders.IsPermanent(err) {
			return d.fail(ctx, item, err.Error())
		}
		return d.retryLater(ctx, item, err)
	}

	return d.recordSent(ctx, item, rule, result)
}

// recordSent finalizes a successful send: terminal queue state, log entry,
// rate and budget counters, outcome event
func (d *Dispatcher) recordSent(ctx context.Context, item store.QueueItem, rule store.RateLimitRule, result senders.SendResult) tickOutcome {
	var providerID *string
	if result.ProviderMessageID != "" {
		providerID = &result.ProviderMessageID
	}

	if _, err := d.queue.Complete(ctx, item.ID, d.owner, store.QueueStatusSent, providerID); err != nil {
		// Lost the lease after sending; the log entry below still records
		// the send so the reclaiming worker will not repeat it.
		d.logger.WarnWithError(ctx, "failed to complete queue item after send", err)
	}

	now := time.Now()
	d.logOutcome(ctx, item, store.QueueStatusSent, store.CreateDeliveryLogEntryParams{
		SentAt:            &now,
		CostMicros:        result.CostMicros,
		ProviderMessageID: providerID,
	})

	d.limiter.RecordDelivery(ctx, item.UserID, item.Channel, rule)
	if d.budget != nil {
		d.budget.Record(ctx, result.CostMicros)
	}
	item.ProviderMessageID = providerID
	d.publishOutcome(ctx, item, store.QueueStatusSent, "")
	d.logger.Info(ctx, "notification sent")
	return outcomeSent
}

// skip suppresses an item for policy reasons; distinct from failure and
// never retried
func (d *Dispatcher) skip(ctx context.Context, item store.QueueItem, reason string) tickOutcome {
	if _, err := d.queue.Complete(ctx, item.ID, d.owner, store.QueueStatusSkipped, nil); err != nil {
		return outcomeRetried
	}
	d.logOutcome(ctx, item, store.QueueStatusSkipped, store.CreateDeliveryLogEntryParams{
		SkipReason: &reason,
	})
	d.publishOutcome(ctx, item, store.QueueStatusSkipped, reason)
	d.logger.Info(ctx, fmt.Sprintf("notification skipped: %s", reason))
	return outcomeSkipped
}

// fail terminates an item that can never succeed
func (d *Dispatcher) fail(ctx context.Context, item store.QueueItem, reason string) tickOutcome {
	if _, err := d.queue.Complete(ctx, item.ID, d.owner, store.QueueStatusFailed, nil); err != nil {
		return outcomeRetried
	}
	d.logOutcome(ctx, item, store.QueueStatusFailed, store.CreateDeliveryLogEntryParams{
		ErrorReason: &reason,
	})
	d.publishOutcome(ctx, item, store.QueueStatusFailed, reason)
	d.logger.Info(ctx, fmt.Sprintf("notification failed permanently: %s", reason))
	return outcomeFailed
}

// deferUntil pushes an item to a later delivery time without charging the
// attempt; deferrals are policy, not failure
func (d *Dispatcher) deferUntil(ctx context.Context, item store.QueueItem, until time.Time, why string) tickOutcome {
	if _, err := d.queue.Release(ctx, item.ID, d.owner, &until, true); err != nil {
		return outcomeRetried
	}
	d.logger.Info(ctx, fmt.Sprintf("notification deferred until %s: %s", until.Format(time.RFC3339), why))
	return outcomeDeferred
}

// retryLater returns an item to the pool after a transient error, keeping
// the attempt charged. An item out of attempts fails instead.
func (d *Dispatcher) retryLater(ctx context.Context, item store.QueueItem, cause error) tickOutcome {
	d.logger.WarnWithError(ctx, "transient dispatch error", cause)
	if item.Attempts >= item.MaxAttempts {
		return d.fail(ctx, item, cause.Error())
	}
	if _, err := d.queue.Release(ctx, item.ID, d.owner, nil, false); err != nil {
		d.logger.WarnWithError(ctx, "failed to release queue item", err)
	}
	return outcomeRetried
}

// complete moves an item to a terminal state without logging a new outcome
func (d *Dispatcher) complete(ctx context.Context, item store.QueueItem, status store.QueueStatus, providerID *string) {
	if _, err := d.queue.Complete(ctx, item.ID, d.owner, status, providerID); err != nil && !errors.Is(err, store.ErrNotFound) {
		d.logger.WarnWithError(ctx, "failed to complete queue item", err)
	}
}

func (d *Dispatcher) logOutcome(ctx context.Context, item store.QueueItem, status store.QueueStatus, params store.CreateDeliveryLogEntryParams) {
	params.QueueItemID = item.ID
	params.UserID = item.UserID
	params.Channel = item.Channel
	params.Trigger = item.Trigger
	params.Status = status
	if _, err := d.store.CreateDeliveryLogEntry(ctx, params); err != nil {
		d.logger.Error(ctx, "failed to record delivery outcome", err)
	}
}

func (d *Dispatcher) publishOutcome(ctx context.Context, item store.QueueItem, status store.QueueStatus, reason string) {
	if d.publisher == nil {
		return
	}
	if err := d.publisher.PublishDeliveryOutcome(ctx, item, status, reason); err != nil {
		d.logger.WarnWithError(ctx, "failed to publish delivery outcome", err)
	}
}

// eligible applies channel eligibility conditions from the template and, for
// SMS, the user's SMS policy. Email always requires a verified address; a
// match score gate only judges items that carry match context, so security
// and system triggers pass through untouched.
func eligible(item store.QueueItem, pref store.NotificationPreference, recipient store.Recipient, template store.NotificationTemplate) bool {
	verifiedOnly := template.VerifiedOnly
	minScore := 0
	if template.MinMatchScore != nil {
		minScore = *template.MinMatchScore
	}
	if item.Channel == store.ChannelSMS {
		verifiedOnly = verifiedOnly || pref.SMSVerifiedOnly
		if pref.SMSMinMatchScore > minScore {
			minScore = pref.SMSMinMatchScore
		}
	}
	if item.Channel == store.ChannelEmail {
		verifiedOnly = true
	}

	if verifiedOnly && !contactVerified(recipient, item.Channel) {
		return false
	}

	if minScore > 0 {
		if score, ok := matchScore(item.TemplateData); ok && score < float64(minScore) {
			return false
		}
	}
	return true
}

func contactVerified(recipient store.Recipient, channel store.Channel) bool {
	switch channel {
	case store.ChannelSMS:
		return recipient.PhoneVerified
	default:
		return recipient.EmailVerified
	}
}

// matchScore extracts match.matchScore from the template data
func matchScore(data store.JSONB) (float64, bool) {
	match, ok := data["match"].(map[string]interface{})
	if !ok {
		return 0, false
	}
	switch v := match["matchScore"].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

func contactAddress(recipient store.Recipient, channel store.Channel) (string, bool) {
	switch channel {
	case store.ChannelEmail:
		return recipient.Email, recipient.Email != ""
	case store.ChannelSMS:
		if recipient.Phone != nil && *recipient.Phone != "" {
			return *recipient.Phone, true
		}
		return "", false
	case store.ChannelPush:
		if recipient.PushToken != nil && *recipient.PushToken != "" {
			return *recipient.PushToken, true
		}
		return "", false
	default:
		return "", false
	}
}

func ptr(s string) *string {
	return &s
}
