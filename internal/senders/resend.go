package senders

import (
	"context"
	"fmt"

	"notification-engine/internal/observability"
	"notification-engine/internal/store"

	"github.com/resendlabs/resend-go"
)

// EmailSender delivers email through Resend
type EmailSender struct {
	client *resend.Client
	from   string
	logger *observability.Logger
}

func NewEmailSender(apiKey, from string, logger *observability.Logger) (*EmailSender, error) {
	client := resend.NewClient(apiKey)
	if client == nil {
		return nil, fmt.Errorf("failed to create Resend client")
	}

	return &EmailSender{
		client: client,
		from:   from,
		logger: logger,
	}, nil
}

func (s *EmailSender) Name() store.Channel {
	return store.ChannelEmail
}

func (s *EmailSender) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	if req.To == "" {
		return SendResult{}, Permanent(fmt.Errorf("recipient has no email address"))
	}

	ctx = observability.WithFields(ctx,
		observability.Field{Key: "email_to", Value: req.To},
		observability.Field{Key: "email_subject", Value: req.Subject},
	)

	params := &resend.SendEmailRequest{
		From:    s.from,
		To:      []string{req.To},
		Subject: req.Subject,
		Html:    req.Body,
	}

	res, err := s.client.Emails.Send(params)
	if err != nil {
		s.logger.Error(ctx, "failed to send email", err)
		return SendResult{}, fmt.Errorf("failed to send email: %w", err)
	}

	s.logger.Info(ctx, "email sent successfully")
	return SendResult{ProviderMessageID: res.Id}, nil
}
