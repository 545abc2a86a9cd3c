package senders

import (
	"context"
	"errors"
	"fmt"

	"notification-engine/internal/observability"
	"notification-engine/internal/store"

	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	twilioapi "github.com/twilio/twilio-go/rest/api/v2010"
)

// SMSSender delivers text messages through Twilio
type SMSSender struct {
	client     *twilio.RestClient
	from       string
	costMicros int64
	logger     *observability.Logger
}

func NewSMSSender(accountSID, authToken, from string, costMicros int64, logger *observability.Logger) *SMSSender {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})

	return &SMSSender{
		client:     client,
		from:       from,
		costMicros: costMicros,
		logger:     logger,
	}
}

func (s *SMSSender) Name() store.Channel {
	return store.ChannelSMS
}

func (s *SMSSender) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	if req.To == "" {
		return SendResult{}, Permanent(fmt.Errorf("recipient has no phone number"))
	}

	ctx = observability.WithFields(ctx,
		observability.Field{Key: "sms_to", Value: req.To},
	)

	params := &twilioapi.CreateMessageParams{}
	params.SetTo(req.To)
	params.SetFrom(s.from)
	params.SetBody(req.Body)

	resp, err := s.client.Api.CreateMessage(params)
	if err != nil {
		// A 4xx from Twilio means the request itself is bad, e.g. an invalid
		// or unreachable number; retrying the same message cannot succeed.
		var restErr *twilioclient.TwilioRestError
		if errors.As(err, &restErr) && restErr.Status >= 400 && restErr.Status < 500 {
			s.logger.Error(ctx, "Twilio rejected message", err)
			return SendResult{}, Permanent(err)
		}
		s.logger.Error(ctx, "failed to send SMS", err)
		return SendResult{}, fmt.Errorf("failed to send SMS: %w", err)
	}

	result := SendResult{CostMicros: s.costMicros}
	if resp.Sid != nil {
		result.ProviderMessageID = *resp.Sid
	}

	s.logger.Info(ctx, "SMS sent successfully")
	return result, nil
}
