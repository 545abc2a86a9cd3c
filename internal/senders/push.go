package senders

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"notification-engine/internal/observability"
	"notification-engine/internal/store"
)

type pushPayload struct {
	To    string `json:"to"`
	Title string `json:"title,omitempty"`
	Body  string `json:"body"`
}

type pushResponse struct {
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// PushSender delivers push notifications through an HTTP gateway
type PushSender struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	logger     *observability.Logger
}

func NewPushSender(endpoint, apiKey string, logger *observability.Logger) *PushSender {
	return &PushSender{
		endpoint: endpoint,
		apiKey:   apiKey,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

func (s *PushSender) Name() store.Channel {
	return store.ChannelPush
}

func (s *PushSender) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	if req.To == "" {
		return SendResult{}, Permanent(fmt.Errorf("recipient has no push token"))
	}

	ctx = observability.WithFields(ctx,
		observability.Field{Key: "push_title", Value: req.Subject},
	)

	payload := pushPayload{
		To:    req.To,
		Title: req.Subject,
		Body:  req.Body,
	}

	jsonPayload, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error(ctx, "failed to marshal push payload", err)
		return SendResult{}, fmt.Errorf("failed to prepare push request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewBuffer(jsonPayload))
	if err != nil {
		s.logger.Error(ctx, "failed to create push request", err)
		return SendResult{}, fmt.Errorf("failed to create push request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		s.logger.Error(ctx, "failed to call push gateway", err)
		return SendResult{}, fmt.Errorf("failed to send push notification: %w", err)
	}
	defer resp.Body.Close()

	var pushResp pushResponse
	if err := json.NewDecoder(resp.Body).Decode(&pushResp); err != nil {
		s.logger.Error(ctx, "failed to parse push gateway response", err)
		return SendResult{}, fmt.Errorf("failed to parse push response: %w", err)
	}

	// A 4xx means the token is stale or the payload is malformed; the
	// gateway will reject the same request every time.
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		err := fmt.Errorf("push gateway rejected request: status %d: %s", resp.StatusCode, pushResp.Error)
		s.logger.Error(ctx, "push gateway rejected request", err)
		return SendResult{}, Permanent(err)
	}
	if resp.StatusCode >= 500 {
		err := fmt.Errorf("push gateway error: status %d: %s", resp.StatusCode, pushResp.Error)
		s.logger.Error(ctx, "push gateway unavailable", err)
		return SendResult{}, err
	}

	s.logger.Info(ctx, "push notification sent successfully")
	return SendResult{ProviderMessageID: pushResp.MessageID}, nil
}
