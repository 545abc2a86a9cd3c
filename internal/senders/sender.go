package senders

import (
	"context"
	"errors"
	"fmt"

	"notification-engine/internal/store"

	"github.com/google/uuid"
)

// SendRequest carries one rendered notification to a provider
type SendRequest struct {
	UserID  uuid.UUID
	To      string // email address, E.164 phone number or device token
	Subject string
	Body    string
}

// SendResult reports a provider acceptance
type SendResult struct {
	ProviderMessageID string
	CostMicros        int64
}

// ChannelSender delivers rendered notifications on one channel
type ChannelSender interface {
	Name() store.Channel
	Send(ctx context.Context, req SendRequest) (SendResult, error)
}

// ErrPermanent marks delivery failures that retrying cannot fix, such as an
// invalid recipient. Errors without this mark are treated as transient.
var ErrPermanent = errors.New("permanent delivery failure")

// Permanent wraps an error as a permanent delivery failure
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrPermanent, err)
}

// IsPermanent reports whether a delivery error should not be retried
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}
