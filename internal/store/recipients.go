package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Recipient is the engine's projection of a platform user: just the fields needed
// for addressing, eligibility checks and audience selection. The web application
// owns the source of truth; rows here are synced from platform events.
type Recipient struct {
	ID            uuid.UUID  `db:"id" json:"id"`
	Email         string     `db:"email" json:"email"`
	Phone         *string    `db:"phone" json:"phone,omitempty"`
	PushToken     *string    `db:"push_token" json:"push_token,omitempty"`
	FirstName     string     `db:"first_name" json:"first_name"`
	LastName      string     `db:"last_name" json:"last_name"`
	EmailVerified bool       `db:"email_verified" json:"email_verified"`
	PhoneVerified bool       `db:"phone_verified" json:"phone_verified"`
	Timezone      string     `db:"timezone" json:"timezone"`
	Active        bool       `db:"active" json:"active"`
	LastActiveAt  *time.Time `db:"last_active_at" json:"last_active_at,omitempty"`
	Attributes    JSONB      `db:"attributes" json:"attributes"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updated_at"`
}

const recipientColumns = `id, email, phone, push_token, first_name, last_name, email_verified, phone_verified, timezone, active, last_active_at, attributes, created_at, updated_at`

// UpsertRecipientParams represents a recipient projection sync
type UpsertRecipientParams struct {
	ID            uuid.UUID
	Email         string
	Phone         *string
	PushToken     *string
	FirstName     string
	LastName      string
	EmailVerified bool
	PhoneVerified bool
	Timezone      string
	Active        bool
	LastActiveAt  *time.Time
	Attributes    JSONB
}

const sqlUpsertRecipient = `
INSERT INTO recipients (id, email, phone, push_token, first_name, last_name, email_verified, phone_verified, timezone, active, last_active_at, attributes)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (id) DO UPDATE SET
    email = EXCLUDED.email,
    phone = EXCLUDED.phone,
    push_token = EXCLUDED.push_token,
    first_name = EXCLUDED.first_name,
    last_name = EXCLUDED.last_name,
    email_verified = EXCLUDED.email_verified,
    phone_verified = EXCLUDED.phone_verified,
    timezone = EXCLUDED.timezone,
    active = EXCLUDED.active,
    last_active_at = EXCLUDED.last_active_at,
    attributes = EXCLUDED.attributes,
    updated_at = CURRENT_TIMESTAMP
RETURNING ` + recipientColumns + `
`

// UpsertRecipient creates or refreshes a recipient projection row
func (s *Store) UpsertRecipient(ctx context.Context, params UpsertRecipientParams) (Recipient, error) {
	var recipient Recipient
	err := s.db.GetContext(ctx, &recipient, sqlUpsertRecipient,
		params.ID,
		params.Email,
		params.Phone,
		params.PushToken,
		params.FirstName,
		params.LastName,
		params.EmailVerified,
		params.PhoneVerified,
		params.Timezone,
		params.Active,
		params.LastActiveAt,
		params.Attributes)
	if err != nil {
		return Recipient{}, fmt.Errorf("failed to upsert recipient: %w", err)
	}
	return recipient, nil
}

const sqlGetRecipientByID = `
SELECT ` + recipientColumns + `
FROM recipients
WHERE id = $1
`

// GetRecipientByID retrieves a recipient by ID
func (s *Store) GetRecipientByID(ctx context.Context, recipientID uuid.UUID) (Recipient, error) {
	var recipient Recipient
	err := s.db.GetContext(ctx, &recipient, sqlGetRecipientByID, recipientID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Recipient{}, ErrNotFound
		}
		return Recipient{}, fmt.Errorf("failed to get recipient: %w", err)
	}
	return recipient, nil
}

const sqlListRecipientsPage = `
SELECT ` + recipientColumns + `
FROM recipients
WHERE active = TRUE AND id > $1
ORDER BY id
LIMIT $2
`

// ListRecipientsPage pages through every active recipient using keyset pagination;
// pass uuid.Nil to start from the beginning
func (s *Store) ListRecipientsPage(ctx context.Context, afterID uuid.UUID, limit int) ([]Recipient, error) {
	var recipients []Recipient
	err := s.db.SelectContext(ctx, &recipients, sqlListRecipientsPage, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recipients: %w", err)
	}
	return recipients, nil
}

const sqlListActiveRecipientsPage = `
SELECT ` + recipientColumns + `
FROM recipients
WHERE active = TRUE AND last_active_at >= $1 AND id > $2
ORDER BY id
LIMIT $3
`

// ListActiveRecipientsPage pages through recipients active since the given instant
func (s *Store) ListActiveRecipientsPage(ctx context.Context, activeSince time.Time, afterID uuid.UUID, limit int) ([]Recipient, error) {
	var recipients []Recipient
	err := s.db.SelectContext(ctx, &recipients, sqlListActiveRecipientsPage, activeSince, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list active recipients: %w", err)
	}
	return recipients, nil
}

const sqlListSegmentRecipientsPage = `
SELECT ` + recipientColumns + `
FROM recipients
WHERE active = TRUE AND attributes @> $1 AND id > $2
ORDER BY id
LIMIT $3
`

// ListSegmentRecipientsPage pages through recipients whose attributes contain the
// segment filter (JSONB containment)
func (s *Store) ListSegmentRecipientsPage(ctx context.Context, filter JSONB, afterID uuid.UUID, limit int) ([]Recipient, error) {
	var recipients []Recipient
	err := s.db.SelectContext(ctx, &recipients, sqlListSegmentRecipientsPage, filter, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list segment recipients: %w", err)
	}
	return recipients, nil
}

const sqlListRecipientsByIDs = `
SELECT ` + recipientColumns + `
FROM recipients
WHERE id = ANY($1::uuid[])
ORDER BY id
`

// ListRecipientsByIDs retrieves an explicit recipient list, used by test campaigns
func (s *Store) ListRecipientsByIDs(ctx context.Context, ids StringArray) ([]Recipient, error) {
	var recipients []Recipient
	err := s.db.SelectContext(ctx, &recipients, sqlListRecipientsByIDs, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to list recipients by ids: %w", err)
	}
	return recipients, nil
}

const sqlTouchRecipientActivity = `
UPDATE recipients
SET last_active_at = $2, updated_at = CURRENT_TIMESTAMP
WHERE id = $1
`

// TouchRecipientActivity records platform activity for audience selection
func (s *Store) TouchRecipientActivity(ctx context.Context, recipientID uuid.UUID, at time.Time) error {
	_, err := s.db.ExecContext(ctx, sqlTouchRecipientActivity, recipientID, at)
	if err != nil {
		return fmt.Errorf("failed to touch recipient activity: %w", err)
	}
	return nil
}
