package store

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// JSONB is a custom type for JSONB fields
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface for JSONB
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface for JSONB
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return errors.New("incompatible type for JSONB")
	}

	// Handle empty or null JSON
	if len(bytes) == 0 || string(bytes) == "null" {
		*j = make(JSONB)
		return nil
	}

	result := make(JSONB)
	err := json.Unmarshal(bytes, &result)
	if err != nil {
		return err
	}
	*j = result
	return nil
}

// StringArray is a custom type for PostgreSQL text[] arrays
type StringArray []string

// Value implements the driver.Valuer interface for StringArray
func (a StringArray) Value() (driver.Value, error) {
	if a == nil {
		return nil, nil
	}
	if len(a) == 0 {
		return "{}", nil
	}
	// PostgreSQL array format: {item1,item2,item3}
	return "{" + strings.Join(a, ",") + "}", nil
}

// Scan implements the sql.Scanner interface for StringArray
func (a *StringArray) Scan(value interface{}) error {
	if value == nil {
		*a = nil
		return nil
	}

	var str string
	switch v := value.(type) {
	case []byte:
		str = string(v)
	case string:
		str = v
	default:
		return fmt.Errorf("unsupported type for StringArray: %T", value)
	}

	// Handle empty array
	if str == "" || str == "{}" {
		*a = []string{}
		return nil
	}

	// Remove curly braces and split
	str = strings.Trim(str, "{}")
	if str == "" {
		*a = []string{}
		return nil
	}

	// Split by comma
	*a = strings.Split(str, ",")
	return nil
}

// ============================================================================
// Notification Domain Types
// ============================================================================

// Channel represents a delivery medium
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelPush  Channel = "push"
)

// AllChannels lists every delivery channel
var AllChannels = []Channel{ChannelEmail, ChannelSMS, ChannelPush}

// IsValid reports whether the channel is a known delivery medium
func (c Channel) IsValid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelPush:
		return true
	}
	return false
}

// Trigger represents the platform event type that causes a notification
type Trigger string

const (
	TriggerNewProfileCreated      Trigger = "new_profile_created"
	TriggerNewMatch               Trigger = "new_match"
	TriggerMutualFavorite         Trigger = "mutual_favorite"
	TriggerShortlistAdded         Trigger = "shortlist_added"
	TriggerMatchMilestone         Trigger = "match_milestone"
	TriggerProfileView            Trigger = "profile_view"
	TriggerFavorited              Trigger = "favorited"
	TriggerProfileVisibilitySpike Trigger = "profile_visibility_spike"
	TriggerSearchAppearance       Trigger = "search_appearance"
	TriggerNewMessage             Trigger = "new_message"
	TriggerMessageRead            Trigger = "message_read"
	TriggerConversationCold       Trigger = "conversation_cold"
	TriggerPIIRequest             Trigger = "pii_request"
	TriggerPIIGranted             Trigger = "pii_granted"
	TriggerPIIDenied              Trigger = "pii_denied"
	TriggerPIIExpiring            Trigger = "pii_expiring"
	TriggerSuspiciousLogin        Trigger = "suspicious_login"
	TriggerUnreadMessages         Trigger = "unread_messages"
	TriggerNewUsersMatching       Trigger = "new_users_matching"
	TriggerProfileIncomplete      Trigger = "profile_incomplete"
	TriggerUploadPhotos           Trigger = "upload_photos"
	TriggerWeeklyDigest           Trigger = "weekly_digest"
	TriggerMonthlyDigest          Trigger = "monthly_digest"
)

// AllTriggers lists every known trigger
var AllTriggers = []Trigger{
	TriggerNewProfileCreated,
	TriggerNewMatch,
	TriggerMutualFavorite,
	TriggerShortlistAdded,
	TriggerMatchMilestone,
	TriggerProfileView,
	TriggerFavorited,
	TriggerProfileVisibilitySpike,
	TriggerSearchAppearance,
	TriggerNewMessage,
	TriggerMessageRead,
	TriggerConversationCold,
	TriggerPIIRequest,
	TriggerPIIGranted,
	TriggerPIIDenied,
	TriggerPIIExpiring,
	TriggerSuspiciousLogin,
	TriggerUnreadMessages,
	TriggerNewUsersMatching,
	TriggerProfileIncomplete,
	TriggerUploadPhotos,
	TriggerWeeklyDigest,
	TriggerMonthlyDigest,
}

var validTriggers = func() map[Trigger]struct{} {
	m := make(map[Trigger]struct{}, len(AllTriggers))
	for _, t := range AllTriggers {
		m[t] = struct{}{}
	}
	return m
}()

// IsValid reports whether the trigger belongs to the known catalog
func (t Trigger) IsValid() bool {
	_, ok := validTriggers[t]
	return ok
}

// Priority represents notification urgency
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// IsValid reports whether the priority is a known level
func (p Priority) IsValid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// Rank orders priorities for queue draining; lower drains first
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	default:
		return 3
	}
}

// DefaultPriority maps each trigger to its default urgency
func DefaultPriority(t Trigger) Priority {
	switch t {
	case TriggerSuspiciousLogin, TriggerPIIRequest:
		return PriorityCritical
	case TriggerNewMatch, TriggerMutualFavorite, TriggerNewMessage,
		TriggerPIIGranted, TriggerPIIDenied, TriggerPIIExpiring:
		return PriorityHigh
	case TriggerWeeklyDigest, TriggerMonthlyDigest, TriggerProfileIncomplete,
		TriggerUploadPhotos, TriggerSearchAppearance:
		return PriorityLow
	default:
		return PriorityMedium
	}
}

// QueueStatus represents the delivery lifecycle state of a queue item
type QueueStatus string

const (
	QueueStatusPending QueueStatus = "pending"
	QueueStatusSent    QueueStatus = "sent"
	QueueStatusFailed  QueueStatus = "failed"
	QueueStatusSkipped QueueStatus = "skipped"
)

// ScheduleType distinguishes one-shot campaigns from recurring ones
type ScheduleType string

const (
	ScheduleTypeOneTime   ScheduleType = "one_time"
	ScheduleTypeRecurring ScheduleType = "recurring"
)

// IsValid reports whether the schedule type is known
func (s ScheduleType) IsValid() bool {
	switch s {
	case ScheduleTypeOneTime, ScheduleTypeRecurring:
		return true
	}
	return false
}

// RecurrencePattern names the supported recurrence shapes
type RecurrencePattern string

const (
	RecurrenceDaily   RecurrencePattern = "daily"
	RecurrenceWeekly  RecurrencePattern = "weekly"
	RecurrenceMonthly RecurrencePattern = "monthly"
	RecurrenceCustom  RecurrencePattern = "custom"
)

// IsValid reports whether the recurrence pattern is known
func (r RecurrencePattern) IsValid() bool {
	switch r {
	case RecurrenceDaily, RecurrenceWeekly, RecurrenceMonthly, RecurrenceCustom:
		return true
	}
	return false
}

// RecipientType names the supported campaign audience selectors
type RecipientType string

const (
	RecipientAllUsers    RecipientType = "all_users"
	RecipientActiveUsers RecipientType = "active_users"
	RecipientSegment     RecipientType = "segment"
	RecipientTestUsers   RecipientType = "test_users"
)

// IsValid reports whether the recipient selector is known
func (r RecipientType) IsValid() bool {
	switch r {
	case RecipientAllUsers, RecipientActiveUsers, RecipientSegment, RecipientTestUsers:
		return true
	}
	return false
}

// Frequency controls instant delivery versus digest batching per trigger
type Frequency string

const (
	FrequencyInstant Frequency = "instant"
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
)

// IsValid reports whether the frequency is a known cadence
func (f Frequency) IsValid() bool {
	switch f {
	case FrequencyInstant, FrequencyDaily, FrequencyWeekly:
		return true
	}
	return false
}

// ChannelArray is a custom type for PostgreSQL text[] arrays of channels
type ChannelArray []Channel

// Value implements the driver.Valuer interface for ChannelArray
func (a ChannelArray) Value() (driver.Value, error) {
	if a == nil {
		return nil, nil
	}
	if len(a) == 0 {
		return "{}", nil
	}
	parts := make([]string, len(a))
	for i, c := range a {
		parts[i] = string(c)
	}
	return "{" + strings.Join(parts, ",") + "}", nil
}

// Scan implements the sql.Scanner interface for ChannelArray
func (a *ChannelArray) Scan(value interface{}) error {
	if value == nil {
		*a = nil
		return nil
	}

	var str string
	switch v := value.(type) {
	case []byte:
		str = string(v)
	case string:
		str = v
	default:
		return fmt.Errorf("unsupported type for ChannelArray: %T", value)
	}

	str = strings.Trim(str, "{}")
	if str == "" {
		*a = []Channel{}
		return nil
	}

	parts := strings.Split(str, ",")
	*a = make([]Channel, len(parts))
	for i, p := range parts {
		(*a)[i] = Channel(p)
	}
	return nil
}

// TriggerArray is a custom type for PostgreSQL text[] arrays of triggers
type TriggerArray []Trigger

// Value implements the driver.Valuer interface for TriggerArray
func (a TriggerArray) Value() (driver.Value, error) {
	if a == nil {
		return nil, nil
	}
	if len(a) == 0 {
		return "{}", nil
	}
	parts := make([]string, len(a))
	for i, t := range a {
		parts[i] = string(t)
	}
	return "{" + strings.Join(parts, ",") + "}", nil
}

// Scan implements the sql.Scanner interface for TriggerArray
func (a *TriggerArray) Scan(value interface{}) error {
	if value == nil {
		*a = nil
		return nil
	}

	var str string
	switch v := value.(type) {
	case []byte:
		str = string(v)
	case string:
		str = v
	default:
		return fmt.Errorf("unsupported type for TriggerArray: %T", value)
	}

	str = strings.Trim(str, "{}")
	if str == "" {
		*a = []Trigger{}
		return nil
	}

	parts := strings.Split(str, ",")
	*a = make([]Trigger, len(parts))
	for i, p := range parts {
		(*a)[i] = Trigger(p)
	}
	return nil
}

// ChannelMatrix maps triggers to the channels enabled for them, stored as JSONB
type ChannelMatrix map[Trigger][]Channel

// Value implements the driver.Valuer interface for ChannelMatrix
func (m ChannelMatrix) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements the sql.Scanner interface for ChannelMatrix
func (m *ChannelMatrix) Scan(value interface{}) error {
	return scanJSONColumn(value, m, func() { *m = make(ChannelMatrix) })
}

// FrequencyMap maps triggers to their delivery frequency, stored as JSONB
type FrequencyMap map[Trigger]Frequency

// Value implements the driver.Valuer interface for FrequencyMap
func (m FrequencyMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements the sql.Scanner interface for FrequencyMap
func (m *FrequencyMap) Scan(value interface{}) error {
	return scanJSONColumn(value, m, func() { *m = make(FrequencyMap) })
}

// Rate limit period names accepted in RateLimitRule.Period
const (
	RateLimitPeriodHourly = "hourly"
	RateLimitPeriodDaily  = "daily"
	RateLimitPeriodWeekly = "weekly"
)

// RateLimitRule bounds deliveries for one channel within a rolling period
type RateLimitRule struct {
	Max    int    `json:"max"`
	Period string `json:"period"` // hourly, daily or weekly
}

// RateLimitMap maps channels to their rate limit rule, stored as JSONB
type RateLimitMap map[Channel]RateLimitRule

// Value implements the driver.Valuer interface for RateLimitMap
func (m RateLimitMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements the sql.Scanner interface for RateLimitMap
func (m *RateLimitMap) Scan(value interface{}) error {
	return scanJSONColumn(value, m, func() { *m = make(RateLimitMap) })
}

// scanJSONColumn decodes a JSONB column into dest, resetting dest on null
func scanJSONColumn(value interface{}, dest interface{}, reset func()) error {
	if value == nil {
		reset()
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("incompatible type for JSON column: %T", value)
	}

	if len(bytes) == 0 || string(bytes) == "null" {
		reset()
		return nil
	}
	return json.Unmarshal(bytes, dest)
}

// PeriodDuration converts a rate limit period name to its window size
func (r RateLimitRule) PeriodDuration() (int64, error) {
	switch r.Period {
	case "hourly":
		return 3600, nil
	case "daily":
		return 86400, nil
	case "weekly":
		return 604800, nil
	default:
		return 0, fmt.Errorf("unknown rate limit period: %s", r.Period)
	}
}
