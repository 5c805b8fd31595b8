package model

import "time"

// Account status constants for lifecycle tracking.
const (
	AccountConnecting   = "connecting"
	AccountConnected    = "connected"
	AccountDisconnected = "disconnected"
	AccountBanned       = "banned"
	AccountRemoved      = "removed"
)

// Outbound message delivery states. Progression is monotonic:
// pending -> sent -> delivered -> read.
const (
	MessagePending   = "pending"
	MessageSent      = "sent"
	MessageDelivered = "delivered"
	MessageRead      = "read"
	MessageFailed    = "failed"
)

// Message direction.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Campaign status constants.
const (
	CampaignDraft     = "draft"
	CampaignScheduled = "scheduled"
	CampaignSending   = "sending"
	CampaignPaused    = "paused"
	CampaignCompleted = "completed"
	CampaignFailed    = "failed"
)

// Pause reasons surfaced through campaign-progress events.
const (
	PauseReasonDailyLimit  = "daily_limit_reached"
	PauseReasonFailures    = "too_many_failures"
	PauseReasonUserRequest = "user_requested"
)

// Recipient status constants. Pending is initial; skipped is only assignable
// before a send attempt; once sent the only further states are delivered/read.
const (
	RecipientPending   = "pending"
	RecipientSent      = "sent"
	RecipientDelivered = "delivered"
	RecipientRead      = "read"
	RecipientFailed    = "failed"
	RecipientSkipped   = "skipped"
)

// Chatbot rule trigger types.
const (
	TriggerKeyword    = "keyword"
	TriggerContains   = "contains"
	TriggerStartsWith = "starts_with"
	TriggerRegex      = "regex"
	TriggerAIFallback = "ai_fallback"
)

// Scheduled message status constants.
const (
	ScheduledPending   = "pending"
	ScheduledSent      = "sent"
	ScheduledFailed    = "failed"
	ScheduledCancelled = "cancelled"
)

// AccountSettings holds per-account throttle and behaviour knobs.
type AccountSettings struct {
	DailyLimit       int  `json:"daily_limit"`
	DelayMinSec      int  `json:"delay_min_sec"`
	DelayMaxSec      int  `json:"delay_max_sec"`
	SendHoursStart   int  `json:"send_hours_start"`
	SendHoursEnd     int  `json:"send_hours_end"`
	TypingSimulation bool `json:"typing_simulation"`
}

// Account represents one tenant's WhatsApp identity managed by the pool.
type Account struct {
	ID                string          `json:"id"`
	TenantID          string          `json:"tenant_id"`
	Label             string          `json:"label"`
	Msisdn            string          `json:"msisdn"`
	DeviceJID         string          `json:"device_jid,omitempty"`
	Status            string          `json:"status"`
	LastError         string          `json:"last_error,omitempty"`
	DailyMessageCount int             `json:"daily_message_count"`
	DailyMessageDate  string          `json:"daily_message_date"` // YYYY-MM-DD
	Settings          AccountSettings `json:"settings"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Contact is a remote party keyed by (account_id, jid), upserted on first
// inbound or outbound message.
type Contact struct {
	ID            string    `json:"id"`
	AccountID     string    `json:"account_id"`
	JID           string    `json:"jid"`
	Name          string    `json:"name"`
	Phone         string    `json:"phone"`
	LastMessage   string    `json:"last_message"`
	LastDirection string    `json:"last_direction"`
	LastMessageAt time.Time `json:"last_message_at"`
	UnreadCount   int       `json:"unread_count"`
	CreatedAt     time.Time `json:"created_at"`
}

// Message is an immutable record of one inbound or outbound unit.
type Message struct {
	ID          string    `json:"id"`
	AccountID   string    `json:"account_id"`
	ContactID   string    `json:"contact_id"`
	WireID      string    `json:"wire_id,omitempty"` // network message ID, for receipt matching
	Direction   string    `json:"direction"`
	Type        string    `json:"type"` // text|image|video|document
	Body        string    `json:"body"`
	MediaURL    string    `json:"media_url,omitempty"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	IsAutomated bool      `json:"is_automated"`
	CampaignID  string    `json:"campaign_id,omitempty"`
	RuleID      string    `json:"rule_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// CampaignSettings configures throttling for a campaign run.
type CampaignSettings struct {
	BatchSize     int  `json:"batch_size"`
	DelayMinSec   int  `json:"delay_min_sec"`
	DelayMaxSec   int  `json:"delay_max_sec"`
	RandomDelay   bool `json:"random_delay"`
	DailyLimit    int  `json:"daily_limit"`
	RampUpEnabled bool `json:"ramp_up_enabled"`
	RampUpPercent int  `json:"ramp_up_percent"`
}

// Campaign is a bulk outbound send job over an ordered recipient list.
type Campaign struct {
	ID             string           `json:"id"`
	TenantID       string           `json:"tenant_id"`
	AccountID      string           `json:"account_id"`
	Name           string           `json:"name"`
	Template       string           `json:"template"`
	MediaURL       string           `json:"media_url,omitempty"`
	MediaType      string           `json:"media_type,omitempty"` // image|video|document
	Status         string           `json:"status"`
	StatusReason   string           `json:"status_reason,omitempty"`
	Settings       CampaignSettings `json:"settings"`
	ResumeIndex    int              `json:"resume_index"`
	DayNumber      int              `json:"day_number"`
	DailySentCount int              `json:"daily_sent_count"`
	LastSendDate   string           `json:"last_send_date"` // YYYY-MM-DD
	RecipientCount int              `json:"recipient_count"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// Recipient is one entry in a campaign's ordered list.
type Recipient struct {
	ID         string     `json:"id"`
	CampaignID string     `json:"campaign_id"`
	Position   int        `json:"position"`
	Phone      string     `json:"phone"`
	Name       string     `json:"name"`
	Variables  string     `json:"variables,omitempty"` // JSON object for template interpolation
	Status     string     `json:"status"`
	Error      string     `json:"error,omitempty"`
	WireID     string     `json:"wire_id,omitempty"`
	SentAt     *time.Time `json:"sent_at,omitempty"`
}

// ChatbotRule is one entry in a tenant's ordered autoreply rule set.
// Lower priority evaluates first; created_at breaks ties.
type ChatbotRule struct {
	ID              string    `json:"id"`
	TenantID        string    `json:"tenant_id"`
	AccountID       string    `json:"account_id,omitempty"` // empty = applies to all accounts
	Name            string    `json:"name"`
	TriggerType     string    `json:"trigger_type"`
	Pattern         string    `json:"pattern"`
	Reply           string    `json:"reply"`
	SystemPrompt    string    `json:"system_prompt,omitempty"` // ai_fallback only
	Priority        int       `json:"priority"`
	CooldownMinutes int       `json:"cooldown_minutes"`
	Enabled         bool      `json:"enabled"`
	TriggerCount    int       `json:"trigger_count"`
	ResponseCount   int       `json:"response_count"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ScheduledMessage is a one-off future send, terminal once sent/failed/cancelled.
type ScheduledMessage struct {
	ID          string     `json:"id"`
	TenantID    string     `json:"tenant_id"`
	AccountID   string     `json:"account_id"`
	ToPhone     string     `json:"to_phone"`
	Body        string     `json:"body"`
	MediaURL    string     `json:"media_url,omitempty"`
	MediaType   string     `json:"media_type,omitempty"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	Status      string     `json:"status"`
	Error       string     `json:"error,omitempty"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}
