package notify

import (
	"errors"
	"time"
)

// Channel is an outbound transport.
type Channel string

const (
	ChannelSMS      Channel = "sms"
	ChannelPush     Channel = "push"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelUSSD     Channel = "ussd"
	ChannelEmail    Channel = "email"
)

// Priority orders dispatch urgency. Critical bypasses preference filters.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Status is the monotone notification lifecycle. Failed is the alternate
// terminal after retry exhaustion.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

const (
	// MaxRetries bounds redelivery attempts after the initial send.
	MaxRetries = 5
	// RateLimitMax is the per-recipient, per-channel send allowance.
	RateLimitMax = 10
	// RateLimitWindow is the allowance window.
	RateLimitWindow = 60 * time.Second
	// AdapterTimeout bounds a single transport attempt.
	AdapterTimeout = 10 * time.Second
)

var (
	// ErrNotFound is returned for unknown notification ids.
	ErrNotFound = errors.New("notification not found")
	// ErrInvalidInput rejects malformed send parameters.
	ErrInvalidInput = errors.New("invalid input")
	// ErrRateLimited rejects sends over the token-bucket allowance.
	ErrRateLimited = errors.New("rate limited")
	// ErrChannelNotAllowed rejects non-critical sends to channels outside
	// the recipient's preferences or inside their quiet hours.
	ErrChannelNotAllowed = errors.New("channel not allowed by recipient preferences")
	// ErrUnknownChannel rejects sends to channels with no registered adapter.
	ErrUnknownChannel = errors.New("unknown channel")
	// ErrInvalidTransition rejects status regressions.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Record is a persisted notification. Content is stored encrypted under the
// recipient context.
type Record struct {
	ID                string    `json:"id"`
	RecipientID       string    `json:"recipientId"`
	Channel           Channel   `json:"channel"`
	Priority          Priority  `json:"priority"`
	TemplateID        string    `json:"templateId"`
	ContentCiphertext string    `json:"contentCiphertext"`
	ScheduledAt       time.Time `json:"scheduledAt"`
	SentAt            time.Time `json:"sentAt,omitempty"`
	DeliveredAt       time.Time `json:"deliveredAt,omitempty"`
	ReadAt            time.Time `json:"readAt,omitempty"`
	Status            Status    `json:"status"`
	RetryCount        int       `json:"retryCount"`
	MaxRetries        int       `json:"maxRetries"`
	FailureReason     string    `json:"failureReason,omitempty"`
}

// QuietHours is a daily do-not-disturb window in "HH:MM" local time. A window
// may wrap midnight (start 22:00, end 06:00).
type QuietHours struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Preferences restrict which channels may reach a recipient.
type Preferences struct {
	Channels []Channel   `json:"channels"`
	Quiet    *QuietHours `json:"quiet,omitempty"`
}
