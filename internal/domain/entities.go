package domain

import (
	"errors"
	"time"
)

// Instance represents one logical WhatsApp identity managed by the supervisor
type Instance struct {
	InstanceID      string     `json:"instance_id"`
	Status          string     `json:"status"`
	Phone           *string    `json:"phone,omitempty"`
	ProfileName     *string    `json:"profile_name,omitempty"`
	QRCode          *string    `json:"qr_code,omitempty"`
	Attempts        int        `json:"attempts"`
	CreatedByUserID *string    `json:"created_by_user_id,omitempty"`
	LastError       *string    `json:"last_error,omitempty"`
	IsRecovery      bool       `json:"is_recovery"`
	LastUpdate      time.Time  `json:"last_update"`
	CreatedAt       time.Time  `json:"created_at"`
	ConnectedAt     *time.Time `json:"connected_at,omitempty"`
}

// Instance status constants
const (
	StatusConnecting   = "connecting"
	StatusWaitingQR    = "waiting_qr"
	StatusConnected    = "connected"
	StatusReconnecting = "reconnecting"
	StatusDisconnected = "disconnected"
	StatusLoggedOut    = "logged_out"
	StatusQRError      = "qr_error"
	StatusError        = "error"
)

// MediaKind constants for normalized messages
const (
	MediaText     = "text"
	MediaImage    = "image"
	MediaVideo    = "video"
	MediaAudio    = "audio"
	MediaDocument = "document"
	MediaSticker  = "sticker"
	MediaLocation = "location"
	MediaContact  = "contact"
	MediaUnknown  = "unknown"
)

// NormalizedMessage is the canonical representation of one inbound or
// outbound chat message, handed to the webhook dispatcher and never persisted
// by the core.
type NormalizedMessage struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"from"`
	FromMe         bool      `json:"from_me"`
	Body           string    `json:"body"`
	MediaKind      string    `json:"media_type"`
	MediaLocator   string    `json:"media_url,omitempty"`
	PushName       string    `json:"push_name,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// ConnectionStats is a point-in-time aggregate of all instances grouped by
// status, plus the number of instances currently mid-retry.
type ConnectionStats struct {
	Total          int       `json:"total"`
	Connected      int       `json:"connected"`
	Connecting     int       `json:"connecting"`
	WaitingQR      int       `json:"waiting_qr"`
	Reconnecting   int       `json:"reconnecting"`
	Error          int       `json:"error"`
	LoggedOut      int       `json:"logged_out"`
	ActiveAttempts int       `json:"active_attempts"`
	Timestamp      time.Time `json:"timestamp"`
}

// Core error taxonomy. Only caller-invoked operations surface these; all
// event-driven failures are absorbed into instance state.
var (
	ErrAlreadyExists    = errors.New("instance already exists")
	ErrNotFound         = errors.New("instance not found")
	ErrMalformedPayload = errors.New("malformed message payload")
	ErrNotConnected     = errors.New("instance not connected")
)

// InstanceRecord is the persisted projection of an instance, used to recover
// previously paired instances across restarts.
type InstanceRecord struct {
	InstanceID      string     `json:"instance_id"`
	JID             *string    `json:"jid,omitempty"`
	Phone           *string    `json:"phone,omitempty"`
	ProfileName     *string    `json:"profile_name,omitempty"`
	Status          string     `json:"status"`
	CreatedByUserID *string    `json:"created_by_user_id,omitempty"`
	LastSeenAt      *time.Time `json:"last_seen_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}
