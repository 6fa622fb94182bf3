package models

import "time"

// ResponseType identifies the kind of outbound message.
type ResponseType string

const (
	ResponseMissingInfo        ResponseType = "missing_info"
	ResponseConfirmation       ResponseType = "confirmation"
	ResponseVendorNotification ResponseType = "vendor_notification"
)

// ResponseRecord audits one outbound dispatch. Records are append-only.
type ResponseRecord struct {
	ID            int64        `json:"id"`
	SessionID     int64        `json:"session_id"`
	InReplyTo     string       `json:"in_reply_to,omitempty"`
	To            string       `json:"to"`
	Subject       string       `json:"subject"`
	Body          string       `json:"body"`
	Type          ResponseType `json:"type"`
	SentMessageID string       `json:"sent_message_id,omitempty"`
	Sent          bool         `json:"sent"`
	Error         string       `json:"error,omitempty"`
	MissingFields []Field      `json:"missing_fields"`
	CreatedAt     time.Time    `json:"created_at"`
}

// DecisionLog is one pipeline step recorded for a message.
type DecisionLog struct {
	ID        int64     `json:"id"`
	MessageID string    `json:"message_id"`
	Step      string    `json:"step"`
	Detail    string    `json:"detail"` // JSON
	CreatedAt time.Time `json:"created_at"`
}
