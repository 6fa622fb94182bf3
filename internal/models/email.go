package models

import "time"

// InboundMessage is a parsed email as yielded by the mail transport.
type InboundMessage struct {
	UID        uint32 // IMAP UID, used for mark-as-read
	MessageID  string
	InReplyTo  string
	References []string // oldest first
	From       string
	FromName   string
	Subject    string
	Body       string
	ReceivedAt time.Time
	Forwarded  bool
	Reply      bool

	// Set when the raw message could not be parsed. Only UID, MessageID and
	// ReceivedAt are filled in then.
	ParseError string
}

// MessageStatus is the processing state of a persisted message.
type MessageStatus string

const (
	MessageProcessing MessageStatus = "processing"
	MessageCompleted  MessageStatus = "completed"
	MessageFailed     MessageStatus = "failed"
)

// Category is the open classification of a new inquiry.
type Category string

const (
	CategoryShippingRequest Category = "shipping_request"
	CategoryQuery           Category = "query"
	CategorySpam            Category = "spam"
	CategoryOther           Category = "other"
)

// ParseCategory maps collaborator output onto the closed category set.
// Anything unrecognised becomes CategoryOther.
func ParseCategory(s string) Category {
	switch Category(s) {
	case CategoryShippingRequest, CategoryQuery, CategorySpam, CategoryOther:
		return Category(s)
	}
	return CategoryOther
}

// Role is what a message means for the conversation it belongs to.
type Role string

const (
	RoleVendorReply      Role = "vendor_reply"
	RoleCustomerFollowup Role = "customer_followup"
	RoleNewInquiry       Role = "new_inquiry"
)

// PersistedMessage is the durable record of an ingested InboundMessage.
type PersistedMessage struct {
	ID          int64         `json:"id"`
	MessageID   string        `json:"message_id"`
	ThreadKey   string        `json:"thread_key"`
	From        string        `json:"from"`
	FromName    string        `json:"from_name"`
	Subject     string        `json:"subject"`
	Body        string        `json:"-"`
	ReceivedAt  time.Time     `json:"received_at"`
	Category    Category      `json:"category,omitempty"`
	Role        Role          `json:"role,omitempty"`
	SessionID   int64         `json:"session_id,omitempty"`
	Status      MessageStatus `json:"status"`
	Attempts    int           `json:"attempts"`
	Error       string        `json:"error,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	ProcessedAt time.Time     `json:"processed_at"`
}
