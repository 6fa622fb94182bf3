package models

import (
	"strings"
	"time"
)

// Field names a shipment attribute tracked on a session.
type Field string

const (
	OriginName         Field = "origin_name"
	OriginAddress      Field = "origin_address"
	OriginCity         Field = "origin_city"
	OriginState        Field = "origin_state"
	OriginZip          Field = "origin_zip"
	OriginCountry      Field = "origin_country"
	OriginPhone        Field = "origin_phone"
	DestinationName    Field = "destination_name"
	DestinationAddress Field = "destination_address"
	DestinationCity    Field = "destination_city"
	DestinationState   Field = "destination_state"
	DestinationZip     Field = "destination_zip"
	DestinationCountry Field = "destination_country"
	DestinationPhone   Field = "destination_phone"
	PackageWeight      Field = "package_weight"
	PackageDimensions  Field = "package_dimensions"
	PackageDescription Field = "package_description"
	PackageValue       Field = "package_value"
	ServiceType        Field = "service_type"
	PickupDate         Field = "pickup_date"
	DeliveryDate       Field = "delivery_date"
)

// AllFields lists every shipment field in display order.
var AllFields = []Field{
	OriginName, OriginAddress, OriginCity, OriginState, OriginZip, OriginCountry, OriginPhone,
	DestinationName, DestinationAddress, DestinationCity, DestinationState, DestinationZip, DestinationCountry, DestinationPhone,
	PackageWeight, PackageDimensions, PackageDescription, PackageValue,
	ServiceType, PickupDate, DeliveryDate,
}

var knownFields = func() map[Field]bool {
	m := make(map[Field]bool, len(AllFields))
	for _, f := range AllFields {
		m[f] = true
	}
	return m
}()

// Valid reports whether f is one of the tracked shipment fields.
func (f Field) Valid() bool { return knownFields[f] }

// Label returns a human readable name, e.g. "Package Description".
func (f Field) Label() string {
	words := strings.Split(string(f), "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

// Fields is a sparse field->value map. Empty values mean unset.
type Fields map[Field]string

// Get returns the trimmed value for f.
func (fs Fields) Get(f Field) string {
	return strings.TrimSpace(fs[f])
}

// Clone returns a copy that can be mutated independently.
func (fs Fields) Clone() Fields {
	out := make(Fields, len(fs))
	for k, v := range fs {
		out[k] = v
	}
	return out
}

// SessionStatus is the completeness state of a shipment session.
type SessionStatus string

const (
	StatusIncomplete  SessionStatus = "incomplete"
	StatusPendingInfo SessionStatus = "pending_info"
	StatusComplete    SessionStatus = "complete"
)

// ParseSessionStatus validates an externally supplied status.
func ParseSessionStatus(s string) (SessionStatus, bool) {
	switch SessionStatus(strings.ToLower(strings.TrimSpace(s))) {
	case StatusIncomplete:
		return StatusIncomplete, true
	case StatusPendingInfo:
		return StatusPendingInfo, true
	case StatusComplete:
		return StatusComplete, true
	}
	return "", false
}

// Final reports whether the status ends automatic merging.
func (s SessionStatus) Final() bool { return s == StatusComplete }

// Session is the converging shipment intake record.
type Session struct {
	ID                   int64         `json:"id"`
	OriginMessageID      string        `json:"origin_message_id"`
	ThreadKey            string        `json:"thread_key"`
	Subject              string        `json:"subject"`
	CustomerEmail        string        `json:"customer_email"`
	CustomerName         string        `json:"customer_name,omitempty"`
	Fields               Fields        `json:"fields"`
	VendorID             string        `json:"vendor_id,omitempty"`
	VendorNotifiedAt     *time.Time    `json:"vendor_notified_at,omitempty"`
	VendorRepliedAt      *time.Time    `json:"vendor_replied_at,omitempty"`
	VendorReplyMessageID string        `json:"vendor_reply_message_id,omitempty"`
	VendorReplyContent   string        `json:"vendor_reply_content,omitempty"`
	MissingFields        []Field       `json:"missing_fields"`
	Status               SessionStatus `json:"status"`
	CreatedAt            time.Time     `json:"created_at"`
	UpdatedAt            time.Time     `json:"updated_at"`
	CompletedAt          *time.Time    `json:"completed_at,omitempty"`
}

// AwaitingVendor reports whether a vendor was notified and has not replied yet.
func (s *Session) AwaitingVendor() bool {
	return s.VendorNotifiedAt != nil && s.VendorRepliedAt == nil
}
