package reconcile

import (
	"time"

	"github.com/freightdesk/intake/internal/models"
)

// CorrelateVendorReply closes the notify/reply loop on s. Only the vendor
// bookkeeping columns change; the reply body is never mined for shipment
// fields.
func CorrelateVendorReply(s *models.Session, msg models.InboundMessage, now time.Time) {
	replied := msg.ReceivedAt
	if replied.IsZero() {
		replied = now
	}
	replied = replied.UTC()

	s.VendorRepliedAt = &replied
	s.VendorReplyMessageID = msg.MessageID
	s.VendorReplyContent = msg.Body
}

// MarkVendorNotified records that s was sent to vendorID. Any earlier reply
// is cleared so the session is outstanding again.
func MarkVendorNotified(s *models.Session, vendorID string, now time.Time) {
	t := now.UTC()
	s.VendorID = vendorID
	s.VendorNotifiedAt = &t
	s.VendorRepliedAt = nil
	s.VendorReplyMessageID = ""
	s.VendorReplyContent = ""
	Recompute(s, now)
}
