package mailbox

import (
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap"

	"github.com/freightdesk/intake/internal/config"
)

func TestToInboundKeepsUnparseableMessages(t *testing.T) {
	c := NewClient(config.MailboxConfig{Email: "intake@freightdesk.example"})
	c.uidValidity = 3

	received := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	msg := &imap.Message{Uid: 42, InternalDate: received}

	got := c.toInbound(msg, &imap.BodySectionName{Peek: true})
	if got.UID != 42 || got.MessageID != "<uid-3-42@freightdesk.example>" || !got.ReceivedAt.Equal(received) {
		t.Errorf("toInbound() = %+v", got)
	}
	if !strings.Contains(got.ParseError, "no body") {
		t.Errorf("ParseError = %q", got.ParseError)
	}
}
