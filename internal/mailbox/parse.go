package mailbox

import (
	"fmt"
	"io"
	"regexp"
	"strings"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/freightdesk/intake/internal/models"
)

var (
	replyPrefix   = regexp.MustCompile(`(?i)^\s*(re|aw|sv)\s*(\[\d+\])?\s*:`)
	forwardPrefix = regexp.MustCompile(`(?i)^\s*(fw|fwd|wg|tr)\s*(\[\d+\])?\s*:`)

	// Separators that mail clients insert above forwarded content
	forwardMarkers = []*regexp.Regexp{
		regexp.MustCompile(`(?i)-{2,}\s*forwarded message\s*-{2,}`),
		regexp.MustCompile(`(?i)begin forwarded message:`),
		regexp.MustCompile(`(?i)-{2,}\s*original message\s*-{2,}`),
	}
)

// Parse reads an RFC 5322 message into an InboundMessage. Message ids keep
// their angle brackets so they compare equal to ids found in bodies.
func Parse(r io.Reader, uid uint32) (*models.InboundMessage, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}
	defer mr.Close()

	h := mr.Header
	msg := &models.InboundMessage{UID: uid}

	if id, err := h.MessageID(); err == nil && id != "" {
		msg.MessageID = bracket(id)
	}
	if ids, err := h.MsgIDList("In-Reply-To"); err == nil && len(ids) > 0 {
		msg.InReplyTo = bracket(ids[0])
	}
	if ids, err := h.MsgIDList("References"); err == nil {
		for _, id := range ids {
			msg.References = append(msg.References, bracket(id))
		}
	}

	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		msg.From = strings.ToLower(from[0].Address)
		msg.FromName = from[0].Name
	}

	if subject, err := h.Subject(); err == nil {
		msg.Subject = strings.TrimSpace(subject)
	} else {
		msg.Subject = strings.TrimSpace(h.Get("Subject"))
	}

	if date, err := h.Date(); err == nil {
		msg.ReceivedAt = date
	}

	var plain, html string
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Keep whatever parts decoded cleanly
			break
		}

		switch ph := p.Header.(type) {
		case *mail.InlineHeader:
			ct, _, _ := ph.ContentType()
			body, err := io.ReadAll(p.Body)
			if err != nil {
				continue
			}
			if (ct == "" || strings.HasPrefix(ct, "text/plain")) && plain == "" {
				plain = string(body)
			} else if strings.HasPrefix(ct, "text/html") && html == "" {
				html = string(body)
			}
		}
	}

	msg.Body = strings.TrimSpace(plain)
	if msg.Body == "" && html != "" {
		msg.Body = HTMLToText(html)
	}

	msg.Reply = msg.InReplyTo != "" || replyPrefix.MatchString(msg.Subject)
	msg.Forwarded = IsForwarded(msg.Subject, msg.Body)
	return msg, nil
}

// IsForwarded reports whether the subject or body carries a forward marker.
func IsForwarded(subject, body string) bool {
	if forwardPrefix.MatchString(subject) {
		return true
	}
	for _, re := range forwardMarkers {
		if re.MatchString(body) {
			return true
		}
	}
	return false
}

func bracket(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	return "<" + strings.Trim(id, "<>") + ">"
}
