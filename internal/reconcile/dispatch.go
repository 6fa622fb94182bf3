package reconcile

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/freightdesk/intake/internal/email"
	"github.com/freightdesk/intake/internal/logging"
	"github.com/freightdesk/intake/internal/models"
	"github.com/freightdesk/intake/internal/store"
	"github.com/freightdesk/intake/internal/template"
	"github.com/freightdesk/intake/internal/vendor"
)

// Dispatcher renders outbound messages, hands them to the sender and records
// every attempt. A failed send is recorded, never returned as an error.
type Dispatcher struct {
	sender    email.Sender
	templates *template.Engine
	limiter   *rate.Limiter
	from      string
	fromName  string
}

// NewDispatcher creates a Dispatcher that sends at most one message per
// interval. A zero interval disables throttling.
func NewDispatcher(sender email.Sender, templates *template.Engine, from, fromName string, interval time.Duration) *Dispatcher {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &Dispatcher{
		sender:    sender,
		templates: templates,
		limiter:   rate.NewLimiter(limit, 1),
		from:      from,
		fromName:  fromName,
	}
}

// Reply answers the customer message msg about session s.
func (d *Dispatcher) Reply(ctx context.Context, q *store.Queries, s *models.Session, msg models.InboundMessage, rt models.ResponseType) (*models.ResponseRecord, error) {
	rendered, err := d.templates.Render(rt, s, "")
	if err != nil {
		return nil, err
	}

	refs := make([]string, 0, len(msg.References)+1)
	for _, r := range msg.References {
		if r != msg.MessageID {
			refs = append(refs, r)
		}
	}
	refs = append(refs, msg.MessageID)

	out := email.Message{
		To:         msg.From,
		From:       d.from,
		FromName:   d.fromName,
		Subject:    template.ReplySubject(msg.Subject),
		Body:       rendered.Body,
		InReplyTo:  msg.MessageID,
		References: refs,
	}
	return d.send(ctx, q, s, out, rt)
}

// NotifyVendor asks v to quote session s.
func (d *Dispatcher) NotifyVendor(ctx context.Context, q *store.Queries, s *models.Session, v vendor.Vendor) (*models.ResponseRecord, error) {
	rendered, err := d.templates.Render(models.ResponseVendorNotification, s, v.Name)
	if err != nil {
		return nil, err
	}

	out := email.Message{
		To:       v.Email,
		From:     d.from,
		FromName: d.fromName,
		Subject:  rendered.Subject,
		Body:     rendered.Body,
	}
	return d.send(ctx, q, s, out, models.ResponseVendorNotification)
}

func (d *Dispatcher) send(ctx context.Context, q *store.Queries, s *models.Session, out email.Message, rt models.ResponseType) (*models.ResponseRecord, error) {
	log := logging.Log.WithField("session_id", s.ID).WithField("type", rt)

	record := &models.ResponseRecord{
		SessionID:     s.ID,
		InReplyTo:     out.InReplyTo,
		To:            out.To,
		Subject:       out.Subject,
		Body:          out.Body,
		Type:          rt,
		MissingFields: append([]models.Field(nil), s.MissingFields...),
	}

	if err := d.limiter.Wait(ctx); err != nil {
		record.Error = fmt.Sprintf("rate limiter: %v", err)
	} else {
		result := d.sender.Send(ctx, out)
		record.Sent = result.Success
		record.SentMessageID = result.MessageID
		if result.Error != nil {
			record.Error = result.Error.Error()
		}
	}

	if record.Sent {
		log.WithField("to", out.To).Info("response sent")
	} else {
		log.WithField("to", out.To).Warnf("response not sent: %s", record.Error)
	}

	if err := q.AddResponse(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}
