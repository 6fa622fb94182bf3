package email

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/freightdesk/intake/internal/config"
	"github.com/freightdesk/intake/internal/logging"
)

// Message is an outbound plain-text email. InReplyTo and References keep the
// reply inside the customer's thread.
type Message struct {
	To         string
	From       string
	FromName   string
	Subject    string
	Body       string
	InReplyTo  string
	References []string
}

type Result struct {
	Success   bool
	MessageID string
	Error     error
}

type Sender interface {
	Send(ctx context.Context, msg Message) Result
	Name() string
}

// NewSender returns the SMTP sender, or a logging sender when dryRun is set.
func NewSender(cfg config.SMTPConfig, dryRun bool) Sender {
	if dryRun {
		return &DryRunSender{}
	}
	return NewSMTPSender(cfg)
}

// ValidateEmail checks for injection characters and RFC 5322 compliance
func ValidateEmail(email string) error {
	if strings.ContainsAny(email, "\r\n,;") {
		return fmt.Errorf("email contains invalid characters")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return fmt.Errorf("invalid email format: %w", err)
	}
	return nil
}

func validateMessage(msg Message) error {
	if err := ValidateEmail(msg.From); err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	if err := ValidateEmail(msg.To); err != nil {
		return fmt.Errorf("invalid recipient: %w", err)
	}
	// Reject headers with CRLF to prevent injection
	if strings.ContainsAny(msg.Subject, "\r\n") {
		return fmt.Errorf("subject contains invalid characters")
	}
	if strings.ContainsAny(msg.InReplyTo, "\r\n") {
		return fmt.Errorf("in-reply-to contains invalid characters")
	}
	for _, ref := range msg.References {
		if strings.ContainsAny(ref, "\r\n") {
			return fmt.Errorf("references contain invalid characters")
		}
	}
	return nil
}

// DryRunSender logs messages instead of delivering them.
type DryRunSender struct{}

func (d *DryRunSender) Name() string { return "dry-run" }

func (d *DryRunSender) Send(ctx context.Context, msg Message) Result {
	if err := validateMessage(msg); err != nil {
		return Result{Success: false, Error: err}
	}
	logging.Log.WithFields(logrus.Fields{
		"to":          msg.To,
		"subject":     msg.Subject,
		"in_reply_to": msg.InReplyTo,
	}).Info("dry run: email not sent")
	return Result{Success: false, Error: ErrDryRun}
}

// ErrDryRun marks a message that was deliberately not sent.
var ErrDryRun = errors.New("dry run")
