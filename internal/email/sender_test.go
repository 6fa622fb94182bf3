package email

import (
	"context"
	"errors"
	"strings"
	"testing"

	gomail "github.com/wneessen/go-mail"

	"github.com/freightdesk/intake/internal/config"
)

func TestValidateEmail(t *testing.T) {
	tests := []struct {
		name    string
		email   string
		wantErr bool
	}{
		{"plain address", "ops@freightdesk.example", false},
		{"display name", "Ops <ops@freightdesk.example>", false},
		{"header injection", "ops@freightdesk.example\r\nBcc: x@y.z", true},
		{"list", "a@x.com,b@x.com", true},
		{"missing at", "ops.freightdesk.example", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEmail(tt.email)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateEmail(%q) error = %v, wantErr %v", tt.email, err, tt.wantErr)
			}
		})
	}
}

func TestBuildMessageSetsThreadingHeaders(t *testing.T) {
	m, err := buildMessage(Message{
		To:         "buyer@example.com",
		From:       "desk@freightdesk.example",
		FromName:   "Freight Desk",
		Subject:    "Re: Rate Request: IST to RUH",
		Body:       "Thanks",
		InReplyTo:  "<b@mail.example>",
		References: []string{"<a@mail.example>", "<b@mail.example>"},
	})
	if err != nil {
		t.Fatalf("buildMessage() error: %v", err)
	}

	if got := m.GetGenHeader(gomail.HeaderInReplyTo); len(got) != 1 || got[0] != "<b@mail.example>" {
		t.Errorf("In-Reply-To = %v", got)
	}
	if got := m.GetGenHeader(gomail.HeaderReferences); len(got) != 1 || got[0] != "<a@mail.example> <b@mail.example>" {
		t.Errorf("References = %v", got)
	}
	if id := m.GetMessageID(); !strings.HasPrefix(id, "<") || !strings.HasSuffix(id, ">") {
		t.Errorf("Message-ID = %q, want bracketed id", id)
	}
}

func TestSendRejectsInjection(t *testing.T) {
	senders := []Sender{&DryRunSender{}, &SMTPSender{}}
	for _, s := range senders {
		t.Run(s.Name(), func(t *testing.T) {
			res := s.Send(context.Background(), Message{
				To:      "buyer@example.com",
				From:    "desk@freightdesk.example",
				Subject: "hello\r\nBcc: victim@example.com",
			})
			if res.Success || res.Error == nil || !strings.Contains(res.Error.Error(), "subject") {
				t.Errorf("Send() = %+v, want subject rejection", res)
			}
		})
	}
}

func TestDryRunSender(t *testing.T) {
	res := NewSender(config.SMTPConfig{}, true).Send(context.Background(), Message{
		To:      "buyer@example.com",
		From:    "desk@freightdesk.example",
		Subject: "Re: hello",
	})
	if res.Success || !errors.Is(res.Error, ErrDryRun) {
		t.Errorf("Send() = %+v, want dry run result", res)
	}
}
