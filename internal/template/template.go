package template

import (
	"bytes"
	"embed"
	"fmt"
	"regexp"
	"strings"
	"text/template"

	"github.com/freightdesk/intake/internal/models"
)

//go:embed templates/*.tmpl
var embeddedTemplates embed.FS

var replyPrefix = regexp.MustCompile(`(?i)^\s*re\s*:`)

// FieldValue is one populated shipment field for display
type FieldValue struct {
	Label string
	Value string
}

// EmailData contains all data available to response templates
type EmailData struct {
	SessionID    int64
	CustomerName string
	VendorName   string
	DeskName     string
	Missing      []string // human readable labels
	Known        []FieldValue
}

// Email represents a rendered email ready to send
type Email struct {
	Subject string
	Body    string
}

// Engine handles response template rendering
type Engine struct {
	templates map[models.ResponseType]*template.Template
	deskName  string
}

// NewEngine parses the embedded templates. deskName signs every message.
func NewEngine(deskName string) (*Engine, error) {
	if deskName == "" {
		deskName = "The Freight Desk"
	}
	e := &Engine{
		templates: make(map[models.ResponseType]*template.Template),
		deskName:  deskName,
	}

	types := []models.ResponseType{
		models.ResponseMissingInfo,
		models.ResponseConfirmation,
		models.ResponseVendorNotification,
	}
	for _, rt := range types {
		name := string(rt)
		content, err := embeddedTemplates.ReadFile("templates/" + name + ".tmpl")
		if err != nil {
			return nil, fmt.Errorf("failed to read embedded template %s: %w", name, err)
		}

		tmpl, err := template.New(name).Parse(string(content))
		if err != nil {
			return nil, fmt.Errorf("failed to parse template %s: %w", name, err)
		}

		e.templates[rt] = tmpl
	}

	return e, nil
}

// Render generates a response for s. vendorName is only used by the vendor
// notification.
func (e *Engine) Render(rt models.ResponseType, s *models.Session, vendorName string) (*Email, error) {
	tmpl, ok := e.templates[rt]
	if !ok {
		return nil, fmt.Errorf("unknown template: %s", rt)
	}

	data := EmailData{
		SessionID:    s.ID,
		CustomerName: s.CustomerName,
		VendorName:   vendorName,
		DeskName:     e.deskName,
	}
	if data.CustomerName == "" {
		data.CustomerName = "there"
	}
	if data.VendorName == "" {
		data.VendorName = "there"
	}
	for _, f := range s.MissingFields {
		data.Missing = append(data.Missing, f.Label())
	}
	for _, f := range models.AllFields {
		if v := s.Fields.Get(f); v != "" {
			data.Known = append(data.Known, FieldValue{Label: f.Label(), Value: v})
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("failed to render template: %w", err)
	}

	return &Email{
		Subject: e.getSubject(rt, s),
		Body:    buf.String(),
	}, nil
}

func (e *Engine) getSubject(rt models.ResponseType, s *models.Session) string {
	switch rt {
	case models.ResponseVendorNotification:
		if s.Subject == "" {
			return fmt.Sprintf("Shipment request #%d", s.ID)
		}
		return fmt.Sprintf("Shipment request #%d: %s", s.ID, StripReplyPrefix(s.Subject))
	default:
		return ReplySubject(s.Subject)
	}
}

// ReplySubject prefixes "Re: " unless the subject already carries it.
func ReplySubject(subject string) string {
	subject = strings.TrimSpace(subject)
	if replyPrefix.MatchString(subject) {
		return subject
	}
	if subject == "" {
		return "Re: Your shipment request"
	}
	return "Re: " + subject
}

// StripReplyPrefix removes one leading "Re:".
func StripReplyPrefix(subject string) string {
	return strings.TrimSpace(replyPrefix.ReplaceAllString(subject, ""))
}

// AvailableTemplates returns the response types the engine can render
func (e *Engine) AvailableTemplates() []models.ResponseType {
	templates := make([]models.ResponseType, 0, len(e.templates))
	for rt := range e.templates {
		templates = append(templates, rt)
	}
	return templates
}
