package agent

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/freightdesk/intake/internal/models"
)

const maxBodyChars = 12000

const classifySystemPrompt = `You are an expert email classifier for a logistics company.
Decide whether an email is a request to move freight.

A shipping request typically mentions pickup and delivery locations, cargo details
(weight, dimensions, commodity, container type) or asks for a rate for a specific move.

Categories:
- shipping_request: a request to ship something or to quote a specific move
- query: a general question about services, rates, tracking or the company
- spam: unsolicited marketing, phishing or automated noise
- other: anything else

Respond with a single JSON object and nothing else:
{"category": "<one of the categories>", "confidence": <0..1>, "rationale": "<one sentence>"}`

const extractSystemPrompt = `You are an expert at extracting shipping information from emails.
Extract only information that is explicitly stated or clearly implied. Map airport and port
codes to city names (IST is Istanbul, RUH is Riyadh). For package_description combine the
commodity, container type and temperature when given.

Respond with a single JSON object using only these keys, omitting anything not found:
origin_name, origin_address, origin_city, origin_state, origin_zip, origin_country, origin_phone,
destination_name, destination_address, destination_city, destination_state, destination_zip,
destination_country, destination_phone, package_weight, package_dimensions, package_description,
package_value, service_type, pickup_date, delivery_date`

func userPrompt(req Request, instruction string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Subject: %s\n\n", req.Subject)
	name := req.FromName
	if name == "" {
		name = "Unknown"
	}
	fmt.Fprintf(&b, "From: %s (%s)\n\n", req.From, name)

	if len(req.Context) > 0 {
		b.WriteString("Earlier messages in this conversation:\n")
		for _, c := range req.Context {
			b.WriteString("---\n")
			b.WriteString(truncate(c, maxBodyChars/4))
			b.WriteString("\n")
		}
		b.WriteString("---\n\n")
	}

	b.WriteString("Body:\n")
	b.WriteString(truncate(req.Body, maxBodyChars))
	b.WriteString("\n\n")
	b.WriteString(instruction)
	return b.String()
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// stripFences removes a surrounding markdown code block, which models add
// even when asked for bare JSON.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func parseClassification(raw string) (Classification, error) {
	var out struct {
		Category   string          `json:"category"`
		Confidence json.RawMessage `json:"confidence"`
		Rationale  string          `json:"rationale"`
		Reasoning  string          `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(stripFences(raw)), &out); err != nil {
		return Classification{}, fmt.Errorf("invalid classification json: %w", err)
	}

	category := strings.ToLower(strings.TrimSpace(out.Category))
	c := Classification{
		Category:   models.ParseCategory(category),
		Confidence: clamp(parseConfidence(out.Confidence)),
		Rationale:  out.Rationale,
		OK:         true,
	}
	if c.Rationale == "" {
		c.Rationale = out.Reasoning
	}
	// Older prompts used a separate inquiry label
	if category == "logistics_inquiry" {
		c.Category = models.CategoryQuery
	}
	return c, nil
}

func parseConfidence(raw json.RawMessage) float64 {
	if len(raw) == 0 {
		return 0
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		f, _ = strconv.ParseFloat(strings.TrimSpace(s), 64)
	}
	return f
}

func clamp(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// legacyKeys maps sender/recipient naming onto origin/destination fields.
var legacyKeys = map[string]models.Field{
	"sender_name":       models.OriginName,
	"sender_address":    models.OriginAddress,
	"sender_city":       models.OriginCity,
	"sender_state":      models.OriginState,
	"sender_zipcode":    models.OriginZip,
	"sender_country":    models.OriginCountry,
	"sender_phone":      models.OriginPhone,
	"recipient_name":    models.DestinationName,
	"recipient_address": models.DestinationAddress,
	"recipient_city":    models.DestinationCity,
	"recipient_state":   models.DestinationState,
	"recipient_zipcode": models.DestinationZip,
	"recipient_country": models.DestinationCountry,
	"recipient_phone":   models.DestinationPhone,
}

func parseExtraction(raw string) (models.Fields, error) {
	var out map[string]any
	if err := json.Unmarshal([]byte(stripFences(raw)), &out); err != nil {
		return nil, fmt.Errorf("invalid extraction json: %w", err)
	}

	// Canonical keys win over their legacy aliases.
	fields := models.Fields{}
	legacy := models.Fields{}
	for _, k := range slices.Sorted(maps.Keys(out)) {
		v := out[k]
		key := strings.ToLower(strings.TrimSpace(k))
		f := models.Field(key)
		dst := fields
		if mapped, ok := legacyKeys[key]; ok {
			f = mapped
			dst = legacy
		}
		if !f.Valid() {
			continue
		}

		var value string
		switch tv := v.(type) {
		case nil:
			continue
		case string:
			value = tv
		case float64:
			value = strconv.FormatFloat(tv, 'f', -1, 64)
		default:
			value = fmt.Sprint(tv)
		}
		value = strings.TrimSpace(value)
		if value == "" || strings.EqualFold(value, "null") || strings.EqualFold(value, "n/a") {
			continue
		}
		dst[f] = value
	}

	for f, value := range legacy {
		if _, ok := fields[f]; !ok {
			fields[f] = value
		}
	}
	return fields, nil
}
