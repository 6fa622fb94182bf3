package reconcile

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/freightdesk/intake/internal/agent"
	"github.com/freightdesk/intake/internal/models"
)

// Score needed before the heuristic overrides an "other" verdict
const heuristicThreshold = 3

var (
	// Strong signals in the subject line (worth +2)
	subjectShippingPatterns = []regexp.Regexp{
		*regexp.MustCompile(`(?i)\b(rate|price|freight|shipping|transport)\s+(request|inquiry|enquiry|quote|quotation)\b`),
		*regexp.MustCompile(`(?i)\b(rfq|booking\s+request|quote\s+request)\b`),
		*regexp.MustCompile(`\b[A-Z]{3}\s*(?:to|-|>|/)\s*[A-Z]{3}\b`), // IATA/UN codes such as IST to RUH
	}

	// Shipping vocabulary in subject or body (worth +1 each)
	shippingPatterns = []regexp.Regexp{
		*regexp.MustCompile(`(?i)\b(freight|cargo|consignment|shipment)\b`),
		*regexp.MustCompile(`(?i)\b(20|40|45)\s*(ft|')\s*(hc|hq|dv|gp|reefer|container)?\b`),
		*regexp.MustCompile(`(?i)\b(reefer|container|pallets?|fcl|lcl|ltl|ftl)\b`),
		*regexp.MustCompile(`(?i)\b(exw|fob|cif|cfr|dap|ddp|fca)\b`),
		*regexp.MustCompile(`(?i)\b(pick\s*-?up|collection|delivery)\s+(address|date|point|city)\b`),
		*regexp.MustCompile(`(?i)\b(door|port|airport)\s+to\s+(door|port|airport)\b`),
		*regexp.MustCompile(`(?i)\b\d+([.,]\d+)?\s*(kg|kgs|lbs|tons?|cbm|m3)\b`),
		*regexp.MustCompile(`(?i)\b(commodity|gross\s+weight|chargeable\s+weight|dimensions)\s*:`),
		*regexp.MustCompile(`(?i)\b(air|sea|ocean|road)\s+freight\b`),
		*regexp.MustCompile(`(?i)\b(pol|pod|port\s+of\s+(loading|discharge))\b`),
	}
)

// HeuristicScore counts shipping signals in a message. It returns the score
// and the patterns that fired.
func HeuristicScore(msg models.InboundMessage) (int, []string) {
	score := 0
	var reasons []string

	for i := range subjectShippingPatterns {
		if subjectShippingPatterns[i].MatchString(msg.Subject) {
			score += 2
			reasons = append(reasons, "subject:"+subjectShippingPatterns[i].String())
		}
	}

	content := msg.Subject + "\n" + msg.Body
	for i := range shippingPatterns {
		if shippingPatterns[i].MatchString(content) {
			score++
			reasons = append(reasons, shippingPatterns[i].String())
		}
	}

	// Forwarded mail at an intake desk is nearly always a customer request
	// passed on by a colleague
	if msg.Forwarded && score > 0 {
		score++
		reasons = append(reasons, "forwarded")
	}
	return score, reasons
}

// Upgrade promotes an "other" classification to shipping_request when the
// heuristic score clears the threshold. Every other verdict is returned as is.
func Upgrade(c agent.Classification, msg models.InboundMessage) (agent.Classification, bool) {
	if c.Category != models.CategoryOther {
		return c, false
	}
	score, reasons := HeuristicScore(msg)
	if score < heuristicThreshold {
		return c, false
	}

	confidence := 0.5 + 0.05*float64(score-heuristicThreshold)
	if confidence > 0.8 {
		confidence = 0.8
	}
	if c.Confidence > confidence {
		confidence = c.Confidence
	}

	upgraded := c
	upgraded.Category = models.CategoryShippingRequest
	upgraded.Confidence = confidence
	upgraded.Rationale = strings.TrimSpace(fmt.Sprintf("%s [heuristic score %d: %d signals]", c.Rationale, score, len(reasons)))
	return upgraded, true
}
