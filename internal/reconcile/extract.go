package reconcile

import (
	"regexp"
	"strings"

	"github.com/freightdesk/intake/internal/models"
)

// labelRule maps "Label: value" lines onto a field. Labels are tried in
// order and the first hit wins.
type labelRule struct {
	field  models.Field
	labels []string
}

var labelRules = []labelRule{
	{models.OriginName, []string{`sender\s+name`, `shipper\s+name`, `from\s+name`, `origin\s+name`}},
	{models.OriginAddress, []string{`sender\s+address`, `pickup\s+address`, `pick-up\s+address`, `from\s+address`, `origin\s+address`}},
	{models.OriginCity, []string{`sender\s+city`, `pickup\s+city`, `from\s+city`, `origin\s+city`, `origin`}},
	{models.OriginState, []string{`sender\s+state`, `origin\s+state`, `pickup\s+state`}},
	{models.OriginZip, []string{`sender\s+(?:zip|zipcode|zip\s+code|postal\s+code|postcode)`, `origin\s+(?:zip|postal\s+code)`}},
	{models.OriginCountry, []string{`sender\s+country`, `origin\s+country`, `pickup\s+country`}},
	{models.OriginPhone, []string{`sender\s+phone`, `shipper\s+phone`, `phone`}},

	{models.DestinationName, []string{`recipient\s+name`, `consignee\s+name`, `to\s+name`, `receiver\s+name`}},
	{models.DestinationAddress, []string{`recipient\s+address`, `delivery\s+address`, `to\s+address`, `destination\s+address`, `consignee\s+address`}},
	{models.DestinationCity, []string{`recipient\s+city`, `delivery\s+city`, `to\s+city`, `destination\s+city`, `destination`}},
	{models.DestinationState, []string{`recipient\s+state`, `destination\s+state`, `delivery\s+state`}},
	{models.DestinationZip, []string{`recipient\s+(?:zip|zipcode|zip\s+code|postal\s+code|postcode)`, `destination\s+(?:zip|postal\s+code)`}},
	{models.DestinationCountry, []string{`recipient\s+country`, `destination\s+country`, `delivery\s+country`}},
	{models.DestinationPhone, []string{`recipient\s+phone`, `consignee\s+phone`, `receiver\s+phone`}},

	{models.PackageDescription, []string{`package\s+description`, `goods\s+description`, `description`}},
	{models.PackageWeight, []string{`package\s+weight`, `gross\s+weight`, `weight`}},
	{models.PackageDimensions, []string{`package\s+dimensions`, `dimensions`, `dims`}},
	{models.PackageValue, []string{`package\s+value`, `declared\s+value`, `cargo\s+value`, `value`}},
	{models.ServiceType, []string{`service\s+type`, `service`, `mode`}},
	{models.PickupDate, []string{`pickup\s+date`, `pick-up\s+date`, `ready\s+date`, `collection\s+date`}},
	{models.DeliveryDate, []string{`delivery\s+date`, `required\s+delivery`, `deadline`}},
}

type compiledRule struct {
	field    models.Field
	patterns []*regexp.Regexp
}

// Labels must start a line. Quoted lines ("> ...") are skipped so an old
// message quoted in a reply does not feed stale values back in.
var compiledRules = func() []compiledRule {
	rules := make([]compiledRule, 0, len(labelRules))
	for _, r := range labelRules {
		cr := compiledRule{field: r.field}
		for _, label := range r.labels {
			cr.patterns = append(cr.patterns,
				regexp.MustCompile(`(?im)^[ \t*•-]*`+label+`[ \t]*[:=][ \t]*(.+?)[ \t]*$`))
		}
		rules = append(rules, cr)
	}
	return rules
}()

var placeholderValues = map[string]bool{
	"-": true, "?": true, "n/a": true, "na": true, "tbd": true, "tba": true, "none": true, "unknown": true,
}

// ExtractFields pulls "Label: value" pairs out of a message body.
func ExtractFields(body string) models.Fields {
	body = strings.ReplaceAll(body, "\r\n", "\n")
	fields := models.Fields{}

	for _, rule := range compiledRules {
		for _, re := range rule.patterns {
			m := re.FindStringSubmatch(body)
			if m == nil {
				continue
			}
			value := strings.TrimSpace(m[1])
			if value == "" || placeholderValues[strings.ToLower(value)] {
				continue
			}
			fields[rule.field] = value
			break
		}
	}
	return fields
}
