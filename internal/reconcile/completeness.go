package reconcile

import (
	"time"

	"github.com/freightdesk/intake/internal/models"
)

// requirement is satisfied when any of its fields is set. key is the name
// reported in the missing set.
type requirement struct {
	key   models.Field
	anyOf []models.Field
}

var requirements = []requirement{
	{models.PackageDescription, []models.Field{models.PackageDescription}},
	{models.OriginCity, []models.Field{models.OriginCity, models.OriginAddress}},
	{models.DestinationCity, []models.Field{models.DestinationCity, models.DestinationAddress}},
}

// Missing computes the required-but-absent fields from scratch. The result
// depends on fields alone.
func Missing(fields models.Fields) []models.Field {
	missing := []models.Field{}
	for _, r := range requirements {
		satisfied := false
		for _, f := range r.anyOf {
			if fields.Get(f) != "" {
				satisfied = true
				break
			}
		}
		if !satisfied {
			missing = append(missing, r.key)
		}
	}
	return missing
}

// Recompute refreshes the missing set and status of s. A complete session
// stays complete; only an explicit override moves it back.
func Recompute(s *models.Session, now time.Time) {
	s.MissingFields = Missing(s.Fields)

	switch {
	case s.Status == models.StatusComplete:
		// no automatic regression
	case len(s.MissingFields) == 0:
		s.Status = models.StatusComplete
		if s.CompletedAt == nil {
			t := now
			s.CompletedAt = &t
		}
	case s.VendorNotifiedAt != nil:
		s.Status = models.StatusPendingInfo
	default:
		s.Status = models.StatusIncomplete
	}
}
