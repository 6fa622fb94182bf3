package reconcile

import (
	"strings"

	"github.com/nyaruka/phonenumbers"

	"github.com/freightdesk/intake/internal/models"
)

// Precedence decides which extraction source wins when both produce a value
// for the same field.
type Precedence string

const (
	DeterministicWins Precedence = "deterministic"
	CollaboratorWins  Precedence = "collaborator"
)

// ParsePrecedence maps a config value onto a Precedence, falling back to def.
func ParsePrecedence(s string, def Precedence) Precedence {
	switch Precedence(strings.ToLower(strings.TrimSpace(s))) {
	case DeterministicWins:
		return DeterministicWins
	case CollaboratorWins:
		return CollaboratorWins
	}
	return def
}

// Policy is how a field reacts to a new value when it already holds one.
type Policy int

const (
	PolicyOverwrite Policy = iota // set whenever the new value differs
	PolicyProtect                 // first non-empty value sticks
	PolicyAppend                  // accumulate distinct descriptions
)

func (p Policy) String() string {
	switch p {
	case PolicyProtect:
		return "protect"
	case PolicyAppend:
		return "append"
	default:
		return "overwrite"
	}
}

const appendSeparator = " + "

var protectedFields = map[models.Field]bool{
	models.OriginName:         true,
	models.OriginAddress:      true,
	models.OriginCity:         true,
	models.OriginCountry:      true,
	models.DestinationName:    true,
	models.DestinationAddress: true,
	models.DestinationCity:    true,
	models.DestinationCountry: true,
}

// PolicyFor returns the merge policy of a field.
func PolicyFor(f models.Field) Policy {
	if protectedFields[f] {
		return PolicyProtect
	}
	if f == models.PackageDescription {
		return PolicyAppend
	}
	return PolicyOverwrite
}

// Combine folds the two extraction sources into one candidate set. Empty
// values never shadow a non-empty value from the other source.
func Combine(deterministic, collaborator models.Fields, p Precedence) models.Fields {
	low, high := deterministic, collaborator
	if p == DeterministicWins {
		low, high = collaborator, deterministic
	}

	out := models.Fields{}
	for _, src := range []models.Fields{low, high} {
		for f, v := range src {
			if !f.Valid() {
				continue
			}
			if v = strings.TrimSpace(v); v != "" {
				out[f] = v
			}
		}
	}
	return out
}

// Change is one field update applied by Merge.
type Change struct {
	Field  models.Field `json:"field"`
	Old    string       `json:"old,omitempty"`
	New    string       `json:"new"`
	Policy string       `json:"policy"`
}

// Merger applies candidate values to a session's fields.
type Merger struct {
	// PhoneRegion is the ISO 3166 region assumed for numbers without a
	// country prefix. Empty means only +-prefixed numbers are normalized.
	PhoneRegion string
}

// Merge applies candidate to current under the per-field policies and
// returns the resulting fields with the list of changes. current is not
// modified. No field is ever cleared.
func (m Merger) Merge(current, candidate models.Fields) (models.Fields, []Change) {
	out := current.Clone()
	if out == nil {
		out = models.Fields{}
	}

	var changes []Change
	for _, f := range models.AllFields {
		next := m.normalize(f, candidate.Get(f))
		if next == "" {
			continue
		}
		old := out.Get(f)
		policy := PolicyFor(f)

		value, changed := apply(policy, old, next)
		if !changed {
			continue
		}
		out[f] = value
		changes = append(changes, Change{Field: f, Old: old, New: value, Policy: policy.String()})
	}
	return out, changes
}

func apply(policy Policy, old, next string) (string, bool) {
	if old == "" {
		return next, true
	}

	switch policy {
	case PolicyProtect:
		return old, false
	case PolicyAppend:
		if strings.Contains(strings.ToLower(old), strings.ToLower(next)) {
			return old, false
		}
		return old + appendSeparator + next, true
	default:
		if old == next {
			return old, false
		}
		return next, true
	}
}

func (m Merger) normalize(f models.Field, v string) string {
	if v == "" || (f != models.OriginPhone && f != models.DestinationPhone) {
		return v
	}
	return NormalizePhone(v, m.PhoneRegion)
}

// NormalizePhone returns the E.164 form of a valid number, otherwise the
// input unchanged.
func NormalizePhone(raw, region string) string {
	num, err := phonenumbers.Parse(raw, strings.ToUpper(region))
	if err != nil || !phonenumbers.IsValidNumber(num) {
		return raw
	}
	return phonenumbers.Format(num, phonenumbers.E164)
}

// NewSessionFields prepares the fields of a session created from scratch.
func (m Merger) NewSessionFields(candidate models.Fields) models.Fields {
	fields, _ := m.Merge(models.Fields{}, candidate)
	return fields
}
