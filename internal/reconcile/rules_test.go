package reconcile

import (
	"reflect"
	"testing"
	"time"

	"github.com/freightdesk/intake/internal/agent"
	"github.com/freightdesk/intake/internal/models"
)

func TestThreadKey(t *testing.T) {
	tests := []struct {
		name       string
		msg        models.InboundMessage
		wantKey    string
		wantSource KeySource
	}{
		{
			name:       "oldest reference wins",
			msg:        models.InboundMessage{MessageID: "<c@x>", InReplyTo: "<b@x>", References: []string{"<a@x>", "<b@x>"}},
			wantKey:    "<a@x>",
			wantSource: KeyFromReferences,
		},
		{
			name:       "in-reply-to without references",
			msg:        models.InboundMessage{MessageID: "<c@x>", InReplyTo: "<b@x>"},
			wantKey:    "<b@x>",
			wantSource: KeyFromInReplyTo,
		},
		{
			name: "forwarded body carries the original id",
			msg: models.InboundMessage{
				MessageID: "<fwd@x>",
				Forwarded: true,
				Body:      "---------- Forwarded message ---------\nMessage-ID: <orig@customer.example>\nSubject: Rate Request",
			},
			wantKey:    "<orig@customer.example>",
			wantSource: KeyFromForwarded,
		},
		{
			name:       "ids in a non-forwarded body are ignored",
			msg:        models.InboundMessage{MessageID: "<own@x>", Body: "see <other@x>"},
			wantKey:    "<own@x>",
			wantSource: KeyFromSelf,
		},
		{
			name:       "forwarded without embedded id",
			msg:        models.InboundMessage{MessageID: "<own@x>", Forwarded: true, Body: "FYI, see below"},
			wantKey:    "<own@x>",
			wantSource: KeyFromSelf,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, source := ThreadKey(tt.msg)
			if key != tt.wantKey || source != tt.wantSource {
				t.Errorf("ThreadKey() = %q/%s, want %q/%s", key, source, tt.wantKey, tt.wantSource)
			}
		})
	}
}

func TestNormalizeSubject(t *testing.T) {
	tests := []struct {
		in         string
		want       string
		wantMarked bool
	}{
		{"Re: Rate Request: IST to RUH", "Rate Request: IST to RUH", true},
		{"RE: Fwd: re:Rate Request", "Rate Request", true},
		{"AW[2]: Angebot", "Angebot", true},
		{"Rate Request: IST to RUH", "Rate Request: IST to RUH", false},
		{"Rescheduled pickup", "Rescheduled pickup", false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, marked := NormalizeSubject(tt.in)
			if got != tt.want || marked != tt.wantMarked {
				t.Errorf("NormalizeSubject(%q) = %q/%v, want %q/%v", tt.in, got, marked, tt.want, tt.wantMarked)
			}
		})
	}
}

func TestExtractFields(t *testing.T) {
	tests := []struct {
		name string
		body string
		want models.Fields
	}{
		{
			name: "package description with weight",
			body: "Hi,\n\nPackage Description: Electronics, 50kg\n\nThanks",
			want: models.Fields{models.PackageDescription: "Electronics, 50kg"},
		},
		{
			name: "commodity is not a description label",
			body: "Commodity: Electronics\nContainer: 40HC",
			want: models.Fields{},
		},
		{
			name: "origin and destination labels",
			body: "Pickup Address: Ataturk Cd. 5, Istanbul\r\nDelivery City: Riyadh\r\nGross Weight: 1200 kg",
			want: models.Fields{
				models.OriginAddress:   "Ataturk Cd. 5, Istanbul",
				models.DestinationCity: "Riyadh",
				models.PackageWeight:   "1200 kg",
			},
		},
		{
			name: "recipient phone does not feed origin phone",
			body: "Recipient Phone: +966 11 000 0000",
			want: models.Fields{models.DestinationPhone: "+966 11 000 0000"},
		},
		{
			name: "quoted lines and placeholders are skipped",
			body: "Description: n/a\n> Sender City: Ankara\n- Service Type: Door to Door",
			want: models.Fields{models.ServiceType: "Door to Door"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractFields(tt.body)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ExtractFields() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMergePolicies(t *testing.T) {
	m := Merger{}
	tests := []struct {
		name      string
		current   models.Fields
		candidate models.Fields
		field     models.Field
		want      string
		changed   bool
	}{
		{"protect keeps the first city", models.Fields{models.OriginCity: "Istanbul"}, models.Fields{models.OriginCity: "Ankara"}, models.OriginCity, "Istanbul", false},
		{"protect fills an empty city", models.Fields{}, models.Fields{models.DestinationCity: "Riyadh"}, models.DestinationCity, "Riyadh", true},
		{"append distinct description", models.Fields{models.PackageDescription: "Frozen fish"}, models.Fields{models.PackageDescription: "20ft reefer"}, models.PackageDescription, "Frozen fish + 20ft reefer", true},
		{"append skips case-insensitive duplicate", models.Fields{models.PackageDescription: "Frozen fish + 20ft reefer"}, models.Fields{models.PackageDescription: "frozen fish"}, models.PackageDescription, "Frozen fish + 20ft reefer", false},
		{"overwrite differing weight", models.Fields{models.PackageWeight: "500 kg"}, models.Fields{models.PackageWeight: "650 kg"}, models.PackageWeight, "650 kg", true},
		{"overwrite ignores identical value", models.Fields{models.PackageWeight: "500 kg"}, models.Fields{models.PackageWeight: "500 kg"}, models.PackageWeight, "500 kg", false},
		{"empty candidate never clears", models.Fields{models.ServiceType: "Air"}, models.Fields{models.ServiceType: "  "}, models.ServiceType, "Air", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := tt.current.Clone()
			got, changes := m.Merge(tt.current, tt.candidate)
			if got.Get(tt.field) != tt.want {
				t.Errorf("%s = %q, want %q", tt.field, got.Get(tt.field), tt.want)
			}
			if (len(changes) > 0) != tt.changed {
				t.Errorf("changes = %v, want changed=%v", changes, tt.changed)
			}
			if !reflect.DeepEqual(tt.current, before) {
				t.Errorf("Merge() mutated its input: %v", tt.current)
			}
		})
	}
}

func TestCombinePrecedence(t *testing.T) {
	det := models.Fields{models.PackageWeight: "50kg", models.PackageDescription: "Electronics"}
	llm := models.Fields{models.PackageWeight: "55 kg", models.OriginCity: "Istanbul", models.ServiceType: ""}

	got := Combine(det, llm, DeterministicWins)
	if got[models.PackageWeight] != "50kg" || got[models.OriginCity] != "Istanbul" || got[models.PackageDescription] != "Electronics" {
		t.Errorf("deterministic wins: %v", got)
	}

	got = Combine(det, llm, CollaboratorWins)
	if got[models.PackageWeight] != "55 kg" || got[models.PackageDescription] != "Electronics" {
		t.Errorf("collaborator wins: %v", got)
	}
	if _, ok := got[models.ServiceType]; ok {
		t.Error("empty value should not be carried into the candidate set")
	}

	if ParsePrecedence("Deterministic", CollaboratorWins) != DeterministicWins || ParsePrecedence("bogus", CollaboratorWins) != CollaboratorWins {
		t.Error("ParsePrecedence() mapping is wrong")
	}
}

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		raw, region, want string
	}{
		{"+1 650-253-0000", "", "+16502530000"},
		{"(650) 253-0000", "US", "+16502530000"},
		{"(650) 253-0000", "", "(650) 253-0000"},
		{"call me", "US", "call me"},
	}
	for _, tt := range tests {
		t.Run(tt.raw+"/"+tt.region, func(t *testing.T) {
			if got := NormalizePhone(tt.raw, tt.region); got != tt.want {
				t.Errorf("NormalizePhone(%q, %q) = %q, want %q", tt.raw, tt.region, got, tt.want)
			}
		})
	}

	// Same number in two spellings is not a change
	m := Merger{PhoneRegion: "US"}
	_, changes := m.Merge(models.Fields{models.OriginPhone: "+16502530000"}, models.Fields{models.OriginPhone: "650 253 0000"})
	if len(changes) != 0 {
		t.Errorf("expected no change, got %v", changes)
	}
}

func TestMissing(t *testing.T) {
	tests := []struct {
		name   string
		fields models.Fields
		want   []models.Field
	}{
		{"empty", models.Fields{}, []models.Field{models.PackageDescription, models.OriginCity, models.DestinationCity}},
		{"addresses satisfy locators", models.Fields{models.OriginAddress: "Pier 4", models.DestinationAddress: "Dock 9", models.PackageDescription: "Steel"}, []models.Field{}},
		{"cities but no description", models.Fields{models.OriginCity: "Istanbul", models.DestinationCity: "Riyadh"}, []models.Field{models.PackageDescription}},
		{"whitespace is absent", models.Fields{models.PackageDescription: " ", models.OriginCity: "Istanbul", models.DestinationCity: "Riyadh"}, []models.Field{models.PackageDescription}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			first := Missing(tt.fields)
			second := Missing(tt.fields)
			if !reflect.DeepEqual(first, tt.want) {
				t.Errorf("Missing() = %v, want %v", first, tt.want)
			}
			if !reflect.DeepEqual(first, second) {
				t.Errorf("Missing() not stable: %v vs %v", first, second)
			}
		})
	}
}

func TestRecomputeStatus(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	notified := now.Add(-time.Hour)

	s := &models.Session{Fields: models.Fields{models.OriginCity: "Istanbul"}, Status: models.StatusIncomplete}
	Recompute(s, now)
	if s.Status != models.StatusIncomplete || len(s.MissingFields) != 2 {
		t.Fatalf("got %s %v", s.Status, s.MissingFields)
	}

	s.VendorNotifiedAt = &notified
	Recompute(s, now)
	if s.Status != models.StatusPendingInfo || len(s.MissingFields) != 2 {
		t.Fatalf("vendor notified: got %s %v", s.Status, s.MissingFields)
	}

	s.Fields[models.DestinationCity] = "Riyadh"
	s.Fields[models.PackageDescription] = "Electronics"
	Recompute(s, now)
	if s.Status != models.StatusComplete || s.CompletedAt == nil || !s.CompletedAt.Equal(now) {
		t.Fatalf("complete: got %s %v", s.Status, s.CompletedAt)
	}

	// A later change that empties a required field does not regress status
	delete(s.Fields, models.PackageDescription)
	Recompute(s, now.Add(time.Hour))
	if s.Status != models.StatusComplete || !s.CompletedAt.Equal(now) {
		t.Errorf("status regressed to %s", s.Status)
	}
	if len(s.MissingFields) != 1 || s.MissingFields[0] != models.PackageDescription {
		t.Errorf("missing set should still be recomputed, got %v", s.MissingFields)
	}
}

func TestUpgrade(t *testing.T) {
	shippy := models.InboundMessage{
		Subject: "Rate Request: IST to RUH",
		Body:    "Commodity: Electronics\n1x40HC, 12000 kg, FOB Istanbul",
	}
	chatty := models.InboundMessage{Subject: "Lunch on Friday?", Body: "Are you free?"}

	tests := []struct {
		name         string
		in           agent.Classification
		msg          models.InboundMessage
		wantCategory models.Category
		wantUpgraded bool
	}{
		{"other upgraded by shipping vocabulary", agent.Classification{Category: models.CategoryOther, OK: true}, shippy, models.CategoryShippingRequest, true},
		{"degraded classifier still upgraded", agent.Classification{Category: models.CategoryOther}, shippy, models.CategoryShippingRequest, true},
		{"other without signals stays other", agent.Classification{Category: models.CategoryOther, OK: true}, chatty, models.CategoryOther, false},
		{"shipping request never downgraded", agent.Classification{Category: models.CategoryShippingRequest, Confidence: 0.9, OK: true}, chatty, models.CategoryShippingRequest, false},
		{"query is left alone", agent.Classification{Category: models.CategoryQuery, OK: true}, shippy, models.CategoryQuery, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, upgraded := Upgrade(tt.in, tt.msg)
			if got.Category != tt.wantCategory || upgraded != tt.wantUpgraded {
				t.Errorf("Upgrade() = %s/%v, want %s/%v", got.Category, upgraded, tt.wantCategory, tt.wantUpgraded)
			}
		})
	}
}
