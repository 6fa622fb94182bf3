package reconcile

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/freightdesk/intake/internal/agent"
	"github.com/freightdesk/intake/internal/email"
	"github.com/freightdesk/intake/internal/models"
	"github.com/freightdesk/intake/internal/store"
	"github.com/freightdesk/intake/internal/template"
	"github.com/freightdesk/intake/internal/vendor"
)

type fakeMailbox struct {
	unread   []models.InboundMessage
	fetchErr error
	read     []string
}

func (f *fakeMailbox) FetchUnread(ctx context.Context, limit int) ([]models.InboundMessage, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	msgs := f.unread
	if len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

func (f *fakeMailbox) MarkRead(ctx context.Context, msg models.InboundMessage) error {
	f.read = append(f.read, msg.MessageID)
	return nil
}

type fakeClassifier struct {
	category models.Category
	ok       bool
	calls    int
}

func (f *fakeClassifier) Classify(ctx context.Context, req agent.Request) agent.Classification {
	f.calls++
	if !f.ok {
		return agent.Classification{Category: models.CategoryOther, Err: errors.New("model offline")}
	}
	return agent.Classification{Category: f.category, Confidence: 0.9, Rationale: "test", OK: true}
}

type fakeExtractor struct {
	fields models.Fields
	panic  bool
	calls  int
}

func (f *fakeExtractor) Extract(ctx context.Context, req agent.Request) agent.Extraction {
	f.calls++
	if f.panic {
		panic("extractor exploded")
	}
	return agent.Extraction{Fields: f.fields.Clone(), OK: true}
}

type fakeSender struct {
	fail   bool
	onSend func()
	sent   []email.Message
}

func (f *fakeSender) Name() string { return "fake" }

func (f *fakeSender) Send(ctx context.Context, msg email.Message) email.Result {
	if f.fail {
		return email.Result{Success: false, Error: errors.New("SMTP error: check your configuration")}
	}
	f.sent = append(f.sent, msg)
	if f.onSend != nil {
		f.onSend()
	}
	return email.Result{Success: true, MessageID: "<sent-" + msg.To + "@desk.example>"}
}

type harness struct {
	store      *store.Store
	mailbox    *fakeMailbox
	classifier *fakeClassifier
	extractor  *fakeExtractor
	sender     *fakeSender
	rec        *Reconciler
}

const vendorEmail = "quotes@gulfair.example"

func newHarness(t *testing.T) *harness {
	t.Helper()

	st, err := store.NewStore(filepath.Join(t.TempDir(), "intake.db"))
	if err != nil {
		t.Fatalf("NewStore() error: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	dir, err := vendor.New([]vendor.Vendor{
		{ID: "gulf-air", Name: "Gulf Air Cargo", Email: vendorEmail, Active: true},
		{ID: "old-line", Name: "Old Line Shipping", Email: "ops@oldline.example", Active: false},
	})
	if err != nil {
		t.Fatalf("vendor.New() error: %v", err)
	}

	engine, err := template.NewEngine("Test Desk")
	if err != nil {
		t.Fatalf("NewEngine() error: %v", err)
	}

	h := &harness{
		store:      st,
		mailbox:    &fakeMailbox{},
		classifier: &fakeClassifier{category: models.CategoryShippingRequest, ok: true},
		extractor:  &fakeExtractor{fields: models.Fields{}},
		sender:     &fakeSender{},
	}
	dispatcher := NewDispatcher(h.sender, engine, "desk@freightdesk.example", "Freight Desk", 0)
	h.rec = New(st, h.mailbox, dir, h.classifier, h.extractor, dispatcher, Options{MaxAttempts: 2})
	return h
}

func (h *harness) session(t *testing.T, id int64) *models.Session {
	t.Helper()
	s, err := h.store.Queries().GetSession(context.Background(), id)
	if err != nil {
		t.Fatalf("GetSession(%d) error: %v", id, err)
	}
	return s
}

func inquiry() models.InboundMessage {
	return models.InboundMessage{
		UID:        1,
		MessageID:  "<inq-1@customer.example>",
		From:       "buyer@customer.example",
		FromName:   "Ayse Demir",
		Subject:    "Rate Request: IST to RUH",
		Body:       "Hello,\nplease quote.\nCommodity: Electronics\nBest",
		ReceivedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestEndToEndInquiryThenFollowup(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.extractor.fields = models.Fields{models.OriginCity: "Istanbul", models.DestinationCity: "Riyadh"}

	first := h.rec.Process(ctx, inquiry())
	if first.Outcome != OutcomeProcessed || !first.Created || first.Role != models.RoleNewInquiry {
		t.Fatalf("first = %+v", first)
	}
	if first.Status != models.StatusIncomplete || len(first.Missing) != 1 || first.Missing[0] != models.PackageDescription {
		t.Fatalf("first status = %s missing = %v", first.Status, first.Missing)
	}
	if first.Response != models.ResponseMissingInfo || !first.Sent {
		t.Errorf("first response = %s sent=%v", first.Response, first.Sent)
	}

	reply := h.sender.sent[0]
	if reply.To != "buyer@customer.example" || reply.Subject != "Re: Rate Request: IST to RUH" || reply.InReplyTo != "<inq-1@customer.example>" {
		t.Errorf("reply = %+v", reply)
	}
	if !strings.Contains(reply.Body, "Package Description") {
		t.Errorf("reply body does not ask for the description:\n%s", reply.Body)
	}

	followup := models.InboundMessage{
		UID:        2,
		MessageID:  "<inq-2@customer.example>",
		InReplyTo:  "<sent-buyer@customer.example@desk.example>",
		References: []string{"<inq-1@customer.example>", "<sent-buyer@customer.example@desk.example>"},
		From:       "buyer@customer.example",
		Subject:    "Re: Rate Request: IST to RUH",
		Body:       "Package Description: Electronics, 50kg\n\n> Commodity: Electronics",
		Reply:      true,
	}
	second := h.rec.Process(ctx, followup)
	if second.Outcome != OutcomeProcessed || second.Role != models.RoleCustomerFollowup || second.SessionID != first.SessionID {
		t.Fatalf("second = %+v", second)
	}
	if second.Status != models.StatusComplete || len(second.Missing) != 0 || second.Response != models.ResponseConfirmation {
		t.Errorf("second status = %s missing = %v response = %s", second.Status, second.Missing, second.Response)
	}

	s := h.session(t, first.SessionID)
	if s.Fields.Get(models.PackageDescription) != "Electronics, 50kg" || s.CompletedAt == nil {
		t.Errorf("session = %+v", s)
	}
	if h.classifier.calls != 1 {
		t.Errorf("classifier called %d times, follow-ups should not be classified", h.classifier.calls)
	}

	responses, err := h.store.Queries().ListResponses(ctx, s.ID)
	if err != nil || len(responses) != 2 {
		t.Fatalf("ListResponses() = %v, %v", responses, err)
	}
	if responses[0].Type != models.ResponseMissingInfo || responses[1].Type != models.ResponseConfirmation {
		t.Errorf("response types = %s, %s", responses[0].Type, responses[1].Type)
	}

	if len(h.mailbox.read) != 2 {
		t.Errorf("marked read = %v", h.mailbox.read)
	}
}

func TestDuplicateMessageIsNoop(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.extractor.fields = models.Fields{models.OriginCity: "Istanbul"}

	first := h.rec.Process(ctx, inquiry())
	second := h.rec.Process(ctx, inquiry())

	if first.Outcome != OutcomeProcessed || second.Outcome != OutcomeDuplicate {
		t.Fatalf("outcomes = %s, %s", first.Outcome, second.Outcome)
	}
	if h.classifier.calls != 1 || h.extractor.calls != 1 || len(h.sender.sent) != 1 {
		t.Errorf("side effects repeated: classify=%d extract=%d sent=%d", h.classifier.calls, h.extractor.calls, len(h.sender.sent))
	}

	sessions, err := h.store.Queries().ListSessions(ctx, "", 10)
	if err != nil || len(sessions) != 1 {
		t.Fatalf("ListSessions() = %d sessions, %v", len(sessions), err)
	}
	msgs, err := h.store.Queries().ListMessages(ctx, "", 10)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("ListMessages() = %d messages, %v", len(msgs), err)
	}
}

func TestNonShippingInquiryCreatesNothing(t *testing.T) {
	tests := []struct {
		name     string
		category models.Category
		ok       bool
		msg      models.InboundMessage
		want     models.Category
	}{
		{"query", models.CategoryQuery, true, models.InboundMessage{MessageID: "<q@x>", From: "a@x.example", Subject: "Opening hours?", Body: "When are you open?"}, models.CategoryQuery},
		{"spam", models.CategorySpam, true, models.InboundMessage{MessageID: "<s@x>", From: "promo@x.example", Subject: "WIN BIG", Body: "click"}, models.CategorySpam},
		{"classifier down", "", false, models.InboundMessage{MessageID: "<o@x>", From: "a@x.example", Subject: "hello", Body: "hi"}, models.CategoryOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t)
			h.classifier.category = tt.category
			h.classifier.ok = tt.ok

			res := h.rec.Process(ctx, tt.msg)
			if res.Outcome != OutcomeProcessed || res.Category != tt.want || res.SessionID != 0 {
				t.Errorf("Process() = %+v", res)
			}
			if len(h.sender.sent) != 0 || h.extractor.calls != 0 {
				t.Errorf("unexpected side effects: sent=%d extract=%d", len(h.sender.sent), h.extractor.calls)
			}

			m, _ := h.store.Queries().FindMessage(ctx, tt.msg.MessageID)
			if m == nil || m.Status != models.MessageCompleted || m.Category != tt.want {
				t.Errorf("persisted message = %+v", m)
			}
		})
	}
}

func TestHeuristicUpgradesDegradedClassifier(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.classifier.ok = false

	res := h.rec.Process(ctx, inquiry())
	if res.Category != models.CategoryShippingRequest || !res.Created {
		t.Fatalf("Process() = %+v", res)
	}

	logs, err := h.store.Queries().ListDecisions(ctx, inquiry().MessageID)
	if err != nil {
		t.Fatal(err)
	}
	var steps []string
	for _, l := range logs {
		steps = append(steps, l.Step)
	}
	if strings.Join(steps, ",") != "resolve,classify,extract,merge,dispatch" {
		t.Errorf("decision steps = %v", steps)
	}
	if !strings.Contains(logs[1].Detail, `"heuristic":true`) || !strings.Contains(logs[1].Detail, "model offline") {
		t.Errorf("classify detail = %s", logs[1].Detail)
	}
}

func TestVendorReplyRoutesToOutstandingSession(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	q := h.store.Queries()

	notified := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	answered := &models.Session{OriginMessageID: "<a@x>", ThreadKey: "<a@x>", Subject: "Rate A", VendorID: "gulf-air", Status: models.StatusComplete}
	waiting := &models.Session{OriginMessageID: "<b@x>", ThreadKey: "<b@x>", Subject: "Rate B", VendorID: "gulf-air", VendorNotifiedAt: &notified, Status: models.StatusPendingInfo,
		Fields: models.Fields{models.OriginCity: "Istanbul"}}
	for _, s := range []*models.Session{answered, waiting} {
		if err := q.InsertSession(ctx, s); err != nil {
			t.Fatal(err)
		}
	}

	msg := models.InboundMessage{
		MessageID:  "<v1@gulfair.example>",
		From:       vendorEmail,
		Subject:    "Our offer",
		Body:       "Origin City: Ankara\nRate: USD 2.10/kg",
		ReceivedAt: notified.Add(2 * time.Hour),
	}
	res := h.rec.Process(ctx, msg)
	if res.Role != models.RoleVendorReply || res.SessionID != waiting.ID {
		t.Fatalf("Process() = %+v", res)
	}
	if h.classifier.calls != 0 || h.extractor.calls != 0 || len(h.sender.sent) != 0 {
		t.Errorf("vendor reply triggered classify=%d extract=%d sent=%d", h.classifier.calls, h.extractor.calls, len(h.sender.sent))
	}

	got := h.session(t, waiting.ID)
	if got.VendorRepliedAt == nil || !got.VendorRepliedAt.Equal(msg.ReceivedAt) || got.VendorReplyMessageID != msg.MessageID {
		t.Errorf("vendor bookkeeping = %+v", got)
	}
	if got.Fields.Get(models.OriginCity) != "Istanbul" || got.VendorReplyContent != msg.Body {
		t.Errorf("vendor reply must not touch shipment fields: %v", got.Fields)
	}
	if other := h.session(t, answered.ID); other.VendorRepliedAt != nil {
		t.Error("reply was attached to the wrong session")
	}

	// Nothing outstanding any more: the next vendor mail is a plain new inquiry
	h.classifier.category = models.CategoryQuery
	next := h.rec.Process(ctx, models.InboundMessage{MessageID: "<v2@gulfair.example>", From: vendorEmail, Subject: "Holiday schedule", Body: "closed"})
	if next.Role != models.RoleNewInquiry {
		t.Errorf("second vendor mail role = %s", next.Role)
	}
}

func TestInactiveVendorIsTreatedAsCustomer(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	notified := time.Now().UTC()
	s := &models.Session{OriginMessageID: "<a@x>", ThreadKey: "<a@x>", VendorID: "old-line", VendorNotifiedAt: &notified, Status: models.StatusPendingInfo}
	if err := h.store.Queries().InsertSession(ctx, s); err != nil {
		t.Fatal(err)
	}

	h.classifier.category = models.CategoryQuery
	res := h.rec.Process(ctx, models.InboundMessage{MessageID: "<o@oldline.example>", From: "ops@oldline.example", Subject: "hi", Body: "hello"})
	if res.Role != models.RoleNewInquiry {
		t.Errorf("role = %s, want new inquiry", res.Role)
	}
}

func TestForwardedMessageJoinsOriginalConversation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.extractor.fields = models.Fields{models.OriginCity: "Istanbul"}

	first := h.rec.Process(ctx, inquiry())
	if !first.Created {
		t.Fatalf("first = %+v", first)
	}

	h.extractor.fields = models.Fields{}
	fwd := models.InboundMessage{
		MessageID: "<fwd-1@colleague.example>",
		From:      "sales@freightdesk.example",
		Subject:   "Fwd: Rate Request: IST to RUH",
		Body: "FYI\n\n---------- Forwarded message ---------\nMessage-ID: <inq-1@customer.example>\n" +
			"From: Ayse Demir <buyer@customer.example>\nSubject: Rate Request: IST to RUH\n\nDestination City: Riyadh",
		Forwarded: true,
	}
	res := h.rec.Process(ctx, fwd)
	if res.Role != models.RoleCustomerFollowup || res.SessionID != first.SessionID || res.Created {
		t.Fatalf("forwarded = %+v", res)
	}
	if got := h.session(t, first.SessionID); got.Fields.Get(models.DestinationCity) != "Riyadh" {
		t.Errorf("fields = %v", got.Fields)
	}

	m, _ := h.store.Queries().FindMessage(ctx, fwd.MessageID)
	if m == nil || m.ThreadKey != "<inq-1@customer.example>" {
		t.Errorf("forwarded thread key = %+v", m)
	}
}

func TestReplyToOurMessageJoinsSession(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	first := h.rec.Process(ctx, inquiry())
	if !first.Created || len(h.sender.sent) != 1 {
		t.Fatalf("first = %+v", first)
	}

	// Only In-Reply-To survives, pointing at our reply, and the subject
	// carries no reply marker
	res := h.rec.Process(ctx, models.InboundMessage{
		MessageID: "<inq-3@customer.example>",
		InReplyTo: "<sent-buyer@customer.example@desk.example>",
		From:      "buyer@customer.example",
		Subject:   "cargo details",
		Body:      "Package Description: Electronics, 50kg",
		Reply:     true,
	})
	if res.Role != models.RoleCustomerFollowup || res.SessionID != first.SessionID {
		t.Fatalf("Process() = %+v, want follow-up on session %d", res, first.SessionID)
	}

	stored, err := h.store.Queries().FindMessage(ctx, "<inq-3@customer.example>")
	if err != nil || stored == nil || stored.ThreadKey != inquiry().MessageID {
		t.Errorf("stored = %+v, %v", stored, err)
	}
}

func TestSubjectFallbackFindsSession(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	first := h.rec.Process(ctx, inquiry())

	// Client dropped the threading headers
	res := h.rec.Process(ctx, models.InboundMessage{
		MessageID: "<loose@customer.example>",
		From:      "buyer@customer.example",
		Subject:   "RE: rate request: ist to ruh",
		Body:      "Description: 2 pallets of spare parts",
	})
	if res.Role != models.RoleCustomerFollowup || res.SessionID != first.SessionID {
		t.Fatalf("Process() = %+v", res)
	}

	// Case folding covers non-ASCII letters
	turkish := inquiry()
	turkish.MessageID = "<tr-1@customer.example>"
	turkish.Subject = "Teklif Talebi: ÇORLU to RUH"
	h.extractor.fields = models.Fields{models.OriginCity: "Çorlu"}
	origin := h.rec.Process(ctx, turkish)
	if !origin.Created {
		t.Fatalf("Process() = %+v", origin)
	}
	res = h.rec.Process(ctx, models.InboundMessage{
		MessageID: "<tr-2@customer.example>",
		From:      "buyer@customer.example",
		Subject:   "RE: teklif talebi: çorlu to ruh",
		Body:      "Description: tekstil, 12 koli",
	})
	if res.Role != models.RoleCustomerFollowup || res.SessionID != origin.SessionID {
		t.Fatalf("non-ASCII follow-up = %+v, want session %d", res, origin.SessionID)
	}

	// Without a reply marker the subject is not used
	h.classifier.category = models.CategoryQuery
	res = h.rec.Process(ctx, models.InboundMessage{
		MessageID: "<fresh@customer.example>",
		From:      "buyer@customer.example",
		Subject:   "Rate Request: IST to RUH",
		Body:      "Is this the right address for quotes?",
	})
	if res.Role != models.RoleNewInquiry {
		t.Errorf("role = %s, want new inquiry", res.Role)
	}
}

func TestCompletedSessionIsNotReopened(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.extractor.fields = models.Fields{
		models.OriginCity:         "Istanbul",
		models.DestinationCity:    "Riyadh",
		models.PackageDescription: "Electronics",
	}

	first := h.rec.Process(ctx, inquiry())
	if first.Status != models.StatusComplete {
		t.Fatalf("first = %+v", first)
	}

	h.extractor.fields = models.Fields{}
	h.classifier.category = models.CategoryOther
	res := h.rec.Process(ctx, models.InboundMessage{
		MessageID:  "<thanks@customer.example>",
		References: []string{inquiry().MessageID},
		From:       "buyer@customer.example",
		Subject:    "Re: thanks",
		Body:       "thank you!",
	})
	if res.Role != models.RoleNewInquiry || res.SessionID != 0 {
		t.Errorf("Process() = %+v", res)
	}
	if got := h.session(t, first.SessionID); got.Status != models.StatusComplete {
		t.Errorf("status = %s", got.Status)
	}
}

func TestDispatchFailureStillCommitsMerge(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.sender.fail = true
	h.extractor.fields = models.Fields{models.OriginCity: "Istanbul"}

	res := h.rec.Process(ctx, inquiry())
	if res.Outcome != OutcomeProcessed || !res.Created || res.Sent {
		t.Fatalf("Process() = %+v", res)
	}

	s := h.session(t, res.SessionID)
	if s.Fields.Get(models.OriginCity) != "Istanbul" {
		t.Errorf("merge was not committed: %v", s.Fields)
	}
	responses, err := h.store.Queries().ListResponses(ctx, s.ID)
	if err != nil || len(responses) != 1 || responses[0].Sent || responses[0].Error == "" {
		t.Errorf("responses = %+v, %v", responses, err)
	}
	if len(h.mailbox.read) != 1 {
		t.Errorf("message should be marked read, got %v", h.mailbox.read)
	}
}

func TestCancelAfterSendStillCommits(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.sender.onSend = cancel

	other := models.InboundMessage{MessageID: "<rfq-7@other.example>", From: "rfq@other.example", Subject: "RFQ", Body: "2 pallets"}
	h.mailbox.unread = []models.InboundMessage{inquiry(), other}

	summary, err := h.rec.RunBatch(ctx)
	if err != nil {
		t.Fatalf("RunBatch() error: %v", err)
	}
	if summary.Processed != 1 || len(summary.Results) != 1 || !summary.Results[0].Sent {
		t.Fatalf("summary = %+v", summary)
	}

	// The redelivered message is a duplicate and no second reply goes out
	again := h.rec.Process(context.Background(), inquiry())
	if again.Outcome != OutcomeDuplicate {
		t.Errorf("redelivery outcome = %s, want duplicate", again.Outcome)
	}
	if len(h.sender.sent) != 1 {
		t.Errorf("customer reply sent %d times", len(h.sender.sent))
	}
	responses, err := h.store.Queries().ListResponses(context.Background(), summary.Results[0].SessionID)
	if err != nil || len(responses) != 1 || !responses[0].Sent {
		t.Errorf("responses = %+v, %v", responses, err)
	}
	if len(h.mailbox.read) != 2 {
		t.Errorf("read = %v", h.mailbox.read)
	}
}

func TestFailureRollsBackAndRetries(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.extractor.panic = true

	res := h.rec.Process(ctx, inquiry())
	if res.Outcome != OutcomeFailed || !strings.Contains(res.Error, "extractor exploded") {
		t.Fatalf("Process() = %+v", res)
	}
	if len(h.mailbox.read) != 0 {
		t.Error("failed message must stay unread")
	}

	q := h.store.Queries()
	if sessions, _ := q.ListSessions(ctx, "", 10); len(sessions) != 0 {
		t.Errorf("session survived rollback: %+v", sessions)
	}
	if logs, _ := q.ListDecisions(ctx, inquiry().MessageID); len(logs) != 0 {
		t.Errorf("decisions survived rollback: %+v", logs)
	}
	m, _ := q.FindMessage(ctx, inquiry().MessageID)
	if m == nil || m.Status != models.MessageFailed || m.Attempts != 1 {
		t.Fatalf("failure record = %+v", m)
	}

	// Redelivery retries the failed message
	h.extractor.panic = false
	res = h.rec.Process(ctx, inquiry())
	if res.Outcome != OutcomeProcessed || !res.Created {
		t.Fatalf("retry = %+v", res)
	}
	m, _ = q.FindMessage(ctx, inquiry().MessageID)
	if m.Status != models.MessageCompleted || m.Error != "" {
		t.Errorf("after retry = %+v", m)
	}
}

func TestExhaustedMessageIsSkipped(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.extractor.panic = true

	for i := 0; i < 2; i++ {
		if res := h.rec.Process(ctx, inquiry()); res.Outcome != OutcomeFailed {
			t.Fatalf("attempt %d = %+v", i+1, res)
		}
	}

	h.extractor.panic = false
	res := h.rec.Process(ctx, inquiry())
	if res.Outcome != OutcomeExhausted {
		t.Fatalf("Process() = %+v", res)
	}
	if h.extractor.calls != 2 {
		t.Errorf("extractor calls = %d", h.extractor.calls)
	}
	if len(h.mailbox.read) != 1 {
		t.Errorf("exhausted message should be flagged read, got %v", h.mailbox.read)
	}
}

func TestUnparseableMessageExhausts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	broken := models.InboundMessage{
		UID:        9,
		MessageID:  "<uid-1-9@freightdesk.example>",
		ParseError: "failed to read message: malformed MIME header line",
	}

	for i := 0; i < 2; i++ {
		res := h.rec.Process(ctx, broken)
		if res.Outcome != OutcomeFailed || !strings.Contains(res.Error, "unparseable") {
			t.Fatalf("attempt %d = %+v", i+1, res)
		}
	}
	if len(h.mailbox.read) != 0 {
		t.Fatalf("failed message flagged read: %v", h.mailbox.read)
	}

	if res := h.rec.Process(ctx, broken); res.Outcome != OutcomeExhausted {
		t.Fatalf("Process() = %+v", res)
	}
	if len(h.mailbox.read) != 1 || h.classifier.calls != 0 {
		t.Errorf("read = %v classifier calls = %d", h.mailbox.read, h.classifier.calls)
	}

	stored, err := h.store.Queries().FindMessage(ctx, broken.MessageID)
	if err != nil || stored == nil || stored.Status != models.MessageFailed || stored.Attempts != 2 {
		t.Errorf("stored = %+v, %v", stored, err)
	}
}

func TestRunBatch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	other := models.InboundMessage{MessageID: "<rfq-7@other.example>", From: "rfq@other.example", Subject: "RFQ", Body: "2 pallets"}
	h.mailbox.unread = []models.InboundMessage{inquiry(), inquiry(), other}

	summary, err := h.rec.RunBatch(ctx)
	if err != nil {
		t.Fatalf("RunBatch() error: %v", err)
	}
	if summary.Fetched != 3 || summary.Processed != 2 || summary.Duplicates != 1 || summary.Failed != 0 {
		t.Errorf("summary = %+v", summary)
	}

	h.mailbox.fetchErr = errors.New("connection reset")
	if _, err := h.rec.RunBatch(ctx); err == nil {
		t.Error("expected transport error")
	}
}

func TestAssignVendor(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.extractor.fields = models.Fields{models.OriginCity: "Istanbul"}

	first := h.rec.Process(ctx, inquiry())
	second := h.rec.Process(ctx, models.InboundMessage{
		MessageID: "<other@customer.example>", From: "other@customer.example", Subject: "Rate Request: IZM to JED", Body: "hello",
	})

	s, rec, err := h.rec.AssignVendor(ctx, first.SessionID, "gulf-air")
	if err != nil {
		t.Fatalf("AssignVendor() error: %v", err)
	}
	if s.Status != models.StatusPendingInfo || !s.AwaitingVendor() || s.VendorID != "gulf-air" {
		t.Errorf("session = %+v", s)
	}
	if rec.Type != models.ResponseVendorNotification || !rec.Sent || rec.To != vendorEmail {
		t.Errorf("record = %+v", rec)
	}
	last := h.sender.sent[len(h.sender.sent)-1]
	if !strings.Contains(last.Subject, "Shipment request #") || !strings.Contains(last.Body, "Gulf Air Cargo") {
		t.Errorf("notification = %+v", last)
	}

	if _, _, err := h.rec.AssignVendor(ctx, second.SessionID, "gulf-air"); !errors.Is(err, ErrVendorBusy) {
		t.Errorf("second assignment error = %v, want ErrVendorBusy", err)
	}
	if _, _, err := h.rec.AssignVendor(ctx, first.SessionID, "gulf-air"); err != nil {
		t.Errorf("re-notifying the same session: %v", err)
	}
	if _, _, err := h.rec.AssignVendor(ctx, second.SessionID, "old-line"); !errors.Is(err, ErrVendorUnavailable) {
		t.Errorf("inactive vendor error = %v", err)
	}
	if _, _, err := h.rec.AssignVendor(ctx, 999, "gulf-air"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing session error = %v", err)
	}
}

func TestOverrideStatus(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.extractor.fields = models.Fields{
		models.OriginCity:         "Istanbul",
		models.DestinationCity:    "Riyadh",
		models.PackageDescription: "Electronics",
	}
	res := h.rec.Process(ctx, inquiry())

	s, err := h.rec.OverrideStatus(ctx, res.SessionID, "incomplete")
	if err != nil {
		t.Fatalf("OverrideStatus() error: %v", err)
	}
	if s.Status != models.StatusIncomplete || s.CompletedAt != nil {
		t.Errorf("session = %+v", s)
	}

	if _, err := h.rec.OverrideStatus(ctx, res.SessionID, "shipped"); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("error = %v, want ErrInvalidStatus", err)
	}
	if _, err := h.rec.OverrideStatus(ctx, 999, "complete"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}
