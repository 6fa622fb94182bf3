// Package reconcile turns inbound intake mail into converging shipment
// sessions. Each message is processed as one transactional unit: dedup,
// thread resolution, role classification, field merge or vendor correlation,
// completeness and the reply. A failure rolls the unit back and marks the
// message failed without stopping the batch.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/freightdesk/intake/internal/agent"
	"github.com/freightdesk/intake/internal/config"
	"github.com/freightdesk/intake/internal/logging"
	"github.com/freightdesk/intake/internal/models"
	"github.com/freightdesk/intake/internal/store"
)

const threadContextMessages = 5

var (
	errDuplicate = errors.New("message already processed")
	errExhausted = errors.New("message exceeded retry attempts")
)

// Mailbox is the mail transport as seen by the reconciler.
type Mailbox interface {
	FetchUnread(ctx context.Context, limit int) ([]models.InboundMessage, error)
	MarkRead(ctx context.Context, msg models.InboundMessage) error
}

type Options struct {
	BatchSize            int
	MaxAttempts          int
	NewInquiryPrecedence Precedence
	FollowupPrecedence   Precedence
	PhoneRegion          string
}

// OptionsFromConfig maps pipeline settings onto Options.
func OptionsFromConfig(cfg config.PipelineConfig) Options {
	return Options{
		BatchSize:            cfg.BatchSize,
		MaxAttempts:          cfg.MaxAttempts,
		NewInquiryPrecedence: ParsePrecedence(cfg.NewInquiryPrecedence, CollaboratorWins),
		FollowupPrecedence:   ParsePrecedence(cfg.FollowupPrecedence, DeterministicWins),
		PhoneRegion:          cfg.PhoneRegion,
	}
}

// Outcome is how processing of one message ended.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeFailed    Outcome = "failed"
	OutcomeExhausted Outcome = "exhausted"
)

// Result describes what happened to one message.
type Result struct {
	MessageID string               `json:"message_id"`
	TraceID   string               `json:"trace_id"`
	Outcome   Outcome              `json:"outcome"`
	Role      models.Role          `json:"role,omitempty"`
	Category  models.Category      `json:"category,omitempty"`
	SessionID int64                `json:"session_id,omitempty"`
	Created   bool                 `json:"created,omitempty"`
	Status    models.SessionStatus `json:"status,omitempty"`
	Missing   []models.Field       `json:"missing,omitempty"`
	Response  models.ResponseType  `json:"response,omitempty"`
	Sent      bool                 `json:"sent,omitempty"`
	Error     string               `json:"error,omitempty"`
}

// BatchSummary aggregates the results of one RunBatch.
type BatchSummary struct {
	Fetched    int      `json:"fetched"`
	Processed  int      `json:"processed"`
	Duplicates int      `json:"duplicates"`
	Failed     int      `json:"failed"`
	Exhausted  int      `json:"exhausted"`
	Results    []Result `json:"results"`
}

func (b *BatchSummary) add(r Result) {
	b.Results = append(b.Results, r)
	switch r.Outcome {
	case OutcomeProcessed:
		b.Processed++
	case OutcomeDuplicate:
		b.Duplicates++
	case OutcomeExhausted:
		b.Exhausted++
	default:
		b.Failed++
	}
}

// Reconciler runs the intake pipeline. Units never overlap: batch
// processing and admin actions take the same lock.
type Reconciler struct {
	mu sync.Mutex

	store      *store.Store
	mailbox    Mailbox
	vendors    VendorDirectory
	roles      *RoleClassifier
	extractor  agent.Extractor
	dispatcher *Dispatcher
	resolver   Resolver
	merger     Merger
	opts       Options
	now        func() time.Time
}

func New(st *store.Store, mailbox Mailbox, vendors VendorDirectory, classifier agent.Classifier,
	extractor agent.Extractor, dispatcher *Dispatcher, opts Options) *Reconciler {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.NewInquiryPrecedence == "" {
		opts.NewInquiryPrecedence = CollaboratorWins
	}
	if opts.FollowupPrecedence == "" {
		opts.FollowupPrecedence = DeterministicWins
	}

	return &Reconciler{
		store:      st,
		mailbox:    mailbox,
		vendors:    vendors,
		roles:      NewRoleClassifier(vendors, classifier),
		extractor:  extractor,
		dispatcher: dispatcher,
		merger:     Merger{PhoneRegion: opts.PhoneRegion},
		opts:       opts,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// RunBatch fetches up to BatchSize unread messages and processes them one at
// a time. Only a transport failure is returned as an error.
func (r *Reconciler) RunBatch(ctx context.Context) (*BatchSummary, error) {
	msgs, err := r.mailbox.FetchUnread(ctx, r.opts.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch unread mail: %w", err)
	}

	summary := &BatchSummary{Fetched: len(msgs)}
	for _, msg := range msgs {
		if ctx.Err() != nil {
			break
		}
		summary.add(r.Process(ctx, msg))
	}

	if summary.Fetched > 0 {
		logging.Log.WithFields(logrus.Fields{
			"fetched":    summary.Fetched,
			"processed":  summary.Processed,
			"duplicates": summary.Duplicates,
			"failed":     summary.Failed,
			"exhausted":  summary.Exhausted,
		}).Info("batch complete")
	}
	return summary, nil
}

// Process runs the full pipeline for one message.
func (r *Reconciler) Process(ctx context.Context, msg models.InboundMessage) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Once a unit starts it runs to commit or rollback. A reply may already be
	// out the door, so cancellation is only honored between messages.
	ctx = context.WithoutCancel(ctx)

	traceID := uuid.NewString()
	log := logging.Log.WithFields(logrus.Fields{
		"trace_id":   traceID,
		"message_id": msg.MessageID,
		"from":       msg.From,
	})

	if msg.MessageID == "" {
		log.Error("message has no id, skipping")
		return Result{TraceID: traceID, Outcome: OutcomeFailed, Error: "message has no id"}
	}

	res := Result{MessageID: msg.MessageID, TraceID: traceID}
	err := r.unit(ctx, func(q *store.Queries) error {
		return r.process(ctx, q, msg, &res, log)
	})

	switch {
	case errors.Is(err, errDuplicate):
		res = Result{MessageID: msg.MessageID, TraceID: traceID, Outcome: OutcomeDuplicate}
		log.Info("message already processed, skipping")
	case errors.Is(err, errExhausted):
		res = Result{MessageID: msg.MessageID, TraceID: traceID, Outcome: OutcomeExhausted}
		log.Warn("message failed too many times, skipping")
	case err != nil:
		res = Result{MessageID: msg.MessageID, TraceID: traceID, Outcome: OutcomeFailed, Error: err.Error()}
		log.WithError(err).Error("message processing failed, changes rolled back")
		if ferr := r.store.Queries().RecordFailure(ctx, msg, err); ferr != nil {
			log.WithError(ferr).Error("failed to record message failure")
		}
		// Left unread so the next poll retries it
		return res
	default:
		res.Outcome = OutcomeProcessed
	}

	// Mark-as-read only after commit. A redelivered message hits the dedup
	// gate and is flagged again, which is idempotent.
	if r.mailbox != nil {
		if err := r.mailbox.MarkRead(ctx, msg); err != nil {
			log.WithError(err).Warn("failed to mark message read")
		}
	}
	return res
}

// unit runs fn in a transaction and turns a panic into an ordinary failure.
// The store has already rolled back by the time the panic reaches here.
func (r *Reconciler) unit(ctx context.Context, fn func(q *store.Queries) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic during processing: %v", p)
		}
	}()
	return r.store.InTx(ctx, fn)
}

func (r *Reconciler) process(ctx context.Context, q *store.Queries, msg models.InboundMessage, res *Result, log *logrus.Entry) error {
	existing, err := q.FindMessage(ctx, msg.MessageID)
	if err != nil {
		return err
	}
	if existing != nil {
		if existing.Status != models.MessageFailed {
			return errDuplicate
		}
		if existing.Attempts >= r.opts.MaxAttempts {
			return errExhausted
		}
		log = log.WithField("attempt", existing.Attempts+1)
	}
	if msg.ParseError != "" {
		return fmt.Errorf("unparseable message: %s", msg.ParseError)
	}

	key, source, err := r.resolver.Resolve(ctx, q, msg)
	if err != nil {
		return err
	}

	pm := &models.PersistedMessage{
		MessageID:  msg.MessageID,
		ThreadKey:  key,
		From:       msg.From,
		FromName:   msg.FromName,
		Subject:    msg.Subject,
		Body:       msg.Body,
		ReceivedAt: msg.ReceivedAt,
		Status:     models.MessageProcessing,
	}
	if existing != nil {
		pm.ID = existing.ID
		pm.Attempts = existing.Attempts
		pm.CreatedAt = existing.CreatedAt
		err = q.UpdateMessage(ctx, pm)
	} else {
		err = q.InsertMessage(ctx, pm)
	}
	if err != nil {
		return err
	}

	session, match, err := r.resolver.FindSession(ctx, q, key, msg)
	if err != nil {
		return err
	}
	if err := q.AddDecision(ctx, msg.MessageID, "resolve", map[string]any{
		"thread_key":    key,
		"key_source":    source,
		"session_match": match,
		"session_id":    sessionID(session),
	}); err != nil {
		return err
	}

	route, err := r.roles.Classify(ctx, q, msg, session)
	if err != nil {
		return err
	}
	res.Role = route.Role
	log = log.WithField("role", route.Role)

	switch route.Role {
	case models.RoleVendorReply:
		err = r.handleVendorReply(ctx, q, msg, route, res, log)
	case models.RoleCustomerFollowup:
		err = r.handleFollowup(ctx, q, msg, key, route.Session, res, log)
	default:
		err = r.handleNewInquiry(ctx, q, msg, key, route, res, log)
	}
	if err != nil {
		return err
	}

	pm.Role = res.Role
	pm.Category = res.Category
	pm.SessionID = res.SessionID
	pm.Status = models.MessageCompleted
	pm.Error = ""
	pm.ProcessedAt = r.now()
	return q.UpdateMessage(ctx, pm)
}

func (r *Reconciler) handleVendorReply(ctx context.Context, q *store.Queries, msg models.InboundMessage, route Route, res *Result, log *logrus.Entry) error {
	s := route.Session
	CorrelateVendorReply(s, msg, r.now())
	if err := q.UpdateSession(ctx, s); err != nil {
		return err
	}
	if err := q.AddDecision(ctx, msg.MessageID, "correlate", map[string]any{
		"vendor_id":  route.Vendor.ID,
		"session_id": s.ID,
	}); err != nil {
		return err
	}

	r.fillSession(res, s)
	log.WithFields(logrus.Fields{"vendor_id": route.Vendor.ID, "session_id": s.ID}).Info("vendor reply correlated")
	return nil
}

func (r *Reconciler) handleFollowup(ctx context.Context, q *store.Queries, msg models.InboundMessage, key string, s *models.Session, res *Result, log *logrus.Entry) error {
	res.Category = models.CategoryShippingRequest

	candidate, err := r.extract(ctx, q, msg, key, r.opts.FollowupPrecedence, log)
	if err != nil {
		return err
	}

	fields, changes := r.merger.Merge(s.Fields, candidate)
	s.Fields = fields
	Recompute(s, r.now())
	if err := q.UpdateSession(ctx, s); err != nil {
		return err
	}
	if err := q.AddDecision(ctx, msg.MessageID, "merge", map[string]any{
		"session_id": s.ID,
		"changes":    changes,
		"missing":    s.MissingFields,
		"status":     s.Status,
	}); err != nil {
		return err
	}

	r.fillSession(res, s)
	log.WithFields(logrus.Fields{
		"session_id": s.ID,
		"changes":    len(changes),
		"status":     s.Status,
	}).Info("follow-up merged")

	return r.reply(ctx, q, msg, s, res)
}

func (r *Reconciler) handleNewInquiry(ctx context.Context, q *store.Queries, msg models.InboundMessage, key string, route Route, res *Result, log *logrus.Entry) error {
	c := route.Classification
	res.Category = c.Category

	detail := map[string]any{
		"category":   c.Category,
		"confidence": c.Confidence,
		"rationale":  c.Rationale,
		"ok":         c.OK,
		"heuristic":  route.Upgraded,
	}
	if c.Err != nil {
		detail["error"] = c.Err.Error()
		log.WithError(c.Err).Warn("classifier unavailable, using fallback category")
	}
	if err := q.AddDecision(ctx, msg.MessageID, "classify", detail); err != nil {
		return err
	}

	if c.Category != models.CategoryShippingRequest {
		log.WithField("category", c.Category).Info("not a shipping request, no action")
		return nil
	}

	candidate, err := r.extract(ctx, q, msg, key, r.opts.NewInquiryPrecedence, log)
	if err != nil {
		return err
	}

	s := &models.Session{
		OriginMessageID: msg.MessageID,
		ThreadKey:       key,
		Subject:         msg.Subject,
		CustomerEmail:   msg.From,
		CustomerName:    msg.FromName,
		Fields:          r.merger.NewSessionFields(candidate),
		Status:          models.StatusIncomplete,
	}
	Recompute(s, r.now())
	if err := q.InsertSession(ctx, s); err != nil {
		return err
	}
	if err := q.AddDecision(ctx, msg.MessageID, "merge", map[string]any{
		"session_id": s.ID,
		"created":    true,
		"fields":     s.Fields,
		"missing":    s.MissingFields,
		"status":     s.Status,
	}); err != nil {
		return err
	}

	res.Created = true
	r.fillSession(res, s)
	log.WithFields(logrus.Fields{
		"session_id": s.ID,
		"missing":    s.MissingFields,
		"status":     s.Status,
	}).Info("session created")

	return r.reply(ctx, q, msg, s, res)
}

// extract runs both extraction sources and combines them. A degraded
// collaborator contributes nothing.
func (r *Reconciler) extract(ctx context.Context, q *store.Queries, msg models.InboundMessage, key string, p Precedence, log *logrus.Entry) (models.Fields, error) {
	deterministic := ExtractFields(msg.Body)

	req := agent.Request{
		Subject:  msg.Subject,
		From:     msg.From,
		FromName: msg.FromName,
		Body:     msg.Body,
	}
	history, err := q.ListThreadMessages(ctx, key, threadContextMessages)
	if err != nil {
		return nil, err
	}
	for _, h := range history {
		if h.MessageID != msg.MessageID && h.Body != "" {
			req.Context = append(req.Context, h.Body)
		}
	}

	ex := r.extractor.Extract(ctx, req)
	detail := map[string]any{
		"deterministic": deterministic,
		"collaborator":  ex.Fields,
		"ok":            ex.OK,
		"precedence":    p,
	}
	if ex.Err != nil {
		detail["error"] = ex.Err.Error()
		log.WithError(ex.Err).Warn("extractor unavailable, using deterministic fields only")
	}
	if err := q.AddDecision(ctx, msg.MessageID, "extract", detail); err != nil {
		return nil, err
	}

	var collaborator models.Fields
	if ex.OK {
		collaborator = ex.Fields
	}
	return Combine(deterministic, collaborator, p), nil
}

// reply sends missing_info or confirmation to the customer. A send failure
// is recorded on the response and does not fail the unit.
func (r *Reconciler) reply(ctx context.Context, q *store.Queries, msg models.InboundMessage, s *models.Session, res *Result) error {
	rt := models.ResponseMissingInfo
	if s.Status == models.StatusComplete {
		rt = models.ResponseConfirmation
	}

	rec, err := r.dispatcher.Reply(ctx, q, s, msg, rt)
	if err != nil {
		return err
	}
	res.Response = rec.Type
	res.Sent = rec.Sent

	detail := map[string]any{"type": rec.Type, "sent": rec.Sent, "response_id": rec.ID}
	if rec.Error != "" {
		detail["error"] = rec.Error
	}
	return q.AddDecision(ctx, msg.MessageID, "dispatch", detail)
}

func (r *Reconciler) fillSession(res *Result, s *models.Session) {
	res.SessionID = s.ID
	res.Status = s.Status
	res.Missing = s.MissingFields
}

func sessionID(s *models.Session) int64 {
	if s == nil {
		return 0
	}
	return s.ID
}
