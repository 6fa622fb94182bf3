package reconcile

import (
	"context"
	"regexp"
	"strings"

	"github.com/freightdesk/intake/internal/models"
	"github.com/freightdesk/intake/internal/store"
)

var (
	// <local-part@domain> as it appears in quoted headers of forwarded mail
	embeddedIDPattern = regexp.MustCompile(`<[^<>\s@]+@[^<>\s@]+>`)

	// One or more leading reply/forward markers, e.g. "Re: Fwd: [2]:"
	subjectMarkerPattern = regexp.MustCompile(`(?i)^\s*((re|aw|sv|fw|fwd|wg|tr)\s*(\[\d+\])?\s*:\s*)+`)
)

// KeySource records which rule produced a thread key.
type KeySource string

const (
	KeyFromReferences KeySource = "references"
	KeyFromInReplyTo  KeySource = "in_reply_to"
	KeyFromForwarded  KeySource = "forwarded_body"
	KeyFromSelf       KeySource = "own_id"
)

// ThreadKey derives the conversation key for msg. First match wins:
// oldest References entry, In-Reply-To, the first message id embedded in a
// forwarded body, and finally the message's own id.
func ThreadKey(msg models.InboundMessage) (string, KeySource) {
	for _, ref := range msg.References {
		if ref = strings.TrimSpace(ref); ref != "" {
			return ref, KeyFromReferences
		}
	}
	if id := strings.TrimSpace(msg.InReplyTo); id != "" {
		return id, KeyFromInReplyTo
	}
	if msg.Forwarded {
		for _, id := range embeddedIDPattern.FindAllString(msg.Body, -1) {
			if id != msg.MessageID {
				return id, KeyFromForwarded
			}
		}
	}
	return msg.MessageID, KeyFromSelf
}

// NormalizeSubject strips leading reply/forward markers. The bool reports
// whether any marker was present.
func NormalizeSubject(subject string) (string, bool) {
	loc := subjectMarkerPattern.FindStringIndex(subject)
	if loc == nil {
		return strings.TrimSpace(subject), false
	}
	return strings.TrimSpace(subject[loc[1]:]), true
}

// Resolver assigns thread keys and finds the session a message belongs to.
type Resolver struct{}

// Resolve returns the thread key for msg. A key that names a message we have
// already stored is replaced by that message's own thread key, so a reply to
// a mid-thread message lands in the same conversation as its root. A key
// that names one of our own replies maps to that reply's session thread.
func (Resolver) Resolve(ctx context.Context, q *store.Queries, msg models.InboundMessage) (string, KeySource, error) {
	key, source := ThreadKey(msg)
	if source == KeyFromSelf {
		return key, source, nil
	}

	known, err := q.FindMessage(ctx, key)
	if err != nil {
		return "", "", err
	}
	if known != nil && known.ThreadKey != "" {
		return known.ThreadKey, source, nil
	}

	thread, err := q.ThreadForSentMessage(ctx, key)
	if err != nil {
		return "", "", err
	}
	if thread != "" {
		key = thread
	}
	return key, source, nil
}

// SessionMatch says how a session was found.
type SessionMatch string

const (
	MatchThread  SessionMatch = "thread"
	MatchSubject SessionMatch = "subject"
	MatchNone    SessionMatch = "none"
)

// FindSession looks a session up by thread key, then, for replies and
// forwards only, by normalized subject. The newest session wins either way.
func (Resolver) FindSession(ctx context.Context, q *store.Queries, key string, msg models.InboundMessage) (*models.Session, SessionMatch, error) {
	s, err := q.FindSessionByThread(ctx, key)
	if err != nil {
		return nil, MatchNone, err
	}
	if s != nil {
		return s, MatchThread, nil
	}

	subject, marked := NormalizeSubject(msg.Subject)
	if !marked || subject == "" {
		return nil, MatchNone, nil
	}
	s, err = q.FindSessionBySubject(ctx, subject)
	if err != nil {
		return nil, MatchNone, err
	}
	if s == nil {
		return nil, MatchNone, nil
	}
	return s, MatchSubject, nil
}
