package mailbox

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"github.com/freightdesk/intake/internal/config"
	"github.com/freightdesk/intake/internal/logging"
	"github.com/freightdesk/intake/internal/models"
)

// Client fetches unread intake mail over IMAP and flags it seen once handled.
type Client struct {
	config      config.MailboxConfig
	client      *client.Client
	uidValidity uint32
	timeout     time.Duration
}

// NewClient creates a Client with a 30 second timeout for IMAP commands
func NewClient(cfg config.MailboxConfig) *Client {
	return &Client{
		config:  cfg,
		timeout: 30 * time.Second,
	}
}

// Connect dials, logs in and selects the intake folder.
func (c *Client) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", c.config.Server, c.config.Port)
	log := logging.Log.WithField("server", addr)
	log.Debug("connecting to IMAP server")

	cl, err := client.DialTLS(addr, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to IMAP server: %w", err)
	}
	cl.Timeout = c.timeout

	if err := cl.Login(c.config.Email, c.config.Password); err != nil {
		cl.Logout()
		return fmt.Errorf("failed to login: %w", err)
	}

	mbox, err := cl.Select(c.config.Folder, false)
	if err != nil {
		cl.Logout()
		return fmt.Errorf("failed to select mailbox %s: %w", c.config.Folder, err)
	}

	c.client = cl
	c.uidValidity = mbox.UidValidity
	log.WithField("messages", mbox.Messages).Info("IMAP session ready")
	return nil
}

// Close logs out. Safe to call when not connected.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	err := c.client.Logout()
	c.client = nil
	return err
}

func (c *Client) ensureConnected(ctx context.Context) error {
	if c.client != nil {
		if err := c.client.Noop(); err == nil {
			return nil
		}
		c.Close()
	}
	return c.Connect(ctx)
}

// FetchUnread returns up to limit unseen messages, oldest first. Bodies are
// fetched with PEEK so nothing is flagged seen until MarkRead.
func (c *Client) FetchUnread(ctx context.Context, limit int) ([]models.InboundMessage, error) {
	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}

	uids, err := c.client.UidSearch(criteria)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to search unseen messages: %w", err)
	}
	if len(uids) == 0 {
		return nil, nil
	}

	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	if limit > 0 && len(uids) > limit {
		uids = uids[:limit]
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{section.FetchItem(), imap.FetchUid, imap.FetchInternalDate}

	messages := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)
	go func() {
		done <- c.client.UidFetch(seqSet, items, messages)
	}()

	var result []models.InboundMessage
	for msg := range messages {
		result = append(result, c.toInbound(msg, section))
	}

	if err := <-done; err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}

	sort.Slice(result, func(i, j int) bool { return result[i].UID < result[j].UID })
	return result, nil
}

// toInbound parses a fetched message. A message that cannot be parsed is
// still returned, carrying the error, so it fails and exhausts like any other
// instead of holding a batch slot forever.
func (c *Client) toInbound(msg *imap.Message, section *imap.BodySectionName) models.InboundMessage {
	parsed, err := c.parseMessage(msg, section)
	if err == nil {
		return *parsed
	}

	logging.Log.WithField("uid", msg.Uid).Warnf("failed to parse message: %v", err)
	return models.InboundMessage{
		UID:        msg.Uid,
		MessageID:  c.syntheticID(msg.Uid),
		ReceivedAt: msg.InternalDate,
		ParseError: err.Error(),
	}
}

func (c *Client) parseMessage(msg *imap.Message, section *imap.BodySectionName) (*models.InboundMessage, error) {
	r := msg.GetBody(section)
	if r == nil {
		return nil, fmt.Errorf("server returned no body")
	}

	parsed, err := Parse(r, msg.Uid)
	if err != nil {
		return nil, err
	}
	if parsed.MessageID == "" {
		parsed.MessageID = c.syntheticID(msg.Uid)
	}
	if parsed.ReceivedAt.IsZero() {
		parsed.ReceivedAt = msg.InternalDate
	}
	return parsed, nil
}

// syntheticID stands in for a missing Message-ID header. UIDVALIDITY plus
// UID is unique for the life of the mailbox.
func (c *Client) syntheticID(uid uint32) string {
	host := c.config.Email
	if at := strings.LastIndex(host, "@"); at >= 0 {
		host = host[at+1:]
	}
	return fmt.Sprintf("<uid-%d-%d@%s>", c.uidValidity, uid, host)
}

// MarkRead flags the message \Seen.
func (c *Client) MarkRead(ctx context.Context, msg models.InboundMessage) error {
	if msg.UID == 0 {
		return fmt.Errorf("message %s has no UID", msg.MessageID)
	}
	if err := c.ensureConnected(ctx); err != nil {
		return err
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(msg.UID)

	item := imap.FormatFlagsOp(imap.AddFlags, true)
	flags := []interface{}{imap.SeenFlag}

	if err := c.client.UidStore(seqSet, item, flags, nil); err != nil {
		return fmt.Errorf("failed to mark UID %d seen: %w", msg.UID, err)
	}
	return nil
}
