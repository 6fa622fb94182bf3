package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/freightdesk/intake/internal/models"
)

const sessionColumns = `id, origin_message_id, thread_key, subject, customer_email, customer_name, fields,
	vendor_id, vendor_notified_at, vendor_replied_at, vendor_reply_message_id, vendor_reply_content,
	missing_fields, status, created_at, updated_at, completed_at`

func scanSession(scanner interface{ Scan(...any) error }) (*models.Session, error) {
	var s models.Session
	var subject, customerEmail, customerName, vendorID, replyMsgID, replyContent sql.NullString
	var fieldsJSON, missingJSON string
	var notifiedAt, repliedAt, createdAt, updatedAt, completedAt sql.NullTime

	err := scanner.Scan(&s.ID, &s.OriginMessageID, &s.ThreadKey, &subject, &customerEmail, &customerName, &fieldsJSON,
		&vendorID, &notifiedAt, &repliedAt, &replyMsgID, &replyContent,
		&missingJSON, &s.Status, &createdAt, &updatedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	s.Subject = subject.String
	s.CustomerEmail = customerEmail.String
	s.CustomerName = customerName.String
	s.VendorID = vendorID.String
	s.VendorReplyMessageID = replyMsgID.String
	s.VendorReplyContent = replyContent.String
	s.VendorNotifiedAt = timePtr(notifiedAt)
	s.VendorRepliedAt = timePtr(repliedAt)
	s.CompletedAt = timePtr(completedAt)
	s.CreatedAt = createdAt.Time
	s.UpdatedAt = updatedAt.Time

	s.Fields = models.Fields{}
	if err := json.Unmarshal([]byte(fieldsJSON), &s.Fields); err != nil {
		return nil, fmt.Errorf("session %d: bad fields column: %w", s.ID, err)
	}
	if err := json.Unmarshal([]byte(missingJSON), &s.MissingFields); err != nil {
		return nil, fmt.Errorf("session %d: bad missing_fields column: %w", s.ID, err)
	}
	return &s, nil
}

func encodeSession(s *models.Session) (fields, missing string, err error) {
	if s.Fields == nil {
		s.Fields = models.Fields{}
	}
	if s.MissingFields == nil {
		s.MissingFields = []models.Field{}
	}
	f, err := json.Marshal(s.Fields)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode fields: %w", err)
	}
	m, err := json.Marshal(s.MissingFields)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode missing fields: %w", err)
	}
	return string(f), string(m), nil
}

func (q *Queries) InsertSession(ctx context.Context, s *models.Session) error {
	fields, missing, err := encodeSession(s)
	if err != nil {
		return err
	}
	ts := now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = ts
	}
	s.UpdatedAt = ts

	result, err := q.db.ExecContext(ctx, `
	INSERT INTO shipment_sessions (origin_message_id, thread_key, subject, customer_email, customer_name, fields,
		vendor_id, vendor_notified_at, vendor_replied_at, vendor_reply_message_id, vendor_reply_content,
		missing_fields, status, created_at, updated_at, completed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.OriginMessageID, s.ThreadKey, s.Subject, s.CustomerEmail, s.CustomerName, fields,
		s.VendorID, nullTime(s.VendorNotifiedAt), nullTime(s.VendorRepliedAt), s.VendorReplyMessageID, s.VendorReplyContent,
		missing, string(s.Status), s.CreatedAt, s.UpdatedAt, nullTime(s.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	s.ID = id
	return nil
}

func (q *Queries) UpdateSession(ctx context.Context, s *models.Session) error {
	fields, missing, err := encodeSession(s)
	if err != nil {
		return err
	}
	s.UpdatedAt = now()

	result, err := q.db.ExecContext(ctx, `
	UPDATE shipment_sessions SET subject = ?, customer_email = ?, customer_name = ?, fields = ?,
		vendor_id = ?, vendor_notified_at = ?, vendor_replied_at = ?, vendor_reply_message_id = ?, vendor_reply_content = ?,
		missing_fields = ?, status = ?, updated_at = ?, completed_at = ?
	WHERE id = ?`,
		s.Subject, s.CustomerEmail, s.CustomerName, fields,
		s.VendorID, nullTime(s.VendorNotifiedAt), nullTime(s.VendorRepliedAt), s.VendorReplyMessageID, s.VendorReplyContent,
		missing, string(s.Status), s.UpdatedAt, nullTime(s.CompletedAt), s.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("session %d: %w", s.ID, ErrNotFound)
	}
	return nil
}

func (q *Queries) GetSession(ctx context.Context, id int64) (*models.Session, error) {
	s, err := scanSession(q.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM shipment_sessions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	return s, nil
}

func (q *Queries) findOneSession(ctx context.Context, where string, args ...any) (*models.Session, error) {
	s, err := scanSession(q.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM shipment_sessions WHERE `+where, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	return s, nil
}

// FindSessionByThread returns the most recently created session for a thread key.
// Ids are assigned in creation order, so id DESC is newest first.
func (q *Queries) FindSessionByThread(ctx context.Context, threadKey string) (*models.Session, error) {
	return q.findOneSession(ctx, `thread_key = ? ORDER BY id DESC LIMIT 1`, threadKey)
}

// FindSessionBySubject returns the newest session whose stored subject
// contains fragment, compared case-insensitively. The fold happens in Go:
// sqlite's LOWER and LIKE only fold ASCII.
func (q *Queries) FindSessionBySubject(ctx context.Context, fragment string) (*models.Session, error) {
	fragment = strings.ToLower(strings.TrimSpace(fragment))
	if fragment == "" {
		return nil, nil
	}

	rows, err := q.db.QueryContext(ctx,
		`SELECT id, subject FROM shipment_sessions WHERE subject IS NOT NULL AND subject != '' ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query session subjects: %w", err)
	}
	defer rows.Close()

	var match int64
	for rows.Next() {
		var id int64
		var subject string
		if err := rows.Scan(&id, &subject); err != nil {
			return nil, fmt.Errorf("failed to scan session subject: %w", err)
		}
		if strings.Contains(strings.ToLower(subject), fragment) {
			match = id
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to query session subjects: %w", err)
	}
	// Release the connection before the follow-up query; the store runs on one.
	rows.Close()

	if match == 0 {
		return nil, nil
	}
	return q.findOneSession(ctx, `id = ?`, match)
}

// FindOutstandingForVendor returns the most recently notified session that
// the vendor has not replied to yet.
func (q *Queries) FindOutstandingForVendor(ctx context.Context, vendorID string) (*models.Session, error) {
	return q.findOneSession(ctx, `vendor_id = ? AND vendor_notified_at IS NOT NULL AND vendor_replied_at IS NULL
		ORDER BY vendor_notified_at DESC, id DESC LIMIT 1`, vendorID)
}

func (q *Queries) ListSessions(ctx context.Context, status string, limit int) ([]models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM shipment_sessions`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}
