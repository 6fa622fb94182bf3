package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/freightdesk/intake/internal/models"
)

const messageColumns = `id, message_id, thread_key, from_addr, from_name, subject, body, received_at,
	category, role, session_id, status, attempts, error, created_at, processed_at`

// scanMessage handles nullable columns when scanning a row
func scanMessage(scanner interface{ Scan(...any) error }) (*models.PersistedMessage, error) {
	var m models.PersistedMessage
	var threadKey, fromName, subject, body, category, role, errStr sql.NullString
	var sessionID sql.NullInt64
	var receivedAt, createdAt, processedAt sql.NullTime

	err := scanner.Scan(&m.ID, &m.MessageID, &threadKey, &m.From, &fromName, &subject, &body, &receivedAt,
		&category, &role, &sessionID, &m.Status, &m.Attempts, &errStr, &createdAt, &processedAt)
	if err != nil {
		return nil, err
	}

	m.ThreadKey = threadKey.String
	m.FromName = fromName.String
	m.Subject = subject.String
	m.Body = body.String
	m.Category = models.Category(category.String)
	m.Role = models.Role(role.String)
	m.SessionID = sessionID.Int64
	m.Error = errStr.String
	m.ReceivedAt = receivedAt.Time
	m.CreatedAt = createdAt.Time
	m.ProcessedAt = processedAt.Time
	return &m, nil
}

// FindMessage returns nil, nil when the message id has never been seen.
func (q *Queries) FindMessage(ctx context.Context, messageID string) (*models.PersistedMessage, error) {
	m, err := scanMessage(q.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE message_id = ?`, messageID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query message: %w", err)
	}
	return m, nil
}

func (q *Queries) InsertMessage(ctx context.Context, m *models.PersistedMessage) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now()
	}

	result, err := q.db.ExecContext(ctx, `
	INSERT INTO messages (message_id, thread_key, from_addr, from_name, subject, body, received_at,
		category, role, session_id, status, attempts, error, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.MessageID, m.ThreadKey, m.From, m.FromName, m.Subject, m.Body, m.ReceivedAt.UTC(),
		string(m.Category), string(m.Role), nullInt(m.SessionID), string(m.Status), m.Attempts, m.Error, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	m.ID = id
	return nil
}

// UpdateMessage writes the mutable processing columns of an existing message.
func (q *Queries) UpdateMessage(ctx context.Context, m *models.PersistedMessage) error {
	_, err := q.db.ExecContext(ctx, `
	UPDATE messages SET thread_key = ?, category = ?, role = ?, session_id = ?, status = ?,
		attempts = ?, error = ?, processed_at = ?
	WHERE id = ?`,
		m.ThreadKey, string(m.Category), string(m.Role), nullInt(m.SessionID), string(m.Status),
		m.Attempts, m.Error, nullTime(&m.ProcessedAt), m.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update message: %w", err)
	}
	return nil
}

// RecordFailure marks a message failed outside of the rolled-back unit,
// creating the row on the first attempt and bumping attempts on retries.
func (q *Queries) RecordFailure(ctx context.Context, msg models.InboundMessage, cause error) error {
	ts := now()
	_, err := q.db.ExecContext(ctx, `
	INSERT INTO messages (message_id, from_addr, from_name, subject, body, received_at, status, attempts, error, created_at, processed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?)
	ON CONFLICT(message_id) DO UPDATE SET
		status = excluded.status,
		attempts = messages.attempts + 1,
		error = excluded.error,
		processed_at = excluded.processed_at`,
		msg.MessageID, msg.From, msg.FromName, msg.Subject, msg.Body, msg.ReceivedAt.UTC(),
		string(models.MessageFailed), cause.Error(), ts, ts,
	)
	if err != nil {
		return fmt.Errorf("failed to record message failure: %w", err)
	}
	return nil
}

// ListMessages returns the newest messages, optionally filtered by status.
func (q *Queries) ListMessages(ctx context.Context, status string, limit int) ([]models.PersistedMessage, error) {
	query := `SELECT ` + messageColumns + ` FROM messages`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []models.PersistedMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, *m)
	}
	return messages, rows.Err()
}

func nullInt(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}

// ListThreadMessages returns the earliest completed messages of a thread,
// oldest first. Used to give the extractor conversation context.
func (q *Queries) ListThreadMessages(ctx context.Context, threadKey string, limit int) ([]models.PersistedMessage, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages
		WHERE thread_key = ? AND status = ? ORDER BY id LIMIT ?`,
		threadKey, string(models.MessageCompleted), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query thread messages: %w", err)
	}
	defer rows.Close()

	var messages []models.PersistedMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, *m)
	}
	return messages, rows.Err()
}
