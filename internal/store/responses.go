package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/freightdesk/intake/internal/models"
)

// AddResponse appends an outbound message record
func (q *Queries) AddResponse(ctx context.Context, r *models.ResponseRecord) error {
	if r.MissingFields == nil {
		r.MissingFields = []models.Field{}
	}
	missing, err := json.Marshal(r.MissingFields)
	if err != nil {
		return fmt.Errorf("failed to encode missing fields: %w", err)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now()
	}

	sent := 0
	if r.Sent {
		sent = 1
	}

	result, err := q.db.ExecContext(ctx, `
	INSERT INTO email_responses (session_id, in_reply_to, to_addr, subject, body, response_type,
		sent_message_id, sent, error, missing_fields, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.SessionID, r.InReplyTo, r.To, r.Subject, r.Body, string(r.Type),
		r.SentMessageID, sent, r.Error, string(missing), r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert response: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	r.ID = id
	return nil
}

// ThreadForSentMessage returns the thread key of the session that one of our
// outbound messages belongs to, or "" if the id is not ours.
func (q *Queries) ThreadForSentMessage(ctx context.Context, messageID string) (string, error) {
	var key string
	err := q.db.QueryRowContext(ctx, `
	SELECT s.thread_key FROM email_responses r
	JOIN shipment_sessions s ON s.id = r.session_id
	WHERE r.sent_message_id = ?
	ORDER BY r.id DESC LIMIT 1`, messageID).Scan(&key)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query sent message: %w", err)
	}
	return key, nil
}

func (q *Queries) ListResponses(ctx context.Context, sessionID int64) ([]models.ResponseRecord, error) {
	rows, err := q.db.QueryContext(ctx, `
	SELECT id, session_id, in_reply_to, to_addr, subject, body, response_type, sent_message_id, sent, error,
		missing_fields, created_at
	FROM email_responses WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query responses: %w", err)
	}
	defer rows.Close()

	var responses []models.ResponseRecord
	for rows.Next() {
		var r models.ResponseRecord
		var inReplyTo, subject, body, sentID, errStr sql.NullString
		var sent int
		var missing string
		var createdAt sql.NullTime

		if err := rows.Scan(&r.ID, &r.SessionID, &inReplyTo, &r.To, &subject, &body, &r.Type, &sentID, &sent, &errStr,
			&missing, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan response: %w", err)
		}

		r.InReplyTo = inReplyTo.String
		r.Subject = subject.String
		r.Body = body.String
		r.SentMessageID = sentID.String
		r.Sent = sent == 1
		r.Error = errStr.String
		r.CreatedAt = createdAt.Time
		if err := json.Unmarshal([]byte(missing), &r.MissingFields); err != nil {
			return nil, fmt.Errorf("response %d: bad missing_fields column: %w", r.ID, err)
		}
		responses = append(responses, r)
	}
	return responses, rows.Err()
}

// AddDecision records one pipeline step for a message. detail is stored as JSON.
func (q *Queries) AddDecision(ctx context.Context, messageID, step string, detail any) error {
	data, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("failed to encode decision: %w", err)
	}
	_, err = q.db.ExecContext(ctx,
		`INSERT INTO decision_logs (message_id, step, detail, created_at) VALUES (?, ?, ?, ?)`,
		messageID, step, string(data), now())
	if err != nil {
		return fmt.Errorf("failed to insert decision: %w", err)
	}
	return nil
}

func (q *Queries) ListDecisions(ctx context.Context, messageID string) ([]models.DecisionLog, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, message_id, step, detail, created_at FROM decision_logs WHERE message_id = ? ORDER BY id`, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer rows.Close()

	var logs []models.DecisionLog
	for rows.Next() {
		var d models.DecisionLog
		var detail sql.NullString
		var createdAt sql.NullTime
		if err := rows.Scan(&d.ID, &d.MessageID, &d.Step, &detail, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		d.Detail = detail.String
		d.CreatedAt = createdAt.Time
		logs = append(logs, d)
	}
	return logs, rows.Err()
}
