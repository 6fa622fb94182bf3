package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by Get* lookups when no row matches.
var ErrNotFound = errors.New("not found")

type Store struct {
	db *sql.DB
}

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries runs statements either directly or inside a transaction.
type Queries struct {
	db dbtx
}

func NewStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer; the reconciler is single-threaded and sqlite serializes anyway.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id TEXT NOT NULL UNIQUE,
		thread_key TEXT,
		from_addr TEXT NOT NULL,
		from_name TEXT,
		subject TEXT,
		body TEXT,
		received_at DATETIME,
		category TEXT,
		role TEXT,
		session_id INTEGER,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		created_at DATETIME,
		processed_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_msg_status ON messages(status);
	CREATE INDEX IF NOT EXISTS idx_msg_thread ON messages(thread_key);

	CREATE TABLE IF NOT EXISTS shipment_sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		origin_message_id TEXT NOT NULL,
		thread_key TEXT NOT NULL,
		subject TEXT,
		customer_email TEXT,
		customer_name TEXT,
		fields TEXT NOT NULL DEFAULT '{}',
		vendor_id TEXT,
		vendor_notified_at DATETIME,
		vendor_replied_at DATETIME,
		vendor_reply_message_id TEXT,
		vendor_reply_content TEXT,
		missing_fields TEXT NOT NULL DEFAULT '[]',
		status TEXT NOT NULL,
		created_at DATETIME,
		updated_at DATETIME,
		completed_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_ss_thread ON shipment_sessions(thread_key);
	CREATE INDEX IF NOT EXISTS idx_ss_vendor ON shipment_sessions(vendor_id);
	CREATE INDEX IF NOT EXISTS idx_ss_status ON shipment_sessions(status);

	-- Outbound messages, append-only
	CREATE TABLE IF NOT EXISTS email_responses (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id INTEGER NOT NULL REFERENCES shipment_sessions(id),
		in_reply_to TEXT,
		to_addr TEXT NOT NULL,
		subject TEXT,
		body TEXT,
		response_type TEXT NOT NULL,
		sent_message_id TEXT,
		sent INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		missing_fields TEXT NOT NULL DEFAULT '[]',
		created_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_er_session ON email_responses(session_id);
	CREATE INDEX IF NOT EXISTS idx_er_sent_id ON email_responses(sent_message_id);

	CREATE TABLE IF NOT EXISTS decision_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id TEXT NOT NULL,
		step TEXT NOT NULL,
		detail TEXT,
		created_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_dl_message ON decision_logs(message_id);
	`

	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

// Queries returns a non-transactional query set.
func (s *Store) Queries() *Queries { return &Queries{db: s.db} }

// InTx runs fn inside a transaction. The transaction is rolled back when fn
// returns an error or panics; the panic is re-raised after rollback.
func (s *Store) InTx(ctx context.Context, fn func(q *Queries) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&Queries{db: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// Stats summarises message and session counts by status.
type Stats struct {
	Messages map[string]int `json:"messages"`
	Sessions map[string]int `json:"sessions"`
}

func (q *Queries) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{Messages: map[string]int{}, Sessions: map[string]int{}}

	for table, into := range map[string]map[string]int{
		"messages":          stats.Messages,
		"shipment_sessions": stats.Sessions,
	} {
		rows, err := q.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM `+table+` GROUP BY status`)
		if err != nil {
			return nil, fmt.Errorf("failed to get stats: %w", err)
		}
		for rows.Next() {
			var status string
			var n int
			if err := rows.Scan(&status, &n); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan stats: %w", err)
			}
			into[status] = n
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read stats: %w", err)
		}
	}
	return stats, nil
}

func now() time.Time { return time.Now().UTC() }

func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
