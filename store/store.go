// Package store persists SMS records in a local SQLite database.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)
)

const schema = `
CREATE TABLE IF NOT EXISTS sms_messages (
    id           TEXT PRIMARY KEY,
    sender       TEXT NOT NULL,
    content      TEXT NOT NULL,
    received_at  INTEGER NOT NULL,
    metas        TEXT,
    acknowledged INTEGER NOT NULL DEFAULT 0,
    ack_sent_at  INTEGER,
    created_at   INTEGER NOT NULL
);`

// SmsMessage is one stored SMS record. ReceivedAt is device-reported,
// CreatedAt and AckSentAt are host-assigned epoch seconds.
type SmsMessage struct {
	Id           string `json:"id"`
	Sender       string `json:"sender"`
	Content      string `json:"content"`
	ReceivedAt   int64  `json:"received_at"`
	Metas        string `json:"metas,omitempty"`
	Acknowledged bool   `json:"acknowledged"`
	AckSentAt    *int64 `json:"ack_sent_at,omitempty"`
	CreatedAt    int64  `json:"created_at"`
}

// Store wraps the SQLite handle. The handle is not safe for concurrent
// writes; a single mutex serializes all access.
type Store struct {
	mu sync.Mutex
	db *sql.DB

	now func() int64
}

// Open opens (creating if needed) the database at path and prepares the
// sms_messages table.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create sms_messages table: %w", err)
	}
	slog.Info("Database initialized", "path", path)
	return &Store{db: db, now: func() int64 { return time.Now().Unix() }}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// InsertSms stores a new record with acknowledged = 0. Re-inserting an
// existing id is a logged no-op; the device retransmits until it sees an
// ACK, so duplicates are expected.
func (s *Store) InsertSms(msg SmsMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO sms_messages
		 (id, sender, content, received_at, metas, acknowledged, created_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?)`,
		msg.Id, msg.Sender, msg.Content, msg.ReceivedAt, msg.Metas, s.now())
	if err != nil {
		return fmt.Errorf("insert sms %s: %w", msg.Id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		slog.Info("Duplicate SMS ignored", "id", msg.Id)
		return nil
	}
	slog.Info("SMS stored", "id", msg.Id, "sender", msg.Sender)
	return nil
}

// MarkAcknowledged records that an ACK for id has been written to the
// wire. An unknown id is logged but not an error; the device already saw
// the ACK, there is nothing useful the caller can do.
func (s *Store) MarkAcknowledged(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE sms_messages SET acknowledged = 1, ack_sent_at = ? WHERE id = ?`,
		s.now(), id)
	if err != nil {
		return fmt.Errorf("mark acknowledged %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		slog.Warn("No message found to acknowledge", "id", id)
		return nil
	}
	slog.Info("SMS acknowledged", "id", id)
	return nil
}

// Unacknowledged returns the records for which no ACK has been recorded,
// oldest first.
func (s *Store) Unacknowledged() ([]SmsMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT id, sender, content, received_at, metas, acknowledged, ack_sent_at, created_at
		 FROM sms_messages WHERE acknowledged = 0 ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("query unacknowledged: %w", err)
	}
	defer rows.Close()

	var msgs []SmsMessage
	for rows.Next() {
		var msg SmsMessage
		var metas sql.NullString
		var ackSentAt sql.NullInt64
		if err := rows.Scan(&msg.Id, &msg.Sender, &msg.Content, &msg.ReceivedAt,
			&metas, &msg.Acknowledged, &ackSentAt, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan sms row: %w", err)
		}
		msg.Metas = metas.String
		if ackSentAt.Valid {
			msg.AckSentAt = &ackSentAt.Int64
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

func (s *Store) CountTotal() (int64, error) {
	return s.count(`SELECT COUNT(*) FROM sms_messages`)
}

func (s *Store) CountUnacknowledged() (int64, error) {
	return s.count(`SELECT COUNT(*) FROM sms_messages WHERE acknowledged = 0`)
}

func (s *Store) count(query string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	if err := s.db.QueryRow(query).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}
