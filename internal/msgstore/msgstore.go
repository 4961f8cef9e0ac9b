// Package msgstore persists decrypted messages. Storage is idempotent on
// messageId; conversationId is a username, or transiently a raw server user
// id until a device announce rebinds it.
package msgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
)

// Message is one stored message row. Timestamps are unix milliseconds.
type Message struct {
	MessageID        string `json:"messageId"`
	ConversationID   string `json:"conversationId"`
	Timestamp        int64  `json:"timestamp"`
	Content          string `json:"content"`
	IsSent           bool   `json:"isSent"`
	AuthorDeviceID   string `json:"authorDeviceId"`
	MediaURL         string `json:"mediaUrl,omitempty"`
	ContentReference string `json:"contentReference,omitempty"`
}

// Store is the sqlite-backed message store for one user namespace.
type Store struct {
	db        *sql.DB
	namespace string
	logger    *log.Logger
}

// Open creates the schema, migrates older layouts forward, and returns the
// store.
func Open(ctx context.Context, db *sql.DB, namespace string) (*Store, error) {
	s := &Store{
		db:        db,
		namespace: namespace,
		logger:    log.New(os.Stdout, "[MSGSTORE] ", log.Ldate|log.Ltime|log.LUTC),
	}

	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS messages (
			namespace TEXT NOT NULL,
			message_id TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			content TEXT NOT NULL,
			is_sent INTEGER NOT NULL DEFAULT 0,
			author_device_id TEXT NOT NULL DEFAULT '',
			media_url TEXT NOT NULL DEFAULT '',
			content_reference TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (namespace, message_id)
		);
		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages (namespace, conversation_id);
		CREATE INDEX IF NOT EXISTS idx_messages_timestamp
			ON messages (namespace, timestamp);
		CREATE INDEX IF NOT EXISTS idx_messages_conversation_timestamp
			ON messages (namespace, conversation_id, timestamp);
		CREATE TABLE IF NOT EXISTS processed_envelopes (
			namespace TEXT NOT NULL,
			envelope_id TEXT NOT NULL,
			processed_at INTEGER NOT NULL,
			PRIMARY KEY (namespace, envelope_id)
		);
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create message schema: %w", err)
	}

	if err := s.migrateForward(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// migrateForward brings pre-media_url layouts up to the superset schema.
// Both historic layouts were schema version 1, so presence of the column is
// the only reliable signal.
func (s *Store) migrateForward(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `PRAGMA table_info(messages)`)
	if err != nil {
		return err
	}
	defer rows.Close()

	hasMediaURL := false
	hasContentReference := false
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return err
		}
		switch name {
		case "media_url":
			hasMediaURL = true
		case "content_reference":
			hasContentReference = true
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if !hasMediaURL {
		s.logger.Printf("Migrating message store: adding media_url column")
		if _, err := s.db.ExecContext(ctx,
			`ALTER TABLE messages ADD COLUMN media_url TEXT NOT NULL DEFAULT ''`); err != nil {
			return fmt.Errorf("media_url migration failed: %w", err)
		}
	}
	if !hasContentReference {
		s.logger.Printf("Migrating message store: adding content_reference column")
		if _, err := s.db.ExecContext(ctx,
			`ALTER TABLE messages ADD COLUMN content_reference TEXT NOT NULL DEFAULT ''`); err != nil {
			return fmt.Errorf("content_reference migration failed: %w", err)
		}
	}
	return nil
}

// Insert stores a message. A second insert with the same messageId is a
// no-op; the return value reports whether a row was written.
func (s *Store) Insert(ctx context.Context, m *Message) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages
			(namespace, message_id, conversation_id, timestamp, content,
			 is_sent, author_device_id, media_url, content_reference)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.namespace, m.MessageID, m.ConversationID, m.Timestamp, m.Content,
		m.IsSent, m.AuthorDeviceID, m.MediaURL, m.ContentReference)
	if err != nil {
		return false, fmt.Errorf("failed to insert message %s: %w", m.MessageID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Get returns a message by id, or nil when absent.
func (s *Store) Get(ctx context.Context, messageID string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT message_id, conversation_id, timestamp, content, is_sent,
		       author_device_id, media_url, content_reference
		FROM messages WHERE namespace = ? AND message_id = ?`,
		s.namespace, messageID)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

// ListConversation returns a conversation's messages in timestamp order.
func (s *Store) ListConversation(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, conversation_id, timestamp, content, is_sent,
		       author_device_id, media_url, content_reference
		FROM messages
		WHERE namespace = ? AND conversation_id = ?
		ORDER BY timestamp ASC`,
		s.namespace, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMessages(rows)
}

// ListAll returns every stored message, oldest first. Used to build the
// sync blob for a newly linked device.
func (s *Store) ListAll(ctx context.Context) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, conversation_id, timestamp, content, is_sent,
		       author_device_id, media_url, content_reference
		FROM messages WHERE namespace = ? ORDER BY timestamp ASC`,
		s.namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMessages(rows)
}

// Migrate rewrites every message stored under conversation `from` to
// conversation `to`, returning the number of rows moved. from == to is a
// no-op.
func (s *Store) Migrate(ctx context.Context, from, to string) (int64, error) {
	if from == to {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET conversation_id = ?
		WHERE namespace = ? AND conversation_id = ?`,
		to, s.namespace, from)
	if err != nil {
		return 0, fmt.Errorf("failed to migrate messages %s -> %s: %w", from, to, err)
	}
	return res.RowsAffected()
}

// Delete removes one message.
func (s *Store) Delete(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE namespace = ? AND message_id = ?`,
		s.namespace, messageID)
	return err
}

// WasProcessed reports whether an envelope id has been processed before.
func (s *Store) WasProcessed(ctx context.Context, envelopeID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM processed_envelopes WHERE namespace = ? AND envelope_id = ?`,
		s.namespace, envelopeID).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, err
	}
	return true, nil
}

// MarkEnvelopeProcessed records an envelope id, reporting whether it had
// been processed before. Redelivered envelopes must not repeat side
// effects.
func (s *Store) MarkEnvelopeProcessed(ctx context.Context, envelopeID string, processedAt int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO processed_envelopes (namespace, envelope_id, processed_at)
		VALUES (?, ?, ?)`,
		s.namespace, envelopeID, processedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

// ClearAll purges the namespace. Only the unlink path calls this.
func (s *Store) ClearAll(ctx context.Context) error {
	for _, table := range []string{"messages", "processed_envelopes"} {
		if _, err := s.db.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE namespace = ?`, table), s.namespace); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	err := row.Scan(&m.MessageID, &m.ConversationID, &m.Timestamp, &m.Content,
		&m.IsSent, &m.AuthorDeviceID, &m.MediaURL, &m.ContentReference)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func collectMessages(rows *sql.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}
