package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lucasreb/courier/internal/status"
)

// UpsertMessage inserts or updates a message (idempotent on conversation_id
// + msg_id). Status only moves forward: an update carrying an earlier
// status than the stored row leaves the stored status untouched.
func (db *DB) UpsertMessage(m *Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRow(`SELECT status FROM messages WHERE conversation_id = ? AND msg_id = ?`,
		m.ConversationID, m.MsgID).Scan(&current)
	newStatus := m.Status
	if err == nil {
		newStatus = string(status.Promote(status.Status(current), status.Status(m.Status)))
	} else if err != sql.ErrNoRows {
		return err
	}

	readBy, err := json.Marshal(emptyIfNil(m.ReadBy))
	if err != nil {
		return fmt.Errorf("marshal read_by: %w", err)
	}

	now := time.Now().UnixMilli()
	_, err = tx.Exec(`
		INSERT INTO messages (conversation_id, msg_id, message_type, body, image_url, image_width, image_height, sender_id, status, read_by, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, msg_id) DO UPDATE SET
			body = excluded.body,
			image_url = excluded.image_url,
			image_width = excluded.image_width,
			image_height = excluded.image_height,
			status = excluded.status,
			read_by = excluded.read_by,
			timestamp = excluded.timestamp`,
		m.ConversationID, m.MsgID, m.Type, m.Body, m.ImageURL, m.ImageWidth, m.ImageHeight,
		m.SenderID, newStatus, string(readBy), m.Timestamp, now)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// Messages returns the cached messages for a conversation ordered by
// timestamp ascending.
func (db *DB) Messages(conversationID string) ([]Message, error) {
	rows, err := db.Query(`
		SELECT conversation_id, msg_id, message_type, body, image_url, image_width, image_height, sender_id, status, read_by, timestamp
		FROM messages
		WHERE conversation_id = ?
		ORDER BY timestamp ASC, msg_id ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// ReplaceMessages overwrites the cached list for a conversation with a live
// snapshot. The snapshot is authoritative; it is written wholesale rather
// than merged so the cache always matches the last list the UI saw.
func (db *DB) ReplaceMessages(conversationID string, msgs []Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	for _, m := range msgs {
		readBy, err := json.Marshal(emptyIfNil(m.ReadBy))
		if err != nil {
			return fmt.Errorf("marshal read_by: %w", err)
		}
		if _, err := tx.Exec(`
			INSERT INTO messages (conversation_id, msg_id, message_type, body, image_url, image_width, image_height, sender_id, status, read_by, timestamp, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			conversationID, m.MsgID, m.Type, m.Body, m.ImageURL, m.ImageWidth, m.ImageHeight,
			m.SenderID, m.Status, string(readBy), m.Timestamp, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// DeleteMessage removes a single cached message. Used to drop a provisional
// entry once its confirmed counterpart is cached.
func (db *DB) DeleteMessage(conversationID, msgID string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE conversation_id = ? AND msg_id = ?`, conversationID, msgID)
	return err
}

// SetMessageStatus promotes a cached message's status. Regressions are
// silently ignored.
func (db *DB) SetMessageStatus(conversationID, msgID, newStatus string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRow(`SELECT status FROM messages WHERE conversation_id = ? AND msg_id = ?`,
		conversationID, msgID).Scan(&current)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}

	promoted := string(status.Promote(status.Status(current), status.Status(newStatus)))
	if _, err := tx.Exec(`UPDATE messages SET status = ? WHERE conversation_id = ? AND msg_id = ?`,
		promoted, conversationID, msgID); err != nil {
		return err
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var readBy string
	if err := row.Scan(&m.ConversationID, &m.MsgID, &m.Type, &m.Body, &m.ImageURL,
		&m.ImageWidth, &m.ImageHeight, &m.SenderID, &m.Status, &readBy, &m.Timestamp); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(readBy), &m.ReadBy); err != nil {
		return nil, fmt.Errorf("unmarshal read_by: %w", err)
	}
	return &m, nil
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
