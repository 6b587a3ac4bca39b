package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// UpsertConversation inserts or updates a conversation record.
func (db *DB) UpsertConversation(c *Conversation) error {
	participants, err := json.Marshal(emptyIfNil(c.Participants))
	if err != nil {
		return fmt.Errorf("marshal participants: %w", err)
	}
	now := time.Now().UnixMilli()
	_, err = db.Exec(`
		INSERT INTO conversations (id, conversation_type, participants, name, photo_url, created_by, created_at, last_message, last_message_at, last_message_type, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			participants = excluded.participants,
			name = excluded.name,
			photo_url = excluded.photo_url,
			last_message = excluded.last_message,
			last_message_at = excluded.last_message_at,
			last_message_type = excluded.last_message_type,
			updated_at = excluded.updated_at`,
		c.ID, c.Type, string(participants), c.Name, c.PhotoURL, c.CreatedBy, c.CreatedAt,
		c.LastMessage, c.LastMessageAt, c.LastMessageType, now)
	return err
}

// ReplaceConversations overwrites the cached conversation list with a live
// snapshot.
func (db *DB) ReplaceConversations(convs []Conversation) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM conversations`); err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	for _, c := range convs {
		participants, err := json.Marshal(emptyIfNil(c.Participants))
		if err != nil {
			return fmt.Errorf("marshal participants: %w", err)
		}
		if _, err := tx.Exec(`
			INSERT INTO conversations (id, conversation_type, participants, name, photo_url, created_by, created_at, last_message, last_message_at, last_message_type, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.Type, string(participants), c.Name, c.PhotoURL, c.CreatedBy, c.CreatedAt,
			c.LastMessage, c.LastMessageAt, c.LastMessageType, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Conversations returns cached conversations sorted by last message time
// descending.
func (db *DB) Conversations() ([]Conversation, error) {
	rows, err := db.Query(`
		SELECT id, conversation_type, participants, name, photo_url, created_by, created_at, last_message, last_message_at, last_message_type
		FROM conversations
		ORDER BY last_message_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		var participants string
		if err := rows.Scan(&c.ID, &c.Type, &participants, &c.Name, &c.PhotoURL, &c.CreatedBy,
			&c.CreatedAt, &c.LastMessage, &c.LastMessageAt, &c.LastMessageType); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(participants), &c.Participants); err != nil {
			return nil, fmt.Errorf("unmarshal participants: %w", err)
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// GetConversation returns a single cached conversation, or nil if absent.
func (db *DB) GetConversation(id string) (*Conversation, error) {
	var c Conversation
	var participants string
	err := db.QueryRow(`
		SELECT id, conversation_type, participants, name, photo_url, created_by, created_at, last_message, last_message_at, last_message_type
		FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.Type, &participants, &c.Name, &c.PhotoURL, &c.CreatedBy,
			&c.CreatedAt, &c.LastMessage, &c.LastMessageAt, &c.LastMessageType)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(participants), &c.Participants); err != nil {
		return nil, fmt.Errorf("unmarshal participants: %w", err)
	}
	return &c, nil
}
