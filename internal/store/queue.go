package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Enqueue appends a message snapshot to the durable outbound queue.
// AUTOINCREMENT ids preserve insertion order across restarts.
func (db *DB) Enqueue(q *QueuedMessage) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO outbound_queue (client_msg_id, conversation_id, message_type, body, image_url, image_width, image_height, sender_id, timestamp, retry_count, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		q.ClientMsgID, q.ConversationID, q.Type, q.Body, q.ImageURL, q.ImageWidth, q.ImageHeight,
		q.SenderID, q.Timestamp, q.RetryCount, now)
	return err
}

// Dequeue removes an entry by its provisional client message id.
func (db *DB) Dequeue(clientMsgID string) error {
	_, err := db.Exec(`DELETE FROM outbound_queue WHERE client_msg_id = ?`, clientMsgID)
	return err
}

// Queue returns all queued entries in insertion order.
func (db *DB) Queue() ([]QueuedMessage, error) {
	rows, err := db.Query(`
		SELECT client_msg_id, conversation_id, message_type, body, image_url, image_width, image_height, sender_id, timestamp, retry_count
		FROM outbound_queue
		ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []QueuedMessage
	for rows.Next() {
		var q QueuedMessage
		if err := rows.Scan(&q.ClientMsgID, &q.ConversationID, &q.Type, &q.Body, &q.ImageURL,
			&q.ImageWidth, &q.ImageHeight, &q.SenderID, &q.Timestamp, &q.RetryCount); err != nil {
			return nil, err
		}
		entries = append(entries, q)
	}
	return entries, rows.Err()
}

// IncrementRetry bumps and persists an entry's retry count, returning the
// new value. Returns 0 with no error if the entry is already gone.
func (db *DB) IncrementRetry(clientMsgID string) (int, error) {
	tx, err := db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var count int
	err = tx.QueryRow(`SELECT retry_count FROM outbound_queue WHERE client_msg_id = ?`, clientMsgID).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	count++
	if _, err := tx.Exec(`UPDATE outbound_queue SET retry_count = ? WHERE client_msg_id = ?`, count, clientMsgID); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return count, nil
}
