package store

import (
	"database/sql"
	"fmt"
	"math"
	"time"
	"unicode/utf8"
)

// UpsertMessage inserts or updates a message, idempotent on
// (conversation_id, msg_id). A message with an id already present is
// replaced in place, never duplicated.
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (conversation_id, msg_id, sender_id, receiver_id, body, image_url, delivery_state, created_at, inserted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, msg_id) DO UPDATE SET
			body = excluded.body,
			image_url = excluded.image_url,
			delivery_state = excluded.delivery_state,
			created_at = excluded.created_at`,
		m.ConversationID, m.MsgID, m.SenderID, m.ReceiverID, m.Body, m.ImageURL, m.DeliveryState, m.CreatedAt, now)
	return err
}

// ReplaceMessage swaps the optimistic row identified by tempID for the
// server-confirmed message in one transaction. The temporary id never
// reappears in the cache.
func (db *DB) ReplaceMessage(tempID string, confirmed *Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		DELETE FROM messages WHERE conversation_id = ? AND msg_id = ?`,
		confirmed.ConversationID, tempID); err != nil {
		return fmt.Errorf("delete optimistic row: %w", err)
	}

	now := time.Now().UnixMilli()
	if _, err := tx.Exec(`
		INSERT INTO messages (conversation_id, msg_id, sender_id, receiver_id, body, image_url, delivery_state, created_at, inserted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, msg_id) DO UPDATE SET
			body = excluded.body,
			image_url = excluded.image_url,
			delivery_state = excluded.delivery_state,
			created_at = excluded.created_at`,
		confirmed.ConversationID, confirmed.MsgID, confirmed.SenderID, confirmed.ReceiverID,
		confirmed.Body, confirmed.ImageURL, confirmed.DeliveryState, confirmed.CreatedAt, now); err != nil {
		return fmt.Errorf("insert confirmed row: %w", err)
	}

	return tx.Commit()
}

// DeleteMessage removes a message by id. Used only to roll back a failed
// optimistic send.
func (db *DB) DeleteMessage(conversationID, msgID string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE conversation_id = ? AND msg_id = ?`, conversationID, msgID)
	return err
}

// SetDeliveryState updates a cached message's delivery state.
func (db *DB) SetDeliveryState(conversationID, msgID, state string) error {
	res, err := db.Exec(`
		UPDATE messages SET delivery_state = ? WHERE conversation_id = ? AND msg_id = ?`,
		state, conversationID, msgID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("message %s/%s not found", conversationID, msgID)
	}
	return nil
}

// GetMessage returns a single cached message, or nil if absent.
func (db *DB) GetMessage(conversationID, msgID string) (*Message, error) {
	var m Message
	err := db.QueryRow(`
		SELECT id, conversation_id, msg_id, sender_id, receiver_id, body, image_url, delivery_state, created_at
		FROM messages
		WHERE conversation_id = ? AND msg_id = ?`, conversationID, msgID).
		Scan(&m.ID, &m.ConversationID, &m.MsgID, &m.SenderID, &m.ReceiverID, &m.Body, &m.ImageURL, &m.DeliveryState, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessages returns a window of messages for a conversation using keyset
// pagination by timestamp, in display order: ascending by created_at.
func (db *DB) ListMessages(conversationID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		// No upper bound. A confirmed message whose server clock ran ahead
		// of ours must still be visible in the default window.
		beforeTs = math.MaxInt64
	}
	rows, err := db.Query(`
		SELECT id, conversation_id, msg_id, sender_id, receiver_id, body, image_url, delivery_state, created_at
		FROM messages
		WHERE conversation_id = ? AND created_at < ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, conversationID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.MsgID, &m.SenderID, &m.ReceiverID, &m.Body, &m.ImageURL, &m.DeliveryState, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// The window is selected newest-first; flip it for display order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// MergeHistory upserts a batch of fetched history messages in one
// transaction, idempotent on (conversation_id, msg_id), and keeps the
// owning conversations' recency columns current.
func (db *DB) MergeHistory(msgs []*Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, m := range msgs {
		if _, err := tx.Exec(`
			INSERT INTO conversations (partner_id, last_message_at, last_message_preview, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(partner_id) DO UPDATE SET
				last_message_at = MAX(conversations.last_message_at, excluded.last_message_at),
				last_message_preview = CASE WHEN excluded.last_message_at > conversations.last_message_at THEN excluded.last_message_preview ELSE conversations.last_message_preview END,
				updated_at = excluded.updated_at`,
			m.ConversationID, m.CreatedAt, Preview(m), now); err != nil {
			return fmt.Errorf("upsert conversation in batch: %w", err)
		}

		if _, err := tx.Exec(`
			INSERT INTO messages (conversation_id, msg_id, sender_id, receiver_id, body, image_url, delivery_state, created_at, inserted_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(conversation_id, msg_id) DO UPDATE SET
				body = excluded.body,
				image_url = excluded.image_url,
				delivery_state = excluded.delivery_state,
				created_at = excluded.created_at`,
			m.ConversationID, m.MsgID, m.SenderID, m.ReceiverID, m.Body, m.ImageURL, m.DeliveryState, m.CreatedAt, now); err != nil {
			return fmt.Errorf("upsert message in batch: %w", err)
		}
	}

	return tx.Commit()
}

// Preview renders the conversation-list preview for a message.
func Preview(m *Message) string {
	if m.Body != "" {
		return truncate(m.Body, 100)
	}
	return "[image]"
}

// truncate cuts s to at most maxLen bytes without splitting a rune.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
