package store

import (
	"database/sql"
	"time"
)

// UpsertConversation inserts or updates a conversation record. Recency never
// goes backwards: last_message_at only moves forward, and the preview follows
// whichever message is newest.
func (db *DB) UpsertConversation(c *Conversation) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (partner_id, partner_name, partner_avatar_url, last_message_at, last_message_preview, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(partner_id) DO UPDATE SET
			partner_name = CASE WHEN excluded.partner_name <> '' THEN excluded.partner_name ELSE conversations.partner_name END,
			partner_avatar_url = CASE WHEN excluded.partner_avatar_url <> '' THEN excluded.partner_avatar_url ELSE conversations.partner_avatar_url END,
			last_message_at = MAX(conversations.last_message_at, excluded.last_message_at),
			last_message_preview = CASE WHEN excluded.last_message_at > conversations.last_message_at THEN excluded.last_message_preview ELSE conversations.last_message_preview END,
			updated_at = excluded.updated_at`,
		c.PartnerID, c.PartnerName, c.PartnerAvatarURL, c.LastMessageAt, c.LastMessagePreview, now)
	return err
}

// ListConversations returns conversations sorted by last message timestamp
// descending.
func (db *DB) ListConversations(limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT partner_id, partner_name, partner_avatar_url, last_message_at, last_message_preview
		FROM conversations
		ORDER BY last_message_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.PartnerID, &c.PartnerName, &c.PartnerAvatarURL, &c.LastMessageAt, &c.LastMessagePreview); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// GetConversation returns a single conversation by partner id.
func (db *DB) GetConversation(partnerID string) (*Conversation, error) {
	var c Conversation
	err := db.QueryRow(`
		SELECT partner_id, partner_name, partner_avatar_url, last_message_at, last_message_preview
		FROM conversations
		WHERE partner_id = ?`, partnerID).
		Scan(&c.PartnerID, &c.PartnerName, &c.PartnerAvatarURL, &c.LastMessageAt, &c.LastMessagePreview)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}
