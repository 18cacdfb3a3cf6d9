package store

import (
	"database/sql"
	"fmt"
	"time"
)

// UpsertConversation inserts or updates a conversation summary and replaces
// its participant set when one is provided.
func (db *DB) UpsertConversation(c *Conversation) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	if _, err := tx.Exec(`
		INSERT INTO conversations (id, kind, title, unread_count, last_message_at, last_message_preview, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			title = excluded.title,
			unread_count = excluded.unread_count,
			last_message_at = MAX(conversations.last_message_at, excluded.last_message_at),
			last_message_preview = CASE WHEN excluded.last_message_at >= conversations.last_message_at THEN excluded.last_message_preview ELSE conversations.last_message_preview END,
			updated_at = excluded.updated_at`,
		c.ID, c.Kind, c.Title, c.UnreadCount, c.LastMessageAt, c.LastMessagePreview, now); err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}

	if c.Participants != nil {
		if _, err := tx.Exec(`DELETE FROM participants WHERE conversation_id = ?`, c.ID); err != nil {
			return fmt.Errorf("clear participants: %w", err)
		}
		for i, p := range c.Participants {
			if _, err := tx.Exec(`
				INSERT INTO participants (conversation_id, user_id, display_name, position)
				VALUES (?, ?, ?, ?)`,
				c.ID, p.UserID, p.DisplayName, i); err != nil {
				return fmt.Errorf("insert participant %q: %w", p.UserID, err)
			}
		}
	}

	return tx.Commit()
}

// TouchConversation records a message arrival on a conversation's summary:
// last message fields move forward and the unread count is bumped by
// unreadDelta. The row is created if this is the first reference to the
// conversation.
func (db *DB) TouchConversation(id string, lastMessageAt int64, preview string, unreadDelta int) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (id, unread_count, last_message_at, last_message_preview, updated_at)
		VALUES (?, MAX(?, 0), ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			unread_count = MAX(conversations.unread_count + ?, 0),
			last_message_at = MAX(conversations.last_message_at, excluded.last_message_at),
			last_message_preview = CASE WHEN excluded.last_message_at >= conversations.last_message_at THEN excluded.last_message_preview ELSE conversations.last_message_preview END,
			updated_at = excluded.updated_at`,
		id, unreadDelta, lastMessageAt, preview, now, unreadDelta)
	return err
}

// ResetUnread zeroes a conversation's unread counter.
func (db *DB) ResetUnread(id string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE conversations SET unread_count = 0, updated_at = ? WHERE id = ?`, now, id)
	return err
}

// ListConversations returns conversations sorted by last message timestamp
// descending, participants included.
func (db *DB) ListConversations(limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, kind, title, unread_count, last_message_at, last_message_preview
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
		if err := rows.Scan(&c.ID, &c.Kind, &c.Title, &c.UnreadCount, &c.LastMessageAt, &c.LastMessagePreview); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range convs {
		parts, err := db.ListParticipants(convs[i].ID)
		if err != nil {
			return nil, err
		}
		convs[i].Participants = parts
	}
	return convs, nil
}

// GetConversation returns a single conversation by id, or nil if unknown.
func (db *DB) GetConversation(id string) (*Conversation, error) {
	var c Conversation
	err := db.QueryRow(`
		SELECT id, kind, title, unread_count, last_message_at, last_message_preview
		FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.Kind, &c.Title, &c.UnreadCount, &c.LastMessageAt, &c.LastMessagePreview)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	parts, err := db.ListParticipants(id)
	if err != nil {
		return nil, err
	}
	c.Participants = parts
	return &c, nil
}

// ListParticipants returns a conversation's participants in server order.
func (db *DB) ListParticipants(conversationID string) ([]Participant, error) {
	rows, err := db.Query(`
		SELECT user_id, display_name, position
		FROM participants WHERE conversation_id = ?
		ORDER BY position ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var parts []Participant
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.UserID, &p.DisplayName, &p.Position); err != nil {
			return nil, err
		}
		parts = append(parts, p)
	}
	return parts, rows.Err()
}

// AllParticipantIDs returns the distinct user ids across all mirrored
// conversations, used to seed the presence snapshot.
func (db *DB) AllParticipantIDs() ([]string, error) {
	rows, err := db.Query(`SELECT DISTINCT user_id FROM participants ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ConversationCount returns the total number of conversations.
func (db *DB) ConversationCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM conversations`).Scan(&count)
	return count, err
}

// MessageCount returns the total number of mirrored messages.
func (db *DB) MessageCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}
