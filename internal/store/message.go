package store

import (
	"database/sql"
	"fmt"
	"time"
)

// UpsertMessage inserts or updates a message (idempotent on
// conversation_id + msg_id). The stored status is only overwritten when the
// transition is a legal forward move; stale pushes never regress it.
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (conversation_id, msg_id, sender_id, body, attachment_ref, reply_to_id, message_type, from_me, status, sent_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, msg_id) DO UPDATE SET
			body = excluded.body,
			attachment_ref = excluded.attachment_ref,
			status = CASE WHEN `+statusRankSQL("excluded.status")+` > `+statusRankSQL("messages.status")+`
				THEN excluded.status ELSE messages.status END`,
		m.ConversationID, m.MsgID, m.SenderID, m.Body, m.AttachmentRef, m.ReplyToID, m.MessageType, m.FromMe, m.Status, m.SentAt, now)
	return err
}

// AdvanceMessageStatus applies a delivery status update. Returns true when a
// row changed; false means the id is unknown or the update would regress the
// status (both discarded per the monotonic-advance rule).
func (db *DB) AdvanceMessageStatus(conversationID, msgID string, to Status) (bool, error) {
	res, err := db.Exec(`
		UPDATE messages SET status = ?
		WHERE conversation_id = ? AND msg_id = ?
		AND `+statusRankSQL("?")+` > `+statusRankSQL("messages.status"),
		to, conversationID, msgID, to)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkMessageFailed moves a message to failed. Only pending or sent entries
// can fail; anything further along is left untouched.
func (db *DB) MarkMessageFailed(conversationID, msgID string) (bool, error) {
	res, err := db.Exec(`
		UPDATE messages SET status = ?
		WHERE conversation_id = ? AND msg_id = ? AND status IN (?, ?)`,
		StatusFailed, conversationID, msgID, StatusPending, StatusSent)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ConfirmSend replaces an optimistic entry's client token with the durable
// server id and authoritative timestamp. If a push already delivered the
// durable id, the optimistic row is dropped and the durable row keeps the
// more advanced status. This is the only way a client token leaves the
// mirror.
func (db *DB) ConfirmSend(conversationID, clientToken, durableID string, sentAt int64, st Status) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing int64
	err = tx.QueryRow(`SELECT id FROM messages WHERE conversation_id = ? AND msg_id = ?`,
		conversationID, durableID).Scan(&existing)
	switch err {
	case nil:
		// Durable copy already mirrored (at-least-once push beat the ack).
		if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ? AND msg_id = ?`,
			conversationID, clientToken); err != nil {
			return fmt.Errorf("drop optimistic row: %w", err)
		}
		if _, err := tx.Exec(`
			UPDATE messages SET status = ?
			WHERE conversation_id = ? AND msg_id = ?
			AND `+statusRankSQL("?")+` > `+statusRankSQL("messages.status"),
			st, conversationID, durableID, st); err != nil {
			return fmt.Errorf("advance durable row: %w", err)
		}
	case sql.ErrNoRows:
		if _, err := tx.Exec(`
			UPDATE messages SET msg_id = ?, sent_at = ?, status = ?
			WHERE conversation_id = ? AND msg_id = ?`,
			durableID, sentAt, st, conversationID, clientToken); err != nil {
			return fmt.Errorf("confirm optimistic row: %w", err)
		}
	default:
		return fmt.Errorf("lookup durable id: %w", err)
	}

	return tx.Commit()
}

// RekeyMessage swaps an entry's client token for a fresh one and resets it to
// pending, used when a failed send is explicitly resubmitted.
func (db *DB) RekeyMessage(conversationID, oldToken, newToken string, sentAt int64) error {
	_, err := db.Exec(`
		UPDATE messages SET msg_id = ?, sent_at = ?, status = ?
		WHERE conversation_id = ? AND msg_id = ?`,
		newToken, sentAt, StatusPending, conversationID, oldToken)
	return err
}

// GetMessage returns a message by conversation and wire id, or nil if absent.
func (db *DB) GetMessage(conversationID, msgID string) (*Message, error) {
	var m Message
	err := db.QueryRow(`
		SELECT id, conversation_id, msg_id, sender_id, body, attachment_ref, reply_to_id, message_type, from_me, status, sent_at
		FROM messages WHERE conversation_id = ? AND msg_id = ?`,
		conversationID, msgID).
		Scan(&m.ID, &m.ConversationID, &m.MsgID, &m.SenderID, &m.Body, &m.AttachmentRef, &m.ReplyToID, &m.MessageType, &m.FromMe, &m.Status, &m.SentAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// FindByDurableID locates a message by wire id across conversations; status
// pushes do not carry the conversation id.
func (db *DB) FindByDurableID(msgID string) (*Message, error) {
	var m Message
	err := db.QueryRow(`
		SELECT id, conversation_id, msg_id, sender_id, body, attachment_ref, reply_to_id, message_type, from_me, status, sent_at
		FROM messages WHERE msg_id = ? LIMIT 1`, msgID).
		Scan(&m.ID, &m.ConversationID, &m.MsgID, &m.SenderID, &m.Body, &m.AttachmentRef, &m.ReplyToID, &m.MessageType, &m.FromMe, &m.Status, &m.SentAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessages returns messages for a conversation using keyset pagination
// by sent time, newest first.
func (db *DB) ListMessages(conversationID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT id, conversation_id, msg_id, sender_id, body, attachment_ref, reply_to_id, message_type, from_me, status, sent_at
		FROM messages
		WHERE conversation_id = ? AND sent_at < ?
		ORDER BY sent_at DESC, msg_id DESC
		LIMIT ?`, conversationID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.MsgID, &m.SenderID, &m.Body, &m.AttachmentRef, &m.ReplyToID, &m.MessageType, &m.FromMe, &m.Status, &m.SentAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// statusRankSQL renders the status ordering used by the monotonic-advance
// guards. Unknown values rank below pending so they never overwrite anything.
func statusRankSQL(expr string) string {
	return `(CASE ` + expr + `
		WHEN 'pending' THEN 0
		WHEN 'sent' THEN 1
		WHEN 'delivered' THEN 2
		WHEN 'read' THEN 3
		ELSE -1 END)`
}
